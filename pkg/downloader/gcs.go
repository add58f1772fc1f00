package downloader

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSOptions configures the Google Cloud Storage source.
type GCSOptions struct {
	CredentialsFile string
	Endpoint        string
	Anonymous       bool
}

// GCSSource serves superpacks stored in GCS buckets (gs://bucket/object).
type GCSSource struct {
	client *storage.Client
}

func NewGCSSource(ctx context.Context, opts GCSOptions) (*GCSSource, error) {
	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
	}
	if opts.Anonymous {
		clientOpts = append(clientOpts, option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSSource{client: client}, nil
}

func (s *GCSSource) object(url string) (*storage.ObjectHandle, error) {
	bucket, name, err := bucketObject(url)
	if err != nil {
		return nil, err
	}
	return s.client.Bucket(bucket).Object(name), nil
}

func (s *GCSSource) Size(ctx context.Context, url string) (int64, error) {
	obj, err := s.object(url)
	if err != nil {
		return 0, err
	}
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", url, err)
	}
	return attrs.Size, nil
}

func (s *GCSSource) OpenRange(ctx context.Context, url string, offset, length int64) (io.ReadCloser, error) {
	obj, err := s.object(url)
	if err != nil {
		return nil, err
	}
	r, err := obj.NewRangeReader(ctx, offset, length)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	return r, nil
}

func (s *GCSSource) Close() error {
	return s.client.Close()
}
