package downloader

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Options configures the S3 source. Static keys are optional.
type S3Options struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	UsePathStyle    bool
	Anonymous       bool
}

// S3Source serves superpacks stored as S3 objects (s3://bucket/key).
type S3Source struct {
	client     *s3.Client
	downloader *manager.Downloader
}

func NewS3Source(ctx context.Context, opts S3Options) (*S3Source, error) {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	switch {
	case opts.AccessKeyID != "":
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken)))
	case opts.Anonymous:
		loadOpts = append(loadOpts, config.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})
	return &S3Source{
		client:     client,
		downloader: manager.NewDownloader(client),
	}, nil
}

func (s *S3Source) Size(ctx context.Context, url string) (int64, error) {
	bucket, key, err := bucketObject(url)
	if err != nil {
		return 0, err
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, fmt.Errorf("head s3://%s/%s: %w", bucket, key, err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

func (s *S3Source) OpenRange(ctx context.Context, url string, offset, length int64) (io.ReadCloser, error) {
	if length == 0 {
		return io.NopCloser(strings.NewReader("")), nil
	}
	bucket, key, err := bucketObject(url)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Range:  aws.String(rangeSpec(offset, length)),
	})
	if err != nil {
		return nil, fmt.Errorf("get s3://%s/%s: %w", bucket, key, err)
	}
	return out.Body, nil
}

// FetchRange fills buf through the S3 transfer manager, which splits large
// reads into parallel part requests.
func (s *S3Source) FetchRange(ctx context.Context, url string, offset int64, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	bucket, key, err := bucketObject(url)
	if err != nil {
		return 0, err
	}
	w := manager.NewWriteAtBuffer(buf[:0])
	n, err := s.downloader.Download(ctx, w, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Range:  aws.String(rangeSpec(offset, int64(len(buf)))),
	})
	if err != nil {
		return int(n), fmt.Errorf("download s3://%s/%s: %w", bucket, key, err)
	}
	copy(buf, w.Bytes())
	return int(n), nil
}

func rangeSpec(offset, length int64) string {
	if length < 0 {
		return fmt.Sprintf("bytes=%d-", offset)
	}
	return fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
}
