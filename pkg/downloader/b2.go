package downloader

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/Backblaze/blazer/b2"
)

// B2Options holds Backblaze B2 application key credentials.
type B2Options struct {
	AccountID      string
	ApplicationKey string
}

// B2Source serves superpacks from Backblaze B2 buckets (b2://bucket/object).
type B2Source struct {
	client *b2.Client

	mu      sync.Mutex
	buckets map[string]*b2.Bucket
}

func NewB2Source(ctx context.Context, opts B2Options) (*B2Source, error) {
	if opts.AccountID == "" || opts.ApplicationKey == "" {
		return nil, fmt.Errorf("b2 source needs an account id and application key")
	}
	client, err := b2.NewClient(ctx, opts.AccountID, opts.ApplicationKey)
	if err != nil {
		return nil, fmt.Errorf("create b2 client: %w", err)
	}
	return &B2Source{client: client, buckets: make(map[string]*b2.Bucket)}, nil
}

func (s *B2Source) object(ctx context.Context, url string) (*b2.Object, error) {
	bucketName, name, err := bucketObject(url)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.buckets[bucketName]
	if !ok {
		bucket, err = s.client.Bucket(ctx, bucketName)
		if err != nil {
			return nil, fmt.Errorf("open b2 bucket %s: %w", bucketName, err)
		}
		s.buckets[bucketName] = bucket
	}
	return bucket.Object(name), nil
}

func (s *B2Source) Size(ctx context.Context, url string) (int64, error) {
	obj, err := s.object(ctx, url)
	if err != nil {
		return 0, err
	}
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", url, err)
	}
	return attrs.Size, nil
}

func (s *B2Source) OpenRange(ctx context.Context, url string, offset, length int64) (io.ReadCloser, error) {
	obj, err := s.object(ctx, url)
	if err != nil {
		return nil, err
	}
	return obj.NewRangeReader(ctx, offset, length), nil
}
