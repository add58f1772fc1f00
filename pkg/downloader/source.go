package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Source reads byte ranges of remote superpacks. Implementations must be
// safe for concurrent use.
type Source interface {
	Size(ctx context.Context, url string) (int64, error)
	// OpenRange streams [offset, offset+length). A negative length reads to
	// the end of the object.
	OpenRange(ctx context.Context, url string, offset, length int64) (io.ReadCloser, error)
}

// BufferFetcher is implemented by sources with a faster path for filling a
// memory buffer than streaming through OpenRange.
type BufferFetcher interface {
	FetchRange(ctx context.Context, url string, offset int64, buf []byte) (int, error)
}

// StatusError carries an HTTP-like status code from the remote store.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// ErrUnsupportedScheme is returned for URLs no source can serve.
var ErrUnsupportedScheme = errors.New("downloader: unsupported url scheme")

// Credentials configures the cloud sources. Empty fields fall back to the
// SDK's ambient credential chain.
type Credentials struct {
	HTTP  HTTPOptions
	S3    S3Options
	GCS   GCSOptions
	Azure AzureOptions
	B2    B2Options
}

// NewSourceForURL picks the source matching the superpack URL's scheme:
// http(s), s3, gs, azblob or b2.
func NewSourceForURL(ctx context.Context, rawURL string, creds Credentials) (Source, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse superpack url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return NewHTTPSource(creds.HTTP), nil
	case "s3":
		return NewS3Source(ctx, creds.S3)
	case "gs":
		return NewGCSSource(ctx, creds.GCS)
	case "azblob":
		return NewAzureBlobSource(creds.Azure), nil
	case "b2":
		return NewB2Source(ctx, creds.B2)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
}

// bucketObject splits "scheme://bucket/path/to/object".
func bucketObject(rawURL string) (bucket, object string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", err
	}
	object = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || object == "" {
		return "", "", fmt.Errorf("url %q must look like %s://bucket/object", rawURL, u.Scheme)
	}
	return u.Host, object, nil
}

// statusOf extracts an HTTP status code from SDK errors that expose one.
func statusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	var sc interface{ HTTPStatusCode() int }
	if errors.As(err, &sc) {
		return sc.HTTPStatusCode()
	}
	return 0
}
