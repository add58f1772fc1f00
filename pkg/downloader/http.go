package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/breeze-rmm/dlc/internal/httputil"
)

// HTTPOptions tunes the HTTP source.
type HTTPOptions struct {
	Timeout      time.Duration // per request, 0 = no timeout
	DisableHTTP2 bool
	Retry        *httputil.RetryConfig
	Client       *http.Client // overrides everything above when set
}

// HTTPSource serves superpacks from plain HTTP(S) servers with ranged GETs.
type HTTPSource struct {
	client *http.Client
	retry  httputil.RetryConfig
}

// NewHTTPSource builds an HTTP source. HTTP/2 is negotiated over TLS unless
// disabled.
func NewHTTPSource(opts HTTPOptions) *HTTPSource {
	retry := httputil.DefaultRetryConfig()
	if opts.Retry != nil {
		retry = *opts.Retry
	}
	client := opts.Client
	if client == nil {
		transport := &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}
		if !opts.DisableHTTP2 {
			if err := http2.ConfigureTransport(transport); err != nil {
				log.Warn("http2 unavailable, using http/1.1", "error", err)
			}
		}
		client = &http.Client{Transport: transport, Timeout: opts.Timeout}
	}
	return &HTTPSource{client: client, retry: retry}
}

// Size issues a HEAD request, falling back to a one-byte ranged GET for
// servers that do not report Content-Length on HEAD.
func (s *HTTPSource) Size(ctx context.Context, url string) (int64, error) {
	resp, err := httputil.Do(ctx, s.client, http.MethodHead, url, nil, s.retry)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return 0, &StatusError{Code: resp.StatusCode, URL: url}
	}
	if resp.StatusCode == http.StatusOK && resp.ContentLength >= 0 {
		return resp.ContentLength, nil
	}

	resp, err = httputil.Do(ctx, s.client, http.MethodGet, url, httputil.RangeHeader(0, 1), s.retry)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPartialContent {
		return 0, &StatusError{Code: resp.StatusCode, URL: url}
	}
	_, _, total, err := ParseContentRange(resp.Header.Get("Content-Range"))
	if err != nil {
		return 0, err
	}
	if total < 0 {
		return 0, fmt.Errorf("%s: server did not report object size", url)
	}
	return total, nil
}

// OpenRange issues a ranged GET. A 200 reply is only accepted when the whole
// object was asked for.
func (s *HTTPSource) OpenRange(ctx context.Context, url string, offset, length int64) (io.ReadCloser, error) {
	if length == 0 {
		return io.NopCloser(strings.NewReader("")), nil
	}
	var headers http.Header
	if offset > 0 || length > 0 {
		headers = httputil.RangeHeader(offset, length)
	}
	resp, err := httputil.Do(ctx, s.client, http.MethodGet, url, headers, s.retry)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		start, _, _, err := ParseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			resp.Body.Close()
			return nil, err
		}
		if start != offset {
			resp.Body.Close()
			return nil, fmt.Errorf("%s: server returned range starting at %d, want %d", url, start, offset)
		}
		return resp.Body, nil
	case http.StatusOK:
		if headers != nil && offset > 0 {
			resp.Body.Close()
			return nil, fmt.Errorf("%s: server ignored Range header", url)
		}
		if length > 0 {
			return struct {
				io.Reader
				io.Closer
			}{io.LimitReader(resp.Body, length), resp.Body}, nil
		}
		return resp.Body, nil
	default:
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, URL: url}
	}
}

// ParseContentRange parses "bytes start-end/total". total is -1 when the
// server sends "*".
func ParseContentRange(s string) (start, end, total int64, err error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(s), "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", s)
	}
	span, size, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", s)
	}
	a, b, ok := strings.Cut(span, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", s)
	}
	if start, err = strconv.ParseInt(a, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range start %q: %w", s, err)
	}
	if end, err = strconv.ParseInt(b, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range end %q: %w", s, err)
	}
	total = -1
	if size != "*" {
		if total, err = strconv.ParseInt(size, 10, 64); err != nil {
			return 0, 0, 0, fmt.Errorf("invalid Content-Range size %q: %w", s, err)
		}
	}
	return start, end, total, nil
}
