package downloader

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// AzureOptions configures the Azure Blob source. Without a connection
// string the account is addressed anonymously, optionally with a SAS token
// appended to the service URL.
type AzureOptions struct {
	ConnectionString string
	SASToken         string
	ServiceURL       string // overrides https://<account>.blob.core.windows.net
}

// AzureBlobSource serves superpacks from Azure Blob Storage
// (azblob://account/container/blob).
type AzureBlobSource struct {
	opts AzureOptions
}

func NewAzureBlobSource(opts AzureOptions) *AzureBlobSource {
	return &AzureBlobSource{opts: opts}
}

type blobRef struct {
	serviceURL string
	container  string
	blob       string
}

func (s *AzureBlobSource) parse(rawURL string) (blobRef, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return blobRef{}, err
	}
	container, blob, ok := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	if u.Host == "" || !ok || blob == "" {
		return blobRef{}, fmt.Errorf("url %q must look like azblob://account/container/blob", rawURL)
	}
	service := s.opts.ServiceURL
	if service == "" {
		service = "https://" + u.Host + ".blob.core.windows.net/"
	}
	if s.opts.SASToken != "" {
		service = strings.TrimSuffix(service, "/") + "/?" + strings.TrimPrefix(s.opts.SASToken, "?")
	}
	return blobRef{serviceURL: service, container: container, blob: blob}, nil
}

func (s *AzureBlobSource) client(ref blobRef) (*azblob.Client, error) {
	if s.opts.ConnectionString != "" {
		return azblob.NewClientFromConnectionString(s.opts.ConnectionString, nil)
	}
	return azblob.NewClientWithNoCredential(ref.serviceURL, nil)
}

func (s *AzureBlobSource) Size(ctx context.Context, rawURL string) (int64, error) {
	ref, err := s.parse(rawURL)
	if err != nil {
		return 0, err
	}
	c, err := s.client(ref)
	if err != nil {
		return 0, fmt.Errorf("create azure client: %w", err)
	}
	props, err := c.ServiceClient().NewContainerClient(ref.container).NewBlobClient(ref.blob).GetProperties(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("get properties %s: %w", rawURL, err)
	}
	if props.ContentLength == nil {
		return 0, fmt.Errorf("%s: no content length reported", rawURL)
	}
	return *props.ContentLength, nil
}

func (s *AzureBlobSource) OpenRange(ctx context.Context, rawURL string, offset, length int64) (io.ReadCloser, error) {
	if length == 0 {
		return io.NopCloser(strings.NewReader("")), nil
	}
	ref, err := s.parse(rawURL)
	if err != nil {
		return nil, err
	}
	c, err := s.client(ref)
	if err != nil {
		return nil, fmt.Errorf("create azure client: %w", err)
	}
	rng := azblob.HTTPRange{Offset: offset}
	if length > 0 {
		rng.Count = length
	}
	resp, err := c.DownloadStream(ctx, ref.container, ref.blob, &azblob.DownloadStreamOptions{Range: rng})
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", rawURL, err)
	}
	return resp.Body, nil
}
