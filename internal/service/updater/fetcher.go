package updater

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// Fetcher retrieves artifact content.
type Fetcher interface {
	// Fetch returns the bytes behind rawURL. A missing resource yields
	// ErrArtifactAbsent; every other failure wraps ErrArtifactTransport.
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// SchemeFetcher resolves file and HTTP(S) URLs.
type SchemeFetcher struct {
	// client performs HTTP requests.
	client *http.Client
	// maxSize caps the number of bytes read for one artifact.
	maxSize int64
}

// FetcherOption configures a SchemeFetcher.
type FetcherOption func(*SchemeFetcher)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) FetcherOption {
	return func(f *SchemeFetcher) {
		if client != nil {
			f.client = client
		}
	}
}

// WithMaxSize caps the artifact size.
func WithMaxSize(size int64) FetcherOption {
	return func(f *SchemeFetcher) {
		if size > 0 {
			f.maxSize = size
		}
	}
}

const (
	defaultFetchTimeout = 5 * time.Minute
	defaultMaxSize      = 512 << 20
)

// NewSchemeFetcher creates a fetcher for file:// and http(s):// URLs.
func NewSchemeFetcher(opts ...FetcherOption) *SchemeFetcher {
	f := &SchemeFetcher{
		client:  &http.Client{Timeout: defaultFetchTimeout},
		maxSize: defaultMaxSize,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Fetch implements Fetcher.
func (f *SchemeFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %q: %w", ErrArtifactTransport, rawURL, err)
	}

	switch u.Scheme {
	case "", "file":
		return f.fetchFile(localPath(u))
	case "http", "https":
		return f.fetchHTTP(ctx, u.String())
	default:
		return nil, fmt.Errorf("%w: %w: %s", ErrArtifactTransport, errUnsupportedScheme, u.Scheme)
	}
}

// localPath maps file URLs to filesystem paths. A host other than localhost is
// read as the first path segment, so file://updates/a.bin means updates/a.bin.
func localPath(u *url.URL) string {
	if u.Scheme == "" {
		return u.Path
	}

	if u.Host == "" || u.Host == "localhost" {
		return filepath.FromSlash(u.Path)
	}

	return filepath.FromSlash(u.Host + u.Path)
}

func (f *SchemeFetcher) fetchFile(path string) ([]byte, error) {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrArtifactAbsent)
		}

		return nil, fmt.Errorf("%w: open %s: %w", ErrArtifactTransport, path, err)
	}

	defer func() {
		_ = file.Close()
	}()

	return f.readLimited(file, path)
}

func (f *SchemeFetcher) fetchHTTP(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrArtifactTransport, err)
	}

	response, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrArtifactTransport, err)
	}

	defer func() {
		_ = response.Body.Close()
	}()

	switch {
	case response.StatusCode == http.StatusNotFound || response.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%s, %s: %w", rawURL, response.Status, ErrArtifactAbsent)
	case response.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: %s, %s: %w", ErrArtifactTransport, rawURL, response.Status, errBadHTTPStatus)
	}

	return f.readLimited(response.Body, rawURL)
}

func (f *SchemeFetcher) readLimited(r io.Reader, source string) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, f.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrArtifactTransport, source, err)
	}

	if int64(len(data)) > f.maxSize {
		return nil, fmt.Errorf("%w: %s: %w", ErrArtifactTransport, source, errArtifactTooLarge)
	}

	return data, nil
}
