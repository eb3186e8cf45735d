// Package fetcher downloads and lists upstream hazard data over HTTP and FTP
// and parses the CSV, JSON, gzip and ZIP payloads they serve.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/hailtrace/internal/resilience"
)

// Fetcher downloads remote files.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}

// Lister enumerates a remote directory.
type Lister interface {
	List(ctx context.Context, dirURL string) ([]Entry, error)
}

// Entry is one file in a remote directory listing.
type Entry struct {
	Name    string
	URL     string
	Size    int64
	ModTime time.Time
}

// UpstreamError reports a non-success response from an upstream service.
type UpstreamError struct {
	URL        string
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("upstream %s: status %d: %s", e.URL, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upstream %s: status %d", e.URL, e.StatusCode)
}

// Transient reports whether the status is worth retrying.
func (e *UpstreamError) Transient() bool {
	return resilience.IsTransientHTTPStatus(e.StatusCode)
}

// IsUpstream reports whether err wraps an UpstreamError.
func IsUpstream(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}

// Router dispatches by URL scheme: ftp:// to the FTP fetcher, everything
// else to HTTP.
type Router struct {
	HTTP *HTTPFetcher
	FTP  *FTPFetcher
}

// Download implements Fetcher.
func (r *Router) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	ftpURL, err := isFTP(rawURL)
	if err != nil {
		return nil, err
	}
	if ftpURL {
		return r.FTP.Download(ctx, rawURL)
	}
	return r.HTTP.Download(ctx, rawURL)
}

// List implements Lister.
func (r *Router) List(ctx context.Context, dirURL string) ([]Entry, error) {
	ftpURL, err := isFTP(dirURL)
	if err != nil {
		return nil, err
	}
	if ftpURL {
		return r.FTP.List(ctx, dirURL)
	}
	return r.HTTP.List(ctx, dirURL)
}

func isFTP(rawURL string) (bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, eris.Wrapf(err, "fetcher: parse url %q", rawURL)
	}
	return u.Scheme == "ftp", nil
}
