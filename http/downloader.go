// Package http provides a Downloader fetching source archives over HTTP(S),
// resuming interrupted transfers with range requests.
package http //nolint:revive // intentional naming for domain clarity

import (
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"strconv"
	"strings"

	"github.com/meigma/modkit/download"
	"github.com/meigma/modkit/internal/modtype"
)

// DescriptorType is the descriptor "type" served by this package.
const DescriptorType = "http"

// URLKey is the descriptor key holding the archive URL.
const URLKey = "url"

// Downloader fetches archives from the URL in their descriptor.
type Downloader struct {
	client  *nethttp.Client
	headers nethttp.Header
}

var _ download.Downloader = (*Downloader)(nil)

// Option configures a Downloader.
type Option func(*Downloader)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(d *Downloader) {
		d.client = client
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers nethttp.Header) Option {
	return func(d *Downloader) {
		if headers == nil {
			return
		}
		d.headers = headers.Clone()
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(d *Downloader) {
		if d.headers == nil {
			d.headers = make(nethttp.Header)
		}
		d.headers.Set(key, value)
	}
}

// New creates a Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{client: nethttp.DefaultClient}
	for _, opt := range opts {
		opt(d)
	}
	if d.client == nil {
		d.client = nethttp.DefaultClient
	}
	return d
}

// Fetch implements download.Downloader. The caller must close the returned
// reader to release the underlying connection.
func (d *Downloader) Fetch(ctx context.Context, src modtype.SourceArchive, offset int64) (io.ReadCloser, error) {
	url := src.Descriptor.Get(URLKey)
	if url == "" {
		return nil, fmt.Errorf("%w: source %s has no %q in its descriptor", download.ErrPermanent, src.Name, URLKey)
	}
	if offset < 0 {
		return nil, fmt.Errorf("fetch %s: negative offset %d", src.Name, offset)
	}

	req, err := d.newRequest(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", download.ErrPermanent, err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == nethttp.StatusOK && offset == 0:
		return resp.Body, nil
	case resp.StatusCode == nethttp.StatusPartialContent && offset > 0:
		start, err := parseContentRangeStart(resp.Header.Get("Content-Range"))
		if err != nil || start != offset {
			drain(resp.Body)
			return nil, download.ErrRangeNotSupported
		}
		return resp.Body, nil
	case resp.StatusCode == nethttp.StatusOK,
		resp.StatusCode == nethttp.StatusRequestedRangeNotSatisfiable:
		drain(resp.Body)
		return nil, download.ErrRangeNotSupported
	}

	drain(resp.Body)
	return nil, statusError(src, resp)
}

// newRequest creates a GET request with configured headers.
func (d *Downloader) newRequest(ctx context.Context, url string) (*nethttp.Request, error) {
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, url, nethttp.NoBody)
	if err != nil {
		return nil, err
	}
	for key, values := range d.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	// Transparent decompression would break byte offsets.
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "identity")
	}
	return req, nil
}

// statusError classifies a failed response. Server errors, timeouts and
// throttling are transient; other client errors are permanent.
func statusError(src modtype.SourceArchive, resp *nethttp.Response) error {
	switch resp.StatusCode {
	case nethttp.StatusNotFound, nethttp.StatusGone:
		return fmt.Errorf("fetch %s: %s: %w", src.Name, resp.Status, modtype.ErrNotFound)
	case nethttp.StatusRequestTimeout, nethttp.StatusTooManyRequests:
		return fmt.Errorf("fetch %s: %s", src.Name, resp.Status)
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return fmt.Errorf("%w: fetch %s: %s", download.ErrPermanent, src.Name, resp.Status)
	}
	return fmt.Errorf("fetch %s: %s", src.Name, resp.Status)
}

// drain discards and closes a response body to enable connection reuse.
func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body) //nolint:errcheck // best-effort drain for connection reuse
	_ = body.Close()
}

// parseContentRangeStart extracts the first byte position from a
// Content-Range header value of the form "bytes start-end/size".
func parseContentRangeStart(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "bytes ") {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	rng, _, ok := strings.Cut(strings.TrimPrefix(value, "bytes "), "/")
	if !ok {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	first, _, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return 0, errors.Join(fmt.Errorf("invalid Content-Range %q", value), err)
	}
	return start, nil
}
