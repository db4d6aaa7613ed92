package http_test

import (
	"bytes"
	"errors"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/modkit/cache/disk"
	"github.com/meigma/modkit/download"
	modhttp "github.com/meigma/modkit/http"
	"github.com/meigma/modkit/internal/modtype"
)

func source(url string, data []byte) modtype.SourceArchive {
	return modtype.SourceArchive{
		Hash:       modtype.HashBytes(data),
		Size:       uint64(len(data)),
		Name:       "archive.7z",
		Descriptor: modtype.Descriptor{"type": modhttp.DescriptorType, modhttp.URLKey: url},
	}
}

func serveContent(data []byte) nethttp.Handler {
	return nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		nethttp.ServeContent(w, r, "data", time.Time{}, bytes.NewReader(data))
	})
}

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestDownloaderFetch(t *testing.T) {
	t.Parallel()

	data := []byte("hello world")
	server := httptest.NewServer(serveContent(data))
	t.Cleanup(server.Close)
	d := modhttp.New()

	tests := []struct {
		name   string
		offset int64
		want   string
	}{
		{name: "from start", offset: 0, want: "hello world"},
		{name: "resume from middle", offset: 6, want: "world"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rc, err := d.Fetch(t.Context(), source(server.URL, data), tt.offset)
			require.NoError(t, err)
			assert.Equal(t, tt.want, readAll(t, rc))
		})
	}
}

func TestDownloaderSendsHeaders(t *testing.T) {
	t.Parallel()

	headers := make(chan nethttp.Header, 1)
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		headers <- r.Header.Clone()
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(server.Close)

	d := modhttp.New(modhttp.WithHeader("User-Agent", "modkit-test"))
	rc, err := d.Fetch(t.Context(), source(server.URL, []byte("ok")), 0)
	require.NoError(t, err)
	assert.Equal(t, "ok", readAll(t, rc))
	got := <-headers
	assert.Equal(t, "modkit-test", got.Get("User-Agent"))
	assert.Equal(t, "identity", got.Get("Accept-Encoding"))
}

func TestDownloaderRangeUnsupported(t *testing.T) {
	t.Parallel()

	data := []byte("range unsupported")
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		_, _ = w.Write(data)
	}))
	t.Cleanup(server.Close)

	_, err := modhttp.New().Fetch(t.Context(), source(server.URL, data), 5)
	require.ErrorIs(t, err, download.ErrRangeNotSupported)
}

func TestDownloaderStatusErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		wantErr   error
		permanent bool
	}{
		{name: "not found", status: nethttp.StatusNotFound, wantErr: modtype.ErrNotFound},
		{name: "forbidden", status: nethttp.StatusForbidden, wantErr: download.ErrPermanent, permanent: true},
		{name: "server error", status: nethttp.StatusBadGateway},
		{name: "throttled", status: nethttp.StatusTooManyRequests},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, _ *nethttp.Request) {
				w.WriteHeader(tt.status)
			}))
			t.Cleanup(server.Close)

			_, err := modhttp.New().Fetch(t.Context(), source(server.URL, []byte("x")), 0)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Equal(t, tt.permanent, errors.Is(err, download.ErrPermanent))
		})
	}
}

func TestDownloaderMissingURL(t *testing.T) {
	t.Parallel()

	src := modtype.SourceArchive{Name: "x", Descriptor: modtype.Descriptor{"type": modhttp.DescriptorType}}
	_, err := modhttp.New().Fetch(t.Context(), src, 0)
	require.ErrorIs(t, err, download.ErrPermanent)
}

func TestManagerResumesOverHTTP(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte("modlist archive "), 512)
	var (
		mu     sync.Mutex
		ranges []string
	)
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		mu.Lock()
		ranges = append(ranges, r.Header.Get("Range"))
		mu.Unlock()
		nethttp.ServeContent(w, r, "data", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(server.Close)

	store, err := disk.New(t.TempDir())
	require.NoError(t, err)
	src := source(server.URL, data)
	require.NoError(t, os.WriteFile(store.PartialPath(src.Hash), data[:1000], 0o644))

	m, err := download.New(store, modhttp.New())
	require.NoError(t, err)
	path, err := m.EnsureAvailable(t.Context(), src)
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"bytes=1000-"}, ranges)
}
