package oci

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"oras.land/oras-go/v2/registry/remote/auth"

	"github.com/meigma/modkit/cache/disk"
	"github.com/meigma/modkit/download"
	"github.com/meigma/modkit/internal/modtype"
)

// fakeRegistry serves blobs of a single repository over the distribution API.
type fakeRegistry struct {
	mu       sync.Mutex
	blobs    map[digest.Digest][]byte
	noRanges bool
	token    string
	ranges   []string
}

func (f *fakeRegistry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.token != "" && r.Header.Get("Authorization") != "Bearer "+f.token {
		w.Header().Set("WWW-Authenticate", `Bearer realm="http://`+r.Host+`/token",service="fake"`)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"errors":[{"code":"UNAUTHORIZED","message":"authentication required"}]}`)
		return
	}
	_, dgst, ok := strings.Cut(r.URL.Path, "/blobs/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	f.mu.Lock()
	data, found := f.blobs[digest.Digest(dgst)]
	if rg := r.Header.Get("Range"); rg != "" {
		f.ranges = append(f.ranges, rg)
	}
	f.mu.Unlock()
	if !found {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"errors":[{"code":"BLOB_UNKNOWN","message":"blob unknown"}]}`)
		return
	}
	if f.noRanges {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		_, _ = w.Write(data)
		return
	}
	http.ServeContent(w, r, "blob", time.Time{}, bytes.NewReader(data))
}

func (f *fakeRegistry) seenRanges() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ranges...)
}

func newRegistry(t *testing.T, blobs ...[]byte) (*fakeRegistry, string) {
	t.Helper()
	reg := &fakeRegistry{blobs: make(map[digest.Digest][]byte)}
	for _, b := range blobs {
		reg.blobs[digest.FromBytes(b)] = b
	}
	server := httptest.NewServer(reg)
	t.Cleanup(server.Close)
	return reg, strings.TrimPrefix(server.URL, "http://") + "/mods/archives"
}

func ociSource(ref string, data []byte) modtype.SourceArchive {
	return modtype.SourceArchive{
		Hash:       modtype.HashBytes(data),
		Size:       uint64(len(data)),
		Name:       "archive.zip",
		Descriptor: modtype.Descriptor{"type": DescriptorType, RefKey: ref},
		Digest:     digest.FromBytes(data),
	}
}

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestFetch(t *testing.T) {
	t.Parallel()

	data := []byte("archive bytes served from a registry")
	reg, ref := newRegistry(t, data)
	d := New(WithPlainHTTP(true), WithAnonymous())

	rc, err := d.Fetch(context.Background(), ociSource(ref, data), 0)
	require.NoError(t, err)
	assert.Equal(t, string(data), readAll(t, rc))

	rc, err = d.Fetch(context.Background(), ociSource(ref, data), 8)
	require.NoError(t, err)
	assert.Equal(t, string(data[8:]), readAll(t, rc))
	assert.Contains(t, reg.seenRanges(), "bytes=8-")
}

func TestFetchDigestKeyOverridesSourceDigest(t *testing.T) {
	t.Parallel()

	data := []byte("published by digest key")
	_, ref := newRegistry(t, data)
	d := New(WithPlainHTTP(true))

	src := ociSource(ref, data)
	src.Digest = ""
	src.Descriptor[DigestKey] = digest.FromBytes(data).String()

	rc, err := d.Fetch(context.Background(), src, 0)
	require.NoError(t, err)
	assert.Equal(t, string(data), readAll(t, rc))
}

func TestFetchRangeNotSupported(t *testing.T) {
	t.Parallel()

	data := []byte("no ranges here")
	reg, ref := newRegistry(t, data)
	reg.noRanges = true
	d := New(WithPlainHTTP(true))

	_, err := d.Fetch(context.Background(), ociSource(ref, data), 3)
	require.ErrorIs(t, err, download.ErrRangeNotSupported)

	rc, err := d.Fetch(context.Background(), ociSource(ref, data), 0)
	require.NoError(t, err)
	assert.Equal(t, string(data), readAll(t, rc))
}

func TestFetchErrors(t *testing.T) {
	t.Parallel()

	data := []byte("present")
	_, ref := newRegistry(t, data)
	d := New(WithPlainHTTP(true))

	t.Run("unknown blob", func(t *testing.T) {
		t.Parallel()
		_, err := d.Fetch(context.Background(), ociSource(ref, []byte("missing")), 0)
		require.ErrorIs(t, err, modtype.ErrNotFound)
	})

	t.Run("missing ref", func(t *testing.T) {
		t.Parallel()
		src := ociSource(ref, data)
		delete(src.Descriptor, RefKey)
		_, err := d.Fetch(context.Background(), src, 0)
		require.ErrorIs(t, err, ErrInvalidDescriptor)
		require.ErrorIs(t, err, download.ErrPermanent)
	})

	t.Run("missing digest", func(t *testing.T) {
		t.Parallel()
		src := ociSource(ref, data)
		src.Digest = ""
		_, err := d.Fetch(context.Background(), src, 0)
		require.ErrorIs(t, err, ErrInvalidDescriptor)
	})

	t.Run("malformed digest", func(t *testing.T) {
		t.Parallel()
		src := ociSource(ref, data)
		src.Descriptor = modtype.Descriptor{"type": DescriptorType, RefKey: ref, DigestKey: "sha256:nothex"}
		_, err := d.Fetch(context.Background(), src, 0)
		require.ErrorIs(t, err, ErrInvalidDescriptor)
	})
}

func TestFetchUnauthorized(t *testing.T) {
	t.Parallel()

	data := []byte("private archive")
	reg, ref := newRegistry(t, data)
	reg.token = "secret"
	d := New(WithPlainHTTP(true), WithHTTPClient(http.DefaultClient))

	_, err := d.Fetch(context.Background(), ociSource(ref, data), 0)
	require.ErrorIs(t, err, download.ErrPermanent)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestFetchWithStaticToken(t *testing.T) {
	t.Parallel()

	data := []byte("private archive")
	reg, ref := newRegistry(t, data)
	reg.token = "secret"
	host, _, _ := strings.Cut(ref, "/")
	d := New(WithPlainHTTP(true), WithStaticToken(host, "secret"))

	rc, err := d.Fetch(context.Background(), ociSource(ref, data), 0)
	require.NoError(t, err)
	assert.Equal(t, string(data), readAll(t, rc))
}

func TestManagerOverRegistry(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte("0123456789"), 500)
	_, ref := newRegistry(t, data)
	store, err := disk.New(t.TempDir())
	require.NoError(t, err)
	mux := download.NewMux()
	mux.Handle(DescriptorType, New(WithPlainHTTP(true)))
	m, err := download.New(store, mux)
	require.NoError(t, err)

	src := ociSource(ref, data)
	path, err := m.EnsureAvailable(context.Background(), src)
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.Equal(t, modtype.FetchVerified, m.State(src.Hash))
}

func TestStaticCredentials(t *testing.T) {
	t.Parallel()

	store := StaticCredentials("https://registry.example.com/v2/", "user", "pass")
	ctx := context.Background()

	cred, err := store.Get(ctx, "registry.example.com")
	require.NoError(t, err)
	assert.Equal(t, "user", cred.Username)
	assert.Equal(t, "pass", cred.Password)

	cred, err = store.Get(ctx, "other.example.com")
	require.NoError(t, err)
	assert.Equal(t, auth.EmptyCredential, cred)

	assert.Error(t, store.Put(ctx, "registry.example.com", auth.Credential{}))
	assert.Error(t, store.Delete(ctx, "registry.example.com"))
}

func TestStaticToken(t *testing.T) {
	t.Parallel()

	store := StaticToken("localhost:5000", "my-token")
	ctx := context.Background()

	cred, err := store.Get(ctx, "localhost:5000")
	require.NoError(t, err)
	assert.Equal(t, "my-token", cred.AccessToken)
	assert.Empty(t, cred.Username)

	cred, err = store.Get(ctx, "localhost:5001")
	require.NoError(t, err)
	assert.Equal(t, auth.EmptyCredential, cred)
}

func TestNormalizeServerAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "registry.example.com", want: "registry.example.com"},
		{in: "https://registry.example.com", want: "registry.example.com"},
		{in: "http://localhost:5000/v2/", want: "localhost:5000"},
		{in: "ghcr.io/org/repo", want: "ghcr.io"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeServerAddress(tt.in), tt.in)
	}
}
