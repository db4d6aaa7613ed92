package resolve_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	modzip "github.com/meigma/modkit/archive/zip"
	"github.com/meigma/modkit/cache"
	"github.com/meigma/modkit/internal/modtype"
	"github.com/meigma/modkit/internal/testutil"
	"github.com/meigma/modkit/resolve"
)

// memRoots serves root archives from memory and counts lookups.
type memRoots struct {
	mu    sync.Mutex
	data  map[modtype.ContentHash][]byte
	calls atomic.Int64
}

func newRoots(archives ...[]byte) *memRoots {
	r := &memRoots{data: make(map[modtype.ContentHash][]byte)}
	for _, a := range archives {
		r.data[modtype.HashBytes(a)] = a
	}
	return r
}

func (r *memRoots) Root(_ context.Context, hash modtype.ContentHash) (*cache.Value, error) {
	r.calls.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.data[hash]
	if !ok {
		return nil, modtype.ErrNotFound
	}
	return cache.BytesValue(data), nil
}

type fixture struct {
	resolver *resolve.Resolver
	reader   *testutil.CountingReader
	roots    *memRoots
	cache    *cache.Cache
}

func newFixture(t *testing.T, roots *memRoots, opts ...cache.Option) *fixture {
	t.Helper()
	c, err := cache.New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	reader := &testutil.CountingReader{Reader: modzip.NewReader()}
	return &fixture{
		resolver: resolve.New(c, roots, reader, resolve.WithDecodeLimit(2)),
		reader:   reader,
		roots:    roots,
		cache:    c,
	}
}

func (f *fixture) read(t *testing.T, loc modtype.Locator) string {
	t.Helper()
	h, err := f.resolver.Resolve(context.Background(), loc)
	require.NoError(t, err)
	defer h.Release()
	data, err := h.Value().Bytes()
	require.NoError(t, err)
	return string(data)
}

// nested builds outer.zip { "inner.zip": { "deep/file.txt": "deep" }, "top.txt": "top" }.
func nested(t *testing.T) []byte {
	t.Helper()
	inner := testutil.BuildZip(t, map[string][]byte{"deep/file.txt": []byte("deep")})
	return testutil.BuildZip(t, map[string][]byte{
		"inner.zip": inner,
		"top.txt":   []byte("top"),
	})
}

func TestResolveRoot(t *testing.T) {
	t.Parallel()

	archive := []byte("raw archive bytes")
	f := newFixture(t, newRoots(archive))

	assert.Equal(t, "raw archive bytes", f.read(t, modtype.NewLocator(modtype.HashBytes(archive))))
	assert.Zero(t, f.reader.Opens())
}

func TestResolveNested(t *testing.T) {
	t.Parallel()

	outer := nested(t)
	f := newFixture(t, newRoots(outer))
	hash := modtype.HashBytes(outer)

	assert.Equal(t, "top", f.read(t, modtype.NewLocator(hash, "top.txt")))
	assert.Equal(t, "deep", f.read(t, modtype.NewLocator(hash, "inner.zip", "deep/file.txt")))
	assert.Equal(t, "deep", f.read(t, modtype.NewLocator(hash, `INNER.ZIP`, `deep\FILE.txt`)))
	assert.Equal(t, int64(1), f.roots.calls.Load())
}

func TestResolveMemoizesPrefixes(t *testing.T) {
	t.Parallel()

	outer := nested(t)
	f := newFixture(t, newRoots(outer))
	loc := modtype.NewLocator(modtype.HashBytes(outer), "inner.zip", "deep/file.txt")

	f.read(t, loc)
	opens := f.reader.Opens()
	decodes := f.resolver.Decodes()
	assert.Equal(t, int64(2), opens)
	assert.Equal(t, int64(2), decodes)

	f.read(t, loc)
	assert.Equal(t, opens, f.reader.Opens())
	assert.Equal(t, decodes, f.resolver.Decodes())
}

func TestResolveConcurrentAtMostOnce(t *testing.T) {
	t.Parallel()

	outer := nested(t)
	f := newFixture(t, newRoots(outer))
	loc := modtype.NewLocator(modtype.HashBytes(outer), "inner.zip", "deep/file.txt")

	var g errgroup.Group
	for range 32 {
		g.Go(func() error {
			h, err := f.resolver.Resolve(context.Background(), loc)
			if err != nil {
				return err
			}
			defer h.Release()
			data, err := h.Value().Bytes()
			if err != nil {
				return err
			}
			if string(data) != "deep" {
				return errors.New("unexpected content")
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(2), f.reader.Opens())
	assert.Equal(t, int64(1), f.roots.calls.Load())
}

func TestResolveErrors(t *testing.T) {
	t.Parallel()

	outer := nested(t)
	notZip := []byte("this is not a container")
	f := newFixture(t, newRoots(outer, notZip))
	hash := modtype.HashBytes(outer)

	tests := []struct {
		name string
		loc  modtype.Locator
		want error
	}{
		{name: "unknown archive", loc: modtype.NewLocator(modtype.HashBytes([]byte("nope")), "a"), want: modtype.ErrNotFound},
		{name: "missing entry", loc: modtype.NewLocator(hash, "missing.txt"), want: modtype.ErrNotFound},
		{name: "missing nested entry", loc: modtype.NewLocator(hash, "inner.zip", "missing.txt"), want: modtype.ErrNotFound},
		{name: "entry is not a container", loc: modtype.NewLocator(hash, "top.txt", "x"), want: modtype.ErrCorruptArchive},
		{name: "root is not a container", loc: modtype.NewLocator(modtype.HashBytes(notZip), "x"), want: modtype.ErrCorruptArchive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := f.resolver.Resolve(context.Background(), tt.loc)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestResolveRemembersCorruptContainers(t *testing.T) {
	t.Parallel()

	notZip := []byte("verified bytes that are not a container")
	f := newFixture(t, newRoots(notZip))
	hash := modtype.HashBytes(notZip)

	for _, name := range []string{"a.txt", "b.txt", "a.txt"} {
		_, err := f.resolver.Resolve(context.Background(), modtype.NewLocator(hash, name))
		require.ErrorIs(t, err, modtype.ErrCorruptArchive, name)
	}
	assert.Equal(t, int64(1), f.reader.Opens())
}

func TestResolveFailureNotMemoized(t *testing.T) {
	t.Parallel()

	outer := nested(t)
	roots := newRoots()
	f := newFixture(t, roots)
	loc := modtype.NewLocator(modtype.HashBytes(outer), "top.txt")

	_, err := f.resolver.Resolve(context.Background(), loc)
	require.ErrorIs(t, err, modtype.ErrNotFound)

	roots.mu.Lock()
	roots.data[modtype.HashBytes(outer)] = outer
	roots.mu.Unlock()
	assert.Equal(t, "top", f.read(t, loc))
}

func TestResolveSpillsLargeEntries(t *testing.T) {
	t.Parallel()

	big := make([]byte, 64<<10)
	for i := range big {
		big[i] = byte(i * 7)
	}
	outer := testutil.BuildZip(t, map[string][]byte{"big.bin": big})
	f := newFixture(t, newRoots(outer),
		cache.WithSpillDir(filepath.Join(t.TempDir(), "spill")),
		cache.WithInlineThreshold(1024),
	)

	h, err := f.resolver.Resolve(context.Background(), modtype.NewLocator(modtype.HashBytes(outer), "big.bin"))
	require.NoError(t, err)
	defer h.Release()
	v := h.Value()
	assert.False(t, v.Resident())
	assert.Equal(t, modtype.HashBytes(big), v.Hash())

	rc, err := v.Open()
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, big, got)
}

func TestResolveCachedFileChanged(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "archive.bin")
	data := []byte("archive on disk")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	hash := modtype.HashBytes(data)

	c, err := cache.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	roots := resolve.RootsFunc(func(context.Context, modtype.ContentHash) (*cache.Value, error) {
		return cache.FileValue(path, hash, int64(len(data))), nil
	})
	r := resolve.New(c, roots, modzip.NewReader())

	h, err := r.Resolve(context.Background(), modtype.NewLocator(hash))
	require.NoError(t, err)
	h.Release()

	require.NoError(t, os.WriteFile(path, []byte("truncated"), 0o600))
	_, err = r.Resolve(context.Background(), modtype.NewLocator(hash))
	require.ErrorIs(t, err, modtype.ErrHashMismatch)
}

func TestResolveCanceled(t *testing.T) {
	t.Parallel()

	outer := nested(t)
	f := newFixture(t, newRoots(outer))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.resolver.Resolve(ctx, modtype.NewLocator(modtype.HashBytes(outer), "top.txt"))
	require.ErrorIs(t, err, context.Canceled)
}
