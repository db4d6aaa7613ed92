// Package resolve turns content locators into bytes.
//
// A locator names a root archive by hash and an optional path of entries,
// each but the last being a nested container. The Resolver walks the path
// one segment at a time, memoizing every prefix in the content cache, so a
// container is decoded at most once per run no matter how many directives
// or goroutines ask for entries beneath it.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/meigma/modkit/cache"
	"github.com/meigma/modkit/internal/modtype"
)

// Roots supplies root archives.
type Roots interface {
	// Root returns the raw bytes of the archive identified by hash, usually
	// as a cache.FileValue over a verified file. Unknown hashes fail with an
	// error wrapping modtype.ErrNotFound.
	Root(ctx context.Context, hash modtype.ContentHash) (*cache.Value, error)
}

// RootsFunc adapts a function to Roots.
type RootsFunc func(ctx context.Context, hash modtype.ContentHash) (*cache.Value, error)

// Root implements Roots.
func (f RootsFunc) Root(ctx context.Context, hash modtype.ContentHash) (*cache.Value, error) {
	return f(ctx, hash)
}

// Resolver resolves locators through a content cache.
type Resolver struct {
	logger *slog.Logger
	cache  *cache.Cache
	roots  Roots
	reader modtype.ArchiveReader
	decode *semaphore.Weighted

	decodes atomic.Int64

	// Containers that failed to decode, by content hash. Their bytes are
	// verified, so decoding them again cannot succeed.
	mu      sync.Mutex
	corrupt map[modtype.ContentHash]error
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithDecodeSemaphore bounds concurrent container extraction. Share it with
// other CPU-bound work to keep a single CPU budget.
func WithDecodeSemaphore(sem *semaphore.Weighted) Option {
	return func(r *Resolver) {
		r.decode = sem
	}
}

// WithDecodeLimit bounds concurrent container extraction to n.
func WithDecodeLimit(n int64) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.decode = semaphore.NewWeighted(n)
		}
	}
}

// New creates a Resolver.
func New(c *cache.Cache, roots Roots, reader modtype.ArchiveReader, opts ...Option) *Resolver {
	r := &Resolver{
		cache:   c,
		roots:   roots,
		reader:  reader,
		corrupt: make(map[modtype.ContentHash]error),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.logger == nil {
		r.logger = slog.New(slog.DiscardHandler)
	}
	return r
}

// Decodes returns the number of entries extracted from containers.
func (r *Resolver) Decodes() int64 {
	return r.decodes.Load()
}

// Resolve returns a handle on the bytes loc points to. The caller must
// Release the handle.
//
// Failures wrap modtype.ErrNotFound when the archive or an entry is absent,
// modtype.ErrCorruptArchive when a container cannot be decoded, and
// modtype.ErrHashMismatch when a cached file no longer matches.
func (r *Resolver) Resolve(ctx context.Context, loc modtype.Locator) (*cache.Handle, error) {
	// Start from the deepest prefix already in the cache so a hit on a
	// nested entry never touches its containers.
	start := 0
	var h *cache.Handle
	for i := loc.Depth(); i > 0; i-- {
		if cached, ok := r.cache.Get(loc.Prefix(i).Key()); ok {
			h, start = cached, i
			break
		}
	}
	if h == nil {
		root := loc.Prefix(0)
		var err error
		h, err = r.cache.GetOrCompute(ctx, root.Key(), func(ctx context.Context) (*cache.Value, error) {
			return r.roots.Root(ctx, loc.Archive)
		})
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", root, err)
		}
	}

	for i := start + 1; i <= loc.Depth(); i++ {
		prefix := loc.Prefix(i)
		parent := h
		next, err := r.cache.GetOrCompute(ctx, prefix.Key(), func(ctx context.Context) (*cache.Value, error) {
			return r.extract(ctx, parent.Value(), prefix)
		})
		parent.Release()
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", prefix, err)
		}
		h = next
	}
	return h, nil
}

// extract opens container and ingests the last segment of loc.
func (r *Resolver) extract(ctx context.Context, container *cache.Value, loc modtype.Locator) (*cache.Value, error) {
	if r.decode != nil {
		if err := r.decode.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer r.decode.Release(1)
	}
	name := loc.Path[len(loc.Path)-1]

	r.mu.Lock()
	known := r.corrupt[container.Hash()]
	r.mu.Unlock()
	if known != nil {
		return nil, known
	}

	ra, err := container.ReaderAt()
	if err != nil {
		return nil, fmt.Errorf("open container %s: %w", loc.Parent(), err)
	}
	defer ra.Close()

	c, err := r.reader.Open(ra, container.Size())
	if err != nil {
		if errors.Is(err, modtype.ErrCorruptArchive) {
			r.mu.Lock()
			r.corrupt[container.Hash()] = err
			r.mu.Unlock()
			r.logger.Warn("container cannot be decoded", "locator", loc.Parent().String(), "err", err)
		}
		return nil, err
	}
	defer c.Close()

	rc, size, err := c.Open(name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	r.decodes.Add(1)
	value, err := r.cache.Ingest(ctx, rc, size)
	if err != nil {
		return nil, err
	}
	if value.Size() != size {
		r.cache.Drop(value)
		return nil, fmt.Errorf("%w: entry %q declared %d bytes, decoded %d", modtype.ErrCorruptArchive, name, size, value.Size())
	}
	r.logger.Debug("extracted entry", "locator", loc.String(), "size", size, "hash", value.Hash().String())
	return value, nil
}
