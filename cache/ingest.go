package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/meigma/modkit/cache/disk"
	"github.com/meigma/modkit/internal/fileops"
	"github.com/meigma/modkit/internal/modtype"
)

// Ingest materializes r as a value owned by the cache, hashing it on the
// way. Content up to the inline threshold stays resident; larger content is
// spilled to disk when a spill directory is configured. sizeHint is the
// expected length, or -1 when unknown.
//
// A spilled value holds a reference on its file until it is dropped, either
// through Drop or by the entry it was cached under.
func (c *Cache) Ingest(ctx context.Context, r io.Reader, sizeHint int64) (*Value, error) {
	if c.spill == nil || (sizeHint >= 0 && sizeHint <= c.inlineThreshold) {
		return readResident(ctx, r, sizeHint)
	}

	var head []byte
	if sizeHint < 0 {
		// Unknown length: buffer up to the threshold before deciding.
		buf, err := io.ReadAll(io.LimitReader(ctxReader{ctx, r}, c.inlineThreshold+1))
		if err != nil {
			return nil, err
		}
		if int64(len(buf)) <= c.inlineThreshold {
			return BytesValue(buf), nil
		}
		head = buf
	}
	return c.spillValue(ctx, io.MultiReader(bytes.NewReader(head), r))
}

// Drop discards a value returned by Ingest that was never handed to the
// cache, removing its spill file unless another value shares it.
func (c *Cache) Drop(v *Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unrefSpillLocked(v)
}

func readResident(ctx context.Context, r io.Reader, sizeHint int64) (*Value, error) {
	var buf bytes.Buffer
	if sizeHint > 0 {
		buf.Grow(int(sizeHint))
	}
	if _, err := buf.ReadFrom(ctxReader{ctx, r}); err != nil {
		return nil, err
	}
	return BytesValue(buf.Bytes()), nil
}

func (c *Cache) spillValue(ctx context.Context, r io.Reader) (*Value, error) {
	w, err := c.spill.Writer()
	if err != nil {
		return nil, fmt.Errorf("cache: create spill file: %w", err)
	}
	if _, err := io.Copy(w, ctxReader{ctx, r}); err != nil {
		_ = w.Discard() //nolint:errcheck // best-effort cleanup
		return nil, err
	}
	size := int64(w.N()) //nolint:gosec // bounded by the spill file size

	// Commit under the lock so a concurrent drop of an identical value
	// cannot delete the file before the reference below is counted.
	c.mu.Lock()
	hash, path, err := w.Commit()
	if errors.Is(err, disk.ErrFull) {
		c.evictSpilledLocked(size)
		hash, path, err = w.Commit()
	}
	if err == nil {
		c.spillRefs[hash]++
	}
	c.mu.Unlock()
	if err != nil {
		_ = w.Discard() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("cache: spill %d bytes: %w", size, err)
	}
	return &Value{hash: hash, size: size, path: path, owned: true}, nil
}

func hashFile(path string) (modtype.ContentHash, int64, error) {
	return fileops.HashFile(path)
}

// ctxReader stops reading once ctx is done.
type ctxReader struct {
	ctx context.Context //nolint:containedctx // scoped to a single copy
	r   io.Reader
}

func (cr ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
