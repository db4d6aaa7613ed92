// Package testutil provides in-memory collaborators for tests.
package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"

	"github.com/meigma/modkit/internal/modtype"
)

// Source describes an in-memory archive served by MemDownloader.
func Source(name string, data []byte) modtype.SourceArchive {
	return modtype.SourceArchive{
		Hash:       modtype.HashBytes(data),
		Size:       uint64(len(data)),
		Name:       name,
		Descriptor: modtype.Descriptor{"type": "mem", "name": name},
	}
}

// MemDownloader serves archives from memory and counts fetches.
type MemDownloader struct {
	mu    sync.Mutex
	data  map[modtype.ContentHash][]byte
	calls map[modtype.ContentHash]int

	// NoRange makes fetches at a non-zero offset fail with RangeErr.
	NoRange  bool
	RangeErr error

	// FailFirst makes the first n fetches stop after Cut bytes.
	FailFirst int
	Cut       int

	// Gate, when set, blocks every fetch until it is closed.
	Gate chan struct{}

	offsets []int64
}

// NewMemDownloader creates an empty MemDownloader.
func NewMemDownloader() *MemDownloader {
	return &MemDownloader{
		data:  make(map[modtype.ContentHash][]byte),
		calls: make(map[modtype.ContentHash]int),
	}
}

// Add serves data under its content hash and returns its SourceArchive.
func (d *MemDownloader) Add(name string, data []byte) modtype.SourceArchive {
	src := Source(name, data)
	d.mu.Lock()
	d.data[src.Hash] = data
	d.mu.Unlock()
	return src
}

// Replace serves different bytes for an existing hash.
func (d *MemDownloader) Replace(hash modtype.ContentHash, data []byte) {
	d.mu.Lock()
	d.data[hash] = data
	d.mu.Unlock()
}

// Calls returns how many fetches were made for hash.
func (d *MemDownloader) Calls(hash modtype.ContentHash) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[hash]
}

// Offsets returns the offsets of every fetch in call order.
func (d *MemDownloader) Offsets() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int64(nil), d.offsets...)
}

// Fetch implements download.Downloader.
func (d *MemDownloader) Fetch(ctx context.Context, src modtype.SourceArchive, offset int64) (io.ReadCloser, error) {
	if d.Gate != nil {
		select {
		case <-d.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls[src.Hash]++
	d.offsets = append(d.offsets, offset)
	data, ok := d.data[src.Hash]
	if !ok {
		return nil, fmt.Errorf("mem: %s: %w", src.Name, modtype.ErrNotFound)
	}
	if offset > 0 && d.NoRange {
		return nil, d.RangeErr
	}
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	body := data[offset:]
	if d.FailFirst > 0 {
		d.FailFirst--
		if d.Cut < len(body) {
			body = body[:d.Cut]
		}
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

// CountingReader wraps an ArchiveReader and counts Open calls, which is the
// number of container decodes.
type CountingReader struct {
	Reader modtype.ArchiveReader
	opens  atomic.Int64
}

// Open implements modtype.ArchiveReader.
func (c *CountingReader) Open(r io.ReaderAt, size int64) (modtype.Container, error) {
	c.opens.Add(1)
	return c.Reader.Open(r, size)
}

// Opens returns the number of containers opened.
func (c *CountingReader) Opens() int64 {
	return c.opens.Load()
}

// MemData is an in-memory modtype.DataSource.
type MemData map[uuid.UUID][]byte

// Open implements modtype.DataSource.
func (m MemData) Open(_ context.Context, id uuid.UUID) (io.ReadCloser, error) {
	data, ok := m[id]
	if !ok {
		return nil, fmt.Errorf("data %s: %w", id, modtype.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// BuildZip returns a deflated zip holding files, in name order.
func BuildZip(tb testing.TB, files map[string][]byte) []byte {
	tb.Helper()
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
		if err != nil {
			tb.Fatalf("zip create %s: %v", name, err)
		}
		if _, err := w.Write(files[name]); err != nil {
			tb.Fatalf("zip write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		tb.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}
