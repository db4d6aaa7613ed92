// Package zip reads and writes zip containers using
// github.com/klauspost/compress/zip, with support for zstd-compressed
// entries (method 93).
package zip

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"

	"github.com/meigma/modkit/internal/modtype"
	"github.com/meigma/modkit/internal/sizing"
)

// MethodZstd is the zip method id of zstd-compressed entries.
const MethodZstd = zstd.ZipMethodWinZip

// Reader opens zip containers.
type Reader struct {
	zstdOpts []zstd.DOption
}

var _ modtype.ArchiveReader = (*Reader)(nil)

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithDecoderOptions passes options to the zstd decoder used for method 93
// entries.
func WithDecoderOptions(opts ...zstd.DOption) ReaderOption {
	return func(r *Reader) {
		r.zstdOpts = append(r.zstdOpts, opts...)
	}
}

// NewReader creates a zip Reader.
func NewReader(opts ...ReaderOption) *Reader {
	r := &Reader{}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if len(r.zstdOpts) == 0 {
		r.zstdOpts = []zstd.DOption{zstd.WithDecoderConcurrency(1)}
	}
	return r
}

// Open implements modtype.ArchiveReader.
func (r *Reader) Open(ra io.ReaderAt, size int64) (modtype.Container, error) {
	zr, err := zip.NewReader(ra, size)
	if err != nil {
		return nil, fmt.Errorf("%w: zip: %w", modtype.ErrCorruptArchive, err)
	}
	zr.RegisterDecompressor(MethodZstd, zstd.ZipDecompressor(r.zstdOpts...))

	c := &container{
		files: make(map[string]*zip.File, len(zr.File)),
		names: make([]string, 0, len(zr.File)),
	}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := modtype.NormalizeSegment(f.Name)
		key := foldName(name)
		if _, dup := c.files[key]; dup {
			continue
		}
		c.files[key] = f
		c.names = append(c.names, name)
	}
	return c, nil
}

// foldName is the lookup key of an entry name. Manifests record entry paths
// with inconsistent case and separators.
func foldName(name string) string {
	return strings.ToLower(modtype.NormalizeSegment(name))
}

type container struct {
	files map[string]*zip.File
	names []string
}

func (c *container) Names() []string {
	return append([]string(nil), c.names...)
}

func (c *container) Open(name string) (io.ReadCloser, int64, error) {
	f, ok := c.files[foldName(name)]
	if !ok {
		return nil, 0, fmt.Errorf("%w: zip entry %q", modtype.ErrNotFound, name)
	}
	size, err := sizing.ToInt64(f.UncompressedSize64)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: zip entry %q: %w", modtype.ErrCorruptArchive, name, err)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: zip entry %q: %w", modtype.ErrCorruptArchive, name, err)
	}
	return &entryReader{rc: rc, name: name}, size, nil
}

func (c *container) Close() error {
	return nil
}

// entryReader reports decoding failures (bad deflate data, checksum
// mismatches) as corrupt archive errors.
type entryReader struct {
	rc   io.ReadCloser
	name string
}

func (e *entryReader) Read(p []byte) (int, error) {
	n, err := e.rc.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		err = fmt.Errorf("%w: zip entry %q: %w", modtype.ErrCorruptArchive, e.name, err)
	}
	return n, err
}

func (e *entryReader) Close() error {
	return e.rc.Close()
}
