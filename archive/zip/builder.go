package zip

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"

	"github.com/meigma/modkit/internal/modtype"
)

// Method selects how the Builder compresses entries.
type Method uint16

// Compression methods.
const (
	Store   Method = Method(zip.Store)
	Deflate Method = Method(zip.Deflate)
	Zstd    Method = Method(MethodZstd)
)

// epoch is the modification time recorded for every entry, so identical
// inputs always produce identical bytes.
var epoch = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

// Builder writes deterministic zip containers.
type Builder struct {
	method Method
	level  int
}

var _ modtype.ContainerBuilder = (*Builder)(nil)

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithMethod sets the compression method. The default is Deflate.
func WithMethod(m Method) BuilderOption {
	return func(b *Builder) {
		b.method = m
	}
}

// WithLevel sets the deflate compression level.
func WithLevel(level int) BuilderOption {
	return func(b *Builder) {
		b.level = level
	}
}

// NewBuilder creates a zip Builder.
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{method: Deflate, level: flate.DefaultCompression}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Build implements modtype.ContainerBuilder. Entries are written in the
// given order.
func (b *Builder) Build(ctx context.Context, w io.Writer, entries []modtype.BuildEntry) error {
	zw := zip.NewWriter(w)
	level := b.level
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, level)
	})
	zw.RegisterCompressor(MethodZstd, zstd.ZipCompressor(zstd.WithEncoderConcurrency(1)))

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.writeEntry(zw, e); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("zip: finish container: %w", err)
	}
	return nil
}

func (b *Builder) writeEntry(zw *zip.Writer, e modtype.BuildEntry) error {
	name := modtype.NormalizeSegment(e.Name)
	dst, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   uint16(b.method),
		Modified: epoch,
	})
	if err != nil {
		return fmt.Errorf("zip: create entry %q: %w", name, err)
	}
	src, err := e.Open()
	if err != nil {
		return fmt.Errorf("zip: open input for %q: %w", name, err)
	}
	defer src.Close()
	n, err := io.Copy(dst, src)
	if err != nil {
		return fmt.Errorf("zip: write entry %q: %w", name, err)
	}
	if e.Size >= 0 && n != e.Size {
		return fmt.Errorf("zip: entry %q: wrote %d bytes, expected %d", name, n, e.Size)
	}
	return nil
}
