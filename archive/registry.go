// Package archive detects archive formats and dispatches decoding to the
// registered readers.
//
// The engine treats every container through modtype.ArchiveReader. A
// Registry inspects the leading bytes of a stream to find its format and
// hands it to the reader registered for that format, so callers configure
// one reader regardless of how many formats a manifest mixes.
package archive

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/meigma/modkit/internal/modtype"
)

// Format names a container format.
type Format string

// Known formats.
const (
	FormatUnknown Format = ""
	FormatZip     Format = "zip"
	Format7z      Format = "7z"
	FormatRar     Format = "rar"
	FormatBSA     Format = "bsa"
	FormatBA2     Format = "ba2"
)

// ErrUnsupportedFormat is returned when no reader is registered for the
// detected format. It is always joined with modtype.ErrCorruptArchive.
var ErrUnsupportedFormat = errors.New("archive: unsupported format")

var magics = []struct {
	format Format
	magic  string
}{
	{FormatZip, "PK\x03\x04"},
	{FormatZip, "PK\x05\x06"}, // empty archive
	{Format7z, "7z\xbc\xaf\x27\x1c"},
	{FormatRar, "Rar!\x1a\x07"},
	{FormatBSA, "BSA\x00"},
	{FormatBA2, "BTDX"},
}

// maxMagic is the longest magic prefix.
const maxMagic = 6

// Detect returns the format of the container in r by its magic bytes.
func Detect(r io.ReaderAt, size int64) (Format, error) {
	n := int64(maxMagic)
	if size < n {
		n = size
	}
	buf := make([]byte, n)
	if _, err := r.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
		return FormatUnknown, fmt.Errorf("archive: read header: %w", err)
	}
	for _, m := range magics {
		if len(buf) >= len(m.magic) && string(buf[:len(m.magic)]) == m.magic {
			return m.format, nil
		}
	}
	return FormatUnknown, nil
}

// Registry dispatches Open calls to format-specific readers.
type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	readers map[Format]modtype.ArchiveReader
}

var _ modtype.ArchiveReader = (*Registry)(nil)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger for format dispatch.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithReader registers reader for format.
func WithReader(format Format, reader modtype.ArchiveReader) Option {
	return func(r *Registry) {
		r.readers[format] = reader
	}
}

// NewRegistry creates a Registry with the given readers.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{readers: make(map[Format]modtype.ArchiveReader)}
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

// Register adds or replaces the reader for format.
func (r *Registry) Register(format Format, reader modtype.ArchiveReader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readers[format] = reader
}

// Formats lists the formats with a registered reader.
func (r *Registry) Formats() []Format {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Format, 0, len(r.readers))
	for f := range r.readers {
		out = append(out, f)
	}
	return out
}

// Open implements modtype.ArchiveReader.
func (r *Registry) Open(ra io.ReaderAt, size int64) (modtype.Container, error) {
	format, err := Detect(ra, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", modtype.ErrCorruptArchive, err)
	}
	if format == FormatUnknown {
		return nil, fmt.Errorf("%w: unrecognized container header", modtype.ErrCorruptArchive)
	}

	r.mu.RLock()
	reader, ok := r.readers[format]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %w: %s", modtype.ErrCorruptArchive, ErrUnsupportedFormat, format)
	}
	r.logger.Debug("opening container", "format", format, "size", size)
	return reader.Open(ra, size)
}
