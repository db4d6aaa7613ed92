package modtype

import (
	"context"
	"io"

	"github.com/google/uuid"
)

// Container is an opened archive.
type Container interface {
	// Names lists the entries in container order.
	Names() []string

	// Open returns the content of the named entry and its uncompressed size.
	// Entries that do not exist yield an error wrapping ErrNotFound.
	Open(name string) (io.ReadCloser, int64, error)

	// Close releases resources held by the container.
	Close() error
}

// ArchiveReader decodes containers. Decoding failures wrap ErrCorruptArchive.
type ArchiveReader interface {
	Open(r io.ReaderAt, size int64) (Container, error)
}

// Transcoder converts content to another format, for example recompressing
// a texture.
type Transcoder interface {
	Transform(ctx context.Context, input []byte, params TranscodeParams) ([]byte, error)
}

// BuildEntry is a resolved file handed to a ContainerBuilder.
type BuildEntry struct {
	Name string
	Size int64

	// Open returns the entry content. It may be called once.
	Open func() (io.ReadCloser, error)
}

// ContainerBuilder writes a container of one format.
type ContainerBuilder interface {
	Build(ctx context.Context, w io.Writer, entries []BuildEntry) error
}

// DataSource serves bytes bundled with the manifest: inline files and patch
// deltas, keyed by id.
type DataSource interface {
	Open(ctx context.Context, id uuid.UUID) (io.ReadCloser, error)
}

// Manifest is the parsed input of a run.
type Manifest struct {
	Sources    []SourceArchive
	Directives []Directive

	// Data serves inline files and patches. It may be nil when no directive
	// needs bundled data.
	Data DataSource
}
