package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/meigma/modkit/internal/modtype"
)

var (
	// ErrRangeNotSupported is returned by a Downloader that cannot start a
	// transfer at a non-zero offset. The manager restarts from zero.
	ErrRangeNotSupported = errors.New("download: range requests not supported")

	// ErrPermanent marks failures that retrying cannot fix, such as a
	// rejected request. Downloaders wrap it; the manager does not retry.
	ErrPermanent = errors.New("download: permanent failure")
)

// Downloader fetches source archives.
type Downloader interface {
	// Fetch returns the archive content starting at offset. The stream
	// ends at the end of the archive.
	Fetch(ctx context.Context, src modtype.SourceArchive, offset int64) (io.ReadCloser, error)
}

// Mux dispatches to a Downloader chosen by the descriptor "type" key.
type Mux struct {
	mu          sync.RWMutex
	downloaders map[string]Downloader
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{downloaders: make(map[string]Downloader)}
}

// Handle registers d for descriptors of the given type.
func (m *Mux) Handle(typ string, d Downloader) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloaders[typ] = d
}

// Fetch implements Downloader.
func (m *Mux) Fetch(ctx context.Context, src modtype.SourceArchive, offset int64) (io.ReadCloser, error) {
	typ := src.Descriptor.Type()
	m.mu.RLock()
	d, ok := m.downloaders[typ]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no downloader for type %q", ErrPermanent, typ)
	}
	return d.Fetch(ctx, src, offset)
}
