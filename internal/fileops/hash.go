package fileops

import (
	"errors"
	"io"
	"os"

	"github.com/meigma/modkit/internal/modtype"
)

// ErrOverflow indicates a counter exceeded its maximum value.
var ErrOverflow = errors.New("counter overflow")

// HashingWriter forwards writes to W while hashing and counting them.
type HashingWriter struct {
	W io.Writer
	h *modtype.Hasher
	n uint64
}

// NewHashingWriter returns a HashingWriter over w.
func NewHashingWriter(w io.Writer) *HashingWriter {
	return &HashingWriter{W: w, h: modtype.NewHasher()}
}

// Write implements io.Writer.
func (hw *HashingWriter) Write(p []byte) (int, error) {
	n, err := hw.W.Write(p)
	if n > 0 {
		//nolint:gosec // n is guaranteed non-negative by io.Writer contract
		if hw.n > ^uint64(0)-uint64(n) {
			return n, ErrOverflow
		}
		_, _ = hw.h.Write(p[:n]) //nolint:errcheck // hash writes never fail
		hw.n += uint64(n)        //nolint:gosec // overflow checked above
	}
	return n, err
}

// Sum returns the hash of the bytes written so far.
func (hw *HashingWriter) Sum() modtype.ContentHash {
	return hw.h.Sum()
}

// N returns the number of bytes written so far.
func (hw *HashingWriter) N() uint64 {
	return hw.n
}

// HashFile returns the ContentHash and size of the file at path.
func HashFile(path string) (modtype.ContentHash, int64, error) {
	f, err := os.Open(path) //nolint:gosec // callers pass engine-owned paths
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	return modtype.HashReader(f)
}
