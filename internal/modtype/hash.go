// Package modtype holds the data model shared by every engine package.
package modtype

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
)

// ContentHash identifies content by its xxhash64 digest.
//
// Two byte sequences with equal hashes are treated as identical. The zero
// value is reserved to mean "no hash recorded".
type ContentHash uint64

// HashSize is the number of bytes in the binary form of a ContentHash.
const HashSize = 8

// ParseHash decodes the text form produced by ContentHash.String: standard
// base64 of the little-endian digest bytes.
func ParseHash(s string) (ContentHash, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("parse hash %q: %w", s, err)
	}
	if len(raw) != HashSize {
		return 0, fmt.Errorf("parse hash %q: got %d bytes, want %d", s, len(raw), HashSize)
	}
	return ContentHash(binary.LittleEndian.Uint64(raw)), nil
}

// MustParseHash is like ParseHash but panics on malformed input.
func MustParseHash(s string) ContentHash {
	h, err := ParseHash(s)
	if err != nil {
		panic(err)
	}
	return h
}

// HashBytes returns the ContentHash of b.
func HashBytes(b []byte) ContentHash {
	return ContentHash(xxhash.Sum64(b))
}

// HashReader consumes r and returns its ContentHash and length.
func HashReader(r io.Reader) (ContentHash, int64, error) {
	h := NewHasher()
	n, err := io.Copy(h, r)
	if err != nil {
		return 0, n, err
	}
	return h.Sum(), n, nil
}

// Bytes returns the binary form of the hash.
func (h ContentHash) Bytes() []byte {
	var b [HashSize]byte
	binary.LittleEndian.PutUint64(b[:], uint64(h))
	return b[:]
}

// String returns the base64 text form of the hash.
func (h ContentHash) String() string {
	return base64.StdEncoding.EncodeToString(h.Bytes())
}

// IsZero reports whether no hash is recorded.
func (h ContentHash) IsZero() bool {
	return h == 0
}

// MarshalText implements encoding.TextMarshaler.
func (h ContentHash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *ContentHash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Hasher computes a ContentHash incrementally. It implements io.Writer.
type Hasher struct {
	d *xxhash.Digest
}

// NewHasher returns an empty Hasher.
func NewHasher() *Hasher {
	return &Hasher{d: xxhash.New()}
}

// Write implements io.Writer. It never fails.
func (h *Hasher) Write(p []byte) (int, error) {
	return h.d.Write(p)
}

// Sum returns the hash of everything written so far.
func (h *Hasher) Sum() ContentHash {
	return ContentHash(h.d.Sum64())
}

// Reset discards written state.
func (h *Hasher) Reset() {
	h.d.Reset()
}
