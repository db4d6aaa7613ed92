package cache

import (
	"bytes"
	"io"
	"os"

	"github.com/meigma/modkit/internal/modtype"
)

// ReaderAtCloser is random access content that must be closed.
type ReaderAtCloser interface {
	io.ReaderAt
	io.Closer
}

// Value is materialized content held by the cache: either a resident byte
// slice or a file on disk. Values are immutable.
type Value struct {
	hash modtype.ContentHash
	size int64
	data []byte
	path string

	// owned marks spill files the cache deletes when the value is dropped.
	owned bool
}

// BytesValue wraps resident content.
func BytesValue(data []byte) *Value {
	return &Value{
		hash: modtype.HashBytes(data),
		size: int64(len(data)),
		data: data,
	}
}

// FileValue references an existing file the cache does not own, such as a
// verified download or a committed install output. The caller vouches for
// hash and size; cache hits re-check the size.
func FileValue(path string, hash modtype.ContentHash, size int64) *Value {
	return &Value{hash: hash, size: size, path: path}
}

// Hash returns the content hash.
func (v *Value) Hash() modtype.ContentHash {
	return v.hash
}

// Size returns the content length.
func (v *Value) Size() int64 {
	return v.size
}

// Resident reports whether the content is held in memory.
func (v *Value) Resident() bool {
	return v.path == ""
}

// Path returns the backing file, or "" for resident values.
func (v *Value) Path() string {
	return v.path
}

// Open returns a sequential reader over the content.
func (v *Value) Open() (io.ReadCloser, error) {
	if v.Resident() {
		return io.NopCloser(bytes.NewReader(v.data)), nil
	}
	return os.Open(v.path)
}

// ReaderAt returns random access to the content.
func (v *Value) ReaderAt() (ReaderAtCloser, error) {
	if v.Resident() {
		return nopCloserAt{bytes.NewReader(v.data)}, nil
	}
	return os.Open(v.path)
}

// Bytes returns the content, reading it from disk when spilled. The
// returned slice must not be modified.
func (v *Value) Bytes() ([]byte, error) {
	if v.Resident() {
		return v.data, nil
	}
	return os.ReadFile(v.path)
}

func (v *Value) memBytes() int64 {
	if v.Resident() {
		return v.size
	}
	return 0
}

type nopCloserAt struct {
	*bytes.Reader
}

func (nopCloserAt) Close() error { return nil }
