// Package disk provides the content-addressed file store backing the content
// cache's spilled entries and the download manager's verified archives.
package disk

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/meigma/modkit/internal/fileops"
	"github.com/meigma/modkit/internal/modtype"
)

const (
	defaultShardPrefixLen = 2
	defaultDirPerm        = 0o700

	tmpDirName     = "tmp"
	partialDirName = "partial"
)

// ErrFull is returned by Commit and Import when the content does not fit the
// configured size limit. Callers may free space and retry.
var ErrFull = errors.New("disk: store is full")

// Store keeps files named by their ContentHash below a root directory.
// Files are stored in a directory hierarchy with optional sharding by hash
// prefix. The store is safe for concurrent use.
type Store struct {
	dir            string       // root directory for stored files
	shardPrefixLen int          // number of hex chars for subdirectory sharding
	dirPerm        os.FileMode  // permissions for created directories
	maxBytes       int64        // maximum store size (0 = unlimited)
	bytes          atomic.Int64 // current total size of stored files
	pruneMu        sync.Mutex   // serializes prune operations
}

// Option configures a Store.
type Option func(*Store)

// WithShardPrefixLen sets the number of hex characters used for sharding.
// Use 0 to disable sharding. Defaults to 2.
func WithShardPrefixLen(n int) Option {
	return func(s *Store) {
		s.shardPrefixLen = n
	}
}

// WithDirPerm sets the directory permissions used for store directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(s *Store) {
		s.dirPerm = mode
	}
}

// WithMaxBytes sets the maximum store size in bytes.
// Values < 0 are invalid. Use 0 to disable the limit.
func WithMaxBytes(n int64) Option {
	return func(s *Store) {
		s.maxBytes = n
	}
}

// New creates a store rooted at dir. Leftover temporary files from an
// earlier process are removed.
func New(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("disk: store dir is empty")
	}
	s := &Store{
		dir:            dir,
		shardPrefixLen: defaultShardPrefixLen,
		dirPerm:        defaultDirPerm,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.shardPrefixLen < 0 {
		return nil, errors.New("disk: shard prefix length must be >= 0")
	}
	if s.maxBytes < 0 {
		return nil, errors.New("disk: max bytes must be >= 0")
	}
	if err := os.RemoveAll(filepath.Join(dir, tmpDirName)); err != nil {
		return nil, fmt.Errorf("disk: clear temp dir: %w", err)
	}
	for _, sub := range []string{tmpDirName, partialDirName} {
		if err := os.MkdirAll(filepath.Join(dir, sub), s.dirPerm); err != nil {
			return nil, err
		}
	}
	size, err := dirSize(dir)
	if err != nil {
		return nil, err
	}
	s.bytes.Store(size)
	return s, nil
}

// Dir returns the root directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the location of the file for hash. The file may not exist.
func (s *Store) Path(hash modtype.ContentHash) string {
	hexHash := hex.EncodeToString(hash.Bytes())
	if s.shardPrefixLen <= 0 {
		return filepath.Join(s.dir, hexHash)
	}
	prefixLen := min(s.shardPrefixLen, len(hexHash))
	return filepath.Join(s.dir, hexHash[:prefixLen], hexHash)
}

// PartialPath returns the location used for an incomplete transfer of hash.
func (s *Store) PartialPath(hash modtype.ContentHash) string {
	return filepath.Join(s.dir, partialDirName, hex.EncodeToString(hash.Bytes())+".part")
}

// Stat reports the size of the stored file for hash.
func (s *Store) Stat(hash modtype.ContentHash) (int64, bool) {
	info, err := os.Stat(s.Path(hash))
	if err != nil || !info.Mode().IsRegular() {
		return 0, false
	}
	return info.Size(), true
}

// Open opens the stored file for hash. Missing files yield an error wrapping
// modtype.ErrNotFound.
func (s *Store) Open(hash modtype.ContentHash) (*os.File, error) {
	f, err := os.Open(s.Path(hash))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("disk: [%s]: %w", hash, modtype.ErrNotFound)
	}
	return f, err
}

// Writer returns a writer that stores streamed content under its hash on
// Commit.
func (s *Store) Writer() (*Writer, error) {
	f, err := os.CreateTemp(filepath.Join(s.dir, tmpDirName), "spill-*")
	if err != nil {
		return nil, err
	}
	return &Writer{
		store: s,
		file:  f,
		hw:    fileops.NewHashingWriter(f),
	}, nil
}

// Import moves the file at src into the store as hash. src must live on the
// same filesystem as the store; PartialPath satisfies that.
func (s *Store) Import(src string, hash modtype.ContentHash) (string, error) {
	info, err := os.Stat(src)
	if err != nil {
		return "", err
	}
	return s.place(src, hash, info.Size())
}

// Delete removes the file stored for hash.
func (s *Store) Delete(hash modtype.ContentHash) error {
	path := s.Path(hash)
	info, statErr := os.Stat(path)
	if statErr != nil {
		if errors.Is(statErr, os.ErrNotExist) {
			return nil
		}
		return statErr
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	s.bytes.Add(-info.Size())
	return nil
}

// MaxBytes returns the configured size limit (0 = unlimited).
func (s *Store) MaxBytes() int64 {
	return s.maxBytes
}

// SizeBytes returns the current store size in bytes.
func (s *Store) SizeBytes() int64 {
	return s.bytes.Load()
}

// Prune removes the least recently modified files until the store is at or
// below targetBytes. Files being written or partially downloaded are never
// removed.
func (s *Store) Prune(targetBytes int64) (int64, error) {
	if targetBytes < 0 {
		targetBytes = 0
	}
	s.pruneMu.Lock()
	defer s.pruneMu.Unlock()

	freed, remaining, err := pruneDir(s.dir, targetBytes)
	if err != nil {
		return 0, err
	}
	s.bytes.Store(remaining)
	return freed, nil
}

// RemoveAll deletes every file of the store, including the root directory.
func (s *Store) RemoveAll() error {
	s.pruneMu.Lock()
	defer s.pruneMu.Unlock()
	if err := os.RemoveAll(s.dir); err != nil {
		return err
	}
	s.bytes.Store(0)
	return nil
}

func (s *Store) place(src string, hash modtype.ContentHash, size int64) (string, error) {
	path := s.Path(hash)
	if _, err := os.Stat(path); err == nil {
		_ = os.Remove(src) //nolint:errcheck // content already stored
		return path, nil
	}
	if !s.fits(size) {
		return "", ErrFull
	}
	if err := os.MkdirAll(filepath.Dir(path), s.dirPerm); err != nil {
		return "", err
	}
	if err := os.Rename(src, path); err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			_ = os.Remove(src) //nolint:errcheck // lost a benign race
			return path, nil
		}
		return "", err
	}
	s.bytes.Add(size)
	return path, nil
}

func (s *Store) fits(need int64) bool {
	if s.maxBytes <= 0 {
		return true
	}
	return s.SizeBytes()+need <= s.maxBytes
}

// Writer streams content into the store.
type Writer struct {
	store      *Store
	file       *os.File
	hw         *fileops.HashingWriter
	fileClosed bool
	done       bool
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	return w.hw.Write(p)
}

// N returns the number of bytes written.
func (w *Writer) N() uint64 {
	return w.hw.N()
}

// Commit stores the written content and returns its hash and path.
// ErrFull leaves the content pending so the caller can free space and
// Commit again, or Discard it. Any other error removes the temporary file.
func (w *Writer) Commit() (modtype.ContentHash, string, error) {
	if w.done {
		return 0, "", errors.New("disk: writer already closed")
	}
	tmpPath := w.file.Name()
	if !w.fileClosed {
		w.fileClosed = true
		if err := w.file.Close(); err != nil {
			w.done = true
			_ = os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup
			return 0, "", err
		}
	}
	hash := w.hw.Sum()
	size := int64(w.hw.N()) //nolint:gosec // bounded by file size
	path, err := w.store.place(tmpPath, hash, size)
	if errors.Is(err, ErrFull) {
		return 0, "", err
	}
	w.done = true
	if err != nil {
		_ = os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup
		return 0, "", err
	}
	return hash, path, nil
}

// Discard removes the temporary file. It is a no-op after Commit.
func (w *Writer) Discard() error {
	if w.done {
		return nil
	}
	w.done = true
	if !w.fileClosed {
		w.fileClosed = true
		_ = w.file.Close() //nolint:errcheck // we're cleaning up
	}
	return os.Remove(w.file.Name())
}
