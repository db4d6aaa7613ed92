package fileops

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/meigma/modkit/internal/modtype"
)

const (
	defaultDirPerm  = 0o755
	defaultFilePerm = 0o644
	tempPrefix      = ".modkit-"
)

// Sink writes files below a root directory.
//
// Files are written to a temporary file in the destination directory and
// renamed to the final path on Commit, so partially written files are never
// visible at the final path.
type Sink struct {
	dir      string
	dirPerm  os.FileMode
	filePerm os.FileMode
	sync     bool
}

// SinkOption configures a Sink.
type SinkOption func(*Sink)

// WithSync flushes file contents to stable storage before the rename.
func WithSync(enabled bool) SinkOption {
	return func(s *Sink) {
		s.sync = enabled
	}
}

// WithFilePerm sets the permission bits of committed files.
func WithFilePerm(mode os.FileMode) SinkOption {
	return func(s *Sink) {
		s.filePerm = mode
	}
}

// NewSink creates a Sink that writes below dir. dir is created if missing.
func NewSink(dir string, opts ...SinkOption) (*Sink, error) {
	s := &Sink{
		dir:      dir,
		dirPerm:  defaultDirPerm,
		filePerm: defaultFilePerm,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		return nil, fmt.Errorf("create output root %s: %w", dir, err)
	}
	return s, nil
}

// Dir returns the root directory.
func (s *Sink) Dir() string {
	return s.dir
}

// Create returns a Committer for rel, a path produced by CleanPath.
func (s *Sink) Create(rel string) (*Committer, error) {
	if !fs.ValidPath(rel) {
		return nil, &fs.PathError{Op: "create", Path: rel, Err: fs.ErrInvalid}
	}
	destRel := filepath.FromSlash(rel)

	root, err := os.OpenRoot(s.dir)
	if err != nil {
		return nil, fmt.Errorf("open output root %s: %w", s.dir, err)
	}
	if err := root.MkdirAll(filepath.Dir(destRel), s.dirPerm); err != nil {
		_ = root.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("create directory for %s: %w", rel, err)
	}

	tempFile, tempRel, err := createTempFile(root, filepath.Dir(destRel), tempPrefix, s.filePerm)
	if err != nil {
		_ = root.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("create temp file for %s: %w", rel, err)
	}

	return &Committer{
		rel:      rel,
		destRel:  destRel,
		tempRel:  tempRel,
		tempFile: tempFile,
		root:     root,
		hw:       NewHashingWriter(tempFile),
		sync:     s.sync,
	}, nil
}

// Committer writes to a temp file, hashing the content, and renames it to
// the final path on Commit.
type Committer struct {
	rel      string
	destRel  string
	tempRel  string
	tempFile *os.File
	root     *os.Root
	hw       *HashingWriter
	sync     bool
	closed   bool
}

// Write implements io.Writer.
func (c *Committer) Write(p []byte) (int, error) {
	return c.hw.Write(p)
}

// Sum returns the hash of the content written so far.
func (c *Committer) Sum() modtype.ContentHash {
	return c.hw.Sum()
}

// N returns the number of bytes written so far.
func (c *Committer) N() uint64 {
	return c.hw.N()
}

// Commit closes the temp file and renames it to the final path.
func (c *Committer) Commit() error {
	if c.closed {
		return errors.New("commit: already closed")
	}
	c.closed = true
	if c.sync {
		if err := c.tempFile.Sync(); err != nil {
			return c.fail(fmt.Errorf("sync %s: %w", c.rel, err))
		}
	}
	if err := c.tempFile.Close(); err != nil {
		_ = c.root.Remove(c.tempRel) //nolint:errcheck // best-effort cleanup
		_ = c.root.Close()           //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := c.root.Rename(c.tempRel, c.destRel); err != nil {
		_ = c.root.Remove(c.tempRel) //nolint:errcheck // best-effort cleanup
		_ = c.root.Close()           //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("rename to %s: %w", c.rel, err)
	}
	return c.root.Close()
}

// Discard closes and removes the temp file. It is a no-op after Commit.
func (c *Committer) Discard() error {
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.tempFile.Close() //nolint:errcheck // we're cleaning up
	if err := c.root.Remove(c.tempRel); err != nil && !errors.Is(err, fs.ErrNotExist) {
		_ = c.root.Close() //nolint:errcheck // best-effort cleanup
		return err
	}
	return c.root.Close()
}

func (c *Committer) fail(err error) error {
	_ = c.tempFile.Close()       //nolint:errcheck // best-effort cleanup
	_ = c.root.Remove(c.tempRel) //nolint:errcheck // best-effort cleanup
	_ = c.root.Close()           //nolint:errcheck // best-effort cleanup
	return err
}

func createTempFile(root *os.Root, dir, prefix string, perm os.FileMode) (*os.File, string, error) {
	const attempts = 10
	for range attempts {
		name, err := randomSuffix()
		if err != nil {
			return nil, "", err
		}
		relPath := filepath.Join(dir, prefix+name)
		f, err := root.OpenFile(relPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
		if err == nil {
			return f, relPath, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", err
		}
	}
	return nil, "", errors.New("create temp file: exhausted retries")
}

func randomSuffix() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
