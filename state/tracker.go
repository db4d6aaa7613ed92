// Package state records per-directive install status so an interrupted or
// repeated run can skip completed work.
//
// The tracker keeps the latest Record per directive in memory, backed by an
// append-only journal. Each record is framed as
//
//	length (uint32 LE) | CBOR record | CRC32C (uint32 LE)
//
// and flushed to stable storage before Put returns. Replay stops at the
// first truncated or corrupt frame, so a crash mid-append loses at most the
// record being written. The journal is compacted when it holds many
// superseded records.
package state

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/meigma/modkit/internal/codec"
	"github.com/meigma/modkit/internal/modtype"
)

// Status is the recorded outcome of a directive.
type Status uint8

// Directive statuses.
const (
	StatusPending Status = iota
	StatusDone
	StatusFailed
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Record is the last known state of one directive.
type Record struct {
	ID        string              `cbor:"id"`
	Output    string              `cbor:"output"`
	Hash      modtype.ContentHash `cbor:"hash"`
	Status    Status              `cbor:"status"`
	Error     string              `cbor:"error,omitempty"`
	UpdatedAt time.Time           `cbor:"updated_at"`
}

const (
	frameHeaderSize  = 4
	frameTrailerSize = 4
	maxRecordSize    = 1 << 20

	// compactMinRecords avoids rewriting tiny journals.
	compactMinRecords = 64
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// ErrClosed is returned by operations on a closed tracker.
var ErrClosed = errors.New("state: tracker closed")

// Tracker is the install state tracker. It is safe for concurrent use.
type Tracker struct {
	logger *slog.Logger
	noSync bool
	now    func() time.Time

	mu           sync.Mutex
	path         string
	file         *os.File
	records      map[string]Record
	totalRecords int
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger. By default nothing is logged.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithoutSync skips fsync after each record. Records may be lost on a
// crash; intended for tests and throwaway installs.
func WithoutSync() Option {
	return func(t *Tracker) {
		t.noSync = true
	}
}

// WithClock overrides the time source used for UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// Open loads the journal at path, creating it if missing.
func Open(path string, opts ...Option) (*Tracker, error) {
	t := &Tracker{
		path:    path,
		records: make(map[string]Record),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(t)
	}
	if t.logger == nil {
		t.logger = slog.New(slog.DiscardHandler)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("state: create journal directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("state: open journal %s: %w", path, err)
	}
	t.file = file

	valid, err := t.replay()
	if err != nil {
		file.Close()
		return nil, err
	}
	// Drop a torn tail so new records append after the last good frame.
	if err := file.Truncate(valid); err != nil {
		file.Close()
		return nil, fmt.Errorf("state: truncate journal: %w", err)
	}
	if _, err := file.Seek(valid, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("state: seek journal: %w", err)
	}

	if t.needsCompaction() {
		if err := t.compactLocked(); err != nil {
			t.logger.Warn("journal compaction failed", "path", path, "err", err)
		}
	}
	return t, nil
}

// replay rebuilds the record map and returns the length of the valid
// journal prefix.
func (t *Tracker) replay() (int64, error) {
	r := bufio.NewReader(t.file)
	var offset int64
	for {
		rec, n, err := readFrame(r)
		if errors.Is(err, io.EOF) {
			return offset, nil
		}
		if err != nil {
			t.logger.Warn("discarding damaged journal tail", "path", t.path, "offset", offset, "err", err)
			return offset, nil
		}
		t.records[rec.ID] = rec
		t.totalRecords++
		offset += n
	}
}

func readFrame(r io.Reader) (Record, int64, error) {
	var rec Record
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return rec, 0, io.EOF
		}
		return rec, 0, err
	}
	size := binary.LittleEndian.Uint32(header[:])
	if size > maxRecordSize {
		return rec, 0, fmt.Errorf("record size %d exceeds limit", size)
	}
	body := make([]byte, int(size)+frameTrailerSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return rec, 0, err
	}
	payload := body[:size]
	want := binary.LittleEndian.Uint32(body[size:])
	if got := crc32.Checksum(payload, crc32cTable); got != want {
		return rec, 0, fmt.Errorf("record CRC mismatch: expected %08x, got %08x", want, got)
	}
	if err := codec.Unmarshal(payload, &rec); err != nil {
		return rec, 0, fmt.Errorf("decode record: %w", err)
	}
	return rec, int64(frameHeaderSize + len(body)), nil
}

func encodeFrame(rec Record) ([]byte, error) {
	payload, err := codec.Marshal(rec)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, frameHeaderSize+len(payload)+frameTrailerSize)
	frame = binary.LittleEndian.AppendUint32(frame, uint32(len(payload))) //nolint:gosec // bounded by maxRecordSize
	frame = append(frame, payload...)
	frame = binary.LittleEndian.AppendUint32(frame, crc32.Checksum(payload, crc32cTable))
	return frame, nil
}

// Put records rec, stamping UpdatedAt, and persists it before returning.
func (t *Tracker) Put(rec Record) error {
	if rec.ID == "" {
		return errors.New("state: record id is empty")
	}
	rec.UpdatedAt = t.now().UTC()
	frame, err := encodeFrame(rec)
	if err != nil {
		return fmt.Errorf("state: encode record %s: %w", rec.ID, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return ErrClosed
	}
	if _, err := t.file.Write(frame); err != nil {
		return fmt.Errorf("state: append record %s: %w", rec.ID, err)
	}
	if !t.noSync {
		if err := t.file.Sync(); err != nil {
			return fmt.Errorf("state: sync journal: %w", err)
		}
	}
	t.records[rec.ID] = rec
	t.totalRecords++
	return nil
}

// Get returns the last record for id.
func (t *Tracker) Get(id string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[id]
	return rec, ok
}

// Load returns a copy of the latest record per directive id.
func (t *Tracker) Load() map[string]Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return maps.Clone(t.records)
}

// Len returns the number of tracked directives.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Forget drops the records of ids not in keep, for example directives
// removed from the manifest. The change is persisted by compaction.
func (t *Tracker) Forget(keep func(id string) bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return ErrClosed
	}
	removed := 0
	for id := range t.records {
		if !keep(id) {
			delete(t.records, id)
			removed++
		}
	}
	if removed == 0 {
		return nil
	}
	return t.compactLocked()
}

// Compact rewrites the journal with only the latest record per directive.
func (t *Tracker) Compact() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return ErrClosed
	}
	return t.compactLocked()
}

func (t *Tracker) needsCompaction() bool {
	return t.totalRecords >= compactMinRecords && t.totalRecords > 2*len(t.records)
}

func (t *Tracker) compactLocked() error {
	tmpPath := t.path + ".tmp"
	tmpFile, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("state: create temp journal: %w", err)
	}
	success := false
	defer func() {
		if !success {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	w := bufio.NewWriter(tmpFile)
	for _, rec := range t.records {
		frame, err := encodeFrame(rec)
		if err != nil {
			return fmt.Errorf("state: encode record %s: %w", rec.ID, err)
		}
		if _, err := w.Write(frame); err != nil {
			return fmt.Errorf("state: write compacted record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("state: write compacted journal: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("state: sync temp journal: %w", err)
	}
	if err := os.Rename(tmpPath, t.path); err != nil {
		return fmt.Errorf("state: rename temp journal to %s: %w", t.path, err)
	}
	success = true

	// The temp file is now the journal; keep appending to it.
	t.file.Close()
	t.file = tmpFile
	if _, err := t.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("state: seek journal: %w", err)
	}
	t.totalRecords = len(t.records)
	t.logger.Debug("journal compacted", "path", t.path, "records", t.totalRecords)
	return nil
}

// Close closes the journal.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	return err
}
