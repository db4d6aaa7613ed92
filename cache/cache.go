// Package cache provides the content cache shared by archive resolution and
// directive execution.
//
// Values are keyed by caller-chosen strings (typically a content locator
// key) and computed at most once across concurrent callers: the first
// caller for a key runs the compute function while later callers share
// its singleflight call. Failures are returned to every waiter but never
// memoized, so the next access computes again.
//
// Callers hold values through ref-counted handles. Eviction only considers
// entries nobody holds. Spill files are shared by content hash and deleted
// once the last value using them is dropped or the cache is closed.
package cache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/meigma/modkit/cache/disk"
	"github.com/meigma/modkit/internal/modtype"
)

// ErrClosed is returned by operations on a closed cache.
var ErrClosed = errors.New("cache: closed")

// ComputeFunc produces the value for a key. It typically builds the value
// with Cache.Ingest, BytesValue or FileValue.
type ComputeFunc func(ctx context.Context) (*Value, error)

// Cache is a content cache. It is safe for concurrent use.
type Cache struct {
	logger          *slog.Logger
	spillDir        string
	spillMaxBytes   int64
	inlineThreshold int64
	maxMemoryBytes  int64
	verifyHits      bool

	spill *disk.Store

	group singleflight.Group

	mu        sync.Mutex
	closed    bool
	entries   map[string]*entry
	lru       *list.List // of *entry, most recently used at the front
	spillRefs map[modtype.ContentHash]int
	resident  int64
	stats     Stats
}

type entry struct {
	key      string
	value    *Value
	refs     int
	elem     *list.Element
	detached bool
}

// Stats reports cache activity.
type Stats struct {
	Hits          int64
	Misses        int64
	Computations  int64
	Failures      int64
	Evictions     int64
	ResidentBytes int64
	SpilledBytes  int64
	Entries       int
}

// New creates a cache.
func New(opts ...Option) (*Cache, error) {
	c := &Cache{
		inlineThreshold: defaultInlineThreshold,
		maxMemoryBytes:  defaultMaxMemoryBytes,
		entries:         make(map[string]*entry),
		lru:             list.New(),
		spillRefs:       make(map[modtype.ContentHash]int),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	if c.inlineThreshold < 0 || c.maxMemoryBytes < 0 {
		return nil, errors.New("cache: limits must be >= 0")
	}
	if c.spillDir != "" {
		store, err := disk.New(c.spillDir, disk.WithMaxBytes(c.spillMaxBytes))
		if err != nil {
			return nil, fmt.Errorf("cache: open spill dir: %w", err)
		}
		c.spill = store
	}
	return c, nil
}

// GetOrCompute returns a handle on the value for key, running compute if
// the key is neither cached nor being computed. Concurrent callers for the
// same key share one computation. The caller must Release the handle.
//
// A waiter whose leader was canceled computes the value itself when its
// own context is still live.
func (c *Cache) GetOrCompute(ctx context.Context, key string, compute ComputeFunc) (*Handle, error) {
	for {
		h, ok, err := c.lookup(key)
		if err != nil || ok {
			return h, err
		}

		// The call that runs compute pins the entry for its own caller.
		var pinned *entry
		ch := c.group.DoChan(key, func() (any, error) {
			e, err := c.lead(ctx, key, compute)
			pinned = e
			return e, err
		})
		select {
		case res := <-ch:
			if res.Err != nil {
				if isCanceled(res.Err) && ctx.Err() == nil {
					// The caller that started the computation gave up; take over.
					continue
				}
				return nil, res.Err
			}
			e := res.Val.(*entry) //nolint:forcetypeassert // lead returns an *entry
			if e == pinned {
				return &Handle{c: c, e: e}, nil
			}
			if h, ok := c.acquire(e); ok {
				return h, nil
			}
			// Evicted before we got to it.
		case <-ctx.Done():
			go c.releasePinned(ch, &pinned)
			return nil, ctx.Err()
		}
	}
}

// Get returns a handle on a cached value without computing it.
func (c *Cache) Get(key string) (*Handle, bool) {
	h, ok, err := c.lookup(key)
	if err != nil || !ok {
		return nil, false
	}
	return h, true
}

// lookup returns a handle on a cached entry, confirming file-backed values
// on the way.
func (c *Cache) lookup(key string) (*Handle, bool, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, false, ErrClosed
	}
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return nil, false, nil
	}
	c.acquireLocked(e)
	c.stats.Hits++
	c.mu.Unlock()

	h := &Handle{c: c, e: e}
	if err := c.checkHit(h); err != nil {
		return nil, false, err
	}
	return h, true, nil
}

// acquire takes a reference on e unless it was detached meanwhile.
func (c *Cache) acquire(e *entry) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.detached {
		return nil, false
	}
	c.acquireLocked(e)
	c.stats.Hits++
	return &Handle{c: c, e: e}, true
}

// releasePinned drops the reference lead took for a caller that stopped
// waiting.
func (c *Cache) releasePinned(ch <-chan singleflight.Result, pinned **entry) {
	res := <-ch
	e, _ := res.Val.(*entry) //nolint:errcheck // nil on failure
	if res.Err != nil || e == nil || e != *pinned {
		return
	}
	c.mu.Lock()
	c.releaseLocked(e)
	c.evictLocked()
	c.mu.Unlock()
}

// lead computes the value for key and inserts it with one reference held
// for the calling GetOrCompute.
func (c *Cache) lead(ctx context.Context, key string, compute ComputeFunc) (*entry, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		// Inserted by a call that finished after our lookup.
		c.acquireLocked(e)
		c.stats.Hits++
		c.mu.Unlock()
		return e, nil
	}
	c.stats.Misses++
	c.stats.Computations++
	c.mu.Unlock()

	value, err := compute(ctx)
	if err == nil && value == nil {
		err = fmt.Errorf("cache: compute for %q returned no value", key)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil && c.closed {
		c.unrefSpillLocked(value)
		err = ErrClosed
	}
	if err != nil {
		c.stats.Failures++
		c.logger.Debug("cache compute failed", "key", key, "err", err)
		return nil, err
	}

	e := &entry{key: key, value: value, refs: 1}
	c.insertLocked(e)
	c.evictLocked()
	return e, nil
}

// checkHit confirms a file-backed value still matches what was recorded.
func (c *Cache) checkHit(h *Handle) error {
	v := h.e.value
	if v.Resident() {
		return nil
	}
	actual := v.hash
	var actualSize int64
	info, err := os.Stat(v.path)
	if err == nil {
		actualSize = info.Size()
	}
	if err == nil && actualSize == v.size && c.verifyHits {
		actual, actualSize, err = hashFile(v.path)
	}
	if err == nil && actualSize == v.size && actual == v.hash {
		return nil
	}

	c.logger.Warn("cached file changed", "key", h.e.key, "path", v.path, "err", err)
	h.Release()
	c.Invalidate(h.e.key)
	if err != nil {
		return fmt.Errorf("cache: %s: %w", v.path, modtype.ErrNotFound)
	}
	return &modtype.MismatchError{
		Kind:         modtype.ErrHashMismatch,
		Subject:      v.path,
		Expected:     v.hash,
		Actual:       actual,
		ExpectedSize: uint64(v.size),     //nolint:gosec // sizes are non-negative
		ActualSize:   uint64(actualSize), //nolint:gosec // sizes are non-negative
	}
}

// Invalidate removes key from the cache. Values still held by handles stay
// readable until released.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return
	}
	c.detachLocked(e)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.ResidentBytes = c.resident
	s.Entries = len(c.entries)
	if c.spill != nil {
		s.SpilledBytes = c.spill.SizeBytes()
	}
	return s
}

// Close drops every entry and removes the spill directory.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, e := range c.entries {
		c.detachLocked(e)
	}
	c.mu.Unlock()

	if c.spill != nil {
		return c.spill.RemoveAll()
	}
	return nil
}

func (c *Cache) acquireLocked(e *entry) {
	e.refs++
	c.lru.MoveToFront(e.elem)
}

func (c *Cache) insertLocked(e *entry) {
	e.elem = c.lru.PushFront(e)
	c.entries[e.key] = e
	c.resident += e.value.memBytes()
}

func (c *Cache) releaseLocked(e *entry) {
	e.refs--
	if e.refs <= 0 && e.detached {
		c.freeLocked(e)
	}
}

// detachLocked unlinks e from lookups; its value is freed once unreferenced.
func (c *Cache) detachLocked(e *entry) {
	if e.detached {
		return
	}
	e.detached = true
	delete(c.entries, e.key)
	c.lru.Remove(e.elem)
	if e.refs <= 0 {
		c.freeLocked(e)
	}
}

func (c *Cache) freeLocked(e *entry) {
	c.resident -= e.value.memBytes()
	c.unrefSpillLocked(e.value)
}

// unrefSpillLocked gives back the spill reference an owned value holds and
// deletes the file once no value uses it.
func (c *Cache) unrefSpillLocked(v *Value) {
	if v == nil || !v.owned {
		return
	}
	c.spillRefs[v.hash]--
	if c.spillRefs[v.hash] > 0 {
		return
	}
	delete(c.spillRefs, v.hash)
	if c.spill == nil {
		return
	}
	if err := c.spill.Delete(v.hash); err != nil {
		c.logger.Warn("remove spill file", "path", v.path, "err", err)
	}
}

// evictLocked drops unreferenced resident values until the memory budget
// holds.
func (c *Cache) evictLocked() {
	if c.maxMemoryBytes <= 0 {
		return
	}
	for el := c.lru.Back(); el != nil && c.resident > c.maxMemoryBytes; {
		e := el.Value.(*entry) //nolint:forcetypeassert // list only holds *entry
		el = el.Prev()
		if e.refs > 0 || !e.value.Resident() {
			continue
		}
		c.stats.Evictions++
		c.detachLocked(e)
	}
}

// evictSpilledLocked drops unreferenced spilled values, oldest first, until
// need bytes fit the spill budget.
func (c *Cache) evictSpilledLocked(need int64) {
	limit := c.spill.MaxBytes()
	if limit <= 0 {
		return
	}
	for el := c.lru.Back(); el != nil && c.spill.SizeBytes()+need > limit; {
		e := el.Value.(*entry) //nolint:forcetypeassert // list only holds *entry
		el = el.Prev()
		if e.refs > 0 || !e.value.owned {
			continue
		}
		c.stats.Evictions++
		c.detachLocked(e)
	}
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Handle is a reference to a cached value. Release must be called exactly
// once; further calls are ignored.
type Handle struct {
	c        *Cache
	e        *entry
	released bool
	mu       sync.Mutex
}

// Value returns the referenced value.
func (h *Handle) Value() *Value {
	return h.e.value
}

// Release drops the reference.
func (h *Handle) Release() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	h.mu.Unlock()

	h.c.mu.Lock()
	h.c.releaseLocked(h.e)
	h.c.evictLocked()
	h.c.mu.Unlock()
}
