package cache

import (
	"log/slog"
)

const (
	defaultInlineThreshold = 4 << 20  // 4 MiB
	defaultMaxMemoryBytes  = 512 << 20 // 512 MiB
)

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger. By default nothing is logged.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithSpillDir sets the directory holding values too large to stay
// resident. The cache owns the directory and removes it on Close. Without a
// spill directory every value stays in memory.
func WithSpillDir(dir string) Option {
	return func(c *Cache) {
		c.spillDir = dir
	}
}

// WithSpillMaxBytes caps the spill directory size. Zero means unlimited.
func WithSpillMaxBytes(n int64) Option {
	return func(c *Cache) {
		c.spillMaxBytes = n
	}
}

// WithInlineThreshold sets the largest value kept in memory when a spill
// directory is configured.
func WithInlineThreshold(n int64) Option {
	return func(c *Cache) {
		c.inlineThreshold = n
	}
}

// WithMaxMemoryBytes sets the resident size above which unreferenced values
// are evicted, least recently used first. Zero disables eviction.
func WithMaxMemoryBytes(n int64) Option {
	return func(c *Cache) {
		c.maxMemoryBytes = n
	}
}

// WithVerifyHits re-hashes file-backed values on every hit.
func WithVerifyHits(enabled bool) Option {
	return func(c *Cache) {
		c.verifyHits = enabled
	}
}
