package modkit

import (
	"errors"
	"log/slog"

	"github.com/meigma/modkit/download"
)

// Option configures an Engine.
type Option func(*Engine) error

// Default resource limits.
const (
	DefaultInlineThreshold int64 = 4 << 20   // 4 MB
	DefaultMaxMemoryBytes  int64 = 512 << 20 // 512 MB
	DefaultDiskConcurrency       = 8
	DefaultNetConcurrency        = 4
)

// --- Storage Options ---

// WithWorkDir sets the directory holding engine state: downloads, the
// content cache spill area and the install journal. Defaults to ".modkit"
// inside the output directory.
func WithWorkDir(dir string) Option {
	return func(e *Engine) error {
		if dir == "" {
			return errors.New("work dir must not be empty")
		}
		e.workDir = dir
		return nil
	}
}

// WithDownloadDir overrides where verified source archives are kept.
// Downloads persist across runs.
func WithDownloadDir(dir string) Option {
	return func(e *Engine) error {
		e.downloadDir = dir
		return nil
	}
}

// WithCacheDir overrides the spill directory of the content cache. It is
// emptied when a run ends.
func WithCacheDir(dir string) Option {
	return func(e *Engine) error {
		e.cacheDir = dir
		return nil
	}
}

// WithStatePath overrides the install journal location.
func WithStatePath(path string) Option {
	return func(e *Engine) error {
		e.statePath = path
		return nil
	}
}

// WithSyncWrites flushes outputs and journal records to stable storage
// before they become visible. Enabled by default.
func WithSyncWrites(enabled bool) Option {
	return func(e *Engine) error {
		e.syncWrites = enabled
		return nil
	}
}

// --- Collaborator Options ---

// WithArchiveReader sets the reader used to decode containers. The default
// detects the format and reads zip archives.
func WithArchiveReader(r ArchiveReader) Option {
	return func(e *Engine) error {
		if r == nil {
			return errors.New("archive reader must not be nil")
		}
		e.reader = r
		return nil
	}
}

// WithTranscoder sets the Transcoder used by transcode directives.
func WithTranscoder(t Transcoder) Option {
	return func(e *Engine) error {
		e.transcoder = t
		return nil
	}
}

// WithContainerBuilder registers the builder for a container format,
// replacing any previous one. A "zip" builder is registered by default.
func WithContainerBuilder(format string, b ContainerBuilder) Option {
	return func(e *Engine) error {
		if format == "" || b == nil {
			return errors.New("container builder needs a format and a builder")
		}
		e.builders[format] = b
		return nil
	}
}

// WithProgress sets the function receiving directive state transitions.
// It is called from multiple goroutines.
func WithProgress(fn ProgressFunc) Option {
	return func(e *Engine) error {
		e.progress = fn
		return nil
	}
}

// WithLogger sets the logger for the engine and its components.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) error {
		e.logger = logger
		return nil
	}
}

// WithDownloadOptions passes options to the download manager, for example
// retry limits.
func WithDownloadOptions(opts ...download.Option) Option {
	return func(e *Engine) error {
		e.downloadOpts = append(e.downloadOpts, opts...)
		return nil
	}
}

// --- Concurrency Options ---

// WithWorkers sets how many directives execute at once.
func WithWorkers(n int) Option {
	return func(e *Engine) error {
		if n < 1 {
			return errors.New("workers must be >= 1")
		}
		e.workers = n
		return nil
	}
}

// WithCPUConcurrency bounds CPU-bound work: container decoding, patching,
// transcoding and container builds.
func WithCPUConcurrency(n int) Option {
	return func(e *Engine) error {
		if n < 1 {
			return errors.New("cpu concurrency must be >= 1")
		}
		e.cpuConcurrency = n
		return nil
	}
}

// WithDiskConcurrency bounds output writes and output verification.
func WithDiskConcurrency(n int) Option {
	return func(e *Engine) error {
		if n < 1 {
			return errors.New("disk concurrency must be >= 1")
		}
		e.diskConcurrency = n
		return nil
	}
}

// WithNetworkConcurrency bounds concurrent source downloads.
func WithNetworkConcurrency(n int) Option {
	return func(e *Engine) error {
		if n < 1 {
			return errors.New("network concurrency must be >= 1")
		}
		e.netConcurrency = n
		return nil
	}
}

// --- Cache Options ---

// WithMaxMemoryBytes bounds the bytes the content cache keeps resident.
// Zero disables eviction.
func WithMaxMemoryBytes(n int64) Option {
	return func(e *Engine) error {
		if n < 0 {
			return errors.New("max memory bytes must be >= 0")
		}
		e.maxMemoryBytes = n
		return nil
	}
}

// WithInlineThreshold sets the size above which extracted entries are
// spilled to disk instead of kept in memory.
func WithInlineThreshold(n int64) Option {
	return func(e *Engine) error {
		if n < 0 {
			return errors.New("inline threshold must be >= 0")
		}
		e.inlineThreshold = n
		return nil
	}
}

// WithSpillMaxBytes bounds the content cache spill directory. Zero means
// unlimited.
func WithSpillMaxBytes(n int64) Option {
	return func(e *Engine) error {
		if n < 0 {
			return errors.New("spill max bytes must be >= 0")
		}
		e.spillMaxBytes = n
		return nil
	}
}

// WithVerifyCacheHits re-hashes disk-backed cache entries on every hit.
func WithVerifyCacheHits(enabled bool) Option {
	return func(e *Engine) error {
		e.verifyHits = enabled
		return nil
	}
}
