package modkit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"time"

	"github.com/meigma/modkit/archive"
	modzip "github.com/meigma/modkit/archive/zip"
	"github.com/meigma/modkit/cache"
	"github.com/meigma/modkit/cache/disk"
	"github.com/meigma/modkit/download"
	"github.com/meigma/modkit/internal/fileops"
	"github.com/meigma/modkit/state"
)

// Engine installs manifests into an output directory.
//
// An Engine is safe to reuse across runs but not for concurrent runs over
// the same work directory.
type Engine struct {
	outputDir   string
	workDir     string
	downloadDir string
	cacheDir    string
	statePath   string
	syncWrites  bool

	downloader   Downloader
	downloadOpts []download.Option
	reader       ArchiveReader
	transcoder   Transcoder
	builders     map[string]ContainerBuilder
	progress     ProgressFunc
	logger       *slog.Logger

	workers         int
	cpuConcurrency  int
	diskConcurrency int
	netConcurrency  int

	maxMemoryBytes  int64
	inlineThreshold int64
	spillMaxBytes   int64
	verifyHits      bool
}

// New creates an Engine writing below outputDir and fetching missing source
// archives with downloader.
func New(outputDir string, downloader Downloader, opts ...Option) (*Engine, error) {
	if outputDir == "" {
		return nil, errors.New("modkit: output dir must not be empty")
	}
	if downloader == nil {
		return nil, errors.New("modkit: downloader must not be nil")
	}
	cpus := runtime.GOMAXPROCS(0)
	e := &Engine{
		outputDir:  outputDir,
		downloader: downloader,
		syncWrites: true,
		reader: archive.NewRegistry(
			archive.WithReader(archive.FormatZip, modzip.NewReader()),
		),
		builders: map[string]ContainerBuilder{
			"zip": modzip.NewBuilder(),
		},
		workers:         cpus,
		cpuConcurrency:  cpus,
		diskConcurrency: DefaultDiskConcurrency,
		netConcurrency:  DefaultNetConcurrency,
		maxMemoryBytes:  DefaultMaxMemoryBytes,
		inlineThreshold: DefaultInlineThreshold,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(e); err != nil {
			return nil, fmt.Errorf("modkit: %w", err)
		}
	}
	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}
	if e.workDir == "" {
		e.workDir = filepath.Join(outputDir, ".modkit")
	}
	if e.downloadDir == "" {
		e.downloadDir = filepath.Join(e.workDir, "downloads")
	}
	if e.cacheDir == "" {
		e.cacheDir = filepath.Join(e.workDir, "cache")
	}
	if e.statePath == "" {
		e.statePath = filepath.Join(e.workDir, "state.journal")
	}
	return e, nil
}

// StatePath returns the install journal location.
func (e *Engine) StatePath() string {
	return e.statePath
}

// Run installs m. Directive failures do not abort the run; they are
// reported in the Summary, whose Err method is non-nil when anything failed
// or was canceled. The returned error is reserved for failures that prevent
// the run from starting (an invalid or cyclic manifest, unusable work
// directories) and for cancellation.
func (e *Engine) Run(ctx context.Context, m Manifest) (*Summary, error) {
	start := time.Now()
	g, err := buildGraph(&m)
	if err != nil {
		return nil, err
	}

	tracker, err := state.Open(e.statePath, e.trackerOptions()...)
	if err != nil {
		return nil, fmt.Errorf("modkit: open install state: %w", err)
	}
	defer func() {
		if cerr := tracker.Close(); cerr != nil {
			e.logger.Warn("close install state", "err", cerr)
		}
	}()

	store, err := disk.New(e.downloadDir)
	if err != nil {
		return nil, fmt.Errorf("modkit: open download dir: %w", err)
	}
	manager, err := download.New(store, e.downloader, append([]download.Option{
		download.WithLogger(e.logger),
		download.WithConcurrency(e.netConcurrency),
	}, e.downloadOpts...)...)
	if err != nil {
		return nil, fmt.Errorf("modkit: %w", err)
	}

	contentCache, err := cache.New(
		cache.WithLogger(e.logger),
		cache.WithSpillDir(e.cacheDir),
		cache.WithSpillMaxBytes(e.spillMaxBytes),
		cache.WithInlineThreshold(e.inlineThreshold),
		cache.WithMaxMemoryBytes(e.maxMemoryBytes),
		cache.WithVerifyHits(e.verifyHits),
	)
	if err != nil {
		return nil, fmt.Errorf("modkit: %w", err)
	}
	defer func() {
		if cerr := contentCache.Close(); cerr != nil {
			e.logger.Warn("close content cache", "err", cerr)
		}
	}()

	sink, err := fileops.NewSink(e.outputDir, fileops.WithSync(e.syncWrites))
	if err != nil {
		return nil, fmt.Errorf("modkit: %w", err)
	}

	r := newRun(e, g, m.Data, tracker, manager, contentCache, sink)
	summary := r.execute(ctx)
	summary.Duration = time.Since(start)
	summary.Cache = contentCache.Stats()
	summary.Downloads = manager.States()

	e.logger.Info("install finished",
		"done", summary.Done,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"canceled", summary.Canceled,
		"duration", summary.Duration,
	)
	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

func (e *Engine) trackerOptions() []state.Option {
	opts := []state.Option{state.WithLogger(e.logger)}
	if !e.syncWrites {
		opts = append(opts, state.WithoutSync())
	}
	return opts
}

// DirectiveStatus is the recorded state of one directive.
type DirectiveStatus struct {
	ID        string
	Path      string
	Kind      DirectiveKind
	Status    state.Status
	Recorded  bool
	Error     string
	UpdatedAt time.Time
}

// Status reports what the install journal records for each directive of
// m, without touching outputs or downloads.
func (e *Engine) Status(m Manifest) ([]DirectiveStatus, error) {
	g, err := buildGraph(&m)
	if err != nil {
		return nil, err
	}
	tracker, err := state.Open(e.statePath, e.trackerOptions()...)
	if err != nil {
		return nil, fmt.Errorf("modkit: open install state: %w", err)
	}
	defer tracker.Close()

	out := make([]DirectiveStatus, 0, len(g.nodes))
	for _, n := range g.nodes {
		st := DirectiveStatus{ID: n.id, Path: n.path, Kind: n.d.Kind}
		if rec, ok := tracker.Get(n.id); ok {
			st.Recorded = true
			st.Status = rec.Status
			st.Error = rec.Error
			st.UpdatedAt = rec.UpdatedAt
		}
		out = append(out, st)
	}
	return out, nil
}

// PruneDownloads removes the least recently written source archives until
// the download directory holds at most target bytes. It returns the bytes
// freed.
func (e *Engine) PruneDownloads(target int64) (int64, error) {
	store, err := disk.New(e.downloadDir)
	if err != nil {
		return 0, fmt.Errorf("modkit: open download dir: %w", err)
	}
	return store.Prune(target)
}
