// Package download makes source archives available on local disk.
//
// The Manager fetches archives through a Downloader, resuming partial
// transfers from the bytes already on disk, verifies the result against the
// expected size and hash, and moves verified archives into a content
// addressed store where later runs find them again. Concurrent requests for
// the same archive share one transfer.
package download

import (
	"context"
	_ "crypto/sha256" // register digest algorithms
	_ "crypto/sha512"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	digest "github.com/opencontainers/go-digest"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/meigma/modkit/cache/disk"
	"github.com/meigma/modkit/internal/fileops"
	"github.com/meigma/modkit/internal/modtype"
	"github.com/meigma/modkit/internal/sizing"
)

// Manager is the download manager. It is safe for concurrent use.
type Manager struct {
	logger          *slog.Logger
	store           *disk.Store
	downloader      Downloader
	concurrency     int
	maxAttempts     uint
	initialInterval time.Duration
	maxInterval     time.Duration

	net   *semaphore.Weighted
	group singleflight.Group

	mu       sync.Mutex
	states   map[modtype.ContentHash]modtype.FetchState
	failures map[modtype.ContentHash]error
}

// New creates a Manager storing verified archives in store.
func New(store *disk.Store, downloader Downloader, opts ...Option) (*Manager, error) {
	if store == nil || downloader == nil {
		return nil, errors.New("download: store and downloader are required")
	}
	m := &Manager{
		store:           store,
		downloader:      downloader,
		concurrency:     defaultConcurrency,
		maxAttempts:     defaultMaxAttempts,
		initialInterval: defaultInitialInterval,
		maxInterval:     defaultMaxInterval,
		states:          make(map[modtype.ContentHash]modtype.FetchState),
		failures:        make(map[modtype.ContentHash]error),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.New(slog.DiscardHandler)
	}
	if m.concurrency < 1 {
		m.concurrency = 1
	}
	if m.maxAttempts < 1 {
		m.maxAttempts = 1
	}
	m.net = semaphore.NewWeighted(int64(m.concurrency))
	return m, nil
}

// State returns the fetch state of the archive with the given hash.
func (m *Manager) State(hash modtype.ContentHash) modtype.FetchState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[hash]
}

// States returns the fetch state of every archive seen in this run.
func (m *Manager) States() map[modtype.ContentHash]modtype.FetchState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.states)
}

func (m *Manager) setState(hash modtype.ContentHash, s modtype.FetchState) {
	m.mu.Lock()
	m.states[hash] = s
	m.mu.Unlock()
}

// EnsureAvailable returns the path of the verified archive, fetching it if
// needed. Size, hash and digest mismatches wrap modtype.ErrHashMismatch and
// are not retried: once an archive fails that way, or is not found, later
// calls return the same error without fetching again.
func (m *Manager) EnsureAvailable(ctx context.Context, src modtype.SourceArchive) (string, error) {
	if err := m.failure(src.Hash); err != nil {
		return "", err
	}
	if m.State(src.Hash) == modtype.FetchVerified {
		if size, ok := m.store.Stat(src.Hash); ok && sizing.ToUint64(size) == src.Size {
			return m.store.Path(src.Hash), nil
		}
	}

	key := src.Hash.String()
	for {
		ch := m.group.DoChan(key, func() (any, error) {
			return m.ensure(ctx, src)
		})
		select {
		case res := <-ch:
			if res.Err == nil {
				return res.Val.(string), nil //nolint:forcetypeassert // ensure returns a string
			}
			if isCanceled(res.Err) && ctx.Err() == nil {
				// The caller that started the transfer gave up; take over.
				continue
			}
			return "", res.Err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (m *Manager) ensure(ctx context.Context, src modtype.SourceArchive) (string, error) {
	log := m.logger.With("source", src.Name, "hash", src.Hash.String())

	if path, ok := m.verifyExisting(src, log); ok {
		m.setState(src.Hash, modtype.FetchVerified)
		return path, nil
	}

	m.setState(src.Hash, modtype.FetchFetching)
	if err := m.net.Acquire(ctx, 1); err != nil {
		m.setState(src.Hash, modtype.FetchNotFetched)
		return "", err
	}
	path, err := m.fetch(ctx, src, log)
	m.net.Release(1)

	switch {
	case err == nil:
		m.setState(src.Hash, modtype.FetchVerified)
		return path, nil
	case isCanceled(err):
		// The partial file stays for the next attempt.
		m.setState(src.Hash, modtype.FetchNotFetched)
	default:
		m.mu.Lock()
		m.states[src.Hash] = modtype.FetchFailed
		if isPermanent(err) {
			m.failures[src.Hash] = err
		}
		m.mu.Unlock()
		log.Error("download failed", "err", err)
	}
	return "", err
}

func (m *Manager) failure(hash modtype.ContentHash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[hash]
}

// verifyExisting trusts a stored archive only after re-checking it.
func (m *Manager) verifyExisting(src modtype.SourceArchive, log *slog.Logger) (string, bool) {
	size, ok := m.store.Stat(src.Hash)
	if !ok {
		return "", false
	}
	path := m.store.Path(src.Hash)
	if sizing.ToUint64(size) == src.Size {
		if err := verifyFile(path, src); err == nil {
			return path, true
		}
	}
	log.Warn("stored archive does not verify, fetching again", "path", path)
	if err := m.store.Delete(src.Hash); err != nil {
		log.Warn("remove stale archive", "path", path, "err", err)
	}
	return "", false
}

func (m *Manager) fetch(ctx context.Context, src modtype.SourceArchive, log *slog.Logger) (string, error) {
	partial := m.store.PartialPath(src.Hash)

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = m.initialInterval
	exp.MaxInterval = m.maxInterval

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := m.transfer(ctx, src, partial, log)
		if err == nil || isCanceled(err) || isPermanent(err) {
			if err != nil {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, nil
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(exp),
		backoff.WithMaxTries(m.maxAttempts),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("download attempt failed, retrying", "attempt", attempt, "retry_in", next, "err", err)
		}),
	)
	if err != nil {
		return "", err
	}

	if err := verifyFile(partial, src); err != nil {
		if rmErr := os.Remove(partial); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			log.Warn("remove rejected download", "path", partial, "err", rmErr)
		}
		return "", err
	}
	path, err := m.store.Import(partial, src.Hash)
	if err != nil {
		return "", fmt.Errorf("download: store %s: %w", src.Name, err)
	}
	log.Info("download verified", "path", path, "size", src.Size)
	return path, nil
}

// transfer appends to the partial file until it holds src.Size bytes.
func (m *Manager) transfer(ctx context.Context, src modtype.SourceArchive, partial string, log *slog.Logger) error {
	f, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("download: open partial file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	offset := info.Size()
	expected, err := sizing.ToInt64(src.Size)
	if err != nil {
		return err
	}
	if offset > expected {
		log.Warn("partial file larger than archive, restarting", "path", partial)
		offset = 0
	}
	if offset == expected {
		return nil
	}

	body, err := m.downloader.Fetch(ctx, src, offset)
	if errors.Is(err, ErrRangeNotSupported) && offset > 0 {
		log.Info("source cannot resume, restarting transfer", "offset", offset)
		offset = 0
		body, err = m.downloader.Fetch(ctx, src, 0)
	}
	if err != nil {
		return err
	}
	defer body.Close()

	if err := f.Truncate(offset); err != nil {
		return err
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	if offset > 0 {
		log.Debug("resuming transfer", "offset", offset)
	}

	remaining := expected - offset
	n, err := io.Copy(f, io.LimitReader(ctxReader{ctx, body}, remaining+1))
	if err != nil {
		return fmt.Errorf("download: transfer %s: %w", src.Name, err)
	}
	if n > remaining {
		// Report the hash of what arrived, which stops one byte past the
		// declared size; ActualSize says the stream ran long.
		actual, _, hashErr := fileops.HashFile(partial)
		if hashErr != nil {
			log.Warn("hash oversized download", "path", partial, "err", hashErr)
		}
		_ = f.Truncate(0) //nolint:errcheck // the content is rejected anyway
		return &modtype.MismatchError{
			Kind:         modtype.ErrHashMismatch,
			Subject:      src.Name,
			Expected:     src.Hash,
			Actual:       actual,
			ExpectedSize: src.Size,
			ActualSize:   sizing.ToUint64(offset + n),
		}
	}
	if n < remaining {
		return fmt.Errorf("download: transfer %s: %w after %d of %d bytes",
			src.Name, io.ErrUnexpectedEOF, offset+n, expected)
	}
	return f.Sync()
}

// verifyFile checks size, content hash and the optional digest of path.
func verifyFile(path string, src modtype.SourceArchive) error {
	f, err := os.Open(path) //nolint:gosec // path is derived from the store
	if err != nil {
		return err
	}
	defer f.Close()

	hasher := modtype.NewHasher()
	writers := []io.Writer{hasher}
	var verifier digest.Verifier
	if src.Digest != "" {
		if err := src.Digest.Validate(); err != nil {
			return fmt.Errorf("%w: source %s digest: %w", ErrPermanent, src.Name, err)
		}
		verifier = src.Digest.Verifier()
		writers = append(writers, verifier)
	}
	n, err := io.Copy(io.MultiWriter(writers...), f)
	if err != nil {
		return err
	}

	actual := hasher.Sum()
	if sizing.ToUint64(n) != src.Size || actual != src.Hash {
		return &modtype.MismatchError{
			Kind:         modtype.ErrHashMismatch,
			Subject:      src.Name,
			Expected:     src.Hash,
			Actual:       actual,
			ExpectedSize: src.Size,
			ActualSize:   sizing.ToUint64(n),
		}
	}
	if verifier != nil && !verifier.Verified() {
		return fmt.Errorf("%w: %s does not match digest %s", modtype.ErrHashMismatch, src.Name, src.Digest)
	}
	return nil
}

// isPermanent reports failures retrying cannot fix.
func isPermanent(err error) bool {
	return errors.Is(err, ErrPermanent) || errors.Is(err, modtype.ErrHashMismatch) || errors.Is(err, modtype.ErrNotFound)
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// ctxReader stops a transfer once ctx is done.
type ctxReader struct {
	ctx context.Context //nolint:containedctx // scoped to a single copy
	r   io.Reader
}

func (cr ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
