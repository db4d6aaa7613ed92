package modkit

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/meigma/modkit/cache"
	"github.com/meigma/modkit/download"
	"github.com/meigma/modkit/internal/fileops"
	"github.com/meigma/modkit/internal/modtype"
	"github.com/meigma/modkit/internal/sizing"
	"github.com/meigma/modkit/patch"
	"github.com/meigma/modkit/resolve"
	"github.com/meigma/modkit/state"
)

// maxInputFanout bounds parallel input resolution within one directive.
const maxInputFanout = 8

// run is the state of one Engine.Run call.
type run struct {
	e        *Engine
	g        *graph
	data     modtype.DataSource
	tracker  *state.Tracker
	manager  *download.Manager
	cache    *cache.Cache
	resolver *resolve.Resolver
	sink     *fileops.Sink
	cpu      *semaphore.Weighted
	disk     *semaphore.Weighted
	logger   *slog.Logger

	mu      sync.Mutex
	states  []modtype.DirectiveState
	errs    []error
	outputs map[modtype.ContentHash]output
}

// output is a committed directive output other directives may read.
type output struct {
	path string
	size int64
}

func newRun(e *Engine, g *graph, data modtype.DataSource, tracker *state.Tracker,
	manager *download.Manager, c *cache.Cache, sink *fileops.Sink,
) *run {
	r := &run{
		e:       e,
		g:       g,
		data:    data,
		tracker: tracker,
		manager: manager,
		cache:   c,
		sink:    sink,
		cpu:     semaphore.NewWeighted(int64(e.cpuConcurrency)),
		disk:    semaphore.NewWeighted(int64(e.diskConcurrency)),
		logger:  e.logger,
		states:  make([]modtype.DirectiveState, len(g.nodes)),
		errs:    make([]error, len(g.nodes)),
		outputs: make(map[modtype.ContentHash]output),
	}
	r.resolver = resolve.New(c, r, e.reader,
		resolve.WithLogger(e.logger),
		resolve.WithDecodeSemaphore(r.cpu),
	)
	return r
}

// Root implements resolve.Roots. Source archives come from the download
// manager; other hashes must be outputs committed earlier in the run.
func (r *run) Root(ctx context.Context, hash modtype.ContentHash) (*cache.Value, error) {
	if src, ok := r.g.sources[hash]; ok {
		path, err := r.manager.EnsureAvailable(ctx, src)
		if err != nil {
			return nil, err
		}
		size, err := sizing.ToInt64(src.Size)
		if err != nil {
			return nil, err
		}
		return cache.FileValue(path, hash, size), nil
	}

	r.mu.Lock()
	out, ok := r.outputs[hash]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: archive [%s] is neither a source nor a committed output", modtype.ErrNotFound, hash)
	}
	return cache.FileValue(out.path, hash, out.size), nil
}

func (r *run) publish(n *node) {
	size, err := sizing.ToInt64(n.d.Size)
	if err != nil {
		// Unreachable after graph validation.
		r.logger.Error("output not readable by dependents", "directive", n.id, "path", n.path, "err", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.outputs[n.d.Hash]; !ok {
		r.outputs[n.d.Hash] = output{path: fileops.Join(r.sink.Dir(), n.path), size: size}
	}
}

func (r *run) state(i int) modtype.DirectiveState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[i]
}

// transition moves n to state to and reports the change.
func (r *run) transition(n *node, to modtype.DirectiveState, err error) {
	r.mu.Lock()
	from := r.states[n.index]
	r.states[n.index] = to
	if to == modtype.StateFailed || to == modtype.StateCanceled {
		r.errs[n.index] = err
	}
	r.mu.Unlock()

	if to.Terminal() {
		r.logger.Debug("directive finished", "directive", n.id, "path", n.path, "state", to, "err", err)
	}
	if r.e.progress != nil {
		r.e.progress(modtype.Event{ID: n.id, Path: n.path, From: from, To: to, Err: err})
	}
}

// execute runs every directive and returns the summary.
func (r *run) execute(ctx context.Context) *Summary {
	r.resume(ctx)

	nodes := r.g.nodes
	waiting := make([]int, len(nodes))
	ready := &readyQueue{}
	for i, n := range nodes {
		if r.state(i) != modtype.StatePending {
			continue
		}
		for _, dep := range n.deps {
			if r.state(dep) != modtype.StateSkipped {
				waiting[i]++
			}
		}
		if waiting[i] == 0 {
			heap.Push(ready, n)
		}
	}

	type result struct {
		n   *node
		err error
	}
	results := make(chan result)
	running := 0
	for {
		for running < r.e.workers && ready.Len() > 0 && ctx.Err() == nil {
			n := heap.Pop(ready).(*node) //nolint:forcetypeassert // queue only holds *node
			running++
			go func() {
				results <- result{n: n, err: r.runDirective(ctx, n)}
			}()
		}
		if running == 0 {
			break
		}

		res := <-results
		running--
		switch {
		case res.err == nil:
			r.transition(res.n, modtype.StateDone, nil)
			for _, dep := range res.n.dependents {
				waiting[dep]--
				if waiting[dep] == 0 && r.state(dep) == modtype.StatePending {
					heap.Push(ready, nodes[dep])
				}
			}
		case ctx.Err() != nil && isCanceled(res.err):
			r.transition(res.n, modtype.StateCanceled, res.err)
		default:
			r.fail(res.n, res.err)
			r.cascade(res.n)
		}
	}

	for i, n := range nodes {
		if !r.state(i).Terminal() {
			r.transition(n, modtype.StateCanceled, context.Cause(ctx))
		}
	}
	return r.summarize()
}

// resume skips directives whose recorded output still verifies on disk.
// Outputs changed since they were recorded are re-executed.
func (r *run) resume(ctx context.Context) {
	records := r.tracker.Load()
	if len(records) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(r.e.diskConcurrency)
	for _, n := range r.g.nodes {
		rec, ok := records[n.id]
		if !ok || rec.Status != state.StatusDone || rec.Hash != n.d.Hash || rec.Output != n.path {
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			hash, size, err := fileops.HashFile(fileops.Join(r.sink.Dir(), n.path))
			if err == nil && hash == n.d.Hash && sizing.ToUint64(size) == n.d.Size {
				r.publish(n)
				r.transition(n, modtype.StateSkipped, nil)
				return nil
			}
			r.logger.Warn("recorded output changed on disk, re-executing",
				"directive", n.id,
				"path", n.path,
				"expected", n.d.Hash.String(),
				"actual", hash.String(),
				"err", err,
			)
			if perr := r.tracker.Put(state.Record{ID: n.id, Output: n.path, Hash: n.d.Hash, Status: state.StatusPending}); perr != nil {
				r.logger.Error("record install state", "directive", n.id, "err", perr)
			}
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // workers never return errors
}

// fail marks n failed and records it.
func (r *run) fail(n *node, err error) {
	r.transition(n, modtype.StateFailed, err)
	rec := state.Record{ID: n.id, Output: n.path, Hash: n.d.Hash, Status: state.StatusFailed, Error: err.Error()}
	if perr := r.tracker.Put(rec); perr != nil {
		r.logger.Error("record install state", "directive", n.id, "err", perr)
	}
}

// cascade fails every pending directive downstream of n.
func (r *run) cascade(n *node) {
	queue := []*node{n}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, i := range cur.dependents {
			dep := r.g.nodes[i]
			if r.state(i) != modtype.StatePending {
				continue
			}
			r.fail(dep, fmt.Errorf("%w: directive %s (%s)", modtype.ErrDependencyFailed, cur.id, cur.path))
			queue = append(queue, dep)
		}
	}
}

// runDirective resolves, produces, verifies and commits one directive.
func (r *run) runDirective(ctx context.Context, n *node) error {
	if err := r.preflight(n); err != nil {
		return err
	}

	r.transition(n, modtype.StateResolving, nil)
	inputs, err := r.resolveInputs(ctx, n)
	defer func() {
		for _, h := range inputs {
			if h != nil {
				h.Release()
			}
		}
	}()
	if err != nil {
		return err
	}

	r.transition(n, modtype.StateProducing, nil)
	c, err := r.sink.Create(n.path)
	if err != nil {
		return err
	}
	if err := r.produce(ctx, n, inputs, c); err != nil {
		_ = c.Discard() //nolint:errcheck // best-effort cleanup
		return err
	}

	r.transition(n, modtype.StateVerifying, nil)
	if sum, size := c.Sum(), c.N(); sum != n.d.Hash || size != n.d.Size {
		_ = c.Discard() //nolint:errcheck // best-effort cleanup
		return &modtype.MismatchError{
			Kind:         modtype.ErrHashMismatch,
			Subject:      n.path,
			Expected:     n.d.Hash,
			Actual:       sum,
			ExpectedSize: n.d.Size,
			ActualSize:   size,
		}
	}

	if err := r.disk.Acquire(ctx, 1); err != nil {
		_ = c.Discard() //nolint:errcheck // best-effort cleanup
		return err
	}
	err = c.Commit()
	r.disk.Release(1)
	if err != nil {
		return err
	}

	rec := state.Record{ID: n.id, Output: n.path, Hash: n.d.Hash, Status: state.StatusDone}
	if err := r.tracker.Put(rec); err != nil {
		return fmt.Errorf("record install state: %w", err)
	}
	r.publish(n)
	return nil
}

// preflight rejects directives whose collaborator is missing before any
// input is fetched.
func (r *run) preflight(n *node) error {
	switch n.d.Kind {
	case modtype.KindTranscode:
		if r.e.transcoder == nil {
			return modtype.ErrNoTranscoder
		}
	case modtype.KindBuildContainer:
		if _, ok := r.e.builders[n.d.Container.Format]; !ok {
			return fmt.Errorf("%w: %q", modtype.ErrNoContainerBuilder, n.d.Container.Format)
		}
	}
	return nil
}

// resolveInputs resolves every input of n in parallel. The returned slice
// may hold handles even when err is non-nil; the caller releases them.
func (r *run) resolveInputs(ctx context.Context, n *node) ([]*cache.Handle, error) {
	locs := n.d.Inputs()
	handles := make([]*cache.Handle, len(locs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInputFanout)
	for i, loc := range locs {
		g.Go(func() error {
			h, err := r.resolver.Resolve(gctx, loc)
			if err != nil {
				return err
			}
			handles[i] = h
			return nil
		})
	}
	return handles, g.Wait()
}

// produce writes the output of n to w.
func (r *run) produce(ctx context.Context, n *node, inputs []*cache.Handle, w io.Writer) error {
	switch n.d.Kind {
	case modtype.KindCopyFromArchive:
		return r.withSem(ctx, r.disk, func() error {
			return copyValue(ctx, w, inputs[0].Value())
		})

	case modtype.KindInlineBytes:
		rc, err := r.data.Open(ctx, n.d.DataID)
		if err != nil {
			return err
		}
		defer rc.Close()
		return r.withSem(ctx, r.disk, func() error {
			_, err := io.Copy(w, ctxReader{ctx, rc})
			return err
		})

	case modtype.KindPatchFromArchive:
		return r.withSem(ctx, r.cpu, func() error {
			return r.applyPatch(ctx, n, inputs[0].Value(), w)
		})

	case modtype.KindTranscode:
		return r.withSem(ctx, r.cpu, func() error {
			in, err := inputs[0].Value().Bytes()
			if err != nil {
				return err
			}
			out, err := r.e.transcoder.Transform(ctx, in, n.d.Transcode)
			if err != nil {
				return fmt.Errorf("transcode: %w", err)
			}
			_, err = w.Write(out)
			return err
		})

	case modtype.KindBuildContainer:
		builder := r.e.builders[n.d.Container.Format]
		entries := make([]modtype.BuildEntry, len(n.d.Container.Entries))
		for i, e := range n.d.Container.Entries {
			v := inputs[i].Value()
			entries[i] = modtype.BuildEntry{Name: e.Name, Size: v.Size(), Open: v.Open}
		}
		return r.withSem(ctx, r.cpu, func() error {
			return builder.Build(ctx, w, entries)
		})

	default:
		return fmt.Errorf("%w: unknown kind %d", modtype.ErrInvalidManifest, n.d.Kind)
	}
}

func (r *run) applyPatch(ctx context.Context, n *node, base *cache.Value, w io.Writer) error {
	if !n.d.FromHash.IsZero() && base.Hash() != n.d.FromHash {
		return &modtype.MismatchError{
			Kind:     modtype.ErrBaseMismatch,
			Subject:  "patch base " + n.d.Source.String(),
			Expected: n.d.FromHash,
			Actual:   base.Hash(),
		}
	}
	delta, err := r.data.Open(ctx, n.d.PatchID)
	if err != nil {
		return err
	}
	defer delta.Close()
	ra, err := base.ReaderAt()
	if err != nil {
		return err
	}
	defer ra.Close()
	_, err = patch.ApplyTo(w, ra, base.Size(), ctxReader{ctx, delta})
	return err
}

func (r *run) withSem(ctx context.Context, sem *semaphore.Weighted, fn func() error) error {
	if err := sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer sem.Release(1)
	return fn()
}

func copyValue(ctx context.Context, w io.Writer, v *cache.Value) error {
	rc, err := v.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(w, ctxReader{ctx, rc})
	return err
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// ctxReader stops reading once ctx is done.
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

// readyQueue orders runnable directives by kind priority, then manifest
// order.
type readyQueue []*node

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	pi, pj := q[i].d.Kind.Priority(), q[j].d.Kind.Priority()
	if pi != pj {
		return pi < pj
	}
	return q[i].index < q[j].index
}

func (q readyQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *readyQueue) Push(x any) { *q = append(*q, x.(*node)) } //nolint:forcetypeassert // heap only pushes *node

func (q *readyQueue) Pop() any {
	old := *q
	n := old[len(old)-1]
	*q = old[:len(old)-1]
	return n
}
