package modkit

import (
	"errors"
	"fmt"
	"time"

	"github.com/meigma/modkit/cache"
	"github.com/meigma/modkit/internal/modtype"
)

// Failure describes one directive that did not complete.
type Failure struct {
	ID   string
	Path string
	Err  error

	// Expected and Actual are set when Err is a MismatchError.
	Expected ContentHash
	Actual   ContentHash
}

// Summary reports the outcome of a run.
type Summary struct {
	Total    int
	Done     int
	Skipped  int
	Failed   int
	Canceled int

	// Failures lists failed and canceled directives in manifest order.
	Failures []Failure

	// Cache holds content cache counters at the end of the run.
	Cache cache.Stats

	// Downloads is the final fetch state of every source archive touched.
	Downloads map[ContentHash]FetchState

	Duration time.Duration
}

// OK reports whether every directive is done or skipped.
func (s *Summary) OK() bool {
	return s.Failed == 0 && s.Canceled == 0
}

// Err joins the failures as DirectiveErrors. It returns nil when the run
// succeeded.
func (s *Summary) Err() error {
	if s.OK() {
		return nil
	}
	errs := make([]error, 0, len(s.Failures))
	for _, f := range s.Failures {
		errs = append(errs, &modtype.DirectiveError{ID: f.ID, Path: f.Path, Err: f.Err})
	}
	return errors.Join(errs...)
}

func (s *Summary) String() string {
	return fmt.Sprintf("%d directives: %d done, %d skipped, %d failed, %d canceled in %s",
		s.Total, s.Done, s.Skipped, s.Failed, s.Canceled, s.Duration.Round(time.Millisecond))
}

func (r *run) summarize() *Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &Summary{Total: len(r.g.nodes)}
	for i, n := range r.g.nodes {
		switch r.states[i] {
		case modtype.StateDone:
			s.Done++
		case modtype.StateSkipped:
			s.Skipped++
		case modtype.StateFailed, modtype.StateCanceled:
			if r.states[i] == modtype.StateFailed {
				s.Failed++
			} else {
				s.Canceled++
			}
			f := Failure{ID: n.id, Path: n.path, Err: r.errs[i]}
			if f.Err == nil {
				f.Err = errors.New("canceled")
			}
			var mismatch *modtype.MismatchError
			if errors.As(f.Err, &mismatch) {
				f.Expected = mismatch.Expected
				f.Actual = mismatch.Actual
			}
			s.Failures = append(s.Failures, f)
		}
	}
	return s
}
