package modtype

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Every failure reported by the engine wraps exactly one of
// them so callers can classify it with errors.Is.
var (
	// ErrNotFound is returned when an archive or an entry inside it is absent.
	ErrNotFound = errors.New("modkit: not found")

	// ErrCorruptArchive is returned when a container cannot be decoded.
	ErrCorruptArchive = errors.New("modkit: corrupt archive")

	// ErrHashMismatch is returned when content does not match its expected hash or size.
	ErrHashMismatch = errors.New("modkit: hash mismatch")

	// ErrPatchFormat is returned when a binary delta is malformed.
	ErrPatchFormat = errors.New("modkit: invalid patch format")

	// ErrBaseMismatch is returned when a delta was generated against a different base.
	ErrBaseMismatch = errors.New("modkit: patch base mismatch")

	// ErrCyclicDependency is returned when the directive graph contains a cycle.
	ErrCyclicDependency = errors.New("modkit: cyclic dependency")

	// ErrDependencyFailed marks directives skipped because an input directive failed.
	ErrDependencyFailed = errors.New("modkit: dependency failed")

	// ErrInvalidManifest is returned when the manifest fails structural validation.
	ErrInvalidManifest = errors.New("modkit: invalid manifest")

	// ErrNoTranscoder is returned when a transcode directive runs without a Transcoder.
	ErrNoTranscoder = errors.New("modkit: no transcoder configured")

	// ErrNoContainerBuilder is returned when no builder handles a container format.
	ErrNoContainerBuilder = errors.New("modkit: no container builder for format")

	// ErrSizeOverflow is returned when a size does not fit the platform integer types.
	ErrSizeOverflow = errors.New("modkit: size overflow")
)

// MismatchError reports content that differs from its expectation.
// It wraps Kind (ErrHashMismatch or ErrBaseMismatch).
type MismatchError struct {
	Kind     error
	Subject  string
	Expected ContentHash
	Actual   ContentHash

	// ExpectedSize and ActualSize are set when the size differed.
	ExpectedSize uint64
	ActualSize   uint64
}

func (e *MismatchError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Subject != "" {
		b.WriteString(": ")
		b.WriteString(e.Subject)
	}
	if e.ExpectedSize != e.ActualSize {
		fmt.Fprintf(&b, ": size expected %d, found %d", e.ExpectedSize, e.ActualSize)
	}
	if e.Expected != e.Actual {
		fmt.Fprintf(&b, ": hash expected [%s], found [%s]", e.Expected, e.Actual)
	}
	return b.String()
}

func (e *MismatchError) Unwrap() error {
	return e.Kind
}

// CyclicDependencyError lists the directives that take part in a cycle.
type CyclicDependencyError struct {
	IDs []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("%s among %d directives: %s", ErrCyclicDependency, len(e.IDs), strings.Join(e.IDs, ", "))
}

func (e *CyclicDependencyError) Unwrap() error {
	return ErrCyclicDependency
}

// DirectiveError attaches a directive's identity to a failure.
type DirectiveError struct {
	ID   string
	Path string
	Err  error
}

func (e *DirectiveError) Error() string {
	return fmt.Sprintf("directive %s (%s): %v", e.ID, e.Path, e.Err)
}

func (e *DirectiveError) Unwrap() error {
	return e.Err
}
