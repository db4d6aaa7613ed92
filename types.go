package modkit

import (
	"github.com/meigma/modkit/download"
	"github.com/meigma/modkit/internal/modtype"
)

// --- Re-exports from the data model ---

// ContentHash identifies bytes by their xxhash64 digest.
type ContentHash = modtype.ContentHash

// Locator addresses bytes at the root of an archive or nested inside it.
type Locator = modtype.Locator

// SourceArchive is a top-level archive referenced by the manifest.
type SourceArchive = modtype.SourceArchive

// Descriptor carries downloader-specific parameters for a source archive.
type Descriptor = modtype.Descriptor

// FetchState is the lifecycle of a source archive within a run.
type FetchState = modtype.FetchState

// Directive is one manifest instruction producing a single output file.
type Directive = modtype.Directive

// DirectiveKind selects how a directive produces its output.
type DirectiveKind = modtype.DirectiveKind

// TranscodeParams describes the target format of a Transcode directive.
type TranscodeParams = modtype.TranscodeParams

// ContainerSpec describes the container a BuildContainer directive builds.
type ContainerSpec = modtype.ContainerSpec

// ContainerEntry is one file packed by a BuildContainer directive.
type ContainerEntry = modtype.ContainerEntry

// Manifest is the parsed input of a run.
type Manifest = modtype.Manifest

// DirectiveState is the position of a directive in its lifecycle.
type DirectiveState = modtype.DirectiveState

// Event reports a directive state transition.
type Event = modtype.Event

// ProgressFunc receives state transitions during a run.
type ProgressFunc = modtype.ProgressFunc

// MismatchError reports content that differs from its expectation.
type MismatchError = modtype.MismatchError

// CyclicDependencyError lists the directives that take part in a cycle.
type CyclicDependencyError = modtype.CyclicDependencyError

// DirectiveError attaches a directive's identity to a failure.
type DirectiveError = modtype.DirectiveError

// --- Collaborators ---

// Downloader fetches source archives.
type Downloader = download.Downloader

// ArchiveReader decodes containers.
type ArchiveReader = modtype.ArchiveReader

// Container is an opened archive.
type Container = modtype.Container

// Transcoder converts content to another format.
type Transcoder = modtype.Transcoder

// ContainerBuilder writes a container of one format.
type ContainerBuilder = modtype.ContainerBuilder

// BuildEntry is a resolved file handed to a ContainerBuilder.
type BuildEntry = modtype.BuildEntry

// DataSource serves inline files and patch deltas bundled with a manifest.
type DataSource = modtype.DataSource

// Directive kinds.
const (
	KindCopyFromArchive  = modtype.KindCopyFromArchive
	KindPatchFromArchive = modtype.KindPatchFromArchive
	KindInlineBytes      = modtype.KindInlineBytes
	KindTranscode        = modtype.KindTranscode
	KindBuildContainer   = modtype.KindBuildContainer
)

// Directive states.
const (
	StatePending   = modtype.StatePending
	StateResolving = modtype.StateResolving
	StateProducing = modtype.StateProducing
	StateVerifying = modtype.StateVerifying
	StateDone      = modtype.StateDone
	StateFailed    = modtype.StateFailed
	StateSkipped   = modtype.StateSkipped
	StateCanceled  = modtype.StateCanceled
)

// Fetch states.
const (
	FetchNotFetched = modtype.FetchNotFetched
	FetchFetching   = modtype.FetchFetching
	FetchVerified   = modtype.FetchVerified
	FetchFailed     = modtype.FetchFailed
)

// NewLocator returns a Locator for archive and the given entry path.
func NewLocator(archive ContentHash, path ...string) Locator {
	return modtype.NewLocator(archive, path...)
}

// ParseHash parses the base64 text form of a ContentHash.
func ParseHash(s string) (ContentHash, error) {
	return modtype.ParseHash(s)
}

// HashBytes returns the ContentHash of b.
func HashBytes(b []byte) ContentHash {
	return modtype.HashBytes(b)
}
