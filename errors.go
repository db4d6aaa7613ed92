package modkit

import (
	"github.com/meigma/modkit/archive"
	"github.com/meigma/modkit/download"
	"github.com/meigma/modkit/internal/modtype"
)

// Error kinds re-exported from the data model. Every directive failure
// wraps one of them.
var (
	// ErrNotFound is returned when an archive or an entry inside it is absent.
	ErrNotFound = modtype.ErrNotFound

	// ErrCorruptArchive is returned when a container cannot be decoded.
	ErrCorruptArchive = modtype.ErrCorruptArchive

	// ErrHashMismatch is returned when downloaded or produced bytes differ from the manifest.
	ErrHashMismatch = modtype.ErrHashMismatch

	// ErrPatchFormat is returned when a patch delta is malformed.
	ErrPatchFormat = modtype.ErrPatchFormat

	// ErrBaseMismatch is returned when a patch does not belong to the supplied base.
	ErrBaseMismatch = modtype.ErrBaseMismatch

	// ErrCyclicDependency is returned when directives depend on each other in a cycle.
	ErrCyclicDependency = modtype.ErrCyclicDependency

	// ErrDependencyFailed marks directives skipped because a directive they read from failed.
	ErrDependencyFailed = modtype.ErrDependencyFailed

	// ErrInvalidManifest is returned when the manifest fails validation.
	ErrInvalidManifest = modtype.ErrInvalidManifest

	// ErrNoTranscoder is returned when a transcode directive runs without a Transcoder.
	ErrNoTranscoder = modtype.ErrNoTranscoder

	// ErrNoContainerBuilder is returned when no builder handles a container format.
	ErrNoContainerBuilder = modtype.ErrNoContainerBuilder

	// ErrSizeOverflow is returned when a size does not fit the platform integer types.
	ErrSizeOverflow = modtype.ErrSizeOverflow
)

// Errors re-exported from collaborator packages.
var (
	// ErrRangeNotSupported is returned by a Downloader that cannot resume at an offset.
	ErrRangeNotSupported = download.ErrRangeNotSupported

	// ErrPermanent marks download failures that retrying cannot fix.
	ErrPermanent = download.ErrPermanent

	// ErrUnsupportedFormat is returned when no ArchiveReader handles a container format.
	ErrUnsupportedFormat = archive.ErrUnsupportedFormat
)
