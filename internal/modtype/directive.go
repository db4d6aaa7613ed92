package modtype

import (
	"github.com/google/uuid"
)

// DirectiveKind selects how a directive produces its output.
type DirectiveKind uint8

// Directive kinds.
const (
	// KindCopyFromArchive copies Source verbatim.
	KindCopyFromArchive DirectiveKind = iota + 1

	// KindPatchFromArchive applies the delta PatchID to Source.
	KindPatchFromArchive

	// KindInlineBytes writes the bundled data DataID.
	KindInlineBytes

	// KindTranscode converts Source with the Transcoder collaborator.
	KindTranscode

	// KindBuildContainer packs Container.Entries into a new container.
	KindBuildContainer
)

// String returns the string representation of the kind.
func (k DirectiveKind) String() string {
	switch k {
	case KindCopyFromArchive:
		return "copy"
	case KindPatchFromArchive:
		return "patch"
	case KindInlineBytes:
		return "inline"
	case KindTranscode:
		return "transcode"
	case KindBuildContainer:
		return "build-container"
	default:
		return "unknown"
	}
}

// Priority orders ready directives. Lower values dispatch first: plain
// file producers run before transcodes, and containers come last because
// they usually consume everything else.
func (k DirectiveKind) Priority() int {
	switch k {
	case KindInlineBytes:
		return 10
	case KindCopyFromArchive:
		return 11
	case KindPatchFromArchive:
		return 12
	case KindTranscode:
		return 240
	case KindBuildContainer:
		return 250
	default:
		return 255
	}
}

// TranscodeParams describes the target format of a Transcode directive.
type TranscodeParams struct {
	Format    string
	Width     uint32
	Height    uint32
	MipLevels uint32
}

// ContainerEntry is one file packed by a BuildContainer directive.
type ContainerEntry struct {
	// Name is the path of the entry inside the built container.
	Name string

	// Source locates the entry content.
	Source Locator
}

// ContainerSpec describes the container a BuildContainer directive builds.
type ContainerSpec struct {
	// Format selects the ContainerBuilder (for example "zip" or "bsa").
	Format string

	// Entries are the files to pack, in container order.
	Entries []ContainerEntry
}

// Directive is one manifest instruction producing a single output file.
//
// Directives are immutable once loaded. Dependencies between directives are
// expressed through locators whose Archive hash equals another directive's
// output Hash; they are resolved through a central index, never through
// pointers.
type Directive struct {
	// ID uniquely identifies the directive. When empty the engine derives a
	// stable id from the directive's content.
	ID string

	Kind DirectiveKind

	// To is the slash-separated output path relative to the install root.
	To string

	// Hash and Size describe the expected output.
	Hash ContentHash
	Size uint64

	// Source is the input of copy, patch and transcode directives.
	Source Locator

	// FromHash optionally records the expected hash of a patch base.
	FromHash ContentHash

	// PatchID names the bundled delta applied by patch directives.
	PatchID uuid.UUID

	// DataID names the bundled bytes written by inline directives.
	DataID uuid.UUID

	// Transcode parameterizes transcode directives.
	Transcode TranscodeParams

	// Container parameterizes build-container directives.
	Container ContainerSpec
}

// Inputs returns every locator the directive reads.
func (d *Directive) Inputs() []Locator {
	switch d.Kind {
	case KindCopyFromArchive, KindPatchFromArchive, KindTranscode:
		return []Locator{d.Source}
	case KindBuildContainer:
		inputs := make([]Locator, 0, len(d.Container.Entries))
		for _, e := range d.Container.Entries {
			inputs = append(inputs, e.Source)
		}
		return inputs
	default:
		return nil
	}
}
