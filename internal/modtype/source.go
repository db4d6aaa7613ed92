package modtype

import (
	digest "github.com/opencontainers/go-digest"
)

// Descriptor carries downloader-specific parameters for a source archive.
// The engine never interprets it; Downloader implementations read the keys
// they understand (for example "type", "url", "ref").
type Descriptor map[string]string

// Get returns the value stored under key, or "" when absent.
func (d Descriptor) Get(key string) string {
	if d == nil {
		return ""
	}
	return d[key]
}

// Type returns the downloader type recorded in the descriptor.
func (d Descriptor) Type() string {
	return d.Get("type")
}

// SourceArchive is a top-level archive referenced by the manifest.
type SourceArchive struct {
	// Hash is the expected ContentHash of the whole archive.
	Hash ContentHash

	// Size is the expected archive size in bytes.
	Size uint64

	// Name is the archive's display name, used in logs and reports.
	Name string

	// Descriptor tells the Downloader where to fetch the archive from.
	Descriptor Descriptor

	// Digest is an optional secondary digest (sha256 or sha512) verified
	// after the transfer completes.
	Digest digest.Digest
}

// FetchState is the lifecycle of a SourceArchive within a run.
type FetchState uint8

// Fetch states.
const (
	FetchNotFetched FetchState = iota
	FetchFetching
	FetchVerified
	FetchFailed
)

// String returns the string representation of the state.
func (s FetchState) String() string {
	switch s {
	case FetchNotFetched:
		return "not fetched"
	case FetchFetching:
		return "fetching"
	case FetchVerified:
		return "verified"
	case FetchFailed:
		return "failed"
	default:
		return "unknown"
	}
}
