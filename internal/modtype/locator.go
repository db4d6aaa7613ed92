package modtype

import (
	"strings"
)

// keySep separates path segments inside Locator.Key. It cannot appear in
// archive entry names.
const keySep = "\x00"

// Locator identifies a byte stream by the hash of a root archive and an
// optional path of entries inside it. Each entry but the last is itself a
// container. An empty Path denotes the raw archive.
type Locator struct {
	Archive ContentHash
	Path    []string
}

// NewLocator returns a Locator for archive and the given entry path.
func NewLocator(archive ContentHash, path ...string) Locator {
	segs := make([]string, 0, len(path))
	for _, p := range path {
		segs = append(segs, NormalizeSegment(p))
	}
	return Locator{Archive: archive, Path: segs}
}

// NormalizeSegment converts Windows separators to slashes and trims
// leading separators so entry names compare the same regardless of the
// tool that recorded them.
func NormalizeSegment(seg string) string {
	seg = strings.ReplaceAll(seg, `\`, "/")
	return strings.TrimLeft(seg, "/")
}

// IsRoot reports whether the locator denotes the raw archive.
func (l Locator) IsRoot() bool {
	return len(l.Path) == 0
}

// Depth returns the number of nested entries in the path.
func (l Locator) Depth() int {
	return len(l.Path)
}

// Prefix returns the locator truncated to its first n path segments.
func (l Locator) Prefix(n int) Locator {
	if n > len(l.Path) {
		n = len(l.Path)
	}
	return Locator{Archive: l.Archive, Path: l.Path[:n:n]}
}

// Parent returns the locator of the container holding l. The parent of a
// root locator is itself.
func (l Locator) Parent() Locator {
	if l.IsRoot() {
		return l
	}
	return l.Prefix(len(l.Path) - 1)
}

// Child returns a locator one level deeper than l.
func (l Locator) Child(seg string) Locator {
	path := make([]string, len(l.Path), len(l.Path)+1)
	copy(path, l.Path)
	return Locator{Archive: l.Archive, Path: append(path, NormalizeSegment(seg))}
}

// Key returns a string that uniquely identifies the locator, suitable as a
// map or cache key.
func (l Locator) Key() string {
	var b strings.Builder
	b.WriteString(l.Archive.String())
	for _, seg := range l.Path {
		b.WriteString(keySep)
		b.WriteString(strings.ToLower(seg))
	}
	return b.String()
}

// Equal reports whether two locators address the same bytes.
func (l Locator) Equal(o Locator) bool {
	return l.Key() == o.Key()
}

// String renders the locator as "[hash] a -> b".
func (l Locator) String() string {
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(l.Archive.String())
	b.WriteByte(']')
	for i, seg := range l.Path {
		if i == 0 {
			b.WriteByte(' ')
		} else {
			b.WriteString(" -> ")
		}
		b.WriteString(seg)
	}
	return b.String()
}
