// Package fileops provides the file primitives used to commit directive
// outputs: validated relative paths, hashing readers and writers, and
// temp-file writers that only become visible at their final path on Commit.
package fileops

import (
	"io/fs"
	"path"
	"path/filepath"
	"strings"
)

// CleanPath normalizes a manifest output path to a slash-separated path
// relative to the install root. Absolute paths and paths escaping the root
// are rejected.
func CleanPath(p string) (string, error) {
	slashed := strings.ReplaceAll(p, `\`, "/")
	if slashed == "" || strings.HasPrefix(slashed, "/") || filepath.VolumeName(p) != "" || hasDrive(slashed) {
		return "", &fs.PathError{Op: "clean", Path: p, Err: fs.ErrInvalid}
	}
	cleaned := path.Clean(slashed)
	if cleaned == "." || !fs.ValidPath(cleaned) {
		return "", &fs.PathError{Op: "clean", Path: p, Err: fs.ErrInvalid}
	}
	return cleaned, nil
}

// hasDrive reports a Windows drive prefix such as "C:", which filepath
// only recognizes when running on Windows.
func hasDrive(p string) bool {
	return len(p) >= 2 && p[1] == ':' && ((p[0] >= 'a' && p[0] <= 'z') || (p[0] >= 'A' && p[0] <= 'Z'))
}

// Join returns the OS path of rel under root. rel must come from CleanPath.
func Join(root, rel string) string {
	return filepath.Join(root, filepath.FromSlash(rel))
}

// FoldKey returns the key used to detect two output paths that name the same
// file on a case-insensitive filesystem.
func FoldKey(rel string) string {
	return strings.ToLower(rel)
}
