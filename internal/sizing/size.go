// Package sizing provides safe size arithmetic and conversions to prevent overflow.
package sizing

import (
	"io"
	"math"

	"github.com/meigma/modkit/internal/modtype"
)

// ToInt64 converts a uint64 to int64, returning ErrSizeOverflow if it doesn't fit.
func ToInt64(size uint64) (int64, error) {
	if size > uint64(math.MaxInt64) {
		return 0, modtype.ErrSizeOverflow
	}
	return int64(size), nil
}

// ToUint64 converts a non-negative int64 to uint64. Negative values map to 0.
func ToUint64(size int64) uint64 {
	if size < 0 {
		return 0
	}
	return uint64(size)
}

// ReadAllWithLimit reads up to maxSize bytes from r.
// Returns ErrSizeOverflow if more than maxSize bytes are available.
func ReadAllWithLimit(r io.Reader, maxSize uint64) ([]byte, error) {
	if maxSize > uint64(math.MaxInt-1) {
		return nil, modtype.ErrSizeOverflow
	}
	limit := int64(maxSize) + 1 //nolint:gosec // checked above
	lr := &io.LimitedReader{R: r, N: limit}
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if uint64(len(data)) > maxSize { //nolint:gosec // len is always non-negative
		return nil, modtype.ErrSizeOverflow
	}
	return data, nil
}
