// Package patch applies and generates binary deltas in the OctoDiff format.
//
// A delta starts with a metadata header:
//
//	"OCTODELTA" | version (1 byte) | hash name (7-bit length prefixed) |
//	hash length (int32 LE) | hash of the target | ">>>"
//
// followed by commands until end of input:
//
//	0x60 offset (int64 LE) length (int64 LE)   copy bytes from the base
//	0x80 length (int64 LE) bytes                insert literal bytes
//
// The recorded hash is the SHA-1 of the reconstructed file. A delta applied
// to a base it was not generated from fails with modtype.ErrBaseMismatch,
// either because a copy reaches past the base or because the output hash
// differs.
package patch

import (
	"bufio"
	"bytes"
	"crypto/sha1" //nolint:gosec // the delta format mandates SHA-1
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/meigma/modkit/internal/modtype"
)

const (
	formatVersion = 0x01
	hashName      = "SHA1"

	cmdCopy = 0x60
	cmdData = 0x80

	maxHashNameLen = 64
)

var (
	magic         = []byte("OCTODELTA")
	endOfMetadata = []byte(">>>")
)

// Header is the metadata of a delta.
type Header struct {
	HashAlgorithm string

	// TargetHash is the SHA-1 of the file the delta reconstructs.
	TargetHash []byte
}

func formatErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", modtype.ErrPatchFormat, fmt.Sprintf(format, args...))
}

// ReadHeader parses the metadata at the start of a delta.
func ReadHeader(r io.Reader) (Header, error) {
	var h Header
	got := make([]byte, len(magic))
	if _, err := io.ReadFull(r, got); err != nil || !bytes.Equal(got, magic) {
		return h, formatErr("missing delta header")
	}
	var version [1]byte
	if _, err := io.ReadFull(r, version[:]); err != nil {
		return h, formatErr("missing version")
	}
	if version[0] != formatVersion {
		return h, formatErr("unsupported version %d", version[0])
	}

	name, err := readString(r)
	if err != nil {
		return h, err
	}
	if name != hashName {
		return h, formatErr("unsupported hash algorithm %q", name)
	}
	h.HashAlgorithm = name

	var hashLen int32
	if err := binary.Read(r, binary.LittleEndian, &hashLen); err != nil {
		return h, formatErr("missing hash length")
	}
	if hashLen != sha1.Size {
		return h, formatErr("hash length %d, want %d", hashLen, sha1.Size)
	}
	h.TargetHash = make([]byte, hashLen)
	if _, err := io.ReadFull(r, h.TargetHash); err != nil {
		return h, formatErr("truncated hash")
	}

	marker := make([]byte, len(endOfMetadata))
	if _, err := io.ReadFull(r, marker); err != nil || !bytes.Equal(marker, endOfMetadata) {
		return h, formatErr("missing end of metadata")
	}
	return h, nil
}

// readString reads a string prefixed with its 7-bit encoded length.
func readString(r io.Reader) (string, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = &byteReader{r: r}
	}
	n, err := binary.ReadUvarint(br)
	if err != nil {
		return "", formatErr("bad hash name length")
	}
	if n > maxHashNameLen {
		return "", formatErr("hash name length %d too large", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", formatErr("truncated hash name")
	}
	return string(buf), nil
}

type byteReader struct {
	r   io.Reader
	buf [1]byte
}

func (b *byteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(b.r, b.buf[:]); err != nil {
		return 0, err
	}
	return b.buf[0], nil
}

// deltaWriter emits the delta encoding.
type deltaWriter struct {
	w   *bufio.Writer
	err error
}

func (dw *deltaWriter) write(p []byte) {
	if dw.err != nil {
		return
	}
	_, dw.err = dw.w.Write(p)
}

func (dw *deltaWriter) int64(v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v)) //nolint:gosec // two's complement encoding
	dw.write(b[:])
}

func (dw *deltaWriter) header(targetHash []byte) {
	dw.write(magic)
	dw.write([]byte{formatVersion})
	dw.write(binary.AppendUvarint(nil, uint64(len(hashName))))
	dw.write([]byte(hashName))
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(targetHash))) //nolint:gosec // hash length is 20
	dw.write(n[:])
	dw.write(targetHash)
	dw.write(endOfMetadata)
}

func (dw *deltaWriter) copyCmd(offset, length int64) {
	dw.write([]byte{cmdCopy})
	dw.int64(offset)
	dw.int64(length)
}

func (dw *deltaWriter) dataCmd(data []byte) {
	dw.write([]byte{cmdData})
	dw.int64(int64(len(data)))
	dw.write(data)
}

func (dw *deltaWriter) flush() error {
	if dw.err != nil {
		return dw.err
	}
	return dw.w.Flush()
}

var errShortDelta = errors.New("truncated command")
