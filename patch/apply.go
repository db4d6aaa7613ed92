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

// Apply reconstructs the target from base and delta.
func Apply(base, delta []byte) ([]byte, error) {
	var out bytes.Buffer
	if _, err := ApplyTo(&out, bytes.NewReader(base), int64(len(base)), bytes.NewReader(delta)); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// ApplyTo streams the target reconstructed from base and delta into w and
// returns the number of bytes written.
//
// Output is written as commands are decoded. When the delta turns out not to
// match the base, w has received partial output and the caller must discard
// it; ApplyTo then returns an error wrapping modtype.ErrBaseMismatch.
func ApplyTo(w io.Writer, base io.ReaderAt, baseSize int64, delta io.Reader) (int64, error) {
	dr := bufio.NewReader(delta)
	header, err := ReadHeader(dr)
	if err != nil {
		return 0, err
	}

	h := sha1.New() //nolint:gosec // the delta format mandates SHA-1
	out := io.MultiWriter(w, h)
	var written int64

	for {
		cmd, err := dr.ReadByte()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return written, err
		}

		switch cmd {
		case cmdCopy:
			offset, length, err := readPair(dr)
			if err != nil {
				return written, err
			}
			if offset < 0 || length < 0 {
				return written, formatErr("negative copy range %d+%d", offset, length)
			}
			if offset > baseSize || length > baseSize-offset {
				return written, fmt.Errorf("%w: copy %d+%d past base of %d bytes",
					modtype.ErrBaseMismatch, offset, length, baseSize)
			}
			n, err := io.Copy(out, io.NewSectionReader(base, offset, length))
			written += n
			if err != nil {
				return written, err
			}
			if n != length {
				return written, fmt.Errorf("%w: short base read", modtype.ErrBaseMismatch)
			}
		case cmdData:
			var length int64
			if err := binary.Read(dr, binary.LittleEndian, &length); err != nil {
				return written, formatErr("%v", errShortDelta)
			}
			if length < 0 {
				return written, formatErr("negative data length %d", length)
			}
			n, err := io.CopyN(out, dr, length)
			written += n
			if errors.Is(err, io.EOF) {
				return written, formatErr("%v", errShortDelta)
			}
			if err != nil {
				return written, err
			}
		default:
			return written, formatErr("unknown command 0x%02x", cmd)
		}
	}

	if sum := h.Sum(nil); !bytes.Equal(sum, header.TargetHash) {
		return written, fmt.Errorf("%w: output sha1 %x, delta expects %x",
			modtype.ErrBaseMismatch, sum, header.TargetHash)
	}
	return written, nil
}

func readPair(r io.Reader) (int64, int64, error) {
	var pair [2]int64
	if err := binary.Read(r, binary.LittleEndian, &pair); err != nil {
		return 0, 0, formatErr("%v", errShortDelta)
	}
	return pair[0], pair[1], nil
}
