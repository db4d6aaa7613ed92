package patch

import (
	"bufio"
	"bytes"
	"crypto/sha1" //nolint:gosec // the delta format mandates SHA-1
	"io"
)

const (
	defaultBlockSize = 2048
	minBlockSize     = 4

	adlerMod = 65521
)

// DiffOption configures Diff.
type DiffOption func(*differ)

// WithBlockSize sets the size of the base blocks matched in the target.
// Smaller blocks find more matches in exchange for a larger index.
func WithBlockSize(n int) DiffOption {
	return func(d *differ) {
		if n >= minBlockSize {
			d.blockSize = n
		}
	}
}

type differ struct {
	blockSize int
}

// Diff writes a delta turning base into target.
//
// Base blocks are indexed by a rolling checksum and matched at every target
// offset; unmatched target bytes become literal data.
func Diff(w io.Writer, base, target []byte, opts ...DiffOption) error {
	d := differ{blockSize: defaultBlockSize}
	for _, opt := range opts {
		opt(&d)
	}

	sum := sha1.Sum(target) //nolint:gosec // the delta format mandates SHA-1
	dw := &deltaWriter{w: bufio.NewWriter(w)}
	dw.header(sum[:])

	bs := d.blockSize
	index := make(map[uint32][]int64)
	for off := 0; off+bs <= len(base); off += bs {
		weak := adler(base[off : off+bs])
		index[weak] = append(index[weak], int64(off))
	}

	var (
		literalStart           = 0
		copyOff, copyLen int64 = 0, 0
	)
	flushCopy := func() {
		if copyLen > 0 {
			dw.copyCmd(copyOff, copyLen)
			copyLen = 0
		}
	}
	flushLiteral := func(end int) {
		if end > literalStart {
			flushCopy()
			dw.dataCmd(target[literalStart:end])
		}
	}

	pos := 0
	var roll rolling
	if len(base) >= bs && len(target) >= bs {
		roll.init(target[:bs])
	}
	for len(base) >= bs && pos+bs <= len(target) {
		if match, ok := lookup(index, roll.sum(), base, target[pos:pos+bs]); ok {
			flushLiteral(pos)
			if copyLen > 0 && copyOff+copyLen == match {
				copyLen += int64(bs)
			} else {
				flushCopy()
				copyOff, copyLen = match, int64(bs)
			}
			pos += bs
			literalStart = pos
			if pos+bs <= len(target) {
				roll.init(target[pos : pos+bs])
			}
			continue
		}
		if pos+bs < len(target) {
			roll.roll(target[pos], target[pos+bs])
		}
		pos++
	}
	flushLiteral(len(target))
	flushCopy()
	return dw.flush()
}

func lookup(index map[uint32][]int64, weak uint32, base, block []byte) (int64, bool) {
	for _, off := range index[weak] {
		if bytes.Equal(base[off:off+int64(len(block))], block) {
			return off, true
		}
	}
	return 0, false
}

func adler(p []byte) uint32 {
	var r rolling
	r.init(p)
	return r.sum()
}

// rolling is an Adler-32 style checksum over a fixed window.
type rolling struct {
	a, b uint32
	n    uint32
}

func (r *rolling) init(p []byte) {
	r.a, r.b = 1, 0
	r.n = uint32(len(p)) //nolint:gosec // window is a block size
	for _, c := range p {
		r.a = (r.a + uint32(c)) % adlerMod
		r.b = (r.b + r.a) % adlerMod
	}
}

func (r *rolling) roll(out, in byte) {
	r.a = (r.a + adlerMod - uint32(out) + uint32(in)) % adlerMod
	n := uint64(r.n)
	r.b = uint32((uint64(r.b) + adlerMod*n - n*uint64(out) - 1 + uint64(r.a)) % adlerMod) //nolint:gosec // reduced modulo adlerMod
}

func (r *rolling) sum() uint32 {
	return r.b<<16 | r.a
}
