// Package byteview provides bounds-checked views over a working buffer,
// in the spirit of the teacher library's CustomSectionReader (see
// github.com/blacktop/go-macho/types.CustomSectionReader) but specialized
// for in-place mutation of a single owned buffer rather than read-only
// access through an io.ReaderAt.
package byteview

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ErrOverflow is returned when an offset/length computation would wrap
// around the address space. Distinct from ErrOutOfBounds because it often
// signals an adversarial or corrupt input rather than a merely short file.
var ErrOverflow = fmt.Errorf("byteview: arithmetic overflow")

// ErrOutOfBounds is returned when a well-formed range falls outside the view.
var ErrOutOfBounds = fmt.Errorf("byteview: out of bounds")

// View is a bounds-checked window over a byte slice. It never copies the
// underlying storage; Slice returns a narrower View over the same bytes.
type View struct {
	buf []byte
	off int // offset of this view's base within buf
	len int
}

// Over wraps an entire buffer in a View.
func Over(buf []byte) View {
	return View{buf: buf, off: 0, len: len(buf)}
}

// Len reports the view's length in bytes.
func (v View) Len() int { return v.len }

// Bytes returns the raw bytes covered by the view. Callers must not retain
// the slice past a mutation that reallocates the owning buffer.
func (v View) Bytes() []byte { return v.buf[v.off : v.off+v.len] }

func addOverflows(a, b int) bool {
	if b > 0 && a > math.MaxInt-b {
		return true
	}
	if b < 0 && a < math.MinInt-b {
		return true
	}
	return false
}

// Slice returns a narrower view [off, off+n) relative to v's own base.
func (v View) Slice(off, n int) (View, error) {
	if off < 0 || n < 0 {
		return View{}, ErrOutOfBounds
	}
	if addOverflows(off, n) {
		return View{}, ErrOverflow
	}
	if off+n > v.len {
		return View{}, ErrOutOfBounds
	}
	return View{buf: v.buf, off: v.off + off, len: n}, nil
}

func (v View) checkRange(off, n int) error {
	if off < 0 || n < 0 {
		return ErrOutOfBounds
	}
	if addOverflows(off, n) {
		return ErrOverflow
	}
	if off+n > v.len {
		return ErrOutOfBounds
	}
	return nil
}

// ReadAt copies n bytes starting at off into a new slice.
func (v View) ReadAt(off, n int) ([]byte, error) {
	if err := v.checkRange(off, n); err != nil {
		return nil, err
	}
	base := v.off + off
	out := make([]byte, n)
	copy(out, v.buf[base:base+n])
	return out, nil
}

// ReadUint32 reads a little-endian uint32 at off.
func (v View) ReadUint32(off int) (uint32, error) {
	if err := v.checkRange(off, 4); err != nil {
		return 0, err
	}
	base := v.off + off
	return binary.LittleEndian.Uint32(v.buf[base : base+4]), nil
}

// ReadUint64 reads a little-endian uint64 at off.
func (v View) ReadUint64(off int) (uint64, error) {
	if err := v.checkRange(off, 8); err != nil {
		return 0, err
	}
	base := v.off + off
	return binary.LittleEndian.Uint64(v.buf[base : base+8]), nil
}

// WriteUint32 writes a little-endian uint32 at off.
func (v View) WriteUint32(off int, x uint32) error {
	if err := v.checkRange(off, 4); err != nil {
		return err
	}
	base := v.off + off
	binary.LittleEndian.PutUint32(v.buf[base:base+4], x)
	return nil
}

// WriteUint64 writes a little-endian uint64 at off.
func (v View) WriteUint64(off int, x uint64) error {
	if err := v.checkRange(off, 8); err != nil {
		return err
	}
	base := v.off + off
	binary.LittleEndian.PutUint64(v.buf[base:base+8], x)
	return nil
}

// WriteAt overwrites n=len(p) bytes starting at off.
func (v View) WriteAt(off int, p []byte) error {
	if err := v.checkRange(off, len(p)); err != nil {
		return err
	}
	base := v.off + off
	copy(v.buf[base:base+len(p)], p)
	return nil
}

// Find returns the offset (relative to the view) of the first occurrence of
// pattern at or after `from`, honoring mask (nil mask means an exact match;
// otherwise byte i only participates in the comparison where mask[i] != 0).
// It reports ok=false rather than an error when nothing matches: a miss is
// an ordinary outcome the patcher and quirks catalog reason about, not a
// malformed-input condition.
func Find(hay []byte, from int, pattern, mask []byte) (off int, ok bool) {
	if len(pattern) == 0 || from < 0 {
		return 0, false
	}
	for i := from; i+len(pattern) <= len(hay); i++ {
		if matchAt(hay[i:i+len(pattern)], pattern, mask) {
			return i, true
		}
	}
	return 0, false
}

func matchAt(window, pattern, mask []byte) bool {
	for i := range pattern {
		if mask == nil {
			if window[i] != pattern[i] {
				return false
			}
			continue
		}
		if window[i]&mask[i] != pattern[i]&mask[i] {
			return false
		}
	}
	return true
}

// RoundUp rounds x up to the next multiple of align (align must be a power of two).
func RoundUp(x, align uint64) uint64 {
	return (x + align - 1) &^ (align - 1)
}
