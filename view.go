package fvfile

import (
	"encoding/binary"
	"math"
)

type elemKind uint8

const (
	elemFloat32 elemKind = iota
	elemInt16
	elemInt32
)

func (k elemKind) size() int {
	if k == elemInt16 {
		return 2
	}
	return 4
}

// stridedView is a read-only n-dimensional overlay on mapped bytes. The
// whole addressable extent is checked against the buffer once, when the
// view is built, so element access needs no further bounds checks.
type stridedView struct {
	data    []byte
	off     int
	kind    elemKind
	shape   []int
	strides []int // in bytes, may be negative
}

func newStridedView(data []byte, off int, kind elemKind, shape, strides []int) (*stridedView, error) {
	if len(shape) != len(strides) {
		return nil, malformed("view dimensions", off, "", "")
	}

	lo, hi := off, off+kind.size()
	for i, n := range shape {
		if n < 0 {
			return nil, malformed("view shape", off, "", "")
		}
		if n == 0 {
			lo, hi = off, off
			break
		}
		span := (n - 1) * strides[i]
		if span < 0 {
			lo += span
		} else {
			hi += span
		}
	}
	if lo < 0 || hi > len(data) {
		return nil, truncated("view", off, hi, len(data))
	}

	return &stridedView{
		data:    data,
		off:     off,
		kind:    kind,
		shape:   shape,
		strides: strides,
	}, nil
}

// Len returns the length of the last dimension.
func (v *stridedView) Len() int { return v.shape[len(v.shape)-1] }

// offset resolves the leading indices to a byte offset.
func (v *stridedView) offset(idx []int) (int, error) {
	if len(idx) > len(v.shape) {
		return 0, ErrIndexOutOfRange
	}

	pos := v.off
	for i, n := range idx {
		if n < 0 || n >= v.shape[i] {
			return 0, ErrIndexOutOfRange
		}
		pos += n * v.strides[i]
	}
	return pos, nil
}

func (v *stridedView) value(pos int) float32 {
	switch v.kind {
	case elemInt16:
		return float32(int16(binary.LittleEndian.Uint16(v.data[pos:])))
	case elemInt32:
		return float32(int32(binary.LittleEndian.Uint32(v.data[pos:])))
	default:
		return math.Float32frombits(binary.LittleEndian.Uint32(v.data[pos:]))
	}
}

// At returns a single element.
func (v *stridedView) At(idx ...int) (float32, error) {
	if len(idx) != len(v.shape) {
		return 0, ErrIndexOutOfRange
	}
	pos, err := v.offset(idx)
	if err != nil {
		return 0, err
	}
	return v.value(pos), nil
}

// appendScaled appends elements [lo, hi) of the innermost dimension,
// addressed by the outer indices, each multiplied by scale.
func (v *stridedView) appendScaled(dst []float32, scale float32, lo, hi int, outer ...int) ([]float32, error) {
	if len(outer) != len(v.shape)-1 || lo < 0 || hi > v.Len() || lo > hi {
		return dst, ErrIndexOutOfRange
	}
	pos, err := v.offset(outer)
	if err != nil {
		return dst, err
	}

	stride := v.strides[len(v.strides)-1]
	for i := lo; i < hi; i++ {
		dst = append(dst, v.value(pos+i*stride)*scale)
	}
	return dst, nil
}

// float32Slice decodes n consecutive little-endian float32 values starting
// at off, multiplied by scale.
func float32Slice(data []byte, off, n int, scale float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[off+4*i:])) * scale
	}
	return out
}
