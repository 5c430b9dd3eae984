package fvfile

import (
	"context"

	"github.com/pkg/errors"
)

// denseStrideReader addresses curves directly when the volume is laid out
// as a regular grid of equally sized records:
//
//	view[line][point][channel][sample]
//	strides: (vsetStride*points, vsetStride, vdatSize, 4)
//
// Acquisition order is honoured: if the scan started at the last line
// (or at the last point of a row) the physical index is mirrored.
type denseStrideReader struct {
	view *stridedView

	lines, points  int
	zch, dch       int
	split, samples int

	flipLines, flipPoints bool
}

func newDenseStrideReader(data []byte, v *Volume) (*denseStrideReader, error) {
	if err := denseEligible(v); err != nil {
		return nil, err
	}

	z, d, err := channelMap(v.Channels).zd()
	if err != nil {
		return nil, err
	}

	first := v.first
	stride := int(first.Next) - first.Offset
	if stride <= 0 {
		return nil, errors.Wrap(ErrIneligibleStrategy, "volume sets are not stored in ascending order")
	}

	ds, err := readVDats(data, first)
	if err != nil {
		return nil, err
	}
	if len(ds) != len(v.Channels) {
		return nil, errors.Wrapf(ErrIneligibleStrategy, "%d data records for %d channels", len(ds), len(v.Channels))
	}
	for i, x := range ds {
		if x.Size != ds[0].Size || x.NFloats != ds[0].NFloats || x.Seg != ds[0].Seg || int(x.Channel) != i {
			return nil, errors.Wrap(ErrIneligibleStrategy, "irregular data records")
		}
	}

	head := ds[0]
	view, err := newStridedView(data, head.arrayOffset(), elemFloat32,
		[]int{v.Lines, v.Points, len(ds), int(head.NFloats)},
		[]int{stride * v.Points, stride, head.Size, 4},
	)
	if err != nil {
		return nil, err
	}

	return &denseStrideReader{
		view:       view,
		lines:      v.Lines,
		points:     v.Points,
		zch:        z,
		dch:        d,
		split:      int(head.Seg[1]),
		samples:    int(head.Seg[2]),
		flipLines:  v.ScanDown,
		flipPoints: !v.Trace,
	}, nil
}

// denseEligible checks that the volume table describes a complete,
// regularly spaced grid whose order matches the direction of the first
// record.
func denseEligible(v *Volume) error {
	t := v.vtoc
	switch {
	case !v.Complete:
		return errors.Wrap(ErrIneligibleStrategy, "volume is incomplete")
	case t.Interrupted:
		return errors.Wrap(ErrIneligibleStrategy, "volume scan was interrupted")
	case t.Len() != v.Lines*v.Points:
		return errors.Wrapf(ErrIneligibleStrategy, "%d sets for %dx%d grid", t.Len(), v.Lines, v.Points)
	case !t.regular():
		return errors.Wrap(ErrIneligibleStrategy, "volume sets are irregularly spaced")
	}

	for i := 0; i < t.Len(); i++ {
		line, point := i/v.Points, i%v.Points
		if v.first.Line != 0 {
			line = v.Lines - 1 - line
		}
		if v.first.Point != 0 {
			point = v.Points - 1 - point
		}
		if int(t.Lines[i]) != line || t.Points[i] != uint64(point) {
			return errors.Wrapf(ErrIneligibleStrategy, "entry %d is (%d, %d), expected (%d, %d)", i, t.Lines[i], t.Points[i], line, point)
		}
	}
	return nil
}

func (r *denseStrideReader) physical(line, point int) (int, int) {
	if r.flipLines {
		line = r.lines - 1 - line
	}
	if r.flipPoints {
		point = r.points - 1 - point
	}
	return line, point
}

func (r *denseStrideReader) segments(line, point, ch int) (Segments, error) {
	p, err := r.view.appendScaled(make([]float32, 0, r.samples), NanometerUnitConversion, 0, r.samples, line, point, ch)
	if err != nil {
		return Segments{}, err
	}
	return Segments{Approach: p[:r.split:r.split], Retract: p[r.split:]}, nil
}

// Curve implements CurveReader.
func (r *denseStrideReader) Curve(line, point int) (Curve, error) {
	if line < 0 || line >= r.lines || point < 0 || point >= r.points {
		return Curve{}, errors.Wrapf(ErrIndexOutOfRange, "pixel (%d, %d) outside %dx%d grid", line, point, r.lines, r.points)
	}

	pl, pp := r.physical(line, point)
	z, err := r.segments(pl, pp, r.zch)
	if err != nil {
		return Curve{}, err
	}
	d, err := r.segments(pl, pp, r.dch)
	if err != nil {
		return Curve{}, err
	}
	return Curve{Z: z, D: d}, nil
}

// Curves implements CurveReader. Records are visited in storage order,
// Pos reports logical coordinates.
func (r *denseStrideReader) Curves() CurveIterator {
	return newOrderedIterator(r.lines*r.points, func(n int) (int, int) {
		return r.physical(n/r.points, n%r.points)
	}, r.Curve)
}

// AllCurves implements CurveReader. Like the pointer-chasing reader it
// trims curves symmetrically around the split point.
func (r *denseStrideReader) AllCurves(ctx context.Context) (*CurveStack, error) {
	ext := r.split
	if ret := r.samples - r.split; ret < ext {
		ext = ret
	}

	stack := newCurveStack(r.lines, r.points, 2*ext, ext)
	lo, hi := r.split-ext, r.split+ext
	for line := 0; line < r.lines; line++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		for point := 0; point < r.points; point++ {
			pl, pp := r.physical(line, point)
			for i, ch := range [2]int{r.zch, r.dch} {
				if _, err := r.view.appendScaled(stack.channel(line, point, i)[:0], NanometerUnitConversion, lo, hi, pl, pp, ch); err != nil {
					return nil, err
				}
			}
		}
	}
	return stack, nil
}
