package fvfile

import (
	"context"
	"math"
)

// Segments holds the approach and retract halves of one channel.
type Segments struct {
	Approach []float32
	Retract  []float32
}

func (s Segments) len() int { return len(s.Approach) + len(s.Retract) }

// Curve is a single force curve: height (Z) and deflection (D), both in
// nanometres.
type Curve struct {
	Z Segments
	D Segments
}

const placeholderSamples = 100

// placeholderCurve is returned for rows which are within the declared
// grid but absent from the volume, e.g. after an interrupted scan.
func placeholderCurve() Curve {
	nan := func() []float32 {
		p := make([]float32, placeholderSamples)
		for i := range p {
			p[i] = float32(math.NaN())
		}
		return p
	}
	return Curve{
		Z: Segments{Approach: nan(), Retract: nan()},
		D: Segments{Approach: nan(), Retract: nan()},
	}
}

// IsPlaceholder returns true if the curve consists of NaN values only.
func (c Curve) IsPlaceholder() bool {
	for _, p := range [][]float32{c.Z.Approach, c.Z.Retract, c.D.Approach, c.D.Retract} {
		for _, v := range p {
			if !math.IsNaN(float64(v)) {
				return false
			}
		}
	}
	return c.Z.len() != 0
}

// --------------------------------------------------------------------

// CurveReader is implemented by every format specific volume reader.
// All three access paths return identical values for the same pixel.
type CurveReader interface {
	// Curve returns the curve at line r, point c. It returns
	// ErrIndexOutOfRange if the pixel lies outside the grid.
	Curve(r, c int) (Curve, error)

	// Curves returns a single-pass iterator in on-disk order.
	Curves() CurveIterator

	// AllCurves loads every curve into a single packed stack.
	AllCurves(ctx context.Context) (*CurveStack, error)
}

// CurveIterator iterates over curves.
type CurveIterator interface {
	// Next advances the cursor and returns true if successful.
	Next() bool
	// Pos returns line and point of the current curve.
	Pos() (int, int)
	// Curve returns the current curve.
	Curve() Curve
	// Err exposes iterator errors, if any.
	Err() error
	// Release releases the iterator. It must not be used after this
	// method is called.
	Release()
}

// --------------------------------------------------------------------

// CurveStack is a densely packed grid of curves, laid out as
// [Lines][Points][Z, D][Samples]. The first Split samples of each
// channel are the approach.
type CurveStack struct {
	Lines, Points int
	Samples       int
	Split         int
	Data          []float32
}

func newCurveStack(lines, points, samples, split int) *CurveStack {
	data := make([]float32, lines*points*2*samples)
	for i := range data {
		data[i] = float32(math.NaN())
	}
	return &CurveStack{
		Lines:   lines,
		Points:  points,
		Samples: samples,
		Split:   split,
		Data:    data,
	}
}

func (s *CurveStack) channel(r, c, ch int) []float32 {
	off := ((r*s.Points+c)*2 + ch) * s.Samples
	return s.Data[off : off+s.Samples : off+s.Samples]
}

// At returns the curve at line r, point c. Slices point into Data.
func (s *CurveStack) At(r, c int) (Curve, error) {
	if r < 0 || r >= s.Lines || c < 0 || c >= s.Points {
		return Curve{}, ErrIndexOutOfRange
	}

	z, d := s.channel(r, c, 0), s.channel(r, c, 1)
	return Curve{
		Z: Segments{Approach: z[:s.Split], Retract: z[s.Split:]},
		D: Segments{Approach: d[:s.Split], Retract: d[s.Split:]},
	}, nil
}

func (s *CurveStack) set(r, c int, cv Curve) {
	z, d := s.channel(r, c, 0), s.channel(r, c, 1)
	copy(z, cv.Z.Approach)
	copy(z[len(cv.Z.Approach):], cv.Z.Retract)
	copy(d, cv.D.Approach)
	copy(d[len(cv.D.Approach):], cv.D.Retract)
}

// stackCurves packs a grid whose curves share one shape. The first curve
// determines samples and split.
func stackCurves(ctx context.Context, lines, points int, fn func(r, c int) (Curve, error)) (*CurveStack, error) {
	var stack *CurveStack
	for r := 0; r < lines; r++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		for c := 0; c < points; c++ {
			cv, err := fn(r, c)
			if err != nil {
				return nil, err
			}
			if stack == nil {
				stack = newCurveStack(lines, points, cv.Z.len(), len(cv.Z.Approach))
			}
			stack.set(r, c, cv)
		}
	}
	if stack == nil {
		stack = newCurveStack(lines, points, 0, 0)
	}
	return stack, nil
}

// --------------------------------------------------------------------

// gridIterator walks a grid using random access, row by row unless an
// order is given.
type gridIterator struct {
	fn    func(r, c int) (Curve, error)
	order func(n int) (int, int)
	total int

	n    int // number of visited pixels
	r, c int
	cur  Curve
	err  error
}

func newGridIterator(lines, points int, fn func(r, c int) (Curve, error)) *gridIterator {
	return newOrderedIterator(lines*points, func(n int) (int, int) { return n / points, n % points }, fn)
}

// newOrderedIterator visits the pixels order(0) to order(total-1).
func newOrderedIterator(total int, order func(n int) (int, int), fn func(r, c int) (Curve, error)) *gridIterator {
	return &gridIterator{fn: fn, order: order, total: total}
}

func (i *gridIterator) Next() bool {
	if i.err != nil || i.n >= i.total {
		return false
	}

	i.r, i.c = i.order(i.n)
	i.n++
	i.cur, i.err = i.fn(i.r, i.c)
	return i.err == nil
}

func (i *gridIterator) Pos() (int, int) { return i.r, i.c }

func (i *gridIterator) Curve() Curve { return i.cur }

func (i *gridIterator) Err() error { return i.err }

func (i *gridIterator) Release() {
	i.cur = Curve{}
	i.err = errReleased
}
