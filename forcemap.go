package fvfile

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

type nodeKey struct {
	Line, Point, VType uint32
}

// forceMapReader resolves curves by chasing VSET chains. Nodes seen while
// walking a row are cached, the backing file is immutable so entries never
// go stale.
type forceMapReader struct {
	data []byte
	vtoc *volumeTOC

	lines, points int
	vtype         uint32
	zch, dch      uint32
	maxSteps      int

	mu   sync.Mutex
	seen map[nodeKey]vset
}

func newForceMapReader(data []byte, v *Volume) (*forceMapReader, error) {
	z, d, err := channelMap(v.Channels).zd()
	if err != nil {
		return nil, err
	}

	return &forceMapReader{
		data:     data,
		vtoc:     v.vtoc,
		lines:    v.Lines,
		points:   v.Points,
		vtype:    v.first.VType,
		zch:      uint32(z),
		dch:      uint32(d),
		maxSteps: len(data) / vsetSize,
		seen:     make(map[nodeKey]vset),
	}, nil
}

// Curve implements CurveReader.
func (r *forceMapReader) Curve(line, point int) (Curve, error) {
	if line < 0 || line >= r.lines || point < 0 || point >= r.points {
		return Curve{}, errors.Wrapf(ErrIndexOutOfRange, "pixel (%d, %d) outside %dx%d grid", line, point, r.lines, r.points)
	}

	s, ok, err := r.lookup(line, point)
	if err != nil {
		return Curve{}, err
	} else if !ok {
		return placeholderCurve(), nil
	}
	return r.readCurve(s)
}

func (r *forceMapReader) lookup(line, point int) (vset, bool, error) {
	key := nodeKey{Line: uint32(line), Point: uint32(point), VType: r.vtype}
	if s, ok := r.cached(key); ok {
		return s, true, nil
	}

	i, ok := r.vtoc.searchLine(line)
	if !ok {
		return vset{}, false, nil
	}

	// load the entire row
	c := r.chain(int(r.vtoc.Pointers[i]))
	for c.Next() {
		if int(c.Node().Line) != line {
			break
		}
	}
	if err := c.Err(); err != nil {
		return vset{}, false, err
	}

	s, ok := r.cached(key)
	return s, ok, nil
}

func (r *forceMapReader) cached(key nodeKey) (vset, bool) {
	r.mu.Lock()
	s, ok := r.seen[key]
	r.mu.Unlock()
	return s, ok
}

func (r *forceMapReader) remember(s vset) {
	key := nodeKey{Line: s.Line, Point: s.Point, VType: s.VType}

	r.mu.Lock()
	if _, ok := r.seen[key]; !ok {
		r.seen[key] = s
	}
	r.mu.Unlock()
}

func (r *forceMapReader) chain(off int) *vsetChain {
	return &vsetChain{data: r.data, next: off, limit: r.maxSteps, visit: r.remember}
}

func (r *forceMapReader) vdats(s vset) (z, d vdat, err error) {
	ds, err := readVDats(r.data, s)
	if err != nil {
		return
	}

	var hasZ, hasD bool
	for _, x := range ds {
		switch x.Channel {
		case r.zch:
			z, hasZ = x, true
		case r.dch:
			d, hasD = x, true
		}
	}
	if !hasZ {
		err = errors.Wrapf(ErrUnknownChannel, "no data for channel %d at (%d, %d)", r.zch, s.Line, s.Point)
	} else if !hasD {
		err = errors.Wrapf(ErrUnknownChannel, "no data for channel %d at (%d, %d)", r.dch, s.Line, s.Point)
	}
	return
}

func (r *forceMapReader) readCurve(s vset) (Curve, error) {
	z, d, err := r.vdats(s)
	if err != nil {
		return Curve{}, err
	}
	return Curve{Z: z.segments(r.data), D: d.segments(r.data)}, nil
}

// Curves implements CurveReader.
func (r *forceMapReader) Curves() CurveIterator {
	return &forceMapIterator{r: r, c: r.chain(int(r.vtoc.Pointers[0]))}
}

// AllCurves implements CurveReader. Curves are trimmed symmetrically
// around their split point to the shortest approach in the volume. The
// extent is also capped by the shortest retract, otherwise curves split
// late would be read past their last sample. Pixels without data are NaN.
func (r *forceMapReader) AllCurves(ctx context.Context) (*CurveStack, error) {
	type pixel struct {
		line, point int
		z, d        vdat
	}

	var pixels []pixel
	minExt := -1
	line := -1

	c := r.chain(int(r.vtoc.Pointers[0]))
	for c.Next() {
		s := c.Node()
		if int(s.Line) != line {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			line = int(s.Line)
		}
		if s.VType != r.vtype || int(s.Line) >= r.lines || int(s.Point) >= r.points {
			continue
		}

		z, d, err := r.vdats(s)
		if err != nil {
			return nil, err
		}
		for _, x := range [2]vdat{z, d} {
			ext := int(x.Seg[1])
			if ret := int(x.Seg[2] - x.Seg[1]); ret < ext {
				ext = ret
			}
			if minExt < 0 || ext < minExt {
				minExt = ext
			}
		}
		pixels = append(pixels, pixel{line: int(s.Line), point: int(s.Point), z: z, d: d})
	}
	if err := c.Err(); err != nil {
		return nil, err
	}
	if minExt < 0 {
		minExt = 0
	}

	stack := newCurveStack(r.lines, r.points, 2*minExt, minExt)
	for _, p := range pixels {
		stack.set(p.line, p.point, Curve{
			Z: p.z.trimmed(r.data, minExt),
			D: p.d.trimmed(r.data, minExt),
		})
	}
	return stack, nil
}

// --------------------------------------------------------------------

// vsetChain walks VSET nodes by their next pointers. It stops at a zero
// pointer or at the first chunk which is not a VSET. Pointers past the end
// of the file and chains longer than limit are errors.
type vsetChain struct {
	data  []byte
	next  int
	limit int
	visit func(vset)

	node vset
	err  error
}

func (c *vsetChain) Next() bool {
	if c.err != nil || c.next == 0 {
		return false
	}
	if c.next < 0 || c.next > len(c.data)-chunkHeaderSize {
		c.err = truncated("volume set", c.next, c.next+chunkHeaderSize, len(c.data))
		return false
	}
	if c.limit--; c.limit < 0 {
		c.err = malformed("volume set chain does not terminate", c.next, "", "")
		return false
	}

	h, _ := readChunkHeader(c.data, c.next)
	if h.Tag != tagVSET {
		c.next = 0
		return false
	}

	if c.node, c.err = decodeVSet(c.data, h); c.err != nil {
		return false
	}
	if c.visit != nil {
		c.visit(c.node)
	}
	c.next = int(c.node.Next)
	return true
}

func (c *vsetChain) Node() vset { return c.node }

func (c *vsetChain) Err() error { return c.err }

// --------------------------------------------------------------------

// forceMapIterator walks the whole chain in on-disk order.
type forceMapIterator struct {
	r *forceMapReader
	c *vsetChain

	cur Curve
	pos nodeKey
	err error
}

func (i *forceMapIterator) Next() bool {
	if i.err != nil {
		return false
	}

	for {
		if !i.c.Next() {
			i.err = i.c.Err()
			return false
		}

		s := i.c.Node()
		if s.VType != i.r.vtype {
			continue
		}

		i.pos = nodeKey{Line: s.Line, Point: s.Point, VType: s.VType}
		i.cur, i.err = i.r.readCurve(s)
		return i.err == nil
	}
}

func (i *forceMapIterator) Pos() (int, int) { return int(i.pos.Line), int(i.pos.Point) }

func (i *forceMapIterator) Curve() Curve { return i.cur }

func (i *forceMapIterator) Err() error { return i.err }

func (i *forceMapIterator) Release() {
	i.cur = Curve{}
	i.err = errReleased
}
