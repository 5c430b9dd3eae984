package fvfile

import (
	"encoding/binary"
	"log/slog"
	"strconv"

	"github.com/pkg/errors"
)

const (
	vsetSize = 48
	vdatSize = 56
	mlovSize = 16
)

// vset is a volume set node. Nodes form a forward chain through the
// file, one node per pixel and curve kind.
//
//	+-----------------+-----------------+----------+-----------+-----------+-----------+-----------+
//	| header (16 b)   | force index (4) | line (4) | point (4) | vtype (4) | prev (8)  | next (8)  |
//	+-----------------+-----------------+----------+-----------+-----------+-----------+-----------+
type vset struct {
	Offset     int
	ForceIndex uint32
	Line       uint32
	Point      uint32
	VType      uint32
	Prev, Next uint64
}

func decodeVSet(data []byte, h chunkHeader) (vset, error) {
	if err := h.expect(data, tagVSET, 0, "volume set"); err != nil {
		return vset{}, err
	}
	if h.Size < vsetSize {
		return vset{}, &ChunkError{Kind: ErrMalformedChunk, What: "volume set", Offset: h.Offset, Actual: h.Tag.String(), ExpectedSize: vsetSize, ActualSize: h.Size}
	}

	b := data[h.Offset+chunkHeaderSize:]
	return vset{
		Offset:     h.Offset,
		ForceIndex: binary.LittleEndian.Uint32(b[0:]),
		Line:       binary.LittleEndian.Uint32(b[4:]),
		Point:      binary.LittleEndian.Uint32(b[8:]),
		VType:      binary.LittleEndian.Uint32(b[12:]),
		Prev:       binary.LittleEndian.Uint64(b[16:]),
		Next:       binary.LittleEndian.Uint64(b[24:]),
	}, nil
}

func readVSet(data []byte, off int) (vset, error) {
	h, err := readChunkHeader(data, off)
	if err != nil {
		return vset{}, err
	}
	return decodeVSet(data, h)
}

// end returns the offset of the VNAM chunk which follows the node.
func (s vset) end() int { return s.Offset + vsetSize }

// --------------------------------------------------------------------

// vdat holds the samples of one channel of one pixel, the float32 array
// follows the 56-byte header inline.
type vdat struct {
	Offset     int
	Size       int
	ForceIndex uint32
	Line       uint32
	Point      uint32
	NFloats    uint32
	Channel    uint32
	Seg        [5]uint32
}

func decodeVDat(data []byte, h chunkHeader) (vdat, error) {
	if err := h.expect(data, tagVDAT, 0, "volume data"); err != nil {
		return vdat{}, err
	}

	b := data[h.Offset+chunkHeaderSize:]
	d := vdat{
		Offset:     h.Offset,
		Size:       int(h.Size),
		ForceIndex: binary.LittleEndian.Uint32(b[0:]),
		Line:       binary.LittleEndian.Uint32(b[4:]),
		Point:      binary.LittleEndian.Uint32(b[8:]),
		NFloats:    binary.LittleEndian.Uint32(b[12:]),
		Channel:    binary.LittleEndian.Uint32(b[16:]),
	}
	for i := range d.Seg {
		d.Seg[i] = binary.LittleEndian.Uint32(b[20+4*i:])
	}

	if uint64(vdatSize)+uint64(d.NFloats)*4 > uint64(h.Size) {
		return vdat{}, malformed("volume data holds "+strconv.FormatUint(uint64(d.NFloats), 10)+" floats", h.Offset, "", "")
	}
	if d.Seg[1] > d.Seg[2] || d.Seg[2] > d.NFloats {
		return vdat{}, malformed("volume data segment offsets", h.Offset, "", "")
	}
	return d, nil
}

func (d vdat) arrayOffset() int { return d.Offset + vdatSize }

func (d vdat) end() int { return d.Offset + d.Size }

// segments returns [0, seg1) and [seg1, seg2) converted to nanometres.
func (d vdat) segments(data []byte) Segments {
	s1, s2 := int(d.Seg[1]), int(d.Seg[2])
	p := float32Slice(data, d.arrayOffset(), s2, NanometerUnitConversion)
	return Segments{Approach: p[:s1:s1], Retract: p[s1:]}
}

// trimmed returns the n samples either side of seg1.
func (d vdat) trimmed(data []byte, n int) Segments {
	s1 := int(d.Seg[1])
	p := float32Slice(data, d.arrayOffset()+4*(s1-n), 2*n, NanometerUnitConversion)
	return Segments{Approach: p[:n:n], Retract: p[n:]}
}

// readVDats walks the VNAM/VDAT run that follows a node and returns
// the data chunks. The run ends at the first chunk which is not VDAT or
// at the end of the file.
func readVDats(data []byte, s vset) ([]vdat, error) {
	nh, err := readChunk(data, s.end(), tagVNAM, 0, "volume name")
	if err != nil {
		return nil, err
	}

	var out []vdat
	for off := nh.end(); off <= len(data)-chunkHeaderSize; {
		h, _ := readChunkHeader(data, off)
		if h.Tag != tagVDAT {
			break
		}
		d, err := decodeVDat(data, h)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
		off = d.end()
	}
	return out, nil
}

// --------------------------------------------------------------------

// Volume is a force volume (VOLM) inside an ARDF file.
//
//	+------+------+------+----------+------+------+------+------+------+-----+
//	| VOLM | TTOC | VDEF | VCHN x n | XDEF | VTOC | MLOV | VSET | VNAM | ... |
//	+------+------+------+----------+------+------+------+------+------+-----+
type Volume struct {
	Lines, Points          int
	XStep, YStep, TStep    float64
	XUnits, YUnits, TUnits string

	// Segments and Experiment are the segment names from the volume and
	// the experiment definition, e.g. ["Ext", "Ret", "Dwell"].
	Segments   []string
	Experiment []string

	Channels []Channel

	// Complete is true if every pixel was acquired.
	Complete bool
	// Interrupted is true if the volume table ends in zero padding.
	Interrupted bool
	// ScanDown is true if acquisition started at the last line.
	ScanDown bool
	// Trace is true if rows were acquired in trace direction.
	Trace bool

	Strategy Strategy
	Reader   CurveReader

	offset int
	nsets  uint64
	vtoc   *volumeTOC
	first  vset
}

// Channel returns a channel by name.
func (v *Volume) Channel(name string) (Channel, error) {
	if ch, ok := channelMap(v.Channels).Get(name); ok {
		return ch, nil
	}
	return Channel{}, errors.Wrap(ErrUnknownChannel, name)
}

// HeightChannel returns the name of the channel used as curve height.
func (v *Volume) HeightChannel() string { return channelMap(v.Channels).heightName() }

func readVolume(data []byte, h chunkHeader, o *Options) (*Volume, error) {
	t, err := readTOC(data, h, tagVOLM)
	if err != nil {
		return nil, err
	}
	if len(t.Entries) == 0 || t.Entries[len(t.Entries)-1].Header.Tag != tagNSET {
		return nil, malformed("volume table of contents without set count", h.Offset, "", "")
	}
	nsets := t.Entries[len(t.Entries)-1].Pointer

	th, err := readChunkHeader(data, t.end())
	if err != nil {
		return nil, err
	}
	ttoc, err := readTextTOC(data, th)
	if err != nil {
		return nil, err
	}

	dh, err := readChunkHeader(data, ttoc.end())
	if err != nil {
		return nil, err
	}
	def, err := readVolumeDef(data, dh)
	if err != nil {
		return nil, err
	}

	// channels are implicit, a run of VCHN chunks
	var channels channelMap
	off := dh.end()
	for {
		ch, err := readChunkHeader(data, off)
		if err != nil {
			return nil, err
		}
		if ch.Tag != tagVCHN {
			break
		}
		if len(channels) == maxChannels {
			return nil, malformed("too many channel definitions", ch.Offset, "", "")
		}

		c, err := readChannel(data, ch)
		if err != nil {
			return nil, err
		}
		if c.Unit != "m" {
			return nil, malformed("channel "+strconv.Quote(c.Name)+" unit", ch.Offset, "m", c.Unit)
		}
		c.Index = len(channels)
		channels = append(channels, c)
		off = ch.end()
	}

	xh, _ := readChunkHeader(data, off)
	xdef, err := readExperiment(data, xh)
	if err != nil {
		return nil, err
	}

	vh, err := readChunkHeader(data, xh.end())
	if err != nil {
		return nil, err
	}
	vtoc, err := readVolumeTOC(data, vh)
	if err != nil {
		return nil, err
	}
	if _, err := readChunk(data, vtoc.end(), tagMLOV, mlovSize, "volume table of contents end"); err != nil {
		return nil, err
	}
	if vtoc.Len() == 0 {
		return nil, malformed("empty volume table of contents", vtoc.Offset, "", "")
	}

	first, err := readVSet(data, int(vtoc.Pointers[0]))
	if err != nil {
		return nil, err
	}

	v := &Volume{
		Lines:       def.Lines,
		Points:      def.Points,
		XStep:       def.XStep,
		YStep:       def.YStep,
		TStep:       def.TStep,
		XUnits:      def.XUnits,
		YUnits:      def.YUnits,
		TUnits:      def.TUnits,
		Segments:    def.Segments,
		Experiment:  xdef,
		Channels:    channels,
		Complete:    uint64(def.Points)*uint64(def.Lines) == nsets,
		Interrupted: vtoc.Interrupted,
		ScanDown:    first.Line != 0,
		Trace:       first.Point == 0,
		Strategy:    o.Strategy,
		offset:      h.Offset,
		nsets:       nsets,
		vtoc:        vtoc,
		first:       first,
	}
	if v.Interrupted {
		o.Logger.Warn("fvfile: volume scan was interrupted", slog.Int("offset", h.Offset), slog.Int("sets", vtoc.Len()), slog.Int("pixels", def.Lines*def.Points))
	}

	switch o.Strategy {
	case StrategyDenseStride:
		v.Reader, err = newDenseStrideReader(data, v)
	default:
		v.Reader, err = newForceMapReader(data, v)
	}
	if err != nil {
		return nil, err
	}

	o.Logger.Debug("fvfile: parsed volume",
		slog.Int("offset", h.Offset),
		slog.Int("lines", v.Lines),
		slog.Int("points", v.Points),
		slog.Bool("complete", v.Complete),
		slog.Bool("scan_down", v.ScanDown),
		slog.String("strategy", v.Strategy.String()),
	)
	return v, nil
}
