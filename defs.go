package fvfile

import (
	"bytes"
	"encoding/binary"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding/charmap"
)

const cstringSize = 32

func decodeWindows1252(p []byte) string {
	s, err := charmap.Windows1252.NewDecoder().Bytes(p)
	if err != nil {
		// every byte maps in Windows-1252
		return string(p)
	}
	return string(s)
}

// decodeCString decodes a fixed-width, null-padded string.
func decodeCString(p []byte) string {
	return decodeWindows1252(bytes.TrimRight(p, "\x00"))
}

// splitSegments splits "a;b;c;" style lists, dropping the element after the
// final separator.
func splitSegments(s string) []string {
	parts := strings.Split(s, ";")
	return parts[:len(parts)-1]
}

func float64At(data []byte, off int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(data[off:]))
}

// --------------------------------------------------------------------

const (
	vchnSize    = 80
	xdefSize    = 96
	vdefSize    = 208
	idefSize    = 184
	maxChannels = 4
)

// Channel is a named data channel of a volume.
type Channel struct {
	Index int    // position in the volume definition
	Name  string // e.g. "Raw", "ZSnsr", "Defl"
	Unit  string
}

func readChannel(data []byte, h chunkHeader) (Channel, error) {
	if err := h.expect(data, tagVCHN, vchnSize, "channel definition"); err != nil {
		return Channel{}, err
	}

	b := data[h.Offset+chunkHeaderSize:]
	return Channel{
		Name: decodeCString(b[:cstringSize]),
		Unit: decodeCString(b[cstringSize : 2*cstringSize]),
	}, nil
}

// channelMap resolves channel names to definitions.
type channelMap []Channel

func (m channelMap) Get(name string) (Channel, bool) {
	for _, ch := range m {
		if ch.Name == name {
			return ch, true
		}
	}
	return Channel{}, false
}

// heightName returns the preferred height-like channel, "Raw" if present,
// else "ZSnsr".
func (m channelMap) heightName() string {
	if _, ok := m.Get("Raw"); ok {
		return "Raw"
	}
	return "ZSnsr"
}

// zd returns the indices of the height and deflection channels.
func (m channelMap) zd() (int, int, error) {
	zname := m.heightName()
	z, ok := m.Get(zname)
	if !ok {
		return 0, 0, errors.Wrap(ErrUnknownChannel, zname)
	}
	d, ok := m.Get("Defl")
	if !ok {
		return 0, 0, errors.Wrap(ErrUnknownChannel, "Defl")
	}
	return z.Index, d.Index, nil
}

// --------------------------------------------------------------------

// readExperiment decodes an XDEF chunk, a plain ";"-separated list of
// segment names.
func readExperiment(data []byte, h chunkHeader) ([]string, error) {
	if err := h.expect(data, tagXDEF, xdefSize, "experiment definition"); err != nil {
		return nil, err
	}

	b := data[h.Offset+chunkHeaderSize:]
	if reserved := binary.LittleEndian.Uint32(b[0:]); reserved != 0 {
		return nil, malformed("experiment definition reserved field "+strconv.FormatUint(uint64(reserved), 10), h.Offset, "", "")
	}
	nchars := binary.LittleEndian.Uint32(b[4:])
	if nchars > h.Size {
		return nil, &ChunkError{Kind: ErrMalformedChunk, What: "experiment definition length", Offset: h.Offset, Actual: h.Tag.String(), ExpectedSize: h.Size, ActualSize: nchars}
	}

	start := h.Offset + 24
	if end := start + int(nchars); end > len(data) {
		return nil, truncated("experiment definition", h.Offset, end, len(data))
	}
	return splitSegments(decodeWindows1252(data[start : start+int(nchars)])), nil
}

// --------------------------------------------------------------------

// volumeDef is the decoded VDEF chunk.
type volumeDef struct {
	Points, Lines       int
	XStep, YStep, TStep float64
	XUnits, YUnits      string
	TUnits              string
	Segments            []string
}

func readVolumeDef(data []byte, h chunkHeader) (*volumeDef, error) {
	if err := h.expect(data, tagVDEF, vdefSize, "volume definition"); err != nil {
		return nil, err
	}

	b := data[h.Offset+chunkHeaderSize : h.end()]
	for _, c := range b[8:32] {
		if c != 0 {
			return nil, malformed("volume definition reserved bytes", h.Offset, "", "")
		}
	}

	def := &volumeDef{
		Points: int(binary.LittleEndian.Uint32(b[0:])),
		Lines:  int(binary.LittleEndian.Uint32(b[4:])),
		XStep:  float64At(b, 32),
		YStep:  float64At(b, 40),
		TStep:  float64At(b, 48),
		XUnits: decodeCString(b[56:88]),
		YUnits: decodeCString(b[88:120]),
		TUnits: decodeCString(b[120:152]),
	}
	def.Segments = splitSegments(decodeCString(b[152:184]))

	if nseg := binary.LittleEndian.Uint64(b[184:]); nseg != uint64(len(def.Segments)) {
		return nil, malformed("volume definition has "+strconv.FormatUint(nseg, 10)+" segments, names "+strconv.Itoa(len(def.Segments)), h.Offset, "", "")
	}
	return def, nil
}

// --------------------------------------------------------------------

// imageDef is the decoded IDEF chunk.
type imageDef struct {
	Points, Lines  int
	XStep, YStep   float64
	XUnits, YUnits string
	Name, Units    string
}

func readImageDef(data []byte, h chunkHeader) (*imageDef, error) {
	if err := h.expect(data, tagIDEF, idefSize, "image definition"); err != nil {
		return nil, err
	}

	b := data[h.Offset+chunkHeaderSize : h.end()]
	if binary.LittleEndian.Uint64(b[8:]) != 0 || binary.LittleEndian.Uint64(b[16:]) != 0 {
		return nil, malformed("image definition reserved fields", h.Offset, "", "")
	}

	return &imageDef{
		Points: int(binary.LittleEndian.Uint32(b[0:])),
		Lines:  int(binary.LittleEndian.Uint32(b[4:])),
		XStep:  float64At(b, 24),
		YStep:  float64At(b, 32),
		XUnits: decodeCString(b[40:72]),
		YUnits: decodeCString(b[72:104]),
		Name:   decodeCString(b[104:136]),
		Units:  decodeCString(b[136:168]),
	}, nil
}
