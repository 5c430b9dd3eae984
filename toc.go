package fvfile

import (
	"bytes"
	"encoding/binary"
	"sort"
	"strconv"
)

const (
	tocHeaderSize   = 32
	tocStride       = 24
	textTOCStride   = 32
	volumeTOCStride = 40
)

// tocLayout reads and checks the pre-body of a table of contents:
//
//	+-----------------+------------------+---------------+
//	| size (8 bytes)  | entries (4 bytes)| stride (4 b)  |
//	+-----------------+------------------+---------------+
//
// It returns the total size and entry count. No entry is touched before
// the size/count/stride triple has been verified.
func tocLayout(data []byte, h chunkHeader, want tag, stride uint32, what string) (int, int, error) {
	if err := h.expect(data, want, tocHeaderSize, what); err != nil {
		return 0, 0, err
	}

	b := data[h.Offset+chunkHeaderSize:]
	size := binary.LittleEndian.Uint64(b[0:])
	count := binary.LittleEndian.Uint32(b[8:])
	actual := binary.LittleEndian.Uint32(b[12:])

	if actual != stride {
		return 0, 0, &ChunkError{Kind: ErrMalformedChunk, What: what + " stride", Offset: h.Offset, Actual: h.Tag.String(), ExpectedSize: stride, ActualSize: actual}
	}
	if size < tocHeaderSize || size-tocHeaderSize != uint64(count)*uint64(stride) {
		return 0, 0, malformed(what+" size "+strconv.FormatUint(size, 10)+" for "+strconv.FormatUint(uint64(count), 10)+" entries", h.Offset, "", "")
	}
	if end := uint64(h.Offset) + size; end > uint64(len(data)) {
		return 0, 0, truncated(what, h.Offset, int(end), len(data))
	}
	return int(size), int(count), nil
}

// --------------------------------------------------------------------

type tocEntry struct {
	Header  chunkHeader
	Pointer uint64
}

// toc is a generic table of contents (FTOC, IMAG, VOLM), 24-byte entries:
//
//	+--------------------------+------------------+
//	| entry header (16 bytes)  | pointer (8 bytes)|
//	+--------------------------+------------------+
type toc struct {
	Offset  int
	Size    int
	Entries []tocEntry
}

func readTOC(data []byte, h chunkHeader, want tag) (*toc, error) {
	size, count, err := tocLayout(data, h, want, tocStride, "table of contents")
	if err != nil {
		return nil, err
	}

	t := &toc{Offset: h.Offset, Size: size}
	for i := 0; i < count; i++ {
		off := h.Offset + tocHeaderSize + i*tocStride
		pointer := binary.LittleEndian.Uint64(data[off+16:])
		if pointer == 0 {
			break // rest is padding
		}

		eh, _ := readChunkHeader(data, off)
		switch eh.Tag {
		case tagIMAG, tagVOLM, tagNEXT, tagTHMB, tagNSET:
		default:
			return nil, malformed("table of contents entry", off, "IMAG|VOLM|NEXT|THMB|NSET", eh.Tag.String())
		}
		if err := eh.validate(data); err != nil {
			return nil, err
		}
		t.Entries = append(t.Entries, tocEntry{Header: eh, Pointer: pointer})
	}
	return t, nil
}

func (t *toc) end() int { return t.Offset + t.Size }

// --------------------------------------------------------------------

// textTOC lists TEXT chunks, 32-byte entries:
//
//	+--------------------------+-------------------+------------------+
//	| entry header (16 bytes)  | reserved (8 bytes)| pointer (8 bytes)|
//	+--------------------------+-------------------+------------------+
type textTOC struct {
	Offset  int
	Size    int
	Entries []tocEntry
}

func readTextTOC(data []byte, h chunkHeader) (*textTOC, error) {
	size, count, err := tocLayout(data, h, tagTTOC, textTOCStride, "text table of contents")
	if err != nil {
		return nil, err
	}

	t := &textTOC{Offset: h.Offset, Size: size}
	for i := 0; i < count; i++ {
		off := h.Offset + tocHeaderSize + i*textTOCStride
		pointer := binary.LittleEndian.Uint64(data[off+24:])
		if pointer == 0 {
			break
		}

		eh, _ := readChunkHeader(data, off)
		if err := eh.expect(data, tagTOFF, 0, "text table entry"); err != nil {
			return nil, err
		}
		t.Entries = append(t.Entries, tocEntry{Header: eh, Pointer: pointer})
	}
	return t, nil
}

func (t *textTOC) end() int { return t.Offset + t.Size }

// decode returns the text of the n-th entry. The TEXT chunk carries its
// own index and length after the header, the text follows at +24.
func (t *textTOC) decode(data []byte, n int) (string, error) {
	if n < 0 || n >= len(t.Entries) {
		return "", ErrIndexOutOfRange
	}

	off := t.Entries[n].Pointer
	if off > uint64(len(data)) {
		return "", truncated("text", t.Entries[n].Header.Offset, int(off), len(data))
	}
	h, err := readChunk(data, int(off), tagTEXT, 0, "text")
	if err != nil {
		return "", err
	}
	if h.Size < 24 {
		return "", &ChunkError{Kind: ErrMalformedChunk, What: "text", Offset: h.Offset, Actual: h.Tag.String(), ExpectedSize: 24, ActualSize: h.Size}
	}

	index := binary.LittleEndian.Uint32(data[h.Offset+16:])
	length := binary.LittleEndian.Uint32(data[h.Offset+20:])
	if int(index) != n {
		return "", malformed("text index "+strconv.Itoa(int(index))+" for entry "+strconv.Itoa(n), h.Offset, "", "")
	}
	if length >= h.Size-24 {
		return "", &ChunkError{Kind: ErrMalformedChunk, What: "text length", Offset: h.Offset, Actual: h.Tag.String(), ExpectedSize: h.Size - 24, ActualSize: length}
	}

	start := h.Offset + 24
	text := bytes.ReplaceAll(data[start:start+int(length)], []byte{'\r'}, []byte{'\n'})
	return decodeWindows1252(text), nil
}

// --------------------------------------------------------------------

// volumeTOC indexes the VSET records of a volume, 40-byte entries:
//
//	+-------------------------+-----------------+-----------+-----------+-------------+
//	| entry header (16 bytes) | force index (4) | line (4)  | point (8) | pointer (8) |
//	+-------------------------+-----------------+-----------+-----------+-------------+
//
// Entries are decoded into parallel columns so rows can be bisected.
type volumeTOC struct {
	Offset int
	Size   int

	ForceIndex []uint32
	Lines      []uint32
	Points     []uint64
	Pointers   []uint64

	// Interrupted is set when the scan stopped early and the trailing
	// entries are zero-filled.
	Interrupted bool
}

func readVolumeTOC(data []byte, h chunkHeader) (*volumeTOC, error) {
	size, count, err := tocLayout(data, h, tagVTOC, volumeTOCStride, "volume table of contents")
	if err != nil {
		return nil, err
	}

	t := &volumeTOC{
		Offset:     h.Offset,
		Size:       size,
		ForceIndex: make([]uint32, 0, count),
		Lines:      make([]uint32, 0, count),
		Points:     make([]uint64, 0, count),
		Pointers:   make([]uint64, 0, count),
	}
	for i := 0; i < count; i++ {
		off := h.Offset + tocHeaderSize + i*volumeTOCStride
		eh, _ := readChunkHeader(data, off)
		if eh.Checksum == 0 {
			t.Interrupted = true
			break
		}
		if err := eh.expect(data, tagVOFF, 0, "volume table entry"); err != nil {
			return nil, err
		}

		b := data[off+chunkHeaderSize:]
		t.ForceIndex = append(t.ForceIndex, binary.LittleEndian.Uint32(b[0:]))
		t.Lines = append(t.Lines, binary.LittleEndian.Uint32(b[4:]))
		t.Points = append(t.Points, binary.LittleEndian.Uint64(b[8:]))
		t.Pointers = append(t.Pointers, binary.LittleEndian.Uint64(b[16:]))
	}
	return t, nil
}

func (t *volumeTOC) end() int { return t.Offset + t.Size }

// Len returns the number of (non-padding) entries.
func (t *volumeTOC) Len() int { return len(t.Pointers) }

// searchLine returns the first entry, in on-disk order, that belongs to
// line r.
func (t *volumeTOC) searchLine(r int) (int, bool) {
	return searchLines(t.Lines, r)
}

// regular reports whether consecutive VSET pointers are evenly spaced.
func (t *volumeTOC) regular() bool {
	if len(t.Pointers) < 3 {
		return len(t.Pointers) > 0
	}
	step := int64(t.Pointers[1] - t.Pointers[0])
	for i := 2; i < len(t.Pointers); i++ {
		if int64(t.Pointers[i]-t.Pointers[i-1]) != step {
			return false
		}
	}
	return true
}

// searchLines bisects a line column sorted either ascending or descending,
// the direction is taken from the first and last element.
func searchLines(lines []uint32, r int) (int, bool) {
	n := len(lines)
	if n == 0 || r < 0 || uint64(r) > uint64(^uint32(0)) {
		return n, false
	}

	target := uint32(r)
	var i int
	if lines[0] > lines[n-1] {
		i = sort.Search(n, func(j int) bool { return lines[j] <= target })
	} else {
		i = sort.Search(n, func(j int) bool { return lines[j] >= target })
	}
	return i, i < n && lines[i] == target
}
