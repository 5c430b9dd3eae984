package fvfile

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"strings"
)

const chunkHeaderSize = 16

// tag is the four byte type marker of a chunk.
type tag [4]byte

func makeTag(s string) (t tag) {
	copy(t[:], s)
	return
}

func (t tag) String() string { return string(t[:]) }

var (
	tagARDF = makeTag("ARDF")
	tagFTOC = makeTag("FTOC")
	tagTTOC = makeTag("TTOC")
	tagTOFF = makeTag("TOFF")
	tagTEXT = makeTag("TEXT")
	tagIMAG = makeTag("IMAG")
	tagVOLM = makeTag("VOLM")
	tagNEXT = makeTag("NEXT")
	tagTHMB = makeTag("THMB")
	tagNSET = makeTag("NSET")
	tagIDEF = makeTag("IDEF")
	tagIBOX = makeTag("IBOX")
	tagGAMI = makeTag("GAMI")
	tagVDEF = makeTag("VDEF")
	tagVCHN = makeTag("VCHN")
	tagXDEF = makeTag("XDEF")
	tagVTOC = makeTag("VTOC")
	tagVOFF = makeTag("VOFF")
	tagMLOV = makeTag("MLOV")
	tagVSET = makeTag("VSET")
	tagVNAM = makeTag("VNAM")
	tagVDAT = makeTag("VDAT")
)

// chunkHeader is the fixed 16-byte prefix of every ARDF chunk:
//
//	+----------------+------------+-----------+-------------+
//	| crc32 (4 bytes)| size (4 b) | tag (4 b) | flags (4 b) |
//	+----------------+------------+-----------+-------------+
//
// The checksum covers [Offset+4, Offset+Size).
type chunkHeader struct {
	Offset   int
	Checksum uint32
	Size     uint32
	Tag      tag
	Flags    uint32
}

func readChunkHeader(data []byte, off int) (chunkHeader, error) {
	if off < 0 || off > len(data)-chunkHeaderSize {
		return chunkHeader{}, &ChunkError{Kind: ErrTruncatedFile, Offset: off, End: off + chunkHeaderSize, FileSize: len(data)}
	}

	b := data[off : off+chunkHeaderSize]
	h := chunkHeader{
		Offset:   off,
		Checksum: binary.LittleEndian.Uint32(b[0:]),
		Size:     binary.LittleEndian.Uint32(b[4:]),
		Flags:    binary.LittleEndian.Uint32(b[12:]),
	}
	copy(h.Tag[:], b[8:12])
	return h, nil
}

// end returns the offset just past the chunk.
func (h chunkHeader) end() int { return h.Offset + int(h.Size) }

// validate recomputes the CRC-32 of the chunk and compares it with the
// stored checksum.
func (h chunkHeader) validate(data []byte) error {
	if h.Size < chunkHeaderSize {
		return &ChunkError{Kind: ErrMalformedChunk, What: "chunk size", Offset: h.Offset, Actual: h.Tag.String(), ExpectedSize: chunkHeaderSize, ActualSize: h.Size}
	}
	if h.end() > len(data) {
		return &ChunkError{Kind: ErrTruncatedFile, Offset: h.Offset, Actual: h.Tag.String(), End: h.end(), FileSize: len(data)}
	}

	if sum := crc32.ChecksumIEEE(data[h.Offset+4 : h.end()]); sum != h.Checksum {
		return &ChunkError{Kind: ErrChecksumMismatch, Offset: h.Offset, Actual: h.Tag.String(), Checksum: h.Checksum, Computed: sum}
	}
	return nil
}

// expect checks the tag and, unless size is zero, the declared size before
// validating the checksum.
func (h chunkHeader) expect(data []byte, want tag, size uint32, what string) error {
	if h.Tag != want {
		return &ChunkError{Kind: ErrMalformedChunk, What: what, Offset: h.Offset, Expected: want.String(), Actual: h.Tag.String()}
	}
	if size != 0 && h.Size != size {
		return &ChunkError{Kind: ErrMalformedChunk, What: what, Offset: h.Offset, Actual: h.Tag.String(), ExpectedSize: size, ActualSize: h.Size}
	}
	return h.validate(data)
}

// readChunk is readChunkHeader followed by expect.
func readChunk(data []byte, off int, want tag, size uint32, what string) (chunkHeader, error) {
	h, err := readChunkHeader(data, off)
	if err != nil {
		return h, err
	}
	return h, h.expect(data, want, size, what)
}

// --------------------------------------------------------------------

// ChunkError describes a structural problem at a specific chunk. Kind is
// one of ErrMalformedChunk, ErrChecksumMismatch or ErrTruncatedFile.
type ChunkError struct {
	Kind   error
	What   string // the structure being decoded, if known
	Offset int

	Expected, Actual         string // tags
	ExpectedSize, ActualSize uint32
	Checksum, Computed       uint32
	End, FileSize            int
}

func (e *ChunkError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.What != "" {
		fmt.Fprintf(&b, " (%s)", e.What)
	}
	fmt.Fprintf(&b, " at offset %d", e.Offset)

	switch {
	case e.Expected != "":
		fmt.Fprintf(&b, ": expected tag %q, got %q", e.Expected, e.Actual)
	case e.ExpectedSize != 0 || e.ActualSize != 0:
		fmt.Fprintf(&b, ": %q expected size %d, got %d", e.Actual, e.ExpectedSize, e.ActualSize)
	case e.Kind == ErrChecksumMismatch:
		fmt.Fprintf(&b, ": %q stored %08X, computed %08X", e.Actual, e.Checksum, e.Computed)
	case e.Kind == ErrTruncatedFile:
		fmt.Fprintf(&b, ": needs %d bytes, file has %d", e.End, e.FileSize)
	}
	return b.String()
}

// Unwrap exposes the error kind.
func (e *ChunkError) Unwrap() error { return e.Kind }

func malformed(what string, off int, expected, actual string) error {
	return &ChunkError{Kind: ErrMalformedChunk, What: what, Offset: off, Expected: expected, Actual: actual}
}

func truncated(what string, off, end, size int) error {
	return &ChunkError{Kind: ErrTruncatedFile, What: what, Offset: off, End: end, FileSize: size}
}
