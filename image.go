package fvfile

import (
	"encoding/binary"
	"math"
)

// Image is an owned 2-D raster in row-major order.
type Image struct {
	Rows, Cols int
	Data       []float32
}

// At returns the value at row r, column c.
func (m *Image) At(r, c int) float32 { return m.Data[r*m.Cols+c] }

// Row returns row r.
func (m *Image) Row(r int) []float32 { return m.Data[r*m.Cols : (r+1)*m.Cols] }

// Min returns the smallest value, NaNs are ignored.
func (m *Image) Min() float32 {
	min := float32(math.Inf(1))
	for _, v := range m.Data {
		if v < min {
			min = v
		}
	}
	return min
}

// Max returns the largest value, NaNs are ignored.
func (m *Image) Max() float32 {
	max := float32(math.Inf(-1))
	for _, v := range m.Data {
		if v > max {
			max = v
		}
	}
	return max
}

func copyView(v *stridedView, scale, offset float32) (*Image, error) {
	rows, cols := v.shape[0], v.shape[1]
	img := &Image{Rows: rows, Cols: cols, Data: make([]float32, 0, rows*cols)}

	var err error
	for r := 0; r < rows; r++ {
		if img.Data, err = v.appendScaled(img.Data, scale, 0, cols, r); err != nil {
			return nil, err
		}
	}
	if offset != 0 {
		for i := range img.Data {
			img.Data[i] += offset
		}
	}
	return img, nil
}

// --------------------------------------------------------------------

// ImageInfo describes an image stored in a container.
type ImageInfo struct {
	Name, Units    string
	Lines, Points  int
	XStep, YStep   float64
	XUnits, YUnits string
}

// ardfImage is an image root (IMAG) and its raster location:
//
//	+------+------+------+------+--------+--------+-----+--------+------+
//	| IMAG | TTOC | IDEF | IBOX | IDAT 1 | IDAT 2 | ... | IDAT n | GAMI |
//	+------+------+------+------+--------+--------+-----+--------+------+
type ardfImage struct {
	ImageInfo
	iboxOffset int
}

func readARDFImage(data []byte, h chunkHeader) (*ardfImage, error) {
	t, err := readTOC(data, h, tagIMAG)
	if err != nil {
		return nil, err
	}

	th, err := readChunkHeader(data, t.end())
	if err != nil {
		return nil, err
	}
	ttoc, err := readTextTOC(data, th)
	if err != nil {
		return nil, err
	}

	ih, err := readChunkHeader(data, ttoc.end())
	if err != nil {
		return nil, err
	}
	def, err := readImageDef(data, ih)
	if err != nil {
		return nil, err
	}

	return &ardfImage{
		ImageInfo: ImageInfo{
			Name:   def.Name,
			Units:  def.Units,
			Lines:  def.Lines,
			Points: def.Points,
			XStep:  def.XStep,
			YStep:  def.YStep,
			XUnits: def.XUnits,
			YUnits: def.YUnits,
		},
		iboxOffset: ih.end(),
	}, nil
}

// view builds a zero-copy overlay over the IDAT rows. The GAMI footer is
// validated but not interpreted.
func (m *ardfImage) view(data []byte) (*stridedView, error) {
	h, err := readChunk(data, m.iboxOffset, tagIBOX, 32, "image layout")
	if err != nil {
		return nil, err
	}

	b := data[h.Offset+chunkHeaderSize:]
	boxSize := binary.LittleEndian.Uint64(b[0:])
	lines := int(binary.LittleEndian.Uint32(b[8:]))
	stride := int(binary.LittleEndian.Uint32(b[12:]))
	if stride < chunkHeaderSize {
		return nil, malformed("image row stride", h.Offset, "", "")
	}

	footer := uint64(h.Offset) + boxSize
	if footer > uint64(len(data)) {
		return nil, truncated("image layout", h.Offset, int(footer), len(data))
	}
	if _, err := readChunk(data, int(footer), tagGAMI, 16, "image footer"); err != nil {
		return nil, err
	}

	points := (stride - chunkHeaderSize) / 4
	return newStridedView(data, h.end()+chunkHeaderSize, elemFloat32, []int{lines, points}, []int{stride, 4})
}

// read copies the raster out of the mapping.
func (m *ardfImage) read(data []byte) (*Image, error) {
	v, err := m.view(data)
	if err != nil {
		return nil, err
	}
	return copyView(v, 1, 0)
}
