package fvfile

import (
	"encoding/binary"
	"math"
	"sync"

	"github.com/golang/snappy"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

var errBadImagePayload = errors.New("fvfile: bad image payload")

// imageCache keeps recently read file images, snappy compressed:
//
//	+---------------+---------------+-------------------------------+
//	| rows (4 bytes)| cols (4 bytes)| rows*cols float32 (LE)        |
//	+---------------+---------------+-------------------------------+
type imageCache struct {
	lru *lru.Cache[string, []byte]
}

func newImageCache(size int) (*imageCache, error) {
	c, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, err
	}
	return &imageCache{lru: c}, nil
}

// Get returns a fresh copy of a cached image.
func (c *imageCache) Get(name string) (*Image, bool) {
	b, ok := c.lru.Get(name)
	if !ok {
		return nil, false
	}
	img, err := decodeImage(b)
	if err != nil {
		c.lru.Remove(name)
		return nil, false
	}
	return img, true
}

func (c *imageCache) Add(name string, img *Image) {
	c.lru.Add(name, encodeImage(img))
}

func (c *imageCache) Len() int { return c.lru.Len() }

func encodeImage(img *Image) []byte {
	plain := fetchBuffer(8 + 4*len(img.Data))
	defer releaseBuffer(plain)

	binary.LittleEndian.PutUint32(plain[0:], uint32(img.Rows))
	binary.LittleEndian.PutUint32(plain[4:], uint32(img.Cols))
	for i, v := range img.Data {
		binary.LittleEndian.PutUint32(plain[8+4*i:], math.Float32bits(v))
	}
	return snappy.Encode(nil, plain)
}

func decodeImage(b []byte) (*Image, error) {
	sz, err := snappy.DecodedLen(b)
	if err != nil {
		return nil, err
	}

	plain := fetchBuffer(sz)
	defer releaseBuffer(plain)

	if plain, err = snappy.Decode(plain, b); err != nil {
		return nil, err
	}
	if len(plain) < 8 {
		return nil, errBadImagePayload
	}

	rows := int(binary.LittleEndian.Uint32(plain[0:]))
	cols := int(binary.LittleEndian.Uint32(plain[4:]))
	if len(plain) != 8+4*rows*cols {
		return nil, errBadImagePayload
	}
	return &Image{
		Rows: rows,
		Cols: cols,
		Data: float32Slice(plain, 8, rows*cols, 1),
	}, nil
}

// --------------------------------------------------------------------

var bufPool sync.Pool

func fetchBuffer(sz int) []byte {
	if v := bufPool.Get(); v != nil {
		if p := v.([]byte); sz <= cap(p) {
			return p[:sz]
		}
	}
	return make([]byte, sz)
}

func releaseBuffer(p []byte) {
	if cap(p) != 0 {
		bufPool.Put(p)
	}
}
