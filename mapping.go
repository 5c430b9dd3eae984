package fvfile

import (
	"os"

	"github.com/pkg/errors"
)

// mapping is a read-only view of a whole file.
type mapping struct {
	data   []byte
	unmap  func([]byte) error
	closed bool
}

func openMapping(path string) (*mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() == 0 {
		return &mapping{}, nil
	}
	if int64(int(fi.Size())) != fi.Size() {
		return nil, errors.Errorf("fvfile: %s is too large to map", path)
	}
	return mapFile(f, int(fi.Size()))
}

// Bytes returns the mapped bytes.
func (m *mapping) Bytes() []byte { return m.data }

func (m *mapping) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true

	data := m.data
	m.data = nil
	if m.unmap == nil || data == nil {
		return nil
	}
	return m.unmap(data)
}
