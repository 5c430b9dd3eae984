package fvfile

import (
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ARDF is a parsed Asylum Research data file. Only descriptors are held,
// curve and image data are read from the mapping on demand.
type ARDF struct {
	Notes   map[string]string
	Volumes []*Volume

	data   []byte
	images map[string]*ardfImage
	order  []string
}

// ParseARDF parses the table of contents graph of an ARDF file.
func ParseARDF(data []byte, o *Options) (*ARDF, error) {
	o = o.norm()

	if _, err := readChunk(data, 0, tagARDF, chunkHeaderSize, "file header"); err != nil {
		return nil, err
	}

	fh, err := readChunkHeader(data, chunkHeaderSize)
	if err != nil {
		return nil, err
	}
	ftoc, err := readTOC(data, fh, tagFTOC)
	if err != nil {
		return nil, err
	}

	th, err := readChunkHeader(data, ftoc.end())
	if err != nil {
		return nil, err
	}
	ttoc, err := readTextTOC(data, th)
	if err != nil {
		return nil, err
	}
	if n := len(ttoc.Entries); n != 1 {
		return nil, malformed("file text table with "+strconv.Itoa(n)+" entries", ttoc.Offset, "", "")
	}
	note, err := ttoc.decode(data, 0)
	if err != nil {
		return nil, err
	}

	f := &ARDF{
		Notes:  parseNotes(note),
		data:   data,
		images: make(map[string]*ardfImage),
	}
	for _, ent := range ftoc.Entries {
		if ent.Pointer > uint64(len(data)) {
			return nil, truncated("file table entry", ent.Header.Offset, int(ent.Pointer), len(data))
		}
		h, err := readChunkHeader(data, int(ent.Pointer))
		if err != nil {
			return nil, err
		}

		switch h.Tag {
		case tagIMAG:
			img, err := readARDFImage(data, h)
			if err != nil {
				return nil, err
			}
			if _, ok := f.images[img.Name]; !ok {
				f.order = append(f.order, img.Name)
			}
			f.images[img.Name] = img
		case tagVOLM:
			vol, err := readVolume(data, h, o)
			if err != nil {
				return nil, err
			}
			f.Volumes = append(f.Volumes, vol)
		default:
			return nil, malformed("file table entry", h.Offset, "IMAG|VOLM", h.Tag.String())
		}
	}

	o.Logger.Debug("fvfile: parsed ARDF",
		slog.Int("size", len(data)),
		slog.Int("images", len(f.images)),
		slog.Int("volumes", len(f.Volumes)),
	)
	return f, nil
}

// ImageNames returns the names of all images in file order.
func (f *ARDF) ImageNames() []string {
	return append([]string(nil), f.order...)
}

// ImageInfo returns the descriptor of a named image.
func (f *ARDF) ImageInfo(name string) (ImageInfo, error) {
	img, ok := f.images[name]
	if !ok {
		return ImageInfo{}, errors.Wrapf(ErrNotFound, "image %q", name)
	}
	return img.ImageInfo, nil
}

// Image copies a named image out of the file.
func (f *ARDF) Image(name string) (*Image, error) {
	img, ok := f.images[name]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "image %q", name)
	}
	return img.read(f.data)
}

// Note returns a note as float.
func (f *ARDF) Note(key string) (float64, error) {
	s, ok := f.Notes[key]
	if !ok {
		return 0, errors.Wrapf(ErrNotFound, "note %q", key)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, errors.Wrapf(err, "fvfile: note %q", key)
	}
	return v, nil
}

// NoteKeys returns all note keys, sorted.
func (f *ARDF) NoteKeys() []string {
	keys := make([]string, 0, len(f.Notes))
	for k := range f.Notes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// parseNotes converts the "key:value" lines of the file note. Lines
// without a colon and "@Line:" markers are skipped. Values keep their
// surrounding whitespace.
func parseNotes(note string) map[string]string {
	m := make(map[string]string)
	for _, line := range strings.Split(note, "\n") {
		if !strings.Contains(line, ":") || strings.Contains(line, "@Line:") {
			continue
		}
		kv := strings.SplitN(line, ":", 2)
		m[kv[0]] = kv[1]
	}
	return m
}
