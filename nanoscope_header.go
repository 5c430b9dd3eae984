package fvfile

import (
	"bufio"
	"strings"

	"github.com/pkg/errors"
)

// Section is one "\*Name" block of a Nanoscope header. Keys retain file
// order.
type Section struct {
	Name string

	keys   []string
	values map[string]string
}

func newSection(name string) *Section {
	return &Section{Name: name, values: make(map[string]string)}
}

// Get returns the trimmed value of a key.
func (s *Section) Get(key string) (string, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Keys returns all keys in file order.
func (s *Section) Keys() []string { return append([]string(nil), s.keys...) }

func (s *Section) set(key, value string) {
	if _, ok := s.values[key]; !ok {
		s.keys = append(s.keys, key)
	}
	s.values[key] = value
}

func (s *Section) require(key string) (string, error) {
	if v, ok := s.values[key]; ok {
		return v, nil
	}
	return "", errors.Wrapf(ErrMalformedHeader, "missing %q in %q", key, s.Name)
}

// --------------------------------------------------------------------

// namedSections keeps sections keyed by a name, in first-seen order.
type namedSections struct {
	names []string
	m     map[string]*Section
}

func (n *namedSections) add(name string, s *Section) {
	if n.m == nil {
		n.m = make(map[string]*Section)
	}
	if _, ok := n.m[name]; !ok {
		n.names = append(n.names, name)
	}
	n.m[name] = s
}

// NanoscopeHeader is the text header of a Bruker Nanoscope file.
type NanoscopeHeader struct {
	sections map[string][]*Section

	images namedSections // by "@2:Image Data"
	fv     namedSections // by "@4:Image Data"
}

// ParseNanoscopeHeader parses a decoded header. Sections are introduced
// by "\*Name" lines, entries by "\key: value". Group keys such as
// "@2:Image Data" keep their group prefix. Repeated sections are kept as
// a list. Parsing stops at "\*File list end".
func ParseNanoscopeHeader(text string) (*NanoscopeHeader, error) {
	h := &NanoscopeHeader{sections: make(map[string][]*Section)}

	var cur *Section
	var done bool

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 4096), len(text)+1)
	scanner.Split(scanLines)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, `\`) {
			return nil, errors.Wrapf(ErrMalformedHeader, "unexpected line %q", line)
		}
		line = strings.TrimSpace(line[1:])

		if strings.HasPrefix(line, "*") {
			name := line[1:]
			if name == "File list end" {
				done = true
				break
			}
			cur = newSection(name)
			h.sections[name] = append(h.sections[name], cur)
			continue
		}

		if cur == nil {
			return nil, errors.Wrapf(ErrMalformedHeader, "entry %q outside of a section", line)
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, errors.Wrapf(ErrMalformedHeader, "entry %q without a value", line)
		}
		if len(key) == 2 && key[0] == '@' && key[1] >= '0' && key[1] <= '9' {
			var key2 string
			if key2, value, ok = strings.Cut(value, ":"); !ok {
				return nil, errors.Wrapf(ErrMalformedHeader, "group entry %q without a value", line)
			}
			key = key + ":" + key2
		}
		cur.set(key, strings.TrimSpace(value))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "fvfile: read header")
	}

	if !done {
		return nil, errors.Wrap(ErrMalformedHeader, "header ended too soon")
	}
	if _, ok := h.sections[""]; ok || len(h.sections) == 0 {
		return nil, errors.Wrap(ErrMalformedHeader, "header is empty or not a Bruker data file")
	}

	if err := h.link("Ciao image list", "@2:Image Data", &h.images); err != nil {
		return nil, err
	}
	if err := h.link("Ciao force image list", "@4:Image Data", &h.fv); err != nil {
		return nil, err
	}
	return h, nil
}

// link indexes repeated sections by the quoted part of their data name.
func (h *NanoscopeHeader) link(section, key string, dst *namedSections) error {
	list, ok := h.sections[section]
	if !ok {
		return errors.Wrapf(ErrMalformedHeader, "missing section %q", section)
	}
	for _, s := range list {
		v, err := s.require(key)
		if err != nil {
			return err
		}
		name, err := quoted(v)
		if err != nil {
			return err
		}
		dst.add(name, s)
	}
	return nil
}

// Section returns the first section with the given name.
func (h *NanoscopeHeader) Section(name string) (*Section, bool) {
	if list := h.sections[name]; len(list) != 0 {
		return list[0], true
	}
	return nil, false
}

// Sections returns all sections with the given name.
func (h *NanoscopeHeader) Sections(name string) []*Section { return h.sections[name] }

// ImageNames returns the image names in header order.
func (h *NanoscopeHeader) ImageNames() []string { return append([]string(nil), h.images.names...) }

// Image returns the section describing the named image.
func (h *NanoscopeHeader) Image(name string) (*Section, bool) {
	s, ok := h.images.m[name]
	return s, ok
}

// ForceImageNames returns the force volume channel names in header order.
func (h *NanoscopeHeader) ForceImageNames() []string { return append([]string(nil), h.fv.names...) }

// ForceImage returns the section describing the named force volume
// channel.
func (h *NanoscopeHeader) ForceImage(name string) (*Section, bool) {
	s, ok := h.fv.m[name]
	return s, ok
}

func (h *NanoscopeHeader) require(name string) (*Section, error) {
	if s, ok := h.Section(name); ok {
		return s, nil
	}
	return nil, errors.Wrapf(ErrMalformedHeader, "missing section %q", name)
}

func (h *NanoscopeHeader) value(section, key string) (string, error) {
	s, err := h.require(section)
	if err != nil {
		return "", err
	}
	return s.require(key)
}

// --------------------------------------------------------------------

// scanLines splits on "\n", "\r\n" and lone "\r".
func scanLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i, c := range data {
		switch c {
		case '\n':
			return i + 1, data[:i], nil
		case '\r':
			if i+1 < len(data) {
				if data[i+1] == '\n' {
					return i + 2, data[:i], nil
				}
				return i + 1, data[:i], nil
			}
			if atEOF {
				return i + 1, data[:i], nil
			}
			return 0, nil, nil // need one more byte
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// quoted returns the first double-quoted part of s.
func quoted(s string) (string, error) {
	parts := strings.Split(s, `"`)
	if len(parts) < 2 {
		return "", errors.Wrapf(ErrMalformedHeader, "no quoted name in %q", s)
	}
	return parts[1], nil
}
