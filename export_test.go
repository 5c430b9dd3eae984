package fvfile

var (
	SearchLines = searchLines
	Roll        = roll
	ParseNotes  = parseNotes
	StripTrace  = stripTrace
	ScanSize    = scanSize
	ErrClosed   = errClosed
)

// ImageCacheLen returns the number of images held by the file LRU.
func (f *File) ImageCacheLen() int { return f.cache.Len() }

// NewSection builds a header section from key/value pairs.
func NewSection(name string, kv ...string) *Section {
	s := newSection(name)
	for i := 0; i+1 < len(kv); i += 2 {
		s.set(kv[i], kv[i+1])
	}
	return s
}
