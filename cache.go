package fvfile

import (
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// Format identifies a container format.
type Format string

// Supported formats.
const (
	FormatARDF      Format = "ardf"
	FormatNanoscope Format = "nanoscope"
)

// formatOf dispatches on the file suffix.
func formatOf(path string) (Format, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".ardf":
		return FormatARDF, nil
	case ".spm", ".pfc":
		return FormatNanoscope, nil
	default:
		return "", errors.Wrapf(ErrUnsupportedFormat, "%q", ext)
	}
}

// Source is an opened and parsed file. A Source is reference counted, the
// mapping is released once the last reference is dropped.
type Source struct {
	Path   string
	Format Format

	// Exactly one of these is set, depending on Format.
	ARDF      *ARDF
	Nanoscope *Nanoscope

	m    *mapping
	mu   sync.Mutex
	refs int
}

func openSource(path string, o *Options) (*Source, error) {
	format, err := formatOf(path)
	if err != nil {
		return nil, err
	}

	m, err := openMapping(path)
	if err != nil {
		return nil, err
	}

	src := &Source{Path: path, Format: format, m: m, refs: 1}
	switch format {
	case FormatARDF:
		src.ARDF, err = ParseARDF(m.Bytes(), o)
	case FormatNanoscope:
		src.Nanoscope, err = ParseNanoscope(m.Bytes(), o)
	}
	if err != nil {
		_ = m.Close()
		return nil, errors.Wrapf(err, "fvfile: open %s", path)
	}

	o.Logger.Debug("fvfile: opened source", slog.String("path", path), slog.String("format", string(format)))
	return src, nil
}

// retain adds a reference. It fails if the source was already released.
func (s *Source) retain() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs <= 0 {
		return false
	}
	s.refs++
	return true
}

// Release drops a reference. Releasing more often than acquired is a
// no-op.
func (s *Source) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs <= 0 {
		return nil
	}
	if s.refs--; s.refs == 0 {
		return s.m.Close()
	}
	return nil
}

// --------------------------------------------------------------------

type cacheEntry struct {
	src   *Source
	touch chan struct{}
}

// signal renews interest in the entry. Repeated signals before the
// watcher wakes up collapse into one.
func (e *cacheEntry) signal() {
	select {
	case e.touch <- struct{}{}:
	default:
	}
}

// Cache shares opened sources between files referring to the same path.
// Entries are evicted after Options.EvictAfter without a new Acquire.
type Cache struct {
	o *Options

	mu      sync.Mutex
	entries map[string]*cacheEntry
	closed  bool

	group singleflight.Group
	done  chan struct{}
	wg    sync.WaitGroup
}

// NewCache inits a new cache.
func NewCache(o *Options) *Cache {
	return &Cache{
		o:       o.norm(),
		entries: make(map[string]*cacheEntry),
		done:    make(chan struct{}),
	}
}

// Acquire returns the source for a path, opening and parsing it at most
// once while it stays cached. The caller must Release the source.
func (c *Cache) Acquire(path string) (*Source, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, errClosed
		}
		e, ok := c.entries[path]
		if ok && e.src.retain() {
			c.mu.Unlock()
			e.signal()
			c.o.Logger.Debug("fvfile: cache hit", slog.String("path", path))
			return e.src, nil
		}
		c.mu.Unlock()

		if _, err, _ := c.group.Do(path, func() (interface{}, error) {
			return nil, c.load(path)
		}); err != nil {
			return nil, err
		}
	}
}

func (c *Cache) load(path string) error {
	c.mu.Lock()
	_, ok := c.entries[path]
	c.mu.Unlock()
	if ok {
		return nil
	}

	src, err := openSource(path, c.o)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		_ = src.Release()
		return errClosed
	}

	e := &cacheEntry{src: src, touch: make(chan struct{}, 1)}
	c.entries[path] = e
	c.wg.Add(1)
	go c.watch(path, e)
	return nil
}

// watch evicts the entry once a full window passes without a signal.
func (c *Cache) watch(path string, e *cacheEntry) {
	defer c.wg.Done()

	for {
		select {
		case <-e.touch:
		case <-c.done:
			return
		case <-c.o.After(c.o.EvictAfter):
			c.evict(path, e)
			return
		}
	}
}

func (c *Cache) evict(path string, e *cacheEntry) {
	c.mu.Lock()
	cur, ok := c.entries[path]
	if ok && cur == e {
		delete(c.entries, path)
	}
	c.mu.Unlock()

	if ok && cur == e {
		_ = e.src.Release()
		c.o.Logger.Debug("fvfile: evicted source", slog.String("path", path))
	}
}

// Len returns the number of cached sources.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Open acquires a source and wraps it in a File. Closing the file
// releases the source.
func (c *Cache) Open(path string) (*File, error) {
	src, err := c.Acquire(path)
	if err != nil {
		return nil, err
	}

	f, err := newFile(src, c.o)
	if err != nil {
		_ = src.Release()
		return nil, err
	}
	return f, nil
}

// Reattach rebuilds a file from its saved state, sharing a cached source
// if one is available.
func (c *Cache) Reattach(state FileState) (*File, error) {
	f, err := c.Open(state.Path)
	if err != nil {
		return nil, err
	}
	f.restore(state)
	return f, nil
}

// Close stops all watchers and drops the cache references. Sources held
// by open files stay mapped until those files are closed.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClosed
	}
	c.closed = true
	entries := c.entries
	c.entries = make(map[string]*cacheEntry)
	c.mu.Unlock()

	close(c.done)
	c.wg.Wait()

	var err error
	for _, e := range entries {
		if e2 := e.src.Release(); e2 != nil && err == nil {
			err = e2
		}
	}
	return err
}
