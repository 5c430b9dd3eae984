package fvfile

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

var (
	ardfUnits = map[string]string{
		"Adhesion":         "N",
		"Height":           "m",
		"IndentationHertz": "m",
		"YoungsHertz":      "Pa",
		"YoungsJKR":        "Pa",
		"YoungsDMT":        "Pa",
		"ZSensor":          "m",
		"MapAdhesion":      "N",
		"MapHeight":        "m",
		"Force":            "N",
	}
	ardfHeightmaps = []string{"MapHeight", "ZSensorTrace", "ZSensorRetrace"}

	nanoscopeUnits      = map[string]string{"Height Sensor": "m", "Height": "m"}
	nanoscopeHeightmaps = []string{"Height Sensor", "Height"}
)

// FileState is the serialisable part of a File. Pass it to
// Cache.Reattach to restore the file.
type FileState struct {
	Path     string  `json:"path"`
	DeflSens float64 `json:"defl_sens"`
	SyncDist int     `json:"sync_dist"`
}

// File is a uniform view of a force volume file.
type File struct {
	src *Source
	o   *Options

	lines, points    int
	split, numPoints int
	scanSize         [2]float64
	springConstant   float64
	tStep            float64
	trace            bool
	heightmaps       []string

	mu           sync.Mutex
	deflSens     float64
	origDeflSens float64
	syncDist     int
	units        map[string]string
	added        map[string]*Image
	cache        *imageCache
	closed       bool
}

// Open opens a file without a cache. The format is chosen by suffix:
// .ardf, .spm or .pfc.
func Open(path string, o *Options) (*File, error) {
	o = o.norm()

	src, err := openSource(path, o)
	if err != nil {
		return nil, err
	}
	f, err := newFile(src, o)
	if err != nil {
		_ = src.Release()
		return nil, err
	}
	return f, nil
}

func newFile(src *Source, o *Options) (*File, error) {
	cache, err := newImageCache(o.ImageCacheSize)
	if err != nil {
		return nil, err
	}

	f := &File{
		src:   src,
		o:     o,
		units: make(map[string]string),
		added: make(map[string]*Image),
		cache: cache,
	}

	switch src.Format {
	case FormatARDF:
		err = f.initARDF(src.ARDF)
	case FormatNanoscope:
		f.initNanoscope(src.Nanoscope)
	}
	if err != nil {
		return nil, err
	}
	f.origDeflSens = f.deflSens
	return f, nil
}

func (f *File) initARDF(a *ARDF) error {
	if len(a.Volumes) == 0 {
		return errors.Wrapf(ErrNotFound, "fvfile: %s holds no force volume", f.src.Path)
	}
	vol := a.Volumes[0]

	k, err := a.Note("SpringConstant")
	if err != nil {
		return err
	}
	fast, err := a.Note("FastScanSize")
	if err != nil {
		return err
	}
	slow, err := a.Note("SlowScanSize")
	if err != nil {
		return err
	}
	invols, err := a.Note("InvOLS")
	if err != nil {
		return err
	}

	ds, err := readVDats(a.data, vol.first)
	if err != nil {
		return err
	}
	if len(ds) != 0 {
		f.split, f.numPoints = int(ds[0].Seg[1]), int(ds[0].Seg[2])
	}

	f.lines, f.points = vol.Lines, vol.Points
	f.springConstant = k
	f.scanSize = [2]float64{fast * NanometerUnitConversion, slow * NanometerUnitConversion}
	f.deflSens = invols * NanometerUnitConversion
	f.tStep = vol.TStep
	f.trace = vol.Trace
	f.heightmaps = ardfHeightmaps
	for k, v := range ardfUnits {
		f.units[k] = v
	}
	return nil
}

func (f *File) initNanoscope(n *Nanoscope) {
	f.lines, f.points = n.Lines, n.Points
	f.split, f.numPoints = n.Split, n.NumPoints
	f.springConstant = n.SpringConstant
	f.scanSize = n.ScanSize
	f.deflSens = n.DeflSens
	f.syncDist = n.SyncDist
	f.tStep = n.TStep
	f.heightmaps = nanoscopeHeightmaps
	for k, v := range nanoscopeUnits {
		f.units[k] = v
	}
}

// Path returns the file path.
func (f *File) Path() string { return f.src.Path }

// Format returns the container format.
func (f *File) Format() Format { return f.src.Format }

// Source returns the underlying source.
func (f *File) Source() *Source { return f.src }

// Shape returns the number of lines and points of the grid.
func (f *File) Shape() (int, int) { return f.lines, f.points }

// ScanSize returns fast and slow scan lengths in nm.
func (f *File) ScanSize() [2]float64 { return f.scanSize }

// SpringConstant returns the cantilever spring constant in N/m.
func (f *File) SpringConstant() float64 { return f.springConstant }

// TStep returns the sampling interval in seconds.
func (f *File) TStep() float64 { return f.tStep }

// Split returns the number of approach samples per curve.
func (f *File) Split() int { return f.split }

// NumPoints returns the number of samples per curve.
func (f *File) NumPoints() int { return f.numPoints }

// Trace reports whether ARDF rows were acquired in trace direction.
func (f *File) Trace() bool { return f.trace }

// DeflSens returns the deflection sensitivity in nm/V.
func (f *File) DeflSens() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deflSens
}

// SetDeflSens overrides the deflection sensitivity. Deflection values are
// rescaled accordingly.
func (f *File) SetDeflSens(v float64) {
	f.mu.Lock()
	f.deflSens = v
	f.mu.Unlock()
}

// SyncDist returns the sync distance in samples.
func (f *File) SyncDist() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncDist
}

// SetSyncDist overrides the sync distance. It only affects Nanoscope
// files.
func (f *File) SetSyncDist(n int) {
	f.mu.Lock()
	f.syncDist = n
	f.mu.Unlock()
}

// State returns the serialisable state.
func (f *File) State() FileState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return FileState{Path: f.src.Path, DeflSens: f.deflSens, SyncDist: f.syncDist}
}

func (f *File) restore(state FileState) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if state.DeflSens != 0 {
		f.deflSens = state.DeflSens
	}
	f.syncDist = state.SyncDist
}

// Reader returns a curve reader bound to the current calibration. The
// reader keeps the file mapped while a call is in progress and fails
// once the file is closed.
func (f *File) Reader() CurveReader {
	f.mu.Lock()
	deflSens, syncDist := f.deflSens, f.syncDist
	f.mu.Unlock()

	var r CurveReader
	if f.src.Format == FormatNanoscope {
		r = f.src.Nanoscope.Reader(deflSens, syncDist)
	} else {
		r = f.src.ARDF.Volumes[0].Reader
		if deflSens != f.origDeflSens && f.origDeflSens != 0 {
			r = &deflScaledReader{CurveReader: r, scale: float32(deflSens / f.origDeflSens)}
		}
	}
	return &pinnedReader{f: f, r: r}
}

// ForceCurve returns the curve at line r, point c.
func (f *File) ForceCurve(r, c int) (Curve, error) {
	return f.Reader().Curve(r, c)
}

// pin retains the source unless the file is closed. Callers must unpin.
func (f *File) pin() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed || !f.src.retain() {
		return errClosed
	}
	return nil
}

func (f *File) unpin() { _ = f.src.Release() }

// --------------------------------------------------------------------

// ImageNames returns file images in file order followed by added images.
func (f *File) ImageNames() []string {
	names := f.fileImageNames()

	f.mu.Lock()
	defer f.mu.Unlock()

	var extra []string
	for name := range f.added {
		if !contains(names, name) {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	return append(names, extra...)
}

func (f *File) fileImageNames() []string {
	switch f.src.Format {
	case FormatNanoscope:
		return f.src.Nanoscope.Header.ImageNames()
	default:
		return f.src.ARDF.ImageNames()
	}
}

// InitialImageName returns the first default height map present in the
// file, or an empty string.
func (f *File) InitialImageName() string {
	names := f.fileImageNames()
	for _, name := range f.heightmaps {
		if contains(names, name) {
			return name
		}
	}
	return ""
}

// ImageUnits returns the units of an image, "V" if unknown.
func (f *File) ImageUnits(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if u, ok := f.units[stripTrace(name)]; ok {
		return u
	}
	return "V"
}

// AddImage registers a derived image. Added images are never evicted.
func (f *File) AddImage(name, units string, img *Image) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.added[name] = img
	f.units[stripTrace(name)] = units
}

// Image returns a named image, added images take precedence.
func (f *File) Image(name string) (*Image, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, errClosed
	}
	if img, ok := f.added[name]; ok {
		f.mu.Unlock()
		return img, nil
	}
	f.mu.Unlock()

	if img, ok := f.cache.Get(name); ok {
		return img, nil
	}

	if err := f.pin(); err != nil {
		return nil, err
	}
	defer f.unpin()

	var img *Image
	var err error
	switch f.src.Format {
	case FormatNanoscope:
		img, err = f.src.Nanoscope.Image(name)
	default:
		img, err = f.src.ARDF.Image(name)
	}
	if err != nil {
		return nil, err
	}

	f.cache.Add(name, img)
	return img, nil
}

// Close releases the source. The file must not be used afterwards.
func (f *File) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return errClosed
	}
	f.closed = true
	f.mu.Unlock()

	f.o.Logger.Debug("fvfile: closed file", slog.String("path", f.src.Path))
	return f.src.Release()
}

// stripTrace removes a trailing trace or retrace marker.
func stripTrace(name string) string {
	for _, sfx := range []string{"Retrace", "retrace", "Trace", "trace"} {
		if strings.HasSuffix(name, sfx) {
			return strings.TrimSuffix(name, sfx)
		}
	}
	return name
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// --------------------------------------------------------------------

// pinnedReader holds a source reference for the duration of each call.
type pinnedReader struct {
	f *File
	r CurveReader
}

func (p *pinnedReader) Curve(line, point int) (Curve, error) {
	if err := p.f.pin(); err != nil {
		return Curve{}, err
	}
	defer p.f.unpin()

	return p.r.Curve(line, point)
}

func (p *pinnedReader) Curves() CurveIterator {
	return &pinnedIterator{p: p}
}

func (p *pinnedReader) AllCurves(ctx context.Context) (*CurveStack, error) {
	if err := p.f.pin(); err != nil {
		return nil, err
	}
	defer p.f.unpin()

	return p.r.AllCurves(ctx)
}

// pinnedIterator creates the wrapped iterator on first use.
type pinnedIterator struct {
	p  *pinnedReader
	it CurveIterator

	err error
}

func (i *pinnedIterator) Next() bool {
	if i.err != nil {
		return false
	}
	if i.err = i.p.f.pin(); i.err != nil {
		return false
	}
	defer i.p.f.unpin()

	if i.it == nil {
		i.it = i.p.r.Curves()
	}
	return i.it.Next()
}

func (i *pinnedIterator) Pos() (int, int) {
	if i.it == nil {
		return 0, 0
	}
	return i.it.Pos()
}

func (i *pinnedIterator) Curve() Curve {
	if i.it == nil {
		return Curve{}
	}
	return i.it.Curve()
}

func (i *pinnedIterator) Err() error {
	if i.err != nil || i.it == nil {
		return i.err
	}
	return i.it.Err()
}

func (i *pinnedIterator) Release() {
	if i.it != nil {
		i.it.Release()
	}
	i.err = errReleased
}

// --------------------------------------------------------------------

// deflScaledReader rescales deflection after the sensitivity changed.
type deflScaledReader struct {
	CurveReader
	scale float32
}

func (r *deflScaledReader) rescale(c Curve) Curve {
	for _, p := range [][]float32{c.D.Approach, c.D.Retract} {
		for i := range p {
			p[i] *= r.scale
		}
	}
	return c
}

func (r *deflScaledReader) Curve(line, point int) (Curve, error) {
	c, err := r.CurveReader.Curve(line, point)
	if err != nil {
		return c, err
	}
	return r.rescale(c), nil
}

func (r *deflScaledReader) Curves() CurveIterator {
	return &deflScaledIterator{CurveIterator: r.CurveReader.Curves(), r: r}
}

func (r *deflScaledReader) AllCurves(ctx context.Context) (*CurveStack, error) {
	s, err := r.CurveReader.AllCurves(ctx)
	if err != nil {
		return nil, err
	}
	for line := 0; line < s.Lines; line++ {
		for point := 0; point < s.Points; point++ {
			d := s.channel(line, point, 1)
			for i := range d {
				d[i] *= r.scale
			}
		}
	}
	return s, nil
}

type deflScaledIterator struct {
	CurveIterator
	r   *deflScaledReader
	cur Curve
}

func (i *deflScaledIterator) Next() bool {
	if !i.CurveIterator.Next() {
		return false
	}
	i.cur = i.r.rescale(i.CurveIterator.Curve())
	return true
}

func (i *deflScaledIterator) Curve() Curve { return i.cur }
