package fvfile

import (
	"bytes"
	"context"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// nanoscopeHeaderLimit bounds the search for the end of the header.
const nanoscopeHeaderLimit = 80960

const nanoscopeHeaderEnd = 0x1A

// Nanoscope is a parsed Bruker Nanoscope force volume (.spm, .pfc).
type Nanoscope struct {
	Header  *NanoscopeHeader
	Version string

	// Lines and Points define the pixel grid.
	Lines, Points int
	// Split is the number of approach samples, NumPoints the number of
	// samples per curve.
	Split, NumPoints int

	Rate           float64    // peak force frequency in Hz
	TStep          float64    // seconds per sample
	ScanSize       [2]float64 // fast, slow in nm
	SpringConstant float64
	DeflSens       float64
	SyncDist       int

	// QNM is true if height is inferred from a cosine drive and the
	// height image rather than stored per sample.
	QNM bool

	data   []byte
	worker nanoscopeWorker
}

type nanoscopeWorker interface {
	forceCurve(r, c int, deflSens float64, syncDist int) (Curve, error)
}

// ParseNanoscope parses the header of a Nanoscope file and prepares the
// matching curve worker.
func ParseNanoscope(data []byte, o *Options) (*Nanoscope, error) {
	o = o.norm()

	head := data
	if len(head) > nanoscopeHeaderLimit {
		head = head[:nanoscopeHeaderLimit]
	}
	end := bytes.IndexByte(head, nanoscopeHeaderEnd)
	if end < 0 {
		return nil, errors.Wrap(ErrMalformedHeader, "no header stop byte found")
	}

	hdr, err := ParseNanoscopeHeader(decodeWindows1252(data[:end]))
	if err != nil {
		return nil, err
	}

	n := &Nanoscope{Header: hdr, data: data}
	if err := n.init(); err != nil {
		return nil, err
	}

	if _, ok := hdr.ForceImage("Height Sensor"); ok {
		n.worker, err = newFFVWorker(n)
	} else {
		n.QNM = true
		if n.SyncDist, err = qnmSyncDistance(hdr); err == nil {
			n.worker, err = newQNMWorker(n)
		}
	}
	if err != nil {
		return nil, err
	}

	o.Logger.Debug("fvfile: parsed Nanoscope",
		slog.String("version", n.Version),
		slog.Int("lines", n.Lines),
		slog.Int("points", n.Points),
		slog.Int("samples", n.NumPoints),
		slog.Bool("qnm", n.QNM),
	)
	return n, nil
}

func (n *Nanoscope) init() error {
	h := n.Header

	version, err := h.value("Force file list", "Version")
	if err != nil {
		return err
	}
	n.Version = strings.TrimSpace(version)

	names := h.ImageNames()
	if len(names) == 0 {
		return errors.Wrap(ErrMalformedHeader, "no images")
	}
	img, _ := h.Image(names[0])
	if n.Lines, err = intField(img, "Number of lines", 0); err != nil {
		return err
	}
	if n.Points, err = intField(img, "Samps/line", 0); err != nil {
		return err
	}
	if n.Lines <= 0 || n.Points <= 0 {
		return errors.Wrapf(ErrMalformedHeader, "grid of %dx%d pixels", n.Lines, n.Points)
	}

	data, err := n.forceData()
	if err != nil {
		return err
	}
	if n.Split, err = intField(data, "Samps/line", 0); err != nil {
		return err
	}

	force, err := h.require("Ciao force list")
	if err != nil {
		return err
	}
	if n.NumPoints, err = intField(force, "force/line", 0); err != nil {
		return err
	}
	if n.NumPoints <= 0 || n.Split < 0 || n.Split > n.NumPoints {
		return errors.Wrapf(ErrMalformedHeader, "split %d for %d samples", n.Split, n.NumPoints)
	}

	scan, err := h.require("Ciao scan list")
	if err != nil {
		return err
	}

	freq, err := scan.require("PFT Freq")
	if err != nil {
		return err
	}
	f := strings.Fields(freq)
	if len(f) != 2 || !strings.EqualFold(f[1], "khz") {
		return errors.Wrapf(ErrMalformedHeader, "unexpected PFT Freq %q", freq)
	}
	rate, err := strconv.ParseFloat(f[0], 64)
	if err != nil {
		return errors.Wrapf(ErrMalformedHeader, "PFT Freq %q", freq)
	}
	n.Rate = rate * 1000
	n.TStep = 1 / n.Rate / float64(n.NumPoints)

	if n.ScanSize, err = scanSize(scan); err != nil {
		return err
	}
	if n.SpringConstant, err = floatField(data, "Spring Constant", 0); err != nil {
		return err
	}
	if n.DeflSens, err = floatField(scan, "@Sens. DeflSens", 1); err != nil {
		return err
	}
	return nil
}

// forceData returns the section of the deflection channel.
func (n *Nanoscope) forceData() (*Section, error) {
	v, err := n.Header.value("Ciao force list", "@4:Image Data")
	if err != nil {
		return nil, err
	}
	name, err := quoted(v)
	if err != nil {
		return nil, err
	}
	s, ok := n.Header.ForceImage(name)
	if !ok {
		return nil, errors.Wrapf(ErrMalformedHeader, "missing force image %q", name)
	}
	return s, nil
}

// bpp returns the sample width, newer versions always store 4 bytes.
func (n *Nanoscope) bpp(s *Section) (int, error) {
	if n.Version > "0x09200000" {
		return 4, nil
	}
	return intField(s, "Bytes/pixel", 0)
}

// ForceCurve returns the corrected curve at line r, point c.
func (n *Nanoscope) ForceCurve(r, c int, deflSens float64, syncDist int) (Curve, error) {
	if r < 0 || r >= n.Lines || c < 0 || c >= n.Points {
		return Curve{}, errors.Wrapf(ErrIndexOutOfRange, "pixel (%d, %d) outside %dx%d grid", r, c, n.Lines, n.Points)
	}
	return n.worker.forceCurve(r, c, deflSens, syncDist)
}

// Reader returns a CurveReader bound to the given calibration.
func (n *Nanoscope) Reader(deflSens float64, syncDist int) CurveReader {
	return &nanoscopeReader{n: n, deflSens: deflSens, syncDist: syncDist}
}

// Image returns a named image scaled to physical units.
func (n *Nanoscope) Image(name string) (*Image, error) {
	s, ok := n.Header.Image(name)
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "image %q", name)
	}

	bpp, err := n.bpp(s)
	if err != nil {
		return nil, err
	}
	full := math.Exp2(float64(bpp * 8))

	zscale, err := s.require("@2:Z scale")
	if err != nil {
		return nil, err
	}
	hard, err := floatField(s, "@2:Z scale", -2)
	if err != nil {
		return nil, err
	}
	hard /= full
	hardOffset, err := floatField(s, "@2:Z offset", -2)
	if err != nil {
		return nil, err
	}
	hardOffset /= full

	soft, err := n.softScale(bracketed(zscale))
	if err != nil {
		return nil, err
	}
	soft /= NanometerUnitConversion

	rows, err := intField(s, "Number of lines", 0)
	if err != nil {
		return nil, err
	}
	cols, err := intField(s, "Samps/line", 0)
	if err != nil {
		return nil, err
	}
	length, err := intField(s, "Data length", 0)
	if err != nil {
		return nil, err
	}
	if length != rows*cols*bpp {
		return nil, errors.Wrapf(ErrMalformedHeader, "image %q holds %d bytes, expected %d", name, length, rows*cols*bpp)
	}
	offset, err := intField(s, "Data offset", 0)
	if err != nil {
		return nil, err
	}

	kind, err := intKind(bpp)
	if err != nil {
		return nil, err
	}
	v, err := newStridedView(n.data, offset, kind, []int{rows, cols}, []int{cols * bpp, bpp})
	if err != nil {
		return nil, err
	}
	return copyView(v, float32(hard*soft), float32(hardOffset*soft))
}

// softScale looks up a sensitivity in the scan list, falling back to the
// scanner list.
func (n *Nanoscope) softScale(name string) (float64, error) {
	key := "@" + name
	for _, section := range []string{"Ciao scan list", "Scanner list"} {
		if s, ok := n.Header.Section(section); ok {
			if _, ok := s.Get(key); ok {
				return floatField(s, key, 1)
			}
		}
	}
	return 0, errors.Wrapf(ErrMalformedHeader, "missing soft scale %q", key)
}

// intGrid maps a force channel as [lines][points][samples].
func (n *Nanoscope) intGrid(s *Section) (*stridedView, error) {
	bpp, err := n.bpp(s)
	if err != nil {
		return nil, err
	}
	kind, err := intKind(bpp)
	if err != nil {
		return nil, err
	}
	length, err := intField(s, "Data length", 0)
	if err != nil {
		return nil, err
	}
	offset, err := intField(s, "Data offset", 0)
	if err != nil {
		return nil, err
	}

	npts := length / (n.Lines * n.Points * bpp)
	if npts < n.NumPoints {
		return nil, errors.Wrapf(ErrMalformedHeader, "force data holds %d samples per curve, expected %d", npts, n.NumPoints)
	}
	return newStridedView(n.data, offset, kind, []int{n.Lines, n.Points, npts}, []int{n.Points * npts * bpp, npts * bpp, bpp})
}

// --------------------------------------------------------------------

// ffvWorker reads force volumes which store a height sensor channel.
type ffvWorker struct {
	split    int
	d, z     *stridedView
	deflHard float64
	zScale   float32
}

func newFFVWorker(n *Nanoscope) (*ffvWorker, error) {
	ds, err := n.forceData()
	if err != nil {
		return nil, err
	}
	zs, _ := n.Header.ForceImage("Height Sensor")

	w := &ffvWorker{split: n.Split}
	if w.d, err = n.intGrid(ds); err != nil {
		return nil, err
	}
	if w.z, err = n.intGrid(zs); err != nil {
		return nil, err
	}
	if w.deflHard, err = parenScale(ds, "@4:Z scale"); err != nil {
		return nil, err
	}

	zHard, err := parenScale(zs, "@4:Z scale")
	if err != nil {
		return nil, err
	}
	scan, err := n.Header.require("Ciao scan list")
	if err != nil {
		return nil, err
	}
	zSoft, err := floatField(scan, "@Sens. ZsensSens", 1)
	if err != nil {
		return nil, err
	}
	w.zScale = float32(zSoft * zHard)
	return w, nil
}

func (w *ffvWorker) forceCurve(r, c int, deflSens float64, syncDist int) (Curve, error) {
	s := w.split

	d, err := w.d.appendScaled(nil, float32(deflSens*w.deflHard), 0, w.d.Len(), r, c)
	if err != nil {
		return Curve{}, err
	}
	reverse(d[:s])
	if syncDist != 0 {
		d = roll(d, -syncDist)
	}

	z, err := w.z.appendScaled(nil, w.zScale, 0, w.z.Len(), r, c)
	if err != nil {
		return Curve{}, err
	}
	reverse(z[:s])

	return Curve{
		Z: Segments{Approach: z[:s:s], Retract: z[s:]},
		D: Segments{Approach: d[:s:s], Retract: d[s:]},
	}, nil
}

// --------------------------------------------------------------------

// qnmWorker infers height from the drive amplitude and the height image.
type qnmWorker struct {
	split    int
	d        *stridedView
	deflHard float64
	height   *Image
	basis    []float32
}

func newQNMWorker(n *Nanoscope) (*qnmWorker, error) {
	ds, err := n.forceData()
	if err != nil {
		return nil, err
	}

	w := &qnmWorker{split: n.Split}
	if w.d, err = n.intGrid(ds); err != nil {
		return nil, err
	}
	if w.deflHard, err = parenScale(ds, "@4:Z scale"); err != nil {
		return nil, err
	}

	name := "Height Sensor"
	if _, ok := n.Header.Image(name); !ok {
		name = "Height"
	}
	if w.height, err = n.Image(name); err != nil {
		return nil, err
	}
	if w.height.Rows != n.Lines || w.height.Cols != n.Points {
		return nil, errors.Wrapf(ErrMalformedHeader, "image %q is %dx%d, grid is %dx%d", name, w.height.Rows, w.height.Cols, n.Lines, n.Points)
	}
	for i := range w.height.Data {
		w.height.Data[i] *= NanometerUnitConversion
	}

	scan, err := n.Header.require("Ciao scan list")
	if err != nil {
		return nil, err
	}
	amp, err := floatField(scan, "Peak Force Amplitude", 0)
	if err != nil {
		return nil, err
	}

	npts := w.d.Len()
	phase := float64(n.Split) / float64(npts) * 2 * math.Pi
	step := 2 * math.Pi / float64(npts)
	w.basis = make([]float32, npts)
	for i := range w.basis {
		x := float32(phase + float64(i)*step)
		w.basis[i] = float32(amp) * float32(math.Cos(float64(x)))
	}
	return w, nil
}

func (w *qnmWorker) forceCurve(r, c int, deflSens float64, syncDist int) (Curve, error) {
	s := w.split
	scale := float32(deflSens * w.deflHard)

	d, err := w.d.appendScaled(nil, scale, 0, w.d.Len(), r, c)
	if err != nil {
		return Curve{}, err
	}
	reverse(d[:s])
	// saturated first sample
	if len(d) > 1 && d[0] == -32768*scale {
		d[0] = d[1]
	}
	d = roll(d, s-syncDist)

	h := w.height.At(r, c)
	z := make([]float32, len(w.basis))
	for i, b := range w.basis {
		z[i] = b + h
	}

	return Curve{
		Z: Segments{Approach: z[:s:s], Retract: z[s:]},
		D: Segments{Approach: d[:s:s], Retract: d[s:]},
	}, nil
}

func qnmSyncDistance(h *NanoscopeHeader) (int, error) {
	scan, err := h.require("Ciao scan list")
	if err != nil {
		return 0, err
	}
	key := "Sync Distance QNM"
	if _, ok := scan.Get(key); !ok {
		key = "Sync Distance"
	}
	v, err := floatField(scan, key, 0)
	if err != nil {
		return 0, err
	}
	return int(math.RoundToEven(v)), nil
}

// --------------------------------------------------------------------

type nanoscopeReader struct {
	n        *Nanoscope
	deflSens float64
	syncDist int
}

func (r *nanoscopeReader) Curve(line, point int) (Curve, error) {
	return r.n.ForceCurve(line, point, r.deflSens, r.syncDist)
}

func (r *nanoscopeReader) Curves() CurveIterator {
	return newGridIterator(r.n.Lines, r.n.Points, r.Curve)
}

func (r *nanoscopeReader) AllCurves(ctx context.Context) (*CurveStack, error) {
	return stackCurves(ctx, r.n.Lines, r.n.Points, r.Curve)
}

// --------------------------------------------------------------------

func intKind(bpp int) (elemKind, error) {
	switch bpp {
	case 2:
		return elemInt16, nil
	case 4:
		return elemInt32, nil
	}
	return 0, errors.Wrapf(ErrUnsupportedFormat, "%d bytes per sample", bpp)
}

// field returns the i-th whitespace separated field, negative i counts
// from the end.
func field(s *Section, key string, i int) (string, error) {
	v, err := s.require(key)
	if err != nil {
		return "", err
	}
	f := strings.Fields(v)
	if i < 0 {
		i += len(f)
	}
	if i < 0 || i >= len(f) {
		return "", errors.Wrapf(ErrMalformedHeader, "%q has no field %d: %q", key, i, v)
	}
	return f[i], nil
}

func floatField(s *Section, key string, i int) (float64, error) {
	f, err := field(s, key, i)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(f, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrMalformedHeader, "%q: %v", key, err)
	}
	return v, nil
}

func intField(s *Section, key string, i int) (int, error) {
	f, err := field(s, key, i)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(f)
	if err != nil {
		return 0, errors.Wrapf(ErrMalformedHeader, "%q: %v", key, err)
	}
	return v, nil
}

// parenScale parses the hard scale in "V [Sens. X] (0.000375 V/LSB) 24.5 V".
func parenScale(s *Section, key string) (float64, error) {
	v, err := s.require(key)
	if err != nil {
		return 0, err
	}
	i, j := strings.Index(v, "("), strings.Index(v, ")")
	if i < 0 || j < i {
		return 0, errors.Wrapf(ErrMalformedHeader, "%q has no hard scale: %q", key, v)
	}
	f := strings.Fields(v[i+1 : j])
	if len(f) == 0 {
		return 0, errors.Wrapf(ErrMalformedHeader, "%q has no hard scale: %q", key, v)
	}
	x, err := strconv.ParseFloat(f[0], 64)
	if err != nil {
		return 0, errors.Wrapf(ErrMalformedHeader, "%q: %v", key, err)
	}
	return x, nil
}

// bracketed returns the text between the first "[" and "]".
func bracketed(v string) string {
	i, j := strings.Index(v, "["), strings.Index(v, "]")
	if i < 0 || j < i {
		return ""
	}
	return v[i+1 : j]
}

// scanSize returns fast and slow scan lengths in nm.
func scanSize(scan *Section) ([2]float64, error) {
	v, err := scan.require("Scan Size")
	if err != nil {
		return [2]float64{}, err
	}
	f := strings.Fields(v)
	if len(f) < 2 {
		return [2]float64{}, errors.Wrapf(ErrMalformedHeader, "scan size %q", v)
	}
	size, err := strconv.ParseFloat(f[0], 64)
	if err != nil {
		return [2]float64{}, errors.Wrapf(ErrMalformedHeader, "scan size %q", v)
	}

	var factor float64
	switch unit := f[len(f)-1]; unit {
	case "nm":
		factor = 1
	case "pm":
		factor = 0.001
	case "~m": // microns
		factor = 1000
	default:
		return [2]float64{}, errors.Wrapf(ErrMalformedHeader, "unknown scan size unit %q", unit)
	}

	fast, err := intField(scan, "Samps/line", 0)
	if err != nil {
		return [2]float64{}, err
	}
	slow, err := intField(scan, "Lines", 0)
	if err != nil {
		return [2]float64{}, err
	}
	px := fast
	if slow > px {
		px = slow
	}
	if px <= 0 {
		return [2]float64{}, errors.Wrap(ErrMalformedHeader, "scan has no pixels")
	}
	ratio := size * factor / float64(px)
	return [2]float64{float64(fast) * ratio, float64(slow) * ratio}, nil
}

func reverse(p []float32) {
	for i, j := 0, len(p)-1; i < j; i, j = i+1, j-1 {
		p[i], p[j] = p[j], p[i]
	}
}

// roll shifts p circularly by k, element i moves to (i+k) mod n.
func roll(p []float32, k int) []float32 {
	n := len(p)
	if n == 0 {
		return p
	}
	out := make([]float32, n)
	k %= n
	if k < 0 {
		k += n
	}
	copy(out[k:], p[:n-k])
	copy(out[:k], p[n-k:])
	return out
}
