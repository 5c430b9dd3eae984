package fvfile

import (
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// NanometerUnitConversion converts the metre-based lengths stored in
// containers to nanometres.
const NanometerUnitConversion = 1e9

// Error kinds, match with errors.Is.
var (
	ErrMalformedChunk     = errors.New("fvfile: malformed chunk")
	ErrChecksumMismatch   = errors.New("fvfile: checksum mismatch")
	ErrTruncatedFile      = errors.New("fvfile: truncated file")
	ErrUnknownChannel     = errors.New("fvfile: unknown channel")
	ErrIndexOutOfRange    = errors.New("fvfile: index out of range")
	ErrNotFound           = errors.New("fvfile: not found")
	ErrMalformedHeader    = errors.New("fvfile: malformed header")
	ErrUnsupportedFormat  = errors.New("fvfile: unsupported format")
	ErrIneligibleStrategy = errors.New("fvfile: strategy not applicable to volume")
)

var (
	errClosed   = errors.New("fvfile: is closed")
	errReleased = errors.New("fvfile: iterator was released")
)

// --------------------------------------------------------------------

// Strategy selects how ARDF volume curves are located.
type Strategy byte

func (s Strategy) isValid() bool {
	return s >= StrategyPointerChase && s < unknownStrategy
}

func (s Strategy) String() string {
	switch s {
	case StrategyPointerChase:
		return "pointer-chase"
	case StrategyDenseStride:
		return "dense-stride"
	}
	return "unknown"
}

// Supported strategies.
const (
	// StrategyPointerChase walks the VSET chains on demand. It works
	// for every volume, including interrupted scans.
	StrategyPointerChase Strategy = iota

	// StrategyDenseStride addresses curves by direct strided indexing.
	// It requires a complete volume with regularly spaced records and is
	// experimental, so it is never selected implicitly.
	StrategyDenseStride

	unknownStrategy
)

// ParseStrategy parses a strategy name as printed by Strategy.String.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "pointer-chase":
		return StrategyPointerChase, nil
	case "dense-stride":
		return StrategyDenseStride, nil
	}
	return unknownStrategy, errors.Errorf("fvfile: unknown strategy %q", name)
}

// --------------------------------------------------------------------

// Options define reader and cache specific options.
type Options struct {
	// Strategy selects the ARDF volume reader.
	// Default: StrategyPointerChase.
	Strategy Strategy

	// EvictAfter is the idle window after which a Cache drops a source
	// that nobody acquired again.
	// Default: 10s.
	EvictAfter time.Duration

	// ImageCacheSize is the number of file images each File keeps in
	// memory (compressed) after the first read.
	// Default: 32.
	ImageCacheSize int

	// Logger receives debug and warning records.
	// Default: slog.Default().
	Logger *slog.Logger

	// After creates the eviction countdowns of a Cache.
	// Default: time.After.
	After func(time.Duration) <-chan time.Time
}

func (o *Options) norm() *Options {
	var oo Options
	if o != nil {
		oo = *o
	}

	if !oo.Strategy.isValid() {
		oo.Strategy = StrategyPointerChase
	}
	if oo.EvictAfter <= 0 {
		oo.EvictAfter = 10 * time.Second
	}
	if oo.ImageCacheSize < 1 {
		oo.ImageCacheSize = 32
	}
	if oo.Logger == nil {
		oo.Logger = slog.Default()
	}
	if oo.After == nil {
		oo.After = time.After
	}

	return &oo
}
