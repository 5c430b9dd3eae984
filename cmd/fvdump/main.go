// Command fvdump prints the geometry, images and curves of force volume
// files.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/bsm/fvfile"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

var flags struct {
	line, point int
	images      bool
	all         bool
}

func init() {
	flag.IntVar(&flags.line, "r", -1, "print the curve at this line")
	flag.IntVar(&flags.point, "c", 0, "point within the line given by -r")
	flag.BoolVar(&flags.images, "images", false, "print image statistics")
	flag.BoolVar(&flags.all, "all", false, "load all curves and print their shape")
}

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "No .env file found, using environment variables")
	}

	flag.Parse()
	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: fvdump [flags] FILE...")
		flag.PrintDefaults()
		os.Exit(2)
	}

	os.Exit(run(newLogger(os.Getenv("LOG_LEVEL")), flag.Args()))
}

// run dumps each path and returns the exit code.
func run(logger *slog.Logger, paths []string) int {
	opts, err := options(logger)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cache := fvfile.NewCache(opts)
	defer cache.Close()

	code := 0
	for _, path := range paths {
		if err := dump(ctx, cache, path); err != nil {
			logger.Error("failed", "path", path, "error", err)
			code = 1
		}
	}
	return code
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func options(logger *slog.Logger) (*fvfile.Options, error) {
	opts := &fvfile.Options{Logger: logger}

	strategy, err := fvfile.ParseStrategy(os.Getenv("FVFILE_STRATEGY"))
	if err != nil {
		return nil, err
	}
	opts.Strategy = strategy

	if s := os.Getenv("FVFILE_EVICT_AFTER"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, errors.Wrap(err, "FVFILE_EVICT_AFTER")
		}
		opts.EvictAfter = d
	}
	return opts, nil
}

func dump(ctx context.Context, cache *fvfile.Cache, path string) error {
	f, err := cache.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	lines, points := f.Shape()
	size := f.ScanSize()
	fmt.Printf("%s (%s)\n", f.Path(), f.Format())
	fmt.Printf("  grid:            %d x %d\n", lines, points)
	fmt.Printf("  scan size:       %.1f x %.1f nm\n", size[0], size[1])
	fmt.Printf("  samples:         %d (split %d)\n", f.NumPoints(), f.Split())
	fmt.Printf("  spring constant: %g N/m\n", f.SpringConstant())
	fmt.Printf("  defl sens:       %g nm/V\n", f.DeflSens())
	fmt.Printf("  t step:          %g s\n", f.TStep())
	fmt.Printf("  sync distance:   %d\n", f.SyncDist())
	fmt.Printf("  images:          %s\n", strings.Join(f.ImageNames(), ", "))

	if flags.images {
		for _, name := range f.ImageNames() {
			img, err := f.Image(name)
			if err != nil {
				return err
			}
			fmt.Printf("  %-24s %dx%d [%g, %g] %s\n", name, img.Rows, img.Cols, img.Min(), img.Max(), f.ImageUnits(name))
		}
	}

	if flags.line >= 0 {
		c, err := f.ForceCurve(flags.line, flags.point)
		if err != nil {
			return err
		}
		fmt.Printf("  curve (%d, %d):\n", flags.line, flags.point)
		fmt.Printf("    z approach: %v\n", c.Z.Approach)
		fmt.Printf("    z retract:  %v\n", c.Z.Retract)
		fmt.Printf("    d approach: %v\n", c.D.Approach)
		fmt.Printf("    d retract:  %v\n", c.D.Retract)
	}

	if flags.all {
		start := time.Now()
		stack, err := f.Reader().AllCurves(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("  all curves:      %d x %d x %d samples in %s\n", stack.Lines, stack.Points, stack.Samples, time.Since(start))
	}
	return nil
}
