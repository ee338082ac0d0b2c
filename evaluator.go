package changedetect

import (
	"context"
	"fmt"

	"github.com/tbonfort/gobs"
	"go.airbusds-geo.com/log"
	"go.uber.org/zap"
)

// Request names the inputs and output of a change detection run.
type Request struct {
	Previous string
	Latest   string
	Area     string
	Output   string
	// CRS defaults to DefaultCRS.
	CRS CRS
}

// Result of a run. A failed write does not make Evaluate return an error:
// check Output.OK().
type Result struct {
	Output WriteResult
	Stats  DifferenceStats
	Rows   int
	Cols   int
}

// Evaluator runs the change detection pipeline: load the area, warp both
// rasters, crop them to the area, align the previous grid onto the latest,
// compute the clipped log ratio and write it out.
type Evaluator struct {
	reprojector *Reprojector
	writer      *Writer
	policy      AlignPolicy
	jobs        int
	nodata      *float64
}

type Option func(e *Evaluator) error

func WithReprojector(rp *Reprojector) Option {
	return func(e *Evaluator) error {
		if rp == nil {
			return ErrInvalidOption{"reprojector must not be nil"}
		}
		e.reprojector = rp
		return nil
	}
}

func WithWriter(w *Writer) Option {
	return func(e *Evaluator) error {
		if w == nil {
			return ErrInvalidOption{"writer must not be nil"}
		}
		e.writer = w
		return nil
	}
}

// Alignment sets the policy applied when the previous grid is smaller than
// the latest one. Defaults to AlignPad.
func Alignment(p AlignPolicy) Option {
	return func(e *Evaluator) error {
		if p != AlignPad && p != AlignStrict {
			return ErrInvalidOption{fmt.Sprintf("unknown alignment policy %d", p)}
		}
		e.policy = p
		return nil
	}
}

// Jobs sets how many inputs may be warped and cropped concurrently. The
// default of 1 processes them one after the other.
func Jobs(n int) Option {
	return func(e *Evaluator) error {
		if n < 1 {
			return ErrInvalidOption{"jobs must be >=1"}
		}
		e.jobs = n
		return nil
	}
}

// NoData sets the nodata value of the output band. None is set by default.
func NoData(v float64) Option {
	return func(e *Evaluator) error {
		e.nodata = &v
		return nil
	}
}

func New(options ...Option) (*Evaluator, error) {
	e := &Evaluator{
		policy: AlignPad,
		jobs:   1,
	}
	for _, o := range options {
		if err := o(e); err != nil {
			return nil, err
		}
	}
	var err error
	if e.reprojector == nil {
		if e.reprojector, err = NewReprojector(); err != nil {
			return nil, err
		}
	}
	if e.writer == nil {
		if e.writer, err = NewWriter(); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Evaluate runs the pipeline for req. Every stage but the final write fails
// fast; the write outcome is reported in Result.Output.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) (Result, error) {
	l := log.Logger(ctx)
	crs := req.CRS
	if crs.IsZero() {
		crs = DefaultCRS
	}
	l.Info("parsing area of interest", zap.String("area", req.Area))
	area, err := LoadArea(req.Area)
	if err != nil {
		return Result{}, fmt.Errorf("load area: %w", err)
	}
	defer area.Close()
	env, err := area.Bounds()
	if err != nil {
		return Result{}, &InputError{Path: req.Area, Err: err}
	}
	l.Debug("area of interest loaded", zap.Int("features", len(area)),
		zap.Float64s("bounds", env[:]))

	rasters, err := e.prepare(ctx, []string{req.Previous, req.Latest}, area, crs)
	if err != nil {
		return Result{}, err
	}
	previous, latest := rasters[0], rasters[1]

	if err = ctx.Err(); err != nil {
		return Result{}, err
	}
	l.Info("conforming data arrays",
		zap.String("previous", fmt.Sprintf("%dx%d", previous.Rows, previous.Cols)),
		zap.String("latest", fmt.Sprintf("%dx%d", latest.Rows, latest.Cols)))
	aligned, err := Align(latest.Grid, previous.Grid, e.policy)
	if err != nil {
		return Result{}, fmt.Errorf("align %s onto %s: %w", req.Previous, req.Latest, err)
	}

	l.Info("determining differences")
	diff := Difference(latest.Grid, aligned)
	res := Result{Stats: Stats(diff), Rows: diff.Rows, Cols: diff.Cols}
	l.Sugar().Debugf("difference stats: %+v", res.Stats)

	def, err := crs.Definition()
	if err != nil {
		return Result{}, fmt.Errorf("output crs: %w", err)
	}
	if err = ctx.Err(); err != nil {
		return Result{}, err
	}
	l.Info("writing output", zap.String("output", req.Output))
	res.Output = e.writer.Write(ctx, req.Output, Raster{
		Grid:         diff,
		GeoTransform: latest.GeoTransform,
		CRS:          def,
	}, e.nodata)
	return res, nil
}

// prepare warps then crops every source, in order.
func (e *Evaluator) prepare(ctx context.Context, sources []string, area Area, crs CRS) ([]Raster, error) {
	l := log.Logger(ctx)
	out := make([]Raster, len(sources))
	if e.jobs <= 1 {
		warped := make([]string, len(sources))
		l.Info("warping geotiffs", zap.String("crs", crs.String()))
		for i, src := range sources {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			w, err := e.reprojector.Reproject(ctx, src, crs)
			if err != nil {
				return nil, fmt.Errorf("reproject: %w", err)
			}
			warped[i] = w
		}
		l.Info("cropping area from geotiffs")
		for i, w := range warped {
			r, err := Crop(w, area)
			if err != nil {
				return nil, fmt.Errorf("crop: %w", err)
			}
			out[i] = r
		}
		return out, nil
	}

	l.Info("warping and cropping geotiffs", zap.String("crs", crs.String()), zap.Int("jobs", e.jobs))
	pool := gobs.NewPool(e.jobs)
	batch := pool.Batch()
	for i, src := range sources {
		i, src := i, src
		batch.Submit(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			w, err := e.reprojector.Reproject(ctx, src, crs)
			if err != nil {
				return fmt.Errorf("reproject: %w", err)
			}
			r, err := Crop(w, area)
			if err != nil {
				return fmt.Errorf("crop: %w", err)
			}
			out[i] = r
			return nil
		})
	}
	if err := batch.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
