package changedetect

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type evalFixture struct {
	dir                            string
	previous, latest, area, output string
}

// newEvalFixture writes a previous scene of constant 2 and a latest scene of
// 20 except for a no-change left half, both 10x10 over 10..20E 10..20N.
func newEvalFixture(t *testing.T) evalFixture {
	t.Helper()
	dir := t.TempDir()
	return evalFixture{
		dir:      dir,
		previous: writeFixture(t, dir, "s1a-vv-20220705.tif", testGT, 10, 10, filled(100, func(i int) float32 { return 2 })),
		latest: writeFixture(t, dir, "s1a-vv-20221220.tif", testGT, 10, 10, filled(100, func(i int) float32 {
			if i%10 < 5 {
				return 2
			}
			return 20
		})),
		area: writeArea(t, dir, "area.json", featureCollection(
			polygon("aoi", 9.5, 9.5, 9.5, 20.5, 20.5, 20.5, 20.5, 9.5, 9.5, 9.5),
		)),
		output: filepath.Join(dir, "out", "result_vv.tif"),
	}
}

func (f evalFixture) evaluator(t *testing.T, options ...Option) *Evaluator {
	t.Helper()
	rp, err := NewReprojector(Cache(DirCache{Dir: filepath.Join(f.dir, "cache")}), WorkDir(f.dir))
	require.NoError(t, err)
	w, err := NewWriter(TempDir(f.dir))
	require.NoError(t, err)
	ev, err := New(append([]Option{WithReprojector(rp), WithWriter(w)}, options...)...)
	require.NoError(t, err)
	return ev
}

func (f evalFixture) request() Request {
	return Request{Previous: f.previous, Latest: f.latest, Area: f.area, Output: f.output}
}

func TestEvaluate(t *testing.T) {
	for _, jobs := range []int{1, 2} {
		f := newEvalFixture(t)
		require.NoError(t, os.MkdirAll(filepath.Dir(f.output), 0o755))
		ev := f.evaluator(t, Jobs(jobs))

		res, err := ev.Evaluate(context.Background(), f.request())
		require.NoError(t, err)
		require.True(t, res.Output.OK(), "%v", res.Output.Err)
		assert.Equal(t, 10, res.Rows)
		assert.Equal(t, 10, res.Cols)
		assert.Equal(t, 50, res.Stats.Changed)
		assert.Equal(t, 50, res.Stats.Saturated)

		out, _ := readBack(t, f.output)
		require.Equal(t, [2]int{10, 10}, out.Shape())
		for r := 0; r < 10; r++ {
			for c := 0; c < 10; c++ {
				want := float32(0)
				if c >= 5 {
					want = 1
				}
				assert.InDelta(t, want, out.At(r, c), 1e-6, "pixel %d,%d", r, c)
			}
		}
		assert.InDelta(t, 10, out.GeoTransform[0], 1e-9)
		assert.InDelta(t, 20, out.GeoTransform[3], 1e-9)
		assert.Contains(t, out.CRS, "WGS 84")

		warped, err := filepath.Glob(filepath.Join(f.dir, "cache", "*-warp.tif"))
		require.NoError(t, err)
		assert.Len(t, warped, 2)
	}
}

func TestEvaluateProjected(t *testing.T) {
	const earthRadius = 6378137.0
	f := newEvalFixture(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(f.output), 0o755))
	req := f.request()
	req.CRS = ParseCRS("3857")

	res, err := f.evaluator(t).Evaluate(context.Background(), req)
	require.NoError(t, err)
	require.True(t, res.Output.OK(), "%v", res.Output.Err)

	out, _ := readBack(t, f.output)
	assert.Contains(t, out.CRS, "Pseudo-Mercator")
	require.Equal(t, [2]int{res.Rows, res.Cols}, out.Shape())
	gt := out.GeoTransform
	assert.Greater(t, gt[0], 1e6, "x origin is in meters")

	toDeg := 180 / math.Pi
	tolLon := gt[1] / earthRadius * toDeg
	tolLat := -gt[5] / earthRadius * toDeg
	changed := 0
	for r := 0; r < out.Rows; r++ {
		for c := 0; c < out.Cols; c++ {
			lon := (gt[0] + (float64(c)+0.5)*gt[1]) / earthRadius * toDeg
			lat := math.Atan(math.Sinh((gt[3]+(float64(r)+0.5)*gt[5])/earthRadius)) * toDeg
			v := out.At(r, c)
			if v != 0 {
				changed++
				assert.InDelta(t, 1, v, 1e-6, "pixel %d,%d", r, c)
				assert.Greater(t, lon, 15-tolLon, "pixel %d,%d", r, c)
			}
			if lon > 15+tolLon && lon < 20-tolLon && lat > 10+tolLat && lat < 20-tolLat {
				assert.InDelta(t, 1, v, 1e-6, "pixel %d,%d at %.2f,%.2f", r, c, lon, lat)
			}
		}
	}
	assert.Positive(t, changed)
	assert.Equal(t, changed, res.Stats.Changed)
	assert.Equal(t, changed, res.Stats.Saturated)

	warped, err := filepath.Glob(filepath.Join(f.dir, "cache", "*-epsg3857-*-warp.tif"))
	require.NoError(t, err)
	assert.Len(t, warped, 2)
}

func TestEvaluateMalformedArea(t *testing.T) {
	f := newEvalFixture(t)
	f.area = writeArea(t, f.dir, "broken.json", `{"type":"FeatureCollection","features":[{"type":`)
	f.previous = filepath.Join(f.dir, "missing-previous.tif")
	f.latest = filepath.Join(f.dir, "missing-latest.tif")

	_, err := f.evaluator(t).Evaluate(context.Background(), f.request())
	var ie *InputError
	require.True(t, errors.As(err, &ie), "got %v", err)
	assert.Equal(t, f.area, ie.Path, "area must fail before any raster is touched")

	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), "warp", "no warp may happen")
	}
}

func TestEvaluateWriteFailureIsNotFatal(t *testing.T) {
	f := newEvalFixture(t)
	f.output = filepath.Join(f.dir, "does", "not", "exist", "out.tif")

	res, err := f.evaluator(t).Evaluate(context.Background(), f.request())
	require.NoError(t, err)
	assert.False(t, res.Output.OK())
	var we *WriteError
	assert.True(t, errors.As(res.Output.Err, &we))
	assert.NoFileExists(t, f.output)
	assert.Equal(t, 50, res.Stats.Changed)
}

func TestEvaluateStageErrors(t *testing.T) {
	f := newEvalFixture(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(f.output), 0o755))

	req := f.request()
	req.Previous = filepath.Join(f.dir, "missing.tif")
	_, err := f.evaluator(t).Evaluate(context.Background(), req)
	var ie *InputError
	assert.True(t, errors.As(err, &ie), "got %v", err)

	req = f.request()
	req.Area = writeArea(t, f.dir, "far.json", featureCollection(
		polygon("far", 50, 50, 50, 51, 51, 51, 51, 50, 50, 50),
	))
	_, err = f.evaluator(t).Evaluate(context.Background(), req)
	var gme *GeometryMismatchError
	assert.True(t, errors.As(err, &gme), "got %v", err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.evaluator(t).Evaluate(ctx, f.request())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEvaluateAlignment(t *testing.T) {
	f := newEvalFixture(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(f.output), 0o755))
	// previous only covers the 8 northern rows of the latest scene
	f.previous = writeFixture(t, f.dir, "short.tif", testGT, 8, 10, filled(80, func(i int) float32 { return 2 }))

	_, err := f.evaluator(t, Alignment(AlignStrict)).Evaluate(context.Background(), f.request())
	var sme *ShapeMismatchError
	require.True(t, errors.As(err, &sme), "got %v", err)

	res, err := f.evaluator(t).Evaluate(context.Background(), f.request())
	require.NoError(t, err)
	require.True(t, res.Output.OK(), "%v", res.Output.Err)
	assert.Equal(t, 40, res.Stats.Changed)
	out, _ := readBack(t, f.output)
	assert.Zero(t, out.At(9, 9), "padded rows carry no signal")
	assert.InDelta(t, 1, out.At(0, 9), 1e-6)
}

func TestEvaluatorOptions(t *testing.T) {
	_, err := New(Jobs(0))
	assert.Error(t, err)
	_, err = New(Alignment(AlignPolicy(7)))
	assert.Error(t, err)
	_, err = New(WithWriter(nil))
	assert.Error(t, err)
	_, err = New(WithReprojector(nil))
	assert.Error(t, err)

	ev, err := New(NoData(math.NaN()))
	require.NoError(t, err)
	require.NotNil(t, ev.nodata)
	assert.True(t, math.IsNaN(*ev.nodata))
	assert.Equal(t, AlignPad, ev.policy)
	assert.Equal(t, 1, ev.jobs)
}
