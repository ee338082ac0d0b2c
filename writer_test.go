package changedetect

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/airbusgeo/changedetect/internal/cog"
	"github.com/airbusgeo/godal"
	"github.com/google/tiff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRaster(t *testing.T) Raster {
	t.Helper()
	return Raster{
		Grid:         mustGrid(t, [][]float32{{-1, -0.5, 0}, {0.25, 0.5, 1}}),
		GeoTransform: testGT,
		CRS:          "EPSG:4326",
	}
}

func readBack(t *testing.T, fname string) (Raster, *float64) {
	t.Helper()
	ds, err := godal.Open(fname)
	require.NoError(t, err)
	defer ds.Close()
	str := ds.Structure()
	require.Equal(t, 1, str.NBands)
	require.Equal(t, godal.Float32, ds.Bands()[0].Structure().DataType)
	r := Raster{Grid: NewGrid(str.SizeY, str.SizeX), CRS: ds.Projection()}
	r.GeoTransform, err = ds.GeoTransform()
	require.NoError(t, err)
	require.NoError(t, ds.Bands()[0].Read(0, 0, r.Data, str.SizeX, str.SizeY))
	var nodata *float64
	if nd, ok := ds.Bands()[0].NoData(); ok {
		nodata = &nd
	}
	return r, nodata
}

func TestWrite(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	w, err := NewWriter(TempDir(dir))
	require.NoError(t, err)

	fname := filepath.Join(dir, "out.tif")
	require.NoError(t, os.WriteFile(fname, []byte("stale content"), 0o644))

	in := testRaster(t)
	res := w.Write(ctx, fname, in, nil)
	require.True(t, res.OK(), "%v", res.Err)
	assert.Equal(t, fname, res.Path)

	out, nodata := readBack(t, fname)
	assert.Nil(t, nodata)
	assert.Equal(t, in.Grid, out.Grid)
	assert.Equal(t, in.GeoTransform, out.GeoTransform)
	assert.Contains(t, out.CRS, "WGS 84")

	nd := -9999.0
	res = w.Write(ctx, fname, in, &nd)
	require.True(t, res.OK(), "%v", res.Err)
	_, nodata = readBack(t, fname)
	require.NotNil(t, nodata)
	assert.Equal(t, nd, *nodata)
}

func TestWriteFailureIsReported(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	w, err := NewWriter(TempDir(dir))
	require.NoError(t, err)

	cases := map[string]struct {
		path string
		r    Raster
	}{
		"missing directory":  {filepath.Join(dir, "no", "such", "dir", "out.tif"), testRaster(t)},
		"empty raster":       {filepath.Join(dir, "empty.tif"), Raster{CRS: "EPSG:4326"}},
		"inconsistent grid":  {filepath.Join(dir, "bad.tif"), Raster{Grid: Grid{Rows: 2, Cols: 2, Data: []float32{1}}}},
		"remote no uploader": {"gs://bucket/out.tif", testRaster(t)},
	}
	for name, c := range cases {
		var res WriteResult
		assert.NotPanics(t, func() { res = w.Write(ctx, c.path, c.r, nil) }, name)
		assert.False(t, res.OK(), name)
		var we *WriteError
		if assert.True(t, errors.As(res.Err, &we), name) {
			assert.Equal(t, c.path, we.Path, name)
		}
	}
}

type recordingUploader struct {
	dst     string
	content []byte
}

func (u *recordingUploader) UploadFromFile(_ context.Context, dst, src string) error {
	u.dst = dst
	var err error
	u.content, err = os.ReadFile(src)
	return err
}

func TestWriteRemote(t *testing.T) {
	dir := t.TempDir()
	up := &recordingUploader{}
	w, err := NewWriter(TempDir(dir), Uploads(up))
	require.NoError(t, err)

	res := w.Write(context.Background(), "gs://bucket/change.tif", testRaster(t), nil)
	require.True(t, res.OK(), "%v", res.Err)
	assert.Equal(t, "gs://bucket/change.tif", up.dst)
	assert.NotEmpty(t, up.content)

	left, err := filepath.Glob(filepath.Join(dir, "*.tif"))
	require.NoError(t, err)
	assert.Empty(t, left, "temporary files must be cleaned up")
}

func TestWriteCOG(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	w, err := NewWriter(TempDir(dir), COG(true), CreationOptions("COMPRESS=DEFLATE", "BLOCKXSIZE=16", "BLOCKYSIZE=16"))
	require.NoError(t, err)

	in := Raster{Grid: NewGrid(40, 50), GeoTransform: testGT, CRS: "EPSG:4326"}
	for i := range in.Data {
		in.Data[i] = float32(i%200)/100 - 1
	}
	fname := filepath.Join(dir, "cog.tif")
	res := w.Write(ctx, fname, in, nil)
	require.True(t, res.OK(), "%v", res.Err)

	f, err := os.Open(fname)
	require.NoError(t, err)
	defer f.Close()
	tif, err := tiff.Parse(f, nil, nil)
	require.NoError(t, err)
	assert.NoError(t, cog.Check(tif))

	out, _ := readBack(t, fname)
	assert.Equal(t, in.Grid, out.Grid)

	_, err = NewWriter(CreationOptions("NOEQUALSIGN"))
	assert.Error(t, err)

	w, err = NewWriter(TempDir(dir), COG(true), CreationOptions("TILED=NO"))
	require.NoError(t, err)
	res = w.Write(ctx, filepath.Join(dir, "stripped.tif"), in, nil)
	assert.False(t, res.OK())
}

func TestCogifyRejectsBeforeCreating(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "stripped.tif")
	ds, err := godal.Create(godal.GTiff, src, 1, godal.Float32, 32, 32, godal.CreationOption("TILED=NO"))
	require.NoError(t, err)
	require.NoError(t, ds.Close())

	dst := filepath.Join(dir, "cog.tif")
	assert.ErrorContains(t, cogify(dst, src), "tif has strips")
	assert.NoFileExists(t, dst)
}

func TestWriteRemovesStaleOutput(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	w, err := NewWriter(TempDir(dir))
	require.NoError(t, err)

	fname := filepath.Join(dir, "out.tif")
	require.True(t, w.Write(ctx, fname, testRaster(t), nil).OK())
	require.FileExists(t, fname)

	for name, r := range map[string]Raster{
		"empty":        {CRS: "EPSG:4326"},
		"inconsistent": {Grid: Grid{Rows: 2, Cols: 2, Data: []float32{1}}},
	} {
		require.NoError(t, os.WriteFile(fname, []byte("previous run"), 0o644))
		res := w.Write(ctx, fname, r, nil)
		assert.False(t, res.OK(), name)
		assert.NoFileExists(t, fname, name)
	}
}

func TestWriterOptions(t *testing.T) {
	w, err := NewWriter(CreationOptions("COMPRESS=", "PREDICTOR=3"))
	require.NoError(t, err)
	assert.Equal(t, []string{"BLOCKXSIZE=256", "BLOCKYSIZE=256", "PREDICTOR=3", "TILED=YES"}, w.options())
}
