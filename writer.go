package changedetect

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/airbusgeo/changedetect/internal/cog"
	"github.com/airbusgeo/godal"
	"github.com/google/uuid"
	"go.airbusds-geo.com/log"
	"go.uber.org/zap"
)

// Uploader copies a local file to a remote destination such as gs://.
type Uploader interface {
	UploadFromFile(ctx context.Context, dst, src string) error
}

// Writer persists rasters as single band float32 GeoTIFFs.
type Writer struct {
	creationOptions map[string]string
	cog             bool
	uploader        Uploader
	tmpDir          string
}

type WriterOption func(w *Writer) error

// CreationOptions overrides the GTiff creation options, given as KEY=VALUE.
// An empty value removes a default option.
func CreationOptions(opts ...string) WriterOption {
	return func(w *Writer) error {
		for _, co := range opts {
			k, v, ok := strings.Cut(co, "=")
			if !ok || k == "" {
				return ErrInvalidOption{fmt.Sprintf("invalid creation option %q", co)}
			}
			if v == "" {
				delete(w.creationOptions, k)
			} else {
				w.creationOptions[k] = v
			}
		}
		return nil
	}
}

// COG makes the writer produce Cloud Optimized GeoTIFFs. The output must be
// tiled, so TILED=NO is refused at write time.
func COG(enabled bool) WriterOption {
	return func(w *Writer) error {
		w.cog = enabled
		return nil
	}
}

// Uploads sets the uploader used for remote (gs://) destinations.
func Uploads(u Uploader) WriterOption {
	return func(w *Writer) error {
		w.uploader = u
		return nil
	}
}

// TempDir sets where intermediate files are written. Defaults to the os temp
// dir.
func TempDir(dir string) WriterOption {
	return func(w *Writer) error {
		w.tmpDir = dir
		return nil
	}
}

func NewWriter(options ...WriterOption) (*Writer, error) {
	w := &Writer{
		creationOptions: map[string]string{
			"TILED":      "YES",
			"COMPRESS":   "LZW",
			"BLOCKXSIZE": "256",
			"BLOCKYSIZE": "256",
		},
		tmpDir: os.TempDir(),
	}
	for _, o := range options {
		if err := o(w); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// WriteResult is the outcome of a write. A failed write is reported through
// Err rather than as a returned error: callers decide whether a missing
// output is acceptable.
type WriteResult struct {
	Path string
	Err  error
}

func (r WriteResult) OK() bool {
	return r.Err == nil
}

// Write removes any existing file at path and writes r as band 1 of a new
// GeoTIFF, with an optional nodata value. Failures are logged and returned in
// the result as a *WriteError.
func (w *Writer) Write(ctx context.Context, path string, r Raster, nodata *float64) WriteResult {
	res := WriteResult{Path: path}
	if err := w.write(ctx, path, r, nodata); err != nil {
		res.Err = &WriteError{Path: path, Err: err}
		log.Logger(ctx).Error("unable to write data to geotiff",
			zap.String("path", path), zap.Error(err))
	}
	return res
}

func (w *Writer) write(ctx context.Context, path string, r Raster, nodata *float64) error {
	remote := isRemote(path)
	local := path
	if remote {
		local = w.tempName("out")
		defer os.Remove(local) //nolint:errcheck
	} else if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing: %w", err)
	}

	if err := r.valid(); err != nil {
		return err
	}
	if r.Rows == 0 || r.Cols == 0 {
		return fmt.Errorf("empty %dx%d raster", r.Rows, r.Cols)
	}
	if remote && w.uploader == nil {
		return fmt.Errorf("no uploader configured for remote destination")
	}

	if !w.cog {
		if err := w.createGeoTIFF(local, r, nodata); err != nil {
			os.Remove(local) //nolint:errcheck
			return err
		}
	} else {
		tmp := w.tempName("tiled")
		defer os.Remove(tmp) //nolint:errcheck
		if err := w.createGeoTIFF(tmp, r, nodata); err != nil {
			return err
		}
		if err := cogify(local, tmp); err != nil {
			os.Remove(local) //nolint:errcheck
			return err
		}
	}

	if remote {
		if err := w.uploader.UploadFromFile(ctx, path, local); err != nil {
			return fmt.Errorf("upload: %w", err)
		}
	}
	return nil
}

func (w *Writer) tempName(prefix string) string {
	return filepath.Join(w.tmpDir, fmt.Sprintf("%s-%s.tif", prefix, uuid.New().String()))
}

func (w *Writer) options() []string {
	opts := make([]string, 0, len(w.creationOptions))
	for k, v := range w.creationOptions {
		opts = append(opts, k+"="+v)
	}
	sort.Strings(opts)
	return opts
}

func (w *Writer) createGeoTIFF(name string, r Raster, nodata *float64) error {
	if w.cog && strings.EqualFold(w.creationOptions["TILED"], "NO") {
		return fmt.Errorf("cog output requires a tiled tiff")
	}
	opts := w.options()
	if _, ok := w.creationOptions["TILED"]; w.cog && !ok {
		opts = append(opts, "TILED=YES")
	}
	ds, err := godal.Create(godal.GTiff, name, 1, godal.Float32, r.Cols, r.Rows,
		godal.CreationOption(opts...))
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	if err = fillDataset(ds, r, nodata); err != nil {
		ds.Close()
		return fmt.Errorf("fill %s: %w", name, err)
	}
	if err = ds.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	return nil
}

func fillDataset(ds *godal.Dataset, r Raster, nodata *float64) error {
	if err := ds.SetGeoTransform(r.GeoTransform); err != nil {
		return fmt.Errorf("set geotransform: %w", err)
	}
	if r.CRS != "" {
		sr, err := godal.NewSpatialRef(r.CRS)
		if err != nil {
			return fmt.Errorf("parse crs %q: %w", r.CRS, err)
		}
		defer sr.Close()
		if err = ds.SetSpatialRef(sr); err != nil {
			return fmt.Errorf("set spatial ref: %w", err)
		}
	}
	band := ds.Bands()[0]
	if nodata != nil {
		if err := band.SetNoData(*nodata); err != nil {
			return fmt.Errorf("set nodata: %w", err)
		}
	}
	if err := band.Write(0, 0, r.Data, r.Cols, r.Rows); err != nil {
		return fmt.Errorf("write band: %w", err)
	}
	return nil
}

func cogify(dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()
	if err = cog.Validate(in); err != nil {
		return fmt.Errorf("cog %s: %w", src, err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if err = cog.Rewrite(out, in); err != nil {
		out.Close()
		return fmt.Errorf("cog %s: %w", dst, err)
	}
	if err = out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dst, err)
	}
	return nil
}
