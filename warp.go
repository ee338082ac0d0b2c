package changedetect

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/airbusgeo/godal"
	"github.com/alessio/shellescape"
	"github.com/google/uuid"
	shellwords "github.com/mattn/go-shellwords"
	"go.airbusds-geo.com/log"
	"go.uber.org/zap"
)

// Reprojector warps rasters to a target CRS with nearest neighbour
// resampling, reusing previously warped files through its WarpCache.
type Reprojector struct {
	cache         WarpCache
	workDir       string
	open          func(name string) (io.ReadCloser, error)
	switches      []string
	configOptions []string
}

type ReprojectorOption func(rp *Reprojector) error

// Cache sets the cache used to store and reuse warped files. Defaults to a
// DirCache writing beside the sources.
func Cache(c WarpCache) ReprojectorOption {
	return func(rp *Reprojector) error {
		if c == nil {
			return ErrInvalidOption{"cache must not be nil"}
		}
		rp.cache = c
		return nil
	}
}

// WorkDir sets the directory warps are written to before being handed to the
// cache.
func WorkDir(dir string) ReprojectorOption {
	return func(rp *Reprojector) error {
		rp.workDir = dir
		return nil
	}
}

// SourceOpener sets the function used to read source content when computing
// cache digests. Needed for sources that are not local files (e.g. gs://).
func SourceOpener(open func(name string) (io.ReadCloser, error)) ReprojectorOption {
	return func(rp *Reprojector) error {
		if open == nil {
			return ErrInvalidOption{"source opener must not be nil"}
		}
		rp.open = open
		return nil
	}
}

// WarpSwitches appends extra gdalwarp switches, given as a single shell-like
// string. Switches that would change the resampling, the target srs or the
// output format are refused.
func WarpSwitches(sw string) ReprojectorOption {
	return func(rp *Reprojector) error {
		switches, err := shellwords.Parse(sw)
		if err != nil {
			return ErrInvalidOption{fmt.Sprintf("invalid warp switches: %v", err)}
		}
		if err := checkWarpSwitches(switches); err != nil {
			return err
		}
		rp.switches = append(rp.switches, switches...)
		return nil
	}
}

// GDALConfig sets gdal configuration options (KEY=VALUE) for the warp.
func GDALConfig(opts ...string) ReprojectorOption {
	return func(rp *Reprojector) error {
		rp.configOptions = append(rp.configOptions, opts...)
		return nil
	}
}

func checkWarpSwitches(switches []string) error {
	for _, s := range switches {
		switch s {
		case "-r", "-t_srs", "-of", "-overwrite":
			return ErrInvalidOption{fmt.Sprintf("%s switch not allowed", s)}
		}
	}
	return nil
}

func openLocal(name string) (io.ReadCloser, error) {
	return os.Open(name)
}

func NewReprojector(options ...ReprojectorOption) (*Reprojector, error) {
	rp := &Reprojector{
		cache:   DirCache{},
		workDir: os.TempDir(),
		open:    openLocal,
	}
	for _, o := range options {
		if err := o(rp); err != nil {
			return nil, err
		}
	}
	return rp, nil
}

func (rp *Reprojector) key(src string, crs CRS) (CacheKey, error) {
	r, err := rp.open(src)
	if err != nil {
		return CacheKey{}, &InputError{Path: src, Err: err}
	}
	defer r.Close()
	digest, err := digestReader(r)
	if err != nil {
		return CacheKey{}, &InputError{Path: src, Err: fmt.Errorf("read: %w", err)}
	}
	return CacheKey{Source: src, Digest: digest, CRS: crs.slug()}, nil
}

// Reproject warps the raster at src to crs and returns the path of the
// warped GeoTIFF. A cached warp of identical content to the same crs is
// returned without any recomputation.
func (rp *Reprojector) Reproject(ctx context.Context, src string, crs CRS) (string, error) {
	key, err := rp.key(src, crs)
	if err != nil {
		return "", err
	}
	if p, ok, err := rp.lookup(ctx, key); err != nil || ok {
		return p, err
	}
	ds, err := godal.Open(src, godal.RasterOnly())
	if err != nil {
		return "", &InputError{Path: src, Err: err}
	}
	defer ds.Close()
	return rp.warp(ctx, ds, key, crs)
}

// ReprojectDataset is Reproject on an already opened dataset. source names
// the content ds was opened from and is used for the cache key.
func (rp *Reprojector) ReprojectDataset(ctx context.Context, ds *godal.Dataset, source string, crs CRS) (string, error) {
	key, err := rp.key(source, crs)
	if err != nil {
		return "", err
	}
	if p, ok, err := rp.lookup(ctx, key); err != nil || ok {
		return p, err
	}
	return rp.warp(ctx, ds, key, crs)
}

func (rp *Reprojector) lookup(ctx context.Context, key CacheKey) (string, bool, error) {
	p, ok, err := rp.cache.Lookup(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("cache lookup %s: %w", key.Source, err)
	}
	if ok {
		log.Logger(ctx).Debug("reusing warped raster",
			zap.String("source", key.Source), zap.String("warped", p))
	}
	return p, ok, nil
}

func (rp *Reprojector) warp(ctx context.Context, ds *godal.Dataset, key CacheKey, crs CRS) (string, error) {
	def, err := crs.Definition()
	if err != nil {
		return "", &ReprojectionError{Path: key.Source, CRS: crs.String(), Err: err}
	}
	switches := []string{"-t_srs", def, "-r", "near", "-of", "GTiff"}
	switches = append(switches, rp.switches...)

	if err := os.MkdirAll(rp.workDir, 0o755); err != nil {
		return "", &ReprojectionError{Path: key.Source, CRS: crs.String(), Err: err}
	}
	tmp := filepath.Join(rp.workDir, fmt.Sprintf("warp-%s.tif", uuid.New().String()))

	cmdline := append([]string{"gdalwarp"}, switches...)
	log.Logger(ctx).Debug("warping",
		zap.String("command", shellescape.QuoteCommand(append(cmdline, key.Source, tmp))))

	out, err := ds.Warp(tmp, switches, godal.ConfigOption(rp.configOptions...))
	if err != nil {
		os.Remove(tmp) //nolint:errcheck
		return "", &ReprojectionError{Path: key.Source, CRS: crs.String(), Err: err}
	}
	if err = out.Close(); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return "", &ReprojectionError{Path: key.Source, CRS: crs.String(), Err: fmt.Errorf("close %s: %w", tmp, err)}
	}
	p, err := rp.cache.Store(ctx, key, tmp)
	if err != nil {
		os.Remove(tmp) //nolint:errcheck
		return "", &ReprojectionError{Path: key.Source, CRS: crs.String(), Err: fmt.Errorf("cache store: %w", err)}
	}
	return p, nil
}
