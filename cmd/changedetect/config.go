package main

import (
	"fmt"
	"os"

	"github.com/airbusgeo/changedetect"
	"github.com/spf13/pflag"
	"sigs.k8s.io/yaml"
)

// runConfig holds the pipeline settings that can come either from flags or
// from a yaml file given with --config.
type runConfig struct {
	CRS             string   `json:"crs"`
	CacheDir        string   `json:"cacheDir"`
	WorkDir         string   `json:"workDir"`
	Jobs            int      `json:"jobs"`
	Align           string   `json:"align"`
	NoData          *float64 `json:"nodata,omitempty"`
	CreationOptions []string `json:"co"`
	COG             bool     `json:"cog"`
	WarpSwitches    string   `json:"warpSwitches"`
	GDALConfig      []string `json:"gdalConfig"`

	nodata float64
}

func (rc *runConfig) addFlags(flags *pflag.FlagSet) {
	flags.StringVar(&rc.CRS, "crs", changedetect.DefaultCRS.String(), "target crs (epsg code, EPSG:XXXX or wkt)")
	flags.StringVar(&rc.CacheDir, "cache-dir", "", "directory for warped intermediates (default: beside each input)")
	flags.StringVar(&rc.WorkDir, "work-dir", os.TempDir(), "scratch directory")
	flags.IntVar(&rc.Jobs, "jobs", 1, "number of inputs prepared concurrently")
	flags.StringVar(&rc.Align, "align", changedetect.AlignPad.String(), "how to align a smaller previous raster: pad or strict")
	flags.Float64Var(&rc.nodata, "nodata", 0, "output nodata value (unset by default)")
	flags.StringArrayVar(&rc.CreationOptions, "co", nil, "tif creation options, eg. \"COMPRESS=DEFLATE\"")
	flags.BoolVar(&rc.COG, "cog", false, "write a cloud optimized geotiff")
	flags.StringVar(&rc.WarpSwitches, "warp-switches", "", "extra gdalwarp switches, e.g. \"-wm 512 -multi\"")
	flags.StringArrayVar(&rc.GDALConfig, "gdal-config", nil, "gdal configuration options")
}

func loadRunConfig(name string) (runConfig, error) {
	var rc runConfig
	data, err := os.ReadFile(name)
	if err != nil {
		return rc, fmt.Errorf("read config: %w", err)
	}
	if err = yaml.UnmarshalStrict(data, &rc); err != nil {
		return rc, fmt.Errorf("parse config %s: %w", name, err)
	}
	return rc, nil
}

// merge copies the settings of file that were not explicitly given on the
// command line.
func (rc *runConfig) merge(file runConfig, changed func(string) bool) {
	if !changed("crs") && file.CRS != "" {
		rc.CRS = file.CRS
	}
	if !changed("cache-dir") && file.CacheDir != "" {
		rc.CacheDir = file.CacheDir
	}
	if !changed("work-dir") && file.WorkDir != "" {
		rc.WorkDir = file.WorkDir
	}
	if !changed("jobs") && file.Jobs != 0 {
		rc.Jobs = file.Jobs
	}
	if !changed("align") && file.Align != "" {
		rc.Align = file.Align
	}
	if changed("nodata") {
		nd := rc.nodata
		rc.NoData = &nd
	} else if file.NoData != nil {
		rc.NoData = file.NoData
	}
	if !changed("co") && len(file.CreationOptions) > 0 {
		rc.CreationOptions = file.CreationOptions
	}
	if !changed("cog") && file.COG {
		rc.COG = true
	}
	if !changed("warp-switches") && file.WarpSwitches != "" {
		rc.WarpSwitches = file.WarpSwitches
	}
	if !changed("gdal-config") && len(file.GDALConfig) > 0 {
		rc.GDALConfig = file.GDALConfig
	}
}

func (rc runConfig) options() ([]changedetect.ReprojectorOption, []changedetect.WriterOption, []changedetect.Option, error) {
	rpopts := []changedetect.ReprojectorOption{
		changedetect.Cache(changedetect.DirCache{Dir: rc.CacheDir}),
		changedetect.WorkDir(rc.WorkDir),
		changedetect.GDALConfig(rc.GDALConfig...),
	}
	if rc.WarpSwitches != "" {
		rpopts = append(rpopts, changedetect.WarpSwitches(rc.WarpSwitches))
	}
	wopts := []changedetect.WriterOption{
		changedetect.CreationOptions(rc.CreationOptions...),
		changedetect.COG(rc.COG),
		changedetect.TempDir(rc.WorkDir),
	}
	policy, err := changedetect.ParseAlignPolicy(rc.Align)
	if err != nil {
		return nil, nil, nil, err
	}
	eopts := []changedetect.Option{
		changedetect.Alignment(policy),
		changedetect.Jobs(rc.Jobs),
	}
	if rc.NoData != nil {
		eopts = append(eopts, changedetect.NoData(*rc.NoData))
	}
	return rpopts, wopts, eopts, nil
}
