// Package cog rewrites tiled GeoTIFFs produced by gdal into Cloud Optimized
// GeoTIFFs.
package cog

import (
	"fmt"
	"io"

	"github.com/airbusgeo/cogger"
	"github.com/google/tiff"
	_ "github.com/google/tiff/bigtiff"
)

const (
	tagStripOffsets    = 273
	tagStripByteCounts = 279
	tagTileOffsets     = 324
	tagTileByteCounts  = 325
)

// Validate parses src and runs Check on it. It lets callers reject an input
// before creating the destination of Rewrite.
func Validate(src tiff.ReadAtReadSeeker) error {
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek: %w", err)
	}
	tif, err := tiff.Parse(src, nil, nil)
	if err != nil {
		return fmt.Errorf("parse tiff: %w", err)
	}
	if err = Check(tif); err != nil {
		return fmt.Errorf("consistency check: %w", err)
	}
	return nil
}

// Rewrite writes the COG rendition of the tiled tiff src to out.
func Rewrite(out io.Writer, src tiff.ReadAtReadSeeker) error {
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek: %w", err)
	}
	if err := cogger.DefaultConfig().Rewrite(out, src); err != nil {
		return fmt.Errorf("cogger rewrite: %w", err)
	}
	return nil
}

// Check returns an error if tif cannot be rewritten as a COG, i.e. if it has
// an unknown byte order or any of its IFDs is stripped instead of tiled.
func Check(tif tiff.TIFF) error {
	order := tif.Order()
	if order != "MM" && order != "II" {
		return fmt.Errorf("unknown byte order")
	}
	ifds := tif.IFDs()
	if len(ifds) == 0 {
		return fmt.Errorf("no ifds")
	}
	for i, ifd := range ifds {
		if err := checkIFD(ifd); err != nil {
			return fmt.Errorf("ifd %d: %w", i, err)
		}
	}
	return nil
}

func checkIFD(ifd tiff.IFD) error {
	so := ifd.GetField(tagStripOffsets)
	sl := ifd.GetField(tagStripByteCounts)
	if so != nil || sl != nil {
		return fmt.Errorf("tif has strips")
	}
	to := ifd.GetField(tagTileOffsets)
	tl := ifd.GetField(tagTileByteCounts)
	if to == nil || tl == nil {
		return fmt.Errorf("no tiles")
	}
	if to.Count() != tl.Count() {
		return fmt.Errorf("inconsistent tile off/len count")
	}
	return nil
}
