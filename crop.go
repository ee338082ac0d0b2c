package changedetect

import (
	"fmt"
	"math"

	"github.com/airbusgeo/godal"
)

// Crop opens the raster at path and masks it to the union of the area's
// geometries. See CropDataset.
func Crop(path string, area Area) (Raster, error) {
	ds, err := godal.Open(path, godal.RasterOnly())
	if err != nil {
		return Raster{}, &InputError{Path: path, Err: err}
	}
	defer ds.Close()
	return CropDataset(ds, path, area)
}

// CropDataset returns the first band of ds, restricted to the pixel window
// covering the area and converted to float32. Pixels of the window falling
// outside the area are set to 0. A dataset without a spatial reference is
// considered to be in EPSG:4326, the area's own CRS.
func CropDataset(ds *godal.Dataset, name string, area Area) (Raster, error) {
	union, err := area.union()
	if err != nil {
		return Raster{}, &InputError{Path: name, Err: err}
	}
	defer union.Close()

	wkt := ds.Projection()
	if wkt == "" {
		if wkt, err = (CRS{EPSG: 4326}).Definition(); err != nil {
			return Raster{}, err
		}
	} else if err = toRasterSRS(union, wkt); err != nil {
		return Raster{}, &InputError{Path: name, Err: err}
	}

	gt, err := ds.GeoTransform()
	if err != nil {
		return Raster{}, &InputError{Path: name, Err: fmt.Errorf("geotransform: %w", err)}
	}
	if gt[2] != 0 || gt[4] != 0 {
		return Raster{}, &InputError{Path: name, Err: fmt.Errorf("rotated geotransform %v not supported", gt)}
	}
	str := ds.Structure()
	bands := ds.Bands()
	if len(bands) == 0 {
		return Raster{}, &InputError{Path: name, Err: fmt.Errorf("no raster bands")}
	}

	areaBounds, err := union.Bounds()
	if err != nil {
		return Raster{}, &InputError{Path: name, Err: fmt.Errorf("area bounds: %w", err)}
	}
	win, ok := pixelWindow(gt, str.SizeX, str.SizeY, areaBounds)
	if !ok {
		return Raster{}, &GeometryMismatchError{
			Path:   name,
			Bounds: extent(gt, str.SizeX, str.SizeY),
			Area:   areaBounds,
		}
	}

	out := Raster{
		Grid:         NewGrid(win.height, win.width),
		GeoTransform: gt,
		CRS:          wkt,
	}
	out.GeoTransform[0] = gt[0] + float64(win.x)*gt[1]
	out.GeoTransform[3] = gt[3] + float64(win.y)*gt[5]

	if err = bands[0].Read(win.x, win.y, out.Data, win.width, win.height); err != nil {
		return Raster{}, &InputError{Path: name, Err: fmt.Errorf("read window %v: %w", win, err)}
	}

	mask, err := rasterizeMask(union, out.GeoTransform, wkt, win.width, win.height)
	if err != nil {
		return Raster{}, fmt.Errorf("mask %s: %w", name, err)
	}
	for i, m := range mask {
		if m == 0 {
			out.Data[i] = 0
		}
	}
	return out, nil
}

// geojsonProj4 is the CRS of GeoJSON coordinates. It is given as proj4 so
// that x stays the longitude whatever the axis order gdal picks for EPSG:4326.
const geojsonProj4 = "+proj=longlat +datum=WGS84 +no_defs"

// toRasterSRS transforms g in place from GeoJSON coordinates to the CRS
// described by wkt.
func toRasterSRS(g *godal.Geometry, wkt string) error {
	lonlat, err := godal.NewSpatialRefFromProj4(geojsonProj4)
	if err != nil {
		return fmt.Errorf("lonlat srs: %w", err)
	}
	defer lonlat.Close()
	srs, err := godal.NewSpatialRefFromWKT(wkt)
	if err != nil {
		return fmt.Errorf("parse projection: %w", err)
	}
	defer srs.Close()
	if lonlat.IsSame(srs) {
		return nil
	}
	trn, err := godal.NewTransform(lonlat, srs)
	if err != nil {
		return fmt.Errorf("new transform: %w", err)
	}
	defer trn.Close()
	if err = g.Transform(trn); err != nil {
		return fmt.Errorf("transform area: %w", err)
	}
	return nil
}

type window struct {
	x, y, width, height int
}

// extent returns minx,miny,maxx,maxy of a north-up raster.
func extent(gt [6]float64, sizeX, sizeY int) [4]float64 {
	x0, x1 := gt[0], gt[0]+float64(sizeX)*gt[1]
	y0, y1 := gt[3], gt[3]+float64(sizeY)*gt[5]
	return [4]float64{math.Min(x0, x1), math.Min(y0, y1), math.Max(x0, x1), math.Max(y0, y1)}
}

// pixelWindow returns the smallest pixel window of the raster covering the
// intersection of its extent with bounds. ok is false when they do not
// intersect.
func pixelWindow(gt [6]float64, sizeX, sizeY int, bounds [4]float64) (window, bool) {
	ext := extent(gt, sizeX, sizeY)
	minx, miny := math.Max(ext[0], bounds[0]), math.Max(ext[1], bounds[1])
	maxx, maxy := math.Min(ext[2], bounds[2]), math.Min(ext[3], bounds[3])
	if minx >= maxx || miny >= maxy {
		return window{}, false
	}
	const eps = 1e-9
	c0, c1 := (minx-gt[0])/gt[1], (maxx-gt[0])/gt[1]
	r0, r1 := (maxy-gt[3])/gt[5], (miny-gt[3])/gt[5]
	if c0 > c1 {
		c0, c1 = c1, c0
	}
	if r0 > r1 {
		r0, r1 = r1, r0
	}
	x0, y0 := int(math.Floor(c0+eps)), int(math.Floor(r0+eps))
	x1, y1 := int(math.Ceil(c1-eps)), int(math.Ceil(r1-eps))
	x0, y0 = max(x0, 0), max(y0, 0)
	x1, y1 = min(x1, sizeX), min(y1, sizeY)
	if x1 <= x0 {
		x1 = x0 + 1
	}
	if y1 <= y0 {
		y1 = y0 + 1
	}
	return window{x: x0, y: y0, width: x1 - x0, height: y1 - y0}, true
}

// rasterizeMask burns g into a width x height in-memory byte raster with the
// given geotransform. Pixels whose center is covered by g are 1.
func rasterizeMask(g *godal.Geometry, gt [6]float64, wkt string, width, height int) ([]byte, error) {
	mem, err := godal.Create(godal.Memory, "", 1, godal.Byte, width, height)
	if err != nil {
		return nil, fmt.Errorf("create mem mask: %w", err)
	}
	defer mem.Close()
	if err = mem.SetGeoTransform(gt); err != nil {
		return nil, fmt.Errorf("set mask geotransform: %w", err)
	}
	if err = mem.SetProjection(wkt); err != nil {
		return nil, fmt.Errorf("set mask projection: %w", err)
	}
	if err = mem.RasterizeGeometry(g, godal.Values(1)); err != nil {
		return nil, fmt.Errorf("rasterize: %w", err)
	}
	mask := make([]byte, width*height)
	if err = mem.Bands()[0].Read(0, 0, mask, width, height); err != nil {
		return nil, fmt.Errorf("read mask: %w", err)
	}
	return mask, nil
}
