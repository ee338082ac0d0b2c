package changedetect

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/airbusgeo/godal"
	geo "github.com/nci/geometry"
)

// Area is the ordered set of polygons making up an area of interest, in
// EPSG:4326 coordinates. The order carries no meaning as the cropper masks
// on their union.
type Area []*godal.Geometry

// Close releases the underlying gdal geometries.
func (a Area) Close() {
	for _, g := range a {
		if g != nil {
			g.Close()
		}
	}
}

// Bounds returns the envelope of all the geometries of the area.
func (a Area) Bounds() ([4]float64, error) {
	var env [4]float64
	for i, g := range a {
		b, err := g.Bounds()
		if err != nil {
			return env, fmt.Errorf("geometry %d bounds: %w", i, err)
		}
		if i == 0 {
			env = b
			continue
		}
		env[0], env[1] = min(env[0], b[0]), min(env[1], b[1])
		env[2], env[3] = max(env[2], b[2]), max(env[3], b[3])
	}
	return env, nil
}

// union returns a new geometry covering every geometry of the area. The
// caller owns (and must Close) the returned geometry.
func (a Area) union() (*godal.Geometry, error) {
	if len(a) == 0 {
		return nil, fmt.Errorf("empty area")
	}
	u, err := a[0].Union(a[0])
	if err != nil {
		return nil, fmt.Errorf("copy geometry 0: %w", err)
	}
	for i := 1; i < len(a); i++ {
		nu, err := u.Union(a[i])
		u.Close()
		if err != nil {
			return nil, fmt.Errorf("union geometry %d: %w", i, err)
		}
		u = nu
	}
	return u, nil
}

// LoadArea reads a GeoJSON feature collection and returns one geometry per
// feature, in document order. Feature properties are ignored.
func LoadArea(path string) (Area, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &InputError{Path: path, Err: err}
	}
	return ParseArea(path, data)
}

// ParseArea is LoadArea on an in-memory document. name is only used in
// error messages.
func ParseArea(name string, data []byte) (Area, error) {
	var fc geo.FeatureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, &InputError{Path: name, Err: fmt.Errorf("unmarshal feature collection: %w", err)}
	}
	if len(fc.Features) == 0 {
		return nil, &InputError{Path: name, Err: fmt.Errorf("no features")}
	}
	area := make(Area, 0, len(fc.Features))
	for i, feature := range fc.Features {
		gj, err := json.Marshal(feature.Geometry)
		if err != nil {
			area.Close()
			return nil, &InputError{Path: name, Err: fmt.Errorf("feature %d: marshal geometry: %w", i, err)}
		}
		g, err := godal.NewGeometryFromGeoJSON(string(gj))
		if err != nil {
			area.Close()
			return nil, &InputError{Path: name, Err: fmt.Errorf("feature %d: %w", i, err)}
		}
		area = append(area, g)
	}
	return area, nil
}
