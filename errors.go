package changedetect

import "fmt"

// ErrInvalidOption is returned when an Option is given an out of range value.
type ErrInvalidOption struct {
	msg string
}

func (err ErrInvalidOption) Error() string {
	return err.msg
}

// InputError reports a missing or malformed area file or raster.
type InputError struct {
	Path string
	Err  error
}

func (err *InputError) Error() string {
	return fmt.Sprintf("input %s: %v", err.Path, err.Err)
}

func (err *InputError) Unwrap() error {
	return err.Err
}

// ReprojectionError reports a gdal failure while warping Path to CRS.
type ReprojectionError struct {
	Path string
	CRS  string
	Err  error
}

func (err *ReprojectionError) Error() string {
	return fmt.Sprintf("warp %s to %s: %v", err.Path, err.CRS, err.Err)
}

func (err *ReprojectionError) Unwrap() error {
	return err.Err
}

// GeometryMismatchError is returned by the cropper when the area of interest
// does not intersect the raster extent.
type GeometryMismatchError struct {
	Path   string
	Bounds [4]float64
	Area   [4]float64
}

func (err *GeometryMismatchError) Error() string {
	return fmt.Sprintf("area %v does not intersect %s extent %v", err.Area, err.Path, err.Bounds)
}

// ShapeMismatchError is returned by Align under AlignStrict when the source
// grid is smaller than the reference grid.
type ShapeMismatchError struct {
	Dst, Src [2]int
}

func (err *ShapeMismatchError) Error() string {
	return fmt.Sprintf("cannot align %dx%d grid onto larger %dx%d grid",
		err.Src[0], err.Src[1], err.Dst[0], err.Dst[1])
}

// WriteError describes a failed output write. It is carried by WriteResult
// and is never returned by Evaluate.
type WriteError struct {
	Path string
	Err  error
}

func (err *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", err.Path, err.Err)
}

func (err *WriteError) Unwrap() error {
	return err.Err
}
