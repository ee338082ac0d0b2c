package changedetect

import "fmt"

// AlignPolicy decides what Align does when the source grid is smaller than
// the reference grid along a dimension.
type AlignPolicy int

const (
	// AlignPad fills missing rows and columns with zeros, which the
	// difference engine treats as "no comparable signal".
	AlignPad AlignPolicy = iota
	// AlignStrict refuses to align and returns a *ShapeMismatchError.
	AlignStrict
)

func (p AlignPolicy) String() string {
	switch p {
	case AlignPad:
		return "pad"
	case AlignStrict:
		return "strict"
	}
	return fmt.Sprintf("AlignPolicy(%d)", int(p))
}

// ParseAlignPolicy is the inverse of AlignPolicy.String.
func ParseAlignPolicy(s string) (AlignPolicy, error) {
	switch s {
	case "pad", "":
		return AlignPad, nil
	case "strict":
		return AlignStrict, nil
	}
	return 0, fmt.Errorf("unknown alignment policy %q", s)
}

// Align conforms src to the shape of dst. src is returned as is when the
// shapes already match. Larger dimensions are truncated by index range,
// keeping the first rows and columns: nothing is ever resampled. Smaller
// dimensions are handled according to policy.
func Align(dst, src Grid, policy AlignPolicy) (Grid, error) {
	if dst.Shape() == src.Shape() {
		return src, nil
	}
	if (src.Rows < dst.Rows || src.Cols < dst.Cols) && policy == AlignStrict {
		return Grid{}, &ShapeMismatchError{Dst: dst.Shape(), Src: src.Shape()}
	}
	out := NewGrid(dst.Rows, dst.Cols)
	rows, cols := min(dst.Rows, src.Rows), min(dst.Cols, src.Cols)
	for r := 0; r < rows; r++ {
		copy(out.Data[r*out.Cols:r*out.Cols+cols], src.Data[r*src.Cols:r*src.Cols+cols])
	}
	return out, nil
}
