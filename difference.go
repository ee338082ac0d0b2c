package changedetect

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Difference computes the per pixel log10 ratio of latest over previous,
// clipped to [-1,1]. A zero in previous, or a pixel of latest with no
// counterpart in previous, yields 0 ("no comparable signal"), as do zero or
// undefined ratios. The result has the shape of latest.
func Difference(latest, previous Grid) Grid {
	out := NewGrid(latest.Rows, latest.Cols)
	for i := 0; i < latest.Rows; i++ {
		for j := 0; j < latest.Cols; j++ {
			if !previous.Contains(i, j) {
				continue
			}
			b := float64(previous.At(i, j))
			if b == 0 {
				continue
			}
			out.Data[i*out.Cols+j] = float32(logRatio(float64(latest.At(i, j)), b))
		}
	}
	return out
}

func logRatio(a, b float64) float64 {
	c := a / b
	if c == 0 || math.IsNaN(c) {
		return 0
	}
	v := math.Log10(c)
	if math.IsNaN(v) {
		// negative ratio
		return 0
	}
	return clip(v, -1, 1)
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// DifferenceStats summarizes a difference grid.
type DifferenceStats struct {
	Min, Max, Mean float64
	// Changed counts the pixels carrying a non zero log ratio.
	Changed int
	// Saturated counts the pixels at the -1 or 1 bound, whether clipped or
	// from an exact tenfold change.
	Saturated int
}

func Stats(g Grid) DifferenceStats {
	if len(g.Data) == 0 {
		return DifferenceStats{}
	}
	vals := make([]float64, len(g.Data))
	var st DifferenceStats
	for i, v := range g.Data {
		vals[i] = float64(v)
		if v != 0 {
			st.Changed++
		}
		if v == 1 || v == -1 {
			st.Saturated++
		}
	}
	st.Min = floats.Min(vals)
	st.Max = floats.Max(vals)
	st.Mean = floats.Sum(vals) / float64(len(vals))
	return st
}
