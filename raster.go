package changedetect

import "fmt"

// Grid is a row-major 2D array of float32 samples.
type Grid struct {
	Rows, Cols int
	Data       []float32
}

// NewGrid allocates a zeroed rows x cols grid.
func NewGrid(rows, cols int) Grid {
	if rows < 0 || cols < 0 {
		panic(fmt.Sprintf("invalid grid shape %dx%d", rows, cols))
	}
	return Grid{Rows: rows, Cols: cols, Data: make([]float32, rows*cols)}
}

// GridFromRows builds a grid from a slice of equal length rows.
func GridFromRows(rows [][]float32) (Grid, error) {
	if len(rows) == 0 {
		return Grid{}, nil
	}
	g := NewGrid(len(rows), len(rows[0]))
	for r, row := range rows {
		if len(row) != g.Cols {
			return Grid{}, fmt.Errorf("row %d has %d columns, expecting %d", r, len(row), g.Cols)
		}
		copy(g.Data[r*g.Cols:], row)
	}
	return g, nil
}

func (g Grid) Shape() [2]int {
	return [2]int{g.Rows, g.Cols}
}

func (g Grid) At(r, c int) float32 {
	return g.Data[r*g.Cols+c]
}

// Contains reports whether (r,c) is a valid index of g.
func (g Grid) Contains(r, c int) bool {
	return r >= 0 && c >= 0 && r < g.Rows && c < g.Cols
}

func (g Grid) valid() error {
	if len(g.Data) != g.Rows*g.Cols {
		return fmt.Errorf("grid %dx%d holds %d samples", g.Rows, g.Cols, len(g.Data))
	}
	return nil
}

// Raster is a georeferenced Grid. GeoTransform follows the gdal ordering:
// originX, pixelWidth, rowRotation, originY, colRotation, pixelHeight.
type Raster struct {
	Grid
	GeoTransform [6]float64
	CRS          string
}
