package changedetect

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/airbusgeo/godal"
)

// DefaultCRS is the target of reprojection when none is requested.
var DefaultCRS = ParseCRS("EPSG:4326")

// CRS is a target coordinate reference system, either a bare EPSG code or any
// definition gdal accepts as user input (WKT, "EPSG:XXXX", proj strings).
type CRS struct {
	EPSG int
	Def  string
}

// ParseCRS returns an EPSG coded CRS if s is an integer, and a definition
// based CRS otherwise.
func ParseCRS(s string) CRS {
	s = strings.TrimSpace(s)
	if code, err := strconv.Atoi(s); err == nil {
		return CRS{EPSG: code}
	}
	return CRS{Def: s}
}

func (c CRS) IsZero() bool {
	return c.EPSG == 0 && c.Def == ""
}

func (c CRS) String() string {
	if c.EPSG != 0 {
		return fmt.Sprintf("%d", c.EPSG)
	}
	return c.Def
}

// Definition returns the string handed to gdal. EPSG codes are expanded to
// WKT.
func (c CRS) Definition() (string, error) {
	if c.EPSG == 0 {
		if c.Def == "" {
			return "", fmt.Errorf("empty crs")
		}
		return c.Def, nil
	}
	sr, err := godal.NewSpatialRefFromEPSG(c.EPSG)
	if err != nil {
		return "", fmt.Errorf("epsg %d: %w", c.EPSG, err)
	}
	defer sr.Close()
	wkt, err := sr.WKT()
	if err != nil {
		return "", fmt.Errorf("epsg %d to wkt: %w", c.EPSG, err)
	}
	return wkt, nil
}

// slug is a filename friendly rendering of the CRS, used in cache keys.
func (c CRS) slug() string {
	if c.EPSG != 0 {
		return fmt.Sprintf("epsg%d", c.EPSG)
	}
	up := strings.ToUpper(c.Def)
	if strings.HasPrefix(up, "EPSG:") {
		if code, err := strconv.Atoi(strings.TrimSpace(up[5:])); err == nil {
			return fmt.Sprintf("epsg%d", code)
		}
	}
	return "crs" + digestString(c.Def)[:8]
}
