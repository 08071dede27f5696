package tile

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/paulmach/orb/maptile"
)

// Scheme is the addressing convention used to name tiles on output.
// Tiles are always XYZ (north origin) internally.
type Scheme string

// Supported schemes. wms keeps the bottom-origin rows of tms and nests
// the coordinates in three-digit directories, as mb-util lays it out.
const (
	XYZ Scheme = "xyz"
	TMS Scheme = "tms"
	ZYX Scheme = "zyx"
	WMS Scheme = "wms"
)

// Schemes lists every supported scheme.
var Schemes = []Scheme{XYZ, TMS, ZYX, WMS}

// ParseScheme accepts xyz, tms, zyx or wms.
func ParseScheme(s string) (Scheme, error) {
	switch sc := Scheme(strings.ToLower(s)); sc {
	case XYZ, TMS, ZYX, WMS:
		return sc, nil
	}
	return "", fmt.Errorf("unsupported tile scheme %q (xyz|tms|zyx|wms)", s)
}

// BottomOrigin reports whether row 0 is at the south edge.
func (s Scheme) BottomOrigin() bool {
	return s == TMS || s == WMS
}

// Row is the addressed row of t under s.
func (s Scheme) Row(t maptile.Tile) uint32 {
	if s.BottomOrigin() {
		return FlipY(t)
	}
	return t.Y
}

// Tile converts an addressed (zoom, column, row) back to the internal tile.
func (s Scheme) Tile(z maptile.Zoom, col, row uint32) maptile.Tile {
	t := maptile.New(col, row, z)
	if s.BottomOrigin() {
		t.Y = FlipY(t)
	}
	return t
}

// Path is the slash separated relative path of t, ext without the dot.
func (s Scheme) Path(t maptile.Tile, ext string) string {
	z, x, y := int(t.Z), int(t.X), int(s.Row(t))
	switch s {
	case ZYX:
		return filepath.Join(strconv.Itoa(z), strconv.Itoa(y), strconv.Itoa(x)+"."+ext)
	case WMS:
		return filepath.Join(
			fmt.Sprintf("%02d", z),
			fmt.Sprintf("%03d", x/1000000),
			fmt.Sprintf("%03d", (x/1000)%1000),
			fmt.Sprintf("%03d", x%1000),
			fmt.Sprintf("%03d", y/1000000),
			fmt.Sprintf("%03d", (y/1000)%1000),
			fmt.Sprintf("%03d.%s", y%1000, ext),
		)
	}
	return filepath.Join(strconv.Itoa(z), strconv.Itoa(x), strconv.Itoa(y)+"."+ext)
}

// Template is the URL path template for a TileJSON document. The nested
// wms layout has no {z}/{x}/{y} form and returns "".
func (s Scheme) Template() string {
	switch s {
	case WMS:
		return ""
	case ZYX:
		return "{z}/{y}/{x}"
	}
	return "{z}/{x}/{y}"
}

// TileJSON is the value of the TileJSON "scheme" field, which only knows xyz and tms.
func (s Scheme) TileJSON() string {
	if s.BottomOrigin() {
		return string(TMS)
	}
	return string(XYZ)
}
