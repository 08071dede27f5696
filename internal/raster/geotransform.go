package raster

import (
	"errors"
	"math"
)

// GeoTransform maps pixel/line to CRS coordinates, in GDAL order:
// x = g[0] + px*g[1] + py*g[2], y = g[3] + px*g[4] + py*g[5].
type GeoTransform [6]float64

// Apply converts a pixel position to CRS coordinates.
func (g GeoTransform) Apply(px, py float64) (x, y float64) {
	return g[0] + px*g[1] + py*g[2], g[3] + px*g[4] + py*g[5]
}

// Invert returns the CRS to pixel transform.
func (g GeoTransform) Invert() (GeoTransform, error) {
	det := g[1]*g[5] - g[2]*g[4]
	if det == 0 || math.IsNaN(det) {
		return GeoTransform{}, errors.New("geotransform is not invertible")
	}
	inv := 1 / det
	var r GeoTransform
	r[1] = g[5] * inv
	r[2] = -g[2] * inv
	r[4] = -g[4] * inv
	r[5] = g[1] * inv
	r[0] = -(r[1]*g[0] + r[2]*g[3])
	r[3] = -(r[4]*g[0] + r[5]*g[3])
	return r, nil
}

// NorthUp builds the transform of an unrotated raster whose top-left
// corner is (west, north).
func NorthUp(west, north, xres, yres float64) GeoTransform {
	return GeoTransform{west, xres, 0, north, 0, -yres}
}

// Projection converts between longitude/latitude and the raster CRS.
// Points that cannot be converted come back as NaN.
type Projection interface {
	// Forward converts lon/lat to the raster CRS in place.
	Forward(xs, ys []float64) error
	// Inverse converts raster CRS coordinates to lon/lat in place.
	Inverse(xs, ys []float64) error
}

// Geographic is the identity projection of EPSG:4326 rasters.
type Geographic struct{}

// Forward is a no-op.
func (Geographic) Forward(xs, ys []float64) error { return nil }

// Inverse is a no-op.
func (Geographic) Inverse(xs, ys []float64) error { return nil }
