// Package raster reads single-band elevation rasters. Concrete formats
// register an Opener keyed by file suffix, the way database/sql drivers do.
package raster

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/paulmach/orb"
)

// EPSG4326 is the CRS name of plain longitude/latitude rasters.
const EPSG4326 = "EPSG:4326"

// ErrNoData is returned by Describe when no pixel holds a valid elevation.
var ErrNoData = errors.New("raster has no valid elevation")

// Window is a pixel rectangle of the source raster.
type Window struct {
	X, Y          int
	Width, Height int
}

func (w Window) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", w.Width, w.Height, w.X, w.Y)
}

// Empty reports whether w covers no pixel.
func (w Window) Empty() bool {
	return w.Width <= 0 || w.Height <= 0
}

// Descriptor is the immutable description of a raster.
type Descriptor struct {
	Width, Height int
	GeoTransform  GeoTransform
	CRS           string
	NoData        float64
	HasNoData     bool
	Min, Max      float64
}

// IsNoData reports whether v is the nodata value or NaN.
func (d Descriptor) IsNoData(v float64) bool {
	return math.IsNaN(v) || (d.HasNoData && v == d.NoData)
}

// Source is an open single-band raster. A Source is not safe for
// concurrent use; every worker opens its own.
type Source interface {
	Descriptor() Descriptor
	Projection() Projection
	// Read fills buf (w*h, row-major) with the window, nearest-neighbour
	// decimated when w or h is smaller than the window.
	Read(win Window, w, h int, buf []float64) error
	Close() error
}

// Opener opens a raster file.
type Opener func(path string) (Source, error)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Opener)
	fallback  Opener
)

// Register makes an opener available for paths ending in suffix
// (case-insensitive, dot included).
func Register(suffix string, o Opener) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if o == nil {
		panic("raster: Register opener is nil")
	}
	drivers[strings.ToLower(suffix)] = o
}

// RegisterFallback sets the opener used when no suffix matches.
func RegisterFallback(o Opener) {
	driversMu.Lock()
	defer driversMu.Unlock()
	fallback = o
}

// Drivers returns the registered suffixes, sorted.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	list := make([]string, 0, len(drivers))
	for s := range drivers {
		list = append(list, s)
	}
	sort.Strings(list)
	return list
}

// Open opens path with the opener of its longest registered suffix,
// falling back to the default opener.
func Open(path string) (Source, error) {
	driversMu.RLock()
	name := strings.ToLower(filepath.Base(path))
	var (
		match  string
		opener Opener
	)
	for s, o := range drivers {
		if strings.HasSuffix(name, s) && len(s) > len(match) {
			match, opener = s, o
		}
	}
	if opener == nil {
		opener = fallback
	}
	driversMu.RUnlock()

	if opener == nil {
		return nil, fmt.Errorf("no raster driver for %s", path)
	}
	return opener(path)
}

const stripRows = 256

// Describe returns the descriptor of src with the band min and max
// computed from every valid pixel.
func Describe(src Source) (Descriptor, error) {
	d := src.Descriptor()
	min, max, err := Stats(src)
	if err != nil {
		return d, err
	}
	d.Min, d.Max = min, max
	return d, nil
}

// Stats scans src in full-resolution strips and returns the extreme
// elevations, skipping nodata.
func Stats(src Source) (min, max float64, err error) {
	d := src.Descriptor()
	min, max = math.Inf(1), math.Inf(-1)
	buf := make([]float64, d.Width*stripRows)
	for y := 0; y < d.Height; y += stripRows {
		rows := stripRows
		if y+rows > d.Height {
			rows = d.Height - y
		}
		strip := buf[:d.Width*rows]
		if err := src.Read(Window{X: 0, Y: y, Width: d.Width, Height: rows}, d.Width, rows, strip); err != nil {
			return 0, 0, fmt.Errorf("reading rows %d-%d: %w", y, y+rows-1, err)
		}
		for _, v := range strip {
			if d.IsNoData(v) {
				continue
			}
			min = math.Min(min, v)
			max = math.Max(max, v)
		}
	}
	if math.IsInf(min, 1) {
		return 0, 0, ErrNoData
	}
	return min, max, nil
}

const edgeSamples = 21

// GeographicBounds returns the lon/lat extent of src. Each edge is
// densified before reprojection so curved edges are covered.
func GeographicBounds(src Source) (orb.Bound, error) {
	d := src.Descriptor()
	var xs, ys []float64
	w, h := float64(d.Width), float64(d.Height)
	for i := 0; i < edgeSamples; i++ {
		f := float64(i) / float64(edgeSamples-1)
		for _, p := range [][2]float64{{f * w, 0}, {f * w, h}, {0, f * h}, {w, f * h}} {
			x, y := d.GeoTransform.Apply(p[0], p[1])
			xs = append(xs, x)
			ys = append(ys, y)
		}
	}
	if err := src.Projection().Inverse(xs, ys); err != nil {
		return orb.Bound{}, fmt.Errorf("reprojecting raster edges: %w", err)
	}

	b := orb.Bound{Min: orb.Point{math.Inf(1), math.Inf(1)}, Max: orb.Point{math.Inf(-1), math.Inf(-1)}}
	for i := range xs {
		if math.IsNaN(xs[i]) || math.IsNaN(ys[i]) {
			continue
		}
		b = b.Extend(orb.Point{xs[i], ys[i]})
	}
	if math.IsInf(b.Min.X(), 1) {
		return orb.Bound{}, errors.New("raster extent cannot be expressed in longitude/latitude")
	}
	b.Min[0] = math.Max(b.Min[0], -180)
	b.Max[0] = math.Min(b.Max[0], 180)
	b.Min[1] = math.Max(b.Min[1], -90)
	b.Max[1] = math.Min(b.Max[1], 90)
	return b, nil
}
