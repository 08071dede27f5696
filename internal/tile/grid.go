package tile

import (
	"context"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// MaxLatitude is the Web-Mercator latitude limit.
const MaxLatitude = 85.05112877980659

//Range 单个级别的瓦片行列范围（XYZ）
type Range struct {
	Z          maptile.Zoom
	MinX, MaxX uint32
	MinY, MaxY uint32
}

// Count is the number of tiles in the range.
func (r Range) Count() int64 {
	return int64(r.MaxX-r.MinX+1) * int64(r.MaxY-r.MinY+1)
}

// Contains reports whether t falls inside the range.
func (r Range) Contains(t maptile.Tile) bool {
	return t.Z == r.Z && t.X >= r.MinX && t.X <= r.MaxX && t.Y >= r.MinY && t.Y <= r.MaxY
}

//Planner 按级别计算与数据范围相交的瓦片
type Planner struct {
	Bound   orb.Bound
	MinZoom maptile.Zoom
	MaxZoom maptile.Zoom
}

// NewPlanner checks the zoom range and returns a planner over the
// geographic bound.
func NewPlanner(bound orb.Bound, minz, maxz int) (Planner, error) {
	if minz < ZoomMin || minz > ZoomMax || maxz < ZoomMin || maxz > ZoomMax {
		return Planner{}, fmt.Errorf("zoom levels must be within [%d,%d], got %d-%d", ZoomMin, ZoomMax, minz, maxz)
	}
	if minz > maxz {
		return Planner{}, fmt.Errorf("min zoom %d greater than max zoom %d", minz, maxz)
	}
	return Planner{Bound: bound, MinZoom: maptile.Zoom(minz), MaxZoom: maptile.Zoom(maxz)}, nil
}

// Range returns the tiles of zoom z touching the bound. East and south
// edges are exclusive. ok is false when nothing intersects.
func (p Planner) Range(z maptile.Zoom) (r Range, ok bool) {
	b := p.Bound
	for _, v := range []float64{b.Min.X(), b.Min.Y(), b.Max.X(), b.Max.Y()} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Range{}, false
		}
	}
	if b.Min.X() > b.Max.X() || b.Min.Y() > b.Max.Y() {
		return Range{}, false
	}
	if b.Max.Y() < -MaxLatitude || b.Min.Y() > MaxLatitude || b.Max.X() < -180 || b.Min.X() > 180 {
		return Range{}, false
	}
	west := math.Max(b.Min.X(), -180)
	east := math.Min(b.Max.X(), 180)
	south := math.Max(b.Min.Y(), -MaxLatitude)
	north := math.Min(b.Max.Y(), MaxLatitude)

	n := float64(uint64(1) << uint(z))
	x0, y0 := fraction(west, north, n)
	x1, y1 := fraction(east, south, n)

	minX, maxX := span(x0, x1, n)
	minY, maxY := span(y0, y1, n)
	return Range{Z: z, MinX: minX, MaxX: maxX, MinY: minY, MaxY: maxY}, true
}

// fraction returns the fractional XYZ tile position of a lon/lat.
func fraction(lon, lat float64, n float64) (x, y float64) {
	x = (lon + 180) / 360 * n
	rad := lat * math.Pi / 180
	y = (1 - math.Log(math.Tan(rad)+1/math.Cos(rad))/math.Pi) / 2 * n
	return x, y
}

func span(lo, hi, n float64) (uint32, uint32) {
	first := math.Floor(lo)
	last := math.Ceil(hi) - 1
	if last < first {
		last = first
	}
	first = math.Max(0, math.Min(first, n-1))
	last = math.Max(0, math.Min(last, n-1))
	return uint32(first), uint32(last)
}

// Ranges returns the intersecting range of every zoom, ascending.
func (p Planner) Ranges() []Range {
	var rs []Range
	for z := p.MinZoom; z <= p.MaxZoom; z++ {
		if r, ok := p.Range(z); ok {
			rs = append(rs, r)
		}
	}
	return rs
}

// Each calls fn for every planned tile, zoom ascending then row-major,
// until fn returns false.
func (p Planner) Each(fn func(maptile.Tile) bool) {
	for _, r := range p.Ranges() {
		for y := r.MinY; y <= r.MaxY; y++ {
			for x := r.MinX; x <= r.MaxX; x++ {
				if !fn(maptile.New(x, y, r.Z)) {
					return
				}
			}
		}
	}
}

// Channel sends every planned tile to ch and closes it, stopping early
// when ctx is done.
func (p Planner) Channel(ctx context.Context, ch chan<- maptile.Tile) {
	defer close(ch)
	p.Each(func(t maptile.Tile) bool {
		select {
		case ch <- t:
			return true
		case <-ctx.Done():
			return false
		}
	})
}

// ZoomCount returns the number of planned tiles per zoom.
func (p Planner) ZoomCount() map[int]int64 {
	info := make(map[int]int64)
	for z := p.MinZoom; z <= p.MaxZoom; z++ {
		r, ok := p.Range(z)
		if !ok {
			info[int(z)] = 0
			continue
		}
		info[int(z)] = r.Count()
	}
	return info
}

// Count is the total number of planned tiles.
func (p Planner) Count() int64 {
	var total int64
	for _, r := range p.Ranges() {
		total += r.Count()
	}
	return total
}
