package raster

import (
	"fmt"
	"math"
)

// Grid is an in-memory raster. Reads never modify it, so one Grid may be
// handed to every worker.
type Grid struct {
	Desc Descriptor
	Data []float64
	Proj Projection
}

// NewGrid wraps row-major data of a w×h raster in EPSG:4326.
func NewGrid(w, h int, gt GeoTransform, data []float64) (*Grid, error) {
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("invalid grid size %dx%d", w, h)
	}
	if len(data) != w*h {
		return nil, fmt.Errorf("grid %dx%d needs %d values, got %d", w, h, w*h, len(data))
	}
	if _, err := gt.Invert(); err != nil {
		return nil, err
	}
	return &Grid{
		Desc: Descriptor{Width: w, Height: h, GeoTransform: gt, CRS: EPSG4326},
		Data: data,
		Proj: Geographic{},
	}, nil
}

// SetNoData marks v as the nodata value.
func (g *Grid) SetNoData(v float64) {
	g.Desc.NoData = v
	g.Desc.HasNoData = true
}

func (g *Grid) Descriptor() Descriptor { return g.Desc }

func (g *Grid) Projection() Projection {
	if g.Proj == nil {
		return Geographic{}
	}
	return g.Proj
}

func (g *Grid) Read(win Window, w, h int, buf []float64) error {
	if err := checkRead(g.Desc, win, w, h, buf); err != nil {
		return err
	}
	for j := 0; j < h; j++ {
		sy := win.Y + decimate(j, win.Height, h)
		row := g.Data[sy*g.Desc.Width:]
		for i := 0; i < w; i++ {
			buf[j*w+i] = row[win.X+decimate(i, win.Width, w)]
		}
	}
	return nil
}

func (g *Grid) Close() error { return nil }

// decimate returns the source offset sampled by buffer index i when n
// source pixels are squeezed into size buffer pixels.
func decimate(i, n, size int) int {
	if n == size {
		return i
	}
	o := int(math.Floor((float64(i) + 0.5) * float64(n) / float64(size)))
	if o >= n {
		o = n - 1
	}
	return o
}

func checkRead(d Descriptor, win Window, w, h int, buf []float64) error {
	if win.Empty() || win.X < 0 || win.Y < 0 || win.X+win.Width > d.Width || win.Y+win.Height > d.Height {
		return fmt.Errorf("window %s outside raster %dx%d", win, d.Width, d.Height)
	}
	if w <= 0 || h <= 0 || len(buf) < w*h {
		return fmt.Errorf("buffer %dx%d too small", w, h)
	}
	return nil
}
