// Package render turns a tile coordinate into an encoded terrain-RGB image
// sampled from a raster source.
package render

import (
	"fmt"
	"image"
	"math"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/project"

	"github.com/atlasdatatech/rgbtiler/internal/raster"
	"github.com/atlasdatatech/rgbtiler/internal/terrain"
	"github.com/atlasdatatech/rgbtiler/internal/tile"
)

// originShift is half the Web-Mercator world width in meters.
const originShift = math.Pi * 6378137

// Resampling selects how source pixels are sampled.
type Resampling string

// Supported resampling methods.
const (
	Nearest  Resampling = "nearest"
	Bilinear Resampling = "bilinear"
)

// ParseResampling accepts nearest or bilinear.
func ParseResampling(s string) (Resampling, error) {
	switch r := Resampling(strings.ToLower(s)); r {
	case Nearest, Bilinear:
		return r, nil
	case "":
		return Nearest, nil
	}
	return "", fmt.Errorf("unsupported resampling %q (nearest|bilinear)", s)
}

//Options 渲染参数
type Options struct {
	Size       int
	Format     tile.Format
	Params     terrain.Params
	NoData     terrain.Sentinel
	Resampling Resampling
}

// DefaultOptions renders 512px PNG tiles with the default encoding.
func DefaultOptions() Options {
	return Options{
		Size:       tile.TileSize,
		Format:     tile.PNG,
		Params:     terrain.DefaultParams(),
		NoData:     terrain.Transparent,
		Resampling: Nearest,
	}
}

// Validate checks size, format and encoding.
func (o Options) Validate() error {
	if o.Size != 256 && o.Size != 512 {
		return fmt.Errorf("tile size must be 256 or 512, got %d", o.Size)
	}
	if _, err := tile.ParseFormat(string(o.Format)); err != nil {
		return err
	}
	if _, err := ParseResampling(string(o.Resampling)); err != nil {
		return err
	}
	return o.Params.Validate()
}

// TileError is a tile that could not be read or encoded.
type TileError struct {
	Tile maptile.Tile
	Err  error
}

func (e *TileError) Error() string {
	return fmt.Sprintf("render tile %d/%d/%d: %v", e.Tile.Z, e.Tile.X, e.Tile.Y, e.Err)
}

func (e *TileError) Unwrap() error { return e.Err }

// Renderer renders tiles from one source. It reuses its buffers and is
// not safe for concurrent use.
type Renderer struct {
	src  raster.Source
	desc raster.Descriptor
	inv  raster.GeoTransform
	opts Options

	xs, ys []float64
	buf    []float64
}

// New prepares a renderer over src.
func New(src raster.Source, opts Options) (*Renderer, error) {
	if opts.Resampling == "" {
		opts.Resampling = Nearest
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	desc := src.Descriptor()
	inv, err := desc.GeoTransform.Invert()
	if err != nil {
		return nil, err
	}
	n := opts.Size * opts.Size
	return &Renderer{
		src:  src,
		desc: desc,
		inv:  inv,
		opts: opts,
		xs:   make([]float64, n),
		ys:   make([]float64, n),
	}, nil
}

// Center returns the lon/lat of the centre of pixel (i, j) of t rendered
// at size pixels.
func Center(t maptile.Tile, size, i, j int) orb.Point {
	span := 2 * originShift / float64(uint64(1)<<uint(t.Z))
	mx := -originShift + (float64(t.X)+(float64(i)+0.5)/float64(size))*span
	my := originShift - (float64(t.Y)+(float64(j)+0.5)/float64(size))*span
	return project.Mercator.ToWGS84(orb.Point{mx, my})
}

// Render samples, encodes and compresses one tile.
func (r *Renderer) Render(t maptile.Tile) (tile.Tile, error) {
	img, err := r.Image(t)
	if err != nil {
		return tile.Tile{T: t}, err
	}
	data, err := Encode(img, r.opts.Format)
	if err != nil {
		return tile.Tile{T: t}, &TileError{Tile: t, Err: err}
	}
	return tile.Tile{T: t, C: data}, nil
}

// Image renders t without compressing it.
func (r *Renderer) Image(t maptile.Tile) (*image.NRGBA, error) {
	size := r.opts.Size
	xs, ys := r.xs, r.ys
	for j := 0; j < size; j++ {
		for i := 0; i < size; i++ {
			p := Center(t, size, i, j)
			xs[j*size+i], ys[j*size+i] = p.X(), p.Y()
		}
	}
	if err := r.src.Projection().Forward(xs, ys); err != nil {
		return nil, &TileError{Tile: t, Err: err}
	}
	for k := range xs {
		xs[k], ys[k] = r.inv.Apply(xs[k], ys[k])
	}

	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	win := r.window()
	if win.Empty() {
		r.fill(img, 0, len(xs))
		return img, nil
	}

	bw, bh := win.Width, win.Height
	if bw > 2*size {
		bw = 2 * size
	}
	if bh > 2*size {
		bh = 2 * size
	}
	if cap(r.buf) < bw*bh {
		r.buf = make([]float64, bw*bh)
	}
	buf := r.buf[:bw*bh]
	if err := r.src.Read(win, bw, bh, buf); err != nil {
		return nil, &TileError{Tile: t, Err: fmt.Errorf("read window %s: %w", win, err)}
	}

	s := sampler{
		desc: r.desc,
		win:  win,
		buf:  buf,
		bw:   bw,
		bh:   bh,
		sx:   float64(win.Width) / float64(bw),
		sy:   float64(win.Height) / float64(bh),
	}
	for k := range xs {
		v, ok := s.nearest(xs[k], ys[k])
		if ok && r.opts.Resampling == Bilinear {
			if bv, bok := s.bilinear(xs[k], ys[k]); bok {
				v = bv
			}
		}
		c, err := r.opts.Params.Pixel(v, !ok, r.opts.NoData)
		if err != nil {
			return nil, fmt.Errorf("tile %d/%d/%d: %w", t.Z, t.X, t.Y, err)
		}
		o := k * 4
		img.Pix[o], img.Pix[o+1], img.Pix[o+2], img.Pix[o+3] = c.R, c.G, c.B, c.A
	}
	return img, nil
}

// window is the smallest source window holding every sample of the
// current tile plus one pixel for bilinear neighbours.
func (r *Renderer) window() raster.Window {
	minx, miny := math.Inf(1), math.Inf(1)
	maxx, maxy := math.Inf(-1), math.Inf(-1)
	for k := range r.xs {
		px, py := r.xs[k], r.ys[k]
		if math.IsNaN(px) || math.IsNaN(py) {
			continue
		}
		minx, maxx = math.Min(minx, px), math.Max(maxx, px)
		miny, maxy = math.Min(miny, py), math.Max(maxy, py)
	}
	if math.IsInf(minx, 1) {
		return raster.Window{}
	}
	x0 := clamp(math.Floor(minx)-1, 0, float64(r.desc.Width))
	x1 := clamp(math.Floor(maxx)+2, 0, float64(r.desc.Width))
	y0 := clamp(math.Floor(miny)-1, 0, float64(r.desc.Height))
	y1 := clamp(math.Floor(maxy)+2, 0, float64(r.desc.Height))
	return raster.Window{X: int(x0), Y: int(y0), Width: int(x1 - x0), Height: int(y1 - y0)}
}

func (r *Renderer) fill(img *image.NRGBA, from, to int) {
	c := r.opts.NoData.NRGBA()
	for k := from; k < to; k++ {
		o := k * 4
		img.Pix[o], img.Pix[o+1], img.Pix[o+2], img.Pix[o+3] = c.R, c.G, c.B, c.A
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(v, hi))
}

// sampler reads a decimated window buffer in source pixel coordinates.
type sampler struct {
	desc   raster.Descriptor
	win    raster.Window
	buf    []float64
	bw, bh int
	sx, sy float64
}

func (s sampler) inside(px, py float64) bool {
	return !math.IsNaN(px) && !math.IsNaN(py) &&
		px >= 0 && py >= 0 && px < float64(s.desc.Width) && py < float64(s.desc.Height)
}

func (s sampler) at(bx, by int) (float64, bool) {
	if bx < 0 {
		bx = 0
	} else if bx >= s.bw {
		bx = s.bw - 1
	}
	if by < 0 {
		by = 0
	} else if by >= s.bh {
		by = s.bh - 1
	}
	v := s.buf[by*s.bw+bx]
	return v, !s.desc.IsNoData(v)
}

func (s sampler) nearest(px, py float64) (float64, bool) {
	if !s.inside(px, py) {
		return 0, false
	}
	bx := int(math.Floor((px - float64(s.win.X)) / s.sx))
	by := int(math.Floor((py - float64(s.win.Y)) / s.sy))
	return s.at(bx, by)
}

// bilinear interpolates between buffer pixel centres. It reports false
// when any neighbour is nodata so the caller keeps the nearest value.
func (s sampler) bilinear(px, py float64) (float64, bool) {
	fx := (px-float64(s.win.X))/s.sx - 0.5
	fy := (py-float64(s.win.Y))/s.sy - 0.5
	x0, y0 := math.Floor(fx), math.Floor(fy)
	dx, dy := fx-x0, fy-y0
	bx, by := int(x0), int(y0)

	v00, ok00 := s.at(bx, by)
	v10, ok10 := s.at(bx+1, by)
	v01, ok01 := s.at(bx, by+1)
	v11, ok11 := s.at(bx+1, by+1)
	if !(ok00 && ok10 && ok01 && ok11) {
		return 0, false
	}
	top := v00*(1-dx) + v10*dx
	bottom := v01*(1-dx) + v11*dx
	return top*(1-dy) + bottom*dy, true
}
