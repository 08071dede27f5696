// Package gdal opens GeoTIFF and every other GDAL-readable raster. Import
// it for its side effect of registering the fallback raster opener.
package gdal

import (
	"fmt"
	"math"
	"sync"

	"github.com/airbusgeo/godal"

	"github.com/atlasdatatech/rgbtiler/internal/raster"
)

var registerOnce sync.Once

func init() {
	raster.RegisterFallback(Open)
}

// Dataset is a raster.Source backed by the first band of a GDAL dataset.
type Dataset struct {
	ds   *godal.Dataset
	band godal.Band
	desc raster.Descriptor
	proj *projection
}

// Open opens path read-only.
func Open(path string) (raster.Source, error) {
	registerOnce.Do(godal.RegisterAll)

	ds, err := godal.Open(path)
	if err != nil {
		return nil, err
	}
	bands := ds.Bands()
	if len(bands) == 0 {
		ds.Close()
		return nil, fmt.Errorf("%s has no raster band", path)
	}
	st := ds.Structure()
	gt, err := ds.GeoTransform()
	if err != nil {
		ds.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	d := &Dataset{
		ds:   ds,
		band: bands[0],
		desc: raster.Descriptor{
			Width:        st.SizeX,
			Height:       st.SizeY,
			GeoTransform: raster.GeoTransform(gt),
			CRS:          raster.EPSG4326,
		},
	}
	d.desc.NoData, d.desc.HasNoData = d.band.NoData()

	if sr := ds.SpatialRef(); sr != nil {
		if wkt, err := sr.WKT(); err == nil && wkt != "" {
			d.desc.CRS = wkt
		}
		p, err := newProjection(sr)
		if err != nil {
			ds.Close()
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		d.proj = p
	}
	return d, nil
}

func (d *Dataset) Descriptor() raster.Descriptor { return d.desc }

func (d *Dataset) Projection() raster.Projection {
	if d.proj == nil {
		return raster.Geographic{}
	}
	return d.proj
}

// Read lets GDAL decimate the window with nearest neighbour sampling.
func (d *Dataset) Read(win raster.Window, w, h int, buf []float64) error {
	if win.Empty() || win.X < 0 || win.Y < 0 || win.X+win.Width > d.desc.Width || win.Y+win.Height > d.desc.Height {
		return fmt.Errorf("window %s outside raster %dx%d", win, d.desc.Width, d.desc.Height)
	}
	if len(buf) < w*h {
		return fmt.Errorf("buffer %dx%d too small", w, h)
	}
	return d.band.Read(win.X, win.Y, buf[:w*h], w, h, godal.Window(win.Width, win.Height))
}

func (d *Dataset) Close() error {
	if d.proj != nil {
		d.proj.Close()
	}
	return d.ds.Close()
}

// projection converts through two OGR transformations. It is nil when the
// dataset already is in EPSG:4326.
type projection struct {
	wgs84            *godal.SpatialRef
	forward, inverse *godal.Transform
	ok               []bool
}

func newProjection(sr *godal.SpatialRef) (*projection, error) {
	wgs84, err := godal.NewSpatialRefFromEPSG(4326)
	if err != nil {
		return nil, err
	}
	if sr.IsSame(wgs84) {
		wgs84.Close()
		return nil, nil
	}
	fwd, err := godal.NewTransform(wgs84, sr)
	if err != nil {
		wgs84.Close()
		return nil, err
	}
	inv, err := godal.NewTransform(sr, wgs84)
	if err != nil {
		fwd.Close()
		wgs84.Close()
		return nil, err
	}
	return &projection{wgs84: wgs84, forward: fwd, inverse: inv}, nil
}

func (p *projection) Forward(xs, ys []float64) error {
	return p.transform(p.forward, xs, ys)
}

func (p *projection) Inverse(xs, ys []float64) error {
	return p.transform(p.inverse, xs, ys)
}

// transform marks the points GDAL could not convert as NaN instead of
// failing the whole batch.
func (p *projection) transform(trn *godal.Transform, xs, ys []float64) error {
	if len(xs) != len(ys) {
		return fmt.Errorf("coordinate count mismatch %d != %d", len(xs), len(ys))
	}
	if cap(p.ok) < len(xs) {
		p.ok = make([]bool, len(xs))
	}
	ok := p.ok[:len(xs)]
	zs := make([]float64, len(xs))
	if err := trn.TransformEx(xs, ys, zs, ok); err != nil && !anyTrue(ok) {
		return err
	}
	for i := range ok {
		if !ok[i] {
			xs[i], ys[i] = math.NaN(), math.NaN()
		}
	}
	return nil
}

func anyTrue(ok []bool) bool {
	for _, v := range ok {
		if v {
			return true
		}
	}
	return false
}

func (p *projection) Close() {
	p.forward.Close()
	p.inverse.Close()
	p.wgs84.Close()
}
