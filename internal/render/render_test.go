package render

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/webp"

	"github.com/atlasdatatech/rgbtiler/internal/raster"
	"github.com/atlasdatatech/rgbtiler/internal/terrain"
	"github.com/atlasdatatech/rgbtiler/internal/tile"
)

// demGrid is a 50x50 raster over lon 10..11, lat 45..46 with elevations
// in [0, 1000).
func demGrid(t *testing.T) *raster.Grid {
	t.Helper()
	data := make([]float64, 50*50)
	for j := 0; j < 50; j++ {
		for i := 0; i < 50; i++ {
			data[j*50+i] = float64(j)*20 + float64(i)*0.4
		}
	}
	g, err := raster.NewGrid(50, 50, raster.NorthUp(10, 46, 0.02, 0.02), data)
	require.NoError(t, err)
	return g
}

type failingSource struct {
	*raster.Grid
	reads int
}

func (f *failingSource) Read(win raster.Window, w, h int, buf []float64) error {
	f.reads++
	return errors.New("disk on fire")
}

type recordingSource struct {
	*raster.Grid
	w, h int
}

func (r *recordingSource) Read(win raster.Window, w, h int, buf []float64) error {
	r.w, r.h = w, h
	return r.Grid.Read(win, w, h, buf)
}

func nrgbaAt(img image.Image, x, y int) color.NRGBA {
	return color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
}

// checkTile compares every 7th pixel of img against the nearest source pixel.
func checkTile(t *testing.T, g *raster.Grid, tl maptile.Tile, img image.Image, size int) {
	t.Helper()
	params := terrain.DefaultParams()
	inv, err := g.Desc.GeoTransform.Invert()
	require.NoError(t, err)
	inside := 0
	for j := 0; j < size; j += 7 {
		for i := 0; i < size; i += 7 {
			p := Center(tl, size, i, j)
			px, py := inv.Apply(p.X(), p.Y())
			c := nrgbaAt(img, i, j)
			if px < 0 || py < 0 || px >= 50 || py >= 50 {
				assert.Zero(t, c.A, "pixel %d,%d outside the raster", i, j)
				continue
			}
			inside++
			want := g.Data[int(py)*50+int(px)]
			require.Equal(t, uint8(0xFF), c.A, "pixel %d,%d", i, j)
			assert.InDelta(t, want, params.Decode(c.R, c.G, c.B), 0.05, "pixel %d,%d", i, j)
		}
	}
	assert.NotZero(t, inside)
}

func TestRenderPNG(t *testing.T) {
	g := demGrid(t)
	r, err := New(g, DefaultOptions())
	require.NoError(t, err)

	tl := maptile.At(orb.Point{10.5, 45.5}, 8)
	out, err := r.Render(tl)
	require.NoError(t, err)
	assert.Equal(t, tl, out.T)

	img, err := png.Decode(bytes.NewReader(out.C))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 512, 512), img.Bounds())
	checkTile(t, g, tl, img, 512)

	again, err := r.Render(tl)
	require.NoError(t, err)
	assert.Equal(t, out.C, again.C)
}

func TestRenderWebP(t *testing.T) {
	g := demGrid(t)
	opts := DefaultOptions()
	opts.Format = tile.WEBP
	opts.Size = 256
	r, err := New(g, opts)
	require.NoError(t, err)

	tl := maptile.At(orb.Point{10.5, 45.5}, 9)
	out, err := r.Render(tl)
	require.NoError(t, err)

	img, err := webp.Decode(bytes.NewReader(out.C))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 256, 256), img.Bounds())
	checkTile(t, g, tl, img, 256)
}

func TestNoDataSentinel(t *testing.T) {
	g := demGrid(t)
	g.SetNoData(g.Data[0])
	opts := DefaultOptions()
	opts.NoData = terrain.Sentinel{R: 1, G: 2, B: 3, A: 255}
	r, err := New(g, opts)
	require.NoError(t, err)

	// pixel (0,0) of the raster sits at lon 10.01, lat 45.99
	tl := maptile.At(orb.Point{10.01, 45.99}, 10)
	img, err := r.Image(tl)
	require.NoError(t, err)

	sentinel := color.NRGBA{R: 1, G: 2, B: 3, A: 255}
	inv, err := g.Desc.GeoTransform.Invert()
	require.NoError(t, err)
	var nodata, valid int
	for j := 0; j < 512; j++ {
		for i := 0; i < 512; i++ {
			c := img.NRGBAAt(i, j)
			assert.Equal(t, uint8(255), c.A)
			p := Center(tl, 512, i, j)
			px, py := inv.Apply(p.X(), p.Y())
			switch {
			case px >= 0 && px < 1 && py >= 0 && py < 1:
				nodata++
				assert.Equal(t, sentinel, c)
			case px >= 1 && px < 50 && py >= 1 && py < 50:
				valid++
				assert.NotEqual(t, sentinel, c)
			}
		}
	}
	assert.NotZero(t, nodata)
	assert.NotZero(t, valid)
}

func TestOutsideTileIsEmpty(t *testing.T) {
	src := &failingSource{Grid: demGrid(t)}
	r, err := New(src, DefaultOptions())
	require.NoError(t, err)

	out, err := r.Render(maptile.At(orb.Point{-100, -30}, 8))
	require.NoError(t, err)
	assert.Zero(t, src.reads)

	img, err := png.Decode(bytes.NewReader(out.C))
	require.NoError(t, err)
	assert.Zero(t, nrgbaAt(img, 100, 100).A)
}

func TestReadFailure(t *testing.T) {
	src := &failingSource{Grid: demGrid(t)}
	r, err := New(src, DefaultOptions())
	require.NoError(t, err)

	tl := maptile.At(orb.Point{10.5, 45.5}, 8)
	_, err = r.Render(tl)
	var terr *TileError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, tl, terr.Tile)
}

func TestRangeError(t *testing.T) {
	opts := DefaultOptions()
	opts.Params = terrain.Params{Base: 500, Interval: 0.1}
	r, err := New(demGrid(t), opts)
	require.NoError(t, err)

	_, err = r.Render(maptile.At(orb.Point{10.5, 45.5}, 8))
	var rerr *terrain.RangeError
	require.True(t, errors.As(err, &rerr))
	var terr *TileError
	assert.False(t, errors.As(err, &terr))
}

func TestBilinearSkipsNoData(t *testing.T) {
	data := make([]float64, 20*20)
	for i := range data {
		data[i] = 7
	}
	data[10*20+10] = -9999
	g, err := raster.NewGrid(20, 20, raster.NorthUp(10, 46, 0.05, 0.05), data)
	require.NoError(t, err)
	g.SetNoData(-9999)

	opts := DefaultOptions()
	opts.Resampling = Bilinear
	r, err := New(g, opts)
	require.NoError(t, err)

	img, err := r.Image(maptile.At(orb.Point{10.5, 45.5}, 9))
	require.NoError(t, err)
	params := terrain.DefaultParams()
	for j := 0; j < 512; j++ {
		for i := 0; i < 512; i++ {
			c := img.NRGBAAt(i, j)
			if c.A == 0 {
				continue
			}
			require.InDelta(t, 7, params.Decode(c.R, c.G, c.B), 0.05)
		}
	}
}

func TestDecimatedRead(t *testing.T) {
	data := make([]float64, 1200*600)
	g, err := raster.NewGrid(1200, 600, raster.NorthUp(-180, 90, 0.3, 0.3), data)
	require.NoError(t, err)
	src := &recordingSource{Grid: g}
	opts := DefaultOptions()
	opts.Size = 256
	r, err := New(src, opts)
	require.NoError(t, err)

	_, err = r.Render(maptile.New(0, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, 512, src.w)
	assert.LessOrEqual(t, src.h, 512)
}

func TestOptionsValidate(t *testing.T) {
	assert.NoError(t, DefaultOptions().Validate())
	opts := DefaultOptions()
	opts.Size = 300
	assert.Error(t, opts.Validate())
	opts = DefaultOptions()
	opts.Format = "jpg"
	assert.Error(t, opts.Validate())
	_, err := ParseResampling("cubic")
	assert.Error(t, err)
	res, err := ParseResampling("")
	require.NoError(t, err)
	assert.Equal(t, Nearest, res)
	assert.False(t, math.IsNaN(Center(maptile.New(0, 0, 0), 256, 128, 128).X()))
}
