package tilejson

import (
	"encoding/json"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasdatatech/rgbtiler/internal/raster"
	"github.com/atlasdatatech/rgbtiler/internal/tile"
)

var info = Info{
	Path:   "/data/alps.tif",
	Bounds: orb.Bound{Min: orb.Point{10, 45}, Max: orb.Point{12, 47}},
	Min:    -3.5,
	Max:    4807.25,
}

var opts = Options{MinZoom: 5, MaxZoom: 12, Format: tile.PNG, Scheme: tile.XYZ}

func TestSynthesizeDefaults(t *testing.T) {
	m := Synthesize(info, opts, Overrides{})
	assert.Equal(t, "alps", m.Name)
	assert.Equal(t, "Terrain RGB tiles generated from alps.tif", m.Description)
	assert.Empty(t, m.Attribution)
	assert.Equal(t, DefaultVersion, m.Version)
	assert.Equal(t, DefaultBaseURL, m.BaseURL)
	assert.Equal(t, tile.TileSize, m.TileSize)
	assert.Equal(t, orb.Point{11, 46}, m.Center)
	assert.Equal(t, 9, m.CenterZoom)
	assert.Equal(t, -3.5, m.MinElevation)
	assert.Equal(t, 4807.25, m.MaxElevation)
}

func TestOverridesWin(t *testing.T) {
	m := Synthesize(info, opts, Overrides{
		Name:        "Alps",
		Description: "dem",
		Attribution: "© someone",
		Version:     "2.1.0",
		BaseURL:     "https://tiles.example.com/alps",
	})
	assert.Equal(t, "Alps", m.Name)
	assert.Equal(t, "dem", m.Description)
	assert.Equal(t, "© someone", m.Attribution)
	assert.Equal(t, "2.1.0", m.Version)
	assert.Equal(t, "https://tiles.example.com/alps/{z}/{x}/{y}.png", m.URLTemplate())
}

func TestTileJSONDocument(t *testing.T) {
	m := Synthesize(info, opts, Overrides{})
	data, err := m.MarshalTileJSON()
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "3.0.0", doc["tilejson"])
	assert.Equal(t, "xyz", doc["scheme"])
	assert.Equal(t, []interface{}{"./tiles/{z}/{x}/{y}.png"}, doc["tiles"])
	assert.Equal(t, []interface{}{10.0, 45.0, 12.0, 47.0}, doc["bounds"])
	assert.Equal(t, []interface{}{11.0, 46.0, 9.0}, doc["center"])
	assert.Equal(t, "mapbox", doc["encoding"])
	assert.Equal(t, "png", doc["format"])
	assert.Equal(t, 512.0, doc["tileSize"])
	assert.Equal(t, 4807.25, doc["maxelevation"])
	assert.NotContains(t, doc, "attribution")
}

func TestSchemes(t *testing.T) {
	o := opts
	o.Scheme = tile.TMS
	o.Format = tile.WEBP
	doc, ok := Synthesize(info, o, Overrides{}).TileJSON()
	require.True(t, ok)
	assert.Equal(t, "tms", doc.Scheme)
	assert.Equal(t, []string{"./tiles/{z}/{x}/{y}.webp"}, doc.Tiles)

	o.Scheme = tile.ZYX
	doc, ok = Synthesize(info, o, Overrides{}).TileJSON()
	require.True(t, ok)
	assert.Equal(t, "xyz", doc.Scheme)
	assert.Equal(t, []string{"./tiles/{z}/{y}/{x}.webp"}, doc.Tiles)

	o.Scheme = tile.WMS
	m := Synthesize(info, o, Overrides{})
	_, ok = m.TileJSON()
	assert.False(t, ok)
	_, err := m.MarshalTileJSON()
	assert.Error(t, err)
}

func TestItemsAndJSON(t *testing.T) {
	m := Synthesize(info, opts, Overrides{Attribution: "x"})
	items := m.Items()
	assert.Equal(t, "10.000000,45.000000,12.000000,47.000000", items["bounds"])
	assert.Equal(t, "11.000000,46.000000,9", items["center"])
	assert.Equal(t, "5", items["minzoom"])
	assert.Equal(t, "12", items["maxzoom"])
	assert.Equal(t, "png", items["format"])
	assert.Equal(t, "x", items["attribution"])
	assert.Equal(t, "-3.5", items["minelevation"])

	a, err := m.JSON()
	require.NoError(t, err)
	b, err := m.JSON()
	require.NoError(t, err)
	assert.Equal(t, a, b)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(a, &doc))
	assert.Equal(t, "mapbox", doc["encoding"])
}

func TestTileURL(t *testing.T) {
	tl := maptile.New(3, 1, 2)
	assert.Equal(t, "./tiles/2/3/1.png", TileURL("./tiles/{z}/{x}/{y}.png", tile.XYZ, tl))
	assert.Equal(t, "./tiles/2/3/2.png", TileURL("./tiles/{z}/{x}/{y}.png", tile.TMS, tl))
	assert.Equal(t, "./tiles/2/1/3.png", TileURL("./tiles/{z}/{y}/{x}.png", tile.ZYX, tl))
}

func TestInspect(t *testing.T) {
	g, err := raster.NewGrid(2, 2, raster.NorthUp(10, 46, 0.5, 0.5), []float64{1, 2, 3, 900})
	require.NoError(t, err)
	in, err := Inspect("dem.asc", g)
	require.NoError(t, err)
	assert.Equal(t, 1.0, in.Min)
	assert.Equal(t, 900.0, in.Max)
	assert.InDelta(t, 10, in.Bounds.Min.X(), 1e-9)
	assert.InDelta(t, 45, in.Bounds.Min.Y(), 1e-9)
	assert.InDelta(t, 11, in.Bounds.Max.X(), 1e-9)
	assert.InDelta(t, 46, in.Bounds.Max.Y(), 1e-9)
}
