// Package tilejson synthesizes tileset metadata: the TileJSON document,
// MBTiles metadata rows and the PMTiles metadata blob.
package tilejson

import (
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"

	"github.com/atlasdatatech/rgbtiler/internal/raster"
	"github.com/atlasdatatech/rgbtiler/internal/terrain"
	"github.com/atlasdatatech/rgbtiler/internal/tile"
)

// Spec is the TileJSON version written.
const Spec = "3.0.0"

// Defaults for the optional overrides.
const (
	DefaultVersion = "1.0.0"
	DefaultBaseURL = "./tiles/"
)

//Info 源数据信息
type Info struct {
	Path     string
	Bounds   orb.Bound
	Min, Max float64
}

// Inspect reads the geographic extent and elevation range of src. The
// elevation range always comes from the raster itself.
func Inspect(path string, src raster.Source) (Info, error) {
	desc, err := raster.Describe(src)
	if err != nil {
		return Info{}, err
	}
	b, err := raster.GeographicBounds(src)
	if err != nil {
		return Info{}, err
	}
	return Info{Path: path, Bounds: b, Min: desc.Min, Max: desc.Max}, nil
}

//Options 瓦片集参数
type Options struct {
	MinZoom  int
	MaxZoom  int
	Format   tile.Format
	Scheme   tile.Scheme
	TileSize int
}

// Overrides always win over computed values when set.
type Overrides struct {
	Name        string
	Description string
	Attribution string
	Version     string
	BaseURL     string
}

//Metadata 瓦片集元数据
type Metadata struct {
	Name         string
	Description  string
	Attribution  string
	Version      string
	BaseURL      string
	Format       tile.Format
	Scheme       tile.Scheme
	TileSize     int
	MinZoom      int
	MaxZoom      int
	Bounds       orb.Bound
	Center       orb.Point
	CenterZoom   int
	MinElevation float64
	MaxElevation float64
}

// Synthesize builds the metadata of a tileset rendered from info.
func Synthesize(info Info, opts Options, ov Overrides) Metadata {
	name := strings.TrimSuffix(filepath.Base(info.Path), filepath.Ext(info.Path))
	m := Metadata{
		Name:         name,
		Description:  fmt.Sprintf("Terrain RGB tiles generated from %s", filepath.Base(info.Path)),
		Version:      DefaultVersion,
		BaseURL:      DefaultBaseURL,
		Format:       opts.Format,
		Scheme:       opts.Scheme,
		TileSize:     opts.TileSize,
		MinZoom:      opts.MinZoom,
		MaxZoom:      opts.MaxZoom,
		Bounds:       info.Bounds,
		Center:       info.Bounds.Center(),
		CenterZoom:   int(math.Round(float64(opts.MinZoom+opts.MaxZoom) / 2)),
		MinElevation: info.Min,
		MaxElevation: info.Max,
	}
	if m.TileSize == 0 {
		m.TileSize = tile.TileSize
	}
	if ov.Name != "" {
		m.Name = ov.Name
	}
	if ov.Description != "" {
		m.Description = ov.Description
	}
	if ov.Attribution != "" {
		m.Attribution = ov.Attribution
	}
	if ov.Version != "" {
		m.Version = ov.Version
	}
	if ov.BaseURL != "" {
		m.BaseURL = ov.BaseURL
	}
	if !strings.HasSuffix(m.BaseURL, "/") {
		m.BaseURL += "/"
	}
	return m
}

//TileJSON TileJSON 3.0.0 文档
type TileJSON struct {
	TileJSON     string     `json:"tilejson"`
	Name         string     `json:"name"`
	Description  string     `json:"description,omitempty"`
	Version      string     `json:"version"`
	Attribution  string     `json:"attribution,omitempty"`
	Scheme       string     `json:"scheme"`
	Tiles        []string   `json:"tiles"`
	MinZoom      int        `json:"minzoom"`
	MaxZoom      int        `json:"maxzoom"`
	Bounds       [4]float64 `json:"bounds"`
	Center       [3]float64 `json:"center"`
	Format       string     `json:"format"`
	Encoding     string     `json:"encoding"`
	TileSize     int        `json:"tileSize"`
	MinElevation float64    `json:"minelevation"`
	MaxElevation float64    `json:"maxelevation"`
}

// URLTemplate is the tile URL template below the base URL, or "" when the
// scheme has no {z}/{x}/{y} form.
func (m Metadata) URLTemplate() string {
	tmpl := m.Scheme.Template()
	if tmpl == "" {
		return ""
	}
	return m.BaseURL + tmpl + "." + m.Format.Ext()
}

// TileJSON returns the document. ok is false for schemes whose layout a
// TileJSON tiles template cannot express.
func (m Metadata) TileJSON() (doc TileJSON, ok bool) {
	tmpl := m.URLTemplate()
	if tmpl == "" {
		return TileJSON{}, false
	}
	b := m.Bounds
	return TileJSON{
		TileJSON:     Spec,
		Name:         m.Name,
		Description:  m.Description,
		Version:      m.Version,
		Attribution:  m.Attribution,
		Scheme:       m.Scheme.TileJSON(),
		Tiles:        []string{tmpl},
		MinZoom:      m.MinZoom,
		MaxZoom:      m.MaxZoom,
		Bounds:       [4]float64{b.Left(), b.Bottom(), b.Right(), b.Top()},
		Center:       [3]float64{m.Center.X(), m.Center.Y(), float64(m.CenterZoom)},
		Format:       string(m.Format),
		Encoding:     terrain.Encoding,
		TileSize:     m.TileSize,
		MinElevation: m.MinElevation,
		MaxElevation: m.MaxElevation,
	}, true
}

// MarshalTileJSON renders the indented document.
func (m Metadata) MarshalTileJSON() ([]byte, error) {
	doc, ok := m.TileJSON()
	if !ok {
		return nil, fmt.Errorf("scheme %s has no tilejson url template", m.Scheme)
	}
	return json.MarshalIndent(doc, "", "  ")
}

// Items returns the MBTiles metadata rows.
func (m Metadata) Items() map[string]string {
	b := m.Bounds
	c := m.Center
	data := map[string]string{
		"name":         m.Name,
		"description":  m.Description,
		"version":      m.Version,
		"type":         "baselayer",
		"format":       string(m.Format),
		"encoding":     terrain.Encoding,
		"tilesize":     strconv.Itoa(m.TileSize),
		"bounds":       fmt.Sprintf(`%f,%f,%f,%f`, b.Left(), b.Bottom(), b.Right(), b.Top()),
		"center":       fmt.Sprintf(`%f,%f,%d`, c.X(), c.Y(), m.CenterZoom),
		"minzoom":      strconv.Itoa(m.MinZoom),
		"maxzoom":      strconv.Itoa(m.MaxZoom),
		"minelevation": strconv.FormatFloat(m.MinElevation, 'f', -1, 64),
		"maxelevation": strconv.FormatFloat(m.MaxElevation, 'f', -1, 64),
	}
	if m.Attribution != "" {
		data["attribution"] = m.Attribution
	}
	return data
}

// JSON returns the PMTiles metadata object. Map keys marshal sorted.
func (m Metadata) JSON() ([]byte, error) {
	data := map[string]interface{}{
		"name":         m.Name,
		"description":  m.Description,
		"version":      m.Version,
		"type":         "baselayer",
		"format":       string(m.Format),
		"encoding":     terrain.Encoding,
		"tileSize":     m.TileSize,
		"minelevation": m.MinElevation,
		"maxelevation": m.MaxElevation,
	}
	if m.Attribution != "" {
		data["attribution"] = m.Attribution
	}
	return json.Marshal(data)
}

// TileURL expands the {x}, {y} and {z} placeholders of template for t,
// with y addressed under scheme s.
func TileURL(template string, s tile.Scheme, t maptile.Tile) string {
	url := strings.Replace(template, "{x}", strconv.Itoa(int(t.X)), -1)
	url = strings.Replace(url, "{y}", strconv.Itoa(int(s.Row(t))), -1)
	url = strings.Replace(url, "{z}", strconv.Itoa(int(t.Z)), -1)
	return url
}
