// Package tile holds tile payloads, addressing schemes and the grid planner.
package tile

import (
	"fmt"
	"strings"

	"github.com/paulmach/orb/maptile"
)

//TileSize 默认瓦片大小
const TileSize = 512

//ZoomMin 最小级别
const ZoomMin = 0

//ZoomMax 最大级别
const ZoomMax = 22

//Tile 自定义瓦片存储
type Tile struct {
	T maptile.Tile
	C []byte
}

// FlipY returns the bottom-origin (TMS) row of t.
func FlipY(t maptile.Tile) uint32 {
	return (1 << uint32(t.Z)) - t.Y - 1
}

// Valid reports whether t lies inside its zoom level's grid.
func Valid(t maptile.Tile) bool {
	return t.Z <= ZoomMax && t.X < 1<<uint32(t.Z) && t.Y < 1<<uint32(t.Z)
}

// Format is the image codec of the tile payloads.
type Format string

// Constants representing TileFormat types
const (
	PNG  Format = "png"
	WEBP Format = "webp"
)

// ParseFormat accepts png or webp.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case PNG, WEBP:
		return f, nil
	}
	return "", fmt.Errorf("unsupported tile format %q (png|webp)", s)
}

// Ext is the file extension without the dot.
func (f Format) Ext() string {
	return string(f)
}

// MimeType of the encoded payloads.
func (f Format) MimeType() string {
	return "image/" + string(f)
}
