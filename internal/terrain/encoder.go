// Package terrain implements the terrain-RGB ("mapbox") elevation encoding.
package terrain

import (
	"fmt"
	"image/color"
	"math"
	"strconv"
	"strings"
)

//MaxValue 24位编码上限
const MaxValue = 1<<24 - 1

// Encoding name written to TileJSON and tileset metadata.
const Encoding = "mapbox"

// Defaults match rio-rgbify.
const (
	DefaultBase     = -10000.0
	DefaultInterval = 0.1
)

//Params 编码参数
type Params struct {
	Base        float64
	Interval    float64
	RoundDigits int
}

// DefaultParams returns base -10000, interval 0.1, no rounding.
func DefaultParams() Params {
	return Params{Base: DefaultBase, Interval: DefaultInterval}
}

// Validate checks interval and rounding digits.
func (p Params) Validate() error {
	if math.IsNaN(p.Base) || math.IsInf(p.Base, 0) {
		return fmt.Errorf("base value must be finite, got %v", p.Base)
	}
	if !(p.Interval > 0) || math.IsInf(p.Interval, 0) {
		return fmt.Errorf("interval must be > 0, got %v", p.Interval)
	}
	if p.RoundDigits < 0 || p.RoundDigits > 23 {
		return fmt.Errorf("round digits must be in [0,23], got %d", p.RoundDigits)
	}
	return nil
}

// Range returns the encodable elevation interval.
func (p Params) Range() (min, max float64) {
	return p.Base, p.Base + p.Interval*MaxValue
}

// Quantize maps an elevation to its 24 bit code. Round digits clear the
// least significant bits, so the code is a multiple of 2^RoundDigits.
func (p Params) Quantize(e float64) (uint32, error) {
	v := (e - p.Base) / p.Interval
	step := math.Ldexp(1, p.RoundDigits)
	q := math.RoundToEven(v/step) * step
	if math.IsNaN(q) || q < 0 || q > MaxValue {
		min, max := p.Range()
		return 0, &RangeError{Value: e, Min: min, Max: max}
	}
	return uint32(q), nil
}

// Encode splits the quantized elevation into an R,G,B triple.
func (p Params) Encode(e float64) (r, g, b uint8, err error) {
	q, err := p.Quantize(e)
	if err != nil {
		return 0, 0, 0, err
	}
	return uint8(q >> 16 & 0xFF), uint8(q >> 8 & 0xFF), uint8(q & 0xFF), nil
}

// Decode is the inverse of Encode, up to quantization.
func (p Params) Decode(r, g, b uint8) float64 {
	q := uint32(r)<<16 | uint32(g)<<8 | uint32(b)
	return p.Base + float64(q)*p.Interval
}

// Pixel returns the opaque color for e, or the sentinel for nodata samples.
func (p Params) Pixel(e float64, nodata bool, s Sentinel) (color.NRGBA, error) {
	if nodata {
		return s.NRGBA(), nil
	}
	r, g, b, err := p.Encode(e)
	if err != nil {
		return color.NRGBA{}, err
	}
	return color.NRGBA{R: r, G: g, B: b, A: 0xFF}, nil
}

//RangeError 高程超出可编码范围
type RangeError struct {
	Value float64
	Min   float64
	Max   float64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("elevation %v outside encodable range [%v, %v]", e.Value, e.Min, e.Max)
}

// Sentinel is the color written for nodata pixels.
type Sentinel struct {
	R, G, B, A uint8
}

// Transparent is the default nodata color.
var Transparent = Sentinel{}

// NRGBA converts the sentinel to a color.
func (s Sentinel) NRGBA() color.NRGBA {
	return color.NRGBA{R: s.R, G: s.G, B: s.B, A: s.A}
}

func (s Sentinel) String() string {
	if s == Transparent {
		return "transparent"
	}
	return fmt.Sprintf("%d,%d,%d,%d", s.R, s.G, s.B, s.A)
}

// ParseSentinel accepts "transparent", "black" or "R,G,B[,A]".
func ParseSentinel(v string) (Sentinel, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "transparent":
		return Transparent, nil
	case "black":
		return Sentinel{A: 0xFF}, nil
	}
	parts := strings.Split(v, ",")
	if len(parts) != 3 && len(parts) != 4 {
		return Sentinel{}, fmt.Errorf("nodata color %q: want transparent, black or R,G,B[,A]", v)
	}
	c := [4]uint8{0, 0, 0, 0xFF}
	for i, part := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(part), 10, 8)
		if err != nil {
			return Sentinel{}, fmt.Errorf("nodata color %q: %w", v, err)
		}
		c[i] = uint8(n)
	}
	return Sentinel{R: c[0], G: c[1], B: c[2], A: c[3]}, nil
}
