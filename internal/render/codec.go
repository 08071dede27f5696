package render

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"github.com/chai2010/webp"

	"github.com/atlasdatatech/rgbtiler/internal/tile"
)

var pngEncoder = png.Encoder{CompressionLevel: png.DefaultCompression}

// Encode compresses img losslessly in format f.
func Encode(img image.Image, f tile.Format) ([]byte, error) {
	var buf bytes.Buffer
	switch f {
	case tile.PNG:
		if err := pngEncoder.Encode(&buf, img); err != nil {
			return nil, err
		}
	case tile.WEBP:
		if err := webp.Encode(&buf, img, &webp.Options{Lossless: true}); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported tile format %q", f)
	}
	return buf.Bytes(), nil
}
