package convert

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"

	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
)

const (
	DefaultRasterSize = 512
	MinRasterSize     = 16
	MaxRasterSize     = 2048
)

var ErrInvalidSVG = errors.New("invalid svg")

// ClampSize maps a requested edge length onto the supported range. Zero or
// negative requests get DefaultRasterSize.
func ClampSize(size int) int {
	switch {
	case size <= 0:
		return DefaultRasterSize
	case size < MinRasterSize:
		return MinRasterSize
	case size > MaxRasterSize:
		return MaxRasterSize
	}
	return size
}

// RasterizeSVG renders svg centred on a transparent size x size canvas,
// preserving its aspect ratio, and returns PNG bytes.
func RasterizeSVG(svg []byte, size int) (out []byte, err error) {
	size = ClampSize(size)
	defer func() {
		if rvr := recover(); rvr != nil {
			out, err = nil, fmt.Errorf("%w: render panic: %v", ErrInvalidSVG, rvr)
		}
	}()

	icon, err := oksvg.ReadIconStream(bytes.NewReader(svg))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSVG, err)
	}

	w, h := icon.ViewBox.W, icon.ViewBox.H
	if w <= 0 || h <= 0 {
		w, h = float64(size), float64(size)
	}
	scale := float64(size) / max(w, h)
	outW, outH := int(w*scale), int(h*scale)
	offsetX, offsetY := (size-outW)/2, (size-outH)/2
	icon.SetTarget(float64(offsetX), float64(offsetY), float64(outW), float64(outH))

	img := image.NewRGBA(image.Rect(0, 0, size, size))
	scanner := rasterx.NewScannerGV(size, size, img, img.Bounds())
	icon.Draw(rasterx.NewDasher(size, size, scanner), 1.0)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
