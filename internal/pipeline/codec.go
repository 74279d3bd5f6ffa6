package pipeline

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Decode reads any registered raster format (png, jpeg, gif, bmp, tiff, webp).
// EXIF orientation is ignored so the reported size matches the stored pixels.
func Decode(raw []byte) (image.Image, string, error) {
	if len(raw) == 0 {
		return nil, "", newDecodeError(ErrEmptyInput)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, "", newDecodeError(err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, "", newDecodeError(ErrInvalidDimension)
	}

	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, "", newDecodeError(err)
	}
	return img, format, nil
}

// EncodePNG favours speed over size; pixel data is lossless either way.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestSpeed)); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
