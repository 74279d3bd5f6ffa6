package pipeline

import (
	"image"

	"github.com/disintegration/imaging"
)

const (
	// shadowCutoff clears faint shadows and halos left by segmentation.
	shadowCutoff uint8 = 180
	// binarizeCutoff splits what survives into fully transparent or fully
	// opaque. After shadowCutoff every surviving value is already >= 180, so
	// this stage only lifts foreground to 255. Both stages are kept as is.
	binarizeCutoff uint8 = 100
)

// RefineAlpha returns a copy of img whose alpha channel is strictly 0 or 255.
// RGB channels are copied unchanged.
func RefineAlpha(img image.Image, threads int) *image.NRGBA {
	out := imaging.Clone(img)
	h := out.Bounds().Dy()
	w := out.Bounds().Dx()

	forEachRowBand(h, threads, func(y0, y1 int) {
		for y := y0; y < y1; y++ {
			row := out.Pix[y*out.Stride : y*out.Stride+w*4]
			for i := 3; i < len(row); i += 4 {
				row[i] = refineAlphaValue(row[i])
			}
		}
	})
	return out
}

func refineAlphaValue(a uint8) uint8 {
	if a < shadowCutoff {
		a = 0
	}
	if a < binarizeCutoff {
		return 0
	}
	return 255
}
