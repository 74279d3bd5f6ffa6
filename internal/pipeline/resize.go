package pipeline

import (
	"image"
	"math"
)

const DefaultMaxDimension = 1200

// ScaleFactor is original_longer_side / working_longer_side, applied to both
// axes. 1 means the working image is the original.
type ScaleFactor float64

func (s ScaleFactor) Identity() bool {
	return s == 1
}

// ResizeForProcessing bounds the longer side of img to maxDimension. Images
// already within the bound are returned as is with a scale of 1.
func ResizeForProcessing(img image.Image, maxDimension int, rs Resampler) (image.Image, ScaleFactor) {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	longer := max(width, height)

	if maxDimension <= 0 || longer <= maxDimension {
		return img, 1
	}

	ratio := float64(maxDimension) / float64(longer)
	newWidth, newHeight := maxDimension, maxDimension
	if width >= height {
		newHeight = max(1, int(math.Round(float64(height)*ratio)))
	} else {
		newWidth = max(1, int(math.Round(float64(width)*ratio)))
	}

	return rs.Resize(img, newWidth, newHeight), ScaleFactor(float64(longer) / float64(maxDimension))
}
