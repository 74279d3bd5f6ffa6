package pipeline

import (
	"context"
	"image"
	"math"

	"github.com/disintegration/imaging"
)

const (
	defaultChromaTolerance = 40
	defaultChromaSoftness  = 60
)

type ChromaKeyOptions struct {
	// Tolerance is the RGB distance from the background colour below which a
	// pixel is fully transparent.
	Tolerance float64
	// Softness is the distance over which alpha ramps from 0 to 255.
	Softness        float64
	PostProcessMask bool
	Threads         int
}

// ChromaKeyExtractor is a local segmenter for photos shot against a roughly
// uniform backdrop. The backdrop colour is the mean of the image border.
type ChromaKeyExtractor struct {
	tolerance       float64
	softness        float64
	postProcessMask bool
	threads         int
}

func NewChromaKeyExtractor(opts ChromaKeyOptions) *ChromaKeyExtractor {
	if opts.Tolerance <= 0 {
		opts.Tolerance = defaultChromaTolerance
	}
	if opts.Softness <= 0 {
		opts.Softness = defaultChromaSoftness
	}
	if opts.Threads < 1 {
		opts.Threads = 1
	}
	return &ChromaKeyExtractor{
		tolerance:       opts.Tolerance,
		softness:        opts.Softness,
		postProcessMask: opts.PostProcessMask,
		threads:         opts.Threads,
	}
}

func (e *ChromaKeyExtractor) Name() string { return ExtractorChromaKey }

func (e *ChromaKeyExtractor) ExtractForeground(_ context.Context, img image.Image) (image.Image, error) {
	out := imaging.Clone(img)
	w, h := out.Bounds().Dx(), out.Bounds().Dy()
	if w == 0 || h == 0 {
		return nil, ErrInvalidDimension
	}

	bg := borderMean(out)
	mask := make([]uint8, w*h)

	forEachRowBand(h, e.threads, func(y0, y1 int) {
		for y := y0; y < y1; y++ {
			row := y * out.Stride
			for x := 0; x < w; x++ {
				i := row + x*4
				dr := float64(out.Pix[i]) - bg[0]
				dg := float64(out.Pix[i+1]) - bg[1]
				db := float64(out.Pix[i+2]) - bg[2]
				d := math.Sqrt(dr*dr + dg*dg + db*db)

				a := (d - e.tolerance) / e.softness
				switch {
				case a <= 0:
					mask[y*w+x] = 0
				case a >= 1:
					mask[y*w+x] = 255
				default:
					mask[y*w+x] = uint8(a*255 + 0.5)
				}
			}
		}
	})

	if e.postProcessMask {
		mask = openMask(mask, w, h, e.threads)
	}

	forEachRowBand(h, e.threads, func(y0, y1 int) {
		for y := y0; y < y1; y++ {
			row := y * out.Stride
			for x := 0; x < w; x++ {
				i := row + x*4 + 3
				out.Pix[i] = min(out.Pix[i], mask[y*w+x])
			}
		}
	})

	return out, nil
}

// borderMean averages the RGB of a ring along the image edge, about 2% of the
// shorter side thick.
func borderMean(img *image.NRGBA) [3]float64 {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	ring := max(1, min(w, h)/50)

	var sum [3]float64
	var n float64
	add := func(x, y int) {
		i := y*img.Stride + x*4
		sum[0] += float64(img.Pix[i])
		sum[1] += float64(img.Pix[i+1])
		sum[2] += float64(img.Pix[i+2])
		n++
	}

	for y := 0; y < h; y++ {
		if y < ring || y >= h-ring {
			for x := 0; x < w; x++ {
				add(x, y)
			}
			continue
		}
		for x := 0; x < min(ring, w); x++ {
			add(x, y)
		}
		for x := max(ring, w-ring); x < w; x++ {
			add(x, y)
		}
	}

	return [3]float64{sum[0] / n, sum[1] / n, sum[2] / n}
}

// openMask is a 3x3 grayscale morphological opening (erode then dilate). It
// removes isolated specks smaller than the kernel without shrinking larger
// regions.
func openMask(mask []uint8, w, h, threads int) []uint8 {
	eroded := morph3x3(mask, w, h, threads, func(a, b uint8) uint8 { return min(a, b) })
	return morph3x3(eroded, w, h, threads, func(a, b uint8) uint8 { return max(a, b) })
}

func morph3x3(src []uint8, w, h, threads int, pick func(a, b uint8) uint8) []uint8 {
	dst := make([]uint8, len(src))
	forEachRowBand(h, threads, func(y0, y1 int) {
		for y := y0; y < y1; y++ {
			for x := 0; x < w; x++ {
				v := src[y*w+x]
				for ky := max(0, y-1); ky <= min(h-1, y+1); ky++ {
					for kx := max(0, x-1); kx <= min(w-1, x+1); kx++ {
						v = pick(v, src[ky*w+kx])
					}
				}
				dst[y*w+x] = v
			}
		}
	})
	return dst
}
