package pipeline

import (
	"image"

	"golang.org/x/image/draw"
)

// Composite restores the refined cutout to the original resolution and
// centres it on a fully transparent canvas of exactly width x height.
func Composite(cutout image.Image, scale ScaleFactor, width, height int, rs Resampler) *image.NRGBA {
	if !scale.Identity() {
		cutout = snapAlpha(rs.Resize(cutout, width, height))
	}

	canvas := image.NewNRGBA(image.Rect(0, 0, width, height))

	src := cutout.Bounds()
	offset := image.Pt((width-src.Dx())/2, (height-src.Dy())/2)

	// Clip the paste to the canvas; a cutout larger than the canvas would
	// otherwise write out of bounds.
	dst := image.Rectangle{Min: offset, Max: offset.Add(src.Size())}.Intersect(canvas.Bounds())
	if dst.Empty() {
		return canvas
	}
	sp := src.Min.Add(dst.Min.Sub(offset))

	draw.Draw(canvas, dst, cutout, sp, draw.Over)
	return canvas
}

// snapAlpha re-binarizes alpha at the midpoint after resampling has softened
// the cutout edges.
func snapAlpha(img image.Image) *image.NRGBA {
	out, ok := img.(*image.NRGBA)
	if !ok {
		out = image.NewNRGBA(image.Rect(0, 0, img.Bounds().Dx(), img.Bounds().Dy()))
		draw.Draw(out, out.Bounds(), img, img.Bounds().Min, draw.Src)
	}

	w := out.Bounds().Dx()
	for y := 0; y < out.Bounds().Dy(); y++ {
		row := out.Pix[y*out.Stride : y*out.Stride+w*4]
		for i := 3; i < len(row); i += 4 {
			if row[i] < 128 {
				row[i] = 0
			} else {
				row[i] = 255
			}
		}
	}
	return out
}
