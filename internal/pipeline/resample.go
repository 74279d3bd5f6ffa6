package pipeline

import (
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
)

const (
	ResamplerLanczos = "lanczos"
	ResamplerNfnt    = "nfnt"
	ResamplerVips    = "vips"
)

// Resampler scales an image to exact pixel dimensions with a high quality
// (Lanczos class) filter.
type Resampler interface {
	Name() string
	Resize(img image.Image, width, height int) image.Image
}

func NewResampler(name string) (Resampler, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", ResamplerLanczos, "imaging":
		return lanczosResampler{}, nil
	case ResamplerNfnt:
		return nfntResampler{}, nil
	case ResamplerVips:
		return newVipsResampler()
	default:
		return nil, fmt.Errorf("unsupported resampler: %s", name)
	}
}

// lanczosResampler spreads the work across GOMAXPROCS goroutines internally.
type lanczosResampler struct{}

func (lanczosResampler) Name() string { return ResamplerLanczos }

func (lanczosResampler) Resize(img image.Image, width, height int) image.Image {
	return imaging.Resize(img, width, height, imaging.Lanczos)
}

type nfntResampler struct{}

func (nfntResampler) Name() string { return ResamplerNfnt }

func (nfntResampler) Resize(img image.Image, width, height int) image.Image {
	return resize.Resize(uint(width), uint(height), img, resize.Lanczos3)
}
