package pipeline

import (
	"context"
	"fmt"
	"image"
	"strings"
	"time"
)

const (
	ExtractorChromaKey = "chromakey"
	ExtractorRembg     = "rembg"
)

// Extractor segments the foreground of an image. The returned image has the
// same width and height as the input and an alpha channel marking foreground.
type Extractor interface {
	Name() string
	ExtractForeground(ctx context.Context, img image.Image) (image.Image, error)
}

type ExtractorOptions struct {
	Backend string

	// rembg server settings.
	RembgURL   string
	RembgModel string
	Timeout    time.Duration

	// chromakey settings.
	Tolerance float64
	Softness  float64

	// AlphaMatting stays off in the fast profile; PostProcessMask stays on.
	AlphaMatting    bool
	PostProcessMask bool
	Threads         int
}

func NewExtractor(opts ExtractorOptions) (Extractor, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", ExtractorChromaKey:
		return NewChromaKeyExtractor(ChromaKeyOptions{
			Tolerance:       opts.Tolerance,
			Softness:        opts.Softness,
			PostProcessMask: opts.PostProcessMask,
			Threads:         opts.Threads,
		}), nil
	case ExtractorRembg:
		return NewRembgExtractor(RembgOptions{
			BaseURL:         opts.RembgURL,
			Model:           opts.RembgModel,
			Timeout:         opts.Timeout,
			AlphaMatting:    opts.AlphaMatting,
			PostProcessMask: opts.PostProcessMask,
		})
	default:
		return nil, fmt.Errorf("unsupported extractor backend: %s", opts.Backend)
	}
}
