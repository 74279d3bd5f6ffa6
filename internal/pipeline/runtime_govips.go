//go:build govips && cgo

package pipeline

import (
	"bytes"
	"image"
	"image/png"
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/disintegration/imaging"
)

var (
	startupOnce sync.Once
	shutdownMu  sync.Mutex
	started     bool
)

func Startup() error {
	startupOnce.Do(func() {
		vips.Startup(&vips.Config{
			ConcurrencyLevel: 4,
			MaxCacheFiles:    0,
			MaxCacheMem:      128 * 1024 * 1024,
			MaxCacheSize:     100,
		})

		shutdownMu.Lock()
		started = true
		shutdownMu.Unlock()
	})
	return nil
}

func Shutdown() {
	shutdownMu.Lock()
	defer shutdownMu.Unlock()
	if !started {
		return
	}
	vips.Shutdown()
	started = false
}

func newVipsResampler() (Resampler, error) {
	if err := Startup(); err != nil {
		return nil, err
	}
	return vipsResampler{fallback: lanczosResampler{}}, nil
}

// vipsResampler round-trips through an uncompressed PNG buffer because libvips
// cannot read a Go image.Image directly. Any vips failure falls back to the
// pure Go filter so Resize keeps its no-error contract.
type vipsResampler struct {
	fallback Resampler
}

func (vipsResampler) Name() string { return ResamplerVips }

func (r vipsResampler) Resize(img image.Image, width, height int) image.Image {
	out, err := r.resize(img, width, height)
	if err != nil {
		return r.fallback.Resize(img, width, height)
	}
	return out
}

func (r vipsResampler) resize(img image.Image, width, height int) (image.Image, error) {
	var buf bytes.Buffer
	encoder := png.Encoder{CompressionLevel: png.NoCompression}
	if err := encoder.Encode(&buf, img); err != nil {
		return nil, err
	}

	ref, err := vips.NewImageFromBuffer(buf.Bytes())
	if err != nil {
		return nil, err
	}
	defer ref.Close()

	hscale := float64(width) / float64(ref.Width())
	vscale := float64(height) / float64(ref.Height())
	if err := ref.ResizeWithVScale(hscale, vscale, vips.KernelLanczos3); err != nil {
		return nil, err
	}

	params := vips.NewPngExportParams()
	params.Compression = 0
	data, _, err := ref.ExportPng(params)
	if err != nil {
		return nil, err
	}

	out, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	// vips rounds scaled dimensions independently; force the exact target.
	if b := out.Bounds(); b.Dx() != width || b.Dy() != height {
		return r.fallback.Resize(out, width, height), nil
	}
	return out, nil
}
