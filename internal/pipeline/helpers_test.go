package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync/atomic"
	"testing"
)

var (
	backdrop = color.NRGBA{R: 250, G: 250, B: 250, A: 255}
	subject  = color.NRGBA{R: 200, G: 30, B: 40, A: 255}
)

// photo returns an opaque image with a flat backdrop and a solid subject
// rectangle.
func photo(w, h int, subjectRect image.Rectangle) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := backdrop
			if image.Pt(x, y).In(subjectRect) {
				c = subject
			}
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func encodeTestPNG(t testing.TB, img image.Image) []byte {
	t.Helper()

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test png: %v", err)
	}
	return buf.Bytes()
}

func decodeTestPNG(t testing.TB, data []byte) image.Image {
	t.Helper()

	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode test png: %v", err)
	}
	return img
}

func alphaAt(img image.Image, x, y int) uint8 {
	return color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA).A
}

type countingExtractor struct {
	inner Extractor
	calls atomic.Int64
}

func (e *countingExtractor) Name() string { return "counting" }

func (e *countingExtractor) ExtractForeground(ctx context.Context, img image.Image) (image.Image, error) {
	e.calls.Add(1)
	return e.inner.ExtractForeground(ctx, img)
}

type failingExtractor struct {
	calls atomic.Int64
}

func (e *failingExtractor) Name() string { return "failing" }

func (e *failingExtractor) ExtractForeground(context.Context, image.Image) (image.Image, error) {
	e.calls.Add(1)
	return nil, errors.New("segmentation model crashed")
}

// blockingExtractor signals entered and then waits for release.
type blockingExtractor struct {
	entered chan struct{}
	release chan struct{}
}

func (e *blockingExtractor) Name() string { return "blocking" }

func (e *blockingExtractor) ExtractForeground(_ context.Context, img image.Image) (image.Image, error) {
	e.entered <- struct{}{}
	<-e.release
	return NewChromaKeyExtractor(ChromaKeyOptions{}).ExtractForeground(context.Background(), img)
}
