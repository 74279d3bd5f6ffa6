package pipeline

import (
	"image"
	"image/color"
	"testing"
)

func TestRefineAlphaThresholds(t *testing.T) {
	cases := []struct {
		in   uint8
		want uint8
	}{
		{0, 0},
		{50, 0},
		{99, 0},
		{100, 0},
		{150, 0},
		{179, 0},
		{180, 255},
		{181, 255},
		{254, 255},
		{255, 255},
	}

	img := image.NewNRGBA(image.Rect(0, 0, len(cases), 1))
	for x, tc := range cases {
		img.SetNRGBA(x, 0, color.NRGBA{R: 10, G: 20, B: 30, A: tc.in})
	}

	out := RefineAlpha(img, 2)
	for x, tc := range cases {
		if got := out.NRGBAAt(x, 0).A; got != tc.want {
			t.Fatalf("alpha %d: expected %d, got %d", tc.in, tc.want, got)
		}
	}
}

func TestRefineAlphaLeavesRGBAndInputUntouched(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 3, 2))
	img.SetNRGBA(0, 0, color.NRGBA{R: 1, G: 2, B: 3, A: 10})
	img.SetNRGBA(1, 0, color.NRGBA{R: 200, G: 100, B: 50, A: 200})
	img.SetNRGBA(2, 1, color.NRGBA{R: 7, G: 8, B: 9, A: 179})

	out := RefineAlpha(img, 4)

	for y := 0; y < 2; y++ {
		for x := 0; x < 3; x++ {
			in, got := img.NRGBAAt(x, y), out.NRGBAAt(x, y)
			if in.R != got.R || in.G != got.G || in.B != got.B {
				t.Fatalf("pixel (%d,%d): rgb changed from %v to %v", x, y, in, got)
			}
		}
	}
	if img.NRGBAAt(1, 0).A != 200 {
		t.Fatal("input image must not be modified")
	}
}

func TestRefineAlphaIsIdempotent(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 9, A: uint8((x*64 + y) % 256)})
		}
	}

	once := RefineAlpha(img, 3)
	twice := RefineAlpha(once, 3)

	for i := 3; i < len(once.Pix); i += 4 {
		if a := once.Pix[i]; a != 0 && a != 255 {
			t.Fatalf("expected binary alpha, got %d", a)
		}
	}
	for i := range once.Pix {
		if once.Pix[i] != twice.Pix[i] {
			t.Fatalf("refine is not idempotent at byte %d: %d vs %d", i, once.Pix[i], twice.Pix[i])
		}
	}
}
