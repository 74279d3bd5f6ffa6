package pipeline

import (
	"golang.org/x/sync/errgroup"
)

// forEachRowBand splits [0, height) into contiguous bands and runs fn on up to
// threads bands concurrently. fn must only touch rows inside its band.
func forEachRowBand(height, threads int, fn func(y0, y1 int)) {
	if height <= 0 {
		return
	}
	if threads < 1 {
		threads = 1
	}
	if threads > height {
		threads = height
	}
	if threads == 1 {
		fn(0, height)
		return
	}

	band := (height + threads - 1) / threads

	var g errgroup.Group
	g.SetLimit(threads)
	for y0 := 0; y0 < height; y0 += band {
		y1 := min(y0+band, height)
		g.Go(func() error {
			fn(y0, y1)
			return nil
		})
	}
	_ = g.Wait()
}
