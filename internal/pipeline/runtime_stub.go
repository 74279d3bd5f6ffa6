//go:build !govips || !cgo

package pipeline

import "errors"

func Startup() error {
	return nil
}

func Shutdown() {}

func newVipsResampler() (Resampler, error) {
	return nil, errors.New("vips resampler requires the govips build tag")
}
