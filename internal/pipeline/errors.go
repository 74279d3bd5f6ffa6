package pipeline

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// Error kinds reported by Kind.
const (
	KindNone       = "none"
	KindDecode     = "decode"
	KindExtraction = "extraction"
	KindInternal   = "internal"
)

var (
	ErrEmptyInput       = errors.New("image data is empty")
	ErrInvalidDimension = errors.New("image has invalid dimensions")
)

// DecodeError reports upload bytes that are not a decodable raster image.
type DecodeError struct {
	Err   error
	stack []byte
}

func newDecodeError(err error) *DecodeError {
	return &DecodeError{Err: err, stack: debug.Stack()}
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ExtractionError reports a failure of the background extractor. It is never
// retried.
type ExtractionError struct {
	Backend string
	Err     error
	stack   []byte
}

func newExtractionError(backend string, err error) *ExtractionError {
	return &ExtractionError{Backend: backend, Err: err, stack: debug.Stack()}
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract foreground (%s): %v", e.Backend, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// StackTrace returns the stack captured where err was created, or nil if err
// carries none.
func StackTrace(err error) []byte {
	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		return decodeErr.stack
	}
	var extractErr *ExtractionError
	if errors.As(err, &extractErr) {
		return extractErr.stack
	}
	return nil
}

// Kind classifies err for logs and metrics.
func Kind(err error) string {
	var decodeErr *DecodeError
	var extractErr *ExtractionError
	switch {
	case err == nil:
		return KindNone
	case errors.As(err, &decodeErr):
		return KindDecode
	case errors.As(err, &extractErr):
		return KindExtraction
	default:
		return KindInternal
	}
}
