package domain

import (
	"encoding/base64"
	"errors"
)

const pngDataURIPrefix = "data:image/png;base64,"

// ProcessedResult is the outcome of one successful pipeline run. It is shared
// between the result cache and every response that reads it, so it never
// changes after construction and callers must treat the returned byte slices
// as read-only.
type ProcessedResult struct {
	originalPNG []byte
	cutoutPNG   []byte
	width       int
	height      int
}

func NewProcessedResult(originalPNG, cutoutPNG []byte, width, height int) (*ProcessedResult, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.New("processed result requires positive dimensions")
	}
	if len(originalPNG) == 0 || len(cutoutPNG) == 0 {
		return nil, errors.New("processed result requires encoded images")
	}

	return &ProcessedResult{
		originalPNG: originalPNG,
		cutoutPNG:   cutoutPNG,
		width:       width,
		height:      height,
	}, nil
}

func (r *ProcessedResult) OriginalPNG() []byte { return r.originalPNG }

func (r *ProcessedResult) CutoutPNG() []byte { return r.cutoutPNG }

func (r *ProcessedResult) Width() int { return r.width }

func (r *ProcessedResult) Height() int { return r.height }

// Bytes is the encoded size of both images.
func (r *ProcessedResult) Bytes() int {
	return len(r.originalPNG) + len(r.cutoutPNG)
}

type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ProcessImageResponse is the JSON body returned by POST /api/process-image.
type ProcessImageResponse struct {
	OriginalImage  string     `json:"originalImage"`
	ProcessedImage string     `json:"processedImage"`
	Width          int        `json:"width"`
	Height         int        `json:"height"`
	Dimensions     Dimensions `json:"dimensions"`
}

func (r *ProcessedResult) Response() ProcessImageResponse {
	return ProcessImageResponse{
		OriginalImage:  PNGDataURI(r.originalPNG),
		ProcessedImage: PNGDataURI(r.cutoutPNG),
		Width:          r.width,
		Height:         r.height,
		Dimensions: Dimensions{
			Width:  r.width,
			Height: r.height,
		},
	}
}

func PNGDataURI(data []byte) string {
	return pngDataURIPrefix + base64.StdEncoding.EncodeToString(data)
}
