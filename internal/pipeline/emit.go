package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dunamismax/cutout/internal/domain"
)

const (
	originalFileName = "original.png"
	cutoutFileName   = "cutout.png"
	pngContentType   = "image/png"
)

// Output describes where an emitted result was written.
type Output struct {
	OriginalPath string `json:"original_path"`
	CutoutPath   string `json:"cutout_path"`
	Bytes        int    `json:"bytes"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
}

// Emitter persists a processed result under key.
type Emitter interface {
	Emit(ctx context.Context, key string, res *domain.ProcessedResult) (Output, error)
}

type LocalFileEmitter struct {
	OutputDir string
}

func (e LocalFileEmitter) Emit(_ context.Context, key string, res *domain.ProcessedResult) (Output, error) {
	if strings.TrimSpace(e.OutputDir) == "" {
		return Output{}, errors.New("output directory is required")
	}
	if res == nil {
		return Output{}, errors.New("result is required")
	}

	dir := filepath.Join(e.OutputDir, sanitizePathToken(key))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Output{}, fmt.Errorf("create output dir: %w", err)
	}

	originalPath := filepath.Join(dir, originalFileName)
	if err := os.WriteFile(originalPath, res.OriginalPNG(), 0o644); err != nil {
		return Output{}, fmt.Errorf("write original: %w", err)
	}
	cutoutPath := filepath.Join(dir, cutoutFileName)
	if err := os.WriteFile(cutoutPath, res.CutoutPNG(), 0o644); err != nil {
		return Output{}, fmt.Errorf("write cutout: %w", err)
	}

	return outputFor(res, originalPath, cutoutPath), nil
}

type objectWriter interface {
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

type ObjectStoreEmitter struct {
	Storage      objectWriter
	OutputPrefix string
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, key string, res *domain.ProcessedResult) (Output, error) {
	if e.Storage == nil {
		return Output{}, errors.New("storage client is required")
	}
	if res == nil {
		return Output{}, errors.New("result is required")
	}

	prefix := path.Join(defaultOutputPrefix(e.OutputPrefix), sanitizePathToken(key))
	originalKey := path.Join(prefix, originalFileName)
	cutoutKey := path.Join(prefix, cutoutFileName)

	if err := e.Storage.WriteObject(ctx, originalKey, res.OriginalPNG(), pngContentType); err != nil {
		return Output{}, err
	}
	if err := e.Storage.WriteObject(ctx, cutoutKey, res.CutoutPNG(), pngContentType); err != nil {
		return Output{}, err
	}

	return outputFor(res, originalKey, cutoutKey), nil
}

func outputFor(res *domain.ProcessedResult, originalPath, cutoutPath string) Output {
	return Output{
		OriginalPath: originalPath,
		CutoutPath:   cutoutPath,
		Bytes:        res.Bytes(),
		Width:        res.Width(),
		Height:       res.Height(),
	}
}

func defaultOutputPrefix(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return "outputs"
	}
	return prefix
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, in)
}
