package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"
)

const rembgRemovePath = "/api/remove"

type RembgOptions struct {
	BaseURL         string
	Model           string
	Timeout         time.Duration
	AlphaMatting    bool
	PostProcessMask bool
	HTTPClient      *http.Client
}

// RembgExtractor calls a rembg HTTP server. The image is uploaded as PNG in
// the multipart field "file" and the response body is the cutout PNG.
type RembgExtractor struct {
	endpoint        string
	model           string
	alphaMatting    bool
	postProcessMask bool
	httpClient      *http.Client
}

func NewRembgExtractor(opts RembgOptions) (*RembgExtractor, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("rembg extractor requires a base URL")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid rembg base URL: %w", err)
	}

	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "u2net"
	}

	return &RembgExtractor{
		endpoint:        base + rembgRemovePath,
		model:           model,
		alphaMatting:    opts.AlphaMatting,
		postProcessMask: opts.PostProcessMask,
		httpClient:      client,
	}, nil
}

func (e *RembgExtractor) Name() string { return ExtractorRembg }

func (e *RembgExtractor) ExtractForeground(ctx context.Context, img image.Image) (image.Image, error) {
	body, contentType, err := e.buildForm(img)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build rembg request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "image/png")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call rembg: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("rembg returned status=%d body=%q", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	out, err := imaging.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decode rembg response: %w", err)
	}

	in, got := img.Bounds(), out.Bounds()
	if in.Dx() != got.Dx() || in.Dy() != got.Dy() {
		return nil, fmt.Errorf("rembg returned %dx%d for a %dx%d input", got.Dx(), got.Dy(), in.Dx(), in.Dy())
	}
	return out, nil
}

func (e *RembgExtractor) buildForm(img image.Image) (*bytes.Buffer, string, error) {
	encoded, err := EncodePNG(img)
	if err != nil {
		return nil, "", err
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "image.png")
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(encoded); err != nil {
		return nil, "", fmt.Errorf("write form file: %w", err)
	}

	fields := [][2]string{
		{"model", e.model},
		{"a", strconv.FormatBool(e.alphaMatting)},
		{"ppm", strconv.FormatBool(e.postProcessMask)},
		{"om", "false"},
	}
	for _, f := range fields {
		if err := writer.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("write form field %s: %w", f[0], err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}

	return body, writer.FormDataContentType(), nil
}
