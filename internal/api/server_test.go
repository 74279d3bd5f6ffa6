package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dunamismax/cutout/internal/cache"
	"github.com/dunamismax/cutout/internal/domain"
	"github.com/dunamismax/cutout/internal/id"
	"github.com/dunamismax/cutout/internal/pipeline"
	"github.com/dunamismax/cutout/internal/queue"
	"github.com/dunamismax/cutout/internal/ratelimit"
	"github.com/dunamismax/cutout/internal/store"
)

func newPipeline(t *testing.T) *pipeline.Processor {
	t.Helper()

	rs, err := pipeline.NewResampler(pipeline.ResamplerLanczos)
	require.NoError(t, err)
	extractor := pipeline.NewChromaKeyExtractor(pipeline.ChromaKeyOptions{PostProcessMask: true})
	p, err := pipeline.NewProcessor(extractor, rs, cache.New(cache.DefaultCapacity), pipeline.Options{})
	require.NoError(t, err)
	return p
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBA{R: 245, G: 245, B: 245, A: 255}
			if x > w/3 && x < 2*w/3 && y > h/3 && y < 2*h/3 {
				c = color.NRGBA{R: 30, G: 90, B: 200, A: 255}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func multipartRequest(t *testing.T, path, field string, data []byte, fields map[string]string) *http.Request {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if field != "" {
		part, err := mw.CreateFormFile(field, "upload.png")
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestProcessImageRequiresImageField(t *testing.T) {
	s := NewServer(zap.NewNop(), newPipeline(t), Options{})

	rec := serve(s, multipartRequest(t, "/api/process-image", "", nil, map[string]string{"note": "x"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "No image file provided", decodeBody(t, rec)["error"])

	rec = serve(s, httptest.NewRequest(http.MethodPost, "/api/process-image", strings.NewReader("plain")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "No image file provided", decodeBody(t, rec)["error"])
}

func TestProcessImageRejectsNonImageWith500(t *testing.T) {
	s := NewServer(zap.NewNop(), newPipeline(t), Options{})

	rec := serve(s, multipartRequest(t, "/api/process-image", "image", []byte("not an image at all"), nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	msg, _ := decodeBody(t, rec)["error"].(string)
	assert.Contains(t, msg, "Error processing image")
	assert.Contains(t, msg, "decode image")
	assert.Contains(t, msg, "goroutine", "stack text is included")
}

func TestProcessImageReturnsBothImages(t *testing.T) {
	s := NewServer(zap.NewNop(), newPipeline(t), Options{})

	rec := serve(s, multipartRequest(t, "/api/process-image", "image", testPNG(t, 300, 200), nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp domain.ProcessImageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 300, resp.Width)
	assert.Equal(t, 200, resp.Height)
	assert.Equal(t, domain.Dimensions{Width: 300, Height: 200}, resp.Dimensions)
	require.True(t, strings.HasPrefix(resp.OriginalImage, "data:image/png;base64,"))
	require.True(t, strings.HasPrefix(resp.ProcessedImage, "data:image/png;base64,"))

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(resp.ProcessedImage, "data:image/png;base64,"))
	require.NoError(t, err)
	cutout, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(300, 200), cutout.Bounds().Size())
	_, _, _, a := cutout.At(5, 5).RGBA()
	assert.Zero(t, a)
	_, _, _, a = cutout.At(150, 100).RGBA()
	assert.EqualValues(t, 0xffff, a)
}

func TestProcessImageRejectsOversizedUploads(t *testing.T) {
	s := NewServer(zap.NewNop(), newPipeline(t), Options{MaxUploadBytes: 1024})

	rec := serve(s, multipartRequest(t, "/api/process-image", "image", bytes.Repeat([]byte{1}, 8192), nil))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "Image exceeds upload limit", decodeBody(t, rec)["error"])
}

type panickingProcessor struct{}

func (panickingProcessor) Process(context.Context, []byte) (*domain.ProcessedResult, error) {
	panic("boom")
}

func TestPanicsBecome500(t *testing.T) {
	s := NewServer(zap.NewNop(), panickingProcessor{}, Options{})

	rec := serve(s, multipartRequest(t, "/api/process-image", "image", []byte{1, 2, 3}, nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "boom")
}

func TestCORS(t *testing.T) {
	s := NewServer(zap.NewNop(), newPipeline(t), Options{})

	req := httptest.NewRequest(http.MethodOptions, "/api/process-image", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := serve(s, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")

	restricted := NewServer(zap.NewNop(), newPipeline(t), Options{AllowedOrigins: []string{"https://app.example"}})
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://app.example")
	rec = serve(restricted, req)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = serve(restricted, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

type stubLimiter struct {
	decision ratelimit.Decision
	err      error
	subjects []string
}

func (l *stubLimiter) Allow(_ context.Context, subject string) (ratelimit.Decision, error) {
	l.subjects = append(l.subjects, subject)
	return l.decision, l.err
}

func TestRateLimitRejectsUploads(t *testing.T) {
	limiter := &stubLimiter{decision: ratelimit.Decision{Allowed: false, RetryAfter: 2400 * time.Millisecond}}
	s := NewServer(zap.NewNop(), newPipeline(t), Options{RateLimiter: limiter})

	req := multipartRequest(t, "/api/process-image", "image", testPNG(t, 10, 10), nil)
	req.RemoteAddr = "192.0.2.7:51234"
	rec := serve(s, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, []string{"192.0.2.7:/api/process-image"}, limiter.subjects)

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "reads are not limited")
}

func TestRateLimiterFailureLetsRequestsThrough(t *testing.T) {
	limiter := &stubLimiter{err: errors.New("redis down")}
	s := NewServer(zap.NewNop(), newPipeline(t), Options{RateLimiter: limiter})

	rec := serve(s, multipartRequest(t, "/api/process-image", "image", testPNG(t, 10, 10), nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := NewServer(zap.NewNop(), newPipeline(t), Options{Registry: prometheus.NewRegistry()})

	serve(s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `cutout_api_requests_total{method="GET",route="/healthz",status="200"} 1`)
}

func TestRouteLabel(t *testing.T) {
	cases := map[string]string{
		"/api/process-image": "/api/process-image",
		"/v1/jobs":           "/v1/jobs",
		"/v1/jobs/2NfA":      "/v1/jobs/{id}",
		"/healthz":           "/healthz",
		"/wp-login.php":      "other",
	}
	for path, want := range cases {
		assert.Equal(t, want, routeLabel(path), path)
	}
}

type fakeQueue struct {
	mu       sync.Mutex
	payloads []queue.RemoveBackgroundPayload
	err      error
}

func (q *fakeQueue) EnqueueRemoveBackground(_ context.Context, payload queue.RemoveBackgroundPayload) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	q.payloads = append(q.payloads, payload)
	return &asynq.TaskInfo{ID: payload.JobID, Queue: "default"}, nil
}

type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (s *fakeStorage) WriteObject(_ context.Context, key string, data []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objects == nil {
		s.objects = map[string][]byte{}
	}
	s.objects[key] = data
	return nil
}

func newJobsServer(t *testing.T, q *fakeQueue) (*Server, *fakeStorage, store.JobStore) {
	t.Helper()

	objects := &fakeStorage{}
	jobs := store.NewMemoryJobStore()
	s := NewServer(zap.NewNop(), newPipeline(t), Options{Queue: q, Storage: objects, JobStore: jobs})
	return s, objects, jobs
}

func TestCreateAndGetJob(t *testing.T) {
	q := &fakeQueue{}
	s, objects, jobs := newJobsServer(t, q)
	upload := testPNG(t, 40, 30)

	rec := serve(s, multipartRequest(t, "/v1/jobs", "image", upload, map[string]string{
		"webhook_url": "https://hooks.example/cutout",
	}))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	jobID, _ := body["job_id"].(string)
	require.True(t, id.Valid(jobID))
	assert.Equal(t, domain.JobStatusQueued, body["status"])
	assert.Equal(t, "default", body["queue"])
	assert.Equal(t, jobID, body["task_id"])

	assert.Equal(t, upload, objects.objects["uploads/"+jobID+"/source"])
	require.Len(t, q.payloads, 1)
	assert.Equal(t, "uploads/"+jobID+"/source", q.payloads[0].SourceKey)
	assert.Equal(t, "https://hooks.example/cutout", q.payloads[0].WebhookURL)

	stored, ok, err := jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.JobStatusQueued, stored.Status)

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+jobID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got domain.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, jobID, got.ID)
	assert.Equal(t, domain.JobStatusQueued, got.Status)

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+id.New(), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = serve(s, httptest.NewRequest(http.MethodGet, "/v1/jobs/not-a-ksuid", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateJobValidatesInput(t *testing.T) {
	q := &fakeQueue{}
	s, _, _ := newJobsServer(t, q)

	rec := serve(s, multipartRequest(t, "/v1/jobs", "image", []byte("plain text"), nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(s, multipartRequest(t, "/v1/jobs", "image", testPNG(t, 8, 8), map[string]string{"webhook_url": "ftp://x"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(s, multipartRequest(t, "/v1/jobs", "", nil, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Empty(t, q.payloads)
}

func TestCreateJobMarksJobFailedWhenEnqueueFails(t *testing.T) {
	q := &fakeQueue{err: errors.New("redis unavailable")}
	s, objects, jobs := newJobsServer(t, q)

	rec := serve(s, multipartRequest(t, "/v1/jobs", "image", testPNG(t, 8, 8), nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	require.Len(t, objects.objects, 1)
	for key := range objects.objects {
		jobID := strings.TrimSuffix(strings.TrimPrefix(key, "uploads/"), "/source")
		job, ok, err := jobs.Get(context.Background(), jobID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, domain.JobStatusFailed, job.Status)
		assert.Equal(t, "enqueue failed", job.Error)
	}
}

func TestJobsDisabled(t *testing.T) {
	s := NewServer(zap.NewNop(), newPipeline(t), Options{})

	rec := serve(s, multipartRequest(t, "/v1/jobs", "image", testPNG(t, 8, 8), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, false, decodeBody(t, rec)["jobs"])
}
