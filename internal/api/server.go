package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dunamismax/cutout/internal/domain"
	"github.com/dunamismax/cutout/internal/pipeline"
	"github.com/dunamismax/cutout/internal/queue"
	"github.com/dunamismax/cutout/internal/store"
)

const (
	defaultMaxUploadBytes = 32 << 20
	// multipartMemory is how much of a form is buffered in memory before
	// spilling file parts to disk.
	multipartMemory = 8 << 20
	imageField      = "image"
)

// Client-facing error messages.
const (
	msgNoImage       = "No image file provided"
	msgUploadTooBig  = "Image exceeds upload limit"
	msgInvalidUpload = "Uploaded file is not a supported image"
	msgJobsDisabled  = "async jobs are disabled"
	msgJobNotFound   = "job not found"
)

type imageProcessor interface {
	Process(ctx context.Context, raw []byte) (*domain.ProcessedResult, error)
}

type queueEnqueuer interface {
	EnqueueRemoveBackground(ctx context.Context, payload queue.RemoveBackgroundPayload) (*asynq.TaskInfo, error)
}

type objectWriter interface {
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

type Options struct {
	MaxUploadBytes int64
	AllowedOrigins []string
	// Registry receives the api metrics and is served on /metrics. A nil
	// registry gets a private one with the Go and process collectors.
	Registry    *prometheus.Registry
	RateLimiter RateLimiter

	// Async jobs are served only when all three are set.
	Queue    queueEnqueuer
	Storage  objectWriter
	JobStore store.JobStore
}

type Server struct {
	logger         *zap.Logger
	processor      imageProcessor
	queueClient    queueEnqueuer
	storage        objectWriter
	jobStore       store.JobStore
	rateLimiter    RateLimiter
	metrics        *metrics
	tracer         trace.Tracer
	allowedOrigins []string
	maxUploadBytes int64
	mux            *http.ServeMux
}

func NewServer(logger *zap.Logger, processor imageProcessor, opts Options) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	s := &Server{
		logger:         logger.With(zap.String("component", "api")),
		processor:      processor,
		queueClient:    opts.Queue,
		storage:        opts.Storage,
		jobStore:       opts.JobStore,
		rateLimiter:    opts.RateLimiter,
		metrics:        newMetrics(opts.Registry),
		tracer:         otel.Tracer("cutout/api"),
		allowedOrigins: opts.AllowedOrigins,
		maxUploadBytes: opts.MaxUploadBytes,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.withRecover(s.withCORS(s.metrics.withHTTPMetrics(s.withTracing(s.withRateLimit(s.mux)))))
}

func (s *Server) jobsEnabled() bool {
	return s.queueClient != nil && s.storage != nil && s.jobStore != nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("POST /api/process-image", s.handleProcessImage)
	s.mux.HandleFunc("POST /v1/jobs", s.handleCreateJob)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"jobs":   s.jobsEnabled(),
	})
}

func (s *Server) handleProcessImage(w http.ResponseWriter, r *http.Request) {
	raw, status, msg := s.readUpload(w, r)
	if status != http.StatusOK {
		writeError(w, status, msg)
		return
	}

	res, err := s.processor.Process(r.Context(), raw)
	if err != nil {
		stack := pipeline.StackTrace(err)
		s.logger.Error("process image failed",
			zap.String("kind", pipeline.Kind(err)),
			zap.Int("input_bytes", len(raw)),
			zap.Error(err),
			zap.ByteString("stack", stack),
		)
		msg := fmt.Sprintf("Error processing image: %v", err)
		if len(stack) > 0 {
			msg += "\n" + string(stack)
		}
		writeError(w, http.StatusInternalServerError, msg)
		return
	}

	writeJSON(w, http.StatusOK, res.Response())
}

// readUpload returns the bytes of the "image" form field with status 200, or
// the status and message to answer with.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, int, string) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		if isTooLarge(err) {
			return nil, http.StatusRequestEntityTooLarge, msgUploadTooBig
		}
		return nil, http.StatusBadRequest, msgNoImage
	}

	file, _, err := r.FormFile(imageField)
	if err != nil {
		return nil, http.StatusBadRequest, msgNoImage
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		if isTooLarge(err) {
			return nil, http.StatusRequestEntityTooLarge, msgUploadTooBig
		}
		return nil, http.StatusBadRequest, "read image: " + err.Error()
	}
	return raw, http.StatusOK, ""
}

func isTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr) || errors.Is(err, multipart.ErrMessageTooLarge)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
