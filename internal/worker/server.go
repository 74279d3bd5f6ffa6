package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dunamismax/cutout/internal/config"
	"github.com/dunamismax/cutout/internal/domain"
	"github.com/dunamismax/cutout/internal/pipeline"
	"github.com/dunamismax/cutout/internal/queue"
	"github.com/dunamismax/cutout/internal/storage"
	"github.com/dunamismax/cutout/internal/store"
	"github.com/dunamismax/cutout/internal/webhook"
)

// maxSourceBytes bounds how much of an uploaded source the worker will read.
const maxSourceBytes = 64 << 20

type imageProcessor interface {
	Process(ctx context.Context, raw []byte) (*domain.ProcessedResult, error)
}

type objectStore interface {
	ReadObject(ctx context.Context, objectKey string, limit int64) ([]byte, error)
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

// Dependencies are the collaborators a worker needs to run jobs.
type Dependencies struct {
	Processor imageProcessor
	Storage   objectStore
	JobStore  store.JobStore
	Webhooks  webhookSender
	// Registry receives the worker metrics. A nil registry gets a private one.
	Registry *prometheus.Registry
}

type Server struct {
	logger    *zap.Logger
	server    *asynq.Server
	sem       chan struct{}
	processor imageProcessor
	storage   objectStore
	emitter   pipeline.Emitter
	jobStore  store.JobStore
	webhooks  webhookSender
	metrics   *metrics
	tracer    trace.Tracer
}

func NewServer(logger *zap.Logger, queueCfg config.QueueConfig, workerCfg config.WorkerConfig, deps Dependencies) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s, err := newServer(logger, workerCfg.MaxActiveJobs, deps)
	if err != nil {
		return nil, err
	}

	s.server = asynq.NewServer(
		queueCfg.RedisClientOpt(),
		asynq.Config{
			Concurrency: workerCfg.Concurrency,
			Queues: map[string]int{
				queueCfg.Name: 1,
			},
			Logger:   logger.Named("asynq").Sugar(),
			LogLevel: asynq.InfoLevel,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				s.logger.Warn("task failed",
					zap.String("type", task.Type()),
					zap.Int("retry", retried),
					zap.Int("max_retry", maxRetry),
					zap.Error(err),
				)
			}),
		},
	)
	return s, nil
}

func newServer(logger *zap.Logger, maxActiveJobs int, deps Dependencies) (*Server, error) {
	switch {
	case deps.Processor == nil:
		return nil, errors.New("processor is required")
	case deps.Storage == nil:
		return nil, errors.New("storage client is required")
	case deps.JobStore == nil:
		return nil, errors.New("job store is required")
	}
	if deps.Webhooks == nil {
		deps.Webhooks = webhook.NewClient(webhook.Config{})
	}

	return &Server{
		logger:    logger.With(zap.String("component", "worker")),
		sem:       make(chan struct{}, max(1, maxActiveJobs)),
		processor: deps.Processor,
		storage:   deps.Storage,
		emitter:   pipeline.ObjectStoreEmitter{Storage: deps.Storage, OutputPrefix: storage.OutputsPrefix},
		jobStore:  deps.JobStore,
		webhooks:  deps.Webhooks,
		metrics:   newMetrics(deps.Registry),
		tracer:    otel.Tracer("cutout/worker"),
	}, nil
}

// Start begins pulling tasks in the background. Call Shutdown to stop.
func (s *Server) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeRemoveBackground, s.handleRemoveBackground)
	return s.server.Start(mux)
}

// Shutdown waits for in-flight tasks to finish before returning.
func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleRemoveBackground(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := domain.JobStatusFailed

	payload, err := queue.ParseRemoveBackgroundPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}
	log := s.logger.With(zap.String("job_id", payload.JobID))

	ctx, span := s.tracer.Start(ctx, "worker.remove_background", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.source_key", payload.SourceKey),
	)
	defer span.End()
	defer func() {
		s.metrics.jobDuration.WithLabelValues(outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(outcome).Inc()
	}()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	job, ok, err := s.jobStore.Get(ctx, payload.JobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if !ok {
		return fmt.Errorf("job %s: %w: %w", payload.JobID, store.ErrJobNotFound, asynq.SkipRetry)
	}
	if job.Terminal() {
		log.Info("job already finished", zap.String("status", job.Status))
		outcome = job.Status
		return nil
	}

	log.Info("working", zap.String("source_key", payload.SourceKey))
	if _, err := s.jobStore.UpdateStatus(ctx, payload.JobID, domain.JobStatusProcessing); err != nil {
		log.Warn("job status update failed", zap.String("status", domain.JobStatusProcessing), zap.Error(err))
	}

	out, err := s.run(ctx, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "remove background failed")

		permanent := pipeline.Kind(err) != pipeline.KindInternal
		if !permanent && !lastAttempt(ctx) {
			log.Warn("job attempt failed, will retry", zap.Error(err))
			outcome = "retry"
			return err
		}

		log.Error("job failed",
			zap.String("kind", pipeline.Kind(err)),
			zap.Error(err),
			zap.ByteString("stack", pipeline.StackTrace(err)),
		)
		s.finish(ctx, log, payload, domain.JobOutcome{Status: domain.JobStatusFailed, Error: err.Error()})
		if permanent {
			return fmt.Errorf("remove background: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("remove background: %w", err)
	}

	s.finish(ctx, log, payload, domain.JobOutcome{
		Status:      domain.JobStatusSucceeded,
		OriginalKey: out.OriginalPath,
		CutoutKey:   out.CutoutPath,
		Width:       out.Width,
		Height:      out.Height,
	})
	log.Info("processed", zap.Int("width", out.Width), zap.Int("height", out.Height), zap.Int("output_bytes", out.Bytes))

	outcome = domain.JobStatusSucceeded
	span.SetStatus(codes.Ok, "processed")
	return nil
}

func (s *Server) run(ctx context.Context, payload queue.RemoveBackgroundPayload) (pipeline.Output, error) {
	raw, err := s.storage.ReadObject(ctx, payload.SourceKey, maxSourceBytes)
	if err != nil {
		if errors.Is(err, storage.ErrObjectTooLarge) {
			return pipeline.Output{}, &pipeline.DecodeError{Err: err}
		}
		return pipeline.Output{}, fmt.Errorf("read source: %w", err)
	}

	res, err := s.processor.Process(ctx, raw)
	if err != nil {
		return pipeline.Output{}, err
	}

	out, err := s.emitter.Emit(ctx, payload.JobID, res)
	if err != nil {
		return pipeline.Output{}, fmt.Errorf("write outputs: %w", err)
	}
	return out, nil
}

// finish records the terminal state and notifies the webhook. Webhook
// failures are logged and counted, never retried through the queue.
func (s *Server) finish(ctx context.Context, log *zap.Logger, payload queue.RemoveBackgroundPayload, outcome domain.JobOutcome) {
	job, err := s.jobStore.SaveOutcome(ctx, payload.JobID, outcome)
	if err != nil {
		log.Warn("job outcome write failed", zap.String("status", outcome.Status), zap.Error(err))
		job = domain.Job{
			ID:          payload.JobID,
			Status:      outcome.Status,
			SourceKey:   payload.SourceKey,
			OriginalKey: outcome.OriginalKey,
			CutoutKey:   outcome.CutoutKey,
			Width:       outcome.Width,
			Height:      outcome.Height,
			Error:       outcome.Error,
			UpdatedAt:   time.Now().UTC(),
		}
	}

	if payload.WebhookURL == "" {
		return
	}
	event := webhook.EventJobCompleted
	if outcome.Status == domain.JobStatusFailed {
		event = webhook.EventJobFailed
	}
	if err := s.webhooks.Send(ctx, payload.WebhookURL, event, job); err != nil {
		s.metrics.webhookFailures.WithLabelValues(event).Inc()
		log.Warn("webhook delivery failed", zap.String("event", event), zap.Error(err))
	}
}

func lastAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return true
	}
	return retried >= maxRetry
}
