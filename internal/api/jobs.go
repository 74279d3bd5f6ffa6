package api

import (
	"bytes"
	"context"
	"image"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dunamismax/cutout/internal/domain"
	"github.com/dunamismax/cutout/internal/id"
	"github.com/dunamismax/cutout/internal/queue"
	"github.com/dunamismax/cutout/internal/storage"
)

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if !s.jobsEnabled() {
		writeError(w, http.StatusNotFound, msgJobsDisabled)
		return
	}

	raw, status, msg := s.readUpload(w, r)
	if status != http.StatusOK {
		writeError(w, status, msg)
		return
	}
	// Reject non-images now rather than after a round trip through the queue.
	if _, _, err := image.DecodeConfig(bytes.NewReader(raw)); err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidUpload)
		return
	}
	webhookURL := r.FormValue("webhook_url")
	if err := domain.ValidateWebhookURL(webhookURL); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()
	jobID := id.New()
	job := domain.Job{
		ID:         jobID,
		Status:     domain.JobStatusQueued,
		WebhookURL: webhookURL,
		SourceKey:  storage.SourceKey(jobID),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	log := s.logger.With(zap.String("job_id", jobID))

	if err := s.storage.WriteObject(ctx, job.SourceKey, raw, http.DetectContentType(raw)); err != nil {
		log.Error("store job source failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}
	if err := s.jobStore.Create(ctx, job); err != nil {
		log.Error("create job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	info, err := s.queueClient.EnqueueRemoveBackground(ctx, queue.RemoveBackgroundPayload{
		JobID:       job.ID,
		SourceKey:   job.SourceKey,
		WebhookURL:  job.WebhookURL,
		RequestedAt: now,
	})
	if err != nil {
		log.Error("enqueue job failed", zap.Error(err))
		s.failJob(context.WithoutCancel(ctx), log, job.ID, "enqueue failed")
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	s.metrics.queueEnqueued.WithLabelValues(info.Queue).Inc()
	log.Info("job enqueued", zap.String("queue", info.Queue), zap.Int("input_bytes", len(raw)))

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":  job.ID,
		"status":  job.Status,
		"queue":   info.Queue,
		"task_id": info.ID,
	})
}

func (s *Server) failJob(ctx context.Context, log *zap.Logger, jobID, reason string) {
	_, err := s.jobStore.SaveOutcome(ctx, jobID, domain.JobOutcome{
		Status: domain.JobStatusFailed,
		Error:  reason,
	})
	if err != nil {
		log.Warn("mark job failed", zap.Error(err))
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if !s.jobsEnabled() {
		writeError(w, http.StatusNotFound, msgJobsDisabled)
		return
	}

	jobID := r.PathValue("id")
	if !id.Valid(jobID) {
		writeError(w, http.StatusNotFound, msgJobNotFound)
		return
	}

	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Error("load job failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, msgJobNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
