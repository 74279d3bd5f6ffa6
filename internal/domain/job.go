package domain

import (
	"errors"
	"net/url"
	"strings"
	"time"
)

const (
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"
)

// Job tracks one asynchronous background-removal request.
type Job struct {
	ID          string    `json:"job_id"`
	Status      string    `json:"status"`
	WebhookURL  string    `json:"webhook_url,omitempty"`
	SourceKey   string    `json:"source_key"`
	OriginalKey string    `json:"original_key,omitempty"`
	CutoutKey   string    `json:"cutout_key,omitempty"`
	Width       int       `json:"width,omitempty"`
	Height      int       `json:"height,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// JobOutcome is the terminal state written by the worker.
type JobOutcome struct {
	Status      string
	OriginalKey string
	CutoutKey   string
	Width       int
	Height      int
	Error       string
}

func (j Job) Terminal() bool {
	return j.Status == JobStatusSucceeded || j.Status == JobStatusFailed
}

func ValidateWebhookURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return errors.New("webhook_url is not a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("webhook_url must use http or https")
	}
	if u.Host == "" {
		return errors.New("webhook_url requires a host")
	}
	return nil
}
