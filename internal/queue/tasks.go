package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

const TypeRemoveBackground = "image:remove_background"

type RemoveBackgroundPayload struct {
	JobID       string    `json:"job_id"`
	SourceKey   string    `json:"source_key"`
	WebhookURL  string    `json:"webhook_url,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

func (p RemoveBackgroundPayload) validate() error {
	if strings.TrimSpace(p.JobID) == "" {
		return errors.New("job_id is required")
	}
	if strings.TrimSpace(p.SourceKey) == "" {
		return errors.New("source_key is required")
	}
	return nil
}

func NewRemoveBackgroundTask(payload RemoveBackgroundPayload) (*asynq.Task, error) {
	if err := payload.validate(); err != nil {
		return nil, fmt.Errorf("invalid remove background payload: %w", err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal remove background payload: %w", err)
	}
	return asynq.NewTask(TypeRemoveBackground, body), nil
}

func ParseRemoveBackgroundPayload(task *asynq.Task) (RemoveBackgroundPayload, error) {
	var payload RemoveBackgroundPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return RemoveBackgroundPayload{}, fmt.Errorf("unmarshal remove background payload: %w", err)
	}
	if err := payload.validate(); err != nil {
		return RemoveBackgroundPayload{}, fmt.Errorf("invalid remove background payload: %w", err)
	}
	return payload, nil
}
