package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// Extraction failures are not retried by the pipeline itself; the queue
	// gives transient infrastructure errors a few more chances.
	maxRetry    = 3
	taskTimeout = 5 * time.Minute
)

type Client struct {
	client *asynq.Client
	queue  string
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string) *Client {
	return &Client{
		client: asynq.NewClient(redisOpt),
		queue:  queueName,
	}
}

func (c *Client) EnqueueRemoveBackground(ctx context.Context, payload RemoveBackgroundPayload) (*asynq.TaskInfo, error) {
	task, err := NewRemoveBackgroundTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.MaxRetry(maxRetry),
		asynq.Timeout(taskTimeout),
		asynq.TaskID(payload.JobID),
	)
}

func (c *Client) Close() error {
	return c.client.Close()
}
