package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// RedisFixedWindow counts requests per subject in fixed, wall-clock aligned
// windows. Counters live in redis so every api replica shares them.
type RedisFixedWindow struct {
	client    redis.UniversalClient
	limit     int64
	window    time.Duration
	keyPrefix string
	now       func() time.Time
}

func NewRedisFixedWindow(client redis.UniversalClient, limit int, window time.Duration, keyPrefix string) (*RedisFixedWindow, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	if window < time.Millisecond {
		return nil, errors.New("window must be at least 1ms")
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = "cutout:ratelimit"
	}

	return &RedisFixedWindow{
		client:    client,
		limit:     int64(limit),
		window:    window,
		keyPrefix: keyPrefix,
		now:       time.Now,
	}, nil
}

func (l *RedisFixedWindow) Allow(ctx context.Context, subject string) (Decision, error) {
	now := l.now().UTC()
	key, windowEnd := l.windowKey(subject, now)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.PExpireAt(ctx, key, windowEnd.Add(time.Second))
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("increment rate limit window: %w", err)
	}

	return decide(incr.Val(), l.limit, now, windowEnd), nil
}

func (l *RedisFixedWindow) windowKey(subject string, now time.Time) (string, time.Time) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "anonymous"
	}

	windowMS := l.window.Milliseconds()
	index := now.UnixMilli() / windowMS
	end := time.UnixMilli((index + 1) * windowMS).UTC()
	return fmt.Sprintf("%s:%s:%d", l.keyPrefix, subject, index), end
}

func decide(count, limit int64, now, windowEnd time.Time) Decision {
	if count <= limit {
		return Decision{Allowed: true, Remaining: limit - count}
	}
	return Decision{Allowed: false, Remaining: 0, RetryAfter: windowEnd.Sub(now)}
}
