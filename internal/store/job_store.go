// Package store persists asynchronous job records.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dunamismax/cutout/internal/domain"
)

var ErrJobNotFound = errors.New("job not found")

type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	UpdateStatus(ctx context.Context, id, status string) (domain.Job, error)
	// SaveOutcome records the terminal state of a job.
	SaveOutcome(ctx context.Context, id string, outcome domain.JobOutcome) (domain.Job, error)
	Close() error
}

// Open picks a backend from dsn: "memory", "sqlite://<path>", or a
// postgres:// / postgresql:// URL.
func Open(ctx context.Context, dsn string) (JobStore, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "" || dsn == "memory":
		return NewMemoryJobStore(), nil
	case strings.HasPrefix(dsn, "sqlite://"):
		return NewSQLiteJobStore(ctx, strings.TrimPrefix(dsn, "sqlite://"))
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgresJobStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported job store dsn scheme: %q", redact(dsn))
	}
}

func redact(dsn string) string {
	if i := strings.Index(dsn, "://"); i >= 0 {
		return dsn[:i+3] + "…"
	}
	return "…"
}
