package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/cutout/internal/domain"
)

func TestJobStores(t *testing.T) {
	backends := map[string]func(t *testing.T) JobStore{
		"memory": func(t *testing.T) JobStore {
			s, err := Open(context.Background(), "memory")
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T) JobStore {
			s, err := Open(context.Background(), "sqlite://:memory:")
			require.NoError(t, err)
			return s
		},
	}

	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { _ = s.Close() })
			exerciseJobStore(t, s)
		})
	}
}

func exerciseJobStore(t *testing.T, s JobStore) {
	ctx := context.Background()
	created := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	job := domain.Job{
		ID:         "2NfA",
		Status:     domain.JobStatusQueued,
		WebhookURL: "https://hooks.example/cutout",
		SourceKey:  "uploads/2NfA/source",
		CreatedAt:  created,
		UpdatedAt:  created,
	}
	require.NoError(t, s.Create(ctx, job))

	got, ok, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.JobStatusQueued, got.Status)
	assert.Equal(t, job.SourceKey, got.SourceKey)
	assert.Equal(t, job.WebhookURL, got.WebhookURL)
	assert.WithinDuration(t, created, got.CreatedAt, time.Second)

	_, ok, err = s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	updated, err := s.UpdateStatus(ctx, job.ID, domain.JobStatusProcessing)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, updated.Status)
	assert.False(t, updated.UpdatedAt.Before(created))

	done, err := s.SaveOutcome(ctx, job.ID, domain.JobOutcome{
		Status:      domain.JobStatusSucceeded,
		OriginalKey: "outputs/2NfA/original.png",
		CutoutKey:   "outputs/2NfA/cutout.png",
		Width:       2000,
		Height:      1000,
	})
	require.NoError(t, err)
	assert.True(t, done.Terminal())
	assert.Equal(t, "outputs/2NfA/cutout.png", done.CutoutKey)
	assert.Equal(t, 2000, done.Width)
	assert.Equal(t, 1000, done.Height)
	assert.Empty(t, done.Error)

	_, err = s.UpdateStatus(ctx, "missing", domain.JobStatusFailed)
	require.ErrorIs(t, err, ErrJobNotFound)
	_, err = s.SaveOutcome(ctx, "missing", domain.JobOutcome{Status: domain.JobStatusFailed})
	require.ErrorIs(t, err, ErrJobNotFound)

	require.Error(t, s.Create(ctx, job), "duplicate ids are rejected")
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	_, err := Open(context.Background(), "mysql://user:secret@db/cutout")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "secret")
}

func TestRebind(t *testing.T) {
	q := "UPDATE jobs SET status = $1, updated_at = $2 WHERE id = $10"
	assert.Equal(t, q, postgresDialect.rebind(q))
	assert.Equal(t, "UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?", sqliteDialect.rebind(q))
	assert.Equal(t, "SELECT '$' FROM jobs", sqliteDialect.rebind("SELECT '$' FROM jobs"))
}
