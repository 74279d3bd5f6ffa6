package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dunamismax/cutout/internal/domain"
)

type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]domain.Job
	now  func() time.Time
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]domain.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryJobStore) Create(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (domain.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	return job, ok, nil
}

func (s *MemoryJobStore) UpdateStatus(_ context.Context, id, status string) (domain.Job, error) {
	return s.update(id, func(job *domain.Job) {
		job.Status = status
	})
}

func (s *MemoryJobStore) SaveOutcome(_ context.Context, id string, outcome domain.JobOutcome) (domain.Job, error) {
	return s.update(id, func(job *domain.Job) {
		job.Status = outcome.Status
		job.OriginalKey = outcome.OriginalKey
		job.CutoutKey = outcome.CutoutKey
		job.Width = outcome.Width
		job.Height = outcome.Height
		job.Error = outcome.Error
	})
}

func (s *MemoryJobStore) Close() error { return nil }

func (s *MemoryJobStore) update(id string, fn func(*domain.Job)) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	fn(&job)
	job.UpdatedAt = s.now()
	s.jobs[id] = job
	return job, nil
}
