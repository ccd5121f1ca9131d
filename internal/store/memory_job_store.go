package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/freakifranky/image-creator/internal/domain"
)

var ErrJobNotFound = errors.New("job not found")

// MemoryJobStore keeps jobs and usage logs in process memory. It implements
// both JobStore and UsageStore.
type MemoryJobStore struct {
	mu     sync.RWMutex
	jobs   map[string]domain.Job
	usages []domain.UsageLog
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]domain.Job),
	}
}

func (s *MemoryJobStore) Create(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
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
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}

	job.Status = status
	job.UpdatedAt = time.Now().UTC()
	s.jobs[id] = job
	return job, nil
}

func (s *MemoryJobStore) CreateUsageLog(_ context.Context, usage domain.UsageLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usages = append(s.usages, usage)
	return nil
}

// UsageLogs returns a copy of the recorded usage logs for userID, or all of them
// when userID is empty.
func (s *MemoryJobStore) UsageLogs(userID string) []domain.UsageLog {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.UsageLog, 0, len(s.usages))
	for _, u := range s.usages {
		if userID == "" || u.UserID == userID {
			out = append(out, u)
		}
	}
	return out
}

func (s *MemoryJobStore) SummarizeUsage(_ context.Context, userID string, since time.Time) (domain.UsageSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := domain.UsageSummary{UserID: userID, Since: since}
	for _, u := range s.usages {
		if u.UserID == userID && !u.CreatedAt.Before(since) {
			sum.Add(u)
		}
	}
	return sum, nil
}
