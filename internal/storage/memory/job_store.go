// Package memory provides in-process stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/ghostfetch/internal/clock/system"
	"github.com/JakeFAU/ghostfetch/internal/id/uuid"
	"github.com/JakeFAU/ghostfetch/internal/job"
)

// JobStore keeps jobs in a map. It is not durable across restarts.
type JobStore struct {
	mu    sync.RWMutex
	jobs  map[string]job.Job
	clock job.Clock
	ids   job.IDGenerator
}

// NewJobStore constructs a JobStore. Nil dependencies fall back to the system
// clock and UUIDv7 ids.
func NewJobStore(clock job.Clock, ids job.IDGenerator) *JobStore {
	if clock == nil {
		clock = system.New()
	}
	if ids == nil {
		ids = uuid.New()
	}
	return &JobStore{
		jobs:  make(map[string]job.Job),
		clock: clock,
		ids:   ids,
	}
}

// Create stores a new queued job.
func (s *JobStore) Create(_ context.Context, req job.Request) (job.Job, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return job.Job{}, fmt.Errorf("job id: %w", err)
	}
	j := job.New(id, req, s.clock.Now().UTC())
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[id]; exists {
		return job.Job{}, fmt.Errorf("job %s already exists", id)
	}
	s.jobs[id] = j
	return j, nil
}

// Get fetches a job by ID.
func (s *JobStore) Get(_ context.Context, id string) (job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return job.Job{}, job.ErrNotFound
	}
	return j, nil
}

// ListQueued returns queued jobs oldest first.
func (s *JobStore) ListQueued(ctx context.Context) ([]job.Job, error) {
	return s.ListByStatus(ctx, job.StatusQueued)
}

// ListByStatus returns jobs in status oldest first.
func (s *JobStore) ListByStatus(_ context.Context, status job.Status) ([]job.Job, error) {
	s.mu.RLock()
	out := make([]job.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if j.Status == status {
			out = append(out, j)
		}
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out, nil
}

// Transition applies a compare-and-swap status change.
func (s *JobStore) Transition(
	_ context.Context,
	id string,
	from, to job.Status,
	patch job.Patch,
) (job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[id]
	if !ok {
		return job.Job{}, job.ErrNotFound
	}
	if err := job.CheckTransition(current.Status, from, to); err != nil {
		return job.Job{}, err
	}
	next := job.Advance(current, to, patch)
	s.jobs[id] = next
	return next, nil
}

// RecordNotification stores the callback delivery outcome.
func (s *JobStore) RecordNotification(_ context.Context, id string, n job.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return job.ErrNotFound
	}
	j.Notification = n
	s.jobs[id] = j
	return nil
}

// CountByStatus counts jobs in a status.
func (s *JobStore) CountByStatus(_ context.Context, status job.Status) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, j := range s.jobs {
		if j.Status == status {
			count++
		}
	}
	return count, nil
}

// PurgeOlderThan removes terminal jobs completed before now-ttl.
func (s *JobStore) PurgeOlderThan(_ context.Context, ttl time.Duration) (int64, error) {
	cutoff := s.clock.Now().UTC().Add(-ttl)
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged int64
	for id, j := range s.jobs {
		if !j.Status.Terminal() || j.CompletedAt == nil {
			continue
		}
		if j.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			purged++
		}
	}
	return purged, nil
}
