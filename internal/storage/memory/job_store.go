package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/keyword-graph-crawler/internal/crawler"
)

// JobStore provides an in-memory queue table for development/testing.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]crawler.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]crawler.Job)}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job crawler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s: %w", job.ID, crawler.ErrConflict)
	}
	s.jobs[job.ID] = copyJob(job)
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, id string) (crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return crawler.Job{}, fmt.Errorf("job %s: %w", id, crawler.ErrNotFound)
	}
	return copyJob(job), nil
}

// ClaimPending marks up to limit eligible jobs as processing under the store lock.
func (s *JobStore) ClaimPending(
	_ context.Context,
	jobType crawler.JobType,
	limit int,
	now time.Time,
) ([]crawler.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var eligible []crawler.Job
	for _, job := range s.jobs {
		if job.Type != jobType || job.Status != crawler.JobStatusPending {
			continue
		}
		if job.ScheduledAt.After(now) {
			continue
		}
		eligible = append(eligible, job)
	}
	sort.Slice(eligible, func(i, j int) bool {
		if !eligible[i].CreatedAt.Equal(eligible[j].CreatedAt) {
			return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
		}
		return eligible[i].ID < eligible[j].ID
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	claimed := make([]crawler.Job, 0, len(eligible))
	for _, job := range eligible {
		job.Status = crawler.JobStatusProcessing
		job.StartedAt = pointerTime(now)
		job.Attempts++
		s.jobs[job.ID] = job
		claimed = append(claimed, copyJob(job))
	}
	return claimed, nil
}

// UpdateJob writes lifecycle fields of a processing job.
func (s *JobStore) UpdateJob(_ context.Context, job crawler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[job.ID]
	if !ok {
		return fmt.Errorf("job %s: %w", job.ID, crawler.ErrNotFound)
	}
	if current.Status != crawler.JobStatusProcessing {
		return fmt.Errorf("job %s is %s: %w", job.ID, current.Status, crawler.ErrConflict)
	}
	current.Status = job.Status
	current.Attempts = job.Attempts
	current.ScheduledAt = job.ScheduledAt
	current.CompletedAt = copyTime(job.CompletedAt)
	current.ErrorMessage = job.ErrorMessage
	s.jobs[job.ID] = current
	return nil
}

// RequeueStale releases processing jobs whose lease ran out.
func (s *JobStore) RequeueStale(
	_ context.Context,
	jobType crawler.JobType,
	startedBefore, now time.Time,
) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	moved := 0
	for id, job := range s.jobs {
		if job.Type != jobType || job.Status != crawler.JobStatusProcessing {
			continue
		}
		if job.StartedAt == nil || !job.StartedAt.Before(startedBefore) {
			continue
		}
		job.ErrorMessage = crawler.LeaseExpiredMessage
		if job.Attempts >= job.MaxAttempts {
			job.Status = crawler.JobStatusFailed
			job.CompletedAt = pointerTime(now)
		} else {
			job.Status = crawler.JobStatusPending
			job.ScheduledAt = now
		}
		s.jobs[id] = job
		moved++
	}
	return moved, nil
}

// HasCountDocsJob reports whether a count_docs job targets term.
func (s *JobStore) HasCountDocsJob(_ context.Context, term string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, job := range s.jobs {
		if job.Payload.CountDocs != nil && job.Payload.CountDocs.KeywordTerm == term {
			return true, nil
		}
	}
	return false, nil
}

// CountJobsByStatus tallies jobs per status.
func (s *JobStore) CountJobsByStatus(_ context.Context) (map[crawler.JobStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[crawler.JobStatus]int, len(crawler.JobStatuses))
	for _, job := range s.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

func copyJob(job crawler.Job) crawler.Job {
	job.StartedAt = copyTime(job.StartedAt)
	job.CompletedAt = copyTime(job.CompletedAt)
	if job.Payload.FetchRelated != nil {
		p := *job.Payload.FetchRelated
		job.Payload.FetchRelated = &p
	}
	if job.Payload.CountDocs != nil {
		p := *job.Payload.CountDocs
		job.Payload.CountDocs = &p
	}
	return job
}

func pointerTime(t time.Time) *time.Time {
	return &t
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
