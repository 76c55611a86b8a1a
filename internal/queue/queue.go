// Package queue implements the job state machine on top of a crawler.JobStore.
//
// A job moves pending → processing on Dequeue, then processing → completed on
// Complete, or back to pending with a delayed scheduled_at on Fail while attempts
// remain. Fail on the last attempt and FailPermanently are terminal. Release hands a
// job back without charging the attempt, and Dequeue first reclaims jobs left
// processing longer than the lease.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/keyword-graph-crawler/internal/crawler"
	"github.com/JakeFAU/keyword-graph-crawler/internal/metrics"
)

// ErrInvalidPayload is returned by Enqueue for payloads without a variant.
var ErrInvalidPayload = errors.New("invalid job payload")

const maxErrorMessage = 1000

// Config tunes the queue.
type Config struct {
	// MaxAttempts is the attempt ceiling stamped on new jobs.
	MaxAttempts int
	// Lease bounds how long a claimed job may stay processing.
	Lease time.Duration
}

// Queue drives job lifecycle transitions.
type Queue struct {
	store       crawler.JobStore
	backoff     *crawler.BackoffPolicy
	clock       crawler.Clock
	ids         crawler.IDGenerator
	maxAttempts int
	lease       time.Duration
	logger      *zap.Logger
}

// New constructs a Queue. A nil backoff uses the default per-type delays.
func New(
	store crawler.JobStore,
	backoff *crawler.BackoffPolicy,
	clock crawler.Clock,
	ids crawler.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Queue {
	if backoff == nil {
		backoff = crawler.NewBackoffPolicy(nil, 0)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = crawler.DefaultMaxAttempts
	}
	if cfg.Lease <= 0 {
		cfg.Lease = crawler.DefaultJobLease
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		store:       store,
		backoff:     backoff,
		clock:       clock,
		ids:         ids,
		maxAttempts: cfg.MaxAttempts,
		lease:       cfg.Lease,
		logger:      logger,
	}
}

// Enqueue creates a pending job that is eligible immediately.
func (q *Queue) Enqueue(ctx context.Context, payload crawler.Payload) (crawler.Job, error) {
	return q.EnqueueAt(ctx, payload, q.clock.Now())
}

// HasCountDocsJob reports whether term already has a count_docs job on record.
func (q *Queue) HasCountDocsJob(ctx context.Context, term string) (bool, error) {
	has, err := q.store.HasCountDocsJob(ctx, term)
	if err != nil {
		return false, fmt.Errorf("count_docs lookup %q: %w", term, err)
	}
	return has, nil
}

// EnqueueAt creates a pending job that becomes eligible at scheduledAt.
func (q *Queue) EnqueueAt(ctx context.Context, payload crawler.Payload, scheduledAt time.Time) (crawler.Job, error) {
	jobType := payload.Type()
	if !jobType.Valid() {
		return crawler.Job{}, ErrInvalidPayload
	}
	id, err := q.ids.NewID()
	if err != nil {
		return crawler.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	job := crawler.Job{
		ID:          id,
		Type:        jobType,
		Payload:     payload,
		Status:      crawler.JobStatusPending,
		MaxAttempts: q.maxAttempts,
		ScheduledAt: scheduledAt,
		CreatedAt:   q.clock.Now(),
	}
	if err := q.store.CreateJob(ctx, job); err != nil {
		return crawler.Job{}, fmt.Errorf("create job: %w", err)
	}
	metrics.ObserveEnqueue(string(jobType))
	q.logger.Debug("job enqueued", zap.String("job_id", id), zap.String("type", string(jobType)))
	return job, nil
}

// Dequeue claims up to n eligible jobs of jobType.
func (q *Queue) Dequeue(ctx context.Context, jobType crawler.JobType, n int) ([]crawler.Job, error) {
	if !jobType.Valid() {
		return nil, fmt.Errorf("unknown job type %q", jobType)
	}
	now := q.clock.Now()
	reclaimed, err := q.store.RequeueStale(ctx, jobType, now.Add(-q.lease), now)
	if err != nil {
		return nil, fmt.Errorf("reclaim %s jobs: %w", jobType, err)
	}
	if reclaimed > 0 {
		metrics.ObserveJobs(string(jobType), "reclaimed", reclaimed)
		q.logger.Warn("reclaimed jobs past their lease",
			zap.String("type", string(jobType)),
			zap.Int("count", reclaimed),
			zap.Duration("lease", q.lease),
		)
	}
	jobs, err := q.store.ClaimPending(ctx, jobType, n, now)
	if err != nil && len(jobs) > 0 {
		q.logger.Error("claim returned partial batch", zap.String("type", string(jobType)), zap.Error(err))
		return jobs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim %s jobs: %w", jobType, err)
	}
	return jobs, nil
}

// Complete marks job completed.
func (q *Queue) Complete(ctx context.Context, job crawler.Job) (crawler.Job, error) {
	now := q.clock.Now()
	job.Status = crawler.JobStatusCompleted
	job.CompletedAt = &now
	job.ErrorMessage = ""
	if err := q.store.UpdateJob(ctx, job); err != nil {
		return job, fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	metrics.ObserveJob(string(job.Type), "completed")
	return job, nil
}

// Fail records cause. The job returns to pending after the type's backoff while
// attempts remain, otherwise it fails terminally.
func (q *Queue) Fail(ctx context.Context, job crawler.Job, cause error) (crawler.Job, error) {
	if !crawler.ShouldRetry(cause, job.Attempts, job.MaxAttempts) {
		return q.FailPermanently(ctx, job, cause)
	}
	now := q.clock.Now()
	delay := q.backoff.Backoff(job.Type)
	job.Status = crawler.JobStatusPending
	job.ScheduledAt = now.Add(delay)
	job.ErrorMessage = errorMessage(cause)
	if err := q.store.UpdateJob(ctx, job); err != nil {
		return job, fmt.Errorf("retry job %s: %w", job.ID, err)
	}
	metrics.ObserveJob(string(job.Type), "retried")
	q.logger.Info("job scheduled for retry",
		zap.String("job_id", job.ID),
		zap.String("type", string(job.Type)),
		zap.Int("attempts", job.Attempts),
		zap.Int("max_attempts", job.MaxAttempts),
		zap.Duration("backoff", delay),
		zap.Error(cause),
	)
	return job, nil
}

// FailPermanently marks job failed regardless of remaining attempts.
func (q *Queue) FailPermanently(ctx context.Context, job crawler.Job, cause error) (crawler.Job, error) {
	now := q.clock.Now()
	job.Status = crawler.JobStatusFailed
	job.CompletedAt = &now
	job.ErrorMessage = errorMessage(cause)
	if err := q.store.UpdateJob(ctx, job); err != nil {
		return job, fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	metrics.ObserveJob(string(job.Type), "failed")
	q.logger.Warn("job failed",
		zap.String("job_id", job.ID),
		zap.String("type", string(job.Type)),
		zap.Int("attempts", job.Attempts),
		zap.Error(cause),
	)
	return job, nil
}

// Release returns a claimed job to pending, eligible immediately, and gives back the
// attempt the claim charged. Use it when the job was interrupted rather than failed.
func (q *Queue) Release(ctx context.Context, job crawler.Job, cause error) (crawler.Job, error) {
	job.Status = crawler.JobStatusPending
	job.Attempts = max(job.Attempts-1, 0)
	job.ScheduledAt = q.clock.Now()
	job.ErrorMessage = errorMessage(cause)
	if err := q.store.UpdateJob(ctx, job); err != nil {
		return job, fmt.Errorf("release job %s: %w", job.ID, err)
	}
	metrics.ObserveJob(string(job.Type), "released")
	q.logger.Info("job released",
		zap.String("job_id", job.ID),
		zap.String("type", string(job.Type)),
		zap.Error(cause),
	)
	return job, nil
}

// Stats returns job counts per status, with every status present.
func (q *Queue) Stats(ctx context.Context) (map[crawler.JobStatus]int, error) {
	counts, err := q.store.CountJobsByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	out := make(map[crawler.JobStatus]int, len(crawler.JobStatuses))
	for _, status := range crawler.JobStatuses {
		out[status] = counts[status]
	}
	return out, nil
}

func errorMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	msg := err.Error()
	if len(msg) > maxErrorMessage {
		msg = msg[:maxErrorMessage]
	}
	return msg
}
