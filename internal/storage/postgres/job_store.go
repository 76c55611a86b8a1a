package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JakeFAU/keyword-graph-crawler/internal/crawler"
)

const jobColumns = `id, type, payload, status, attempts, max_attempts, scheduled_at, started_at, completed_at, error_message, created_at`

// SKIP LOCKED keeps concurrent claimers from handing out the same row.
const claimJobsSQL = `
WITH eligible AS (
	SELECT id FROM jobs
	WHERE type = $1 AND status = 'pending' AND scheduled_at <= $3
	ORDER BY created_at, id
	LIMIT $2
	FOR UPDATE SKIP LOCKED
)
UPDATE jobs j
SET status = 'processing', started_at = $3, attempts = j.attempts + 1
FROM eligible
WHERE j.id = eligible.id
RETURNING j.id, j.type, j.payload, j.status, j.attempts, j.max_attempts, j.scheduled_at, j.started_at, j.completed_at, j.error_message, j.created_at`

const requeueStaleSQL = `
UPDATE jobs
SET status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
    scheduled_at = CASE WHEN attempts >= max_attempts THEN scheduled_at ELSE $3 END,
    completed_at = CASE WHEN attempts >= max_attempts THEN $3 ELSE NULL END,
    error_message = $4
WHERE type = $1 AND status = 'processing' AND started_at < $2`

const failUndecodableSQL = `
UPDATE jobs SET status = 'failed', completed_at = $2, error_message = $3
WHERE id = ANY($1) AND status = 'processing'`

// payloadError marks a row whose columns scanned but whose payload did not decode.
type payloadError struct {
	id  string
	err error
}

func (e *payloadError) Error() string {
	return fmt.Sprintf("job %s: %v", e.id, e.err)
}

func (e *payloadError) Unwrap() error {
	return e.err
}

// JobStore persists queue records in the jobs table.
type JobStore struct {
	pool Pool
}

// NewJobStore constructs a JobStore over db.
func NewJobStore(db *DB) *JobStore {
	return &JobStore{pool: db.Pool}
}

// CreateJob inserts a new job.
func (s *JobStore) CreateJob(ctx context.Context, job crawler.Job) error {
	payload, err := job.Payload.Encode()
	if err != nil {
		return fmt.Errorf("job %s: %w", job.ID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID,
		string(job.Type),
		payload,
		string(job.Status),
		job.Attempts,
		job.MaxAttempts,
		job.ScheduledAt,
		timeOrNull(job.StartedAt),
		timeOrNull(job.CompletedAt),
		job.ErrorMessage,
		job.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert job %s: %w", job.ID, crawler.ErrConflict)
		}
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, id string) (crawler.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		return crawler.Job{}, notFound(err, "job "+id)
	}
	return job, nil
}

// ClaimPending moves up to limit eligible jobs to processing, oldest first. Claimed
// rows whose payload does not decode are failed in place and left out of the result.
// If that write fails the decoded jobs are still returned alongside the error.
func (s *JobStore) ClaimPending(
	ctx context.Context,
	jobType crawler.JobType,
	limit int,
	now time.Time,
) ([]crawler.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, claimJobsSQL, string(jobType), limit, now)
	if err != nil {
		return nil, fmt.Errorf("claim %s jobs: %w", jobType, err)
	}
	defer rows.Close()
	var (
		jobs    []crawler.Job
		badIDs  []string
		badErrs []error
	)
	for rows.Next() {
		job, err := scanJob(rows)
		var perr *payloadError
		if errors.As(err, &perr) {
			badIDs = append(badIDs, perr.id)
			badErrs = append(badErrs, perr)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("scan claimed job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim %s jobs: %w", jobType, err)
	}
	rows.Close()
	// RETURNING order is unspecified.
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
	if len(badIDs) > 0 {
		msg := errors.Join(badErrs...).Error()
		if _, err := s.pool.Exec(ctx, failUndecodableSQL, badIDs, now, msg); err != nil {
			return jobs, fmt.Errorf("fail undecodable jobs %v: %w", badIDs, err)
		}
	}
	return jobs, nil
}

// UpdateJob writes the lifecycle fields of a job that is still processing.
func (s *JobStore) UpdateJob(ctx context.Context, job crawler.Job) error {
	res, err := s.pool.Exec(ctx, `
UPDATE jobs
SET status = $2, scheduled_at = $3, completed_at = $4, error_message = $5, attempts = $6
WHERE id = $1 AND status = 'processing'`,
		job.ID,
		string(job.Status),
		job.ScheduledAt,
		timeOrNull(job.CompletedAt),
		job.ErrorMessage,
		job.Attempts,
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	if res.RowsAffected() > 0 {
		return nil
	}
	var status string
	err = s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, job.ID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("job %s: %w", job.ID, crawler.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	return fmt.Errorf("job %s is %s: %w", job.ID, status, crawler.ErrConflict)
}

// RequeueStale releases processing jobs whose lease ran out.
func (s *JobStore) RequeueStale(
	ctx context.Context,
	jobType crawler.JobType,
	startedBefore, now time.Time,
) (int, error) {
	res, err := s.pool.Exec(ctx, requeueStaleSQL, string(jobType), startedBefore, now, crawler.LeaseExpiredMessage)
	if err != nil {
		return 0, fmt.Errorf("requeue stale %s jobs: %w", jobType, err)
	}
	return int(res.RowsAffected()), nil
}

// HasCountDocsJob reports whether a count_docs job targets term.
func (s *JobStore) HasCountDocsJob(ctx context.Context, term string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM jobs WHERE type = 'count_docs' AND payload->>'keywordTerm' = $1)`,
		term,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("look up count_docs job %q: %w", term, err)
	}
	return exists, nil
}

// CountJobsByStatus tallies jobs per status.
func (s *JobStore) CountJobsByStatus(ctx context.Context) (map[crawler.JobStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()
	counts := make(map[crawler.JobStatus]int, len(crawler.JobStatuses))
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[crawler.JobStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	return counts, nil
}

func scanJob(row rowScanner) (crawler.Job, error) {
	var (
		job                  crawler.Job
		jobType, status      string
		payload              []byte
		startedAt, completed pgtype.Timestamptz
	)
	if err := row.Scan(
		&job.ID,
		&jobType,
		&payload,
		&status,
		&job.Attempts,
		&job.MaxAttempts,
		&job.ScheduledAt,
		&startedAt,
		&completed,
		&job.ErrorMessage,
		&job.CreatedAt,
	); err != nil {
		return crawler.Job{}, err
	}
	job.Type = crawler.JobType(jobType)
	job.Status = crawler.JobStatus(status)
	decoded, err := crawler.DecodePayload(job.Type, payload)
	if err != nil {
		return crawler.Job{}, &payloadError{id: job.ID, err: err}
	}
	job.Payload = decoded
	job.StartedAt = timeFromNull(startedAt)
	job.CompletedAt = timeFromNull(completed)
	return job, nil
}

func timeOrNull(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

func timeFromNull(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
