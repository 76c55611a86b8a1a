package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/keyword-graph-crawler/internal/crawler"
	"github.com/JakeFAU/keyword-graph-crawler/internal/storage/memory"
)

func TestEnqueueDequeueComplete(t *testing.T) {
	t.Parallel()

	q, clock, _ := newTestQueue(t, 3)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, crawler.NewCountDocsPayload(crawler.CountDocsPayload{KeywordTerm: "tent"}))
	require.NoError(t, err)
	require.Equal(t, crawler.JobTypeCountDocs, job.Type)
	require.Equal(t, crawler.JobStatusPending, job.Status)
	require.Zero(t, job.Attempts)
	require.Equal(t, 3, job.MaxAttempts)

	claimed, err := q.Dequeue(ctx, crawler.JobTypeCountDocs, 5)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, 1, claimed[0].Attempts)
	require.Equal(t, crawler.JobStatusProcessing, claimed[0].Status)
	require.Equal(t, clock.Now(), *claimed[0].StartedAt)

	done, err := q.Complete(ctx, claimed[0])
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, done.Status)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats[crawler.JobStatusCompleted])
	require.Contains(t, stats, crawler.JobStatusFailed)
}

func TestEnqueueRejectsEmptyPayload(t *testing.T) {
	t.Parallel()

	q, _, _ := newTestQueue(t, 3)
	_, err := q.Enqueue(context.Background(), crawler.Payload{})
	require.ErrorIs(t, err, ErrInvalidPayload)
}

func TestDequeueRejectsUnknownType(t *testing.T) {
	t.Parallel()

	q, _, _ := newTestQueue(t, 3)
	_, err := q.Dequeue(context.Background(), crawler.JobType("crawl"), 1)
	require.Error(t, err)
}

func TestFailSchedulesRetryWithTypeBackoff(t *testing.T) {
	t.Parallel()

	q, clock, _ := newTestQueue(t, 3)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, crawler.NewFetchRelatedPayload(crawler.FetchRelatedPayload{KeywordID: "kw-1"}))
	require.NoError(t, err)
	claimed, err := q.Dequeue(ctx, crawler.JobTypeFetchRelated, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	retried, err := q.Fail(ctx, claimed[0], errors.New("HTTP 503"))
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusPending, retried.Status)
	require.Equal(t, clock.Now().Add(crawler.DefaultFetchRelatedBackoff), retried.ScheduledAt)
	require.Equal(t, "HTTP 503", retried.ErrorMessage)

	again, err := q.Dequeue(ctx, crawler.JobTypeFetchRelated, 1)
	require.NoError(t, err)
	require.Empty(t, again, "job must wait for its backoff")

	clock.advance(crawler.DefaultFetchRelatedBackoff)
	again, err = q.Dequeue(ctx, crawler.JobTypeFetchRelated, 1)
	require.NoError(t, err)
	require.Len(t, again, 1)
	require.Equal(t, 2, again[0].Attempts)
}

// A count_docs job that keeps failing ends failed on its last attempt and is never
// claimed again.
func TestFailOnLastAttemptIsTerminal(t *testing.T) {
	t.Parallel()

	q, clock, store := newTestQueue(t, 3)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, crawler.NewCountDocsPayload(crawler.CountDocsPayload{KeywordTerm: "tent"}))
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := q.Dequeue(ctx, crawler.JobTypeCountDocs, 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1, "attempt %d", attempt)
		require.Equal(t, attempt, claimed[0].Attempts)

		_, err = q.Fail(ctx, claimed[0], fmt.Errorf("upstream failure %d", attempt))
		require.NoError(t, err)
		clock.advance(time.Hour)
	}

	final, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusFailed, final.Status)
	require.Equal(t, "upstream failure 3", final.ErrorMessage)
	require.NotNil(t, final.CompletedAt)

	clock.advance(24 * time.Hour)
	claimed, err := q.Dequeue(ctx, crawler.JobTypeCountDocs, 10)
	require.NoError(t, err)
	require.Empty(t, claimed)
}

func TestFailPermanentlySkipsRemainingAttempts(t *testing.T) {
	t.Parallel()

	q, _, _ := newTestQueue(t, 5)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, crawler.NewCountDocsPayload(crawler.CountDocsPayload{KeywordTerm: "tent"}))
	require.NoError(t, err)
	claimed, err := q.Dequeue(ctx, crawler.JobTypeCountDocs, 1)
	require.NoError(t, err)

	failed, err := q.FailPermanently(ctx, claimed[0], errors.New("decode response"))
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusFailed, failed.Status)
	require.Equal(t, 1, failed.Attempts)

	_, err = q.Complete(ctx, failed)
	require.ErrorIs(t, err, crawler.ErrConflict)
}

func TestConcurrentDequeueHasSingleWinner(t *testing.T) {
	t.Parallel()

	q, _, _ := newTestQueue(t, 3)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, crawler.NewCountDocsPayload(crawler.CountDocsPayload{KeywordTerm: "tent"}))
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		errs    = make(chan error, 16)
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := q.Dequeue(ctx, crawler.JobTypeCountDocs, 1)
			if err != nil {
				errs <- err
				return
			}
			winners.Add(int32(len(claimed)))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), winners.Load())
}

func TestReleaseReturnsAttempt(t *testing.T) {
	t.Parallel()

	q, clock, store := newTestQueue(t, 3)
	ctx := context.Background()
	job, err := q.Enqueue(ctx, crawler.NewCountDocsPayload(crawler.CountDocsPayload{KeywordTerm: "tent"}))
	require.NoError(t, err)

	claimed, err := q.Dequeue(ctx, crawler.JobTypeCountDocs, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	released, err := q.Release(ctx, claimed[0], context.Canceled)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusPending, released.Status)

	stored, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Zero(t, stored.Attempts)
	require.Equal(t, clock.Now(), stored.ScheduledAt)
	require.Equal(t, "context canceled", stored.ErrorMessage)

	again, err := q.Dequeue(ctx, crawler.JobTypeCountDocs, 1)
	require.NoError(t, err)
	require.Len(t, again, 1)
	require.Equal(t, 1, again[0].Attempts)
}

func TestDequeueReclaimsJobsPastLease(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)}
	store := memory.NewJobStore()
	q := New(store, nil, clock, &seqIDs{}, Config{MaxAttempts: 2, Lease: 10 * time.Minute}, nil)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, crawler.NewCountDocsPayload(crawler.CountDocsPayload{KeywordTerm: "tent"}))
	require.NoError(t, err)
	claimed, err := q.Dequeue(ctx, crawler.JobTypeCountDocs, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	clock.advance(5 * time.Minute)
	none, err := q.Dequeue(ctx, crawler.JobTypeCountDocs, 1)
	require.NoError(t, err)
	require.Empty(t, none, "lease still running")

	clock.advance(6 * time.Minute)
	reclaimed, err := q.Dequeue(ctx, crawler.JobTypeCountDocs, 1)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	require.Equal(t, job.ID, reclaimed[0].ID)
	require.Equal(t, 2, reclaimed[0].Attempts)

	// The second claim used the last attempt, so expiry is terminal.
	clock.advance(11 * time.Minute)
	none, err = q.Dequeue(ctx, crawler.JobTypeCountDocs, 1)
	require.NoError(t, err)
	require.Empty(t, none)

	stored, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusFailed, stored.Status)
	require.Equal(t, crawler.LeaseExpiredMessage, stored.ErrorMessage)
	require.NotNil(t, stored.CompletedAt)
}

func TestErrorMessageIsTruncated(t *testing.T) {
	t.Parallel()

	long := make([]byte, 2*maxErrorMessage)
	for i := range long {
		long[i] = 'x'
	}
	require.Len(t, errorMessage(errors.New(string(long))), maxErrorMessage)
	require.Equal(t, "unknown error", errorMessage(nil))
}

func newTestQueue(t *testing.T, maxAttempts int) (*Queue, *fakeClock, *memory.JobStore) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)}
	store := memory.NewJobStore()
	q := New(store, nil, clock, &seqIDs{}, Config{MaxAttempts: maxAttempts}, nil)
	return q, clock, store
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDs struct {
	n atomic.Int64
}

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("job-%03d", s.n.Add(1)), nil
}
