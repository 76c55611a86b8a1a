package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/JakeFAU/keyword-graph-crawler/internal/crawler"
)

func newPendingJob(id string, jobType crawler.JobType, created time.Time) crawler.Job {
	payload := crawler.NewCountDocsPayload(crawler.CountDocsPayload{KeywordTerm: id})
	if jobType == crawler.JobTypeFetchRelated {
		payload = crawler.NewFetchRelatedPayload(crawler.FetchRelatedPayload{KeywordID: id})
	}
	return crawler.Job{
		ID:          id,
		Type:        jobType,
		Payload:     payload,
		Status:      crawler.JobStatusPending,
		MaxAttempts: crawler.DefaultMaxAttempts,
		ScheduledAt: created,
		CreatedAt:   created,
	}
}

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	job := newPendingJob("job-1", crawler.JobTypeCountDocs, now)

	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if err := store.CreateJob(ctx, job); err == nil {
		t.Fatal("expected duplicate job error")
	}

	claimed, err := store.ClaimPending(ctx, crawler.JobTypeCountDocs, 10, now)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimPending() unexpected result: jobs=%v err=%v", claimed, err)
	}
	got := claimed[0]
	if got.Status != crawler.JobStatusProcessing || got.Attempts != 1 || got.StartedAt == nil {
		t.Fatalf("expected claimed job to be processing, got %+v", got)
	}
	got.Payload.CountDocs.KeywordTerm = "modified"
	stored, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if stored.Payload.CountDocs.KeywordTerm != "job-1" {
		t.Fatal("expected ClaimPending to return a copy")
	}

	done := now.Add(time.Second)
	got.Status = crawler.JobStatusCompleted
	got.CompletedAt = &done
	if err := store.UpdateJob(ctx, got); err != nil {
		t.Fatalf("UpdateJob() error = %v", err)
	}
	if err := store.UpdateJob(ctx, got); !errors.Is(err, crawler.ErrConflict) {
		t.Fatalf("expected conflict updating a completed job, got %v", err)
	}

	final, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if final.Status != crawler.JobStatusCompleted || final.CompletedAt == nil {
		t.Fatalf("expected completed job, got %+v", final)
	}

	counts, err := store.CountJobsByStatus(ctx)
	if err != nil {
		t.Fatalf("CountJobsByStatus() error = %v", err)
	}
	if counts[crawler.JobStatusCompleted] != 1 || counts[crawler.JobStatusPending] != 0 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

func TestJobStoreClaimPendingFiltersAndOrders(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

	jobs := []crawler.Job{
		newPendingJob("newer", crawler.JobTypeCountDocs, now.Add(-time.Minute)),
		newPendingJob("oldest", crawler.JobTypeCountDocs, now.Add(-time.Hour)),
		newPendingJob("other-type", crawler.JobTypeFetchRelated, now.Add(-2*time.Hour)),
	}
	future := newPendingJob("future", crawler.JobTypeCountDocs, now.Add(-3*time.Hour))
	future.ScheduledAt = now.Add(time.Minute)
	jobs = append(jobs, future)
	for _, job := range jobs {
		if err := store.CreateJob(ctx, job); err != nil {
			t.Fatalf("CreateJob(%s) error = %v", job.ID, err)
		}
	}

	claimed, err := store.ClaimPending(ctx, crawler.JobTypeCountDocs, 1, now)
	if err != nil {
		t.Fatalf("ClaimPending() error = %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != "oldest" {
		t.Fatalf("expected oldest eligible job, got %+v", claimed)
	}
	claimed, err = store.ClaimPending(ctx, crawler.JobTypeCountDocs, 10, now)
	if err != nil {
		t.Fatalf("ClaimPending() error = %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != "newer" {
		t.Fatalf("expected only the remaining eligible job, got %+v", claimed)
	}
	if claimed, _ := store.ClaimPending(ctx, crawler.JobTypeCountDocs, 0, now); claimed != nil {
		t.Fatalf("expected nothing for zero limit, got %+v", claimed)
	}
}

func TestJobStoreClaimPendingIsExclusive(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	for i := range 20 {
		job := newPendingJob(fmt.Sprintf("job-%02d", i), crawler.JobTypeFetchRelated, now)
		if err := store.CreateJob(ctx, job); err != nil {
			t.Fatalf("CreateJob() error = %v", err)
		}
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := store.ClaimPending(ctx, crawler.JobTypeFetchRelated, 5, now)
			if err != nil {
				t.Errorf("ClaimPending() error = %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, job := range claimed {
				seen[job.ID]++
			}
		}()
	}
	wg.Wait()

	if len(seen) != 20 {
		t.Fatalf("expected all 20 jobs claimed, got %d", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("job %s claimed %d times", id, n)
		}
	}
}

func TestJobStoreMissingJob(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	if _, err := store.GetJob(context.Background(), "missing"); !errors.Is(err, crawler.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.UpdateJob(context.Background(), crawler.Job{ID: "missing"}); !errors.Is(err, crawler.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestJobStoreHasCountDocsJob(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	if err := store.CreateJob(ctx, newPendingJob("tent", crawler.JobTypeCountDocs, now)); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if err := store.CreateJob(ctx, newPendingJob("tarp", crawler.JobTypeFetchRelated, now)); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}

	tests := []struct {
		term string
		want bool
	}{
		{term: "tent", want: true},
		{term: "tarp", want: false},
		{term: "stove", want: false},
	}
	for _, tt := range tests {
		got, err := store.HasCountDocsJob(ctx, tt.term)
		if err != nil {
			t.Fatalf("HasCountDocsJob(%q) error = %v", tt.term, err)
		}
		if got != tt.want {
			t.Fatalf("HasCountDocsJob(%q) = %v, want %v", tt.term, got, tt.want)
		}
	}

	if _, err := store.ClaimPending(ctx, crawler.JobTypeCountDocs, 1, now); err != nil {
		t.Fatalf("ClaimPending() error = %v", err)
	}
	if got, _ := store.HasCountDocsJob(ctx, "tent"); !got {
		t.Fatal("claimed job should still count")
	}
}
