package crawler_test

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
	pubmemory "github.com/JakeFAU/keyword-graph-crawler/internal/publisher/memory"
	"github.com/JakeFAU/keyword-graph-crawler/internal/queue"
	"github.com/JakeFAU/keyword-graph-crawler/internal/storage/memory"
)

type harness struct {
	keywords  *memory.KeywordStore
	snapshots *memory.SnapshotStore
	jobs      *memory.JobStore
	blobs     *memory.BlobStore
	publisher *pubmemory.Publisher
	queue     *queue.Queue
	related   *fakeRelated
	docs      *fakeDocs
	clock     *fakeClock
	ids       *seqIDs
	seeder    *crawler.Seeder
	orch      *crawler.Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		snapshots: memory.NewSnapshotStore(),
		jobs:      memory.NewJobStore(),
		blobs:     memory.NewBlobStore(),
		publisher: pubmemory.New(),
		related:   &fakeRelated{},
		docs:      &fakeDocs{},
		clock:     &fakeClock{now: time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)},
	}
	h.keywords = memory.NewKeywordStore(h.snapshots)
	ids := &seqIDs{}
	h.ids = ids
	h.queue = queue.New(h.jobs, nil, h.clock, ids, queue.Config{MaxAttempts: 3}, nil)
	h.seeder = crawler.NewSeeder(h.keywords, h.queue, h.clock, ids, nil)
	h.orch = crawler.NewOrchestrator(
		h.keywords,
		h.snapshots,
		h.queue,
		h.related,
		h.docs,
		h.blobs,
		h.publisher,
		h.clock,
		ids,
		crawler.OrchestratorConfig{ArchivePrefix: "raw", PublishEvents: true},
		nil,
	)
	return h
}

func TestSeedCreatesKeywordAndJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	res, err := h.seeder.Seed(ctx, crawler.SeedRequest{Term: "Marketing", AutoCollect: true, TargetCount: 1000, DepthLimit: 3})
	require.NoError(t, err)
	require.True(t, res.Inserted)
	require.Equal(t, "marketing", res.Keyword.Term)
	require.Zero(t, res.Keyword.Depth)
	require.Equal(t, crawler.KeywordStatusQueued, res.Keyword.Status)
	require.Equal(t, crawler.SourceSeed, res.Keyword.Source)
	require.NotNil(t, res.Job)
	require.Equal(t, crawler.JobTypeFetchRelated, res.Job.Type)
	require.Equal(t, res.Keyword.ID, res.Job.Payload.FetchRelated.KeywordID)
	require.Equal(t, 1000, res.Job.Payload.FetchRelated.TargetCount)
	require.Equal(t, 3, res.Job.Payload.FetchRelated.DepthLimit)

	counts, err := h.jobs.CountJobsByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts[crawler.JobStatusPending])
}

func TestSeedWithoutAutoCollectCreatesNoJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	res, err := h.seeder.Seed(ctx, crawler.SeedRequest{Term: "tent"})
	require.NoError(t, err)
	require.Nil(t, res.Job)

	again, err := h.seeder.Seed(ctx, crawler.SeedRequest{Term: " TENT "})
	require.NoError(t, err)
	require.False(t, again.Inserted)
	require.Equal(t, res.Keyword.ID, again.Keyword.ID)

	_, err = h.seeder.Seed(ctx, crawler.SeedRequest{Term: "   "})
	require.ErrorIs(t, err, crawler.ErrEmptyTerm)

	counts, err := h.jobs.CountJobsByStatus(ctx)
	require.NoError(t, err)
	require.Zero(t, counts[crawler.JobStatusPending])
}

func TestFetchRelatedInsertsChildrenAndCountJobs(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	seed, err := h.seeder.Seed(ctx, crawler.SeedRequest{Term: "marketing", AutoCollect: true})
	require.NoError(t, err)

	h.related.result = crawler.RelatedResult{
		Raw: []byte(`{"keywordList":[]}`),
		Keywords: []crawler.RelatedKeyword{
			{Term: "content marketing", Metrics: crawler.KeywordMetrics{PC: 100, Mobile: 900}},
			{Term: "Marketing Agency", Metrics: crawler.KeywordMetrics{PC: 50}},
			{Term: "viral marketing"},
			{Term: "MARKETING"},
		},
	}

	res, err := h.orch.FetchRelated(ctx, *seed.Job.Payload.FetchRelated)
	require.NoError(t, err)
	require.Equal(t, 4, res.Returned)
	require.Len(t, res.Inserted, 3)
	require.Equal(t, []string{"marketing"}, h.related.hints)

	for _, child := range res.Inserted {
		require.Equal(t, 1, child.Depth)
		require.NotNil(t, child.ParentID)
		require.Equal(t, seed.Keyword.ID, *child.ParentID)
		require.Equal(t, crawler.KeywordStatusQueued, child.Status)
		require.Equal(t, crawler.SourceRelated, child.Source)
	}
	stored, err := h.keywords.GetKeywordByTerm(ctx, "content marketing")
	require.NoError(t, err)
	require.Equal(t, int64(1000), stored.Metrics.SearchVolume())

	parent, err := h.keywords.GetKeyword(ctx, seed.Keyword.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.KeywordStatusFetchedRelated, parent.Status)

	countJobs, err := h.queue.Dequeue(ctx, crawler.JobTypeCountDocs, 10)
	require.NoError(t, err)
	require.Len(t, countJobs, 3)

	_, ok := h.blobs.Object("raw/adsearch/2026-10-18/" + seed.Keyword.ID + ".json")
	require.True(t, ok)
	events := h.publisher.Topic(crawler.TopicKeywordExpanded)
	require.Len(t, events, 1)
	event, ok := events[0].Payload.(crawler.KeywordExpandedEvent)
	require.True(t, ok)
	require.Len(t, event.Inserted, 3)
}

func TestFetchRelatedExistingTermIsRequeuedWithoutNewJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	seed, err := h.seeder.Seed(ctx, crawler.SeedRequest{Term: "tent", AutoCollect: true})
	require.NoError(t, err)
	other, err := h.seeder.Seed(ctx, crawler.SeedRequest{Term: "tarp"})
	require.NoError(t, err)
	require.NoError(t, h.keywords.UpdateKeywordStatus(ctx, other.Keyword.ID, crawler.KeywordStatusCountedDocs, h.clock.Now()))

	h.related.result = crawler.RelatedResult{Keywords: []crawler.RelatedKeyword{{Term: "tarp"}}}
	res, err := h.orch.FetchRelated(ctx, *seed.Job.Payload.FetchRelated)
	require.NoError(t, err)
	require.Empty(t, res.Inserted)
	require.Equal(t, 1, res.Existing)

	tarp, err := h.keywords.GetKeyword(ctx, other.Keyword.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.KeywordStatusQueued, tarp.Status)
	require.Zero(t, tarp.Depth)
	require.Nil(t, tarp.ParentID)

	pending, err := h.queue.Dequeue(ctx, crawler.JobTypeCountDocs, 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestFetchRelatedRetryEnqueuesChildStrandedByFailedEnqueue(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	seed, err := h.seeder.Seed(ctx, crawler.SeedRequest{Term: "camping", AutoCollect: true})
	require.NoError(t, err)

	jobs := &flakyEnqueuer{Queue: h.queue, failAt: 2}
	orch := crawler.NewOrchestrator(h.keywords, h.snapshots, jobs, h.related, h.docs, nil, nil,
		h.clock, h.ids, crawler.OrchestratorConfig{}, nil)
	h.related.result = crawler.RelatedResult{Keywords: []crawler.RelatedKeyword{
		{Term: "camping chair"}, {Term: "camping stove"}, {Term: "camping tent"},
	}}

	_, err = orch.FetchRelated(ctx, *seed.Job.Payload.FetchRelated)
	require.ErrorContains(t, err, `enqueue count_docs for "camping stove"`)

	res, err := orch.FetchRelated(ctx, *seed.Job.Payload.FetchRelated)
	require.NoError(t, err)
	require.Equal(t, 1, res.Existing, "camping chair already has its job")
	require.Len(t, res.Inserted, 2)

	countJobs, err := h.queue.Dequeue(ctx, crawler.JobTypeCountDocs, 10)
	require.NoError(t, err)
	terms := make([]string, 0, len(countJobs))
	for _, job := range countJobs {
		terms = append(terms, job.Payload.CountDocs.KeywordTerm)
	}
	require.ElementsMatch(t, []string{"camping chair", "camping stove", "camping tent"}, terms)

	// A third run finds every child accounted for.
	res, err = orch.FetchRelated(ctx, *seed.Job.Payload.FetchRelated)
	require.NoError(t, err)
	require.Empty(t, res.Inserted)
	require.Equal(t, 3, res.Existing)
}

func TestFetchRelatedProviderErrorLeavesGraphUntouched(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	seed, err := h.seeder.Seed(ctx, crawler.SeedRequest{Term: "tent", AutoCollect: true})
	require.NoError(t, err)

	boom := errors.New("rate limited")
	h.related.err = boom
	_, err = h.orch.FetchRelated(ctx, *seed.Job.Payload.FetchRelated)
	require.ErrorIs(t, err, boom)

	kw, err := h.keywords.GetKeyword(ctx, seed.Keyword.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.KeywordStatusQueued, kw.Status)

	_, err = h.orch.FetchRelated(ctx, crawler.FetchRelatedPayload{KeywordID: "missing"})
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestCountDocsStoresTodaysSnapshot(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	seed, err := h.seeder.Seed(ctx, crawler.SeedRequest{Term: "marketing"})
	require.NoError(t, err)

	h.docs.result = crawler.DocCountResult{
		Counts: crawler.DocCounts{Blog: 10, Cafe: 0, Web: 500, News: 2},
		Raw:    map[string][]byte{"blog": []byte(`{"total":10}`)},
	}
	snap, err := h.orch.CountDocs(ctx, crawler.CountDocsPayload{KeywordTerm: "marketing"})
	require.NoError(t, err)
	require.Equal(t, "2026-10-18", snap.Date)

	stored, err := h.snapshots.GetSnapshot(ctx, seed.Keyword.ID, "2026-10-18")
	require.NoError(t, err)
	require.Equal(t, crawler.DocCounts{Blog: 10, Cafe: 0, Web: 500, News: 2}, stored.Counts)
	require.Equal(t, 1, h.snapshots.Len())

	kw, err := h.keywords.GetKeyword(ctx, seed.Keyword.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.KeywordStatusCountedDocs, kw.Status)

	require.Len(t, h.publisher.Topic(crawler.TopicSnapshotRecorded), 1)
	_, ok := h.blobs.Object("raw/opensearch/2026-10-18/" + seed.Keyword.ID + ".json")
	require.True(t, ok)
}

func TestMarkFailedSetsKeywordError(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	seed, err := h.seeder.Seed(ctx, crawler.SeedRequest{Term: "tent", AutoCollect: true})
	require.NoError(t, err)

	require.NoError(t, h.orch.MarkFailed(ctx, *seed.Job))
	kw, err := h.keywords.GetKeyword(ctx, seed.Keyword.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.KeywordStatusError, kw.Status)

	require.Error(t, h.orch.MarkFailed(ctx, crawler.Job{ID: "empty"}))
}

type fakeRelated struct {
	mu     sync.Mutex
	result crawler.RelatedResult
	err    error
	hints  []string
}

func (f *fakeRelated) RelatedKeywords(_ context.Context, hints ...string) (crawler.RelatedResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hints = append(f.hints, hints...)
	return f.result, f.err
}

// flakyEnqueuer fails the failAt-th Enqueue call once.
type flakyEnqueuer struct {
	*queue.Queue
	mu     sync.Mutex
	calls  int
	failAt int
}

func (f *flakyEnqueuer) Enqueue(ctx context.Context, payload crawler.Payload) (crawler.Job, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls == f.failAt
	f.mu.Unlock()
	if fail {
		return crawler.Job{}, errors.New("connection reset")
	}
	return f.Queue.Enqueue(ctx, payload)
}

type fakeDocs struct {
	result crawler.DocCountResult
	err    error
}

func (f *fakeDocs) DocumentCounts(context.Context, string) (crawler.DocCountResult, error) {
	return f.result, f.err
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

type seqIDs struct {
	n atomic.Int64
}

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%04d", s.n.Add(1)), nil
}
