package crawler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/keyword-graph-crawler/internal/metrics"
)

// Seed request defaults.
const (
	DefaultTargetCount = 1000
	DefaultDepthLimit  = 3
)

// ErrEmptyTerm is returned for seeds that normalize to nothing.
var ErrEmptyTerm = errors.New("term is required")

// SeedRequest registers a root keyword.
type SeedRequest struct {
	Term        string
	AutoCollect bool
	TargetCount int
	DepthLimit  int
}

// SeedResult reports what Seed stored.
type SeedResult struct {
	Keyword  Keyword
	Inserted bool
	// Job is the fetch_related job, nil when AutoCollect is off.
	Job *Job
}

// Seeder registers seed keywords.
type Seeder struct {
	keywords KeywordStore
	jobs     JobEnqueuer
	clock    Clock
	ids      IDGenerator
	logger   *zap.Logger
}

// NewSeeder constructs a Seeder.
func NewSeeder(keywords KeywordStore, jobs JobEnqueuer, clock Clock, ids IDGenerator, logger *zap.Logger) *Seeder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Seeder{keywords: keywords, jobs: jobs, clock: clock, ids: ids, logger: logger}
}

// Seed upserts req.Term as a depth 0 keyword and, when AutoCollect is set, enqueues a
// fetch_related job for it.
func (s *Seeder) Seed(ctx context.Context, req SeedRequest) (SeedResult, error) {
	term := NormalizeTerm(req.Term)
	if term == "" {
		return SeedResult{}, ErrEmptyTerm
	}
	if req.TargetCount <= 0 {
		req.TargetCount = DefaultTargetCount
	}
	if req.DepthLimit <= 0 {
		req.DepthLimit = DefaultDepthLimit
	}
	id, err := s.ids.NewID()
	if err != nil {
		return SeedResult{}, fmt.Errorf("generate keyword id: %w", err)
	}
	now := s.clock.Now()
	kw, inserted, err := s.keywords.UpsertKeyword(ctx, Keyword{
		ID:        id,
		Term:      term,
		Source:    SourceSeed,
		Depth:     0,
		Status:    KeywordStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return SeedResult{}, fmt.Errorf("upsert seed %q: %w", term, err)
	}
	if inserted {
		metrics.ObserveKeywordDiscovered(string(SourceSeed))
	}
	out := SeedResult{Keyword: kw, Inserted: inserted}
	if req.AutoCollect {
		job, err := s.jobs.Enqueue(ctx, NewFetchRelatedPayload(FetchRelatedPayload{
			KeywordID:   kw.ID,
			TargetCount: req.TargetCount,
			DepthLimit:  req.DepthLimit,
		}))
		if err != nil {
			return out, fmt.Errorf("enqueue fetch_related for %q: %w", term, err)
		}
		out.Job = &job
	}
	s.logger.Info("seed registered",
		zap.String("keyword_id", kw.ID),
		zap.String("term", kw.Term),
		zap.Bool("inserted", inserted),
		zap.Bool("auto_collect", req.AutoCollect),
	)
	return out, nil
}
