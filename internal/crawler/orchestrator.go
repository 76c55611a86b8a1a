package crawler

import (
	"context"
	"encoding/json"
	"fmt"
	"path"

	"go.uber.org/zap"

	"github.com/JakeFAU/keyword-graph-crawler/internal/metrics"
)

// JobEnqueuer creates follow-on jobs.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, payload Payload) (Job, error)
}

// FollowUpQueue is the queue surface the orchestrator needs.
type FollowUpQueue interface {
	JobEnqueuer
	HasCountDocsJob(ctx context.Context, term string) (bool, error)
}

// OrchestratorConfig tunes the orchestrator.
type OrchestratorConfig struct {
	// ArchivePrefix is prepended to raw payload paths.
	ArchivePrefix string
	// PublishEvents enables graph events.
	PublishEvents bool
}

// ExpandResult summarizes one fetch_related run.
type ExpandResult struct {
	Keyword  Keyword
	Returned int
	Inserted []Keyword
	Existing int
}

// Orchestrator executes job payloads against the providers and the graph stores.
type Orchestrator struct {
	keywords  KeywordStore
	snapshots SnapshotStore
	jobs      FollowUpQueue
	related   RelatedFetcher
	docs      DocCounter
	archive   ArchiveStore
	publisher Publisher
	clock     Clock
	ids       IDGenerator
	cfg       OrchestratorConfig
	logger    *zap.Logger
}

// NewOrchestrator constructs an Orchestrator. archive and publisher may be nil.
func NewOrchestrator(
	keywords KeywordStore,
	snapshots SnapshotStore,
	jobs FollowUpQueue,
	related RelatedFetcher,
	docs DocCounter,
	archive ArchiveStore,
	publisher Publisher,
	clock Clock,
	ids IDGenerator,
	cfg OrchestratorConfig,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		keywords:  keywords,
		snapshots: snapshots,
		jobs:      jobs,
		related:   related,
		docs:      docs,
		archive:   archive,
		publisher: publisher,
		clock:     clock,
		ids:       ids,
		cfg:       cfg,
		logger:    logger,
	}
}

// FetchRelated expands one keyword. Every returned term is upserted as a child of the
// keyword and each newly inserted child gets one count_docs job. A child this keyword
// inserted on an earlier attempt that never got its job is picked up again, so a
// retry after a failed enqueue does not strand it. TargetCount and DepthLimit are not
// enforced here.
func (o *Orchestrator) FetchRelated(ctx context.Context, p FetchRelatedPayload) (ExpandResult, error) {
	parent, err := o.keywords.GetKeyword(ctx, p.KeywordID)
	if err != nil {
		return ExpandResult{}, fmt.Errorf("load keyword %s: %w", p.KeywordID, err)
	}
	res, err := o.related.RelatedKeywords(ctx, parent.Term)
	if err != nil {
		return ExpandResult{}, fmt.Errorf("related keywords for %q: %w", parent.Term, err)
	}
	now := o.clock.Now()
	uri := o.archiveRaw(ctx, "adsearch", parent.ID, now.Format(SnapshotDateLayout), res.Raw)

	out := ExpandResult{Keyword: parent, Returned: len(res.Keywords)}
	for _, rel := range res.Keywords {
		term := NormalizeTerm(rel.Term)
		if term == "" || term == parent.Term {
			continue
		}
		id, err := o.ids.NewID()
		if err != nil {
			return out, fmt.Errorf("generate keyword id: %w", err)
		}
		parentID := parent.ID
		kw, inserted, err := o.keywords.UpsertKeyword(ctx, Keyword{
			ID:        id,
			Term:      term,
			Source:    SourceRelated,
			ParentID:  &parentID,
			Depth:     parent.Depth + 1,
			Status:    KeywordStatusQueued,
			Metrics:   rel.Metrics,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return out, fmt.Errorf("upsert keyword %q: %w", term, err)
		}
		if !inserted {
			missing, err := o.missingCountJob(ctx, parent, kw)
			if err != nil {
				return out, err
			}
			if !missing {
				out.Existing++
				continue
			}
		}
		if _, err := o.jobs.Enqueue(ctx, NewCountDocsPayload(CountDocsPayload{KeywordTerm: kw.Term})); err != nil {
			return out, fmt.Errorf("enqueue count_docs for %q: %w", kw.Term, err)
		}
		metrics.ObserveKeywordDiscovered(string(SourceRelated))
		out.Inserted = append(out.Inserted, kw)
	}

	if err := o.keywords.UpdateKeywordStatus(ctx, parent.ID, KeywordStatusFetchedRelated, o.clock.Now()); err != nil {
		return out, fmt.Errorf("mark keyword %s fetched: %w", parent.ID, err)
	}
	out.Keyword.Status = KeywordStatusFetchedRelated

	o.logger.Info("keyword expanded",
		zap.String("keyword_id", parent.ID),
		zap.String("term", parent.Term),
		zap.Int("returned", out.Returned),
		zap.Int("inserted", len(out.Inserted)),
		zap.Int("existing", out.Existing),
	)
	inserted := make([]string, 0, len(out.Inserted))
	for _, kw := range out.Inserted {
		inserted = append(inserted, kw.Term)
	}
	o.publish(ctx, TopicKeywordExpanded, KeywordExpandedEvent{
		KeywordID:  parent.ID,
		Term:       parent.Term,
		Depth:      parent.Depth,
		Returned:   out.Returned,
		Inserted:   inserted,
		ArchiveURI: uri,
		At:         now,
	})
	return out, nil
}

func (o *Orchestrator) missingCountJob(ctx context.Context, parent, kw Keyword) (bool, error) {
	if kw.ParentID == nil || *kw.ParentID != parent.ID {
		return false, nil
	}
	has, err := o.jobs.HasCountDocsJob(ctx, kw.Term)
	if err != nil {
		return false, fmt.Errorf("look up count_docs for %q: %w", kw.Term, err)
	}
	return !has, nil
}

// CountDocs stores today's document totals for one term.
func (o *Orchestrator) CountDocs(ctx context.Context, p CountDocsPayload) (DocCountSnapshot, error) {
	kw, err := o.keywords.GetKeywordByTerm(ctx, p.KeywordTerm)
	if err != nil {
		return DocCountSnapshot{}, fmt.Errorf("load keyword %q: %w", p.KeywordTerm, err)
	}
	res, err := o.docs.DocumentCounts(ctx, kw.Term)
	if err != nil {
		return DocCountSnapshot{}, fmt.Errorf("document counts for %q: %w", kw.Term, err)
	}
	now := o.clock.Now()
	date := now.Format(SnapshotDateLayout)

	raw, err := json.Marshal(res.Raw)
	if err != nil {
		return DocCountSnapshot{}, fmt.Errorf("encode raw counts: %w", err)
	}
	snapshot := DocCountSnapshot{
		KeywordID: kw.ID,
		Date:      date,
		Counts:    res.Counts,
		Raw:       raw,
		CreatedAt: now,
	}
	if err := o.snapshots.UpsertSnapshot(ctx, snapshot); err != nil {
		return DocCountSnapshot{}, fmt.Errorf("upsert snapshot %s/%s: %w", kw.ID, date, err)
	}
	if err := o.keywords.UpdateKeywordStatus(ctx, kw.ID, KeywordStatusCountedDocs, now); err != nil {
		return snapshot, fmt.Errorf("mark keyword %s counted: %w", kw.ID, err)
	}
	uri := o.archiveRaw(ctx, "opensearch", kw.ID, date, raw)

	o.logger.Info("document counts recorded",
		zap.String("keyword_id", kw.ID),
		zap.String("term", kw.Term),
		zap.Int64("blog", res.Counts.Blog),
		zap.Int64("cafe", res.Counts.Cafe),
		zap.Int64("web", res.Counts.Web),
		zap.Int64("news", res.Counts.News),
		zap.Int("failed_categories", res.Failed),
	)
	o.publish(ctx, TopicSnapshotRecorded, SnapshotRecordedEvent{
		KeywordID:  kw.ID,
		Term:       kw.Term,
		Date:       date,
		Counts:     res.Counts,
		Failed:     res.Failed,
		ArchiveURI: uri,
		At:         now,
	})
	return snapshot, nil
}

// MarkFailed sets the keyword targeted by a terminally failed job to error.
func (o *Orchestrator) MarkFailed(ctx context.Context, job Job) error {
	var (
		kw  Keyword
		err error
	)
	switch {
	case job.Payload.FetchRelated != nil:
		kw, err = o.keywords.GetKeyword(ctx, job.Payload.FetchRelated.KeywordID)
	case job.Payload.CountDocs != nil:
		kw, err = o.keywords.GetKeywordByTerm(ctx, job.Payload.CountDocs.KeywordTerm)
	default:
		return fmt.Errorf("job %s has no payload", job.ID)
	}
	if err != nil {
		return fmt.Errorf("load keyword for job %s: %w", job.ID, err)
	}
	if err := o.keywords.UpdateKeywordStatus(ctx, kw.ID, KeywordStatusError, o.clock.Now()); err != nil {
		return fmt.Errorf("mark keyword %s error: %w", kw.ID, err)
	}
	return nil
}

func (o *Orchestrator) archiveRaw(ctx context.Context, provider, keywordID, date string, raw []byte) string {
	if o.archive == nil || len(raw) == 0 {
		return ""
	}
	name := path.Join(o.cfg.ArchivePrefix, provider, date, keywordID+".json")
	uri, err := o.archive.PutObject(ctx, name, "application/json", raw)
	if err != nil {
		o.logger.Warn("archive raw payload failed", zap.String("path", name), zap.Error(err))
		return ""
	}
	return uri
}

func (o *Orchestrator) publish(ctx context.Context, topic string, event any) {
	if o.publisher == nil || !o.cfg.PublishEvents {
		return
	}
	if _, err := o.publisher.Publish(ctx, topic, event); err != nil {
		o.logger.Warn("publish event failed", zap.String("topic", topic), zap.Error(err))
	}
}
