package crawler

import (
	"context"
	"errors"
	"time"
)

// Store errors.
var (
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a record is not in the state an update expects.
	ErrConflict = errors.New("conflict")
)

// KeywordStore persists the keyword graph.
type KeywordStore interface {
	// UpsertKeyword inserts kw keyed on its term. When the term already exists its status
	// is set to kw.Status, its metrics are refreshed when kw carries search volume, and
	// the stored row is returned with inserted=false. Parent and depth never change.
	UpsertKeyword(ctx context.Context, kw Keyword) (Keyword, bool, error)
	GetKeyword(ctx context.Context, id string) (Keyword, error)
	GetKeywordByTerm(ctx context.Context, term string) (Keyword, error)
	UpdateKeywordStatus(ctx context.Context, id string, status KeywordStatus, at time.Time) error
	CountKeywordsByStatus(ctx context.Context) (map[KeywordStatus]int, error)
	ListKeywords(ctx context.Context, filter KeywordFilter) (KeywordPage, error)
}

// JobStore persists queue records. ClaimPending must be atomic per job.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, id string) (Job, error)
	// ClaimPending moves up to limit eligible pending jobs of jobType to processing,
	// oldest first, and returns the claimed rows. It may return usable jobs together
	// with an error about rows it could not hand out.
	ClaimPending(ctx context.Context, jobType JobType, limit int, now time.Time) ([]Job, error)
	// UpdateJob writes the lifecycle fields and attempt count of a job that is still
	// processing and returns ErrConflict otherwise.
	UpdateJob(ctx context.Context, job Job) error
	// RequeueStale returns processing jobs of jobType started before startedBefore to
	// pending at now, or fails them when no attempts remain. It reports how many
	// rows moved.
	RequeueStale(ctx context.Context, jobType JobType, startedBefore, now time.Time) (int, error)
	// HasCountDocsJob reports whether any count_docs job, in any status, targets term.
	HasCountDocsJob(ctx context.Context, term string) (bool, error)
	CountJobsByStatus(ctx context.Context) (map[JobStatus]int, error)
}

// SnapshotStore persists per-day document counts.
type SnapshotStore interface {
	UpsertSnapshot(ctx context.Context, snapshot DocCountSnapshot) error
	GetSnapshot(ctx context.Context, keywordID, date string) (DocCountSnapshot, error)
	CountSnapshotsSince(ctx context.Context, date string) (int, error)
}

// ArchiveStore writes raw provider payloads and returns a URI.
type ArchiveStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes graph events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// RelatedKeyword is one entry returned by the related-keyword provider.
type RelatedKeyword struct {
	Term    string
	Metrics KeywordMetrics
}

// RelatedFetcher resolves related terms for a keyword.
type RelatedFetcher interface {
	RelatedKeywords(ctx context.Context, hints ...string) (RelatedResult, error)
}

// RelatedResult carries the decoded related terms and the raw response.
type RelatedResult struct {
	Keywords []RelatedKeyword
	Raw      []byte
}

// DocCounter resolves document totals for a term.
type DocCounter interface {
	DocumentCounts(ctx context.Context, term string) (DocCountResult, error)
}

// DocCountResult carries the totals, the raw per-category payloads and how many
// sub-calls failed.
type DocCountResult struct {
	Counts DocCounts
	Raw    map[string][]byte
	Failed int
}
