// Package crawler defines the keyword graph domain shared across subsystems.
package crawler

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// KeywordSource records how a keyword entered the graph.
type KeywordSource string

// Keyword sources.
const (
	SourceSeed    KeywordSource = "seed"
	SourceRelated KeywordSource = "related"
)

// KeywordStatus represents the collection state of a keyword.
type KeywordStatus string

// Keyword status values persisted in the keyword store.
const (
	KeywordStatusQueued         KeywordStatus = "queued"
	KeywordStatusFetchedRelated KeywordStatus = "fetched_rel"
	KeywordStatusCountedDocs    KeywordStatus = "counted_docs"
	KeywordStatusError          KeywordStatus = "error"
)

// KeywordStatuses lists every keyword status in display order.
var KeywordStatuses = []KeywordStatus{
	KeywordStatusQueued,
	KeywordStatusFetchedRelated,
	KeywordStatusCountedDocs,
	KeywordStatusError,
}

// KeywordMetrics are populated from the related-keyword provider.
type KeywordMetrics struct {
	PC        int64   `json:"pc"`
	Mobile    int64   `json:"mo"`
	CTRPC     float64 `json:"ctr_pc"`
	CTRMobile float64 `json:"ctr_mo"`
	AdCount   int     `json:"ad_count"`
	CompIdx   string  `json:"comp_idx"`
}

// SearchVolume is the combined monthly search volume.
func (m KeywordMetrics) SearchVolume() int64 {
	return m.PC + m.Mobile
}

// Keyword is a node of the discovery graph.
type Keyword struct {
	ID        string         `json:"id"`
	Term      string         `json:"term"`
	Source    KeywordSource  `json:"source"`
	ParentID  *string        `json:"parent_id,omitempty"`
	Depth     int            `json:"depth"`
	Status    KeywordStatus  `json:"status"`
	Metrics   KeywordMetrics `json:"metrics"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// NormalizeTerm trims and case-folds a term so that it can be used as the unique key.
func NormalizeTerm(term string) string {
	return strings.ToLower(strings.TrimSpace(term))
}

// JobType identifies the kind of work a job performs.
type JobType string

// Job types.
const (
	JobTypeFetchRelated JobType = "fetch_related"
	JobTypeCountDocs    JobType = "count_docs"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	return t == JobTypeFetchRelated || t == JobTypeCountDocs
}

// JobStatus represents the lifecycle state of a queued job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// JobStatuses lists every job status in lifecycle order.
var JobStatuses = []JobStatus{
	JobStatusPending,
	JobStatusProcessing,
	JobStatusCompleted,
	JobStatusFailed,
}

// FetchRelatedPayload asks for the related terms of one keyword.
// TargetCount and DepthLimit travel with the job but do not stop expansion.
type FetchRelatedPayload struct {
	KeywordID   string `json:"keywordId"`
	TargetCount int    `json:"targetCount"`
	DepthLimit  int    `json:"depthLimit"`
}

// CountDocsPayload asks for the document totals of one term.
type CountDocsPayload struct {
	KeywordTerm string `json:"keywordTerm"`
}

// Payload is the typed body of a job. Exactly one field is set, matching the job type.
type Payload struct {
	FetchRelated *FetchRelatedPayload
	CountDocs    *CountDocsPayload
}

// NewFetchRelatedPayload wraps p as a job payload.
func NewFetchRelatedPayload(p FetchRelatedPayload) Payload {
	return Payload{FetchRelated: &p}
}

// NewCountDocsPayload wraps p as a job payload.
func NewCountDocsPayload(p CountDocsPayload) Payload {
	return Payload{CountDocs: &p}
}

// Type returns the job type that matches the populated variant.
func (p Payload) Type() JobType {
	switch {
	case p.FetchRelated != nil:
		return JobTypeFetchRelated
	case p.CountDocs != nil:
		return JobTypeCountDocs
	default:
		return ""
	}
}

// Encode marshals the populated variant.
func (p Payload) Encode() ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch {
	case p.FetchRelated != nil:
		data, err = json.Marshal(p.FetchRelated)
	case p.CountDocs != nil:
		data, err = json.Marshal(p.CountDocs)
	default:
		return nil, fmt.Errorf("empty payload")
	}
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}

// DecodePayload decodes raw JSON into the variant selected by jobType.
func DecodePayload(jobType JobType, raw []byte) (Payload, error) {
	switch jobType {
	case JobTypeFetchRelated:
		var p FetchRelatedPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return Payload{}, fmt.Errorf("decode %s payload: %w", jobType, err)
		}
		return NewFetchRelatedPayload(p), nil
	case JobTypeCountDocs:
		var p CountDocsPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return Payload{}, fmt.Errorf("decode %s payload: %w", jobType, err)
		}
		return NewCountDocsPayload(p), nil
	default:
		return Payload{}, fmt.Errorf("unknown job type %q", jobType)
	}
}

// MarshalJSON renders only the populated variant.
func (p Payload) MarshalJSON() ([]byte, error) {
	if p.Type() == "" {
		return []byte("null"), nil
	}
	return p.Encode()
}

// Job is one unit of retryable work.
type Job struct {
	ID           string     `json:"id"`
	Type         JobType    `json:"type"`
	Payload      Payload    `json:"payload"`
	Status       JobStatus  `json:"status"`
	Attempts     int        `json:"attempts"`
	MaxAttempts  int        `json:"max_attempts"`
	ScheduledAt  time.Time  `json:"scheduled_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// DocCounts holds the four document category totals.
type DocCounts struct {
	Blog int64 `json:"blog"`
	Cafe int64 `json:"cafe"`
	Web  int64 `json:"web"`
	News int64 `json:"news"`
}

// Total sums all categories.
func (c DocCounts) Total() int64 {
	return c.Blog + c.Cafe + c.Web + c.News
}

// DocCountSnapshot is the per-day document count record of a keyword.
type DocCountSnapshot struct {
	KeywordID string          `json:"keyword_id"`
	Date      string          `json:"date"`
	Counts    DocCounts       `json:"counts"`
	Raw       json.RawMessage `json:"raw,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// SnapshotDateLayout formats the snapshot day key.
const SnapshotDateLayout = "2006-01-02"

// KeywordView joins a keyword with its latest document counts.
type KeywordView struct {
	Keyword
	Docs         DocCounts `json:"docs"`
	SearchVolume int64     `json:"sv_total"`
}

// SortField names a sortable column of the keyword view.
type SortField string

// Sortable keyword view columns.
const (
	SortBySearchVolume SortField = "sv_total"
	SortByCafeTotal    SortField = "cafe_total"
	SortByBlogTotal    SortField = "blog_total"
	SortByWebTotal     SortField = "web_total"
	SortByNewsTotal    SortField = "news_total"
	SortByPC           SortField = "pc"
	SortByMobile       SortField = "mo"
	SortByUpdatedAt    SortField = "updated_at"
	SortByTerm         SortField = "term"
)

// SortOrder is one column of a multi-column ordering.
type SortOrder struct {
	Field      SortField
	Descending bool
}

// KeywordFilter selects a page of the keyword view.
type KeywordFilter struct {
	Query        string
	Cursor       string
	PageSize     int
	HideLowSV    bool
	MinSV        int64
	HideZeroDocs bool
	Sort         []SortOrder
}

// KeywordPage is one page of the keyword view.
type KeywordPage struct {
	Items      []KeywordView `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}
