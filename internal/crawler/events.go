package crawler

import "time"

// Event topics.
const (
	TopicKeywordExpanded  = "keyword.expanded"
	TopicSnapshotRecorded = "snapshot.recorded"
)

// KeywordExpandedEvent is published after related terms of a keyword were stored.
type KeywordExpandedEvent struct {
	KeywordID  string    `json:"keyword_id"`
	Term       string    `json:"term"`
	Depth      int       `json:"depth"`
	Returned   int       `json:"returned"`
	Inserted   []string  `json:"inserted"`
	ArchiveURI string    `json:"archive_uri,omitempty"`
	At         time.Time `json:"at"`
}

// SnapshotRecordedEvent is published after a document count snapshot was stored.
type SnapshotRecordedEvent struct {
	KeywordID  string    `json:"keyword_id"`
	Term       string    `json:"term"`
	Date       string    `json:"date"`
	Counts     DocCounts `json:"counts"`
	Failed     int       `json:"failed_categories"`
	ArchiveURI string    `json:"archive_uri,omitempty"`
	At         time.Time `json:"at"`
}
