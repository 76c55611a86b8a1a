package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/keyword-graph-crawler/internal/crawler"
)

// SnapshotStore keeps one document count row per keyword and day.
type SnapshotStore struct {
	mu   sync.RWMutex
	rows map[snapshotKey]crawler.DocCountSnapshot
}

type snapshotKey struct {
	keywordID string
	date      string
}

// NewSnapshotStore constructs a SnapshotStore.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{rows: make(map[snapshotKey]crawler.DocCountSnapshot)}
}

// UpsertSnapshot writes or overwrites the row of (keyword, date).
func (s *SnapshotStore) UpsertSnapshot(_ context.Context, snapshot crawler.DocCountSnapshot) error {
	if snapshot.KeywordID == "" || snapshot.Date == "" {
		return fmt.Errorf("keyword id and date are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot.Raw = append([]byte(nil), snapshot.Raw...)
	s.rows[snapshotKey{snapshot.KeywordID, snapshot.Date}] = snapshot
	return nil
}

// GetSnapshot fetches the row of (keyword, date).
func (s *SnapshotStore) GetSnapshot(_ context.Context, keywordID, date string) (crawler.DocCountSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[snapshotKey{keywordID, date}]
	if !ok {
		return crawler.DocCountSnapshot{}, fmt.Errorf("snapshot %s/%s: %w", keywordID, date, crawler.ErrNotFound)
	}
	row.Raw = append([]byte(nil), row.Raw...)
	return row, nil
}

// CountSnapshotsSince counts rows dated on or after date.
func (s *SnapshotStore) CountSnapshotsSince(_ context.Context, date string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for key := range s.rows {
		if key.date >= date {
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored rows.
func (s *SnapshotStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

func (s *SnapshotStore) latest(keywordID string) crawler.DocCounts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  crawler.DocCounts
		bestD string
	)
	for key, row := range s.rows {
		if key.keywordID == keywordID && key.date > bestD {
			best, bestD = row.Counts, key.date
		}
	}
	return best
}
