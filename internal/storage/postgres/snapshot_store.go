package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/keyword-graph-crawler/internal/crawler"
)

// SnapshotStore persists per-day document counts in doc_count_snapshots.
type SnapshotStore struct {
	pool Pool
}

// NewSnapshotStore constructs a SnapshotStore over db.
func NewSnapshotStore(db *DB) *SnapshotStore {
	return &SnapshotStore{pool: db.Pool}
}

// UpsertSnapshot writes or overwrites the row of (keyword, date).
func (s *SnapshotStore) UpsertSnapshot(ctx context.Context, snapshot crawler.DocCountSnapshot) error {
	if snapshot.KeywordID == "" || snapshot.Date == "" {
		return fmt.Errorf("keyword id and date are required")
	}
	var raw []byte
	if len(snapshot.Raw) > 0 {
		raw = snapshot.Raw
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO doc_count_snapshots (keyword_id, snapshot_date, blog, cafe, web, news, raw, created_at)
VALUES ($1, $2::date, $3, $4, $5, $6, $7, $8)
ON CONFLICT (keyword_id, snapshot_date) DO UPDATE SET
	blog = EXCLUDED.blog,
	cafe = EXCLUDED.cafe,
	web = EXCLUDED.web,
	news = EXCLUDED.news,
	raw = EXCLUDED.raw,
	created_at = EXCLUDED.created_at`,
		snapshot.KeywordID,
		snapshot.Date,
		snapshot.Counts.Blog,
		snapshot.Counts.Cafe,
		snapshot.Counts.Web,
		snapshot.Counts.News,
		raw,
		snapshot.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert snapshot %s/%s: %w", snapshot.KeywordID, snapshot.Date, err)
	}
	return nil
}

// GetSnapshot fetches the row of (keyword, date).
func (s *SnapshotStore) GetSnapshot(ctx context.Context, keywordID, date string) (crawler.DocCountSnapshot, error) {
	var (
		snap crawler.DocCountSnapshot
		raw  []byte
	)
	err := s.pool.QueryRow(ctx, `
SELECT keyword_id, snapshot_date::text, blog, cafe, web, news, raw, created_at
FROM doc_count_snapshots
WHERE keyword_id = $1 AND snapshot_date = $2::date`,
		keywordID, date,
	).Scan(
		&snap.KeywordID,
		&snap.Date,
		&snap.Counts.Blog,
		&snap.Counts.Cafe,
		&snap.Counts.Web,
		&snap.Counts.News,
		&raw,
		&snap.CreatedAt,
	)
	if err != nil {
		return crawler.DocCountSnapshot{}, notFound(err, fmt.Sprintf("snapshot %s/%s", keywordID, date))
	}
	snap.Raw = raw
	return snap, nil
}

// CountSnapshotsSince counts rows dated on or after date.
func (s *SnapshotStore) CountSnapshotsSince(ctx context.Context, date string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM doc_count_snapshots WHERE snapshot_date >= $1::date`, date,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count snapshots since %s: %w", date, err)
	}
	return n, nil
}
