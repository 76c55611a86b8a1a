package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/JakeFAU/keyword-graph-crawler/internal/crawler"
)

func TestSnapshotStoreUpsertOverwritesDay(t *testing.T) {
	t.Parallel()

	store := NewSnapshotStore()
	ctx := context.Background()
	first := crawler.DocCountSnapshot{KeywordID: "kw-1", Date: "2026-10-18", Counts: crawler.DocCounts{Blog: 1}}
	second := crawler.DocCountSnapshot{KeywordID: "kw-1", Date: "2026-10-18", Counts: crawler.DocCounts{Blog: 2}}
	for _, snap := range []crawler.DocCountSnapshot{first, second} {
		if err := store.UpsertSnapshot(ctx, snap); err != nil {
			t.Fatalf("UpsertSnapshot() error = %v", err)
		}
	}
	if store.Len() != 1 {
		t.Fatalf("expected one row per keyword and day, got %d", store.Len())
	}
	got, err := store.GetSnapshot(ctx, "kw-1", "2026-10-18")
	if err != nil {
		t.Fatalf("GetSnapshot() error = %v", err)
	}
	if got.Counts.Blog != 2 {
		t.Fatalf("expected latest counts, got %+v", got.Counts)
	}
	if _, err := store.GetSnapshot(ctx, "kw-1", "2026-10-17"); !errors.Is(err, crawler.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.UpsertSnapshot(ctx, crawler.DocCountSnapshot{KeywordID: "kw-1"}); err == nil {
		t.Fatal("expected error for missing date")
	}
}

func TestSnapshotStoreCountSinceAndLatest(t *testing.T) {
	t.Parallel()

	store := NewSnapshotStore()
	ctx := context.Background()
	for _, snap := range []crawler.DocCountSnapshot{
		{KeywordID: "kw-1", Date: "2026-10-01", Counts: crawler.DocCounts{Cafe: 1}},
		{KeywordID: "kw-1", Date: "2026-10-15", Counts: crawler.DocCounts{Cafe: 7}},
		{KeywordID: "kw-2", Date: "2026-10-16", Counts: crawler.DocCounts{Cafe: 3}},
	} {
		if err := store.UpsertSnapshot(ctx, snap); err != nil {
			t.Fatalf("UpsertSnapshot() error = %v", err)
		}
	}
	n, err := store.CountSnapshotsSince(ctx, "2026-10-11")
	if err != nil || n != 2 {
		t.Fatalf("CountSnapshotsSince() = %d, %v", n, err)
	}
	if got := store.latest("kw-1"); got.Cafe != 7 {
		t.Fatalf("expected latest snapshot counts, got %+v", got)
	}
}
