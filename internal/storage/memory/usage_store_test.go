package memory

import (
	"context"
	"testing"
	"time"

	"github.com/JakeFAU/keyword-graph-crawler/internal/keypool"
)

func TestUsageStoreCompareAndSwap(t *testing.T) {
	t.Parallel()

	store := NewUsageStore()
	ctx := context.Background()

	if _, ok, err := store.Get(ctx, "k1"); ok || err != nil {
		t.Fatalf("expected empty store, ok=%v err=%v", ok, err)
	}
	next := keypool.UsageState{UsedToday: 1, Version: 1}
	swapped, err := store.CompareAndSwap(ctx, "k1", keypool.UsageState{}, next)
	if err != nil || !swapped {
		t.Fatalf("expected first swap to win, swapped=%v err=%v", swapped, err)
	}
	swapped, err = store.CompareAndSwap(ctx, "k1", keypool.UsageState{}, keypool.UsageState{Version: 1})
	if err != nil || swapped {
		t.Fatalf("expected stale swap to lose, swapped=%v err=%v", swapped, err)
	}
	swapped, err = store.CompareAndSwap(ctx, "k2", keypool.UsageState{Version: 3}, keypool.UsageState{Version: 4})
	if err != nil || swapped {
		t.Fatalf("expected swap on missing entry with version to lose, swapped=%v err=%v", swapped, err)
	}
}

func TestUsageStoreReturnsCopies(t *testing.T) {
	t.Parallel()

	store := NewUsageStore()
	ctx := context.Background()
	until := time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)
	if err := store.Set(ctx, "k1", keypool.UsageState{CooldownUntil: &until}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	until = until.Add(time.Hour)
	got, ok, err := store.Get(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("Get() ok=%v err=%v", ok, err)
	}
	if got.CooldownUntil.Hour() != 10 {
		t.Fatalf("expected stored cooldown to be immutable, got %v", got.CooldownUntil)
	}
}
