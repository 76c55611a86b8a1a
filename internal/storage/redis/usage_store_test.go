package redis

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/keyword-graph-crawler/internal/keypool"
)

func TestNewUsageStoreRequiresAddr(t *testing.T) {
	t.Parallel()

	_, err := NewUsageStore(context.Background(), Config{})
	require.Error(t, err)
}

func TestKeyUsesPrefix(t *testing.T) {
	t.Parallel()

	client := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:0"})
	defer func() { _ = client.Close() }()

	require.Equal(t, DefaultKeyPrefix+"ads-1", NewUsageStoreWithClient(client, "").key("ads-1"))
	require.Equal(t, "x:ads-1", NewUsageStoreWithClient(client, "x:").key("ads-1"))
}

func TestDecodeUsageRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := decodeUsage([]byte("not json"))
	require.Error(t, err)
}

func TestDecodeUsageKeepsCooldownAndRefillAnchors(t *testing.T) {
	t.Parallel()

	until := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	refilled := until.Add(-90 * time.Second)
	data, err := encodeUsage(keypool.UsageState{
		UsedToday:     4,
		CooldownUntil: &until,
		LastError:     "429",
		LastRefill:    refilled,
		Day:           "2024-05-01",
		Version:       9,
	})
	require.NoError(t, err)

	state, err := decodeUsage(data)
	require.NoError(t, err)
	require.True(t, state.CoolingAt(until.Add(-time.Minute)))
	require.Equal(t, int64(9), state.Version)
	require.True(t, state.LastRefill.Equal(refilled))
	require.Equal(t, "2024-05-01", state.Day)
}

// Runs against a real server when TEST_REDIS_ADDR is set.
func TestUsageStoreCompareAndSwapAgainstRedis(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	prefix := "keygraph-test:" + time.Now().Format("150405.000000") + ":"
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	store := NewUsageStoreWithClient(client, prefix)
	defer func() { _ = store.Close() }()

	_, ok, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	require.False(t, ok)

	swapped, err := store.CompareAndSwap(ctx, "k1", keypool.UsageState{}, keypool.UsageState{UsedToday: 1, Version: 1})
	require.NoError(t, err)
	require.True(t, swapped)

	swapped, err = store.CompareAndSwap(ctx, "k1", keypool.UsageState{}, keypool.UsageState{UsedToday: 5, Version: 1})
	require.NoError(t, err)
	require.False(t, swapped)

	state, ok, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, state.UsedToday)

	require.NoError(t, store.Set(ctx, "k1", keypool.UsageState{Version: 7}))
	state, _, err = store.Get(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, int64(7), state.Version)
	require.NoError(t, client.Del(ctx, prefix+"k1").Err())
}
