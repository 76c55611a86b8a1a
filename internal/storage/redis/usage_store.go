// Package redis shares credential usage between worker processes through Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/keyword-graph-crawler/internal/keypool"
)

// DefaultKeyPrefix namespaces usage entries.
const DefaultKeyPrefix = "keygraph:usage:"

// Config controls the Redis connection.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// UsageStore keeps keypool.UsageState as JSON strings. CompareAndSwap uses
// WATCH/MULTI so it is atomic across processes.
type UsageStore struct {
	client goredis.UniversalClient
	prefix string
}

// NewUsageStore dials Redis and verifies the connection.
func NewUsageStore(ctx context.Context, cfg Config) (*UsageStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis.addr is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewUsageStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewUsageStoreWithClient wraps an existing client.
func NewUsageStoreWithClient(client goredis.UniversalClient, prefix string) *UsageStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &UsageStore{client: client, prefix: prefix}
}

// Get returns the stored state of label.
func (s *UsageStore) Get(ctx context.Context, label string) (keypool.UsageState, bool, error) {
	return s.get(ctx, s.client, label)
}

// Set overwrites the state of label.
func (s *UsageStore) Set(ctx context.Context, label string, state keypool.UsageState) error {
	data, err := encodeUsage(state)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(label), data, 0).Err(); err != nil {
		return fmt.Errorf("set usage %s: %w", label, err)
	}
	return nil
}

// CompareAndSwap stores next when the stored version equals old.Version. A concurrent
// write between WATCH and EXEC reports a lost race rather than an error.
func (s *UsageStore) CompareAndSwap(ctx context.Context, label string, old, next keypool.UsageState) (bool, error) {
	data, err := encodeUsage(next)
	if err != nil {
		return false, err
	}
	key := s.key(label)
	swapped := false
	err = s.client.Watch(ctx, func(tx *goredis.Tx) error {
		current, ok, err := s.get(ctx, tx, label)
		if err != nil {
			return err
		}
		if (!ok && old.Version != 0) || (ok && current.Version != old.Version) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err != nil {
			return err
		}
		swapped = true
		return nil
	}, key)
	if errors.Is(err, goredis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("swap usage %s: %w", label, err)
	}
	return swapped, nil
}

// Close releases the client.
func (s *UsageStore) Close() error {
	return s.client.Close()
}

// Ping checks connectivity.
func (s *UsageStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

type getter interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
}

func (s *UsageStore) key(label string) string {
	return s.prefix + label
}

func (s *UsageStore) get(ctx context.Context, c getter, label string) (keypool.UsageState, bool, error) {
	raw, err := c.Get(ctx, s.key(label)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return keypool.UsageState{}, false, nil
	}
	if err != nil {
		return keypool.UsageState{}, false, fmt.Errorf("get usage %s: %w", label, err)
	}
	state, err := decodeUsage(raw)
	if err != nil {
		return keypool.UsageState{}, false, fmt.Errorf("decode usage %s: %w", label, err)
	}
	return state, true, nil
}

func encodeUsage(state keypool.UsageState) ([]byte, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode usage: %w", err)
	}
	return data, nil
}

func decodeUsage(raw []byte) (keypool.UsageState, error) {
	var state keypool.UsageState
	if err := json.Unmarshal(raw, &state); err != nil {
		return keypool.UsageState{}, err
	}
	return state, nil
}
