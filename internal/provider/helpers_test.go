package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/keyword-graph-crawler/internal/keypool"
	"github.com/JakeFAU/keyword-graph-crawler/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func testOpenSearchCred(label string) keypool.Credential {
	return keypool.Credential{
		Label:        label,
		Provider:     keypool.ProviderOpenSearch,
		ClientID:     label + "-id",
		ClientSecret: label + "-secret",
		QPS:          10,
		Daily:        1000,
	}
}

func testAdSearchCred(label string) keypool.Credential {
	return keypool.Credential{
		Label:      label,
		Provider:   keypool.ProviderAdSearch,
		AccessKey:  label + "-access",
		SecretKey:  label + "-secret",
		CustomerID: "1234",
		QPS:        10,
		Daily:      1000,
	}
}

func newTestPool(t *testing.T, clock *fakeClock, creds ...keypool.Credential) *keypool.Pool {
	t.Helper()
	pool, err := keypool.New(creds, memory.NewUsageStore(), clock, keypool.Config{}, nil)
	require.NoError(t, err)
	return pool
}

func newTestClient(
	t *testing.T,
	provider keypool.Provider,
	signer RequestSigner,
	pool *keypool.Pool,
	clock *fakeClock,
	handler http.HandlerFunc,
) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(provider, signer, pool, clock, srv.Client(), Config{BaseURL: srv.URL}, nil)
}

func usage(t *testing.T, pool *keypool.Pool, label string) keypool.UsageState {
	t.Helper()
	state, err := pool.State(context.Background(), label)
	require.NoError(t, err)
	return state
}
