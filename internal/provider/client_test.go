package provider

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/keyword-graph-crawler/internal/keypool"
)

func TestClientCall_Success(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	pool := newTestPool(t, clock, testOpenSearchCred("os-1"))
	var gotQuery string
	client := newTestClient(t, keypool.ProviderOpenSearch, StaticHeaderSigner{}, pool, clock,
		func(w http.ResponseWriter, r *http.Request) {
			gotQuery = r.URL.RawQuery
			assert.Equal(t, "os-1-id", r.Header.Get("X-Naver-Client-Id"))
			_, _ = w.Write([]byte(`{"total":3}`))
		})

	res := client.Call(context.Background(), Operation{
		Name:  "search_blog",
		Path:  "/v1/search/blog.json",
		Query: map[string][]string{"query": {"tent"}},
	})
	require.True(t, res.Success())
	require.NoError(t, res.Error())
	require.Equal(t, "os-1", res.Label)
	require.Equal(t, "query=tent", gotQuery)

	state := usage(t, pool, "os-1")
	require.Equal(t, 1, state.UsedToday)
	require.Empty(t, state.LastError)
}

func TestClientCall_RateLimitedSetsCooldown(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	pool := newTestPool(t, clock, testAdSearchCred("ad-1"))
	client := newTestClient(t, keypool.ProviderAdSearch, HMACSigner{}, pool, clock,
		func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		})

	res := client.Call(context.Background(), Operation{Name: "keywordstool", Path: "/keywordstool"})
	require.Equal(t, KindRateLimited, res.Kind)
	require.ErrorIs(t, res.Error(), ErrRateLimited)
	require.True(t, Retryable(res.Error()))

	state := usage(t, pool, "ad-1")
	require.NotNil(t, state.CooldownUntil)
	require.Equal(t, clock.Now().Add(keypool.DefaultAdSearchCooldown), *state.CooldownUntil)
	require.Contains(t, state.LastError, "429")

	_, err := pool.SelectAvailable(context.Background(), keypool.ProviderAdSearch)
	require.ErrorIs(t, err, keypool.ErrNoCredential)
}

func TestClientCall_ServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	pool := newTestPool(t, clock, testOpenSearchCred("os-1"))
	client := newTestClient(t, keypool.ProviderOpenSearch, StaticHeaderSigner{}, pool, clock,
		func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream down"))
		})

	res := client.Call(context.Background(), Operation{Name: "search_blog", Path: "/v1/search/blog.json"})
	require.Equal(t, KindTransient, res.Kind)
	require.ErrorIs(t, res.Error(), ErrTransient)
	require.Contains(t, res.Error().Error(), "upstream down")

	state := usage(t, pool, "os-1")
	require.Nil(t, state.CooldownUntil)
	require.Contains(t, state.LastError, "HTTP 502")
}

func TestClientCall_NoCredentialIsTransient(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	pool := newTestPool(t, clock, testOpenSearchCred("os-1"))
	called := false
	client := newTestClient(t, keypool.ProviderAdSearch, HMACSigner{}, pool, clock,
		func(http.ResponseWriter, *http.Request) { called = true })

	res := client.Call(context.Background(), Operation{Name: "keywordstool", Path: "/keywordstool"})
	require.Equal(t, KindTransient, res.Kind)
	require.True(t, errors.Is(res.Error(), keypool.ErrNoCredential))
	require.Empty(t, res.Label)
	require.False(t, called)
}

func TestClientCall_NetworkErrorIsTransient(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	pool := newTestPool(t, clock, testOpenSearchCred("os-1"))
	client := NewClient(keypool.ProviderOpenSearch, StaticHeaderSigner{}, pool, clock, nil,
		Config{BaseURL: "http://127.0.0.1:1", Timeout: time.Second}, nil)

	res := client.Call(context.Background(), Operation{Name: "search_blog", Path: "/v1/search/blog.json"})
	require.Equal(t, KindTransient, res.Kind)
	require.Equal(t, "os-1", res.Label)
	require.NotEmpty(t, usage(t, pool, "os-1").LastError)
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: KindSuccess},
		{name: "unclassified", err: errors.New("boom"), want: KindTransient},
		{name: "fatal", err: &CallError{Kind: KindFatal}, want: KindFatal},
		{name: "wrapped", err: errors.Join(errors.New("ctx"), &CallError{Kind: KindRateLimited}), want: KindRateLimited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, KindOf(tt.err))
		})
	}
	require.False(t, Retryable(&CallError{Kind: KindFatal}))
	require.False(t, Retryable(nil))
}
