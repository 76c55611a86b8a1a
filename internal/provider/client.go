package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/keyword-graph-crawler/internal/keypool"
	"github.com/JakeFAU/keyword-graph-crawler/internal/metrics"
)

const maxBodyBytes = 4 << 20

var tracer = otel.Tracer("github.com/JakeFAU/keyword-graph-crawler/internal/provider")

// KeyPool is the subset of keypool.Pool a client needs.
type KeyPool interface {
	SelectAvailable(ctx context.Context, provider keypool.Provider) (keypool.Credential, error)
	RecordUsage(ctx context.Context, label string, callErr error) error
	SetCooldown(ctx context.Context, label string, d time.Duration) error
	Cooldown(provider keypool.Provider) time.Duration
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Operation describes one provider request.
type Operation struct {
	// Name labels metrics and spans.
	Name   string
	Method string
	Path   string
	Query  url.Values
}

// Config configures a Client.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Client sends signed requests for one provider, admitting each call through the key pool.
type Client struct {
	provider keypool.Provider
	baseURL  string
	signer   RequestSigner
	pool     KeyPool
	clock    Clock
	http     *http.Client
	agent    string
	logger   *zap.Logger
}

// NewClient builds a Client. A nil httpClient gets one with cfg.Timeout.
func NewClient(
	provider keypool.Provider,
	signer RequestSigner,
	pool KeyPool,
	clock Clock,
	httpClient *http.Client,
	cfg Config,
	logger *zap.Logger,
) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		provider: provider,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		signer:   signer,
		pool:     pool,
		clock:    clock,
		http:     httpClient,
		agent:    cfg.UserAgent,
		logger:   logger,
	}
}

// Provider returns the provider this client talks to.
func (c *Client) Provider() keypool.Provider {
	return c.provider
}

// Call performs op and classifies the response.
func (c *Client) Call(ctx context.Context, op Operation) Result {
	ctx, span := tracer.Start(ctx, "provider."+op.Name)
	defer span.End()
	span.SetAttributes(attribute.String("provider", string(c.provider)))

	start := time.Now()
	res := c.call(ctx, op)
	metrics.ObserveProviderCall(string(c.provider), op.Name, res.Kind.String(), time.Since(start))

	span.SetAttributes(
		attribute.String("outcome", res.Kind.String()),
		attribute.Int("http.status_code", res.StatusCode),
		attribute.String("credential", res.Label),
	)
	if res.Kind != KindSuccess {
		span.SetStatus(codes.Error, res.Kind.String())
	}
	return res
}

func (c *Client) call(ctx context.Context, op Operation) Result {
	cred, err := c.pool.SelectAvailable(ctx, c.provider)
	if err != nil {
		if errors.Is(err, keypool.ErrNoCredential) {
			metrics.ObserveCredentialMiss(string(c.provider))
		}
		return Result{Kind: KindTransient, Err: err}
	}

	req, err := c.newRequest(ctx, op)
	if err != nil {
		return Result{Kind: KindFatal, Label: cred.Label, Err: err}
	}
	if err := c.signer.Sign(req, cred, c.clock.Now()); err != nil {
		return Result{Kind: KindFatal, Label: cred.Label, Err: fmt.Errorf("sign request: %w", err)}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.recordUsage(ctx, cred.Label, err)
		return Result{Kind: KindTransient, Label: cred.Label, Err: fmt.Errorf("send request: %w", err)}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("close response body failed", zap.Error(closeErr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		c.recordUsage(ctx, cred.Label, err)
		return Result{Kind: KindTransient, StatusCode: resp.StatusCode, Label: cred.Label, Err: fmt.Errorf("read body: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		cooldown := c.pool.Cooldown(c.provider)
		if err := c.pool.SetCooldown(ctx, cred.Label, cooldown); err != nil {
			c.logger.Warn("set cooldown failed", zap.String("label", cred.Label), zap.Error(err))
		}
		metrics.ObserveCooldown(string(c.provider))
		callErr := fmt.Errorf("rate limited: HTTP %d", resp.StatusCode)
		c.recordUsage(ctx, cred.Label, callErr)
		c.logger.Warn("provider rate limited",
			zap.String("provider", string(c.provider)),
			zap.String("operation", op.Name),
			zap.String("label", cred.Label),
			zap.Duration("cooldown", cooldown),
		)
		return Result{Kind: KindRateLimited, StatusCode: resp.StatusCode, Body: body, Label: cred.Label, Err: callErr}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		callErr := fmt.Errorf("HTTP %d: %s", resp.StatusCode, snippet(body))
		c.recordUsage(ctx, cred.Label, callErr)
		return Result{Kind: KindTransient, StatusCode: resp.StatusCode, Body: body, Label: cred.Label, Err: callErr}
	default:
		c.recordUsage(ctx, cred.Label, nil)
		return Result{Kind: KindSuccess, StatusCode: resp.StatusCode, Body: body, Label: cred.Label}
	}
}

func (c *Client) newRequest(ctx context.Context, op Operation) (*http.Request, error) {
	method := op.Method
	if method == "" {
		method = http.MethodGet
	}
	target, err := url.Parse(c.baseURL + op.Path)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if len(op.Query) > 0 {
		target.RawQuery = op.Query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.agent != "" {
		req.Header.Set("User-Agent", c.agent)
	}
	return req, nil
}

func (c *Client) recordUsage(ctx context.Context, label string, callErr error) {
	if err := c.pool.RecordUsage(ctx, label, callErr); err != nil {
		c.logger.Warn("record usage failed", zap.String("label", label), zap.Error(err))
	}
}

func snippet(body []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit]
	}
	return s
}
