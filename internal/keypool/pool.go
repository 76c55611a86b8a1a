package keypool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrNoCredential signals that every credential of a provider is cooling, exhausted or
// out of tokens. Callers should retry later.
var ErrNoCredential = errors.New("no credential available")

// ErrUnknownCredential is returned for labels the pool was not built with.
var ErrUnknownCredential = errors.New("unknown credential")

// Default cooldowns applied after a provider answers 429.
const (
	DefaultOpenSearchCooldown = 60 * time.Minute
	DefaultAdSearchCooldown   = 5 * time.Minute
	defaultMaxCASRetries      = 16

	refillStep = time.Second
	dayLayout  = "2006-01-02"
)

// Config tunes pool behavior.
type Config struct {
	// Cooldowns maps each provider to the cooldown applied on a 429 response.
	Cooldowns map[Provider]time.Duration
	// MaxCASRetries bounds the optimistic update loop.
	MaxCASRetries int
	// Location decides where the daily quota boundary falls. Defaults to UTC.
	Location *time.Location
}

// Pool selects admissible credentials and records the outcome of each call.
type Pool struct {
	credentials map[Provider][]Credential
	byLabel     map[string]Credential
	store       UsageStore
	clock       Clock
	cfg         Config
	logger      *zap.Logger
	missLog     map[Provider]*rate.Sometimes
}

// New builds a Pool. Labels must be unique across providers.
func New(creds []Credential, store UsageStore, clock Clock, cfg Config, logger *zap.Logger) (*Pool, error) {
	if store == nil {
		return nil, fmt.Errorf("usage store is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxCASRetries <= 0 {
		cfg.MaxCASRetries = defaultMaxCASRetries
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	cooldowns := map[Provider]time.Duration{
		ProviderOpenSearch: DefaultOpenSearchCooldown,
		ProviderAdSearch:   DefaultAdSearchCooldown,
	}
	for provider, d := range cfg.Cooldowns {
		if d > 0 {
			cooldowns[provider] = d
		}
	}
	cfg.Cooldowns = cooldowns

	p := &Pool{
		credentials: make(map[Provider][]Credential),
		byLabel:     make(map[string]Credential, len(creds)),
		store:       store,
		clock:       clock,
		cfg:         cfg,
		logger:      logger,
		missLog:     make(map[Provider]*rate.Sometimes, len(Providers)),
	}
	for _, c := range creds {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, dup := p.byLabel[c.Label]; dup {
			return nil, fmt.Errorf("duplicate credential label %q", c.Label)
		}
		p.byLabel[c.Label] = c
		p.credentials[c.Provider] = append(p.credentials[c.Provider], c)
	}
	for _, provider := range Providers {
		p.missLog[provider] = &rate.Sometimes{First: 1, Interval: 30 * time.Second}
	}
	return p, nil
}

// Credentials returns the credentials configured for provider.
func (p *Pool) Credentials(provider Provider) []Credential {
	out := make([]Credential, len(p.credentials[provider]))
	copy(out, p.credentials[provider])
	return out
}

// Cooldown returns the cooldown applied to provider credentials on a 429.
func (p *Pool) Cooldown(provider Provider) time.Duration {
	return p.cfg.Cooldowns[provider]
}

// SelectAvailable returns the least used admissible credential of provider, or
// ErrNoCredential.
func (p *Pool) SelectAvailable(ctx context.Context, provider Provider) (Credential, error) {
	now := p.clock.Now()
	type candidate struct {
		cred  Credential
		state UsageState
	}
	var candidates []candidate
	for _, c := range p.credentials[provider] {
		state, err := p.load(ctx, c)
		if err != nil {
			return Credential{}, err
		}
		if !admissible(c, state, now) {
			continue
		}
		candidates = append(candidates, candidate{cred: c, state: state})
	}
	if len(candidates) == 0 {
		if s, ok := p.missLog[provider]; ok {
			s.Do(func() {
				p.logger.Warn("no credential available",
					zap.String("provider", string(provider)),
					zap.Int("configured", len(p.credentials[provider])),
				)
			})
		}
		return Credential{}, ErrNoCredential
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		// usedToday/daily compared without floating point.
		left := int64(a.state.UsedToday) * int64(b.cred.Daily)
		right := int64(b.state.UsedToday) * int64(a.cred.Daily)
		if left != right {
			return left < right
		}
		if a.state.WindowTokens != b.state.WindowTokens {
			return a.state.WindowTokens > b.state.WindowTokens
		}
		return a.cred.Label < b.cred.Label
	})
	return candidates[0].cred, nil
}

func admissible(c Credential, s UsageState, now time.Time) bool {
	if s.CoolingAt(now) {
		return false
	}
	if s.UsedToday >= c.Daily {
		return false
	}
	return s.WindowTokens >= 1
}

// Refill settles every credential against the clock and persists the result.
// Tokens are granted from the elapsed time recorded in the shared state, so any
// number of processes calling Refill still grant qps tokens per second in total.
func (p *Pool) Refill(ctx context.Context) error {
	var errs []error
	for _, c := range p.byLabel {
		if _, err := p.update(ctx, c, nil); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordUsage books one call attempt against label. A nil callErr clears the last
// error; otherwise its message is kept.
func (p *Pool) RecordUsage(ctx context.Context, label string, callErr error) error {
	c, ok := p.byLabel[label]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCredential, label)
	}
	_, err := p.update(ctx, c, func(s UsageState) UsageState {
		s.UsedToday++
		s.WindowTokens = max(0, s.WindowTokens-1)
		if callErr == nil {
			s.LastError = ""
		} else {
			s.LastError = callErr.Error()
		}
		return s
	})
	return err
}

// SetCooldown excludes label from selection for d.
func (p *Pool) SetCooldown(ctx context.Context, label string, d time.Duration) error {
	c, ok := p.byLabel[label]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCredential, label)
	}
	until := p.clock.Now().Add(d)
	_, err := p.update(ctx, c, func(s UsageState) UsageState {
		s.CooldownUntil = &until
		return s
	})
	if err == nil {
		p.logger.Info("credential cooling down",
			zap.String("label", label),
			zap.String("provider", string(c.Provider)),
			zap.Time("until", until),
		)
	}
	return err
}

// ResetDaily zeroes daily usage and clears the last error of every credential.
func (p *Pool) ResetDaily(ctx context.Context) error {
	var errs []error
	for _, c := range p.byLabel {
		_, err := p.update(ctx, c, func(s UsageState) UsageState {
			s.UsedToday = 0
			s.LastError = ""
			return s
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// State returns the current usage state of label.
func (p *Pool) State(ctx context.Context, label string) (UsageState, error) {
	c, ok := p.byLabel[label]
	if !ok {
		return UsageState{}, fmt.Errorf("%w: %s", ErrUnknownCredential, label)
	}
	return p.load(ctx, c)
}

// load returns the stored state settled to now.
func (p *Pool) load(ctx context.Context, c Credential) (UsageState, error) {
	state, err := p.fetch(ctx, c)
	if err != nil {
		return UsageState{}, err
	}
	return p.settle(c, state, p.clock.Now()), nil
}

// fetch returns the stored state as written, or a fresh one holding qps tokens.
func (p *Pool) fetch(ctx context.Context, c Credential) (UsageState, error) {
	state, ok, err := p.store.Get(ctx, c.Label)
	if err != nil {
		return UsageState{}, fmt.Errorf("get usage %s: %w", c.Label, err)
	}
	if !ok {
		return UsageState{WindowTokens: c.QPS}, nil
	}
	return state, nil
}

// settle grants qps tokens for every whole second since LastRefill and starts a new
// daily count once the local date moves past Day. Anchors behind a skewed clock are
// left alone rather than rewound.
func (p *Pool) settle(c Credential, s UsageState, now time.Time) UsageState {
	today := now.In(p.cfg.Location).Format(dayLayout)
	switch {
	case s.Day == "":
		s.Day = today
	case s.Day < today:
		s.UsedToday = 0
		s.LastError = ""
		s.Day = today
	}
	switch {
	case s.LastRefill.IsZero():
		s.LastRefill = now
	case now.After(s.LastRefill):
		steps := int64(now.Sub(s.LastRefill) / refillStep)
		if steps > 0 {
			granted := min(steps, 2) * int64(c.QPS)
			s.WindowTokens = min(s.WindowTokens+int(granted), c.Capacity())
			s.LastRefill = s.LastRefill.Add(time.Duration(steps) * refillStep)
		}
	}
	return s
}

func settled(before, after UsageState) bool {
	return before.WindowTokens == after.WindowTokens &&
		before.UsedToday == after.UsedToday &&
		before.LastError == after.LastError &&
		before.Day == after.Day &&
		before.LastRefill.Equal(after.LastRefill)
}

// update applies fn to the settled state under CompareAndSwap. A nil fn only
// persists the settlement and skips the write when nothing changed.
func (p *Pool) update(ctx context.Context, c Credential, fn func(UsageState) UsageState) (UsageState, error) {
	for attempt := 0; attempt < p.cfg.MaxCASRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return UsageState{}, fmt.Errorf("update usage %s: %w", c.Label, err)
		}
		current, err := p.fetch(ctx, c)
		if err != nil {
			return UsageState{}, err
		}
		next := p.settle(c, current.clone(), p.clock.Now())
		if fn == nil {
			if settled(current, next) {
				return current, nil
			}
		} else {
			next = fn(next)
		}
		next.WindowTokens = min(max(next.WindowTokens, 0), c.Capacity())
		next.UsedToday = max(next.UsedToday, 0)
		next.Version = current.Version + 1
		swapped, err := p.store.CompareAndSwap(ctx, c.Label, current, next)
		if err != nil {
			return UsageState{}, fmt.Errorf("swap usage %s: %w", c.Label, err)
		}
		if swapped {
			return next, nil
		}
	}
	return UsageState{}, fmt.Errorf("update usage %s: too much contention after %d attempts", c.Label, p.cfg.MaxCASRetries)
}
