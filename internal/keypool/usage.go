package keypool

import (
	"context"
	"time"
)

// UsageState is the mutable bookkeeping kept for one credential.
type UsageState struct {
	UsedToday     int        `json:"used_today"`
	WindowTokens  int        `json:"window_tokens"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	// LastRefill is the instant up to which tokens have been granted.
	LastRefill time.Time `json:"last_refill"`
	// Day is the local date UsedToday counts against, formatted as 2006-01-02.
	Day string `json:"day,omitempty"`
	// Version increases on every successful write and backs CompareAndSwap.
	Version int64 `json:"version"`
}

// CoolingAt reports whether the credential is in cooldown at now.
func (s UsageState) CoolingAt(now time.Time) bool {
	return s.CooldownUntil != nil && s.CooldownUntil.After(now)
}

func (s UsageState) clone() UsageState {
	out := s
	if s.CooldownUntil != nil {
		t := *s.CooldownUntil
		out.CooldownUntil = &t
	}
	return out
}

// UsageStore holds UsageState keyed by credential label. Implementations shared by
// several processes must make CompareAndSwap atomic across them.
type UsageStore interface {
	// Get returns the stored state and whether it exists.
	Get(ctx context.Context, label string) (UsageState, bool, error)
	// Set overwrites the state unconditionally.
	Set(ctx context.Context, label string, state UsageState) error
	// CompareAndSwap stores next only when the stored version equals old.Version.
	// An absent entry matches old.Version == 0.
	CompareAndSwap(ctx context.Context, label string, old, next UsageState) (bool, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}
