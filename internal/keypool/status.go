package keypool

import (
	"context"
	"sort"
	"strings"
	"time"
)

// KeyState summarises a credential for operators.
type KeyState string

// Key states.
const (
	KeyStateActive   KeyState = "active"
	KeyStateCooling  KeyState = "cooling"
	KeyStateDisabled KeyState = "disabled"
)

// KeyStatus is the operator view of one credential. Secrets are never included.
type KeyStatus struct {
	Label         string     `json:"label"`
	Provider      Provider   `json:"provider"`
	State         KeyState   `json:"state"`
	QPS           int        `json:"qps"`
	Daily         int        `json:"daily_quota"`
	UsedToday     int        `json:"used_today"`
	Remaining     int        `json:"remaining"`
	WindowTokens  int        `json:"window_tokens"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	Available     bool       `json:"available"`
}

// ProviderStatus aggregates the keys of one provider.
type ProviderStatus struct {
	Provider  Provider    `json:"provider"`
	Keys      []KeyStatus `json:"keys"`
	Total     int         `json:"total"`
	Active    int         `json:"active"`
	Cooling   int         `json:"cooling"`
	Disabled  int         `json:"disabled"`
	Available int         `json:"available"`
}

// Snapshot is the pool-wide operator view.
type Snapshot struct {
	Providers []ProviderStatus `json:"providers"`
	Total     int              `json:"total"`
	Active    int              `json:"active"`
	Cooling   int              `json:"cooling"`
	Disabled  int              `json:"disabled"`
	// RateLimited counts keys whose last error was a 429.
	RateLimited int `json:"rate_limited"`
}

// Snapshot reads the usage state of every credential.
func (p *Pool) Snapshot(ctx context.Context) (Snapshot, error) {
	now := p.clock.Now()
	var snap Snapshot
	for _, provider := range Providers {
		ps := ProviderStatus{Provider: provider, Keys: []KeyStatus{}}
		for _, c := range p.credentials[provider] {
			state, err := p.load(ctx, c)
			if err != nil {
				return Snapshot{}, err
			}
			ks := KeyStatus{
				Label:         c.Label,
				Provider:      provider,
				State:         keyState(c, state, now),
				QPS:           c.QPS,
				Daily:         c.Daily,
				UsedToday:     state.UsedToday,
				Remaining:     max(c.Daily-state.UsedToday, 0),
				WindowTokens:  state.WindowTokens,
				CooldownUntil: state.clone().CooldownUntil,
				LastError:     state.LastError,
				Available:     admissible(c, state, now),
			}
			switch ks.State {
			case KeyStateActive:
				ps.Active++
			case KeyStateCooling:
				ps.Cooling++
			case KeyStateDisabled:
				ps.Disabled++
			}
			if ks.Available {
				ps.Available++
			}
			if strings.Contains(state.LastError, "429") {
				snap.RateLimited++
			}
			ps.Keys = append(ps.Keys, ks)
		}
		sort.Slice(ps.Keys, func(i, j int) bool { return ps.Keys[i].Label < ps.Keys[j].Label })
		ps.Total = len(ps.Keys)
		snap.Total += ps.Total
		snap.Active += ps.Active
		snap.Cooling += ps.Cooling
		snap.Disabled += ps.Disabled
		snap.Providers = append(snap.Providers, ps)
	}
	return snap, nil
}

func keyState(c Credential, s UsageState, now time.Time) KeyState {
	switch {
	case s.CoolingAt(now):
		return KeyStateCooling
	case s.UsedToday >= c.Daily:
		return KeyStateDisabled
	default:
		return KeyStateActive
	}
}
