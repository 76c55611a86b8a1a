package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/keyword-graph-crawler/internal/keypool"
)

// UsageStore keeps credential usage in process memory. It is only consistent for a
// single worker process.
type UsageStore struct {
	mu     sync.Mutex
	states map[string]keypool.UsageState
}

// NewUsageStore constructs a UsageStore.
func NewUsageStore() *UsageStore {
	return &UsageStore{states: make(map[string]keypool.UsageState)}
}

// Get returns a copy of the stored state.
func (s *UsageStore) Get(_ context.Context, label string) (keypool.UsageState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[label]
	return copyUsage(state), ok, nil
}

// Set overwrites the state of label.
func (s *UsageStore) Set(_ context.Context, label string, state keypool.UsageState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[label] = copyUsage(state)
	return nil
}

// CompareAndSwap stores next when the stored version equals old.Version.
func (s *UsageStore) CompareAndSwap(_ context.Context, label string, old, next keypool.UsageState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.states[label]
	if !ok && old.Version != 0 {
		return false, nil
	}
	if ok && current.Version != old.Version {
		return false, nil
	}
	s.states[label] = copyUsage(next)
	return true, nil
}

func copyUsage(state keypool.UsageState) keypool.UsageState {
	if state.CooldownUntil != nil {
		t := *state.CooldownUntil
		state.CooldownUntil = &t
	}
	return state
}
