package crawler

import (
	"crypto/rand"
	"math/big"
	"time"
)

// Default backoff per job type.
const (
	DefaultFetchRelatedBackoff = 5 * time.Minute
	DefaultCountDocsBackoff    = 2 * time.Minute
	DefaultMaxAttempts         = 3
	// DefaultJobLease is how long a job may stay processing before it is reclaimed.
	DefaultJobLease = 15 * time.Minute
)

// LeaseExpiredMessage is recorded on jobs reclaimed after their lease ran out.
const LeaseExpiredMessage = "processing lease expired"

// BackoffPolicy decides when a failed job becomes eligible again.
type BackoffPolicy struct {
	delays map[JobType]time.Duration
	jitter time.Duration
}

// NewBackoffPolicy builds a policy with a flat delay per job type. A non-zero jitter adds
// up to that much random delay on top of the base.
func NewBackoffPolicy(delays map[JobType]time.Duration, jitter time.Duration) *BackoffPolicy {
	merged := map[JobType]time.Duration{
		JobTypeFetchRelated: DefaultFetchRelatedBackoff,
		JobTypeCountDocs:    DefaultCountDocsBackoff,
	}
	for t, d := range delays {
		if d > 0 {
			merged[t] = d
		}
	}
	return &BackoffPolicy{delays: merged, jitter: jitter}
}

// Backoff returns the wait duration before the next attempt of a job of type t.
func (p *BackoffPolicy) Backoff(t JobType) time.Duration {
	base, ok := p.delays[t]
	if !ok {
		base = DefaultCountDocsBackoff
	}
	return base + p.randomJitter(p.jitter)
}

// ShouldRetry reports whether a job that just ran attempts times may run again.
func ShouldRetry(err error, attempts, maxAttempts int) bool {
	if err == nil {
		return false
	}
	return attempts < maxAttempts
}

func (p *BackoffPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
