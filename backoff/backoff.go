// Package backoff provides per-provider retry policies for upload
// execution. Policies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Policy holds the retry parameters for one provider.
type Policy struct {
	// MaxRetries is the total execution attempt ceiling; the initial
	// attempt counts toward it.
	MaxRetries int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the computed delay.
	MaxDelay time.Duration

	// Jitter is the upper bound of the random component added to each
	// delay. Jitter prevents thundering-herd retries when many jobs
	// fail simultaneously (e.g. a platform-wide outage).
	Jitter time.Duration
}

// DefaultPolicy returns the policy used for providers without an
// explicit entry: 3 attempts, 2s base doubling to a 5m cap, 1s jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   5 * time.Minute,
		Jitter:     time.Second,
	}
}

// Delay returns how long to wait before retrying after attempt n
// (1-indexed): min(MaxDelay, BaseDelay * 2^(n-1)) plus a random jitter
// in [0, Jitter), the sum clamped again to MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}

	if p.Jitter > 0 {
		d += time.Duration(rand.Int64N(int64(p.Jitter))) //nolint:gosec // jitter intentionally uses non-crypto rand
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}

	return d
}

// Base returns the deterministic (pre-jitter) delay component for
// attempt n. It is non-decreasing in n.
func (p Policy) Base(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Policies maps provider tags to retry policies, falling back to a
// default for providers without an entry. Safe for concurrent use.
type Policies struct {
	mu       sync.RWMutex
	fallback Policy
	byName   map[string]Policy
}

// NewPolicies creates a Policies registry with the given fallback.
func NewPolicies(fallback Policy) *Policies {
	return &Policies{
		fallback: fallback,
		byName:   make(map[string]Policy),
	}
}

// Set registers or replaces the policy for a provider.
func (ps *Policies) Set(provider string, p Policy) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.byName[provider] = p
}

// For returns the policy for a provider, or the fallback.
func (ps *Policies) For(provider string) Policy {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	if p, ok := ps.byName[provider]; ok {
		return p
	}
	return ps.fallback
}
