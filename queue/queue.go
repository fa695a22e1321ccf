package queue

import (
	"sync"

	"golang.org/x/time/rate"
)

// AccountConfig overrides dispatch limits for a single destination
// account.
type AccountConfig struct {
	// AccountID is the destination account this config applies to.
	AccountID string

	// MaxConcurrency limits simultaneous uploads for this account.
	// Zero falls back to the manager's default ceiling.
	MaxConcurrency int

	// RateLimit is the maximum sustained uploads per second launched
	// for this account. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int
}

// accountState tracks runtime state for a single account.
type accountState struct {
	maxConcurrency int
	limiter        *rate.Limiter
	active         int
}

// Manager enforces the per-account concurrency ceiling and optional
// per-account rate limits. It is safe for concurrent use. Counters are
// process-local: running multiple dispatcher processes multiplies the
// effective ceiling.
type Manager struct {
	mu             sync.Mutex
	defaultCeiling int
	accounts       map[string]*accountState
}

// NewManager creates a Manager with the given default per-account
// ceiling. A ceiling of zero or less means unlimited.
func NewManager(defaultCeiling int, configs ...AccountConfig) *Manager {
	m := &Manager{
		defaultCeiling: defaultCeiling,
		accounts:       make(map[string]*accountState),
	}
	for _, cfg := range configs {
		m.accounts[cfg.AccountID] = newAccountState(m.defaultCeiling, cfg)
	}
	return m
}

func newAccountState(defaultCeiling int, cfg AccountConfig) *accountState {
	st := &accountState{maxConcurrency: cfg.MaxConcurrency}
	if st.maxConcurrency == 0 {
		st.maxConcurrency = defaultCeiling
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		st.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return st
}

// Acquire checks the account's ceiling and rate limit. If the upload is
// allowed to proceed it increments the active counter and returns true.
// The caller MUST call Release when the upload completes.
func (m *Manager) Acquire(accountID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.accounts[accountID]
	if st == nil {
		st = &accountState{maxConcurrency: m.defaultCeiling}
		m.accounts[accountID] = st
	}

	if st.maxConcurrency > 0 && st.active >= st.maxConcurrency {
		return false
	}
	if st.limiter != nil && !st.limiter.Allow() {
		return false
	}

	st.active++
	return true
}

// Release decrements the active upload count for the account.
func (m *Manager) Release(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st := m.accounts[accountID]; st != nil && st.active > 0 {
		st.active--
	}
}

// SetAccountConfig dynamically updates (or creates) an account's
// configuration, preserving its current active count.
func (m *Manager) SetAccountConfig(cfg AccountConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := newAccountState(m.defaultCeiling, cfg)
	if existing := m.accounts[cfg.AccountID]; existing != nil {
		st.active = existing.active
	}
	m.accounts[cfg.AccountID] = st
}

// ActiveCount returns the current number of active uploads for an
// account.
func (m *Manager) ActiveCount(accountID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st := m.accounts[accountID]; st != nil {
		return st.active
	}
	return 0
}
