package uplink

import "time"

// Config holds configuration for the dispatch engine.
type Config struct {
	// GlobalConcurrency is the maximum number of uploads executing at
	// once across all destination accounts within one dispatch pass.
	GlobalConcurrency int

	// AccountConcurrency is the maximum number of uploads executing at
	// once for any single destination account. It prevents one
	// account's slow or rate-limited uploads from starving the rest.
	AccountConcurrency int

	// ClaimBatchSize is the maximum number of jobs a single dispatch
	// pass will claim from the store.
	ClaimBatchSize int

	// StaleClaimWindow is how long after StartedAt a queued job is
	// considered abandoned and becomes claimable again.
	StaleClaimWindow time.Duration

	// DedupWindow is the rolling window within which two submissions
	// with the same idempotency key resolve to one job.
	DedupWindow time.Duration

	// UploadTimeout bounds a single provider upload call. Zero means
	// no deadline.
	UploadTimeout time.Duration

	// RescanInterval is how long the scheduler waits before rescanning
	// the claimed queue when every eligible account is saturated.
	RescanInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		GlobalConcurrency:  8,
		AccountConcurrency: 2,
		ClaimBatchSize:     100,
		StaleClaimWindow:   5 * time.Minute,
		DedupWindow:        24 * time.Hour,
		UploadTimeout:      10 * time.Minute,
		RescanInterval:     250 * time.Millisecond,
	}
}
