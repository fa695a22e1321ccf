// Package queue enforces the per-account concurrency ceiling during
// dispatch, with optional per-account upload rate limiting.
//
// Every destination account shares one default ceiling (the engine's
// AccountConcurrency); individual accounts can be tightened or loosened
// with [AccountConfig]. The ceiling prevents one account's slow or
// rate-limited uploads from monopolizing dispatch slots or tripping
// platform rate limits.
//
// # Manager
//
// [Manager] gates execution at launch time. The dispatcher calls
// Acquire before starting an upload and Release when it finishes:
//
//	m := queue.NewManager(2)
//	if m.Acquire(accountID) {
//	    defer m.Release(accountID)
//	    // run the upload
//	}
//
// Rate limits use a token bucket (golang.org/x/time/rate); an account
// without an [AccountConfig] has the default ceiling and no rate limit.
package queue
