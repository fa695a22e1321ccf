// Package uplink provides a durable upload job dispatch engine for
// social publishing. It claims queued publishing jobs, bounds how many
// run concurrently (globally and per destination account), retries
// transient provider failures with exponential backoff, de-duplicates
// resubmissions via content-addressed idempotency keys, and rolls
// per-job outcomes up into parent-batch status.
//
// Uplink is designed as a library, not a service. Import it, configure
// a store and a provider adapter, and submit jobs:
//
//	eng, err := engine.New(store,
//	    engine.WithAdapter("tiktok", adapter),
//	    engine.WithNotifier(notify.NewWebhook(webhookURL)),
//	)
//
// # Architecture
//
// Uplink follows a composable store pattern where each subsystem (job,
// control) defines its own store interface. A single backend implements
// all of them; memory, postgres, and sqlite backends ship in store/.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package uplink
