// Package job defines the upload job data model and its persistence
// contract.
//
// An [UploadJob] represents one request to publish a single post to one
// destination account. It embeds [uplink.Entity] for audit timestamps
// and moves through the lifecycle in [Status]; `queued` → `running` on
// claim, then `succeeded`, back to `queued` (retry), or `failed`.
// `canceled` is reachable from `queued` or `running` and is terminal.
//
// Jobs own an ordered set of [UploadAsset] media items and accumulate an
// append-only [UploadAttempt] audit trail. Jobs submitted together may
// share an [UploadBatch], whose status is always derived from its jobs'
// statuses by [DeriveBatchStatus], never hand-set.
//
// [Fingerprint] produces the content-addressed idempotency key that
// de-duplicates resubmissions of the same logical request.
package job
