// Package control holds the per-owner queue control row: a pause flag
// acting as an owner-level circuit breaker, and the dispatch mode that
// decides whether scheduled jobs are held until due. Queue control is
// read and written independently of dispatch; the dispatcher only
// consults it before claiming.
package control

import (
	"context"
	"time"

	"github.com/postflux/uplink/id"
)

// DispatchMode decides which queued jobs a dispatch pass considers.
// The string values are persisted and must not change.
type DispatchMode string

const (
	// ModeDueOnly dispatches only jobs whose schedule is due.
	ModeDueOnly DispatchMode = "due_only"
	// ModeAllQueued dispatches every queued job regardless of schedule.
	ModeAllQueued DispatchMode = "all_queued"
)

// Normalize maps unknown or invalid mode values to ModeDueOnly.
func Normalize(m DispatchMode) DispatchMode {
	if m == ModeAllQueued {
		return ModeAllQueued
	}
	return ModeDueOnly
}

// QueueControl is one row per owner controlling that owner's dispatch.
// Rows are created lazily with safe defaults on first read.
type QueueControl struct {
	OwnerID      id.UserID    `json:"owner_id"`
	Paused       bool         `json:"paused"`
	DispatchMode DispatchMode `json:"dispatch_mode"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Default returns the lazily-created control row for an owner:
// unpaused, due-only dispatch.
func Default(ownerID id.UserID) *QueueControl {
	return &QueueControl{
		OwnerID:      ownerID,
		Paused:       false,
		DispatchMode: ModeDueOnly,
		UpdatedAt:    time.Now().UTC(),
	}
}

// Patch is a partial update: only non-nil fields are applied.
type Patch struct {
	Paused       *bool
	DispatchMode *DispatchMode
}

// Store defines the persistence contract for queue control rows.
type Store interface {
	// GetQueueControl returns the owner's control row, creating it
	// with defaults if it does not exist.
	GetQueueControl(ctx context.Context, ownerID id.UserID) (*QueueControl, error)

	// UpdateQueueControl applies only the patch's provided fields and
	// returns the updated row. Invalid dispatch modes normalize to
	// due_only.
	UpdateQueueControl(ctx context.Context, ownerID id.UserID, p Patch) (*QueueControl, error)
}
