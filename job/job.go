package job

import (
	"time"

	"github.com/postflux/uplink"
	"github.com/postflux/uplink/id"
)

// Status represents the lifecycle state of an upload job.
// The string values are persisted and must not change.
type Status string

const (
	// StatusQueued means the job is waiting to be claimed by a dispatcher.
	StatusQueued Status = "queued"
	// StatusRunning means a dispatcher is currently executing the job.
	StatusRunning Status = "running"
	// StatusSucceeded means the upload finished successfully.
	StatusSucceeded Status = "succeeded"
	// StatusFailed means the job failed and will not be retried.
	StatusFailed Status = "failed"
	// StatusCanceled means the job was explicitly canceled.
	StatusCanceled Status = "canceled"
)

// Terminal reports whether s is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// transitions is the set of legal status moves. Retry loops a running
// job back to queued.
var transitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusCanceled, StatusFailed},
	StatusRunning: {StatusSucceeded, StatusQueued, StatusFailed, StatusCanceled},
}

// CanTransition reports whether a job may move from one status to another.
// queued → failed covers the defensive retry-ceiling cleanup during claim.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Mode is the publishing mode requested for a job.
type Mode string

const (
	// ModeDraft uploads the post into the destination account's drafts.
	ModeDraft Mode = "draft"
	// ModeDirect publishes the post immediately.
	ModeDirect Mode = "direct"
)

// Valid reports whether m is a known publishing mode.
func (m Mode) Valid() bool { return m == ModeDraft || m == ModeDirect }

// PostType is the kind of post a job publishes.
type PostType string

const (
	// PostTypeVideo publishes a single video.
	PostTypeVideo PostType = "video"
	// PostTypeSlideshow publishes an ordered set of images.
	PostTypeSlideshow PostType = "slideshow"
)

// Valid reports whether p is a known post type.
func (p PostType) Valid() bool { return p == PostTypeVideo || p == PostTypeSlideshow }

// Slideshow asset count bounds.
const (
	MinSlideshowAssets = 2
	MaxSlideshowAssets = 35
)

// UploadJob represents one request to publish a single post to one
// destination account.
type UploadJob struct {
	uplink.Entity

	ID             id.JobID     `json:"id"`
	OwnerID        id.UserID    `json:"owner_id"`
	BatchID        id.BatchID   `json:"batch_id,omitempty"`
	AccountID      id.AccountID `json:"account_id"`
	Provider       string       `json:"provider"`
	Mode           Mode         `json:"mode"`
	PostType       PostType     `json:"post_type"`
	Caption        string       `json:"caption"`
	Status         Status       `json:"status"`
	AttemptCount   int          `json:"attempt_count"`
	MaxRetries     int          `json:"max_retries"`
	IdempotencyKey string       `json:"idempotency_key"`
	ScheduledAt    *time.Time   `json:"scheduled_at,omitempty"`
	NextAttemptAt  *time.Time   `json:"next_attempt_at,omitempty"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
	LastError      string       `json:"last_error,omitempty"`
	ProviderPostID string       `json:"provider_post_id,omitempty"`
}

// Detail is a job re-fetched with everything execution needs: the
// destination account and the ordered media assets.
type Detail struct {
	Job     *UploadJob
	Account *Account
	Assets  []*UploadAsset
}
