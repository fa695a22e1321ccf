package job

import (
	"encoding/json"
	"time"

	"github.com/postflux/uplink/id"
)

// UploadAttempt is the append-only audit record of one execution attempt
// for a job. Attempts are never mutated or deleted.
type UploadAttempt struct {
	ID             id.AttemptID    `json:"id"`
	JobID          id.JobID        `json:"job_id"`
	Number         int             `json:"number"`
	Succeeded      bool            `json:"succeeded"`
	Retryable      bool            `json:"retryable"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	ProviderPostID string          `json:"provider_post_id,omitempty"`
	Detail         json.RawMessage `json:"detail,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     time.Time       `json:"finished_at"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Outcome is the typed shape serialized into an attempt's Detail field.
// Raw carries the provider's own response for forward compatibility.
type Outcome struct {
	ProviderPostID string          `json:"provider_post_id,omitempty"`
	Message        string          `json:"message,omitempty"`
	Retryable      bool            `json:"retryable"`
	HTTPStatus     int             `json:"http_status,omitempty"`
	ProviderCode   string          `json:"provider_code,omitempty"`
	Raw            json.RawMessage `json:"raw,omitempty"`
}

// EncodeDetail serializes o for storage in UploadAttempt.Detail.
func (o Outcome) EncodeDetail() json.RawMessage {
	b, err := json.Marshal(o)
	if err != nil {
		return nil
	}
	return b
}
