package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/postflux/uplink/job"
)

// failurePayload is the JSON body posted to the webhook endpoint.
type failurePayload struct {
	JobID        string    `json:"job_id"`
	OwnerID      string    `json:"owner_id"`
	BatchID      string    `json:"batch_id,omitempty"`
	AccountID    string    `json:"account_id"`
	Provider     string    `json:"provider"`
	PostType     string    `json:"post_type"`
	AttemptCount int       `json:"attempt_count"`
	Reason       string    `json:"reason"`
	FailedAt     time.Time `json:"failed_at"`
}

// Webhook posts terminal-failure notifications to a fixed HTTP endpoint.
type Webhook struct {
	url    string
	client *http.Client
}

// WebhookOption configures a Webhook.
type WebhookOption func(*Webhook)

// WithHTTPClient sets the HTTP client used for delivery.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *Webhook) { w.client = c }
}

// NewWebhook creates a webhook notifier targeting url.
func NewWebhook(url string, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// NotifyFailure posts the job and reason to the webhook endpoint.
// Non-2xx responses are returned as errors so callers can log them.
func (w *Webhook) NotifyFailure(ctx context.Context, j *job.UploadJob, reason string) error {
	payload := failurePayload{
		JobID:        j.ID.String(),
		OwnerID:      j.OwnerID.String(),
		BatchID:      j.BatchID.String(),
		AccountID:    j.AccountID.String(),
		Provider:     j.Provider,
		PostType:     string(j.PostType),
		AttemptCount: j.AttemptCount,
		Reason:       reason,
		FailedAt:     time.Now().UTC(),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: deliver: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notify: webhook returned %d", resp.StatusCode)
	}
	return nil
}
