// Package provider defines the adapter contract between the dispatch
// engine and platform upload implementations. The engine never inspects
// provider-specific payloads beyond this contract.
package provider

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/postflux/uplink/job"
)

// Result is a successful upload outcome. Raw carries the provider's own
// response body for forward compatibility.
type Result struct {
	// ExternalPostID is the provider-assigned post identifier, when the
	// platform returns one (draft uploads may not).
	ExternalPostID string

	// Raw is the provider's raw response.
	Raw json.RawMessage
}

// Error is a provider failure normalized for the engine: a message, a
// retryable classification, and optional transport detail.
type Error struct {
	Message    string
	Retryable  bool
	HTTPStatus int
	Code       string
}

// Error implements the error interface.
func (e *Error) Error() string { return e.Message }

// Adapter performs uploads for one provider. Implementations make the
// network call and classify their own failures.
type Adapter interface {
	// Upload publishes the job's assets to the destination account.
	// Assets arrive in publish order.
	Upload(ctx context.Context, j *job.UploadJob, account *job.Account, assets []*job.UploadAsset) (*Result, error)

	// NormalizeError classifies an error returned by Upload as
	// retryable (timeouts, 429/5xx, connection loss) or permanent
	// (bad credentials, rejected content, unsupported operation).
	NormalizeError(err error) *Error
}

// Normalize runs err through the adapter's classifier, short-circuiting
// errors that are already normalized.
func Normalize(a Adapter, err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	return a.NormalizeError(err)
}
