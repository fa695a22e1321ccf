package job

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/postflux/uplink/id"
)

// FingerprintInput collects everything that makes a prospective job the
// same logical request as another. Media hashes are content hashes of
// the asset bytes; publish order is carried by asset SortOrder and does
// not affect the fingerprint.
type FingerprintInput struct {
	MediaHashes []string
	Caption     string
	AccountID   id.AccountID
	Provider    string
	Mode        Mode
	PostType    PostType
	ClientRef   string
}

// fingerprintPayload is the canonical JSON shape hashed by Fingerprint.
// Field order is fixed by the struct; do not reorder.
type fingerprintPayload struct {
	Media     []string `json:"media"`
	Caption   string   `json:"caption"`
	AccountID string   `json:"account_id"`
	Provider  string   `json:"provider"`
	Mode      string   `json:"mode"`
	PostType  string   `json:"post_type"`
	ClientRef string   `json:"client_ref,omitempty"`
}

// Fingerprint returns the deterministic idempotency key for the input:
// the SHA-256 hex digest of its canonical JSON. Identical inputs always
// yield the same key; any field change, including a caption edit, yields
// a different key.
func Fingerprint(in FingerprintInput) string {
	media := make([]string, len(in.MediaHashes))
	copy(media, in.MediaHashes)
	sort.Strings(media)

	payload := fingerprintPayload{
		Media:     media,
		Caption:   strings.TrimSpace(in.Caption),
		AccountID: in.AccountID.String(),
		Provider:  in.Provider,
		Mode:      string(in.Mode),
		PostType:  string(in.PostType),
		ClientRef: in.ClientRef,
	}

	b, err := json.Marshal(payload)
	if err != nil {
		// Only unmarshalable types reach here; the payload has none.
		panic(fmt.Sprintf("job: fingerprint marshal: %v", err))
	}

	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashContent returns the SHA-256 hex digest of raw asset bytes, for
// callers staging media that do not already carry a content hash.
func HashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
