package job

import (
	"github.com/postflux/uplink"
	"github.com/postflux/uplink/id"
)

// AssetKind is the media type of an upload asset.
type AssetKind string

const (
	// AssetVideo is a single video file.
	AssetVideo AssetKind = "video"
	// AssetImage is one image of a slideshow.
	AssetImage AssetKind = "image"
)

// UploadAsset is one ordered media item belonging to exactly one job.
// Assets are immutable once created; SortOrder defines the publish-time
// sequence.
type UploadAsset struct {
	uplink.Entity

	ID          id.AssetID `json:"id"`
	JobID       id.JobID   `json:"job_id"`
	Kind        AssetKind  `json:"kind"`
	ContentHash string     `json:"content_hash"`
	SortOrder   int        `json:"sort_order"`
	SourceURL   string     `json:"source_url,omitempty"`
}
