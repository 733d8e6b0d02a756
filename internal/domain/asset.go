package domain

import "time"

type AssetStatus string

const (
	AssetStatusPending    AssetStatus = "pending"
	AssetStatusDownloaded AssetStatus = "downloaded"
	AssetStatusFailed     AssetStatus = "failed"
)

// SourceAsset is a media file ingested from the external source, keyed by
// the source's stable file id.
type SourceAsset struct {
	ID         int64
	ExternalID string

	Group  string
	Period string

	RemotePath string
	LocalPath  string
	FileName   string
	Status     AssetStatus

	CreatedAt time.Time
	UpdatedAt time.Time
}
