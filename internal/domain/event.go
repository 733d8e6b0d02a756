package domain

import "time"

type EventKind string

const (
	// EventAssetIngested asks for a caption of a freshly downloaded asset.
	EventAssetIngested EventKind = "asset.ingested"
	// EventNotification is a push notification to dashboard users.
	EventNotification EventKind = "notification"
)

// Event is a best-effort side-channel message. Losing one never affects
// the outcome of the run that emitted it.
type Event struct {
	Kind           EventKind
	AutomationCode string
	AssetID        int64
	Title          string
	Body           string
	OccurredAt     time.Time
}
