package domain

import "time"

// MetadataSummary is the metadata key holding the last human-readable outcome.
const MetadataSummary = "summary"

// AutomationRecord is the durable state of one automation node.
type AutomationRecord struct {
	Code        string
	Name        string
	Status      Severity
	EndpointURL string
	LastRunAt   *time.Time
	Metadata    map[string]any

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Summary returns metadata.summary, or "" when unset.
func (r AutomationRecord) Summary() string {
	if r.Metadata == nil {
		return ""
	}
	s, _ := r.Metadata[MetadataSummary].(string)
	return s
}
