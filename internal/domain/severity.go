package domain

import "strings"

// Severity is the coarse health classification shared by a single failure
// and the persisted status of the automation that produced it.
type Severity string

const (
	SeverityOperational Severity = "operational"
	SeverityMonitoring  Severity = "monitoring"
	SeverityWarning     Severity = "warning"
	SeverityError       Severity = "error"
)

// ParseSeverity normalizes a free-form status string. Matching is by
// substring so that values set by external tools ("Watch", "offline",
// "monitoring-only") still land in a known bucket.
func ParseSeverity(s string) Severity {
	v := strings.ToLower(strings.TrimSpace(s))
	switch {
	case strings.Contains(v, "monitor"):
		return SeverityMonitoring
	case strings.Contains(v, "warn"), strings.Contains(v, "watch"):
		return SeverityWarning
	case strings.Contains(v, "error"), strings.Contains(v, "down"), strings.Contains(v, "offline"):
		return SeverityError
	default:
		return SeverityOperational
	}
}
