package metrics

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and continue.
type Sink interface {
	// Runner metrics
	ExecutionStarted(code string)
	ExecutionFinished(code, status, severity string, duration time.Duration)

	// Dispatcher metrics
	WebhookCompleted(code, statusClass string, duration time.Duration)

	// Cascade metrics
	CascadeCompleted(steps, failed int, duration time.Duration)

	// Retry metrics
	RetryScheduled(code string)
	RetryFired(code string, err error)

	// Source sync metrics
	SyncCompleted(newItems, failedItems int, duration time.Duration)
	SyncListingFailed()

	// Recurring trigger metrics
	TickStarted()
	TickCompleted(duration time.Duration, triggered int, err error)

	// EventBus metrics
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	BufferSaturationUpdate(saturation float64)
	EmitError()

	// Side channel metrics
	SideChannelDelivered(kind string, err error)

	// Reconciler metrics
	StaleExecutionsUpdate(count int)
}

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

// StatusClass constants for WebhookCompleted.
const (
	StatusClass2xx             = "2xx"
	StatusClass4xx             = "4xx"
	StatusClass5xx             = "5xx"
	StatusClassTimeout         = "timeout"
	StatusClassConnectionError = "connection_error"
	StatusClassOtherError      = "other_error"
)

// ClassifyStatus maps a status code and error to a status class.
// Uses bounded cardinality: 2xx, 4xx, 5xx, timeout, connection_error, other_error.
func ClassifyStatus(statusCode int, err error) string {
	if err != nil && statusCode == 0 {
		errStr := strings.ToLower(err.Error())
		if errors.Is(err, context.DeadlineExceeded) || strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded") {
			return StatusClassTimeout
		}
		if strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host") ||
			strings.Contains(errStr, "network is unreachable") || strings.Contains(errStr, "dial") {
			return StatusClassConnectionError
		}
		return StatusClassOtherError
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusClass2xx
	case statusCode >= 400 && statusCode < 500:
		return StatusClass4xx
	case statusCode >= 500:
		return StatusClass5xx
	default:
		return StatusClassOtherError
	}
}

// outcomeLabel maps an error to OutcomeSuccess or OutcomeFailed.
func outcomeLabel(err error) string {
	if err != nil {
		return OutcomeFailed
	}
	return OutcomeSuccess
}
