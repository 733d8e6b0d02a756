// Package failure defines the typed error returned when an automation run
// fails. A Failure carries everything the callers need: the health severity
// written to the automation record and the HTTP status shown to the trigger.
package failure

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/djlord-it/opsflow/internal/domain"
)

type Kind string

const (
	// KindNotFound: unknown or uninitialized automation. Permanent.
	KindNotFound Kind = "not_found"
	// KindConflict: the automation is already running in this process group.
	KindConflict Kind = "conflict"
	// KindNotConfigured: no endpoint or base URL. Permanent until configured.
	KindNotConfigured Kind = "not_configured"
	// KindRemoteUnavailable: transport or listing failure. Transient.
	KindRemoteUnavailable Kind = "remote_unavailable"
	// KindRemoteRejected: the workflow engine answered non-2xx.
	KindRemoteRejected Kind = "remote_rejected"
	// KindUncategorized: anything else.
	KindUncategorized Kind = "uncategorized"
)

// Failure is the error type of automation runs.
type Failure struct {
	Kind       Kind
	Message    string
	HTTPStatus int
	Severity   domain.Severity
	Details    map[string]any
	Err        error
}

func (f *Failure) Error() string {
	return f.Message
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Detail returns the cause appended to the message, for execution logs.
func (f *Failure) Detail() string {
	if f.Err == nil || f.Err.Error() == f.Message {
		return f.Message
	}
	return fmt.Sprintf("%s: %v", f.Message, f.Err)
}

func NotFound(code string) *Failure {
	return &Failure{
		Kind:       KindNotFound,
		Message:    fmt.Sprintf("automation %q not found", code),
		HTTPStatus: http.StatusNotFound,
		Severity:   domain.SeverityError,
	}
}

func Conflict(code string, err error) *Failure {
	return &Failure{
		Kind:       KindConflict,
		Message:    fmt.Sprintf("automation %q is already running", code),
		HTTPStatus: http.StatusConflict,
		Severity:   domain.SeverityMonitoring,
		Err:        err,
	}
}

func NotConfigured(message string) *Failure {
	return &Failure{
		Kind:       KindNotConfigured,
		Message:    message,
		HTTPStatus: http.StatusServiceUnavailable,
		Severity:   domain.SeverityMonitoring,
	}
}

func Unavailable(message string, err error) *Failure {
	return &Failure{
		Kind:       KindRemoteUnavailable,
		Message:    message,
		HTTPStatus: http.StatusServiceUnavailable,
		Severity:   domain.SeverityWarning,
		Err:        err,
	}
}

// Rejected maps a non-2xx webhook status: 5xx means the remote workflow is
// broken (warning), anything else means it is not wired as expected
// (monitoring).
func Rejected(statusCode int, body any) *Failure {
	severity := domain.SeverityMonitoring
	if statusCode >= 500 {
		severity = domain.SeverityWarning
	}
	return &Failure{
		Kind:       KindRemoteRejected,
		Message:    fmt.Sprintf("webhook responded with status %d", statusCode),
		HTTPStatus: http.StatusBadGateway,
		Severity:   severity,
		Details: map[string]any{
			"statusCode":   statusCode,
			"responseBody": body,
		},
	}
}

func Uncategorized(err error) *Failure {
	return &Failure{
		Kind:       KindUncategorized,
		Message:    err.Error(),
		HTTPStatus: http.StatusInternalServerError,
		Severity:   domain.SeverityError,
		Err:        err,
	}
}

// From returns err as a *Failure, wrapping unknown errors as uncategorized.
// It returns nil for a nil error.
func From(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return Uncategorized(err)
}
