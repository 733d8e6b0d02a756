package domain

import (
	"time"

	"github.com/google/uuid"
)

type ExecutionStatus string

const (
	ExecutionStatusRunning ExecutionStatus = "running"
	ExecutionStatusSuccess ExecutionStatus = "success"
	ExecutionStatusError   ExecutionStatus = "error"
)

// IsTerminal reports whether the status is final.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusSuccess || s == ExecutionStatusError
}

// ExecutionRecord is one run of one automation. Records are append-only:
// inserted as running and finalized exactly once.
type ExecutionRecord struct {
	ID             int64
	AutomationCode string

	// RunID groups the trigger and cascade steps of one controller run.
	RunID  uuid.UUID
	Source string

	Status     ExecutionStatus
	StartedAt  time.Time
	FinishedAt *time.Time
	Logs       string
	Result     map[string]any
}
