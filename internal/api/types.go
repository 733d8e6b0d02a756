package api

import (
	"encoding/json"
	"time"
)

type RunRequest struct {
	Payload json.RawMessage `json:"payload,omitempty"`
	Cascade *bool           `json:"cascade,omitempty"` // default true
	Source  string          `json:"source,omitempty"`  // default "manual"
}

type AutomationResponse struct {
	Code             string         `json:"code"`
	Name             string         `json:"name"`
	Kind             string         `json:"kind"`
	Sequence         int            `json:"sequence"`
	Dependencies     []string       `json:"dependencies"`
	Dependents       []string       `json:"dependents"`
	EndpointTemplate string         `json:"endpoint_template,omitempty"`
	EndpointURL      string         `json:"endpoint_url,omitempty"`
	Initialized      bool           `json:"initialized"`
	Status           string         `json:"status,omitempty"`
	Summary          string         `json:"summary,omitempty"`
	LastRunAt        *string        `json:"last_run_at,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

type AutomationDetailResponse struct {
	AutomationResponse
	RecentExecutions []ExecutionResponse `json:"recent_executions"`
}

type ListAutomationsResponse struct {
	Automations []AutomationResponse `json:"automations"`
}

type ExecutionResponse struct {
	ID             int64          `json:"id"`
	AutomationCode string         `json:"automation_code"`
	RunID          string         `json:"run_id"`
	Source         string         `json:"source"`
	Status         string         `json:"status"`
	StartedAt      string         `json:"started_at"`
	FinishedAt     *string        `json:"finished_at,omitempty"`
	Logs           string         `json:"logs,omitempty"`
	Result         map[string]any `json:"result,omitempty"`
}

type ListExecutionsResponse struct {
	Executions []ExecutionResponse `json:"executions"`
}

type AssetResponse struct {
	ID         int64  `json:"id"`
	ExternalID string `json:"external_id"`
	Group      string `json:"group"`
	Period     string `json:"period"`
	FileName   string `json:"file_name"`
	RemotePath string `json:"remote_path"`
	LocalPath  string `json:"local_path,omitempty"`
	Status     string `json:"status"`
	CreatedAt  string `json:"created_at"`
}

type ListAssetsResponse struct {
	Assets []AssetResponse `json:"assets"`
}

type OutcomeResponse struct {
	ExecutionID int64          `json:"execution_id"`
	Code        string         `json:"code"`
	Source      string         `json:"source"`
	Status      string         `json:"status"`
	Summary     string         `json:"summary"`
	Result      map[string]any `json:"result,omitempty"`
	DurationMs  int64          `json:"duration_ms"`
}

type StepResponse struct {
	OutcomeResponse
	Wavefront int    `json:"wavefront"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

type RunResponse struct {
	RunID   string          `json:"run_id"`
	Primary OutcomeResponse `json:"primary"`
	Cascade []StepResponse  `json:"cascade"`
}

type ErrorResponse struct {
	Error    string         `json:"error"`
	Kind     string         `json:"kind,omitempty"`
	Severity string         `json:"severity,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
