package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/djlord-it/opsflow/internal/cascade"
	"github.com/djlord-it/opsflow/internal/domain"
	"github.com/djlord-it/opsflow/internal/failure"
	"github.com/djlord-it/opsflow/internal/graph"
	"github.com/djlord-it/opsflow/internal/runner"
	"github.com/djlord-it/opsflow/internal/store"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// recentExecutions is how many executions the detail endpoint includes.
const recentExecutions = 10

type Store interface {
	GetAutomation(ctx context.Context, code string) (domain.AutomationRecord, error)
	ListAutomations(ctx context.Context) ([]domain.AutomationRecord, error)
	ListExecutions(ctx context.Context, code string, limit, offset int) ([]domain.ExecutionRecord, error)
	ListAssets(ctx context.Context, limit, offset int) ([]domain.SourceAsset, error)
}

type Registry interface {
	Lookup(code string) (domain.Blueprint, bool)
	All() []domain.Blueprint
}

// Trigger starts a run. Implemented by *cascade.Controller.
type Trigger interface {
	Run(ctx context.Context, req cascade.RunRequest) (cascade.RunResult, error)
}

// HealthChecker provides database health status for the /health endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

type Handler struct {
	store    Store
	registry Registry
	graph    *graph.Graph
	trigger  Trigger
	db       HealthChecker
}

func NewHandler(s Store, registry Registry, trigger Trigger) *Handler {
	return &Handler{
		store:    s,
		registry: registry,
		graph:    graph.Build(registry.All()),
		trigger:  trigger,
	}
}

// WithHealthChecker sets the database health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")

	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		h.health(w, r)

	case r.URL.Path == "/automations" && r.Method == http.MethodGet:
		h.listAutomations(w, r)

	case r.URL.Path == "/assets" && r.Method == http.MethodGet:
		h.listAssets(w, r)

	case len(parts) == 2 && parts[0] == "automations" && r.Method == http.MethodGet:
		h.getAutomation(w, r, parts[1])

	case len(parts) == 3 && parts[0] == "automations" && parts[2] == "run" && r.Method == http.MethodPost:
		h.runAutomation(w, r, parts[1])

	case len(parts) == 3 && parts[0] == "automations" && parts[2] == "executions" && r.Method == http.MethodGet:
		h.listExecutions(w, r, parts[1])

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	// Check if verbose mode requested via ?verbose=true
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose || h.db == nil {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["database"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["database"] = "healthy"
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

func (h *Handler) listAutomations(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.ListAutomations(r.Context())
	if err != nil {
		log.Printf("api: list automations error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list automations")
		return
	}
	byCode := make(map[string]domain.AutomationRecord, len(records))
	for _, rec := range records {
		byCode[rec.Code] = rec
	}

	blueprints := h.registry.All()
	resp := ListAutomationsResponse{Automations: make([]AutomationResponse, len(blueprints))}
	for i, bp := range blueprints {
		rec, ok := byCode[bp.Code]
		resp.Automations[i] = h.automationResponse(bp, rec, ok)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getAutomation(w http.ResponseWriter, r *http.Request, code string) {
	bp, ok := h.lookup(w, code)
	if !ok {
		return
	}

	rec, err := h.store.GetAutomation(r.Context(), code)
	initialized := true
	if errors.Is(err, store.ErrNotFound) {
		initialized = false
	} else if err != nil {
		log.Printf("api: get automation %s error: %v", code, err)
		writeError(w, http.StatusInternalServerError, "failed to load automation")
		return
	}

	resp := AutomationDetailResponse{
		AutomationResponse: h.automationResponse(bp, rec, initialized),
		RecentExecutions:   []ExecutionResponse{},
	}
	if initialized {
		execs, err := h.store.ListExecutions(r.Context(), code, recentExecutions, 0)
		if err != nil {
			log.Printf("api: list executions %s error: %v", code, err)
			writeError(w, http.StatusInternalServerError, "failed to list executions")
			return
		}
		resp.RecentExecutions = executionResponses(execs)
	}

	writeJSON(w, http.StatusOK, resp)
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

func (h *Handler) runAutomation(w http.ResponseWriter, r *http.Request, code string) {
	if err := validateCode(code); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req RunRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := validateRunRequest(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	payload := req.Payload
	if bytes.Equal(bytes.TrimSpace(payload), []byte("null")) {
		payload = nil
	}

	// A run is not aborted when the caller disconnects.
	ctx := context.WithoutCancel(r.Context())
	res, err := h.trigger.Run(ctx, cascade.RunRequest{
		Code:    code,
		Payload: payload,
		Cascade: req.Cascade == nil || *req.Cascade,
		Source:  req.Source,
	})
	if err != nil {
		writeFailure(w, failure.From(err))
		return
	}

	resp := RunResponse{
		RunID:   res.RunID.String(),
		Primary: outcomeResponse(res.Primary),
		Cascade: make([]StepResponse, len(res.Cascade)),
	}
	for i, step := range res.Cascade {
		sr := StepResponse{
			OutcomeResponse: outcomeResponse(step.Outcome),
			Wavefront:       step.Wavefront,
			OK:              step.Succeeded(),
		}
		sr.Code = step.Code
		sr.Source = step.Source
		if step.Failure != nil {
			sr.Error = step.Failure.Message
			if sr.Status == "" {
				sr.Status = string(step.Failure.Severity)
			}
		}
		resp.Cascade[i] = sr
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) listExecutions(w http.ResponseWriter, r *http.Request, code string) {
	if _, ok := h.lookup(w, code); !ok {
		return
	}

	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	execs, err := h.store.ListExecutions(r.Context(), code, limit, offset)
	if err != nil {
		log.Printf("api: list executions error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}

	writeJSON(w, http.StatusOK, ListExecutionsResponse{Executions: executionResponses(execs)})
}

func (h *Handler) listAssets(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	assets, err := h.store.ListAssets(r.Context(), limit, offset)
	if err != nil {
		log.Printf("api: list assets error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list assets")
		return
	}

	resp := ListAssetsResponse{Assets: make([]AssetResponse, len(assets))}
	for i, a := range assets {
		resp.Assets[i] = AssetResponse{
			ID:         a.ID,
			ExternalID: a.ExternalID,
			Group:      a.Group,
			Period:     a.Period,
			FileName:   a.FileName,
			RemotePath: a.RemotePath,
			LocalPath:  a.LocalPath,
			Status:     string(a.Status),
			CreatedAt:  formatTime(a.CreatedAt),
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// lookup writes 400 or 404 and returns false when code is not a blueprint.
func (h *Handler) lookup(w http.ResponseWriter, code string) (domain.Blueprint, bool) {
	if err := validateCode(code); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return domain.Blueprint{}, false
	}
	bp, ok := h.registry.Lookup(code)
	if !ok {
		writeError(w, http.StatusNotFound, "automation not found")
		return domain.Blueprint{}, false
	}
	return bp, true
}

func (h *Handler) automationResponse(bp domain.Blueprint, rec domain.AutomationRecord, initialized bool) AutomationResponse {
	resp := AutomationResponse{
		Code:             bp.Code,
		Name:             bp.Name,
		Kind:             string(bp.Kind),
		Sequence:         bp.Sequence,
		Dependencies:     nonNil(bp.Dependencies),
		Dependents:       nonNil(h.graph.Dependents(bp.Code)),
		EndpointTemplate: bp.EndpointTemplate,
		Initialized:      initialized,
	}
	if !initialized {
		return resp
	}
	if rec.Name != "" {
		resp.Name = rec.Name
	}
	resp.EndpointURL = rec.EndpointURL
	resp.Status = string(rec.Status)
	resp.Summary = rec.Summary()
	resp.LastRunAt = formatTimePtr(rec.LastRunAt)
	resp.Metadata = rec.Metadata
	return resp
}

func outcomeResponse(o runner.Outcome) OutcomeResponse {
	return OutcomeResponse{
		ExecutionID: o.ExecutionID,
		Code:        o.Code,
		Source:      o.Source,
		Status:      string(o.Status),
		Summary:     o.Summary,
		Result:      o.Result,
		DurationMs:  o.Duration.Milliseconds(),
	}
}

func executionResponses(execs []domain.ExecutionRecord) []ExecutionResponse {
	out := make([]ExecutionResponse, len(execs))
	for i, e := range execs {
		out[i] = ExecutionResponse{
			ID:             e.ID,
			AutomationCode: e.AutomationCode,
			RunID:          e.RunID.String(),
			Source:         e.Source,
			Status:         string(e.Status),
			StartedAt:      formatTime(e.StartedAt),
			FinishedAt:     formatTimePtr(e.FinishedAt),
			Logs:           e.Logs,
			Result:         e.Result,
		}
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func writeFailure(w http.ResponseWriter, f *failure.Failure) {
	writeJSON(w, f.HTTPStatus, ErrorResponse{
		Error:    f.Message,
		Kind:     string(f.Kind),
		Severity: string(f.Severity),
		Details:  f.Details,
	})
}

// parsePagination extracts and validates limit/offset query parameters.
// Returns DefaultLimit if limit is not specified, and 0 for offset if not specified.
// Returns an error if limit exceeds MaxLimit or if values are negative/invalid.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
