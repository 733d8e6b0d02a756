// Package runner executes a single automation node and records the outcome.
//
// A run is: look up the blueprint and its record, take the per-code run
// lock, insert a running execution, dispatch by node kind, then finalize the
// execution and the automation's health status. Every failure is returned
// as a *failure.Failure after both records have been written.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/djlord-it/opsflow/internal/dispatcher"
	"github.com/djlord-it/opsflow/internal/domain"
	"github.com/djlord-it/opsflow/internal/failure"
	"github.com/djlord-it/opsflow/internal/observability"
	"github.com/djlord-it/opsflow/internal/retry"
	"github.com/djlord-it/opsflow/internal/runlock"
	"github.com/djlord-it/opsflow/internal/sourcesync"
	"github.com/djlord-it/opsflow/internal/store"
)

// DefaultSourceRetryDelay is how long a failed source listing waits before
// it is tried again.
const DefaultSourceRetryDelay = 15 * time.Minute

type Registry interface {
	Lookup(code string) (domain.Blueprint, bool)
}

type Store interface {
	GetAutomation(ctx context.Context, code string) (domain.AutomationRecord, error)
	InsertExecution(ctx context.Context, rec domain.ExecutionRecord) (int64, error)
	FinishExecution(ctx context.Context, id int64, status domain.ExecutionStatus, logs string, result map[string]any, at time.Time) error
	UpdateAutomationStatus(ctx context.Context, code string, status domain.Severity, summary string, at time.Time) error
}

// Webhook invokes workflow-engine nodes.
type Webhook interface {
	Invoke(ctx context.Context, call dispatcher.Call) (dispatcher.Response, error)
}

// SourceSync runs the in-process ingestion node.
type SourceSync interface {
	Sync(ctx context.Context, remotePath string) (sourcesync.Result, error)
}

// Analytics records run counters. Errors are logged, never surfaced.
type Analytics interface {
	RecordRun(ctx context.Context, code, status string, at time.Time) error
}

// MetricsSink defines the interface for recording runner metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	ExecutionStarted(code string)
	ExecutionFinished(code, status, severity string, duration time.Duration)
}

type Config struct {
	SourceRemotePath string
	SourceRetryDelay time.Duration // default DefaultSourceRetryDelay
}

type ExecuteRequest struct {
	Code    string
	Payload json.RawMessage
	Source  string
	// RunID groups executions of one controller run. Zero means a new id.
	RunID uuid.UUID
}

// Outcome describes a finished execution.
type Outcome struct {
	ExecutionID int64
	Code        string
	RunID       uuid.UUID
	Source      string
	Status      domain.Severity
	Summary     string
	Result      map[string]any
	Duration    time.Duration
}

type Runner struct {
	registry Registry
	store    Store
	locker   runlock.Locker
	cfg      Config

	webhook   Webhook         // nil = webhook nodes are not configured
	syncer    SourceSync      // nil = source nodes are not configured
	retries   retry.Scheduler // nil = no retries
	metrics   MetricsSink     // optional, nil = disabled
	analytics Analytics       // optional, nil = disabled

	now func() time.Time
}

func New(registry Registry, s Store, cfg Config) *Runner {
	if cfg.SourceRetryDelay <= 0 {
		cfg.SourceRetryDelay = DefaultSourceRetryDelay
	}
	return &Runner{
		registry: registry,
		store:    s,
		locker:   runlock.NewKeyedMutex(),
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithLocker replaces the default in-process run lock.
func (r *Runner) WithLocker(l runlock.Locker) *Runner {
	r.locker = l
	return r
}

func (r *Runner) WithWebhook(w Webhook) *Runner {
	r.webhook = w
	return r
}

func (r *Runner) WithSourceSync(s SourceSync) *Runner {
	r.syncer = s
	return r
}

// WithRetries sets the scheduler used after transient source failures.
func (r *Runner) WithRetries(s retry.Scheduler) *Runner {
	r.retries = s
	return r
}

// WithMetrics attaches a metrics sink to the runner.
func (r *Runner) WithMetrics(sink MetricsSink) *Runner {
	r.metrics = sink
	return r
}

func (r *Runner) WithAnalytics(a Analytics) *Runner {
	r.analytics = a
	return r
}

// WithClock replaces the time source. Used by tests.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// dispatchResult is what a successful dispatch hands back for finalization.
type dispatchResult struct {
	summary string
	result  map[string]any
	status  domain.Severity
}

// Execute runs req.Code once. Errors are always *failure.Failure.
//
// NotFound and Conflict are returned before any record is touched; every
// later failure finalizes the execution as error and sets the automation's
// status to the failure severity.
func (r *Runner) Execute(ctx context.Context, req ExecuteRequest) (Outcome, error) {
	bp, ok := r.registry.Lookup(req.Code)
	if !ok {
		return Outcome{}, failure.NotFound(req.Code)
	}
	rec, err := r.store.GetAutomation(ctx, req.Code)
	if errors.Is(err, store.ErrNotFound) {
		return Outcome{}, failure.NotFound(req.Code)
	}
	if err != nil {
		return Outcome{}, failure.Uncategorized(fmt.Errorf("load automation %q: %w", req.Code, err))
	}

	release, err := r.locker.TryLock(ctx, req.Code)
	if errors.Is(err, runlock.ErrLocked) {
		log.Printf("runner: code=%s rejected, already running source=%s", req.Code, req.Source)
		return Outcome{}, failure.Conflict(req.Code, err)
	}
	if err != nil {
		return Outcome{}, failure.Uncategorized(fmt.Errorf("acquire run lock for %q: %w", req.Code, err))
	}
	defer release()

	runID := req.RunID
	if runID == uuid.Nil {
		runID = uuid.New()
	}
	source := req.Source
	if source == "" {
		source = "manual"
	}

	ctx, span := observability.StartSpan(ctx, "runner.execute",
		attribute.String("automation.code", req.Code),
		attribute.String("automation.kind", string(bp.Kind)),
		attribute.String("run.source", source),
		attribute.String("run.id", runID.String()),
	)

	startedAt := r.now()
	execID, err := r.store.InsertExecution(ctx, domain.ExecutionRecord{
		AutomationCode: req.Code,
		RunID:          runID,
		Source:         source,
		Status:         domain.ExecutionStatusRunning,
		StartedAt:      startedAt,
	})
	if err != nil {
		f := failure.Uncategorized(fmt.Errorf("insert execution for %q: %w", req.Code, err))
		observability.EndSpan(span, f)
		return Outcome{}, f
	}
	span.SetAttributes(attribute.Int64("execution.id", execID))

	if r.metrics != nil {
		r.metrics.ExecutionStarted(req.Code)
	}
	log.Printf("runner: code=%s execution=%d started source=%s run=%s", req.Code, execID, source, runID)

	outcome := Outcome{
		ExecutionID: execID,
		Code:        req.Code,
		RunID:       runID,
		Source:      source,
	}

	res, dispatchErr := r.dispatch(ctx, bp, rec, req, runID, execID)
	finishedAt := r.now()
	outcome.Duration = finishedAt.Sub(startedAt)

	if dispatchErr != nil {
		f := failure.From(dispatchErr)
		result := map[string]any{"error": f.Message}
		for k, v := range f.Details {
			result[k] = v
		}
		finalizeErr := r.finalize(ctx, req.Code, execID, domain.ExecutionStatusError, f.Detail(), result, f.Severity, f.Message, finishedAt)
		r.record(ctx, req.Code, domain.ExecutionStatusError, f.Severity, outcome.Duration, finishedAt)

		log.Printf("runner: code=%s execution=%d failed kind=%s severity=%s err=%s",
			req.Code, execID, f.Kind, f.Severity, f.Detail())

		outcome.Status = f.Severity
		outcome.Summary = f.Message
		outcome.Result = result
		if finalizeErr != nil {
			uf := failure.Uncategorized(fmt.Errorf("%w (run failed: %w)", finalizeErr, f))
			observability.EndSpan(span, uf)
			return outcome, uf
		}
		observability.EndSpan(span, f)
		return outcome, f
	}

	if err := r.finalize(ctx, req.Code, execID, domain.ExecutionStatusSuccess, res.summary, res.result, res.status, res.summary, finishedAt); err != nil {
		f := failure.Uncategorized(err)
		observability.EndSpan(span, f)
		return outcome, f
	}
	r.record(ctx, req.Code, domain.ExecutionStatusSuccess, res.status, outcome.Duration, finishedAt)

	log.Printf("runner: code=%s execution=%d succeeded status=%s summary=%q duration=%s",
		req.Code, execID, res.status, res.summary, outcome.Duration)
	observability.EndSpan(span, nil)

	outcome.Status = res.status
	outcome.Summary = res.summary
	outcome.Result = res.result
	return outcome, nil
}

func (r *Runner) dispatch(ctx context.Context, bp domain.Blueprint, rec domain.AutomationRecord, req ExecuteRequest, runID uuid.UUID, execID int64) (dispatchResult, error) {
	switch bp.Kind {
	case domain.NodeKindWebhook:
		return r.dispatchWebhook(ctx, bp, rec, req, runID, execID)
	case domain.NodeKindSourceSync:
		return r.dispatchSourceSync(ctx, bp)
	default:
		return dispatchResult{}, fmt.Errorf("automation %q has unknown kind %q", bp.Code, bp.Kind)
	}
}

func (r *Runner) dispatchWebhook(ctx context.Context, bp domain.Blueprint, rec domain.AutomationRecord, req ExecuteRequest, runID uuid.UUID, execID int64) (dispatchResult, error) {
	if r.webhook == nil {
		return dispatchResult{}, failure.NotConfigured(fmt.Sprintf("webhook for %q is not configured (no base URL)", bp.Code))
	}
	resp, err := r.webhook.Invoke(ctx, dispatcher.Call{
		Code:             bp.Code,
		EndpointURL:      rec.EndpointURL,
		EndpointTemplate: bp.EndpointTemplate,
		Payload:          req.Payload,
		RunID:            runID.String(),
		ExecutionID:      strconv.FormatInt(execID, 10),
	})
	if err != nil {
		return dispatchResult{}, err
	}
	return dispatchResult{
		summary: resp.Summary(),
		result:  resp.Result(),
		status:  domain.SeverityOperational,
	}, nil
}

func (r *Runner) dispatchSourceSync(ctx context.Context, bp domain.Blueprint) (dispatchResult, error) {
	if r.syncer == nil || r.cfg.SourceRemotePath == "" {
		return dispatchResult{}, failure.NotConfigured(fmt.Sprintf("source sync for %q is not configured", bp.Code))
	}

	res, err := r.syncer.Sync(ctx, r.cfg.SourceRemotePath)
	switch {
	case err == nil:
	case errors.Is(err, sourcesync.ErrNotConfigured):
		f := failure.NotConfigured(fmt.Sprintf("source sync for %q is not configured", bp.Code))
		f.Err = err
		return dispatchResult{}, f
	case errors.Is(err, sourcesync.ErrRemoteRejected):
		f := failure.Uncategorized(err)
		f.Message = "Dropbox rejected the sync request; check credentials and root path"
		return dispatchResult{}, f
	case errors.Is(err, sourcesync.ErrRemoteUnavailable):
		r.scheduleRetry(ctx, bp.Code)
		return dispatchResult{}, failure.Unavailable("Dropbox is unavailable; sync will be retried", err)
	default:
		return dispatchResult{}, err
	}

	status := domain.SeverityOperational
	if res.FailedCount > 0 {
		status = domain.SeverityMonitoring
	}

	items := make([]map[string]any, 0, len(res.Items))
	for _, item := range res.Items {
		entry := map[string]any{
			"assetId":    item.AssetID,
			"externalId": item.ExternalID,
			"fileName":   item.FileName,
			"group":      item.Group,
			"period":     item.Period,
			"status":     string(item.Status),
		}
		if item.LocalPath != "" {
			entry["localPath"] = item.LocalPath
		}
		if item.Error != "" {
			entry["error"] = item.Error
		}
		items = append(items, entry)
	}

	return dispatchResult{
		summary: res.Summary(),
		result: map[string]any{
			"newItemCount": res.NewItemCount,
			"failedCount":  res.FailedCount,
			"items":        items,
		},
		status: status,
	}, nil
}

// scheduleRetry registers a delayed re-run. A scheduling error is logged;
// the caller still returns the original failure.
func (r *Runner) scheduleRetry(ctx context.Context, code string) {
	if r.retries == nil {
		log.Printf("runner: code=%s no retry scheduler configured", code)
		return
	}
	if err := r.retries.ScheduleRetry(ctx, code, r.cfg.SourceRetryDelay); err != nil {
		log.Printf("runner: code=%s schedule retry failed: %v", code, err)
	}
}

// finalize writes the terminal execution state and the automation status.
// Both writes are attempted; the first error is returned.
func (r *Runner) finalize(ctx context.Context, code string, execID int64, status domain.ExecutionStatus, logs string, result map[string]any, severity domain.Severity, summary string, at time.Time) error {
	var firstErr error
	if err := r.store.FinishExecution(ctx, execID, status, logs, result, at); err != nil {
		log.Printf("runner: code=%s execution=%d finalize failed: %v", code, execID, err)
		firstErr = fmt.Errorf("finalize execution %d: %w", execID, err)
	}
	if err := r.store.UpdateAutomationStatus(ctx, code, severity, summary, at); err != nil {
		log.Printf("runner: code=%s update status failed: %v", code, err)
		if firstErr == nil {
			firstErr = fmt.Errorf("update automation %q: %w", code, err)
		}
	}
	return firstErr
}

func (r *Runner) record(ctx context.Context, code string, status domain.ExecutionStatus, severity domain.Severity, d time.Duration, at time.Time) {
	if r.metrics != nil {
		r.metrics.ExecutionFinished(code, string(status), string(severity), d)
	}
	if r.analytics != nil {
		if err := r.analytics.RecordRun(ctx, code, string(status), at); err != nil {
			log.Printf("runner: code=%s analytics write failed: %v", code, err)
		}
	}
}
