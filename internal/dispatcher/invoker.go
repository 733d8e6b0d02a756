// Package dispatcher invokes automation nodes that are implemented as
// workflow-engine webhooks.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/djlord-it/opsflow/internal/circuitbreaker"
	"github.com/djlord-it/opsflow/internal/failure"
	"github.com/djlord-it/opsflow/internal/metrics"
)

type WebhookSender interface {
	Send(ctx context.Context, req WebhookRequest) WebhookResult
}

// Breaker guards endpoints that keep failing.
type Breaker interface {
	Allow(endpoint string) error
	RecordSuccess(endpoint string)
	RecordFailure(endpoint string)
}

// MetricsSink defines the interface for recording webhook metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	WebhookCompleted(code string, statusClass string, duration time.Duration)
}

type Config struct {
	// BaseURL of the workflow engine, e.g. https://n8n.example.com.
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
}

// Call describes one webhook invocation.
type Call struct {
	Code             string
	EndpointURL      string // absolute override from the automation record
	EndpointTemplate string
	Payload          json.RawMessage
	RunID            string
	ExecutionID      string
}

// Response is a successful invocation.
type Response struct {
	URL        string
	StatusCode int
	Body       any
	Duration   time.Duration
}

// Summary is the human-readable outcome stored on the automation record.
func (r Response) Summary() string {
	return fmt.Sprintf("Webhook executed in %dms", r.Duration.Milliseconds())
}

// Result is the structured payload stored on the execution record.
func (r Response) Result() map[string]any {
	return map[string]any{
		"url":          r.URL,
		"statusCode":   r.StatusCode,
		"durationMs":   r.Duration.Milliseconds(),
		"responseBody": r.Body,
	}
}

type Invoker struct {
	cfg     Config
	sender  WebhookSender
	breaker Breaker     // optional, nil = disabled
	metrics MetricsSink // optional, nil = disabled
}

func NewInvoker(cfg Config, sender WebhookSender) *Invoker {
	return &Invoker{cfg: cfg, sender: sender}
}

// WithBreaker attaches a circuit breaker keyed by endpoint URL.
func (i *Invoker) WithBreaker(b Breaker) *Invoker {
	i.breaker = b
	return i
}

// WithMetrics attaches a metrics sink to the invoker.
func (i *Invoker) WithMetrics(sink MetricsSink) *Invoker {
	i.metrics = sink
	return i
}

// ResolveURL returns the absolute endpoint for a node: the record's own
// endpoint if it is absolute, otherwise the base URL joined with the
// template. ok is false when neither is available.
func (i *Invoker) ResolveURL(endpointURL, template string) (string, bool) {
	if u, err := url.Parse(strings.TrimSpace(endpointURL)); err == nil && u.IsAbs() && u.Host != "" {
		return u.String(), true
	}
	base := strings.TrimSpace(i.cfg.BaseURL)
	template = strings.TrimSpace(template)
	if base == "" || template == "" {
		return "", false
	}
	joined, err := url.JoinPath(base, strings.TrimPrefix(template, "/"))
	if err != nil {
		return "", false
	}
	return joined, true
}

// Invoke posts to the node's webhook once. Errors are *failure.Failure.
func (i *Invoker) Invoke(ctx context.Context, call Call) (Response, error) {
	target, ok := i.ResolveURL(call.EndpointURL, call.EndpointTemplate)
	if !ok {
		log.Printf("dispatcher: code=%s endpoint not configured", call.Code)
		return Response{}, failure.NotConfigured(fmt.Sprintf("webhook for %q is not configured (no base URL)", call.Code))
	}

	if i.breaker != nil {
		if err := i.breaker.Allow(target); err != nil {
			log.Printf("dispatcher: code=%s circuit open url=%s", call.Code, target)
			return Response{}, failure.Unavailable(fmt.Sprintf("webhook for %q is temporarily disabled after repeated failures", call.Code), err)
		}
	}

	result := i.sender.Send(ctx, WebhookRequest{
		URL:            target,
		Username:       i.cfg.Username,
		Password:       i.cfg.Password,
		Timeout:        i.cfg.Timeout,
		Payload:        call.Payload,
		AutomationCode: call.Code,
		RunID:          call.RunID,
		ExecutionID:    call.ExecutionID,
	})

	if i.metrics != nil {
		i.metrics.WebhookCompleted(call.Code, metrics.ClassifyStatus(result.StatusCode, result.Error), result.Duration)
	}
	i.recordBreaker(target, result)

	if result.Error != nil {
		log.Printf("dispatcher: code=%s unreachable url=%s status=%d err=%v", call.Code, target, result.StatusCode, result.Error)
		return Response{}, failure.Unavailable(fmt.Sprintf("webhook for %q is unreachable", call.Code), result.Error)
	}
	if !result.IsSuccess() {
		log.Printf("dispatcher: code=%s rejected status=%d", call.Code, result.StatusCode)
		return Response{}, failure.Rejected(result.StatusCode, result.Body)
	}

	log.Printf("dispatcher: code=%s delivered status=%d duration=%s", call.Code, result.StatusCode, result.Duration)
	return Response{
		URL:        target,
		StatusCode: result.StatusCode,
		Body:       result.Body,
		Duration:   result.Duration,
	}, nil
}

func (i *Invoker) recordBreaker(target string, result WebhookResult) {
	if i.breaker == nil {
		return
	}
	if result.Error != nil || result.StatusCode >= 500 {
		i.breaker.RecordFailure(target)
		return
	}
	i.breaker.RecordSuccess(target)
}

var _ Breaker = (*circuitbreaker.CircuitBreaker)(nil)
