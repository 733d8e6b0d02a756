package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"
)

// maxResponseBody caps how much of a webhook response is kept.
const maxResponseBody = 1 << 20

const defaultTimeout = 30 * time.Second

type WebhookRequest struct {
	URL      string
	Username string
	Password string
	Timeout  time.Duration

	// Payload is sent verbatim; nil sends an empty body.
	Payload json.RawMessage

	AutomationCode string
	RunID          string
	ExecutionID    string
}

type WebhookResult struct {
	StatusCode int
	// Body is the decoded JSON value for application/json responses, the
	// raw text otherwise, and nil for an empty body.
	Body     any
	Error    error
	Duration time.Duration
}

func (r WebhookResult) IsSuccess() bool {
	return r.Error == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

type HTTPWebhookSender struct {
	client *http.Client
}

func NewHTTPWebhookSender() *HTTPWebhookSender {
	return &HTTPWebhookSender{
		client: &http.Client{},
	}
}

// Send posts the payload once.
// Headers: X-Opsflow-Automation, X-Opsflow-Run-ID, X-Opsflow-Execution-ID
func (s *HTTPWebhookSender) Send(ctx context.Context, req WebhookRequest) WebhookResult {
	start := time.Now()

	timeout := req.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader = http.NoBody
	if len(req.Payload) > 0 {
		body = bytes.NewReader(req.Payload)
	}

	httpReq, err := http.NewRequestWithContext(ctxTimeout, http.MethodPost, req.URL, body)
	if err != nil {
		return WebhookResult{Error: fmt.Errorf("create request: %w", err), Duration: time.Since(start)}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if req.Username != "" || req.Password != "" {
		httpReq.SetBasicAuth(req.Username, req.Password)
	}
	if req.AutomationCode != "" {
		httpReq.Header.Set("X-Opsflow-Automation", req.AutomationCode)
	}
	if req.RunID != "" {
		httpReq.Header.Set("X-Opsflow-Run-ID", req.RunID)
	}
	if req.ExecutionID != "" {
		httpReq.Header.Set("X-Opsflow-Execution-ID", req.ExecutionID)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return WebhookResult{Error: fmt.Errorf("send: %w", err), Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return WebhookResult{StatusCode: resp.StatusCode, Error: fmt.Errorf("read response: %w", err), Duration: time.Since(start)}
	}

	return WebhookResult{
		StatusCode: resp.StatusCode,
		Body:       decodeBody(resp.Header.Get("Content-Type"), raw),
		Duration:   time.Since(start),
	}
}

// decodeBody parses JSON responses and keeps anything else as text.
// Malformed JSON falls back to text so the caller still sees what came back.
func decodeBody(contentType string, raw []byte) any {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == "application/json" {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}
