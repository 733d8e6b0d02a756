package sidechannel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/djlord-it/opsflow/internal/domain"
)

const defaultTimeout = 10 * time.Second

// postJSON sends body to url and treats any non-2xx answer as an error.
func postJSON(ctx context.Context, client *http.Client, url string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s responded with status %d", url, resp.StatusCode)
	}
	return nil
}

// HTTPCaptioner asks the captioning service to caption an ingested asset.
type HTTPCaptioner struct {
	url    string
	client *http.Client
}

func NewHTTPCaptioner(url string) *HTTPCaptioner {
	return &HTTPCaptioner{url: url, client: &http.Client{Timeout: defaultTimeout}}
}

func (c *HTTPCaptioner) CaptionFor(ctx context.Context, assetID int64) error {
	return postJSON(ctx, c.client, c.url, map[string]any{"assetId": assetID})
}

type notification struct {
	Kind       string    `json:"kind"`
	Automation string    `json:"automation"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	OccurredAt time.Time `json:"occurredAt"`
}

// HTTPNotifier posts notifications to a webhook.
type HTTPNotifier struct {
	url    string
	client *http.Client
}

func NewHTTPNotifier(url string) *HTTPNotifier {
	return &HTTPNotifier{url: url, client: &http.Client{Timeout: defaultTimeout}}
}

func (n *HTTPNotifier) Notify(ctx context.Context, event domain.Event) error {
	return postJSON(ctx, n.client, n.url, notification{
		Kind:       string(event.Kind),
		Automation: event.AutomationCode,
		Title:      event.Title,
		Body:       event.Body,
		OccurredAt: event.OccurredAt,
	})
}

// LogCaptioner is used when no captioning service is configured.
type LogCaptioner struct{}

func (LogCaptioner) CaptionFor(ctx context.Context, assetID int64) error {
	log.Printf("sidechannel: caption requested asset=%d (no captioner configured)", assetID)
	return nil
}

// LogNotifier is used when no notification hook is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, event domain.Event) error {
	log.Printf("sidechannel: notification automation=%s title=%q body=%q", event.AutomationCode, event.Title, event.Body)
	return nil
}
