package dispatcher

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPWebhookSender_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, `{"ok":true}`)
	}))
	defer server.Close()

	sender := NewHTTPWebhookSender()
	result := sender.Send(context.Background(), WebhookRequest{
		URL:     server.URL,
		Timeout: 5 * time.Second,
	})

	if result.Error != nil {
		t.Fatalf("unexpected error: %v", result.Error)
	}
	if result.StatusCode != 200 {
		t.Errorf("expected status 200, got %d", result.StatusCode)
	}
	if result.Duration <= 0 {
		t.Error("duration should be positive")
	}
	body, ok := result.Body.(map[string]any)
	if !ok || body["ok"] != true {
		t.Errorf("Body = %#v, want map with ok=true", result.Body)
	}
}

func TestHTTPWebhookSender_RequestHeaders(t *testing.T) {
	var gotHeaders http.Header
	var gotMethod string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header
		gotMethod = r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender := NewHTTPWebhookSender()
	sender.Send(context.Background(), WebhookRequest{
		URL:            server.URL,
		Username:       "n8n",
		Password:       "s3cret",
		Timeout:        5 * time.Second,
		AutomationCode: "caption-generation",
		RunID:          "run-1",
		ExecutionID:    "42",
	})

	if gotMethod != http.MethodPost {
		t.Errorf("expected POST, got %s", gotMethod)
	}
	if ct := gotHeaders.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("n8n:s3cret"))
	if auth := gotHeaders.Get("Authorization"); auth != wantAuth {
		t.Errorf("Authorization = %q, want %q", auth, wantAuth)
	}
	if v := gotHeaders.Get("X-Opsflow-Automation"); v != "caption-generation" {
		t.Errorf("X-Opsflow-Automation = %q", v)
	}
	if v := gotHeaders.Get("X-Opsflow-Run-ID"); v != "run-1" {
		t.Errorf("X-Opsflow-Run-ID = %q", v)
	}
	if v := gotHeaders.Get("X-Opsflow-Execution-ID"); v != "42" {
		t.Errorf("X-Opsflow-Execution-ID = %q", v)
	}
}

func TestHTTPWebhookSender_NoAuthWithoutCredentials(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	result := NewHTTPWebhookSender().Send(context.Background(), WebhookRequest{URL: server.URL})

	if gotAuth != "" {
		t.Errorf("Authorization should be absent, got %q", gotAuth)
	}
	if !result.IsSuccess() {
		t.Errorf("204 should be success, got %+v", result)
	}
	if result.Body != nil {
		t.Errorf("empty body should decode to nil, got %#v", result.Body)
	}
}

func TestHTTPWebhookSender_PayloadBody(t *testing.T) {
	var gotBody []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender := NewHTTPWebhookSender()
	sender.Send(context.Background(), WebhookRequest{
		URL:     server.URL,
		Payload: []byte(`{"client":"acme"}`),
	})

	if string(gotBody) != `{"client":"acme"}` {
		t.Errorf("body = %q, want payload verbatim", gotBody)
	}
}

func TestHTTPWebhookSender_EmptyPayload(t *testing.T) {
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	NewHTTPWebhookSender().Send(context.Background(), WebhookRequest{URL: server.URL})

	if len(gotBody) != 0 {
		t.Errorf("expected empty body, got %q", gotBody)
	}
}

func TestHTTPWebhookSender_TextResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, "workflow crashed")
	}))
	defer server.Close()

	result := NewHTTPWebhookSender().Send(context.Background(), WebhookRequest{URL: server.URL})

	if result.StatusCode != 500 {
		t.Errorf("status = %d, want 500", result.StatusCode)
	}
	if result.Body != "workflow crashed" {
		t.Errorf("Body = %#v, want text", result.Body)
	}
	if result.IsSuccess() {
		t.Error("500 should not be success")
	}
}

func TestHTTPWebhookSender_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	result := NewHTTPWebhookSender().Send(context.Background(), WebhookRequest{
		URL:     server.URL,
		Timeout: 50 * time.Millisecond,
	})

	if result.Error == nil {
		t.Fatal("expected timeout error")
	}
	if result.StatusCode != 0 {
		t.Errorf("status = %d, want 0", result.StatusCode)
	}
}

func TestDecodeBody(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		raw         string
		want        any
	}{
		{"empty", "application/json", "", nil},
		{"whitespace", "text/plain", "  \n", nil},
		{"json", "application/json", `{"a":1}`, map[string]any{"a": float64(1)}},
		{"json array", "application/json; charset=utf-8", `[1]`, []any{float64(1)}},
		{"malformed json", "application/json", `{"a":`, `{"a":`},
		{"text", "text/html", "<p>hi</p>", "<p>hi</p>"},
		{"json without header", "", `{"a":1}`, `{"a":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := decodeBody(tt.contentType, []byte(tt.raw))
			if !equalJSONValue(got, tt.want) {
				t.Errorf("decodeBody = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func equalJSONValue(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k := range av {
			if !equalJSONValue(av[k], bv[k]) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equalJSONValue(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
