// Package testutil provides shared test helpers for opsflow.
package testutil

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// FakeClock provides deterministic time for testing.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
}

// NewFakeClock creates a FakeClock set to the given time.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{current: t}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// TestContext returns a context with a 5-second timeout.
// The context is cancelled when the test completes.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// MustParseUUID parses a UUID string and panics on error.
// Only for use in tests.
func MustParseUUID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		panic("testutil.MustParseUUID: " + err.Error())
	}
	return id
}

// HookRequest is one request captured by a HookServer.
type HookRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   string
}

// HookServer is an httptest server standing in for the workflow engine.
// Responses are chosen per path; unknown paths answer 200 with {"ok":true}.
type HookServer struct {
	*httptest.Server

	mu        sync.Mutex
	requests  []HookRequest
	responses map[string]HookResponse
}

// HookResponse is a canned reply for one path.
type HookResponse struct {
	Status      int
	ContentType string
	Body        string
}

// NewHookServer starts a HookServer that is closed when the test completes.
func NewHookServer(t *testing.T) *HookServer {
	t.Helper()
	h := &HookServer{responses: make(map[string]HookResponse)}
	h.Server = httptest.NewServer(http.HandlerFunc(h.serve))
	t.Cleanup(h.Close)
	return h
}

// Respond sets the reply for path.
func (h *HookServer) Respond(path string, resp HookResponse) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.responses[path] = resp
}

// Requests returns a copy of the captured requests.
func (h *HookServer) Requests() []HookRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HookRequest, len(h.requests))
	copy(out, h.requests)
	return out
}

// Paths returns the request paths in arrival order.
func (h *HookServer) Paths() []string {
	reqs := h.Requests()
	paths := make([]string, len(reqs))
	for i, r := range reqs {
		paths[i] = r.Path
	}
	return paths
}

func (h *HookServer) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	h.mu.Lock()
	h.requests = append(h.requests, HookRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Header: r.Header.Clone(),
		Body:   string(body),
	})
	resp, ok := h.responses[r.URL.Path]
	h.mu.Unlock()

	if !ok {
		resp = HookResponse{Status: http.StatusOK, ContentType: "application/json", Body: `{"ok":true}`}
	}
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.WriteHeader(resp.Status)
	_, _ = io.WriteString(w, resp.Body)
}
