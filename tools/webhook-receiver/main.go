// Command webhook-receiver is a local stand-in for the n8n workflow engine
// and the side-channel hooks. It answers every /webhook/<name> call with a
// JSON body and keeps the last calls for inspection.
//
//	ADDR        listen address (default :5678, n8n's port)
//	FAIL_PATHS  comma-separated webhook paths answered with 500
//	DELAY       artificial latency per webhook call, e.g. 2s
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

type call struct {
	Timestamp string `json:"timestamp"`
	Path      string `json:"path"`
	RunID     string `json:"run_id,omitempty"`
	Execution string `json:"execution_id,omitempty"`
	BasicAuth bool   `json:"basic_auth"`
	Body      string `json:"body"`
	Status    int    `json:"status"`
}

type stats struct {
	Count     int64          `json:"count"`
	PerPath   map[string]int `json:"per_path"`
	LastCalls []call         `json:"last_calls"`
	Since     string         `json:"since"`
}

type receiver struct {
	mu        sync.Mutex
	count     int64
	perPath   map[string]int
	lastCalls []call
	since     time.Time

	failPaths map[string]bool
	delay     time.Duration
}

const maxStored = 50

func main() {
	addr := ":5678"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}

	rc := &receiver{
		perPath:   make(map[string]int),
		since:     time.Now().UTC(),
		failPaths: make(map[string]bool),
	}
	for _, p := range strings.Split(os.Getenv("FAIL_PATHS"), ",") {
		if p = strings.TrimSpace(p); p != "" {
			rc.failPaths["/"+strings.TrimPrefix(p, "/")] = true
		}
	}
	if v := os.Getenv("DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Fatalf("webhook-receiver: invalid DELAY %q: %v", v, err)
		}
		rc.delay = d
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/", rc.webhook)
	mux.HandleFunc("/caption", rc.sideChannel)
	mux.HandleFunc("/notify", rc.sideChannel)
	mux.HandleFunc("/stats", rc.stats)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/reset", rc.reset)

	log.Printf("webhook-receiver: listening on %s (fail=%d paths, delay=%s)", addr, len(rc.failPaths), rc.delay)
	log.Fatal(http.ListenAndServe(addr, mux))
}

func (rc *receiver) record(r *http.Request, body []byte, status int) int64 {
	_, _, hasAuth := r.BasicAuth()
	c := call{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Path:      r.URL.Path,
		RunID:     r.Header.Get("X-Opsflow-Run-ID"),
		Execution: r.Header.Get("X-Opsflow-Execution-ID"),
		BasicAuth: hasAuth,
		Body:      string(body),
		Status:    status,
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.count++
	rc.perPath[c.Path]++
	rc.lastCalls = append(rc.lastCalls, c)
	if len(rc.lastCalls) > maxStored {
		rc.lastCalls = rc.lastCalls[len(rc.lastCalls)-maxStored:]
	}
	return rc.count
}

func (rc *receiver) webhook(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if rc.delay > 0 {
		time.Sleep(rc.delay)
	}

	status := http.StatusOK
	if rc.failPaths[r.URL.Path] {
		status = http.StatusInternalServerError
	}
	n := rc.record(r, body, status)
	log.Printf("webhook-receiver: #%d %s -> %d", n, r.URL.Path, status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if status != http.StatusOK {
		json.NewEncoder(w).Encode(map[string]any{"message": "Workflow execution failed"})
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"ok":       true,
		"workflow": strings.TrimPrefix(r.URL.Path, "/webhook/"),
		"received": n,
	})
}

func (rc *receiver) sideChannel(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	n := rc.record(r, body, http.StatusAccepted)
	log.Printf("webhook-receiver: #%d %s %s", n, r.URL.Path, string(body))
	w.WriteHeader(http.StatusAccepted)
}

func (rc *receiver) stats(w http.ResponseWriter, _ *http.Request) {
	rc.mu.Lock()
	s := stats{
		Count:     rc.count,
		PerPath:   make(map[string]int, len(rc.perPath)),
		LastCalls: append([]call(nil), rc.lastCalls...),
		Since:     rc.since.Format(time.RFC3339),
	}
	for k, v := range rc.perPath {
		s.PerPath[k] = v
	}
	rc.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}

func (rc *receiver) reset(w http.ResponseWriter, _ *http.Request) {
	rc.mu.Lock()
	rc.count = 0
	rc.perPath = make(map[string]int)
	rc.lastCalls = nil
	rc.since = time.Now().UTC()
	rc.mu.Unlock()
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "reset")
}
