package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/djlord-it/opsflow/internal/blueprint"
	"github.com/djlord-it/opsflow/internal/cascade"
	"github.com/djlord-it/opsflow/internal/cron"
	"github.com/djlord-it/opsflow/internal/failure"
)

// mockTrigger records run requests.
type mockTrigger struct {
	mu       sync.Mutex
	requests []cascade.RunRequest
	err      error
}

func (m *mockTrigger) Run(ctx context.Context, req cascade.RunRequest) (cascade.RunResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	return cascade.RunResult{}, m.err
}

func (m *mockTrigger) runs() []cascade.RunRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]cascade.RunRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

type mockMetricsSink struct {
	mu                sync.Mutex
	tickStartedCalls  int
	tickCompletedArgs []int
}

func (m *mockMetricsSink) TickStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickStartedCalls++
}

func (m *mockMetricsSink) TickCompleted(d time.Duration, triggered int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickCompletedArgs = append(m.tickCompletedArgs, triggered)
}

func boolPtr(b bool) *bool { return &b }

func newScheduler(t *testing.T, entries []Entry, trig Trigger) *Scheduler {
	t.Helper()
	s, err := New(Config{TickInterval: time.Minute}, entries, blueprint.Default(), cron.NewParser(), trig)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestScheduler_FiresDueEntry(t *testing.T) {
	trig := &mockTrigger{}
	s := newScheduler(t, []Entry{
		{Code: blueprint.CodeDropboxSync, Cron: "0 * * * *"},
		{Code: blueprint.CodePerformanceReport, Cron: "0 8 * * 1", Cascade: boolPtr(false)},
	}, trig)

	fireTime := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) // a Monday
	s.lastTick = fireTime.Add(-time.Minute)
	s.clock = func() time.Time { return fireTime.Add(30 * time.Second) }

	if n := s.processTick(context.Background()); n != 1 {
		t.Fatalf("triggered = %d, want 1", n)
	}
	s.wait()

	runs := trig.runs()
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	if runs[0].Code != blueprint.CodeDropboxSync || runs[0].Source != SourceSchedule || !runs[0].Cascade {
		t.Errorf("unexpected run request: %+v", runs[0])
	}
}

func TestScheduler_MissedFiringsCollapse(t *testing.T) {
	trig := &mockTrigger{}
	s := newScheduler(t, []Entry{{Code: blueprint.CodeDropboxSync, Cron: "*/5 * * * *"}}, trig)

	start := time.Date(2026, 3, 2, 10, 0, 30, 0, time.UTC)
	s.lastTick = start
	s.clock = func() time.Time { return start.Add(3 * time.Hour) }

	s.processTick(context.Background())
	s.wait()

	if got := len(trig.runs()); got != 1 {
		t.Errorf("expected missed firings to collapse into 1 run, got %d", got)
	}
}

func TestScheduler_NotDueAcrossTicks(t *testing.T) {
	trig := &mockTrigger{}
	s := newScheduler(t, []Entry{{Code: blueprint.CodeDropboxSync, Cron: "0 * * * *"}}, trig)

	now := time.Date(2026, 3, 2, 10, 0, 30, 0, time.UTC)
	s.lastTick = now.Add(-time.Minute)
	s.clock = func() time.Time { return now }
	s.processTick(context.Background())

	// Same hour, later tick: nothing new is due.
	now = now.Add(20 * time.Minute)
	s.processTick(context.Background())
	s.wait()

	if got := len(trig.runs()); got != 1 {
		t.Errorf("expected 1 run across ticks, got %d", got)
	}
}

func TestScheduler_PayloadAndCascadeFlag(t *testing.T) {
	trig := &mockTrigger{}
	s := newScheduler(t, []Entry{{
		Code:    blueprint.CodePerformanceReport,
		Cron:    "@hourly",
		Cascade: boolPtr(false),
		Payload: map[string]any{"period": "weekly"},
	}}, trig)

	now := time.Date(2026, 3, 2, 10, 0, 5, 0, time.UTC)
	s.lastTick = now.Add(-time.Minute)
	s.clock = func() time.Time { return now }
	s.processTick(context.Background())
	s.wait()

	runs := trig.runs()
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	if runs[0].Cascade {
		t.Error("cascade should be disabled")
	}
	if string(runs[0].Payload) != `{"period":"weekly"}` {
		t.Errorf("payload = %s", runs[0].Payload)
	}
}

func TestScheduler_TriggerErrorDoesNotStopTick(t *testing.T) {
	trig := &mockTrigger{err: failure.Conflict(blueprint.CodeDropboxSync, errors.New("locked"))}
	metrics := &mockMetricsSink{}
	s := newScheduler(t, []Entry{
		{Code: blueprint.CodeDropboxSync, Cron: "* * * * *"},
		{Code: blueprint.CodeClientInsights, Cron: "* * * * *"},
	}, trig).WithMetrics(metrics)

	now := time.Date(2026, 3, 2, 10, 0, 5, 0, time.UTC)
	s.lastTick = now.Add(-time.Minute)
	s.clock = func() time.Time { return now }
	s.processTick(context.Background())
	s.wait()

	if got := len(trig.runs()); got != 2 {
		t.Errorf("expected 2 runs, got %d", got)
	}
	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if metrics.tickStartedCalls != 1 {
		t.Errorf("TickStarted should be called once, got %d", metrics.tickStartedCalls)
	}
	if len(metrics.tickCompletedArgs) != 1 || metrics.tickCompletedArgs[0] != 2 {
		t.Errorf("TickCompleted args = %v, want [2]", metrics.tickCompletedArgs)
	}
}

func TestNew_RejectsInvalidEntries(t *testing.T) {
	_, err := New(Config{}, []Entry{
		{Code: "nope", Cron: "* * * * *"},
		{Code: blueprint.CodeDropboxSync, Cron: "61 * * * *"},
		{Code: blueprint.CodeClientInsights, Cron: "0 * * * *", Timezone: "Mars/Olympus"},
	}, blueprint.Default(), cron.NewParser(), &mockTrigger{})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"nope", blueprint.CodeDropboxSync, blueprint.CodeClientInsights} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	s := newScheduler(t, nil, &mockTrigger{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestDecode(t *testing.T) {
	const doc = `
schedules:
  - code: dropbox-sync
    cron: "*/30 * * * *"
    timezone: Europe/Paris
  - code: performance-report
    cron: "0 8 * * 1"
    cascade: false
    payload:
      period: weekly
`
	entries, err := Decode(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if !entries[0].CascadeEnabled() {
		t.Error("cascade should default to true")
	}
	if entries[1].CascadeEnabled() {
		t.Error("cascade: false not honoured")
	}
	if entries[0].Timezone != "Europe/Paris" {
		t.Errorf("timezone = %q", entries[0].Timezone)
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown field", "schedules:\n  - code: a\n    cron: '* * * * *'\n    when: now\n"},
		{"missing code", "schedules:\n  - cron: '* * * * *'\n"},
		{"missing cron", "schedules:\n  - code: a\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(strings.NewReader(tt.doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestDecode_Empty(t *testing.T) {
	entries, err := Decode(strings.NewReader(""))
	if err != nil || len(entries) != 0 {
		t.Errorf("Decode(empty) = %v, %v", entries, err)
	}
}
