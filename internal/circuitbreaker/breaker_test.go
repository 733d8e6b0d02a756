package circuitbreaker

import (
	"testing"
	"time"

	"github.com/djlord-it/opsflow/internal/testutil"
)

const hook = "http://n8n.local/webhook/caption-generation"

func newWithClock(threshold int, cooldown time.Duration) (*CircuitBreaker, *testutil.FakeClock) {
	clock := testutil.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	cb := New(threshold, cooldown)
	cb.clock = clock.Now
	return cb, clock
}

func TestAllow_UnknownEndpoint_Allowed(t *testing.T) {
	cb := New(3, 5*time.Second)
	if err := cb.Allow(hook); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if cb.State(hook) != "closed" {
		t.Fatalf("state = %s, want closed", cb.State(hook))
	}
}

func TestAllow_BelowThreshold_Allowed(t *testing.T) {
	cb := New(3, 5*time.Second)
	cb.RecordFailure(hook)
	cb.RecordFailure(hook)
	if err := cb.Allow(hook); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestAllow_AtThreshold_Open(t *testing.T) {
	cb := New(3, 5*time.Second)
	cb.RecordFailure(hook)
	cb.RecordFailure(hook)
	cb.RecordFailure(hook)
	if err := cb.Allow(hook); err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if cb.State(hook) != "open" {
		t.Fatalf("state = %s, want open", cb.State(hook))
	}
}

func TestAllow_OpenAfterCooldown_HalfOpen(t *testing.T) {
	cb, clock := newWithClock(3, time.Minute)
	cb.RecordFailure(hook)
	cb.RecordFailure(hook)
	cb.RecordFailure(hook)

	clock.Advance(time.Minute)
	if err := cb.Allow(hook); err != nil {
		t.Fatalf("expected nil (probe allowed), got %v", err)
	}
	if err := cb.Allow(hook); err != ErrCircuitOpen {
		t.Fatal("expected ErrCircuitOpen while half-open probe in flight")
	}
}

func TestHalfOpen_ProbeFailureReopens(t *testing.T) {
	cb, clock := newWithClock(3, time.Minute)
	for i := 0; i < 3; i++ {
		cb.RecordFailure(hook)
	}
	clock.Advance(time.Minute)
	_ = cb.Allow(hook)

	cb.RecordFailure(hook)
	if cb.State(hook) != "open" {
		t.Fatalf("state = %s, want open", cb.State(hook))
	}
	if err := cb.Allow(hook); err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen right after reopening, got %v", err)
	}
}

func TestRecordSuccess_Closes(t *testing.T) {
	cb, clock := newWithClock(2, time.Minute)
	cb.RecordFailure(hook)
	cb.RecordFailure(hook)
	clock.Advance(time.Minute)
	_ = cb.Allow(hook)

	cb.RecordSuccess(hook)
	if err := cb.Allow(hook); err != nil {
		t.Fatalf("expected closed circuit, got %v", err)
	}
	cb.RecordFailure(hook)
	if err := cb.Allow(hook); err != nil {
		t.Fatalf("single failure after success should not open, got %v", err)
	}
}

func TestDisabled_ZeroThreshold(t *testing.T) {
	cb := New(0, time.Minute)
	for i := 0; i < 10; i++ {
		cb.RecordFailure(hook)
	}
	if err := cb.Allow(hook); err != nil {
		t.Fatalf("disabled breaker should allow, got %v", err)
	}
}

func TestEndpointsIndependent(t *testing.T) {
	cb := New(1, time.Minute)
	cb.RecordFailure(hook)
	if err := cb.Allow("http://n8n.local/webhook/other"); err != nil {
		t.Fatalf("other endpoint should be allowed, got %v", err)
	}
}
