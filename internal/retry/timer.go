package retry

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TimerScheduler fires retries from in-process timers. Pending retries are
// lost when the process exits.
type TimerScheduler struct {
	mu        sync.Mutex
	invoker   Invoker
	metrics   MetricsSink // optional, nil = disabled
	pending   map[uuid.UUID]stopper
	afterFunc func(d time.Duration, f func()) stopper
	stopped   bool
}

type stopper interface {
	Stop() bool
}

func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{
		pending: make(map[uuid.UUID]stopper),
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}
}

// Bind sets the invoker used when a timer fires. The scheduler is created
// before the controller it calls back into, so binding happens after wiring.
func (s *TimerScheduler) Bind(inv Invoker) *TimerScheduler {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoker = inv
	return s
}

// WithMetrics attaches a metrics sink to the scheduler.
func (s *TimerScheduler) WithMetrics(sink MetricsSink) *TimerScheduler {
	s.metrics = sink
	return s
}

func (s *TimerScheduler) ScheduleRetry(ctx context.Context, code string, delay time.Duration) error {
	if err := validateDelay(delay); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.invoker == nil {
		return ErrNotBound
	}
	if s.stopped {
		log.Printf("retry: code=%s dropped, scheduler stopped", code)
		return nil
	}

	id := uuid.New()
	inv := s.invoker
	s.pending[id] = s.afterFunc(delay, func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		fire(inv, s.metrics, code)
	})

	if s.metrics != nil {
		s.metrics.RetryScheduled(code)
	}
	log.Printf("retry: code=%s scheduled in %ds (in-memory)", code, roundedSeconds(delay))
	return nil
}

// Pending returns the number of timers that have not fired yet.
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop cancels all pending timers. Retries scheduled afterwards are dropped.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for id, t := range s.pending {
		t.Stop()
		delete(s.pending, id)
	}
}

// fire runs one retry. Failures are logged and never propagated.
func fire(inv Invoker, metrics MetricsSink, code string) {
	log.Printf("retry: code=%s firing", code)
	err := inv.Retry(context.Background(), code)
	if metrics != nil {
		metrics.RetryFired(code, err)
	}
	if err != nil {
		log.Printf("retry: code=%s failed: %v", code, err)
		return
	}
	log.Printf("retry: code=%s succeeded", code)
}
