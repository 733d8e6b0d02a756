// Package retry provides delayed re-invocation of automations after
// transient failures, and the bounded retry helper used for remote calls.
//
// Two schedulers are available. TimerScheduler keeps one-shot timers in
// process memory and loses them on restart. RedisScheduler stores the
// delayed job in a Redis sorted set and survives restarts; it is preferred
// whenever Redis is configured.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SourceRetry is the execution source recorded for retried runs.
const SourceRetry = "retry"

var ErrInvalidDelay = errors.New("retry delay must be positive")

// ErrNotBound is returned when a retry is scheduled before an Invoker is bound.
var ErrNotBound = errors.New("retry scheduler has no invoker")

// Scheduler registers a one-shot delayed re-run of an automation.
type Scheduler interface {
	ScheduleRetry(ctx context.Context, code string, delay time.Duration) error
}

// Invoker re-runs an automation without cascading to its dependents.
type Invoker interface {
	Retry(ctx context.Context, code string) error
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, code string) error

func (f InvokerFunc) Retry(ctx context.Context, code string) error {
	return f(ctx, code)
}

// MetricsSink records retry metrics. Implementations must not block.
type MetricsSink interface {
	RetryScheduled(code string)
	RetryFired(code string, err error)
}

func validateDelay(delay time.Duration) error {
	if delay <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidDelay, delay)
	}
	return nil
}

// roundedSeconds is the delay as logged: whole seconds, at least 1.
func roundedSeconds(delay time.Duration) int64 {
	s := int64(delay.Round(time.Second) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
