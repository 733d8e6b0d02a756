package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manualTimer captures AfterFunc callbacks so tests can fire them on demand.
type manualTimer struct {
	delay   time.Duration
	f       func()
	stopped bool
}

func (m *manualTimer) Stop() bool {
	m.stopped = true
	return true
}

type recordingInvoker struct {
	mu    sync.Mutex
	codes []string
	err   error
}

func (r *recordingInvoker) Retry(ctx context.Context, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes = append(r.codes, code)
	return r.err
}

type recordingMetrics struct {
	scheduled []string
	fired     []error
}

func (m *recordingMetrics) RetryScheduled(code string)        { m.scheduled = append(m.scheduled, code) }
func (m *recordingMetrics) RetryFired(code string, err error) { m.fired = append(m.fired, err) }

func newManualScheduler() (*TimerScheduler, *[]*manualTimer) {
	var timers []*manualTimer
	s := NewTimerScheduler()
	s.afterFunc = func(d time.Duration, f func()) stopper {
		t := &manualTimer{delay: d, f: f}
		timers = append(timers, t)
		return t
	}
	return s, &timers
}

func TestTimerScheduler_FiresInvoker(t *testing.T) {
	s, timers := newManualScheduler()
	inv := &recordingInvoker{}
	metrics := &recordingMetrics{}
	s.Bind(inv).WithMetrics(metrics)

	require.NoError(t, s.ScheduleRetry(context.Background(), "dropbox-sync", 15*time.Minute))
	require.Len(t, *timers, 1)
	assert.Equal(t, 15*time.Minute, (*timers)[0].delay)
	assert.Equal(t, 1, s.Pending())

	(*timers)[0].f()

	assert.Equal(t, []string{"dropbox-sync"}, inv.codes)
	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, []string{"dropbox-sync"}, metrics.scheduled)
	assert.Equal(t, []error{nil}, metrics.fired)
}

func TestTimerScheduler_SwallowsInvokerFailure(t *testing.T) {
	s, timers := newManualScheduler()
	inv := &recordingInvoker{err: errors.New("still unavailable")}
	s.Bind(inv)

	require.NoError(t, s.ScheduleRetry(context.Background(), "dropbox-sync", time.Second))

	assert.NotPanics(t, func() { (*timers)[0].f() })
	assert.Len(t, inv.codes, 1)
}

func TestTimerScheduler_RejectsInvalidDelay(t *testing.T) {
	s, timers := newManualScheduler()
	s.Bind(&recordingInvoker{})

	for _, d := range []time.Duration{0, -time.Second} {
		err := s.ScheduleRetry(context.Background(), "x", d)
		assert.ErrorIs(t, err, ErrInvalidDelay)
	}
	assert.Empty(t, *timers)
}

func TestTimerScheduler_RequiresInvoker(t *testing.T) {
	s, _ := newManualScheduler()
	err := s.ScheduleRetry(context.Background(), "x", time.Second)
	assert.ErrorIs(t, err, ErrNotBound)
}

func TestTimerScheduler_StopCancelsPending(t *testing.T) {
	s, timers := newManualScheduler()
	s.Bind(&recordingInvoker{})

	require.NoError(t, s.ScheduleRetry(context.Background(), "a", time.Minute))
	require.NoError(t, s.ScheduleRetry(context.Background(), "b", time.Minute))
	s.Stop()

	assert.Equal(t, 0, s.Pending())
	for _, tm := range *timers {
		assert.True(t, tm.stopped)
	}

	require.NoError(t, s.ScheduleRetry(context.Background(), "c", time.Minute))
	assert.Len(t, *timers, 2, "no timer registered after Stop")
}

func TestTimerScheduler_RealTimer(t *testing.T) {
	s := NewTimerScheduler()
	done := make(chan string, 1)
	s.Bind(InvokerFunc(func(ctx context.Context, code string) error {
		done <- code
		return nil
	}))

	require.NoError(t, s.ScheduleRetry(context.Background(), "dropbox-sync", 10*time.Millisecond))

	select {
	case code := <-done:
		assert.Equal(t, "dropbox-sync", code)
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not fire")
	}
}

func TestRoundedSeconds(t *testing.T) {
	assert.Equal(t, int64(1), roundedSeconds(10*time.Millisecond))
	assert.Equal(t, int64(2), roundedSeconds(1600*time.Millisecond))
	assert.Equal(t, int64(900), roundedSeconds(15*time.Minute))
}
