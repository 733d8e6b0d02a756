// Package channel is the in-process event bus between automation runs and
// the side-channel consumers.
package channel

import (
	"context"
	"errors"
	"time"

	"github.com/djlord-it/opsflow/internal/domain"
)

// DefaultEmitTimeout is how long Emit waits for buffer space before
// dropping the event.
const DefaultEmitTimeout = 100 * time.Millisecond

var ErrBufferFull = errors.New("event bus buffer full")

// MetricsSink records bus saturation. Implementations must not block.
type MetricsSink interface {
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	BufferSaturationUpdate(saturation float64)
	EmitError()
}

type Option func(*EventBus)

func WithEmitTimeout(d time.Duration) Option {
	return func(b *EventBus) { b.emitTimeout = d }
}

func WithMetrics(m MetricsSink) Option {
	return func(b *EventBus) { b.metrics = m }
}

type EventBus struct {
	ch          chan domain.Event
	emitTimeout time.Duration
	metrics     MetricsSink
}

func NewEventBus(buffer int, opts ...Option) *EventBus {
	b := &EventBus{
		ch:          make(chan domain.Event, buffer),
		emitTimeout: DefaultEmitTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics != nil {
		b.metrics.BufferCapacitySet(cap(b.ch))
	}
	return b
}

// Emit enqueues event, waiting at most the emit timeout for space.
// Returns ErrBufferFull when the event was dropped.
func (b *EventBus) Emit(ctx context.Context, event domain.Event) error {
	select {
	case b.ch <- event:
		b.recordSize()
		return nil
	default:
	}

	if b.emitTimeout <= 0 {
		b.recordError()
		return ErrBufferFull
	}

	timer := time.NewTimer(b.emitTimeout)
	defer timer.Stop()

	select {
	case b.ch <- event:
		b.recordSize()
		return nil
	case <-ctx.Done():
		b.recordError()
		return ctx.Err()
	case <-timer.C:
		b.recordError()
		return ErrBufferFull
	}
}

func (b *EventBus) Channel() <-chan domain.Event {
	return b.ch
}

// Close stops accepting events; consumers drain what is buffered.
// Emit must not be called after Close.
func (b *EventBus) Close() {
	close(b.ch)
}

func (b *EventBus) recordSize() {
	if b.metrics == nil {
		return
	}
	size := len(b.ch)
	b.metrics.BufferSizeUpdate(size)
	if c := cap(b.ch); c > 0 {
		b.metrics.BufferSaturationUpdate(float64(size) / float64(c))
	}
}

func (b *EventBus) recordError() {
	if b.metrics != nil {
		b.metrics.EmitError()
	}
}
