// Package sidechannel consumes events emitted during source sync and
// forwards them to the captioning service and the notification hook.
// Delivery is best-effort: failures are logged and counted, never returned
// to the automation that emitted the event.
package sidechannel

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/djlord-it/opsflow/internal/domain"
)

// DrainTimeout is the maximum time to wait for buffered events during shutdown.
const DrainTimeout = 30 * time.Second

const (
	KindCaption      = "caption"
	KindNotification = "notification"
)

type Captioner interface {
	CaptionFor(ctx context.Context, assetID int64) error
}

type Notifier interface {
	Notify(ctx context.Context, event domain.Event) error
}

// MetricsSink defines the interface for recording delivery metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	SideChannelDelivered(kind string, err error)
}

type Consumer struct {
	captioner Captioner
	notifier  Notifier
	metrics   MetricsSink // optional, nil = disabled
}

func NewConsumer(captioner Captioner, notifier Notifier) *Consumer {
	return &Consumer{captioner: captioner, notifier: notifier}
}

// WithMetrics attaches a metrics sink to the consumer.
func (c *Consumer) WithMetrics(sink MetricsSink) *Consumer {
	c.metrics = sink
	return c
}

// Run delivers events until ctx is cancelled, then drains what is buffered.
func (c *Consumer) Run(ctx context.Context, ch <-chan domain.Event) {
	for {
		select {
		case <-ctx.Done():
			c.drain(ch)
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := c.Deliver(ctx, event); err != nil {
				log.Printf("sidechannel: error: %v", err)
			}
		}
	}
}

// drain uses a background context since the main context is already cancelled.
func (c *Consumer) drain(ch <-chan domain.Event) {
	drainCtx, cancel := context.WithTimeout(context.Background(), DrainTimeout)
	defer cancel()

	count := 0
	for {
		select {
		case <-drainCtx.Done():
			if count > 0 {
				log.Printf("sidechannel: drain timeout, delivered %d events", count)
			}
			return
		case event, ok := <-ch:
			if !ok {
				log.Printf("sidechannel: drain complete, delivered %d events", count)
				return
			}
			if err := c.Deliver(drainCtx, event); err != nil {
				log.Printf("sidechannel: drain error: %v", err)
			}
			count++
		default:
			if count > 0 {
				log.Printf("sidechannel: drain complete, delivered %d events", count)
			}
			return
		}
	}
}

// Deliver routes one event to its handler.
func (c *Consumer) Deliver(ctx context.Context, event domain.Event) error {
	var (
		kind string
		err  error
	)
	switch event.Kind {
	case domain.EventAssetIngested:
		kind = KindCaption
		err = c.captioner.CaptionFor(ctx, event.AssetID)
	case domain.EventNotification:
		kind = KindNotification
		err = c.notifier.Notify(ctx, event)
	default:
		return fmt.Errorf("unknown event kind %q", event.Kind)
	}

	if c.metrics != nil {
		c.metrics.SideChannelDelivered(kind, err)
	}
	if err != nil {
		return fmt.Errorf("%s for %s: %w", kind, event.AutomationCode, err)
	}
	return nil
}
