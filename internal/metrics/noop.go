package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) ExecutionStarted(code string)                                     {}
func (n *NoopSink) ExecutionFinished(code, status, severity string, d time.Duration) {}
func (n *NoopSink) WebhookCompleted(code, statusClass string, d time.Duration)       {}
func (n *NoopSink) CascadeCompleted(steps, failed int, d time.Duration)              {}
func (n *NoopSink) RetryScheduled(code string)                                       {}
func (n *NoopSink) RetryFired(code string, err error)                                {}
func (n *NoopSink) SyncCompleted(newItems, failedItems int, d time.Duration)         {}
func (n *NoopSink) SyncListingFailed()                                               {}
func (n *NoopSink) TickStarted()                                                     {}
func (n *NoopSink) TickCompleted(d time.Duration, triggered int, err error)          {}
func (n *NoopSink) BufferSizeUpdate(size int)                                        {}
func (n *NoopSink) BufferCapacitySet(capacity int)                                   {}
func (n *NoopSink) BufferSaturationUpdate(saturation float64)                        {}
func (n *NoopSink) EmitError()                                                       {}
func (n *NoopSink) SideChannelDelivered(kind string, err error)                      {}
func (n *NoopSink) StaleExecutionsUpdate(count int)                                  {}
