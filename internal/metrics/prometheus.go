package metrics

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Runner metrics
	executionsStarted  *prometheus.CounterVec
	executionsFinished *prometheus.CounterVec
	executionDuration  *prometheus.HistogramVec
	executionsInFlight prometheus.Gauge

	// Dispatcher metrics
	webhookRequestsTotal *prometheus.CounterVec
	webhookDuration      prometheus.Histogram

	// Cascade metrics
	cascadeRunsTotal  prometheus.Counter
	cascadeStepsTotal *prometheus.CounterVec
	cascadeDuration   prometheus.Histogram

	// Retry metrics
	retriesScheduledTotal *prometheus.CounterVec
	retriesFiredTotal     *prometheus.CounterVec

	// Source sync metrics
	syncItemsTotal           *prometheus.CounterVec
	syncDuration             prometheus.Histogram
	syncListingFailuresTotal prometheus.Counter

	// Recurring trigger metrics
	ticksTotal      prometheus.Counter
	tickErrorsTotal prometheus.Counter
	triggeredTotal  prometheus.Counter
	tickDuration    prometheus.Histogram

	// EventBus metrics
	bufferSize       prometheus.Gauge
	bufferCapacity   prometheus.Gauge
	bufferSaturation prometheus.Gauge
	emitErrorsTotal  prometheus.Counter

	// Side channel metrics
	sideChannelTotal *prometheus.CounterVec

	// Reconciler metrics
	staleExecutions prometheus.Gauge
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
// Metrics that fail to register keep working but are not exported.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initRunnerMetrics(reg)
	s.initDispatcherMetrics(reg)
	s.initCascadeMetrics(reg)
	s.initRetryMetrics(reg)
	s.initSyncMetrics(reg)
	s.initSchedulerMetrics(reg)
	s.initEventBusMetrics(reg)
	s.initSideChannelMetrics(reg)
	s.initReconcilerMetrics(reg)
	return s
}

func (s *PrometheusSink) initRunnerMetrics(reg prometheus.Registerer) {
	s.executionsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "opsflow_runner_executions_started_total",
		Help: "Total number of automation executions started.",
	}, []string{"code"})
	s.executionsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "opsflow_runner_executions_finished_total",
		Help: "Total number of automation executions finished, by status and severity.",
	}, []string{"code", "status", "severity"})
	s.executionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "opsflow_runner_execution_duration_seconds",
		Help:    "Duration of automation executions in seconds.",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
	}, []string{"code"})
	s.executionsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "opsflow_runner_executions_in_flight",
		Help: "Number of automation executions currently running.",
	})

	s.register(reg, s.executionsStarted, "opsflow_runner_executions_started_total")
	s.register(reg, s.executionsFinished, "opsflow_runner_executions_finished_total")
	s.register(reg, s.executionDuration, "opsflow_runner_execution_duration_seconds")
	s.register(reg, s.executionsInFlight, "opsflow_runner_executions_in_flight")
}

func (s *PrometheusSink) initDispatcherMetrics(reg prometheus.Registerer) {
	s.webhookRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "opsflow_dispatcher_webhook_requests_total",
		Help: "Total number of workflow-engine webhook requests.",
	}, []string{"code", "status_class"})
	s.webhookDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "opsflow_dispatcher_webhook_duration_seconds",
		Help:    "Webhook request latency in seconds.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	s.register(reg, s.webhookRequestsTotal, "opsflow_dispatcher_webhook_requests_total")
	s.register(reg, s.webhookDuration, "opsflow_dispatcher_webhook_duration_seconds")
}

func (s *PrometheusSink) initCascadeMetrics(reg prometheus.Registerer) {
	s.cascadeRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "opsflow_cascade_runs_total",
		Help: "Total number of cascade runs that went past the trigger node.",
	})
	s.cascadeStepsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "opsflow_cascade_steps_total",
		Help: "Total number of cascade steps executed, by outcome.",
	}, []string{"outcome"})
	s.cascadeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "opsflow_cascade_duration_seconds",
		Help:    "Duration of the cascade phase in seconds.",
		Buckets: []float64{0.5, 1, 5, 10, 30, 60, 300, 900},
	})

	s.register(reg, s.cascadeRunsTotal, "opsflow_cascade_runs_total")
	s.register(reg, s.cascadeStepsTotal, "opsflow_cascade_steps_total")
	s.register(reg, s.cascadeDuration, "opsflow_cascade_duration_seconds")
}

func (s *PrometheusSink) initRetryMetrics(reg prometheus.Registerer) {
	s.retriesScheduledTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "opsflow_retry_scheduled_total",
		Help: "Total number of delayed retries scheduled.",
	}, []string{"code"})
	s.retriesFiredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "opsflow_retry_fired_total",
		Help: "Total number of delayed retries fired, by outcome.",
	}, []string{"code", "outcome"})

	s.register(reg, s.retriesScheduledTotal, "opsflow_retry_scheduled_total")
	s.register(reg, s.retriesFiredTotal, "opsflow_retry_fired_total")
}

func (s *PrometheusSink) initSyncMetrics(reg prometheus.Registerer) {
	s.syncItemsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "opsflow_sourcesync_items_total",
		Help: "Total number of source items processed, by outcome.",
	}, []string{"outcome"})
	s.syncDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "opsflow_sourcesync_duration_seconds",
		Help:    "Duration of completed source syncs in seconds.",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 900, 1800},
	})
	s.syncListingFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "opsflow_sourcesync_listing_failures_total",
		Help: "Total number of syncs aborted because the remote listing failed.",
	})

	s.register(reg, s.syncItemsTotal, "opsflow_sourcesync_items_total")
	s.register(reg, s.syncDuration, "opsflow_sourcesync_duration_seconds")
	s.register(reg, s.syncListingFailuresTotal, "opsflow_sourcesync_listing_failures_total")
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "opsflow_scheduler_ticks_total",
		Help: "Total number of recurring-trigger ticks processed.",
	})
	s.tickErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "opsflow_scheduler_tick_errors_total",
		Help: "Total number of recurring-trigger ticks with at least one failed run.",
	})
	s.triggeredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "opsflow_scheduler_triggered_total",
		Help: "Total number of runs started by recurring triggers.",
	})
	s.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "opsflow_scheduler_tick_duration_seconds",
		Help:    "Duration of each recurring-trigger tick in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
	})

	s.register(reg, s.ticksTotal, "opsflow_scheduler_ticks_total")
	s.register(reg, s.tickErrorsTotal, "opsflow_scheduler_tick_errors_total")
	s.register(reg, s.triggeredTotal, "opsflow_scheduler_triggered_total")
	s.register(reg, s.tickDuration, "opsflow_scheduler_tick_duration_seconds")
}

func (s *PrometheusSink) initEventBusMetrics(reg prometheus.Registerer) {
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "opsflow_eventbus_buffer_size",
		Help: "Current number of events in the event bus buffer.",
	})
	s.bufferCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "opsflow_eventbus_buffer_capacity",
		Help: "Capacity of the event bus buffer.",
	})
	s.bufferSaturation = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "opsflow_eventbus_buffer_saturation",
		Help: "Fill ratio of the event bus buffer (0-1).",
	})
	s.emitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "opsflow_eventbus_emit_errors_total",
		Help: "Total number of dropped events (buffer full).",
	})

	s.register(reg, s.bufferSize, "opsflow_eventbus_buffer_size")
	s.register(reg, s.bufferCapacity, "opsflow_eventbus_buffer_capacity")
	s.register(reg, s.bufferSaturation, "opsflow_eventbus_buffer_saturation")
	s.register(reg, s.emitErrorsTotal, "opsflow_eventbus_emit_errors_total")
}

func (s *PrometheusSink) initSideChannelMetrics(reg prometheus.Registerer) {
	s.sideChannelTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "opsflow_sidechannel_deliveries_total",
		Help: "Total number of side-channel deliveries (captions, notifications), by outcome.",
	}, []string{"kind", "outcome"})

	s.register(reg, s.sideChannelTotal, "opsflow_sidechannel_deliveries_total")
}

func (s *PrometheusSink) initReconcilerMetrics(reg prometheus.Registerer) {
	s.staleExecutions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "opsflow_reconciler_stale_executions",
		Help: "Number of stale running executions found by the last reconcile pass.",
	})

	s.register(reg, s.staleExecutions, "opsflow_reconciler_stale_executions")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

// Runner metrics implementation

func (s *PrometheusSink) ExecutionStarted(code string) {
	s.executionsStarted.WithLabelValues(code).Inc()
	s.executionsInFlight.Inc()
}

func (s *PrometheusSink) ExecutionFinished(code, status, severity string, duration time.Duration) {
	s.executionsInFlight.Dec()
	s.executionsFinished.WithLabelValues(code, status, severity).Inc()
	s.executionDuration.WithLabelValues(code).Observe(duration.Seconds())
}

// Dispatcher metrics implementation

func (s *PrometheusSink) WebhookCompleted(code, statusClass string, duration time.Duration) {
	s.webhookRequestsTotal.WithLabelValues(code, statusClass).Inc()
	s.webhookDuration.Observe(duration.Seconds())
}

// Cascade metrics implementation

func (s *PrometheusSink) CascadeCompleted(steps, failed int, duration time.Duration) {
	s.cascadeRunsTotal.Inc()
	s.cascadeStepsTotal.WithLabelValues(OutcomeSuccess).Add(float64(steps - failed))
	s.cascadeStepsTotal.WithLabelValues(OutcomeFailed).Add(float64(failed))
	s.cascadeDuration.Observe(duration.Seconds())
}

// Retry metrics implementation

func (s *PrometheusSink) RetryScheduled(code string) {
	s.retriesScheduledTotal.WithLabelValues(code).Inc()
}

func (s *PrometheusSink) RetryFired(code string, err error) {
	s.retriesFiredTotal.WithLabelValues(code, outcomeLabel(err)).Inc()
}

// Source sync metrics implementation

func (s *PrometheusSink) SyncCompleted(newItems, failedItems int, duration time.Duration) {
	s.syncItemsTotal.WithLabelValues("downloaded").Add(float64(newItems))
	s.syncItemsTotal.WithLabelValues(OutcomeFailed).Add(float64(failedItems))
	s.syncDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) SyncListingFailed() {
	s.syncListingFailuresTotal.Inc()
}

// Recurring trigger metrics implementation

func (s *PrometheusSink) TickStarted() {
	s.ticksTotal.Inc()
}

func (s *PrometheusSink) TickCompleted(duration time.Duration, triggered int, err error) {
	s.tickDuration.Observe(duration.Seconds())
	s.triggeredTotal.Add(float64(triggered))
	if err != nil {
		s.tickErrorsTotal.Inc()
	}
}

// EventBus metrics implementation

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) BufferCapacitySet(capacity int) {
	s.bufferCapacity.Set(float64(capacity))
}

func (s *PrometheusSink) BufferSaturationUpdate(saturation float64) {
	s.bufferSaturation.Set(saturation)
}

func (s *PrometheusSink) EmitError() {
	s.emitErrorsTotal.Inc()
}

// Side channel metrics implementation

func (s *PrometheusSink) SideChannelDelivered(kind string, err error) {
	s.sideChannelTotal.WithLabelValues(kind, outcomeLabel(err)).Inc()
}

// Reconciler metrics implementation

func (s *PrometheusSink) StaleExecutionsUpdate(count int) {
	s.staleExecutions.Set(float64(count))
}
