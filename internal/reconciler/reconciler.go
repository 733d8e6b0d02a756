// Package reconciler finalizes abandoned executions.
//
// An execution is abandoned when it is still 'running' long after any
// webhook or sync pass could have finished, which only happens when the
// process stopped mid-run. The reconciler periodically marks such records
// as 'error' so every automation has at most one running record again.
// The automation's own status is left alone: a later run may already have
// replaced it.
package reconciler

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/djlord-it/opsflow/internal/domain"
	"github.com/djlord-it/opsflow/internal/store"
)

// AbandonedMessage is written to the logs of finalized executions.
const AbandonedMessage = "abandoned: process stopped before completion"

// Store defines the interface for finding and finalizing stale executions.
type Store interface {
	GetStaleExecutions(ctx context.Context, olderThan time.Time, maxResults int) ([]domain.ExecutionRecord, error)
	FinishExecution(ctx context.Context, id int64, status domain.ExecutionStatus, logs string, result map[string]any, at time.Time) error
}

// MetricsSink defines the interface for recording reconciler metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	StaleExecutionsUpdate(count int)
}

// Config holds reconciler configuration.
type Config struct {
	// Interval is how often the reconciler runs.
	// Default: 5 minutes.
	Interval time.Duration

	// Threshold is the age after which a running execution is abandoned.
	// It must exceed the longest webhook timeout plus a full sync pass.
	// Default: 1 hour.
	Threshold time.Duration

	// BatchSize is the maximum number of executions finalized per cycle.
	// Default: 100.
	BatchSize int
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Minute,
		Threshold: time.Hour,
		BatchSize: 100,
	}
}

type Reconciler struct {
	config  Config
	store   Store
	metrics MetricsSink // optional, nil = disabled
	clock   func() time.Time
}

func New(config Config, s Store) *Reconciler {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Threshold <= 0 {
		config.Threshold = def.Threshold
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	return &Reconciler{
		config: config,
		store:  s,
		clock:  time.Now,
	}
}

// WithMetrics attaches a metrics sink to the reconciler.
func (r *Reconciler) WithMetrics(sink MetricsSink) *Reconciler {
	r.metrics = sink
	return r
}

// Run starts the reconciliation loop. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	log.Printf("reconciler: started (interval=%s, threshold=%s, batch=%d)",
		r.config.Interval, r.config.Threshold, r.config.BatchSize)

	// Run immediately on startup, then on ticker
	r.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("reconciler: stopped")
			return
		case <-ticker.C:
			r.runCycle(ctx)
		}
	}
}

// runCycle executes one reconciliation cycle and returns how many
// executions it finalized.
func (r *Reconciler) runCycle(ctx context.Context) int {
	now := r.clock().UTC()
	threshold := now.Add(-r.config.Threshold)

	stale, err := r.store.GetStaleExecutions(ctx, threshold, r.config.BatchSize)
	if err != nil {
		// DB error: log and abort cycle. Will retry next interval.
		log.Printf("reconciler: failed to fetch stale executions: %v", err)
		return 0
	}
	if r.metrics != nil {
		r.metrics.StaleExecutionsUpdate(len(stale))
	}
	if len(stale) == 0 {
		return 0
	}

	log.Printf("reconciler: found %d stale executions", len(stale))

	finalized, skipped, failed := 0, 0, 0
	for _, exec := range stale {
		if ctx.Err() != nil {
			log.Printf("reconciler: cycle interrupted, processed %d/%d executions",
				finalized+skipped+failed, len(stale))
			return finalized
		}

		result := map[string]any{"error": AbandonedMessage}
		err := r.store.FinishExecution(ctx, exec.ID, domain.ExecutionStatusError, AbandonedMessage, result, now)
		switch {
		case err == nil:
			log.Printf("reconciler: finalized execution=%d code=%s source=%s (age=%s)",
				exec.ID, exec.AutomationCode, exec.Source, now.Sub(exec.StartedAt).Round(time.Second))
			finalized++
		case errors.Is(err, store.ErrAlreadyFinished), errors.Is(err, store.ErrNotFound):
			// The run finished between the scan and the update.
			skipped++
		default:
			log.Printf("reconciler: failed to finalize execution=%d code=%s: %v", exec.ID, exec.AutomationCode, err)
			failed++
		}
	}

	log.Printf("reconciler: cycle complete, finalized=%d, skipped=%d, failed=%d", finalized, skipped, failed)
	return finalized
}
