// Package scheduler fires automations on recurring cron schedules.
//
// Each tick computes, per entry, the firings due since the previous tick.
// Any number of due firings collapses into a single run: a process that was
// down for a day runs a nightly job once, not once per missed night.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/djlord-it/opsflow/internal/cascade"
	"github.com/djlord-it/opsflow/internal/cron"
	"github.com/djlord-it/opsflow/internal/domain"
	"github.com/djlord-it/opsflow/internal/failure"
)

// SourceSchedule is the execution source recorded for scheduled runs.
const SourceSchedule = "schedule"

const DefaultTickInterval = 30 * time.Second

type Registry interface {
	Lookup(code string) (domain.Blueprint, bool)
}

type CronParser interface {
	Parse(expression string, timezone string) (cron.Schedule, error)
}

// Trigger starts a run. Implemented by *cascade.Controller.
type Trigger interface {
	Run(ctx context.Context, req cascade.RunRequest) (cascade.RunResult, error)
}

// MetricsSink defines the interface for recording scheduler metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	TickStarted()
	TickCompleted(duration time.Duration, triggered int, err error)
}

type Config struct {
	TickInterval time.Duration
}

type compiled struct {
	entry    Entry
	schedule cron.Schedule
	payload  json.RawMessage
}

type Scheduler struct {
	config   Config
	entries  []compiled
	trigger  Trigger
	metrics  MetricsSink // optional, nil = disabled
	clock    func() time.Time
	lastTick time.Time

	wg sync.WaitGroup
}

// New validates every entry against the registry and compiles its schedule.
func New(config Config, entries []Entry, registry Registry, parser CronParser, trigger Trigger) (*Scheduler, error) {
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultTickInterval
	}

	var errs []error
	out := make([]compiled, 0, len(entries))
	for _, e := range entries {
		if _, ok := registry.Lookup(e.Code); !ok {
			errs = append(errs, fmt.Errorf("schedule %s: unknown automation", e.Code))
			continue
		}
		sched, err := parser.Parse(e.Cron, e.Timezone)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %s: %w", e.Code, err))
			continue
		}
		payload, err := e.PayloadJSON()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, compiled{entry: e, schedule: sched, payload: payload})
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	return &Scheduler{
		config:  config,
		entries: out,
		trigger: trigger,
		clock:   time.Now,
	}, nil
}

// WithMetrics attaches a metrics sink to the scheduler.
func (s *Scheduler) WithMetrics(sink MetricsSink) *Scheduler {
	s.metrics = sink
	return s
}

// Len returns the number of schedule entries.
func (s *Scheduler) Len() int {
	return len(s.entries)
}

// Run ticks until ctx is cancelled, then waits for triggered runs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	log.Printf("scheduler: started, tick=%s entries=%d", s.config.TickInterval, len(s.entries))
	s.lastTick = s.clock().UTC()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			log.Println("scheduler: stopped")
			return ctx.Err()
		case <-ticker.C:
			s.processTick(ctx)
		}
	}
}

// processTick starts one run per entry with at least one firing due, and
// returns how many were started.
func (s *Scheduler) processTick(ctx context.Context) int {
	start := time.Now()
	if s.metrics != nil {
		s.metrics.TickStarted()
	}

	now := s.clock().UTC()
	triggered := 0
	for _, c := range s.entries {
		due, last := cron.DueBetween(c.schedule, s.lastTick, now)
		if due == 0 {
			continue
		}
		if due > 1 {
			log.Printf("scheduler: code=%s %d firings due, running once (latest=%s)",
				c.entry.Code, due, last.UTC().Format(time.RFC3339))
		}
		s.fire(ctx, c, last)
		triggered++
	}
	s.lastTick = now

	if s.metrics != nil {
		s.metrics.TickCompleted(time.Since(start), triggered, nil)
	}
	return triggered
}

// fire runs the entry in the background. Runs are not cancelled by
// shutdown; Run waits for them instead.
func (s *Scheduler) fire(ctx context.Context, c compiled, scheduledAt time.Time) {
	runCtx := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		res, err := s.trigger.Run(runCtx, cascade.RunRequest{
			Code:    c.entry.Code,
			Payload: c.payload,
			Cascade: c.entry.CascadeEnabled(),
			Source:  SourceSchedule,
		})
		if err != nil {
			var f *failure.Failure
			if errors.As(err, &f) && f.Kind == failure.KindConflict {
				log.Printf("scheduler: code=%s skipped, previous run still active", c.entry.Code)
				return
			}
			log.Printf("scheduler: code=%s scheduled_at=%s failed: %v",
				c.entry.Code, scheduledAt.UTC().Format(time.RFC3339), err)
			return
		}
		log.Printf("scheduler: code=%s scheduled_at=%s run=%s steps=%d failed=%d",
			c.entry.Code, scheduledAt.UTC().Format(time.RFC3339), res.RunID, len(res.Cascade), res.Failed())
	}()
}

// wait blocks until every fired run has returned. Used by tests.
func (s *Scheduler) wait() {
	s.wg.Wait()
}
