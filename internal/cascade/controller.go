// Package cascade drives a run from a trigger node forward through its
// dependents. A dependent becomes eligible once every one of its
// dependencies has succeeded in the same run; a failed node blocks its
// branch and nothing else.
package cascade

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/djlord-it/opsflow/internal/domain"
	"github.com/djlord-it/opsflow/internal/failure"
	"github.com/djlord-it/opsflow/internal/graph"
	"github.com/djlord-it/opsflow/internal/retry"
	"github.com/djlord-it/opsflow/internal/runner"
)

const DefaultParallelism = 4

// SourceManual is the default execution source of a trigger.
const SourceManual = "manual"

type Registry interface {
	Lookup(code string) (domain.Blueprint, bool)
	All() []domain.Blueprint
}

type Executor interface {
	Execute(ctx context.Context, req runner.ExecuteRequest) (runner.Outcome, error)
}

// Seeder creates missing automation records. It must not touch existing ones.
type Seeder interface {
	EnsureAutomation(ctx context.Context, rec domain.AutomationRecord) error
}

// MetricsSink defines the interface for recording cascade metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	CascadeCompleted(steps, failed int, duration time.Duration)
}

type Config struct {
	// Parallelism bounds the concurrent steps of one wavefront.
	Parallelism int
}

type RunRequest struct {
	Code    string
	Payload json.RawMessage
	Cascade bool
	Source  string
}

// StepResult is the outcome of one cascade step. Failure is nil on success.
type StepResult struct {
	Code      string
	Wavefront int
	Source    string
	Outcome   runner.Outcome
	Failure   *failure.Failure
}

func (s StepResult) Succeeded() bool {
	return s.Failure == nil
}

type RunResult struct {
	RunID   uuid.UUID
	Primary runner.Outcome
	Cascade []StepResult
}

// Failed counts the cascade steps that failed.
func (r RunResult) Failed() int {
	n := 0
	for _, s := range r.Cascade {
		if !s.Succeeded() {
			n++
		}
	}
	return n
}

type Controller struct {
	registry Registry
	graph    *graph.Graph
	exec     Executor
	seeder   Seeder
	cfg      Config
	metrics  MetricsSink // optional, nil = disabled

	seedMu sync.Mutex
	seeded   bool
}

var _ retry.Invoker = (*Controller)(nil)

func New(registry Registry, exec Executor, seeder Seeder, cfg Config) *Controller {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultParallelism
	}
	return &Controller{
		registry: registry,
		graph:    graph.Build(registry.All()),
		exec:     exec,
		seeder:   seeder,
		cfg:      cfg,
	}
}

// WithMetrics attaches a metrics sink to the controller.
func (c *Controller) WithMetrics(sink MetricsSink) *Controller {
	c.metrics = sink
	return c
}

// Seed creates an operational record for every blueprint that has none.
// It is a no-op after the first success.
func (c *Controller) Seed(ctx context.Context) error {
	c.seedMu.Lock()
	defer c.seedMu.Unlock()
	if c.seeded {
		return nil
	}
	for _, bp := range c.registry.All() {
		err := c.seeder.EnsureAutomation(ctx, domain.AutomationRecord{
			Code:   bp.Code,
			Name:   bp.Name,
			Status: domain.SeverityOperational,
		})
		if err != nil {
			return fmt.Errorf("seed automation %q: %w", bp.Code, err)
		}
	}
	c.seeded = true
	return nil
}

// Run executes req.Code and, when req.Cascade is set, every reachable
// dependent whose dependencies succeeded in this run. A trigger failure is
// returned as-is and no step runs. Step failures are reported in the
// result, never as the returned error.
func (c *Controller) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	if err := c.Seed(ctx); err != nil {
		return RunResult{}, failure.Uncategorized(err)
	}

	source := req.Source
	if source == "" {
		source = SourceManual
	}
	result := RunResult{RunID: uuid.New()}

	primary, err := c.exec.Execute(ctx, runner.ExecuteRequest{
		Code:    req.Code,
		Payload: req.Payload,
		Source:  source,
		RunID:   result.RunID,
	})
	result.Primary = primary
	if err != nil {
		return result, err
	}
	if !req.Cascade {
		return result, nil
	}

	start := time.Now()
	result.Cascade = c.cascade(ctx, req, result.RunID)

	failed := result.Failed()
	if c.metrics != nil {
		c.metrics.CascadeCompleted(len(result.Cascade), failed, time.Since(start))
	}
	if len(result.Cascade) > 0 {
		log.Printf("cascade: run=%s trigger=%s steps=%d failed=%d",
			result.RunID, req.Code, len(result.Cascade), failed)
	}
	return result, nil
}

// Retry re-runs code alone with source "retry". It implements retry.Invoker.
func (c *Controller) Retry(ctx context.Context, code string) error {
	_, err := c.Run(ctx, RunRequest{Code: code, Cascade: false, Source: retry.SourceRetry})
	return err
}

func (c *Controller) cascade(ctx context.Context, req RunRequest, runID uuid.UUID) []StepResult {
	remaining := make(map[string]bool)
	for _, code := range c.graph.ReachableFrom(req.Code) {
		if code != req.Code {
			remaining[code] = true
		}
	}
	visited := map[string]bool{req.Code: true}

	var steps []StepResult
	for wave := 1; len(remaining) > 0; wave++ {
		eligible := c.eligible(remaining, visited)
		if len(eligible) == 0 {
			break
		}

		results := make([]StepResult, len(eligible))
		var g errgroup.Group
		g.SetLimit(c.cfg.Parallelism)
		for i, code := range eligible {
			i, code := i, code
			delete(remaining, code)
			g.Go(func() error {
				results[i] = c.step(ctx, req, runID, wave, code)
				return nil
			})
		}
		_ = g.Wait()

		for _, r := range results {
			if r.Succeeded() {
				visited[r.Code] = true
			}
		}
		steps = append(steps, results...)
	}

	if len(remaining) > 0 {
		blocked := make([]string, 0, len(remaining))
		for code := range remaining {
			blocked = append(blocked, code)
		}
		c.sortBySequence(blocked)
		log.Printf("cascade: run=%s trigger=%s not reached: %s", runID, req.Code, strings.Join(blocked, ","))
	}
	return steps
}

// eligible returns the remaining codes whose dependencies are all visited,
// ordered by sequence. A code with no dependencies is eligible.
func (c *Controller) eligible(remaining, visited map[string]bool) []string {
	var out []string
	for code := range remaining {
		ready := true
		for _, dep := range c.graph.Dependencies(code) {
			if !visited[dep] {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, code)
		}
	}
	c.sortBySequence(out)
	return out
}

func (c *Controller) step(ctx context.Context, req RunRequest, runID uuid.UUID, wave int, code string) StepResult {
	deps := c.graph.Dependencies(code)
	if len(deps) == 0 {
		deps = []string{req.Code}
	}
	source := "cascade:" + strings.Join(deps, ",")

	outcome, err := c.exec.Execute(ctx, runner.ExecuteRequest{
		Code:    code,
		Payload: req.Payload,
		Source:  source,
		RunID:   runID,
	})
	res := StepResult{
		Code:      code,
		Wavefront: wave,
		Source:    source,
		Outcome:   outcome,
		Failure:   failure.From(err),
	}
	if err != nil {
		log.Printf("cascade: run=%s code=%s step failed, dependents blocked: %v", runID, code, err)
	}
	return res
}

func (c *Controller) sortBySequence(codes []string) {
	sort.SliceStable(codes, func(i, j int) bool {
		si, sj := c.graph.Sequence(codes[i]), c.graph.Sequence(codes[j])
		if si != sj {
			return si < sj
		}
		return codes[i] < codes[j]
	})
}
