package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/djlord-it/opsflow/internal/cascade"
	"github.com/djlord-it/opsflow/internal/config"
	"github.com/djlord-it/opsflow/internal/failure"
	"github.com/djlord-it/opsflow/internal/metrics"
)

// SourceCLI is the execution source recorded for runs started by "opsflow run".
const SourceCLI = "cli"

type runOptions struct {
	cascade bool
	payload string
	source  string
}

func newRunCommand() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run <code>",
		Short: "Run one automation now and wait for its cascade",
		Long: `Runs the automation in this process against the configured store,
then every dependent whose dependencies succeeded, and prints the outcome.

Source retries scheduled by this command are lost on exit unless
REDIS_ADDR is set and a serve process polls the retry queue.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runOnce(cmd.Context(), cfg, args[0], opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&opts.cascade, "cascade", true, "run dependents after a successful run")
	cmd.Flags().StringVar(&opts.payload, "payload", "", "JSON object forwarded to webhook automations")
	cmd.Flags().StringVar(&opts.source, "source", SourceCLI, "execution source recorded on the run")
	return cmd
}

func runOnce(ctx context.Context, cfg config.Config, code string, opts *runOptions, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var payload json.RawMessage
	if opts.payload != "" {
		if !json.Valid([]byte(opts.payload)) {
			return fmt.Errorf("--payload must be valid json")
		}
		payload = json.RawMessage(opts.payload)
	}

	shutdownTracing, err := initTracing(cfg)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			log.Printf("opsflow: tracing shutdown error: %v", err)
		}
	}()

	eng, err := buildEngine(ctx, cfg, metrics.NewNoopSink())
	if err != nil {
		return err
	}
	defer eng.Close()

	res, err := eng.controller.Run(ctx, cascade.RunRequest{
		Code:    code,
		Payload: payload,
		Cascade: opts.cascade,
		Source:  opts.source,
	})
	if err != nil {
		f := failure.From(err)
		fmt.Fprintf(out, "%s\t%s\t%s\n", code, f.Severity, f.Message)
		return err
	}

	fmt.Fprintf(out, "run %s\n", res.RunID)
	fmt.Fprintf(out, "%s\t%s\t%s\n", res.Primary.Code, res.Primary.Status, res.Primary.Summary)
	for _, step := range res.Cascade {
		if step.Succeeded() {
			fmt.Fprintf(out, "  %s\t%s\t%s\n", step.Code, step.Outcome.Status, step.Outcome.Summary)
		} else {
			fmt.Fprintf(out, "  %s\t%s\t%s\n", step.Code, step.Failure.Severity, step.Failure.Message)
		}
	}
	if failed := res.Failed(); failed > 0 {
		return fmt.Errorf("%d cascade step(s) failed", failed)
	}
	return nil
}
