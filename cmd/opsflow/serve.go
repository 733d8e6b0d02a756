package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/djlord-it/opsflow/internal/api"
	"github.com/djlord-it/opsflow/internal/config"
	"github.com/djlord-it/opsflow/internal/cron"
	"github.com/djlord-it/opsflow/internal/metrics"
	"github.com/djlord-it/opsflow/internal/observability"
	"github.com/djlord-it/opsflow/internal/reconciler"
	"github.com/djlord-it/opsflow/internal/scheduler"
)

const serviceName = "opsflow"

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, recurring triggers and background workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
}

func initTracing(cfg config.Config) (func(context.Context) error, error) {
	return observability.InitTracing(serviceName, observability.TracingConfig{
		Exporter:    cfg.OTELExporter,
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		SampleRatio: cfg.OTELSampleRatio,
		Environment: cfg.Environment,
	})
}

// background is a worker stopped by cancelling its context.
type background struct {
	name   string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func startBackground(name string, run func(ctx context.Context)) *background {
	ctx, cancel := context.WithCancel(context.Background())
	b := &background{name: name, cancel: cancel}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		run(ctx)
	}()
	return b
}

func (b *background) stop() {
	if b == nil {
		return
	}
	log.Printf("opsflow: stopping %s...", b.name)
	b.cancel()
	b.wg.Wait()
	log.Printf("opsflow: %s stopped", b.name)
}

func runServe(cfg config.Config) error {
	logConfigWarnings(cfg)

	shutdownTracing, err := initTracing(cfg)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			log.Printf("opsflow: tracing shutdown error: %v", err)
		}
	}()

	var sink metrics.Sink = metrics.NewNoopSink()
	if cfg.MetricsEnabled {
		sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
	} else {
		log.Println("opsflow: METRICS_ENABLED not set; metrics disabled")
	}

	eng, err := buildEngine(context.Background(), cfg, sink)
	if err != nil {
		return err
	}
	defer eng.Close()

	if err := eng.controller.Seed(context.Background()); err != nil {
		log.Printf("opsflow: seeding automation records failed (will retry on first run): %v", err)
	}

	var sched *scheduler.Scheduler
	if cfg.ScheduleFile != "" {
		entries, err := scheduler.LoadFile(cfg.ScheduleFile)
		if err != nil {
			return invalidConfig(fmt.Errorf("schedule file: %w", err))
		}
		sched, err = scheduler.New(
			scheduler.Config{TickInterval: cfg.SchedulerTickInterval},
			entries, eng.registry, cron.NewParser(), eng.controller,
		)
		if err != nil {
			return invalidConfig(fmt.Errorf("schedule file: %w", err))
		}
		sched = sched.WithMetrics(sink)
	} else {
		log.Println("opsflow: SCHEDULE_FILE not set; recurring triggers disabled")
	}

	apiHandler := api.NewHandler(eng.store, eng.registry, eng.controller).
		WithHealthChecker(eng.healthChecker())

	mux := http.NewServeMux()
	mux.Handle("/", apiHandler)

	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		if cfg.MetricsPort == "" {
			mux.Handle(cfg.MetricsPath, promhttp.Handler())
			log.Printf("opsflow: metrics enabled (path=%s on %s)", cfg.MetricsPath, cfg.HTTPAddr)
		} else {
			metricsMux := http.NewServeMux()
			metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
			metricsServer = &http.Server{Addr: ":" + cfg.MetricsPort, Handler: metricsMux}
			go func() {
				log.Printf("opsflow: metrics server listening on :%s", cfg.MetricsPort)
				if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Printf("opsflow: metrics server error: %v", err)
				}
			}()
		}
	}

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		log.Printf("opsflow: http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("opsflow: http server error: %v", err)
		}
	}()

	consumer := eng.sideChannel()
	sideChannel := startBackground("side-channel consumer", func(ctx context.Context) {
		consumer.Run(ctx, eng.bus.Channel())
	})

	var retryPoller *background
	if eng.redisRetries != nil {
		retryPoller = startBackground("retry poller", eng.redisRetries.Run)
	}

	var recon *background
	if cfg.ReconcileEnabled {
		r := reconciler.New(reconciler.Config{
			Interval:  cfg.ReconcileInterval,
			Threshold: cfg.ReconcileThreshold,
			BatchSize: cfg.ReconcileBatchSize,
		}, eng.store).WithMetrics(sink)
		recon = startBackground("reconciler", r.Run)
		log.Printf("opsflow: reconciler enabled (interval=%s, threshold=%s, batch=%d)",
			cfg.ReconcileInterval, cfg.ReconcileThreshold, cfg.ReconcileBatchSize)
	} else {
		log.Println("opsflow: RECONCILE_ENABLED not set; reconciler disabled")
	}

	var recurring *background
	if sched != nil {
		recurring = startBackground("scheduler", func(ctx context.Context) {
			if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("opsflow: scheduler error: %v", err)
			}
		})
		log.Printf("opsflow: scheduler enabled (entries=%d, tick=%s)", sched.Len(), cfg.SchedulerTickInterval)
	}

	log.Printf("opsflow: started (http=%s, automations=%d)", cfg.HTTPAddr, len(eng.registry.All()))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("opsflow: received signal %v, shutting down", received)

	// Phase 1: no new scheduled runs; in-flight scheduled runs finish.
	recurring.stop()

	// Phase 2: no new API runs; in-flight requests finish within the timeout.
	log.Println("opsflow: stopping http server...")
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		log.Printf("opsflow: http server shutdown error: %v", err)
	}
	log.Println("opsflow: http server stopped")

	// Phase 3: retries and the reconciler.
	retryPoller.stop()
	recon.stop()

	// Phase 4: drain side-channel events emitted by the runs above.
	sideChannel.stop()

	if metricsServer != nil {
		log.Println("opsflow: stopping metrics server...")
		metricsShutdownCtx, metricsShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer metricsShutdownCancel()
		if err := metricsServer.Shutdown(metricsShutdownCtx); err != nil {
			log.Printf("opsflow: metrics server shutdown error: %v", err)
		}
		log.Println("opsflow: metrics server stopped")
	}

	log.Println("opsflow: stopped")
	return nil
}
