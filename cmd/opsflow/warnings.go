package main

import (
	"log"

	"github.com/djlord-it/opsflow/internal/config"
)

// logConfigWarnings logs settings that are valid but risky in production.
// P0 warnings can lose or duplicate work; P1 warnings reduce visibility or
// durability.
func logConfigWarnings(cfg config.Config) {
	if !cfg.ReconcileEnabled {
		log.Println("opsflow: WARNING [P0]: RECONCILE_ENABLED=false; executions left running by a crash are never finalized")
	}

	if !cfg.InMemory() && cfg.RunLockMode != config.RunLockPostgres {
		log.Println("opsflow: WARNING [P0]: RUN_LOCK_MODE=memory with a shared database; replicas can run the same automation concurrently")
	}

	if cfg.ReconcileEnabled && cfg.ReconcileThreshold <= cfg.WebhookTimeout {
		log.Printf("opsflow: WARNING [P0]: RECONCILE_THRESHOLD=%s does not exceed WEBHOOK_TIMEOUT=%s; in-flight executions can be finalized as abandoned",
			cfg.ReconcileThreshold, cfg.WebhookTimeout)
	}

	if !cfg.MetricsEnabled {
		log.Println("opsflow: WARNING [P1]: METRICS_ENABLED=false; no visibility into runs, retries or webhook latency")
	}

	if cfg.RedisAddr == "" {
		log.Println("opsflow: WARNING [P1]: REDIS_ADDR not set; pending source retries are lost on restart")
	}

	if cfg.InMemory() {
		log.Println("opsflow: INFO: DATABASE_URL=memory://; automation state and executions are lost on exit")
	}
}
