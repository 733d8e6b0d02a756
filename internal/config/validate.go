package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

var otelExporters = map[string]bool{"none": true, "stdout": true, "otlphttp": true, "otlpgrpc": true}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// DATABASE_URL is required; memory:// selects the in-memory store.
	if cfg.DatabaseURL == "" {
		add("DATABASE_URL", "required")
	}

	// Durations left empty fall back to defaults in Load.
	for _, d := range cfg.durations() {
		if *d.str == "" {
			continue
		}
		v, err := time.ParseDuration(*d.str)
		if err != nil {
			add(d.env, "invalid duration: %v", err)
		} else if v <= 0 {
			add(d.env, "must be positive")
		}
	}

	switch cfg.RunLockMode {
	case "", RunLockMemory:
	case RunLockPostgres:
		if cfg.InMemory() {
			add("RUN_LOCK_MODE", "'postgres' requires a postgres DATABASE_URL")
		}
	default:
		add("RUN_LOCK_MODE", "must be 'memory' or 'postgres', got %q", cfg.RunLockMode)
	}

	for field, raw := range map[string]string{
		"N8N_BASE_URL":        cfg.N8NBaseURL,
		"CAPTION_WEBHOOK_URL": cfg.CaptionWebhookURL,
		"NOTIFY_WEBHOOK_URL":  cfg.NotifyWebhookURL,
	} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || !u.IsAbs() || u.Host == "" {
			add(field, "must be an absolute URL, got %q", raw)
		}
	}

	if cfg.DropboxRootPath != "" && !strings.HasPrefix(cfg.DropboxRootPath, "/") {
		add("DROPBOX_ROOT_PATH", "must start with '/', got %q", cfg.DropboxRootPath)
	}

	if cfg.MinIOEndpoint != "" && (cfg.MinIOAccessKey == "" || cfg.MinIOSecretKey == "") {
		add("MINIO_ENDPOINT", "MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required")
	}

	if exp := strings.ToLower(cfg.OTELExporter); exp != "" && !otelExporters[exp] {
		add("OTEL_EXPORTER", "must be one of none, stdout, otlphttp, otlpgrpc, got %q", cfg.OTELExporter)
	}
	if cfg.OTELSampleRatio < 0 || cfg.OTELSampleRatio > 1 {
		add("OTEL_SAMPLE_RATIO", "must be between 0 and 1, got %v", cfg.OTELSampleRatio)
	}

	if cfg.CircuitBreakerThreshold < 0 {
		add("CIRCUIT_BREAKER_THRESHOLD", "must not be negative")
	}

	if len(errs) > 0 {
		sortErrors(errs)
		return errs
	}
	return nil
}

// sortErrors orders by field so the output does not depend on map order.
func sortErrors(errs ValidationErrors) {
	for i := 1; i < len(errs); i++ {
		for j := i; j > 0 && errs[j].Field < errs[j-1].Field; j-- {
			errs[j], errs[j-1] = errs[j-1], errs[j]
		}
	}
}
