package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

// ApplyEnv overlays the documented environment variables onto cfg.
// Environment values win over file values. Unparsable values are reported
// rather than silently ignored; all failures are joined.
func ApplyEnv(cfg *Config) error {
	var errs []error

	envFloat := func(name string, dst *float64) {
		v, ok := os.LookupEnv(name)
		if !ok {
			return
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s=%q is not a number: %w", name, v, err))
			return
		}
		*dst = f
	}
	envInt := func(name string, dst *int) {
		v, ok := os.LookupEnv(name)
		if !ok {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s=%q is not an integer: %w", name, v, err))
			return
		}
		*dst = n
	}

	envFloat("BATCH_WINDOW_SEC", &cfg.Stream.BatchWindowSec)
	envFloat("MAX_BATCH_WINDOW_SEC", &cfg.Stream.MaxBatchWindowSec)
	envFloat("MAX_BUFFER_SEC", &cfg.Stream.MaxBufferSec)

	envInt("INSIGHT_MIN_TOKENS", &cfg.Insight.MinTokens)
	envFloat("INSIGHT_MIN_INTERVAL_SEC", &cfg.Insight.MinIntervalSec)
	envInt("INSIGHT_RETAIN_TOKENS", &cfg.Insight.RetainTokens)
	envInt("INSIGHT_WORKER_CONCURRENCY", &cfg.Insight.WorkerConcurrency)
	envInt("INSIGHT_QUEUE_MAXSIZE", &cfg.Insight.QueueMaxSize)
	envFloat("INSIGHT_FLUSH_TIMEOUT", &cfg.Insight.FlushTimeoutSec)
	envInt("INSIGHT_PER_TENANT_MAX", &cfg.Insight.PerTenantMax)

	if v, ok := os.LookupEnv("LLM_ROUTING_THRESHOLDS"); ok {
		cfg.Chat.RoutingThresholds = v
	}

	envInt("WORKER_RETRIES", &cfg.Worker.Retries)
	envInt("WORKER_BACKOFF_BASE_MS", &cfg.Worker.BackoffBaseMS)

	if v, ok := os.LookupEnv("WORKER_BASE_URL"); ok {
		cfg.Worker.BaseURL = v
	}
	if v, ok := os.LookupEnv("LISTEN_ADDR"); ok {
		cfg.Server.ListenAddr = v
	}
	if v, ok := os.LookupEnv("ARCHIVE_DSN"); ok {
		cfg.Archive.DSN = v
	}

	return errors.Join(errs...)
}
