// Package config provides the configuration schema, YAML loader, and
// environment overrides for the Callsight streaming gateway.
//
// Precedence is environment variable over file value over built-in default.
// Soft violations of the documented windows (batch window out of clamp
// range, buffer cap below the max window) are clamped with a warning rather
// than rejected, so a slightly wrong deployment still starts.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the gateway.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler type.
type LogFormat string

const (
	LogText LogFormat = "text"
	LogJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogText || f == LogJSON
}

// Batch-window clamp boundaries from the streaming contract. Values outside
// these are clamped, not rejected.
const (
	MinBatchWindowSec = 0.5
	MaxBatchWindowCap = 15.0
	MaxMaxWindowCap   = 20.0
)

// Config is the root configuration for the Callsight gateway. It is loaded
// from a YAML file via [Load] and finalised with [ApplyEnv] and [Validate].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Worker  WorkerConfig  `yaml:"worker"`
	Stream  StreamConfig  `yaml:"stream"`
	Insight InsightConfig `yaml:"insight"`
	Chat    ChatConfig    `yaml:"chat"`
	Archive ArchiveConfig `yaml:"archive"`
	Lexicon LexiconConfig `yaml:"lexicon"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the gateway listens on (e.g. ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat selects text or json output. Default: text.
	LogFormat LogFormat `yaml:"log_format"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS/WSS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// AuthConfig maps bearer tokens to tenants. The stream upgrade requires a
// token from this map (header or access_token query parameter).
type AuthConfig struct {
	// Tokens maps a bearer token to the tenant id it authenticates.
	Tokens map[string]string `yaml:"tokens"`
}

// WorkerConfig describes the transcription worker fleet.
type WorkerConfig struct {
	// BaseURL is the load-balanced fleet address (e.g. "http://workers:9000").
	BaseURL string `yaml:"base_url"`

	// Model is forwarded as the model form field (e.g. "large-v3").
	// Empty lets each worker use whatever it loaded at startup.
	Model string `yaml:"model"`

	// ComputeType is forwarded as the compute_type form field.
	ComputeType string `yaml:"compute_type"`

	// VADFilter asks the workers to drop non-speech spans before decoding.
	VADFilter bool `yaml:"vad_filter"`

	// BeamSize sets the decoder beam size. Zero leaves the worker default.
	BeamSize int `yaml:"beam_size"`

	// Retries is the number of extra attempts after a retryable failure.
	Retries int `yaml:"retries"`

	// BackoffBaseMS is the first retry delay in milliseconds.
	BackoffBaseMS int `yaml:"backoff_base_ms"`

	// Breaker optionally wraps fleet calls in a circuit breaker.
	Breaker *BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the worker-fleet circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the consecutive-failure count that opens the breaker.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeoutSec is how long the breaker stays open before probing.
	ResetTimeoutSec float64 `yaml:"reset_timeout_sec"`

	// HalfOpenMax is the probe budget in the half-open state.
	HalfOpenMax int `yaml:"half_open_max"`
}

// StreamConfig holds per-session defaults for audio batching. Sessions may
// narrow the windows in their start event within the documented clamps.
type StreamConfig struct {
	// BatchWindowSec is the minimum flush cadence in seconds.
	BatchWindowSec float64 `yaml:"batch_window_sec"`

	// MaxBatchWindowSec is the maximum tolerated cadence in seconds.
	MaxBatchWindowSec float64 `yaml:"max_batch_window_sec"`

	// MaxBufferSec is the hard buffered-audio cap that forces a flush on
	// append. Must be at least MaxBatchWindowSec; clamped up otherwise.
	MaxBufferSec float64 `yaml:"max_buffer_sec"`

	// OutboundQueue bounds the per-session outbound event queue.
	OutboundQueue int `yaml:"outbound_queue"`
}

// InsightConfig tunes the process-wide insight pipeline.
type InsightConfig struct {
	// MinTokens is the minimum transcript growth between insights.
	MinTokens int `yaml:"min_tokens"`

	// MinIntervalSec is the minimum time between insights per session.
	MinIntervalSec float64 `yaml:"min_interval_sec"`

	// RetainTokens is how many trailing transcript tokens a snapshot keeps.
	RetainTokens int `yaml:"retain_tokens"`

	// WorkerConcurrency is the fixed insight worker pool size.
	WorkerConcurrency int `yaml:"worker_concurrency"`

	// QueueMaxSize bounds the pending-job queue. Overflow drops the trigger.
	QueueMaxSize int `yaml:"queue_maxsize"`

	// FlushTimeoutSec bounds the drain phase after stop.
	FlushTimeoutSec float64 `yaml:"flush_timeout_sec"`

	// PerTenantMax caps concurrently executing insights per tenant.
	PerTenantMax int `yaml:"per_tenant_max"`
}

// ChatConfig describes the completion backends behind the insight pipeline.
type ChatConfig struct {
	// Fast serves prompts below the first routing threshold.
	Fast ChatBackendConfig `yaml:"fast"`

	// Balanced serves mid-size prompts.
	Balanced ChatBackendConfig `yaml:"balanced"`

	// Deep serves large prompts up to the context ceiling.
	Deep ChatBackendConfig `yaml:"deep"`

	// RoutingThresholds is "fast/balanced/ceiling" in estimated prompt
	// tokens, e.g. "2000/8000/32000".
	RoutingThresholds string `yaml:"routing_thresholds"`
}

// ChatBackendConfig is one completion backend tier.
type ChatBackendConfig struct {
	// Provider names the backend implementation. "openai" (the default)
	// uses the OpenAI-compatible client; anything else goes through the
	// any-llm bridge (anthropic, gemini, ollama, groq, mistral, ...).
	Provider string `yaml:"provider"`

	// APIKey authenticates against the provider. May be empty for
	// gateways that authenticate by network position.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model is the model identifier for this tier.
	Model string `yaml:"model"`
}

// ArchiveConfig enables best-effort post-session persistence.
type ArchiveConfig struct {
	// DSN is the PostgreSQL connection string. Empty disables the archive.
	DSN string `yaml:"dsn"`
}

// LexiconConfig configures transcript normalization for insight snapshots.
type LexiconConfig struct {
	// Glossary lists call-center vocabulary the phonetic corrector aligns
	// misheard words against.
	Glossary []string `yaml:"glossary"`

	// FillerWords replaces the built-in disfluency set when non-empty.
	FillerWords []string `yaml:"filler_words"`
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
			LogFormat:  LogText,
		},
		Worker: WorkerConfig{
			ComputeType:   "float16",
			Retries:       2,
			BackoffBaseMS: 250,
		},
		Stream: StreamConfig{
			BatchWindowSec:    5.0,
			MaxBatchWindowSec: 10.0,
			MaxBufferSec:      10.0,
			OutboundQueue:     64,
		},
		Insight: InsightConfig{
			MinTokens:         10,
			MinIntervalSec:    10,
			RetainTokens:      60,
			WorkerConcurrency: 32,
			QueueMaxSize:      256,
			FlushTimeoutSec:   60,
			PerTenantMax:      5,
		},
		Chat: ChatConfig{
			RoutingThresholds: "2000/8000/32000",
		},
	}
}

// FlushTimeout returns the drain deadline as a duration.
func (c InsightConfig) FlushTimeout() time.Duration {
	return time.Duration(c.FlushTimeoutSec * float64(time.Second))
}

// MinInterval returns the per-session insight interval as a duration.
func (c InsightConfig) MinInterval() time.Duration {
	return time.Duration(c.MinIntervalSec * float64(time.Second))
}

// BackoffBase returns the worker retry base delay as a duration.
func (c WorkerConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMS) * time.Millisecond
}

// Validate checks cfg for coherent values, returning a joined error listing
// every hard failure. Soft violations of the window clamps are corrected in
// place with a warning.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	if cfg.Worker.BaseURL == "" {
		errs = append(errs, errors.New("worker.base_url is required"))
	}
	if cfg.Worker.Retries < 0 {
		errs = append(errs, fmt.Errorf("worker.retries %d must not be negative", cfg.Worker.Retries))
	}
	if cfg.Worker.BackoffBaseMS <= 0 {
		errs = append(errs, fmt.Errorf("worker.backoff_base_ms %d must be positive", cfg.Worker.BackoffBaseMS))
	}

	clampWindows(&cfg.Stream)
	if cfg.Stream.OutboundQueue <= 0 {
		errs = append(errs, fmt.Errorf("stream.outbound_queue %d must be positive", cfg.Stream.OutboundQueue))
	}

	ins := &cfg.Insight
	if ins.MinTokens < 0 {
		errs = append(errs, fmt.Errorf("insight.min_tokens %d must not be negative", ins.MinTokens))
	}
	if ins.WorkerConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("insight.worker_concurrency %d must be positive", ins.WorkerConcurrency))
	}
	if ins.QueueMaxSize <= 0 {
		errs = append(errs, fmt.Errorf("insight.queue_maxsize %d must be positive", ins.QueueMaxSize))
	}
	if ins.FlushTimeoutSec <= 0 {
		errs = append(errs, fmt.Errorf("insight.flush_timeout_sec %v must be positive", ins.FlushTimeoutSec))
	}
	if ins.PerTenantMax <= 0 {
		errs = append(errs, fmt.Errorf("insight.per_tenant_max %d must be positive", ins.PerTenantMax))
	}
	if ins.RetainTokens <= 0 {
		errs = append(errs, fmt.Errorf("insight.retain_tokens %d must be positive", ins.RetainTokens))
	}

	if _, _, _, err := cfg.Chat.Thresholds(); err != nil {
		errs = append(errs, err)
	}
	for tier, bc := range map[string]ChatBackendConfig{
		"fast": cfg.Chat.Fast, "balanced": cfg.Chat.Balanced, "deep": cfg.Chat.Deep,
	} {
		if bc.Model == "" {
			errs = append(errs, fmt.Errorf("chat.%s.model is required", tier))
		}
	}

	return errors.Join(errs...)
}

// Thresholds parses the "fast/balanced/ceiling" routing string.
func (c ChatConfig) Thresholds() (fast, balanced, ceiling int, err error) {
	s := c.RoutingThresholds
	if s == "" {
		return 2000, 8000, 32000, nil
	}
	if _, err := fmt.Sscanf(s, "%d/%d/%d", &fast, &balanced, &ceiling); err != nil {
		return 0, 0, 0, fmt.Errorf("chat.routing_thresholds %q must be \"fast/balanced/ceiling\": %w", s, err)
	}
	if fast <= 0 || fast >= balanced || balanced >= ceiling {
		return 0, 0, 0, fmt.Errorf("chat.routing_thresholds %q must be strictly increasing positive values", s)
	}
	return fast, balanced, ceiling, nil
}

// clampWindows enforces the documented window clamps, warning on correction:
// batch window in [0.5, 15], max window in [batch, 20], buffer cap at least
// the max window.
func clampWindows(s *StreamConfig) {
	clamp := func(name string, v *float64, lo, hi float64) {
		orig := *v
		if *v < lo {
			*v = lo
		}
		if *v > hi {
			*v = hi
		}
		if *v != orig {
			slog.Warn("config value clamped", "field", name, "given", orig, "used", *v)
		}
	}
	clamp("stream.batch_window_sec", &s.BatchWindowSec, MinBatchWindowSec, MaxBatchWindowCap)
	clamp("stream.max_batch_window_sec", &s.MaxBatchWindowSec, s.BatchWindowSec, MaxMaxWindowCap)
	if s.MaxBufferSec < s.MaxBatchWindowSec {
		slog.Warn("config value clamped",
			"field", "stream.max_buffer_sec",
			"given", s.MaxBufferSec,
			"used", s.MaxBatchWindowSec,
		)
		s.MaxBufferSec = s.MaxBatchWindowSec
	}
}

// ClampSessionWindows applies the same clamps to a session's requested
// windows, returning corrected values. Used by the gateway when a start
// event overrides the defaults.
func ClampSessionWindows(batch, maxWindow, maxBuffer float64) (float64, float64, float64) {
	s := StreamConfig{BatchWindowSec: batch, MaxBatchWindowSec: maxWindow, MaxBufferSec: maxBuffer}
	clampWindows(&s)
	return s.BatchWindowSec, s.MaxBatchWindowSec, s.MaxBufferSec
}
