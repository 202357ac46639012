// Package app wires all Callsight subsystems into a running gateway.
//
// The App struct owns the full lifecycle: New creates and connects the
// transcription client, the chat backends behind the insight pipeline, the
// archive, and the WebSocket gateway; Run serves until the context is
// cancelled; Close releases held resources.
//
// For testing, inject doubles via functional options (WithTranscriber,
// WithStore, WithChatBackends). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/sonolith/callsight/internal/archive"
	"github.com/sonolith/callsight/internal/config"
	"github.com/sonolith/callsight/internal/gateway"
	"github.com/sonolith/callsight/internal/health"
	"github.com/sonolith/callsight/internal/insight"
	"github.com/sonolith/callsight/internal/lexicon"
	"github.com/sonolith/callsight/internal/observe"
	"github.com/sonolith/callsight/internal/resilience"
	"github.com/sonolith/callsight/internal/stream"
	"github.com/sonolith/callsight/pkg/asr"
	"github.com/sonolith/callsight/pkg/chat"
	"github.com/sonolith/callsight/pkg/chat/anyllm"
	"github.com/sonolith/callsight/pkg/chat/openai"
)

// shutdownGrace bounds the graceful HTTP drain after the run context ends.
const shutdownGrace = 15 * time.Second

// App owns every subsystem of the Callsight gateway.
type App struct {
	cfg *config.Config
	log *slog.Logger

	metrics  *observe.Metrics
	asr      stream.Transcriber
	insights *insight.Manager
	store    archive.Store
	gw       *gateway.Server
	server   *http.Server

	// tierOverride carries injected chat backends; consumed once in New.
	tierOverride *[3]chat.Backend
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTranscriber injects a transcription client instead of building the
// worker-fleet client from config.
func WithTranscriber(tr stream.Transcriber) Option {
	return func(a *App) { a.asr = tr }
}

// WithStore injects an archive store instead of connecting via the
// configured DSN.
func WithStore(s archive.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects a Metrics set bound to a private meter provider,
// keeping tests off the global Prometheus registry.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithChatBackends injects the tier backends instead of constructing clients
// from the chat config.
func WithChatBackends(fast, balanced, deep chat.Backend) Option {
	return func(a *App) {
		a.tierOverride = &[3]chat.Backend{fast, balanced, deep}
	}
}

// New wires the application from cfg. All construction is synchronous; no
// network traffic happens until Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, log: logger}
	for _, o := range opts {
		o(a)
	}

	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if a.asr == nil {
		client, err := a.buildASRClient()
		if err != nil {
			return nil, err
		}
		a.asr = client
	}

	fast, balanced, deep, err := a.buildTierBackends()
	if err != nil {
		return nil, err
	}

	tf, tb, tc, err := cfg.Chat.Thresholds()
	if err != nil {
		return nil, err
	}
	router, err := chat.NewRouter(fast, balanced, deep, chat.Thresholds{Fast: tf, Balanced: tb, Ceiling: tc})
	if err != nil {
		return nil, err
	}

	var lexOpts []lexicon.Option
	if len(cfg.Lexicon.Glossary) > 0 {
		lexOpts = append(lexOpts, lexicon.WithGlossary(cfg.Lexicon.Glossary))
	}
	if len(cfg.Lexicon.FillerWords) > 0 {
		lexOpts = append(lexOpts, lexicon.WithFillerWords(cfg.Lexicon.FillerWords))
	}
	norm := lexicon.NewNormalizer(lexOpts...)

	a.insights = insight.NewManager(insight.Config{
		MinTokens:    cfg.Insight.MinTokens,
		MinInterval:  cfg.Insight.MinInterval(),
		RetainTokens: cfg.Insight.RetainTokens,
		Concurrency:  cfg.Insight.WorkerConcurrency,
		QueueSize:    cfg.Insight.QueueMaxSize,
		PerTenantMax: cfg.Insight.PerTenantMax,
	}, router, hintBackends(cfg.Chat, fast, balanced, deep), norm, a.metrics, logger)

	if a.store == nil && cfg.Archive.DSN != "" {
		store, err := archive.Connect(ctx, cfg.Archive.DSN)
		if err != nil {
			return nil, fmt.Errorf("app: connect archive: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("app: migrate archive: %w", err)
		}
		a.store = store
		logger.Info("archive connected")
	}

	a.gw = gateway.NewServer(cfg, a.asr, a.insights, a.metrics, logger,
		gateway.WithArchive(a.store),
		gateway.WithHealth(a.buildHealth()),
	)
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// buildASRClient constructs the worker-fleet client from the config,
// including the optional circuit breaker and the affinity-break counter.
func (a *App) buildASRClient() (*asr.Client, error) {
	opts := []asr.Option{
		asr.WithModel(a.cfg.Worker.Model),
		asr.WithComputeType(a.cfg.Worker.ComputeType),
		asr.WithVADFilter(a.cfg.Worker.VADFilter),
		asr.WithBeamSize(a.cfg.Worker.BeamSize),
		asr.WithRetries(a.cfg.Worker.Retries),
		asr.WithBackoffBase(a.cfg.Worker.BackoffBase()),
		asr.WithAffinityBreakHook(func() {
			a.metrics.AffinityBreaks.Add(context.Background(), 1)
		}),
	}
	if bc := a.cfg.Worker.Breaker; bc != nil {
		opts = append(opts, asr.WithBreaker(resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "asr-workers",
			MaxFailures:  bc.MaxFailures,
			ResetTimeout: time.Duration(bc.ResetTimeoutSec * float64(time.Second)),
			HalfOpenMax:  bc.HalfOpenMax,
		})))
	}
	return asr.New(a.cfg.Worker.BaseURL, opts...)
}

// buildTierBackends constructs the three routed chat backends, honoring any
// injected override.
func (a *App) buildTierBackends() (fast, balanced, deep chat.Backend, err error) {
	if a.tierOverride != nil {
		return a.tierOverride[0], a.tierOverride[1], a.tierOverride[2], nil
	}
	if fast, err = buildBackend(a.cfg.Chat.Fast); err != nil {
		return nil, nil, nil, fmt.Errorf("app: chat fast tier: %w", err)
	}
	if balanced, err = buildBackend(a.cfg.Chat.Balanced); err != nil {
		return nil, nil, nil, fmt.Errorf("app: chat balanced tier: %w", err)
	}
	if deep, err = buildBackend(a.cfg.Chat.Deep); err != nil {
		return nil, nil, nil, fmt.Errorf("app: chat deep tier: %w", err)
	}
	return fast, balanced, deep, nil
}

// buildBackend constructs one chat backend. Provider "openai" (or empty)
// uses the OpenAI-compatible client; everything else goes through the
// any-llm bridge.
func buildBackend(bc config.ChatBackendConfig) (chat.Backend, error) {
	provider := bc.Provider
	if provider == "" || provider == "openai" {
		var opts []openai.Option
		if bc.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(bc.BaseURL))
		}
		return openai.New(bc.APIKey, bc.Model, opts...)
	}

	var opts []anyllmlib.Option
	if bc.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(bc.APIKey))
	}
	if bc.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(bc.BaseURL))
	}
	return anyllm.New(provider, bc.Model, opts...)
}

// hintBackends maps provider names from the tier configs to their backends
// so a session's provider hint can pin one. The first tier configuring a
// provider wins.
func hintBackends(cc config.ChatConfig, fast, balanced, deep chat.Backend) map[string]chat.Backend {
	out := make(map[string]chat.Backend)
	add := func(bc config.ChatBackendConfig, b chat.Backend) {
		name := bc.Provider
		if name == "" {
			name = "openai"
		}
		if _, ok := out[name]; !ok {
			out[name] = b
		}
	}
	add(cc.Fast, fast)
	add(cc.Balanced, balanced)
	add(cc.Deep, deep)
	return out
}

// buildHealth assembles the readiness checkers: worker fleet reachability
// and, when configured, archive connectivity.
func (a *App) buildHealth() *health.Handler {
	checkers := []health.Checker{
		{Name: "workers", Check: a.checkWorkers},
	}
	if a.store != nil {
		checkers = append(checkers, health.Checker{Name: "archive", Check: a.store.Ping})
	}
	return health.New(checkers...)
}

// checkWorkers probes the worker fleet address. Any HTTP response counts as
// reachable; only transport failures fail the check.
func (a *App) checkWorkers(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.Worker.BaseURL, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("worker fleet unreachable: %w", err)
	}
	resp.Body.Close()
	return nil
}

// Handler exposes the gateway routes, mainly for httptest-based tests.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// Run serves until ctx is cancelled or the server fails. The insight worker
// pool runs alongside the HTTP listener; on cancellation the listener and
// every live session drain within the shutdown grace period.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.insights.Run(ctx)
	})

	g.Go(func() error {
		a.log.Info("gateway listening", "addr", a.server.Addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		// Stop accepting upgrades first; Shutdown does not reach hijacked
		// WebSocket connections, so live sessions drain separately.
		err := a.server.Shutdown(shutCtx)
		return errors.Join(err, a.gw.Drain(shutCtx))
	})

	return g.Wait()
}

// Close releases held resources after Run has returned.
func (a *App) Close() {
	if a.store != nil {
		a.store.Close()
	}
}
