// Package gateway implements the WebSocket streaming surface of Callsight:
// authenticated session upgrade, the inbound event protocol, the ordered
// outbound queue, and the per-session coordinator tying the audio buffer,
// the transcription flusher, and the insight pipeline together.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sonolith/callsight/internal/archive"
	"github.com/sonolith/callsight/internal/config"
	"github.com/sonolith/callsight/internal/health"
	"github.com/sonolith/callsight/internal/insight"
	"github.com/sonolith/callsight/internal/observe"
	"github.com/sonolith/callsight/internal/stream"
)

// Server hosts the streaming endpoint plus the operational surface
// (metrics, health). One Server serves every tenant; per-session state lives
// in the coordinator spawned per connection.
type Server struct {
	rt     *runtime
	health *health.Handler

	// sessCtx parents every session so Drain can cancel them all at
	// shutdown; coordinators observe that as a transport close.
	sessCtx  context.Context
	stop     context.CancelFunc
	sessions sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithArchive enables best-effort post-session persistence.
func WithArchive(store archive.Store) Option {
	return func(s *Server) { s.rt.store = store }
}

// WithHealth registers health checkers on /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// NewServer wires the gateway. asrClient transcribes flushed windows;
// insights may be nil when no chat backend is configured, which disables the
// pipeline for every session regardless of start-event flags.
func NewServer(cfg *config.Config, asrClient stream.Transcriber, insights *insight.Manager, metrics *observe.Metrics, log *slog.Logger, opts ...Option) *Server {
	s := &Server{
		rt: &runtime{
			cfg:      cfg,
			asr:      asrClient,
			insights: insights,
			metrics:  metrics,
			log:      log,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sessCtx, s.stop = context.WithCancel(context.Background())
	return s
}

// Drain cancels every live session and waits for their coordinators to wind
// down. Call it after the listener has stopped accepting upgrades; the ctx
// deadline bounds the wait.
func (s *Server) Drain(ctx context.Context) error {
	s.stop()
	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gateway: session drain: %w", ctx.Err())
	}
}

// Handler returns the gateway's HTTP routes with request metrics applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/asr/stream", s.handleStream)
	mux.Handle("GET /metrics", promhttp.Handler())
	if s.health != nil {
		s.health.Register(mux)
	}
	return observe.Middleware(s.rt.metrics)(mux)
}

// handleStream authenticates the request, upgrades it, and runs the session
// coordinator until the connection closes.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.authenticate(r)
	if !ok {
		w.Header().Set("WWW-Authenticate", `Bearer realm="callsight"`)
		http.Error(w, "missing or unknown access token", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.rt.log.Debug("websocket upgrade failed", "err", err)
		return
	}

	// Sessions outlive the upgrade request; their lifetime is bound to the
	// server, not to r.Context.
	s.sessions.Add(1)
	defer s.sessions.Done()
	newCoordinator(s.rt, conn, tenant).run(s.sessCtx)
}

// authenticate resolves the bearer token (Authorization header or
// access_token query parameter, for browser WebSocket clients that cannot
// set headers) to a tenant id.
func (s *Server) authenticate(r *http.Request) (tenant string, ok bool) {
	token := ""
	if auth := r.Header.Get("Authorization"); auth != "" {
		token, _ = strings.CutPrefix(auth, "Bearer ")
	}
	if token == "" {
		token = r.URL.Query().Get("access_token")
	}
	if token == "" {
		return "", false
	}
	tenant, ok = s.rt.cfg.Auth.Tokens[token]
	return tenant, ok
}
