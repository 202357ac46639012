package app_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/sonolith/callsight/internal/app"
	"github.com/sonolith/callsight/internal/archive"
	"github.com/sonolith/callsight/internal/config"
	"github.com/sonolith/callsight/internal/observe"
	"github.com/sonolith/callsight/pkg/asr"
	"github.com/sonolith/callsight/pkg/chat"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return met
}

func testConfig(workerURL string) *config.Config {
	cfg := config.Default()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Auth.Tokens = map[string]string{"tok": "acme"}
	cfg.Worker.BaseURL = workerURL
	cfg.Chat.Fast.Model = "fast-model"
	cfg.Chat.Balanced.Model = "balanced-model"
	cfg.Chat.Deep.Model = "deep-model"
	return cfg
}

type nopTranscriber struct{}

func (nopTranscriber) Transcribe(context.Context, asr.Request) (*asr.BatchResult, error) {
	return &asr.BatchResult{}, nil
}

type nopBackend struct{}

func (nopBackend) Complete(context.Context, chat.Request) (*chat.Response, error) {
	return &chat.Response{Content: "{}", Model: "nop"}, nil
}

func (nopBackend) StreamComplete(context.Context, chat.Request) (<-chan chat.Delta, error) {
	ch := make(chan chat.Delta)
	close(ch)
	return ch, nil
}

func (nopBackend) Model() string { return "nop" }

func newTestApp(t *testing.T, workerURL string) *app.App {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := app.New(context.Background(), testConfig(workerURL), logger,
		app.WithMetrics(testMetrics(t)),
		app.WithTranscriber(nopTranscriber{}),
		app.WithChatBackends(nopBackend{}, nopBackend{}, nopBackend{}),
		app.WithStore(archive.NewMemStore()),
	)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	return a
}

func TestApp_ServesHealthAndMetrics(t *testing.T) {
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound) // reachable is enough
	}))
	defer worker.Close()

	a := newTestApp(t, worker.URL)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/healthz status = %d", resp.StatusCode)
	}

	resp2, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("/readyz status = %d, want 200 with a reachable worker", resp2.StatusCode)
	}
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(resp2.Body).Decode(&body); err != nil {
		t.Fatalf("decode readyz: %v", err)
	}
	if body.Checks["workers"] != "ok" || body.Checks["archive"] != "ok" {
		t.Fatalf("readyz checks = %v", body.Checks)
	}

	resp3, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusOK {
		t.Fatalf("/metrics status = %d", resp3.StatusCode)
	}
}

func TestApp_ReadyzFailsWhenWorkersDown(t *testing.T) {
	// A closed port: the check must fail on transport, not on status.
	a := newTestApp(t, "http://127.0.0.1:1")
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("/readyz status = %d, want 503", resp.StatusCode)
	}
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	a := newTestApp(t, "http://127.0.0.1:1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v after cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	a.Close()
}
