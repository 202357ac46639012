package asr_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sonolith/callsight/pkg/asr"
)

// ---- helpers ----------------------------------------------------------------

// makePCM generates a 440 Hz sine-wave PCM buffer with `samples` 16-bit
// little-endian signed samples, assuming a 16 kHz sample rate.
func makePCM(samples int) []byte {
	const amplitude = 10_000.0
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(amplitude * math.Sin(2*math.Pi*440*float64(i)/16000))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

// workerResponse renders the worker's JSON answer for text.
func workerResponse(text string) map[string]any {
	return map[string]any{
		"text": text,
		"segments": []map[string]any{
			{"start": 0.0, "end": 1.5, "text": text},
		},
		"language":         "en",
		"duration_seconds": 1.5,
	}
}

// newWorker wraps an httptest server around handler and closes it with the
// test.
func newWorker(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

// mustClient builds a Client against srv with fast retry timing for tests.
func mustClient(t *testing.T, srv *httptest.Server, opts ...asr.Option) *asr.Client {
	t.Helper()
	opts = append([]asr.Option{asr.WithBackoffBase(time.Millisecond)}, opts...)
	c, err := asr.New(srv.URL, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

// ---- construction -----------------------------------------------------------

func TestNew_EmptyBaseURL_ReturnsError(t *testing.T) {
	if _, err := asr.New(""); err == nil {
		t.Fatal("expected error for empty baseURL, got nil")
	}
}

func TestTranscribe_InvalidRequest_ReturnsError(t *testing.T) {
	srv := newWorker(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should reach the worker")
	})
	c := mustClient(t, srv)

	if _, err := c.Transcribe(context.Background(), asr.Request{SampleRate: 16000}); err == nil {
		t.Error("expected error for empty PCM, got nil")
	}
	if _, err := c.Transcribe(context.Background(), asr.Request{PCM: makePCM(160)}); err == nil {
		t.Error("expected error for zero sample rate, got nil")
	}
}

// ---- happy path -------------------------------------------------------------

func TestTranscribe_UploadsWAVAndHints(t *testing.T) {
	var calls atomic.Int32
	srv := newWorker(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodPost || r.URL.Path != "/transcribe" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if got := r.Header.Get("X-Session-Affinity"); got != "sess-42" {
			t.Errorf("affinity header = %q; want %q", got, "sess-42")
		}
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if got := r.FormValue("language"); got != "de" {
			t.Errorf("language field = %q; want %q", got, "de")
		}
		if got := r.FormValue("model"); got != "large-v3" {
			t.Errorf("model field = %q; want %q", got, "large-v3")
		}
		if got := r.FormValue("compute_type"); got != "float16" {
			t.Errorf("compute_type field = %q; want %q", got, "float16")
		}
		if got := r.FormValue("vad_filter"); got != "true" {
			t.Errorf("vad_filter field = %q; want %q", got, "true")
		}
		if got := r.FormValue("beam_size"); got != "5" {
			t.Errorf("beam_size field = %q; want %q", got, "5")
		}

		fhs := r.MultipartForm.File["file"]
		if len(fhs) != 1 {
			t.Errorf("file parts = %d; want 1", len(fhs))
		} else if f, err := fhs[0].Open(); err != nil {
			t.Errorf("open file part: %v", err)
		} else {
			wav, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				t.Errorf("read file part: %v", err)
			}
			if len(wav) != 44+320 {
				t.Errorf("wav size = %d; want %d (header + pcm)", len(wav), 44+320)
			}
			if len(wav) >= 12 && (string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE") {
				t.Error("file part is not a RIFF/WAVE container")
			}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(workerResponse("guten tag"))
	})

	c := mustClient(t, srv,
		asr.WithModel("large-v3"),
		asr.WithVADFilter(true),
		asr.WithBeamSize(5),
	)

	res, err := c.Transcribe(context.Background(), asr.Request{
		PCM:        makePCM(160),
		SampleRate: 16000,
		Language:   "de",
		Affinity:   "sess-42",
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "guten tag" {
		t.Errorf("Text = %q; want %q", res.Text, "guten tag")
	}
	if len(res.Segments) != 1 || res.Segments[0].End != 1.5 {
		t.Errorf("Segments = %+v", res.Segments)
	}
	if res.DurationSeconds != 1.5 {
		t.Errorf("DurationSeconds = %v; want 1.5", res.DurationSeconds)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("worker called %d time(s); want 1", n)
	}
}

// ---- retry policy -----------------------------------------------------------

func TestTranscribe_RetriesAfterServerError(t *testing.T) {
	var calls atomic.Int32
	srv := newWorker(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "worker busy", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(workerResponse("second time lucky"))
	})
	c := mustClient(t, srv)

	res, err := c.Transcribe(context.Background(), asr.Request{
		PCM:        makePCM(160),
		SampleRate: 16000,
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "second time lucky" {
		t.Errorf("Text = %q", res.Text)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("worker called %d time(s); want 2", n)
	}
}

func TestTranscribe_ExhaustedRetries_ReturnsUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := newWorker(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "on fire", http.StatusInternalServerError)
	})
	c := mustClient(t, srv)

	_, err := c.Transcribe(context.Background(), asr.Request{
		PCM:        makePCM(160),
		SampleRate: 16000,
	})
	if !errors.Is(err, asr.ErrUnavailable) {
		t.Fatalf("err = %v; want ErrUnavailable", err)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("worker called %d time(s); want 3 (initial + 2 retries)", n)
	}
}

func TestTranscribe_ClientError_NotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := newWorker(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unsupported audio", http.StatusUnprocessableEntity)
	})
	c := mustClient(t, srv)

	_, err := c.Transcribe(context.Background(), asr.Request{
		PCM:        makePCM(160),
		SampleRate: 16000,
	})
	if err == nil {
		t.Fatal("expected error for 422 response, got nil")
	}
	if errors.Is(err, asr.ErrUnavailable) {
		t.Errorf("4xx must not classify as unavailable: %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("worker called %d time(s); want 1", n)
	}
}

// ---- affinity handling ------------------------------------------------------

func TestTranscribe_DropsAffinityAfterUnreachable(t *testing.T) {
	var (
		mu      sync.Mutex
		headers []string
	)
	srv := newWorker(t, func(w http.ResponseWriter, r *http.Request) {
		affinity := r.Header.Get("X-Session-Affinity")
		mu.Lock()
		headers = append(headers, affinity)
		mu.Unlock()

		if affinity != "" {
			// Balancer-style answer for a dead pinned worker.
			http.Error(w, "no upstream", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(workerResponse("rerouted"))
	})

	var breaks atomic.Int32
	c := mustClient(t, srv, asr.WithAffinityBreakHook(func() { breaks.Add(1) }))

	res, err := c.Transcribe(context.Background(), asr.Request{
		PCM:        makePCM(160),
		SampleRate: 16000,
		Affinity:   "sess-7",
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "rerouted" {
		t.Errorf("Text = %q", res.Text)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(headers) != 2 {
		t.Fatalf("attempts = %d; want 2", len(headers))
	}
	if headers[0] != "sess-7" {
		t.Errorf("first attempt affinity = %q; want %q", headers[0], "sess-7")
	}
	if headers[1] != "" {
		t.Errorf("second attempt affinity = %q; want dropped", headers[1])
	}
	if n := breaks.Load(); n != 1 {
		t.Errorf("affinity break hook called %d time(s); want 1", n)
	}
}

func TestTranscribe_KeepsAffinityAfterWorkerError(t *testing.T) {
	var (
		mu      sync.Mutex
		headers []string
	)
	srv := newWorker(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		headers = append(headers, r.Header.Get("X-Session-Affinity"))
		n := len(headers)
		mu.Unlock()

		if n == 1 {
			// The pinned worker answered, it just failed. Reachable.
			http.Error(w, "decoder crashed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(workerResponse("still pinned"))
	})

	var breaks atomic.Int32
	c := mustClient(t, srv, asr.WithAffinityBreakHook(func() { breaks.Add(1) }))

	if _, err := c.Transcribe(context.Background(), asr.Request{
		PCM:        makePCM(160),
		SampleRate: 16000,
		Affinity:   "sess-9",
	}); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, h := range headers {
		if h != "sess-9" {
			t.Errorf("attempt %d affinity = %q; want %q", i+1, h, "sess-9")
		}
	}
	if n := breaks.Load(); n != 0 {
		t.Errorf("affinity break hook called %d time(s); want 0", n)
	}
}

// ---- circuit breaker --------------------------------------------------------

// stubBreaker implements asr.Breaker. When open it rejects without running fn.
type stubBreaker struct {
	open  bool
	calls atomic.Int32
}

func (b *stubBreaker) Execute(fn func() error) error {
	b.calls.Add(1)
	if b.open {
		return errors.New("circuit breaker is open")
	}
	return fn()
}

func TestTranscribe_OpenBreaker_FailsWithoutNetwork(t *testing.T) {
	var calls atomic.Int32
	srv := newWorker(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})

	br := &stubBreaker{open: true}
	c := mustClient(t, srv, asr.WithBreaker(br))

	_, err := c.Transcribe(context.Background(), asr.Request{
		PCM:        makePCM(160),
		SampleRate: 16000,
	})
	if !errors.Is(err, asr.ErrUnavailable) {
		t.Fatalf("err = %v; want ErrUnavailable", err)
	}
	if n := calls.Load(); n != 0 {
		t.Errorf("worker called %d time(s) behind an open breaker; want 0", n)
	}
	if n := br.calls.Load(); n != 1 {
		t.Errorf("breaker consulted %d time(s); want 1", n)
	}
}

func TestTranscribe_ClosedBreaker_PassesThrough(t *testing.T) {
	srv := newWorker(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(workerResponse("through"))
	})

	c := mustClient(t, srv, asr.WithBreaker(&stubBreaker{}))

	res, err := c.Transcribe(context.Background(), asr.Request{
		PCM:        makePCM(160),
		SampleRate: 16000,
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "through" {
		t.Errorf("Text = %q", res.Text)
	}
}

// ---- cancellation -----------------------------------------------------------

func TestTranscribe_CancelledContext_StopsRetrying(t *testing.T) {
	var calls atomic.Int32
	srv := newWorker(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	c := mustClient(t, srv, asr.WithBackoffBase(50*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := c.Transcribe(ctx, asr.Request{
		PCM:        makePCM(160),
		SampleRate: 16000,
	})
	if !errors.Is(err, asr.ErrUnavailable) {
		t.Fatalf("err = %v; want ErrUnavailable", err)
	}
	if n := calls.Load(); n >= 3 {
		t.Errorf("worker called %d time(s) after cancellation; want < 3", n)
	}
}
