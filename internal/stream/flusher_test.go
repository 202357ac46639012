package stream_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sonolith/callsight/internal/stream"
	"github.com/sonolith/callsight/pkg/asr"
	"github.com/sonolith/callsight/pkg/audio"
)

type fakeTranscriber struct {
	mu   sync.Mutex
	reqs []asr.Request
	text string
	err  error
}

func (f *fakeTranscriber) Transcribe(_ context.Context, req asr.Request) (*asr.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return &asr.BatchResult{
		Text:            f.text,
		DurationSeconds: audio.Duration(len(req.PCM), req.SampleRate, req.Channels),
	}, nil
}

func (f *fakeTranscriber) requests() []asr.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]asr.Request, len(f.reqs))
	copy(out, f.reqs)
	return out
}

type flusherHarness struct {
	sess    *stream.Session
	fake    *fakeTranscriber
	flusher *stream.Flusher
	batches chan stream.Batch
	fails   chan error
	cancel  context.CancelFunc
}

func newFlusherHarness(t *testing.T, batchWindow, maxWindow, maxBuffer time.Duration) *flusherHarness {
	t.Helper()

	sess := &stream.Session{
		ID:             "sess-test",
		Tenant:         "acme",
		SampleRate:     testRate,
		Channels:       testChannels,
		BatchWindow:    batchWindow,
		MaxBatchWindow: maxWindow,
		MaxBuffer:      maxBuffer,
		StartedAt:      time.Now(),
	}
	h := &flusherHarness{
		sess:    sess,
		fake:    &fakeTranscriber{text: "hello from the worker"},
		batches: make(chan stream.Batch, 16),
		fails:   make(chan error, 1),
	}
	h.flusher = stream.NewFlusher(stream.FlusherConfig{
		Session:    sess,
		Buffer:     stream.NewBuffer(sess.SampleRate, sess.Channels, maxBuffer, maxWindow),
		Transcript: stream.NewTranscript(),
		Client:     h.fake,
		OnBatch:    func(b stream.Batch) { h.batches <- b },
		OnFailure:  func(err error) { h.fails <- err },
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go h.flusher.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.flusher.Done()
	})
	return h
}

func (h *flusherHarness) waitBatch(t *testing.T, timeout time.Duration) stream.Batch {
	t.Helper()
	select {
	case b := <-h.batches:
		return b
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a batch")
		return stream.Batch{}
	}
}

func TestFlusher_FlushesOnBatchWindow(t *testing.T) {
	h := newFlusherHarness(t, 50*time.Millisecond, time.Second, 10*time.Second)

	// 0.06 s of audio crosses the 0.05 s window; the flush should land once
	// the window has also elapsed.
	if err := h.flusher.Append(context.Background(), pcmBytes(120, 0)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	b := h.waitBatch(t, 2*time.Second)
	if b.Index != 0 {
		t.Fatalf("batch index = %d, want 0", b.Index)
	}
	if b.DurationSeconds != 0.06 {
		t.Fatalf("batch duration = %v, want 0.06", b.DurationSeconds)
	}
	if b.Text != "hello from the worker" {
		t.Fatalf("batch text = %q", b.Text)
	}
	if b.Tokens != stream.CountTokens(b.Text) {
		t.Fatalf("batch tokens = %d, want %d", b.Tokens, stream.CountTokens(b.Text))
	}

	reqs := h.fake.requests()
	if len(reqs) != 1 {
		t.Fatalf("worker calls = %d, want 1", len(reqs))
	}
	if reqs[0].Affinity != "sess-test" {
		t.Fatalf("affinity = %q, want session id", reqs[0].Affinity)
	}
}

func TestFlusher_MaxWindowFlushesEarly(t *testing.T) {
	// Audio arriving faster than real time: 6 s buffered well before the 5 s
	// batch window elapses must flush at the max window, not wait it out.
	h := newFlusherHarness(t, 5*time.Second, 6*time.Second, time.Minute)

	if err := h.flusher.Append(context.Background(), pcmBytes(12000, 0)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	b := h.waitBatch(t, 2*time.Second)
	if b.DurationSeconds != 6 {
		t.Fatalf("batch duration = %v, want 6", b.DurationSeconds)
	}
}

func TestFlusher_BufferCapForcesSynchronousFlush(t *testing.T) {
	// Timer never fires; the only flush path is the cap breach in Append.
	h := newFlusherHarness(t, time.Hour, 50*time.Millisecond, 100*time.Millisecond)

	if err := h.flusher.Append(context.Background(), pcmBytes(150, 0x01)); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if err := h.flusher.Append(context.Background(), pcmBytes(100, 0x02)); err != nil {
		t.Fatalf("second append: %v", err)
	}

	// The forced flush happens before Append returns, so the batch is
	// already delivered.
	select {
	case b := <-h.batches:
		if b.DurationSeconds != 0.05 {
			t.Fatalf("forced batch duration = %v, want 0.05 (one max window)", b.DurationSeconds)
		}
		if b.Index != 0 {
			t.Fatalf("forced batch index = %d, want 0", b.Index)
		}
	default:
		t.Fatal("cap breach did not flush synchronously")
	}
}

func TestFlusher_StopFlushesRemainder(t *testing.T) {
	h := newFlusherHarness(t, time.Hour, time.Hour, time.Hour)

	// 0.1 s buffered is exactly the final-flush floor.
	if err := h.flusher.Append(context.Background(), pcmBytes(200, 0)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	h.flusher.Stop()
	<-h.flusher.Done()

	b := h.waitBatch(t, time.Second)
	if b.DurationSeconds != 0.1 {
		t.Fatalf("final batch duration = %v, want 0.1", b.DurationSeconds)
	}

	// Stop is idempotent.
	h.flusher.Stop()
}

func TestFlusher_StopSkipsSubThresholdRemainder(t *testing.T) {
	h := newFlusherHarness(t, time.Hour, time.Hour, time.Hour)

	// 0.05 s is under the 0.1 s floor: discard, no final batch.
	if err := h.flusher.Append(context.Background(), pcmBytes(100, 0)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	h.flusher.Stop()
	<-h.flusher.Done()

	select {
	case b := <-h.batches:
		t.Fatalf("unexpected final batch: %+v", b)
	default:
	}
	if got := h.fake.requests(); len(got) != 0 {
		t.Fatalf("worker calls = %d, want 0", len(got))
	}
}

func TestFlusher_FatalFailureEndsSession(t *testing.T) {
	h := newFlusherHarness(t, 30*time.Millisecond, time.Second, 10*time.Second)
	h.fake.mu.Lock()
	h.fake.err = errors.New("worker unreachable")
	h.fake.mu.Unlock()

	if err := h.flusher.Append(context.Background(), pcmBytes(200, 0)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	select {
	case err := <-h.fails:
		if !strings.Contains(err.Error(), "worker unreachable") {
			t.Fatalf("failure error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for failure callback")
	}

	<-h.flusher.Done()
	if !h.flusher.Failed() {
		t.Fatal("Failed() = false after fatal flush failure")
	}
	if err := h.flusher.Append(context.Background(), pcmBytes(10, 0)); !errors.Is(err, stream.ErrFlusherFailed) {
		t.Fatalf("Append after failure = %v, want ErrFlusherFailed", err)
	}
}

func TestFlusher_BatchIndexesAreSequential(t *testing.T) {
	h := newFlusherHarness(t, 20*time.Millisecond, 100*time.Millisecond, 10*time.Second)

	for i := 0; i < 3; i++ {
		if err := h.flusher.Append(context.Background(), pcmBytes(60, 0)); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		b := h.waitBatch(t, 2*time.Second)
		if b.Index != i {
			t.Fatalf("batch %d index = %d", i, b.Index)
		}
	}
}
