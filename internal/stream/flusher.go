package stream

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sonolith/callsight/internal/observe"
	"github.com/sonolith/callsight/pkg/asr"
	"github.com/sonolith/callsight/pkg/audio"
)

// minFinalFlushSec is the smallest remainder worth a final flush on drain.
const minFinalFlushSec = 0.1

// ErrFlusherFailed reports that the session's flusher already failed fatally
// and accepts no more audio.
var ErrFlusherFailed = errors.New("stream: flusher failed")

// Transcriber is the slice of the worker client the flusher needs.
// *asr.Client satisfies it.
type Transcriber interface {
	Transcribe(ctx context.Context, req asr.Request) (*asr.BatchResult, error)
}

// FlusherConfig wires a Flusher to its session.
type FlusherConfig struct {
	Session    *Session
	Buffer     *Buffer
	Transcript *Transcript
	Client     Transcriber

	// OnBatch is called after each batch is appended to the transcript, in
	// batch order. Must not block for long; the flusher is sequential.
	OnBatch func(Batch)

	// OnFailure is called at most once when a flush fails after the
	// client's retries. The session must end.
	OnFailure func(error)

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Flusher cuts the session's buffer into batches. One goroutine runs the
// timer loop; the coordinator calls Append from its read loop. Flushes are
// strictly sequential — the flush mutex covers snapshot through transcript
// append, so batch indexes are assigned and delivered in order with no gaps.
//
// Flush triggers, first one wins:
//
//  1. elapsed since last flush and buffered duration both reach the batch
//     window;
//  2. buffered duration reaches the maximum batch window;
//  3. drain (Stop) with at least 0.1 s buffered;
//  4. buffer-cap breach on append (synchronous forced cut).
type Flusher struct {
	sess *Session
	buf  *Buffer
	tr   *Transcript

	client    Transcriber
	onBatch   func(Batch)
	onFailure func(error)
	metrics   *observe.Metrics
	log       *slog.Logger

	// wake nudges the loop after an append crossed the batch window.
	wake chan struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// flushMu serialises the timer loop's flushes with forced overflow
	// flushes from Append.
	flushMu sync.Mutex

	failed   atomic.Bool
	failOnce sync.Once
}

// NewFlusher builds a Flusher. Call Run in its own goroutine, Append from
// the session's ingest path, and Stop to drain.
func NewFlusher(cfg FlusherConfig) *Flusher {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Flusher{
		sess:      cfg.Session,
		buf:       cfg.Buffer,
		tr:        cfg.Transcript,
		client:    cfg.Client,
		onBatch:   cfg.OnBatch,
		onFailure: cfg.OnFailure,
		metrics:   cfg.Metrics,
		log:       log.With("session_id", cfg.Session.ID),
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Run is the timer loop. It returns when ctx is cancelled, Stop drains it,
// or a flush fails fatally. Done() is closed on return.
func (f *Flusher) Run(ctx context.Context) {
	defer close(f.done)

	window := f.sess.BatchWindow
	lastFlush := time.Now()
	timer := time.NewTimer(window)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-f.stopCh:
			if f.buf.PendingDuration() >= minFinalFlushSec {
				if err := f.flush(ctx); err != nil {
					f.fail(err)
				}
			}
			return

		case <-f.wake:
		case <-timer.C:
		}

		pending := f.buf.PendingDuration()
		elapsed := time.Since(lastFlush)
		shouldFlush := pending >= f.sess.MaxBatchWindow.Seconds() ||
			(pending >= window.Seconds() && elapsed >= window)

		if shouldFlush {
			if err := f.flush(ctx); err != nil {
				f.fail(err)
				return
			}
			lastFlush = time.Now()
		}

		// Re-arm to fire when the current window closes.
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(rearmDelay(window, time.Since(lastFlush)))
	}
}

// rearmDelay is the interval until the next timer check. While a window is
// still open the timer fires at its close; once a full window has passed
// without a flush the session is short on audio, so the loop waits another
// full window and relies on Append to wake it the moment enough arrives.
func rearmDelay(window, sinceFlush time.Duration) time.Duration {
	if next := window - sinceFlush; next > 0 {
		return next
	}
	return window
}

// Append adds pcm to the buffer and wakes the loop when the buffered
// duration crossed the batch window. A buffer-cap breach triggers a
// synchronous forced flush of the cut segment before Append returns, per
// the buffering contract. Returns ErrFlusherFailed after a fatal failure.
func (f *Flusher) Append(ctx context.Context, pcm []byte) error {
	if f.failed.Load() {
		return ErrFlusherFailed
	}

	overflow := f.buf.Append(pcm)
	if overflow != nil {
		f.log.Debug("buffer cap breached, forcing flush",
			"cut_seconds", audio.Duration(len(overflow), f.sess.SampleRate, f.sess.Channels))
		f.flushMu.Lock()
		err := f.flushPCM(ctx, overflow)
		f.flushMu.Unlock()
		if err != nil {
			f.fail(err)
			return err
		}
	}

	if f.buf.PendingDuration() >= f.sess.BatchWindow.Seconds() {
		select {
		case f.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// Stop signals the loop to perform its final flush and exit. Idempotent.
// Callers wait on Done() for the final batch to land.
func (f *Flusher) Stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
}

// Done is closed when the loop has exited, final flush included.
func (f *Flusher) Done() <-chan struct{} {
	return f.done
}

// Failed reports whether the flusher ended with a fatal flush failure.
func (f *Flusher) Failed() bool {
	return f.failed.Load()
}

// flush snapshots all pending audio and transcribes it as one batch.
// A no-op on an empty buffer.
func (f *Flusher) flush(ctx context.Context) error {
	f.flushMu.Lock()
	defer f.flushMu.Unlock()

	pcm := f.buf.Snapshot()
	if len(pcm) == 0 {
		return nil
	}
	return f.flushPCM(ctx, pcm)
}

// flushPCM transcribes one window and appends the result. Callers hold
// flushMu, which makes the index assignment race-free.
func (f *Flusher) flushPCM(ctx context.Context, pcm []byte) error {
	started := time.Now()

	res, err := f.client.Transcribe(ctx, asr.Request{
		PCM:        pcm,
		SampleRate: f.sess.SampleRate,
		Channels:   f.sess.Channels,
		Language:   f.sess.Language,
		Affinity:   f.sess.ID,
	})
	elapsed := time.Since(started)

	if err != nil {
		if f.metrics != nil {
			f.metrics.RecordBatch(ctx, "error", elapsed.Seconds())
		}
		return err
	}

	text := strings.TrimSpace(res.Text)
	batch := Batch{
		Index:           f.tr.NextIndex(),
		Text:            text,
		Segments:        res.Segments,
		DurationSeconds: audio.Duration(len(pcm), f.sess.SampleRate, f.sess.Channels),
		Tokens:          CountTokens(text),
		StartedAt:       started,
		CompletedAt:     time.Now(),
	}
	f.tr.Append(batch)

	if f.metrics != nil {
		f.metrics.RecordBatch(ctx, "ok", elapsed.Seconds())
	}
	f.log.Debug("batch flushed",
		"batch_index", batch.Index,
		"audio_seconds", batch.DurationSeconds,
		"tokens", batch.Tokens,
		"worker_ms", elapsed.Milliseconds(),
	)

	if f.onBatch != nil {
		f.onBatch(batch)
	}
	return nil
}

// fail marks the flusher fatally failed and reports it exactly once.
func (f *Flusher) fail(err error) {
	f.failed.Store(true)
	f.failOnce.Do(func() {
		f.log.Error("flush failed fatally", "err", err)
		if f.onFailure != nil {
			f.onFailure(err)
		}
	})
}
