package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/sonolith/callsight/internal/archive"
	"github.com/sonolith/callsight/internal/config"
	"github.com/sonolith/callsight/internal/insight"
	"github.com/sonolith/callsight/internal/observe"
	"github.com/sonolith/callsight/internal/stream"
	"github.com/sonolith/callsight/pkg/audio"
)

// errProtocol marks client mistakes: wrong state, unknown type, malformed
// fields. Anything not wrapping it is a transport failure.
var errProtocol = errors.New("protocol error")

// readLimit is the WebSocket frame cap. It sits above the chunk limit so an
// oversized chunk arrives intact and earns a payload_too_large error instead
// of killing the connection.
const readLimit = 4 << 20

// archiveTimeout bounds the post-session archive write.
const archiveTimeout = 10 * time.Second

// runtime bundles the process-wide dependencies every session shares.
type runtime struct {
	cfg      *config.Config
	asr      stream.Transcriber
	insights *insight.Manager
	metrics  *observe.Metrics
	store    archive.Store
	log      *slog.Logger
}

// coordinator owns one WebSocket connection and drives its session state
// machine: Opening (awaiting start), Running (audio/stop), Draining (final
// flush, insight drain, terminal events), Closed.
//
// Concurrency per session: this goroutine reads inbound frames, one flusher
// goroutine cuts batches, one writer goroutine drains the outbound queue.
// Insight workers push completed events through the sink. All outbound
// traffic funnels through the ordered queue, so enqueue order is delivery
// order and session_ended is always last.
type coordinator struct {
	rt     *runtime
	conn   *websocket.Conn
	tenant string
	out    *outbound
	log    *slog.Logger

	sess    *stream.Session
	tr      *stream.Transcript
	flusher *stream.Flusher

	insightsOn   bool
	insightCount atomic.Int64
	insMu        sync.Mutex
	insRecs      []archive.InsightRecord

	// fatal is set once when the worker fleet fails a flush permanently.
	// The failure path queues error{worker_unavailable} + session_ended and
	// interrupts the read loop.
	fatalOnce     sync.Once
	fatal         atomic.Bool
	interruptRead context.CancelFunc
}

func newCoordinator(rt *runtime, conn *websocket.Conn, tenant string) *coordinator {
	log := rt.log.With("component", "gateway", "tenant", tenant)
	return &coordinator{
		rt:     rt,
		conn:   conn,
		tenant: tenant,
		out:    newOutbound(rt.cfg.Stream.OutboundQueue, rt.metrics, log),
		log:    log,
	}
}

// run owns the connection end to end. It returns when the session has closed
// for any reason; the connection is closed on return.
func (c *coordinator) run(parent context.Context) {
	sessCtx, cancel := context.WithCancel(parent)
	defer cancel()

	readCtx, interruptRead := context.WithCancel(sessCtx)
	defer interruptRead()
	c.interruptRead = interruptRead

	c.conn.SetReadLimit(readLimit)

	writerErr := make(chan error, 1)
	go func() { writerErr <- c.out.run(sessCtx, c.conn) }()

	c.out.push(evReady())

	ended := c.session(sessCtx, readCtx)

	if c.sess != nil {
		c.archiveCall(sessCtx)
	}

	if ended {
		// The writer exits on its own after delivering session_ended.
		select {
		case <-writerErr:
		case <-time.After(10 * time.Second):
			c.log.Warn("outbound drain timed out on close")
		}
		c.conn.Close(websocket.StatusNormalClosure, "session ended")
		return
	}

	// Transport failure: no further events, tear everything down.
	cancel()
	<-writerErr
	c.conn.Close(websocket.StatusInternalError, "transport error")
}

// session runs Opening through Draining. Returns true when the terminal
// session_ended event was queued, false on a transport failure.
func (c *coordinator) session(sessCtx, readCtx context.Context) bool {
	start, err := c.awaitStart(readCtx)
	if err != nil {
		if !errors.Is(err, errProtocol) {
			c.log.Debug("connection closed before start", "err", err)
			return false
		}
		c.out.push(evError(codeProtocolError, err.Error()))
		c.out.push(evSessionEnded(""))
		return true
	}

	c.startSession(sessCtx, start)
	c.rt.metrics.SessionsActive.Add(sessCtx, 1)
	defer c.rt.metrics.SessionsActive.Add(sessCtx, -1)

	go c.flusher.Run(sessCtx)

	if c.insightsOn {
		c.rt.insights.Register(insight.Session{
			ID:       c.sess.ID,
			Tenant:   c.tenant,
			Language: c.sess.Language,
			Provider: c.sess.Provider,
		}, &sessionSink{c: c})
		defer c.rt.insights.Release(c.sess.ID)
	}

	c.out.push(evSessionStarted(c.sess.ID))
	c.log.Info("session started",
		"session_id", c.sess.ID,
		"sample_rate", c.sess.SampleRate,
		"batch_window_sec", c.sess.BatchWindow.Seconds(),
		"insights", c.insightsOn,
	)

	return c.readLoop(sessCtx, readCtx)
}

// awaitStart reads the opening frame. Only a valid start is accepted.
func (c *coordinator) awaitStart(readCtx context.Context) (*clientEvent, error) {
	_, data, err := c.conn.Read(readCtx)
	if err != nil {
		return nil, err
	}
	var ev clientEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: malformed JSON frame", errProtocol)
	}
	if ev.Type != evtStart {
		return nil, fmt.Errorf("%w: expected start, got %q", errProtocol, ev.Type)
	}
	if ev.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: start requires a positive sample_rate", errProtocol)
	}
	if ev.Encoding != "" && ev.Encoding != "pcm16" {
		return nil, fmt.Errorf("%w: unsupported encoding %q", errProtocol, ev.Encoding)
	}
	return &ev, nil
}

// startSession allocates the per-session state from the start event, with
// requested windows clamped to the documented bounds.
func (c *coordinator) startSession(sessCtx context.Context, start *clientEvent) {
	scfg := c.rt.cfg.Stream
	batch := scfg.BatchWindowSec
	if start.BatchWindowSec > 0 {
		batch = start.BatchWindowSec
	}
	maxWindow := scfg.MaxBatchWindowSec
	if start.MaxBatchWindowSec > 0 {
		maxWindow = start.MaxBatchWindowSec
	}
	batch, maxWindow, maxBuffer := config.ClampSessionWindows(batch, maxWindow, scfg.MaxBufferSec)

	c.sess = &stream.Session{
		ID:              uuid.NewString(),
		Tenant:          c.tenant,
		Language:        start.Language,
		SampleRate:      start.SampleRate,
		Channels:        1,
		BatchWindow:     time.Duration(batch * float64(time.Second)),
		MaxBatchWindow:  time.Duration(maxWindow * float64(time.Second)),
		MaxBuffer:       time.Duration(maxBuffer * float64(time.Second)),
		InsightsEnabled: start.EnableInsights,
		Provider:        start.Provider,
		StartedAt:       time.Now(),
	}
	c.insightsOn = start.EnableInsights && c.rt.insights != nil
	c.log = c.log.With("session_id", c.sess.ID)

	c.tr = stream.NewTranscript()
	c.flusher = stream.NewFlusher(stream.FlusherConfig{
		Session:    c.sess,
		Buffer:     stream.NewBuffer(c.sess.SampleRate, c.sess.Channels, c.sess.MaxBuffer, c.sess.MaxBatchWindow),
		Transcript: c.tr,
		Client:     c.rt.asr,
		OnBatch:    func(b stream.Batch) { c.onBatch(sessCtx, b) },
		OnFailure:  c.onWorkerFailure,
		Metrics:    c.rt.metrics,
		Logger:     c.log,
	})
}

// readLoop is the Running state. Returns true when the terminal events were
// queued (stop drain, protocol fatal, or worker fatal), false on transport
// failure.
func (c *coordinator) readLoop(sessCtx, readCtx context.Context) bool {
	for {
		_, data, err := c.conn.Read(readCtx)
		if err != nil {
			if c.fatal.Load() {
				// Worker failure already queued the terminal events.
				return true
			}
			c.log.Debug("session transport closed", "err", err)
			return false
		}

		var ev clientEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return c.protocolFatal("malformed JSON frame")
		}

		switch ev.Type {
		case evtAudio:
			if len(ev.Chunk) > maxChunkBase64 {
				c.out.push(evError(codePayloadTooLarge, "audio chunk exceeds the 1 MiB base64 limit"))
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(ev.Chunk)
			if err != nil {
				return c.protocolFatal("audio chunk is not valid base64")
			}
			if len(pcm) == 0 {
				continue
			}
			if !audio.Aligned(len(pcm), c.sess.Channels) {
				return c.protocolFatal("audio chunk carries a torn PCM sample")
			}
			if err := c.flusher.Append(sessCtx, pcm); err != nil {
				// Fatal flush failure; terminal events are already queued.
				return true
			}

		case evtStop:
			c.drain(sessCtx)
			return true

		default:
			return c.protocolFatal(fmt.Sprintf("unexpected event type %q", ev.Type))
		}
	}
}

// drain is the Draining state: final forced flush, insight drain within the
// flush deadline, then the terminal event sequence.
func (c *coordinator) drain(sessCtx context.Context) {
	c.flusher.Stop()
	select {
	case <-c.flusher.Done():
	case <-sessCtx.Done():
		return
	}
	if c.fatal.Load() {
		// The final flush failed; the fatal path owns the terminal events.
		return
	}

	if c.insightsOn {
		dctx, cancel := context.WithTimeout(sessCtx, c.rt.cfg.Insight.FlushTimeout())
		err := c.rt.insights.Drain(dctx, c.sess.ID)
		cancel()
		if err != nil {
			c.out.push(evError(codeInsightFlushTimeout, "insight drain exceeded the flush deadline"))
		}
	}

	text := c.tr.Text()
	c.out.push(evFinal(text, c.tr.Segments()))
	c.out.push(evFinalSummary(text, c.tr.Stats(int(c.insightCount.Load()))))
	c.out.push(evSessionEnded(c.sess.ID))
	c.log.Info("session drained",
		"batches", c.tr.Len(),
		"insights", c.insightCount.Load(),
	)
}

// protocolFatal queues the error and terminal events for a client mistake.
// Always returns true for use as a readLoop tail call.
func (c *coordinator) protocolFatal(msg string) bool {
	c.out.push(evError(codeProtocolError, msg))
	c.out.push(evSessionEnded(c.sess.ID))
	return true
}

// onBatch runs on the flusher goroutine after each transcribed window.
func (c *coordinator) onBatch(sessCtx context.Context, b stream.Batch) {
	c.out.push(evPartial(c.tr.Text()))
	c.out.push(evBatchProcessed(b))
	if c.insightsOn {
		c.rt.insights.Trigger(sessCtx, c.sess.ID, c.tr.Text(), c.tr)
	}
}

// onWorkerFailure runs once when a flush fails after all retries: the
// session fails fatally, the transcript stays consistent through the last
// delivered batch.
func (c *coordinator) onWorkerFailure(err error) {
	c.fatalOnce.Do(func() {
		c.fatal.Store(true)
		c.log.Error("session failed, transcription workers unavailable", "err", err)
		c.out.push(evError(codeWorkerUnavailable, "transcription worker fleet unavailable"))
		c.out.push(evSessionEnded(c.sess.ID))
		c.interruptRead()
	})
}

// archiveCall hands the finished session to the archive asynchronously.
// Failures are logged, never surfaced.
func (c *coordinator) archiveCall(sessCtx context.Context) {
	if c.rt.store == nil {
		return
	}

	stats := c.tr.Stats(int(c.insightCount.Load()))
	rec := &archive.CallRecord{
		SessionID:    c.sess.ID,
		Tenant:       c.tenant,
		Language:     c.sess.Language,
		Transcript:   c.tr.Text(),
		AudioSeconds: stats.AudioSeconds,
		Tokens:       stats.Tokens,
		StartedAt:    c.sess.StartedAt,
		EndedAt:      time.Now(),
	}
	for _, b := range c.tr.Batches() {
		rec.Batches = append(rec.Batches, archive.BatchRecord{
			Index:           b.Index,
			Text:            b.Text,
			Tokens:          b.Tokens,
			DurationSeconds: b.DurationSeconds,
			CompletedAt:     b.CompletedAt,
		})
	}
	c.insMu.Lock()
	rec.Insights = append(rec.Insights, c.insRecs...)
	c.insMu.Unlock()

	log := c.log
	store := c.rt.store
	bg := context.WithoutCancel(sessCtx)
	go func() {
		ctx, cancel := context.WithTimeout(bg, archiveTimeout)
		defer cancel()
		if err := store.Save(ctx, rec); err != nil {
			log.Warn("archive save failed", "session_id", rec.SessionID, "err", err)
		}
	}()
}

// sessionSink delivers insight pipeline results onto the session's outbound
// queue. Once the queue has closed after session_ended, deliveries report
// false and late results are discarded.
type sessionSink struct {
	c *coordinator
}

func (s *sessionSink) DeliverInsight(ins insight.Insight) bool {
	if !s.c.out.push(evInsight(ins)) {
		return false
	}
	s.c.insightCount.Add(1)
	s.c.insMu.Lock()
	s.c.insRecs = append(s.c.insRecs, archive.InsightRecord{
		Type:        ins.Type,
		Text:        ins.Text,
		Confidence:  ins.Confidence,
		Model:       ins.Model,
		GeneratedAt: ins.GeneratedAt,
	})
	s.c.insMu.Unlock()
	return true
}

func (s *sessionSink) DeliverFailure(err error) {
	s.c.out.push(evError(codeInsightFailed, err.Error()))
}
