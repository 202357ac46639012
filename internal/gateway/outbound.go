package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/sonolith/callsight/internal/observe"
)

// dropAge is how old a queued droppable event must be before backpressure may
// discard it.
const dropAge = 2 * time.Second

// outbound is the per-session ordered event queue. Producers (read loop,
// flusher callback, insight workers) push; one writer goroutine drains to the
// WebSocket. Enqueue order is delivery order.
//
// The queue is bounded for droppable traffic: when full, queued partial and
// batch_processed events older than dropAge are evicted first, then a new
// droppable event is discarded outright. Never-droppable events (insight,
// error, final, final_summary, session_ended) always enqueue, briefly
// exceeding the bound instead of blocking audio ingest.
type outbound struct {
	limit   int
	metrics *observe.Metrics
	log     *slog.Logger

	mu     sync.Mutex
	queue  []*event
	closed bool

	// signal wakes the writer; cap 1, a pending wake covers any backlog.
	signal chan struct{}
}

func newOutbound(limit int, metrics *observe.Metrics, log *slog.Logger) *outbound {
	return &outbound{
		limit:   limit,
		metrics: metrics,
		log:     log,
		signal:  make(chan struct{}, 1),
	}
}

// push enqueues ev. Returns false when the event was discarded: the session
// already ended, or backpressure dropped a droppable event.
func (o *outbound) push(ev *event) bool {
	ev.enqueuedAt = time.Now()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}

	if len(o.queue) >= o.limit {
		o.evictStaleLocked()
	}
	if len(o.queue) >= o.limit && droppable(ev.Type) {
		o.mu.Unlock()
		o.metrics.RecordOutboundDrop(context.Background(), ev.Type)
		o.log.Debug("outbound event dropped, queue full", "event", ev.Type)
		return false
	}

	o.queue = append(o.queue, ev)
	o.mu.Unlock()

	select {
	case o.signal <- struct{}{}:
	default:
	}
	return true
}

// evictStaleLocked removes droppable events older than dropAge. Callers hold
// o.mu.
func (o *outbound) evictStaleLocked() {
	kept := o.queue[:0]
	for _, q := range o.queue {
		if droppable(q.Type) && time.Since(q.enqueuedAt) > dropAge {
			o.metrics.RecordOutboundDrop(context.Background(), q.Type)
			o.log.Debug("outbound event dropped, stale under backpressure", "event", q.Type)
			continue
		}
		kept = append(kept, q)
	}
	// Zero the tail so evicted events do not linger in the backing array.
	for i := len(kept); i < len(o.queue); i++ {
		o.queue[i] = nil
	}
	o.queue = kept
}

// pop removes the head of the queue, or returns nil when empty.
func (o *outbound) pop() *event {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return nil
	}
	ev := o.queue[0]
	o.queue[0] = nil
	o.queue = o.queue[1:]
	return ev
}

// close marks the queue terminated; further pushes report false. Used by the
// writer after session_ended and by the transport-error path.
func (o *outbound) close() {
	o.mu.Lock()
	o.closed = true
	o.queue = nil
	o.mu.Unlock()
}

// run is the writer loop: it drains the queue to conn in order and returns
// after writing session_ended, on write failure, or when ctx is cancelled.
// It closes the queue on exit.
func (o *outbound) run(ctx context.Context, conn *websocket.Conn) error {
	defer o.close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.signal:
		}

		for {
			ev := o.pop()
			if ev == nil {
				break
			}
			data, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("gateway: marshal %s event: %w", ev.Type, err)
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return fmt.Errorf("gateway: write %s event: %w", ev.Type, err)
			}
			if ev.Type == evtSessionEnded {
				return nil
			}
		}
	}
}
