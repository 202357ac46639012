package insight

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sonolith/callsight/internal/observe"
	"github.com/sonolith/callsight/pkg/chat"
)

// Job deadlines. A job gets one retry, each attempt capped individually and
// the whole job capped end to end.
const (
	attemptDeadline = 30 * time.Second
	jobDeadline     = 60 * time.Second

	// retryBackoff is the minimum pause before the single retry; the actual
	// delay adds up to one more retryBackoff of jitter.
	retryBackoff = 250 * time.Millisecond
)

// Config tunes the pipeline. Zero values are not defaulted here; the config
// package supplies documented defaults.
type Config struct {
	// MinTokens is the minimum transcript growth between admitted triggers.
	MinTokens int

	// MinInterval is the minimum time between admitted triggers per session.
	MinInterval time.Duration

	// RetainTokens bounds the normalized transcript tail kept in a snapshot.
	RetainTokens int

	// Concurrency is the worker pool size.
	Concurrency int

	// QueueSize bounds the pending-job queue.
	QueueSize int

	// PerTenantMax caps queued plus executing jobs per tenant.
	PerTenantMax int
}

// Normalizer prepares transcript text for prompting. *lexicon.Normalizer
// satisfies it.
type Normalizer interface {
	Normalize(text string) string
}

// sessionState is the manager's record of one registered session. All fields
// are guarded by Manager.mu.
type sessionState struct {
	sess Session
	sink Sink

	// pending is the queued-but-unstarted snapshot; coalescing replaces it.
	pending *snapshot

	// running marks an executing job; runDone closes when it finishes.
	running bool
	runDone chan struct{}

	// rerun holds a fresh snapshot to re-admit once the running job ends.
	rerun *snapshot

	// draining blocks further admissions.
	draining bool
}

// Manager owns the queue, the worker pool, and every admission rule.
type Manager struct {
	cfg      Config
	router   *chat.Router
	backends map[string]chat.Backend
	norm     Normalizer
	metrics  *observe.Metrics
	log      *slog.Logger

	// queue carries session ids; the payload lives in sessionState.pending
	// so coalescing can replace it while queued.
	queue chan string

	mu       sync.Mutex
	sessions map[string]*sessionState

	// tenantInflight counts queued plus running jobs per tenant, charged at
	// admission so a burst across many sessions cannot outrun the cap.
	tenantInflight map[string]int
}

// NewManager builds a Manager. router must be non-nil; backends optionally
// maps provider hints ("anthropic", "ollama", ...) to pinned backends; norm
// may be nil to skip normalization.
func NewManager(cfg Config, router *chat.Router, backends map[string]chat.Backend, norm Normalizer, metrics *observe.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:            cfg,
		router:         router,
		backends:       backends,
		norm:           norm,
		metrics:        metrics,
		log:            logger.With("component", "insight"),
		queue:          make(chan string, cfg.QueueSize),
		sessions:       make(map[string]*sessionState),
		tenantInflight: make(map[string]int),
	}
}

// Run starts the worker pool and blocks until ctx is cancelled and every
// worker has returned.
func (m *Manager) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < m.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.worker(ctx)
		}()
	}
	wg.Wait()
	return nil
}

// Register adds a session. Must be called before the first Trigger. An
// unknown provider hint falls back to size routing with a warning.
func (m *Manager) Register(sess Session, sink Sink) {
	if sess.Kind == "" {
		sess.Kind = "summary"
	}
	if sess.Provider != "" {
		if _, ok := m.backends[sess.Provider]; !ok {
			m.log.Warn("unknown provider hint, falling back to routed backends",
				"session_id", sess.ID, "provider", sess.Provider)
			sess.Provider = ""
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.ID] = &sessionState{sess: sess, sink: sink}
}

// Release forgets a session after it has ended. A stale queued id is skipped
// by the worker that dequeues it; its tenant budget is refunded here.
func (m *Manager) Release(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.sessions[sessionID]; ok && st.pending != nil {
		st.pending = nil
		m.refundTenantLocked(st.sess.Tenant)
	}
	delete(m.sessions, sessionID)
}

// Trigger evaluates one insight trigger for the session. Checks run in
// order: minimum token growth, minimum interval, coalescing, per-tenant cap
// (queued plus running), queue depth. Returns true when the trigger was
// admitted (including when it coalesced into existing work); the throttle is
// reset exactly then.
func (m *Manager) Trigger(ctx context.Context, sessionID, transcript string, th Throttle) bool {
	if th.TokensSinceInsight() < m.cfg.MinTokens {
		return false
	}
	if last := th.LastInsightAt(); !last.IsZero() && time.Since(last) < m.cfg.MinInterval {
		return false
	}

	m.mu.Lock()
	st, ok := m.sessions[sessionID]
	if !ok || st.draining {
		m.mu.Unlock()
		return false
	}
	sess := st.sess
	m.mu.Unlock()

	// Snapshot normalization is deterministic and happens before admission
	// so a coalesced replacement carries the exact payload of its moment.
	snap := m.buildSnapshot(sess, transcript)

	m.mu.Lock()
	st, ok = m.sessions[sessionID]
	if !ok || st.draining {
		m.mu.Unlock()
		return false
	}

	now := time.Now()
	switch {
	case st.pending != nil:
		// Replace the queued payload in place; keep the original enqueue
		// time so the wait histogram measures from first admission.
		snap.enqueuedAt = st.pending.enqueuedAt
		st.pending = snap
		th.MarkInsight(now)
		m.mu.Unlock()
		return true

	case st.running:
		st.rerun = snap
		th.MarkInsight(now)
		m.mu.Unlock()
		return true
	}

	if m.tenantInflight[sess.Tenant] >= m.cfg.PerTenantMax {
		m.mu.Unlock()
		m.metrics.RecordInsightFailure(ctx, "tenant_cap")
		m.log.Debug("insight trigger dropped, tenant at cap",
			"session_id", sessionID, "tenant", sess.Tenant)
		return false
	}

	select {
	case m.queue <- sessionID:
		snap.enqueuedAt = now
		st.pending = snap
		m.tenantInflight[sess.Tenant]++
		th.MarkInsight(now)
		m.mu.Unlock()
		m.metrics.InsightQueueSize.Add(ctx, 1)
		return true
	default:
		m.mu.Unlock()
		m.metrics.RecordInsightFailure(ctx, "queue_full")
		m.log.Warn("insight trigger dropped, queue full", "session_id", sessionID)
		return false
	}
}

// Drain stops admissions for the session, discards its queued unstarted job,
// and waits for a running job until ctx expires. A deadline hit returns
// ctx's error; the caller surfaces it as a non-fatal flush-timeout.
func (m *Manager) Drain(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	st, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	st.draining = true
	if st.pending != nil {
		st.pending = nil
		m.refundTenantLocked(st.sess.Tenant)
	}
	st.rerun = nil
	var runDone chan struct{}
	if st.running {
		runDone = st.runDone
	}
	m.mu.Unlock()

	if runDone == nil {
		return nil
	}
	select {
	case <-runDone:
		return nil
	case <-ctx.Done():
		m.metrics.RecordInsightFailure(context.WithoutCancel(ctx), "flush_timeout")
		return ctx.Err()
	}
}

// buildSnapshot normalizes the transcript and keeps the retained tail.
func (m *Manager) buildSnapshot(sess Session, transcript string) *snapshot {
	text := transcript
	if m.norm != nil {
		text = m.norm.Normalize(text)
	}
	return &snapshot{
		sessionID: sess.ID,
		tenant:    sess.Tenant,
		language:  sess.Language,
		kind:      sess.Kind,
		provider:  sess.Provider,
		text:      tailTokens(text, m.cfg.RetainTokens),
	}
}

// worker consumes session ids until ctx is cancelled.
func (m *Manager) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-m.queue:
			m.metrics.InsightQueueSize.Add(ctx, -1)
			m.runJob(ctx, id)
		}
	}
}

// runJob claims the session's pending snapshot and executes it. Stale ids —
// session released or job discarded by drain — are skipped.
func (m *Manager) runJob(ctx context.Context, sessionID string) {
	m.mu.Lock()
	st, ok := m.sessions[sessionID]
	if !ok || st.pending == nil {
		m.mu.Unlock()
		return
	}
	// The claim moves the tenant's inflight unit from queued to running;
	// the count itself was charged at admission.
	snap := st.pending
	st.pending = nil
	st.running = true
	st.runDone = make(chan struct{})
	sink := st.sink
	m.mu.Unlock()

	m.metrics.InsightJobWait.Record(ctx, time.Since(snap.enqueuedAt).Seconds())
	m.metrics.AddTenantInflight(ctx, snap.tenant, 1)

	started := time.Now()
	ins, err := m.execute(ctx, snap)
	m.metrics.InsightJobDuration.Record(ctx, time.Since(started).Seconds())

	// Deliver before releasing the running flag so a drain that awaited
	// this job observes its result on the outbound path.
	if err != nil {
		reason := failureReason(err)
		m.metrics.RecordInsightFailure(ctx, reason)
		m.log.Warn("insight job failed",
			"session_id", sessionID, "reason", reason, "err", err)
		// An oversized context is dropped silently: the counter and the
		// log carry it, the client never sees a failure event for it.
		if !errors.Is(err, chat.ErrContextTooLarge) {
			sink.DeliverFailure(err)
		}
	} else if !sink.DeliverInsight(*ins) {
		m.log.Debug("insight discarded, session closed", "session_id", sessionID)
	}

	m.mu.Lock()
	st.running = false
	m.refundTenantLocked(snap.tenant)
	close(st.runDone)

	rerun := st.rerun
	st.rerun = nil
	requeue := rerun != nil && !st.draining
	if requeue {
		select {
		case m.queue <- sessionID:
			rerun.enqueuedAt = time.Now()
			st.pending = rerun
			m.tenantInflight[snap.tenant]++
		default:
			requeue = false
		}
	}
	m.mu.Unlock()

	m.metrics.AddTenantInflight(ctx, snap.tenant, -1)
	if rerun != nil && !requeue {
		m.metrics.RecordInsightFailure(ctx, "queue_full")
	}
	if requeue {
		m.metrics.InsightQueueSize.Add(ctx, 1)
	}
}

// execute runs one job: route, complete, validate. One retry on retryable
// failures within the end-to-end deadline.
func (m *Manager) execute(ctx context.Context, snap *snapshot) (*Insight, error) {
	ctx, cancel := context.WithTimeout(ctx, jobDeadline)
	defer cancel()

	req := snap.request()
	backend, tier, err := m.backendFor(snap, req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= 1; attempt++ {
		attemptCtx, cancelAttempt := context.WithTimeout(ctx, attemptDeadline)
		resp, err := backend.Complete(attemptCtx, req)
		var out *modelOutput
		if err == nil {
			out, err = parseOutput(resp.Content)
		}
		cancelAttempt()

		if err == nil {
			return &Insight{
				Type:        out.Type,
				Text:        out.Text,
				Confidence:  out.Confidence,
				Model:       resp.Model,
				GeneratedAt: time.Now(),
			}, nil
		}
		lastErr = err
		if !chat.Retryable(err) || ctx.Err() != nil {
			break
		}
		m.log.Debug("insight attempt failed, retrying",
			"session_id", snap.sessionID, "tier", string(tier), "err", err)

		// Jittered pause keeps the retry off a throttling backend's heels.
		wait := time.NewTimer(retryBackoff + rand.N(retryBackoff))
		select {
		case <-wait.C:
		case <-ctx.Done():
			wait.Stop()
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// refundTenantLocked releases one queued-or-running unit of the tenant's
// inflight budget. Callers hold m.mu.
func (m *Manager) refundTenantLocked(tenant string) {
	m.tenantInflight[tenant]--
	if m.tenantInflight[tenant] <= 0 {
		delete(m.tenantInflight, tenant)
	}
}

// backendFor routes by estimated prompt size, then applies the session's
// provider pin. The context ceiling holds either way.
func (m *Manager) backendFor(snap *snapshot, req chat.Request) (chat.Backend, chat.Tier, error) {
	backend, tier, err := m.router.Route(chat.EstimateTokens(req))
	if err != nil {
		return nil, "", err
	}
	if snap.provider != "" {
		if pinned, ok := m.backends[snap.provider]; ok {
			return pinned, tier, nil
		}
	}
	return backend, tier, nil
}

// failureReason maps a job error onto the failure-counter label set.
func failureReason(err error) string {
	switch {
	case errors.Is(err, chat.ErrContextTooLarge):
		return "context_too_large"
	case errors.Is(err, chat.ErrInvalidOutput):
		return "invalid_output"
	default:
		return "backend_error"
	}
}
