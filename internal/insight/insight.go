// Package insight runs the process-wide insight pipeline: a bounded queue of
// per-session jobs consumed by a fixed worker pool, each job turning a
// normalized transcript snapshot into one validated insight through a chat
// completion backend.
//
// Admission is throttled per session (minimum transcript growth, minimum
// interval) and bounded per tenant and process-wide. At most one queued and
// one running job exist per session; further triggers coalesce into the
// queued job's snapshot or flag a rerun of the running one. The pipeline
// holds no session state beyond an id and an event sink, so a job finishing
// after its session closed simply discards its result.
package insight

import (
	"time"
)

// Insight is one validated pipeline result pushed to the session sink.
type Insight struct {
	// Type classifies the insight ("summary", "sentiment", "action_items",
	// whatever the model produced within the requested kind).
	Type string `json:"type"`

	// Text is the insight body.
	Text string `json:"text"`

	// Confidence is the model's self-reported confidence, clamped to [0, 1].
	Confidence float64 `json:"confidence"`

	// Model is the backend model that produced the insight.
	Model string `json:"model"`

	// GeneratedAt is when the job completed.
	GeneratedAt time.Time `json:"generated_at"`
}

// Sink is the pipeline's only handle on a session. The gateway's outbound
// queue implements it; after the session ends the sink reports closure and
// late results are discarded without touching freed session state.
type Sink interface {
	// DeliverInsight pushes a completed insight to the session. Returns
	// false once the session's outbound path has closed.
	DeliverInsight(ins Insight) bool

	// DeliverFailure reports a job that failed after its retry. The session
	// continues; the gateway surfaces a single non-fatal error event.
	DeliverFailure(err error)
}

// Session is the registration record for one streaming session.
type Session struct {
	// ID is the session identifier, the coalescing key.
	ID string

	// Tenant is charged against the per-tenant concurrency cap.
	Tenant string

	// Language hints the prompt at the call language. Empty means unknown.
	Language string

	// Provider optionally pins jobs to a named backend instead of the
	// size-routed tiers. Unknown names fall back to routing.
	Provider string

	// Kind is the insight type requested at session start. Empty means
	// "summary".
	Kind string
}

// Throttle is the per-session admission state the manager consults and
// resets. *stream.Transcript satisfies it.
type Throttle interface {
	// TokensSinceInsight is the transcript growth since the last admitted
	// trigger.
	TokensSinceInsight() int

	// LastInsightAt is when the last trigger was admitted; zero before the
	// first.
	LastInsightAt() time.Time

	// MarkInsight resets the growth counter and stamps the admission time.
	MarkInsight(now time.Time)
}
