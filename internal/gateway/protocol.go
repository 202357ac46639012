package gateway

import (
	"time"

	"github.com/sonolith/callsight/internal/insight"
	"github.com/sonolith/callsight/internal/stream"
	"github.com/sonolith/callsight/pkg/asr"
)

// Inbound event types.
const (
	evtStart = "start"
	evtAudio = "audio"
	evtStop  = "stop"
)

// Outbound event types.
const (
	evtReady          = "ready"
	evtSessionStarted = "session_started"
	evtPartial        = "partial"
	evtBatchProcessed = "batch_processed"
	evtInsight        = "insight"
	evtFinal          = "final"
	evtFinalSummary   = "final_summary"
	evtSessionEnded   = "session_ended"
	evtError          = "error"
)

// Error codes carried by error events.
const (
	codeProtocolError       = "protocol_error"
	codePayloadTooLarge     = "payload_too_large"
	codeWorkerUnavailable   = "worker_unavailable"
	codeInsightFailed       = "insight_failed"
	codeInsightFlushTimeout = "insight_flush_timeout"
)

// maxChunkBase64 is the limit on a single audio chunk's base64 text. Larger
// chunks are rejected with payload_too_large and the session continues.
const maxChunkBase64 = 1 << 20

// clientEvent is the unified decode target for every inbound frame. The Type
// discriminator selects which fields matter; unknown types are a protocol
// error.
type clientEvent struct {
	Type string `json:"type"`

	// start
	SampleRate        int     `json:"sample_rate,omitempty"`
	Encoding          string  `json:"encoding,omitempty"`
	Language          string  `json:"language,omitempty"`
	BatchWindowSec    float64 `json:"batch_window_sec,omitempty"`
	MaxBatchWindowSec float64 `json:"max_batch_window_sec,omitempty"`
	EnableInsights    bool    `json:"enable_insights,omitempty"`
	Provider          string  `json:"provider,omitempty"`

	// audio
	Chunk string `json:"chunk,omitempty"`
}

// event is one outbound frame. A single struct with omitempty fields keeps
// the wire shape flat; constructors below populate the per-type fields.
type event struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`

	// batch_processed / partial / final / insight text
	Text string `json:"text,omitempty"`

	// batch_processed
	BatchIndex *int    `json:"batch_index,omitempty"`
	Tokens     int     `json:"tokens,omitempty"`
	Duration   float64 `json:"duration,omitempty"`

	// final
	Segments []asr.Segment `json:"segments,omitempty"`

	// insight
	InsightType string     `json:"insight_type,omitempty"`
	Confidence  *float64   `json:"confidence,omitempty"`
	Model       string     `json:"model,omitempty"`
	GeneratedAt *time.Time `json:"generated_at,omitempty"`

	// final_summary
	Transcript string        `json:"transcript,omitempty"`
	Stats      *stream.Stats `json:"stats,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// enqueuedAt drives the backpressure drop policy; never serialized.
	enqueuedAt time.Time
}

func evReady() *event {
	return &event{Type: evtReady}
}

func evSessionStarted(sessionID string) *event {
	return &event{Type: evtSessionStarted, SessionID: sessionID}
}

func evPartial(text string) *event {
	return &event{Type: evtPartial, Text: text}
}

func evBatchProcessed(b stream.Batch) *event {
	idx := b.Index
	return &event{
		Type:       evtBatchProcessed,
		BatchIndex: &idx,
		Text:       b.Text,
		Tokens:     b.Tokens,
		Duration:   b.DurationSeconds,
	}
}

func evInsight(ins insight.Insight) *event {
	conf := ins.Confidence
	at := ins.GeneratedAt
	return &event{
		Type:        evtInsight,
		InsightType: ins.Type,
		Text:        ins.Text,
		Confidence:  &conf,
		Model:       ins.Model,
		GeneratedAt: &at,
	}
}

func evFinal(text string, segments []asr.Segment) *event {
	return &event{Type: evtFinal, Text: text, Segments: segments}
}

func evFinalSummary(transcript string, stats stream.Stats) *event {
	return &event{Type: evtFinalSummary, Transcript: transcript, Stats: &stats}
}

func evSessionEnded(sessionID string) *event {
	return &event{Type: evtSessionEnded, SessionID: sessionID}
}

func evError(code, message string) *event {
	return &event{Type: evtError, Code: code, Message: message}
}

// droppable reports whether an event type may be discarded under outbound
// backpressure. Terminal events, errors, and insights never are.
func droppable(typ string) bool {
	return typ == evtPartial || typ == evtBatchProcessed
}
