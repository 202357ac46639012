// Package stream holds the per-session audio state for the gateway: the
// PCM buffer, the accumulated transcript, and the batch flusher that cuts
// buffered audio into windows and sends them to the transcription workers.
//
// One session owns one Buffer, one Transcript, and one Flusher. The
// coordinator goroutine is the only producer; the flusher goroutine is the
// only consumer. Everything here is destroyed when the session closes — the
// session is the durability boundary.
package stream

import (
	"time"
)

// Session describes one live streaming session. Fields are fixed at start
// and read-only afterwards; mutable state lives in Buffer and Transcript.
type Session struct {
	// ID is the opaque session identifier, doubling as the worker-affinity
	// key.
	ID string

	// Tenant is the tenant that authenticated the connection.
	Tenant string

	// Language is the BCP-47-ish language hint forwarded to the workers.
	// Empty lets the worker detect.
	Language string

	// SampleRate of the inbound PCM16 audio in Hz.
	SampleRate int

	// Channels is the channel count; the stream protocol is mono.
	Channels int

	// BatchWindow is the minimum flush cadence.
	BatchWindow time.Duration

	// MaxBatchWindow is the maximum tolerated cadence; buffered audio at or
	// past this duration flushes regardless of elapsed time.
	MaxBatchWindow time.Duration

	// MaxBuffer is the hard buffered-audio cap enforced on append.
	MaxBuffer time.Duration

	// InsightsEnabled turns the insight pipeline on for this session.
	InsightsEnabled bool

	// Provider optionally names a non-default chat backend for insights.
	Provider string

	// StartedAt is when the start event was accepted.
	StartedAt time.Time
}

// Stats summarises a finished session for the final_summary event and the
// archive.
type Stats struct {
	Batches      int     `json:"batches"`
	AudioSeconds float64 `json:"audio_seconds"`
	Tokens       int     `json:"tokens"`
	Insights     int     `json:"insights"`
}
