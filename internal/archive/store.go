// Package archive persists finished call sessions. Persistence is
// best-effort and strictly post-session: the live pipeline never waits on the
// archive, and an archive failure is logged, not surfaced. The session stays
// the durability boundary.
package archive

import (
	"context"
	"time"
)

// CallRecord is the archived form of one finished session.
type CallRecord struct {
	// SessionID is the streaming session's id.
	SessionID string

	// Tenant owns the call.
	Tenant string

	// Language is the worker-reported or configured call language.
	Language string

	// Transcript is the full space-joined transcript text.
	Transcript string

	// AudioSeconds is the total transcribed audio duration.
	AudioSeconds float64

	// Tokens is the whitespace token count of the transcript.
	Tokens int

	// StartedAt and EndedAt frame the session lifetime.
	StartedAt time.Time
	EndedAt   time.Time

	// Batches are the per-window results in batch order.
	Batches []BatchRecord

	// Insights are the delivered insight events in delivery order.
	Insights []InsightRecord
}

// BatchRecord is one transcription batch inside a CallRecord.
type BatchRecord struct {
	Index           int
	Text            string
	Tokens          int
	DurationSeconds float64
	CompletedAt     time.Time
}

// InsightRecord is one delivered insight inside a CallRecord.
type InsightRecord struct {
	Type        string
	Text        string
	Confidence  float64
	Model       string
	GeneratedAt time.Time
}

// CallSummary is the listing row returned by Recent and Search.
type CallSummary struct {
	SessionID    string
	Tenant       string
	Language     string
	AudioSeconds float64
	Insights     int
	StartedAt    time.Time
	EndedAt      time.Time
}

// Store persists and queries archived calls. Implementations must be safe
// for concurrent use.
type Store interface {
	// Save persists one finished call. Saving the same session id twice
	// replaces the earlier record.
	Save(ctx context.Context, rec *CallRecord) error

	// Recent returns up to limit calls for the tenant, newest first.
	Recent(ctx context.Context, tenant string, limit int) ([]CallSummary, error)

	// Search runs a full-text query over the tenant's transcripts, newest
	// first, up to limit rows.
	Search(ctx context.Context, tenant, query string, limit int) ([]CallSummary, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close()
}
