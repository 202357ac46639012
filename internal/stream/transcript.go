package stream

import (
	"strings"
	"sync"
	"time"

	"github.com/sonolith/callsight/pkg/asr"
)

// Batch is one transcribed audio window appended to the transcript.
type Batch struct {
	// Index is strictly monotone per session, starting at 0, with no gaps.
	Index int

	// Text is the worker's transcription, whitespace-trimmed.
	Text string

	// Segments carry time-aligned spans in session-relative seconds.
	Segments []asr.Segment

	// DurationSeconds is the window's audio duration computed from the PCM
	// byte count, not the worker's estimate.
	DurationSeconds float64

	// Tokens is the whitespace token count of Text.
	Tokens int

	StartedAt   time.Time
	CompletedAt time.Time
}

// Transcript is the ordered batch list for one session plus the insight
// throttle state derived from it. Grows until session destruction. Safe for
// concurrent use by the flusher (append) and the insight pipeline (reads).
type Transcript struct {
	mu sync.Mutex

	batches []Batch

	// tokensSinceInsight accumulates batch tokens since the last admitted
	// insight trigger.
	tokensSinceInsight int

	// lastInsightAt is the time of the last admitted trigger; zero before
	// the first one.
	lastInsightAt time.Time
}

// NewTranscript returns an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{}
}

// NextIndex returns the batch index the next Append will occupy.
func (t *Transcript) NextIndex() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.batches)
}

// Append adds b to the transcript and grows the insight token counter.
func (t *Transcript) Append(b Batch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.batches = append(t.batches, b)
	t.tokensSinceInsight += b.Tokens
}

// Len returns the number of appended batches.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.batches)
}

// Batches returns a copy of the batch list.
func (t *Transcript) Batches() []Batch {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Batch, len(t.batches))
	copy(out, t.batches)
	return out
}

// Text returns the full transcript, batches joined by single spaces.
func (t *Transcript) Text() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	parts := make([]string, 0, len(t.batches))
	for _, b := range t.batches {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, " ")
}

// TailText returns the last maxTokens whitespace tokens of the transcript.
// maxTokens <= 0 returns the whole text.
func (t *Transcript) TailText(maxTokens int) string {
	text := t.Text()
	if maxTokens <= 0 {
		return text
	}
	tokens := strings.Fields(text)
	if len(tokens) <= maxTokens {
		return text
	}
	return strings.Join(tokens[len(tokens)-maxTokens:], " ")
}

// Segments returns every segment across all batches in order.
func (t *Transcript) Segments() []asr.Segment {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []asr.Segment
	for _, b := range t.batches {
		out = append(out, b.Segments...)
	}
	return out
}

// TokensSinceInsight returns the token growth since the last admitted
// insight trigger.
func (t *Transcript) TokensSinceInsight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tokensSinceInsight
}

// LastInsightAt returns when the last insight trigger was admitted; the zero
// time before any.
func (t *Transcript) LastInsightAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastInsightAt
}

// MarkInsight resets the throttle state after an admitted trigger.
func (t *Transcript) MarkInsight(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokensSinceInsight = 0
	t.lastInsightAt = now
}

// Stats summarises the transcript. insights is supplied by the caller since
// insight delivery is owned by the outbound path.
func (t *Transcript) Stats(insights int) Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Stats{Batches: len(t.batches), Insights: insights}
	for _, b := range t.batches {
		s.AudioSeconds += b.DurationSeconds
		s.Tokens += b.Tokens
	}
	return s
}

// CountTokens returns the whitespace token count of s, the token unit used
// by the insight throttle.
func CountTokens(s string) int {
	return len(strings.Fields(s))
}
