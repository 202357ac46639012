package stream

import (
	"sync"
	"time"

	"github.com/sonolith/callsight/pkg/audio"
)

// Buffer accumulates raw PCM16 between flushes. Single producer (the session
// coordinator appends), single consumer (the flusher snapshots); both paths
// take one short lock, so appends stay O(1) amortised and a snapshot never
// observes a torn write.
//
// The buffer enforces the session's hard cap on append: when an append would
// push the pending audio past the cap, the oldest samples are cut out in
// whole maximum-batch-window steps — spilling into the new chunk when the
// backlog alone is not enough — and returned so the caller can flush them
// before acknowledging the append.
type Buffer struct {
	mu sync.Mutex

	sampleRate int
	channels   int

	// maxBytes is the pending-byte cap derived from the session's MaxBuffer.
	maxBytes int

	// cutBytes is the forced-cut size derived from MaxBatchWindow.
	cutBytes int

	// pending holds the samples in [cursor, tail).
	pending []byte

	// appended counts every sample ever appended, monotone for the
	// session's lifetime.
	appended int64
}

// NewBuffer creates a Buffer for the given audio format and session caps.
func NewBuffer(sampleRate, channels int, maxBuffer, maxBatchWindow time.Duration) *Buffer {
	return &Buffer{
		sampleRate: sampleRate,
		channels:   channels,
		maxBytes:   audio.BytesForDuration(maxBuffer.Seconds(), sampleRate, channels),
		cutBytes:   audio.BytesForDuration(maxBatchWindow.Seconds(), sampleRate, channels),
	}
}

// Append adds pcm to the buffer. When the append would breach the buffer
// cap, enough of the oldest samples to restore the cap are removed in whole
// maximum-batch-window steps and returned as overflow; a chunk longer than
// the backlog spills the cut into its own head. The caller must flush the
// overflow synchronously before acknowledging the chunk. Returns nil when no
// cut was needed.
func (b *Buffer) Append(pcm []byte) (overflow []byte) {
	if len(pcm) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.appended += int64(len(pcm) / (b.channels * audio.BytesPerSample))

	if b.maxBytes > 0 && len(b.pending)+len(pcm) > b.maxBytes {
		need := len(b.pending) + len(pcm) - b.maxBytes
		cut := len(b.pending) + len(pcm)
		if b.cutBytes > 0 {
			cut = (need + b.cutBytes - 1) / b.cutBytes * b.cutBytes
		}

		fromPending := cut
		if fromPending > len(b.pending) {
			fromPending = len(b.pending)
		}
		overflow = make([]byte, 0, cut)
		overflow = append(overflow, b.pending[:fromPending]...)
		rest := copy(b.pending, b.pending[fromPending:])
		b.pending = b.pending[:rest]

		if fromChunk := cut - fromPending; fromChunk > 0 {
			if fromChunk > len(pcm) {
				fromChunk = len(pcm)
			}
			overflow = append(overflow, pcm[:fromChunk]...)
			pcm = pcm[fromChunk:]
		}
	}

	b.pending = append(b.pending, pcm...)
	return overflow
}

// Snapshot atomically copies out every pending sample and advances the
// cursor past them. Returns nil when the buffer is empty.
func (b *Buffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		return nil
	}
	out := make([]byte, len(b.pending))
	copy(out, b.pending)
	b.pending = b.pending[:0]
	return out
}

// PendingDuration returns the playback duration of the unflushed audio in
// seconds.
func (b *Buffer) PendingDuration() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return audio.Duration(len(b.pending), b.sampleRate, b.channels)
}

// PendingBytes returns the unflushed byte count.
func (b *Buffer) PendingBytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// AppendedSamples returns the total samples appended over the session's
// lifetime.
func (b *Buffer) AppendedSamples() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.appended
}
