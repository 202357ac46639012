// Package chat defines the Backend interface for the chat-completion
// services that produce call insights.
//
// A backend wraps a remote completion API (an OpenAI-compatible endpoint via
// pkg/chat/openai, or any provider reachable through pkg/chat/anyllm) and
// exposes buffered and streaming completions behind one contract, so the
// insight pipeline never couples to a specific SDK.
//
// Implementations must be safe for concurrent use. Channels returned by
// StreamComplete must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package chat

import (
	"context"
	"errors"
)

// Typed failure classes. Backends wrap upstream failures with one of these
// sentinels so callers can decide retry eligibility with errors.Is; anything
// not wrapping a sentinel is fatal to the calling job.
var (
	// ErrRateLimited marks an HTTP 429 class response. Eligible for one
	// retry with backoff.
	ErrRateLimited = errors.New("chat: rate limited")

	// ErrTransient marks an HTTP 5xx class or transport-level failure.
	// Eligible for one retry with backoff.
	ErrTransient = errors.New("chat: transient upstream error")

	// ErrContextTooLarge is returned by the Router when the estimated
	// prompt exceeds the configured ceiling. Never retried.
	ErrContextTooLarge = errors.New("chat: prompt exceeds context ceiling")

	// ErrInvalidOutput marks a reply that failed structured-output
	// validation. Eligible for one retry.
	ErrInvalidOutput = errors.New("chat: invalid structured output")
)

// Retryable reports whether err belongs to a failure class eligible for the
// single bounded retry the insight pipeline performs.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrInvalidOutput)
}

// Message is one turn of the conversation sent to the model.
type Message struct {
	// Role is "system", "user", or "assistant".
	Role string

	// Content is the plain-text body of the turn.
	Content string
}

// Request carries everything a backend needs to produce a completion.
// Messages must be non-empty.
type Request struct {
	// Messages is the ordered conversation. The last entry is typically a
	// "user" turn and drives the response.
	Messages []Message

	// SystemPrompt is an optional high-priority instruction prepended to
	// the conversation as a "system" turn.
	SystemPrompt string

	// MaxTokens caps completion length. Zero means the backend default.
	MaxTokens int

	// Temperature in [0.0, 2.0]. Zero requests the backend default.
	Temperature float64

	// JSONObject requests strict JSON object output
	// (response_format {type:"json_object"} on OpenAI-compatible
	// backends). When set, Complete verifies the reply parses as JSON
	// before returning and fails with ErrInvalidOutput otherwise.
	JSONObject bool
}

// Usage holds token accounting returned by the backend. Counts are in the
// model's native token unit.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is returned by the buffered Complete method.
type Response struct {
	// Content is the full text of the reply.
	Content string

	// Model is the model identifier that produced the reply.
	Model string

	// FinishReason is why generation stopped ("stop", "length", ...).
	FinishReason string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Delta is a single fragment emitted by a streaming completion. The final
// fragment carries a non-empty FinishReason. Stream-level failures after a
// successful start surface as a Delta with FinishReason "error" and the
// message in Content.
type Delta struct {
	Content      string
	FinishReason string
}

// Backend is the abstraction over any chat-completion service.
//
// Implementations must be safe for concurrent use and must propagate context
// cancellation promptly: a cancelled ctx returns (or closes the stream) as
// quickly as possible.
type Backend interface {
	// Complete sends req and waits for the full response.
	Complete(ctx context.Context, req Request) (*Response, error)

	// StreamComplete sends req and returns a channel of incremental
	// deltas. The channel is closed when generation finishes or ctx is
	// cancelled; callers must drain it. The returned channel is never nil
	// when error is nil.
	StreamComplete(ctx context.Context, req Request) (<-chan Delta, error)

	// Model returns the model identifier this backend is configured with.
	Model() string
}

// EstimateTokens approximates the prompt token cost of a request: ~4 chars
// per token plus a small per-message overhead for role framing. The result
// should not undercount on GPT-family tokenizers.
func EstimateTokens(req Request) int {
	total := 0
	if req.SystemPrompt != "" {
		total += EstimateTextTokens(req.SystemPrompt) + 4
	}
	for _, m := range req.Messages {
		total += EstimateTextTokens(m.Content) + 4
	}
	return total
}

// EstimateTextTokens approximates the token count of a plain string.
func EstimateTextTokens(s string) int {
	return (len(s) + 3) / 4
}
