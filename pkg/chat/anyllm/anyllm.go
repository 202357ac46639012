// Package anyllm provides a chat.Backend backed by
// github.com/mozilla-ai/any-llm-go, covering the providers a session may
// name in its start-event hint (anthropic, gemini, ollama, deepseek,
// mistral, groq, llamacpp, llamafile) in addition to openai.
package anyllm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/sonolith/callsight/pkg/chat"
)

// Compile-time assertion that Client implements chat.Backend.
var _ chat.Backend = (*Client)(nil)

// jsonOnlyInstruction is appended to the system prompt when strict JSON is
// requested, since not every provider exposes a response_format knob.
const jsonOnlyInstruction = "Respond with a single JSON object and nothing else. No prose, no markdown fences."

// Client is a chat.Backend over any-llm-go.
type Client struct {
	backend anyllmlib.Provider
	model   string
}

// New creates a Client for the named provider. providerName is one of:
// "openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq",
// "llamacpp", "llamafile". Without an API key option the provider reads its
// usual environment variable (ANTHROPIC_API_KEY, GEMINI_API_KEY, ...).
func New(providerName, model string, opts ...anyllmlib.Option) (*Client, error) {
	if providerName == "" {
		return nil, errors.New("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, errors.New("anyllm: model must not be empty")
	}

	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}
	return &Client{backend: backend, model: model}, nil
}

// Supported reports whether providerName maps to a known backend, letting
// the gateway reject bad provider hints at session start instead of at the
// first insight.
func Supported(providerName string) bool {
	_, err := createBackend(providerName)
	return err == nil || !strings.Contains(err.Error(), "unsupported provider")
}

func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q", providerName)
	}
}

// Model implements chat.Backend.
func (c *Client) Model() string { return c.model }

// Complete implements chat.Backend.
func (c *Client) Complete(ctx context.Context, req chat.Request) (*chat.Response, error) {
	resp, err := c.backend.Completion(ctx, c.buildParams(req))
	if err != nil {
		return nil, classify("completion", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: empty choices in response")
	}

	choice := resp.Choices[0]
	content := choice.Message.ContentString()
	if req.JSONObject && !json.Valid([]byte(content)) {
		return nil, fmt.Errorf("anyllm: %w: reply is not valid JSON", chat.ErrInvalidOutput)
	}

	out := &chat.Response{
		Content:      content,
		Model:        c.model,
		FinishReason: string(choice.FinishReason),
	}
	if resp.Usage != nil {
		out.Usage = chat.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return out, nil
}

// StreamComplete implements chat.Backend.
func (c *Client) StreamComplete(ctx context.Context, req chat.Request) (<-chan chat.Delta, error) {
	chunks, errs := c.backend.CompletionStream(ctx, c.buildParams(req))

	ch := make(chan chat.Delta, 32)
	go func() {
		defer close(ch)

		for chunk := range chunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			out := chat.Delta{
				Content:      choice.Delta.Content,
				FinishReason: string(choice.FinishReason),
			}
			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}

		if err := <-errs; err != nil {
			select {
			case ch <- chat.Delta{FinishReason: "error", Content: err.Error()}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// buildParams converts a chat.Request into any-llm CompletionParams.
func (c *Client) buildParams(req chat.Request) anyllmlib.CompletionParams {
	var messages []anyllmlib.Message

	system := req.SystemPrompt
	if req.JSONObject {
		if system != "" {
			system += "\n\n"
		}
		system += jsonOnlyInstruction
	}
	if system != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: system,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, anyllmlib.Message{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	params := anyllmlib.CompletionParams{
		Model:    c.model,
		Messages: messages,
	}
	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}
	return params
}

// classify maps any-llm failures onto the chat error taxonomy. The SDK
// flattens provider responses into plain error strings, so rate-limit and
// server-side classes are recognised by status markers in the text.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("anyllm: %s: %w", op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("anyllm: %s: %w: %v", op, chat.ErrTransient, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate limit"):
		return fmt.Errorf("anyllm: %s: %w: %v", op, chat.ErrRateLimited, err)
	case strings.Contains(msg, "500"), strings.Contains(msg, "502"),
		strings.Contains(msg, "503"), strings.Contains(msg, "504"),
		strings.Contains(msg, "overloaded"), strings.Contains(msg, "timeout"),
		strings.Contains(msg, "connection refused"):
		return fmt.Errorf("anyllm: %s: %w: %v", op, chat.ErrTransient, err)
	default:
		return fmt.Errorf("anyllm: %s: %w", op, err)
	}
}
