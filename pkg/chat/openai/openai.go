// Package openai provides a chat.Backend against any OpenAI-compatible
// completion endpoint (POST /v1/chat/completions), including the hosted API
// and self-served vLLM/llama.cpp-style gateways via WithBaseURL.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/sonolith/callsight/pkg/chat"
)

// Compile-time assertion that Client implements chat.Backend.
var _ chat.Backend = (*Client)(nil)

// config holds optional configuration for the client.
type config struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

// Option is a functional option for Client.
type Option func(*config)

// WithBaseURL points the client at a non-default OpenAI-compatible base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout. Ignored when WithHTTPClient
// is also supplied.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithHTTPClient substitutes the transport, typically to share a connection
// pool across backends.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) {
		c.httpClient = hc
	}
}

// Client is an OpenAI-compatible chat.Backend.
type Client struct {
	client oai.Client
	model  string
}

// New constructs a Client for the given model. apiKey may be empty for
// upstream gateways that authenticate by network position.
func New(apiKey, model string, opts ...Option) (*Client, error) {
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	// Retry policy belongs to the caller (one bounded retry per job), so
	// the SDK's built-in retries are disabled.
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	switch {
	case cfg.httpClient != nil:
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	case cfg.timeout > 0:
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Client{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Model implements chat.Backend.
func (c *Client) Model() string { return c.model }

// Complete implements chat.Backend. With req.JSONObject set it requests
// response_format {type:"json_object"} and verifies the reply parses as JSON
// before returning.
func (c *Client) Complete(ctx context.Context, req chat.Request) (*chat.Response, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("openai: build params: %w", err)
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classify("chat completion", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty choices in response")
	}

	choice := resp.Choices[0]
	if req.JSONObject && !json.Valid([]byte(choice.Message.Content)) {
		return nil, fmt.Errorf("openai: %w: reply is not valid JSON", chat.ErrInvalidOutput)
	}

	return &chat.Response{
		Content:      choice.Message.Content,
		Model:        resp.Model,
		FinishReason: choice.FinishReason,
		Usage: chat.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// StreamComplete implements chat.Backend using the SDK's SSE stream
// (data: <json> frames terminated by data: [DONE]).
func (c *Client) StreamComplete(ctx context.Context, req chat.Request) (<-chan chat.Delta, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("openai: build params: %w", err)
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, classify("start stream", err)
	}

	ch := make(chan chat.Delta, 32)
	go func() {
		defer close(ch)
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]

			out := chat.Delta{
				Content:      choice.Delta.Content,
				FinishReason: choice.FinishReason,
			}
			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}

		if err := stream.Err(); err != nil {
			select {
			case ch <- chat.Delta{FinishReason: "error", Content: err.Error()}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// buildParams converts a chat.Request into OpenAI SDK params.
func (c *Client) buildParams(req chat.Request) (oai.ChatCompletionNewParams, error) {
	var messages []oai.ChatCompletionMessageParamUnion

	if req.SystemPrompt != "" {
		messages = append(messages, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			messages = append(messages, oai.SystemMessage(m.Content))
		case "user":
			messages = append(messages, oai.UserMessage(m.Content))
		case "assistant":
			messages = append(messages, oai.AssistantMessage(m.Content))
		default:
			return oai.ChatCompletionNewParams{}, fmt.Errorf("unknown message role %q", m.Role)
		}
	}
	if len(messages) == 0 {
		return oai.ChatCompletionNewParams{}, errors.New("request has no messages")
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.model),
		Messages: messages,
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	if req.JSONObject {
		params.ResponseFormat = oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}
	return params, nil
}

// classify maps upstream failures onto the chat error taxonomy: HTTP 429 →
// ErrRateLimited, HTTP 5xx and transport/timeout failures → ErrTransient,
// everything else fatal to the calling job.
func classify(op string, err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("openai: %s: %w: %v", op, chat.ErrRateLimited, err)
		case apiErr.StatusCode >= 500:
			return fmt.Errorf("openai: %s: %w: %v", op, chat.ErrTransient, err)
		default:
			return fmt.Errorf("openai: %s: %w", op, err)
		}
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("openai: %s: %w", op, err)
	}
	// Connection resets, DNS failures, and attempt deadlines all land here.
	return fmt.Errorf("openai: %s: %w: %v", op, chat.ErrTransient, err)
}
