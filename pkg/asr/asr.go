// Package asr provides the HTTP client for the transcription worker fleet.
//
// Workers are stateless GPU processes behind a load balancer exposing
// POST /transcribe. The client frames one PCM audio window as WAV, uploads
// it as multipart/form-data, and returns the transcribed text with segment
// timings. Successive calls for one session carry an X-Session-Affinity
// header so the balancer keeps routing the session to the same worker while
// it is alive; when an attempt fails with an unreachable-class error the
// header is dropped for the remaining attempts and the break is reported
// once through the affinity-break hook.
//
// Usage:
//
//	c, err := asr.New("http://workers:9000",
//	    asr.WithModel("large-v3"),
//	    asr.WithComputeType("float16"),
//	)
//	res, err := c.Transcribe(ctx, asr.Request{
//	    PCM:        window,
//	    SampleRate: 16000,
//	    Channels:   1,
//	    Language:   "en",
//	    Affinity:   sessionID,
//	})
package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sonolith/callsight/pkg/audio"
)

const (
	defaultComputeType = "float16"

	// defaultRetries is the number of extra attempts after the first one.
	defaultRetries     = 2
	defaultBackoffBase = 250 * time.Millisecond

	// minAttemptTimeout is the floor of the per-attempt deadline. Longer
	// windows get 6x their real-time duration instead.
	minAttemptTimeout   = 30 * time.Second
	timeoutPerAudioUnit = 6
)

// ErrUnavailable reports that every attempt against the worker fleet failed.
// The session owning the window cannot make progress and must end.
var ErrUnavailable = errors.New("asr: worker fleet unavailable")

// Breaker gates calls to the worker fleet. A tripped breaker rejects the
// call without touching the network. *resilience.CircuitBreaker satisfies
// this interface.
type Breaker interface {
	Execute(fn func() error) error
}

// Segment is one time-aligned span of a transcription.
type Segment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Speaker string  `json:"speaker,omitempty"`
}

// BatchResult is the worker's answer for one audio window.
type BatchResult struct {
	Text            string    `json:"text"`
	Segments        []Segment `json:"segments"`
	Language        string    `json:"language"`
	DurationSeconds float64   `json:"duration_seconds"`
}

// Request describes one audio window to transcribe.
type Request struct {
	// PCM is raw 16-bit little-endian signed audio.
	PCM        []byte
	SampleRate int
	// Channels defaults to 1 when zero.
	Channels int

	// Language hints the worker decoder; empty lets the worker detect.
	Language string

	// Affinity routes successive windows of one session to the same worker.
	// Empty disables affinity routing for this call.
	Affinity string
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithModel sets the model identifier forwarded to the workers (e.g.
// "large-v3"). When empty the worker uses whichever model it loaded at
// startup — this is the default.
func WithModel(model string) Option {
	return func(c *Client) {
		c.model = model
	}
}

// WithComputeType sets the compute_type form field (e.g. "float16",
// "int8"). Defaults to "float16".
func WithComputeType(ct string) Option {
	return func(c *Client) {
		c.computeType = ct
	}
}

// WithVADFilter asks the workers to drop non-speech spans before decoding.
func WithVADFilter(enabled bool) Option {
	return func(c *Client) {
		c.vadFilter = enabled
	}
}

// WithBeamSize sets the decoder beam size. Zero leaves the worker default.
func WithBeamSize(n int) Option {
	return func(c *Client) {
		c.beamSize = n
	}
}

// WithRetries sets how many extra attempts follow a retryable failure.
// Defaults to 2 (three attempts total). Negative values are treated as 0.
func WithRetries(n int) Option {
	return func(c *Client) {
		if n < 0 {
			n = 0
		}
		c.retries = n
	}
}

// WithBackoffBase sets the first retry delay. Each further delay doubles
// and carries ±20% jitter. Defaults to 250 ms.
func WithBackoffBase(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.backoffBase = d
		}
	}
}

// WithHTTPClient replaces the pooled default client, mainly for tests.
// The supplied client should not carry its own Timeout; per-attempt
// deadlines are set through the request context.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithBreaker wraps every Transcribe call in the supplied circuit breaker.
// A rejected call fails immediately with ErrUnavailable.
func WithBreaker(b Breaker) Option {
	return func(c *Client) {
		c.breaker = b
	}
}

// WithAffinityBreakHook registers fn to be invoked whenever a call drops
// its affinity header after an unreachable-class failure. Invoked at most
// once per Transcribe call; the usual hook increments a counter.
func WithAffinityBreakHook(fn func()) Option {
	return func(c *Client) {
		c.onAffinityBreak = fn
	}
}

// Client is a thin client for the transcription worker fleet. One Client
// maintains one connection pool per upstream base URL; it is safe for
// concurrent use by all sessions.
type Client struct {
	baseURL     string
	model       string
	computeType string
	vadFilter   bool
	beamSize    int

	retries     int
	backoffBase time.Duration

	httpClient      *http.Client
	breaker         Breaker
	onAffinityBreak func()
}

// New creates a Client for the worker fleet reachable at baseURL (e.g.
// "http://workers:9000"). baseURL must be non-empty. Functional options may
// be provided to override defaults.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("asr: baseURL must not be empty")
	}
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		computeType: defaultComputeType,
		retries:     defaultRetries,
		backoffBase: defaultBackoffBase,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        64,
				MaxIdleConnsPerHost: 64,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Transcribe uploads one audio window and returns the worker's result.
//
// Each attempt gets a deadline of max(30 s, 6x the window's real-time
// duration). 5xx responses and transport errors are retried with doubling
// jittered backoff; 4xx responses are returned immediately. When every
// attempt fails the error wraps ErrUnavailable.
func (c *Client) Transcribe(ctx context.Context, req Request) (*BatchResult, error) {
	if len(req.PCM) == 0 {
		return nil, errors.New("asr: empty audio window")
	}
	if req.SampleRate <= 0 {
		return nil, errors.New("asr: sample rate must be positive")
	}
	if req.Channels <= 0 {
		req.Channels = 1
	}

	if c.breaker == nil {
		return c.transcribe(ctx, req)
	}

	var res *BatchResult
	ran := false
	err := c.breaker.Execute(func() error {
		ran = true
		var inner error
		res, inner = c.transcribe(ctx, req)
		return inner
	})
	if err != nil {
		if !ran {
			// Breaker is open; the fleet is presumed down.
			return nil, fmt.Errorf("asr: %w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	return res, nil
}

// transcribe runs the attempt loop. The multipart payload is encoded once
// and replayed from a fresh reader on every attempt.
func (c *Client) transcribe(ctx context.Context, req Request) (*BatchResult, error) {
	wav := audio.EncodeWAV(req.PCM, req.SampleRate, req.Channels)
	payload, contentType, err := c.encodeForm(wav, req.Language)
	if err != nil {
		return nil, err
	}

	audioSec := audio.Duration(len(req.PCM), req.SampleRate, req.Channels)
	attemptTimeout := time.Duration(audioSec * timeoutPerAudioUnit * float64(time.Second))
	if attemptTimeout < minAttemptTimeout {
		attemptTimeout = minAttemptTimeout
	}

	affinity := req.Affinity
	affinityBroken := false
	backoff := c.backoffBase
	attempts := c.retries + 1

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("asr: %w: %v", ErrUnavailable, ctx.Err())
			case <-time.After(withJitter(backoff)):
			}
			backoff *= 2
		}

		res, err := c.post(ctx, payload, contentType, affinity, attemptTimeout)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			// Caller gone; the failure is not the fleet's fault.
			return nil, fmt.Errorf("asr: %w: %v", ErrUnavailable, ctx.Err())
		}
		lastErr = err

		if !retryable(err) {
			return nil, err
		}
		if affinity != "" && !affinityBroken && unreachable(err) {
			// Let the balancer pick any live worker for what remains.
			affinity = ""
			affinityBroken = true
			if c.onAffinityBreak != nil {
				c.onAffinityBreak()
			}
		}
	}
	return nil, fmt.Errorf("asr: %w after %d attempts: %v", ErrUnavailable, attempts, lastErr)
}

// encodeForm builds the multipart body once per call: the WAV file plus the
// decoder hint fields.
func (c *Client) encodeForm(wav []byte, language string) ([]byte, string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, "", fmt.Errorf("asr: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return nil, "", fmt.Errorf("asr: write wav data: %w", err)
	}

	if language != "" {
		if err := mw.WriteField("language", language); err != nil {
			return nil, "", fmt.Errorf("asr: write language field: %w", err)
		}
	}
	if c.model != "" {
		if err := mw.WriteField("model", c.model); err != nil {
			return nil, "", fmt.Errorf("asr: write model field: %w", err)
		}
	}
	if c.computeType != "" {
		if err := mw.WriteField("compute_type", c.computeType); err != nil {
			return nil, "", fmt.Errorf("asr: write compute_type field: %w", err)
		}
	}
	if c.vadFilter {
		if err := mw.WriteField("vad_filter", "true"); err != nil {
			return nil, "", fmt.Errorf("asr: write vad_filter field: %w", err)
		}
	}
	if c.beamSize > 0 {
		if err := mw.WriteField("beam_size", strconv.Itoa(c.beamSize)); err != nil {
			return nil, "", fmt.Errorf("asr: write beam_size field: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("asr: close multipart writer: %w", err)
	}
	return body.Bytes(), mw.FormDataContentType(), nil
}

// post performs a single attempt against POST /transcribe.
func (c *Client) post(ctx context.Context, payload []byte, contentType, affinity string, timeout time.Duration) (*BatchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := c.baseURL + "/transcribe"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("asr: create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if affinity != "" {
		req.Header.Set("X-Session-Affinity", affinity)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("asr: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("asr: %w", &statusError{
			code: resp.StatusCode,
			body: strings.TrimSpace(string(snippet)),
		})
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("asr: read response body: %w", err)
	}
	var result BatchResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("asr: parse JSON response: %w", err)
	}
	return &result, nil
}

// statusError is a non-200 worker response, preserving the status code for
// the retry policy.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("worker returned HTTP %d", e.code)
	}
	return fmt.Sprintf("worker returned HTTP %d: %s", e.code, e.body)
}

// retryable reports whether another attempt may succeed: transport errors
// and 5xx responses qualify, 4xx responses do not.
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	// Transport-level failure (refused connection, reset, attempt timeout).
	return true
}

// unreachable reports whether the failure suggests the bound worker is gone
// rather than merely erroring: connect-level failures and the balancer's
// 502/503/504 responses. A plain 500 means the worker answered, so the
// affinity binding is kept.
func unreachable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusBadGateway ||
			se.code == http.StatusServiceUnavailable ||
			se.code == http.StatusGatewayTimeout
	}
	return true
}

// withJitter applies ±20% random jitter to d.
func withJitter(d time.Duration) time.Duration {
	jitterRange := d / 5
	if jitterRange <= 0 {
		return d
	}
	// rand/v2 is concurrency-safe with the global source.
	jitter := time.Duration(rand.Int64N(int64(2*jitterRange+1))) - jitterRange
	return d + jitter
}
