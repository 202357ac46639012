package insight

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"github.com/xeipuuv/gojsonschema"

	"github.com/sonolith/callsight/pkg/chat"
)

// snapshot is the immutable payload of one queued job, fixed at admission
// time. Coalescing replaces the whole snapshot, never mutates one.
type snapshot struct {
	sessionID string
	tenant    string
	language  string
	kind      string
	provider  string

	// text is the normalized transcript tail the prompt is built from.
	text string

	enqueuedAt time.Time
}

// tailTokens returns the last n whitespace tokens of text. n <= 0 keeps
// everything.
func tailTokens(text string, n int) string {
	if n <= 0 {
		return text
	}
	fields := strings.Fields(text)
	if len(fields) <= n {
		return strings.Join(fields, " ")
	}
	return strings.Join(fields[len(fields)-n:], " ")
}

const systemPrompt = `You analyze live call-center conversations. From the transcript excerpt you receive, produce exactly one insight of the requested kind.

Respond with a single JSON object and nothing else:
{"type": "<insight kind>", "text": "<the insight, one to three sentences>", "confidence": <0.0-1.0>}`

// request builds the chat request for this snapshot.
func (s *snapshot) request() chat.Request {
	var b strings.Builder
	fmt.Fprintf(&b, "Insight kind: %s\n", s.kind)
	if s.language != "" {
		fmt.Fprintf(&b, "Call language: %s\n", s.language)
	}
	b.WriteString("Transcript excerpt:\n")
	b.WriteString(s.text)

	return chat.Request{
		SystemPrompt: systemPrompt,
		Messages:     []chat.Message{{Role: "user", Content: b.String()}},
		MaxTokens:    512,
		Temperature:  0.2,
		JSONObject:   true,
	}
}

// outputSchema validates the model's reply shape before anything reaches a
// client.
var outputSchema = mustSchema(`{
	"type": "object",
	"required": ["type", "text", "confidence"],
	"properties": {
		"type":       {"type": "string", "minLength": 1},
		"text":       {"type": "string", "minLength": 1},
		"confidence": {"type": "number"}
	}
}`)

func mustSchema(doc string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(doc))
	if err != nil {
		panic("insight: invalid output schema: " + err.Error())
	}
	return s
}

// modelOutput is the expected reply shape.
type modelOutput struct {
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// parseOutput decodes and validates a model reply. Replies that fail a plain
// JSON parse get one repair pass (models love trailing commas and stray
// prose) before validation. All failures wrap chat.ErrInvalidOutput so the
// job's single retry applies.
func parseOutput(content string) (*modelOutput, error) {
	doc := strings.TrimSpace(content)

	var out modelOutput
	if err := json.Unmarshal([]byte(doc), &out); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(doc)
		if rerr != nil {
			return nil, fmt.Errorf("%w: unparseable reply: %v", chat.ErrInvalidOutput, err)
		}
		doc = repaired
		if err := json.Unmarshal([]byte(doc), &out); err != nil {
			return nil, fmt.Errorf("%w: reply unparseable after repair: %v", chat.ErrInvalidOutput, err)
		}
	}

	res, err := outputSchema.Validate(gojsonschema.NewStringLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chat.ErrInvalidOutput, err)
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: %s", chat.ErrInvalidOutput, strings.Join(msgs, "; "))
	}

	if out.Confidence < 0 {
		out.Confidence = 0
	}
	if out.Confidence > 1 {
		out.Confidence = 1
	}
	return &out, nil
}
