// Package correct implements the confidence-gated transcript correction
// stage that runs between speech-to-text and the dialogue turn.
//
// The [Corrector] sends the raw transcript and the rendered conversation so
// far to an [llm.Provider] in JSON mode. The reply is validated against a
// JSON Schema and normalised; anything that fails along the way (transport,
// parse, schema) degrades to a pass-through [Result] that flags the turn for
// human review. Correct never returns an error.
package correct

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/MrWong99/carevox/internal/conversation"
	"github.com/MrWong99/carevox/internal/observe"
	llm "github.com/MrWong99/carevox/pkg/provider/llm"
)

const (
	defaultTemperature = 0.2

	// DefaultGate is the confidence a correction must exceed to be trusted.
	DefaultGate = 0.5

	// FallbackConfidence is reported on every degraded Result.
	FallbackConfidence = 0.4

	// UnknownLanguage is the language code used when none is detected.
	UnknownLanguage = "unk"
)

const systemPrompt = `You are a medical transcription specialist. Correct the transcribed speech you are given.

Rules:
1. Maintain medical terminology accuracy.
2. Preserve numbers and measurements exactly as spoken.
3. If the input is not in English, translate it to English.
4. Base confidence_score on the quality of the transcription.

Respond with ONLY a JSON object with these fields:
corrected_text (string), confidence_score (number between 0 and 1), language_detected (ISO code), needs_human_review (boolean).

Example:
{"corrected_text":"Patient reports 500mg ibuprofen taken twice daily","confidence_score":0.92,"language_detected":"es","needs_human_review":false}`

// resultSchema lists the four required fields. language_detected and
// needs_human_review may be null, in which case defaults apply.
const resultSchema = `{
  "type": "object",
  "required": ["corrected_text", "confidence_score", "language_detected", "needs_human_review"],
  "properties": {
    "corrected_text":     {"type": "string"},
    "confidence_score":   {"type": "number"},
    "language_detected":  {"type": ["string", "null"]},
    "needs_human_review": {"type": ["boolean", "null"]}
  }
}`

var schema = mustSchema(resultSchema)

func mustSchema(s string) *gojsonschema.Schema {
	sc, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic("correct: compile result schema: " + err.Error())
	}
	return sc
}

// Result is the outcome of correcting one utterance.
type Result struct {
	CorrectedText    string
	Confidence       float64
	LanguageDetected string
	NeedsHumanReview bool
	OriginalText     string

	// Err is set when the Result is a fallback and describes why.
	Err error
}

// Accepted reports whether the correction clears [DefaultGate].
func (r Result) Accepted() bool {
	return r.Confidence > DefaultGate
}

// Text returns CorrectedText when Confidence exceeds gate, and OriginalText
// otherwise.
func (r Result) Text(gate float64) string {
	if r.Confidence > gate {
		return r.CorrectedText
	}
	return r.OriginalText
}

// Fallback returns the degraded Result for raw.
func Fallback(raw string, err error) Result {
	return Result{
		CorrectedText:    raw,
		Confidence:       FallbackConfidence,
		LanguageDetected: UnknownLanguage,
		NeedsHumanReview: true,
		OriginalText:     raw,
		Err:              err,
	}
}

// Option is a functional option for configuring a [Corrector].
type Option func(*Corrector)

// WithTemperature sets the LLM sampling temperature. Default: 0.2.
func WithTemperature(temp float64) Option {
	return func(c *Corrector) {
		c.temperature = temp
	}
}

// WithModelTimeout bounds each correction call. Zero means no extra bound
// beyond the caller's context.
func WithModelTimeout(d time.Duration) Option {
	return func(c *Corrector) {
		c.timeout = d
	}
}

// WithMetrics records correction results and stage latency on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Corrector) {
		c.metrics = m
	}
}

// Corrector is safe for concurrent use.
type Corrector struct {
	llm         llm.Provider
	temperature float64
	timeout     time.Duration
	metrics     *observe.Metrics
}

// New returns a Corrector backed by provider. As with every provider in
// carevox, the model is chosen when the provider is constructed.
func New(provider llm.Provider, opts ...Option) *Corrector {
	c := &Corrector{
		llm:         provider,
		temperature: defaultTemperature,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Correct asks the model to correct raw in the context of history.
func (c *Corrector) Correct(ctx context.Context, raw string, history []conversation.Turn) Result {
	start := time.Now()
	res := c.correct(ctx, raw, history)

	if c.metrics != nil {
		c.metrics.RecordStage(ctx, observe.StageCorrect, time.Since(start))
		switch {
		case res.Err != nil:
			c.metrics.RecordCorrection(ctx, "fallback")
		case res.Accepted():
			c.metrics.RecordCorrection(ctx, "accepted")
		default:
			c.metrics.RecordCorrection(ctx, "rejected")
		}
	}
	if res.Err != nil {
		observe.Logger(ctx).Warn("correct: falling back to raw transcript", "err", res.Err)
	} else {
		observe.Logger(ctx).Debug("correct: transcript corrected",
			"confidence", res.Confidence,
			"language", res.LanguageDetected,
			"needs_review", res.NeedsHumanReview,
		)
	}
	return res
}

func (c *Corrector) correct(ctx context.Context, raw string, history []conversation.Turn) Result {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req := llm.CompletionRequest{
		SystemPrompt:   systemPrompt,
		Temperature:    c.temperature,
		ResponseFormat: llm.ResponseFormatJSON,
		Messages: []llm.Message{
			{Role: "user", Content: buildUserMessage(raw, history)},
		},
	}

	resp, err := c.llm.Complete(ctx, req)
	if err != nil {
		return Fallback(raw, fmt.Errorf("correct: complete: %w", err))
	}
	if resp == nil {
		return Fallback(raw, errors.New("correct: complete: empty response"))
	}

	res, err := parseResponse(resp.Content)
	if err != nil {
		return Fallback(raw, err)
	}
	res.OriginalText = raw
	return res
}

// buildUserMessage renders prior turns as "role: content" lines followed by
// the transcript to correct.
func buildUserMessage(raw string, history []conversation.Turn) string {
	var sb strings.Builder
	if len(history) > 0 {
		sb.WriteString("Conversation so far:\n")
		for _, t := range history {
			sb.WriteString(t.Role)
			sb.WriteString(": ")
			sb.WriteString(t.Content)
			sb.WriteByte('\n')
		}
		sb.WriteByte('\n')
	}
	sb.WriteString("Transcription to correct: ")
	sb.WriteString(raw)
	return sb.String()
}

type llmResponse struct {
	CorrectedText    string  `json:"corrected_text"`
	ConfidenceScore  float64 `json:"confidence_score"`
	LanguageDetected *string `json:"language_detected"`
	NeedsHumanReview *bool   `json:"needs_human_review"`
}

// parseResponse validates content against the result schema and normalises
// it into a Result. An empty corrected_text is a failure.
func parseResponse(content string) (Result, error) {
	cleaned := stripMarkdown(content)

	vr, err := schema.Validate(gojsonschema.NewStringLoader(cleaned))
	if err != nil {
		return Result{}, fmt.Errorf("correct: parse response: %w", err)
	}
	if !vr.Valid() {
		msgs := make([]string, len(vr.Errors()))
		for i, e := range vr.Errors() {
			msgs[i] = e.String()
		}
		return Result{}, fmt.Errorf("correct: schema violation: %s", strings.Join(msgs, "; "))
	}

	var r llmResponse
	if err := json.Unmarshal([]byte(cleaned), &r); err != nil {
		return Result{}, fmt.Errorf("correct: decode response: %w", err)
	}

	text := strings.TrimSpace(r.CorrectedText)
	if text == "" {
		return Result{}, errors.New("correct: empty corrected_text")
	}

	res := Result{
		CorrectedText:    text,
		Confidence:       min(max(r.ConfidenceScore, 0), 1),
		LanguageDetected: UnknownLanguage,
	}
	if r.LanguageDetected != nil && strings.TrimSpace(*r.LanguageDetected) != "" {
		res.LanguageDetected = strings.TrimSpace(*r.LanguageDetected)
	}
	if r.NeedsHumanReview != nil {
		res.NeedsHumanReview = *r.NeedsHumanReview
	}
	return res, nil
}

// stripMarkdown removes optional markdown code fences (```json ... ```) that
// some models wrap around JSON output.
func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}
