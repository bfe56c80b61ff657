// Package llm extracts calendar events from mail with a model on Amazon Bedrock.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/k-negishi/calendar-auto-register/internal/mail"
	"github.com/k-negishi/calendar-auto-register/internal/models"
	"github.com/k-negishi/calendar-auto-register/internal/retry"
)

const (
	anthropicVersion = "bedrock-2023-05-31"
	defaultMaxTokens = 2048
)

var (
	// ErrModelNotConfigured is returned when no model id is set.
	ErrModelNotConfigured = errors.New("bedrock model id is not configured")
	// ErrEmptyMail is returned for a mail with no subject and no body.
	ErrEmptyMail = errors.New("mail has no subject or body")
	// ErrInvalidOutput is returned when the model reply holds no usable events object.
	ErrInvalidOutput = errors.New("model output is not a valid events object")
)

// Invoker is the subset of the Bedrock Runtime API the extractor needs.
type Invoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithPolicy replaces the retry policy.
func WithPolicy(p retry.Policy) Option {
	return func(e *Extractor) { e.policy = p }
}

// WithMaxTokens caps the length of the model reply.
func WithMaxTokens(n int) Option {
	return func(e *Extractor) { e.maxTokens = n }
}

// WithDefaultTimeZone tells the model which zone to assume for bare times.
func WithDefaultTimeZone(tz string) Option {
	return func(e *Extractor) { e.defaultTZ = tz }
}

// Extractor turns a NormalizedMail into requested events.
type Extractor struct {
	invoker   Invoker
	modelID   string
	logger    *slog.Logger
	policy    retry.Policy
	maxTokens int
	defaultTZ string
}

// NewExtractor creates an Extractor for an Anthropic model on Bedrock.
func NewExtractor(logger *slog.Logger, invoker Invoker, modelID string, opts ...Option) *Extractor {
	e := &Extractor{
		invoker:   invoker,
		modelID:   modelID,
		logger:    logger,
		policy:    retry.DefaultPolicy(),
		maxTokens: defaultMaxTokens,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type message struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type invokeRequest struct {
	AnthropicVersion string    `json:"anthropic_version"`
	MaxTokens        int       `json:"max_tokens"`
	System           string    `json:"system"`
	Messages         []message `json:"messages"`
}

type invokeResponse struct {
	Content    []contentPart `json:"content"`
	StopReason string        `json:"stop_reason"`
}

// Extract asks the model for the events in m. The call and the parsing of its
// reply are retried together under the extractor's policy.
func (e *Extractor) Extract(ctx context.Context, m mail.NormalizedMail) ([]models.Event, error) {
	if e.modelID == "" {
		return nil, ErrModelNotConfigured
	}
	if strings.TrimSpace(m.Subject) == "" && strings.TrimSpace(m.Text) == "" && strings.TrimSpace(m.HTML) == "" {
		return nil, ErrEmptyMail
	}

	body, err := json.Marshal(invokeRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        e.maxTokens,
		System:           systemPrompt,
		Messages: []message{{
			Role:    "user",
			Content: []contentPart{{Type: "text", Text: userMessage(m, e.defaultTZ)}},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode model request: %w", err)
	}

	policy := e.policy
	policy.OnRetry = func(err error, wait time.Duration) {
		e.logger.Warn("Model call failed, retrying", "error", err, "wait", wait)
	}

	events, err := retry.DoValue(ctx, policy, func(ctx context.Context) ([]models.Event, error) {
		out, err := e.invoker.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
			ModelId:     aws.String(e.modelID),
			Body:        body,
			ContentType: aws.String("application/json"),
			Accept:      aws.String("application/json"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to invoke model %s: %w", e.modelID, err)
		}
		return parseReply(out.Body)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("Extracted events from mail", "subject", m.Subject, "count", len(events))
	return events, nil
}

func parseReply(raw []byte) ([]models.Event, error) {
	var resp invokeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	var text strings.Builder
	for _, part := range resp.Content {
		if part.Type == "text" {
			text.WriteString(part.Text)
		}
	}
	return ParseEvents(text.String())
}

// ParseEvents reads the first JSON object in text as {"events": [...]}. Markdown
// code fences and prose around the object are ignored.
func ParseEvents(text string) ([]models.Event, error) {
	obj, ok := firstObject(text)
	if !ok {
		return nil, fmt.Errorf("%w: no JSON object found", ErrInvalidOutput)
	}

	var out struct {
		Events []models.Event `json:"events"`
	}
	if err := json.Unmarshal(obj, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	if out.Events == nil {
		out.Events = []models.Event{}
	}
	return out.Events, nil
}

// firstObject returns the first balanced {...} in s, honoring JSON strings.
func firstObject(s string) ([]byte, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return nil, false
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return []byte(s[start : i+1]), true
			}
		}
	}
	return nil, false
}
