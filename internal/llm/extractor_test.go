package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/k-negishi/calendar-auto-register/internal/mail"
	"github.com/k-negishi/calendar-auto-register/internal/models"
	"github.com/k-negishi/calendar-auto-register/internal/retry"
)

type fakeInvoker struct {
	replies []string
	errs    []error
	calls   int
	inputs  []*bedrockruntime.InvokeModelInput
}

func (f *fakeInvoker) InvokeModel(_ context.Context, in *bedrockruntime.InvokeModelInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	i := f.calls
	f.calls++
	f.inputs = append(f.inputs, in)
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	text := f.replies[len(f.replies)-1]
	if i < len(f.replies) {
		text = f.replies[i]
	}
	body, _ := json.Marshal(invokeResponse{Content: []contentPart{{Type: "text", Text: text}}, StopReason: "end_turn"})
	return &bedrockruntime.InvokeModelOutput{Body: body}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 5, Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 2}
}

func sampleMail() mail.NormalizedMail {
	received := time.Date(2024, 12, 20, 9, 0, 0, 0, time.UTC)
	return mail.NormalizedMail{
		FromAddr:   "boss@example.com",
		Subject:    "会議のお知らせ",
		ReceivedAt: &received,
		Text:       "12月25日 14時から15時まで会議室Aで定例会議を行います。",
	}
}

const validReply = "```json\n" + `{"events":[{"summary":"定例会議","start":{"dateTime":"2024-12-25T14:00:00+09:00","timeZone":"Asia/Tokyo"},"end":{"dateTime":"2024-12-25T15:00:00+09:00","timeZone":"Asia/Tokyo"},"location":"会議室A"}]}` + "\n```"

func TestExtractor_Extract(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{replies: []string{validReply}}
	e := NewExtractor(discardLogger(), inv, "anthropic.claude-3-haiku", WithPolicy(fastPolicy()), WithDefaultTimeZone("Asia/Tokyo"))

	events, err := e.Extract(context.Background(), sampleMail())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(events) != 1 || events[0].Summary != "定例会議" || events[0].Location != "会議室A" {
		t.Fatalf("unexpected events %+v", events)
	}
	if start, ok := events[0].Start.(models.Timed); !ok || start.TimeZone != "Asia/Tokyo" {
		t.Fatalf("unexpected start %#v", events[0].Start)
	}

	var req invokeRequest
	if err := json.Unmarshal(inv.inputs[0].Body, &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if req.AnthropicVersion != anthropicVersion || req.MaxTokens != defaultMaxTokens || req.System == "" {
		t.Fatalf("unexpected request envelope %+v", req)
	}
	text := req.Messages[0].Content[0].Text
	for _, want := range []string{"boss@example.com", "会議のお知らせ", "2024-12-20T09:00:00Z", "Asia/Tokyo", "会議室A"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in user message:\n%s", want, text)
		}
	}
	if *inv.inputs[0].ModelId != "anthropic.claude-3-haiku" {
		t.Fatalf("unexpected model id %q", *inv.inputs[0].ModelId)
	}
}

func TestExtractor_RetriesInvalidOutputAndErrors(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{
		errs:    []error{errors.New("ThrottlingException"), nil, nil},
		replies: []string{"", "I could not find JSON", validReply},
	}
	e := NewExtractor(discardLogger(), inv, "model", WithPolicy(fastPolicy()))

	events, err := e.Extract(context.Background(), sampleMail())
	if err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if inv.calls != 3 || len(events) != 1 {
		t.Fatalf("expected 3 calls and 1 event, got %d calls %d events", inv.calls, len(events))
	}
}

func TestExtractor_GivesUp(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{replies: []string{`{"events":[{"summary":"x"}]}`}}
	e := NewExtractor(discardLogger(), inv, "model", WithPolicy(fastPolicy()))

	_, err := e.Extract(context.Background(), sampleMail())
	if !errors.Is(err, ErrInvalidOutput) {
		t.Fatalf("expected ErrInvalidOutput, got %v", err)
	}
	if inv.calls != 5 {
		t.Fatalf("expected 5 attempts, got %d", inv.calls)
	}
}

func TestExtractor_Preconditions(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{replies: []string{validReply}}
	if _, err := NewExtractor(discardLogger(), inv, "").Extract(context.Background(), sampleMail()); !errors.Is(err, ErrModelNotConfigured) {
		t.Fatalf("expected ErrModelNotConfigured, got %v", err)
	}
	if _, err := NewExtractor(discardLogger(), inv, "model").Extract(context.Background(), mail.NormalizedMail{FromAddr: "a@example.com"}); !errors.Is(err, ErrEmptyMail) {
		t.Fatalf("expected ErrEmptyMail, got %v", err)
	}
	if inv.calls != 0 {
		t.Fatalf("model must not be called when preconditions fail")
	}
}

func TestParseEvents(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		text    string
		want    int
		wantErr bool
	}{
		{name: "plain object", text: `{"events":[]}`, want: 0},
		{name: "prose around object", text: `Here you go: {"events":[{"summary":"休暇","start":{"date":"2024-12-25"},"end":{"date":"2024-12-26"}}]} done`, want: 1},
		{name: "braces inside strings", text: `{"events":[{"summary":"a } b {","start":{"date":"2024-12-25"},"end":{"date":"2024-12-26"}}]}`, want: 1},
		{name: "missing events key", text: `{"items":[]}`, want: 0},
		{name: "no object", text: "no events today", wantErr: true},
		{name: "unterminated", text: `{"events":[`, wantErr: true},
		{name: "invalid event", text: `{"events":[{"summary":"x","start":{},"end":{"date":"2024-12-26"}}]}`, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseEvents(tt.text)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidOutput) {
					t.Fatalf("expected ErrInvalidOutput, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if got == nil || len(got) != tt.want {
				t.Fatalf("expected %d events, got %#v", tt.want, got)
			}
		})
	}
}
