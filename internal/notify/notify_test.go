package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/k-negishi/calendar-auto-register/internal/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type pushRequest struct {
	To       string `json:"to"`
	Messages []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"messages"`
}

func TestLineClient_PushText(t *testing.T) {
	t.Parallel()

	var got pushRequest
	var auth, path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		path = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sentMessages":[{"id":"1","quoteToken":"q"}]}`))
	}))
	t.Cleanup(srv.Close)

	c, err := NewLineClient("token-123", WithEndpoint(srv.URL), WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := c.PushText(context.Background(), "U123", "こんにちは"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if path != "/v2/bot/message/push" {
		t.Fatalf("unexpected path %q", path)
	}
	if auth != "Bearer token-123" {
		t.Fatalf("unexpected authorization %q", auth)
	}
	if got.To != "U123" || len(got.Messages) != 1 || got.Messages[0].Type != "text" || got.Messages[0].Text != "こんにちは" {
		t.Fatalf("unexpected push body %+v", got)
	}
}

func TestLineClient_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status    int
		body      string
		retryable bool
		message   string
	}{
		{status: 400, body: `{"message":"The request body has 1 error(s)","details":[{"message":"must be specified","property":"to"}]}`, message: "The request body has 1 error(s) (detail: must be specified)"},
		{status: 429, body: `{"message":"You have reached your monthly limit."}`, retryable: true, message: "You have reached your monthly limit."},
		{status: 500, body: `not json`, retryable: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			t.Cleanup(srv.Close)

			c, err := NewLineClient("token", WithEndpoint(srv.URL))
			if err != nil {
				t.Fatalf("new client: %v", err)
			}
			err = c.PushText(context.Background(), "U1", "hi")
			var lineErr *LineError
			if !errors.As(err, &lineErr) {
				t.Fatalf("expected *LineError, got %T %v", err, err)
			}
			if lineErr.StatusCode != tt.status || lineErr.Retryable() != tt.retryable {
				t.Fatalf("unexpected error %+v retryable=%v", lineErr, lineErr.Retryable())
			}
			if lineErr.Message != tt.message {
				t.Fatalf("expected message %q, got %q", tt.message, lineErr.Message)
			}
		})
	}
}

type fakePusher struct {
	to, text string
	err      error
}

func (f *fakePusher) PushText(_ context.Context, to, text string) error {
	f.to, f.text = to, text
	return f.err
}

func sampleResults() []models.EventResult {
	return []models.EventResult{{
		Status: models.StatusCreated,
		Event: models.Event{
			Summary: "⚙️ 休暇",
			Start:   models.AllDay{Date: "2024-12-25"},
			End:     models.AllDay{Date: "2024-12-26"},
		},
		GoogleEventID: "evt-1",
	}}
}

func TestNotifier_Notify(t *testing.T) {
	t.Parallel()

	p := &fakePusher{}
	n := NewNotifier(discardLogger(), p, "U999")
	if err := n.Notify(context.Background(), sampleResults()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if p.to != "U999" || !strings.Contains(p.text, "登録 1件 / 重複 0件 / 失敗 0件") {
		t.Fatalf("unexpected push %q %q", p.to, p.text)
	}

	p.err = &LineError{StatusCode: 503}
	var lineErr *LineError
	if err := n.Notify(context.Background(), sampleResults()); !errors.As(err, &lineErr) {
		t.Fatalf("expected LINE error to surface, got %v", err)
	}
}

func TestNotifier_NotConfigured(t *testing.T) {
	t.Parallel()

	if err := NewNotifier(discardLogger(), nil, "U1").Notify(context.Background(), nil); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured without pusher, got %v", err)
	}
	if err := NewNotifier(discardLogger(), &fakePusher{}, "").Notify(context.Background(), nil); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured without user, got %v", err)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	if got := Truncate("短い", 5); got != "短い" {
		t.Fatalf("short text must be unchanged, got %q", got)
	}
	long := strings.Repeat("予", MaxTextLength+10)
	got := Truncate(long, MaxTextLength)
	if utf8.RuneCountInString(got) != MaxTextLength || !strings.HasSuffix(got, "…") {
		t.Fatalf("expected %d characters ending with an ellipsis, got %d", MaxTextLength, utf8.RuneCountInString(got))
	}
}
