package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/k-negishi/calendar-auto-register/internal/models"
	"github.com/k-negishi/calendar-auto-register/internal/report"
)

// ErrNotConfigured is returned when the channel token or recipient is missing.
var ErrNotConfigured = errors.New("LINE notification is not configured")

// Pusher delivers a text message to a user.
type Pusher interface {
	PushText(ctx context.Context, to, text string) error
}

// Notifier reports registration results to one LINE user.
type Notifier struct {
	pusher Pusher
	userID string
	logger *slog.Logger
}

// NewNotifier creates a Notifier. A nil pusher or empty userID makes Notify
// fail with ErrNotConfigured.
func NewNotifier(logger *slog.Logger, pusher Pusher, userID string) *Notifier {
	return &Notifier{pusher: pusher, userID: userID, logger: logger}
}

// Notify sends the report for results.
func (n *Notifier) Notify(ctx context.Context, results []models.EventResult) error {
	if n.pusher == nil {
		return fmt.Errorf("%w: LINE_CHANNEL_ACCESS_TOKEN is not set", ErrNotConfigured)
	}
	if n.userID == "" {
		return fmt.Errorf("%w: LINE_USER_ID is not set", ErrNotConfigured)
	}

	text := Truncate(report.BuildMessage(results), MaxTextLength)
	if err := n.pusher.PushText(ctx, n.userID, text); err != nil {
		return err
	}

	s := report.Summarize(results)
	n.logger.Info("Sent LINE notification", "created", s.Created, "duplicated", s.Duplicated, "failed", s.Failed)
	return nil
}

// Truncate shortens text to at most limit characters, marking the cut with "…".
func Truncate(text string, limit int) string {
	r := []rune(text)
	if len(r) <= limit {
		return text
	}
	return string(r[:limit-1]) + "…"
}
