// Package pipeline runs one stored mail through extraction, registration and
// notification.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/k-negishi/calendar-auto-register/internal/mail"
	"github.com/k-negishi/calendar-auto-register/internal/models"
	"github.com/k-negishi/calendar-auto-register/internal/report"
)

// MailLoader fetches and decodes a stored mail.
type MailLoader interface {
	Load(ctx context.Context, key string) (mail.NormalizedMail, error)
}

// Extractor finds the requested events in a mail.
type Extractor interface {
	Extract(ctx context.Context, m mail.NormalizedMail) ([]models.Event, error)
}

// Registrar registers a batch of events.
type Registrar interface {
	Register(ctx context.Context, events []models.Event) []models.EventResult
}

// Notifier reports a batch of results.
type Notifier interface {
	Notify(ctx context.Context, results []models.EventResult) error
}

// Outcome is what happened to one mail.
type Outcome struct {
	Mail     mail.NormalizedMail  `json:"normalized_mail"`
	Skipped  bool                 `json:"skipped"`
	Events   []models.Event       `json:"events"`
	Results  []models.EventResult `json:"results"`
	Summary  report.Summary       `json:"summary"`
	Notified bool                 `json:"notified"`
}

// Pipeline wires the stages together.
type Pipeline struct {
	logger    *slog.Logger
	loader    MailLoader
	extractor Extractor
	registrar Registrar
	notifier  Notifier
	allowlist []string
}

// New creates a Pipeline. A nil notifier disables notification; an empty
// allowlist accepts every sender.
func New(logger *slog.Logger, loader MailLoader, extractor Extractor, registrar Registrar, notifier Notifier, allowlist []string) *Pipeline {
	return &Pipeline{
		logger:    logger,
		loader:    loader,
		extractor: extractor,
		registrar: registrar,
		notifier:  notifier,
		allowlist: allowlist,
	}
}

// Run processes the mail stored under key. Registration results are returned
// even when the notification fails.
func (p *Pipeline) Run(ctx context.Context, key string) (Outcome, error) {
	var out Outcome

	m, err := p.loader.Load(ctx, key)
	if err != nil {
		return out, fmt.Errorf("failed to load mail %s: %w", key, err)
	}
	out.Mail = m

	if !p.allowed(m) {
		p.logger.Info("Sender is not on the allowlist, skipping mail.", "key", key, "from", m.SenderAddress())
		out.Skipped = true
		return out, nil
	}

	events, err := p.extractor.Extract(ctx, m)
	if err != nil {
		return out, fmt.Errorf("failed to extract events: %w", err)
	}
	out.Events = events
	if len(events) == 0 {
		p.logger.Info("No events found in mail.", "key", key, "subject", m.Subject)
		return out, nil
	}

	out.Results = p.registrar.Register(ctx, events)
	out.Summary = report.Summarize(out.Results)
	p.logger.Info("Registered events from mail.", "key", key,
		"created", out.Summary.Created, "duplicated", out.Summary.Duplicated, "failed", out.Summary.Failed)

	if p.notifier == nil {
		return out, nil
	}
	if err := p.notifier.Notify(ctx, out.Results); err != nil {
		return out, fmt.Errorf("failed to notify results: %w", err)
	}
	out.Notified = true
	return out, nil
}

func (p *Pipeline) allowed(m mail.NormalizedMail) bool {
	if len(p.allowlist) == 0 {
		return true
	}
	return slices.Contains(p.allowlist, m.SenderAddress())
}
