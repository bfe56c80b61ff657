// Package registrar registers batches of requested events in a calendar,
// skipping events that already exist.
package registrar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/k-negishi/calendar-auto-register/internal/dedupe"
	"github.com/k-negishi/calendar-auto-register/internal/models"
	"github.com/k-negishi/calendar-auto-register/internal/normalize"
)

// Calendar is the calendar backend a batch is registered into.
type Calendar interface {
	dedupe.Lister
	InsertEvent(ctx context.Context, calendarID string, event models.Event) (models.RemoteEvent, error)
}

// Connector returns an authenticated Calendar. It is called once per batch; an
// error is reported as an authentication failure for every item.
type Connector func(ctx context.Context) (Calendar, error)

// Option configures a Registrar.
type Option func(*Registrar)

// WithTolerance overrides the duplicate lookup margin for timed events.
func WithTolerance(d time.Duration) Option {
	return func(r *Registrar) {
		r.tolerance = d
	}
}

// Registrar orchestrates normalization, duplicate lookup and insertion.
type Registrar struct {
	logger     *slog.Logger
	connect    Connector
	calendarID string
	defaultTZ  string
	tolerance  time.Duration
}

// New creates a Registrar for one calendar. defaultTZ fills timed events that
// carry no time zone.
func New(logger *slog.Logger, connect Connector, calendarID, defaultTZ string, opts ...Option) *Registrar {
	r := &Registrar{
		logger:     logger,
		connect:    connect,
		calendarID: calendarID,
		defaultTZ:  defaultTZ,
		tolerance:  dedupe.DefaultTolerance,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register processes the events strictly in order and returns one result per
// event, in the same order. It never fails as a whole: every error becomes a
// FAILED result for the item it happened on.
func (r *Registrar) Register(ctx context.Context, events []models.Event) []models.EventResult {
	results := make([]models.EventResult, 0, len(events))
	if len(events) == 0 {
		return results
	}

	r.logger.Info("Starting registration batch.", "count", len(events), "calendarID", r.calendarID)

	cal, err := r.connect(ctx)
	if err != nil {
		r.logger.Error("Failed to connect to calendar", "error", err)
		for _, ev := range events {
			results = append(results, r.failed(ev, &models.ResultError{
				Code:    models.CodeGoogleAuthError,
				Message: err.Error(),
			}))
		}
		return results
	}

	finder := dedupe.NewFinder(cal, r.calendarID, dedupe.WithTolerance(r.tolerance))
	for _, ev := range events {
		res := r.registerOne(ctx, cal, finder, ev)
		switch res.Status {
		case models.StatusFailed:
			r.logger.Warn("Failed to register event", "summary", res.Event.Summary, "code", res.Error.Code, "error", res.Error.Message)
		default:
			r.logger.Info("Registered event.", "summary", res.Event.Summary, "status", res.Status, "eventID", res.GoogleEventID)
		}
		results = append(results, res)
	}

	r.logger.Info("Registration batch finished.", "count", len(results))
	return results
}

func (r *Registrar) registerOne(ctx context.Context, cal Calendar, finder *dedupe.Finder, ev models.Event) (res models.EventResult) {
	defer func() {
		if p := recover(); p != nil {
			res = r.failed(ev, &models.ResultError{
				Code:    models.CodeUnexpectedError,
				Message: fmt.Sprint(p),
			})
		}
	}()

	normalized, span, err := normalize.Normalize(ev, r.defaultTZ)
	if err != nil {
		return r.failed(ev, classify(err))
	}

	existing, err := finder.Find(ctx, normalized, span)
	if err != nil {
		return r.failed(ev, classify(err))
	}
	if existing != nil {
		return models.EventResult{
			Status:        models.StatusDuplicated,
			Event:         normalized,
			GoogleEventID: existing.ID,
		}
	}

	created, err := cal.InsertEvent(ctx, r.calendarID, normalized)
	if err != nil {
		return r.failed(ev, classify(fmt.Errorf("failed to insert event: %w", err)))
	}
	return models.EventResult{
		Status:        models.StatusCreated,
		Event:         normalized,
		GoogleEventID: created.ID,
	}
}

func (r *Registrar) failed(ev models.Event, resultErr *models.ResultError) models.EventResult {
	return models.EventResult{
		Status: models.StatusFailed,
		Event:  normalize.ForDisplay(ev, r.defaultTZ),
		Error:  resultErr,
	}
}

// classify maps an item error onto the result taxonomy.
func classify(err error) *models.ResultError {
	if errors.Is(err, models.ErrInvalidEvent) {
		return &models.ResultError{Code: models.CodeInvalidEvent, Message: err.Error()}
	}
	var apiErr *models.APIError
	if errors.As(err, &apiErr) {
		return &models.ResultError{
			Code:      models.CodeGoogleAPIError,
			Message:   apiErr.Error(),
			Retryable: apiErr.Retryable(),
		}
	}
	return &models.ResultError{Code: models.CodeUnexpectedError, Message: err.Error()}
}
