package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/k-negishi/calendar-auto-register/internal/models"
)

// CalendarClient provides a client for interacting with the Google Calendar API.
type CalendarClient struct {
	service *calendar.Service
	logger  *slog.Logger
}

// NewClient creates a Google Calendar client authorized by a refresh token.
// The access token is fetched immediately so that bad credentials surface here
// rather than on the first API call.
func NewClient(ctx context.Context, logger *slog.Logger, creds Credentials, opts ...option.ClientOption) (*CalendarClient, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}

	ts := creds.oauthConfig().TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken})
	if _, err := ts.Token(); err != nil {
		return nil, fmt.Errorf("failed to refresh google access token: %w", err)
	}

	return NewClientWithOptions(ctx, logger, append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)...)
}

// NewClientWithOptions creates a client from raw API options. Authentication is
// entirely up to the options.
func NewClientWithOptions(ctx context.Context, logger *slog.Logger, opts ...option.ClientOption) (*CalendarClient, error) {
	service, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return &CalendarClient{service: service, logger: logger}, nil
}

// ListEvents returns the single events of a calendar overlapping [timeMin, timeMax],
// ordered by start time. Only the first result page is read.
func (c *CalendarClient) ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time) ([]models.RemoteEvent, error) {
	c.logger.Debug("Fetching events", "calendarID", calendarID, "timeMin", timeMin, "timeMax", timeMax)

	events, err := c.service.Events.List(calendarID).
		ShowDeleted(false).
		SingleEvents(true).
		TimeMin(timeMin.Format(time.RFC3339)).
		TimeMax(timeMax.Format(time.RFC3339)).
		OrderBy("startTime").
		Context(ctx).
		Do()
	if err != nil {
		return nil, wrapError("failed to retrieve events", err)
	}

	c.logger.Debug("Fetched events from Google Calendar", "count", len(events.Items), "calendarID", calendarID)
	return toRemoteEvents(events.Items), nil
}

// InsertEvent creates the event and returns the stored copy.
func (c *CalendarClient) InsertEvent(ctx context.Context, calendarID string, event models.Event) (models.RemoteEvent, error) {
	created, err := c.service.Events.Insert(calendarID, EventBody(event)).Context(ctx).Do()
	if err != nil {
		return models.RemoteEvent{}, wrapError("failed to insert event", err)
	}
	c.logger.Debug("Inserted event into Google Calendar", "calendarID", calendarID, "eventID", created.Id)
	return toRemoteEvent(created), nil
}

// ListCalendars returns the ids and names of the calendars the account can see.
func (c *CalendarClient) ListCalendars(ctx context.Context) (map[string]string, error) {
	list, err := c.service.CalendarList.List().Context(ctx).Do()
	if err != nil {
		return nil, wrapError("failed to list calendars", err)
	}

	calendars := make(map[string]string, len(list.Items))
	for _, item := range list.Items {
		calendars[item.Id] = item.Summary
	}
	return calendars, nil
}

// EventBody converts an event into the events.insert payload. Attendees are
// omitted when there are none.
func EventBody(event models.Event) *calendar.Event {
	body := &calendar.Event{
		Summary:     event.Summary,
		Start:       toEventDateTime(event.Start),
		End:         toEventDateTime(event.End),
		Location:    event.Location,
		Description: event.Description,
		EventType:   event.EventType,
	}
	for _, a := range event.Attendees {
		body.Attendees = append(body.Attendees, &calendar.EventAttendee{Email: a.Email})
	}
	return body
}

func toEventDateTime(b models.Bound) *calendar.EventDateTime {
	switch v := b.(type) {
	case models.AllDay:
		return &calendar.EventDateTime{Date: v.Date}
	case models.Timed:
		return &calendar.EventDateTime{DateTime: v.DateTime, TimeZone: v.TimeZone}
	default:
		return nil
	}
}

func toRemoteEvents(items []*calendar.Event) []models.RemoteEvent {
	out := make([]models.RemoteEvent, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		out = append(out, toRemoteEvent(item))
	}
	return out
}

func toRemoteEvent(item *calendar.Event) models.RemoteEvent {
	return models.RemoteEvent{
		ID:      item.Id,
		Summary: item.Summary,
		Start:   toRemoteTime(item.Start),
		End:     toRemoteTime(item.End),
	}
}

func toRemoteTime(dt *calendar.EventDateTime) models.RemoteTime {
	if dt == nil {
		return models.RemoteTime{}
	}
	return models.RemoteTime{Date: dt.Date, DateTime: dt.DateTime, TimeZone: dt.TimeZone}
}

// wrapError turns API failures into *models.APIError so callers can classify
// them by status code.
func wrapError(msg string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return &models.APIError{StatusCode: gerr.Code, Err: fmt.Errorf("%s: %w", msg, err)}
	}
	return fmt.Errorf("%s: %w", msg, err)
}
