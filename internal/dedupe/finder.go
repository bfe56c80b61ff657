// Package dedupe decides whether a normalized event already exists in the
// calendar.
package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/k-negishi/calendar-auto-register/internal/models"
	"github.com/k-negishi/calendar-auto-register/internal/normalize"
)

// DefaultTolerance widens the lookup window around timed events.
const DefaultTolerance = 15 * time.Minute

// Lister lists the events of a calendar overlapping [timeMin, timeMax], ordered
// by start time.
type Lister interface {
	ListEvents(ctx context.Context, calendarID string, timeMin, timeMax time.Time) ([]models.RemoteEvent, error)
}

// Option configures a Finder.
type Option func(*Finder)

// WithTolerance sets the margin added on both sides of a timed event's bounds.
// Negative values are ignored.
func WithTolerance(d time.Duration) Option {
	return func(f *Finder) {
		if d >= 0 {
			f.tolerance = d
		}
	}
}

// Finder looks up an existing copy of an event in one calendar.
type Finder struct {
	lister     Lister
	calendarID string
	tolerance  time.Duration
}

// NewFinder returns a Finder over the given calendar.
func NewFinder(lister Lister, calendarID string, opts ...Option) *Finder {
	f := &Finder{
		lister:     lister,
		calendarID: calendarID,
		tolerance:  DefaultTolerance,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Tolerance returns the configured timed-event margin.
func (f *Finder) Tolerance() time.Duration {
	return f.tolerance
}

// Window returns the query range for a span. Timed spans are widened by the
// tolerance; all-day spans are queried exactly from start to end at 00:00 UTC.
func (f *Finder) Window(span models.Span) (time.Time, time.Time) {
	if span.AllDay {
		return span.Start, span.End
	}
	return span.Start.Add(-f.tolerance), span.End.Add(f.tolerance)
}

// Find issues a single list call and returns the first candidate, in the order
// the calendar returned them, that matches the event. It returns nil when none
// matches. The event must already be normalized and span must be its bounds.
func (f *Finder) Find(ctx context.Context, event models.Event, span models.Span) (*models.RemoteEvent, error) {
	timeMin, timeMax := f.Window(span)
	candidates, err := f.lister.ListEvents(ctx, f.calendarID, timeMin, timeMax)
	if err != nil {
		return nil, fmt.Errorf("failed to list events for duplicate check: %w", err)
	}
	for i := range candidates {
		if Matches(candidates[i], event, span) {
			match := candidates[i]
			return &match, nil
		}
	}
	return nil, nil
}

// Matches reports whether a stored candidate represents the same event.
// Summaries match with or without the marker prefix. All-day candidates must
// carry exactly the same dates; timed candidates must carry the same instants
// and, where both sides name a zone on a bound, the same zone.
func Matches(candidate models.RemoteEvent, event models.Event, span models.Span) bool {
	if candidate.Summary != event.Summary && candidate.Summary != normalize.StripSummaryPrefix(event.Summary) {
		return false
	}
	if span.AllDay {
		return sameDate(candidate.Start, span.Start) && sameDate(candidate.End, span.End)
	}

	start, ok := candidateInstant(candidate.Start)
	if !ok {
		return false
	}
	end, ok := candidateInstant(candidate.End)
	if !ok {
		return false
	}
	if !sameZone(candidate.Start.TimeZone, zoneOf(event.Start)) || !sameZone(candidate.End.TimeZone, zoneOf(event.End)) {
		return false
	}
	return start.Equal(span.Start) && end.Equal(span.End)
}

func sameDate(rt models.RemoteTime, want time.Time) bool {
	if rt.Date == "" {
		return false
	}
	got, err := models.ParseDate(rt.Date)
	if err != nil {
		return false
	}
	return got.Equal(want)
}

func candidateInstant(rt models.RemoteTime) (time.Time, bool) {
	if rt.DateTime == "" {
		return time.Time{}, false
	}
	t, err := models.ParseInstant(rt.DateTime, rt.TimeZone)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// An empty zone on either side does not constrain the match.
func sameZone(candidate, want string) bool {
	return candidate == "" || want == "" || candidate == want
}

func zoneOf(b models.Bound) string {
	if t, ok := b.(models.Timed); ok {
		return t.TimeZone
	}
	return ""
}
