// Package normalize turns requested events into the canonical form registered in
// the calendar: a marked summary and fully zoned timed bounds.
package normalize

import (
	"strings"

	"github.com/k-negishi/calendar-auto-register/internal/models"
)

// SummaryPrefix marks events registered by this service.
const SummaryPrefix = "⚙️ "

// ApplySummaryPrefix adds SummaryPrefix unless the summary already carries it.
func ApplySummaryPrefix(summary string) string {
	if strings.HasPrefix(summary, SummaryPrefix) {
		return summary
	}
	return SummaryPrefix + summary
}

// StripSummaryPrefix removes one leading SummaryPrefix.
func StripSummaryPrefix(summary string) string {
	return strings.TrimPrefix(summary, SummaryPrefix)
}

// Normalize returns the event in canonical form together with its comparable
// bounds. Empty time zones are filled (start from defaultTZ, end from the start's
// resolved zone); explicit zones are kept. It fails with models.ErrInvalidEvent
// when the bounds are mixed, unparsable or out of order.
func Normalize(event models.Event, defaultTZ string) (models.Event, models.Span, error) {
	normalized := ForDisplay(event, defaultTZ)
	span, err := normalized.Span()
	if err != nil {
		return models.Event{}, models.Span{}, err
	}
	return normalized, span, nil
}

// ForDisplay applies the same prefix, time zone fill and date-time separator
// as Normalize but never fails. It is used to show a failed request the way it would have been sent.
func ForDisplay(event models.Event, defaultTZ string) models.Event {
	event.Summary = ApplySummaryPrefix(event.Summary)

	start, startOK := event.Start.(models.Timed)
	end, endOK := event.End.(models.Timed)
	if !startOK || !endOK {
		return event
	}
	if start.TimeZone == "" {
		start.TimeZone = defaultTZ
	}
	if end.TimeZone == "" {
		end.TimeZone = start.TimeZone
	}
	start.DateTime = models.CanonicalDateTime(start.DateTime)
	end.DateTime = models.CanonicalDateTime(end.DateTime)
	event.Start = start
	event.End = end
	return event
}
