package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DefaultEventType is the eventType sent to the calendar when a request leaves it empty.
const DefaultEventType = "default"

// DateLayout is the wire format of an all-day bound.
const DateLayout = "2006-01-02"

// Event is a calendar event as requested by a caller (typically produced by the LLM).
// It is independent of any specific calendar provider.
type Event struct {
	Summary     string
	Start       Bound
	End         Bound
	Location    string
	Description string
	Attendees   []Attendee
	EventType   string
}

// Attendee is a guest invited to an event.
type Attendee struct {
	Email          string `json:"email"`
	DisplayName    string `json:"displayName,omitempty"`
	ResponseStatus string `json:"responseStatus,omitempty"`
}

// Bound is one end of an event. It is either an AllDay date or a Timed instant;
// start and end of one event must use the same variant.
type Bound interface {
	isBound()
}

// AllDay is a calendar date bound. An all-day end date is exclusive.
type AllDay struct {
	Date string
}

// Timed is an instant bound. DateTime is ISO 8601; TimeZone is an IANA zone name.
type Timed struct {
	DateTime string
	TimeZone string
}

func (AllDay) isBound() {}
func (Timed) isBound()  {}

// Time returns the date at midnight UTC.
func (b AllDay) Time() (time.Time, error) {
	return ParseDate(b.Date)
}

// Instant resolves the bound to a zoned instant. A DateTime without a UTC offset
// is interpreted in TimeZone.
func (b Timed) Instant() (time.Time, error) {
	return ParseInstant(b.DateTime, b.TimeZone)
}

// Span is the comparable form of an event's bounds. For all-day events Start and
// End are dates at midnight UTC; for timed events they are zoned instants.
type Span struct {
	AllDay bool
	Start  time.Time
	End    time.Time
}

// Span validates the bounds and returns their comparable form. It fails with
// ErrInvalidEvent when the variants differ or end is not after start.
func (e Event) Span() (Span, error) {
	switch start := e.Start.(type) {
	case AllDay:
		end, ok := e.End.(AllDay)
		if !ok {
			return Span{}, errMixedBounds
		}
		s, err := start.Time()
		if err != nil {
			return Span{}, invalid("start.date: " + err.Error())
		}
		en, err := end.Time()
		if err != nil {
			return Span{}, invalid("end.date: " + err.Error())
		}
		if !en.After(s) {
			return Span{}, invalid("end.date must be after start.date")
		}
		return Span{AllDay: true, Start: s, End: en}, nil
	case Timed:
		end, ok := e.End.(Timed)
		if !ok {
			return Span{}, errMixedBounds
		}
		s, err := start.Instant()
		if err != nil {
			return Span{}, invalid("start.dateTime: " + err.Error())
		}
		en, err := end.Instant()
		if err != nil {
			return Span{}, invalid("end.dateTime: " + err.Error())
		}
		if !en.After(s) {
			return Span{}, invalid("end.dateTime must be after start.dateTime")
		}
		return Span{Start: s, End: en}, nil
	default:
		return Span{}, invalid("start and end are required")
	}
}

// Validate reports whether the event is registrable as given.
func (e Event) Validate() error {
	_, err := e.Span()
	return err
}

// IsAllDay reports whether the event starts with a date bound.
func (e Event) IsAllDay() bool {
	_, ok := e.Start.(AllDay)
	return ok
}

var errMixedBounds = invalid("start and end must both be dates or both be date-times")

// ParseDate parses a YYYY-MM-DD date to midnight UTC.
func ParseDate(value string) (time.Time, error) {
	t, err := time.Parse(DateLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", value)
	}
	return t, nil
}

var zonedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04Z07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04Z07:00",
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04",
}

// CanonicalDateTime replaces a space between the date and the time with "T".
// Other values are returned unchanged.
func CanonicalDateTime(value string) string {
	if len(value) > len(DateLayout) && value[len(DateLayout)] == ' ' {
		return value[:len(DateLayout)] + "T" + value[len(DateLayout)+1:]
	}
	return value
}

// ParseInstant parses an ISO 8601 date-time. Values carrying a UTC offset (or Z)
// are used as-is; values without one are placed in the named zone.
func ParseInstant(value, zone string) (time.Time, error) {
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	if zone == "" {
		return time.Time{}, fmt.Errorf("%q has no UTC offset and no timeZone", value)
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return time.Time{}, fmt.Errorf("unknown timeZone %q", zone)
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date-time %q", value)
}

type eventJSON struct {
	Summary     string     `json:"summary"`
	Start       *boundJSON `json:"start"`
	End         *boundJSON `json:"end"`
	Location    string     `json:"location,omitempty"`
	Description string     `json:"description,omitempty"`
	Attendees   []Attendee `json:"attendees"`
	EventType   string     `json:"eventType"`
}

type boundJSON struct {
	Date     string `json:"date,omitempty"`
	DateTime string `json:"dateTime,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

// MarshalJSON encodes the event in the Google Calendar events.insert shape.
func (e Event) MarshalJSON() ([]byte, error) {
	attendees := e.Attendees
	if attendees == nil {
		attendees = []Attendee{}
	}
	return json.Marshal(eventJSON{
		Summary:     e.Summary,
		Start:       encodeBound(e.Start),
		End:         encodeBound(e.End),
		Location:    e.Location,
		Description: e.Description,
		Attendees:   attendees,
		EventType:   e.EventType,
	})
}

// UnmarshalJSON decodes an event, rejecting unknown top-level fields and bounds
// that are neither a date nor a date-time.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw struct {
		Summary     string          `json:"summary"`
		Start       json.RawMessage `json:"start"`
		End         json.RawMessage `json:"end"`
		Location    *string         `json:"location"`
		Description *string         `json:"description"`
		Attendees   json.RawMessage `json:"attendees"`
		EventType   string          `json:"eventType"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if raw.Summary == "" {
		return errors.New("summary is required")
	}
	start, err := decodeBound("start", raw.Start)
	if err != nil {
		return err
	}
	end, err := decodeBound("end", raw.End)
	if err != nil {
		return err
	}
	var attendees []Attendee
	if len(raw.Attendees) > 0 && string(raw.Attendees) != "null" {
		if err := json.Unmarshal(raw.Attendees, &attendees); err != nil {
			return fmt.Errorf("attendees: %w", err)
		}
	}
	if raw.EventType == "" {
		raw.EventType = DefaultEventType
	}
	*e = Event{
		Summary:     raw.Summary,
		Start:       start,
		End:         end,
		Location:    deref(raw.Location),
		Description: deref(raw.Description),
		Attendees:   attendees,
		EventType:   raw.EventType,
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func encodeBound(b Bound) *boundJSON {
	switch v := b.(type) {
	case AllDay:
		return &boundJSON{Date: v.Date}
	case Timed:
		return &boundJSON{DateTime: v.DateTime, TimeZone: v.TimeZone}
	default:
		return nil
	}
}

func decodeBound(field string, data json.RawMessage) (Bound, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, fmt.Errorf("%s is required", field)
	}
	var b boundJSON
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	switch {
	case b.Date != "" && b.DateTime != "":
		return nil, fmt.Errorf("%s must have either date or dateTime, not both", field)
	case b.Date != "":
		// A timeZone next to a date carries no meaning for all-day entries.
		return AllDay{Date: b.Date}, nil
	case b.DateTime != "":
		return Timed{DateTime: b.DateTime, TimeZone: b.TimeZone}, nil
	default:
		return nil, fmt.Errorf("%s must have date or dateTime", field)
	}
}
