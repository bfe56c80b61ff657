package caldav

import (
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/k-negishi/calendar-auto-register/internal/models"
)

const (
	productID     = "-//calendar-auto-register//EN"
	icalDate      = "20060102"
	icalLocalTime = "20060102T150405"
	icalUTCTime   = "20060102T150405Z"
)

// ToICal builds a VCALENDAR holding one VEVENT for event. Timed bounds are
// written in their own zone with a TZID parameter, or in UTC when they have none.
func ToICal(uid string, event models.Event, stamp time.Time) (*ical.Calendar, error) {
	start, err := boundProp(ical.PropDateTimeStart, event.Start)
	if err != nil {
		return nil, err
	}
	end, err := boundProp(ical.PropDateTimeEnd, event.End)
	if err != nil {
		return nil, err
	}

	ve := ical.NewEvent()
	ve.Props.SetText(ical.PropUID, uid)
	ve.Props.SetText(ical.PropSummary, event.Summary)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, stamp.UTC())
	ve.Props.Set(start)
	ve.Props.Set(end)
	if event.Description != "" {
		ve.Props.SetText(ical.PropDescription, event.Description)
	}
	if event.Location != "" {
		ve.Props.SetText(ical.PropLocation, event.Location)
	}
	for _, a := range event.Attendees {
		p := ical.NewProp(ical.PropAttendee)
		p.Value = "mailto:" + a.Email
		if a.DisplayName != "" {
			p.Params.Set(ical.ParamCommonName, a.DisplayName)
		}
		ve.Props.Add(p)
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)
	cal.Children = append(cal.Children, ve.Component)
	return cal, nil
}

func boundProp(name string, b models.Bound) (*ical.Prop, error) {
	p := ical.NewProp(name)
	switch v := b.(type) {
	case models.AllDay:
		d, err := v.Time()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrInvalidEvent, err)
		}
		p.Params.Set(ical.ParamValue, string(ical.ValueDate))
		p.Value = d.Format(icalDate)
	case models.Timed:
		t, err := v.Instant()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrInvalidEvent, err)
		}
		loc, err := time.LoadLocation(v.TimeZone)
		if v.TimeZone == "" || err != nil {
			p.Value = t.UTC().Format(icalUTCTime)
			break
		}
		p.Params.Set(ical.ParamTimezoneID, v.TimeZone)
		p.Value = t.In(loc).Format(icalLocalTime)
	default:
		return nil, fmt.Errorf("%w: %s is required", models.ErrInvalidEvent, strings.ToLower(name))
	}
	return p, nil
}

// FromICal converts the VEVENTs of cal to remote events. Bounds that cannot be
// read are left empty so they never match a lookup.
func FromICal(cal *ical.Calendar) []models.RemoteEvent {
	var out []models.RemoteEvent
	for _, ev := range cal.Events() {
		uid, _ := ev.Props.Text(ical.PropUID)
		summary, _ := ev.Props.Text(ical.PropSummary)
		out = append(out, models.RemoteEvent{
			ID:      uid,
			Summary: summary,
			Start:   remoteTime(ev.Props.Get(ical.PropDateTimeStart)),
			End:     remoteTime(ev.Props.Get(ical.PropDateTimeEnd)),
		})
	}
	return out
}

func remoteTime(p *ical.Prop) models.RemoteTime {
	if p == nil {
		return models.RemoteTime{}
	}
	if strings.EqualFold(p.Params.Get(ical.ParamValue), string(ical.ValueDate)) {
		d, err := time.Parse(icalDate, p.Value)
		if err != nil {
			return models.RemoteTime{}
		}
		return models.RemoteTime{Date: d.Format(models.DateLayout)}
	}

	if strings.HasSuffix(p.Value, "Z") {
		t, err := time.Parse(icalUTCTime, p.Value)
		if err != nil {
			return models.RemoteTime{}
		}
		return models.RemoteTime{DateTime: t.Format(time.RFC3339)}
	}

	tzid := p.Params.Get(ical.ParamTimezoneID)
	if tzid == "" {
		// Floating times have no instant to compare against.
		return models.RemoteTime{}
	}
	loc, err := time.LoadLocation(tzid)
	if err != nil {
		return models.RemoteTime{}
	}
	t, err := time.ParseInLocation(icalLocalTime, p.Value, loc)
	if err != nil {
		return models.RemoteTime{}
	}
	return models.RemoteTime{DateTime: t.Format(time.RFC3339), TimeZone: tzid}
}
