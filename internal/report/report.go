// Package report aggregates registration results and renders the notification
// sent to the user.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/k-negishi/calendar-auto-register/internal/models"
)

// Summary counts results per status.
type Summary struct {
	Created    int `json:"created"`
	Duplicated int `json:"duplicated"`
	Failed     int `json:"failed"`
}

// Total is the number of results counted.
func (s Summary) Total() int {
	return s.Created + s.Duplicated + s.Failed
}

// Summarize counts the results by status.
func Summarize(results []models.EventResult) Summary {
	var s Summary
	for _, r := range results {
		switch r.Status {
		case models.StatusCreated:
			s.Created++
		case models.StatusDuplicated:
			s.Duplicated++
		case models.StatusFailed:
			s.Failed++
		}
	}
	return s
}

// BuildMessage renders the results as the plain-text notification body.
func BuildMessage(results []models.EventResult) string {
	s := Summarize(results)

	lines := []string{
		"カレンダー自動登録 結果",
		"",
		"🧾 サマリ",
		fmt.Sprintf("登録 %d件 / 重複 %d件 / 失敗 %d件", s.Created, s.Duplicated, s.Failed),
		"",
		"🔍 詳細",
	}
	for _, r := range results {
		lines = append(lines,
			statusLabel(r.Status)+"　"+r.Event.Summary,
			"日時　"+formatRange(r.Event.Start, r.Event.End),
		)
		if r.Event.Location != "" {
			lines = append(lines, "場所　"+r.Event.Location)
		}
		if r.Status == models.StatusFailed && r.Error != nil {
			lines = append(lines, fmt.Sprintf("エラー　%s / %s", r.Error.Code, r.Error.Message))
		}
		lines = append(lines, "")
	}
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

func statusLabel(s models.Status) string {
	switch s {
	case models.StatusCreated:
		return "登録"
	case models.StatusDuplicated:
		return "重複"
	case models.StatusFailed:
		return "失敗"
	default:
		return string(s)
	}
}

func formatRange(start, end models.Bound) string {
	switch s := start.(type) {
	case models.AllDay:
		if e, ok := end.(models.AllDay); ok {
			return formatDates(s, e)
		}
	case models.Timed:
		if e, ok := end.(models.Timed); ok {
			return formatTimes(s, e)
		}
	}
	return rawValue(start) + "-" + rawValue(end)
}

// formatDates shows the exclusive end date as the last day of the event.
func formatDates(start, end models.AllDay) string {
	s, err1 := start.Time()
	e, err2 := end.Time()
	if err1 != nil || err2 != nil || !e.After(s) {
		return start.Date + "-" + end.Date
	}
	last := e.AddDate(0, 0, -1)
	if last.Equal(s) {
		return s.Format(models.DateLayout) + " 終日"
	}
	return s.Format(models.DateLayout) + "〜" + last.Format(models.DateLayout) + " 終日"
}

func formatTimes(start, end models.Timed) string {
	s, err1 := start.Instant()
	e, err2 := end.Instant()
	if err1 != nil || err2 != nil {
		return start.DateTime + "-" + end.DateTime
	}
	s = inZone(s, start.TimeZone)
	e = inZone(e, end.TimeZone)
	if s.Format(models.DateLayout) == e.Format(models.DateLayout) {
		return s.Format("2006-01-02 15:04") + "-" + e.Format("15:04")
	}
	return s.Format("2006-01-02 15:04") + "-" + e.Format("2006-01-02 15:04")
}

func inZone(t time.Time, zone string) time.Time {
	if zone == "" {
		return t
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return t
	}
	return t.In(loc)
}

func rawValue(b models.Bound) string {
	switch v := b.(type) {
	case models.AllDay:
		return v.Date
	case models.Timed:
		return v.DateTime
	default:
		return ""
	}
}
