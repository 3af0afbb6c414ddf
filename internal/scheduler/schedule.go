package scheduler

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Schedule yields the next fire time strictly after a given instant.
// All schedules are evaluated in UTC.
type Schedule interface {
	Next(after time.Time) time.Time
}

// Daily fires once a day at Hour:Minute.
type Daily struct {
	Hour, Minute int
}

// Next implements Schedule.
func (d Daily) Next(after time.Time) time.Time {
	after = after.UTC()
	t := time.Date(after.Year(), after.Month(), after.Day(), d.Hour, d.Minute, 0, 0, time.UTC)
	if !t.After(after) {
		t = t.AddDate(0, 0, 1)
	}
	return t
}

// Weekly fires once a week on Weekday at Hour:Minute.
type Weekly struct {
	Weekday      time.Weekday
	Hour, Minute int
}

// Next implements Schedule.
func (w Weekly) Next(after time.Time) time.Time {
	t := Daily{Hour: w.Hour, Minute: w.Minute}.Next(after)
	for t.Weekday() != w.Weekday {
		t = t.AddDate(0, 0, 1)
	}
	return t
}

// Every fires at fixed intervals aligned to UTC midnight plus Offset, so
// Every{Interval: 2h, Offset: 30m} fires at 00:30, 02:30, 04:30 and so on.
// When FromHour or ToHour is set, slots whose hour falls outside
// [FromHour, ToHour] are skipped.
type Every struct {
	Interval time.Duration
	Offset   time.Duration

	FromHour, ToHour int
}

// Next implements Schedule.
func (e Every) Next(after time.Time) time.Time {
	interval := e.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	t := after.UTC()
	// A day holds at most 24h/interval slots; two days always reach a
	// slot inside a non-empty window.
	for range 2*int(24*time.Hour/interval) + 2 {
		t = e.slotAfter(t, interval)
		if e.inWindow(t) {
			return t
		}
	}
	return t
}

func (e Every) slotAfter(after time.Time, interval time.Duration) time.Time {
	midnight := after.Truncate(24 * time.Hour)
	start := midnight.Add(e.Offset % interval)
	if start.After(after) {
		start = start.Add(-interval)
	}
	n := after.Sub(start)/interval + 1
	return start.Add(n * interval)
}

func (e Every) inWindow(t time.Time) bool {
	if e.FromHour == 0 && e.ToHour == 0 {
		return true
	}
	h := t.Hour()
	return h >= e.FromHour && h <= e.ToHour
}

// ParseWeekday parses an English weekday name ("monday", "Mon").
func ParseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || (len(s) >= 3 && strings.HasPrefix(name, s)) {
			return d, nil
		}
	}
	return time.Sunday, eris.Errorf("scheduler: unknown weekday %q", s)
}
