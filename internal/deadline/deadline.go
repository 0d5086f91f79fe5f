// Package deadline computes step deadlines and classifies how urgent a pending
// step is.
package deadline

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/common/errors"
)

// Urgency is the derived classification of time left before a deadline.
type Urgency string

const (
	UrgencyOverdue Urgency = "overdue"
	UrgencyHigh    Urgency = "high"
	UrgencyMedium  Urgency = "medium"
	UrgencyNormal  Urgency = "normal"
)

const (
	highWindow   = 24 * time.Hour
	mediumWindow = 72 * time.Hour
)

// Classify maps a deadline to an urgency tier. A nil deadline is normal.
func Classify(deadline *time.Time, now time.Time) Urgency {
	if deadline == nil {
		return UrgencyNormal
	}
	if now.After(*deadline) {
		return UrgencyOverdue
	}
	remaining := deadline.Sub(now)
	switch {
	case remaining <= highWindow:
		return UrgencyHigh
	case remaining <= mediumWindow:
		return UrgencyMedium
	}
	return UrgencyNormal
}

// IsExpired reports whether the deadline has passed. Steps without a deadline
// never expire.
func IsExpired(deadline *time.Time, now time.Time) bool {
	return deadline != nil && now.After(*deadline)
}

// BusinessHours describes the working window: Monday to Friday between Start
// and End (offsets from local midnight) in Location, excluding Holidays.
type BusinessHours struct {
	Start    time.Duration
	End      time.Duration
	Location *time.Location
	Holidays map[string]struct{} // YYYY-MM-DD in Location
}

// NewBusinessHours builds a window from "HH:MM" clock strings, an IANA zone
// name and a list of YYYY-MM-DD holidays.
func NewBusinessHours(start, end, zone string, holidays []string) (BusinessHours, error) {
	s, err := ParseClock(start)
	if err != nil {
		return BusinessHours{}, err
	}
	e, err := ParseClock(end)
	if err != nil {
		return BusinessHours{}, err
	}
	if e <= s {
		return BusinessHours{}, errors.Configuration("business day end %s must be after start %s", end, start)
	}

	loc := time.UTC
	if zone != "" {
		loc, err = time.LoadLocation(zone)
		if err != nil {
			return BusinessHours{}, errors.Configuration("unknown time zone %q", zone)
		}
	}

	bh := BusinessHours{Start: s, End: e, Location: loc, Holidays: make(map[string]struct{}, len(holidays))}
	for _, h := range holidays {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if _, err := time.Parse(time.DateOnly, h); err != nil {
			return BusinessHours{}, errors.Configuration("invalid holiday %q: want YYYY-MM-DD", h)
		}
		bh.Holidays[h] = struct{}{}
	}
	return bh, nil
}

// DefaultBusinessHours is 09:00 to 18:00 UTC with no holidays.
func DefaultBusinessHours() BusinessHours {
	return BusinessHours{Start: 9 * time.Hour, End: 18 * time.Hour, Location: time.UTC}
}

// ParseClock parses "HH:MM" into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &h, &m); err != nil {
		return 0, errors.Configuration("invalid clock %q: want HH:MM", s)
	}
	if h < 0 || h > 24 || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, errors.Configuration("invalid clock %q: out of range", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

// IsBusinessDay reports whether t falls on a working weekday that is not a
// holiday.
func (b BusinessHours) IsBusinessDay(t time.Time) bool {
	t = t.In(b.location())
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	_, holiday := b.Holidays[t.Format(time.DateOnly)]
	return !holiday
}

// Adjust pushes t forward to the start of the next business window when it
// falls outside one. Times inside a window are returned unchanged.
func (b BusinessHours) Adjust(t time.Time) time.Time {
	loc := b.location()
	local := t.In(loc)
	for i := 0; i < 366; i++ {
		midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
		open := midnight.Add(b.Start)
		closing := midnight.Add(b.End)
		if b.IsBusinessDay(midnight) {
			if local.Before(open) {
				return open
			}
			if !local.After(closing) {
				return local
			}
		}
		local = midnight.AddDate(0, 0, 1)
	}
	return t
}

func (b BusinessHours) location() *time.Location {
	if b.Location == nil {
		return time.UTC
	}
	return b.Location
}

// HolidayList returns the configured holidays in date order.
func (b BusinessHours) HolidayList() []string {
	out := make([]string, 0, len(b.Holidays))
	for h := range b.Holidays {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// Calculator computes deadlines for newly assigned steps.
type Calculator struct {
	hours BusinessHours
}

// NewCalculator creates a calculator using the given business window.
func NewCalculator(hours BusinessHours) *Calculator {
	return &Calculator{hours: hours}
}

// Compute returns assignedAt plus deadlineHours, pushed to the next business
// window when businessOnly is set. Zero or negative hours mean no deadline.
func (c *Calculator) Compute(assignedAt time.Time, deadlineHours int, businessOnly bool) *time.Time {
	if deadlineHours <= 0 {
		return nil
	}
	d := assignedAt.Add(time.Duration(deadlineHours) * time.Hour)
	if businessOnly {
		d = c.hours.Adjust(d)
	}
	d = d.UTC()
	return &d
}

// BusinessHours exposes the window the calculator was built with.
func (c *Calculator) BusinessHours() BusinessHours {
	return c.hours
}
