package generic

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// TIME POINT - Calendar day (every meal rule works at day granularity)
// =============================================================================

const DateLayout = "2006-01-02"

// TimePoint is a calendar day in UTC.
type TimePoint struct {
	Time time.Time
}

// Constructors
func NewTimePoint(year int, month time.Month, day int) TimePoint {
	return TimePoint{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DayOf truncates an instant to its calendar day.
func DayOf(t time.Time) TimePoint {
	t = t.UTC()
	return NewTimePoint(t.Year(), t.Month(), t.Day())
}

// LocalDayOf is the calendar day of t in t's own location, unlike DayOf
// which converts to UTC first. Use it for wall clock instants.
func LocalDayOf(t time.Time) TimePoint {
	return NewTimePoint(t.Year(), t.Month(), t.Day())
}

func Today() TimePoint { return LocalDayOf(time.Now()) }

func ParseDate(s string) (TimePoint, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return TimePoint{}, &ValidationError{Field: "date", Reason: fmt.Sprintf("invalid date %q (use YYYY-MM-DD)", s)}
	}
	return DayOf(t), nil
}

// Comparison
func (tp TimePoint) Before(other TimePoint) bool        { return tp.normalize().Before(other.normalize()) }
func (tp TimePoint) Equal(other TimePoint) bool         { return tp.normalize().Equal(other.normalize()) }
func (tp TimePoint) After(other TimePoint) bool         { return tp.normalize().After(other.normalize()) }
func (tp TimePoint) BeforeOrEqual(other TimePoint) bool { return !tp.After(other) }
func (tp TimePoint) AfterOrEqual(other TimePoint) bool  { return !tp.Before(other) }

// Within reports from <= tp <= to. A nil bound is open.
func (tp TimePoint) Within(from, to *TimePoint) bool {
	if from != nil && tp.Before(*from) {
		return false
	}
	if to != nil && tp.After(*to) {
		return false
	}
	return true
}

func (tp TimePoint) normalize() time.Time {
	t := tp.Time.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Arithmetic
func (tp TimePoint) AddDays(n int) TimePoint { return TimePoint{Time: tp.normalize().AddDate(0, 0, n)} }

// Properties
func (tp TimePoint) Year() int             { return tp.Time.Year() }
func (tp TimePoint) Month() time.Month     { return tp.Time.Month() }
func (tp TimePoint) Day() int              { return tp.Time.Day() }
func (tp TimePoint) Weekday() time.Weekday { return tp.Time.Weekday() }
func (tp TimePoint) IsZero() bool          { return tp.Time.IsZero() }

func (tp TimePoint) String() string { return tp.normalize().Format(DateLayout) }

// ParseWeekday accepts full or three-letter English names, any case.
func ParseWeekday(s string) (time.Weekday, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		full := strings.ToLower(d.String())
		if name == full || name == full[:3] {
			return d, nil
		}
	}
	return 0, &ValidationError{Field: "weekday", Reason: fmt.Sprintf("unknown weekday %q", s)}
}

// =============================================================================
// HOLIDAY CALENDAR - Supplied by the holiday collaborator
// =============================================================================

// Holiday is a day on which meals may be off and holiday rate rules apply.
type Holiday struct {
	Date TimePoint
	Name string
	Type string // e.g. "public", "religious", "institutional"
}

// HolidayCalendar answers isHoliday(date) -> {isHoliday, type}.
type HolidayCalendar interface {
	HolidayOn(date TimePoint) (Holiday, bool)
}

// EventCalendar lists named special events on a date (e.g. "iftar", "feast").
type EventCalendar interface {
	EventsOn(date TimePoint) []string
}

// NoHolidays is the calendar used when none is configured.
type NoHolidays struct{}

func (NoHolidays) HolidayOn(TimePoint) (Holiday, bool) { return Holiday{}, false }
func (NoHolidays) EventsOn(TimePoint) []string        { return nil }

// StaticCalendar is an in-memory holiday and event calendar.
type StaticCalendar struct {
	mu       sync.RWMutex
	holidays map[string]Holiday
	events   map[string][]string
}

func NewStaticCalendar(holidays ...Holiday) *StaticCalendar {
	c := &StaticCalendar{
		holidays: make(map[string]Holiday),
		events:   make(map[string][]string),
	}
	for _, h := range holidays {
		c.AddHoliday(h)
	}
	return c
}

func (c *StaticCalendar) AddHoliday(h Holiday) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holidays[h.Date.String()] = h
}

func (c *StaticCalendar) AddEvent(date TimePoint, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[date.String()] = append(c.events[date.String()], name)
}

func (c *StaticCalendar) HolidayOn(date TimePoint) (Holiday, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.holidays[date.String()]
	return h, ok
}

func (c *StaticCalendar) EventsOn(date TimePoint) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.events[date.String()]...)
}
