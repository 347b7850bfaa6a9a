package eligibility

import (
	"fmt"
	"time"

	"github.com/jfemon8/Meal-Management-sub002/generic"
)

// DefaultOverrideID prefixes the implicit override produced by the default
// policy. It is never stored.
const DefaultOverrideID = "default"

// DefaultPolicy is the system fallback: meals are on except on OffWeekdays
// and, when HolidaysOff is set, on calendar holidays.
type DefaultPolicy struct {
	OffWeekdays []time.Weekday
	HolidaysOff bool
	Calendar    generic.HolidayCalendar
}

// DefaultFor returns the implicit priority-1 global override for a date.
// It applies to every meal, breakfast included.
func (p DefaultPolicy) DefaultFor(date generic.TimePoint) Override {
	o := Override{
		ID:         OverrideID(fmt.Sprintf("%s:%s", DefaultOverrideID, date)),
		Scope:      ScopeGlobal,
		Dates:      SingleDate{Date: date},
		Meal:       generic.SelectBoth,
		Action:     ForceOn,
		AuthorID:   generic.SystemActor.ID,
		AuthorRole: generic.RoleSystem,
		Reason:     "default",
		Active:     true,
	}
	for _, wd := range p.OffWeekdays {
		if date.Weekday() == wd {
			o.Action = ForceOff
			o.Reason = fmt.Sprintf("%s is an off day", wd)
			return o
		}
	}
	if p.HolidaysOff && p.Calendar != nil {
		if h, ok := p.Calendar.HolidayOn(date); ok {
			o.Action = ForceOff
			o.Reason = fmt.Sprintf("holiday: %s", h.Name)
		}
	}
	return o
}
