/*
Package eligibility decides whether a meal is on for a (user, date, meal).

PURPOSE:
  Overrides force a meal on or off for a scope and a set of dates. Overrides
  are authored by different roles; the author's role fixes the override's
  priority. The resolver picks the single winning override for a date, with
  the default weekday/holiday policy acting as an implicit priority-1 global
  override so there is always a winner.

KEY CONCEPTS IN THIS FILE (types.go):
  - Scope: user, all_users, global
  - Action: force_on, force_off
  - DateSpec: SingleDate | DateRange | Recurring | InvalidDateSpec
  - Override: one authored rule

DATE SPECS:
  SingleDate   exact day
  DateRange    From <= date <= To, day granularity
  Recurring    date >= Start (and <= End if set) and
               weekly:  weekday in Days (0 = Sunday)
               monthly: day of month in Days
  Invalid      persisted spec that no longer decodes; never matches

SEE ALSO:
  - resolver.go: Winner selection and tie-breaks
  - policy.go: Default policy
  - service.go: Creating and revoking overrides
*/
package eligibility

import (
	"fmt"
	"strings"
	"time"

	"github.com/jfemon8/Meal-Management-sub002/generic"
)

type OverrideID string

// =============================================================================
// SCOPE
// =============================================================================

type Scope string

const (
	ScopeUser     Scope = "user"
	ScopeAllUsers Scope = "all_users"
	ScopeGlobal   Scope = "global"
)

func (s Scope) Valid() bool {
	switch s {
	case ScopeUser, ScopeAllUsers, ScopeGlobal:
		return true
	}
	return false
}

// Specificity orders scopes for tie-breaks: user > all_users > global.
func (s Scope) Specificity() int {
	switch s {
	case ScopeUser:
		return 3
	case ScopeAllUsers:
		return 2
	case ScopeGlobal:
		return 1
	}
	return 0
}

func ParseScope(s string) (Scope, error) {
	sc := Scope(strings.ToLower(strings.TrimSpace(s)))
	if !sc.Valid() {
		return "", &generic.ValidationError{Field: "scope", Reason: fmt.Sprintf("unknown scope %q", s)}
	}
	return sc, nil
}

// =============================================================================
// ACTION
// =============================================================================

type Action string

const (
	ForceOn  Action = "force_on"
	ForceOff Action = "force_off"
)

func (a Action) Valid() bool {
	switch a {
	case ForceOn, ForceOff:
		return true
	}
	return false
}

// IsOn is the eligibility an action produces.
func (a Action) IsOn() bool {
	switch a {
	case ForceOn:
		return true
	case ForceOff:
		return false
	}
	return false
}

func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", &generic.ValidationError{Field: "action", Reason: fmt.Sprintf("unknown action %q", s)}
	}
	return a, nil
}

// =============================================================================
// DATE SPEC - Closed set of date matchers
// =============================================================================

type DateSpecKind string

const (
	KindSingle    DateSpecKind = "single"
	KindRange     DateSpecKind = "range"
	KindRecurring DateSpecKind = "recurring"
	KindInvalid   DateSpecKind = "invalid"
)

// DateSpec is implemented only by the types in this file.
type DateSpec interface {
	Kind() DateSpecKind
	Contains(date generic.TimePoint) bool
	Validate() error
	// Bounds is the widest [from, to] the spec can match. Nil is open.
	// Stores use it to narrow candidate queries.
	Bounds() (from, to *generic.TimePoint)
	isDateSpec()
}

type SingleDate struct {
	Date generic.TimePoint
}

func (SingleDate) Kind() DateSpecKind { return KindSingle }
func (SingleDate) isDateSpec()        {}

func (s SingleDate) Contains(d generic.TimePoint) bool { return s.Date.Equal(d) }

func (s SingleDate) Validate() error {
	if s.Date.IsZero() {
		return &generic.ValidationError{Field: "date", Reason: "required"}
	}
	return nil
}

func (s SingleDate) Bounds() (*generic.TimePoint, *generic.TimePoint) {
	d := s.Date
	return &d, &d
}

type DateRange struct {
	From generic.TimePoint
	To   generic.TimePoint
}

func (DateRange) Kind() DateSpecKind { return KindRange }
func (DateRange) isDateSpec()        {}

func (r DateRange) Contains(d generic.TimePoint) bool {
	return d.AfterOrEqual(r.From) && d.BeforeOrEqual(r.To)
}

func (r DateRange) Validate() error {
	if r.From.IsZero() || r.To.IsZero() {
		return &generic.ValidationError{Field: "date_range", Reason: "from and to are required"}
	}
	if r.To.Before(r.From) {
		return &generic.ValidationError{Field: "date_range", Reason: fmt.Sprintf("to %s is before from %s", r.To, r.From)}
	}
	return nil
}

func (r DateRange) Bounds() (*generic.TimePoint, *generic.TimePoint) {
	from, to := r.From, r.To
	return &from, &to
}

type RecurrencePattern string

const (
	Weekly  RecurrencePattern = "weekly"
	Monthly RecurrencePattern = "monthly"
)

type Recurring struct {
	Start   generic.TimePoint
	End     *generic.TimePoint
	Pattern RecurrencePattern
	Days    []int
}

func (Recurring) Kind() DateSpecKind { return KindRecurring }
func (Recurring) isDateSpec()        {}

func (r Recurring) Contains(d generic.TimePoint) bool {
	if d.Before(r.Start) {
		return false
	}
	if r.End != nil && d.After(*r.End) {
		return false
	}
	var day int
	switch r.Pattern {
	case Weekly:
		day = int(d.Weekday())
	case Monthly:
		day = d.Day()
	default:
		return false
	}
	for _, want := range r.Days {
		if want == day {
			return true
		}
	}
	return false
}

func (r Recurring) Validate() error {
	if r.Start.IsZero() {
		return &generic.ValidationError{Field: "start_date", Reason: "required"}
	}
	if r.End != nil && r.End.Before(r.Start) {
		return &generic.ValidationError{Field: "end_date", Reason: "before start_date"}
	}
	if len(r.Days) == 0 {
		return &generic.ValidationError{Field: "days", Reason: "at least one day is required"}
	}
	lo, hi := 0, 6
	switch r.Pattern {
	case Weekly:
	case Monthly:
		lo, hi = 1, 31
	default:
		return &generic.ValidationError{Field: "pattern", Reason: fmt.Sprintf("unknown pattern %q", r.Pattern)}
	}
	for _, d := range r.Days {
		if d < lo || d > hi {
			return &generic.ValidationError{Field: "days", Reason: fmt.Sprintf("%d out of range %d..%d for %s", d, lo, hi, r.Pattern)}
		}
	}
	return nil
}

func (r Recurring) Bounds() (*generic.TimePoint, *generic.TimePoint) {
	start := r.Start
	return &start, r.End
}

// InvalidDateSpec stands in for a persisted spec that could not be decoded.
type InvalidDateSpec struct {
	Raw string
	Err error
}

func (InvalidDateSpec) Kind() DateSpecKind              { return KindInvalid }
func (InvalidDateSpec) isDateSpec()                     {}
func (InvalidDateSpec) Contains(generic.TimePoint) bool { return false }

func (InvalidDateSpec) Bounds() (*generic.TimePoint, *generic.TimePoint) { return nil, nil }

func (s InvalidDateSpec) Validate() error {
	return &generic.ValidationError{Field: "date_spec", Reason: fmt.Sprintf("undecodable %q: %v", s.Raw, s.Err)}
}

// =============================================================================
// OVERRIDE
// =============================================================================

// Override forces a meal on or off. Only Active and Expiry change after
// creation; priority always follows AuthorRole.
type Override struct {
	ID         OverrideID
	Scope      Scope
	TargetUser generic.UserID // set iff Scope == ScopeUser
	Dates      DateSpec
	Meal       generic.MealSelector
	Action     Action
	AuthorID   string
	AuthorRole generic.Role
	Reason     string

	Active    bool
	Expiry    *time.Time
	RevokedAt *time.Time
	RevokedBy string
	CreatedAt time.Time
}

// Priority is derived from the author's role, never stored.
func (o Override) Priority() generic.Priority { return generic.PriorityFor(o.AuthorRole) }

// InEffect reports whether the override is active and not expired at now.
func (o Override) InEffect(now time.Time) bool {
	if !o.Active {
		return false
	}
	return o.Expiry == nil || now.Before(*o.Expiry)
}

// Covers reports whether the scope reaches user.
func (o Override) Covers(user generic.UserID) bool {
	switch o.Scope {
	case ScopeUser:
		return o.TargetUser == user
	case ScopeAllUsers, ScopeGlobal:
		return true
	}
	return false
}

// Applies combines scope, date and meal matching.
func (o Override) Applies(user generic.UserID, date generic.TimePoint, meal generic.MealType) bool {
	return o.Covers(user) && o.Dates != nil && o.Dates.Contains(date) && o.Meal.Matches(meal)
}

func (o Override) Validate() error {
	if !o.Scope.Valid() {
		return &generic.ValidationError{Field: "scope", Reason: fmt.Sprintf("unknown scope %q", o.Scope)}
	}
	if o.Scope == ScopeUser && o.TargetUser == "" {
		return &generic.ValidationError{Field: "target_user", Reason: "required for user scope"}
	}
	if o.Scope != ScopeUser && o.TargetUser != "" {
		return &generic.ValidationError{Field: "target_user", Reason: fmt.Sprintf("not allowed for %s scope", o.Scope)}
	}
	if o.Dates == nil {
		return &generic.ValidationError{Field: "date_spec", Reason: "required"}
	}
	if err := o.Dates.Validate(); err != nil {
		return err
	}
	if !o.Meal.Valid() {
		return &generic.ValidationError{Field: "meal_type", Reason: fmt.Sprintf("unknown meal selector %q", o.Meal)}
	}
	if !o.Action.Valid() {
		return &generic.ValidationError{Field: "action", Reason: fmt.Sprintf("unknown action %q", o.Action)}
	}
	if !o.AuthorRole.Valid() {
		return &generic.ValidationError{Field: "author_role", Reason: fmt.Sprintf("unknown role %q", o.AuthorRole)}
	}
	return nil
}
