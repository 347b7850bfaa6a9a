/*
Package rates prices a meal by applying conditional rate rules to a base rate.

KEY CONCEPTS IN THIS FILE (types.go):
  - Condition: DayOfWeek | DateRange | UserCount | Holiday | SpecialEvent,
    plus InvalidCondition for persisted rules that no longer decode
  - AdjustmentKind: fixed, percentage, multiplier
  - RateRule: a named, prioritized, time-bounded (condition, adjustment) pair

ADJUSTMENTS (applied to the running rate):
  fixed        rate = value
  percentage   rate = rate + rate * value / 100
  multiplier   rate = rate * value

IDENTITY:
  Rules have stable ids. Position keeps the admin list order so index-based
  edits from the UI can be mapped to ids.

SEE ALSO:
  - evaluator.go: Filtering, ordering, sequential application
*/
package rates

import (
	"fmt"
	"strings"
	"time"

	"github.com/jfemon8/Meal-Management-sub002/generic"
	"github.com/shopspring/decimal"
)

type RuleID string

// =============================================================================
// CONDITIONS - Closed set
// =============================================================================

type ConditionType string

const (
	CondDayOfWeek    ConditionType = "day_of_week"
	CondDateRange    ConditionType = "date_range"
	CondUserCount    ConditionType = "user_count"
	CondSpecialEvent ConditionType = "special_event"
	CondHoliday      ConditionType = "holiday"
)

func (c ConditionType) Valid() bool {
	switch c {
	case CondDayOfWeek, CondDateRange, CondUserCount, CondSpecialEvent, CondHoliday:
		return true
	}
	return false
}

func ParseConditionType(s string) (ConditionType, error) {
	c := ConditionType(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", &generic.ValidationError{Field: "condition_type", Reason: fmt.Sprintf("unknown condition type %q", s)}
	}
	return c, nil
}

// Condition is implemented only by the types in this file.
type Condition interface {
	Type() ConditionType
	Validate() error
	isCondition()
}

type DayOfWeek struct {
	Days []time.Weekday
}

type DateRange struct {
	From generic.TimePoint
	To   generic.TimePoint
}

// UserCount matches Min <= count <= Max. A nil bound is open.
type UserCount struct {
	Min *int
	Max *int
}

// Holiday matches calendar holidays. Empty Types matches any holiday.
type Holiday struct {
	Types []string
}

// SpecialEvent matches when any listed event is on the date.
type SpecialEvent struct {
	Events []string
}

// InvalidCondition stands in for persisted parameters that do not decode.
type InvalidCondition struct {
	Declared ConditionType
	Err      error
}

func (DayOfWeek) Type() ConditionType          { return CondDayOfWeek }
func (DateRange) Type() ConditionType          { return CondDateRange }
func (UserCount) Type() ConditionType          { return CondUserCount }
func (Holiday) Type() ConditionType            { return CondHoliday }
func (SpecialEvent) Type() ConditionType       { return CondSpecialEvent }
func (c InvalidCondition) Type() ConditionType { return c.Declared }

func (DayOfWeek) isCondition()        {}
func (DateRange) isCondition()        {}
func (UserCount) isCondition()        {}
func (Holiday) isCondition()          {}
func (SpecialEvent) isCondition()     {}
func (InvalidCondition) isCondition() {}

func (c DayOfWeek) Validate() error {
	if len(c.Days) == 0 {
		return &generic.ValidationError{Field: "days", Reason: "at least one weekday is required"}
	}
	for _, d := range c.Days {
		if d < time.Sunday || d > time.Saturday {
			return &generic.ValidationError{Field: "days", Reason: fmt.Sprintf("invalid weekday %d", d)}
		}
	}
	return nil
}

func (c DateRange) Validate() error {
	if c.From.IsZero() || c.To.IsZero() {
		return &generic.ValidationError{Field: "date_range", Reason: "from and to are required"}
	}
	if c.To.Before(c.From) {
		return &generic.ValidationError{Field: "date_range", Reason: fmt.Sprintf("to %s is before from %s", c.To, c.From)}
	}
	return nil
}

func (c UserCount) Validate() error {
	if c.Min == nil && c.Max == nil {
		return &generic.ValidationError{Field: "user_count", Reason: "min or max is required"}
	}
	if c.Min != nil && *c.Min < 0 {
		return &generic.ValidationError{Field: "min_users", Reason: "must not be negative"}
	}
	if c.Min != nil && c.Max != nil && *c.Max < *c.Min {
		return &generic.ValidationError{Field: "max_users", Reason: "below min_users"}
	}
	return nil
}

func (Holiday) Validate() error { return nil }

func (c SpecialEvent) Validate() error {
	if len(c.Events) == 0 {
		return &generic.ValidationError{Field: "events", Reason: "at least one event is required"}
	}
	return nil
}

func (c InvalidCondition) Validate() error {
	return &generic.ValidationError{Field: "condition", Reason: fmt.Sprintf("undecodable %s condition: %v", c.Declared, c.Err)}
}

// =============================================================================
// ADJUSTMENT
// =============================================================================

type AdjustmentKind string

const (
	AdjustFixed      AdjustmentKind = "fixed"
	AdjustPercentage AdjustmentKind = "percentage"
	AdjustMultiplier AdjustmentKind = "multiplier"
)

func (k AdjustmentKind) Valid() bool {
	switch k {
	case AdjustFixed, AdjustPercentage, AdjustMultiplier:
		return true
	}
	return false
}

func ParseAdjustmentKind(s string) (AdjustmentKind, error) {
	k := AdjustmentKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", &generic.ValidationError{Field: "adjustment_type", Reason: fmt.Sprintf("unknown adjustment type %q", s)}
	}
	return k, nil
}

var hundred = decimal.NewFromInt(100)

type Adjustment struct {
	Kind      AdjustmentKind
	Value     decimal.Decimal
	AppliesTo generic.MealSelector
}

// Apply returns the rate after this adjustment acts on the running rate.
func (a Adjustment) Apply(rate decimal.Decimal) decimal.Decimal {
	switch a.Kind {
	case AdjustFixed:
		return a.Value
	case AdjustPercentage:
		return rate.Add(rate.Mul(a.Value).Div(hundred))
	case AdjustMultiplier:
		return rate.Mul(a.Value)
	}
	return rate
}

func (a Adjustment) Validate() error {
	if !a.Kind.Valid() {
		return &generic.ValidationError{Field: "adjustment_type", Reason: fmt.Sprintf("unknown adjustment type %q", a.Kind)}
	}
	if !a.AppliesTo.Valid() {
		return &generic.ValidationError{Field: "applies_to", Reason: fmt.Sprintf("unknown meal selector %q", a.AppliesTo)}
	}
	switch a.Kind {
	case AdjustFixed, AdjustMultiplier:
		if a.Value.IsNegative() {
			return &generic.ValidationError{Field: "value", Reason: fmt.Sprintf("%s must not be negative", a.Kind)}
		}
	case AdjustPercentage:
		if a.Value.LessThan(hundred.Neg()) {
			return &generic.ValidationError{Field: "value", Reason: "percentage below -100"}
		}
	}
	return nil
}

// =============================================================================
// RATE RULE
// =============================================================================

type RateRule struct {
	ID         RuleID
	Name       string
	Active     bool
	Priority   int // evaluation order, highest first
	Position   int // admin list order, tie-break for equal priority
	Condition  Condition
	Adjustment Adjustment
	ValidFrom  *generic.TimePoint
	ValidUntil *generic.TimePoint
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (r RateRule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return &generic.ValidationError{Field: "name", Reason: "required"}
	}
	if r.Condition == nil {
		return &generic.ValidationError{Field: "condition", Reason: "required"}
	}
	if err := r.Condition.Validate(); err != nil {
		return err
	}
	if err := r.Adjustment.Validate(); err != nil {
		return err
	}
	if r.ValidFrom != nil && r.ValidUntil != nil && r.ValidUntil.Before(*r.ValidFrom) {
		return &generic.ValidationError{Field: "valid_until", Reason: "before valid_from"}
	}
	return nil
}

// ValidOn reports whether date falls in [ValidFrom, ValidUntil].
func (r RateRule) ValidOn(date generic.TimePoint) bool {
	return date.Within(r.ValidFrom, r.ValidUntil)
}
