/*
Package factory converts overrides and rate rules to and from JSON.

PURPOSE:
  Rules are authored in the admin UI and stored as rows whose variable parts
  (date specs, condition parameters) are JSON documents. The factory is the
  single place that knows those shapes.

OVERRIDE JSON:
  {
    "scope": "user",
    "target_user": "alice",
    "dates": {"kind": "recurring", "start_date": "2026-03-01",
              "pattern": "weekly", "days": [5]},
    "meal_type": "both",
    "action": "force_off",
    "reason": "Friday prayers",
    "expiry": "2026-06-30T00:00:00Z"
  }

  Priority is never read from JSON. It is written out for display only and
  always equals the author role's priority.

RATE RULE JSON:
  {
    "name": "Weekend discount",
    "active": true,
    "priority": 10,
    "condition_type": "day_of_week",
    "condition_params": {"days": ["saturday", "sunday"]},
    "adjustment": {"type": "percentage", "value": "-20", "applies_to": "both"},
    "valid_from": "2026-01-01",
    "valid_until": "2026-12-31"
  }

  condition_params by type:
    day_of_week    {"days": ["monday", ...]}
    date_range     {"from": "2026-03-01", "to": "2026-03-31"}
    user_count     {"min_users": 10, "max_users": 50}
    holiday        {"holiday_types": ["public"]}     empty = any holiday
    special_event  {"events": ["iftar"]}

STRICT AND LENIENT DECODING:
  Decode* functions reject bad input with a validation error; they serve
  the HTTP surface. Load* functions never fail: persisted data that no longer
  decodes becomes InvalidDateSpec / InvalidCondition, which the resolver and
  evaluator log and skip.
*/
package factory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jfemon8/Meal-Management-sub002/eligibility"
	"github.com/jfemon8/Meal-Management-sub002/generic"
	"github.com/jfemon8/Meal-Management-sub002/rates"
	"github.com/shopspring/decimal"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// DateSpecJSON is the tagged union for override dates.
type DateSpecJSON struct {
	Kind      string `json:"kind"`                 // single, range, recurring
	Date      string `json:"date,omitempty"`       // single
	From      string `json:"from,omitempty"`       // range
	To        string `json:"to,omitempty"`         // range
	StartDate string `json:"start_date,omitempty"` // recurring
	EndDate   string `json:"end_date,omitempty"`   // recurring, optional
	Pattern   string `json:"pattern,omitempty"`    // weekly, monthly
	Days      []int  `json:"days,omitempty"`
}

// OverrideJSON is the wire and display shape of an override.
type OverrideJSON struct {
	ID         string       `json:"id,omitempty"`
	Scope      string       `json:"scope"`
	TargetUser string       `json:"target_user,omitempty"`
	Dates      DateSpecJSON `json:"dates"`
	MealType   string       `json:"meal_type"`
	Action     string       `json:"action"`
	Reason     string       `json:"reason,omitempty"`
	Expiry     *time.Time   `json:"expiry,omitempty"`

	// Output only.
	Priority   int        `json:"priority,omitempty"`
	AuthorID   string     `json:"author_id,omitempty"`
	AuthorRole string     `json:"author_role,omitempty"`
	Active     bool       `json:"active"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	RevokedBy  string     `json:"revoked_by,omitempty"`
	CreatedAt  *time.Time `json:"created_at,omitempty"`
}

// AdjustmentJSON represents a rate adjustment.
type AdjustmentJSON struct {
	Type      string          `json:"type"` // fixed, percentage, multiplier
	Value     decimal.Decimal `json:"value"`
	AppliesTo string          `json:"applies_to"`
}

// RateRuleJSON is the wire and display shape of a rate rule.
type RateRuleJSON struct {
	ID              string          `json:"id,omitempty"`
	Name            string          `json:"name"`
	Active          bool            `json:"active"`
	Priority        int             `json:"priority"`
	Position        int             `json:"position"`
	ConditionType   string          `json:"condition_type"`
	ConditionParams json.RawMessage `json:"condition_params"`
	Adjustment      AdjustmentJSON  `json:"adjustment"`
	ValidFrom       string          `json:"valid_from,omitempty"`
	ValidUntil      string          `json:"valid_until,omitempty"`
	CreatedAt       *time.Time      `json:"created_at,omitempty"`
	UpdatedAt       *time.Time      `json:"updated_at,omitempty"`
}

type dayOfWeekParams struct {
	Days []string `json:"days"`
}

type dateRangeParams struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type userCountParams struct {
	MinUsers *int `json:"min_users,omitempty"`
	MaxUsers *int `json:"max_users,omitempty"`
}

type holidayParams struct {
	HolidayTypes []string `json:"holiday_types,omitempty"`
}

type specialEventParams struct {
	Events []string `json:"events"`
}

// =============================================================================
// DATE SPECS
// =============================================================================

func EncodeDateSpec(spec eligibility.DateSpec) DateSpecJSON {
	switch s := spec.(type) {
	case eligibility.SingleDate:
		return DateSpecJSON{Kind: string(eligibility.KindSingle), Date: s.Date.String()}
	case eligibility.DateRange:
		return DateSpecJSON{Kind: string(eligibility.KindRange), From: s.From.String(), To: s.To.String()}
	case eligibility.Recurring:
		j := DateSpecJSON{
			Kind:      string(eligibility.KindRecurring),
			StartDate: s.Start.String(),
			Pattern:   string(s.Pattern),
			Days:      append([]int(nil), s.Days...),
		}
		if s.End != nil {
			j.EndDate = s.End.String()
		}
		return j
	case eligibility.InvalidDateSpec:
		return DateSpecJSON{Kind: string(eligibility.KindInvalid)}
	}
	return DateSpecJSON{}
}

// DecodeDateSpec parses and validates a date spec.
func DecodeDateSpec(j DateSpecJSON) (eligibility.DateSpec, error) {
	var spec eligibility.DateSpec
	switch eligibility.DateSpecKind(strings.ToLower(j.Kind)) {
	case eligibility.KindSingle:
		d, err := parseDate("date", j.Date)
		if err != nil {
			return nil, err
		}
		spec = eligibility.SingleDate{Date: d}
	case eligibility.KindRange:
		from, err := parseDate("from", j.From)
		if err != nil {
			return nil, err
		}
		to, err := parseDate("to", j.To)
		if err != nil {
			return nil, err
		}
		spec = eligibility.DateRange{From: from, To: to}
	case eligibility.KindRecurring:
		start, err := parseDate("start_date", j.StartDate)
		if err != nil {
			return nil, err
		}
		end, err := parseOptionalDate("end_date", j.EndDate)
		if err != nil {
			return nil, err
		}
		spec = eligibility.Recurring{
			Start:   start,
			End:     end,
			Pattern: eligibility.RecurrencePattern(strings.ToLower(j.Pattern)),
			Days:    append([]int(nil), j.Days...),
		}
	default:
		return nil, &generic.ValidationError{Field: "dates.kind", Reason: fmt.Sprintf("unknown date spec kind %q", j.Kind)}
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// MarshalDateSpec is the storage form of a date spec.
func MarshalDateSpec(spec eligibility.DateSpec) (string, error) {
	b, err := json.Marshal(EncodeDateSpec(spec))
	if err != nil {
		return "", fmt.Errorf("marshal date spec: %w", err)
	}
	return string(b), nil
}

// LoadDateSpec decodes a stored date spec. It never fails.
func LoadDateSpec(raw string) eligibility.DateSpec {
	var j DateSpecJSON
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return eligibility.InvalidDateSpec{Raw: raw, Err: err}
	}
	spec, err := DecodeDateSpec(j)
	if err != nil {
		return eligibility.InvalidDateSpec{Raw: raw, Err: err}
	}
	return spec
}

// =============================================================================
// CONDITIONS
// =============================================================================

// EncodeCondition returns the condition type and its parameter document.
func EncodeCondition(c rates.Condition) (rates.ConditionType, json.RawMessage, error) {
	var params any
	switch c := c.(type) {
	case rates.DayOfWeek:
		p := dayOfWeekParams{}
		for _, d := range c.Days {
			p.Days = append(p.Days, strings.ToLower(d.String()))
		}
		params = p
	case rates.DateRange:
		params = dateRangeParams{From: c.From.String(), To: c.To.String()}
	case rates.UserCount:
		params = userCountParams{MinUsers: c.Min, MaxUsers: c.Max}
	case rates.Holiday:
		params = holidayParams{HolidayTypes: c.Types}
	case rates.SpecialEvent:
		params = specialEventParams{Events: c.Events}
	case rates.InvalidCondition:
		return c.Declared, json.RawMessage("null"), nil
	default:
		return "", nil, fmt.Errorf("unsupported condition %T", c)
	}
	b, err := json.Marshal(params)
	if err != nil {
		return "", nil, fmt.Errorf("marshal condition params: %w", err)
	}
	return c.Type(), b, nil
}

// DecodeCondition parses and validates condition parameters.
func DecodeCondition(conditionType string, params json.RawMessage) (rates.Condition, error) {
	ct, err := rates.ParseConditionType(conditionType)
	if err != nil {
		return nil, err
	}
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	unmarshal := func(v any) error {
		if err := json.Unmarshal(params, v); err != nil {
			return &generic.ValidationError{Field: "condition_params", Reason: err.Error()}
		}
		return nil
	}

	var cond rates.Condition
	switch ct {
	case rates.CondDayOfWeek:
		var p dayOfWeekParams
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		c := rates.DayOfWeek{}
		for _, name := range p.Days {
			d, err := generic.ParseWeekday(name)
			if err != nil {
				return nil, err
			}
			c.Days = append(c.Days, d)
		}
		cond = c
	case rates.CondDateRange:
		var p dateRangeParams
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		from, err := parseDate("from", p.From)
		if err != nil {
			return nil, err
		}
		to, err := parseDate("to", p.To)
		if err != nil {
			return nil, err
		}
		cond = rates.DateRange{From: from, To: to}
	case rates.CondUserCount:
		var p userCountParams
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		cond = rates.UserCount{Min: p.MinUsers, Max: p.MaxUsers}
	case rates.CondHoliday:
		var p holidayParams
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		cond = rates.Holiday{Types: p.HolidayTypes}
	case rates.CondSpecialEvent:
		var p specialEventParams
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		cond = rates.SpecialEvent{Events: p.Events}
	}
	if err := cond.Validate(); err != nil {
		return nil, err
	}
	return cond, nil
}

// LoadCondition decodes stored condition parameters. It never fails.
func LoadCondition(conditionType string, params json.RawMessage) rates.Condition {
	cond, err := DecodeCondition(conditionType, params)
	if err != nil {
		return rates.InvalidCondition{Declared: rates.ConditionType(conditionType), Err: err}
	}
	return cond
}

// =============================================================================
// RULE FACTORY
// =============================================================================

// RuleFactory converts JSON rules to engine types.
type RuleFactory struct{}

func NewRuleFactory() *RuleFactory {
	return &RuleFactory{}
}

// ParseOverride parses a JSON override request.
func (f *RuleFactory) ParseOverride(jsonStr string) (eligibility.NewOverride, error) {
	var oj OverrideJSON
	if err := json.Unmarshal([]byte(jsonStr), &oj); err != nil {
		return eligibility.NewOverride{}, &generic.ValidationError{Field: "body", Reason: err.Error()}
	}
	return f.OverrideFromJSON(oj)
}

// OverrideFromJSON builds a creation request. Output-only fields are ignored.
func (f *RuleFactory) OverrideFromJSON(oj OverrideJSON) (eligibility.NewOverride, error) {
	scope, err := eligibility.ParseScope(oj.Scope)
	if err != nil {
		return eligibility.NewOverride{}, err
	}
	dates, err := DecodeDateSpec(oj.Dates)
	if err != nil {
		return eligibility.NewOverride{}, err
	}
	meal, err := generic.ParseMealSelector(oj.MealType)
	if err != nil {
		return eligibility.NewOverride{}, err
	}
	action, err := eligibility.ParseAction(oj.Action)
	if err != nil {
		return eligibility.NewOverride{}, err
	}
	return eligibility.NewOverride{
		Scope:      scope,
		TargetUser: generic.UserID(strings.TrimSpace(oj.TargetUser)),
		Dates:      dates,
		Meal:       meal,
		Action:     action,
		Reason:     oj.Reason,
		Expiry:     oj.Expiry,
	}, nil
}

func (f *RuleFactory) OverrideToJSON(o eligibility.Override) OverrideJSON {
	created := o.CreatedAt
	oj := OverrideJSON{
		ID:         string(o.ID),
		Scope:      string(o.Scope),
		TargetUser: string(o.TargetUser),
		MealType:   string(o.Meal),
		Action:     string(o.Action),
		Reason:     o.Reason,
		Expiry:     o.Expiry,
		Priority:   int(o.Priority()),
		AuthorID:   o.AuthorID,
		AuthorRole: string(o.AuthorRole),
		Active:     o.Active,
		RevokedAt:  o.RevokedAt,
		RevokedBy:  o.RevokedBy,
		CreatedAt:  &created,
	}
	if o.Dates != nil {
		oj.Dates = EncodeDateSpec(o.Dates)
	}
	return oj
}

// ParseRateRule parses a JSON rate rule.
func (f *RuleFactory) ParseRateRule(jsonStr string) (rates.RateRule, error) {
	var rj RateRuleJSON
	if err := json.Unmarshal([]byte(jsonStr), &rj); err != nil {
		return rates.RateRule{}, &generic.ValidationError{Field: "body", Reason: err.Error()}
	}
	return f.RateRuleFromJSON(rj)
}

// RateRuleFromJSON builds and validates a rate rule. ID, Position and the
// timestamps are left to the caller.
func (f *RuleFactory) RateRuleFromJSON(rj RateRuleJSON) (rates.RateRule, error) {
	cond, err := DecodeCondition(rj.ConditionType, rj.ConditionParams)
	if err != nil {
		return rates.RateRule{}, err
	}
	kind, err := rates.ParseAdjustmentKind(rj.Adjustment.Type)
	if err != nil {
		return rates.RateRule{}, err
	}
	appliesTo, err := generic.ParseMealSelector(rj.Adjustment.AppliesTo)
	if err != nil {
		return rates.RateRule{}, err
	}
	from, err := parseOptionalDate("valid_from", rj.ValidFrom)
	if err != nil {
		return rates.RateRule{}, err
	}
	until, err := parseOptionalDate("valid_until", rj.ValidUntil)
	if err != nil {
		return rates.RateRule{}, err
	}
	r := rates.RateRule{
		ID:        rates.RuleID(rj.ID),
		Name:      strings.TrimSpace(rj.Name),
		Active:    rj.Active,
		Priority:  rj.Priority,
		Condition: cond,
		Adjustment: rates.Adjustment{
			Kind:      kind,
			Value:     rj.Adjustment.Value,
			AppliesTo: appliesTo,
		},
		ValidFrom:  from,
		ValidUntil: until,
	}
	if err := r.Validate(); err != nil {
		return rates.RateRule{}, err
	}
	return r, nil
}

func (f *RuleFactory) RateRuleToJSON(r rates.RateRule) (RateRuleJSON, error) {
	rj := RateRuleJSON{
		ID:       string(r.ID),
		Name:     r.Name,
		Active:   r.Active,
		Priority: r.Priority,
		Position: r.Position,
		Adjustment: AdjustmentJSON{
			Type:      string(r.Adjustment.Kind),
			Value:     r.Adjustment.Value,
			AppliesTo: string(r.Adjustment.AppliesTo),
		},
	}
	if r.Condition != nil {
		ct, params, err := EncodeCondition(r.Condition)
		if err != nil {
			return RateRuleJSON{}, err
		}
		rj.ConditionType, rj.ConditionParams = string(ct), params
	}
	if r.ValidFrom != nil {
		rj.ValidFrom = r.ValidFrom.String()
	}
	if r.ValidUntil != nil {
		rj.ValidUntil = r.ValidUntil.String()
	}
	if !r.CreatedAt.IsZero() {
		created, updated := r.CreatedAt, r.UpdatedAt
		rj.CreatedAt, rj.UpdatedAt = &created, &updated
	}
	return rj, nil
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseDate(field, s string) (generic.TimePoint, error) {
	if strings.TrimSpace(s) == "" {
		return generic.TimePoint{}, &generic.ValidationError{Field: field, Reason: "required"}
	}
	d, err := generic.ParseDate(s)
	if err != nil {
		return generic.TimePoint{}, &generic.ValidationError{Field: field, Reason: fmt.Sprintf("invalid date %q (use YYYY-MM-DD)", s)}
	}
	return d, nil
}

func parseOptionalDate(field, s string) (*generic.TimePoint, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	d, err := parseDate(field, s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
