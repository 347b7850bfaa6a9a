/*
evaluator.go - Final meal rate from a base rate and the active rate rules

ALGORITHM:
  1. Keep rules that are active, valid on the date, apply to the meal, and
     whose condition holds for (date, meal, userCount).
  2. Sort by Priority descending; equal priorities keep list order.
  3. Apply each adjustment to the running rate, in order.
  4. Clamp the result at zero.

  base 100, [weekday -20%, holiday x0.5]  =>  100 -> 80 -> 40

MALFORMED RULES:
  A rule that fails validation is logged and skipped; pricing continues.

SESSIONS:
  A Session memoizes results per (date, meal, userCount, baseRate) for one
  batch run. Rules are read once per Session.
*/
package rates

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jfemon8/Meal-Management-sub002/generic"
	"github.com/jfemon8/Meal-Management-sub002/metrics"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// Query is one pricing request.
type Query struct {
	BaseRate  decimal.Decimal
	Date      generic.TimePoint
	Meal      generic.MealType
	UserCount int
}

func (q Query) Validate() error {
	if !q.Meal.Valid() {
		return &generic.ValidationError{Field: "meal_type", Reason: fmt.Sprintf("unknown meal type %q", q.Meal)}
	}
	if q.BaseRate.IsNegative() {
		return &generic.ValidationError{Field: "base_rate", Reason: "must not be negative"}
	}
	if q.UserCount < 0 {
		return &generic.ValidationError{Field: "user_count", Reason: "must not be negative"}
	}
	if q.Date.IsZero() {
		return &generic.ValidationError{Field: "date", Reason: "required"}
	}
	return nil
}

// AppliedRule records one step of the computation.
type AppliedRule struct {
	RuleID RuleID
	Name   string
	Kind   AdjustmentKind
	Value  decimal.Decimal
	Before decimal.Decimal
	After  decimal.Decimal
}

type Result struct {
	BaseRate  decimal.Decimal
	FinalRate decimal.Decimal
	Applied   []AppliedRule
}

// Evaluator prices meals against the rule store and the calendars.
type Evaluator struct {
	store    Store
	holidays generic.HolidayCalendar
	events   generic.EventCalendar
}

func NewEvaluator(store Store, holidays generic.HolidayCalendar, events generic.EventCalendar) *Evaluator {
	if holidays == nil {
		holidays = generic.NoHolidays{}
	}
	if events == nil {
		events = generic.NoHolidays{}
	}
	return &Evaluator{store: store, holidays: holidays, events: events}
}

// Evaluate prices one query with a fresh read of the rules.
func (e *Evaluator) Evaluate(ctx context.Context, q Query) (Result, error) {
	if err := q.Validate(); err != nil {
		return Result{}, err
	}
	rules, err := e.store.ListRateRules(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load rate rules: %w", err)
	}
	res := Apply(rules, q, e.holidays, e.events)
	metrics.RateRulesApplied(len(res.Applied))
	return res, nil
}

// Session returns a memoizing evaluator for one batch run.
func (e *Evaluator) Session() *Session {
	return &Session{e: e, memo: make(map[sessionKey]Result)}
}

type sessionKey struct {
	date      string
	meal      generic.MealType
	userCount int
	baseRate  string
}

// Session is safe for concurrent use. Rules are read once on first use;
// evaluations with different keys run in parallel.
type Session struct {
	e *Evaluator

	loadMu sync.Mutex
	rules  []RateRule

	mu   sync.Mutex
	memo map[sessionKey]Result
}

func (s *Session) Evaluate(ctx context.Context, q Query) (Result, error) {
	if err := q.Validate(); err != nil {
		return Result{}, err
	}
	key := sessionKey{date: q.Date.String(), meal: q.Meal, userCount: q.UserCount, baseRate: q.BaseRate.String()}

	s.mu.Lock()
	res, ok := s.memo[key]
	s.mu.Unlock()
	if ok {
		return res, nil
	}

	rules, err := s.loadRules(ctx)
	if err != nil {
		return Result{}, err
	}
	res = Apply(rules, q, s.e.holidays, s.e.events)
	metrics.RateRulesApplied(len(res.Applied))

	s.mu.Lock()
	s.memo[key] = res
	s.mu.Unlock()
	return res, nil
}

// loadRules snapshots the rule list. A failed read is retried on the next call.
func (s *Session) loadRules(ctx context.Context) ([]RateRule, error) {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	if s.rules != nil {
		return s.rules, nil
	}
	rules, err := s.e.store.ListRateRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rate rules: %w", err)
	}
	s.rules = append([]RateRule{}, rules...)
	return s.rules, nil
}

// Apply runs the algorithm over rules. Pure apart from logging skipped rules.
func Apply(rules []RateRule, q Query, holidays generic.HolidayCalendar, events generic.EventCalendar) Result {
	matched := make([]RateRule, 0, len(rules))
	for _, r := range rules {
		if !r.Active || !r.ValidOn(q.Date) || !r.Adjustment.AppliesTo.Matches(q.Meal) {
			continue
		}
		if err := r.Validate(); err != nil {
			metrics.RuleSkipped("rate_rule")
			log.WithError(err).WithFields(log.Fields{"rule": r.ID, "name": r.Name}).Warn("skipping malformed rate rule")
			continue
		}
		if !conditionHolds(r.Condition, q, holidays, events) {
			continue
		}
		matched = append(matched, r)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority > matched[j].Priority
		}
		return matched[i].Position < matched[j].Position
	})

	rate := q.BaseRate
	applied := make([]AppliedRule, 0, len(matched))
	for _, r := range matched {
		next := r.Adjustment.Apply(rate)
		applied = append(applied, AppliedRule{
			RuleID: r.ID,
			Name:   r.Name,
			Kind:   r.Adjustment.Kind,
			Value:  r.Adjustment.Value,
			Before: rate,
			After:  next,
		})
		rate = next
	}
	if rate.IsNegative() {
		rate = decimal.Zero
	}
	return Result{BaseRate: q.BaseRate, FinalRate: rate, Applied: applied}
}

func conditionHolds(c Condition, q Query, holidays generic.HolidayCalendar, events generic.EventCalendar) bool {
	switch c := c.(type) {
	case DayOfWeek:
		for _, d := range c.Days {
			if q.Date.Weekday() == d {
				return true
			}
		}
		return false
	case DateRange:
		return q.Date.AfterOrEqual(c.From) && q.Date.BeforeOrEqual(c.To)
	case UserCount:
		if c.Min != nil && q.UserCount < *c.Min {
			return false
		}
		if c.Max != nil && q.UserCount > *c.Max {
			return false
		}
		return true
	case Holiday:
		h, ok := holidays.HolidayOn(q.Date)
		if !ok {
			return false
		}
		if len(c.Types) == 0 {
			return true
		}
		for _, t := range c.Types {
			if strings.EqualFold(t, h.Type) {
				return true
			}
		}
		return false
	case SpecialEvent:
		on := events.EventsOn(q.Date)
		for _, want := range c.Events {
			for _, got := range on {
				if strings.EqualFold(want, got) {
					return true
				}
			}
		}
		return false
	case InvalidCondition:
		return false
	}
	return false
}
