package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jfemon8/Meal-Management-sub002/eligibility"
	"github.com/jfemon8/Meal-Management-sub002/generic"
	"github.com/jfemon8/Meal-Management-sub002/rates"
)

// =============================================================================
// MEMORY RULE STORE - Overrides and rate rules (for testing/dev)
// =============================================================================

// Rules implements eligibility.Store and rates.Store.
type Rules struct {
	mu        sync.RWMutex
	overrides map[eligibility.OverrideID]eligibility.Override
	order     []eligibility.OverrideID
	rateRules []rates.RateRule // index == Position
}

func NewRules() *Rules {
	return &Rules{overrides: make(map[eligibility.OverrideID]eligibility.Override)}
}

func (r *Rules) CreateOverride(_ context.Context, o eligibility.Override) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.overrides[o.ID]; exists {
		return fmt.Errorf("%w: override %s already exists", generic.ErrConflict, o.ID)
	}
	r.overrides[o.ID] = o
	r.order = append(r.order, o.ID)
	return nil
}

func (r *Rules) GetOverride(_ context.Context, id eligibility.OverrideID) (eligibility.Override, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.overrides[id]
	if !ok {
		return eligibility.Override{}, fmt.Errorf("%w: override %s", generic.ErrRuleNotFound, id)
	}
	return o, nil
}

func (r *Rules) RevokeOverride(_ context.Context, id eligibility.OverrideID, by string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.overrides[id]
	if !ok {
		return fmt.Errorf("%w: override %s", generic.ErrRuleNotFound, id)
	}
	o.Active = false
	o.RevokedBy = by
	o.RevokedAt = &at
	r.overrides[id] = o
	return nil
}

func (r *Rules) SetOverrideExpiry(_ context.Context, id eligibility.OverrideID, expiry *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.overrides[id]
	if !ok {
		return fmt.Errorf("%w: override %s", generic.ErrRuleNotFound, id)
	}
	o.Expiry = expiry
	r.overrides[id] = o
	return nil
}

func (r *Rules) ListOverrides(_ context.Context, filter eligibility.Filter) ([]eligibility.Override, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []eligibility.Override
	for _, id := range r.order {
		if o := r.overrides[id]; filter.Matches(o) {
			out = append(out, o)
		}
	}
	return out, nil
}

// OverridesOn returns active overrides whose bounds include date. Malformed
// specs are returned too so the resolver can report them.
func (r *Rules) OverridesOn(_ context.Context, date generic.TimePoint) ([]eligibility.Override, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []eligibility.Override
	for _, id := range r.order {
		o := r.overrides[id]
		if !o.Active {
			continue
		}
		if o.Dates != nil {
			from, to := o.Dates.Bounds()
			if !date.Within(from, to) {
				continue
			}
		}
		out = append(out, o)
	}
	return out, nil
}

// =============================================================================
// RATE RULES
// =============================================================================

func (r *Rules) CreateRateRule(_ context.Context, rule *rates.RateRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.rateRules {
		if existing.ID == rule.ID {
			return fmt.Errorf("%w: rate rule %s already exists", generic.ErrConflict, rule.ID)
		}
	}
	rule.Position = len(r.rateRules)
	r.rateRules = append(r.rateRules, *rule)
	return nil
}

func (r *Rules) indexOf(id rates.RuleID) int {
	for i, rule := range r.rateRules {
		if rule.ID == id {
			return i
		}
	}
	return -1
}

func (r *Rules) GetRateRule(_ context.Context, id rates.RuleID) (rates.RateRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i := r.indexOf(id)
	if i < 0 {
		return rates.RateRule{}, fmt.Errorf("%w: rate rule %s", generic.ErrRuleNotFound, id)
	}
	return r.rateRules[i], nil
}

func (r *Rules) UpdateRateRule(_ context.Context, rule rates.RateRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexOf(rule.ID)
	if i < 0 {
		return fmt.Errorf("%w: rate rule %s", generic.ErrRuleNotFound, rule.ID)
	}
	rule.Position = i
	rule.CreatedAt = r.rateRules[i].CreatedAt
	r.rateRules[i] = rule
	return nil
}

func (r *Rules) DeleteRateRule(_ context.Context, id rates.RuleID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexOf(id)
	if i < 0 {
		return fmt.Errorf("%w: rate rule %s", generic.ErrRuleNotFound, id)
	}
	r.rateRules = append(r.rateRules[:i], r.rateRules[i+1:]...)
	for j := i; j < len(r.rateRules); j++ {
		r.rateRules[j].Position = j
	}
	return nil
}

func (r *Rules) ListRateRules(_ context.Context) ([]rates.RateRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]rates.RateRule(nil), r.rateRules...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (r *Rules) RateRuleAt(_ context.Context, position int) (rates.RateRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if position < 0 || position >= len(r.rateRules) {
		return rates.RateRule{}, fmt.Errorf("%w: no rate rule at position %d", generic.ErrRuleNotFound, position)
	}
	return r.rateRules[position], nil
}
