/*
resolver.go - Effective eligibility for (user, date, meal)

ALGORITHM:
  1. Candidates: active, unexpired overrides whose scope reaches the user,
     whose date spec contains the date and whose meal selector matches.
  2. The default policy's implicit override (priority 1, global) is always a
     candidate, so there is always a winner.
  3. Winner: highest priority. Priority comes from the author's role, so an
     admin's force_on is never beaten by a later user force_off.
  4. Ties on priority go to the configured TieBreak; the override id is the
     last resort so the result is deterministic.

MALFORMED RULES:
  An override that fails validation is logged and skipped. It never blocks
  resolution for anyone else.

BATCHES:
  A closing run resolves every user for one date. Batch loads the date's
  candidates once and resolves in memory.
*/
package eligibility

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jfemon8/Meal-Management-sub002/generic"
	"github.com/jfemon8/Meal-Management-sub002/metrics"
	log "github.com/sirupsen/logrus"
)

// =============================================================================
// TIE BREAK
// =============================================================================

// TieBreak orders overrides that share the top priority.
type TieBreak string

const (
	// TieBreakScopeThenRecency prefers the most specific scope, then the
	// most recently created override.
	TieBreakScopeThenRecency TieBreak = "scope_then_recency"
	TieBreakRecencyThenScope TieBreak = "recency_then_scope"
	TieBreakRecency          TieBreak = "recency"
)

func (t TieBreak) Valid() bool {
	switch t {
	case TieBreakScopeThenRecency, TieBreakRecencyThenScope, TieBreakRecency:
		return true
	}
	return false
}

func ParseTieBreak(s string) (TieBreak, error) {
	t := TieBreak(strings.ToLower(strings.TrimSpace(s)))
	if t == "" {
		return TieBreakScopeThenRecency, nil
	}
	if !t.Valid() {
		return "", &generic.ValidationError{Field: "tie_break", Reason: fmt.Sprintf("unknown tie-break %q", s)}
	}
	return t, nil
}

// beats reports whether a wins over b.
func (t TieBreak) beats(a, b Override) bool {
	if pa, pb := a.Priority(), b.Priority(); pa != pb {
		return pa > pb
	}
	scope := func() (bool, bool) {
		sa, sb := a.Scope.Specificity(), b.Scope.Specificity()
		return sa > sb, sa != sb
	}
	recency := func() (bool, bool) {
		return a.CreatedAt.After(b.CreatedAt), !a.CreatedAt.Equal(b.CreatedAt)
	}
	var order []func() (bool, bool)
	switch t {
	case TieBreakRecencyThenScope:
		order = []func() (bool, bool){recency, scope}
	case TieBreakRecency:
		order = []func() (bool, bool){recency}
	default:
		order = []func() (bool, bool){scope, recency}
	}
	for _, cmp := range order {
		if wins, decided := cmp(); decided {
			return wins
		}
	}
	return a.ID > b.ID
}

// =============================================================================
// RESOLVER
// =============================================================================

// Decision is the effective eligibility and where it came from.
type Decision struct {
	IsOn           bool
	SourcePriority generic.Priority
	OverrideID     OverrideID
	Scope          Scope
	Action         Action
	Reason         string
}

// IsDefault reports whether no stored override matched.
func (d Decision) IsDefault() bool {
	return strings.HasPrefix(string(d.OverrideID), DefaultOverrideID+":")
}

type Resolver struct {
	store    Store
	policy   DefaultPolicy
	tieBreak TieBreak
	now      func() time.Time
}

type ResolverOption func(*Resolver)

func WithTieBreak(t TieBreak) ResolverOption {
	return func(r *Resolver) {
		if t.Valid() {
			r.tieBreak = t
		}
	}
}

// WithResolverClock replaces time.Now for expiry checks.
func WithResolverClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

func NewResolver(store Store, policy DefaultPolicy, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store:    store,
		policy:   policy,
		tieBreak: TieBreakScopeThenRecency,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the effective eligibility for one user, date and meal.
// Read-only; errors come only from the store.
func (r *Resolver) Resolve(ctx context.Context, user generic.UserID, date generic.TimePoint, meal generic.MealType) (Decision, error) {
	b, err := r.Batch(ctx, date)
	if err != nil {
		return Decision{}, err
	}
	return b.Resolve(user, meal)
}

// Batch loads the candidates for a date once so many users can be resolved
// against the same snapshot.
func (r *Resolver) Batch(ctx context.Context, date generic.TimePoint) (*Batch, error) {
	cands, err := r.store.OverridesOn(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("load overrides for %s: %w", date, err)
	}
	now := r.now()
	valid := make([]Override, 0, len(cands))
	for _, o := range cands {
		if err := o.Validate(); err != nil {
			metrics.RuleSkipped("override")
			log.WithError(err).WithField("override", o.ID).Warn("skipping malformed override")
			continue
		}
		if !o.InEffect(now) || !o.Dates.Contains(date) {
			continue
		}
		valid = append(valid, o)
	}
	return &Batch{
		date:       date,
		candidates: valid,
		fallback:   r.policy.DefaultFor(date),
		tieBreak:   r.tieBreak,
	}, nil
}

// Batch resolves users for a single date without touching the store.
type Batch struct {
	date       generic.TimePoint
	candidates []Override
	fallback   Override
	tieBreak   TieBreak
}

func (b *Batch) Date() generic.TimePoint { return b.date }

func (b *Batch) Resolve(user generic.UserID, meal generic.MealType) (Decision, error) {
	if !meal.Valid() {
		return Decision{}, &generic.ValidationError{Field: "meal_type", Reason: fmt.Sprintf("unknown meal type %q", meal)}
	}
	winner := b.fallback
	for _, o := range b.candidates {
		if !o.Covers(user) || !o.Meal.Matches(meal) {
			continue
		}
		if b.tieBreak.beats(o, winner) {
			winner = o
		}
	}
	return Decision{
		IsOn:           winner.Action.IsOn(),
		SourcePriority: winner.Priority(),
		OverrideID:     winner.ID,
		Scope:          winner.Scope,
		Action:         winner.Action,
		Reason:         winner.Reason,
	}, nil
}
