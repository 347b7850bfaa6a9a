package eligibility

import (
	"context"
	"time"

	"github.com/jfemon8/Meal-Management-sub002/generic"
)

// Store is the override half of the rule store. Overrides are keyed by id
// and, after creation, only Active and Expiry may change.
type Store interface {
	CreateOverride(ctx context.Context, o Override) error

	// GetOverride returns generic.ErrRuleNotFound for unknown ids.
	GetOverride(ctx context.Context, id OverrideID) (Override, error)

	// RevokeOverride clears Active and records who revoked it.
	RevokeOverride(ctx context.Context, id OverrideID, by string, at time.Time) error

	SetOverrideExpiry(ctx context.Context, id OverrideID, expiry *time.Time) error

	ListOverrides(ctx context.Context, filter Filter) ([]Override, error)

	// OverridesOn returns active overrides whose date bounds may include
	// date. It may over-return; the resolver re-checks every predicate.
	OverridesOn(ctx context.Context, date generic.TimePoint) ([]Override, error)
}

// Filter narrows ListOverrides. Zero values match everything.
type Filter struct {
	UserID     *generic.UserID // overrides reaching this user
	Scope      *Scope
	ActiveOnly bool
	Date       *generic.TimePoint
}

// Matches is shared by store implementations that filter in memory.
func (f Filter) Matches(o Override) bool {
	if f.ActiveOnly && !o.Active {
		return false
	}
	if f.Scope != nil && o.Scope != *f.Scope {
		return false
	}
	if f.UserID != nil && !o.Covers(*f.UserID) {
		return false
	}
	if f.Date != nil && (o.Dates == nil || !o.Dates.Contains(*f.Date)) {
		return false
	}
	return true
}
