package rates

import "context"

// Store is the rate-rule half of the rule store: a keyed collection that
// also keeps the admin list order in Position.
type Store interface {
	// CreateRateRule appends r at the end of the list and sets r.Position.
	CreateRateRule(ctx context.Context, r *RateRule) error

	// GetRateRule returns generic.ErrRuleNotFound for unknown ids.
	GetRateRule(ctx context.Context, id RuleID) (RateRule, error)

	// UpdateRateRule replaces every field except ID, Position and CreatedAt.
	UpdateRateRule(ctx context.Context, r RateRule) error

	// DeleteRateRule removes the rule and closes the gap in positions.
	DeleteRateRule(ctx context.Context, id RuleID) error

	// ListRateRules returns every rule in Position order.
	ListRateRules(ctx context.Context) ([]RateRule, error)

	// RateRuleAt maps a list index from the admin UI to its rule.
	RateRuleAt(ctx context.Context, position int) (RateRule, error)
}
