package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jfemon8/Meal-Management-sub002/eligibility"
	"github.com/jfemon8/Meal-Management-sub002/factory"
	"github.com/jfemon8/Meal-Management-sub002/generic"
	"github.com/jfemon8/Meal-Management-sub002/rates"
)

// =============================================================================
// OVERRIDE STORE (eligibility.Store interface)
// =============================================================================

const overrideColumns = `id, scope, target_user, date_spec_json, meal_type, action,
	author_id, author_role, reason, active, expiry, revoked_at, revoked_by, created_at`

func (s *Store) CreateOverride(ctx context.Context, o eligibility.Override) error {
	spec, err := factory.MarshalDateSpec(o.Dates)
	if err != nil {
		return err
	}
	var from, to *generic.TimePoint
	if o.Dates != nil {
		from, to = o.Dates.Bounds()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO overrides
		(id, scope, target_user, date_spec_json, date_from, date_to, meal_type, action,
		 author_id, author_role, reason, active, expiry, revoked_at, revoked_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(o.ID),
		string(o.Scope),
		string(o.TargetUser),
		spec,
		nullDate(from),
		nullDate(to),
		string(o.Meal),
		string(o.Action),
		o.AuthorID,
		string(o.AuthorRole),
		o.Reason,
		o.Active,
		nullTime(o.Expiry),
		nullTime(o.RevokedAt),
		o.RevokedBy,
		formatTime(o.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err, "") {
			return fmt.Errorf("%w: override %s already exists", generic.ErrConflict, o.ID)
		}
		return fmt.Errorf("failed to create override: %w", err)
	}
	return nil
}

func (s *Store) GetOverride(ctx context.Context, id eligibility.OverrideID) (eligibility.Override, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list, err := s.queryOverrides(ctx, "SELECT "+overrideColumns+" FROM overrides WHERE id = ?", string(id))
	if err != nil {
		return eligibility.Override{}, err
	}
	if len(list) == 0 {
		return eligibility.Override{}, fmt.Errorf("%w: override %s", generic.ErrRuleNotFound, id)
	}
	return list[0], nil
}

func (s *Store) RevokeOverride(ctx context.Context, id eligibility.OverrideID, by string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE overrides SET active = FALSE, revoked_by = ?, revoked_at = ? WHERE id = ?",
		by, formatTime(at), string(id))
	if err != nil {
		return fmt.Errorf("failed to revoke override: %w", err)
	}
	return overrideAffected(res, id)
}

func (s *Store) SetOverrideExpiry(ctx context.Context, id eligibility.OverrideID, expiry *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "UPDATE overrides SET expiry = ? WHERE id = ?", nullTime(expiry), string(id))
	if err != nil {
		return fmt.Errorf("failed to set override expiry: %w", err)
	}
	return overrideAffected(res, id)
}

// ListOverrides narrows in SQL where it can and applies the rest of the
// filter in memory.
func (s *Store) ListOverrides(ctx context.Context, filter eligibility.Filter) ([]eligibility.Override, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + overrideColumns + " FROM overrides WHERE 1 = 1"
	var args []any
	if filter.ActiveOnly {
		query += " AND active = TRUE"
	}
	if filter.Scope != nil {
		query += " AND scope = ?"
		args = append(args, string(*filter.Scope))
	}
	query += " ORDER BY created_at ASC, id ASC"

	all, err := s.queryOverrides(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	out := make([]eligibility.Override, 0, len(all))
	for _, o := range all {
		if filter.Matches(o) {
			out = append(out, o)
		}
	}
	return out, nil
}

// OverridesOn returns active overrides whose stored bounds include date.
// Rows whose spec no longer decodes have no bounds and are always returned.
func (s *Store) OverridesOn(ctx context.Context, date generic.TimePoint) ([]eligibility.Override, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	day := date.String()
	return s.queryOverrides(ctx, "SELECT "+overrideColumns+` FROM overrides
		WHERE active = TRUE
		  AND (date_from IS NULL OR date_from <= ?)
		  AND (date_to IS NULL OR date_to >= ?)
		ORDER BY created_at ASC, id ASC`, day, day)
}

func (s *Store) queryOverrides(ctx context.Context, query string, args ...any) ([]eligibility.Override, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query overrides: %w", err)
	}
	defer rows.Close()

	var out []eligibility.Override
	for rows.Next() {
		var (
			o                                     eligibility.Override
			id, scope, target, spec, meal, action string
			role, createdAt                       string
			expiry, revokedAt                     sql.NullString
		)
		err := rows.Scan(&id, &scope, &target, &spec, &meal, &action,
			&o.AuthorID, &role, &o.Reason, &o.Active, &expiry, &revokedAt, &o.RevokedBy, &createdAt)
		if err != nil {
			return nil, err
		}
		o.ID = eligibility.OverrideID(id)
		o.Scope = eligibility.Scope(scope)
		o.TargetUser = generic.UserID(target)
		o.Dates = factory.LoadDateSpec(spec)
		o.Meal = generic.MealSelector(meal)
		o.Action = eligibility.Action(action)
		o.AuthorRole = generic.Role(role)
		if o.Expiry, err = parseNullTime(expiry); err != nil {
			return nil, err
		}
		if o.RevokedAt, err = parseNullTime(revokedAt); err != nil {
			return nil, err
		}
		if o.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func overrideAffected(res sql.Result, id eligibility.OverrideID) error {
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: override %s", generic.ErrRuleNotFound, id)
	}
	return nil
}

// =============================================================================
// RATE RULE STORE (rates.Store interface)
// =============================================================================

const rateRuleColumns = `id, name, active, priority, position, condition_type, condition_params,
	adjustment_type, adjustment_value, applies_to, valid_from, valid_until, created_at, updated_at`

// CreateRateRule appends the rule at the end of the list.
func (s *Store) CreateRateRule(ctx context.Context, r *rates.RateRule) error {
	ct, params, err := encodeCondition(r.Condition)
	if err != nil {
		return err
	}
	return s.withSQLTx(ctx, func(q querier) error {
		var next int
		if err := q.QueryRowContext(ctx, "SELECT COALESCE(MAX(position) + 1, 0) FROM rate_rules").Scan(&next); err != nil {
			return fmt.Errorf("failed to read next position: %w", err)
		}
		_, err := q.ExecContext(ctx, "INSERT INTO rate_rules ("+rateRuleColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(r.ID),
			r.Name,
			r.Active,
			r.Priority,
			next,
			ct,
			string(params),
			string(r.Adjustment.Kind),
			r.Adjustment.Value.String(),
			string(r.Adjustment.AppliesTo),
			nullDate(r.ValidFrom),
			nullDate(r.ValidUntil),
			formatTime(r.CreatedAt),
			formatTime(r.UpdatedAt),
		)
		if err != nil {
			if isUniqueConstraintError(err, "rate_rules.id") {
				return fmt.Errorf("%w: rate rule %s already exists", generic.ErrConflict, r.ID)
			}
			return fmt.Errorf("failed to create rate rule: %w", err)
		}
		r.Position = next
		return nil
	})
}

func (s *Store) GetRateRule(ctx context.Context, id rates.RuleID) (rates.RateRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list, err := s.queryRateRules(ctx, "SELECT "+rateRuleColumns+" FROM rate_rules WHERE id = ?", string(id))
	if err != nil {
		return rates.RateRule{}, err
	}
	if len(list) == 0 {
		return rates.RateRule{}, fmt.Errorf("%w: rate rule %s", generic.ErrRuleNotFound, id)
	}
	return list[0], nil
}

func (s *Store) UpdateRateRule(ctx context.Context, r rates.RateRule) error {
	ct, params, err := encodeCondition(r.Condition)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE rate_rules SET
			name = ?, active = ?, priority = ?, condition_type = ?, condition_params = ?,
			adjustment_type = ?, adjustment_value = ?, applies_to = ?,
			valid_from = ?, valid_until = ?, updated_at = ?
		WHERE id = ?`,
		r.Name,
		r.Active,
		r.Priority,
		ct,
		string(params),
		string(r.Adjustment.Kind),
		r.Adjustment.Value.String(),
		string(r.Adjustment.AppliesTo),
		nullDate(r.ValidFrom),
		nullDate(r.ValidUntil),
		formatTime(r.UpdatedAt),
		string(r.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to update rate rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: rate rule %s", generic.ErrRuleNotFound, r.ID)
	}
	return nil
}

// DeleteRateRule removes the rule and shifts later positions down by one.
func (s *Store) DeleteRateRule(ctx context.Context, id rates.RuleID) error {
	return s.withSQLTx(ctx, func(q querier) error {
		var pos int
		err := q.QueryRowContext(ctx, "SELECT position FROM rate_rules WHERE id = ?", string(id)).Scan(&pos)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: rate rule %s", generic.ErrRuleNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to read rate rule: %w", err)
		}
		if _, err := q.ExecContext(ctx, "DELETE FROM rate_rules WHERE id = ?", string(id)); err != nil {
			return fmt.Errorf("failed to delete rate rule: %w", err)
		}
		// Shift in ascending order so the unique position index never sees
		// two rows on the same slot.
		rows, err := q.QueryContext(ctx, "SELECT id FROM rate_rules WHERE position > ? ORDER BY position ASC", pos)
		if err != nil {
			return fmt.Errorf("failed to read later rate rules: %w", err)
		}
		var later []string
		for rows.Next() {
			var rid string
			if err := rows.Scan(&rid); err != nil {
				rows.Close()
				return err
			}
			later = append(later, rid)
		}
		rows.Close()
		for _, rid := range later {
			if _, err := q.ExecContext(ctx, "UPDATE rate_rules SET position = position - 1 WHERE id = ?", rid); err != nil {
				return fmt.Errorf("failed to compact positions: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) ListRateRules(ctx context.Context) ([]rates.RateRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryRateRules(ctx, "SELECT "+rateRuleColumns+" FROM rate_rules ORDER BY position ASC")
}

func (s *Store) RateRuleAt(ctx context.Context, position int) (rates.RateRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list, err := s.queryRateRules(ctx, "SELECT "+rateRuleColumns+" FROM rate_rules WHERE position = ?", position)
	if err != nil {
		return rates.RateRule{}, err
	}
	if len(list) == 0 {
		return rates.RateRule{}, fmt.Errorf("%w: no rate rule at position %d", generic.ErrRuleNotFound, position)
	}
	return list[0], nil
}

func (s *Store) queryRateRules(ctx context.Context, query string, args ...any) ([]rates.RateRule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rate rules: %w", err)
	}
	defer rows.Close()

	var out []rates.RateRule
	for rows.Next() {
		var (
			r                                   rates.RateRule
			id, ct, params, kind, value, target string
			createdAt, updatedAt                string
			validFrom, validUntil               sql.NullString
		)
		err := rows.Scan(&id, &r.Name, &r.Active, &r.Priority, &r.Position, &ct, &params,
			&kind, &value, &target, &validFrom, &validUntil, &createdAt, &updatedAt)
		if err != nil {
			return nil, err
		}
		r.ID = rates.RuleID(id)
		r.Condition = factory.LoadCondition(ct, json.RawMessage(params))
		r.Adjustment.Kind = rates.AdjustmentKind(kind)
		r.Adjustment.AppliesTo = generic.MealSelector(target)
		if r.Adjustment.Value, err = parseDecimal("adjustment_value", value); err != nil {
			return nil, err
		}
		if r.ValidFrom, err = parseNullDate(validFrom); err != nil {
			return nil, err
		}
		if r.ValidUntil, err = parseNullDate(validUntil); err != nil {
			return nil, err
		}
		if r.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func encodeCondition(c rates.Condition) (string, json.RawMessage, error) {
	if c == nil {
		return "", nil, &generic.ValidationError{Field: "condition", Reason: "required"}
	}
	ct, params, err := factory.EncodeCondition(c)
	if err != nil {
		return "", nil, err
	}
	return string(ct), params, nil
}
