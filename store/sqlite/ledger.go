package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jfemon8/Meal-Management-sub002/generic"
)

// =============================================================================
// LEDGER STORE (generic.LedgerStore interface)
// =============================================================================

func (s *Store) GetBalance(ctx context.Context, key generic.BalanceKey) (generic.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getBalance(ctx, s.db, key)
}

func (s *Store) GetTransaction(ctx context.Context, id generic.TransactionID) (generic.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getTransaction(ctx, s.db, id)
}

func (s *Store) Chain(ctx context.Context, key generic.BalanceKey) ([]generic.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return chain(ctx, s.db, key)
}

func (s *Store) LastTransaction(ctx context.Context, key generic.BalanceKey) (*generic.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lastTransaction(ctx, s.db, key)
}

func (s *Store) ListAccounts(ctx context.Context) ([]generic.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listAccounts(ctx, s.db)
}

// AuditTrail returns matching entries oldest first.
func (s *Store) AuditTrail(ctx context.Context, filter generic.AuditFilter) ([]generic.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if filter.UserID != nil {
		where = append(where, "user_id = ?")
		args = append(args, string(*filter.UserID))
	}
	if filter.BalanceType != nil {
		where = append(where, "balance_type = ?")
		args = append(args, string(*filter.BalanceType))
	}
	if filter.TransactionID != nil {
		where = append(where, "transaction_id = ?")
		args = append(args, string(*filter.TransactionID))
	}
	if len(filter.Actions) > 0 {
		marks := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			marks[i] = "?"
			args = append(args, string(a))
		}
		where = append(where, "action IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT id, timestamp, actor_id, actor_role, action, user_id, balance_type, transaction_id, reason, payload_json
		FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []generic.AuditEntry
	for rows.Next() {
		var (
			e                                         generic.AuditEntry
			ts, role, action, user, balanceType, txID string
			payload                                   sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.ActorID, &role, &action, &user, &balanceType, &txID, &e.Reason, &payload); err != nil {
			return nil, err
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		e.ActorRole = generic.Role(role)
		e.Action = generic.AuditAction(action)
		e.UserID = generic.UserID(user)
		e.BalanceType = generic.MealType(balanceType)
		e.TransactionID = generic.TransactionID(txID)
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("invalid audit payload for %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// TRANSACTIONAL VIEW (generic.LedgerWriter interface)
// =============================================================================

type txView struct {
	q querier
}

func (v *txView) GetBalance(ctx context.Context, key generic.BalanceKey) (generic.Balance, error) {
	return getBalance(ctx, v.q, key)
}

func (v *txView) GetTransaction(ctx context.Context, id generic.TransactionID) (generic.Transaction, error) {
	return getTransaction(ctx, v.q, id)
}

func (v *txView) Chain(ctx context.Context, key generic.BalanceKey) ([]generic.Transaction, error) {
	return chain(ctx, v.q, key)
}

func (v *txView) LastTransaction(ctx context.Context, key generic.BalanceKey) (*generic.Transaction, error) {
	return lastTransaction(ctx, v.q, key)
}

func (v *txView) ListAccounts(ctx context.Context) ([]generic.UserID, error) {
	return listAccounts(ctx, v.q)
}

func (v *txView) CreateAccount(ctx context.Context, user generic.UserID, at time.Time) error {
	_, err := v.q.ExecContext(ctx, "INSERT INTO accounts (user_id, created_at) VALUES (?, ?)", string(user), formatTime(at))
	if err != nil {
		if isUniqueConstraintError(err, "") {
			return fmt.Errorf("%w: account %s already exists", generic.ErrConflict, user)
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	for _, b := range generic.NewBalances(user, at) {
		_, err := v.q.ExecContext(ctx, `
			INSERT INTO balances (user_id, balance_type, amount, version, updated_at)
			VALUES (?, ?, ?, 0, ?)`,
			string(b.UserID), string(b.BalanceType), b.Amount.String(), formatTime(b.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to create %s balance: %w", b.BalanceType, err)
		}
	}
	return nil
}

func (v *txView) InsertTransaction(ctx context.Context, tx *generic.Transaction) error {
	res, err := v.q.ExecContext(ctx, `
		INSERT INTO transactions
		(id, user_id, balance_type, tx_type, amount, previous_balance, new_balance,
		 performed_by, reference, description, idempotency_key, created_at,
		 original_transaction, is_reversed, reversal_id, reversed_at,
		 is_corrected, corrected_by, corrected_at, correction_reason,
		 original_amount, original_description)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(tx.ID),
		string(tx.UserID),
		string(tx.BalanceType),
		string(tx.Type),
		tx.Amount.String(),
		tx.PreviousBalance.String(),
		tx.NewBalance.String(),
		tx.PerformedBy,
		tx.Reference,
		tx.Description,
		nullString(tx.IdempotencyKey),
		formatTime(tx.CreatedAt),
		string(tx.OriginalTransaction),
		tx.IsReversed,
		string(tx.ReversalID),
		nullTime(tx.ReversedAt),
		tx.IsCorrected,
		tx.CorrectedBy,
		nullTime(tx.CorrectedAt),
		tx.CorrectionReason,
		nullDecimal(tx.OriginalAmount),
		nullStringPtr(tx.OriginalDescription),
	)
	if err != nil {
		switch {
		case isUniqueConstraintError(err, "idempotency_key"):
			return fmt.Errorf("%s: %w", tx.IdempotencyKey, generic.ErrDuplicateIdempotencyKey)
		case isUniqueConstraintError(err, ""):
			return fmt.Errorf("%w: transaction %s already exists", generic.ErrConflict, tx.ID)
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read transaction seq: %w", err)
	}
	tx.Seq = seq
	return nil
}

// UpdateTransaction rewrites the reversal and correction columns and the
// recomputed balances. Identity, type and position are never touched.
func (v *txView) UpdateTransaction(ctx context.Context, tx generic.Transaction) error {
	res, err := v.q.ExecContext(ctx, `
		UPDATE transactions SET
			amount = ?, previous_balance = ?, new_balance = ?, description = ?,
			is_reversed = ?, reversal_id = ?, reversed_at = ?,
			is_corrected = ?, corrected_by = ?, corrected_at = ?, correction_reason = ?,
			original_amount = ?, original_description = ?
		WHERE id = ?`,
		tx.Amount.String(),
		tx.PreviousBalance.String(),
		tx.NewBalance.String(),
		tx.Description,
		tx.IsReversed,
		string(tx.ReversalID),
		nullTime(tx.ReversedAt),
		tx.IsCorrected,
		tx.CorrectedBy,
		nullTime(tx.CorrectedAt),
		tx.CorrectionReason,
		nullDecimal(tx.OriginalAmount),
		nullStringPtr(tx.OriginalDescription),
		string(tx.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", tx.ID, generic.ErrTransactionNotFound)
	}
	return nil
}

func (v *txView) SaveBalance(ctx context.Context, b generic.Balance, expectedVersion int64) error {
	res, err := v.q.ExecContext(ctx, `
		UPDATE balances SET
			amount = ?, is_frozen = ?, frozen_at = ?, frozen_by = ?, frozen_reason = ?,
			quarantined = ?, quarantine_reason = ?, version = version + 1, updated_at = ?
		WHERE user_id = ? AND balance_type = ? AND version = ?`,
		b.Amount.String(),
		b.IsFrozen,
		nullTime(b.FrozenAt),
		b.FrozenBy,
		b.FrozenReason,
		b.Quarantined,
		b.QuarantineReason,
		formatTime(b.UpdatedAt),
		string(b.UserID),
		string(b.BalanceType),
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to save balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := getBalance(ctx, v.q, b.Key()); err != nil {
		return err
	}
	return fmt.Errorf("%s: %w", b.Key(), generic.ErrConcurrentModification)
}

func (v *txView) AppendAudit(ctx context.Context, e generic.AuditEntry) error {
	var payload sql.NullString
	if len(e.Payload) > 0 {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode audit payload: %w", err)
		}
		payload = sql.NullString{String: string(b), Valid: true}
	}
	_, err := v.q.ExecContext(ctx, `
		INSERT INTO audit_log
		(id, timestamp, actor_id, actor_role, action, user_id, balance_type, transaction_id, reason, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		formatTime(e.Timestamp),
		e.ActorID,
		string(e.ActorRole),
		string(e.Action),
		string(e.UserID),
		string(e.BalanceType),
		string(e.TransactionID),
		e.Reason,
		payload,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// =============================================================================
// SHARED READS
// =============================================================================

func getBalance(ctx context.Context, q querier, key generic.BalanceKey) (generic.Balance, error) {
	row := q.QueryRowContext(ctx, `
		SELECT amount, is_frozen, frozen_at, frozen_by, frozen_reason,
		       quarantined, quarantine_reason, version, updated_at
		FROM balances WHERE user_id = ? AND balance_type = ?`,
		string(key.UserID), string(key.BalanceType),
	)
	b := generic.Balance{UserID: key.UserID, BalanceType: key.BalanceType}
	var (
		amount, updatedAt string
		frozenAt          sql.NullString
	)
	err := row.Scan(&amount, &b.IsFrozen, &frozenAt, &b.FrozenBy, &b.FrozenReason,
		&b.Quarantined, &b.QuarantineReason, &b.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return generic.Balance{}, fmt.Errorf("%s: %w", key.UserID, generic.ErrAccountNotFound)
	}
	if err != nil {
		return generic.Balance{}, fmt.Errorf("failed to read balance: %w", err)
	}
	if b.Amount, err = parseDecimal("amount", amount); err != nil {
		return generic.Balance{}, err
	}
	if b.FrozenAt, err = parseNullTime(frozenAt); err != nil {
		return generic.Balance{}, err
	}
	if b.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return generic.Balance{}, err
	}
	return b, nil
}

const transactionColumns = `seq, id, user_id, balance_type, tx_type, amount, previous_balance, new_balance,
	performed_by, reference, description, idempotency_key, created_at,
	original_transaction, is_reversed, reversal_id, reversed_at,
	is_corrected, corrected_by, corrected_at, correction_reason,
	original_amount, original_description`

func getTransaction(ctx context.Context, q querier, id generic.TransactionID) (generic.Transaction, error) {
	txs, err := queryTransactions(ctx, q, "SELECT "+transactionColumns+" FROM transactions WHERE id = ?", string(id))
	if err != nil {
		return generic.Transaction{}, err
	}
	if len(txs) == 0 {
		return generic.Transaction{}, fmt.Errorf("%s: %w", id, generic.ErrTransactionNotFound)
	}
	return txs[0], nil
}

func chain(ctx context.Context, q querier, key generic.BalanceKey) ([]generic.Transaction, error) {
	return queryTransactions(ctx, q,
		"SELECT "+transactionColumns+" FROM transactions WHERE user_id = ? AND balance_type = ? ORDER BY seq ASC",
		string(key.UserID), string(key.BalanceType))
}

func lastTransaction(ctx context.Context, q querier, key generic.BalanceKey) (*generic.Transaction, error) {
	txs, err := queryTransactions(ctx, q,
		"SELECT "+transactionColumns+" FROM transactions WHERE user_id = ? AND balance_type = ? ORDER BY seq DESC LIMIT 1",
		string(key.UserID), string(key.BalanceType))
	if err != nil || len(txs) == 0 {
		return nil, err
	}
	return &txs[0], nil
}

func listAccounts(ctx context.Context, q querier) ([]generic.UserID, error) {
	rows, err := q.QueryContext(ctx, "SELECT user_id FROM accounts ORDER BY user_id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var out []generic.UserID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, generic.UserID(id))
	}
	return out, rows.Err()
}

func queryTransactions(ctx context.Context, q querier, query string, args ...any) ([]generic.Transaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []generic.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func scanTransaction(rows *sql.Rows) (generic.Transaction, error) {
	var (
		tx                                      generic.Transaction
		id, user, balanceType, txType           string
		amount, prev, next, createdAt           string
		originalTx, reversalID                  string
		idempotencyKey, reversedAt, correctedAt sql.NullString
		originalAmount, originalDescription     sql.NullString
	)
	err := rows.Scan(
		&tx.Seq, &id, &user, &balanceType, &txType, &amount, &prev, &next,
		&tx.PerformedBy, &tx.Reference, &tx.Description, &idempotencyKey, &createdAt,
		&originalTx, &tx.IsReversed, &reversalID, &reversedAt,
		&tx.IsCorrected, &tx.CorrectedBy, &correctedAt, &tx.CorrectionReason,
		&originalAmount, &originalDescription,
	)
	if err != nil {
		return generic.Transaction{}, err
	}

	tx.ID = generic.TransactionID(id)
	tx.UserID = generic.UserID(user)
	tx.BalanceType = generic.MealType(balanceType)
	tx.Type = generic.TransactionType(txType)
	tx.IdempotencyKey = idempotencyKey.String
	tx.OriginalTransaction = generic.TransactionID(originalTx)
	tx.ReversalID = generic.TransactionID(reversalID)

	if tx.Amount, err = parseDecimal("amount", amount); err != nil {
		return generic.Transaction{}, err
	}
	if tx.PreviousBalance, err = parseDecimal("previous_balance", prev); err != nil {
		return generic.Transaction{}, err
	}
	if tx.NewBalance, err = parseDecimal("new_balance", next); err != nil {
		return generic.Transaction{}, err
	}
	if tx.CreatedAt, err = parseTime(createdAt); err != nil {
		return generic.Transaction{}, err
	}
	if tx.ReversedAt, err = parseNullTime(reversedAt); err != nil {
		return generic.Transaction{}, err
	}
	if tx.CorrectedAt, err = parseNullTime(correctedAt); err != nil {
		return generic.Transaction{}, err
	}
	if originalAmount.Valid {
		d, err := parseDecimal("original_amount", originalAmount.String)
		if err != nil {
			return generic.Transaction{}, err
		}
		tx.OriginalAmount = &d
	}
	if originalDescription.Valid {
		desc := originalDescription.String
		tx.OriginalDescription = &desc
	}
	return tx, nil
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
