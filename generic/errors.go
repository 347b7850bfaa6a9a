/*
errors.go - Centralized error types for the meal engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers match with errors.Is / errors.As; stores and handlers wrap these
  with additional context.

ERROR CATEGORIES:
  1. Validation - malformed rule, date or amount; rejected before any write
  2. Not found  - unknown transaction, account, rule
  3. Conflict   - already reversed, recalculation conflict, optimistic lock
  4. Frozen     - deduction blocked by a freeze
  5. Fatal      - the chain/balance atomicity invariant was observed broken

PROPAGATION:
  Resolver and evaluator errors on a single rule are logged and the rule is
  skipped. Ledger errors are never swallowed.

SEE ALSO:
  - ledger.go, maintenance.go: Produce these errors
  - api/handlers.go: Maps them to HTTP status codes
*/
package generic

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the root of every input validation failure.
	ErrValidation = errors.New("validation error")

	// ErrInvalidAmount is returned for zero amounts and amounts whose sign
	// does not fit the transaction type.
	ErrInvalidAmount = fmt.Errorf("%w: invalid amount", ErrValidation)

	ErrNotFound            = errors.New("not found")
	ErrTransactionNotFound = fmt.Errorf("transaction %w", ErrNotFound)
	ErrAccountNotFound     = fmt.Errorf("account %w", ErrNotFound)
	ErrRuleNotFound        = fmt.Errorf("rule %w", ErrNotFound)

	ErrConflict = errors.New("conflict")

	// ErrAlreadyReversed is returned when reversing a transaction twice.
	ErrAlreadyReversed = fmt.Errorf("%w: transaction already reversed", ErrConflict)

	// ErrRecalculationConflict is returned when a concurrent write is detected
	// while a correction recomputes the chain. Nothing is applied.
	ErrRecalculationConflict = fmt.Errorf("%w: recalculation conflict", ErrConflict)

	// ErrConcurrentModification is returned when the optimistic version check
	// on a balance write fails.
	ErrConcurrentModification = fmt.Errorf("%w: concurrent modification detected", ErrConflict)

	// ErrDuplicateIdempotencyKey is returned when a posting with the same key
	// already exists. Expected for retried closing runs.
	ErrDuplicateIdempotencyKey = fmt.Errorf("%w: duplicate idempotency key", ErrConflict)

	// ErrFrozenBalance is returned when a deduction hits a frozen balance.
	ErrFrozenBalance = errors.New("balance is frozen")

	// ErrForbidden is returned when the actor's role may not perform a
	// maintenance action.
	ErrForbidden = errors.New("forbidden")

	// ErrFatal marks a violated ledger invariant.
	ErrFatal = errors.New("fatal ledger invariant violation")

	// ErrLedgerQuarantined is returned for writes to a balance whose chain was
	// found inconsistent, until it is reconciled.
	ErrLedgerQuarantined = fmt.Errorf("%w: balance quarantined until reconciled", ErrFatal)
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Reason
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// AmountError describes an amount rejected for a transaction type.
type AmountError struct {
	Type   TransactionType
	Amount decimal.Decimal
	Reason string
}

func (e *AmountError) Error() string {
	return fmt.Sprintf("invalid amount %s for %s: %s", e.Amount, e.Type, e.Reason)
}

func (e *AmountError) Unwrap() error { return ErrInvalidAmount }

// FrozenBalanceError provides details about the freeze that blocked a deduction.
type FrozenBalanceError struct {
	Key      BalanceKey
	FrozenBy string
	FrozenAt *time.Time
	Reason   string
}

func (e *FrozenBalanceError) Error() string {
	return fmt.Sprintf("balance %s is frozen (by %s: %s)", e.Key, e.FrozenBy, e.Reason)
}

func (e *FrozenBalanceError) Unwrap() error { return ErrFrozenBalance }

// ChainError reports where a chain was found inconsistent. Always fatal.
type ChainError struct {
	Key      BalanceKey
	At       TransactionID
	Expected decimal.Decimal
	Actual   decimal.Decimal
	Detail   string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("chain broken for %s at %s: %s (expected %s, got %s)",
		e.Key, e.At, e.Detail, e.Expected, e.Actual)
}

func (e *ChainError) Unwrap() error { return ErrFatal }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrRecalculationConflict)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrFrozenBalance) ||
		errors.Is(err, ErrForbidden)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict returns true for reversal, recalculation and locking conflicts.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
