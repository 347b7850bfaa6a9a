/*
store.go - Persistence interfaces for balances, transactions and audit

PURPOSE:
  Defines the interface between the ledger logic and the database.
  Implementations: store/sqlite (production), generic/store (in-memory).

APPEND-MOSTLY CONTRACT:
  Transactions are inserted once and never deleted. The only in-place
  updates are the reversal flag on the reversed entry and the fields a
  correction touches (amount, description, correction metadata, and the
  recomputed previous/new balances downstream).

ATOMICITY:
  Every ledger mutation runs inside WithTx. The transaction row(s), the
  balance row and the audit entry commit together or not at all. A failed fn
  rolls everything back; a cancelled context aborts before commit.

ORDERING:
  Chain() returns entries in creation order (Seq ascending). Seq is assigned
  by InsertTransaction and increases monotonically within a store.
*/
package generic

import (
	"context"
	"time"
)

// =============================================================================
// LEDGER STORE
// =============================================================================

// LedgerReader is the read side of the ledger store.
type LedgerReader interface {
	// GetBalance returns ErrAccountNotFound for unknown users.
	GetBalance(ctx context.Context, key BalanceKey) (Balance, error)

	// GetTransaction returns ErrTransactionNotFound for unknown ids.
	GetTransaction(ctx context.Context, id TransactionID) (Transaction, error)

	// Chain returns every transaction of a balance in Seq order.
	Chain(ctx context.Context, key BalanceKey) ([]Transaction, error)

	// LastTransaction returns the chain head, or nil for an empty chain.
	LastTransaction(ctx context.Context, key BalanceKey) (*Transaction, error)

	// ListAccounts returns every user with an account, sorted.
	ListAccounts(ctx context.Context) ([]UserID, error)
}

// LedgerWriter is the view handed to WithTx callbacks.
type LedgerWriter interface {
	LedgerReader

	// CreateAccount creates zero balances for every meal type.
	// Returns ErrConflict if the account exists.
	CreateAccount(ctx context.Context, user UserID, at time.Time) error

	// InsertTransaction persists a new entry and sets tx.Seq.
	// Returns ErrDuplicateIdempotencyKey if the key is taken.
	InsertTransaction(ctx context.Context, tx *Transaction) error

	// UpdateTransaction rewrites the mutable fields of an existing entry.
	UpdateTransaction(ctx context.Context, tx Transaction) error

	// SaveBalance writes b if the stored version equals expectedVersion and
	// bumps the version. Returns ErrConcurrentModification otherwise.
	SaveBalance(ctx context.Context, b Balance, expectedVersion int64) error

	AppendAudit(ctx context.Context, e AuditEntry) error
}

// LedgerStore is the full ledger persistence contract.
type LedgerStore interface {
	LedgerReader

	// WithTx executes fn within a store transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(LedgerWriter) error) error

	AuditTrail(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

// =============================================================================
// AUDIT LOG - Who did what to which balance
// =============================================================================

type AuditAction string

const (
	AuditAccountOpened AuditAction = "account_opened"
	AuditReversal      AuditAction = "reversal"
	AuditCorrection    AuditAction = "correction"
	AuditFreeze        AuditAction = "freeze"
	AuditUnfreeze      AuditAction = "unfreeze"
	AuditQuarantine    AuditAction = "quarantine"
	AuditReconcile     AuditAction = "reconcile"
)

// AuditEntry records a maintenance action. Append-only.
type AuditEntry struct {
	ID            string
	Timestamp     time.Time
	ActorID       string
	ActorRole     Role
	Action        AuditAction
	UserID        UserID
	BalanceType   MealType
	TransactionID TransactionID
	Reason        string
	Payload       map[string]string
}

type AuditFilter struct {
	UserID        *UserID
	BalanceType   *MealType
	TransactionID *TransactionID
	Actions       []AuditAction
	Limit         int
}

// Matches is shared by store implementations that filter in memory.
func (f AuditFilter) Matches(e AuditEntry) bool {
	if f.UserID != nil && e.UserID != *f.UserID {
		return false
	}
	if f.BalanceType != nil && e.BalanceType != *f.BalanceType {
		return false
	}
	if f.TransactionID != nil && e.TransactionID != *f.TransactionID {
		return false
	}
	if len(f.Actions) > 0 {
		for _, a := range f.Actions {
			if a == e.Action {
				return true
			}
		}
		return false
	}
	return true
}
