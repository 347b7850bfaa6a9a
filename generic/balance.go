/*
balance.go - Stored per-user balances and the freeze gate

PURPOSE:
  A user keeps one balance per meal type. The amount stored here is a cached
  view of the ledger: it must always equal NewBalance of the newest
  transaction in that chain. The ledger updates both in one store
  transaction.

FREEZE:
  Frozen is a gate, not a value. It blocks new deductions only. Deposits,
  refunds, adjustments, reversals and corrections still go through, since
  freezing stops spending, not administrative repair.

OPTIMISTIC LOCKING:
  Version increments on every balance write. Stores reject a write whose
  expected version does not match (ErrConcurrentModification).
*/
package generic

import (
	"time"

	"github.com/shopspring/decimal"
)

// Balance is the stored balance of one (user, meal type).
type Balance struct {
	UserID      UserID
	BalanceType MealType
	Amount      decimal.Decimal

	IsFrozen     bool
	FrozenAt     *time.Time
	FrozenBy     string
	FrozenReason string

	// Quarantined is set when the chain was observed inconsistent. Writes are
	// refused until Reconcile clears it.
	Quarantined      bool
	QuarantineReason string

	Version   int64
	UpdatedAt time.Time
}

func (b Balance) Key() BalanceKey {
	return BalanceKey{UserID: b.UserID, BalanceType: b.BalanceType}
}

// FreezeMeta is the freeze part of a balance as exposed to collaborators.
type FreezeMeta struct {
	FrozenAt *time.Time
	FrozenBy string
	Reason   string
}

func (b Balance) FreezeMeta() FreezeMeta {
	return FreezeMeta{FrozenAt: b.FrozenAt, FrozenBy: b.FrozenBy, Reason: b.FrozenReason}
}

// Account groups the balances of one user.
type Account struct {
	UserID   UserID
	Balances map[MealType]Balance
}

// NewBalances returns zero balances for every meal type. Stores use it when
// opening an account.
func NewBalances(user UserID, at time.Time) []Balance {
	out := make([]Balance, 0, len(MealTypes))
	for _, m := range MealTypes {
		out = append(out, Balance{UserID: user, BalanceType: m, Amount: decimal.Zero, UpdatedAt: at})
	}
	return out
}
