/*
Package generic provides the core meal accounting engine.

PURPOSE:
  This package contains the types and algorithms shared by every part of the
  meal system: identifiers, meal and balance types, the role → priority
  mapping, the day-granular calendar, the error taxonomy, and the ledger that
  records every balance change as a chain-consistent transaction.

KEY CONCEPTS IN THIS FILE (types.go):
  - MealType: breakfast, lunch, dinner (also the per-user balance types)
  - MealSelector: lunch, dinner, both (what a rule targets)
  - Role / Priority: who authored a rule and how much authority it carries
  - Transaction: one ledger entry recording a balance mutation
  - Actor: the (userId, role) pair passed with every mutating call

DESIGN PRINCIPLES:
  1. Precision: all money uses decimal.Decimal
  2. Type Safety: distinct id types prevent mixing users, rules and transactions
  3. Closed enums: every enum has a Valid() check and is switched exhaustively
  4. Auditability: every transaction records who performed it and why

SEE ALSO:
  - ledger.go: Posting and balance reads
  - maintenance.go: Reversal, correction, recomputation
  - store.go: Persistence interfaces
*/
package generic

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type TransactionID string

// =============================================================================
// MEAL TYPES
// =============================================================================

// MealType is a meal and, at the same time, the balance a user keeps for it.
type MealType string

const (
	MealBreakfast MealType = "breakfast"
	MealLunch     MealType = "lunch"
	MealDinner    MealType = "dinner"
)

// MealTypes lists every balance type in display order.
var MealTypes = []MealType{MealBreakfast, MealLunch, MealDinner}

func (m MealType) Valid() bool {
	switch m {
	case MealBreakfast, MealLunch, MealDinner:
		return true
	}
	return false
}

func ParseMealType(s string) (MealType, error) {
	m := MealType(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", &ValidationError{Field: "meal_type", Reason: fmt.Sprintf("unknown meal type %q", s)}
	}
	return m, nil
}

// MealSelector is the meal a rule is written against.
type MealSelector string

const (
	SelectLunch  MealSelector = "lunch"
	SelectDinner MealSelector = "dinner"
	SelectBoth   MealSelector = "both"
)

func (s MealSelector) Valid() bool {
	switch s {
	case SelectLunch, SelectDinner, SelectBoth:
		return true
	}
	return false
}

// Matches reports whether the selector covers the given meal.
// Breakfast is never targeted by rules.
func (s MealSelector) Matches(m MealType) bool {
	switch s {
	case SelectBoth:
		return m == MealLunch || m == MealDinner
	case SelectLunch:
		return m == MealLunch
	case SelectDinner:
		return m == MealDinner
	}
	return false
}

func ParseMealSelector(s string) (MealSelector, error) {
	sel := MealSelector(strings.ToLower(strings.TrimSpace(s)))
	if !sel.Valid() {
		return "", &ValidationError{Field: "meal_type", Reason: fmt.Sprintf("unknown meal selector %q", s)}
	}
	return sel, nil
}

// =============================================================================
// ROLES AND PRIORITY
// =============================================================================

type Role string

const (
	RoleSystem     Role = "system"
	RoleUser       Role = "user"
	RoleManager    Role = "manager"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "superadmin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleManager, RoleAdmin, RoleSuperAdmin:
		return true
	}
	return false
}

func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", &ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", s)}
	}
	return r, nil
}

// Priority is the authority of an override. Higher wins.
type Priority int

const (
	PrioritySystem  Priority = 1
	PriorityUser    Priority = 2
	PriorityManager Priority = 3
	PriorityAdmin   Priority = 4
)

// PriorityFor derives the override priority from the author's role.
// Priority is never stored independently of the role that produced it.
func PriorityFor(r Role) Priority {
	switch r {
	case RoleSuperAdmin, RoleAdmin:
		return PriorityAdmin
	case RoleManager:
		return PriorityManager
	case RoleUser:
		return PriorityUser
	default:
		return PrioritySystem
	}
}

// Actor is who performs a mutating call. Authentication happens upstream;
// the engine trusts the role it is given.
type Actor struct {
	ID   string
	Role Role
}

// SystemActor is used by scheduled jobs.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

// CanMaintain reports whether the actor may reverse, correct, freeze or
// reconcile balances.
func (a Actor) CanMaintain() bool {
	switch a.Role {
	case RoleSystem, RoleManager, RoleAdmin, RoleSuperAdmin:
		return true
	}
	return false
}

func (a Actor) String() string { return fmt.Sprintf("%s(%s)", a.ID, a.Role) }

// =============================================================================
// MONEY
// =============================================================================

func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// ParseAmount parses a user-supplied decimal string.
func ParseAmount(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, &ValidationError{Field: field, Reason: fmt.Sprintf("not a decimal: %q", s)}
	}
	return d, nil
}

// =============================================================================
// TRANSACTION - One ledger entry
// =============================================================================

type TransactionType string

const (
	TxDeposit    TransactionType = "deposit"
	TxDeduction  TransactionType = "deduction"
	TxAdjustment TransactionType = "adjustment"
	TxRefund     TransactionType = "refund"
	TxReversal   TransactionType = "reversal"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TxDeposit, TxDeduction, TxAdjustment, TxRefund, TxReversal:
		return true
	}
	return false
}

func ParseTransactionType(s string) (TransactionType, error) {
	t := TransactionType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown transaction type %q", s)}
	}
	return t, nil
}

// Transaction records one mutation of a (user, balance type) balance.
//
// CHAIN INVARIANT (per user + balance type, in Seq order):
//
//	NewBalance[i]      == PreviousBalance[i] + Amount[i]
//	PreviousBalance[i+1] == NewBalance[i]
type Transaction struct {
	ID              TransactionID
	Seq             int64 // creation order within the store
	UserID          UserID
	BalanceType     MealType
	Type            TransactionType
	Amount          decimal.Decimal // signed
	PreviousBalance decimal.Decimal
	NewBalance      decimal.Decimal
	PerformedBy     string
	Reference       string
	Description     string
	IdempotencyKey  string
	CreatedAt       time.Time

	// Reversal linkage
	OriginalTransaction TransactionID // set on reversal entries
	IsReversed          bool
	ReversalID          TransactionID
	ReversedAt          *time.Time

	// Correction metadata
	IsCorrected         bool
	CorrectedBy         string
	CorrectedAt         *time.Time
	CorrectionReason    string
	OriginalAmount      *decimal.Decimal
	OriginalDescription *string
}

// BalanceKey identifies one balance chain.
type BalanceKey struct {
	UserID      UserID
	BalanceType MealType
}

func (k BalanceKey) String() string { return string(k.UserID) + "/" + string(k.BalanceType) }

func (tx Transaction) Key() BalanceKey {
	return BalanceKey{UserID: tx.UserID, BalanceType: tx.BalanceType}
}
