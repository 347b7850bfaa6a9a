/*
ledger.go - Chain-consistent balance ledger

PURPOSE:
  The Ledger records every balance change as a Transaction and keeps the
  stored balance equal to the newest transaction's NewBalance. Posting,
  reversal, correction, freeze and reconciliation all go through here.

CRITICAL INVARIANTS (per user + balance type):
  1. CHAIN:    NewBalance[i] == PreviousBalance[i] + Amount[i]
               PreviousBalance[i+1] == NewBalance[i]
  2. BALANCE:  stored balance == NewBalance of the newest entry
  3. ATOMIC:   the transaction row and the balance row commit together
  4. SERIAL:   writes to one (user, balance type) never interleave

SERIALIZATION:
  Three layers, each sufficient within its scope:
  - a per-key mutex inside this process,
  - the store transaction (WithTx),
  - an optimistic Version check on the balance row, which catches writers
    in other processes. Conflicted posts retry up to MaxRetries times.
  Different keys never contend.

SIGN CONVENTION:
  deposit, refund:  caller passes a positive amount, stored positive
  deduction:        caller passes a positive amount, stored negative
  adjustment:       caller passes a signed, non-zero amount
  reversal:         only created by Reverse

FATAL STATE:
  If a write finds the stored balance disagreeing with the chain head, the
  key is quarantined and every further write fails with
  ErrLedgerQuarantined until Reconcile rebuilds it.

SEE ALSO:
  - maintenance.go: Reverse, Correct, VerifyChain, Reconcile
  - store.go: Persistence contract
*/
package generic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jfemon8/Meal-Management-sub002/metrics"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

const defaultMaxRetries = 3

// LowBalanceNotifier is told when a deduction leaves a balance below the
// configured threshold. Delivery is the collaborator's concern.
type LowBalanceNotifier interface {
	LowBalance(ctx context.Context, b Balance, threshold decimal.Decimal)
}

// Ledger is the single entry point for balance mutations.
type Ledger struct {
	store LedgerStore
	locks *keyedMutex

	maxRetries int
	threshold  *decimal.Decimal
	notifier   LowBalanceNotifier

	now   func() time.Time
	newID func() string
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// WithMaxRetries sets how often a post retries after a version conflict.
func WithMaxRetries(n int) Option {
	return func(l *Ledger) {
		if n >= 0 {
			l.maxRetries = n
		}
	}
}

// WithLowBalance enables the low-balance hook.
func WithLowBalance(threshold decimal.Decimal, n LowBalanceNotifier) Option {
	return func(l *Ledger) {
		l.threshold = &threshold
		l.notifier = n
	}
}

// WithIDGenerator replaces the uuid generator.
func WithIDGenerator(f func() string) Option { return func(l *Ledger) { l.newID = f } }

func NewLedger(store LedgerStore, opts ...Option) *Ledger {
	l := &Ledger{
		store:      store,
		locks:      newKeyedMutex(),
		maxRetries: defaultMaxRetries,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// =============================================================================
// ACCOUNTS AND READS
// =============================================================================

// OpenAccount creates zero balances for every meal type.
func (l *Ledger) OpenAccount(ctx context.Context, user UserID, actor Actor) error {
	if strings.TrimSpace(string(user)) == "" {
		return &ValidationError{Field: "user_id", Reason: "required"}
	}
	now := l.now()
	return l.store.WithTx(ctx, func(w LedgerWriter) error {
		if err := w.CreateAccount(ctx, user, now); err != nil {
			return err
		}
		return w.AppendAudit(ctx, AuditEntry{
			ID:        l.newID(),
			Timestamp: now,
			ActorID:   actor.ID,
			ActorRole: actor.Role,
			Action:    AuditAccountOpened,
			UserID:    user,
		})
	})
}

// GetBalance returns amount, freeze state and freeze metadata.
func (l *Ledger) GetBalance(ctx context.Context, user UserID, balanceType MealType) (Balance, error) {
	if !balanceType.Valid() {
		return Balance{}, &ValidationError{Field: "balance_type", Reason: fmt.Sprintf("unknown balance type %q", balanceType)}
	}
	return l.store.GetBalance(ctx, BalanceKey{UserID: user, BalanceType: balanceType})
}

// Transactions returns the chain of a balance in creation order.
func (l *Ledger) Transactions(ctx context.Context, user UserID, balanceType MealType) ([]Transaction, error) {
	key := BalanceKey{UserID: user, BalanceType: balanceType}
	if _, err := l.store.GetBalance(ctx, key); err != nil {
		return nil, err
	}
	return l.store.Chain(ctx, key)
}

// Account returns every balance of a user.
func (l *Ledger) Account(ctx context.Context, user UserID) (Account, error) {
	acct := Account{UserID: user, Balances: make(map[MealType]Balance, len(MealTypes))}
	for _, m := range MealTypes {
		b, err := l.store.GetBalance(ctx, BalanceKey{UserID: user, BalanceType: m})
		if err != nil {
			return Account{}, err
		}
		acct.Balances[m] = b
	}
	return acct, nil
}

// Accounts lists every user holding an account.
func (l *Ledger) Accounts(ctx context.Context) ([]UserID, error) {
	return l.store.ListAccounts(ctx)
}

func (l *Ledger) GetTransaction(ctx context.Context, id TransactionID) (Transaction, error) {
	return l.store.GetTransaction(ctx, id)
}

func (l *Ledger) AuditTrail(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	return l.store.AuditTrail(ctx, filter)
}

// =============================================================================
// POSTING
// =============================================================================

// PostRequest describes one balance mutation.
type PostRequest struct {
	UserID         UserID
	BalanceType    MealType
	Type           TransactionType
	Amount         decimal.Decimal
	Actor          Actor
	Reference      string
	Description    string
	IdempotencyKey string
}

// signedAmount applies the sign convention for a transaction type.
func signedAmount(t TransactionType, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsZero() {
		return decimal.Zero, &AmountError{Type: t, Amount: amount, Reason: "amount must not be zero"}
	}
	switch t {
	case TxDeposit, TxRefund:
		if amount.IsNegative() {
			return decimal.Zero, &AmountError{Type: t, Amount: amount, Reason: "must be positive"}
		}
		return amount, nil
	case TxDeduction:
		if amount.IsNegative() {
			return decimal.Zero, &AmountError{Type: t, Amount: amount, Reason: "pass the deducted amount as a positive value"}
		}
		return amount.Neg(), nil
	case TxAdjustment:
		return amount, nil
	case TxReversal:
		return decimal.Zero, &ValidationError{Field: "type", Reason: "reversals are created by reversing a transaction"}
	}
	return decimal.Zero, &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown transaction type %q", t)}
}

// Post records a transaction and updates the balance atomically.
//
// Fails with ErrInvalidAmount for zero or wrongly signed amounts,
// ErrFrozenBalance for deductions against a frozen balance,
// ErrAccountNotFound for unknown users, and ErrConflict when the version check
// keeps failing after retries.
func (l *Ledger) Post(ctx context.Context, req PostRequest) (Transaction, error) {
	if !req.BalanceType.Valid() {
		return Transaction{}, &ValidationError{Field: "balance_type", Reason: fmt.Sprintf("unknown balance type %q", req.BalanceType)}
	}
	amount, err := signedAmount(req.Type, req.Amount)
	if err != nil {
		metrics.LedgerPosting(string(req.Type), "rejected")
		return Transaction{}, err
	}
	key := BalanceKey{UserID: req.UserID, BalanceType: req.BalanceType}

	unlock := l.locks.Lock(key)
	defer unlock()

	var posted Transaction
	err = l.withRetry(ctx, "post", func() error {
		return l.store.WithTx(ctx, func(w LedgerWriter) error {
			bal, err := w.GetBalance(ctx, key)
			if err != nil {
				return err
			}
			if err := checkWritable(bal); err != nil {
				return err
			}
			if req.Type == TxDeduction && bal.IsFrozen {
				return &FrozenBalanceError{Key: key, FrozenBy: bal.FrozenBy, FrozenAt: bal.FrozenAt, Reason: bal.FrozenReason}
			}
			tx, _, err := l.appendEntry(ctx, w, bal, Transaction{
				UserID:         req.UserID,
				BalanceType:    req.BalanceType,
				Type:           req.Type,
				Amount:         amount,
				PerformedBy:    req.Actor.ID,
				Reference:      req.Reference,
				Description:    req.Description,
				IdempotencyKey: req.IdempotencyKey,
			})
			posted = tx
			return err
		})
	})
	if err != nil {
		l.handleWriteError(ctx, key, "post", err)
		metrics.LedgerPosting(string(req.Type), resultLabel(err))
		return Transaction{}, err
	}
	metrics.LedgerPosting(string(req.Type), "ok")

	if req.Type == TxDeduction {
		l.checkLowBalance(ctx, key, posted.NewBalance)
	}
	return posted, nil
}

// appendEntry writes tx at the head of bal's chain and saves the new balance.
// Caller holds the key lock and is inside WithTx.
func (l *Ledger) appendEntry(ctx context.Context, w LedgerWriter, bal Balance, tx Transaction) (Transaction, Balance, error) {
	key := bal.Key()
	head, err := w.LastTransaction(ctx, key)
	if err != nil {
		return Transaction{}, bal, err
	}
	if head == nil && !bal.Amount.IsZero() {
		return Transaction{}, bal, &ChainError{Key: key, Expected: decimal.Zero, Actual: bal.Amount, Detail: "balance set without any transaction"}
	}
	if head != nil && !head.NewBalance.Equal(bal.Amount) {
		return Transaction{}, bal, &ChainError{Key: key, At: head.ID, Expected: head.NewBalance, Actual: bal.Amount, Detail: "stored balance differs from chain head"}
	}

	now := l.now()
	tx.ID = TransactionID(l.newID())
	tx.PreviousBalance = bal.Amount
	tx.NewBalance = bal.Amount.Add(tx.Amount)
	tx.CreatedAt = now
	if err := w.InsertTransaction(ctx, &tx); err != nil {
		return Transaction{}, bal, err
	}

	expected := bal.Version
	bal.Amount = tx.NewBalance
	bal.UpdatedAt = now
	if err := w.SaveBalance(ctx, bal, expected); err != nil {
		return Transaction{}, bal, err
	}
	bal.Version = expected + 1
	return tx, bal, nil
}

func checkWritable(b Balance) error {
	if b.Quarantined {
		return fmt.Errorf("%s: %w (%s)", b.Key(), ErrLedgerQuarantined, b.QuarantineReason)
	}
	return nil
}

// withRetry re-runs fn while it fails with a retryable conflict.
func (l *Ledger) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= l.maxRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = fn()
		if err == nil || !IsRetryable(err) {
			return err
		}
		metrics.LedgerConflict(op)
		log.WithError(err).WithFields(log.Fields{"op": op, "attempt": attempt + 1}).Debug("ledger write conflicted, retrying")
	}
	return err
}

// handleWriteError quarantines the key when the chain invariant was found broken.
func (l *Ledger) handleWriteError(ctx context.Context, key BalanceKey, op string, err error) {
	var chainErr *ChainError
	if !errors.As(err, &chainErr) {
		return
	}
	log.WithError(err).WithFields(log.Fields{
		"user":         key.UserID,
		"balance_type": key.BalanceType,
		"op":           op,
	}).Error("ledger invariant violated, quarantining balance")
	if qErr := l.quarantine(ctx, key, chainErr.Error()); qErr != nil {
		log.WithError(qErr).WithField("key", key.String()).Error("failed to quarantine balance")
	}
}

func (l *Ledger) quarantine(ctx context.Context, key BalanceKey, reason string) error {
	metrics.LedgerQuarantined()
	// The failing context may already be done; the flag must still land.
	ctx = context.WithoutCancel(ctx)
	return l.store.WithTx(ctx, func(w LedgerWriter) error {
		bal, err := w.GetBalance(ctx, key)
		if err != nil {
			return err
		}
		expected := bal.Version
		bal.Quarantined = true
		bal.QuarantineReason = reason
		bal.UpdatedAt = l.now()
		if err := w.SaveBalance(ctx, bal, expected); err != nil {
			return err
		}
		return w.AppendAudit(ctx, AuditEntry{
			ID:          l.newID(),
			Timestamp:   bal.UpdatedAt,
			ActorID:     SystemActor.ID,
			ActorRole:   SystemActor.Role,
			Action:      AuditQuarantine,
			UserID:      key.UserID,
			BalanceType: key.BalanceType,
			Reason:      reason,
		})
	})
}

func (l *Ledger) checkLowBalance(ctx context.Context, key BalanceKey, amount decimal.Decimal) {
	if l.threshold == nil || !amount.LessThan(*l.threshold) {
		return
	}
	log.WithFields(log.Fields{
		"user":         key.UserID,
		"balance_type": key.BalanceType,
		"balance":      amount.String(),
		"threshold":    l.threshold.String(),
	}).Info("balance below threshold")
	if l.notifier == nil {
		return
	}
	bal, err := l.store.GetBalance(ctx, key)
	if err != nil {
		return
	}
	l.notifier.LowBalance(ctx, bal, *l.threshold)
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrFrozenBalance):
		return "frozen"
	case errors.Is(err, ErrValidation):
		return "rejected"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrFatal):
		return "fatal"
	case errors.Is(err, ErrConflict):
		return "conflict"
	}
	return "error"
}

// =============================================================================
// FREEZE
// =============================================================================

// SetFrozen freezes or unfreezes a balance. Only deductions are gated.
func (l *Ledger) SetFrozen(ctx context.Context, user UserID, balanceType MealType, frozen bool, reason string, actor Actor) error {
	if !actor.CanMaintain() {
		return fmt.Errorf("%w: %s may not freeze balances", ErrForbidden, actor)
	}
	if !balanceType.Valid() {
		return &ValidationError{Field: "balance_type", Reason: fmt.Sprintf("unknown balance type %q", balanceType)}
	}
	key := BalanceKey{UserID: user, BalanceType: balanceType}

	unlock := l.locks.Lock(key)
	defer unlock()

	return l.withRetry(ctx, "freeze", func() error {
		return l.store.WithTx(ctx, func(w LedgerWriter) error {
			bal, err := w.GetBalance(ctx, key)
			if err != nil {
				return err
			}
			now := l.now()
			expected := bal.Version
			action := AuditUnfreeze
			if frozen {
				action = AuditFreeze
				bal.IsFrozen = true
				bal.FrozenAt = &now
				bal.FrozenBy = actor.ID
				bal.FrozenReason = reason
			} else {
				bal.IsFrozen = false
				bal.FrozenAt = nil
				bal.FrozenBy = ""
				bal.FrozenReason = ""
			}
			bal.UpdatedAt = now
			if err := w.SaveBalance(ctx, bal, expected); err != nil {
				return err
			}
			return w.AppendAudit(ctx, AuditEntry{
				ID:          l.newID(),
				Timestamp:   now,
				ActorID:     actor.ID,
				ActorRole:   actor.Role,
				Action:      action,
				UserID:      user,
				BalanceType: balanceType,
				Reason:      reason,
			})
		})
	})
}
