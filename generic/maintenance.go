/*
maintenance.go - Reversal, correction and chain recomputation

PURPOSE:
  Administrative repair of a balance chain. Reversal only appends; correction
  edits one entry in place and recomputes every later entry of the same
  chain; reconcile rebuilds a whole chain from zero and lifts quarantine.

REVERSAL vs CORRECTION:
  Reverse(T)   appends R with Amount = -T.Amount against the CURRENT balance
               and flags T.IsReversed. History is untouched.
  Correct(T)   rewrites T.Amount, keeps the first original amount and
               description, then walks forward:
                 prev = T.PreviousBalance
                 for each later entry E in Seq order:
                     E.PreviousBalance = prev
                     E.NewBalance      = prev + E.Amount
                     prev              = E.NewBalance
               and stores prev as the balance.

EXCLUSIVITY:
  Both run under the same per-key lock and store transaction as Post.
  A version mismatch on the final balance write means another writer got in;
  the whole recomputation is rolled back and retried, never partially kept.

AUTHORIZATION:
  The engine trusts the role it is given. Roles below manager are refused.

EXAMPLE:
  lunch chain: [+100 (0→100), -30 (100→70), -20 (70→50)]
  Correct(#2, 25): [+100 (0→100), -25 (100→75), -20 (75→55)], balance 55
*/
package generic

import (
	"context"
	"errors"
	"fmt"

	"github.com/jfemon8/Meal-Management-sub002/metrics"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// =============================================================================
// REVERSAL
// =============================================================================

// Reverse appends a reversal of id and flags the original as reversed.
//
// Fails with ErrTransactionNotFound, ErrAlreadyReversed, ErrConflict when the
// target is itself a reversal, and ErrForbidden for roles below manager.
func (l *Ledger) Reverse(ctx context.Context, id TransactionID, reason string, actor Actor) (Transaction, error) {
	if !actor.CanMaintain() {
		return Transaction{}, fmt.Errorf("%w: %s may not reverse transactions", ErrForbidden, actor)
	}
	target, err := l.store.GetTransaction(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	key := target.Key()

	unlock := l.locks.Lock(key)
	defer unlock()

	var reversal Transaction
	err = l.withRetry(ctx, "reverse", func() error {
		return l.store.WithTx(ctx, func(w LedgerWriter) error {
			orig, err := w.GetTransaction(ctx, id)
			if err != nil {
				return err
			}
			if orig.IsReversed {
				return fmt.Errorf("%s: %w", id, ErrAlreadyReversed)
			}
			if orig.Type == TxReversal {
				return fmt.Errorf("%w: %s is a reversal and cannot be reversed", ErrConflict, id)
			}
			bal, err := w.GetBalance(ctx, key)
			if err != nil {
				return err
			}
			if err := checkWritable(bal); err != nil {
				return err
			}

			tx, _, err := l.appendEntry(ctx, w, bal, Transaction{
				UserID:              orig.UserID,
				BalanceType:         orig.BalanceType,
				Type:                TxReversal,
				Amount:              orig.Amount.Neg(),
				PerformedBy:         actor.ID,
				Reference:           orig.Reference,
				Description:         reason,
				OriginalTransaction: orig.ID,
			})
			if err != nil {
				return err
			}

			at := tx.CreatedAt
			orig.IsReversed = true
			orig.ReversalID = tx.ID
			orig.ReversedAt = &at
			if err := w.UpdateTransaction(ctx, orig); err != nil {
				return err
			}
			reversal = tx
			return w.AppendAudit(ctx, AuditEntry{
				ID:            l.newID(),
				Timestamp:     at,
				ActorID:       actor.ID,
				ActorRole:     actor.Role,
				Action:        AuditReversal,
				UserID:        key.UserID,
				BalanceType:   key.BalanceType,
				TransactionID: orig.ID,
				Reason:        reason,
				Payload: map[string]string{
					"reversal_id": string(tx.ID),
					"amount":      tx.Amount.String(),
				},
			})
		})
	})
	if err != nil {
		l.handleWriteError(ctx, key, "reverse", err)
		metrics.LedgerPosting(string(TxReversal), resultLabel(err))
		return Transaction{}, err
	}
	metrics.LedgerPosting(string(TxReversal), "ok")
	return reversal, nil
}

// =============================================================================
// CORRECTION
// =============================================================================

// CorrectionRequest amends one transaction in place. NewAmount follows the
// same sign convention as Post for the transaction's type, so a deduction is
// corrected with a positive magnitude. An empty NewDescription keeps the
// current description.
type CorrectionRequest struct {
	TransactionID  TransactionID
	NewAmount      decimal.Decimal
	NewDescription string
	Reason         string
	Actor          Actor
}

// CorrectionResult holds the corrected entry and every later entry whose
// balances were recomputed, in chain order.
type CorrectionResult struct {
	Updated      Transaction
	Recalculated []Transaction
	Balance      decimal.Decimal
}

// Correct rewrites a transaction's amount and recomputes the rest of its chain.
//
// Fails with ErrTransactionNotFound, ErrConflict for reversed transactions and
// reversal entries, ErrRecalculationConflict when a concurrent write keeps
// winning, and ErrForbidden for roles below manager.
func (l *Ledger) Correct(ctx context.Context, req CorrectionRequest) (CorrectionResult, error) {
	if !req.Actor.CanMaintain() {
		return CorrectionResult{}, fmt.Errorf("%w: %s may not correct transactions", ErrForbidden, req.Actor)
	}
	target, err := l.store.GetTransaction(ctx, req.TransactionID)
	if err != nil {
		return CorrectionResult{}, err
	}
	if target.Type == TxReversal {
		return CorrectionResult{}, fmt.Errorf("%w: reversal %s cannot be corrected, reverse the original instead", ErrConflict, target.ID)
	}
	newAmount, err := signedAmount(target.Type, req.NewAmount)
	if err != nil {
		return CorrectionResult{}, err
	}
	key := target.Key()

	unlock := l.locks.Lock(key)
	defer unlock()

	var result CorrectionResult
	err = l.withRetry(ctx, "correct", func() error {
		return l.store.WithTx(ctx, func(w LedgerWriter) error {
			bal, err := w.GetBalance(ctx, key)
			if err != nil {
				return err
			}
			if err := checkWritable(bal); err != nil {
				return err
			}
			chain, err := w.Chain(ctx, key)
			if err != nil {
				return err
			}
			idx := indexOf(chain, req.TransactionID)
			if idx < 0 {
				return fmt.Errorf("%s: %w", req.TransactionID, ErrTransactionNotFound)
			}
			head := chain[len(chain)-1]
			if !head.NewBalance.Equal(bal.Amount) {
				return &ChainError{Key: key, At: head.ID, Expected: head.NewBalance, Actual: bal.Amount, Detail: "stored balance differs from chain head"}
			}

			tx := chain[idx]
			if tx.IsReversed {
				return fmt.Errorf("%w: %s was reversed and cannot be corrected", ErrConflict, tx.ID)
			}
			now := l.now()
			oldAmount := tx.Amount
			if tx.OriginalAmount == nil {
				orig := tx.Amount
				desc := tx.Description
				tx.OriginalAmount = &orig
				tx.OriginalDescription = &desc
			}
			tx.Amount = newAmount
			if req.NewDescription != "" {
				tx.Description = req.NewDescription
			}
			tx.IsCorrected = true
			tx.CorrectedBy = req.Actor.ID
			tx.CorrectedAt = &now
			tx.CorrectionReason = req.Reason
			tx.NewBalance = tx.PreviousBalance.Add(tx.Amount)
			if err := w.UpdateTransaction(ctx, tx); err != nil {
				return err
			}

			recalculated := make([]Transaction, 0, len(chain)-idx-1)
			running := tx.NewBalance
			for _, next := range chain[idx+1:] {
				next.PreviousBalance = running
				next.NewBalance = running.Add(next.Amount)
				running = next.NewBalance
				if err := w.UpdateTransaction(ctx, next); err != nil {
					return err
				}
				recalculated = append(recalculated, next)
			}

			// A post that slipped in after the chain was read would leave
			// a head we never recomputed.
			last, err := w.LastTransaction(ctx, key)
			if err != nil {
				return err
			}
			if last == nil || last.ID != head.ID {
				return fmt.Errorf("%s: %w", key, ErrRecalculationConflict)
			}

			expected := bal.Version
			bal.Amount = running
			bal.UpdatedAt = now
			if err := w.SaveBalance(ctx, bal, expected); err != nil {
				if errors.Is(err, ErrConcurrentModification) {
					return fmt.Errorf("%s: %w", key, ErrRecalculationConflict)
				}
				return err
			}

			result = CorrectionResult{Updated: tx, Recalculated: recalculated, Balance: running}
			return w.AppendAudit(ctx, AuditEntry{
				ID:            l.newID(),
				Timestamp:     now,
				ActorID:       req.Actor.ID,
				ActorRole:     req.Actor.Role,
				Action:        AuditCorrection,
				UserID:        key.UserID,
				BalanceType:   key.BalanceType,
				TransactionID: tx.ID,
				Reason:        req.Reason,
				Payload: map[string]string{
					"old_amount":   oldAmount.String(),
					"new_amount":   tx.Amount.String(),
					"recalculated": fmt.Sprint(len(recalculated)),
				},
			})
		})
	})
	if err != nil {
		l.handleWriteError(ctx, key, "correct", err)
		return CorrectionResult{}, err
	}
	metrics.LedgerRecalculated(len(result.Recalculated))
	log.WithFields(log.Fields{
		"transaction":  result.Updated.ID,
		"user":         key.UserID,
		"balance_type": key.BalanceType,
		"recalculated": len(result.Recalculated),
		"actor":        req.Actor.ID,
	}).Info("transaction corrected")
	return result, nil
}

func indexOf(chain []Transaction, id TransactionID) int {
	for i, tx := range chain {
		if tx.ID == id {
			return i
		}
	}
	return -1
}

// =============================================================================
// VERIFICATION AND RECONCILIATION
// =============================================================================

// ChainBreak is one place where the chain invariant does not hold.
type ChainBreak struct {
	Index         int
	TransactionID TransactionID
	Expected      decimal.Decimal
	Actual        decimal.Decimal
	Detail        string
}

// ChainReport is the result of scanning one chain.
type ChainReport struct {
	Key           BalanceKey
	Entries       int
	StoredBalance decimal.Decimal
	ChainBalance  decimal.Decimal
	Quarantined   bool
	Breaks        []ChainBreak
}

func (r ChainReport) OK() bool { return len(r.Breaks) == 0 }

// CheckChain scans a chain against the stored balance. Pure; shared with tests.
func CheckChain(key BalanceKey, stored decimal.Decimal, chain []Transaction) ChainReport {
	report := ChainReport{Key: key, Entries: len(chain), StoredBalance: stored, ChainBalance: decimal.Zero}
	prev := decimal.Zero
	for i, tx := range chain {
		if !tx.PreviousBalance.Equal(prev) {
			report.Breaks = append(report.Breaks, ChainBreak{
				Index: i, TransactionID: tx.ID, Expected: prev, Actual: tx.PreviousBalance,
				Detail: "previous balance does not link to the prior entry",
			})
		}
		if want := tx.PreviousBalance.Add(tx.Amount); !tx.NewBalance.Equal(want) {
			report.Breaks = append(report.Breaks, ChainBreak{
				Index: i, TransactionID: tx.ID, Expected: want, Actual: tx.NewBalance,
				Detail: "new balance is not previous balance plus amount",
			})
		}
		prev = tx.NewBalance
	}
	report.ChainBalance = prev
	if !stored.Equal(prev) {
		report.Breaks = append(report.Breaks, ChainBreak{
			Index: len(chain), Expected: prev, Actual: stored,
			Detail: "stored balance differs from chain head",
		})
	}
	return report
}

// VerifyChain reports every break in a balance chain. Read-only.
func (l *Ledger) VerifyChain(ctx context.Context, user UserID, balanceType MealType) (ChainReport, error) {
	key := BalanceKey{UserID: user, BalanceType: balanceType}
	bal, err := l.store.GetBalance(ctx, key)
	if err != nil {
		return ChainReport{}, err
	}
	chain, err := l.store.Chain(ctx, key)
	if err != nil {
		return ChainReport{}, err
	}
	report := CheckChain(key, bal.Amount, chain)
	report.Quarantined = bal.Quarantined
	return report, nil
}

// ReconcileResult summarizes a reconcile run.
type ReconcileResult struct {
	Key          BalanceKey
	Before       decimal.Decimal
	After        decimal.Decimal
	Recalculated int
}

// Reconcile rebuilds a chain from zero using each entry's amount, resets the
// stored balance to the rebuilt head, and lifts quarantine.
func (l *Ledger) Reconcile(ctx context.Context, user UserID, balanceType MealType, reason string, actor Actor) (ReconcileResult, error) {
	if !actor.CanMaintain() {
		return ReconcileResult{}, fmt.Errorf("%w: %s may not reconcile balances", ErrForbidden, actor)
	}
	if !balanceType.Valid() {
		return ReconcileResult{}, &ValidationError{Field: "balance_type", Reason: fmt.Sprintf("unknown balance type %q", balanceType)}
	}
	key := BalanceKey{UserID: user, BalanceType: balanceType}

	unlock := l.locks.Lock(key)
	defer unlock()

	var result ReconcileResult
	err := l.withRetry(ctx, "reconcile", func() error {
		return l.store.WithTx(ctx, func(w LedgerWriter) error {
			bal, err := w.GetBalance(ctx, key)
			if err != nil {
				return err
			}
			chain, err := w.Chain(ctx, key)
			if err != nil {
				return err
			}

			changed := 0
			running := decimal.Zero
			for _, tx := range chain {
				next := running.Add(tx.Amount)
				if !tx.PreviousBalance.Equal(running) || !tx.NewBalance.Equal(next) {
					tx.PreviousBalance = running
					tx.NewBalance = next
					if err := w.UpdateTransaction(ctx, tx); err != nil {
						return err
					}
					changed++
				}
				running = next
			}

			now := l.now()
			expected := bal.Version
			result = ReconcileResult{Key: key, Before: bal.Amount, After: running, Recalculated: changed}
			bal.Amount = running
			bal.Quarantined = false
			bal.QuarantineReason = ""
			bal.UpdatedAt = now
			if err := w.SaveBalance(ctx, bal, expected); err != nil {
				return err
			}
			return w.AppendAudit(ctx, AuditEntry{
				ID:          l.newID(),
				Timestamp:   now,
				ActorID:     actor.ID,
				ActorRole:   actor.Role,
				Action:      AuditReconcile,
				UserID:      user,
				BalanceType: balanceType,
				Reason:      reason,
				Payload: map[string]string{
					"before":       result.Before.String(),
					"after":        result.After.String(),
					"recalculated": fmt.Sprint(changed),
				},
			})
		})
	})
	if err != nil {
		return ReconcileResult{}, err
	}
	metrics.LedgerRecalculated(result.Recalculated)
	log.WithFields(log.Fields{
		"user":         user,
		"balance_type": balanceType,
		"before":       result.Before.String(),
		"after":        result.After.String(),
		"recalculated": result.Recalculated,
	}).Info("balance reconciled")
	return result, nil
}
