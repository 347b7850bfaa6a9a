package generic_test

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/jfemon8/Meal-Management-sub002/generic"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// REVERSAL
// =============================================================================

func TestReverse_RestoresBalanceWithoutRewritingHistory(t *testing.T) {
	// GIVEN: user U with lunch balance 100
	l, _ := newTestLedger(t)
	openAccount(t, l, "U")
	ctx := context.Background()
	post(t, l, "U", generic.MealLunch, generic.TxDeposit, "100")

	// WHEN: a deduction of 30 is posted and then reversed
	t1 := post(t, l, "U", generic.MealLunch, generic.TxDeduction, "30")
	assert.True(t, t1.PreviousBalance.Equal(dec("100")))
	assert.True(t, t1.NewBalance.Equal(dec("70")))
	assert.True(t, balanceOf(t, l, "U", generic.MealLunch).Equal(dec("70")))

	t2, err := l.Reverse(ctx, t1.ID, "meal was cancelled", manager)
	require.NoError(t, err)

	// THEN: T2 credits +30 against the current balance, and T1 is flagged
	assert.Equal(t, generic.TxReversal, t2.Type)
	assert.True(t, t2.Amount.Equal(dec("30")))
	assert.Equal(t, t1.ID, t2.OriginalTransaction)
	assert.True(t, t2.PreviousBalance.Equal(dec("70")))
	assert.True(t, t2.NewBalance.Equal(dec("100")))
	assert.True(t, balanceOf(t, l, "U", generic.MealLunch).Equal(dec("100")))

	orig, err := l.GetTransaction(ctx, t1.ID)
	require.NoError(t, err)
	assert.True(t, orig.IsReversed)
	assert.Equal(t, t2.ID, orig.ReversalID)
	assert.NotNil(t, orig.ReversedAt)
	assert.True(t, orig.Amount.Equal(t1.Amount), "the original entry keeps its amount")
	assert.True(t, orig.NewBalance.Equal(t1.NewBalance))
	assertChain(t, l, "U", generic.MealLunch)
}

func TestReverse_TwiceFailsWithAlreadyReversed(t *testing.T) {
	l, _ := newTestLedger(t)
	openAccount(t, l, "u-1")
	ctx := context.Background()
	post(t, l, "u-1", generic.MealLunch, generic.TxDeposit, "50")
	tx := post(t, l, "u-1", generic.MealLunch, generic.TxDeduction, "20")

	_, err := l.Reverse(ctx, tx.ID, "first", admin)
	require.NoError(t, err)
	_, err = l.Reverse(ctx, tx.ID, "second", admin)

	assert.ErrorIs(t, err, generic.ErrAlreadyReversed)
	assert.True(t, generic.IsConflict(err))
	assert.True(t, balanceOf(t, l, "u-1", generic.MealLunch).Equal(dec("50")), "net effect of post + reversal is zero")
}

func TestReverse_ReversalEntryCannotBeReversed(t *testing.T) {
	l, _ := newTestLedger(t)
	openAccount(t, l, "u-1")
	ctx := context.Background()
	tx := post(t, l, "u-1", generic.MealLunch, generic.TxDeposit, "50")
	rev, err := l.Reverse(ctx, tx.ID, "", admin)
	require.NoError(t, err)

	_, err = l.Reverse(ctx, rev.ID, "", admin)
	assert.ErrorIs(t, err, generic.ErrConflict)
}

func TestReverse_UnknownAndForbidden(t *testing.T) {
	l, _ := newTestLedger(t)
	openAccount(t, l, "u-1")
	ctx := context.Background()
	tx := post(t, l, "u-1", generic.MealLunch, generic.TxDeposit, "50")

	_, err := l.Reverse(ctx, "missing", "", admin)
	assert.ErrorIs(t, err, generic.ErrTransactionNotFound)

	_, err = l.Reverse(ctx, tx.ID, "", member)
	assert.ErrorIs(t, err, generic.ErrForbidden)
}

func TestReverse_AllowedOnFrozenBalance(t *testing.T) {
	l, _ := newTestLedger(t)
	openAccount(t, l, "u-1")
	ctx := context.Background()
	post(t, l, "u-1", generic.MealLunch, generic.TxDeposit, "50")
	tx := post(t, l, "u-1", generic.MealLunch, generic.TxDeduction, "20")
	require.NoError(t, l.SetFrozen(ctx, "u-1", generic.MealLunch, true, "audit", admin))

	_, err := l.Reverse(ctx, tx.ID, "wrong charge", admin)
	require.NoError(t, err)
	assert.True(t, balanceOf(t, l, "u-1", generic.MealLunch).Equal(dec("50")))
}

// =============================================================================
// CORRECTION
// =============================================================================

func TestCorrect_ShiftsEveryLaterBalanceByTheDelta(t *testing.T) {
	// GIVEN: a chain of five entries
	l, _ := newTestLedger(t)
	openAccount(t, l, "u-1")
	ctx := context.Background()
	post(t, l, "u-1", generic.MealLunch, generic.TxDeposit, "200")
	post(t, l, "u-1", generic.MealLunch, generic.TxDeduction, "40")
	target := post(t, l, "u-1", generic.MealLunch, generic.TxDeduction, "30")
	post(t, l, "u-1", generic.MealLunch, generic.TxDeduction, "25")
	post(t, l, "u-1", generic.MealLunch, generic.TxRefund, "5")

	before, err := l.Transactions(ctx, "u-1", generic.MealLunch)
	require.NoError(t, err)

	// WHEN: the third entry is corrected from -30 to -45
	res, err := l.Correct(ctx, generic.CorrectionRequest{
		TransactionID:  target.ID,
		NewAmount:      dec("45"),
		NewDescription: "dinner guest added",
		Reason:         "entry error",
		Actor:          manager,
	})
	require.NoError(t, err)

	// THEN: the corrected entry keeps its original values
	assert.True(t, res.Updated.IsCorrected)
	assert.True(t, res.Updated.Amount.Equal(dec("-45")))
	require.NotNil(t, res.Updated.OriginalAmount)
	assert.True(t, res.Updated.OriginalAmount.Equal(dec("-30")))
	require.NotNil(t, res.Updated.OriginalDescription)
	assert.Equal(t, "", *res.Updated.OriginalDescription)
	assert.Equal(t, "dinner guest added", res.Updated.Description)
	assert.Equal(t, "manager-1", res.Updated.CorrectedBy)
	assert.Equal(t, "entry error", res.Updated.CorrectionReason)
	assert.Len(t, res.Recalculated, 2)

	after, err := l.Transactions(ctx, "u-1", generic.MealLunch)
	require.NoError(t, err)
	require.Len(t, after, len(before))

	delta := dec("-15")
	for i := range before {
		switch {
		case i < 2:
			assert.True(t, after[i].NewBalance.Equal(before[i].NewBalance), "entry %d before the correction is untouched", i)
			assert.True(t, after[i].PreviousBalance.Equal(before[i].PreviousBalance))
		default:
			assert.True(t, after[i].NewBalance.Equal(before[i].NewBalance.Add(delta)), "entry %d shifts by the delta", i)
		}
	}
	assert.True(t, balanceOf(t, l, "u-1", generic.MealLunch).Equal(dec("95")))
	assert.True(t, res.Balance.Equal(dec("95")))
	assertChain(t, l, "u-1", generic.MealLunch)
}

func TestCorrect_SecondCorrectionKeepsFirstOriginal(t *testing.T) {
	l, _ := newTestLedger(t)
	openAccount(t, l, "u-1")
	ctx := context.Background()
	tx := post(t, l, "u-1", generic.MealDinner, generic.TxDeposit, "100")

	_, err := l.Correct(ctx, generic.CorrectionRequest{TransactionID: tx.ID, NewAmount: dec("120"), Actor: admin})
	require.NoError(t, err)
	res, err := l.Correct(ctx, generic.CorrectionRequest{TransactionID: tx.ID, NewAmount: dec("110"), Actor: admin})
	require.NoError(t, err)

	assert.True(t, res.Updated.OriginalAmount.Equal(dec("100")))
	assert.True(t, balanceOf(t, l, "u-1", generic.MealDinner).Equal(dec("110")))
}

func TestCorrect_Rejections(t *testing.T) {
	l, _ := newTestLedger(t)
	openAccount(t, l, "u-1")
	ctx := context.Background()
	post(t, l, "u-1", generic.MealLunch, generic.TxDeposit, "100")
	ded := post(t, l, "u-1", generic.MealLunch, generic.TxDeduction, "10")
	rev, err := l.Reverse(ctx, ded.ID, "", admin)
	require.NoError(t, err)

	_, err = l.Correct(ctx, generic.CorrectionRequest{TransactionID: "missing", NewAmount: dec("1"), Actor: admin})
	assert.ErrorIs(t, err, generic.ErrTransactionNotFound)

	_, err = l.Correct(ctx, generic.CorrectionRequest{TransactionID: ded.ID, NewAmount: dec("5"), Actor: admin})
	assert.ErrorIs(t, err, generic.ErrConflict, "reversed entries are not corrected")

	_, err = l.Correct(ctx, generic.CorrectionRequest{TransactionID: rev.ID, NewAmount: dec("5"), Actor: admin})
	assert.ErrorIs(t, err, generic.ErrConflict, "reversal entries are not corrected")

	_, err = l.Correct(ctx, generic.CorrectionRequest{TransactionID: ded.ID, NewAmount: decimal.Zero, Actor: admin})
	assert.ErrorIs(t, err, generic.ErrInvalidAmount)

	_, err = l.Correct(ctx, generic.CorrectionRequest{TransactionID: ded.ID, NewAmount: dec("5"), Actor: member})
	assert.ErrorIs(t, err, generic.ErrForbidden)

	assertChain(t, l, "u-1", generic.MealLunch)
}

func TestCorrect_AuditEntry(t *testing.T) {
	l, _ := newTestLedger(t)
	openAccount(t, l, "u-1")
	ctx := context.Background()
	tx := post(t, l, "u-1", generic.MealLunch, generic.TxDeposit, "100")

	_, err := l.Correct(ctx, generic.CorrectionRequest{TransactionID: tx.ID, NewAmount: dec("90"), Reason: "typo", Actor: admin})
	require.NoError(t, err)

	id := tx.ID
	trail, err := l.AuditTrail(ctx, generic.AuditFilter{TransactionID: &id})
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, generic.AuditCorrection, trail[0].Action)
	assert.Equal(t, "100", trail[0].Payload["old_amount"])
	assert.Equal(t, "90", trail[0].Payload["new_amount"])
}

// =============================================================================
// CHAIN INTEGRITY UNDER MIXED OPERATIONS
// =============================================================================

func TestChainIntegrity_RandomSequence(t *testing.T) {
	// GIVEN: a deterministic random mix of posts, reversals and corrections
	l, _ := newTestLedger(t)
	openAccount(t, l, "u-1")
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	var posted []generic.Transaction
	for i := 0; i < 120; i++ {
		switch op := rng.Intn(10); {
		case op < 5:
			typ := []generic.TransactionType{generic.TxDeposit, generic.TxDeduction, generic.TxRefund, generic.TxAdjustment}[rng.Intn(4)]
			amt := decimal.NewFromInt(int64(rng.Intn(50) + 1))
			tx, err := l.Post(ctx, generic.PostRequest{UserID: "u-1", BalanceType: generic.MealLunch, Type: typ, Amount: amt, Actor: admin})
			require.NoError(t, err)
			posted = append(posted, tx)
		case op < 7 && len(posted) > 0:
			target := posted[rng.Intn(len(posted))]
			_, err := l.Reverse(ctx, target.ID, "random", admin)
			if err != nil {
				require.True(t, errors.Is(err, generic.ErrAlreadyReversed), "unexpected: %v", err)
			}
		case len(posted) > 0:
			target := posted[rng.Intn(len(posted))]
			_, err := l.Correct(ctx, generic.CorrectionRequest{
				TransactionID: target.ID, NewAmount: decimal.NewFromInt(int64(rng.Intn(40) + 1)), Actor: admin,
			})
			if err != nil {
				require.True(t, errors.Is(err, generic.ErrConflict), "unexpected: %v", err)
			}
		}
	}

	// THEN: the chain invariant holds throughout
	assertChain(t, l, "u-1", generic.MealLunch)
}

// =============================================================================
// QUARANTINE AND RECONCILE
// =============================================================================

func TestQuarantine_BrokenChainBlocksWritesUntilReconciled(t *testing.T) {
	// GIVEN: a balance whose stored amount was changed behind the ledger's back
	l, mem := newTestLedger(t)
	openAccount(t, l, "u-1")
	ctx := context.Background()
	post(t, l, "u-1", generic.MealLunch, generic.TxDeposit, "100")
	key := generic.BalanceKey{UserID: "u-1", BalanceType: generic.MealLunch}
	require.NoError(t, mem.WithTx(ctx, func(w generic.LedgerWriter) error {
		b, err := w.GetBalance(ctx, key)
		if err != nil {
			return err
		}
		v := b.Version
		b.Amount = dec("999")
		return w.SaveBalance(ctx, b, v)
	}))

	// WHEN: the next post runs
	_, err := l.Post(ctx, generic.PostRequest{UserID: "u-1", BalanceType: generic.MealLunch, Type: generic.TxDeduction, Amount: dec("10"), Actor: admin})

	// THEN: it fails fatally and the key is quarantined
	require.ErrorIs(t, err, generic.ErrFatal)
	var chainErr *generic.ChainError
	assert.True(t, errors.As(err, &chainErr))

	_, err = l.Post(ctx, generic.PostRequest{UserID: "u-1", BalanceType: generic.MealLunch, Type: generic.TxDeposit, Amount: dec("10"), Actor: admin})
	assert.ErrorIs(t, err, generic.ErrLedgerQuarantined)

	report, err := l.VerifyChain(ctx, "u-1", generic.MealLunch)
	require.NoError(t, err)
	assert.False(t, report.OK())
	assert.True(t, report.Quarantined)

	// AND: other balances keep working
	post(t, l, "u-1", generic.MealDinner, generic.TxDeposit, "10")

	// WHEN: an admin reconciles
	res, err := l.Reconcile(ctx, "u-1", generic.MealLunch, "manual fix", admin)
	require.NoError(t, err)

	// THEN: the balance follows the chain again and writes resume
	assert.True(t, res.Before.Equal(dec("999")))
	assert.True(t, res.After.Equal(dec("100")))
	post(t, l, "u-1", generic.MealLunch, generic.TxDeduction, "10")
	assert.True(t, balanceOf(t, l, "u-1", generic.MealLunch).Equal(dec("90")))
	assertChain(t, l, "u-1", generic.MealLunch)

	trail, err := l.AuditTrail(ctx, generic.AuditFilter{Actions: []generic.AuditAction{generic.AuditQuarantine, generic.AuditReconcile}})
	require.NoError(t, err)
	assert.Len(t, trail, 2)
}

func TestReconcile_RepairsDriftedEntries(t *testing.T) {
	l, mem := newTestLedger(t)
	openAccount(t, l, "u-1")
	ctx := context.Background()
	post(t, l, "u-1", generic.MealLunch, generic.TxDeposit, "100")
	mid := post(t, l, "u-1", generic.MealLunch, generic.TxDeduction, "30")
	post(t, l, "u-1", generic.MealLunch, generic.TxDeduction, "20")

	// Corrupt the middle entry's recorded balances.
	require.NoError(t, mem.WithTx(ctx, func(w generic.LedgerWriter) error {
		tx, err := w.GetTransaction(ctx, mid.ID)
		if err != nil {
			return err
		}
		tx.NewBalance = dec("1")
		return w.UpdateTransaction(ctx, tx)
	}))
	report, err := l.VerifyChain(ctx, "u-1", generic.MealLunch)
	require.NoError(t, err)
	assert.False(t, report.OK())

	res, err := l.Reconcile(ctx, "u-1", generic.MealLunch, "", manager)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Recalculated)
	assertChain(t, l, "u-1", generic.MealLunch)

	_, err = l.Reconcile(ctx, "u-1", generic.MealLunch, "", member)
	assert.ErrorIs(t, err, generic.ErrForbidden)
}

func TestCheckChain_ReportsEveryBreak(t *testing.T) {
	key := generic.BalanceKey{UserID: "u", BalanceType: generic.MealLunch}
	chain := []generic.Transaction{
		{ID: "a", Amount: dec("10"), PreviousBalance: dec("0"), NewBalance: dec("10")},
		{ID: "b", Amount: dec("5"), PreviousBalance: dec("11"), NewBalance: dec("16")},
		{ID: "c", Amount: dec("-6"), PreviousBalance: dec("16"), NewBalance: dec("9")},
	}

	report := generic.CheckChain(key, dec("9"), chain)

	require.Len(t, report.Breaks, 2)
	assert.Equal(t, generic.TransactionID("b"), report.Breaks[0].TransactionID)
	assert.Equal(t, generic.TransactionID("c"), report.Breaks[1].TransactionID)
	assert.True(t, report.ChainBalance.Equal(dec("9")))
}
