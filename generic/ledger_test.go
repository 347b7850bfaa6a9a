/*
ledger_test.go - Behavior tests for posting, freezing and the chain invariant

Each test states the behavior in its name and walks through it with
GIVEN/WHEN/THEN comments. Maintenance (reverse, correct, reconcile) is covered
in maintenance_test.go.
*/
package generic_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jfemon8/Meal-Management-sub002/generic"
	"github.com/jfemon8/Meal-Management-sub002/generic/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST INFRASTRUCTURE
// =============================================================================

var (
	admin   = generic.Actor{ID: "admin-1", Role: generic.RoleAdmin}
	manager = generic.Actor{ID: "manager-1", Role: generic.RoleManager}
	member  = generic.Actor{ID: "u-1", Role: generic.RoleUser}
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// testClock hands out strictly increasing instants.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func sequentialIDs(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%03d", prefix, n)
	}
}

func newTestLedger(t *testing.T, opts ...generic.Option) (*generic.Ledger, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	clock := &testClock{now: time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]generic.Option{generic.WithClock(clock.Now), generic.WithIDGenerator(sequentialIDs("tx"))}, opts...)
	return generic.NewLedger(mem, opts...), mem
}

func openAccount(t *testing.T, l *generic.Ledger, user generic.UserID) {
	t.Helper()
	require.NoError(t, l.OpenAccount(context.Background(), user, admin))
}

func post(t *testing.T, l *generic.Ledger, user generic.UserID, bt generic.MealType, typ generic.TransactionType, amount string) generic.Transaction {
	t.Helper()
	tx, err := l.Post(context.Background(), generic.PostRequest{
		UserID:      user,
		BalanceType: bt,
		Type:        typ,
		Amount:      dec(amount),
		Actor:       admin,
	})
	require.NoError(t, err)
	return tx
}

func balanceOf(t *testing.T, l *generic.Ledger, user generic.UserID, bt generic.MealType) decimal.Decimal {
	t.Helper()
	b, err := l.GetBalance(context.Background(), user, bt)
	require.NoError(t, err)
	return b.Amount
}

// assertChain checks the chain invariant and that the stored balance equals
// the newest entry.
func assertChain(t *testing.T, l *generic.Ledger, user generic.UserID, bt generic.MealType) {
	t.Helper()
	report, err := l.VerifyChain(context.Background(), user, bt)
	require.NoError(t, err)
	assert.True(t, report.OK(), "chain breaks: %+v", report.Breaks)
	assert.True(t, report.StoredBalance.Equal(report.ChainBalance),
		"stored %s, chain head %s", report.StoredBalance, report.ChainBalance)
}

// =============================================================================
// POSTING
// =============================================================================

func TestPost_LinksChainAndUpdatesBalance(t *testing.T) {
	// GIVEN: a fresh account
	l, _ := newTestLedger(t)
	openAccount(t, l, "u-1")

	// WHEN: depositing 100 and deducting 30
	t1 := post(t, l, "u-1", generic.MealLunch, generic.TxDeposit, "100")
	t2 := post(t, l, "u-1", generic.MealLunch, generic.TxDeduction, "30")

	// THEN: entries link and the stored balance is the head
	assert.True(t, t1.PreviousBalance.IsZero())
	assert.True(t, t1.NewBalance.Equal(dec("100")))
	assert.True(t, t2.Amount.Equal(dec("-30")), "deductions are stored negative")
	assert.True(t, t2.PreviousBalance.Equal(t1.NewBalance))
	assert.True(t, t2.NewBalance.Equal(dec("70")))
	assert.True(t, balanceOf(t, l, "u-1", generic.MealLunch).Equal(dec("70")))
	assert.Greater(t, t2.Seq, t1.Seq)
	assertChain(t, l, "u-1", generic.MealLunch)

	// AND: other balance types are independent
	assert.True(t, balanceOf(t, l, "u-1", generic.MealDinner).IsZero())
}

func TestPost_RejectsInvalidAmounts(t *testing.T) {
	l, _ := newTestLedger(t)
	openAccount(t, l, "u-1")
	ctx := context.Background()

	cases := []struct {
		name   string
		typ    generic.TransactionType
		amount string
	}{
		{"zero deposit", generic.TxDeposit, "0"},
		{"zero adjustment", generic.TxAdjustment, "0"},
		{"negative deposit", generic.TxDeposit, "-5"},
		{"negative refund", generic.TxRefund, "-5"},
		{"negative deduction magnitude", generic.TxDeduction, "-5"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.Post(ctx, generic.PostRequest{
				UserID: "u-1", BalanceType: generic.MealLunch, Type: tc.typ, Amount: dec(tc.amount), Actor: admin,
			})
			require.Error(t, err)
			assert.ErrorIs(t, err, generic.ErrInvalidAmount)
			assert.True(t, generic.IsClientError(err))
		})
	}

	chain, err := l.Transactions(ctx, "u-1", generic.MealLunch)
	require.NoError(t, err)
	assert.Empty(t, chain, "rejected posts leave no trace")
}

func TestPost_ReversalTypeCannotBePostedDirectly(t *testing.T) {
	l, _ := newTestLedger(t)
	openAccount(t, l, "u-1")

	_, err := l.Post(context.Background(), generic.PostRequest{
		UserID: "u-1", BalanceType: generic.MealLunch, Type: generic.TxReversal, Amount: dec("10"), Actor: admin,
	})
	assert.ErrorIs(t, err, generic.ErrValidation)
}

func TestPost_NegativeAdjustmentAllowed(t *testing.T) {
	l, _ := newTestLedger(t)
	openAccount(t, l, "u-1")
	post(t, l, "u-1", generic.MealDinner, generic.TxDeposit, "50")

	tx := post(t, l, "u-1", generic.MealDinner, generic.TxAdjustment, "-12.5")

	assert.True(t, tx.Amount.Equal(dec("-12.5")))
	assert.True(t, balanceOf(t, l, "u-1", generic.MealDinner).Equal(dec("37.5")))
}

func TestPost_UnknownAccount(t *testing.T) {
	l, _ := newTestLedger(t)

	_, err := l.Post(context.Background(), generic.PostRequest{
		UserID: "ghost", BalanceType: generic.MealLunch, Type: generic.TxDeposit, Amount: dec("10"), Actor: admin,
	})
	assert.ErrorIs(t, err, generic.ErrAccountNotFound)
	assert.True(t, generic.IsNotFound(err))
}

func TestPost_UnknownBalanceType(t *testing.T) {
	l, _ := newTestLedger(t)
	openAccount(t, l, "u-1")

	_, err := l.Post(context.Background(), generic.PostRequest{
		UserID: "u-1", BalanceType: "supper", Type: generic.TxDeposit, Amount: dec("10"), Actor: admin,
	})
	assert.ErrorIs(t, err, generic.ErrValidation)
}

func TestPost_DuplicateIdempotencyKey(t *testing.T) {
	l, _ := newTestLedger(t)
	openAccount(t, l, "u-1")
	ctx := context.Background()
	post(t, l, "u-1", generic.MealLunch, generic.TxDeposit, "100")

	req := generic.PostRequest{
		UserID: "u-1", BalanceType: generic.MealLunch, Type: generic.TxDeduction,
		Amount: dec("40"), Actor: generic.SystemActor, IdempotencyKey: "close:2025-03-03:lunch:u-1",
	}
	_, err := l.Post(ctx, req)
	require.NoError(t, err)

	_, err = l.Post(ctx, req)
	assert.ErrorIs(t, err, generic.ErrDuplicateIdempotencyKey)
	assert.True(t, balanceOf(t, l, "u-1", generic.MealLunch).Equal(dec("60")), "duplicate must not charge twice")
	assertChain(t, l, "u-1", generic.MealLunch)
}

func TestOpenAccount_Twice(t *testing.T) {
	l, _ := newTestLedger(t)
	openAccount(t, l, "u-1")

	err := l.OpenAccount(context.Background(), "u-1", admin)
	assert.ErrorIs(t, err, generic.ErrConflict)

	acct, err := l.Account(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Len(t, acct.Balances, len(generic.MealTypes))
}

// =============================================================================
// FREEZE GATE
// =============================================================================

func TestFreeze_BlocksDeductionsOnly(t *testing.T) {
	// GIVEN: a funded lunch balance that is frozen
	l, _ := newTestLedger(t)
	openAccount(t, l, "u-1")
	ctx := context.Background()
	post(t, l, "u-1", generic.MealLunch, generic.TxDeposit, "100")
	require.NoError(t, l.SetFrozen(ctx, "u-1", generic.MealLunch, true, "disputed charges", manager))

	// WHEN: a deduction is posted
	_, err := l.Post(ctx, generic.PostRequest{
		UserID: "u-1", BalanceType: generic.MealLunch, Type: generic.TxDeduction, Amount: dec("30"), Actor: admin,
	})

	// THEN: it fails with FrozenBalance and carries the freeze details
	require.ErrorIs(t, err, generic.ErrFrozenBalance)
	var frozen *generic.FrozenBalanceError
	require.True(t, errors.As(err, &frozen))
	assert.Equal(t, "manager-1", frozen.FrozenBy)
	assert.Equal(t, "disputed charges", frozen.Reason)

	// AND: refunds, deposits and adjustments still go through
	post(t, l, "u-1", generic.MealLunch, generic.TxRefund, "10")
	post(t, l, "u-1", generic.MealLunch, generic.TxDeposit, "5")
	post(t, l, "u-1", generic.MealLunch, generic.TxAdjustment, "-1")
	assert.True(t, balanceOf(t, l, "u-1", generic.MealLunch).Equal(dec("114")))

	// AND: other balance types are not affected
	post(t, l, "u-1", generic.MealDinner, generic.TxDeposit, "10")
	post(t, l, "u-1", generic.MealDinner, generic.TxDeduction, "10")
}

func TestFreeze_MetadataAndUnfreeze(t *testing.T) {
	l, _ := newTestLedger(t)
	openAccount(t, l, "u-1")
	ctx := context.Background()

	require.NoError(t, l.SetFrozen(ctx, "u-1", generic.MealDinner, true, "left the mess", admin))
	b, err := l.GetBalance(ctx, "u-1", generic.MealDinner)
	require.NoError(t, err)
	assert.True(t, b.IsFrozen)
	meta := b.FreezeMeta()
	assert.Equal(t, "admin-1", meta.FrozenBy)
	assert.Equal(t, "left the mess", meta.Reason)
	require.NotNil(t, meta.FrozenAt)

	require.NoError(t, l.SetFrozen(ctx, "u-1", generic.MealDinner, false, "back", admin))
	b, err = l.GetBalance(ctx, "u-1", generic.MealDinner)
	require.NoError(t, err)
	assert.False(t, b.IsFrozen)
	assert.Nil(t, b.FrozenAt)

	post(t, l, "u-1", generic.MealDinner, generic.TxDeposit, "20")
	post(t, l, "u-1", generic.MealDinner, generic.TxDeduction, "20")

	trail, err := l.AuditTrail(ctx, generic.AuditFilter{Actions: []generic.AuditAction{generic.AuditFreeze, generic.AuditUnfreeze}})
	require.NoError(t, err)
	assert.Len(t, trail, 2)
}

func TestFreeze_RequiresManager(t *testing.T) {
	l, _ := newTestLedger(t)
	openAccount(t, l, "u-1")

	err := l.SetFrozen(context.Background(), "u-1", generic.MealLunch, true, "", member)
	assert.ErrorIs(t, err, generic.ErrForbidden)
}

// =============================================================================
// ATOMICITY AND CONCURRENCY
// =============================================================================

// failingStore makes every balance write inside WithTx fail after the
// transaction row was inserted.
type failingStore struct {
	*store.Memory
}

func (f failingStore) WithTx(ctx context.Context, fn func(generic.LedgerWriter) error) error {
	return f.Memory.WithTx(ctx, func(w generic.LedgerWriter) error {
		return fn(failingWriter{w})
	})
}

type failingWriter struct {
	generic.LedgerWriter
}

func (failingWriter) SaveBalance(context.Context, generic.Balance, int64) error {
	return errors.New("disk full")
}

func TestPost_BalanceWriteFailureLeavesNoTransaction(t *testing.T) {
	// GIVEN: a store whose balance write fails
	mem := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, generic.NewLedger(mem).OpenAccount(ctx, "u-1", admin))
	l := generic.NewLedger(failingStore{mem})

	// WHEN: posting
	_, err := l.Post(ctx, generic.PostRequest{
		UserID: "u-1", BalanceType: generic.MealLunch, Type: generic.TxDeposit, Amount: dec("10"), Actor: admin,
	})

	// THEN: the error surfaces and neither write is visible
	require.Error(t, err)
	chain, err := mem.Chain(ctx, generic.BalanceKey{UserID: "u-1", BalanceType: generic.MealLunch})
	require.NoError(t, err)
	assert.Empty(t, chain)
	b, err := mem.GetBalance(ctx, generic.BalanceKey{UserID: "u-1", BalanceType: generic.MealLunch})
	require.NoError(t, err)
	assert.True(t, b.Amount.IsZero())
}

func TestPost_CancelledContextLeavesNoState(t *testing.T) {
	l, _ := newTestLedger(t)
	openAccount(t, l, "u-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Post(ctx, generic.PostRequest{
		UserID: "u-1", BalanceType: generic.MealLunch, Type: generic.TxDeposit, Amount: dec("10"), Actor: admin,
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, balanceOf(t, l, "u-1", generic.MealLunch).IsZero())
}

func TestPost_ConcurrentWritersKeepChain(t *testing.T) {
	// GIVEN: two users with funded balances
	l, _ := newTestLedger(t)
	openAccount(t, l, "u-1")
	openAccount(t, l, "u-2")
	post(t, l, "u-1", generic.MealLunch, generic.TxDeposit, "1000")
	post(t, l, "u-2", generic.MealLunch, generic.TxDeposit, "1000")

	// WHEN: many goroutines post against both keys at once
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := generic.UserID("u-1")
			if i%2 == 1 {
				user = "u-2"
			}
			typ := generic.TxDeduction
			if i%5 == 0 {
				typ = generic.TxRefund
			}
			_, err := l.Post(context.Background(), generic.PostRequest{
				UserID: user, BalanceType: generic.MealLunch, Type: typ, Amount: dec("7"), Actor: generic.SystemActor,
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	// THEN: both chains are intact and balances match the net effect
	for _, u := range []generic.UserID{"u-1", "u-2"} {
		assertChain(t, l, u, generic.MealLunch)
		chain, err := l.Transactions(context.Background(), u, generic.MealLunch)
		require.NoError(t, err)
		assert.Len(t, chain, 21)
	}
	// u-1 gets i = 0,2,...,38: refunds at 0,10,20,30 (4), deductions 16
	assert.True(t, balanceOf(t, l, "u-1", generic.MealLunch).Equal(dec("916")))
	// u-2 gets i = 1,3,...,39: refunds at 5,15,25,35 (4), deductions 16
	assert.True(t, balanceOf(t, l, "u-2", generic.MealLunch).Equal(dec("916")))
}

// =============================================================================
// LOW BALANCE
// =============================================================================

type recordingNotifier struct {
	mu    sync.Mutex
	calls []generic.Balance
}

func (n *recordingNotifier) LowBalance(_ context.Context, b generic.Balance, _ decimal.Decimal) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, b)
}

func TestPost_LowBalanceNotification(t *testing.T) {
	n := &recordingNotifier{}
	l, _ := newTestLedger(t, generic.WithLowBalance(dec("50"), n))
	openAccount(t, l, "u-1")
	post(t, l, "u-1", generic.MealLunch, generic.TxDeposit, "100")

	post(t, l, "u-1", generic.MealLunch, generic.TxDeduction, "40")
	assert.Empty(t, n.calls, "60 is above the threshold")

	post(t, l, "u-1", generic.MealLunch, generic.TxDeduction, "20")
	require.Len(t, n.calls, 1)
	assert.True(t, n.calls[0].Amount.Equal(dec("40")))

	post(t, l, "u-1", generic.MealLunch, generic.TxDeposit, "1")
	assert.Len(t, n.calls, 1, "only deductions notify")
}
