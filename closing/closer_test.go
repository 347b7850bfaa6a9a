package closing_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jfemon8/Meal-Management-sub002/closing"
	"github.com/jfemon8/Meal-Management-sub002/eligibility"
	"github.com/jfemon8/Meal-Management-sub002/generic"
	"github.com/jfemon8/Meal-Management-sub002/generic/store"
	"github.com/jfemon8/Meal-Management-sub002/rates"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	admin     = generic.Actor{ID: "ada", Role: generic.RoleAdmin}
	wednesday = generic.NewTimePoint(2026, time.March, 4)
	friday    = generic.NewTimePoint(2026, time.March, 6)
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	ledger *generic.Ledger
	rules  *store.Rules
	closer *closing.Closer
}

func newFixture(t *testing.T, users ...generic.UserID) *fixture {
	t.Helper()
	var mu sync.Mutex
	n := 0
	ids := func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("tx-%03d", n)
	}
	ledger := generic.NewLedger(store.NewMemory(), generic.WithIDGenerator(ids))
	rules := store.NewRules()
	resolver := eligibility.NewResolver(rules, eligibility.DefaultPolicy{OffWeekdays: []time.Weekday{time.Friday}})
	evaluator := rates.NewEvaluator(rules, nil, nil)
	closer := closing.NewCloser(ledger, resolver, evaluator, map[generic.MealType]decimal.Decimal{
		generic.MealLunch:  dec("100"),
		generic.MealDinner: dec("0"),
	})
	for _, u := range users {
		require.NoError(t, ledger.OpenAccount(context.Background(), u, admin))
	}
	return &fixture{ledger: ledger, rules: rules, closer: closer}
}

func (f *fixture) optOut(t *testing.T, user generic.UserID, date generic.TimePoint) {
	t.Helper()
	require.NoError(t, f.rules.CreateOverride(context.Background(), eligibility.Override{
		ID:         eligibility.OverrideID("off-" + string(user)),
		Scope:      eligibility.ScopeUser,
		TargetUser: user,
		Dates:      eligibility.SingleDate{Date: date},
		Meal:       generic.SelectLunch,
		Action:     eligibility.ForceOff,
		AuthorID:   string(user),
		AuthorRole: generic.RoleUser,
		Active:     true,
		CreatedAt:  time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC),
	}))
}

func (f *fixture) groupDiscount(t *testing.T) {
	t.Helper()
	floor := 2
	require.NoError(t, f.rules.CreateRateRule(context.Background(), &rates.RateRule{
		ID:         "group",
		Name:       "group discount",
		Active:     true,
		Condition:  rates.UserCount{Min: &floor},
		Adjustment: rates.Adjustment{Kind: rates.AdjustPercentage, Value: dec("-20"), AppliesTo: generic.SelectBoth},
	}))
}

func outcomes(r closing.Report) map[generic.UserID]closing.Outcome {
	out := make(map[generic.UserID]closing.Outcome, len(r.Lines))
	for _, l := range r.Lines {
		out[l.UserID] = l.Outcome
	}
	return out
}

func TestRun_ChargesEligibleUsersAtEvaluatedRate(t *testing.T) {
	ctx := context.Background()

	// GIVEN: three members, bob opted out of lunch, and a group discount
	f := newFixture(t, "alice", "bob", "carol")
	f.optOut(t, "bob", wednesday)
	f.groupDiscount(t)

	// WHEN: closing Wednesday's lunch
	report, err := f.closer.Run(ctx, wednesday, generic.MealLunch)

	// THEN: two users are charged 80 each and bob is untouched
	require.NoError(t, err)
	require.NoError(t, report.Err())
	assert.Equal(t, 3, report.Accounts)
	assert.Equal(t, 2, report.Eligible)
	assert.True(t, dec("80").Equal(report.Rate.FinalRate))
	assert.Equal(t, map[generic.UserID]closing.Outcome{
		"alice": closing.OutcomeCharged,
		"carol": closing.OutcomeCharged,
	}, outcomes(report))

	bal, err := f.ledger.GetBalance(ctx, "alice", generic.MealLunch)
	require.NoError(t, err)
	assert.True(t, dec("-80").Equal(bal.Amount))

	bob, err := f.ledger.GetBalance(ctx, "bob", generic.MealLunch)
	require.NoError(t, err)
	assert.True(t, bob.Amount.IsZero())

	txs, err := f.ledger.Transactions(ctx, "carol", generic.MealLunch)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, closing.Reference(wednesday, generic.MealLunch), txs[0].Reference)
	assert.Equal(t, closing.IdempotencyKey(wednesday, generic.MealLunch, "carol"), txs[0].IdempotencyKey)
}

func TestRun_SecondRunIsAlreadyClosed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice", "bob")

	_, err := f.closer.Run(ctx, wednesday, generic.MealLunch)
	require.NoError(t, err)

	// WHEN: the same meal is closed again
	report, err := f.closer.Run(ctx, wednesday, generic.MealLunch)

	// THEN: nothing is posted twice
	require.NoError(t, err)
	assert.Equal(t, 2, report.Count(closing.OutcomeAlreadyClosed))
	assert.Zero(t, report.Count(closing.OutcomeCharged))

	bal, err := f.ledger.GetBalance(ctx, "alice", generic.MealLunch)
	require.NoError(t, err)
	assert.True(t, dec("-100").Equal(bal.Amount))
}

func TestRun_FrozenBalanceIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice", "bob")
	require.NoError(t, f.ledger.SetFrozen(ctx, "bob", generic.MealLunch, true, "on leave", admin))

	report, err := f.closer.Run(ctx, wednesday, generic.MealLunch)

	require.NoError(t, err)
	assert.Equal(t, closing.OutcomeFrozen, outcomes(report)["bob"])
	assert.Equal(t, closing.OutcomeCharged, outcomes(report)["alice"])
	assert.NoError(t, report.Err())
}

func TestRun_OffDayChargesNobody(t *testing.T) {
	f := newFixture(t, "alice")

	report, err := f.closer.Run(context.Background(), friday, generic.MealLunch)

	require.NoError(t, err)
	assert.Zero(t, report.Eligible)
	assert.Empty(t, report.Lines)
}

func TestRun_ZeroRatePostsNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "alice")

	report, err := f.closer.Run(ctx, wednesday, generic.MealDinner)

	require.NoError(t, err)
	assert.Equal(t, closing.OutcomeFree, outcomes(report)["alice"])
	txs, err := f.ledger.Transactions(ctx, "alice", generic.MealDinner)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestRun_RejectsMealWithoutBaseRate(t *testing.T) {
	f := newFixture(t, "alice")

	_, err := f.closer.Run(context.Background(), wednesday, generic.MealBreakfast)
	assert.ErrorIs(t, err, generic.ErrValidation)

	_, err = f.closer.Run(context.Background(), wednesday, generic.MealType("brunch"))
	assert.ErrorIs(t, err, generic.ErrValidation)
}

func TestIdempotencyKeyFormat(t *testing.T) {
	assert.Equal(t, "close:2026-03-04:lunch:alice", closing.IdempotencyKey(wednesday, generic.MealLunch, "alice"))
	assert.Equal(t, "meal:2026-03-04:lunch", closing.Reference(wednesday, generic.MealLunch))
}
