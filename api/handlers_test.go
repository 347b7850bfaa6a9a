/*
handlers_test.go - HTTP tests for API handlers

Tests for:
- Actor headers and role checks
- Ledger endpoints (open, post, freeze, reverse, verify) and error statuses
- Eligibility with overrides
- Rate rule management and rate resolution
- Manual closing run
*/
package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jfemon8/Meal-Management-sub002/api"
	"github.com/jfemon8/Meal-Management-sub002/config"
	"github.com/jfemon8/Meal-Management-sub002/factory"
	"github.com/jfemon8/Meal-Management-sub002/store/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type actor struct{ id, role string }

var (
	admin   = actor{"ada", "admin"}
	manager = actor{"max", "manager"}
	alice   = actor{"alice", "user"}
	nobody  = actor{}
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newServer(t *testing.T, opts ...api.HandlerOption) http.Handler {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.Policy.BaseRates = map[string]string{"lunch": "100", "dinner": "120"}
	h, err := api.NewHandler(store, cfg, opts...)
	require.NoError(t, err)
	return api.NewRouter(h, cfg.Server.AllowedOrigins)
}

func do(t *testing.T, srv http.Handler, as actor, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if as.id != "" {
		req.Header.Set(api.HeaderActorID, as.id)
		req.Header.Set(api.HeaderActorRole, as.role)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func openAccount(t *testing.T, srv http.Handler, user string) {
	t.Helper()
	rec := do(t, srv, admin, http.MethodPost, "/api/accounts", api.OpenAccountRequest{UserID: user})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func post(t *testing.T, srv http.Handler, req api.PostTransactionRequest) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, srv, manager, http.MethodPost, "/api/transactions", req)
}

func TestHealth(t *testing.T) {
	srv := newServer(t)

	rec := do(t, srv, nobody, http.MethodGet, "/healthz", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOpenAccount_RequiresMaintainer(t *testing.T) {
	srv := newServer(t)

	// WHEN: no actor headers are sent
	rec := do(t, srv, nobody, http.MethodPost, "/api/accounts", api.OpenAccountRequest{UserID: "alice"})
	// THEN: the request is invalid
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// WHEN: a plain user tries
	rec = do(t, srv, alice, http.MethodPost, "/api/accounts", api.OpenAccountRequest{UserID: "alice"})
	// THEN: forbidden
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// WHEN: an admin opens it
	rec = do(t, srv, admin, http.MethodPost, "/api/accounts", api.OpenAccountRequest{UserID: "alice"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	acct := decode[api.AccountDTO](t, rec)
	assert.Len(t, acct.Balances, 3)

	// WHEN: opened twice
	rec = do(t, srv, admin, http.MethodPost, "/api/accounts", api.OpenAccountRequest{UserID: "alice"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPostTransaction_UpdatesBalanceAndChain(t *testing.T) {
	// GIVEN: an open account
	srv := newServer(t)
	openAccount(t, srv, "alice")

	// WHEN: depositing 500 and deducting 120
	rec := post(t, srv, api.PostTransactionRequest{UserID: "alice", BalanceType: "lunch", Type: "deposit", Amount: dec("500")})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = post(t, srv, api.PostTransactionRequest{UserID: "alice", BalanceType: "lunch", Type: "deduction", Amount: dec("120")})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tx := decode[api.TransactionDTO](t, rec)

	// THEN: the deduction links to the deposit
	assert.True(t, dec("-120").Equal(tx.Amount))
	assert.True(t, dec("500").Equal(tx.PreviousBalance))
	assert.True(t, dec("380").Equal(tx.NewBalance))

	bal := decode[api.BalanceDTO](t, do(t, srv, nobody, http.MethodGet, "/api/users/alice/balances/lunch", nil))
	assert.True(t, dec("380").Equal(bal.Amount))

	list := decode[struct {
		Transactions []api.TransactionDTO `json:"transactions"`
	}](t, do(t, srv, nobody, http.MethodGet, "/api/users/alice/balances/lunch/transactions", nil))
	assert.Len(t, list.Transactions, 2)

	report := decode[api.ChainReportDTO](t, do(t, srv, nobody, http.MethodGet, "/api/users/alice/balances/lunch/verify", nil))
	assert.True(t, report.OK)
	assert.Equal(t, 2, report.Entries)
}

func TestPostTransaction_ErrorStatuses(t *testing.T) {
	srv := newServer(t)
	openAccount(t, srv, "alice")
	deposit := api.PostTransactionRequest{UserID: "alice", BalanceType: "lunch", Type: "deposit", Amount: dec("50"), IdempotencyKey: "dep-1"}
	require.Equal(t, http.StatusCreated, post(t, srv, deposit).Code)

	tests := []struct {
		name   string
		req    api.PostTransactionRequest
		status int
	}{
		{"duplicate idempotency key", deposit, http.StatusConflict},
		{"zero amount", api.PostTransactionRequest{UserID: "alice", BalanceType: "lunch", Type: "deposit", Amount: dec("0")}, http.StatusBadRequest},
		{"negative deposit", api.PostTransactionRequest{UserID: "alice", BalanceType: "lunch", Type: "deposit", Amount: dec("-5")}, http.StatusBadRequest},
		{"unknown balance type", api.PostTransactionRequest{UserID: "alice", BalanceType: "supper", Type: "deposit", Amount: dec("5")}, http.StatusBadRequest},
		{"unknown type", api.PostTransactionRequest{UserID: "alice", BalanceType: "lunch", Type: "gift", Amount: dec("5")}, http.StatusBadRequest},
		{"unknown account", api.PostTransactionRequest{UserID: "zed", BalanceType: "lunch", Type: "deposit", Amount: dec("5")}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(t, srv, tt.req)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestFreeze_BlocksDeductions(t *testing.T) {
	srv := newServer(t)
	openAccount(t, srv, "alice")

	// GIVEN: a frozen dinner balance
	rec := do(t, srv, manager, http.MethodPut, "/api/users/alice/balances/dinner/freeze", api.FreezeRequest{Frozen: true, Reason: "on leave"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	bal := decode[api.BalanceDTO](t, rec)
	assert.True(t, bal.IsFrozen)
	assert.Equal(t, "max", bal.FrozenBy)

	// WHEN: deducting
	rec = post(t, srv, api.PostTransactionRequest{UserID: "alice", BalanceType: "dinner", Type: "deduction", Amount: dec("10")})

	// THEN: locked, but deposits still go through
	assert.Equal(t, http.StatusLocked, rec.Code)
	rec = post(t, srv, api.PostTransactionRequest{UserID: "alice", BalanceType: "dinner", Type: "deposit", Amount: dec("10")})
	assert.Equal(t, http.StatusCreated, rec.Code)

	// WHEN: a plain user tries to unfreeze
	rec = do(t, srv, alice, http.MethodPut, "/api/users/alice/balances/dinner/freeze", api.FreezeRequest{Frozen: false})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestReverseTransaction(t *testing.T) {
	srv := newServer(t)
	openAccount(t, srv, "alice")
	tx := decode[api.TransactionDTO](t, post(t, srv, api.PostTransactionRequest{UserID: "alice", BalanceType: "lunch", Type: "deposit", Amount: dec("75")}))

	// WHEN: reversing the deposit
	rec := do(t, srv, admin, http.MethodPost, "/api/transactions/"+tx.ID+"/reverse", api.ReverseRequest{Reason: "duplicate"})

	// THEN: a reversal is appended and the original is marked
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rev := decode[api.TransactionDTO](t, rec)
	assert.Equal(t, "reversal", rev.Type)
	assert.True(t, dec("0").Equal(rev.NewBalance))

	orig := decode[api.TransactionDTO](t, do(t, srv, nobody, http.MethodGet, "/api/transactions/"+tx.ID, nil))
	assert.True(t, orig.IsReversed)
	assert.Equal(t, rev.ID, orig.ReversalID)

	// WHEN: reversing again
	rec = do(t, srv, admin, http.MethodPost, "/api/transactions/"+tx.ID+"/reverse", api.ReverseRequest{Reason: "again"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	audit := decode[struct {
		Entries []api.AuditEntryDTO `json:"entries"`
	}](t, do(t, srv, nobody, http.MethodGet, "/api/users/alice/audit", nil))
	assert.NotEmpty(t, audit.Entries)
}

func TestGetTransaction_NotFound(t *testing.T) {
	srv := newServer(t)

	rec := do(t, srv, nobody, http.MethodGet, "/api/transactions/missing", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotEmpty(t, decode[api.ErrorResponse](t, rec).Error)
}

func TestEligibility_UserOverride(t *testing.T) {
	srv := newServer(t)

	// GIVEN: Wednesday 2026-03-04 is on by default
	rec := do(t, srv, nobody, http.MethodGet, "/api/users/alice/eligibility?date=2026-03-04&meal=lunch", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[api.EligibilityDTO](t, rec).IsOn)

	// WHEN: alice turns her lunch off that day
	rec = do(t, srv, alice, http.MethodPost, "/api/overrides", factory.OverrideJSON{
		Scope:      "user",
		TargetUser: "alice",
		Dates:      factory.DateSpecJSON{Kind: "single", Date: "2026-03-04"},
		MealType:   "lunch",
		Action:     "force_off",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[factory.OverrideJSON](t, rec)

	// THEN: the decision cites her override
	d := decode[api.EligibilityDTO](t, do(t, srv, nobody, http.MethodGet, "/api/users/alice/eligibility?date=2026-03-04&meal=lunch", nil))
	assert.False(t, d.IsOn)
	assert.Equal(t, created.ID, d.OverrideID)
	assert.False(t, d.Default)

	// Friday is off by default
	d = decode[api.EligibilityDTO](t, do(t, srv, nobody, http.MethodGet, "/api/users/alice/eligibility?date=2026-03-06&meal=lunch", nil))
	assert.False(t, d.IsOn)
	assert.True(t, d.Default)
}

func TestCreateOverride_UserCannotTargetOthers(t *testing.T) {
	srv := newServer(t)

	rec := do(t, srv, alice, http.MethodPost, "/api/overrides", factory.OverrideJSON{
		Scope:    "all_users",
		Dates:    factory.DateSpecJSON{Kind: "single", Date: "2026-03-04"},
		MealType: "both",
		Action:   "force_off",
	})

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestEligibility_BadInput(t *testing.T) {
	srv := newServer(t)

	assert.Equal(t, http.StatusBadRequest, do(t, srv, nobody, http.MethodGet, "/api/users/alice/eligibility?date=04/03/2026&meal=lunch", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, nobody, http.MethodGet, "/api/users/alice/eligibility?date=2026-03-04&meal=brunch", nil).Code)
}

func TestRateRules_ManageAndResolve(t *testing.T) {
	srv := newServer(t)
	rule := factory.RateRuleJSON{
		Name:            "Weekday discount",
		Active:          true,
		ConditionType:   "day_of_week",
		ConditionParams: json.RawMessage(`{"days": ["wednesday"]}`),
		Adjustment:      factory.AdjustmentJSON{Type: "percentage", Value: dec("-10"), AppliesTo: "both"},
	}

	// WHEN: a user tries to create a rule
	assert.Equal(t, http.StatusForbidden, do(t, srv, alice, http.MethodPost, "/api/rate-rules", rule).Code)

	// WHEN: a manager creates it
	rec := do(t, srv, manager, http.MethodPost, "/api/rate-rules", rule)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[factory.RateRuleJSON](t, rec)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, 0, created.Position)

	// THEN: lunch on Wednesday costs 90
	res := decode[api.RateResultDTO](t, do(t, srv, nobody, http.MethodGet, "/api/rates/resolve?date=2026-03-04&meal=lunch", nil))
	assert.True(t, dec("100").Equal(res.BaseRate))
	assert.True(t, dec("90").Equal(res.FinalRate))
	require.Len(t, res.Applied, 1)
	assert.Equal(t, created.ID, res.Applied[0].RuleID)

	// and Thursday is untouched, with an explicit base rate
	res = decode[api.RateResultDTO](t, do(t, srv, nobody, http.MethodGet, "/api/rates/resolve?date=2026-03-05&meal=lunch&base_rate=40", nil))
	assert.True(t, dec("40").Equal(res.FinalRate))
	assert.Empty(t, res.Applied)

	// WHEN: the rule is deleted
	rec = do(t, srv, admin, http.MethodDelete, "/api/rate-rules/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// THEN: it is gone
	assert.Equal(t, http.StatusNotFound, do(t, srv, nobody, http.MethodGet, "/api/rate-rules/"+created.ID, nil).Code)
}

func TestResolveRate_MissingBaseRate(t *testing.T) {
	srv := newServer(t)

	rec := do(t, srv, nobody, http.MethodGet, "/api/rates/resolve?date=2026-03-04&meal=breakfast", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHolidays_TurnMealsOff(t *testing.T) {
	srv := newServer(t)

	rec := do(t, srv, admin, http.MethodPost, "/api/holidays", api.HolidayDTO{Date: "2026-03-26", Name: "Independence Day", Type: "public"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	d := decode[api.EligibilityDTO](t, do(t, srv, nobody, http.MethodGet, "/api/users/alice/eligibility?date=2026-03-26&meal=dinner", nil))
	assert.False(t, d.IsOn)

	list := decode[struct {
		Holidays []api.HolidayDTO `json:"holidays"`
	}](t, do(t, srv, nobody, http.MethodGet, "/api/holidays?from=2026-03-01&to=2026-03-31", nil))
	assert.Len(t, list.Holidays, 1)

	assert.Equal(t, http.StatusOK, do(t, srv, admin, http.MethodDelete, "/api/holidays/2026-03-26", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, srv, admin, http.MethodDelete, "/api/holidays/2026-03-26", nil).Code)
}

func TestRunClosing(t *testing.T) {
	srv := newServer(t)
	openAccount(t, srv, "alice")
	openAccount(t, srv, "bob")

	// WHEN: closing Wednesday's dinner
	rec := do(t, srv, manager, http.MethodPost, "/api/closing/run", api.ClosingRunRequest{Date: "2026-03-04", Meal: "dinner"})

	// THEN: both are charged the base rate
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[api.ClosingReportDTO](t, rec)
	assert.Equal(t, 2, report.Accounts)
	assert.Equal(t, 2, report.Eligible)
	for _, l := range report.Lines {
		assert.Equal(t, "charged", l.Outcome)
	}

	bal := decode[api.BalanceDTO](t, do(t, srv, nobody, http.MethodGet, "/api/users/bob/balances/dinner", nil))
	assert.True(t, dec("-120").Equal(bal.Amount))

	// WHEN: run again
	report = decode[api.ClosingReportDTO](t, do(t, srv, manager, http.MethodPost, "/api/closing/run", api.ClosingRunRequest{Date: "2026-03-04", Meal: "dinner"}))

	// THEN: nothing is charged twice
	for _, l := range report.Lines {
		assert.Equal(t, "already_closed", l.Outcome)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newServer(t)
	do(t, srv, nobody, http.MethodGet, "/healthz", nil)

	rec := do(t, srv, nobody, http.MethodGet, "/metrics", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDefaultDateIsLocalDay(t *testing.T) {
	// GIVEN: the server clock reads Thursday 21:30 at UTC-5
	srv := newServer(t, api.WithHandlerClock(fixedClock(eveningWestOfUTC)))
	openAccount(t, srv, "alice")

	// WHEN: eligibility is asked without a date
	d := decode[api.EligibilityDTO](t, do(t, srv, nobody, http.MethodGet, "/api/users/alice/eligibility?meal=dinner", nil))

	// THEN: it is resolved for the local day
	assert.Equal(t, "2026-10-15", d.Date)

	// WHEN: closing runs without a date
	rec := do(t, srv, manager, http.MethodPost, "/api/closing/run", api.ClosingRunRequest{Meal: "dinner"})

	// THEN: the local day is closed
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "2026-10-15", decode[api.ClosingReportDTO](t, rec).Date)
}
