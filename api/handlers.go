/*
handlers.go - HTTP API handlers for the meal engine

PURPOSE:
  Exposes eligibility resolution, rate evaluation, the ledger and the rule
  collections via REST. Handles HTTP request/response, JSON serialization,
  and delegates to domain logic.

ENDPOINTS:
  Resolution:
    GET    /api/users/{id}/eligibility?date=&meal=
    GET    /api/rates/resolve?date=&meal=&user_count=&base_rate=

  Ledger:
    POST   /api/accounts                                  Open account
    GET    /api/users/{id}/balances                       All balances
    GET    /api/users/{id}/balances/{type}                One balance
    PUT    /api/users/{id}/balances/{type}/freeze         Freeze / unfreeze
    GET    /api/users/{id}/balances/{type}/transactions   Chain
    GET    /api/users/{id}/balances/{type}/verify         Chain report
    POST   /api/users/{id}/balances/{type}/reconcile      Recalculate chain
    GET    /api/users/{id}/audit                          Audit trail
    POST   /api/transactions                              Post
    GET    /api/transactions/{id}
    POST   /api/transactions/{id}/reverse
    POST   /api/transactions/{id}/correct

  Rules:
    GET|POST   /api/overrides
    GET|DELETE /api/overrides/{id}
    PUT        /api/overrides/{id}/expiry
    GET|POST   /api/rate-rules
    GET|PUT|DELETE /api/rate-rules/{id}

  Calendar:
    GET|POST /api/holidays, DELETE /api/holidays/{date}
    GET|POST /api/events,   DELETE /api/events/{date}/{name}

  Closing:
    POST   /api/closing/run

ACTOR:
  Authentication is external. The caller's identity arrives in the
  X-Actor-ID and X-Actor-Role headers; writes without them are rejected.

ERROR HANDLING:
  Errors are returned as JSON with a status derived from the domain error:
  - 400: Validation errors, invalid input
  - 403: Role may not perform the action
  - 404: Resource not found
  - 409: Conflict (idempotency, already reversed, concurrent modification)
  - 423: Balance frozen
  - 500: Ledger invariant breach (balance quarantined) or internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jfemon8/Meal-Management-sub002/closing"
	"github.com/jfemon8/Meal-Management-sub002/config"
	"github.com/jfemon8/Meal-Management-sub002/eligibility"
	"github.com/jfemon8/Meal-Management-sub002/factory"
	"github.com/jfemon8/Meal-Management-sub002/generic"
	"github.com/jfemon8/Meal-Management-sub002/rates"
	"github.com/jfemon8/Meal-Management-sub002/store/sqlite"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     *sqlite.Store
	Ledger    *generic.Ledger
	Overrides *eligibility.Service
	Resolver  *eligibility.Resolver
	Evaluator *rates.Evaluator
	Closer    *closing.Closer
	Rules     *factory.RuleFactory

	baseRates map[generic.MealType]decimal.Decimal
	now       func() time.Time
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandlerClock replaces the clock used for default dates.
func WithHandlerClock(now func() time.Time) HandlerOption {
	return func(h *Handler) { h.now = now }
}

// NewHandler wires the domain services on top of store according to cfg.
func NewHandler(store *sqlite.Store, cfg config.Config, opts ...HandlerOption) (*Handler, error) {
	baseRates, err := cfg.BaseRates()
	if err != nil {
		return nil, err
	}
	offDays, err := cfg.OffWeekdays()
	if err != nil {
		return nil, err
	}
	threshold, err := cfg.LowBalanceThreshold()
	if err != nil {
		return nil, err
	}

	ledgerOpts := []generic.Option{generic.WithMaxRetries(cfg.Ledger.MaxRetries)}
	if threshold != nil {
		ledgerOpts = append(ledgerOpts, generic.WithLowBalance(*threshold, nil))
	}
	ledger := generic.NewLedger(store, ledgerOpts...)

	resolver := eligibility.NewResolver(store, eligibility.DefaultPolicy{
		OffWeekdays: offDays,
		HolidaysOff: cfg.Policy.HolidaysOff,
		Calendar:    store,
	}, eligibility.WithTieBreak(cfg.TieBreak()))
	evaluator := rates.NewEvaluator(store, store, store)

	h := &Handler{
		Store:     store,
		Ledger:    ledger,
		Overrides: eligibility.NewService(store),
		Resolver:  resolver,
		Evaluator: evaluator,
		Closer:    closing.NewCloser(ledger, resolver, evaluator, baseRates),
		Rules:     factory.NewRuleFactory(),
		baseRates: baseRates,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// =============================================================================
// RESOLUTION HANDLERS
// =============================================================================

// GetEligibility resolves one user's meal for a date.
// GET /api/users/{id}/eligibility?date=YYYY-MM-DD&meal=lunch
func (h *Handler) GetEligibility(w http.ResponseWriter, r *http.Request) {
	user := generic.UserID(chi.URLParam(r, "id"))
	date, err := h.queryDate(r)
	if err != nil {
		writeDomainError(w, "Invalid date", err)
		return
	}
	meal, err := generic.ParseMealType(r.URL.Query().Get("meal"))
	if err != nil {
		writeDomainError(w, "Invalid meal", err)
		return
	}

	d, err := h.Resolver.Resolve(r.Context(), user, date, meal)
	if err != nil {
		writeDomainError(w, "Failed to resolve eligibility", err)
		return
	}
	writeJSON(w, http.StatusOK, toEligibilityDTO(user, date, meal, d))
}

// ResolveRate prices a meal. base_rate defaults to the configured rate.
// GET /api/rates/resolve?date=&meal=&user_count=&base_rate=
func (h *Handler) ResolveRate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	date, err := h.queryDate(r)
	if err != nil {
		writeDomainError(w, "Invalid date", err)
		return
	}
	meal, err := generic.ParseMealType(q.Get("meal"))
	if err != nil {
		writeDomainError(w, "Invalid meal", err)
		return
	}
	count := 0
	if raw := q.Get("user_count"); raw != "" {
		if count, err = strconv.Atoi(raw); err != nil {
			writeDomainError(w, "Invalid user_count", &generic.ValidationError{Field: "user_count", Reason: "not an integer"})
			return
		}
	}
	base, ok := h.baseRates[meal]
	if raw := q.Get("base_rate"); raw != "" {
		if base, err = generic.ParseAmount("base_rate", raw); err != nil {
			writeDomainError(w, "Invalid base_rate", err)
			return
		}
	} else if !ok {
		writeDomainError(w, "Missing base_rate", &generic.ValidationError{Field: "base_rate", Reason: fmt.Sprintf("no base rate configured for %s", meal)})
		return
	}

	query := rates.Query{BaseRate: base, Date: date, Meal: meal, UserCount: count}
	res, err := h.Evaluator.Evaluate(r.Context(), query)
	if err != nil {
		writeDomainError(w, "Failed to evaluate rate", err)
		return
	}
	writeJSON(w, http.StatusOK, toRateResultDTO(query, res))
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// OpenAccount creates zero balances for every meal type.
// POST /api/accounts
func (h *Handler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	actor, err := maintainer(r)
	if err != nil {
		writeDomainError(w, "Not allowed to open accounts", err)
		return
	}
	var req OpenAccountRequest
	if err := decodeBody(r, &req); err != nil {
		writeDomainError(w, "Invalid request body", err)
		return
	}
	user := generic.UserID(strings.TrimSpace(req.UserID))
	if err := h.Ledger.OpenAccount(r.Context(), user, actor); err != nil {
		writeDomainError(w, "Failed to open account", err)
		return
	}
	h.writeAccount(w, r, user, http.StatusCreated)
}

// GetAccount returns every balance of a user.
// GET /api/users/{id}/balances
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	h.writeAccount(w, r, generic.UserID(chi.URLParam(r, "id")), http.StatusOK)
}

func (h *Handler) writeAccount(w http.ResponseWriter, r *http.Request, user generic.UserID, status int) {
	acct, err := h.Ledger.Account(r.Context(), user)
	if err != nil {
		writeDomainError(w, "Failed to load account", err)
		return
	}
	dto := AccountDTO{UserID: string(user)}
	for _, m := range generic.MealTypes {
		dto.Balances = append(dto.Balances, toBalanceDTO(acct.Balances[m]))
	}
	writeJSON(w, status, dto)
}

// GetBalance returns amount, freeze state and freeze metadata.
// GET /api/users/{id}/balances/{type}
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	user, bt, err := balanceParams(r)
	if err != nil {
		writeDomainError(w, "Invalid balance type", err)
		return
	}
	bal, err := h.Ledger.GetBalance(r.Context(), user, bt)
	if err != nil {
		writeDomainError(w, "Failed to load balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(bal))
}

// SetFrozen freezes or unfreezes a balance.
// PUT /api/users/{id}/balances/{type}/freeze
func (h *Handler) SetFrozen(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeDomainError(w, "Missing actor", err)
		return
	}
	user, bt, err := balanceParams(r)
	if err != nil {
		writeDomainError(w, "Invalid balance type", err)
		return
	}
	var req FreezeRequest
	if err := decodeBody(r, &req); err != nil {
		writeDomainError(w, "Invalid request body", err)
		return
	}
	if err := h.Ledger.SetFrozen(r.Context(), user, bt, req.Frozen, req.Reason, actor); err != nil {
		writeDomainError(w, "Failed to update freeze state", err)
		return
	}
	bal, err := h.Ledger.GetBalance(r.Context(), user, bt)
	if err != nil {
		writeDomainError(w, "Failed to load balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(bal))
}

// GetTransactions returns the chain in creation order.
// GET /api/users/{id}/balances/{type}/transactions
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	user, bt, err := balanceParams(r)
	if err != nil {
		writeDomainError(w, "Invalid balance type", err)
		return
	}
	txs, err := h.Ledger.Transactions(r.Context(), user, bt)
	if err != nil {
		writeDomainError(w, "Failed to load transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": toTransactionDTOs(txs)})
}

// VerifyChain reports every break in a balance chain.
// GET /api/users/{id}/balances/{type}/verify
func (h *Handler) VerifyChain(w http.ResponseWriter, r *http.Request) {
	user, bt, err := balanceParams(r)
	if err != nil {
		writeDomainError(w, "Invalid balance type", err)
		return
	}
	report, err := h.Ledger.VerifyChain(r.Context(), user, bt)
	if err != nil {
		writeDomainError(w, "Failed to verify chain", err)
		return
	}
	writeJSON(w, http.StatusOK, toChainReportDTO(report))
}

// Reconcile recomputes a chain from zero and lifts quarantine.
// POST /api/users/{id}/balances/{type}/reconcile
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeDomainError(w, "Missing actor", err)
		return
	}
	user, bt, err := balanceParams(r)
	if err != nil {
		writeDomainError(w, "Invalid balance type", err)
		return
	}
	var req ReconcileRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		writeDomainError(w, "Invalid request body", err)
		return
	}
	res, err := h.Ledger.Reconcile(r.Context(), user, bt, req.Reason, actor)
	if err != nil {
		writeDomainError(w, "Failed to reconcile", err)
		return
	}
	writeJSON(w, http.StatusOK, ReconcileDTO{
		UserID:       string(res.Key.UserID),
		BalanceType:  string(res.Key.BalanceType),
		Before:       res.Before,
		After:        res.After,
		Recalculated: res.Recalculated,
	})
}

// GetAuditTrail lists maintenance actions on a user's balances.
// GET /api/users/{id}/audit?limit=
func (h *Handler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	user := generic.UserID(chi.URLParam(r, "id"))
	filter := generic.AuditFilter{UserID: &user}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeDomainError(w, "Invalid limit", &generic.ValidationError{Field: "limit", Reason: "must be a non-negative integer"})
			return
		}
		filter.Limit = n
	}
	entries, err := h.Ledger.AuditTrail(r.Context(), filter)
	if err != nil {
		writeDomainError(w, "Failed to load audit trail", err)
		return
	}
	dtos := make([]AuditEntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, toAuditEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": dtos})
}

// PostTransaction records a transaction and updates the balance.
// POST /api/transactions
func (h *Handler) PostTransaction(w http.ResponseWriter, r *http.Request) {
	actor, err := maintainer(r)
	if err != nil {
		writeDomainError(w, "Not allowed to post transactions", err)
		return
	}
	var req PostTransactionRequest
	if err := decodeBody(r, &req); err != nil {
		writeDomainError(w, "Invalid request body", err)
		return
	}
	bt, err := generic.ParseMealType(req.BalanceType)
	if err != nil {
		writeDomainError(w, "Invalid balance type", err)
		return
	}
	typ, err := generic.ParseTransactionType(req.Type)
	if err != nil {
		writeDomainError(w, "Invalid transaction type", err)
		return
	}

	tx, err := h.Ledger.Post(r.Context(), generic.PostRequest{
		UserID:         generic.UserID(req.UserID),
		BalanceType:    bt,
		Type:           typ,
		Amount:         req.Amount,
		Actor:          actor,
		Reference:      req.Reference,
		Description:    req.Description,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeDomainError(w, "Failed to post transaction", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// GetTransaction returns one transaction by id.
// GET /api/transactions/{id}
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Ledger.GetTransaction(r.Context(), generic.TransactionID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to load transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(tx))
}

// ReverseTransaction appends a reversal of the transaction.
// POST /api/transactions/{id}/reverse
func (h *Handler) ReverseTransaction(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeDomainError(w, "Missing actor", err)
		return
	}
	var req ReverseRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		writeDomainError(w, "Invalid request body", err)
		return
	}
	rev, err := h.Ledger.Reverse(r.Context(), generic.TransactionID(chi.URLParam(r, "id")), req.Reason, actor)
	if err != nil {
		writeDomainError(w, "Failed to reverse transaction", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(rev))
}

// CorrectTransaction rewrites an amount and recomputes the rest of the chain.
// POST /api/transactions/{id}/correct
func (h *Handler) CorrectTransaction(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeDomainError(w, "Missing actor", err)
		return
	}
	var req CorrectRequest
	if err := decodeBody(r, &req); err != nil {
		writeDomainError(w, "Invalid request body", err)
		return
	}
	res, err := h.Ledger.Correct(r.Context(), generic.CorrectionRequest{
		TransactionID:  generic.TransactionID(chi.URLParam(r, "id")),
		NewAmount:      req.NewAmount,
		NewDescription: req.NewDescription,
		Reason:         req.Reason,
		Actor:          actor,
	})
	if err != nil {
		writeDomainError(w, "Failed to correct transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, CorrectionDTO{
		Updated:      toTransactionDTO(res.Updated),
		Recalculated: toTransactionDTOs(res.Recalculated),
		Balance:      res.Balance,
	})
}

// =============================================================================
// OVERRIDE HANDLERS
// =============================================================================

// ListOverrides lists overrides. Filters: user, scope, active, date.
// GET /api/overrides
func (h *Handler) ListOverrides(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter eligibility.Filter
	if u := q.Get("user"); u != "" {
		user := generic.UserID(u)
		filter.UserID = &user
	}
	if s := q.Get("scope"); s != "" {
		scope, err := eligibility.ParseScope(s)
		if err != nil {
			writeDomainError(w, "Invalid scope", err)
			return
		}
		filter.Scope = &scope
	}
	if d := q.Get("date"); d != "" {
		date, err := parseDateParam("date", d)
		if err != nil {
			writeDomainError(w, "Invalid date", err)
			return
		}
		filter.Date = &date
	}
	filter.ActiveOnly = q.Get("active") == "true"

	list, err := h.Overrides.List(r.Context(), filter)
	if err != nil {
		writeDomainError(w, "Failed to list overrides", err)
		return
	}
	out := make([]factory.OverrideJSON, 0, len(list))
	for _, o := range list {
		out = append(out, h.Rules.OverrideToJSON(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{"overrides": out})
}

// CreateOverride stores an override authored by the calling actor.
// POST /api/overrides
func (h *Handler) CreateOverride(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeDomainError(w, "Missing actor", err)
		return
	}
	var body factory.OverrideJSON
	if err := decodeBody(r, &body); err != nil {
		writeDomainError(w, "Invalid request body", err)
		return
	}
	req, err := h.Rules.OverrideFromJSON(body)
	if err != nil {
		writeDomainError(w, "Invalid override", err)
		return
	}
	o, err := h.Overrides.Create(r.Context(), req, actor)
	if err != nil {
		writeDomainError(w, "Failed to create override", err)
		return
	}
	writeJSON(w, http.StatusCreated, h.Rules.OverrideToJSON(o))
}

// GetOverride returns one override.
// GET /api/overrides/{id}
func (h *Handler) GetOverride(w http.ResponseWriter, r *http.Request) {
	o, err := h.Overrides.Get(r.Context(), eligibility.OverrideID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to load override", err)
		return
	}
	writeJSON(w, http.StatusOK, h.Rules.OverrideToJSON(o))
}

// RevokeOverride deactivates an override.
// DELETE /api/overrides/{id}
func (h *Handler) RevokeOverride(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeDomainError(w, "Missing actor", err)
		return
	}
	if err := h.Overrides.Revoke(r.Context(), eligibility.OverrideID(chi.URLParam(r, "id")), actor); err != nil {
		writeDomainError(w, "Failed to revoke override", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked"})
}

// SetOverrideExpiry changes when an override stops applying.
// PUT /api/overrides/{id}/expiry
func (h *Handler) SetOverrideExpiry(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeDomainError(w, "Missing actor", err)
		return
	}
	var req SetExpiryRequest
	if err := decodeBody(r, &req); err != nil {
		writeDomainError(w, "Invalid request body", err)
		return
	}
	id := eligibility.OverrideID(chi.URLParam(r, "id"))
	if err := h.Overrides.SetExpiry(r.Context(), id, req.Expiry, actor); err != nil {
		writeDomainError(w, "Failed to set expiry", err)
		return
	}
	o, err := h.Overrides.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to load override", err)
		return
	}
	writeJSON(w, http.StatusOK, h.Rules.OverrideToJSON(o))
}

// =============================================================================
// RATE RULE HANDLERS
// =============================================================================

// ListRateRules returns every rule in list order.
// GET /api/rate-rules
func (h *Handler) ListRateRules(w http.ResponseWriter, r *http.Request) {
	list, err := h.Store.ListRateRules(r.Context())
	if err != nil {
		writeDomainError(w, "Failed to list rate rules", err)
		return
	}
	out := make([]factory.RateRuleJSON, 0, len(list))
	for _, rule := range list {
		rj, err := h.Rules.RateRuleToJSON(rule)
		if err != nil {
			log.WithError(err).WithField("rule", rule.ID).Warn("Rate rule not representable")
			continue
		}
		out = append(out, rj)
	}
	writeJSON(w, http.StatusOK, map[string]any{"rate_rules": out})
}

// CreateRateRule appends a rule to the list.
// POST /api/rate-rules
func (h *Handler) CreateRateRule(w http.ResponseWriter, r *http.Request) {
	if _, err := maintainer(r); err != nil {
		writeDomainError(w, "Not allowed to manage rate rules", err)
		return
	}
	var body factory.RateRuleJSON
	if err := decodeBody(r, &body); err != nil {
		writeDomainError(w, "Invalid request body", err)
		return
	}
	rule, err := h.Rules.RateRuleFromJSON(body)
	if err != nil {
		writeDomainError(w, "Invalid rate rule", err)
		return
	}
	now := h.now()
	rule.ID = rates.RuleID(uuid.NewString())
	rule.CreatedAt, rule.UpdatedAt = now, now
	if err := h.Store.CreateRateRule(r.Context(), &rule); err != nil {
		writeDomainError(w, "Failed to create rate rule", err)
		return
	}
	h.writeRateRule(w, rule, http.StatusCreated)
}

// GetRateRule returns one rule.
// GET /api/rate-rules/{id}
func (h *Handler) GetRateRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.Store.GetRateRule(r.Context(), rates.RuleID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to load rate rule", err)
		return
	}
	h.writeRateRule(w, rule, http.StatusOK)
}

// UpdateRateRule replaces a rule in place; its list position is kept.
// PUT /api/rate-rules/{id}
func (h *Handler) UpdateRateRule(w http.ResponseWriter, r *http.Request) {
	if _, err := maintainer(r); err != nil {
		writeDomainError(w, "Not allowed to manage rate rules", err)
		return
	}
	id := rates.RuleID(chi.URLParam(r, "id"))
	existing, err := h.Store.GetRateRule(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to load rate rule", err)
		return
	}
	var body factory.RateRuleJSON
	if err := decodeBody(r, &body); err != nil {
		writeDomainError(w, "Invalid request body", err)
		return
	}
	rule, err := h.Rules.RateRuleFromJSON(body)
	if err != nil {
		writeDomainError(w, "Invalid rate rule", err)
		return
	}
	rule.ID = id
	rule.Position = existing.Position
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = h.now()
	if err := h.Store.UpdateRateRule(r.Context(), rule); err != nil {
		writeDomainError(w, "Failed to update rate rule", err)
		return
	}
	h.writeRateRule(w, rule, http.StatusOK)
}

// DeleteRateRule removes a rule and closes the gap in positions.
// DELETE /api/rate-rules/{id}
func (h *Handler) DeleteRateRule(w http.ResponseWriter, r *http.Request) {
	if _, err := maintainer(r); err != nil {
		writeDomainError(w, "Not allowed to manage rate rules", err)
		return
	}
	if err := h.Store.DeleteRateRule(r.Context(), rates.RuleID(chi.URLParam(r, "id"))); err != nil {
		writeDomainError(w, "Failed to delete rate rule", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

func (h *Handler) writeRateRule(w http.ResponseWriter, rule rates.RateRule, status int) {
	rj, err := h.Rules.RateRuleToJSON(rule)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Rate rule not representable", err)
		return
	}
	writeJSON(w, status, rj)
}

// =============================================================================
// HOLIDAY AND EVENT ENDPOINTS
// =============================================================================

// ListHolidays returns holidays, optionally between from and to.
// GET /api/holidays?from=&to=
func (h *Handler) ListHolidays(w http.ResponseWriter, r *http.Request) {
	var from, to *generic.TimePoint
	for name, target := range map[string]**generic.TimePoint{"from": &from, "to": &to} {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			continue
		}
		d, err := parseDateParam(name, raw)
		if err != nil {
			writeDomainError(w, "Invalid date", err)
			return
		}
		*target = &d
	}
	holidays, err := h.Store.ListHolidays(r.Context(), from, to)
	if err != nil {
		writeDomainError(w, "Failed to get holidays", err)
		return
	}
	dtos := make([]HolidayDTO, 0, len(holidays))
	for _, hol := range holidays {
		dtos = append(dtos, toHolidayDTO(hol))
	}
	writeJSON(w, http.StatusOK, map[string]any{"holidays": dtos})
}

// CreateHoliday creates or replaces the holiday on a date.
// POST /api/holidays
func (h *Handler) CreateHoliday(w http.ResponseWriter, r *http.Request) {
	if _, err := maintainer(r); err != nil {
		writeDomainError(w, "Not allowed to manage holidays", err)
		return
	}
	var req HolidayDTO
	if err := decodeBody(r, &req); err != nil {
		writeDomainError(w, "Invalid request body", err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeDomainError(w, "Name is required", &generic.ValidationError{Field: "name", Reason: "required"})
		return
	}
	date, err := parseDateParam("date", req.Date)
	if err != nil {
		writeDomainError(w, "Invalid date format (use YYYY-MM-DD)", err)
		return
	}
	holiday := generic.Holiday{Date: date, Name: strings.TrimSpace(req.Name), Type: strings.TrimSpace(req.Type)}
	if err := h.Store.SaveHoliday(r.Context(), holiday); err != nil {
		writeDomainError(w, "Failed to create holiday", err)
		return
	}
	writeJSON(w, http.StatusCreated, toHolidayDTO(holiday))
}

// DeleteHoliday deletes the holiday on a date.
// DELETE /api/holidays/{date}
func (h *Handler) DeleteHoliday(w http.ResponseWriter, r *http.Request) {
	if _, err := maintainer(r); err != nil {
		writeDomainError(w, "Not allowed to manage holidays", err)
		return
	}
	date, err := parseDateParam("date", chi.URLParam(r, "date"))
	if err != nil {
		writeDomainError(w, "Invalid date", err)
		return
	}
	if err := h.Store.DeleteHoliday(r.Context(), date); err != nil {
		writeDomainError(w, "Failed to delete holiday", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

// ListEvents returns the special events on a date.
// GET /api/events?date=
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	date, err := h.queryDate(r)
	if err != nil {
		writeDomainError(w, "Invalid date", err)
		return
	}
	names := h.Store.EventsOn(date)
	dtos := make([]EventDTO, 0, len(names))
	for _, n := range names {
		dtos = append(dtos, EventDTO{Date: date.String(), Name: n})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": dtos})
}

// CreateEvent records a named special event.
// POST /api/events
func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	if _, err := maintainer(r); err != nil {
		writeDomainError(w, "Not allowed to manage events", err)
		return
	}
	var req EventDTO
	if err := decodeBody(r, &req); err != nil {
		writeDomainError(w, "Invalid request body", err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeDomainError(w, "Name is required", &generic.ValidationError{Field: "name", Reason: "required"})
		return
	}
	date, err := parseDateParam("date", req.Date)
	if err != nil {
		writeDomainError(w, "Invalid date format (use YYYY-MM-DD)", err)
		return
	}
	if err := h.Store.AddEvent(r.Context(), date, name); err != nil {
		writeDomainError(w, "Failed to create event", err)
		return
	}
	writeJSON(w, http.StatusCreated, EventDTO{Date: date.String(), Name: name})
}

// DeleteEvent removes a special event.
// DELETE /api/events/{date}/{name}
func (h *Handler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	if _, err := maintainer(r); err != nil {
		writeDomainError(w, "Not allowed to manage events", err)
		return
	}
	date, err := parseDateParam("date", chi.URLParam(r, "date"))
	if err != nil {
		writeDomainError(w, "Invalid date", err)
		return
	}
	if err := h.Store.DeleteEvent(r.Context(), date, chi.URLParam(r, "name")); err != nil {
		writeDomainError(w, "Failed to delete event", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

// =============================================================================
// CLOSING
// =============================================================================

// RunClosing charges one meal to every eligible member.
// POST /api/closing/run
func (h *Handler) RunClosing(w http.ResponseWriter, r *http.Request) {
	if _, err := maintainer(r); err != nil {
		writeDomainError(w, "Not allowed to run closing", err)
		return
	}
	var req ClosingRunRequest
	if err := decodeBody(r, &req); err != nil {
		writeDomainError(w, "Invalid request body", err)
		return
	}
	meal, err := generic.ParseMealType(req.Meal)
	if err != nil {
		writeDomainError(w, "Invalid meal", err)
		return
	}
	date := generic.LocalDayOf(h.now())
	if req.Date != "" {
		if date, err = parseDateParam("date", req.Date); err != nil {
			writeDomainError(w, "Invalid date", err)
			return
		}
	}
	report, err := h.Closer.Run(r.Context(), date, meal)
	if err != nil {
		writeDomainError(w, "Closing failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toClosingReportDTO(report))
}

// Health reports whether the database answers.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.WithError(err).Warn("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps a domain error to its HTTP status.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.WithError(err).Error(message)
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, generic.ErrFatal):
		return http.StatusInternalServerError
	case errors.Is(err, generic.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, generic.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, generic.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, generic.ErrFrozenBalance):
		return http.StatusLocked
	case errors.Is(err, generic.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// actorFrom reads the calling actor from the request headers.
func actorFrom(r *http.Request) (generic.Actor, error) {
	id := strings.TrimSpace(r.Header.Get(HeaderActorID))
	if id == "" {
		return generic.Actor{}, &generic.ValidationError{Field: HeaderActorID, Reason: "required"}
	}
	role, err := generic.ParseRole(r.Header.Get(HeaderActorRole))
	if err != nil {
		return generic.Actor{}, err
	}
	return generic.Actor{ID: id, Role: role}, nil
}

// maintainer is actorFrom restricted to manager, admin and system.
func maintainer(r *http.Request) (generic.Actor, error) {
	actor, err := actorFrom(r)
	if err != nil {
		return generic.Actor{}, err
	}
	if !actor.CanMaintain() {
		return generic.Actor{}, fmt.Errorf("%w: %s", generic.ErrForbidden, actor)
	}
	return actor, nil
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &generic.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

// decodeOptionalBody accepts an empty body.
func decodeOptionalBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return decodeBody(r, v)
}

func balanceParams(r *http.Request) (generic.UserID, generic.MealType, error) {
	bt, err := generic.ParseMealType(chi.URLParam(r, "type"))
	if err != nil {
		return "", "", err
	}
	return generic.UserID(chi.URLParam(r, "id")), bt, nil
}

// queryDate reads ?date=, defaulting to today.
func (h *Handler) queryDate(r *http.Request) (generic.TimePoint, error) {
	raw := r.URL.Query().Get("date")
	if raw == "" {
		return generic.LocalDayOf(h.now()), nil
	}
	return parseDateParam("date", raw)
}

func parseDateParam(field, raw string) (generic.TimePoint, error) {
	d, err := generic.ParseDate(strings.TrimSpace(raw))
	if err != nil {
		return generic.TimePoint{}, &generic.ValidationError{Field: field, Reason: fmt.Sprintf("invalid date %q (use YYYY-MM-DD)", raw)}
	}
	return d, nil
}
