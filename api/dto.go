/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts and rates are decimal.Decimal and marshal as JSON strings
  ("120.50"), never floats.

TYPES:
  Ledger:
    OpenAccountRequest, AccountDTO, BalanceDTO, FreezeRequest,
    TransactionDTO, PostTransactionRequest, ReverseRequest,
    CorrectRequest, CorrectionDTO, ChainReportDTO, ReconcileRequest,
    ReconcileDTO, AuditEntryDTO

  Rules:
    EligibilityDTO, RateResultDTO, SetExpiryRequest
    (override and rate rule bodies are factory.OverrideJSON / RateRuleJSON)

  Calendar:
    HolidayDTO, EventDTO

  Closing:
    ClosingRunRequest, ClosingReportDTO

SEE ALSO:
  - handlers.go: Uses these types
  - factory/rules.go: OverrideJSON and RateRuleJSON
*/
package api

import (
	"time"

	"github.com/jfemon8/Meal-Management-sub002/closing"
	"github.com/jfemon8/Meal-Management-sub002/eligibility"
	"github.com/jfemon8/Meal-Management-sub002/generic"
	"github.com/jfemon8/Meal-Management-sub002/rates"
	"github.com/shopspring/decimal"
)

// =============================================================================
// LEDGER
// =============================================================================

type OpenAccountRequest struct {
	UserID string `json:"user_id"`
}

type AccountDTO struct {
	UserID   string       `json:"user_id"`
	Balances []BalanceDTO `json:"balances"`
}

type BalanceDTO struct {
	UserID           string          `json:"user_id"`
	BalanceType      string          `json:"balance_type"`
	Amount           decimal.Decimal `json:"amount"`
	IsFrozen         bool            `json:"is_frozen"`
	FrozenAt         *time.Time      `json:"frozen_at,omitempty"`
	FrozenBy         string          `json:"frozen_by,omitempty"`
	FrozenReason     string          `json:"frozen_reason,omitempty"`
	Quarantined      bool            `json:"quarantined"`
	QuarantineReason string          `json:"quarantine_reason,omitempty"`
	Version          int64           `json:"version"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

type FreezeRequest struct {
	Frozen bool   `json:"frozen"`
	Reason string `json:"reason"`
}

type TransactionDTO struct {
	ID                  string           `json:"id"`
	UserID              string           `json:"user_id"`
	BalanceType         string           `json:"balance_type"`
	Type                string           `json:"type"`
	Amount              decimal.Decimal  `json:"amount"`
	PreviousBalance     decimal.Decimal  `json:"previous_balance"`
	NewBalance          decimal.Decimal  `json:"new_balance"`
	PerformedBy         string           `json:"performed_by,omitempty"`
	Reference           string           `json:"reference,omitempty"`
	Description         string           `json:"description,omitempty"`
	IdempotencyKey      string           `json:"idempotency_key,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	OriginalTransaction string           `json:"original_transaction,omitempty"`
	IsReversed          bool             `json:"is_reversed"`
	ReversalID          string           `json:"reversal_id,omitempty"`
	ReversedAt          *time.Time       `json:"reversed_at,omitempty"`
	IsCorrected         bool             `json:"is_corrected"`
	CorrectedBy         string           `json:"corrected_by,omitempty"`
	CorrectedAt         *time.Time       `json:"corrected_at,omitempty"`
	CorrectionReason    string           `json:"correction_reason,omitempty"`
	OriginalAmount      *decimal.Decimal `json:"original_amount,omitempty"`
	OriginalDescription *string          `json:"original_description,omitempty"`
}

// PostTransactionRequest records a deposit, deduction, refund or adjustment.
// Amount is a positive magnitude except for adjustments, which are signed.
type PostTransactionRequest struct {
	UserID         string          `json:"user_id"`
	BalanceType    string          `json:"balance_type"`
	Type           string          `json:"type"`
	Amount         decimal.Decimal `json:"amount"`
	Reference      string          `json:"reference,omitempty"`
	Description    string          `json:"description,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

type ReverseRequest struct {
	Reason string `json:"reason"`
}

type CorrectRequest struct {
	NewAmount      decimal.Decimal `json:"new_amount"`
	NewDescription string          `json:"new_description,omitempty"`
	Reason         string          `json:"reason"`
}

type CorrectionDTO struct {
	Updated      TransactionDTO   `json:"updated"`
	Recalculated []TransactionDTO `json:"recalculated"`
	Balance      decimal.Decimal  `json:"balance"`
}

type ChainBreakDTO struct {
	Index         int             `json:"index"`
	TransactionID string          `json:"transaction_id,omitempty"`
	Expected      decimal.Decimal `json:"expected"`
	Actual        decimal.Decimal `json:"actual"`
	Detail        string          `json:"detail"`
}

type ChainReportDTO struct {
	UserID        string          `json:"user_id"`
	BalanceType   string          `json:"balance_type"`
	Entries       int             `json:"entries"`
	StoredBalance decimal.Decimal `json:"stored_balance"`
	ChainBalance  decimal.Decimal `json:"chain_balance"`
	Quarantined   bool            `json:"quarantined"`
	OK            bool            `json:"ok"`
	Breaks        []ChainBreakDTO `json:"breaks"`
}

type ReconcileRequest struct {
	Reason string `json:"reason"`
}

type ReconcileDTO struct {
	UserID       string          `json:"user_id"`
	BalanceType  string          `json:"balance_type"`
	Before       decimal.Decimal `json:"before"`
	After        decimal.Decimal `json:"after"`
	Recalculated int             `json:"recalculated"`
}

type AuditEntryDTO struct {
	ID            string            `json:"id"`
	Timestamp     time.Time         `json:"timestamp"`
	ActorID       string            `json:"actor_id"`
	ActorRole     string            `json:"actor_role"`
	Action        string            `json:"action"`
	UserID        string            `json:"user_id,omitempty"`
	BalanceType   string            `json:"balance_type,omitempty"`
	TransactionID string            `json:"transaction_id,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	Payload       map[string]string `json:"payload,omitempty"`
}

// =============================================================================
// RULES
// =============================================================================

type EligibilityDTO struct {
	UserID         string `json:"user_id"`
	Date           string `json:"date"`
	Meal           string `json:"meal"`
	IsOn           bool   `json:"is_on"`
	SourcePriority int    `json:"source_priority"`
	OverrideID     string `json:"override_id"`
	Scope          string `json:"scope"`
	Action         string `json:"action"`
	Reason         string `json:"reason,omitempty"`
	Default        bool   `json:"default"`
}

type AppliedRuleDTO struct {
	RuleID string          `json:"rule_id"`
	Name   string          `json:"name"`
	Kind   string          `json:"kind"`
	Value  decimal.Decimal `json:"value"`
	Before decimal.Decimal `json:"before"`
	After  decimal.Decimal `json:"after"`
}

type RateResultDTO struct {
	Date      string           `json:"date"`
	Meal      string           `json:"meal"`
	UserCount int              `json:"user_count"`
	BaseRate  decimal.Decimal  `json:"base_rate"`
	FinalRate decimal.Decimal  `json:"final_rate"`
	Applied   []AppliedRuleDTO `json:"applied"`
}

// SetExpiryRequest changes an override's expiry. A null expiry removes it.
type SetExpiryRequest struct {
	Expiry *time.Time `json:"expiry"`
}

// =============================================================================
// CALENDAR
// =============================================================================

type HolidayDTO struct {
	Date string `json:"date"`
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

type EventDTO struct {
	Date string `json:"date"`
	Name string `json:"name"`
}

// =============================================================================
// CLOSING
// =============================================================================

type ClosingRunRequest struct {
	Date string `json:"date"` // YYYY-MM-DD, defaults to today
	Meal string `json:"meal"`
}

type ClosingLineDTO struct {
	UserID        string `json:"user_id"`
	Outcome       string `json:"outcome"`
	TransactionID string `json:"transaction_id,omitempty"`
	Error         string `json:"error,omitempty"`
}

type ClosingReportDTO struct {
	Date       string           `json:"date"`
	Meal       string           `json:"meal"`
	Accounts   int              `json:"accounts"`
	Eligible   int              `json:"eligible"`
	Rate       RateResultDTO    `json:"rate"`
	Lines      []ClosingLineDTO `json:"lines"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toBalanceDTO(b generic.Balance) BalanceDTO {
	return BalanceDTO{
		UserID:           string(b.UserID),
		BalanceType:      string(b.BalanceType),
		Amount:           b.Amount,
		IsFrozen:         b.IsFrozen,
		FrozenAt:         b.FrozenAt,
		FrozenBy:         b.FrozenBy,
		FrozenReason:     b.FrozenReason,
		Quarantined:      b.Quarantined,
		QuarantineReason: b.QuarantineReason,
		Version:          b.Version,
		UpdatedAt:        b.UpdatedAt,
	}
}

func toTransactionDTO(tx generic.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:                  string(tx.ID),
		UserID:              string(tx.UserID),
		BalanceType:         string(tx.BalanceType),
		Type:                string(tx.Type),
		Amount:              tx.Amount,
		PreviousBalance:     tx.PreviousBalance,
		NewBalance:          tx.NewBalance,
		PerformedBy:         tx.PerformedBy,
		Reference:           tx.Reference,
		Description:         tx.Description,
		IdempotencyKey:      tx.IdempotencyKey,
		CreatedAt:           tx.CreatedAt,
		OriginalTransaction: string(tx.OriginalTransaction),
		IsReversed:          tx.IsReversed,
		ReversalID:          string(tx.ReversalID),
		ReversedAt:          tx.ReversedAt,
		IsCorrected:         tx.IsCorrected,
		CorrectedBy:         tx.CorrectedBy,
		CorrectedAt:         tx.CorrectedAt,
		CorrectionReason:    tx.CorrectionReason,
		OriginalAmount:      tx.OriginalAmount,
		OriginalDescription: tx.OriginalDescription,
	}
}

func toTransactionDTOs(txs []generic.Transaction) []TransactionDTO {
	out := make([]TransactionDTO, 0, len(txs))
	for _, tx := range txs {
		out = append(out, toTransactionDTO(tx))
	}
	return out
}

func toChainReportDTO(r generic.ChainReport) ChainReportDTO {
	dto := ChainReportDTO{
		UserID:        string(r.Key.UserID),
		BalanceType:   string(r.Key.BalanceType),
		Entries:       r.Entries,
		StoredBalance: r.StoredBalance,
		ChainBalance:  r.ChainBalance,
		Quarantined:   r.Quarantined,
		OK:            r.OK(),
		Breaks:        make([]ChainBreakDTO, 0, len(r.Breaks)),
	}
	for _, b := range r.Breaks {
		dto.Breaks = append(dto.Breaks, ChainBreakDTO{
			Index:         b.Index,
			TransactionID: string(b.TransactionID),
			Expected:      b.Expected,
			Actual:        b.Actual,
			Detail:        b.Detail,
		})
	}
	return dto
}

func toAuditEntryDTO(e generic.AuditEntry) AuditEntryDTO {
	return AuditEntryDTO{
		ID:            e.ID,
		Timestamp:     e.Timestamp,
		ActorID:       e.ActorID,
		ActorRole:     string(e.ActorRole),
		Action:        string(e.Action),
		UserID:        string(e.UserID),
		BalanceType:   string(e.BalanceType),
		TransactionID: string(e.TransactionID),
		Reason:        e.Reason,
		Payload:       e.Payload,
	}
}

func toEligibilityDTO(user generic.UserID, date generic.TimePoint, meal generic.MealType, d eligibility.Decision) EligibilityDTO {
	return EligibilityDTO{
		UserID:         string(user),
		Date:           date.String(),
		Meal:           string(meal),
		IsOn:           d.IsOn,
		SourcePriority: int(d.SourcePriority),
		OverrideID:     string(d.OverrideID),
		Scope:          string(d.Scope),
		Action:         string(d.Action),
		Reason:         d.Reason,
		Default:        d.IsDefault(),
	}
}

func toRateResultDTO(q rates.Query, res rates.Result) RateResultDTO {
	dto := RateResultDTO{
		Date:      q.Date.String(),
		Meal:      string(q.Meal),
		UserCount: q.UserCount,
		BaseRate:  res.BaseRate,
		FinalRate: res.FinalRate,
		Applied:   make([]AppliedRuleDTO, 0, len(res.Applied)),
	}
	for _, a := range res.Applied {
		dto.Applied = append(dto.Applied, AppliedRuleDTO{
			RuleID: string(a.RuleID),
			Name:   a.Name,
			Kind:   string(a.Kind),
			Value:  a.Value,
			Before: a.Before,
			After:  a.After,
		})
	}
	return dto
}

func toHolidayDTO(h generic.Holiday) HolidayDTO {
	return HolidayDTO{Date: h.Date.String(), Name: h.Name, Type: h.Type}
}

func toClosingReportDTO(r closing.Report) ClosingReportDTO {
	dto := ClosingReportDTO{
		Date:     r.Date.String(),
		Meal:     string(r.Meal),
		Accounts: r.Accounts,
		Eligible: r.Eligible,
		Rate: toRateResultDTO(rates.Query{
			Date:      r.Date,
			Meal:      r.Meal,
			UserCount: r.Eligible,
		}, r.Rate),
		Lines:      make([]ClosingLineDTO, 0, len(r.Lines)),
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
	for _, l := range r.Lines {
		dto.Lines = append(dto.Lines, ClosingLineDTO{
			UserID:        string(l.UserID),
			Outcome:       string(l.Outcome),
			TransactionID: string(l.TransactionID),
			Error:         l.Error,
		})
	}
	return dto
}
