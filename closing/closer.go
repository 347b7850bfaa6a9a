/*
Package closing charges a served meal to every eligible member.

FLOW (per date and meal):
 1. list accounts
 2. resolve eligibility for every account against one snapshot of overrides
 3. userCount = number of eligible accounts
 4. price the meal once for (date, meal, userCount, base rate)
 5. post one deduction per eligible account

IDEMPOTENCY:
  Each deduction carries the key close:<date>:<meal>:<user>. Running the same
  close twice posts nothing new; the second run reports those users as
  already closed.

OUTCOMES:
  charged         deduction posted
  already_closed  the idempotency key was taken by an earlier run
  frozen          the balance is frozen, nothing posted
  free            the final rate is zero, nothing posted
  failed          any other error, kept on the user's line of the report
*/
package closing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jfemon8/Meal-Management-sub002/eligibility"
	"github.com/jfemon8/Meal-Management-sub002/generic"
	"github.com/jfemon8/Meal-Management-sub002/metrics"
	"github.com/jfemon8/Meal-Management-sub002/rates"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

type Outcome string

const (
	OutcomeCharged       Outcome = "charged"
	OutcomeAlreadyClosed Outcome = "already_closed"
	OutcomeFrozen        Outcome = "frozen"
	OutcomeFree          Outcome = "free"
	OutcomeFailed        Outcome = "failed"
)

// Line is the result for one eligible user.
type Line struct {
	UserID        generic.UserID
	Outcome       Outcome
	TransactionID generic.TransactionID
	Error         string
}

type Report struct {
	Date       generic.TimePoint
	Meal       generic.MealType
	Accounts   int
	Eligible   int
	Rate       rates.Result
	Lines      []Line
	StartedAt  time.Time
	FinishedAt time.Time
}

// Count returns how many lines ended with outcome.
func (r Report) Count(outcome Outcome) int {
	n := 0
	for _, l := range r.Lines {
		if l.Outcome == outcome {
			n++
		}
	}
	return n
}

// Err joins the per-user failures, or returns nil.
func (r Report) Err() error {
	var errs []error
	for _, l := range r.Lines {
		if l.Outcome == OutcomeFailed {
			errs = append(errs, fmt.Errorf("%s: %s", l.UserID, l.Error))
		}
	}
	return errors.Join(errs...)
}

// IdempotencyKey is the ledger key of one user's deduction for a meal.
func IdempotencyKey(date generic.TimePoint, meal generic.MealType, user generic.UserID) string {
	return fmt.Sprintf("close:%s:%s:%s", date, meal, user)
}

// Reference groups the deductions of one meal.
func Reference(date generic.TimePoint, meal generic.MealType) string {
	return fmt.Sprintf("meal:%s:%s", date, meal)
}

type Closer struct {
	ledger    *generic.Ledger
	resolver  *eligibility.Resolver
	evaluator *rates.Evaluator
	baseRates map[generic.MealType]decimal.Decimal
	now       func() time.Time
}

type Option func(*Closer)

func WithClock(now func() time.Time) Option { return func(c *Closer) { c.now = now } }

func NewCloser(ledger *generic.Ledger, resolver *eligibility.Resolver, evaluator *rates.Evaluator, baseRates map[generic.MealType]decimal.Decimal, opts ...Option) *Closer {
	c := &Closer{
		ledger:    ledger,
		resolver:  resolver,
		evaluator: evaluator,
		baseRates: baseRates,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run closes one meal. The returned error covers failures before any
// posting; per-user failures are on the report (see Report.Err).
func (c *Closer) Run(ctx context.Context, date generic.TimePoint, meal generic.MealType) (Report, error) {
	report := Report{Date: date, Meal: meal, StartedAt: c.now()}
	report, err := c.run(ctx, report)
	report.FinishedAt = c.now()

	result := "ok"
	switch {
	case err != nil:
		result = "error"
	case report.Err() != nil:
		result = "partial"
	}
	metrics.ClosingRun(string(meal), result)

	entry := log.WithFields(log.Fields{
		"date":     date.String(),
		"meal":     meal,
		"eligible": report.Eligible,
		"rate":     report.Rate.FinalRate.String(),
		"charged":  report.Count(OutcomeCharged),
		"skipped":  report.Count(OutcomeFrozen) + report.Count(OutcomeAlreadyClosed),
		"failed":   report.Count(OutcomeFailed),
	})
	if err != nil {
		entry.WithError(err).Error("Meal closing failed")
	} else {
		entry.Info("Meal closed")
	}
	return report, err
}

func (c *Closer) run(ctx context.Context, report Report) (Report, error) {
	date, meal := report.Date, report.Meal
	if !meal.Valid() {
		return report, &generic.ValidationError{Field: "meal_type", Reason: fmt.Sprintf("unknown meal type %q", meal)}
	}
	base, ok := c.baseRates[meal]
	if !ok {
		return report, &generic.ValidationError{Field: "meal_type", Reason: fmt.Sprintf("no base rate configured for %s", meal)}
	}

	users, err := c.ledger.Accounts(ctx)
	if err != nil {
		return report, fmt.Errorf("list accounts: %w", err)
	}
	report.Accounts = len(users)

	batch, err := c.resolver.Batch(ctx, date)
	if err != nil {
		return report, err
	}
	var eligible []generic.UserID
	for _, u := range users {
		d, err := batch.Resolve(u, meal)
		if err != nil {
			return report, err
		}
		if d.IsOn {
			eligible = append(eligible, u)
		}
	}
	report.Eligible = len(eligible)
	if len(eligible) == 0 {
		return report, nil
	}

	report.Rate, err = c.evaluator.Evaluate(ctx, rates.Query{
		BaseRate:  base,
		Date:      date,
		Meal:      meal,
		UserCount: len(eligible),
	})
	if err != nil {
		return report, err
	}

	for _, u := range eligible {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		line := c.charge(ctx, date, meal, u, report.Rate.FinalRate)
		metrics.ClosingDeduction(string(meal), string(line.Outcome))
		report.Lines = append(report.Lines, line)
	}
	return report, nil
}

func (c *Closer) charge(ctx context.Context, date generic.TimePoint, meal generic.MealType, user generic.UserID, rate decimal.Decimal) Line {
	line := Line{UserID: user}
	if !rate.IsPositive() {
		line.Outcome = OutcomeFree
		return line
	}
	tx, err := c.ledger.Post(ctx, generic.PostRequest{
		UserID:         user,
		BalanceType:    meal,
		Type:           generic.TxDeduction,
		Amount:         rate,
		Actor:          generic.SystemActor,
		Reference:      Reference(date, meal),
		Description:    fmt.Sprintf("%s on %s", meal, date),
		IdempotencyKey: IdempotencyKey(date, meal, user),
	})
	switch {
	case err == nil:
		line.Outcome = OutcomeCharged
		line.TransactionID = tx.ID
	case errors.Is(err, generic.ErrDuplicateIdempotencyKey):
		line.Outcome = OutcomeAlreadyClosed
	case errors.Is(err, generic.ErrFrozenBalance):
		line.Outcome = OutcomeFrozen
	default:
		line.Outcome = OutcomeFailed
		line.Error = err.Error()
		log.WithError(err).WithFields(log.Fields{"user": user, "meal": meal, "date": date.String()}).Warn("Closing deduction failed")
	}
	return line
}
