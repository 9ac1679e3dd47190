// Package schedule builds installment projections from loan terms. All
// functions are pure; the generated schedule is the origination-time baseline
// against which later payments are distributed.
package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/prestagil/prestagil/pkg/models"
)

// ErrInvalidTerms is returned when loan terms fail validation. It is never
// retried; the caller must correct the terms.
var ErrInvalidTerms = errors.New("invalid loan terms")

// tolerance absorbs floating residue: when a running balance would drop below
// one cent, the whole remainder is folded into the current installment.
var tolerance = decimal.New(1, -2) // 0.01

var hundred = decimal.NewFromInt(100)

// Terms are the inputs to schedule generation.
type Terms struct {
	Principal    decimal.Decimal
	PeriodRate   decimal.Decimal // percent per period
	Installments int
	Method       models.AmortizationMethod
	Frequency    models.PaymentFrequency
}

// Projection is one period of the amortization table.
type Projection struct {
	Number    int             `json:"number"`
	DueDate   time.Time       `json:"dueDate"`
	Interest  decimal.Decimal `json:"interest"`
	Principal decimal.Decimal `json:"principal"`
	Total     decimal.Decimal `json:"total"`
	Balance   decimal.Decimal `json:"balance"` // outstanding principal after this period
}

// Summary aggregates a schedule for previews.
type Summary struct {
	Principal        decimal.Decimal `json:"principal"`
	TotalInterest    decimal.Decimal `json:"totalInterest"`
	TotalToPay       decimal.Decimal `json:"totalToPay"`
	FixedInstallment decimal.Decimal `json:"fixedInstallment"`
	Installments     int             `json:"installments"`
}

func (t Terms) validate() error {
	if !t.Principal.IsPositive() {
		return fmt.Errorf("%w: principal must be positive, got %s", ErrInvalidTerms, t.Principal)
	}
	if t.Installments < 1 {
		return fmt.Errorf("%w: installment count must be at least 1, got %d", ErrInvalidTerms, t.Installments)
	}
	if t.PeriodRate.IsNegative() {
		return fmt.Errorf("%w: period rate must not be negative, got %s", ErrInvalidTerms, t.PeriodRate)
	}
	if !t.Method.Valid() {
		return fmt.Errorf("%w: unknown amortization method %q", ErrInvalidTerms, t.Method)
	}
	if !t.Frequency.Valid() {
		return fmt.Errorf("%w: unknown payment frequency %q", ErrInvalidTerms, t.Frequency)
	}
	return nil
}

// FixedInstallment computes the constant payment of the equal-installment
// (French) system: P*r*(1+r)^n / ((1+r)^n - 1), or P/n at zero rate.
func FixedInstallment(principal, periodRate decimal.Decimal, installments int) decimal.Decimal {
	n := decimal.NewFromInt(int64(installments))
	if periodRate.IsZero() {
		return principal.Div(n).Round(2)
	}
	r := periodRate.Div(hundred)
	factor := decimal.NewFromInt(1).Add(r).Pow(n)
	return principal.Mul(r).Mul(factor).Div(factor.Sub(decimal.NewFromInt(1))).Round(2)
}

// Generate builds the full installment projection for the given terms. The
// final period (or any period whose remaining balance would fall under one
// cent) absorbs the residual principal so the schedule always closes at zero.
func Generate(terms Terms, startDate time.Time) ([]Projection, error) {
	if err := terms.validate(); err != nil {
		return nil, err
	}
	return project(terms, startDate), nil
}

// RecalculateRemaining rebuilds projections for the unpaid tail of a loan
// using the same formulas over the remaining balance and installment count.
// Due dates are preserved by the caller; this only recomputes amounts.
func RecalculateRemaining(remaining decimal.Decimal, periodRate decimal.Decimal, installments int, method models.AmortizationMethod, frequency models.PaymentFrequency, firstDue time.Time) ([]Projection, error) {
	terms := Terms{
		Principal:    remaining,
		PeriodRate:   periodRate,
		Installments: installments,
		Method:       method,
		Frequency:    frequency,
	}
	if err := terms.validate(); err != nil {
		return nil, err
	}
	// Projections are dated from one period before the first due date so the
	// first recalculated installment lands exactly on firstDue.
	start := firstDue.AddDate(0, 0, -frequency.PeriodDays())
	return project(terms, start), nil
}

func project(terms Terms, startDate time.Time) []Projection {
	var (
		projections = make([]Projection, 0, terms.Installments)
		r           = terms.PeriodRate.Div(hundred)
		balance     = terms.Principal
		periodDays  = terms.Frequency.PeriodDays()
	)

	var fixedPortion decimal.Decimal
	switch terms.Method {
	case models.MethodEqualInstallment:
		fixedPortion = FixedInstallment(terms.Principal, terms.PeriodRate, terms.Installments)
	case models.MethodEqualPrincipal:
		fixedPortion = terms.Principal.Div(decimal.NewFromInt(int64(terms.Installments))).Round(2)
	}

	for i := 1; i <= terms.Installments; i++ {
		interest := balance.Mul(r).Round(2)

		var principal decimal.Decimal
		if terms.Method == models.MethodEqualInstallment {
			principal = fixedPortion.Sub(interest)
		} else {
			principal = fixedPortion
		}

		// Final-period rounding guard.
		if i == terms.Installments || balance.Sub(principal).LessThan(tolerance) {
			principal = balance
		}

		newBalance := balance.Sub(principal)
		if newBalance.IsNegative() {
			newBalance = decimal.Zero
		}

		projections = append(projections, Projection{
			Number:    i,
			DueDate:   startDate.AddDate(0, 0, i*periodDays),
			Interest:  interest,
			Principal: principal,
			Total:     interest.Add(principal),
			Balance:   newBalance,
		})
		balance = newBalance
	}
	return projections
}

// Summarize totals a schedule for the preview endpoint.
func Summarize(terms Terms, projections []Projection) Summary {
	s := Summary{
		Principal:     terms.Principal,
		TotalInterest: decimal.Zero,
		Installments:  terms.Installments,
	}
	if terms.Method == models.MethodEqualInstallment {
		s.FixedInstallment = FixedInstallment(terms.Principal, terms.PeriodRate, terms.Installments)
	}
	for _, p := range projections {
		s.TotalInterest = s.TotalInterest.Add(p.Interest)
	}
	s.TotalToPay = s.Principal.Add(s.TotalInterest)
	return s
}
