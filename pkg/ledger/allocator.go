package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/prestagil/prestagil/pkg/models"
)

// ErrInvalidPaymentAmount is returned for zero or negative payment amounts,
// or amounts beyond the configured sanity ceiling. Never retried.
var ErrInvalidPaymentAmount = errors.New("invalid payment amount")

var hundred = decimal.NewFromInt(100)

// InstallmentView is the slice of installment state the allocator needs. The
// projected amounts are the origination-time schedule baseline.
type InstallmentView struct {
	MinimumDue         decimal.Decimal
	AmountPaid         decimal.Decimal
	ProjectedInterest  decimal.Decimal
	ProjectedPrincipal decimal.Decimal
}

// Allocation is the deterministic split of one payment. Interest + Principal
// always equals the payment amount exactly; surplus beyond the installment's
// remaining due lands entirely in Principal.
type Allocation struct {
	Interest    decimal.Decimal
	Principal   decimal.Decimal
	Surplus     decimal.Decimal
	FullPayment bool
	Partial     bool
	Message     string
}

// Allocate splits a payment against one installment's projection, pro-rating
// by the share already absorbed by earlier partial payments so that the sum of
// all splits converges to the projected interest/principal at full settlement.
func Allocate(amount decimal.Decimal, inst InstallmentView) (Allocation, error) {
	if !amount.IsPositive() {
		return Allocation{}, fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidPaymentAmount, amount)
	}
	if !inst.MinimumDue.IsPositive() {
		return Allocation{}, fmt.Errorf("%w: installment minimum due must be positive, got %s", ErrInvalidPaymentAmount, inst.MinimumDue)
	}

	remaining := inst.MinimumDue.Sub(inst.AmountPaid)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}

	// Interest and principal already attributed to prior partial payments,
	// proportional to their share of the minimum due.
	paidFraction := inst.AmountPaid.Div(inst.MinimumDue)
	interestRemaining := inst.ProjectedInterest.Sub(inst.ProjectedInterest.Mul(paidFraction)).Round(2)

	if amount.GreaterThanOrEqual(remaining) {
		// Full settlement, possibly with surplus applied to principal.
		surplus := amount.Sub(remaining)
		interest := interestRemaining
		principal := amount.Sub(interest)

		a := Allocation{
			Interest:    interest,
			Principal:   principal,
			Surplus:     surplus,
			FullPayment: true,
		}
		if surplus.GreaterThan(models.Epsilon) {
			a.Message = fmt.Sprintf("installment settled; surplus of %s applied to principal", surplus.StringFixed(2))
		} else {
			a.Message = "installment settled exactly"
		}
		return a, nil
	}

	// Partial payment: split pro-rata against what remains of the projection.
	proportion := amount.Div(remaining)
	interest := interestRemaining.Mul(proportion).Round(2)
	principal := amount.Sub(interest)

	paidAfter := inst.AmountPaid.Add(amount)
	percent := paidAfter.Div(inst.MinimumDue).Mul(hundred)
	return Allocation{
		Interest:  interest,
		Principal: principal,
		Partial:   true,
		Message: fmt.Sprintf("partial payment: installment %s%% complete, %s remaining",
			percent.StringFixed(1), remaining.Sub(amount).StringFixed(2)),
	}, nil
}
