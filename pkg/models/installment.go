package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InstallmentStatus represents the payment state of a single installment.
// Transitions are monotonic forward: pending -> partial -> paid. Overdue is
// stamped by the sweep on unsettled installments past their due date and is
// equivalent to pending/partial for allocation purposes. Cancelled is terminal
// and reachable only through administrative loan cancellation.
type InstallmentStatus string

const (
	InstallmentPending   InstallmentStatus = "pending"
	InstallmentPartial   InstallmentStatus = "partial"
	InstallmentPaid      InstallmentStatus = "paid"
	InstallmentOverdue   InstallmentStatus = "overdue"
	InstallmentCancelled InstallmentStatus = "cancelled"
)

// Installment is one scheduled repayment unit of a loan. The projected
// interest/principal split is the origination-time baseline against which all
// partial payments are pro-rated; it is never recomputed except by an explicit
// restructure.
type Installment struct {
	ID      uuid.UUID `json:"id"`
	OwnerID uuid.UUID `json:"ownerId"`
	LoanID  uuid.UUID `json:"loanId"`
	Number  int       `json:"number"` // 1..N, contiguous per loan

	DueDate time.Time `json:"dueDate"`

	ProjectedInterest  decimal.Decimal `json:"projectedInterest"`
	ProjectedPrincipal decimal.Decimal `json:"projectedPrincipal"`
	MinimumDue         decimal.Decimal `json:"minimumDue"` // projected interest + principal
	PrincipalAtStart   decimal.Decimal `json:"principalAtStart"`

	AmountPaid    decimal.Decimal `json:"amountPaid"`
	InterestPaid  decimal.Decimal `json:"interestPaid"`
	PrincipalPaid decimal.Decimal `json:"principalPaid"`
	LateFeePaid   decimal.Decimal `json:"lateFeePaid"`

	Status InstallmentStatus `json:"status"`
	PaidAt *time.Time        `json:"paidAt,omitempty"`
}

// RemainingDue returns how much is still owed on this installment, floored at zero.
func (i *Installment) RemainingDue() decimal.Decimal {
	rem := i.MinimumDue.Sub(i.AmountPaid)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// IsSettled reports whether the installment is paid within Epsilon.
func (i *Installment) IsSettled() bool {
	return i.MinimumDue.Sub(i.AmountPaid).LessThanOrEqual(Epsilon)
}

// IsPayable reports whether the installment can still receive payments.
func (i *Installment) IsPayable() bool {
	return i.Status == InstallmentPending || i.Status == InstallmentPartial || i.Status == InstallmentOverdue
}
