package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Epsilon is the settlement tolerance for money comparisons. Balances within
// one cent of zero are treated as zero to absorb rounding drift.
var Epsilon = decimal.New(1, -2) // 0.01

// LoanStatus represents the lifecycle state of a loan.
type LoanStatus string

const (
	LoanStatusActive    LoanStatus = "active"
	LoanStatusOverdue   LoanStatus = "overdue"
	LoanStatusCompleted LoanStatus = "completed"
	LoanStatusCancelled LoanStatus = "cancelled"
)

// AmortizationMethod selects how the installment schedule is built.
type AmortizationMethod string

const (
	// MethodEqualInstallment is the French system: constant total payment,
	// interest portion shrinking over time.
	MethodEqualInstallment AmortizationMethod = "equal_installment"
	// MethodEqualPrincipal is the German system: constant principal portion,
	// total payment shrinking over time.
	MethodEqualPrincipal AmortizationMethod = "equal_principal"
)

// PaymentFrequency is the period between installments.
type PaymentFrequency string

const (
	FrequencyDaily    PaymentFrequency = "daily"
	FrequencyBiweekly PaymentFrequency = "biweekly"
	FrequencyMonthly  PaymentFrequency = "monthly"
)

// PeriodDays returns the number of days between consecutive installments.
func (f PaymentFrequency) PeriodDays() int {
	switch f {
	case FrequencyDaily:
		return 1
	case FrequencyBiweekly:
		return 15
	default:
		return 30
	}
}

// Valid reports whether the frequency is one of the known values.
func (f PaymentFrequency) Valid() bool {
	return f == FrequencyDaily || f == FrequencyBiweekly || f == FrequencyMonthly
}

// Valid reports whether the method is one of the known values.
func (m AmortizationMethod) Valid() bool {
	return m == MethodEqualInstallment || m == MethodEqualPrincipal
}

// Loan is the aggregate root of the lending ledger. A loan and its full
// installment set are created together at origination; payments mutate the
// running totals and counters but never the original terms.
type Loan struct {
	ID        uuid.UUID `json:"id"`
	OwnerID   uuid.UUID `json:"ownerId"` // owning admin account, scopes every query
	ClientID  uuid.UUID `json:"clientId"`
	ClientName string   `json:"clientName"`

	CollectorID   *uuid.UUID `json:"collectorId,omitempty"`
	CollectorName string     `json:"collectorName,omitempty"`
	CollateralID  *uuid.UUID `json:"collateralId,omitempty"`

	Principal            decimal.Decimal    `json:"principal"`
	OutstandingPrincipal decimal.Decimal    `json:"outstandingPrincipal"`
	PeriodRate           decimal.Decimal    `json:"periodRate"` // percent per period
	Frequency            PaymentFrequency   `json:"frequency"`
	Method               AmortizationMethod `json:"method"`
	InstallmentCount     int                `json:"installmentCount"`
	FixedInstallment     decimal.Decimal    `json:"fixedInstallment"` // equal-installment method only
	InstallmentsPaid     int                `json:"installmentsPaid"`

	StartDate       time.Time  `json:"startDate"`
	DueDate         time.Time  `json:"dueDate"`
	LastPaymentDate *time.Time `json:"lastPaymentDate,omitempty"`

	Status LoanStatus `json:"status"`

	TotalInterestPaid  decimal.Decimal `json:"totalInterestPaid"`
	TotalPrincipalPaid decimal.Decimal `json:"totalPrincipalPaid"`
	TotalLateFeePaid   decimal.Decimal `json:"totalLateFeePaid"`

	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsActive reports whether the loan still accepts payments.
func (l *Loan) IsActive() bool {
	return l.Status == LoanStatusActive || l.Status == LoanStatusOverdue
}

// IsSettled reports whether the outstanding principal is within Epsilon of zero.
func (l *Loan) IsSettled() bool {
	return l.OutstandingPrincipal.LessThanOrEqual(Epsilon)
}

// Progress returns the fraction of installments already paid, 0..1.
func (l *Loan) Progress() decimal.Decimal {
	if l.InstallmentCount == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(l.InstallmentsPaid)).
		Div(decimal.NewFromInt(int64(l.InstallmentCount)))
}
