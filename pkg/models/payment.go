package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentMethod records how the money was received.
type PaymentMethod string

const (
	PaymentMethodCash     PaymentMethod = "cash"
	PaymentMethodTransfer PaymentMethod = "transfer"
	PaymentMethodCard     PaymentMethod = "card"
	PaymentMethodOther    PaymentMethod = "other"
)

// Valid reports whether the method is one of the known values.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCash, PaymentMethodTransfer, PaymentMethodCard, PaymentMethodOther:
		return true
	}
	return false
}

// Payment is an immutable ledger entry. Corrections are recorded as new
// offsetting payments, never by editing history. Amount always equals
// InterestAmount + PrincipalAmount; the late fee is tracked separately and is
// not part of that split.
type Payment struct {
	ID                uuid.UUID `json:"id"`
	OwnerID           uuid.UUID `json:"ownerId"`
	LoanID            uuid.UUID `json:"loanId"`
	InstallmentID     uuid.UUID `json:"installmentId"`
	InstallmentNumber int       `json:"installmentNumber"`
	ClientID          uuid.UUID `json:"clientId"`

	Amount          decimal.Decimal `json:"amount"`
	InterestAmount  decimal.Decimal `json:"interestAmount"`
	PrincipalAmount decimal.Decimal `json:"principalAmount"`
	LateFee         decimal.Decimal `json:"lateFee"`

	Method      PaymentMethod `json:"method"`
	PaidAt      time.Time     `json:"paidAt"`
	ElapsedDays int           `json:"elapsedDays"` // days since the loan's previous payment

	PrincipalBefore decimal.Decimal `json:"principalBefore"`
	PrincipalAfter  decimal.Decimal `json:"principalAfter"`

	ReceivedBy string `json:"receivedBy"` // collector or admin identity, as supplied by the role gate
	Notes      string `json:"notes,omitempty"`
}
