package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Role gates access to administrative operations. The core trusts the role
// supplied by the authentication layer.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleCollector  Role = "collector"
	RoleSupervisor Role = "supervisor"
)

// User is a back-office account. Collectors additionally carry a commission
// rate and the running total of commission already paid out to them; the
// commission generated is derived from the payment ledger, not stored.
type User struct {
	ID      uuid.UUID `json:"id"`
	OwnerID uuid.UUID `json:"ownerId"` // admin account this user belongs to; admins own themselves
	Name    string    `json:"name"`
	Email   string    `json:"email"`
	Phone   string    `json:"phone,omitempty"`
	Role    Role      `json:"role"`
	Active  bool      `json:"active"`

	PasswordHash string `json:"-"`
	FirstLogin   bool   `json:"firstLogin"` // must change password on first sign-in

	CommissionRate       decimal.Decimal `json:"commissionRate"` // percent
	CommissionPaid       decimal.Decimal `json:"commissionPaid"`
	LastCommissionPayout *time.Time      `json:"lastCommissionPayout,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// IsAdmin reports whether the user may perform administrative operations.
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// IsCollector reports whether the user earns commission on received payments.
func (u *User) IsCollector() bool {
	return u.Role == RoleCollector
}

// CommissionPayout is an append-only record of commission paid out to a
// collector. The amount is validated against the collector's pending balance
// before it is recorded.
type CommissionPayout struct {
	ID          uuid.UUID       `json:"id"`
	OwnerID     uuid.UUID       `json:"ownerId"`
	CollectorID uuid.UUID       `json:"collectorId"`
	Amount      decimal.Decimal `json:"amount"`
	Method      PaymentMethod   `json:"method"`
	Notes       string          `json:"notes,omitempty"`
	PaidAt      time.Time       `json:"paidAt"`
}
