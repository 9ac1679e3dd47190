package store

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/prestagil/prestagil/pkg/models"
)

// ErrNotFound is returned when a referenced record does not exist within the
// owner's scope.
var ErrNotFound = errors.New("record not found")

// LoanFilter narrows loan listings. Nil fields match everything.
type LoanFilter struct {
	Status      *models.LoanStatus
	ClientID    *uuid.UUID
	CollectorID *uuid.UUID
}

// PaymentFilter narrows payment history queries. Nil fields match everything.
type PaymentFilter struct {
	OwnerID    uuid.UUID
	LoanID     *uuid.UUID
	ClientID   *uuid.UUID
	ReceivedBy string
	From       *time.Time
	To         *time.Time
	Limit      int
}

// Storage defines the persistence operations of the lending ledger. Every
// read and write is scoped by the owning admin account. Multi-record
// operations (loan origination, payment application, commission payout,
// cascade deletion) are atomic: they succeed or fail as a unit.
type Storage interface {
	// Users.
	CreateUser(u *models.User) error
	GetUser(ownerID, id uuid.UUID) (*models.User, error)
	GetUserByEmail(email string) (*models.User, error)
	UpdateUser(u *models.User) error
	ListUsers(ownerID uuid.UUID, role *models.Role) ([]*models.User, error)

	// Clients.
	CreateClient(c *models.Client) error
	GetClient(ownerID, id uuid.UUID) (*models.Client, error)
	UpdateClient(c *models.Client) error
	ListClients(ownerID uuid.UUID) ([]*models.Client, error)
	DeleteClient(ownerID, id uuid.UUID) error

	// Loans and installments. CreateLoan persists the loan together with its
	// full installment set, increments the client's active-loan counter and
	// marks linked collateral in use, all in one transaction.
	CreateLoan(loan *models.Loan, installments []*models.Installment) error
	GetLoan(ownerID, id uuid.UUID) (*models.Loan, error)
	ListLoans(ownerID uuid.UUID, f LoanFilter) ([]*models.Loan, error)
	UpdateLoan(loan *models.Loan) error
	// DeleteLoan cascades to installments and payments, decrements the
	// client's active-loan counter and releases linked collateral.
	DeleteLoan(ownerID, id uuid.UUID) error

	// RestructureLoan swaps the loan's unsettled installments (number >=
	// fromNumber) for the replacement schedule and saves the updated terms,
	// all in one transaction.
	RestructureLoan(loan *models.Loan, fromNumber int, installments []*models.Installment) error

	GetInstallmentByNumber(ownerID, loanID uuid.UUID, number int) (*models.Installment, error)
	ListInstallments(ownerID, loanID uuid.UUID) ([]*models.Installment, error)
	UpdateInstallment(inst *models.Installment) error
	UpdateInstallments(installments []*models.Installment) error
	// ListDueInstallments returns unsettled installments across all owners
	// whose due date is before the cutoff. Feeds the overdue sweep.
	ListDueInstallments(cutoff time.Time) ([]*models.Installment, error)

	// ApplyPayment writes the payment record, every touched installment and
	// the loan in a single transaction. A payment is never recorded without
	// its corresponding balance updates, and vice versa. An early payoff
	// settles one installment and cancels the moot tail in the same call.
	ApplyPayment(p *models.Payment, installments []*models.Installment, loan *models.Loan) error
	ListPayments(f PaymentFilter) ([]*models.Payment, *models.PaymentTotals, error)

	// Collateral.
	CreateCollateral(c *models.Collateral) error
	GetCollateral(ownerID, id uuid.UUID) (*models.Collateral, error)
	UpdateCollateral(c *models.Collateral) error
	ListCollateral(ownerID uuid.UUID) ([]*models.Collateral, error)

	// Commission payouts. CreatePayout records the payout and updates the
	// collector's cumulative paid total in one transaction.
	CreatePayout(p *models.CommissionPayout, collector *models.User) error
	ListPayouts(ownerID, collectorID uuid.UUID) ([]*models.CommissionPayout, error)

	// Stats computes portfolio aggregates for one owner.
	Stats(ownerID uuid.UUID) (*models.DashboardStats, error)

	Close() error
}
