package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/prestagil/prestagil/pkg/models"
	"github.com/prestagil/prestagil/pkg/schedule"
	"github.com/prestagil/prestagil/pkg/store"
)

var (
	// ErrLoanNotPayable is returned when a payment targets a completed or
	// cancelled loan.
	ErrLoanNotPayable = errors.New("loan is not payable")
	// ErrLoanSettled is returned when every installment is already paid.
	ErrLoanSettled = errors.New("loan has no open installments")
	// ErrPaymentTooLarge is returned when a payment exceeds the remaining
	// debt plus the configured surplus margin.
	ErrPaymentTooLarge = errors.New("payment exceeds remaining debt")
	// ErrCollateralUnavailable is returned when origination references
	// collateral that is already tied to another loan.
	ErrCollateralUnavailable = errors.New("collateral is not available")
	// ErrInstallmentOutOfOrder is returned when a payment names an installment
	// other than the oldest open one. Installments settle strictly in order.
	ErrInstallmentOutOfOrder = errors.New("installment is not the next payable one")
)

// Config tunes ledger behavior.
type Config struct {
	// SurplusMargin is the allowance over the remaining debt a single payment
	// may carry, absorbing rounding on final payments.
	SurplusMargin decimal.Decimal
	// OverdueGraceDays delays the overdue sweep past an installment's due date.
	OverdueGraceDays int
}

// Ledger handles the business logic for loans, installments and payments.
// Payment application is serialized per loan so concurrent submissions against
// the same loan never interleave their read-allocate-write cycles.
type Ledger struct {
	storage store.Storage
	log     *logrus.Logger
	cfg     Config

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage, log *logrus.Logger, cfg Config) *Ledger {
	if cfg.SurplusMargin.IsZero() {
		cfg.SurplusMargin = decimal.NewFromInt(1)
	}
	return &Ledger{
		storage: s,
		log:     log,
		cfg:     cfg,
		locks:   map[uuid.UUID]*sync.Mutex{},
	}
}

func (l *Ledger) loanLock(id uuid.UUID) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	return m
}

// CreateLoanInput carries the origination terms.
type CreateLoanInput struct {
	ClientID     uuid.UUID
	CollectorID  *uuid.UUID
	CollateralID *uuid.UUID

	Principal    decimal.Decimal
	PeriodRate   decimal.Decimal
	Installments int
	Method       models.AmortizationMethod
	Frequency    models.PaymentFrequency

	StartDate time.Time
	Notes     string
}

// CreateLoan originates a loan: it generates the full installment schedule
// from the terms and persists loan and schedule atomically. The terms are
// frozen at this point; payments never change them.
func (l *Ledger) CreateLoan(ownerID uuid.UUID, in CreateLoanInput) (*models.Loan, []*models.Installment, error) {
	terms := schedule.Terms{
		Principal:    in.Principal,
		PeriodRate:   in.PeriodRate,
		Installments: in.Installments,
		Method:       in.Method,
		Frequency:    in.Frequency,
	}
	projections, err := schedule.Generate(terms, in.StartDate)
	if err != nil {
		return nil, nil, err
	}

	client, err := l.storage.GetClient(ownerID, in.ClientID)
	if err != nil {
		return nil, nil, err
	}

	var collectorName string
	if in.CollectorID != nil {
		collector, err := l.storage.GetUser(ownerID, *in.CollectorID)
		if err != nil {
			return nil, nil, err
		}
		collectorName = collector.Name
	}

	if in.CollateralID != nil {
		col, err := l.storage.GetCollateral(ownerID, *in.CollateralID)
		if err != nil {
			return nil, nil, err
		}
		if col.Status != models.CollateralAvailable {
			return nil, nil, fmt.Errorf("%w: collateral %s is %s", ErrCollateralUnavailable, col.ID, col.Status)
		}
	}

	now := time.Now()
	loan := &models.Loan{
		ID:                   uuid.New(),
		OwnerID:              ownerID,
		ClientID:             client.ID,
		ClientName:           client.Name,
		CollectorID:          in.CollectorID,
		CollectorName:        collectorName,
		CollateralID:         in.CollateralID,
		Principal:            in.Principal,
		OutstandingPrincipal: in.Principal,
		PeriodRate:           in.PeriodRate,
		Frequency:            in.Frequency,
		Method:               in.Method,
		InstallmentCount:     in.Installments,
		StartDate:            in.StartDate,
		DueDate:              projections[len(projections)-1].DueDate,
		Status:               models.LoanStatusActive,
		Notes:                in.Notes,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if in.Method == models.MethodEqualInstallment {
		loan.FixedInstallment = schedule.FixedInstallment(in.Principal, in.PeriodRate, in.Installments)
	}

	installments := buildInstallments(loan, projections)

	if err := l.storage.CreateLoan(loan, installments); err != nil {
		return nil, nil, fmt.Errorf("failed to store loan: %w", err)
	}

	l.log.WithFields(logrus.Fields{
		"loan_id":      loan.ID,
		"client_id":    client.ID,
		"principal":    in.Principal.StringFixed(2),
		"installments": in.Installments,
		"method":       in.Method,
	}).Info("loan originated")

	return loan, installments, nil
}

func buildInstallments(loan *models.Loan, projections []schedule.Projection) []*models.Installment {
	installments := make([]*models.Installment, 0, len(projections))
	for _, p := range projections {
		installments = append(installments, &models.Installment{
			ID:                 uuid.New(),
			OwnerID:            loan.OwnerID,
			LoanID:             loan.ID,
			Number:             p.Number,
			DueDate:            p.DueDate,
			ProjectedInterest:  p.Interest,
			ProjectedPrincipal: p.Principal,
			MinimumDue:         p.Total,
			PrincipalAtStart:   p.Balance.Add(p.Principal),
			Status:             models.InstallmentPending,
		})
	}
	return installments
}

// PreviewSchedule generates an amortization schedule without persisting
// anything. Used by the origination form.
func (l *Ledger) PreviewSchedule(terms schedule.Terms, startDate time.Time) ([]schedule.Projection, schedule.Summary, error) {
	projections, err := schedule.Generate(terms, startDate)
	if err != nil {
		return nil, schedule.Summary{}, err
	}
	return projections, schedule.Summarize(terms, projections), nil
}

// PaymentInput carries one payment submission. InstallmentNumber is optional:
// zero targets the oldest open installment, a positive ordinal must name that
// same installment or the payment is rejected.
type PaymentInput struct {
	LoanID            uuid.UUID
	InstallmentNumber int
	Amount            decimal.Decimal
	LateFee           decimal.Decimal
	Method            models.PaymentMethod
	PaidAt            time.Time
	ReceivedBy        string
	Notes             string
}

// PaymentResult reports the applied split and resulting state.
type PaymentResult struct {
	Payment     *models.Payment     `json:"payment"`
	Installment *models.Installment `json:"installment"`
	Loan        *models.Loan        `json:"loan"`
	Message     string              `json:"message"`
}

// ApplyPayment applies one payment to the loan's oldest open installment.
// The split follows the origination-time projection, with any surplus beyond
// the installment's remaining due reducing principal. The payment record and
// both balance updates are written in a single transaction; under the per-loan
// lock the read-allocate-write cycle is serialized, so two concurrent
// payments of the full remaining due can never both settle the installment.
func (l *Ledger) ApplyPayment(ownerID uuid.UUID, in PaymentInput) (*PaymentResult, error) {
	if !in.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidPaymentAmount, in.Amount)
	}
	if !in.Method.Valid() {
		return nil, fmt.Errorf("%w: unknown payment method %q", ErrInvalidPaymentAmount, in.Method)
	}
	if in.LateFee.IsNegative() {
		return nil, fmt.Errorf("%w: late fee cannot be negative", ErrInvalidPaymentAmount)
	}
	paidAt := in.PaidAt
	if paidAt.IsZero() {
		paidAt = time.Now()
	}

	lock := l.loanLock(in.LoanID)
	lock.Lock()
	defer lock.Unlock()

	loan, err := l.storage.GetLoan(ownerID, in.LoanID)
	if err != nil {
		return nil, err
	}
	if !loan.IsActive() {
		return nil, fmt.Errorf("%w: loan is %s", ErrLoanNotPayable, loan.Status)
	}

	installments, err := l.storage.ListInstallments(ownerID, in.LoanID)
	if err != nil {
		return nil, err
	}

	// Payments always land on the oldest open installment.
	var current *models.Installment
	for _, inst := range installments {
		if inst.IsPayable() && !inst.IsSettled() {
			current = inst
			break
		}
	}
	if current == nil {
		return nil, ErrLoanSettled
	}

	if in.InstallmentNumber > 0 {
		named, err := l.storage.GetInstallmentByNumber(ownerID, in.LoanID, in.InstallmentNumber)
		if err != nil {
			return nil, err
		}
		if named.Number != current.Number {
			return nil, fmt.Errorf("%w: installment %d named, %d is next", ErrInstallmentOutOfOrder,
				named.Number, current.Number)
		}
	}

	// Sanity ceiling: the payment may close out the whole installment with
	// surplus, or the whole loan early, but never exceed the total remaining
	// debt (outstanding principal plus every open installment's unpaid
	// projected interest) plus the configured margin.
	interestRemaining := decimal.Zero
	for _, inst := range installments {
		if !inst.IsPayable() || inst.IsSettled() {
			continue
		}
		rem := inst.ProjectedInterest.Sub(inst.InterestPaid)
		if rem.IsPositive() {
			interestRemaining = interestRemaining.Add(rem)
		}
	}
	ceiling := loan.OutstandingPrincipal.Add(interestRemaining).Add(l.cfg.SurplusMargin)
	if in.Amount.GreaterThan(ceiling) {
		return nil, fmt.Errorf("%w: %s exceeds remaining debt %s", ErrPaymentTooLarge,
			in.Amount.StringFixed(2), ceiling.StringFixed(2))
	}

	alloc, err := Allocate(in.Amount, InstallmentView{
		MinimumDue:         current.MinimumDue,
		AmountPaid:         current.AmountPaid,
		ProjectedInterest:  current.ProjectedInterest,
		ProjectedPrincipal: current.ProjectedPrincipal,
	})
	if err != nil {
		return nil, err
	}

	principalBefore := loan.OutstandingPrincipal

	// Installment update.
	current.AmountPaid = current.AmountPaid.Add(in.Amount)
	current.InterestPaid = current.InterestPaid.Add(alloc.Interest)
	current.PrincipalPaid = current.PrincipalPaid.Add(alloc.Principal)
	current.LateFeePaid = current.LateFeePaid.Add(in.LateFee)
	switch {
	case alloc.FullPayment || current.IsSettled():
		current.Status = models.InstallmentPaid
		current.PaidAt = &paidAt
	case current.Status == models.InstallmentOverdue && current.DueDate.Before(paidAt):
		// A partial payment does not clear the overdue flag while the
		// installment is still past due.
	default:
		current.Status = models.InstallmentPartial
	}

	// Loan update.
	loan.OutstandingPrincipal = loan.OutstandingPrincipal.Sub(alloc.Principal)
	if loan.OutstandingPrincipal.LessThanOrEqual(models.Epsilon) {
		loan.OutstandingPrincipal = decimal.Zero
	}
	loan.TotalInterestPaid = loan.TotalInterestPaid.Add(alloc.Interest)
	loan.TotalPrincipalPaid = loan.TotalPrincipalPaid.Add(alloc.Principal)
	loan.TotalLateFeePaid = loan.TotalLateFeePaid.Add(in.LateFee)

	elapsedFrom := loan.StartDate
	if loan.LastPaymentDate != nil {
		elapsedFrom = *loan.LastPaymentDate
	}
	elapsedDays := int(paidAt.Sub(elapsedFrom).Hours() / 24)
	if elapsedDays < 0 {
		elapsedDays = 0
	}
	loan.LastPaymentDate = &paidAt
	loan.UpdatedAt = paidAt

	if current.Status == models.InstallmentPaid {
		loan.InstallmentsPaid++
	}

	// Settlement and overdue recovery. The loan completes as soon as the
	// outstanding principal is within Epsilon of zero, whether that happens on
	// the last installment or through an early payoff. On early payoff the
	// later installments are moot (their projected interest was never owed)
	// and are cancelled in the same transaction.
	updated := []*models.Installment{current}
	if loan.IsSettled() {
		loan.OutstandingPrincipal = decimal.Zero
		loan.Status = models.LoanStatusCompleted
		for _, inst := range installments {
			if inst != current && inst.IsPayable() && !inst.IsSettled() {
				inst.Status = models.InstallmentCancelled
				updated = append(updated, inst)
			}
		}
	} else if loan.Status == models.LoanStatusOverdue {
		pastDue := false
		for _, inst := range installments {
			if inst.IsPayable() && !inst.IsSettled() && inst.DueDate.Before(paidAt) {
				pastDue = true
				break
			}
		}
		if !pastDue {
			loan.Status = models.LoanStatusActive
		}
	}

	payment := &models.Payment{
		ID:                uuid.New(),
		OwnerID:           ownerID,
		LoanID:            loan.ID,
		InstallmentID:     current.ID,
		InstallmentNumber: current.Number,
		ClientID:          loan.ClientID,
		Amount:            in.Amount,
		InterestAmount:    alloc.Interest,
		PrincipalAmount:   alloc.Principal,
		LateFee:           in.LateFee,
		Method:            in.Method,
		PaidAt:            paidAt,
		ElapsedDays:       elapsedDays,
		PrincipalBefore:   principalBefore,
		PrincipalAfter:    loan.OutstandingPrincipal,
		ReceivedBy:        in.ReceivedBy,
		Notes:             in.Notes,
	}

	if err := l.storage.ApplyPayment(payment, updated, loan); err != nil {
		return nil, fmt.Errorf("failed to apply payment: %w", err)
	}

	l.log.WithFields(logrus.Fields{
		"loan_id":     loan.ID,
		"payment_id":  payment.ID,
		"amount":      in.Amount.StringFixed(2),
		"interest":    alloc.Interest.StringFixed(2),
		"principal":   alloc.Principal.StringFixed(2),
		"installment": current.Number,
		"status":      loan.Status,
	}).Info("payment applied")

	if loan.Status == models.LoanStatusCompleted {
		l.releaseCollateral(loan, models.CollateralReturned)
	}

	return &PaymentResult{
		Payment:     payment,
		Installment: current,
		Loan:        loan,
		Message:     alloc.Message,
	}, nil
}

// releaseCollateral updates linked collateral after the loan leaves the
// active pool. Failures are logged, not fatal: the payment already landed.
func (l *Ledger) releaseCollateral(loan *models.Loan, status models.CollateralStatus) {
	if loan.CollateralID == nil {
		return
	}
	col, err := l.storage.GetCollateral(loan.OwnerID, *loan.CollateralID)
	if err != nil {
		l.log.WithError(err).WithField("loan_id", loan.ID).Warn("could not load collateral for release")
		return
	}
	col.Status = status
	col.LoanID = nil
	if err := l.storage.UpdateCollateral(col); err != nil {
		l.log.WithError(err).WithField("loan_id", loan.ID).Warn("could not release collateral")
	}
}

// Restructure replaces the loan's unsettled installments with a fresh
// schedule over the outstanding principal, under new rate and term. Settled
// installments and the payment history are untouched.
func (l *Ledger) Restructure(ownerID, loanID uuid.UUID, newRate decimal.Decimal, newInstallments int, firstDue time.Time) (*models.Loan, []*models.Installment, error) {
	lock := l.loanLock(loanID)
	lock.Lock()
	defer lock.Unlock()

	loan, err := l.storage.GetLoan(ownerID, loanID)
	if err != nil {
		return nil, nil, err
	}
	if !loan.IsActive() {
		return nil, nil, fmt.Errorf("%w: loan is %s", ErrLoanNotPayable, loan.Status)
	}

	projections, err := schedule.RecalculateRemaining(loan.OutstandingPrincipal, newRate, newInstallments, loan.Method, loan.Frequency, firstDue)
	if err != nil {
		return nil, nil, err
	}

	fromNumber := loan.InstallmentsPaid + 1
	replacement := make([]*models.Installment, 0, len(projections))
	for i, p := range projections {
		replacement = append(replacement, &models.Installment{
			ID:                 uuid.New(),
			OwnerID:            ownerID,
			LoanID:             loanID,
			Number:             fromNumber + i,
			DueDate:            p.DueDate,
			ProjectedInterest:  p.Interest,
			ProjectedPrincipal: p.Principal,
			MinimumDue:         p.Total,
			PrincipalAtStart:   p.Balance.Add(p.Principal),
			Status:             models.InstallmentPending,
		})
	}

	loan.PeriodRate = newRate
	loan.InstallmentCount = loan.InstallmentsPaid + newInstallments
	loan.DueDate = projections[len(projections)-1].DueDate
	loan.Status = models.LoanStatusActive
	if loan.Method == models.MethodEqualInstallment {
		loan.FixedInstallment = schedule.FixedInstallment(loan.OutstandingPrincipal, newRate, newInstallments)
	}
	loan.UpdatedAt = time.Now()

	if err := l.storage.RestructureLoan(loan, fromNumber, replacement); err != nil {
		return nil, nil, fmt.Errorf("failed to restructure loan: %w", err)
	}

	l.log.WithFields(logrus.Fields{
		"loan_id":      loan.ID,
		"new_rate":     newRate.String(),
		"installments": newInstallments,
	}).Info("loan restructured")

	return loan, replacement, nil
}

// CancelLoan administratively closes a loan. Unsettled installments move to
// cancelled, the client's active-loan counter drops and linked collateral is
// retained for recovery.
func (l *Ledger) CancelLoan(ownerID, loanID uuid.UUID, reason string) (*models.Loan, error) {
	lock := l.loanLock(loanID)
	lock.Lock()
	defer lock.Unlock()

	loan, err := l.storage.GetLoan(ownerID, loanID)
	if err != nil {
		return nil, err
	}
	if !loan.IsActive() {
		return nil, fmt.Errorf("%w: loan is %s", ErrLoanNotPayable, loan.Status)
	}

	installments, err := l.storage.ListInstallments(ownerID, loanID)
	if err != nil {
		return nil, err
	}
	var open []*models.Installment
	for _, inst := range installments {
		if inst.IsPayable() && !inst.IsSettled() {
			inst.Status = models.InstallmentCancelled
			open = append(open, inst)
		}
	}
	if len(open) > 0 {
		if err := l.storage.UpdateInstallments(open); err != nil {
			return nil, fmt.Errorf("failed to cancel installments: %w", err)
		}
	}

	loan.Status = models.LoanStatusCancelled
	if reason != "" {
		loan.Notes = reason
	}
	loan.UpdatedAt = time.Now()
	if err := l.storage.UpdateLoan(loan); err != nil {
		return nil, fmt.Errorf("failed to cancel loan: %w", err)
	}

	if client, err := l.storage.GetClient(ownerID, loan.ClientID); err == nil {
		if client.ActiveLoans > 0 {
			client.ActiveLoans--
		}
		if err := l.storage.UpdateClient(client); err != nil {
			l.log.WithError(err).WithField("client_id", client.ID).Warn("could not update client loan counter")
		}
	}
	l.releaseCollateral(loan, models.CollateralRetained)

	l.log.WithFields(logrus.Fields{"loan_id": loan.ID, "reason": reason}).Info("loan cancelled")
	return loan, nil
}

// DeleteLoan permanently removes a loan and everything hanging off it.
func (l *Ledger) DeleteLoan(ownerID, loanID uuid.UUID) error {
	lock := l.loanLock(loanID)
	lock.Lock()
	defer lock.Unlock()

	if err := l.storage.DeleteLoan(ownerID, loanID); err != nil {
		return err
	}
	l.log.WithField("loan_id", loanID).Info("loan deleted")
	return nil
}

// MarkOverdue sweeps for unsettled installments past their due date (plus the
// configured grace) and flags installment and loan as overdue. Overdue loans
// still accept payments; a payment that clears the arrears flips the loan
// back to active.
func (l *Ledger) MarkOverdue(asOf time.Time) ([]*models.Installment, error) {
	cutoff := asOf.AddDate(0, 0, -l.cfg.OverdueGraceDays)
	due, err := l.storage.ListDueInstallments(cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list due installments: %w", err)
	}

	var flagged []*models.Installment
	seen := map[uuid.UUID]bool{}
	for _, inst := range due {
		inst.Status = models.InstallmentOverdue
		if err := l.storage.UpdateInstallment(inst); err != nil {
			l.log.WithError(err).WithField("installment_id", inst.ID).Warn("could not flag installment overdue")
			continue
		}
		flagged = append(flagged, inst)

		if seen[inst.LoanID] {
			continue
		}
		seen[inst.LoanID] = true

		loan, err := l.storage.GetLoan(inst.OwnerID, inst.LoanID)
		if err != nil {
			l.log.WithError(err).WithField("loan_id", inst.LoanID).Warn("could not load loan for overdue flag")
			continue
		}
		if loan.Status == models.LoanStatusActive {
			loan.Status = models.LoanStatusOverdue
			loan.UpdatedAt = asOf
			if err := l.storage.UpdateLoan(loan); err != nil {
				l.log.WithError(err).WithField("loan_id", loan.ID).Warn("could not flag loan overdue")
			}
		}
	}

	if len(flagged) > 0 {
		l.log.WithFields(logrus.Fields{"installments": len(flagged), "loans": len(seen)}).Info("overdue sweep complete")
	}
	return flagged, nil
}

// GetLoan retrieves a loan by its ID.
func (l *Ledger) GetLoan(ownerID, id uuid.UUID) (*models.Loan, error) {
	return l.storage.GetLoan(ownerID, id)
}

// ListLoans retrieves loans matching the filter.
func (l *Ledger) ListLoans(ownerID uuid.UUID, f store.LoanFilter) ([]*models.Loan, error) {
	return l.storage.ListLoans(ownerID, f)
}

// ListInstallments retrieves a loan's schedule.
func (l *Ledger) ListInstallments(ownerID, loanID uuid.UUID) ([]*models.Installment, error) {
	return l.storage.ListInstallments(ownerID, loanID)
}

// PaymentHistory retrieves payments matching the filter with totals.
func (l *Ledger) PaymentHistory(f store.PaymentFilter) ([]*models.Payment, *models.PaymentTotals, error) {
	return l.storage.ListPayments(f)
}

// Stats returns portfolio aggregates.
func (l *Ledger) Stats(ownerID uuid.UUID) (*models.DashboardStats, error) {
	return l.storage.Stats(ownerID)
}
