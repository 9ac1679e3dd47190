package store

import (
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prestagil/prestagil/pkg/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "store_test.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func dec(t *testing.T, v string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(v)
	require.NoError(t, err)
	return d
}

func seedUser(t *testing.T, s *SQLiteStore, role models.Role) *models.User {
	t.Helper()

	id := uuid.New()
	ownerID := id
	if role != models.RoleAdmin {
		ownerID = uuid.New()
	}
	u := &models.User{
		ID:             id,
		OwnerID:        ownerID,
		Name:           "Test " + string(role),
		Email:          id.String()[:8] + "@test.local",
		Role:           role,
		Active:         true,
		PasswordHash:   "$2a$10$fakefakefakefakefakefake",
		CommissionRate: dec(t, "10"),
		CreatedAt:      time.Now(),
	}
	require.NoError(t, s.CreateUser(u))
	return u
}

func seedClient(t *testing.T, s *SQLiteStore, ownerID uuid.UUID) *models.Client {
	t.Helper()

	c := &models.Client{
		ID:      uuid.New(),
		OwnerID: ownerID,
		Name:    "Carmen Diaz",
		Phone:   "555-0102",
		References: []models.Reference{
			{Name: "Rosa Diaz", Phone: "555-0103", Relation: "sister"},
		},
		Standing:     models.StandingGood,
		RegisteredAt: time.Now(),
	}
	require.NoError(t, s.CreateClient(c))
	return c
}

// seedLoan stores a two-installment loan (600/400 then 580/420 splits on a
// 1000-per-period schedule) together with its client.
func seedLoan(t *testing.T, s *SQLiteStore, ownerID uuid.UUID, collateralID *uuid.UUID) (*models.Loan, []*models.Installment) {
	t.Helper()

	client := seedClient(t, s, ownerID)
	now := time.Now()
	loan := &models.Loan{
		ID:                   uuid.New(),
		OwnerID:              ownerID,
		ClientID:             client.ID,
		ClientName:           client.Name,
		CollateralID:         collateralID,
		Principal:            dec(t, "820"),
		OutstandingPrincipal: dec(t, "820"),
		PeriodRate:           dec(t, "5"),
		Frequency:            models.FrequencyMonthly,
		Method:               models.MethodEqualInstallment,
		InstallmentCount:     2,
		InstallmentsPaid:     0,
		StartDate:            now,
		DueDate:              now.AddDate(0, 0, 60),
		Status:               models.LoanStatusActive,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	var installments []*models.Installment
	splits := [][2]string{{"600", "400"}, {"580", "420"}}
	for i, sp := range splits {
		interest := dec(t, sp[0])
		principal := dec(t, sp[1])
		installments = append(installments, &models.Installment{
			ID:                 uuid.New(),
			OwnerID:            ownerID,
			LoanID:             loan.ID,
			Number:             i + 1,
			DueDate:            now.AddDate(0, 0, 30*(i+1)),
			ProjectedInterest:  interest,
			ProjectedPrincipal: principal,
			MinimumDue:         interest.Add(principal),
			PrincipalAtStart:   loan.Principal,
			Status:             models.InstallmentPending,
		})
	}
	require.NoError(t, s.CreateLoan(loan, installments))
	return loan, installments
}

func TestUserRoundTrip(t *testing.T) {
	s := newTestStore(t)

	admin := seedUser(t, s, models.RoleAdmin)

	got, err := s.GetUser(admin.OwnerID, admin.ID)
	require.NoError(t, err)
	assert.Equal(t, admin.Email, got.Email)
	assert.True(t, got.CommissionRate.Equal(dec(t, "10")))
	assert.True(t, got.Active)

	got, err = s.GetUserByEmail(admin.Email)
	require.NoError(t, err)
	assert.Equal(t, admin.ID, got.ID)

	got.Name = "Renamed"
	got.Active = false
	require.NoError(t, s.UpdateUser(got))

	got, err = s.GetUser(admin.OwnerID, admin.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
	assert.False(t, got.Active)

	// Wrong owner scope must not see the user.
	_, err = s.GetUser(uuid.New(), admin.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListUsersRoleFilter(t *testing.T) {
	s := newTestStore(t)

	admin := seedUser(t, s, models.RoleAdmin)
	collector := &models.User{
		ID:           uuid.New(),
		OwnerID:      admin.OwnerID,
		Name:         "Collector One",
		Email:        "c1@test.local",
		Role:         models.RoleCollector,
		Active:       true,
		PasswordHash: "x",
		CreatedAt:    time.Now(),
	}
	require.NoError(t, s.CreateUser(collector))

	all, err := s.ListUsers(admin.OwnerID, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	role := models.RoleCollector
	collectors, err := s.ListUsers(admin.OwnerID, &role)
	require.NoError(t, err)
	require.Len(t, collectors, 1)
	assert.Equal(t, collector.ID, collectors[0].ID)
}

func TestClientRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ownerID := uuid.New()

	client := seedClient(t, s, ownerID)

	got, err := s.GetClient(ownerID, client.ID)
	require.NoError(t, err)
	require.Len(t, got.References, 1)
	assert.Equal(t, "Rosa Diaz", got.References[0].Name)
	assert.Equal(t, models.StandingGood, got.Standing)

	got.Standing = models.StandingLate
	got.Notes = "late twice in a row"
	require.NoError(t, s.UpdateClient(got))

	got, err = s.GetClient(ownerID, client.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StandingLate, got.Standing)

	require.NoError(t, s.DeleteClient(ownerID, client.ID))
	_, err = s.GetClient(ownerID, client.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateLoanSideEffects(t *testing.T) {
	s := newTestStore(t)
	ownerID := uuid.New()

	col := &models.Collateral{
		ID:             uuid.New(),
		OwnerID:        ownerID,
		Type:           models.CollateralVehicle,
		Description:    "2014 motorbike",
		EstimatedValue: dec(t, "1500"),
		Status:         models.CollateralAvailable,
		RegisteredAt:   time.Now(),
	}
	require.NoError(t, s.CreateCollateral(col))

	loan, installments := seedLoan(t, s, ownerID, &col.ID)

	got, err := s.GetLoan(ownerID, loan.ID)
	require.NoError(t, err)
	assert.True(t, got.OutstandingPrincipal.Equal(dec(t, "820")))
	assert.Equal(t, models.LoanStatusActive, got.Status)

	client, err := s.GetClient(ownerID, loan.ClientID)
	require.NoError(t, err)
	assert.Equal(t, 1, client.ActiveLoans)

	gotCol, err := s.GetCollateral(ownerID, col.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CollateralInUse, gotCol.Status)
	require.NotNil(t, gotCol.LoanID)
	assert.Equal(t, loan.ID, *gotCol.LoanID)

	list, err := s.ListInstallments(ownerID, loan.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 1, list[0].Number)
	assert.Equal(t, 2, list[1].Number)
	assert.True(t, list[0].MinimumDue.Equal(dec(t, "1000")))

	byNumber, err := s.GetInstallmentByNumber(ownerID, loan.ID, installments[1].Number)
	require.NoError(t, err)
	assert.Equal(t, installments[1].ID, byNumber.ID)
}

func TestApplyPaymentTransaction(t *testing.T) {
	s := newTestStore(t)
	ownerID := uuid.New()
	loan, installments := seedLoan(t, s, ownerID, nil)

	now := time.Now()
	inst := installments[0]
	inst.AmountPaid = dec(t, "1000")
	inst.InterestPaid = dec(t, "600")
	inst.PrincipalPaid = dec(t, "400")
	inst.Status = models.InstallmentPaid
	inst.PaidAt = &now

	loan.OutstandingPrincipal = dec(t, "420")
	loan.InstallmentsPaid = 1
	loan.LastPaymentDate = &now
	loan.TotalInterestPaid = dec(t, "600")
	loan.TotalPrincipalPaid = dec(t, "400")
	loan.UpdatedAt = now

	// The second installment rides along in the same transaction, the way an
	// early payoff cancels the moot tail.
	tail := installments[1]
	tail.Status = models.InstallmentCancelled

	payment := &models.Payment{
		ID:                uuid.New(),
		OwnerID:           ownerID,
		LoanID:            loan.ID,
		InstallmentID:     inst.ID,
		InstallmentNumber: 1,
		ClientID:          loan.ClientID,
		Amount:            dec(t, "1000"),
		InterestAmount:    dec(t, "600"),
		PrincipalAmount:   dec(t, "400"),
		Method:            models.PaymentMethodCash,
		PaidAt:            now,
		PrincipalBefore:   dec(t, "820"),
		PrincipalAfter:    dec(t, "420"),
		ReceivedBy:        "admin@test.local",
	}
	require.NoError(t, s.ApplyPayment(payment, []*models.Installment{inst, tail}, loan))

	gotLoan, err := s.GetLoan(ownerID, loan.ID)
	require.NoError(t, err)
	assert.True(t, gotLoan.OutstandingPrincipal.Equal(dec(t, "420")))
	assert.Equal(t, 1, gotLoan.InstallmentsPaid)
	require.NotNil(t, gotLoan.LastPaymentDate)

	gotInst, err := s.GetInstallmentByNumber(ownerID, loan.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.InstallmentPaid, gotInst.Status)
	assert.True(t, gotInst.AmountPaid.Equal(dec(t, "1000")))

	gotTail, err := s.GetInstallmentByNumber(ownerID, loan.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, models.InstallmentCancelled, gotTail.Status)

	payments, totals, err := s.ListPayments(PaymentFilter{OwnerID: ownerID})
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.True(t, totals.Amount.Equal(dec(t, "1000")))
	assert.True(t, totals.Interest.Equal(dec(t, "600")))
}

func TestApplyPaymentRollsBackOnMissingInstallment(t *testing.T) {
	s := newTestStore(t)
	ownerID := uuid.New()
	loan, _ := seedLoan(t, s, ownerID, nil)

	ghost := &models.Installment{
		ID:      uuid.New(), // never inserted
		OwnerID: ownerID,
		LoanID:  loan.ID,
		Number:  99,
		Status:  models.InstallmentPaid,
	}
	payment := &models.Payment{
		ID:            uuid.New(),
		OwnerID:       ownerID,
		LoanID:        loan.ID,
		InstallmentID: ghost.ID,
		ClientID:      loan.ClientID,
		Amount:        dec(t, "1000"),
		Method:        models.PaymentMethodCash,
		PaidAt:        time.Now(),
	}

	err := s.ApplyPayment(payment, []*models.Installment{ghost}, loan)
	assert.ErrorIs(t, err, ErrNotFound)

	// The whole transaction must have rolled back, payment included.
	payments, _, err := s.ListPayments(PaymentFilter{OwnerID: ownerID})
	require.NoError(t, err)
	assert.Empty(t, payments)
}

func TestDeleteLoanCascade(t *testing.T) {
	s := newTestStore(t)
	ownerID := uuid.New()

	col := &models.Collateral{
		ID:           uuid.New(),
		OwnerID:      ownerID,
		Type:         models.CollateralOther,
		Description:  "tools",
		Status:       models.CollateralAvailable,
		RegisteredAt: time.Now(),
	}
	require.NoError(t, s.CreateCollateral(col))

	loan, installments := seedLoan(t, s, ownerID, &col.ID)

	require.NoError(t, s.DeleteLoan(ownerID, loan.ID))

	_, err := s.GetLoan(ownerID, loan.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetInstallmentByNumber(ownerID, loan.ID, installments[0].Number)
	assert.ErrorIs(t, err, ErrNotFound)

	client, err := s.GetClient(ownerID, loan.ClientID)
	require.NoError(t, err)
	assert.Equal(t, 0, client.ActiveLoans)

	gotCol, err := s.GetCollateral(ownerID, col.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CollateralReleased, gotCol.Status)
	assert.Nil(t, gotCol.LoanID)
}

func TestRestructureLoanReplacesTail(t *testing.T) {
	s := newTestStore(t)
	ownerID := uuid.New()
	loan, _ := seedLoan(t, s, ownerID, nil)

	// Replace installment 2 onward with three smaller ones.
	now := time.Now()
	var replacement []*models.Installment
	for i := 0; i < 3; i++ {
		replacement = append(replacement, &models.Installment{
			ID:                 uuid.New(),
			OwnerID:            ownerID,
			LoanID:             loan.ID,
			Number:             2 + i,
			DueDate:            now.AddDate(0, 0, 30*(i+1)),
			ProjectedInterest:  dec(t, "20"),
			ProjectedPrincipal: dec(t, "140"),
			MinimumDue:         dec(t, "160"),
			PrincipalAtStart:   dec(t, "420"),
			Status:             models.InstallmentPending,
		})
	}
	loan.PeriodRate = dec(t, "2")
	loan.InstallmentCount = 4
	loan.DueDate = replacement[2].DueDate
	loan.UpdatedAt = now
	require.NoError(t, s.RestructureLoan(loan, 2, replacement))

	list, err := s.ListInstallments(ownerID, loan.ID)
	require.NoError(t, err)
	require.Len(t, list, 4)
	assert.Equal(t, 1, list[0].Number) // original head survives
	assert.True(t, list[1].MinimumDue.Equal(dec(t, "160")))
	assert.Equal(t, 4, list[3].Number)

	got, err := s.GetLoan(ownerID, loan.ID)
	require.NoError(t, err)
	assert.True(t, got.PeriodRate.Equal(dec(t, "2")))
	assert.Equal(t, 4, got.InstallmentCount)
}

func TestListDueInstallments(t *testing.T) {
	s := newTestStore(t)

	ownerA := uuid.New()
	ownerB := uuid.New()
	_, instA := seedLoan(t, s, ownerA, nil)
	_, instB := seedLoan(t, s, ownerB, nil)

	// Push the first installment of each loan into the past.
	past := time.Now().AddDate(0, 0, -10)
	instA[0].DueDate = past
	instB[0].DueDate = past
	require.NoError(t, s.UpdateInstallment(instA[0]))
	require.NoError(t, s.UpdateInstallment(instB[0]))

	// A settled installment past its due date is not due.
	instB[0].Status = models.InstallmentPaid
	require.NoError(t, s.UpdateInstallment(instB[0]))

	due, err := s.ListDueInstallments(time.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, instA[0].ID, due[0].ID)

	// Nothing is due before the earliest due date.
	due, err = s.ListDueInstallments(past.AddDate(0, 0, -1))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestListPaymentsFilters(t *testing.T) {
	s := newTestStore(t)
	ownerID := uuid.New()
	loan, installments := seedLoan(t, s, ownerID, nil)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	addPayment := func(amount, receivedBy string, paidAt time.Time) {
		p := &models.Payment{
			ID:            uuid.New(),
			OwnerID:       ownerID,
			LoanID:        loan.ID,
			InstallmentID: installments[0].ID,
			ClientID:      loan.ClientID,
			Amount:        dec(t, amount),
			Method:        models.PaymentMethodCash,
			PaidAt:        paidAt,
			ReceivedBy:    receivedBy,
		}
		require.NoError(t, s.ApplyPayment(p, []*models.Installment{installments[0]}, loan))
	}
	addPayment("100", "collector@test.local", base)
	addPayment("200", "collector@test.local", base.AddDate(0, 0, 5))
	addPayment("300", "admin@test.local", base.AddDate(0, 0, 10))

	payments, totals, err := s.ListPayments(PaymentFilter{OwnerID: ownerID})
	require.NoError(t, err)
	assert.Len(t, payments, 3)
	assert.True(t, totals.Amount.Equal(dec(t, "600")))
	assert.Equal(t, 3, totals.Count)

	payments, _, err = s.ListPayments(PaymentFilter{OwnerID: ownerID, ReceivedBy: "collector@test.local"})
	require.NoError(t, err)
	assert.Len(t, payments, 2)

	from := base.AddDate(0, 0, 3)
	to := base.AddDate(0, 0, 7)
	payments, totals, err = s.ListPayments(PaymentFilter{OwnerID: ownerID, From: &from, To: &to})
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.True(t, totals.Amount.Equal(dec(t, "200")))

	payments, _, err = s.ListPayments(PaymentFilter{OwnerID: ownerID, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, payments, 2)

	// Another owner sees nothing.
	payments, _, err = s.ListPayments(PaymentFilter{OwnerID: uuid.New()})
	require.NoError(t, err)
	assert.Empty(t, payments)
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ownerID := uuid.New()

	loan, installments := seedLoan(t, s, ownerID, nil)

	p := &models.Payment{
		ID:             uuid.New(),
		OwnerID:        ownerID,
		LoanID:         loan.ID,
		InstallmentID:  installments[0].ID,
		ClientID:       loan.ClientID,
		Amount:         dec(t, "1000"),
		InterestAmount: dec(t, "600"),
		Method:         models.PaymentMethodCash,
		PaidAt:         time.Now(),
	}
	require.NoError(t, s.ApplyPayment(p, []*models.Installment{installments[0]}, loan))

	stats, err := s.Stats(ownerID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ActiveLoans)
	assert.Equal(t, 1, stats.TotalClients)
	assert.Equal(t, 1, stats.PaymentCount)
	assert.True(t, stats.TotalLent.Equal(dec(t, "820")), "total lent = %s", stats.TotalLent)
	assert.True(t, stats.TotalCollected.Equal(dec(t, "1000")))
	assert.True(t, stats.InterestCollected.Equal(dec(t, "600")))
}

func TestCreatePayoutUpdatesCollector(t *testing.T) {
	s := newTestStore(t)

	collector := seedUser(t, s, models.RoleCollector)

	now := time.Now()
	collector.CommissionPaid = dec(t, "60")
	collector.LastCommissionPayout = &now
	payout := &models.CommissionPayout{
		ID:          uuid.New(),
		OwnerID:     collector.OwnerID,
		CollectorID: collector.ID,
		Amount:      dec(t, "60"),
		Method:      models.PaymentMethodCash,
		PaidAt:      now,
	}
	require.NoError(t, s.CreatePayout(payout, collector))

	got, err := s.GetUser(collector.OwnerID, collector.ID)
	require.NoError(t, err)
	assert.True(t, got.CommissionPaid.Equal(dec(t, "60")))
	require.NotNil(t, got.LastCommissionPayout)

	payouts, err := s.ListPayouts(collector.OwnerID, collector.ID)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	assert.True(t, payouts[0].Amount.Equal(dec(t, "60")))
}
