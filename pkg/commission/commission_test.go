package commission

import (
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prestagil/prestagil/pkg/models"
	"github.com/prestagil/prestagil/pkg/store"
)

type fakeStore struct {
	users    map[uuid.UUID]*models.User
	payments []*models.Payment
	payouts  []*models.CommissionPayout
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: map[uuid.UUID]*models.User{}}
}

func (f *fakeStore) GetUser(ownerID, id uuid.UUID) (*models.User, error) {
	u, ok := f.users[id]
	if !ok || u.OwnerID != ownerID {
		return nil, fmt.Errorf("user %s: %w", id, store.ErrNotFound)
	}
	return u, nil
}

func (f *fakeStore) ListPayments(filter store.PaymentFilter) ([]*models.Payment, *models.PaymentTotals, error) {
	var out []*models.Payment
	for _, p := range f.payments {
		if p.OwnerID == filter.OwnerID && p.ReceivedBy == filter.ReceivedBy {
			out = append(out, p)
		}
	}
	return out, &models.PaymentTotals{}, nil
}

func (f *fakeStore) CreatePayout(p *models.CommissionPayout, collector *models.User) error {
	f.payouts = append(f.payouts, p)
	f.users[collector.ID] = collector
	return nil
}

func (f *fakeStore) ListPayouts(ownerID, collectorID uuid.UUID) ([]*models.CommissionPayout, error) {
	var out []*models.CommissionPayout
	for _, p := range f.payouts {
		if p.OwnerID == ownerID && p.CollectorID == collectorID {
			out = append(out, p)
		}
	}
	return out, nil
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func seedCollector(fs *fakeStore, ownerID uuid.UUID, rate string) *models.User {
	u := &models.User{
		ID:             uuid.New(),
		OwnerID:        ownerID,
		Name:           "Pedro Gomez",
		Email:          "pedro@prestagil.app",
		Role:           models.RoleCollector,
		Active:         true,
		CommissionRate: d(rate),
		CreatedAt:      time.Now(),
	}
	fs.users[u.ID] = u
	return u
}

func addPayment(fs *fakeStore, ownerID uuid.UUID, receivedBy, amount string, paidAt time.Time) {
	fs.payments = append(fs.payments, &models.Payment{
		ID:         uuid.New(),
		OwnerID:    ownerID,
		LoanID:     uuid.New(),
		ClientID:   uuid.New(),
		Amount:     d(amount),
		Method:     models.PaymentMethodCash,
		PaidAt:     paidAt,
		ReceivedBy: receivedBy,
	})
}

func TestReportWindows(t *testing.T) {
	fs := newFakeStore()
	ownerID := uuid.New()
	collector := seedCollector(fs, ownerID, "10")
	calc := NewCalculator(fs, quietLogger())

	// A Wednesday, so Monday of the same week is two days back.
	asOf := time.Date(2025, 6, 18, 15, 0, 0, 0, time.UTC)

	addPayment(fs, ownerID, collector.Email, "500", asOf.Add(-2*time.Hour))         // today
	addPayment(fs, ownerID, collector.Email, "300", asOf.AddDate(0, 0, -1))         // this week
	addPayment(fs, ownerID, collector.Email, "200", asOf.AddDate(0, 0, -10))        // this month only
	addPayment(fs, ownerID, collector.Email, "1000", asOf.AddDate(0, -2, 0))        // total only
	addPayment(fs, ownerID, "someone-else@prestagil.app", "9999", asOf)             // other collector
	addPayment(fs, ownerID, collector.Email, "400", asOf.Add(time.Hour))            // in the future, excluded

	b, err := calc.Report(ownerID, collector.ID, asOf)
	require.NoError(t, err)

	assert.True(t, b.Today.Collected.Equal(d("500")), "today: %s", b.Today.Collected)
	assert.True(t, b.Week.Collected.Equal(d("800")), "week: %s", b.Week.Collected)
	assert.True(t, b.Month.Collected.Equal(d("1000")), "month: %s", b.Month.Collected)
	assert.True(t, b.Total.Collected.Equal(d("2000")), "total: %s", b.Total.Collected)

	assert.True(t, b.Today.Commission.Equal(d("50")))
	assert.True(t, b.Total.Commission.Equal(d("200")))
	assert.Equal(t, 4, b.Total.Count)
	assert.True(t, b.Pending.Equal(d("200")))
}

func TestReportPendingAccountsForPaidOut(t *testing.T) {
	fs := newFakeStore()
	ownerID := uuid.New()
	collector := seedCollector(fs, ownerID, "5")
	collector.CommissionPaid = d("30")
	calc := NewCalculator(fs, quietLogger())

	now := time.Now()
	addPayment(fs, ownerID, collector.Email, "1000", now.AddDate(0, 0, -3))

	b, err := calc.Report(ownerID, collector.ID, now)
	require.NoError(t, err)
	assert.True(t, b.Total.Commission.Equal(d("50")))
	assert.True(t, b.Pending.Equal(d("20")), "pending: %s", b.Pending)
}

func TestReportRejectsNonCollector(t *testing.T) {
	fs := newFakeStore()
	ownerID := uuid.New()
	admin := &models.User{ID: uuid.New(), OwnerID: ownerID, Email: "boss@prestagil.app", Role: models.RoleAdmin}
	fs.users[admin.ID] = admin
	calc := NewCalculator(fs, quietLogger())

	_, err := calc.Report(ownerID, admin.ID, time.Now())
	assert.ErrorIs(t, err, ErrNotACollector)
}

func TestPayout(t *testing.T) {
	fs := newFakeStore()
	ownerID := uuid.New()
	collector := seedCollector(fs, ownerID, "10")
	calc := NewCalculator(fs, quietLogger())

	addPayment(fs, ownerID, collector.Email, "2000", time.Now().AddDate(0, 0, -1))

	payout, err := calc.Payout(ownerID, collector.ID, d("150"), models.PaymentMethodCash, "")
	require.NoError(t, err)
	assert.True(t, payout.Amount.Equal(d("150")))
	assert.True(t, collector.CommissionPaid.Equal(d("150")))
	assert.NotNil(t, collector.LastCommissionPayout)

	// Remaining pending is 50; overdrawing fails and records nothing.
	_, err = calc.Payout(ownerID, collector.ID, d("60"), models.PaymentMethodCash, "")
	assert.ErrorIs(t, err, ErrPayoutExceedsPending)
	require.Len(t, fs.payouts, 1)

	// Settling the exact remainder works.
	_, err = calc.Payout(ownerID, collector.ID, d("50"), models.PaymentMethodTransfer, "month close")
	require.NoError(t, err)
	assert.True(t, collector.CommissionPaid.Equal(d("200")))

	history, err := calc.History(ownerID, collector.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestPayoutRejectsBadAmount(t *testing.T) {
	fs := newFakeStore()
	ownerID := uuid.New()
	collector := seedCollector(fs, ownerID, "10")
	calc := NewCalculator(fs, quietLogger())

	_, err := calc.Payout(ownerID, collector.ID, decimal.Zero, models.PaymentMethodCash, "")
	assert.ErrorIs(t, err, ErrInvalidPayout)

	_, err = calc.Payout(ownerID, collector.ID, d("-5"), models.PaymentMethodCash, "")
	assert.ErrorIs(t, err, ErrInvalidPayout)
}
