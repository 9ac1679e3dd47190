// Package commission derives collector commission from the payment ledger.
// Nothing about generated commission is stored: the ledger is the source of
// truth, and only the cumulative paid-out total lives on the collector record.
package commission

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/prestagil/prestagil/pkg/models"
	"github.com/prestagil/prestagil/pkg/store"
)

var (
	// ErrNotACollector is returned when the target user carries no commission.
	ErrNotACollector = errors.New("user is not a collector")
	// ErrInvalidPayout is returned for zero or negative payout amounts.
	ErrInvalidPayout = errors.New("invalid payout amount")
	// ErrPayoutExceedsPending is returned when a payout would overdraw the
	// collector's pending balance.
	ErrPayoutExceedsPending = errors.New("payout exceeds pending commission")
)

var hundred = decimal.NewFromInt(100)

// Store is the slice of persistence the calculator needs.
type Store interface {
	GetUser(ownerID, id uuid.UUID) (*models.User, error)
	ListPayments(f store.PaymentFilter) ([]*models.Payment, *models.PaymentTotals, error)
	CreatePayout(p *models.CommissionPayout, collector *models.User) error
	ListPayouts(ownerID, collectorID uuid.UUID) ([]*models.CommissionPayout, error)
}

// Window aggregates collections and the commission they generate over one
// time span.
type Window struct {
	Collected  decimal.Decimal `json:"collected"`
	Commission decimal.Decimal `json:"commission"`
	Count      int             `json:"count"`
}

// Breakdown is a collector's commission report: rolling windows anchored on
// the report date, plus the running settlement position.
type Breakdown struct {
	CollectorID uuid.UUID       `json:"collectorId"`
	Rate        decimal.Decimal `json:"rate"` // percent

	Today Window `json:"today"`
	Week  Window `json:"week"`  // since Monday
	Month Window `json:"month"` // since the 1st
	Total Window `json:"total"`

	Paid    decimal.Decimal `json:"paid"`
	Pending decimal.Decimal `json:"pending"`
}

// Calculator computes commission reports and records payouts.
type Calculator struct {
	storage Store
	log     *logrus.Logger
}

// NewCalculator creates a Calculator backed by the given store.
func NewCalculator(s Store, log *logrus.Logger) *Calculator {
	return &Calculator{storage: s, log: log}
}

// Report builds the commission breakdown for one collector as of a point in
// time. Commission is recomputed from the full payment ledger on every call,
// so a corrected payment history immediately reflects here.
func (c *Calculator) Report(ownerID, collectorID uuid.UUID, asOf time.Time) (*Breakdown, error) {
	collector, err := c.storage.GetUser(ownerID, collectorID)
	if err != nil {
		return nil, err
	}
	if !collector.IsCollector() {
		return nil, fmt.Errorf("%w: %s has role %s", ErrNotACollector, collector.Email, collector.Role)
	}

	payments, _, err := c.storage.ListPayments(store.PaymentFilter{
		OwnerID:    ownerID,
		ReceivedBy: collector.Email,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load payment ledger: %w", err)
	}

	dayStart := time.Date(asOf.Year(), asOf.Month(), asOf.Day(), 0, 0, 0, 0, asOf.Location())
	weekStart := startOfWeek(dayStart)
	monthStart := time.Date(asOf.Year(), asOf.Month(), 1, 0, 0, 0, 0, asOf.Location())

	b := &Breakdown{
		CollectorID: collector.ID,
		Rate:        collector.CommissionRate,
		Paid:        collector.CommissionPaid,
	}
	for _, p := range payments {
		if p.PaidAt.After(asOf) {
			continue
		}
		accumulate(&b.Total, p.Amount)
		if !p.PaidAt.Before(monthStart) {
			accumulate(&b.Month, p.Amount)
		}
		if !p.PaidAt.Before(weekStart) {
			accumulate(&b.Week, p.Amount)
		}
		if !p.PaidAt.Before(dayStart) {
			accumulate(&b.Today, p.Amount)
		}
	}

	for _, w := range []*Window{&b.Today, &b.Week, &b.Month, &b.Total} {
		w.Commission = w.Collected.Mul(collector.CommissionRate).Div(hundred).Round(2)
	}

	b.Pending = b.Total.Commission.Sub(collector.CommissionPaid)
	if b.Pending.IsNegative() {
		b.Pending = decimal.Zero
	}
	return b, nil
}

func accumulate(w *Window, amount decimal.Decimal) {
	w.Collected = w.Collected.Add(amount)
	w.Count++
}

// startOfWeek returns the Monday 00:00 on or before t.
func startOfWeek(t time.Time) time.Time {
	offset := (int(t.Weekday()) + 6) % 7
	return t.AddDate(0, 0, -offset)
}

// Payout settles part or all of a collector's pending commission. The payout
// record and the collector's cumulative paid total are written in one
// transaction, so the pending balance can never be drawn down twice by the
// same settlement.
func (c *Calculator) Payout(ownerID, collectorID uuid.UUID, amount decimal.Decimal, method models.PaymentMethod, notes string) (*models.CommissionPayout, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidPayout, amount)
	}

	now := time.Now()
	b, err := c.Report(ownerID, collectorID, now)
	if err != nil {
		return nil, err
	}
	if amount.Sub(b.Pending).GreaterThan(models.Epsilon) {
		return nil, fmt.Errorf("%w: %s pending, %s requested", ErrPayoutExceedsPending,
			b.Pending.StringFixed(2), amount.StringFixed(2))
	}

	collector, err := c.storage.GetUser(ownerID, collectorID)
	if err != nil {
		return nil, err
	}
	collector.CommissionPaid = collector.CommissionPaid.Add(amount)
	collector.LastCommissionPayout = &now

	payout := &models.CommissionPayout{
		ID:          uuid.New(),
		OwnerID:     ownerID,
		CollectorID: collectorID,
		Amount:      amount,
		Method:      method,
		Notes:       notes,
		PaidAt:      now,
	}
	if err := c.storage.CreatePayout(payout, collector); err != nil {
		return nil, fmt.Errorf("failed to record payout: %w", err)
	}

	c.log.WithFields(logrus.Fields{
		"collector_id": collectorID,
		"amount":       amount.StringFixed(2),
	}).Info("commission paid out")

	return payout, nil
}

// History lists past payouts to one collector.
func (c *Calculator) History(ownerID, collectorID uuid.UUID) ([]*models.CommissionPayout, error) {
	return c.storage.ListPayouts(ownerID, collectorID)
}
