package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/prestagil/prestagil/pkg/ledger"
	"github.com/prestagil/prestagil/pkg/models"
	"github.com/prestagil/prestagil/pkg/schedule"
	"github.com/prestagil/prestagil/pkg/store"
)

// ---- clients ----

func (s *Server) createClientHandler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	var req struct {
		Name       string             `json:"name"`
		Phone      string             `json:"phone"`
		Address    string             `json:"address"`
		Email      string             `json:"email"`
		References []models.Reference `json:"references"`
		Notes      string             `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		s.respondError(w, http.StatusBadRequest, "client name is required")
		return
	}

	client := &models.Client{
		ID:           uuid.New(),
		OwnerID:      claims.OwnerID,
		Name:         req.Name,
		Phone:        req.Phone,
		Address:      req.Address,
		Email:        req.Email,
		References:   req.References,
		Standing:     models.StandingGood,
		Notes:        req.Notes,
		RegisteredAt: time.Now(),
	}
	if err := s.storage.CreateClient(client); err != nil {
		s.serviceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, client)
}

func (s *Server) listClientsHandler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	clients, err := s.storage.ListClients(claims.OwnerID)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, clients)
}

func (s *Server) getClientHandler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid client ID")
		return
	}
	client, err := s.storage.GetClient(claims.OwnerID, id)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, client)
}

func (s *Server) updateClientHandler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid client ID")
		return
	}
	client, err := s.storage.GetClient(claims.OwnerID, id)
	if err != nil {
		s.serviceError(w, err)
		return
	}

	var req struct {
		Name       *string                 `json:"name"`
		Phone      *string                 `json:"phone"`
		Address    *string                 `json:"address"`
		Email      *string                 `json:"email"`
		References *[]models.Reference     `json:"references"`
		Standing   *models.PaymentStanding `json:"standing"`
		Notes      *string                 `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name != nil {
		client.Name = *req.Name
	}
	if req.Phone != nil {
		client.Phone = *req.Phone
	}
	if req.Address != nil {
		client.Address = *req.Address
	}
	if req.Email != nil {
		client.Email = *req.Email
	}
	if req.References != nil {
		client.References = *req.References
	}
	if req.Standing != nil {
		client.Standing = *req.Standing
	}
	if req.Notes != nil {
		client.Notes = *req.Notes
	}

	if err := s.storage.UpdateClient(client); err != nil {
		s.serviceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, client)
}

func (s *Server) deleteClientHandler(w http.ResponseWriter, r *http.Request) {
	claims := s.requireAdmin(w, r)
	if claims == nil {
		return
	}
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid client ID")
		return
	}
	client, err := s.storage.GetClient(claims.OwnerID, id)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	if client.ActiveLoans > 0 {
		s.respondError(w, http.StatusConflict, "client still has active loans")
		return
	}
	if err := s.storage.DeleteClient(claims.OwnerID, id); err != nil {
		s.serviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- loans ----

type loanTermsRequest struct {
	Principal    decimal.Decimal           `json:"principal"`
	PeriodRate   decimal.Decimal           `json:"periodRate"`
	Installments int                       `json:"installments"`
	Method       models.AmortizationMethod `json:"method"`
	Frequency    models.PaymentFrequency   `json:"frequency"`
	StartDate    time.Time                 `json:"startDate"`
}

func (s *Server) previewScheduleHandler(w http.ResponseWriter, r *http.Request) {
	var req loanTermsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	start := req.StartDate
	if start.IsZero() {
		start = time.Now()
	}
	projections, summary, err := s.ledger.PreviewSchedule(schedule.Terms{
		Principal:    req.Principal,
		PeriodRate:   req.PeriodRate,
		Installments: req.Installments,
		Method:       req.Method,
		Frequency:    req.Frequency,
	}, start)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"schedule": projections, "summary": summary})
}

func (s *Server) createLoanHandler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	var req struct {
		loanTermsRequest
		ClientID     uuid.UUID  `json:"clientId"`
		CollectorID  *uuid.UUID `json:"collectorId"`
		CollateralID *uuid.UUID `json:"collateralId"`
		Notes        string     `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	start := req.StartDate
	if start.IsZero() {
		start = time.Now()
	}

	loan, installments, err := s.ledger.CreateLoan(claims.OwnerID, ledger.CreateLoanInput{
		ClientID:     req.ClientID,
		CollectorID:  req.CollectorID,
		CollateralID: req.CollateralID,
		Principal:    req.Principal,
		PeriodRate:   req.PeriodRate,
		Installments: req.Installments,
		Method:       req.Method,
		Frequency:    req.Frequency,
		StartDate:    start,
		Notes:        req.Notes,
	})
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]any{"loan": loan, "installments": installments})
}

func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	var f store.LoanFilter
	q := r.URL.Query()
	if v := q.Get("status"); v != "" {
		status := models.LoanStatus(v)
		f.Status = &status
	}
	if v := q.Get("clientId"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid clientId filter")
			return
		}
		f.ClientID = &id
	}
	if v := q.Get("collectorId"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid collectorId filter")
			return
		}
		f.CollectorID = &id
	}

	loans, err := s.ledger.ListLoans(claims.OwnerID, f)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, loans)
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid loan ID")
		return
	}
	loan, err := s.ledger.GetLoan(claims.OwnerID, id)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, loan)
}

// updateLoanHandler reassigns the collector or edits notes. Loan terms are
// immutable after origination; restructuring is the only way to change them.
func (s *Server) updateLoanHandler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid loan ID")
		return
	}
	loan, err := s.ledger.GetLoan(claims.OwnerID, id)
	if err != nil {
		s.serviceError(w, err)
		return
	}

	var req struct {
		CollectorID *uuid.UUID `json:"collectorId"`
		Notes       *string    `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.CollectorID != nil {
		collector, cerr := s.storage.GetUser(claims.OwnerID, *req.CollectorID)
		if cerr != nil {
			s.serviceError(w, cerr)
			return
		}
		if !collector.IsCollector() {
			s.respondError(w, http.StatusBadRequest, "assigned user is not a collector")
			return
		}
		loan.CollectorID = req.CollectorID
		loan.CollectorName = collector.Name
	}
	if req.Notes != nil {
		loan.Notes = *req.Notes
	}
	loan.UpdatedAt = time.Now()

	if err := s.storage.UpdateLoan(loan); err != nil {
		s.serviceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, loan)
}

func (s *Server) deleteLoanHandler(w http.ResponseWriter, r *http.Request) {
	claims := s.requireAdmin(w, r)
	if claims == nil {
		return
	}
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid loan ID")
		return
	}
	if err := s.ledger.DeleteLoan(claims.OwnerID, id); err != nil {
		s.serviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listInstallmentsHandler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid loan ID")
		return
	}
	installments, err := s.ledger.ListInstallments(claims.OwnerID, id)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, installments)
}

// recordPaymentHandler applies a payment to the loan's oldest open
// installment. The ordinal variant additionally checks the named installment
// is that one; installments settle strictly in order.
func (s *Server) recordPaymentHandler(w http.ResponseWriter, r *http.Request) {
	s.handlePayment(w, r, 0)
}

func (s *Server) recordInstallmentPaymentHandler(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(mux.Vars(r)["n"])
	if err != nil || number < 1 {
		s.respondError(w, http.StatusBadRequest, "invalid installment number")
		return
	}
	s.handlePayment(w, r, number)
}

func (s *Server) handlePayment(w http.ResponseWriter, r *http.Request, installmentNumber int) {
	claims := claimsFrom(r)
	loanID, err := pathID(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid loan ID")
		return
	}

	var req struct {
		Amount  decimal.Decimal      `json:"amount"`
		LateFee decimal.Decimal      `json:"lateFee"`
		Method  models.PaymentMethod `json:"method"`
		PaidAt  time.Time            `json:"paidAt"`
		Notes   string               `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Method == "" {
		req.Method = models.PaymentMethodCash
	}

	res, err := s.ledger.ApplyPayment(claims.OwnerID, ledger.PaymentInput{
		LoanID:            loanID,
		InstallmentNumber: installmentNumber,
		Amount:            req.Amount,
		LateFee:           req.LateFee,
		Method:            req.Method,
		PaidAt:            req.PaidAt,
		ReceivedBy:        claims.Email,
		Notes:             req.Notes,
	})
	if err != nil {
		s.serviceError(w, err)
		return
	}

	// Receipt mail is best effort.
	if s.notifier.Enabled() {
		if client, cerr := s.storage.GetClient(claims.OwnerID, res.Loan.ClientID); cerr == nil && client.Email != "" {
			go func() {
				_ = s.notifier.SendPaymentReceipt(client.Email, client.Name, res.Payment.Amount, res.Loan.OutstandingPrincipal, res.Payment.PaidAt)
			}()
		}
	}

	s.respondJSON(w, http.StatusCreated, res)
}

func (s *Server) loanPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	loanID, err := pathID(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid loan ID")
		return
	}
	payments, totals, err := s.ledger.PaymentHistory(store.PaymentFilter{
		OwnerID: claims.OwnerID,
		LoanID:  &loanID,
	})
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"payments": payments, "totals": totals})
}

func (s *Server) restructureHandler(w http.ResponseWriter, r *http.Request) {
	claims := s.requireAdmin(w, r)
	if claims == nil {
		return
	}
	loanID, err := pathID(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid loan ID")
		return
	}

	var req struct {
		PeriodRate   decimal.Decimal `json:"periodRate"`
		Installments int             `json:"installments"`
		FirstDueDate time.Time       `json:"firstDueDate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	firstDue := req.FirstDueDate
	if firstDue.IsZero() {
		firstDue = time.Now().AddDate(0, 0, 30)
	}

	loan, installments, err := s.ledger.Restructure(claims.OwnerID, loanID, req.PeriodRate, req.Installments, firstDue)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"loan": loan, "installments": installments})
}

func (s *Server) cancelLoanHandler(w http.ResponseWriter, r *http.Request) {
	claims := s.requireAdmin(w, r)
	if claims == nil {
		return
	}
	loanID, err := pathID(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid loan ID")
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	loan, err := s.ledger.CancelLoan(claims.OwnerID, loanID, req.Reason)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, loan)
}

// ---- payments ----

func (s *Server) paymentHistoryHandler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	f := store.PaymentFilter{OwnerID: claims.OwnerID}

	q := r.URL.Query()
	if v := q.Get("clientId"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid clientId filter")
			return
		}
		f.ClientID = &id
	}
	f.ReceivedBy = q.Get("receivedBy")
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid from filter")
			return
		}
		f.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid to filter")
			return
		}
		f.To = &t
	}

	payments, totals, err := s.ledger.PaymentHistory(f)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"payments": payments, "totals": totals})
}

// ---- collateral ----

func (s *Server) createCollateralHandler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	var req struct {
		ClientID       *uuid.UUID            `json:"clientId"`
		Type           models.CollateralType `json:"type"`
		Description    string                `json:"description"`
		EstimatedValue decimal.Decimal       `json:"estimatedValue"`
		Notes          string                `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Description == "" {
		s.respondError(w, http.StatusBadRequest, "description is required")
		return
	}

	col := &models.Collateral{
		ID:             uuid.New(),
		OwnerID:        claims.OwnerID,
		ClientID:       req.ClientID,
		Type:           req.Type,
		Description:    req.Description,
		EstimatedValue: req.EstimatedValue,
		Status:         models.CollateralAvailable,
		Notes:          req.Notes,
		RegisteredAt:   time.Now(),
	}
	if err := s.storage.CreateCollateral(col); err != nil {
		s.serviceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, col)
}

func (s *Server) listCollateralHandler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	items, err := s.storage.ListCollateral(claims.OwnerID)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, items)
}

func (s *Server) getCollateralHandler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid collateral ID")
		return
	}
	col, err := s.storage.GetCollateral(claims.OwnerID, id)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, col)
}

func (s *Server) updateCollateralHandler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid collateral ID")
		return
	}
	col, err := s.storage.GetCollateral(claims.OwnerID, id)
	if err != nil {
		s.serviceError(w, err)
		return
	}

	var req struct {
		Description    *string                  `json:"description"`
		EstimatedValue *decimal.Decimal         `json:"estimatedValue"`
		Status         *models.CollateralStatus `json:"status"`
		Notes          *string                  `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Description != nil {
		col.Description = *req.Description
	}
	if req.EstimatedValue != nil {
		col.EstimatedValue = *req.EstimatedValue
	}
	if req.Status != nil {
		if col.LoanID != nil && *req.Status == models.CollateralAvailable {
			s.respondError(w, http.StatusConflict, "collateral is tied to a loan")
			return
		}
		col.Status = *req.Status
	}
	if req.Notes != nil {
		col.Notes = *req.Notes
	}

	if err := s.storage.UpdateCollateral(col); err != nil {
		s.serviceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, col)
}

// ---- commission ----

func (s *Server) commissionReportHandler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	collectorID, err := pathID(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid collector ID")
		return
	}
	// Collectors may read their own report; anything else is admin territory.
	if claims.Role != models.RoleAdmin && claims.UserID != collectorID {
		s.respondError(w, http.StatusForbidden, "cannot read another collector's commission")
		return
	}

	asOf := time.Now()
	if v := r.URL.Query().Get("asOf"); v != "" {
		t, perr := time.Parse(time.RFC3339, v)
		if perr != nil {
			s.respondError(w, http.StatusBadRequest, "invalid asOf")
			return
		}
		asOf = t
	}

	report, err := s.commission.Report(claims.OwnerID, collectorID, asOf)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

func (s *Server) commissionPayoutHandler(w http.ResponseWriter, r *http.Request) {
	claims := s.requireAdmin(w, r)
	if claims == nil {
		return
	}
	collectorID, err := pathID(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid collector ID")
		return
	}

	var req struct {
		Amount decimal.Decimal      `json:"amount"`
		Method models.PaymentMethod `json:"method"`
		Notes  string               `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Method == "" {
		req.Method = models.PaymentMethodCash
	}

	payout, err := s.commission.Payout(claims.OwnerID, collectorID, req.Amount, req.Method, req.Notes)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, payout)
}

func (s *Server) commissionHistoryHandler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	collectorID, err := pathID(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid collector ID")
		return
	}
	if claims.Role != models.RoleAdmin && claims.UserID != collectorID {
		s.respondError(w, http.StatusForbidden, "cannot read another collector's payouts")
		return
	}
	history, err := s.commission.History(claims.OwnerID, collectorID)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, history)
}

// ---- stats ----

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	stats, err := s.ledger.Stats(claims.OwnerID)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, stats)
}
