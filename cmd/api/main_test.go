package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prestagil/prestagil/pkg/config"
	"github.com/prestagil/prestagil/pkg/models"
	"github.com/prestagil/prestagil/pkg/store"
)

func setupTestServer(t *testing.T) (*Server, *mux.Router) {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	dbFile := filepath.Join(t.TempDir(), "api_test.db")
	s, err := store.NewSQLiteStore(dbFile, log)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := &config.Config{
		Port:             "0",
		JWTSecret:        "test-secret",
		TokenTTLHrs:      1,
		RateLimitRPS:     1000,
		RateBurst:        1000,
		SurplusMargin:    decimal.NewFromInt(1),
		OverdueGraceDays: 0,
	}
	server := NewServer(s, cfg, log)
	return server, server.Router()
}

func doJSON(t *testing.T, router *mux.Router, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func decodeInto(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), v))
}

func registerAdmin(t *testing.T, router *mux.Router) string {
	t.Helper()

	rr := doJSON(t, router, "POST", "/auth/register", "", map[string]any{
		"name":     "Ana Torres",
		"email":    "ana@prestagil.test",
		"password": "portfolio-123",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var resp struct {
		Token string `json:"token"`
	}
	decodeInto(t, rr, &resp)
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func TestAPIRejectsMissingToken(t *testing.T) {
	_, router := setupTestServer(t)

	rr := doJSON(t, router, "GET", "/loans", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = doJSON(t, router, "GET", "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestAPILoginFlow(t *testing.T) {
	_, router := setupTestServer(t)
	registerAdmin(t, router)

	rr := doJSON(t, router, "POST", "/auth/login", "", map[string]any{
		"email":    "ana@prestagil.test",
		"password": "portfolio-123",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = doJSON(t, router, "POST", "/auth/login", "", map[string]any{
		"email":    "ana@prestagil.test",
		"password": "wrong-password",
	})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAPILoanLifecycle(t *testing.T) {
	_, router := setupTestServer(t)
	token := registerAdmin(t, router)

	// Client first.
	rr := doJSON(t, router, "POST", "/clients", token, map[string]any{
		"name":  "Luis Mendez",
		"phone": "555-0101",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var client models.Client
	decodeInto(t, rr, &client)

	// Originate a 12-installment loan.
	rr = doJSON(t, router, "POST", "/loans", token, map[string]any{
		"clientId":     client.ID,
		"principal":    "10000",
		"periodRate":   "5",
		"installments": 12,
		"method":       "equal_installment",
		"frequency":    "monthly",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created struct {
		Loan         models.Loan          `json:"loan"`
		Installments []models.Installment `json:"installments"`
	}
	decodeInto(t, rr, &created)
	require.Len(t, created.Installments, 12)
	assert.True(t, created.Loan.FixedInstallment.Equal(decimal.RequireFromString("1128.25")),
		"fixed installment = %s", created.Loan.FixedInstallment)

	loanID := created.Loan.ID.String()

	// Pay the first installment in full.
	rr = doJSON(t, router, "POST", "/loans/"+loanID+"/payments", token, map[string]any{
		"amount": "1128.25",
		"method": "cash",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var payResp struct {
		Payment     models.Payment     `json:"payment"`
		Installment models.Installment `json:"installment"`
		Loan        models.Loan        `json:"loan"`
	}
	decodeInto(t, rr, &payResp)
	assert.Equal(t, models.InstallmentPaid, payResp.Installment.Status)
	assert.True(t, payResp.Payment.InterestAmount.Equal(decimal.RequireFromString("500")),
		"interest = %s", payResp.Payment.InterestAmount)
	assert.True(t, payResp.Loan.OutstandingPrincipal.LessThan(created.Loan.OutstandingPrincipal))

	// Schedule reflects the settlement.
	rr = doJSON(t, router, "GET", "/loans/"+loanID+"/installments", token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var installments []models.Installment
	decodeInto(t, rr, &installments)
	require.Len(t, installments, 12)
	assert.Equal(t, models.InstallmentPaid, installments[0].Status)
	assert.Equal(t, models.InstallmentPending, installments[1].Status)

	// Payment shows up in the ledger history.
	rr = doJSON(t, router, "GET", "/payments", token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var history struct {
		Payments []models.Payment     `json:"payments"`
		Totals   models.PaymentTotals `json:"totals"`
	}
	decodeInto(t, rr, &history)
	require.Len(t, history.Payments, 1)
	assert.True(t, history.Totals.Amount.Equal(decimal.RequireFromString("1128.25")))

	// Dashboard sees the active loan.
	rr = doJSON(t, router, "GET", "/stats", token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var stats models.DashboardStats
	decodeInto(t, rr, &stats)
	assert.Equal(t, 1, stats.ActiveLoans)
}

func TestAPISchedulePreview(t *testing.T) {
	_, router := setupTestServer(t)
	token := registerAdmin(t, router)

	rr := doJSON(t, router, "POST", "/loans/preview", token, map[string]any{
		"principal":    "12000",
		"periodRate":   "2",
		"installments": 12,
		"method":       "equal_principal",
		"frequency":    "monthly",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp struct {
		Schedule []struct {
			Total decimal.Decimal `json:"total"`
		} `json:"schedule"`
	}
	decodeInto(t, rr, &resp)
	require.Len(t, resp.Schedule, 12)
	assert.True(t, resp.Schedule[0].Total.Equal(decimal.RequireFromString("1240")),
		"first installment = %s", resp.Schedule[0].Total)
	assert.True(t, resp.Schedule[11].Total.Equal(decimal.RequireFromString("1020")),
		"last installment = %s", resp.Schedule[11].Total)
}

func TestAPIInstallmentOrdinalRoute(t *testing.T) {
	_, router := setupTestServer(t)
	token := registerAdmin(t, router)

	rr := doJSON(t, router, "POST", "/clients", token, map[string]any{"name": "Jorge Paredes"})
	require.Equal(t, http.StatusCreated, rr.Code)
	var client models.Client
	decodeInto(t, rr, &client)

	rr = doJSON(t, router, "POST", "/loans", token, map[string]any{
		"clientId":     client.ID,
		"principal":    "1000",
		"periodRate":   "10",
		"installments": 2,
		"method":       "equal_principal",
		"frequency":    "monthly",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created struct {
		Loan models.Loan `json:"loan"`
	}
	decodeInto(t, rr, &created)
	loanID := created.Loan.ID.String()

	// Installments settle in order: naming the second while the first is
	// open is a conflict, an unknown ordinal is not found.
	rr = doJSON(t, router, "POST", "/loans/"+loanID+"/installments/2/payments", token, map[string]any{
		"amount": "550",
	})
	assert.Equal(t, http.StatusConflict, rr.Code, rr.Body.String())

	rr = doJSON(t, router, "POST", "/loans/"+loanID+"/installments/9/payments", token, map[string]any{
		"amount": "100",
	})
	assert.Equal(t, http.StatusNotFound, rr.Code, rr.Body.String())

	rr = doJSON(t, router, "POST", "/loans/"+loanID+"/installments/1/payments", token, map[string]any{
		"amount": "600",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var payResp struct {
		Installment models.Installment `json:"installment"`
	}
	decodeInto(t, rr, &payResp)
	assert.Equal(t, 1, payResp.Installment.Number)
	assert.Equal(t, models.InstallmentPaid, payResp.Installment.Status)
}

func TestAPIRateLimitPerCaller(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	dbFile := filepath.Join(t.TempDir(), "api_test.db")
	s, err := store.NewSQLiteStore(dbFile, log)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := &config.Config{
		Port:          "0",
		JWTSecret:     "test-secret",
		TokenTTLHrs:   1,
		RateLimitRPS:  1,
		RateBurst:     1,
		SurplusMargin: decimal.NewFromInt(1),
	}
	router := NewServer(s, cfg, log).Router()

	hit := func(addr string) int {
		req := httptest.NewRequest("GET", "/healthz", nil)
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr.Code
	}

	assert.Equal(t, http.StatusOK, hit("10.0.0.1:5000"))
	assert.Equal(t, http.StatusTooManyRequests, hit("10.0.0.1:5001"))

	// One exhausted caller does not starve another.
	assert.Equal(t, http.StatusOK, hit("10.0.0.2:5000"))
}

func TestAPICommissionFlow(t *testing.T) {
	_, router := setupTestServer(t)
	token := registerAdmin(t, router)

	// Admin creates a collector with a 10% rate.
	rr := doJSON(t, router, "POST", "/users", token, map[string]any{
		"name":           "Pedro Silva",
		"email":          "pedro@prestagil.test",
		"password":       "collector-123",
		"role":           "collector",
		"commissionRate": "10",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var collector models.User
	decodeInto(t, rr, &collector)

	rr = doJSON(t, router, "POST", "/auth/login", "", map[string]any{
		"email":    "pedro@prestagil.test",
		"password": "collector-123",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var login struct {
		Token string `json:"token"`
	}
	decodeInto(t, rr, &login)

	// Collector originates and collects a payment.
	rr = doJSON(t, router, "POST", "/clients", login.Token, map[string]any{"name": "Marta Ruiz"})
	require.Equal(t, http.StatusCreated, rr.Code)
	var client models.Client
	decodeInto(t, rr, &client)

	rr = doJSON(t, router, "POST", "/loans", login.Token, map[string]any{
		"clientId":     client.ID,
		"principal":    "1000",
		"periodRate":   "10",
		"installments": 1,
		"method":       "equal_installment",
		"frequency":    "monthly",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created struct {
		Loan models.Loan `json:"loan"`
	}
	decodeInto(t, rr, &created)

	rr = doJSON(t, router, "POST", "/loans/"+created.Loan.ID.String()+"/payments", login.Token, map[string]any{
		"amount": "1100",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	// Collector reads their own breakdown.
	rr = doJSON(t, router, "GET", "/collectors/"+collector.ID.String()+"/commission", login.Token, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var report struct {
		Total struct {
			Collected  decimal.Decimal `json:"collected"`
			Commission decimal.Decimal `json:"commission"`
		} `json:"total"`
	}
	decodeInto(t, rr, &report)
	assert.True(t, report.Total.Collected.Equal(decimal.RequireFromString("1100")))
	assert.True(t, report.Total.Commission.Equal(decimal.RequireFromString("110")))

	// Admin pays part of it out; overdraw is rejected.
	rr = doJSON(t, router, "POST", "/collectors/"+collector.ID.String()+"/commission/payouts", token, map[string]any{
		"amount": "60",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = doJSON(t, router, "POST", "/collectors/"+collector.ID.String()+"/commission/payouts", token, map[string]any{
		"amount": "100",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	// Payouts are admin-only.
	rr = doJSON(t, router, "POST", "/collectors/"+collector.ID.String()+"/commission/payouts", login.Token, map[string]any{
		"amount": "1",
	})
	assert.Equal(t, http.StatusForbidden, rr.Code)
}
