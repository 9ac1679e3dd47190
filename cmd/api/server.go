package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/prestagil/prestagil/pkg/commission"
	"github.com/prestagil/prestagil/pkg/config"
	"github.com/prestagil/prestagil/pkg/ledger"
	"github.com/prestagil/prestagil/pkg/models"
	"github.com/prestagil/prestagil/pkg/notify"
	"github.com/prestagil/prestagil/pkg/schedule"
	"github.com/prestagil/prestagil/pkg/store"
)

// Server wires the HTTP surface to the services. Rate limiting is keyed per
// caller address so one noisy client cannot starve the rest.
type Server struct {
	ledger     *ledger.Ledger
	commission *commission.Calculator
	notifier   *notify.Sender
	storage    store.Storage
	cfg        *config.Config
	log        *logrus.Logger

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

func NewServer(s store.Storage, cfg *config.Config, log *logrus.Logger) *Server {
	return &Server{
		ledger: ledger.NewLedger(s, log, ledger.Config{
			SurplusMargin:    cfg.SurplusMargin,
			OverdueGraceDays: cfg.OverdueGraceDays,
		}),
		commission: commission.NewCalculator(s, log),
		notifier:   notify.NewSender(&cfg.SMTP, log),
		storage:    s,
		cfg:        cfg,
		log:        log,
		limiters:   map[string]*rate.Limiter{},
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware, s.rateLimitMiddleware)

	r.HandleFunc("/healthz", s.healthHandler).Methods("GET")
	r.HandleFunc("/auth/register", s.registerHandler).Methods("POST")
	r.HandleFunc("/auth/login", s.loginHandler).Methods("POST")

	api := r.NewRoute().Subrouter()
	api.Use(s.authMiddleware)

	api.HandleFunc("/auth/password", s.changePasswordHandler).Methods("POST")

	api.HandleFunc("/users", s.createUserHandler).Methods("POST")
	api.HandleFunc("/users", s.listUsersHandler).Methods("GET")
	api.HandleFunc("/users/{id}", s.getUserHandler).Methods("GET")
	api.HandleFunc("/users/{id}", s.updateUserHandler).Methods("PUT")

	api.HandleFunc("/clients", s.createClientHandler).Methods("POST")
	api.HandleFunc("/clients", s.listClientsHandler).Methods("GET")
	api.HandleFunc("/clients/{id}", s.getClientHandler).Methods("GET")
	api.HandleFunc("/clients/{id}", s.updateClientHandler).Methods("PUT")
	api.HandleFunc("/clients/{id}", s.deleteClientHandler).Methods("DELETE")

	api.HandleFunc("/loans/preview", s.previewScheduleHandler).Methods("POST")
	api.HandleFunc("/loans", s.createLoanHandler).Methods("POST")
	api.HandleFunc("/loans", s.listLoansHandler).Methods("GET")
	api.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")
	api.HandleFunc("/loans/{id}", s.updateLoanHandler).Methods("PUT")
	api.HandleFunc("/loans/{id}", s.deleteLoanHandler).Methods("DELETE")
	api.HandleFunc("/loans/{id}/installments", s.listInstallmentsHandler).Methods("GET")
	api.HandleFunc("/loans/{id}/payments", s.recordPaymentHandler).Methods("POST")
	api.HandleFunc("/loans/{id}/payments", s.loanPaymentsHandler).Methods("GET")
	api.HandleFunc("/loans/{id}/installments/{n:[0-9]+}/payments", s.recordInstallmentPaymentHandler).Methods("POST")
	api.HandleFunc("/loans/{id}/restructure", s.restructureHandler).Methods("POST")
	api.HandleFunc("/loans/{id}/cancel", s.cancelLoanHandler).Methods("POST")

	api.HandleFunc("/payments", s.paymentHistoryHandler).Methods("GET")

	api.HandleFunc("/collateral", s.createCollateralHandler).Methods("POST")
	api.HandleFunc("/collateral", s.listCollateralHandler).Methods("GET")
	api.HandleFunc("/collateral/{id}", s.getCollateralHandler).Methods("GET")
	api.HandleFunc("/collateral/{id}", s.updateCollateralHandler).Methods("PUT")

	api.HandleFunc("/collectors/{id}/commission", s.commissionReportHandler).Methods("GET")
	api.HandleFunc("/collectors/{id}/commission/payouts", s.commissionPayoutHandler).Methods("POST")
	api.HandleFunc("/collectors/{id}/commission/payouts", s.commissionHistoryHandler).Methods("GET")

	api.HandleFunc("/stats", s.statsHandler).Methods("GET")

	return r
}

// Claims is the JWT payload. OwnerID scopes every query the token can make.
type Claims struct {
	UserID  uuid.UUID   `json:"uid"`
	OwnerID uuid.UUID   `json:"own"`
	Role    models.Role `json:"role"`
	Email   string      `json:"email"`
	jwt.RegisteredClaims
}

type ctxKey int

const claimsKey ctxKey = 0

func (s *Server) issueToken(u *models.User) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:  u.ID,
		OwnerID: u.OwnerID,
		Role:    u.Role,
		Email:   u.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(s.cfg.TokenTTLHrs) * time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.cfg.JWTSecret))
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			s.respondError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims := &Claims{}
		token, err := jwt.ParseWithClaims(strings.TrimPrefix(header, "Bearer "), claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(s.cfg.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			s.respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		}).Debug("request handled")
	})
}

func (s *Server) limiterFor(key string) *rate.Limiter {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	lim, ok := s.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(s.cfg.RateLimitRPS), s.cfg.RateBurst)
		s.limiters[key] = lim
	}
	return lim
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			key = host
		}
		if !s.limiterFor(key).Allow() {
			s.respondError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func claimsFrom(r *http.Request) *Claims {
	c, _ := r.Context().Value(claimsKey).(*Claims)
	return c
}

// requireAdmin enforces the admin role gate on mutating administrative
// endpoints.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) *Claims {
	c := claimsFrom(r)
	if c == nil {
		s.respondError(w, http.StatusUnauthorized, "missing credentials")
		return nil
	}
	if c.Role != models.RoleAdmin {
		s.respondError(w, http.StatusForbidden, "admin role required")
		return nil
	}
	return c
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			s.log.WithError(err).Error("failed to encode response")
		}
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respondJSON(w, status, map[string]string{"error": msg})
}

// serviceError maps service-layer errors onto HTTP statuses.
func (s *Server) serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, schedule.ErrInvalidTerms),
		errors.Is(err, ledger.ErrInvalidPaymentAmount),
		errors.Is(err, ledger.ErrPaymentTooLarge),
		errors.Is(err, ledger.ErrCollateralUnavailable),
		errors.Is(err, commission.ErrInvalidPayout),
		errors.Is(err, commission.ErrPayoutExceedsPending),
		errors.Is(err, commission.ErrNotACollector):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrLoanNotPayable),
		errors.Is(err, ledger.ErrLoanSettled),
		errors.Is(err, ledger.ErrInstallmentOutOfOrder):
		s.respondError(w, http.StatusConflict, err.Error())
	default:
		s.log.WithError(err).Error("request failed")
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func pathID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(mux.Vars(r)["id"])
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
