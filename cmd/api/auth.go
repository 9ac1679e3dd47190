package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/prestagil/prestagil/pkg/models"
)

// registerHandler creates a new admin account. Admins own themselves: their
// ID doubles as the owner scope for every record they create.
func (s *Server) registerHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Email == "" || len(req.Password) < 8 {
		s.respondError(w, http.StatusBadRequest, "email and a password of at least 8 characters are required")
		return
	}
	if _, err := s.storage.GetUserByEmail(req.Email); err == nil {
		s.respondError(w, http.StatusConflict, "email already registered")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		s.serviceError(w, err)
		return
	}

	id := uuid.New()
	user := &models.User{
		ID:           id,
		OwnerID:      id,
		Name:         req.Name,
		Email:        req.Email,
		Role:         models.RoleAdmin,
		Active:       true,
		PasswordHash: string(hash),
		CreatedAt:    time.Now(),
	}
	if err := s.storage.CreateUser(user); err != nil {
		s.serviceError(w, err)
		return
	}

	token, err := s.issueToken(user)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.log.WithField("email", user.Email).Info("admin account registered")
	s.respondJSON(w, http.StatusCreated, map[string]any{"token": token, "user": user})
}

func (s *Server) loginHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := s.storage.GetUserByEmail(req.Email)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if !user.Active {
		s.respondError(w, http.StatusForbidden, "account disabled")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		s.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := s.issueToken(user)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"token": token, "user": user})
}

func (s *Server) changePasswordHandler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	var req struct {
		Current string `json:"current"`
		New     string `json:"new"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.New) < 8 {
		s.respondError(w, http.StatusBadRequest, "new password must be at least 8 characters")
		return
	}

	user, err := s.storage.GetUser(claims.OwnerID, claims.UserID)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Current)) != nil {
		s.respondError(w, http.StatusUnauthorized, "current password does not match")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.New), bcrypt.DefaultCost)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	user.PasswordHash = string(hash)
	user.FirstLogin = false
	if err := s.storage.UpdateUser(user); err != nil {
		s.serviceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "password changed"})
}

// createUserHandler adds a collector or supervisor under the admin's account.
// The account starts with a temporary password and the first-login flag set.
func (s *Server) createUserHandler(w http.ResponseWriter, r *http.Request) {
	claims := s.requireAdmin(w, r)
	if claims == nil {
		return
	}

	var req struct {
		Name           string          `json:"name"`
		Email          string          `json:"email"`
		Phone          string          `json:"phone"`
		Role           models.Role     `json:"role"`
		Password       string          `json:"password"`
		CommissionRate decimal.Decimal `json:"commissionRate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Role != models.RoleCollector && req.Role != models.RoleSupervisor {
		s.respondError(w, http.StatusBadRequest, "role must be collector or supervisor")
		return
	}
	if req.Email == "" || len(req.Password) < 8 {
		s.respondError(w, http.StatusBadRequest, "email and a password of at least 8 characters are required")
		return
	}
	if req.CommissionRate.IsNegative() {
		s.respondError(w, http.StatusBadRequest, "commission rate cannot be negative")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	user := &models.User{
		ID:             uuid.New(),
		OwnerID:        claims.OwnerID,
		Name:           req.Name,
		Email:          req.Email,
		Phone:          req.Phone,
		Role:           req.Role,
		Active:         true,
		PasswordHash:   string(hash),
		FirstLogin:     true,
		CommissionRate: req.CommissionRate,
		CreatedAt:      time.Now(),
	}
	if err := s.storage.CreateUser(user); err != nil {
		s.serviceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, user)
}

func (s *Server) listUsersHandler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	var role *models.Role
	if v := r.URL.Query().Get("role"); v != "" {
		rv := models.Role(v)
		role = &rv
	}
	users, err := s.storage.ListUsers(claims.OwnerID, role)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, users)
}

func (s *Server) getUserHandler(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid user ID")
		return
	}
	user, err := s.storage.GetUser(claims.OwnerID, id)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, user)
}

func (s *Server) updateUserHandler(w http.ResponseWriter, r *http.Request) {
	claims := s.requireAdmin(w, r)
	if claims == nil {
		return
	}
	id, err := pathID(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid user ID")
		return
	}
	user, err := s.storage.GetUser(claims.OwnerID, id)
	if err != nil {
		s.serviceError(w, err)
		return
	}

	var req struct {
		Name           *string          `json:"name"`
		Phone          *string          `json:"phone"`
		Active         *bool            `json:"active"`
		CommissionRate *decimal.Decimal `json:"commissionRate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name != nil {
		user.Name = *req.Name
	}
	if req.Phone != nil {
		user.Phone = *req.Phone
	}
	if req.Active != nil {
		user.Active = *req.Active
	}
	if req.CommissionRate != nil {
		if req.CommissionRate.IsNegative() {
			s.respondError(w, http.StatusBadRequest, "commission rate cannot be negative")
			return
		}
		user.CommissionRate = *req.CommissionRate
	}

	if err := s.storage.UpdateUser(user); err != nil {
		s.serviceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, user)
}
