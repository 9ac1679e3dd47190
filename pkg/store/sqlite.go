package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/prestagil/prestagil/pkg/models"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	db  *sql.DB
	log *logrus.Logger
}

// NewSQLiteStore opens (or creates) the database and initializes the schema.
func NewSQLiteStore(dataSourceName string, log *logrus.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	// Manually enable foreign keys and WAL mode.
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{db: db, log: log}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	log.Info("database connection established and schema initialized")
	return s, nil
}

// initSchema creates the tables if they don't already exist. Money columns use
// TEXT so no decimal precision is lost.
func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		phone TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		password_hash TEXT NOT NULL,
		first_login INTEGER NOT NULL DEFAULT 0,
		commission_rate TEXT NOT NULL DEFAULT '0',
		commission_paid TEXT NOT NULL DEFAULT '0',
		last_commission_payout DATETIME,
		created_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS clients (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		phone TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		references_json TEXT NOT NULL DEFAULT '[]',
		active_loans INTEGER NOT NULL DEFAULT 0,
		standing TEXT NOT NULL DEFAULT 'good',
		notes TEXT NOT NULL DEFAULT '',
		registered_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		client_name TEXT NOT NULL,
		collector_id TEXT,
		collector_name TEXT NOT NULL DEFAULT '',
		collateral_id TEXT,
		principal TEXT NOT NULL,
		outstanding_principal TEXT NOT NULL,
		period_rate TEXT NOT NULL,
		frequency TEXT NOT NULL,
		method TEXT NOT NULL,
		installment_count INTEGER NOT NULL,
		fixed_installment TEXT NOT NULL DEFAULT '0',
		installments_paid INTEGER NOT NULL DEFAULT 0,
		start_date DATETIME NOT NULL,
		due_date DATETIME NOT NULL,
		last_payment_date DATETIME,
		status TEXT NOT NULL,
		total_interest_paid TEXT NOT NULL DEFAULT '0',
		total_principal_paid TEXT NOT NULL DEFAULT '0',
		total_late_fee_paid TEXT NOT NULL DEFAULT '0',
		notes TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY(client_id) REFERENCES clients(id)
	);
	CREATE TABLE IF NOT EXISTS installments (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		loan_id TEXT NOT NULL,
		number INTEGER NOT NULL,
		due_date DATETIME NOT NULL,
		projected_interest TEXT NOT NULL,
		projected_principal TEXT NOT NULL,
		minimum_due TEXT NOT NULL,
		principal_at_start TEXT NOT NULL,
		amount_paid TEXT NOT NULL DEFAULT '0',
		interest_paid TEXT NOT NULL DEFAULT '0',
		principal_paid TEXT NOT NULL DEFAULT '0',
		late_fee_paid TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL,
		paid_at DATETIME,
		UNIQUE(loan_id, number),
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		loan_id TEXT NOT NULL,
		installment_id TEXT NOT NULL,
		installment_number INTEGER NOT NULL,
		client_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		interest_amount TEXT NOT NULL,
		principal_amount TEXT NOT NULL,
		late_fee TEXT NOT NULL DEFAULT '0',
		method TEXT NOT NULL,
		paid_at DATETIME NOT NULL,
		elapsed_days INTEGER NOT NULL DEFAULT 0,
		principal_before TEXT NOT NULL,
		principal_after TEXT NOT NULL,
		received_by TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE TABLE IF NOT EXISTS collateral (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		client_id TEXT,
		loan_id TEXT,
		type TEXT NOT NULL,
		description TEXT NOT NULL,
		estimated_value TEXT NOT NULL,
		status TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		registered_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS commission_payouts (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		collector_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		method TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		paid_at DATETIME NOT NULL,
		FOREIGN KEY(collector_id) REFERENCES users(id)
	);
	CREATE INDEX IF NOT EXISTS idx_loans_owner ON loans(owner_id, status);
	CREATE INDEX IF NOT EXISTS idx_installments_loan ON installments(loan_id);
	CREATE INDEX IF NOT EXISTS idx_payments_owner ON payments(owner_id, paid_at);
	CREATE INDEX IF NOT EXISTS idx_payments_received_by ON payments(owner_id, received_by);
	`
	_, err := s.db.Exec(schema)
	return err
}

// nullableID converts an optional UUID for storage.
func nullableID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

// parsedID converts a scanned nullable column back to an optional UUID.
func parsedID(ns sql.NullString) *uuid.UUID {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	id, err := uuid.Parse(ns.String)
	if err != nil {
		return nil
	}
	return &id
}

// ---- users ----

// CreateUser inserts a new back-office user.
func (s *SQLiteStore) CreateUser(u *models.User) error {
	_, err := s.db.Exec(
		`INSERT INTO users (id, owner_id, name, email, phone, role, active, password_hash, first_login, commission_rate, commission_paid, last_commission_payout, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID.String(), u.OwnerID.String(), u.Name, u.Email, u.Phone, u.Role, u.Active,
		u.PasswordHash, u.FirstLogin, u.CommissionRate, u.CommissionPaid, u.LastCommissionPayout, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

const userColumns = `id, owner_id, name, email, phone, role, active, password_hash, first_login, commission_rate, commission_paid, last_commission_payout, created_at`

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var (
		u          models.User
		idStr      string
		ownerStr   string
		lastPayout sql.NullTime
	)
	err := row.Scan(&idStr, &ownerStr, &u.Name, &u.Email, &u.Phone, &u.Role, &u.Active,
		&u.PasswordHash, &u.FirstLogin, &u.CommissionRate, &u.CommissionPaid, &lastPayout, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	u.ID = uuid.MustParse(idStr)
	u.OwnerID = uuid.MustParse(ownerStr)
	if lastPayout.Valid {
		u.LastCommissionPayout = &lastPayout.Time
	}
	return &u, nil
}

// GetUser retrieves a user within the owner's scope.
func (s *SQLiteStore) GetUser(ownerID, id uuid.UUID) (*models.User, error) {
	row := s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE owner_id = ? AND id = ?`, ownerID.String(), id.String())
	u, err := scanUser(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// GetUserByEmail retrieves a user for login. Not owner-scoped: the owner is
// established from the user record itself.
func (s *SQLiteStore) GetUserByEmail(email string) (*models.User, error) {
	row := s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE email = ?`, email)
	u, err := scanUser(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("user %s: %w", email, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}
	return u, nil
}

// UpdateUser updates an existing user.
func (s *SQLiteStore) UpdateUser(u *models.User) error {
	res, err := s.db.Exec(
		`UPDATE users SET name = ?, email = ?, phone = ?, role = ?, active = ?, password_hash = ?, first_login = ?, commission_rate = ?, commission_paid = ?, last_commission_payout = ? WHERE owner_id = ? AND id = ?`,
		u.Name, u.Email, u.Phone, u.Role, u.Active, u.PasswordHash, u.FirstLogin,
		u.CommissionRate, u.CommissionPaid, u.LastCommissionPayout, u.OwnerID.String(), u.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return requireRow(res, "user")
}

// ListUsers lists users for an owner, optionally filtered by role.
func (s *SQLiteStore) ListUsers(ownerID uuid.UUID, role *models.Role) ([]*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE owner_id = ?`
	args := []any{ownerID.String()}
	if role != nil {
		query += ` AND role = ?`
		args = append(args, *role)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user row: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ---- clients ----

// CreateClient inserts a new client.
func (s *SQLiteStore) CreateClient(c *models.Client) error {
	refs, err := json.Marshal(c.References)
	if err != nil {
		return fmt.Errorf("failed to encode references: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO clients (id, owner_id, name, phone, address, email, references_json, active_loans, standing, notes, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID.String(), c.OwnerID.String(), c.Name, c.Phone, c.Address, c.Email, string(refs),
		c.ActiveLoans, c.Standing, c.Notes, c.RegisteredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	return nil
}

const clientColumns = `id, owner_id, name, phone, address, email, references_json, active_loans, standing, notes, registered_at`

func scanClient(row interface{ Scan(...any) error }) (*models.Client, error) {
	var (
		c        models.Client
		idStr    string
		ownerStr string
		refs     string
	)
	err := row.Scan(&idStr, &ownerStr, &c.Name, &c.Phone, &c.Address, &c.Email, &refs,
		&c.ActiveLoans, &c.Standing, &c.Notes, &c.RegisteredAt)
	if err != nil {
		return nil, err
	}
	c.ID = uuid.MustParse(idStr)
	c.OwnerID = uuid.MustParse(ownerStr)
	if err := json.Unmarshal([]byte(refs), &c.References); err != nil {
		return nil, fmt.Errorf("failed to decode references: %w", err)
	}
	return &c, nil
}

// GetClient retrieves a client within the owner's scope.
func (s *SQLiteStore) GetClient(ownerID, id uuid.UUID) (*models.Client, error) {
	row := s.db.QueryRow(`SELECT `+clientColumns+` FROM clients WHERE owner_id = ? AND id = ?`, ownerID.String(), id.String())
	c, err := scanClient(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("client %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	return c, nil
}

// UpdateClient updates an existing client.
func (s *SQLiteStore) UpdateClient(c *models.Client) error {
	refs, err := json.Marshal(c.References)
	if err != nil {
		return fmt.Errorf("failed to encode references: %w", err)
	}
	res, err := s.db.Exec(
		`UPDATE clients SET name = ?, phone = ?, address = ?, email = ?, references_json = ?, active_loans = ?, standing = ?, notes = ? WHERE owner_id = ? AND id = ?`,
		c.Name, c.Phone, c.Address, c.Email, string(refs), c.ActiveLoans, c.Standing, c.Notes,
		c.OwnerID.String(), c.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update client: %w", err)
	}
	return requireRow(res, "client")
}

// ListClients lists all clients for an owner.
func (s *SQLiteStore) ListClients(ownerID uuid.UUID) ([]*models.Client, error) {
	rows, err := s.db.Query(`SELECT `+clientColumns+` FROM clients WHERE owner_id = ? ORDER BY name`, ownerID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	defer rows.Close()

	var clients []*models.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan client row: %w", err)
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

// DeleteClient removes a client record.
func (s *SQLiteStore) DeleteClient(ownerID, id uuid.UUID) error {
	res, err := s.db.Exec(`DELETE FROM clients WHERE owner_id = ? AND id = ?`, ownerID.String(), id.String())
	if err != nil {
		return fmt.Errorf("failed to delete client: %w", err)
	}
	return requireRow(res, "client")
}

// ---- loans ----

const loanColumns = `id, owner_id, client_id, client_name, collector_id, collector_name, collateral_id,
	principal, outstanding_principal, period_rate, frequency, method, installment_count, fixed_installment,
	installments_paid, start_date, due_date, last_payment_date, status,
	total_interest_paid, total_principal_paid, total_late_fee_paid, notes, created_at, updated_at`

// CreateLoan persists the loan with its full installment set, increments the
// client's active-loan counter and ties linked collateral, in one transaction.
func (s *SQLiteStore) CreateLoan(loan *models.Loan, installments []*models.Installment) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO loans (id, owner_id, client_id, client_name, collector_id, collector_name, collateral_id,
			principal, outstanding_principal, period_rate, frequency, method, installment_count, fixed_installment,
			installments_paid, start_date, due_date, last_payment_date, status,
			total_interest_paid, total_principal_paid, total_late_fee_paid, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID.String(), loan.OwnerID.String(), loan.ClientID.String(), loan.ClientName,
		nullableID(loan.CollectorID), loan.CollectorName, nullableID(loan.CollateralID),
		loan.Principal, loan.OutstandingPrincipal, loan.PeriodRate, loan.Frequency, loan.Method,
		loan.InstallmentCount, loan.FixedInstallment, loan.InstallmentsPaid,
		loan.StartDate, loan.DueDate, loan.LastPaymentDate, loan.Status,
		loan.TotalInterestPaid, loan.TotalPrincipalPaid, loan.TotalLateFeePaid,
		loan.Notes, loan.CreatedAt, loan.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}

	for _, inst := range installments {
		if err := insertInstallment(tx, inst); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(`UPDATE clients SET active_loans = active_loans + 1 WHERE owner_id = ? AND id = ?`,
		loan.OwnerID.String(), loan.ClientID.String()); err != nil {
		return fmt.Errorf("failed to bump client loan counter: %w", err)
	}

	if loan.CollateralID != nil {
		if _, err := tx.Exec(`UPDATE collateral SET loan_id = ?, client_id = ?, status = ? WHERE owner_id = ? AND id = ?`,
			loan.ID.String(), loan.ClientID.String(), models.CollateralInUse,
			loan.OwnerID.String(), loan.CollateralID.String()); err != nil {
			return fmt.Errorf("failed to attach collateral: %w", err)
		}
	}

	return tx.Commit()
}

func insertInstallment(tx *sql.Tx, inst *models.Installment) error {
	_, err := tx.Exec(
		`INSERT INTO installments (id, owner_id, loan_id, number, due_date, projected_interest, projected_principal, minimum_due, principal_at_start, amount_paid, interest_paid, principal_paid, late_fee_paid, status, paid_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID.String(), inst.OwnerID.String(), inst.LoanID.String(), inst.Number, inst.DueDate,
		inst.ProjectedInterest, inst.ProjectedPrincipal, inst.MinimumDue, inst.PrincipalAtStart,
		inst.AmountPaid, inst.InterestPaid, inst.PrincipalPaid, inst.LateFeePaid, inst.Status, inst.PaidAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create installment %d: %w", inst.Number, err)
	}
	return nil
}

func scanLoan(row interface{ Scan(...any) error }) (*models.Loan, error) {
	var (
		loan          models.Loan
		idStr         string
		ownerStr      string
		clientStr     string
		collectorStr  sql.NullString
		collateralStr sql.NullString
		lastPayment   sql.NullTime
	)
	err := row.Scan(&idStr, &ownerStr, &clientStr, &loan.ClientName, &collectorStr, &loan.CollectorName,
		&collateralStr, &loan.Principal, &loan.OutstandingPrincipal, &loan.PeriodRate, &loan.Frequency,
		&loan.Method, &loan.InstallmentCount, &loan.FixedInstallment, &loan.InstallmentsPaid,
		&loan.StartDate, &loan.DueDate, &lastPayment, &loan.Status,
		&loan.TotalInterestPaid, &loan.TotalPrincipalPaid, &loan.TotalLateFeePaid,
		&loan.Notes, &loan.CreatedAt, &loan.UpdatedAt)
	if err != nil {
		return nil, err
	}
	loan.ID = uuid.MustParse(idStr)
	loan.OwnerID = uuid.MustParse(ownerStr)
	loan.ClientID = uuid.MustParse(clientStr)
	loan.CollectorID = parsedID(collectorStr)
	loan.CollateralID = parsedID(collateralStr)
	if lastPayment.Valid {
		loan.LastPaymentDate = &lastPayment.Time
	}
	return &loan, nil
}

// GetLoan retrieves a loan within the owner's scope.
func (s *SQLiteStore) GetLoan(ownerID, id uuid.UUID) (*models.Loan, error) {
	row := s.db.QueryRow(`SELECT `+loanColumns+` FROM loans WHERE owner_id = ? AND id = ?`, ownerID.String(), id.String())
	loan, err := scanLoan(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("loan %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return loan, nil
}

// ListLoans lists loans for an owner with optional filters.
func (s *SQLiteStore) ListLoans(ownerID uuid.UUID, f LoanFilter) ([]*models.Loan, error) {
	query := `SELECT ` + loanColumns + ` FROM loans WHERE owner_id = ?`
	args := []any{ownerID.String()}
	if f.Status != nil {
		query += ` AND status = ?`
		args = append(args, *f.Status)
	}
	if f.ClientID != nil {
		query += ` AND client_id = ?`
		args = append(args, f.ClientID.String())
	}
	if f.CollectorID != nil {
		query += ` AND collector_id = ?`
		args = append(args, f.CollectorID.String())
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	defer rows.Close()

	var loans []*models.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan row: %w", err)
		}
		loans = append(loans, loan)
	}
	return loans, rows.Err()
}

// UpdateLoan updates an existing loan.
func (s *SQLiteStore) UpdateLoan(loan *models.Loan) error {
	res, err := s.db.Exec(
		`UPDATE loans SET client_name = ?, collector_id = ?, collector_name = ?, collateral_id = ?,
		outstanding_principal = ?, installments_paid = ?, last_payment_date = ?, status = ?,
		total_interest_paid = ?, total_principal_paid = ?, total_late_fee_paid = ?, notes = ?, updated_at = ?
		WHERE owner_id = ? AND id = ?`,
		loan.ClientName, nullableID(loan.CollectorID), loan.CollectorName, nullableID(loan.CollateralID),
		loan.OutstandingPrincipal, loan.InstallmentsPaid, loan.LastPaymentDate, loan.Status,
		loan.TotalInterestPaid, loan.TotalPrincipalPaid, loan.TotalLateFeePaid, loan.Notes, loan.UpdatedAt,
		loan.OwnerID.String(), loan.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	return requireRow(res, "loan")
}

// DeleteLoan removes a loan, its installments and payments, decrements the
// client's active-loan counter and releases linked collateral, in one
// transaction.
func (s *SQLiteStore) DeleteLoan(ownerID, id uuid.UUID) error {
	loan, err := s.GetLoan(ownerID, id)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM payments WHERE owner_id = ? AND loan_id = ?`, ownerID.String(), id.String()); err != nil {
		return fmt.Errorf("failed to delete payments: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM installments WHERE owner_id = ? AND loan_id = ?`, ownerID.String(), id.String()); err != nil {
		return fmt.Errorf("failed to delete installments: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM loans WHERE owner_id = ? AND id = ?`, ownerID.String(), id.String()); err != nil {
		return fmt.Errorf("failed to delete loan: %w", err)
	}

	if loan.IsActive() {
		if _, err := tx.Exec(`UPDATE clients SET active_loans = MAX(active_loans - 1, 0) WHERE owner_id = ? AND id = ?`,
			ownerID.String(), loan.ClientID.String()); err != nil {
			return fmt.Errorf("failed to decrement client loan counter: %w", err)
		}
	}
	if loan.CollateralID != nil {
		if _, err := tx.Exec(`UPDATE collateral SET loan_id = NULL, status = ? WHERE owner_id = ? AND id = ?`,
			models.CollateralReleased, ownerID.String(), loan.CollateralID.String()); err != nil {
			return fmt.Errorf("failed to release collateral: %w", err)
		}
	}

	return tx.Commit()
}

// ---- installments ----

const installmentColumns = `id, owner_id, loan_id, number, due_date, projected_interest, projected_principal,
	minimum_due, principal_at_start, amount_paid, interest_paid, principal_paid, late_fee_paid, status, paid_at`

func scanInstallment(row interface{ Scan(...any) error }) (*models.Installment, error) {
	var (
		inst     models.Installment
		idStr    string
		ownerStr string
		loanStr  string
		paidAt   sql.NullTime
	)
	err := row.Scan(&idStr, &ownerStr, &loanStr, &inst.Number, &inst.DueDate,
		&inst.ProjectedInterest, &inst.ProjectedPrincipal, &inst.MinimumDue, &inst.PrincipalAtStart,
		&inst.AmountPaid, &inst.InterestPaid, &inst.PrincipalPaid, &inst.LateFeePaid, &inst.Status, &paidAt)
	if err != nil {
		return nil, err
	}
	inst.ID = uuid.MustParse(idStr)
	inst.OwnerID = uuid.MustParse(ownerStr)
	inst.LoanID = uuid.MustParse(loanStr)
	if paidAt.Valid {
		inst.PaidAt = &paidAt.Time
	}
	return &inst, nil
}

// GetInstallmentByNumber retrieves one installment by loan and ordinal.
func (s *SQLiteStore) GetInstallmentByNumber(ownerID, loanID uuid.UUID, number int) (*models.Installment, error) {
	row := s.db.QueryRow(`SELECT `+installmentColumns+` FROM installments WHERE owner_id = ? AND loan_id = ? AND number = ?`,
		ownerID.String(), loanID.String(), number)
	inst, err := scanInstallment(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("installment %d of loan %s: %w", number, loanID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get installment: %w", err)
	}
	return inst, nil
}

// ListInstallments lists a loan's installments in schedule order.
func (s *SQLiteStore) ListInstallments(ownerID, loanID uuid.UUID) ([]*models.Installment, error) {
	rows, err := s.db.Query(`SELECT `+installmentColumns+` FROM installments WHERE owner_id = ? AND loan_id = ? ORDER BY number`,
		ownerID.String(), loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list installments: %w", err)
	}
	defer rows.Close()

	var installments []*models.Installment
	for rows.Next() {
		inst, err := scanInstallment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan installment row: %w", err)
		}
		installments = append(installments, inst)
	}
	return installments, rows.Err()
}

// ListDueInstallments returns unsettled installments across all owners whose
// due date is before the cutoff.
func (s *SQLiteStore) ListDueInstallments(cutoff time.Time) ([]*models.Installment, error) {
	rows, err := s.db.Query(
		`SELECT `+installmentColumns+` FROM installments
		WHERE status IN (?, ?) AND due_date < ? ORDER BY due_date`,
		models.InstallmentPending, models.InstallmentPartial, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list due installments: %w", err)
	}
	defer rows.Close()

	var installments []*models.Installment
	for rows.Next() {
		inst, err := scanInstallment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan installment row: %w", err)
		}
		installments = append(installments, inst)
	}
	return installments, rows.Err()
}

// RestructureLoan swaps the loan's installments from fromNumber onward for the
// replacement schedule and saves the updated terms, in one transaction.
func (s *SQLiteStore) RestructureLoan(loan *models.Loan, fromNumber int, installments []*models.Installment) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM installments WHERE owner_id = ? AND loan_id = ? AND number >= ?`,
		loan.OwnerID.String(), loan.ID.String(), fromNumber); err != nil {
		return fmt.Errorf("failed to drop old installments: %w", err)
	}
	for _, inst := range installments {
		if err := insertInstallment(tx, inst); err != nil {
			return err
		}
	}

	res, err := tx.Exec(
		`UPDATE loans SET period_rate = ?, installment_count = ?, fixed_installment = ?, due_date = ?, status = ?, updated_at = ?
		WHERE owner_id = ? AND id = ?`,
		loan.PeriodRate, loan.InstallmentCount, loan.FixedInstallment, loan.DueDate, loan.Status, loan.UpdatedAt,
		loan.OwnerID.String(), loan.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update loan terms: %w", err)
	}
	if err := requireRow(res, "loan"); err != nil {
		return err
	}

	return tx.Commit()
}

type execer interface {
	Exec(string, ...any) (sql.Result, error)
}

func execUpdateInstallment(ex execer, inst *models.Installment) (sql.Result, error) {
	return ex.Exec(
		`UPDATE installments SET due_date = ?, projected_interest = ?, projected_principal = ?, minimum_due = ?,
		principal_at_start = ?, amount_paid = ?, interest_paid = ?, principal_paid = ?, late_fee_paid = ?, status = ?, paid_at = ?
		WHERE owner_id = ? AND id = ?`,
		inst.DueDate, inst.ProjectedInterest, inst.ProjectedPrincipal, inst.MinimumDue,
		inst.PrincipalAtStart, inst.AmountPaid, inst.InterestPaid, inst.PrincipalPaid, inst.LateFeePaid,
		inst.Status, inst.PaidAt, inst.OwnerID.String(), inst.ID.String(),
	)
}

// UpdateInstallment updates one installment.
func (s *SQLiteStore) UpdateInstallment(inst *models.Installment) error {
	res, err := execUpdateInstallment(s.db, inst)
	if err != nil {
		return fmt.Errorf("failed to update installment: %w", err)
	}
	return requireRow(res, "installment")
}

// UpdateInstallments updates a batch of installments in one transaction.
// Used by restructuring and cancellation.
func (s *SQLiteStore) UpdateInstallments(installments []*models.Installment) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, inst := range installments {
		res, err := execUpdateInstallment(tx, inst)
		if err != nil {
			return fmt.Errorf("failed to update installment %d: %w", inst.Number, err)
		}
		if err := requireRow(res, "installment"); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ---- payments ----

// ApplyPayment writes the payment record and the updated installment and loan
// atomically. Either all three land or none do.
func (s *SQLiteStore) ApplyPayment(p *models.Payment, installments []*models.Installment, loan *models.Loan) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO payments (id, owner_id, loan_id, installment_id, installment_number, client_id, amount, interest_amount, principal_amount, late_fee, method, paid_at, elapsed_days, principal_before, principal_after, received_by, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.OwnerID.String(), p.LoanID.String(), p.InstallmentID.String(), p.InstallmentNumber,
		p.ClientID.String(), p.Amount, p.InterestAmount, p.PrincipalAmount, p.LateFee,
		p.Method, p.PaidAt, p.ElapsedDays, p.PrincipalBefore, p.PrincipalAfter, p.ReceivedBy, p.Notes,
	)
	if err != nil {
		return fmt.Errorf("failed to record payment: %w", err)
	}

	for _, inst := range installments {
		res, ierr := execUpdateInstallment(tx, inst)
		if ierr != nil {
			return fmt.Errorf("failed to update installment %d: %w", inst.Number, ierr)
		}
		if err := requireRow(res, "installment"); err != nil {
			return err
		}
	}

	res, err := tx.Exec(
		`UPDATE loans SET outstanding_principal = ?, installments_paid = ?, last_payment_date = ?, status = ?,
		total_interest_paid = ?, total_principal_paid = ?, total_late_fee_paid = ?, updated_at = ?
		WHERE owner_id = ? AND id = ?`,
		loan.OutstandingPrincipal, loan.InstallmentsPaid, loan.LastPaymentDate, loan.Status,
		loan.TotalInterestPaid, loan.TotalPrincipalPaid, loan.TotalLateFeePaid, loan.UpdatedAt,
		loan.OwnerID.String(), loan.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	if err := requireRow(res, "loan"); err != nil {
		return err
	}

	// A completed loan no longer counts against the client.
	if loan.Status == models.LoanStatusCompleted {
		if _, err := tx.Exec(`UPDATE clients SET active_loans = MAX(active_loans - 1, 0) WHERE owner_id = ? AND id = ?`,
			loan.OwnerID.String(), loan.ClientID.String()); err != nil {
			return fmt.Errorf("failed to decrement client loan counter: %w", err)
		}
	}

	return tx.Commit()
}

const paymentColumns = `id, owner_id, loan_id, installment_id, installment_number, client_id, amount,
	interest_amount, principal_amount, late_fee, method, paid_at, elapsed_days, principal_before,
	principal_after, received_by, notes`

// ListPayments returns payments matching the filter, newest first, together
// with running totals over the matched set.
func (s *SQLiteStore) ListPayments(f PaymentFilter) ([]*models.Payment, *models.PaymentTotals, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE owner_id = ?`
	args := []any{f.OwnerID.String()}
	if f.LoanID != nil {
		query += ` AND loan_id = ?`
		args = append(args, f.LoanID.String())
	}
	if f.ClientID != nil {
		query += ` AND client_id = ?`
		args = append(args, f.ClientID.String())
	}
	if f.ReceivedBy != "" {
		query += ` AND received_by = ?`
		args = append(args, f.ReceivedBy)
	}
	if f.From != nil {
		query += ` AND paid_at >= ?`
		args = append(args, *f.From)
	}
	if f.To != nil {
		query += ` AND paid_at < ?`
		args = append(args, *f.To)
	}
	query += ` ORDER BY paid_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	totals := &models.PaymentTotals{}
	var payments []*models.Payment
	for rows.Next() {
		var (
			p         models.Payment
			idStr     string
			ownerStr  string
			loanStr   string
			instStr   string
			clientStr string
		)
		err := rows.Scan(&idStr, &ownerStr, &loanStr, &instStr, &p.InstallmentNumber, &clientStr,
			&p.Amount, &p.InterestAmount, &p.PrincipalAmount, &p.LateFee, &p.Method, &p.PaidAt,
			&p.ElapsedDays, &p.PrincipalBefore, &p.PrincipalAfter, &p.ReceivedBy, &p.Notes)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to scan payment row: %w", err)
		}
		p.ID = uuid.MustParse(idStr)
		p.OwnerID = uuid.MustParse(ownerStr)
		p.LoanID = uuid.MustParse(loanStr)
		p.InstallmentID = uuid.MustParse(instStr)
		p.ClientID = uuid.MustParse(clientStr)
		payments = append(payments, &p)

		totals.Amount = totals.Amount.Add(p.Amount)
		totals.Interest = totals.Interest.Add(p.InterestAmount)
		totals.Principal = totals.Principal.Add(p.PrincipalAmount)
		totals.LateFees = totals.LateFees.Add(p.LateFee)
		totals.Count++
	}
	return payments, totals, rows.Err()
}

// ---- collateral ----

const collateralColumns = `id, owner_id, client_id, loan_id, type, description, estimated_value, status, notes, registered_at`

// CreateCollateral inserts a new collateral record.
func (s *SQLiteStore) CreateCollateral(c *models.Collateral) error {
	_, err := s.db.Exec(
		`INSERT INTO collateral (id, owner_id, client_id, loan_id, type, description, estimated_value, status, notes, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID.String(), c.OwnerID.String(), nullableID(c.ClientID), nullableID(c.LoanID),
		c.Type, c.Description, c.EstimatedValue, c.Status, c.Notes, c.RegisteredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create collateral: %w", err)
	}
	return nil
}

func scanCollateral(row interface{ Scan(...any) error }) (*models.Collateral, error) {
	var (
		c         models.Collateral
		idStr     string
		ownerStr  string
		clientStr sql.NullString
		loanStr   sql.NullString
	)
	err := row.Scan(&idStr, &ownerStr, &clientStr, &loanStr, &c.Type, &c.Description,
		&c.EstimatedValue, &c.Status, &c.Notes, &c.RegisteredAt)
	if err != nil {
		return nil, err
	}
	c.ID = uuid.MustParse(idStr)
	c.OwnerID = uuid.MustParse(ownerStr)
	c.ClientID = parsedID(clientStr)
	c.LoanID = parsedID(loanStr)
	return &c, nil
}

// GetCollateral retrieves a collateral record within the owner's scope.
func (s *SQLiteStore) GetCollateral(ownerID, id uuid.UUID) (*models.Collateral, error) {
	row := s.db.QueryRow(`SELECT `+collateralColumns+` FROM collateral WHERE owner_id = ? AND id = ?`, ownerID.String(), id.String())
	c, err := scanCollateral(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("collateral %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get collateral: %w", err)
	}
	return c, nil
}

// UpdateCollateral updates an existing collateral record.
func (s *SQLiteStore) UpdateCollateral(c *models.Collateral) error {
	res, err := s.db.Exec(
		`UPDATE collateral SET client_id = ?, loan_id = ?, type = ?, description = ?, estimated_value = ?, status = ?, notes = ? WHERE owner_id = ? AND id = ?`,
		nullableID(c.ClientID), nullableID(c.LoanID), c.Type, c.Description, c.EstimatedValue, c.Status, c.Notes,
		c.OwnerID.String(), c.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update collateral: %w", err)
	}
	return requireRow(res, "collateral")
}

// ListCollateral lists all collateral for an owner.
func (s *SQLiteStore) ListCollateral(ownerID uuid.UUID) ([]*models.Collateral, error) {
	rows, err := s.db.Query(`SELECT `+collateralColumns+` FROM collateral WHERE owner_id = ? ORDER BY registered_at DESC`, ownerID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list collateral: %w", err)
	}
	defer rows.Close()

	var items []*models.Collateral
	for rows.Next() {
		c, err := scanCollateral(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan collateral row: %w", err)
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

// ---- commission payouts ----

// CreatePayout records the payout and updates the collector's cumulative paid
// total in one transaction.
func (s *SQLiteStore) CreatePayout(p *models.CommissionPayout, collector *models.User) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO commission_payouts (id, owner_id, collector_id, amount, method, notes, paid_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.OwnerID.String(), p.CollectorID.String(), p.Amount, p.Method, p.Notes, p.PaidAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record payout: %w", err)
	}

	res, err := tx.Exec(
		`UPDATE users SET commission_paid = ?, last_commission_payout = ? WHERE owner_id = ? AND id = ?`,
		collector.CommissionPaid, collector.LastCommissionPayout,
		collector.OwnerID.String(), collector.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update collector totals: %w", err)
	}
	if err := requireRow(res, "collector"); err != nil {
		return err
	}

	return tx.Commit()
}

// ListPayouts lists payouts to one collector, newest first.
func (s *SQLiteStore) ListPayouts(ownerID, collectorID uuid.UUID) ([]*models.CommissionPayout, error) {
	rows, err := s.db.Query(
		`SELECT id, owner_id, collector_id, amount, method, notes, paid_at FROM commission_payouts
		WHERE owner_id = ? AND collector_id = ? ORDER BY paid_at DESC`,
		ownerID.String(), collectorID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list payouts: %w", err)
	}
	defer rows.Close()

	var payouts []*models.CommissionPayout
	for rows.Next() {
		var (
			p            models.CommissionPayout
			idStr        string
			ownerStr     string
			collectorStr string
		)
		if err := rows.Scan(&idStr, &ownerStr, &collectorStr, &p.Amount, &p.Method, &p.Notes, &p.PaidAt); err != nil {
			return nil, fmt.Errorf("failed to scan payout row: %w", err)
		}
		p.ID = uuid.MustParse(idStr)
		p.OwnerID = uuid.MustParse(ownerStr)
		p.CollectorID = uuid.MustParse(collectorStr)
		payouts = append(payouts, &p)
	}
	return payouts, rows.Err()
}

// ---- stats ----

// Stats computes portfolio aggregates for one owner. SQLite cannot sum TEXT
// decimals natively, so sums go through REAL and are rounded back to cents.
func (s *SQLiteStore) Stats(ownerID uuid.UUID) (*models.DashboardStats, error) {
	stats := &models.DashboardStats{}
	owner := ownerID.String()

	row := s.db.QueryRow(
		`SELECT COUNT(*),
			COALESCE(SUM(CAST(principal AS REAL)), 0),
			COALESCE(SUM(CASE WHEN status IN ('active','overdue') THEN CAST(outstanding_principal AS REAL) ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'overdue' THEN CAST(outstanding_principal AS REAL) ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'active' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'overdue' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0)
		FROM loans WHERE owner_id = ?`, owner)

	var totalLoans int
	var totalLent, outstanding, overdue float64
	if err := row.Scan(&totalLoans, &totalLent, &outstanding, &overdue,
		&stats.ActiveLoans, &stats.OverdueLoans, &stats.CompletedLoans); err != nil {
		return nil, fmt.Errorf("failed to aggregate loans: %w", err)
	}
	stats.TotalLent = decimal.NewFromFloat(totalLent).Round(2)
	stats.OutstandingActive = decimal.NewFromFloat(outstanding).Round(2)
	stats.OverduePortfolio = decimal.NewFromFloat(overdue).Round(2)

	row = s.db.QueryRow(
		`SELECT COUNT(*),
			COALESCE(SUM(CAST(amount AS REAL)), 0),
			COALESCE(SUM(CAST(interest_amount AS REAL)), 0)
		FROM payments WHERE owner_id = ?`, owner)
	var collected, interest float64
	if err := row.Scan(&stats.PaymentCount, &collected, &interest); err != nil {
		return nil, fmt.Errorf("failed to aggregate payments: %w", err)
	}
	stats.TotalCollected = decimal.NewFromFloat(collected).Round(2)
	stats.InterestCollected = decimal.NewFromFloat(interest).Round(2)

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM clients WHERE owner_id = ?`, owner).Scan(&stats.TotalClients); err != nil {
		return nil, fmt.Errorf("failed to count clients: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM users WHERE owner_id = ? AND role = ?`, owner, models.RoleCollector).Scan(&stats.TotalCollectors); err != nil {
		return nil, fmt.Errorf("failed to count collectors: %w", err)
	}

	return stats, nil
}

// requireRow converts a zero-row update/delete into ErrNotFound.
func requireRow(res sql.Result, entity string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, ErrNotFound)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
