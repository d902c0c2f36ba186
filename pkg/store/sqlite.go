package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fintrack/pkg/models"
	"github.com/shopspring/decimal"

	_ "github.com/mattn/go-sqlite3"
)

const loanColumns = `id, name, loan_type, original_principal, current_balance, interest_rate, term_months,
	start_date, monthly_payment, total_paid, account_id, notes, is_active, version, created_at, updated_at`

const paymentColumns = `seq, id, loan_id, amount, extra_principal, principal_paid, interest_paid,
	balance_after, payment_date, notes, created_at`

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// sqliteDSN enables foreign keys and WAL on every pooled connection and takes
// the write lock when a transaction begins, so concurrent commits queue up
// instead of failing on lock upgrade.
func sqliteDSN(path string) string {
	return fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate", path)
}

// NewSQLiteStore creates a new SQLiteStore and migrates the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("could not create database directory: %w", err)
		}
	}

	dsn := sqliteDSN(path)
	if err := RunSQLiteMigrations(dsn); err != nil {
		return nil, fmt.Errorf("could not migrate schema: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	slog.Info("sqlite store ready", "path", path)
	return &SQLiteStore{db: db}, nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLoan(row rowScanner) (*models.Loan, error) {
	var loan models.Loan
	var idStr, startDate string
	var loanType string
	if err := row.Scan(
		&idStr, &loan.Name, &loanType, &loan.OriginalPrincipal, &loan.CurrentBalance, &loan.InterestRate,
		&loan.TermMonths, &startDate, &loan.StatedMonthlyPayment, &loan.TotalPaid, &loan.AccountID,
		&loan.Notes, &loan.Active, &loan.Version, &loan.CreatedAt, &loan.UpdatedAt,
	); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt loan id %q: %w", idStr, err)
	}
	loan.ID = id
	loan.LoanType = models.LoanType(loanType)
	if loan.StartDate, err = models.ParseDate(startDate); err != nil {
		return nil, fmt.Errorf("corrupt start date for loan %s: %w", idStr, err)
	}
	return &loan, nil
}

func scanPayment(row rowScanner) (*models.Payment, error) {
	var p models.Payment
	var idStr, loanIDStr, paymentDate string
	if err := row.Scan(
		&p.Seq, &idStr, &loanIDStr, &p.Amount, &p.ExtraPrincipal, &p.PrincipalPaid, &p.InterestPaid,
		&p.BalanceAfter, &paymentDate, &p.Notes, &p.CreatedAt,
	); err != nil {
		return nil, err
	}
	var err error
	if p.ID, err = uuid.Parse(idStr); err != nil {
		return nil, fmt.Errorf("corrupt payment id %q: %w", idStr, err)
	}
	if p.LoanID, err = uuid.Parse(loanIDStr); err != nil {
		return nil, fmt.Errorf("corrupt loan id %q: %w", loanIDStr, err)
	}
	if p.PaymentDate, err = models.ParseDate(paymentDate); err != nil {
		return nil, fmt.Errorf("corrupt payment date for payment %s: %w", idStr, err)
	}
	return &p, nil
}

// missingLoan explains why a loan row was not found.
func missingLoan(ctx context.Context, q queryer, id uuid.UUID) error {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM deleted_loans WHERE id = ?`, id.String()).Scan(&n)
	if err != nil {
		return fmt.Errorf("failed to check loan tombstone: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("loan %s: %w", id, models.ErrDeleted)
	}
	return &models.NotFoundError{Resource: "loan", ID: id.String()}
}

// CreateLoan inserts a new loan into the database.
func (s *SQLiteStore) CreateLoan(ctx context.Context, loan *models.Loan) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO loans (`+loanColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID.String(), loan.Name, string(loan.LoanType), loan.OriginalPrincipal, loan.CurrentBalance,
		loan.InterestRate, loan.TermMonths, loan.StartDate.String(), loan.StatedMonthlyPayment, loan.TotalPaid,
		loan.AccountID, loan.Notes, loan.Active, loan.Version, loan.CreatedAt, loan.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return nil
}

// GetLoan retrieves a loan by its ID.
func (s *SQLiteStore) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, id.String())
	loan, err := scanLoan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, missingLoan(ctx, s.db, id)
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return loan, nil
}

// UpdateLoan updates the mutable loan fields under optimistic versioning.
func (s *SQLiteStore) UpdateLoan(ctx context.Context, loan *models.Loan) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE loans SET name = ?, loan_type = ?, interest_rate = ?, monthly_payment = ?, account_id = ?,
			notes = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		loan.Name, string(loan.LoanType), loan.InterestRate, loan.StatedMonthlyPayment, loan.AccountID,
		loan.Notes, loan.UpdatedAt, loan.ID.String(), loan.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	if err := s.checkVersionedWrite(ctx, s.db, result, loan.ID); err != nil {
		return err
	}
	loan.Version++
	return nil
}

func (s *SQLiteStore) checkVersionedWrite(ctx context.Context, q queryer, result sql.Result, id uuid.UUID) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM loans WHERE id = ?`, id.String()).Scan(&n); err != nil {
		return fmt.Errorf("failed to check loan existence: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("loan %s: %w", id, models.ErrConflict)
	}
	return missingLoan(ctx, q, id)
}

// DeleteLoan removes a loan and its payments within a transaction and records a tombstone.
func (s *SQLiteStore) DeleteLoan(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM loan_payments WHERE loan_id = ?`, id.String()); err != nil {
		return fmt.Errorf("failed to delete associated payments: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM loans WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete loan: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return missingLoan(ctx, tx, id)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO deleted_loans (id, deleted_at) VALUES (?, ?)`, id.String(), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to record loan tombstone: %w", err)
	}

	return tx.Commit()
}

// GetAllLoans retrieves loans newest first.
func (s *SQLiteStore) GetAllLoans(ctx context.Context, filter LoanFilter) ([]*models.Loan, error) {
	query := `SELECT ` + loanColumns + ` FROM loans`
	var args []any
	if filter.Active != nil {
		query += ` WHERE is_active = ?`
		args = append(args, *filter.Active)
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get loans: %w", err)
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return loans, nil
}

// CreateAccount inserts a new account.
func (s *SQLiteStore) CreateAccount(ctx context.Context, account *models.Account) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, name, current_balance, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		account.ID.String(), account.Name, account.CurrentBalance, account.CreatedAt, account.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// GetAccount retrieves an account by its ID.
func (s *SQLiteStore) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	var account models.Account
	var idStr string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, current_balance, created_at, updated_at FROM accounts WHERE id = ?`, id.String(),
	).Scan(&idStr, &account.Name, &account.CurrentBalance, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &models.NotFoundError{Resource: "account", ID: id.String()}
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	account.ID = id
	return &account, nil
}

// GetPaymentsForLoan retrieves the ledger for a loan in application order.
func (s *SQLiteStore) GetPaymentsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Payment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM loan_payments WHERE loan_id = ? ORDER BY payment_date ASC, seq ASC`,
		loanID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get payments for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	var payments []*models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment row: %w", err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for loan payments: %w", err)
	}
	return payments, nil
}

// WithTx runs fn inside a database transaction and commits if fn succeeds.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{store: s, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqliteTx struct {
	store *SQLiteStore
	tx    *sql.Tx
}

func (t *sqliteTx) UpdateLoanBalance(ctx context.Context, loanID uuid.UUID, version int64, balance, totalPaid decimal.Decimal, active bool) error {
	result, err := t.tx.ExecContext(ctx,
		`UPDATE loans SET current_balance = ?, total_paid = ?, is_active = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		balance, totalPaid, active, time.Now().UTC(), loanID.String(), version,
	)
	if err != nil {
		return fmt.Errorf("failed to update loan balance: %w", err)
	}
	return t.store.checkVersionedWrite(ctx, t.tx, result, loanID)
}

func (t *sqliteTx) AdjustAccountBalance(ctx context.Context, accountID uuid.UUID, delta decimal.Decimal) error {
	var current decimal.Decimal
	err := t.tx.QueryRowContext(ctx, `SELECT current_balance FROM accounts WHERE id = ?`, accountID.String()).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &models.NotFoundError{Resource: "account", ID: accountID.String()}
		}
		return fmt.Errorf("failed to read account balance: %w", err)
	}
	// TEXT columns cannot be summed exactly in SQL, so the new value is computed here.
	_, err = t.tx.ExecContext(ctx,
		`UPDATE accounts SET current_balance = ?, updated_at = ? WHERE id = ?`,
		current.Add(delta), time.Now().UTC(), accountID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update account balance: %w", err)
	}
	return nil
}

func (t *sqliteTx) InsertPayment(ctx context.Context, p *models.Payment) error {
	result, err := t.tx.ExecContext(ctx,
		`INSERT INTO loan_payments (id, loan_id, amount, extra_principal, principal_paid, interest_paid,
			balance_after, payment_date, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.LoanID.String(), p.Amount, p.ExtraPrincipal, p.PrincipalPaid, p.InterestPaid,
		p.BalanceAfter, p.PaymentDate.String(), p.Notes, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read payment sequence: %w", err)
	}
	p.Seq = seq
	return nil
}
