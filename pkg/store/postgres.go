package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mcclellann/fintrack/pkg/models"
	"github.com/shopspring/decimal"
)

// Numerics and dates are read back as text so decimals keep their exact scale.
const pgLoanColumns = `id::text, name, loan_type, original_principal::text, current_balance::text,
	interest_rate::text, term_months, start_date::text, monthly_payment::text, total_paid::text,
	account_id::text, notes, is_active, version, created_at, updated_at`

const pgPaymentColumns = `seq, id::text, loan_id::text, amount::text, extra_principal::text,
	principal_paid::text, interest_paid::text, balance_after::text, payment_date::text, notes, created_at`

// pgQuerier abstracts pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	URL      string
	MaxConns int32
}

// PostgresStore implements Storage on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore migrates the schema at cfg.URL and opens a pool against it.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if err := RunPostgresMigrations(cfg.URL); err != nil {
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MaxConnLifetime = 1 * time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	slog.Info("postgres store ready", "max_conns", poolCfg.MaxConns)
	return &PostgresStore{pool: pool}, nil
}

func nullDecimalArg(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}

func nullUUIDArg(id uuid.NullUUID) *string {
	if !id.Valid {
		return nil
	}
	s := id.UUID.String()
	return &s
}

type pgRow interface {
	Scan(dest ...any) error
}

func parseDecimals(pairs map[string]*decimal.Decimal, raw map[string]string) error {
	for name, dst := range pairs {
		v, err := decimal.NewFromString(raw[name])
		if err != nil {
			return fmt.Errorf("corrupt %s %q: %w", name, raw[name], err)
		}
		*dst = v
	}
	return nil
}

func scanPgLoan(row pgRow) (*models.Loan, error) {
	var loan models.Loan
	var id, loanType, principal, balance, rate, startDate, totalPaid string
	var payment, accountID *string
	if err := row.Scan(
		&id, &loan.Name, &loanType, &principal, &balance, &rate, &loan.TermMonths, &startDate,
		&payment, &totalPaid, &accountID, &loan.Notes, &loan.Active, &loan.Version,
		&loan.CreatedAt, &loan.UpdatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if loan.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("corrupt loan id %q: %w", id, err)
	}
	loan.LoanType = models.LoanType(loanType)
	if loan.StartDate, err = models.ParseDate(startDate); err != nil {
		return nil, fmt.Errorf("corrupt start date for loan %s: %w", id, err)
	}
	err = parseDecimals(map[string]*decimal.Decimal{
		"original_principal": &loan.OriginalPrincipal,
		"current_balance":    &loan.CurrentBalance,
		"interest_rate":      &loan.InterestRate,
		"total_paid":         &loan.TotalPaid,
	}, map[string]string{
		"original_principal": principal,
		"current_balance":    balance,
		"interest_rate":      rate,
		"total_paid":         totalPaid,
	})
	if err != nil {
		return nil, err
	}
	if payment != nil {
		v, err := decimal.NewFromString(*payment)
		if err != nil {
			return nil, fmt.Errorf("corrupt monthly payment %q: %w", *payment, err)
		}
		loan.StatedMonthlyPayment = decimal.NewNullDecimal(v)
	}
	if accountID != nil {
		v, err := uuid.Parse(*accountID)
		if err != nil {
			return nil, fmt.Errorf("corrupt account id %q: %w", *accountID, err)
		}
		loan.AccountID = uuid.NullUUID{UUID: v, Valid: true}
	}
	return &loan, nil
}

func scanPgPayment(row pgRow) (*models.Payment, error) {
	var p models.Payment
	var id, loanID, amount, extra, principal, interest, balance, paymentDate string
	if err := row.Scan(
		&p.Seq, &id, &loanID, &amount, &extra, &principal, &interest, &balance, &paymentDate,
		&p.Notes, &p.CreatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if p.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("corrupt payment id %q: %w", id, err)
	}
	if p.LoanID, err = uuid.Parse(loanID); err != nil {
		return nil, fmt.Errorf("corrupt loan id %q: %w", loanID, err)
	}
	if p.PaymentDate, err = models.ParseDate(paymentDate); err != nil {
		return nil, fmt.Errorf("corrupt payment date for payment %s: %w", id, err)
	}
	err = parseDecimals(map[string]*decimal.Decimal{
		"amount":          &p.Amount,
		"extra_principal": &p.ExtraPrincipal,
		"principal_paid":  &p.PrincipalPaid,
		"interest_paid":   &p.InterestPaid,
		"balance_after":   &p.BalanceAfter,
	}, map[string]string{
		"amount":          amount,
		"extra_principal": extra,
		"principal_paid":  principal,
		"interest_paid":   interest,
		"balance_after":   balance,
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func pgMissingLoan(ctx context.Context, q pgQuerier, id uuid.UUID) error {
	var deleted bool
	err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM deleted_loans WHERE id = $1::uuid)`, id.String()).Scan(&deleted)
	if err != nil {
		return fmt.Errorf("failed to check loan tombstone: %w", err)
	}
	if deleted {
		return fmt.Errorf("loan %s: %w", id, models.ErrDeleted)
	}
	return &models.NotFoundError{Resource: "loan", ID: id.String()}
}

func pgCheckVersionedWrite(ctx context.Context, q pgQuerier, tag pgconn.CommandTag, id uuid.UUID) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM loans WHERE id = $1::uuid)`, id.String()).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check loan existence: %w", err)
	}
	if exists {
		return fmt.Errorf("loan %s: %w", id, models.ErrConflict)
	}
	return pgMissingLoan(ctx, q, id)
}

// CreateLoan inserts a new loan.
func (s *PostgresStore) CreateLoan(ctx context.Context, loan *models.Loan) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO loans (
			id, name, loan_type, original_principal, current_balance, interest_rate, term_months,
			start_date, monthly_payment, total_paid, account_id, notes, is_active, version,
			created_at, updated_at
		) VALUES (
			$1::uuid, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7,
			$8::date, $9::numeric, $10::numeric, $11::uuid, $12, $13, $14,
			$15, $16
		)`,
		loan.ID.String(), loan.Name, string(loan.LoanType), loan.OriginalPrincipal.String(),
		loan.CurrentBalance.String(), loan.InterestRate.String(), loan.TermMonths,
		loan.StartDate.String(), nullDecimalArg(loan.StatedMonthlyPayment), loan.TotalPaid.String(),
		nullUUIDArg(loan.AccountID), loan.Notes, loan.Active, loan.Version,
		loan.CreatedAt, loan.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return nil
}

// GetLoan retrieves a loan by its ID.
func (s *PostgresStore) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgLoanColumns+` FROM loans WHERE id = $1::uuid`, id.String())
	loan, err := scanPgLoan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgMissingLoan(ctx, s.pool, id)
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return loan, nil
}

// UpdateLoan writes the mutable loan fields under optimistic versioning.
func (s *PostgresStore) UpdateLoan(ctx context.Context, loan *models.Loan) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE loans SET
			name            = $1,
			loan_type       = $2,
			interest_rate   = $3::numeric,
			monthly_payment = $4::numeric,
			account_id      = $5::uuid,
			notes           = $6,
			version         = version + 1,
			updated_at      = $7
		WHERE id = $8::uuid AND version = $9`,
		loan.Name, string(loan.LoanType), loan.InterestRate.String(), nullDecimalArg(loan.StatedMonthlyPayment),
		nullUUIDArg(loan.AccountID), loan.Notes, loan.UpdatedAt, loan.ID.String(), loan.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	if err := pgCheckVersionedWrite(ctx, s.pool, tag, loan.ID); err != nil {
		return err
	}
	loan.Version++
	return nil
}

// DeleteLoan removes a loan and its payments and records a tombstone.
func (s *PostgresStore) DeleteLoan(ctx context.Context, id uuid.UUID) error {
	return s.withPgTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM loan_payments WHERE loan_id = $1::uuid`, id.String()); err != nil {
			return fmt.Errorf("failed to delete associated payments: %w", err)
		}
		tag, err := tx.Exec(ctx, `DELETE FROM loans WHERE id = $1::uuid`, id.String())
		if err != nil {
			return fmt.Errorf("failed to delete loan: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return pgMissingLoan(ctx, tx, id)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO deleted_loans (id, deleted_at) VALUES ($1::uuid, $2)`, id.String(), time.Now().UTC(),
		); err != nil {
			return fmt.Errorf("failed to record loan tombstone: %w", err)
		}
		return nil
	})
}

// GetAllLoans retrieves loans newest first.
func (s *PostgresStore) GetAllLoans(ctx context.Context, filter LoanFilter) ([]*models.Loan, error) {
	query := `SELECT ` + pgLoanColumns + ` FROM loans`
	var args []any
	if filter.Active != nil {
		query += ` WHERE is_active = $1`
		args = append(args, *filter.Active)
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get loans: %w", err)
	}
	defer rows.Close()

	var loans []*models.Loan
	for rows.Next() {
		loan, err := scanPgLoan(rows)
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
func (s *PostgresStore) CreateAccount(ctx context.Context, account *models.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, name, current_balance, created_at, updated_at)
		VALUES ($1::uuid, $2, $3::numeric, $4, $5)`,
		account.ID.String(), account.Name, account.CurrentBalance.String(), account.CreatedAt, account.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

// GetAccount retrieves an account by its ID.
func (s *PostgresStore) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	account := models.Account{ID: id}
	var balance string
	err := s.pool.QueryRow(ctx,
		`SELECT name, current_balance::text, created_at, updated_at FROM accounts WHERE id = $1::uuid`, id.String(),
	).Scan(&account.Name, &balance, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &models.NotFoundError{Resource: "account", ID: id.String()}
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if account.CurrentBalance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("corrupt account balance %q: %w", balance, err)
	}
	return &account, nil
}

// GetPaymentsForLoan retrieves the ledger for a loan in application order.
func (s *PostgresStore) GetPaymentsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Payment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgPaymentColumns+` FROM loan_payments WHERE loan_id = $1::uuid ORDER BY payment_date, seq`,
		loanID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get payments for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	var payments []*models.Payment
	for rows.Next() {
		p, err := scanPgPayment(rows)
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

// withPgTx executes fn within a transaction, rolling back if fn fails.
func (s *PostgresStore) withPgTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("postgres: rollback tx: %w (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", err)
	}
	return nil
}

// WithTx runs fn inside a database transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.withPgTx(ctx, func(tx pgx.Tx) error {
		return fn(&postgresTx{tx: tx})
	})
}

// Ping checks the pool can reach the database.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: health check: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) UpdateLoanBalance(ctx context.Context, loanID uuid.UUID, version int64, balance, totalPaid decimal.Decimal, active bool) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE loans SET
			current_balance = $1::numeric,
			total_paid      = $2::numeric,
			is_active       = $3,
			version         = version + 1,
			updated_at      = $4
		WHERE id = $5::uuid AND version = $6`,
		balance.String(), totalPaid.String(), active, time.Now().UTC(), loanID.String(), version,
	)
	if err != nil {
		return fmt.Errorf("failed to update loan balance: %w", err)
	}
	return pgCheckVersionedWrite(ctx, t.tx, tag, loanID)
}

func (t *postgresTx) AdjustAccountBalance(ctx context.Context, accountID uuid.UUID, delta decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE accounts SET current_balance = current_balance + $1::numeric, updated_at = $2 WHERE id = $3::uuid`,
		delta.String(), time.Now().UTC(), accountID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update account balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &models.NotFoundError{Resource: "account", ID: accountID.String()}
	}
	return nil
}

func (t *postgresTx) InsertPayment(ctx context.Context, p *models.Payment) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO loan_payments (
			id, loan_id, amount, extra_principal, principal_paid, interest_paid,
			balance_after, payment_date, notes, created_at
		) VALUES ($1::uuid, $2::uuid, $3::numeric, $4::numeric, $5::numeric, $6::numeric, $7::numeric, $8::date, $9, $10)
		RETURNING seq`,
		p.ID.String(), p.LoanID.String(), p.Amount.String(), p.ExtraPrincipal.String(), p.PrincipalPaid.String(),
		p.InterestPaid.String(), p.BalanceAfter.String(), p.PaymentDate.String(), p.Notes, p.CreatedAt,
	).Scan(&p.Seq)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}
