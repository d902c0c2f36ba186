package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/mcclellann/fintrack/pkg/models"
	"github.com/shopspring/decimal"
)

// LoanFilter narrows GetAllLoans. A nil Active returns every loan.
type LoanFilter struct {
	Active *bool
}

// Storage defines the interface for database operations related to loans, accounts and payments.
//
// Loan deletion cascades to the loan's payments and leaves a tombstone so that
// later lookups of the id fail with models.ErrDeleted instead of models.ErrNotFound.
type Storage interface {
	CreateLoan(ctx context.Context, loan *models.Loan) error
	GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error)
	// UpdateLoan writes the mutable loan fields if loan.Version still matches,
	// then increments loan.Version. A stale version yields models.ErrConflict.
	UpdateLoan(ctx context.Context, loan *models.Loan) error
	DeleteLoan(ctx context.Context, id uuid.UUID) error
	GetAllLoans(ctx context.Context, filter LoanFilter) ([]*models.Loan, error)

	CreateAccount(ctx context.Context, account *models.Account) error
	GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error)

	// GetPaymentsForLoan returns the ledger in application order: payment date, then seq.
	GetPaymentsForLoan(ctx context.Context, loanID uuid.UUID) ([]*models.Payment, error)

	// WithTx runs fn in one atomic unit. Nothing fn wrote is visible if it returns an error.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	Ping(ctx context.Context) error
	Close() error
}

// Tx is the set of writes a payment commit needs.
type Tx interface {
	// UpdateLoanBalance sets balance, total paid and active flag on the loan
	// with the given version and bumps the version. Stale versions yield models.ErrConflict.
	UpdateLoanBalance(ctx context.Context, loanID uuid.UUID, version int64, balance, totalPaid decimal.Decimal, active bool) error
	// AdjustAccountBalance adds delta to the account's current balance.
	AdjustAccountBalance(ctx context.Context, accountID uuid.UUID, delta decimal.Decimal) error
	// InsertPayment appends a ledger entry and sets payment.Seq.
	InsertPayment(ctx context.Context, payment *models.Payment) error
}
