package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LoanType is the closed set of loan categories. It only drives display.
type LoanType string

const (
	LoanTypeMortgage LoanType = "mortgage"
	LoanTypeAuto     LoanType = "auto"
	LoanTypePersonal LoanType = "personal"
	LoanTypeStudent  LoanType = "student"
	LoanTypeOther    LoanType = "other"
)

var loanTypeLabels = map[LoanType]string{
	LoanTypeMortgage: "Mortgage",
	LoanTypeAuto:     "Auto Loan",
	LoanTypePersonal: "Personal Loan",
	LoanTypeStudent:  "Student Loan",
	LoanTypeOther:    "Other",
}

// Valid reports whether t is one of the known loan types.
func (t LoanType) Valid() bool {
	_, ok := loanTypeLabels[t]
	return ok
}

// Display returns the human-readable label for t.
func (t LoanType) Display() string {
	if label, ok := loanTypeLabels[t]; ok {
		return label
	}
	return string(t)
}

// Loan is the persisted state of a single fixed-payment loan.
// OriginalPrincipal, TermMonths and StartDate never change after creation.
type Loan struct {
	ID                   uuid.UUID           `json:"id"`
	Name                 string              `json:"name"`
	LoanType             LoanType            `json:"loan_type"`
	OriginalPrincipal    decimal.Decimal     `json:"original_principal"`
	CurrentBalance       decimal.Decimal     `json:"current_balance"`
	InterestRate         decimal.Decimal     `json:"interest_rate"` // Annual percentage, e.g. 5.25
	TermMonths           int                 `json:"term_months"`
	StartDate            Date                `json:"start_date"`
	StatedMonthlyPayment decimal.NullDecimal `json:"stated_monthly_payment"`
	TotalPaid            decimal.Decimal     `json:"total_paid"`
	AccountID            uuid.NullUUID       `json:"account_id"`
	Notes                string              `json:"notes,omitempty"`
	Active               bool                `json:"is_active"`
	Version              int64               `json:"version"` // Bumped on every write
	CreatedAt            time.Time           `json:"created_at"`
	UpdatedAt            time.Time           `json:"updated_at"`
}

// State returns the lifecycle state name of the loan.
func (l *Loan) State() string {
	if l.Active {
		return "active"
	}
	return "paid_off"
}

// Payment is one append-only ledger entry. Amounts are the ones actually applied.
type Payment struct {
	ID             uuid.UUID       `json:"id"`
	LoanID         uuid.UUID       `json:"loan_id"`
	Seq            int64           `json:"seq"` // Insertion order, assigned by the store
	Amount         decimal.Decimal `json:"amount"`
	ExtraPrincipal decimal.Decimal `json:"extra_principal"`
	PrincipalPaid  decimal.Decimal `json:"principal_paid"`
	InterestPaid   decimal.Decimal `json:"interest_paid"`
	BalanceAfter   decimal.Decimal `json:"balance_after"`
	PaymentDate    Date            `json:"payment_date"`
	Notes          string          `json:"notes,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Account is the linked account collaborator. Only CurrentBalance is written by the ledger.
type Account struct {
	ID             uuid.UUID       `json:"id"`
	Name           string          `json:"name"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
