package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fintrack/pkg/amortization"
	"github.com/mcclellann/fintrack/pkg/models"
	"github.com/shopspring/decimal"
)

// PaymentRequest is one real payment against a loan.
type PaymentRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	PaymentDate    models.Date     `json:"payment_date"`
	ExtraPrincipal decimal.Decimal `json:"extra_principal"`
	Notes          string          `json:"notes,omitempty"`
}

// PaymentResult is the split actually applied by a payment.
type PaymentResult struct {
	Payment       *models.Payment `json:"payment"`
	PrincipalPaid decimal.Decimal `json:"principal_paid"`
	InterestPaid  decimal.Decimal `json:"interest_paid"`
	NewBalance    decimal.Decimal `json:"new_balance"`
	BecamePaidOff bool            `json:"became_paid_off"`
}

func (r *PaymentResult) applied() decimal.Decimal {
	return r.PrincipalPaid.Add(r.InterestPaid)
}

func validateMoney(field string, v decimal.Decimal) error {
	if !v.Equal(v.Round(2)) {
		return &models.ValidationError{Field: field, Reason: "must have at most 2 decimal places"}
	}
	return nil
}

func (r PaymentRequest) validate() error {
	if !r.Amount.IsPositive() {
		return &models.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if err := validateMoney("amount", r.Amount); err != nil {
		return err
	}
	if r.ExtraPrincipal.IsNegative() {
		return &models.ValidationError{Field: "extra_principal", Reason: "cannot be negative"}
	}
	if err := validateMoney("extra_principal", r.ExtraPrincipal); err != nil {
		return err
	}
	if r.PaymentDate.IsZero() {
		return &models.ValidationError{Field: "payment_date", Reason: "is required"}
	}
	if len(r.Notes) > maxNotesLen {
		return &models.ValidationError{Field: "notes", Reason: "must be at most 500 characters"}
	}
	return nil
}

// ApplyPayment computes the effect of req on loan without persisting anything.
// Interest is charged through amortization.Split, the same formula the
// schedule uses, so on-schedule payments track the projection exactly.
func ApplyPayment(loan *models.Loan, req PaymentRequest, now time.Time) (*PaymentResult, error) {
	if !loan.Active {
		return nil, &models.InvalidStateError{LoanID: loan.ID.String(), State: loan.State(), Op: "record payment on"}
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.PaymentDate.Before(loan.StartDate) {
		return nil, &models.ValidationError{Field: "payment_date", Reason: "cannot be before the loan start date " + loan.StartDate.String()}
	}

	principal, interest := amortization.Split(loan.CurrentBalance, loan.InterestRate, req.Amount, req.ExtraPrincipal)
	newBalance := loan.CurrentBalance.Sub(principal)

	payment := &models.Payment{
		ID:             uuid.New(),
		LoanID:         loan.ID,
		Amount:         req.Amount,
		ExtraPrincipal: req.ExtraPrincipal,
		PrincipalPaid:  principal,
		InterestPaid:   interest,
		BalanceAfter:   newBalance,
		PaymentDate:    req.PaymentDate,
		Notes:          req.Notes,
		CreatedAt:      now,
	}

	return &PaymentResult{
		Payment:       payment,
		PrincipalPaid: principal,
		InterestPaid:  interest,
		NewBalance:    newBalance,
		BecamePaidOff: newBalance.IsZero(),
	}, nil
}
