package ledger

import (
	"github.com/mcclellann/fintrack/pkg/amortization"
	"github.com/mcclellann/fintrack/pkg/models"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// LoanView is a loan plus the figures derived from it for display.
type LoanView struct {
	*models.Loan
	State             string          `json:"state"`
	LoanTypeDisplay   string          `json:"loan_type_display"`
	MonthlyPayment    decimal.Decimal `json:"monthly_payment"`
	ProgressPercent   decimal.Decimal `json:"progress_percent"`
	RemainingPayments int             `json:"remaining_payments"`
	TotalInterestPaid decimal.Decimal `json:"total_interest_paid"`
}

// NewLoanView derives the display figures for loan.
func NewLoanView(loan *models.Loan) LoanView {
	payment := monthlyPayment(loan)
	principalPaid := loan.OriginalPrincipal.Sub(loan.CurrentBalance)

	progress := hundred
	if loan.OriginalPrincipal.IsPositive() {
		progress = principalPaid.Mul(hundred).DivRound(loan.OriginalPrincipal, 1)
	}

	remaining := 0
	if loan.Active {
		remaining = amortization.RemainingPayments(loan.CurrentBalance, loan.InterestRate, payment)
	}

	return LoanView{
		Loan:              loan,
		State:             loan.State(),
		LoanTypeDisplay:   loan.LoanType.Display(),
		MonthlyPayment:    payment,
		ProgressPercent:   progress,
		RemainingPayments: remaining,
		TotalInterestPaid: decimal.Max(decimal.Zero, loan.TotalPaid.Sub(principalPaid)),
	}
}

// monthlyPayment is the stated payment, or the payment derived from the original terms.
func monthlyPayment(loan *models.Loan) decimal.Decimal {
	if loan.StatedMonthlyPayment.Valid {
		return loan.StatedMonthlyPayment.Decimal
	}
	return amortization.MonthlyPayment(loan.OriginalPrincipal, loan.InterestRate, loan.TermMonths)
}

// LoanList is the result of ListLoans. Totals cover active loans only.
type LoanList struct {
	Loans         []LoanView      `json:"loans"`
	Total         int             `json:"total"`
	TotalBalance  decimal.Decimal `json:"total_balance"`
	TotalOriginal decimal.Decimal `json:"total_original"`
}

// Summary aggregates the active loan book.
type Summary struct {
	TotalLoans          int                     `json:"total_loans"`
	ActiveLoans         int                     `json:"active_loans"`
	TotalBalance        decimal.Decimal         `json:"total_balance"`
	TotalOriginal       decimal.Decimal         `json:"total_original"`
	TotalMonthlyPayment decimal.Decimal         `json:"total_monthly_payment"`
	LoansByType         map[models.LoanType]int `json:"loans_by_type"`
}

func summarize(loans []*models.Loan) Summary {
	s := Summary{
		TotalLoans:          len(loans),
		TotalBalance:        decimal.Zero,
		TotalOriginal:       decimal.Zero,
		TotalMonthlyPayment: decimal.Zero,
		LoansByType:         make(map[models.LoanType]int),
	}
	for _, loan := range loans {
		if !loan.Active {
			continue
		}
		s.ActiveLoans++
		s.TotalBalance = s.TotalBalance.Add(loan.CurrentBalance)
		s.TotalOriginal = s.TotalOriginal.Add(loan.OriginalPrincipal)
		s.TotalMonthlyPayment = s.TotalMonthlyPayment.Add(monthlyPayment(loan))
		s.LoansByType[loan.LoanType]++
	}
	return s
}

// LoanSchedule is a loan's projected schedule from its current state.
type LoanSchedule struct {
	LoanID            string          `json:"loan_id"`
	LoanName          string          `json:"loan_name"`
	OriginalPrincipal decimal.Decimal `json:"original_principal"`
	CurrentBalance    decimal.Decimal `json:"current_balance"`
	InterestRate      decimal.Decimal `json:"interest_rate"`
	TermMonths        int             `json:"term_months"`
	PaymentsMade      int             `json:"payments_made"`
	*amortization.Schedule
}
