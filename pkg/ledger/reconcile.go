package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcclellann/fintrack/pkg/logging"
	"github.com/mcclellann/fintrack/pkg/metrics"
	"github.com/mcclellann/fintrack/pkg/models"
	"github.com/mcclellann/fintrack/pkg/store"
	"github.com/shopspring/decimal"
)

// Reconciliation is the outcome of replaying a loan's ledger.
type Reconciliation struct {
	LoanID            uuid.UUID       `json:"loan_id"`
	Consistent        bool            `json:"consistent"`
	Payments          int             `json:"payments"`
	OriginalPrincipal decimal.Decimal `json:"original_principal"`
	PrincipalPaid     decimal.Decimal `json:"principal_paid"`
	CurrentBalance    decimal.Decimal `json:"current_balance"`
	Discrepancies     []string        `json:"discrepancies"`
}

func reconcile(loan *models.Loan, payments []*models.Payment) *Reconciliation {
	r := &Reconciliation{
		LoanID:            loan.ID,
		Payments:          len(payments),
		OriginalPrincipal: loan.OriginalPrincipal,
		PrincipalPaid:     decimal.Zero,
		CurrentBalance:    loan.CurrentBalance,
		Discrepancies:     []string{},
	}

	running := loan.OriginalPrincipal
	totalPaid := decimal.Zero
	for _, p := range payments {
		running = running.Sub(p.PrincipalPaid)
		r.PrincipalPaid = r.PrincipalPaid.Add(p.PrincipalPaid)
		totalPaid = totalPaid.Add(p.PrincipalPaid).Add(p.InterestPaid)
		if !running.Equal(p.BalanceAfter) {
			r.Discrepancies = append(r.Discrepancies, fmt.Sprintf(
				"payment %s (seq %d) records balance %s, replay gives %s",
				p.ID, p.Seq, p.BalanceAfter.StringFixed(2), running.StringFixed(2)))
		}
		if p.PrincipalPaid.IsNegative() {
			r.Discrepancies = append(r.Discrepancies, fmt.Sprintf("payment %s has negative principal %s", p.ID, p.PrincipalPaid.StringFixed(2)))
		}
	}

	if !r.PrincipalPaid.Add(loan.CurrentBalance).Equal(loan.OriginalPrincipal) {
		r.Discrepancies = append(r.Discrepancies, fmt.Sprintf(
			"principal paid %s plus balance %s does not equal original principal %s",
			r.PrincipalPaid.StringFixed(2), loan.CurrentBalance.StringFixed(2), loan.OriginalPrincipal.StringFixed(2)))
	}
	if !totalPaid.Equal(loan.TotalPaid) {
		r.Discrepancies = append(r.Discrepancies, fmt.Sprintf(
			"total paid %s does not match ledger total %s", loan.TotalPaid.StringFixed(2), totalPaid.StringFixed(2)))
	}
	if loan.CurrentBalance.IsZero() == loan.Active {
		r.Discrepancies = append(r.Discrepancies, fmt.Sprintf(
			"balance %s inconsistent with state %s", loan.CurrentBalance.StringFixed(2), loan.State()))
	}
	if loan.CurrentBalance.GreaterThan(loan.OriginalPrincipal) || loan.CurrentBalance.IsNegative() {
		r.Discrepancies = append(r.Discrepancies, fmt.Sprintf(
			"balance %s outside [0, %s]", loan.CurrentBalance.StringFixed(2), loan.OriginalPrincipal.StringFixed(2)))
	}

	r.Consistent = len(r.Discrepancies) == 0
	return r
}

// ReconcileLoan checks a loan's balance against its ledger.
func (l *Ledger) ReconcileLoan(ctx context.Context, id uuid.UUID) (*Reconciliation, error) {
	loan, payments, err := l.loadWithPayments(ctx, id)
	if err != nil {
		return nil, err
	}
	return reconcile(loan, payments), nil
}

// ReconcileAll checks every loan and returns the ones that are inconsistent.
func (l *Ledger) ReconcileAll(ctx context.Context) ([]*Reconciliation, error) {
	loans, err := l.storage.GetAllLoans(ctx, store.LoanFilter{})
	if err != nil {
		return nil, err
	}

	var bad []*Reconciliation
	for _, loan := range loans {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := l.ReconcileLoan(ctx, loan.ID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				// Deleted since the listing.
				continue
			}
			return nil, err
		}
		if !r.Consistent {
			l.logger.WarnContext(ctx, "Loan ledger inconsistent",
				logging.FieldLoanID, loan.ID,
				"discrepancies", r.Discrepancies,
			)
			bad = append(bad, r)
		}
	}

	metrics.ReconcileInconsistent.Set(float64(len(bad)))
	l.logger.InfoContext(ctx, "Reconciliation finished", "loans", len(loans), "inconsistent", len(bad))
	return bad, nil
}
