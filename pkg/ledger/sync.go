package ledger

import (
	"context"
	"fmt"

	"github.com/mcclellann/fintrack/pkg/models"
	"github.com/mcclellann/fintrack/pkg/store"
)

// Synchronizer commits a payment's loan balance, linked account balance and
// ledger entry as one transaction.
type Synchronizer struct {
	storage store.Storage
}

// NewSynchronizer creates a Synchronizer over s.
func NewSynchronizer(s store.Storage) *Synchronizer {
	return &Synchronizer{storage: s}
}

// CommitPayment persists result against loan. The loan's version must still
// match the stored one. On success loan reflects the committed state; on
// failure neither loan nor storage has changed.
func (s *Synchronizer) CommitPayment(ctx context.Context, loan *models.Loan, result *PaymentResult) error {
	totalPaid := loan.TotalPaid.Add(result.applied())
	active := !result.BecamePaidOff

	err := s.storage.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.UpdateLoanBalance(ctx, loan.ID, loan.Version, result.NewBalance, totalPaid, active); err != nil {
			return err
		}
		// The account carries the debt, so it falls by exactly the principal repaid.
		if loan.AccountID.Valid && result.PrincipalPaid.IsPositive() {
			if err := tx.AdjustAccountBalance(ctx, loan.AccountID.UUID, result.PrincipalPaid.Neg()); err != nil {
				return err
			}
		}
		return tx.InsertPayment(ctx, result.Payment)
	})
	if err != nil {
		return fmt.Errorf("failed to commit payment for loan %s: %w", loan.ID, err)
	}

	loan.CurrentBalance = result.NewBalance
	loan.TotalPaid = totalPaid
	loan.Active = active
	loan.Version++
	loan.UpdatedAt = result.Payment.CreatedAt
	return nil
}
