package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fintrack/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLoan(principal string) *models.Loan {
	now := time.Now().UTC().Truncate(time.Second)
	p := decimal.RequireFromString(principal)
	return &models.Loan{
		ID:                uuid.New(),
		Name:              "Car",
		LoanType:          models.LoanTypeAuto,
		OriginalPrincipal: p,
		CurrentBalance:    p,
		InterestRate:      decimal.RequireFromString("6.5"),
		TermMonths:        60,
		StartDate:         models.NewDate(2024, time.March, 1),
		TotalPaid:         decimal.Zero,
		Active:            true,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func newTestPayment(loanID uuid.UUID, date models.Date, amount string) *models.Payment {
	a := decimal.RequireFromString(amount)
	return &models.Payment{
		ID:             uuid.New(),
		LoanID:         loanID,
		Amount:         a,
		ExtraPrincipal: decimal.Zero,
		PrincipalPaid:  a,
		InterestPaid:   decimal.Zero,
		BalanceAfter:   decimal.Zero,
		PaymentDate:    date,
		CreatedAt:      time.Now().UTC().Truncate(time.Second),
	}
}

// runStorageSuite exercises the Storage contract shared by every backend.
func runStorageSuite(t *testing.T, newStore func(t *testing.T) Storage) {
	ctx := context.Background()

	t.Run("create and get loan", func(t *testing.T) {
		s := newStore(t)
		loan := newTestLoan("15000.00")
		loan.StatedMonthlyPayment = decimal.NewNullDecimal(decimal.RequireFromString("300.00"))
		loan.Notes = "dealer financing"
		require.NoError(t, s.CreateLoan(ctx, loan))

		got, err := s.GetLoan(ctx, loan.ID)
		require.NoError(t, err)
		assert.Equal(t, loan.ID, got.ID)
		assert.Equal(t, "Car", got.Name)
		assert.Equal(t, models.LoanTypeAuto, got.LoanType)
		assert.True(t, loan.OriginalPrincipal.Equal(got.OriginalPrincipal))
		assert.True(t, loan.InterestRate.Equal(got.InterestRate))
		assert.Equal(t, 60, got.TermMonths)
		assert.Equal(t, "2024-03-01", got.StartDate.String())
		require.True(t, got.StatedMonthlyPayment.Valid)
		assert.True(t, decimal.RequireFromString("300").Equal(got.StatedMonthlyPayment.Decimal))
		assert.False(t, got.AccountID.Valid)
		assert.Equal(t, "dealer financing", got.Notes)
		assert.True(t, got.Active)
		assert.Equal(t, int64(1), got.Version)
	})

	t.Run("unknown loan is not found", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetLoan(ctx, uuid.New())
		assert.True(t, errors.Is(err, models.ErrNotFound), "got %v", err)
	})

	t.Run("update bumps version and rejects stale writes", func(t *testing.T) {
		s := newStore(t)
		loan := newTestLoan("1000.00")
		require.NoError(t, s.CreateLoan(ctx, loan))

		stale := *loan
		loan.Name = "Renamed"
		loan.InterestRate = decimal.RequireFromString("4.25")
		require.NoError(t, s.UpdateLoan(ctx, loan))
		assert.Equal(t, int64(2), loan.Version)

		got, err := s.GetLoan(ctx, loan.ID)
		require.NoError(t, err)
		assert.Equal(t, "Renamed", got.Name)
		assert.True(t, decimal.RequireFromString("4.25").Equal(got.InterestRate))
		assert.Equal(t, int64(2), got.Version)

		stale.Name = "Lost update"
		err = s.UpdateLoan(ctx, &stale)
		assert.True(t, errors.Is(err, models.ErrConflict), "got %v", err)
	})

	t.Run("delete cascades and leaves tombstone", func(t *testing.T) {
		s := newStore(t)
		loan := newTestLoan("1000.00")
		require.NoError(t, s.CreateLoan(ctx, loan))
		require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
			return tx.InsertPayment(ctx, newTestPayment(loan.ID, models.NewDate(2024, time.April, 1), "100.00"))
		}))

		require.NoError(t, s.DeleteLoan(ctx, loan.ID))

		_, err := s.GetLoan(ctx, loan.ID)
		assert.True(t, errors.Is(err, models.ErrDeleted), "got %v", err)
		payments, err := s.GetPaymentsForLoan(ctx, loan.ID)
		require.NoError(t, err)
		assert.Empty(t, payments)

		err = s.DeleteLoan(ctx, loan.ID)
		assert.True(t, errors.Is(err, models.ErrDeleted), "got %v", err)
		err = s.DeleteLoan(ctx, uuid.New())
		assert.True(t, errors.Is(err, models.ErrNotFound), "got %v", err)
	})

	t.Run("list loans filters by active", func(t *testing.T) {
		s := newStore(t)
		active := newTestLoan("1000.00")
		paid := newTestLoan("2000.00")
		paid.Active = false
		paid.CurrentBalance = decimal.Zero
		require.NoError(t, s.CreateLoan(ctx, active))
		require.NoError(t, s.CreateLoan(ctx, paid))

		all, err := s.GetAllLoans(ctx, LoanFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 2)

		yes := true
		onlyActive, err := s.GetAllLoans(ctx, LoanFilter{Active: &yes})
		require.NoError(t, err)
		require.Len(t, onlyActive, 1)
		assert.Equal(t, active.ID, onlyActive[0].ID)

		no := false
		onlyPaid, err := s.GetAllLoans(ctx, LoanFilter{Active: &no})
		require.NoError(t, err)
		require.Len(t, onlyPaid, 1)
		assert.Equal(t, paid.ID, onlyPaid[0].ID)
	})

	t.Run("transaction commits all writes", func(t *testing.T) {
		s := newStore(t)
		now := time.Now().UTC().Truncate(time.Second)
		account := &models.Account{ID: uuid.New(), Name: "Checking", CurrentBalance: decimal.RequireFromString("5000.00"), CreatedAt: now, UpdatedAt: now}
		require.NoError(t, s.CreateAccount(ctx, account))

		loan := newTestLoan("1000.00")
		loan.AccountID = uuid.NullUUID{UUID: account.ID, Valid: true}
		require.NoError(t, s.CreateLoan(ctx, loan))

		first := newTestPayment(loan.ID, models.NewDate(2024, time.April, 1), "100.00")
		second := newTestPayment(loan.ID, models.NewDate(2024, time.April, 1), "50.00")
		err := s.WithTx(ctx, func(tx Tx) error {
			if err := tx.UpdateLoanBalance(ctx, loan.ID, loan.Version, decimal.RequireFromString("850.00"), decimal.RequireFromString("150.00"), true); err != nil {
				return err
			}
			if err := tx.AdjustAccountBalance(ctx, account.ID, decimal.RequireFromString("-150.00")); err != nil {
				return err
			}
			if err := tx.InsertPayment(ctx, first); err != nil {
				return err
			}
			return tx.InsertPayment(ctx, second)
		})
		require.NoError(t, err)
		assert.Greater(t, second.Seq, first.Seq)

		got, err := s.GetLoan(ctx, loan.ID)
		require.NoError(t, err)
		assert.True(t, decimal.RequireFromString("850").Equal(got.CurrentBalance))
		assert.True(t, decimal.RequireFromString("150").Equal(got.TotalPaid))
		assert.Equal(t, int64(2), got.Version)
		require.True(t, got.AccountID.Valid)
		assert.Equal(t, account.ID, got.AccountID.UUID)

		gotAccount, err := s.GetAccount(ctx, account.ID)
		require.NoError(t, err)
		assert.True(t, decimal.RequireFromString("4850").Equal(gotAccount.CurrentBalance))

		payments, err := s.GetPaymentsForLoan(ctx, loan.ID)
		require.NoError(t, err)
		require.Len(t, payments, 2)
		assert.Equal(t, first.ID, payments[0].ID)
		assert.Equal(t, second.ID, payments[1].ID)
		assert.Equal(t, "2024-04-01", payments[0].PaymentDate.String())
	})

	t.Run("transaction rolls back on error", func(t *testing.T) {
		s := newStore(t)
		loan := newTestLoan("1000.00")
		require.NoError(t, s.CreateLoan(ctx, loan))

		boom := errors.New("boom")
		err := s.WithTx(ctx, func(tx Tx) error {
			if err := tx.UpdateLoanBalance(ctx, loan.ID, loan.Version, decimal.RequireFromString("900.00"), decimal.RequireFromString("100.00"), true); err != nil {
				return err
			}
			if err := tx.InsertPayment(ctx, newTestPayment(loan.ID, models.NewDate(2024, time.April, 1), "100.00")); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		got, err := s.GetLoan(ctx, loan.ID)
		require.NoError(t, err)
		assert.True(t, decimal.RequireFromString("1000").Equal(got.CurrentBalance))
		assert.Equal(t, int64(1), got.Version)
		payments, err := s.GetPaymentsForLoan(ctx, loan.ID)
		require.NoError(t, err)
		assert.Empty(t, payments)
	})

	t.Run("stale balance update conflicts", func(t *testing.T) {
		s := newStore(t)
		loan := newTestLoan("1000.00")
		require.NoError(t, s.CreateLoan(ctx, loan))

		err := s.WithTx(ctx, func(tx Tx) error {
			return tx.UpdateLoanBalance(ctx, loan.ID, loan.Version+1, decimal.Zero, decimal.RequireFromString("1000"), false)
		})
		assert.True(t, errors.Is(err, models.ErrConflict), "got %v", err)
	})

	t.Run("payments ordered by date then insertion", func(t *testing.T) {
		s := newStore(t)
		loan := newTestLoan("1000.00")
		require.NoError(t, s.CreateLoan(ctx, loan))

		late := newTestPayment(loan.ID, models.NewDate(2024, time.June, 1), "10.00")
		early := newTestPayment(loan.ID, models.NewDate(2024, time.May, 1), "20.00")
		require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
			if err := tx.InsertPayment(ctx, late); err != nil {
				return err
			}
			return tx.InsertPayment(ctx, early)
		}))

		payments, err := s.GetPaymentsForLoan(ctx, loan.ID)
		require.NoError(t, err)
		require.Len(t, payments, 2)
		assert.Equal(t, early.ID, payments[0].ID)
		assert.Equal(t, late.ID, payments[1].ID)
	})

	t.Run("unknown account is not found", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetAccount(ctx, uuid.New())
		assert.True(t, errors.Is(err, models.ErrNotFound), "got %v", err)

		err = s.WithTx(ctx, func(tx Tx) error {
			return tx.AdjustAccountBalance(ctx, uuid.New(), decimal.RequireFromString("-1"))
		})
		assert.True(t, errors.Is(err, models.ErrNotFound), "got %v", err)
	})

	t.Run("ping", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Ping(ctx))
	})
}
