package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/fintrack/pkg/models"
	"github.com/shopspring/decimal"
)

// MemoryStore keeps everything in process memory. It backs tests and the
// "memory" storage backend.
type MemoryStore struct {
	mu       sync.RWMutex
	loans    map[uuid.UUID]models.Loan
	accounts map[uuid.UUID]models.Account
	payments map[uuid.UUID][]models.Payment
	deleted  map[uuid.UUID]time.Time
	seq      int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		loans:    make(map[uuid.UUID]models.Loan),
		accounts: make(map[uuid.UUID]models.Account),
		payments: make(map[uuid.UUID][]models.Payment),
		deleted:  make(map[uuid.UUID]time.Time),
	}
}

func (s *MemoryStore) missingLoan(id uuid.UUID) error {
	if _, ok := s.deleted[id]; ok {
		return fmt.Errorf("loan %s: %w", id, models.ErrDeleted)
	}
	return &models.NotFoundError{Resource: "loan", ID: id.String()}
}

// CreateLoan stores a copy of loan.
func (s *MemoryStore) CreateLoan(_ context.Context, loan *models.Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.loans[loan.ID]; ok {
		return fmt.Errorf("failed to create loan: duplicate id %s", loan.ID)
	}
	s.loans[loan.ID] = *loan
	return nil
}

// GetLoan returns a copy of the loan with the given ID.
func (s *MemoryStore) GetLoan(_ context.Context, id uuid.UUID) (*models.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loan, ok := s.loans[id]
	if !ok {
		return nil, s.missingLoan(id)
	}
	return &loan, nil
}

// UpdateLoan replaces the mutable loan fields if loan.Version is current.
func (s *MemoryStore) UpdateLoan(_ context.Context, loan *models.Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.loans[loan.ID]
	if !ok {
		return s.missingLoan(loan.ID)
	}
	if current.Version != loan.Version {
		return fmt.Errorf("loan %s: %w", loan.ID, models.ErrConflict)
	}

	current.Name = loan.Name
	current.LoanType = loan.LoanType
	current.InterestRate = loan.InterestRate
	current.StatedMonthlyPayment = loan.StatedMonthlyPayment
	current.AccountID = loan.AccountID
	current.Notes = loan.Notes
	current.UpdatedAt = loan.UpdatedAt
	current.Version++
	s.loans[loan.ID] = current
	loan.Version = current.Version
	return nil
}

// DeleteLoan removes a loan and its payments and records a tombstone.
func (s *MemoryStore) DeleteLoan(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.loans[id]; !ok {
		return s.missingLoan(id)
	}
	delete(s.loans, id)
	delete(s.payments, id)
	s.deleted[id] = time.Now().UTC()
	return nil
}

// GetAllLoans returns the loans matching filter, newest first.
func (s *MemoryStore) GetAllLoans(_ context.Context, filter LoanFilter) ([]*models.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loans := make([]*models.Loan, 0, len(s.loans))
	for _, loan := range s.loans {
		if filter.Active != nil && loan.Active != *filter.Active {
			continue
		}
		l := loan
		loans = append(loans, &l)
	}
	sort.Slice(loans, func(i, j int) bool {
		if !loans[i].CreatedAt.Equal(loans[j].CreatedAt) {
			return loans[i].CreatedAt.After(loans[j].CreatedAt)
		}
		return loans[i].ID.String() < loans[j].ID.String()
	})
	return loans, nil
}

// CreateAccount stores a copy of account.
func (s *MemoryStore) CreateAccount(_ context.Context, account *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[account.ID]; ok {
		return fmt.Errorf("failed to create account: duplicate id %s", account.ID)
	}
	s.accounts[account.ID] = *account
	return nil
}

// GetAccount returns a copy of the account with the given ID.
func (s *MemoryStore) GetAccount(_ context.Context, id uuid.UUID) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[id]
	if !ok {
		return nil, &models.NotFoundError{Resource: "account", ID: id.String()}
	}
	return &account, nil
}

// GetPaymentsForLoan returns the ledger for a loan in application order.
func (s *MemoryStore) GetPaymentsForLoan(_ context.Context, loanID uuid.UUID) ([]*models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.payments[loanID]
	payments := make([]*models.Payment, 0, len(stored))
	for i := range stored {
		p := stored[i]
		payments = append(payments, &p)
	}
	sort.SliceStable(payments, func(i, j int) bool {
		if !payments[i].PaymentDate.Equal(payments[j].PaymentDate) {
			return payments[i].PaymentDate.Before(payments[j].PaymentDate)
		}
		return payments[i].Seq < payments[j].Seq
	})
	return payments, nil
}

// WithTx holds the write lock for the whole of fn. Writes are staged and
// only applied if fn returns nil.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{
		store:    s,
		loans:    make(map[uuid.UUID]models.Loan),
		accounts: make(map[uuid.UUID]models.Account),
		seq:      s.seq,
	}
	if err := fn(tx); err != nil {
		return err
	}

	for id, loan := range tx.loans {
		s.loans[id] = loan
	}
	for id, account := range tx.accounts {
		s.accounts[id] = account
	}
	for _, p := range tx.payments {
		s.payments[p.LoanID] = append(s.payments[p.LoanID], p)
	}
	s.seq = tx.seq
	return nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

type memoryTx struct {
	store    *MemoryStore
	loans    map[uuid.UUID]models.Loan
	accounts map[uuid.UUID]models.Account
	payments []models.Payment
	seq      int64
}

func (t *memoryTx) loan(id uuid.UUID) (models.Loan, bool) {
	if loan, ok := t.loans[id]; ok {
		return loan, true
	}
	loan, ok := t.store.loans[id]
	return loan, ok
}

func (t *memoryTx) UpdateLoanBalance(_ context.Context, loanID uuid.UUID, version int64, balance, totalPaid decimal.Decimal, active bool) error {
	loan, ok := t.loan(loanID)
	if !ok {
		return t.store.missingLoan(loanID)
	}
	if loan.Version != version {
		return fmt.Errorf("loan %s: %w", loanID, models.ErrConflict)
	}
	loan.CurrentBalance = balance
	loan.TotalPaid = totalPaid
	loan.Active = active
	loan.Version++
	loan.UpdatedAt = time.Now().UTC()
	t.loans[loanID] = loan
	return nil
}

func (t *memoryTx) AdjustAccountBalance(_ context.Context, accountID uuid.UUID, delta decimal.Decimal) error {
	account, ok := t.accounts[accountID]
	if !ok {
		if account, ok = t.store.accounts[accountID]; !ok {
			return &models.NotFoundError{Resource: "account", ID: accountID.String()}
		}
	}
	account.CurrentBalance = account.CurrentBalance.Add(delta)
	account.UpdatedAt = time.Now().UTC()
	t.accounts[accountID] = account
	return nil
}

func (t *memoryTx) InsertPayment(_ context.Context, p *models.Payment) error {
	if _, ok := t.loan(p.LoanID); !ok {
		return t.store.missingLoan(p.LoanID)
	}
	t.seq++
	p.Seq = t.seq
	t.payments = append(t.payments, *p)
	return nil
}
