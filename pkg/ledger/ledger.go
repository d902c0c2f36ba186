// Package ledger applies payments to loans and manages the loan lifecycle.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mcclellann/fintrack/pkg/amortization"
	"github.com/mcclellann/fintrack/pkg/events"
	"github.com/mcclellann/fintrack/pkg/logging"
	"github.com/mcclellann/fintrack/pkg/metrics"
	"github.com/mcclellann/fintrack/pkg/models"
	"github.com/mcclellann/fintrack/pkg/store"
	"github.com/shopspring/decimal"
)

const (
	maxNameLen  = 100
	maxNotesLen = 500

	defaultPaymentsLimit = 50
	maxPaymentsLimit     = 500
)

// Ledger handles the business logic for loans, payments and linked accounts.
type Ledger struct {
	storage   store.Storage
	sync      *Synchronizer
	locks     *loanLocks
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewLedger creates a new Ledger. A nil publisher logs events instead of sending them.
func NewLedger(s store.Storage, publisher events.Publisher, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithComponent(logger, logging.ComponentLedger)
	if publisher == nil {
		publisher = events.NewLogPublisher(logger)
	}
	return &Ledger{
		storage:   s,
		sync:      NewSynchronizer(s),
		locks:     newLoanLocks(),
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateLoanRequest holds the terms of a new loan.
type CreateLoanRequest struct {
	Name                 string              `json:"name"`
	LoanType             models.LoanType     `json:"loan_type"`
	Principal            decimal.Decimal     `json:"original_principal"`
	InterestRate         *decimal.Decimal    `json:"interest_rate"`
	TermMonths           int                 `json:"term_months"`
	StartDate            models.Date         `json:"start_date"`
	StatedMonthlyPayment decimal.NullDecimal `json:"monthly_payment"`
	AccountID            uuid.NullUUID       `json:"account_id"`
	Notes                string              `json:"notes"`
}

// UpdateLoanRequest changes the mutable fields of a loan. Nil fields are left
// unchanged; the Clear flags remove the optional payment and account link.
type UpdateLoanRequest struct {
	Name                      *string          `json:"name"`
	LoanType                  *models.LoanType `json:"loan_type"`
	InterestRate              *decimal.Decimal `json:"interest_rate"`
	StatedMonthlyPayment      *decimal.Decimal `json:"monthly_payment"`
	ClearStatedMonthlyPayment bool             `json:"clear_monthly_payment"`
	AccountID                 *uuid.UUID       `json:"account_id"`
	ClearAccount              bool             `json:"clear_account"`
	Notes                     *string          `json:"notes"`
}

func validateName(name string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(name))
	if n == 0 {
		return &models.ValidationError{Field: "name", Reason: "is required"}
	}
	if n > maxNameLen {
		return &models.ValidationError{Field: "name", Reason: "must be at most 100 characters"}
	}
	return nil
}

func validateNotes(notes string) error {
	if utf8.RuneCountInString(notes) > maxNotesLen {
		return &models.ValidationError{Field: "notes", Reason: "must be at most 500 characters"}
	}
	return nil
}

func validateRate(rate decimal.Decimal) error {
	if rate.IsNegative() {
		return &models.ValidationError{Field: "interest_rate", Reason: "cannot be negative"}
	}
	if rate.GreaterThan(hundred) {
		return &models.ValidationError{Field: "interest_rate", Reason: "cannot exceed 100"}
	}
	return nil
}

func validateStatedPayment(payment decimal.Decimal) error {
	if !payment.IsPositive() {
		return &models.ValidationError{Field: "monthly_payment", Reason: "must be positive"}
	}
	return validateMoney("monthly_payment", payment)
}

func (r CreateLoanRequest) validate() error {
	if err := validateName(r.Name); err != nil {
		return err
	}
	if !r.LoanType.Valid() {
		return &models.ValidationError{Field: "loan_type", Reason: fmt.Sprintf("unknown loan type %q", r.LoanType)}
	}
	if !r.Principal.IsPositive() {
		return &models.ValidationError{Field: "original_principal", Reason: "must be positive"}
	}
	if err := validateMoney("original_principal", r.Principal); err != nil {
		return err
	}
	if r.InterestRate == nil {
		return &models.ValidationError{Field: "interest_rate", Reason: "is required"}
	}
	if err := validateRate(*r.InterestRate); err != nil {
		return err
	}
	if r.TermMonths <= 0 {
		return &models.ValidationError{Field: "term_months", Reason: "must be positive"}
	}
	if r.TermMonths > amortization.MaxTermMonths {
		return &models.ValidationError{Field: "term_months", Reason: "must be at most 600"}
	}
	if r.StartDate.IsZero() {
		return &models.ValidationError{Field: "start_date", Reason: "is required"}
	}
	if r.StatedMonthlyPayment.Valid {
		if err := validateStatedPayment(r.StatedMonthlyPayment.Decimal); err != nil {
			return err
		}
	}
	return validateNotes(r.Notes)
}

// checkAccount rejects links to accounts that do not exist.
func (l *Ledger) checkAccount(ctx context.Context, id uuid.UUID) error {
	if _, err := l.storage.GetAccount(ctx, id); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return &models.ValidationError{Field: "account_id", Reason: fmt.Sprintf("account %s does not exist", id)}
		}
		return fmt.Errorf("failed to look up account: %w", err)
	}
	return nil
}

// CreateLoan validates req and stores a new active loan with its full principal outstanding.
func (l *Ledger) CreateLoan(ctx context.Context, req CreateLoanRequest) (*LoanView, error) {
	if req.LoanType == "" {
		req.LoanType = models.LoanTypePersonal
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.AccountID.Valid {
		if err := l.checkAccount(ctx, req.AccountID.UUID); err != nil {
			return nil, err
		}
	}

	now := l.now()
	loan := &models.Loan{
		ID:                   uuid.New(),
		Name:                 strings.TrimSpace(req.Name),
		LoanType:             req.LoanType,
		OriginalPrincipal:    req.Principal,
		CurrentBalance:       req.Principal,
		InterestRate:         *req.InterestRate,
		TermMonths:           req.TermMonths,
		StartDate:            req.StartDate,
		StatedMonthlyPayment: req.StatedMonthlyPayment,
		TotalPaid:            decimal.Zero,
		AccountID:            req.AccountID,
		Notes:                req.Notes,
		Active:               true,
		Version:              1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	if err := l.storage.CreateLoan(ctx, loan); err != nil {
		return nil, fmt.Errorf("failed to store loan: %w", err)
	}

	l.logger.InfoContext(ctx, "Loan created",
		logging.FieldLoanID, loan.ID,
		logging.FieldAmount, loan.OriginalPrincipal.StringFixed(2),
	)
	l.publish(ctx, events.New(events.LoanCreated, loan.ID, loan))

	view := NewLoanView(loan)
	return &view, nil
}

// loadForRead maps deleted loans to NotFoundError.
func (l *Ledger) loadForRead(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	loan, err := l.storage.GetLoan(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrDeleted) {
			return nil, &models.NotFoundError{Resource: "loan", ID: id.String()}
		}
		return nil, err
	}
	return loan, nil
}

// loadForWrite maps deleted loans to InvalidStateError for op.
func (l *Ledger) loadForWrite(ctx context.Context, id uuid.UUID, op string) (*models.Loan, error) {
	loan, err := l.storage.GetLoan(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrDeleted) {
			return nil, &models.InvalidStateError{LoanID: id.String(), State: "deleted", Op: op}
		}
		return nil, err
	}
	return loan, nil
}

// loadWithPayments reads a loan and its ledger under the loan's lock, so a
// concurrent payment is seen either fully or not at all.
func (l *Ledger) loadWithPayments(ctx context.Context, id uuid.UUID) (*models.Loan, []*models.Payment, error) {
	unlock := l.locks.lock(id)
	defer unlock()

	loan, err := l.loadForRead(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	payments, err := l.storage.GetPaymentsForLoan(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return loan, payments, nil
}

// GetLoan retrieves a loan by its ID.
func (l *Ledger) GetLoan(ctx context.Context, id uuid.UUID) (*LoanView, error) {
	loan, err := l.loadForRead(ctx, id)
	if err != nil {
		return nil, err
	}
	view := NewLoanView(loan)
	return &view, nil
}

// ListLoans retrieves loans newest first, optionally filtered by active flag.
func (l *Ledger) ListLoans(ctx context.Context, active *bool) (*LoanList, error) {
	loans, err := l.storage.GetAllLoans(ctx, store.LoanFilter{Active: active})
	if err != nil {
		return nil, err
	}

	list := &LoanList{
		Loans:         make([]LoanView, 0, len(loans)),
		Total:         len(loans),
		TotalBalance:  decimal.Zero,
		TotalOriginal: decimal.Zero,
	}
	for _, loan := range loans {
		list.Loans = append(list.Loans, NewLoanView(loan))
		if loan.Active {
			list.TotalBalance = list.TotalBalance.Add(loan.CurrentBalance)
			list.TotalOriginal = list.TotalOriginal.Add(loan.OriginalPrincipal)
		}
	}
	return list, nil
}

// Summary aggregates all loans.
func (l *Ledger) Summary(ctx context.Context) (*Summary, error) {
	loans, err := l.storage.GetAllLoans(ctx, store.LoanFilter{})
	if err != nil {
		return nil, err
	}
	s := summarize(loans)
	return &s, nil
}

// UpdateLoan applies req to an active loan. Paid-off and deleted loans are read-only.
func (l *Ledger) UpdateLoan(ctx context.Context, id uuid.UUID, req UpdateLoanRequest) (*LoanView, error) {
	loan, err := l.updateLoan(ctx, id, req)
	if err != nil {
		return nil, err
	}

	l.logger.InfoContext(ctx, "Loan updated", logging.FieldLoanID, id, "version", loan.Version)
	l.publish(ctx, events.New(events.LoanUpdated, loan.ID, loan))

	view := NewLoanView(loan)
	return &view, nil
}

func (l *Ledger) updateLoan(ctx context.Context, id uuid.UUID, req UpdateLoanRequest) (*models.Loan, error) {
	unlock := l.locks.lock(id)
	defer unlock()

	loan, err := l.loadForWrite(ctx, id, "update")
	if err != nil {
		return nil, err
	}
	if !loan.Active {
		return nil, &models.InvalidStateError{LoanID: id.String(), State: loan.State(), Op: "update"}
	}

	if req.Name != nil {
		if err := validateName(*req.Name); err != nil {
			return nil, err
		}
		loan.Name = strings.TrimSpace(*req.Name)
	}
	if req.LoanType != nil {
		if !req.LoanType.Valid() {
			return nil, &models.ValidationError{Field: "loan_type", Reason: fmt.Sprintf("unknown loan type %q", *req.LoanType)}
		}
		loan.LoanType = *req.LoanType
	}
	if req.InterestRate != nil {
		if err := validateRate(*req.InterestRate); err != nil {
			return nil, err
		}
		loan.InterestRate = *req.InterestRate
	}
	switch {
	case req.ClearStatedMonthlyPayment:
		loan.StatedMonthlyPayment = decimal.NullDecimal{}
	case req.StatedMonthlyPayment != nil:
		if err := validateStatedPayment(*req.StatedMonthlyPayment); err != nil {
			return nil, err
		}
		loan.StatedMonthlyPayment = decimal.NewNullDecimal(*req.StatedMonthlyPayment)
	}
	switch {
	case req.ClearAccount:
		loan.AccountID = uuid.NullUUID{}
	case req.AccountID != nil:
		if err := l.checkAccount(ctx, *req.AccountID); err != nil {
			return nil, err
		}
		loan.AccountID = uuid.NullUUID{UUID: *req.AccountID, Valid: true}
	}
	if req.Notes != nil {
		if err := validateNotes(*req.Notes); err != nil {
			return nil, err
		}
		loan.Notes = *req.Notes
	}

	loan.UpdatedAt = l.now()
	if err := l.storage.UpdateLoan(ctx, loan); err != nil {
		return nil, err
	}
	return loan, nil
}

// DeleteLoan removes a loan in either state together with its ledger.
func (l *Ledger) DeleteLoan(ctx context.Context, id uuid.UUID) error {
	unlock := l.locks.lock(id)
	err := l.storage.DeleteLoan(ctx, id)
	unlock()
	if err != nil {
		if errors.Is(err, models.ErrDeleted) {
			return &models.NotFoundError{Resource: "loan", ID: id.String()}
		}
		return err
	}

	l.logger.InfoContext(ctx, "Loan deleted", logging.FieldLoanID, id)
	l.publish(ctx, events.New(events.LoanDeleted, id, nil))
	return nil
}

// GetAmortizationSchedule projects the remaining schedule from the loan's
// current balance and rate. Periods already covered by recorded payments are
// not repeated; numbering and dates continue after them.
func (l *Ledger) GetAmortizationSchedule(ctx context.Context, id uuid.UUID) (*LoanSchedule, error) {
	loan, payments, err := l.loadWithPayments(ctx, id)
	if err != nil {
		return nil, err
	}

	out := &LoanSchedule{
		LoanID:            loan.ID.String(),
		LoanName:          loan.Name,
		OriginalPrincipal: loan.OriginalPrincipal,
		CurrentBalance:    loan.CurrentBalance,
		InterestRate:      loan.InterestRate,
		TermMonths:        loan.TermMonths,
		PaymentsMade:      len(payments),
	}

	if !loan.Active || !loan.CurrentBalance.IsPositive() {
		out.Schedule = &amortization.Schedule{
			MonthlyPayment: decimal.Zero,
			Entries:        []amortization.Entry{},
			TotalInterest:  decimal.Zero,
			TotalCost:      decimal.Zero,
		}
		return out, nil
	}

	made := len(payments)
	remaining := max(1, loan.TermMonths-made)

	schedule, err := amortization.ComputeSchedule(
		loan.CurrentBalance,
		loan.InterestRate,
		remaining,
		loan.StartDate,
		loan.StatedMonthlyPayment,
	)
	if err != nil {
		return nil, err
	}
	for i := range schedule.Entries {
		n := made + i + 1
		schedule.Entries[i].PaymentNumber = n
		schedule.Entries[i].PaymentDate = loan.StartDate.AddMonths(n)
	}
	out.Schedule = schedule
	return out, nil
}

// RecordPayment applies req to the loan and commits it atomically with the
// linked account update. Payments on one loan are serialized.
func (l *Ledger) RecordPayment(ctx context.Context, loanID uuid.UUID, req PaymentRequest) (*PaymentResult, error) {
	start := time.Now()
	result, err := l.recordPayment(ctx, loanID, req)
	metrics.PaymentDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PaymentErrors.WithLabelValues(errorKind(err)).Inc()
		return nil, err
	}
	return result, nil
}

// recordPayment publishes only after the loan's lock is released, so a slow
// broker does not hold up later payments on the same loan.
func (l *Ledger) recordPayment(ctx context.Context, loanID uuid.UUID, req PaymentRequest) (*PaymentResult, error) {
	result, err := l.commitPayment(ctx, loanID, req)
	if err != nil {
		return nil, err
	}

	metrics.PaymentsRecorded.Inc()
	l.logger.InfoContext(ctx, "Payment recorded",
		logging.FieldLoanID, loanID,
		logging.FieldAmount, req.Amount.StringFixed(2),
		logging.FieldPrincipalPaid, result.PrincipalPaid.StringFixed(2),
		logging.FieldInterestPaid, result.InterestPaid.StringFixed(2),
		logging.FieldNewBalance, result.NewBalance.StringFixed(2),
	)
	l.publish(ctx, events.New(events.PaymentRecorded, loanID, result))

	if result.BecamePaidOff {
		metrics.LoansPaidOff.Inc()
		l.logger.InfoContext(ctx, "Loan paid off", logging.FieldLoanID, loanID)
		l.publish(ctx, events.New(events.LoanPaidOff, loanID, nil))
	}
	return result, nil
}

func (l *Ledger) commitPayment(ctx context.Context, loanID uuid.UUID, req PaymentRequest) (*PaymentResult, error) {
	unlock := l.locks.lock(loanID)
	defer unlock()

	loan, err := l.loadForWrite(ctx, loanID, "record payment on")
	if err != nil {
		return nil, err
	}

	result, err := ApplyPayment(loan, req, l.now())
	if err != nil {
		return nil, err
	}

	// Keep date order equal to application order so the ledger can be replayed.
	if last, err := l.lastPaymentDate(ctx, loanID); err != nil {
		return nil, err
	} else if req.PaymentDate.Before(last) {
		return nil, &models.ValidationError{Field: "payment_date", Reason: "cannot be before the latest recorded payment on " + last.String()}
	}

	if err := l.sync.CommitPayment(ctx, loan, result); err != nil {
		l.logger.ErrorContext(ctx, "Payment commit failed", logging.FieldLoanID, loanID, logging.FieldError, err)
		return nil, err
	}
	return result, nil
}

func (l *Ledger) lastPaymentDate(ctx context.Context, loanID uuid.UUID) (models.Date, error) {
	payments, err := l.storage.GetPaymentsForLoan(ctx, loanID)
	if err != nil {
		return models.Date{}, err
	}
	if len(payments) == 0 {
		return models.Date{}, nil
	}
	return payments[len(payments)-1].PaymentDate, nil
}

// ListPayments returns up to limit payments, newest first.
func (l *Ledger) ListPayments(ctx context.Context, loanID uuid.UUID, limit int) ([]*models.Payment, error) {
	if _, err := l.loadForRead(ctx, loanID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultPaymentsLimit
	}
	limit = min(limit, maxPaymentsLimit)

	payments, err := l.storage.GetPaymentsForLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(payments, func(i, j int) bool {
		if !payments[i].PaymentDate.Equal(payments[j].PaymentDate) {
			return payments[i].PaymentDate.After(payments[j].PaymentDate)
		}
		return payments[i].Seq > payments[j].Seq
	})
	if len(payments) > limit {
		payments = payments[:limit]
	}
	return payments, nil
}

// CreateAccount stores a new account with an opening balance.
func (l *Ledger) CreateAccount(ctx context.Context, name string, openingBalance decimal.Decimal) (*models.Account, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := validateMoney("current_balance", openingBalance); err != nil {
		return nil, err
	}

	now := l.now()
	account := &models.Account{
		ID:             uuid.New(),
		Name:           strings.TrimSpace(name),
		CurrentBalance: openingBalance,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := l.storage.CreateAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to store account: %w", err)
	}
	l.logger.InfoContext(ctx, "Account created", logging.FieldAccountID, account.ID)
	return account, nil
}

// GetAccount retrieves an account by its ID.
func (l *Ledger) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return l.storage.GetAccount(ctx, id)
}

// publish sends e. The change it describes is already committed, so failures
// are only logged and counted.
func (l *Ledger) publish(ctx context.Context, e events.Event) {
	if err := l.publisher.Publish(ctx, e); err != nil {
		metrics.EventPublishFailures.WithLabelValues(string(e.Type)).Inc()
		l.logger.ErrorContext(ctx, "Failed to publish event",
			logging.FieldEventType, string(e.Type),
			logging.FieldLoanID, e.LoanID,
			logging.FieldError, err,
		)
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, models.ErrValidation):
		return "validation"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	case errors.Is(err, models.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, models.ErrConflict):
		return "conflict"
	default:
		return "internal"
	}
}
