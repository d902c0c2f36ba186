package models

import (
	"errors"
	"fmt"
)

var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	// ErrConflict means the record changed between read and commit. Safe to retry with fresh state.
	ErrConflict = errors.New("concurrent modification")
	// ErrDeleted is returned by stores for ids that belonged to a deleted loan.
	ErrDeleted = errors.New("loan deleted")
)

// ValidationError reports malformed or out-of-range input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InvalidTermsError is a ValidationError raised by the amortization calculator.
type InvalidTermsError struct {
	Reason string
}

func (e *InvalidTermsError) Error() string { return "invalid loan terms: " + e.Reason }
func (e *InvalidTermsError) Unwrap() error { return ErrValidation }

// NotFoundError reports a missing loan or account.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Resource, e.ID) }
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InvalidStateError reports an operation the loan's lifecycle state forbids.
type InvalidStateError struct {
	LoanID string
	State  string
	Op     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s loan %s in state %s", e.Op, e.LoanID, e.State)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }
