package errors

import (
	"errors"
	"fmt"
)

// Domain errors for the care wallet ledger and workflows
var (
	ErrAccountNotFound             = errors.New("account not found")
	ErrAccountAlreadyExists        = errors.New("account already exists")
	ErrParticipantNotFound         = errors.New("participant not found")
	ErrInsufficientFunds           = errors.New("insufficient funds")
	ErrInvalidAmount               = errors.New("invalid amount")
	ErrInvalidAccountID            = errors.New("invalid account ID")
	ErrSameAccount                 = errors.New("source and destination accounts cannot be the same")
	ErrTransferNotBalanced         = errors.New("transfer legs do not sum to zero")
	ErrConcurrentModification      = errors.New("account was modified concurrently")
	ErrDuplicateTransaction        = errors.New("transaction with this idempotency key already exists")
	ErrTransactionNotFound         = errors.New("transaction not found")
	ErrInvalidTransition           = errors.New("state does not permit this transition")
	ErrNotAuthorized               = errors.New("caller is not authorized for this operation")
	ErrAlreadyAccepted             = errors.New("prescription already accepted")
	ErrDuplicateActiveConsultation = errors.New("an active consultation already exists for this patient and doctor")
	ErrConsultationNotFound        = errors.New("consultation not found")
	ErrPrescriptionNotFound        = errors.New("prescription not found")
	ErrPrescriptionExists          = errors.New("prescription already exists for this consultation")
	ErrRateLimited                 = errors.New("rate limit exceeded")
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// TransactionError wraps infrastructure failures (db, broker) that occurred
// while executing a named operation.
type TransactionError struct {
	Operation string
	Cause     error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction error during '%s': %v", e.Operation, e.Cause)
}

func (e *TransactionError) Unwrap() error {
	return e.Cause
}

func NewTransactionError(operation string, cause error) error {
	return &TransactionError{
		Operation: operation,
		Cause:     cause,
	}
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrParticipantNotFound) ||
		errors.Is(err, ErrConsultationNotFound) ||
		errors.Is(err, ErrPrescriptionNotFound) ||
		errors.Is(err, ErrTransactionNotFound)
}

func IsInsufficientFunds(err error) bool {
	return errors.Is(err, ErrInsufficientFunds)
}

func IsValidationError(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}

func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAccountAlreadyExists)
}

func IsConcurrentModification(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsConflict reports errors caused by the entity's current state rather than
// by the request itself.
func IsConflict(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrAlreadyAccepted) ||
		errors.Is(err, ErrDuplicateActiveConsultation) ||
		errors.Is(err, ErrPrescriptionExists) ||
		errors.Is(err, ErrAccountAlreadyExists) ||
		errors.Is(err, ErrConcurrentModification)
}

// IsRetryable reports whether the same request may succeed if sent again.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrRateLimited) {
		return true
	}
	var txErr *TransactionError
	return errors.As(err, &txErr)
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target any) bool {
	return errors.As(err, target)
}
