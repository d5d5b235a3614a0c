package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsNotFound_CoversEveryEntity(t *testing.T) {
	for _, err := range []error{ErrAccountNotFound, ErrParticipantNotFound, ErrConsultationNotFound, ErrPrescriptionNotFound, ErrTransactionNotFound} {
		assert.True(t, IsNotFound(fmt.Errorf("lookup: %w", err)), err.Error())
	}
	assert.False(t, IsNotFound(ErrInsufficientFunds))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrConcurrentModification))
	assert.True(t, IsRetryable(NewTransactionError("commit", fmt.Errorf("connection reset"))))
	assert.False(t, IsRetryable(ErrNotAuthorized))
	assert.False(t, IsRetryable(NewValidationError("text", "must be non-empty")))
}

func TestTransactionError_Unwraps(t *testing.T) {
	err := NewTransactionError("commit transfer", ErrConcurrentModification)
	assert.True(t, IsConcurrentModification(err))
	assert.Contains(t, err.Error(), "commit transfer")
}

func TestIsConflict(t *testing.T) {
	assert.True(t, IsConflict(ErrAlreadyAccepted))
	assert.True(t, IsConflict(ErrDuplicateActiveConsultation))
	assert.False(t, IsConflict(ErrInsufficientFunds))
}
