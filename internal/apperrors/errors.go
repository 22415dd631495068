package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for the three failure classes the core distinguishes.
// Unmatched/discrepancy reconciliation outcomes are data states, not errors.
var (
	// ErrValidation wraps every synchronous input rejection. No state has
	// changed when it is returned; the caller must correct and retry.
	ErrValidation = errors.New("validation failed")

	// ErrImmutableRecord is returned on any attempt to alter or re-commit
	// a committed transaction or entry. Never retried automatically.
	ErrImmutableRecord = errors.New("committed records are immutable")

	// ErrConflict marks a transient concurrent-write race (token
	// consumption, reconciliation status CAS). Safe to re-validate and
	// retry a bounded number of times.
	ErrConflict = errors.New("concurrent update conflict")

	// ErrNotFound is returned by reads for unknown ids.
	ErrNotFound = errors.New("record not found")
)

// Check names the specific validation that failed, so callers can act on
// the rejection programmatically.
type Check string

const (
	CheckEmptyEntries      Check = "empty_entries"
	CheckInvalidDirection  Check = "invalid_direction"
	CheckNegativeAmount    Check = "negative_amount"
	CheckUnknownAccount    Check = "unknown_account"
	CheckAccountNotActive  Check = "account_not_active"
	CheckUnbalanced        Check = "unbalanced"
	CheckTokenNotValid     Check = "token_not_valid"
	CheckInsufficientFunds Check = "insufficient_funds"
)

// ValidationError carries which check failed and the offending input.
type ValidationError struct {
	Check  Check
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrValidation.Error(), e.Check, e.Detail)
}

// Unwrap makes errors.Is(err, ErrValidation) hold for every ValidationError.
func (e *ValidationError) Unwrap() error { return ErrValidation }

// Validation builds a ValidationError for a failed check.
func Validation(check Check, format string, args ...any) error {
	return &ValidationError{Check: check, Detail: fmt.Sprintf(format, args...)}
}

// CheckOf extracts the failed check from an error chain, or "".
func CheckOf(err error) Check {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Check
	}
	return ""
}
