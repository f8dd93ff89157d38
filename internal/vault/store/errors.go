package store

import (
	"errors"
	"fmt"
	"strings"

	"identity-vault/pkg/platform/sentinel"
)

var (
	// ErrTransactionRejected matches every *TransactionError.
	ErrTransactionRejected = errors.New("transaction rejected")
	// ErrConditionFailed matches transaction errors with at least one failed guard.
	ErrConditionFailed = fmt.Errorf("condition check failed: %w", sentinel.ErrConflict)
	// ErrValidation is returned when the backend refuses an item or request as malformed.
	ErrValidation = fmt.Errorf("validation error: %w", sentinel.ErrInvalidState)
)

// ReasonCode explains the fate of one op in a rejected transaction.
type ReasonCode string

const (
	ReasonNone                   ReasonCode = "None"
	ReasonConditionalCheckFailed ReasonCode = "ConditionalCheckFailed"
	ReasonValidationError        ReasonCode = "ValidationError"

	// ReasonTransactionConflict means a concurrent writer touched the same key.
	ReasonTransactionConflict ReasonCode = "TransactionConflict"
)

// CancellationReason mirrors one op of a rejected transaction by position.
type CancellationReason struct {
	Index   int
	Key     string
	Code    ReasonCode
	Message string
}

// TransactionError reports a rejected transaction. Reasons has one entry per
// op when the backend evaluated them; Validation is set when the request was
// refused as a whole.
type TransactionError struct {
	Reasons    []CancellationReason
	Validation string
}

func (e *TransactionError) Error() string {
	if e.Validation != "" {
		return "transaction rejected: " + e.Validation
	}
	var failed []string
	for _, r := range e.Failures() {
		failed = append(failed, fmt.Sprintf("op %d (%s): %s", r.Index, r.Key, r.Code))
	}
	return "transaction rejected: " + strings.Join(failed, "; ")
}

// Is lets callers match with errors.Is against the package sentinels.
func (e *TransactionError) Is(target error) bool {
	switch target {
	case ErrTransactionRejected:
		return true
	case ErrConditionFailed:
		for _, r := range e.Reasons {
			if r.Code == ReasonConditionalCheckFailed {
				return true
			}
		}
	case sentinel.ErrConflict:
		for _, r := range e.Reasons {
			if r.Code == ReasonConditionalCheckFailed || r.Code == ReasonTransactionConflict {
				return true
			}
		}
	case ErrValidation, sentinel.ErrInvalidState:
		if e.Validation != "" {
			return true
		}
		for _, r := range e.Reasons {
			if r.Code == ReasonValidationError {
				return true
			}
		}
	}
	return false
}

// Failures returns the reasons other than None.
func (e *TransactionError) Failures() []CancellationReason {
	var out []CancellationReason
	for _, r := range e.Reasons {
		if r.Code != ReasonNone {
			out = append(out, r)
		}
	}
	return out
}

// Unavailable wraps a transport failure so callers can match sentinel.ErrUnavailable.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, sentinel.ErrUnavailable, err)
}
