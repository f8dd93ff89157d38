package store

import (
	"encoding/base64"
	"fmt"
)

const (
	// MaxItemSize is the largest item any backend accepts (DynamoDB's limit).
	MaxItemSize = 400 * 1024
	// MaxTransactionOps bounds the number of ops in one transaction.
	MaxTransactionOps = 100
	// DefaultPageSize is used when Scan is called without a positive limit.
	DefaultPageSize = 25
	// MaxPageSize caps a single Scan page.
	MaxPageSize = 1000
)

// ValidateItem rejects items no backend can store.
func ValidateItem(item Item) error {
	if item.ID == "" {
		return fmt.Errorf("%w: item key id is empty", ErrValidation)
	}
	if size := item.Size(); size > MaxItemSize {
		return fmt.Errorf("%w: item %q is %d bytes, limit is %d", ErrValidation, item.ID, size, MaxItemSize)
	}
	return nil
}

// ValidateTransaction performs the request-level checks shared by backends:
// op count, key presence, one op per key. Item-level problems are reported
// per op as validation reasons.
func ValidateTransaction(ops []Op) error {
	if len(ops) == 0 {
		return &TransactionError{Validation: "transaction has no operations"}
	}
	if len(ops) > MaxTransactionOps {
		return &TransactionError{Validation: fmt.Sprintf("transaction has %d operations, limit is %d", len(ops), MaxTransactionOps)}
	}
	seen := make(map[string]int, len(ops))
	for i, op := range ops {
		if op.Key == "" {
			return &TransactionError{Validation: fmt.Sprintf("operation %d has an empty key", i)}
		}
		if prev, dup := seen[op.Key]; dup {
			return &TransactionError{Validation: fmt.Sprintf("operations %d and %d target the same key %q", prev, i, op.Key)}
		}
		seen[op.Key] = i
	}

	var reasons []CancellationReason
	failed := false
	for i, op := range ops {
		reason := CancellationReason{Index: i, Key: op.Key, Code: ReasonNone}
		if op.Kind != OpDelete {
			if err := ValidateItem(op.Item); err != nil {
				reason.Code = ReasonValidationError
				reason.Message = err.Error()
				failed = true
			}
		}
		reasons = append(reasons, reason)
	}
	if failed {
		return &TransactionError{Reasons: reasons}
	}
	return nil
}

// EvaluateConditions checks every op's guard against exists and returns a
// *TransactionError when any guard fails. ValidateTransaction must have
// accepted ops first, so each key appears once.
func EvaluateConditions(ops []Op, exists func(key string) bool) error {
	reasons := make([]CancellationReason, len(ops))
	failed := false
	for i, op := range ops {
		reasons[i] = CancellationReason{Index: i, Key: op.Key, Code: ReasonNone}
		if !conditionHolds(op.Condition, exists(op.Key)) {
			reasons[i].Code = ReasonConditionalCheckFailed
			reasons[i].Message = "the conditional request failed"
			failed = true
		}
	}
	if failed {
		return &TransactionError{Reasons: reasons}
	}
	return nil
}

func conditionHolds(cond Condition, exists bool) bool {
	switch cond {
	case ConditionExists:
		return exists
	case ConditionNotExists:
		return !exists
	default:
		return true
	}
}

// EncodePageToken makes an opaque continuation token from the last key read.
func EncodePageToken(lastKey string) string {
	if lastKey == "" {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(lastKey))
}

// DecodePageToken reverses EncodePageToken. The empty token means "from the start".
func DecodePageToken(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("%w: malformed page token", ErrValidation)
	}
	return string(raw), nil
}

// PageSize normalises a requested scan limit into [1, MaxPageSize].
func PageSize(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	}
	return limit
}
