package store

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-vault/pkg/platform/sentinel"
)

func item(id string) Item {
	return Item{ID: id, UUID: "u-" + id, PrimaryEmail: id + "@example.com", SequenceNumber: "1", Profile: "{}"}
}

func TestValidateTransaction(t *testing.T) {
	t.Run("accepts distinct keys", func(t *testing.T) {
		require.NoError(t, ValidateTransaction([]Op{Put(item("a"), ConditionNotExists), Delete("b", ConditionExists)}))
	})

	t.Run("rejects empty transactions", func(t *testing.T) {
		err := ValidateTransaction(nil)
		require.ErrorIs(t, err, ErrTransactionRejected)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("rejects two ops on one key", func(t *testing.T) {
		err := ValidateTransaction([]Op{Put(item("a"), ConditionNone), Update(item("a"), ConditionExists)})
		var txErr *TransactionError
		require.ErrorAs(t, err, &txErr)
		assert.Contains(t, txErr.Validation, "same key")
		assert.NotErrorIs(t, err, ErrConditionFailed)
	})

	t.Run("rejects too many ops", func(t *testing.T) {
		ops := make([]Op, 0, MaxTransactionOps+1)
		for i := 0; i <= MaxTransactionOps; i++ {
			ops = append(ops, Put(item(strings.Repeat("k", i+1)), ConditionNone))
		}
		require.ErrorIs(t, ValidateTransaction(ops), ErrValidation)
	})

	t.Run("reports oversized items by position", func(t *testing.T) {
		big := item("big")
		big.Profile = strings.Repeat("x", MaxItemSize)
		err := ValidateTransaction([]Op{Put(item("a"), ConditionNone), Put(big, ConditionNone)})
		var txErr *TransactionError
		require.ErrorAs(t, err, &txErr)
		require.Len(t, txErr.Reasons, 2)
		assert.Equal(t, ReasonNone, txErr.Reasons[0].Code)
		assert.Equal(t, ReasonValidationError, txErr.Reasons[1].Code)
		assert.ErrorIs(t, err, sentinel.ErrInvalidState)
	})
}

func TestEvaluateConditions(t *testing.T) {
	existing := map[string]bool{"a": true}
	exists := func(k string) bool { return existing[k] }

	require.NoError(t, EvaluateConditions([]Op{
		Update(item("a"), ConditionExists),
		Put(item("b"), ConditionNotExists),
		Put(item("c"), ConditionNone),
	}, exists))

	err := EvaluateConditions([]Op{
		Put(item("b"), ConditionNotExists),
		Put(item("a"), ConditionNotExists),
		Delete("z", ConditionExists),
	}, exists)
	require.ErrorIs(t, err, ErrConditionFailed)

	var txErr *TransactionError
	require.True(t, errors.As(err, &txErr))
	failures := txErr.Failures()
	require.Len(t, failures, 2)
	assert.Equal(t, 1, failures[0].Index)
	assert.Equal(t, "a", failures[0].Key)
	assert.Equal(t, 2, failures[1].Index)
	assert.Contains(t, err.Error(), "op 1 (a): ConditionalCheckFailed")
	assert.ErrorIs(t, err, sentinel.ErrConflict)
	assert.NotErrorIs(t, err, sentinel.ErrInvalidState)
}

func TestTransactionErrorConflicts(t *testing.T) {
	raced := &TransactionError{Reasons: []CancellationReason{
		{Index: 0, Key: "a", Code: ReasonTransactionConflict},
	}}
	assert.ErrorIs(t, raced, sentinel.ErrConflict)
	assert.ErrorIs(t, raced, ErrTransactionRejected)
	assert.NotErrorIs(t, raced, ErrConditionFailed)

	invalid := &TransactionError{Validation: "too many ops"}
	assert.NotErrorIs(t, invalid, sentinel.ErrConflict)
	assert.ErrorIs(t, ErrConditionFailed, sentinel.ErrConflict)
}

func TestPageToken(t *testing.T) {
	token := EncodePageToken("ad|alice")
	assert.NotContains(t, token, "|")
	key, err := DecodePageToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ad|alice", key)

	key, err = DecodePageToken("")
	require.NoError(t, err)
	assert.Empty(t, key)

	_, err = DecodePageToken("%%%")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestPageSize(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		want  int
	}{
		{"zero uses default", 0, DefaultPageSize},
		{"negative uses default", -3, DefaultPageSize},
		{"within bounds", 7, 7},
		{"at the cap", MaxPageSize, MaxPageSize},
		{"above the cap", MaxPageSize + 1, MaxPageSize},
		{"max int", math.MaxInt, MaxPageSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PageSize(tt.limit))
		})
	}
}

func TestIndexName(t *testing.T) {
	assert.Equal(t, "identity-vault-sequence_number", IndexName("identity-vault", FieldSequenceNumber))
	assert.True(t, FieldUUID.Valid())
	assert.False(t, Field("profile").Valid())
}
