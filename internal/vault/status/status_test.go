package status

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-vault/internal/vault/store"
	"identity-vault/internal/vault/store/memory"
	dErrors "identity-vault/pkg/domain-errors"
)

type fixedCheck struct {
	name string
	res  Result
	err  error
}

func (f fixedCheck) Name() string { return f.name }

func (f fixedCheck) Check(context.Context, string) (Result, error) { return f.res, f.err }

func seed(t *testing.T, adapter store.Adapter, id, seq string) {
	t.Helper()
	require.NoError(t, adapter.Put(context.Background(), store.Item{ID: id, SequenceNumber: seq, Profile: "{}"}))
}

func quiet() Option {
	return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCheckStore(t *testing.T) {
	ctx := context.Background()
	adapter := memory.New("vault")
	seed(t, adapter, "ad|alice", "42")
	seed(t, adapter, "ad|bob", "7")
	seed(t, adapter, "ad|carol", "7")

	check := NewStoreCheck(adapter)

	t.Run("written sequence number", func(t *testing.T) {
		r, err := check.CheckStore(ctx, "42")
		require.NoError(t, err)
		assert.True(t, r.OK)
		assert.Equal(t, 1, r.Matches)
		assert.False(t, r.Anomaly())
	})

	t.Run("never written", func(t *testing.T) {
		r, err := check.CheckStore(ctx, "1")
		require.NoError(t, err)
		assert.False(t, r.OK)
		assert.Zero(t, r.Matches)
		assert.False(t, r.Anomaly())
	})

	t.Run("duplicate is an anomaly, not a success", func(t *testing.T) {
		r, err := check.CheckStore(ctx, "7")
		require.NoError(t, err)
		assert.False(t, r.OK)
		assert.Equal(t, 2, r.Matches)
		assert.True(t, r.Anomaly())
	})
}

func TestCheckerAll(t *testing.T) {
	ctx := context.Background()
	adapter := memory.New("vault")
	seed(t, adapter, "ad|alice", "42")

	checker := New(adapter, quiet(), WithCheck(fixedCheck{name: "ldap", res: Result{Matches: 0}}))

	got, err := checker.All(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{StoreCheckName: true, "ldap": false}, got)

	detailed, err := checker.Detailed(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, Result{Matches: 1, OK: true}, detailed[StoreCheckName])
}

func TestCheckerErrors(t *testing.T) {
	ctx := context.Background()
	adapter := memory.New("vault")

	t.Run("rejects non numeric sequence numbers", func(t *testing.T) {
		_, err := New(adapter, quiet()).All(ctx, "abc")
		assert.True(t, dErrors.HasCode(err, dErrors.CodeBadRequest))

		_, err = New(adapter, quiet()).All(ctx, " ")
		assert.True(t, dErrors.HasCode(err, dErrors.CodeBadRequest))
	})

	t.Run("unavailable downstream", func(t *testing.T) {
		broken := fixedCheck{name: "broken", err: store.Unavailable("query", errors.New("timeout"))}
		_, err := New(adapter, quiet(), WithCheck(broken)).All(ctx, "42")
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUnavailable))
		assert.ErrorContains(t, err, "broken")
	})
}
