//go:build integration

package postgres

import (
	"context"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	"identity-vault/internal/vault/store"
	"identity-vault/pkg/platform/sentinel"
	"identity-vault/pkg/testutil/containers"
)

const table = "vault_it"

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *PostgresStore
	ctx      context.Context
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.store = NewPostgres(s.postgres.DB, table)
	s.ctx = context.Background()
	s.Require().NoError(s.store.EnsureSchema(s.ctx))
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(s.ctx, table))
}

func item(id, email, seq string) store.Item {
	return store.Item{ID: id, UUID: "uuid-" + id, PrimaryEmail: email, SequenceNumber: seq, Profile: `{"user_id":{"value":"` + id + `"}}`}
}

func (s *PostgresStoreSuite) TestGuardedTransactions() {
	s.Run("create then duplicate create", func() {
		s.Require().NoError(s.store.Transact(s.ctx, []store.Op{store.Put(item("a", "a@x", "1"), store.ConditionNotExists)}))

		err := s.store.Transact(s.ctx, []store.Op{store.Put(item("a", "a@x", "2"), store.ConditionNotExists)})
		s.Require().ErrorIs(err, store.ErrConditionFailed)

		got, err := s.store.Get(s.ctx, "a")
		s.Require().NoError(err)
		s.Equal("1", got.SequenceNumber)
	})

	s.Run("update requires existence", func() {
		err := s.store.Transact(s.ctx, []store.Op{store.Update(item("ghost", "g@x", "1"), store.ConditionExists)})
		s.Require().ErrorIs(err, store.ErrConditionFailed)
		_, err = s.store.Get(s.ctx, "ghost")
		s.ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("a failing op leaves nothing behind", func() {
		ops := []store.Op{
			store.Put(item("b", "b@x", "3"), store.ConditionNotExists),
			store.Put(item("a", "a@x", "3"), store.ConditionNotExists),
		}
		err := s.store.Transact(s.ctx, ops)
		var txErr *store.TransactionError
		s.Require().ErrorAs(err, &txErr)
		s.Require().Len(txErr.Failures(), 1)
		s.Equal(1, txErr.Failures()[0].Index)

		_, err = s.store.Get(s.ctx, "b")
		s.ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("delete with guard", func() {
		s.Require().NoError(s.store.Transact(s.ctx, []store.Op{store.Delete("a", store.ConditionExists)}))
		err := s.store.Transact(s.ctx, []store.Op{store.Delete("a", store.ConditionExists)})
		s.ErrorIs(err, store.ErrConditionFailed)
	})
}

func (s *PostgresStoreSuite) TestIndexesAreSparse() {
	s.Require().NoError(s.store.Put(s.ctx, item("a", "shared@x", "7")))
	s.Require().NoError(s.store.Put(s.ctx, item("b", "shared@x", "8")))

	byEmail, err := s.store.QueryByIndex(s.ctx, store.FieldPrimaryEmail, "shared@x")
	s.Require().NoError(err)
	s.Len(byEmail, 2)

	bySeq, err := s.store.QueryByIndex(s.ctx, store.FieldSequenceNumber, "7")
	s.Require().NoError(err)
	s.Require().Len(bySeq, 1)
	s.Equal("a", bySeq[0].ID)

	byUsername, err := s.store.QueryByIndex(s.ctx, store.FieldPrimaryUsername, "")
	s.Require().NoError(err)
	s.Empty(byUsername)
}

func (s *PostgresStoreSuite) TestScanPages() {
	for _, id := range []string{"c", "a", "e", "b", "d"} {
		s.Require().NoError(s.store.Put(s.ctx, item(id, id+"@x", "1")))
	}
	var seen []string
	token := ""
	for {
		page, err := s.store.Scan(s.ctx, token, 2)
		s.Require().NoError(err)
		for _, it := range page.Items {
			seen = append(seen, it.ID)
		}
		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}
	s.Equal([]string{"a", "b", "c", "d", "e"}, seen)

	first, err := s.store.Scan(s.ctx, "", 1)
	s.Require().NoError(err)
	rest, err := s.store.Scan(s.ctx, first.NextToken, math.MaxInt)
	s.Require().NoError(err)
	s.Len(rest.Items, 4)
	s.Empty(rest.NextToken)
}

func (s *PostgresStoreSuite) TestOversizedItemIsRejected() {
	big := item("big", "big@x", "1")
	big.Profile = strings.Repeat("x", store.MaxItemSize)
	s.ErrorIs(s.store.Put(s.ctx, big), store.ErrValidation)
}

func (s *PostgresStoreSuite) TestConcurrentCreatesProduceOneRecord() {
	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.store.Transact(s.ctx, []store.Op{store.Put(item("race", "r@x", "1"), store.ConditionNotExists)})
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	s.Equal(1, successes)
}
