package profile

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/suite"

	"identity-vault/internal/vault/models"
	"identity-vault/internal/vault/store"
	"identity-vault/internal/vault/store/memory"
	dErrors "identity-vault/pkg/domain-errors"
	"identity-vault/pkg/platform/sentinel"
)

func document(userID, email, uuid string, extra ...string) string {
	doc := map[string]any{
		"user_id":       map[string]any{"value": userID},
		"primary_email": map[string]any{"value": email},
		"uuid":          map[string]any{"value": uuid},
	}
	if len(extra) > 0 {
		doc["padding"] = map[string]any{"value": extra[0]}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return string(raw)
}

func record(userID, email, uuid string) models.ProfileRecord {
	return models.ProfileRecord{Profile: document(userID, email, uuid)}
}

func oversized(userID string) models.ProfileRecord {
	return models.ProfileRecord{Profile: document(userID, userID+"@example.com", "u-"+userID, strings.Repeat("x", store.MaxItemSize))}
}

type ProfileStoreSuite struct {
	suite.Suite
	ctx     context.Context
	adapter *memory.InMemory
	store   *Store
}

func TestProfileStoreSuite(t *testing.T) {
	suite.Run(t, new(ProfileStoreSuite))
}

func (s *ProfileStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.adapter = memory.New("vault")
	s.store = s.newStore(true)
}

func (s *ProfileStoreSuite) newStore(transactions bool) *Store {
	return New(s.adapter,
		WithTransactions(transactions),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithSequenceSource(func() string { return "42" }),
	)
}

func (s *ProfileStoreSuite) TestCreate() {
	s.Run("new record is findable with its sequence number", func() {
		res, err := s.store.Create(s.ctx, record("ad|Alice", "Alice@Example.com", "11111111"))
		s.Require().NoError(err)
		s.Equal(models.StatusApplied, res.Status)
		s.Equal("42", res.SequenceNumber)

		found, err := s.store.FindByID(s.ctx, "ad|alice")
		s.Require().NoError(err)
		s.Require().Len(found, 1)
		s.Equal("42", found[0].SequenceNumber)
		s.Equal("alice@example.com", found[0].PrimaryEmail)
	})

	s.Run("existing id fails with already exists", func() {
		_, err := s.store.Create(s.ctx, record("ad|alice", "alice@example.com", "11111111"))
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeAlreadyExists))
	})

	s.Run("caller supplied sequence numbers are kept", func() {
		rec := record("ad|carol", "carol@example.com", "33333333")
		rec.SequenceNumber = "7"
		res, err := s.store.Create(s.ctx, rec)
		s.Require().NoError(err)
		s.Equal("7", res.SequenceNumber)
	})

	s.Run("projected fields come from the profile", func() {
		rec := record("ad|dave", "dave@example.com", "44444444")
		rec.ID = "ad|mallory"
		rec.PrimaryEmail = "mallory@example.com"
		res, err := s.store.Create(s.ctx, rec)
		s.Require().NoError(err)
		s.Equal("ad|dave", res.ID)

		mismatched, err := s.store.FindByEmail(s.ctx, "mallory@example.com")
		s.Require().NoError(err)
		s.Empty(mismatched)
	})

	s.Run("malformed documents never reach the store", func() {
		before := s.adapter.Len()
		_, err := s.store.Create(s.ctx, models.ProfileRecord{Profile: `{"user_id":{"value":"ad|x"}}`})
		s.True(dErrors.HasCode(err, dErrors.CodeMalformedDocument))
		s.Equal(before, s.adapter.Len())
	})
}

func (s *ProfileStoreSuite) TestUpdate() {
	s.Run("missing id fails with not found", func() {
		_, err := s.store.Update(s.ctx, record("ad|ghost", "ghost@example.com", "g"))
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("existing record is replaced", func() {
		_, err := s.store.Create(s.ctx, record("ad|bob", "bob@example.com", "22222222"))
		s.Require().NoError(err)

		rec := record("ad|bob", "robert@example.com", "22222222")
		rec.SequenceNumber = "43"
		_, err = s.store.Update(s.ctx, rec)
		s.Require().NoError(err)

		found, err := s.store.FindByID(s.ctx, "ad|bob")
		s.Require().NoError(err)
		s.Require().Len(found, 1)
		s.Equal("43", found[0].SequenceNumber)
		s.Contains(found[0].Profile, "robert@example.com")
	})
}

func (s *ProfileStoreSuite) TestDelete() {
	for _, transactions := range []bool{true, false} {
		s.SetupTest()
		st := s.newStore(transactions)

		_, err := st.Delete(s.ctx, models.ProfileRecord{ID: "ad|nobody"})
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound), "transactions=%v", transactions)

		_, err = st.Create(s.ctx, record("ad|erin", "erin@example.com", "e"))
		s.Require().NoError(err)
		res, err := st.Delete(s.ctx, models.ProfileRecord{ID: "AD|Erin"})
		s.Require().NoError(err)
		s.Equal(models.OperationDelete, res.Operation)

		found, err := st.FindByID(s.ctx, "ad|erin")
		s.Require().NoError(err)
		s.Empty(found)
	}
}

func (s *ProfileStoreSuite) TestDirectModeOverwrites() {
	st := s.newStore(false)
	s.False(st.Transactional())

	_, err := st.Update(s.ctx, record("ad|frank", "frank@example.com", "f"))
	s.Require().NoError(err, "direct updates do not require existence")
	_, err = st.Create(s.ctx, record("ad|frank", "frank2@example.com", "f"))
	s.Require().NoError(err, "direct creates do not guard")

	found, err := st.FindByEmail(s.ctx, "FRANK2@example.com")
	s.Require().NoError(err)
	s.Len(found, 1)
}

func (s *ProfileStoreSuite) TestFindOrCreateIsIdempotent() {
	first, err := s.store.FindOrCreate(s.ctx, record("ad|alice", "alice@example.com", "11111111"))
	s.Require().NoError(err)
	s.Equal(models.OperationCreate, first.Operation)

	second, err := s.store.FindOrCreate(s.ctx, record("ad|alice", "alice@example.com", "11111111"))
	s.Require().NoError(err)
	s.Equal(models.OperationUpdate, second.Operation)
	s.Equal(1, s.adapter.Len())
}

func (s *ProfileStoreSuite) TestExampleScenario() {
	res, err := s.store.FindOrCreate(s.ctx, record("ad|alice", "alice@example.com", "11111111-1111-1111-1111-111111111111"))
	s.Require().NoError(err)
	s.Equal(models.OperationCreate, res.Operation)
	s.Equal("42", res.SequenceNumber)

	found, err := s.store.FindByID(s.ctx, "ad|alice")
	s.Require().NoError(err)
	s.Require().Len(found, 1)
	s.Equal("42", found[0].SequenceNumber)

	bySeq, err := s.store.FindBySequenceNumber(s.ctx, "42")
	s.Require().NoError(err)
	s.Len(bySeq, 1)

	res, err = s.store.FindOrCreate(s.ctx, record("ad|alice", "alice.new@example.com", "11111111-1111-1111-1111-111111111111"))
	s.Require().NoError(err)
	s.Equal(models.OperationUpdate, res.Operation)

	old, err := s.store.FindByEmail(s.ctx, "alice@example.com")
	s.Require().NoError(err)
	s.Empty(old)
	fresh, err := s.store.FindByEmail(s.ctx, "alice.new@example.com")
	s.Require().NoError(err)
	s.Len(fresh, 1)
}

func (s *ProfileStoreSuite) TestFindByUUID() {
	_, err := s.store.Create(s.ctx, record("ad|alice", "alice@example.com", "u-alice"))
	s.Require().NoError(err)
	_, err = s.store.Create(s.ctx, record("ad|bob", "bob@example.com", "u-bob"))
	s.Require().NoError(err)

	found, err := s.store.FindByUUID(s.ctx, "u-alice")
	s.Require().NoError(err)
	s.Require().Len(found, 1)
	s.Equal("ad|alice", found[0].ID)
	s.Equal("u-alice", found[0].UUID)

	missing, err := s.store.FindByUUID(s.ctx, "u-nobody")
	s.Require().NoError(err)
	s.Empty(missing)

	empty, err := s.store.FindByUUID(s.ctx, "")
	s.Require().NoError(err)
	s.Empty(empty)
}

func (s *ProfileStoreSuite) TestFindOrCreateBatchPartitions() {
	for _, id := range []string{"a", "b"} {
		_, err := s.store.Create(s.ctx, record("ad|"+id, id+"@example.com", "u-"+id))
		s.Require().NoError(err)
	}

	batch := []models.ProfileRecord{
		record("ad|a", "a2@example.com", "u-a"),
		record("ad|b", "b2@example.com", "u-b"),
		record("ad|c", "c@example.com", "u-c"),
		record("ad|d", "d@example.com", "u-d"),
		record("ad|e", "e@example.com", "u-e"),
	}
	res := s.store.FindOrCreateBatch(s.ctx, batch)

	s.Require().True(res.Created.IsOK())
	s.Require().True(res.Updated.IsOK())
	s.ElementsMatch([]string{"ad|c", "ad|d", "ad|e"}, res.Created.Result.IDs)
	s.ElementsMatch([]string{"ad|a", "ad|b"}, res.Updated.Result.IDs)
	s.Empty(res.Rejected)

	for _, id := range []string{"ad|a", "ad|b", "ad|c", "ad|d", "ad|e"} {
		found, err := s.store.FindByID(s.ctx, id)
		s.Require().NoError(err)
		s.Len(found, 1, id)
	}
}

func (s *ProfileStoreSuite) TestFindOrCreateBatchHalvesAreIndependent() {
	_, err := s.store.Create(s.ctx, record("ad|a", "a@example.com", "u-a"))
	s.Require().NoError(err)

	res := s.store.FindOrCreateBatch(s.ctx, []models.ProfileRecord{
		record("ad|a", "a2@example.com", "u-a"),
		record("ad|new", "new@example.com", "u-new"),
		oversized("ad|huge"),
	})

	s.True(res.Created.IsFailed(), "oversized member rejects the creation transaction")
	s.True(dErrors.HasCode(res.Created.Err, dErrors.CodeTransactionRejected))
	s.True(res.Updated.IsOK(), "update half still applies")

	found, err := s.store.FindByID(s.ctx, "ad|new")
	s.Require().NoError(err)
	s.Empty(found, "nothing from the rejected transaction is stored")

	updated, err := s.store.FindByEmail(s.ctx, "a2@example.com")
	s.Require().NoError(err)
	s.Len(updated, 1)
}

func (s *ProfileStoreSuite) TestFindOrCreateBatchRejectsBeforeTheStore() {
	res := s.store.FindOrCreateBatch(s.ctx, []models.ProfileRecord{
		{Profile: "not json"},
		record("ad|dup", "first@example.com", "u"),
		record("AD|Dup", "second@example.com", "u"),
	})

	s.Require().Len(res.Rejected, 2)
	s.Equal(0, res.Rejected[0].Index)
	s.Equal(1, res.Rejected[1].Index)
	s.True(res.Created.IsOK())
	s.True(res.Updated.IsSkipped())

	found, err := s.store.FindByID(s.ctx, "ad|dup")
	s.Require().NoError(err)
	s.Require().Len(found, 1)
	s.Equal("second@example.com", found[0].PrimaryEmail)
}

func (s *ProfileStoreSuite) TestDirectBatchIsPartial() {
	st := s.newStore(false)
	res, err := st.CreateBatch(s.ctx, []models.ProfileRecord{
		record("ad|a", "a@example.com", "u-a"),
		oversized("ad|huge"),
		record("ad|c", "c@example.com", "u-c"),
	})
	s.Require().NoError(err)
	s.Equal(models.StatusPartial, res.Status)
	s.Require().Len(res.Failed, 1)
	s.Equal("ad|huge", res.Failed[0].ID)
	s.Equal([]string{"ad|a", "ad|c"}, res.Applied())
	s.Equal([]string{"42", "42", "42"}, res.SequenceNumbers)
	s.Equal(2, s.adapter.Len())
}

func (s *ProfileStoreSuite) TestDirectBatchReportsMalformedMembers() {
	st := s.newStore(false)
	incomplete := models.ProfileRecord{Profile: `{"user_id":{"value":"ad|Broken"}}`}

	res, err := st.CreateBatch(s.ctx, []models.ProfileRecord{
		record("ad|a", "a@example.com", "u-a"),
		incomplete,
		record("ad|c", "c@example.com", "u-c"),
	})
	s.Require().NoError(err)
	s.Equal(models.StatusPartial, res.Status)
	s.Require().Len(res.Failed, 1)
	s.Equal("ad|broken", res.Failed[0].ID)
	s.Contains(res.Failed[0].Reason, "batch member 1")
	s.Contains(res.Failed[0].Reason, "primary_email")
	s.Equal([]string{"ad|a", "ad|c"}, res.Applied())
	s.Equal(2, s.adapter.Len())

	s.Run("every member malformed fails the batch", func() {
		res, err := st.UpdateBatch(s.ctx, []models.ProfileRecord{incomplete, {Profile: "not json"}})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeMalformedDocument))
		s.Equal(models.StatusFailed, res.Status)
		s.Len(res.Failed, 2)
		s.Equal(2, s.adapter.Len())
	})

	s.Run("transactional mode rejects the whole batch", func() {
		_, err := s.store.CreateBatch(s.ctx, []models.ProfileRecord{
			record("ad|d", "d@example.com", "u-d"),
			incomplete,
		})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeMalformedDocument))
		s.Equal(2, s.adapter.Len())
	})
}

func (s *ProfileStoreSuite) TestTransactionalBatchIsAllOrNothing() {
	_, err := s.store.Create(s.ctx, record("ad|b", "b@example.com", "u-b"))
	s.Require().NoError(err)

	res, err := s.store.CreateBatch(s.ctx, []models.ProfileRecord{
		record("ad|a", "a@example.com", "u-a"),
		record("ad|b", "b@example.com", "u-b"),
	})
	s.Require().Error(err)
	s.Equal(models.StatusFailed, res.Status)
	s.True(dErrors.HasCode(err, dErrors.CodeTransactionRejected))
	s.True(dErrors.HasCode(err, dErrors.CodeAlreadyExists))
	s.ErrorIs(err, store.ErrConditionFailed)
	s.ErrorIs(err, sentinel.ErrConflict)
	s.Equal(1, s.adapter.Len())

	_, err = s.store.UpdateBatch(s.ctx, []models.ProfileRecord{
		record("ad|b", "b2@example.com", "u-b"),
		record("ad|zzz", "z@example.com", "u-z"),
	})
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *ProfileStoreSuite) TestListing() {
	for _, id := range []string{"c", "a", "b"} {
		_, err := s.store.Create(s.ctx, record("ad|"+id, id+"@example.com", "u-"+id))
		s.Require().NoError(err)
	}

	page, err := s.store.ListPage(s.ctx, "", 2)
	s.Require().NoError(err)
	s.Len(page.Records, 2)
	s.NotEmpty(page.NextPage)

	rest, err := s.store.ListPage(s.ctx, page.NextPage, 2)
	s.Require().NoError(err)
	s.Len(rest.Records, 1)
	s.Empty(rest.NextPage)

	all, err := s.store.ListAll(s.ctx)
	s.Require().NoError(err)
	s.Len(all, 3)

	first, err := s.store.ListPage(s.ctx, "", 1)
	s.Require().NoError(err)
	capped, err := s.store.ListPage(s.ctx, first.NextPage, math.MaxInt)
	s.Require().NoError(err)
	s.Len(capped.Records, 2)
	s.Empty(capped.NextPage)

	_, err = s.store.ListPage(s.ctx, "%%%", 2)
	s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
}

// unavailable fails every call as a transport error would.
type unavailable struct{ store.Adapter }

func (unavailable) Get(context.Context, string) (*store.Item, error) {
	return nil, store.Unavailable("get item", errors.New("connection refused"))
}

func (unavailable) Transact(context.Context, []store.Op) error {
	return store.Unavailable("transact", errors.New("connection refused"))
}

func (s *ProfileStoreSuite) TestUnavailableStore() {
	st := New(unavailable{Adapter: s.adapter}, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	_, err := st.FindOrCreate(s.ctx, record("ad|a", "a@example.com", "u-a"))
	s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
	s.ErrorIs(err, sentinel.ErrUnavailable)

	res := st.FindOrCreateBatch(s.ctx, []models.ProfileRecord{record("ad|a", "a@example.com", "u-a")})
	s.Len(res.Rejected, 1)
	s.True(res.Created.IsSkipped())
}
