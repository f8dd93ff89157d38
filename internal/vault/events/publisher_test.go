package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"identity-vault/internal/vault/models"
)

type recordingProducer struct {
	records []*kgo.Record
	err     error
}

func (r *recordingProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	r.records = append(r.records, rs...)
	results := make(kgo.ProduceResults, len(rs))
	for i, rec := range rs {
		results[i] = kgo.ProduceResult{Record: rec, Err: r.err}
	}
	return results
}

func TestPublishChanges(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	producer := &recordingProducer{}
	pub := NewPublisher(producer, "vault-changes", WithClock(func() time.Time { return at }))

	err := pub.PublishChanges(context.Background(), []Change{
		{ID: "ad|alice", SequenceNumber: "42", Operation: models.OperationCreate},
	})
	require.NoError(t, err)
	require.Len(t, producer.records, 1)

	rec := producer.records[0]
	assert.Equal(t, "vault-changes", rec.Topic)
	assert.Equal(t, []byte("ad|alice"), rec.Key)

	var got Change
	require.NoError(t, json.Unmarshal(rec.Value, &got))
	assert.Equal(t, Change{ID: "ad|alice", SequenceNumber: "42", Operation: models.OperationCreate, OccurredAt: at}, got)
}

func TestPublishChangesErrors(t *testing.T) {
	producer := &recordingProducer{err: errors.New("broker down")}
	pub := NewPublisher(producer, "vault-changes")

	err := pub.PublishChanges(context.Background(), []Change{{ID: "a"}})
	assert.ErrorContains(t, err, "broker down")

	producer.records = nil
	require.NoError(t, pub.PublishChanges(context.Background(), nil))
	assert.Empty(t, producer.records)
}

func TestFromBatchSkipsFailedMembers(t *testing.T) {
	changes := FromBatch(models.BatchResult{
		Status:          models.StatusPartial,
		Operation:       models.OperationUpdate,
		IDs:             []string{"a", "b"},
		SequenceNumbers: []string{"1", "1"},
		Failed:          []models.FailedWrite{{ID: "b", Reason: "too large"}},
	})
	require.Len(t, changes, 1)
	assert.Equal(t, "a", changes[0].ID)
	assert.Equal(t, "1", changes[0].SequenceNumber)

	assert.Empty(t, FromBatch(models.BatchResult{Status: models.StatusFailed, IDs: []string{"a"}}))
	assert.Empty(t, FromWrite(models.WriteResult{Status: models.StatusSkipped}))
}
