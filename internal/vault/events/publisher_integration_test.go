//go:build integration

package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/twmb/franz-go/pkg/kgo"

	"identity-vault/internal/platform/config"
	"identity-vault/internal/platform/kafka"
	"identity-vault/internal/vault/models"
	"identity-vault/pkg/testutil/containers"
)

type PublisherSuite struct {
	suite.Suite
	broker string
}

func TestPublisherSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PublisherSuite))
}

func (s *PublisherSuite) SetupSuite() {
	s.broker = containers.GetManager().GetRedpanda(s.T()).Broker
}

func (s *PublisherSuite) TestChangesArriveKeyedByID() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	topic := "vault-changes-" + time.Now().Format("150405.000")

	client, err := kafka.New(ctx, config.KafkaConfig{Brokers: []string{s.broker}, Topic: topic, ClientID: "vault-it"})
	s.Require().NoError(err)
	defer client.Close()
	s.Require().NoError(kafka.EnsureTopic(ctx, client, topic, 3))
	s.Require().NoError(kafka.EnsureTopic(ctx, client, topic, 3), "second call must tolerate an existing topic")

	pub := NewPublisher(client, topic)
	s.Require().NoError(pub.PublishChanges(ctx, []Change{
		{ID: "ad|alice", SequenceNumber: "1", Operation: models.OperationCreate},
		{ID: "ad|bob", SequenceNumber: "1", Operation: models.OperationUpdate},
	}))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(s.broker),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	s.Require().NoError(err)
	defer consumer.Close()

	got := map[string]Change{}
	for len(got) < 2 {
		fetches := consumer.PollFetches(ctx)
		s.Require().NoError(ctx.Err())
		fetches.EachError(func(_ string, _ int32, err error) {
			require.NoError(s.T(), err)
		})
		fetches.EachRecord(func(r *kgo.Record) {
			var c Change
			s.Require().NoError(json.Unmarshal(r.Value, &c))
			s.Equal(string(r.Key), c.ID)
			got[c.ID] = c
		})
	}
	s.Equal(models.OperationCreate, got["ad|alice"].Operation)
	s.Equal(models.OperationUpdate, got["ad|bob"].Operation)
	s.False(got["ad|bob"].OccurredAt.IsZero())
}
