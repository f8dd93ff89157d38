// Package events announces applied profile writes on a Kafka topic.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"identity-vault/internal/vault/models"
)

// Change is the payload of one notification.
type Change struct {
	ID             string           `json:"id"`
	SequenceNumber string           `json:"sequence_number"`
	Operation      models.Operation `json:"operation"`
	OccurredAt     time.Time        `json:"occurred_at"`
}

// Producer is the part of *kgo.Client the publisher needs.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Publisher writes changes keyed by profile id, so every change to one
// profile lands on the same partition in order.
type Publisher struct {
	producer Producer
	topic    string
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Publisher)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Publisher) {
		p.now = now
	}
}

func NewPublisher(producer Producer, topic string, opts ...Option) *Publisher {
	p := &Publisher{producer: producer, topic: topic, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PublishChanges produces every change and waits for the broker to
// acknowledge them.
func (p *Publisher) PublishChanges(ctx context.Context, changes []Change) error {
	if len(changes) == 0 {
		return nil
	}
	records := make([]*kgo.Record, 0, len(changes))
	for _, c := range changes {
		if c.OccurredAt.IsZero() {
			c.OccurredAt = p.now().UTC()
		}
		value, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("encode change %s: %w", c.ID, err)
		}
		records = append(records, &kgo.Record{
			Topic: p.topic,
			Key:   []byte(c.ID),
			Value: value,
		})
	}
	if err := p.producer.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("produce %d changes to %s: %w", len(records), p.topic, err)
	}
	p.logger.DebugContext(ctx, "changes published", "topic", p.topic, "count", len(records))
	return nil
}

// FromWrite builds the change for a single applied write.
func FromWrite(res models.WriteResult) []Change {
	if res.Status != models.StatusApplied {
		return nil
	}
	return []Change{{ID: res.ID, SequenceNumber: res.SequenceNumber, Operation: res.Operation}}
}

// FromBatch builds one change per member a batch actually wrote.
func FromBatch(res models.BatchResult) []Change {
	applied := res.Applied()
	if len(applied) == 0 {
		return nil
	}
	seqByID := make(map[string]string, len(res.IDs))
	for i, id := range res.IDs {
		if i < len(res.SequenceNumbers) {
			seqByID[id] = res.SequenceNumbers[i]
		}
	}
	out := make([]Change, 0, len(applied))
	for _, id := range applied {
		out = append(out, Change{ID: id, SequenceNumber: seqByID[id], Operation: res.Operation})
	}
	return out
}
