package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"identity-vault/internal/vault/store"
	"identity-vault/pkg/platform/sentinel"
)

const defaultRetries = 5

// Store is a store.Adapter over Redis. Each item is a hash; each indexed
// (field, value) pair is a set of ids; a sorted set of ids with equal scores
// gives lexicographic order for scans. Guarded writes use WATCH on the item
// hashes and apply in one MULTI/EXEC.
type Store struct {
	client  redis.UniversalClient
	table   string
	retries int
}

var _ store.Adapter = (*Store)(nil)

type Option func(*Store)

// WithRetries bounds how often a transaction is replayed after another
// client modified a watched key.
func WithRetries(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.retries = n
		}
	}
}

// New constructs a Redis-backed adapter that namespaces its keys under table.
func New(client redis.UniversalClient, table string, opts ...Option) *Store {
	s := &Store{client: client, table: table, retries: defaultRetries}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Table() string {
	return s.table
}

func (s *Store) Get(ctx context.Context, key string) (*store.Item, error) {
	fields, err := s.client.HGetAll(ctx, s.itemKey(key)).Result()
	if err != nil {
		return nil, classify("get item", err)
	}
	if len(fields) == 0 {
		return nil, sentinel.ErrNotFound
	}
	item := fromHash(fields)
	return &item, nil
}

func (s *Store) Put(ctx context.Context, item store.Item) error {
	if err := store.ValidateItem(item); err != nil {
		return err
	}
	return s.run(ctx, "put item", []store.Op{store.Put(item, store.ConditionNone)}, false)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.run(ctx, "delete item", []store.Op{store.Delete(key, store.ConditionNone)}, false)
}

func (s *Store) QueryByIndex(ctx context.Context, field store.Field, value string) ([]store.Item, error) {
	if !field.Valid() {
		return nil, store.ErrValidation
	}
	if value == "" {
		return nil, nil
	}
	ids, err := s.client.SMembers(ctx, s.indexKey(field, value)).Result()
	if err != nil {
		return nil, classify("query "+string(field), err)
	}
	sort.Strings(ids)
	return s.load(ctx, ids)
}

// Scan reads one extra id to decide whether another page exists.
func (s *Store) Scan(ctx context.Context, pageToken string, limit int) (store.Page, error) {
	after, err := store.DecodePageToken(pageToken)
	if err != nil {
		return store.Page{}, err
	}
	limit = store.PageSize(limit)
	lower := "-"
	if after != "" {
		lower = "(" + after
	}
	ids, err := s.client.ZRangeByLex(ctx, s.idsKey(), &redis.ZRangeBy{
		Min:   lower,
		Max:   "+",
		Count: int64(limit + 1),
	}).Result()
	if err != nil {
		return store.Page{}, classify("scan", err)
	}

	var page store.Page
	if len(ids) > limit {
		ids = ids[:limit]
		page.NextToken = store.EncodePageToken(ids[limit-1])
	}
	page.Items, err = s.load(ctx, ids)
	if err != nil {
		return store.Page{}, err
	}
	return page, nil
}

func (s *Store) Transact(ctx context.Context, ops []store.Op) error {
	if err := store.ValidateTransaction(ops); err != nil {
		return err
	}
	return s.run(ctx, "transact", ops, true)
}

// run watches every touched item, optionally evaluates the guards, and
// applies ops atomically. A watch collision replays the whole attempt.
func (s *Store) run(ctx context.Context, op string, ops []store.Op, evaluate bool) error {
	keys := make([]string, len(ops))
	for i, o := range ops {
		keys[i] = s.itemKey(o.Key)
	}

	attempt := func(tx *redis.Tx) error {
		current := make(map[string]store.Item, len(ops))
		for _, o := range ops {
			fields, err := tx.HGetAll(ctx, s.itemKey(o.Key)).Result()
			if err != nil {
				return err
			}
			if len(fields) > 0 {
				current[o.Key] = fromHash(fields)
			}
		}
		if evaluate {
			err := store.EvaluateConditions(ops, func(key string) bool {
				_, ok := current[key]
				return ok
			})
			if err != nil {
				return err
			}
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, o := range ops {
				s.queue(ctx, pipe, o, current)
			}
			return nil
		})
		return err
	}

	for i := 0; i <= s.retries; i++ {
		err := s.client.Watch(ctx, attempt, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			var txErr *store.TransactionError
			if errors.As(err, &txErr) {
				return err
			}
			return classify(op, err)
		}
		return nil
	}
	return conflict(ops)
}

func (s *Store) queue(ctx context.Context, pipe redis.Pipeliner, op store.Op, current map[string]store.Item) {
	if old, ok := current[op.Key]; ok {
		for _, field := range store.IndexedFields {
			if v := old.Attr(field); v != "" {
				pipe.SRem(ctx, s.indexKey(field, v), op.Key)
			}
		}
	}
	itemKey := s.itemKey(op.Key)
	pipe.Del(ctx, itemKey)
	if op.Kind == store.OpDelete {
		pipe.ZRem(ctx, s.idsKey(), op.Key)
		return
	}
	pipe.HSet(ctx, itemKey, toHash(op.Item))
	for _, field := range store.IndexedFields {
		if v := op.Item.Attr(field); v != "" {
			pipe.SAdd(ctx, s.indexKey(field, v), op.Key)
		}
	}
	pipe.ZAdd(ctx, s.idsKey(), redis.Z{Score: 0, Member: op.Key})
}

func (s *Store) load(ctx context.Context, ids []string) ([]store.Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.itemKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, classify("load items", err)
	}
	items := make([]store.Item, 0, len(ids))
	for _, cmd := range cmds {
		if fields := cmd.Val(); len(fields) > 0 {
			items = append(items, fromHash(fields))
		}
	}
	return items, nil
}

func (s *Store) itemKey(id string) string {
	return s.table + ":item:" + id
}

func (s *Store) indexKey(field store.Field, value string) string {
	return store.IndexName(s.table, field) + ":" + value
}

func (s *Store) idsKey() string {
	return s.table + ":ids"
}

func toHash(item store.Item) map[string]any {
	h := map[string]any{"id": item.ID, "profile": item.Profile}
	for _, field := range store.IndexedFields {
		if v := item.Attr(field); v != "" {
			h[string(field)] = v
		}
	}
	return h
}

func fromHash(h map[string]string) store.Item {
	return store.Item{
		ID:              h["id"],
		UUID:            h[string(store.FieldUUID)],
		PrimaryEmail:    h[string(store.FieldPrimaryEmail)],
		PrimaryUsername: h[string(store.FieldPrimaryUsername)],
		SequenceNumber:  h[string(store.FieldSequenceNumber)],
		Profile:         h["profile"],
	}
}

func conflict(ops []store.Op) error {
	txErr := &store.TransactionError{}
	for i, op := range ops {
		txErr.Reasons = append(txErr.Reasons, store.CancellationReason{
			Index:   i,
			Key:     op.Key,
			Code:    store.ReasonTransactionConflict,
			Message: "watched key modified by another client",
		})
	}
	return txErr
}

func classify(op string, err error) error {
	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return store.Unavailable(op, err)
}
