package profile

import (
	"context"

	"identity-vault/internal/vault/models"
	"identity-vault/internal/vault/store"
)

// Writer applies prepared items to the durable store. The Store picks one
// implementation at construction and never branches on the mode afterwards.
type Writer interface {
	// Mode names the strategy for logs and metrics.
	Mode() string
	Create(ctx context.Context, item store.Item) error
	Update(ctx context.Context, item store.Item) error
	Delete(ctx context.Context, key string) error
	// WriteBatch returns the members it could not write. A non-nil error
	// means nothing was written.
	WriteBatch(ctx context.Context, op models.Operation, items []store.Item) ([]models.FailedWrite, error)
}

// TransactionalWriter guards every write on the existence of its key and
// submits batches as one all-or-nothing transaction.
type TransactionalWriter struct {
	adapter store.Adapter
}

func NewTransactionalWriter(adapter store.Adapter) *TransactionalWriter {
	return &TransactionalWriter{adapter: adapter}
}

func (w *TransactionalWriter) Mode() string {
	return "transactional"
}

func (w *TransactionalWriter) Create(ctx context.Context, item store.Item) error {
	return w.adapter.Transact(ctx, []store.Op{store.Put(item, store.ConditionNotExists)})
}

func (w *TransactionalWriter) Update(ctx context.Context, item store.Item) error {
	return w.adapter.Transact(ctx, []store.Op{store.Update(item, store.ConditionExists)})
}

func (w *TransactionalWriter) Delete(ctx context.Context, key string) error {
	return w.adapter.Transact(ctx, []store.Op{store.Delete(key, store.ConditionExists)})
}

func (w *TransactionalWriter) WriteBatch(ctx context.Context, op models.Operation, items []store.Item) ([]models.FailedWrite, error) {
	ops := make([]store.Op, len(items))
	for i, item := range items {
		if op == models.OperationCreate {
			ops[i] = store.Put(item, store.ConditionNotExists)
		} else {
			ops[i] = store.Update(item, store.ConditionExists)
		}
	}
	return nil, w.adapter.Transact(ctx, ops)
}

// DirectWriter overwrites items one at a time without guards. Batch members
// succeed or fail independently.
type DirectWriter struct {
	adapter store.Adapter
}

func NewDirectWriter(adapter store.Adapter) *DirectWriter {
	return &DirectWriter{adapter: adapter}
}

func (w *DirectWriter) Mode() string {
	return "direct"
}

func (w *DirectWriter) Create(ctx context.Context, item store.Item) error {
	return w.adapter.Put(ctx, item)
}

func (w *DirectWriter) Update(ctx context.Context, item store.Item) error {
	return w.adapter.Put(ctx, item)
}

// Delete reads before removing so a missing id is still reported. The read
// and the delete are not atomic.
func (w *DirectWriter) Delete(ctx context.Context, key string) error {
	if _, err := w.adapter.Get(ctx, key); err != nil {
		return err
	}
	return w.adapter.Delete(ctx, key)
}

func (w *DirectWriter) WriteBatch(ctx context.Context, _ models.Operation, items []store.Item) ([]models.FailedWrite, error) {
	var (
		failed   []models.FailedWrite
		firstErr error
	)
	for _, item := range items {
		if err := w.adapter.Put(ctx, item); err != nil {
			failed = append(failed, models.FailedWrite{ID: item.ID, Reason: err.Error()})
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if len(items) > 0 && len(failed) == len(items) {
		return failed, firstErr
	}
	return failed, nil
}

var (
	_ Writer = (*TransactionalWriter)(nil)
	_ Writer = (*DirectWriter)(nil)
)
