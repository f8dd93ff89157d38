package memory

import (
	"context"
	"sort"
	"sync"

	"identity-vault/internal/vault/store"
	"identity-vault/pkg/platform/sentinel"
)

// InMemory is a store.Adapter backed by a map. Transactions are applied under
// one write lock, so partial application is never observable.
type InMemory struct {
	mu    sync.RWMutex
	table string
	items map[string]store.Item
}

var _ store.Adapter = (*InMemory)(nil)

// New returns an empty in-memory adapter for table.
func New(table string) *InMemory {
	return &InMemory{table: table, items: make(map[string]store.Item)}
}

func (s *InMemory) Table() string {
	return s.table
}

func (s *InMemory) Get(_ context.Context, key string) (*store.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[key]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &item, nil
}

func (s *InMemory) Put(_ context.Context, item store.Item) error {
	if err := store.ValidateItem(item); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = item
	return nil
}

func (s *InMemory) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

func (s *InMemory) QueryByIndex(_ context.Context, field store.Field, value string) ([]store.Item, error) {
	if !field.Valid() {
		return nil, store.ErrValidation
	}
	if value == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Item
	for _, key := range s.sortedKeys() {
		if item := s.items[key]; item.Attr(field) == value {
			out = append(out, item)
		}
	}
	return out, nil
}

func (s *InMemory) Scan(_ context.Context, pageToken string, limit int) (store.Page, error) {
	after, err := store.DecodePageToken(pageToken)
	if err != nil {
		return store.Page{}, err
	}
	limit = store.PageSize(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := s.sortedKeys()
	start := sort.SearchStrings(keys, after)
	if after != "" && start < len(keys) && keys[start] == after {
		start++
	}

	var page store.Page
	end := start + limit
	if end > len(keys) {
		end = len(keys)
	}
	for _, key := range keys[start:end] {
		page.Items = append(page.Items, s.items[key])
	}
	if end < len(keys) {
		page.NextToken = store.EncodePageToken(keys[end-1])
	}
	return page, nil
}

func (s *InMemory) Transact(_ context.Context, ops []store.Op) error {
	if err := store.ValidateTransaction(ops); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err := store.EvaluateConditions(ops, func(key string) bool {
		_, ok := s.items[key]
		return ok
	})
	if err != nil {
		return err
	}
	for _, op := range ops {
		switch op.Kind {
		case store.OpPut, store.OpUpdate:
			s.items[op.Key] = op.Item
		case store.OpDelete:
			delete(s.items, op.Key)
		}
	}
	return nil
}

// Len returns the number of stored items.
func (s *InMemory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *InMemory) sortedKeys() []string {
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
