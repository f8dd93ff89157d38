// Package store defines the durable store contract the profile store is built on.
//
// Backends (memory, dynamo, postgres, redis) provide per-key reads and
// unconditional writes, secondary-index queries, paged scans, and
// all-or-nothing transactions guarded by exists / not-exists conditions on the
// primary key. The package holds no business logic.
package store

import (
	"context"
	"fmt"
)

// Adapter is the capability boundary for the backing store.
type Adapter interface {
	// Table is the name the secondary index names derive from.
	Table() string
	// Get returns the item stored under key or sentinel.ErrNotFound.
	Get(ctx context.Context, key string) (*Item, error)
	// Put overwrites the item without a guard.
	Put(ctx context.Context, item Item) error
	// Delete removes the item without a guard. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// QueryByIndex returns every item whose field equals value.
	QueryByIndex(ctx context.Context, field Field, value string) ([]Item, error)
	// Scan returns up to limit items after pageToken, and the token to continue from.
	Scan(ctx context.Context, pageToken string, limit int) (Page, error)
	// Transact applies every op or none of them.
	Transact(ctx context.Context, ops []Op) error
}

// Field names an item attribute that has a secondary index.
type Field string

const (
	FieldPrimaryEmail    Field = "primary_email"
	FieldUUID            Field = "uuid"
	FieldPrimaryUsername Field = "primary_username"
	FieldSequenceNumber  Field = "sequence_number"
)

// IndexedFields lists every field with a secondary index.
var IndexedFields = []Field{FieldPrimaryEmail, FieldUUID, FieldPrimaryUsername, FieldSequenceNumber}

// Valid reports whether f has an index.
func (f Field) Valid() bool {
	for _, known := range IndexedFields {
		if f == known {
			return true
		}
	}
	return false
}

// IndexName derives the secondary index name for field on table.
func IndexName(table string, field Field) string {
	return fmt.Sprintf("%s-%s", table, field)
}

// Item is the wire layout of a profile record: five scalar attributes plus the
// opaque profile blob.
type Item struct {
	ID              string `dynamodbav:"id"`
	UUID            string `dynamodbav:"uuid,omitempty"`
	PrimaryEmail    string `dynamodbav:"primary_email,omitempty"`
	PrimaryUsername string `dynamodbav:"primary_username,omitempty"`
	SequenceNumber  string `dynamodbav:"sequence_number,omitempty"`
	Profile         string `dynamodbav:"profile"`
}

// Attr returns the value of an indexed field.
func (i Item) Attr(f Field) string {
	switch f {
	case FieldPrimaryEmail:
		return i.PrimaryEmail
	case FieldUUID:
		return i.UUID
	case FieldPrimaryUsername:
		return i.PrimaryUsername
	case FieldSequenceNumber:
		return i.SequenceNumber
	}
	return ""
}

// Size approximates the stored size the way DynamoDB counts it: attribute
// names plus values.
func (i Item) Size() int {
	size := len("id") + len(i.ID) + len("profile") + len(i.Profile)
	for _, f := range IndexedFields {
		if v := i.Attr(f); v != "" {
			size += len(f) + len(v)
		}
	}
	return size
}

// Page is one slice of a scan.
type Page struct {
	Items     []Item
	NextToken string
}

// Condition guards a transactional op on the primary key.
type Condition int

const (
	ConditionNone Condition = iota
	ConditionExists
	ConditionNotExists
)

func (c Condition) String() string {
	switch c {
	case ConditionExists:
		return "attribute_exists(id)"
	case ConditionNotExists:
		return "attribute_not_exists(id)"
	default:
		return "none"
	}
}

// OpKind is the type of a transactional op.
type OpKind int

const (
	OpPut OpKind = iota + 1
	OpUpdate
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpPut:
		return "put"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Op is one member of a transaction. For updates, Item.ID is the key and the
// remaining attributes are the fields to set.
type Op struct {
	Kind      OpKind
	Key       string
	Item      Item
	Condition Condition
}

// Put writes item, replacing any existing one.
func Put(item Item, cond Condition) Op {
	return Op{Kind: OpPut, Key: item.ID, Item: item, Condition: cond}
}

// Update sets every non-key attribute of item on the existing key.
func Update(item Item, cond Condition) Op {
	return Op{Kind: OpUpdate, Key: item.ID, Item: item, Condition: cond}
}

// Delete removes key.
func Delete(key string, cond Condition) Op {
	return Op{Kind: OpDelete, Key: key, Condition: cond}
}
