package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"identity-vault/internal/vault/store"
	"identity-vault/pkg/platform/sentinel"
)

// API is the subset of the DynamoDB client the adapter uses.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Store is a store.Adapter over a DynamoDB table keyed by "id" with one
// global secondary index per indexed field.
type Store struct {
	client API
	table  string
}

var _ store.Adapter = (*Store)(nil)

// New constructs a DynamoDB-backed adapter.
func New(client API, table string) *Store {
	return &Store{client: client, table: table}
}

func (s *Store) Table() string {
	return s.table
}

func (s *Store) Get(ctx context.Context, key string) (*store.Item, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            keyOf(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, classify("get item", err)
	}
	if len(out.Item) == 0 {
		return nil, sentinel.ErrNotFound
	}
	var item store.Item
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("decode item %q: %w", key, err)
	}
	return &item, nil
}

func (s *Store) Put(ctx context.Context, item store.Item) error {
	if err := store.ValidateItem(item); err != nil {
		return err
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("encode item %q: %w", item.ID, err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      av,
	})
	if err != nil {
		return classify("put item", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       keyOf(key),
	})
	if err != nil {
		return classify("delete item", err)
	}
	return nil
}

// QueryByIndex follows LastEvaluatedKey until the index is exhausted.
func (s *Store) QueryByIndex(ctx context.Context, field store.Field, value string) ([]store.Item, error) {
	if !field.Valid() {
		return nil, store.ErrValidation
	}
	if value == "" {
		return nil, nil
	}
	input := &dynamodb.QueryInput{
		TableName:                aws.String(s.table),
		IndexName:                aws.String(store.IndexName(s.table, field)),
		KeyConditionExpression:   aws.String("#f = :v"),
		ExpressionAttributeNames: map[string]string{"#f": string(field)},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberS{Value: value},
		},
		Select: types.SelectAllAttributes,
	}

	var items []store.Item
	for {
		out, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, classify("query "+string(field), err)
		}
		page, err := decodeItems(out.Items)
		if err != nil {
			return nil, err
		}
		items = append(items, page...)
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (s *Store) Scan(ctx context.Context, pageToken string, limit int) (store.Page, error) {
	after, err := store.DecodePageToken(pageToken)
	if err != nil {
		return store.Page{}, err
	}
	input := &dynamodb.ScanInput{
		TableName: aws.String(s.table),
		Limit:     aws.Int32(int32(store.PageSize(limit))),
	}
	if after != "" {
		input.ExclusiveStartKey = keyOf(after)
	}
	out, err := s.client.Scan(ctx, input)
	if err != nil {
		return store.Page{}, classify("scan", err)
	}
	items, err := decodeItems(out.Items)
	if err != nil {
		return store.Page{}, err
	}
	page := store.Page{Items: items}
	if last, ok := out.LastEvaluatedKey["id"].(*types.AttributeValueMemberS); ok {
		page.NextToken = store.EncodePageToken(last.Value)
	}
	return page, nil
}

func (s *Store) Transact(ctx context.Context, ops []store.Op) error {
	if err := store.ValidateTransaction(ops); err != nil {
		return err
	}
	items := make([]types.TransactWriteItem, 0, len(ops))
	for _, op := range ops {
		twi, err := s.transactItem(op)
		if err != nil {
			return err
		}
		items = append(items, twi)
	}
	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems:          items,
		ReturnConsumedCapacity: types.ReturnConsumedCapacityTotal,
	})
	if err != nil {
		return transactionError(ops, err)
	}
	return nil
}

func (s *Store) transactItem(op store.Op) (types.TransactWriteItem, error) {
	cond := conditionExpression(op.Condition)
	switch op.Kind {
	case store.OpPut:
		av, err := attributevalue.MarshalMap(op.Item)
		if err != nil {
			return types.TransactWriteItem{}, fmt.Errorf("encode item %q: %w", op.Key, err)
		}
		return types.TransactWriteItem{Put: &types.Put{
			TableName:                           aws.String(s.table),
			Item:                                av,
			ConditionExpression:                 cond,
			ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureNone,
		}}, nil
	case store.OpUpdate:
		expr, names, values := updateExpression(op.Item)
		return types.TransactWriteItem{Update: &types.Update{
			TableName:                           aws.String(s.table),
			Key:                                 keyOf(op.Key),
			UpdateExpression:                    aws.String(expr),
			ExpressionAttributeNames:            names,
			ExpressionAttributeValues:           values,
			ConditionExpression:                 cond,
			ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureNone,
		}}, nil
	case store.OpDelete:
		return types.TransactWriteItem{Delete: &types.Delete{
			TableName:                           aws.String(s.table),
			Key:                                 keyOf(op.Key),
			ConditionExpression:                 cond,
			ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureNone,
		}}, nil
	}
	return types.TransactWriteItem{}, fmt.Errorf("%w: unknown operation kind %d", store.ErrValidation, op.Kind)
}

// updateExpression sets every non-empty attribute and removes empty ones,
// since GSI key attributes may not hold empty strings.
func updateExpression(item store.Item) (string, map[string]string, map[string]types.AttributeValue) {
	names := map[string]string{"#p": "profile"}
	values := map[string]types.AttributeValue{":p": &types.AttributeValueMemberS{Value: item.Profile}}
	sets := []string{"#p = :p"}
	var removes []string

	placeholders := map[store.Field]string{
		store.FieldPrimaryEmail:    "pe",
		store.FieldUUID:            "u",
		store.FieldPrimaryUsername: "pn",
		store.FieldSequenceNumber:  "sn",
	}
	for _, field := range store.IndexedFields {
		ph := placeholders[field]
		names["#"+ph] = string(field)
		if v := item.Attr(field); v != "" {
			values[":"+ph] = &types.AttributeValueMemberS{Value: v}
			sets = append(sets, fmt.Sprintf("#%s = :%s", ph, ph))
		} else {
			removes = append(removes, "#"+ph)
		}
	}

	expr := "SET " + strings.Join(sets, ", ")
	if len(removes) > 0 {
		expr += " REMOVE " + strings.Join(removes, ", ")
	}
	return expr, names, values
}

func conditionExpression(c store.Condition) *string {
	switch c {
	case store.ConditionExists, store.ConditionNotExists:
		return aws.String(c.String())
	}
	return nil
}

func keyOf(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: key}}
}

func decodeItems(raw []map[string]types.AttributeValue) ([]store.Item, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	items := make([]store.Item, 0, len(raw))
	if err := attributevalue.UnmarshalListOfMaps(raw, &items); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}
	return items, nil
}

func transactionError(ops []store.Op, err error) error {
	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		txErr := &store.TransactionError{}
		for i, r := range canceled.CancellationReasons {
			reason := store.CancellationReason{Index: i, Code: store.ReasonCode(aws.ToString(r.Code)), Message: aws.ToString(r.Message)}
			if reason.Code == "" {
				reason.Code = store.ReasonNone
			}
			if i < len(ops) {
				reason.Key = ops[i].Key
			}
			txErr.Reasons = append(txErr.Reasons, reason)
		}
		return txErr
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ValidationException" {
		return &store.TransactionError{Validation: apiErr.ErrorMessage()}
	}
	return classify("transact write items", err)
}

func classify(op string, err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return store.Unavailable(op, err)
	}
	switch apiErr.ErrorCode() {
	case "ValidationException":
		return fmt.Errorf("%s: %w: %s", op, store.ErrValidation, apiErr.ErrorMessage())
	case "ProvisionedThroughputExceededException", "ThrottlingException",
		"RequestLimitExceeded", "InternalServerError", "ServiceUnavailable",
		"ResourceNotFoundException":
		return store.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
