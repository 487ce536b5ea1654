// Package dynamokv stores kv entries as items in a DynamoDB table.
//
// The table needs a string partition key named "pk". Values live in the
// binary attribute "v". SetMany uses TransactWriteItems, so a snapshot and its
// nonce and salt land together or not at all.
//
// DynamoDB caps items at 400 KB, which bounds the snapshot size this backend
// can hold.
//
//	aws dynamodb create-table \
//	  --table-name docvault \
//	  --attribute-definitions AttributeName=pk,AttributeType=S \
//	  --key-schema AttributeName=pk,KeyType=HASH \
//	  --billing-mode PAY_PER_REQUEST
package dynamokv

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/calvinalkan/docvault/pkg/kv"
)

const (
	attrKey   = "pk"
	attrValue = "v"

	// MaxItemBytes is the DynamoDB item size limit.
	MaxItemBytes = 400 * 1024

	// maxTransactItems is the TransactWriteItems limit per request.
	maxTransactItems = 100

	// maxBatchGetKeys is the BatchGetItem limit per request.
	maxBatchGetKeys = 100

	// maxUnprocessedRetries bounds BatchGetItem retries of unprocessed keys.
	maxUnprocessedRetries = 5
)

var (
	// ErrValueTooLarge is returned by SetMany for values over [MaxItemBytes].
	ErrValueTooLarge = errors.New("dynamokv: value exceeds item size limit")

	// ErrTooManyEntries is returned by SetMany for more entries than one
	// transaction can hold.
	ErrTooManyEntries = errors.New("dynamokv: too many entries for one transaction")
)

// API is the subset of the DynamoDB client the store calls.
// *dynamodb.Client satisfies it.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	BatchGetItem(ctx context.Context, params *dynamodb.BatchGetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Store implements [kv.Store] on one DynamoDB table.
type Store struct {
	client API
	table  string
	prefix string
}

var _ kv.Store = (*Store)(nil)

// New returns a store on table. prefix is prepended to every key.
func New(client API, table, prefix string) *Store {
	return &Store{client: client, table: table, prefix: prefix}
}

func (s *Store) itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrKey: &types.AttributeValueMemberS{Value: s.prefix + key},
	}
}

// Get implements [kv.Store].
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb get %q: %w", key, err)
	}

	if len(out.Item) == 0 {
		return nil, kv.ErrNotFound
	}

	return itemValue(out.Item)
}

// GetMany implements [kv.Store].
func (s *Store) GetMany(ctx context.Context, keys []string) ([][]byte, error) {
	out := make([][]byte, len(keys))
	index := make(map[string][]int, len(keys))

	for i, key := range keys {
		index[s.prefix+key] = append(index[s.prefix+key], i)
	}

	unique := make([]string, 0, len(index))
	for full := range index {
		unique = append(unique, full)
	}

	for start := 0; start < len(unique); start += maxBatchGetKeys {
		end := min(start+maxBatchGetKeys, len(unique))

		reqKeys := make([]map[string]types.AttributeValue, 0, end-start)
		for _, full := range unique[start:end] {
			reqKeys = append(reqKeys, map[string]types.AttributeValue{
				attrKey: &types.AttributeValueMemberS{Value: full},
			})
		}

		pending := map[string]types.KeysAndAttributes{
			s.table: {Keys: reqKeys, ConsistentRead: aws.Bool(true)},
		}

		for attempt := 0; len(pending) > 0; attempt++ {
			if attempt > maxUnprocessedRetries {
				return nil, errors.New("dynamodb batch get: unprocessed keys after retries")
			}

			resp, err := s.client.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{RequestItems: pending})
			if err != nil {
				return nil, fmt.Errorf("dynamodb batch get: %w", err)
			}

			for _, item := range resp.Responses[s.table] {
				k, ok := item[attrKey].(*types.AttributeValueMemberS)
				if !ok {
					continue
				}

				v, err := itemValue(item)
				if err != nil {
					return nil, err
				}

				for _, i := range index[k.Value] {
					out[i] = v
				}
			}

			pending = resp.UnprocessedKeys
		}
	}

	return out, nil
}

// SetMany implements [kv.Store]. All entries are written in one transaction.
func (s *Store) SetMany(ctx context.Context, entries []kv.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	if len(entries) > maxTransactItems {
		return fmt.Errorf("%w: %d > %d", ErrTooManyEntries, len(entries), maxTransactItems)
	}

	items := make([]types.TransactWriteItem, len(entries))

	for i, e := range entries {
		if len(e.Value) > MaxItemBytes {
			return fmt.Errorf("%w: %q is %d bytes", ErrValueTooLarge, e.Key, len(e.Value))
		}

		item := s.itemKey(e.Key)
		item[attrValue] = &types.AttributeValueMemberB{Value: e.Value}

		items[i] = types.TransactWriteItem{
			Put: &types.Put{TableName: aws.String(s.table), Item: item},
		}
	}

	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		return fmt.Errorf("dynamodb transact write: %w", err)
	}

	return nil
}

// Delete implements [kv.Store]. All keys are removed in one transaction.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	if len(keys) > maxTransactItems {
		return fmt.Errorf("%w: %d > %d", ErrTooManyEntries, len(keys), maxTransactItems)
	}

	items := make([]types.TransactWriteItem, len(keys))
	for i, key := range keys {
		items[i] = types.TransactWriteItem{
			Delete: &types.Delete{TableName: aws.String(s.table), Key: s.itemKey(key)},
		}
	}

	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		return fmt.Errorf("dynamodb transact delete: %w", err)
	}

	return nil
}

func itemValue(item map[string]types.AttributeValue) ([]byte, error) {
	switch v := item[attrValue].(type) {
	case *types.AttributeValueMemberB:
		if v.Value == nil {
			return []byte{}, nil
		}

		return v.Value, nil
	case nil:
		// DynamoDB drops empty binary attributes on some paths.
		return []byte{}, nil
	default:
		return nil, fmt.Errorf("dynamodb: attribute %q has type %T, want binary", attrValue, v)
	}
}
