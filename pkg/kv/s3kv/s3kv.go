// Package s3kv stores kv entries as objects in an Amazon S3 bucket.
package s3kv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/calvinalkan/docvault/pkg/kv"
)

// API is the subset of the S3 client the store calls. *s3.Client satisfies it.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// Store implements [kv.Store] on S3. Each key is one object below prefix.
// SetMany writes objects in order and is not atomic.
type Store struct {
	client API
	bucket string
	prefix string
}

var _ kv.Store = (*Store)(nil)

// New returns a store writing to bucket. prefix is prepended to every key
// (e.g. "vaults/").
func New(client API, bucket, prefix string) *Store {
	return &Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *Store) key(name string) string {
	if s.prefix == "" {
		return name
	}

	return path.Join(s.prefix, name)
}

// Get implements [kv.Store].
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, kv.ErrNotFound
		}

		return nil, fmt.Errorf("s3 get %q: %w", key, err)
	}

	defer func() { _ = resp.Body.Close() }()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read %q: %w", key, err)
	}

	return b, nil
}

// GetMany implements [kv.Store].
func (s *Store) GetMany(ctx context.Context, keys []string) ([][]byte, error) {
	return kv.GetManyEach(ctx, keys, s.Get)
}

// SetMany implements [kv.Store].
func (s *Store) SetMany(ctx context.Context, entries []kv.Entry) error {
	for _, e := range entries {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(s.key(e.Key)),
			Body:          bytes.NewReader(e.Value),
			ContentLength: aws.Int64(int64(len(e.Value))),
			ContentType:   aws.String("application/octet-stream"),
		})
		if err != nil {
			return fmt.Errorf("s3 put %q: %w", e.Key, err)
		}
	}

	return nil
}

// Delete implements [kv.Store].
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	ids := make([]types.ObjectIdentifier, len(keys))
	for i, key := range keys {
		ids[i] = types.ObjectIdentifier{Key: aws.String(s.key(key))}
	}

	out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.bucket),
		Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return fmt.Errorf("s3 delete: %w", err)
	}

	if out != nil && len(out.Errors) > 0 {
		first := out.Errors[0]

		return fmt.Errorf("s3 delete %q: %s", aws.ToString(first.Key), aws.ToString(first.Message))
	}

	return nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}

	// S3-compatible servers often return a generic API error with the code.
	var apiErr smithy.APIError

	return errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NoSuchKey" || apiErr.ErrorCode() == "NotFound")
}
