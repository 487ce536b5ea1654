// Package miniokv stores kv entries in MinIO or any S3-compatible service
// reachable through minio-go.
package miniokv

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/minio/minio-go/v7"

	"github.com/calvinalkan/docvault/pkg/kv"
)

// Store implements [kv.Store] on a MinIO bucket. SetMany is not atomic.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
}

var _ kv.Store = (*Store)(nil)

// New returns a store writing to bucket below prefix.
func New(client *minio.Client, bucket, prefix string) *Store {
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
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, s.wrap("get", key, err)
	}

	defer func() { _ = obj.Close() }()

	// GetObject is lazy; a missing key surfaces on the first read.
	b, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.wrap("get", key, err)
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
		_, err := s.client.PutObject(ctx, s.bucket, s.key(e.Key), bytes.NewReader(e.Value), int64(len(e.Value)), minio.PutObjectOptions{
			ContentType: "application/octet-stream",
		})
		if err != nil {
			return s.wrap("put", e.Key, err)
		}
	}

	return nil
}

// Delete implements [kv.Store].
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		err := s.client.RemoveObject(ctx, s.bucket, s.key(key), minio.RemoveObjectOptions{})
		if err != nil && !isNotFound(err) {
			return s.wrap("delete", key, err)
		}
	}

	return nil
}

func (s *Store) wrap(op, key string, err error) error {
	if isNotFound(err) {
		return kv.ErrNotFound
	}

	return fmt.Errorf("minio %s %q: %w", op, key, err)
}

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code

	return code == "NoSuchKey" || code == "NotFound"
}
