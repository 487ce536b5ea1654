// Package kv defines the key-value blob store that holds encrypted
// snapshots, with in-memory and directory backends.
//
// Remote backends live in subpackages: s3kv (Amazon S3), miniokv (MinIO and
// other S3-compatible services) and dynamokv (DynamoDB).
package kv

import (
	"context"
	"errors"
)

// ErrNotFound is returned by [Store.Get] when the key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// Entry is one key and value written by [Store.SetMany].
type Entry struct {
	Key   string
	Value []byte
}

// Store is a string-keyed blob store.
//
// Implementations must be safe for concurrent use. Returned values must not
// alias memory the store keeps; callers may modify them.
type Store interface {
	// Get returns the value for key or [ErrNotFound].
	Get(ctx context.Context, key string) ([]byte, error)

	// GetMany returns one value per key in input order. Missing keys yield
	// a nil entry rather than an error.
	GetMany(ctx context.Context, keys []string) ([][]byte, error)

	// SetMany writes all entries. Backends that can write atomically do so;
	// the others write in order and stop at the first failure.
	SetMany(ctx context.Context, entries []Entry) error

	// Delete removes keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
}

// GetManyEach implements GetMany on top of a single-key getter, mapping
// [ErrNotFound] to nil. Backends without a batch read use it.
func GetManyEach(ctx context.Context, keys []string, get func(ctx context.Context, key string) ([]byte, error)) ([][]byte, error) {
	out := make([][]byte, len(keys))

	for i, key := range keys {
		v, err := get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}

		if err != nil {
			return nil, err
		}

		out[i] = v
	}

	return out, nil
}
