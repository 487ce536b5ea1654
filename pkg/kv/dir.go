package kv

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
)

// fileExt marks value files so stray files in the directory are ignored.
const fileExt = ".kv"

// Dir is a [Store] keeping one file per key in a directory.
//
// Each value is replaced atomically (write temp file, fsync, rename), so a
// crash leaves either the old or the new value. SetMany is not atomic across
// keys; entries are written in order. A crash part way through a vault save
// leaves a ciphertext and nonce from different saves, which the vault then
// reports as vault.ErrAuthenticationFailed, the same error a wrong passphrase
// gives. Use a store with atomic SetMany (Memory, dynamokv) where the two
// must be told apart.
type Dir struct {
	root string
}

// NewDir returns a store rooted at dir, creating it if needed.
func NewDir(dir string) (*Dir, error) {
	if dir == "" {
		return nil, errors.New("kv dir: path is empty")
	}

	err := os.MkdirAll(dir, 0o700)
	if err != nil {
		return nil, fmt.Errorf("kv dir: %w", err)
	}

	return &Dir{root: dir}, nil
}

// path maps key to a file name. Keys are hex encoded so any string is a
// valid, non-escaping file name.
func (d *Dir) path(key string) string {
	return filepath.Join(d.root, hex.EncodeToString([]byte(key))+fileExt)
}

// Get implements [Store].
func (d *Dir) Get(ctx context.Context, key string) ([]byte, error) {
	err := ctx.Err()
	if err != nil {
		return nil, err
	}

	b, err := os.ReadFile(d.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("kv dir: read %q: %w", key, err)
	}

	return b, nil
}

// GetMany implements [Store].
func (d *Dir) GetMany(ctx context.Context, keys []string) ([][]byte, error) {
	return GetManyEach(ctx, keys, d.Get)
}

// SetMany implements [Store].
func (d *Dir) SetMany(ctx context.Context, entries []Entry) error {
	for _, e := range entries {
		err := ctx.Err()
		if err != nil {
			return err
		}

		err = atomic.WriteFile(d.path(e.Key), bytes.NewReader(e.Value))
		if err != nil {
			return fmt.Errorf("kv dir: write %q: %w", e.Key, err)
		}
	}

	return nil
}

// Delete implements [Store].
func (d *Dir) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		err := ctx.Err()
		if err != nil {
			return err
		}

		err = os.Remove(d.path(key))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("kv dir: remove %q: %w", key, err)
		}
	}

	return nil
}
