package kv

import (
	"bytes"
	"context"
	"sync"
)

// Memory is an in-process [Store]. SetMany is atomic.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Get implements [Store].
func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	err := ctx.Err()
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}

	return bytes.Clone(v), nil
}

// GetMany implements [Store].
func (m *Memory) GetMany(ctx context.Context, keys []string) ([][]byte, error) {
	err := ctx.Err()
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([][]byte, len(keys))

	for i, key := range keys {
		if v, ok := m.data[key]; ok {
			out[i] = bytes.Clone(v)
		}
	}

	return out, nil
}

// SetMany implements [Store].
func (m *Memory) SetMany(ctx context.Context, entries []Entry) error {
	err := ctx.Err()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range entries {
		v := bytes.Clone(e.Value)
		if v == nil {
			v = []byte{}
		}

		m.data[e.Key] = v
	}

	return nil
}

// Delete implements [Store].
func (m *Memory) Delete(ctx context.Context, keys ...string) error {
	err := ctx.Err()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		delete(m.data, key)
	}

	return nil
}

// Len returns the number of keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.data)
}
