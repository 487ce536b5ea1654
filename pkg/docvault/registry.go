package docvault

import (
	"context"
	"errors"
	"fmt"
)

// ErrDuplicateStore is returned when two stores share a table name.
var ErrDuplicateStore = errors.New("duplicate store")

// Initializable is a store that prepares its table before use.
// *docstore.Store satisfies it.
type Initializable interface {
	TableName() string
	Initialize(ctx context.Context) error
}

// Registry is an ordered set of stores keyed by table name.
type Registry struct {
	stores []Initializable
	byName map[string]Initializable
}

// NewRegistry returns a registry holding stores in the given order.
func NewRegistry(stores ...Initializable) (*Registry, error) {
	r := &Registry{byName: make(map[string]Initializable, len(stores))}

	for _, s := range stores {
		err := r.Register(s)
		if err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Register appends s. Table names must be unique.
func (r *Registry) Register(s Initializable) error {
	if r.byName == nil {
		r.byName = make(map[string]Initializable)
	}

	name := s.TableName()
	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("register %s: %w", name, ErrDuplicateStore)
	}

	r.byName[name] = s
	r.stores = append(r.stores, s)

	return nil
}

// Lookup returns the store for table name.
func (r *Registry) Lookup(name string) (Initializable, bool) {
	s, ok := r.byName[name]

	return s, ok
}

// Names returns the table names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.stores))
	for i, s := range r.stores {
		names[i] = s.TableName()
	}

	return names
}

// Init initializes every store in registration order and stops at the
// first failure.
func (r *Registry) Init(ctx context.Context) error {
	for _, s := range r.stores {
		err := s.Initialize(ctx)
		if err != nil {
			return fmt.Errorf("init %s: %w", s.TableName(), err)
		}
	}

	return nil
}
