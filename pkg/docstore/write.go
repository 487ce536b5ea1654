package docstore

import (
	"context"
	"fmt"

	"github.com/calvinalkan/docvault/pkg/txn"
)

// maxParams is the SQLite bound-parameter limit assumed per statement.
const maxParams = 999

// Set writes doc, replacing any document with the same key.
func (s *Store[K, T]) Set(ctx context.Context, id txn.ID, doc T) error {
	return s.write(ctx, id, "set", []T{doc}, true)
}

// SetMany writes docs as multi-row upserts. Index columns are recomputed for
// every row. An empty slice issues no statements.
func (s *Store[K, T]) SetMany(ctx context.Context, id txn.ID, docs []T) error {
	return s.write(ctx, id, "set many", docs, true)
}

// InsertMany writes docs with plain inserts. A key that already exists fails
// the statement with the engine's constraint error.
func (s *Store[K, T]) InsertMany(ctx context.Context, id txn.ID, docs []T) error {
	return s.write(ctx, id, "insert many", docs, false)
}

// Update loads the document for key, applies mutate, and writes the result.
// A missing key fails with [ErrNotFound]; an error from mutate is returned
// unchanged and nothing is written.
func (s *Store[K, T]) Update(ctx context.Context, id txn.ID, key K, mutate func(doc *T) error) (T, error) {
	doc, err := s.Get(ctx, key)
	if err != nil {
		return doc, err
	}

	err = mutate(&doc)
	if err != nil {
		var zero T

		return zero, err
	}

	err = s.Set(ctx, id, doc)
	if err != nil {
		var zero T

		return zero, err
	}

	return doc, nil
}

// Upsert applies mutate to the stored document with initial's key, or to
// initial itself when none exists, and writes the result.
func (s *Store[K, T]) Upsert(ctx context.Context, id txn.ID, initial T, mutate func(doc *T) error) (T, error) {
	doc, ok, err := s.TryGet(ctx, initial.DocumentID())
	if err != nil {
		return doc, err
	}

	if !ok {
		doc = initial
	}

	err = mutate(&doc)
	if err != nil {
		var zero T

		return zero, err
	}

	err = s.Set(ctx, id, doc)
	if err != nil {
		var zero T

		return zero, err
	}

	return doc, nil
}

// Remove deletes the document for key. A missing key is not an error.
func (s *Store[K, T]) Remove(ctx context.Context, id txn.ID, key K) error {
	return s.RemoveMany(ctx, id, []K{key})
}

// RemoveMany deletes the documents for keys. An empty slice issues no
// statements.
func (s *Store[K, T]) RemoveMany(ctx context.Context, id txn.ID, keys []K) error {
	for start := 0; start < len(keys); start += maxInKeys {
		chunk := keys[start:min(start+maxInKeys, len(keys))]

		args := make([]any, len(chunk))
		for i, k := range chunk {
			args[i] = keyArg(k)
		}

		err := s.backend.Run(ctx, id, "DELETE FROM "+s.table+" WHERE id IN ("+placeholders(len(chunk))+")", args...)
		if err != nil {
			return withContext(fmt.Errorf("remove: %w", err), s.table, formatKeys(chunk))
		}
	}

	return nil
}

// RemoveAll deletes every document.
func (s *Store[K, T]) RemoveAll(ctx context.Context, id txn.ID) error {
	err := s.backend.Run(ctx, id, "DELETE FROM "+s.table)
	if err != nil {
		return withContext(fmt.Errorf("remove all: %w", err), s.table, nil)
	}

	return nil
}

// Rebuild rewrites every row from its blob, recomputing all index columns.
func (s *Store[K, T]) Rebuild(ctx context.Context, id txn.ID) error {
	docs, err := s.GetAll(ctx)
	if err != nil {
		return err
	}

	err = s.SetMany(ctx, id, docs)
	if err != nil {
		return err
	}

	s.logger.Debug("rebuilt index columns", "rows", len(docs))

	return nil
}

func (s *Store[K, T]) write(ctx context.Context, id txn.ID, op string, docs []T, upsert bool) error {
	if len(docs) == 0 {
		return nil
	}

	width := len(s.columns)
	perStmt := max(1, maxParams/width)

	for start := 0; start < len(docs); start += perStmt {
		chunk := docs[start:min(start+perStmt, len(docs))]

		args := make([]any, 0, len(chunk)*width)

		for _, doc := range chunk {
			blob, err := s.codec.Marshal(doc)
			if err != nil {
				return withContext(fmt.Errorf("%s: encode: %w", op, err), s.table, formatKeys([]K{doc.DocumentID()}))
			}

			args = append(args, keyArg(doc.DocumentID()), string(blob))

			for _, idx := range s.indexes {
				args = append(args, idx.Value(doc))
			}
		}

		err := s.backend.Run(ctx, id, buildInsertSQL(s.table, s.columns, len(chunk), upsert), args...)
		if err != nil {
			return withContext(fmt.Errorf("%s: %w", op, err), s.table, docKeys[K](chunk))
		}
	}

	return nil
}

func docKeys[K ID, T Document[K]](docs []T) []string {
	keys := make([]K, len(docs))
	for i, d := range docs {
		keys[i] = d.DocumentID()
	}

	return formatKeys(keys)
}
