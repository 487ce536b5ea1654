package docstore

import (
	"context"
	"database/sql"
	"fmt"
)

// maxInKeys bounds the number of keys bound in one IN clause.
const maxInKeys = 500

// Optional is one result of [Store.TryGetMany]. Found is false when the
// requested key does not exist.
type Optional[T any] struct {
	Value T
	Found bool
}

// IndexRow is one row of [Store.QueryIndexes]: the key plus every index
// column by name, without decoding the blob.
type IndexRow[K ID] struct {
	ID     K
	Values map[string]any
}

// Get returns the document for key, or an error wrapping [ErrNotFound].
func (s *Store[K, T]) Get(ctx context.Context, key K) (T, error) {
	doc, ok, err := s.TryGet(ctx, key)
	if err != nil {
		var zero T

		return zero, err
	}

	if !ok {
		var zero T

		return zero, withContext(fmt.Errorf("get: %w", ErrNotFound), s.table, formatKeys([]K{key}))
	}

	return doc, nil
}

// TryGet returns the document for key. ok is false if it does not exist.
func (s *Store[K, T]) TryGet(ctx context.Context, key K) (doc T, ok bool, err error) {
	rows, err := s.backend.Query(ctx, "SELECT id, json FROM "+s.table+" WHERE id = ?", keyArg(key))
	if err != nil {
		return doc, false, withContext(fmt.Errorf("get: %w", err), s.table, formatKeys([]K{key}))
	}

	found, err := s.scanDocs(rows, func(_ K, d T) {
		doc = d
		ok = true
	})
	if err != nil {
		return doc, false, err
	}

	return doc, found > 0, nil
}

// GetMany returns the documents for keys in request order. If any key is
// missing, the error wraps [ErrNotFound] and its IDs list exactly the
// missing keys.
func (s *Store[K, T]) GetMany(ctx context.Context, keys []K) ([]T, error) {
	results, err := s.TryGetMany(ctx, keys)
	if err != nil {
		return nil, err
	}

	docs := make([]T, 0, len(results))

	var missing []K

	for i, r := range results {
		if !r.Found {
			missing = append(missing, keys[i])

			continue
		}

		docs = append(docs, r.Value)
	}

	if len(missing) > 0 {
		return nil, withContext(fmt.Errorf("get many: %w", ErrNotFound), s.table, formatKeys(missing))
	}

	return docs, nil
}

// TryGetMany returns one result per key, in request order. Duplicate keys
// each get their own result.
func (s *Store[K, T]) TryGetMany(ctx context.Context, keys []K) ([]Optional[T], error) {
	if len(keys) == 0 {
		return nil, nil
	}

	byKey := make(map[K]T, len(keys))

	for start := 0; start < len(keys); start += maxInKeys {
		chunk := keys[start:min(start+maxInKeys, len(keys))]

		args := make([]any, len(chunk))
		for i, k := range chunk {
			args[i] = keyArg(k)
		}

		query := "SELECT id, json FROM " + s.table + " WHERE id IN (" + placeholders(len(chunk)) + ")"

		rows, err := s.backend.Query(ctx, query, args...)
		if err != nil {
			return nil, withContext(fmt.Errorf("get many: %w", err), s.table, formatKeys(chunk))
		}

		_, err = s.scanDocs(rows, func(k K, d T) { byKey[k] = d })
		if err != nil {
			return nil, err
		}
	}

	out := make([]Optional[T], len(keys))

	for i, k := range keys {
		doc, ok := byKey[k]
		out[i] = Optional[T]{Value: doc, Found: ok}
	}

	return out, nil
}

// Exists reports whether a document with key exists.
func (s *Store[K, T]) Exists(ctx context.Context, key K) (bool, error) {
	rows, err := s.backend.Query(ctx, "SELECT 1 FROM "+s.table+" WHERE id = ? LIMIT 1", keyArg(key))
	if err != nil {
		return false, withContext(fmt.Errorf("exists: %w", err), s.table, formatKeys([]K{key}))
	}

	defer func() { _ = rows.Close() }()

	found := rows.Next()

	err = rows.Err()
	if err != nil {
		return false, withContext(fmt.Errorf("exists: %w", err), s.table, formatKeys([]K{key}))
	}

	return found, nil
}

// GetAll returns every document ordered by key.
func (s *Store[K, T]) GetAll(ctx context.Context) ([]T, error) {
	return s.query(ctx, "get all", "ORDER BY id")
}

// Query returns the documents matching a clause appended after
// "FROM <table>", such as "WHERE status = ? ORDER BY priority".
//
// The clause function receives the store's [Columns]; naming a column that
// is not an index fails with [ErrUnknownColumn] before anything runs.
//
//	open, err := notes.Query(ctx, func(c *docstore.Columns) string {
//	    return "WHERE " + c.Name("status") + " = ?"
//	}, "open")
func (s *Store[K, T]) Query(ctx context.Context, clause func(c *Columns) string, args ...any) ([]T, error) {
	sqlClause, err := s.clause(clause)
	if err != nil {
		return nil, err
	}

	return s.query(ctx, "query", sqlClause, args...)
}

// QueryIndexes is [Store.Query] returning index columns instead of decoded
// documents. A nil clause selects every row.
func (s *Store[K, T]) QueryIndexes(ctx context.Context, clause func(c *Columns) string, args ...any) ([]IndexRow[K], error) {
	sqlClause, err := s.clause(clause)
	if err != nil {
		return nil, err
	}

	selected := append([]string{colID}, s.columns[2:]...)

	query := "SELECT "
	for i, col := range selected {
		if i > 0 {
			query += ", "
		}

		query += col
	}

	query += " FROM " + s.table + " " + sqlClause

	rows, err := s.backend.Query(ctx, query, args...)
	if err != nil {
		return nil, withContext(fmt.Errorf("query indexes: %w", err), s.table, nil)
	}

	defer func() { _ = rows.Close() }()

	var out []IndexRow[K]

	for rows.Next() {
		vals := make([]any, len(selected))

		ptrs := make([]any, len(selected))
		for i := range vals {
			ptrs[i] = &vals[i]
		}

		err = rows.Scan(ptrs...)
		if err != nil {
			return nil, withContext(fmt.Errorf("query indexes: %w", err), s.table, nil)
		}

		key, err := keyFromColumn[K](vals[0])
		if err != nil {
			return nil, withContext(fmt.Errorf("query indexes: %w", err), s.table, nil)
		}

		row := IndexRow[K]{ID: key, Values: make(map[string]any, len(selected)-1)}

		for i, col := range selected[1:] {
			v := vals[i+1]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}

			row.Values[col] = v
		}

		out = append(out, row)
	}

	err = rows.Err()
	if err != nil {
		return nil, withContext(fmt.Errorf("query indexes: %w", err), s.table, nil)
	}

	return out, nil
}

// Count returns the number of documents.
func (s *Store[K, T]) Count(ctx context.Context) (int, error) {
	rows, err := s.backend.Query(ctx, "SELECT count(*) FROM "+s.table)
	if err != nil {
		return 0, withContext(fmt.Errorf("count: %w", err), s.table, nil)
	}

	defer func() { _ = rows.Close() }()

	var n int

	if rows.Next() {
		err = rows.Scan(&n)
		if err != nil {
			return 0, withContext(fmt.Errorf("count: %w", err), s.table, nil)
		}
	}

	err = rows.Err()
	if err != nil {
		return 0, withContext(fmt.Errorf("count: %w", err), s.table, nil)
	}

	return n, nil
}

func (s *Store[K, T]) clause(fn func(c *Columns) string) (string, error) {
	if fn == nil {
		return "", nil
	}

	cols := s.Columns()
	out := fn(cols)

	err := cols.err()
	if err != nil {
		return "", withContext(fmt.Errorf("query: %w", err), s.table, nil)
	}

	return out, nil
}

func (s *Store[K, T]) query(ctx context.Context, op, clause string, args ...any) ([]T, error) {
	rows, err := s.backend.Query(ctx, "SELECT id, json FROM "+s.table+" "+clause, args...)
	if err != nil {
		return nil, withContext(fmt.Errorf("%s: %w", op, err), s.table, nil)
	}

	var docs []T

	_, err = s.scanDocs(rows, func(_ K, d T) { docs = append(docs, d) })
	if err != nil {
		return nil, err
	}

	return docs, nil
}

// scanDocs decodes (id, json) rows, calling fn for each, and closes rows.
func (s *Store[K, T]) scanDocs(rows *sql.Rows, fn func(key K, doc T)) (int, error) {
	defer func() { _ = rows.Close() }()

	n := 0

	for rows.Next() {
		var (
			rawID any
			blob  []byte
		)

		err := rows.Scan(&rawID, &blob)
		if err != nil {
			return n, withContext(fmt.Errorf("scan: %w", err), s.table, nil)
		}

		key, err := keyFromColumn[K](rawID)
		if err != nil {
			return n, withContext(fmt.Errorf("scan: %w", err), s.table, nil)
		}

		var doc T

		err = s.codec.Unmarshal(blob, &doc)
		if err != nil {
			return n, withContext(fmt.Errorf("%w: %w", ErrDeserialization, err), s.table, formatKeys([]K{key}))
		}

		fn(key, doc)

		n++
	}

	err := rows.Err()
	if err != nil {
		return n, withContext(fmt.Errorf("scan: %w", err), s.table, nil)
	}

	return n, nil
}
