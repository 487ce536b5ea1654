package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"

	"github.com/calvinalkan/docvault/internal/logging"
	"github.com/calvinalkan/docvault/pkg/txn"
)

// ID is the set of document key types.
type ID interface {
	~string | ~int | ~int64
}

// Document is a record with a unique key of type K.
type Document[K ID] interface {
	DocumentID() K
}

// Backend is the transaction and read surface a store runs on.
// *txn.Coordinator satisfies it.
type Backend interface {
	Txn(ctx context.Context, description string, action txn.Action) error
	Run(ctx context.Context, id txn.ID, query string, args ...any) error
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Option configures a [Store].
type Option[T any] func(*options[T])

type options[T any] struct {
	codec       Codec[T]
	logger      *slog.Logger
	autoMigrate bool
}

// WithCodec replaces the default [JSONCodec].
func WithCodec[T any](c Codec[T]) Option[T] {
	return func(o *options[T]) { o.codec = c }
}

// WithLogger sets the logger. Defaults to a discard logger.
func WithLogger[T any](l *slog.Logger) Option[T] {
	return func(o *options[T]) { o.logger = l }
}

// WithAutoMigrate controls whether [Store.Initialize] adds missing index
// columns to an existing table. Enabled by default.
func WithAutoMigrate[T any](enabled bool) Option[T] {
	return func(o *options[T]) { o.autoMigrate = enabled }
}

// Store maps documents of type T, keyed by K, to rows of one table.
//
// Each row holds the key in "id", the encoded document in "json", and one
// column per [Index]. The blob is authoritative; index columns are derived
// from it on every write and can be rebuilt at any time with [Store.Rebuild].
//
// Reads run directly on the backend. Writes take the [txn.ID] of a
// transaction opened through the backend and fail with
// [txn.ErrTransactionMismatch] if it is not current.
type Store[K ID, T Document[K]] struct {
	backend     Backend
	table       string
	indexes     []Index[T]
	columns     []string
	idType      ColumnType
	codec       Codec[T]
	logger      *slog.Logger
	autoMigrate bool
}

// New returns a store for table with the given indexes, in column order.
// Call [Store.Initialize] before use.
func New[K ID, T Document[K]](backend Backend, table string, indexes []Index[T], opts ...Option[T]) (*Store[K, T], error) {
	if backend == nil {
		return nil, errors.New("docstore: backend is nil")
	}

	err := validateSchema(table, indexes)
	if err != nil {
		return nil, fmt.Errorf("docstore: %w", err)
	}

	o := options[T]{codec: JSONCodec[T]{}, autoMigrate: true}
	for _, opt := range opts {
		opt(&o)
	}

	if o.logger == nil {
		o.logger = logging.Discard()
	}

	columns := make([]string, 0, len(indexes)+2)
	columns = append(columns, colID, colJSON)

	for _, idx := range indexes {
		columns = append(columns, idx.Name)
	}

	idType := ColInt

	var zero K
	if reflect.TypeOf(zero).Kind() == reflect.String {
		idType = ColText
	}

	return &Store[K, T]{
		backend:     backend,
		table:       table,
		indexes:     append([]Index[T](nil), indexes...),
		columns:     columns,
		idType:      idType,
		codec:       o.codec,
		logger:      o.logger.With("table", table),
		autoMigrate: o.autoMigrate,
	}, nil
}

// TableName returns the table the store writes to.
func (s *Store[K, T]) TableName() string {
	return s.table
}

// Columns returns the name mapping used by query clauses.
func (s *Store[K, T]) Columns() *Columns {
	return newColumns(s.indexes)
}

// Initialize creates the table if it does not exist.
//
// For an existing table with auto-migration enabled, index columns missing
// from the table are added and every row is rewritten from its blob so the
// new columns are populated, all in one transaction. Columns are never
// dropped. If the table layout cannot be read, the failure is logged and
// migration skipped.
func (s *Store[K, T]) Initialize(ctx context.Context) error {
	exists, err := s.tableExists(ctx)
	if err != nil {
		return withContext(fmt.Errorf("initialize: %w", err), s.table, nil)
	}

	if !exists {
		err = s.backend.Txn(ctx, s.table+" create table", func(ctx context.Context, id txn.ID) error {
			runErr := s.backend.Run(ctx, id, buildCreateTableSQL(s.table, s.idType, s.indexes))
			if runErr != nil {
				return runErr
			}

			return s.createColumnIndexes(ctx, id, s.indexes)
		})
		if err != nil {
			return withContext(fmt.Errorf("create table: %w", err), s.table, nil)
		}

		s.logger.Info("table created", "indexes", len(s.indexes))

		return nil
	}

	if !s.autoMigrate {
		return nil
	}

	existing, err := s.tableColumns(ctx)
	if err != nil || len(existing) == 0 {
		if err == nil {
			err = errors.New("no columns reported")
		}

		s.logger.Warn("skipping migration", "error", fmt.Errorf("%w: %w", ErrMigrationIntrospection, err))

		return nil
	}

	have := make(map[string]struct{}, len(existing))
	for _, col := range existing {
		have[col] = struct{}{}
	}

	var missing []Index[T]

	for _, idx := range s.indexes {
		if _, ok := have[idx.Name]; !ok {
			missing = append(missing, idx)
		}
	}

	if len(missing) == 0 {
		return nil
	}

	names := make([]string, len(missing))
	for i, idx := range missing {
		names[i] = idx.Name
	}

	s.logger.Info("adding missing columns", "columns", names)

	err = s.backend.Txn(ctx, s.table+" add missing columns", func(ctx context.Context, id txn.ID) error {
		for _, idx := range missing {
			runErr := s.backend.Run(ctx, id, buildAddColumnSQL(s.table, idx))
			if runErr != nil {
				return runErr
			}
		}

		runErr := s.createColumnIndexes(ctx, id, missing)
		if runErr != nil {
			return runErr
		}

		return s.Rebuild(ctx, id)
	})
	if err != nil {
		return withContext(fmt.Errorf("migrate: %w", err), s.table, nil)
	}

	return nil
}

// createColumnIndexes adds a SQL index per index column so clause filters
// do not scan the table.
func (s *Store[K, T]) createColumnIndexes(ctx context.Context, id txn.ID, indexes []Index[T]) error {
	for _, idx := range indexes {
		stmt := "CREATE INDEX IF NOT EXISTS idx_" + s.table + "_" + idx.Name + " ON " + s.table + " (" + idx.Name + ")"

		err := s.backend.Run(ctx, id, stmt)
		if err != nil {
			return err
		}
	}

	return nil
}

func (s *Store[K, T]) tableExists(ctx context.Context) (bool, error) {
	rows, err := s.backend.Query(ctx, "SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?", s.table)
	if err != nil {
		return false, err
	}

	defer func() { _ = rows.Close() }()

	found := rows.Next()

	return found, rows.Err()
}

func (s *Store[K, T]) tableColumns(ctx context.Context) ([]string, error) {
	rows, err := s.backend.Query(ctx, "SELECT name FROM pragma_table_info(?)", s.table)
	if err != nil {
		return nil, err
	}

	defer func() { _ = rows.Close() }()

	var cols []string

	for rows.Next() {
		var name string

		err = rows.Scan(&name)
		if err != nil {
			return nil, err
		}

		cols = append(cols, name)
	}

	return cols, rows.Err()
}

// keyArg converts a key to the value bound as a statement argument.
func keyArg[K ID](k K) any {
	rv := reflect.ValueOf(k)
	if rv.Kind() == reflect.String {
		return rv.String()
	}

	return rv.Int()
}

// keyFromColumn converts a scanned id column back to K.
func keyFromColumn[K ID](v any) (K, error) {
	var k K

	rv := reflect.ValueOf(&k).Elem()

	switch x := v.(type) {
	case string:
		if rv.Kind() == reflect.String {
			rv.SetString(x)

			return k, nil
		}

		n, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return k, fmt.Errorf("id %q is not an integer", x)
		}

		rv.SetInt(n)
	case []byte:
		return keyFromColumn[K](string(x))
	case int64:
		if rv.Kind() == reflect.String {
			rv.SetString(strconv.FormatInt(x, 10))

			return k, nil
		}

		rv.SetInt(x)
	default:
		return k, fmt.Errorf("unsupported id column type %T", v)
	}

	return k, nil
}

func formatKeys[K ID](keys []K) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = fmt.Sprint(keyArg(k))
	}

	return out
}
