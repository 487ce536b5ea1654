package docstore

import (
	"errors"
	"fmt"
	"strings"
)

// ColumnType represents SQLite storage classes.
type ColumnType uint8

// SQLite column types.
const (
	ColText ColumnType = iota
	ColInt
	ColReal
	ColBlob
)

func (t ColumnType) String() string {
	switch t {
	case ColInt:
		return "INTEGER"
	case ColReal:
		return "REAL"
	case ColBlob:
		return "BLOB"
	default:
		return "TEXT"
	}
}

// Reserved column names.
const (
	colID   = "id"
	colJSON = "json"
)

// Index derives one secondary column from a document.
//
// Value must be a pure function of the document. Its result is stored as-is
// (booleans as 0/1, nil as NULL) and is never written by callers directly.
type Index[T any] struct {
	Name  string
	Type  ColumnType
	Value func(doc T) any
}

// Text returns a TEXT index.
func Text[T any](name string, fn func(T) string) Index[T] {
	return Index[T]{Name: name, Type: ColText, Value: func(doc T) any { return fn(doc) }}
}

// Int returns an INTEGER index.
func Int[T any](name string, fn func(T) int64) Index[T] {
	return Index[T]{Name: name, Type: ColInt, Value: func(doc T) any { return fn(doc) }}
}

// Real returns a REAL index.
func Real[T any](name string, fn func(T) float64) Index[T] {
	return Index[T]{Name: name, Type: ColReal, Value: func(doc T) any { return fn(doc) }}
}

// Bool returns an INTEGER index holding 0 or 1.
func Bool[T any](name string, fn func(T) bool) Index[T] {
	return Index[T]{Name: name, Type: ColInt, Value: func(doc T) any { return fn(doc) }}
}

// validateSchema checks identifiers and index definitions.
func validateSchema[T any](table string, indexes []Index[T]) error {
	if table == "" {
		return errors.New("schema: table name is required")
	}

	if !isValidIdentifier(table) {
		return fmt.Errorf("schema: invalid table name %q: must match [a-z_][a-z0-9_]*", table)
	}

	if strings.HasPrefix(table, "sqlite_") {
		return fmt.Errorf("schema: table name %q uses the reserved sqlite_ prefix", table)
	}

	seen := make(map[string]struct{}, len(indexes))

	for _, idx := range indexes {
		if !isValidIdentifier(idx.Name) {
			return fmt.Errorf("schema: invalid index name %q: must match [a-z_][a-z0-9_]*", idx.Name)
		}

		if idx.Name == colID || idx.Name == colJSON {
			return fmt.Errorf("schema: index name %q is reserved", idx.Name)
		}

		if _, ok := seen[idx.Name]; ok {
			return fmt.Errorf("schema: duplicate index %q", idx.Name)
		}

		if idx.Value == nil {
			return fmt.Errorf("schema: index %q has no value function", idx.Name)
		}

		if idx.Type > ColBlob {
			return fmt.Errorf("schema: index %q has unknown type %d", idx.Name, idx.Type)
		}

		seen[idx.Name] = struct{}{}
	}

	return nil
}

// isValidIdentifier checks if s is a safe SQL identifier: a lowercase letter
// or underscore followed by lowercase letters, digits or underscores.
func isValidIdentifier(s string) bool {
	if s == "" {
		return false
	}

	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r == '_':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}

	return true
}

// buildCreateTableSQL generates the CREATE TABLE statement.
func buildCreateTableSQL[T any](table string, idType ColumnType, indexes []Index[T]) string {
	var b strings.Builder

	b.WriteString("CREATE TABLE ")
	b.WriteString(table)
	b.WriteString(" (\n    id ")
	b.WriteString(idType.String())
	b.WriteString(" PRIMARY KEY NOT NULL,\n    json TEXT NOT NULL")

	for _, idx := range indexes {
		b.WriteString(",\n    ")
		b.WriteString(idx.Name)
		b.WriteString(" ")
		b.WriteString(idx.Type.String())
	}

	b.WriteString("\n)")

	return b.String()
}

// buildAddColumnSQL generates the additive migration for one index.
func buildAddColumnSQL[T any](table string, idx Index[T]) string {
	return "ALTER TABLE " + table + " ADD COLUMN " + idx.Name + " " + idx.Type.String()
}

// buildInsertSQL generates a multi-row INSERT for all columns. With upsert
// set, an existing id has its blob and every index replaced.
//
// Example for 2 rows, 3 columns, upsert:
//
//	INSERT INTO t (id, json, a) VALUES (?, ?, ?), (?, ?, ?)
//	ON CONFLICT(id) DO UPDATE SET json = excluded.json, a = excluded.a
func buildInsertSQL(table string, columns []string, rows int, upsert bool) string {
	var b strings.Builder

	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(strings.Join(columns, ", "))
	b.WriteString(") VALUES ")

	rowPlaceholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"

	for i := range rows {
		if i > 0 {
			b.WriteString(", ")
		}

		b.WriteString(rowPlaceholder)
	}

	if upsert {
		b.WriteString(" ON CONFLICT(id) DO UPDATE SET ")

		for i, col := range columns[1:] {
			if i > 0 {
				b.WriteString(", ")
			}

			b.WriteString(col)
			b.WriteString(" = excluded.")
			b.WriteString(col)
		}
	}

	return b.String()
}

// placeholders returns "?, ?, ?" for n parameters.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// Columns maps index names to column names for query clauses. Referencing a
// name that is not an index (or "id") makes the query fail with
// [ErrUnknownColumn] instead of reaching the engine.
type Columns struct {
	known   map[string]struct{}
	unknown []string
}

func newColumns[T any](indexes []Index[T]) *Columns {
	known := make(map[string]struct{}, len(indexes)+1)
	known[colID] = struct{}{}

	for _, idx := range indexes {
		known[idx.Name] = struct{}{}
	}

	return &Columns{known: known}
}

// Name returns the column name for index name.
func (c *Columns) Name(name string) string {
	if _, ok := c.known[name]; !ok {
		c.unknown = append(c.unknown, name)
	}

	return name
}

// ID returns the primary key column name.
func (c *Columns) ID() string {
	return colID
}

func (c *Columns) err() error {
	if len(c.unknown) == 0 {
		return nil
	}

	return fmt.Errorf("%w: %s", ErrUnknownColumn, strings.Join(c.unknown, ", "))
}
