package docstore

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound indicates one or more requested documents do not exist.
	// The [*Error] carrying it lists exactly the missing ids.
	ErrNotFound = errors.New("not found")

	// ErrDeserialization indicates a stored blob failed to decode. The
	// [*Error] carrying it names the offending id.
	ErrDeserialization = errors.New("deserialize document")

	// ErrUnknownColumn indicates a query referenced a column that is not an
	// index of the store.
	ErrUnknownColumn = errors.New("unknown column")

	// ErrMigrationIntrospection indicates reading the table layout failed.
	// It is logged and the migration skipped; Initialize does not return it.
	ErrMigrationIntrospection = errors.New("migration introspection failed")
)

// Error is the uniform error type returned by [Store] operations.
//
// It appends table and document context to the cause:
//
//	get: not found (table=notes ids=a,c)
//
// Use [errors.As] to read the fields:
//
//	var dErr *docstore.Error
//	if errors.As(err, &dErr) {
//	    fmt.Println("missing:", dErr.IDs)
//	}
//
// and [errors.Is] for the sentinels:
//
//	if errors.Is(err, docstore.ErrNotFound) { ... }
type Error struct {
	// Table is the store's table name.
	Table string

	// IDs are the documents involved, formatted with fmt. For a not-found
	// batch read these are the missing ids in request order.
	IDs []string

	// Err is the underlying cause.
	Err error
}

// Error formats as "<cause> (table=X ids=a,b)".
func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	cause := ""
	if e.Err != nil {
		cause = e.Err.Error()
	}

	suffix := e.suffix()

	switch {
	case suffix == "":
		return cause
	case cause == "":
		return suffix
	default:
		return cause + " " + suffix
	}
}

// Unwrap returns the underlying error for use with [errors.Is] and [errors.As].
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

func (e *Error) suffix() string {
	var parts []string

	if e.Table != "" {
		parts = append(parts, "table="+e.Table)
	}

	if len(e.IDs) > 0 {
		parts = append(parts, "ids="+strings.Join(e.IDs, ","))
	}

	if len(parts) == 0 {
		return ""
	}

	return "(" + strings.Join(parts, " ") + ")"
}

// withContext attaches table and id context and returns *Error. An existing
// *Error keeps its fields; only empty ones are filled.
func withContext(err error, table string, ids []string) error {
	if err == nil {
		return nil
	}

	existing := &Error{}
	if errors.As(err, &existing) {
		if existing.Table == "" {
			existing.Table = table
		}

		if len(existing.IDs) == 0 {
			existing.IDs = ids
		}

		return err
	}

	return &Error{Table: table, IDs: ids, Err: err}
}
