package engine

import (
	"context"
	"database/sql"
	"fmt"
)

// Sanitize normalizes statement arguments: booleans become 0/1 integers and
// nil stays NULL. Other values are passed through. The input is not modified.
func Sanitize(args []any) []any {
	if len(args) == 0 {
		return args
	}

	out := make([]any, len(args))

	for i, arg := range args {
		switch v := arg.(type) {
		case bool:
			if v {
				out[i] = int64(1)
			} else {
				out[i] = int64(0)
			}
		case *bool:
			switch {
			case v == nil:
				out[i] = nil
			case *v:
				out[i] = int64(1)
			default:
				out[i] = int64(0)
			}
		default:
			out[i] = arg
		}
	}

	return out
}

// QueryMaps runs query and flattens every row into a column-name keyed map.
// TEXT values come back as string, BLOB as []byte, numbers as int64 or
// float64, and NULL as nil.
func (e *Engine) QueryMaps(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := e.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	defer func() { _ = rows.Close() }()

	return ScanMaps(rows)
}

// ScanMaps drains rows into maps keyed by column name. It does not close rows.
func ScanMaps(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}

	out := []map[string]any{}

	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))

		for i := range vals {
			ptrs[i] = &vals[i]
		}

		err = rows.Scan(ptrs...)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = vals[i]
		}

		out = append(out, row)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return out, nil
}
