package engine

import (
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// sqliteRecursive is SQLITE_RECURSIVE, which go-sqlite3 does not export.
const sqliteRecursive = 33

// readPragmas are pragmas that only report on the schema.
var readPragmas = map[string]bool{
	"table_info":       true,
	"table_xinfo":      true,
	"table_list":       true,
	"index_list":       true,
	"index_info":       true,
	"index_xinfo":      true,
	"foreign_key_list": true,
}

// installAuthorizer registers the callback that denies writes while
// readOnly is set. SQLite asks it once per action while preparing a
// statement, including every statement of a multi-statement query.
func (e *Engine) installAuthorizer() error {
	err := e.conn.Raw(func(driverConn any) error {
		c, ok := driverConn.(*sqlite3.SQLiteConn)
		if !ok {
			return fmt.Errorf("unexpected driver connection %T", driverConn)
		}

		c.RegisterAuthorizer(e.authorize)

		return nil
	})
	if err != nil {
		return fmt.Errorf("install authorizer: %w", err)
	}

	return nil
}

func (e *Engine) authorize(op int, arg1, arg2, _ string) int {
	if !e.readOnly.Load() {
		return sqlite3.SQLITE_OK
	}

	switch op {
	case sqlite3.SQLITE_SELECT, sqlite3.SQLITE_READ, sqlite3.SQLITE_FUNCTION, sqliteRecursive:
		return sqlite3.SQLITE_OK
	case sqlite3.SQLITE_PRAGMA:
		if readPragmas[arg1] || arg2 == "" && (arg1 == "user_version" || arg1 == "schema_version") {
			return sqlite3.SQLITE_OK
		}
	}

	return sqlite3.SQLITE_DENY
}
