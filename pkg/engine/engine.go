// Package engine wraps an in-memory SQLite database pinned to a single
// connection.
//
// The engine is the storage collaborator for the rest of docvault: it executes
// statements, streams query rows, and moves the whole database in and out as a
// raw SQLite image (see [Engine.Export] and [Open]). It does not serialize
// callers; write exclusivity is the job of package txn.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrClosed is returned by every method after [Engine.Close].
	ErrClosed = errors.New("engine closed")

	// ErrReadOnly is returned by [Engine.QueryContext] when the query would
	// modify the database.
	ErrReadOnly = errors.New("statement is not read-only")
)

// schemaMain is the SQLite schema name that holds user tables.
const schemaMain = "main"

// Engine is an in-memory SQLite database.
//
// Every instance owns a private database. All statements run on one pinned
// connection, so temporary state such as an open BEGIN is visible to every
// later statement on the same Engine.
type Engine struct {
	db   *sql.DB
	conn *sql.Conn

	mu     sync.RWMutex
	closed bool

	// stmtMu is held while a statement is prepared so that readOnly applies
	// to the caller that set it.
	stmtMu   sync.Mutex
	readOnly atomic.Bool
}

// Open creates an engine. When snapshot is non-empty it must be a SQLite
// database image previously produced by [Engine.Export]; the engine starts
// with that content. A nil or empty snapshot yields an empty database.
func Open(ctx context.Context, snapshot []byte) (*Engine, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Each :memory: connection is its own database, so the pool must never
	// hand out a second one.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("pin sqlite connection: %w", err)
	}

	e := &Engine{db: db, conn: conn}

	err = e.installAuthorizer()
	if err != nil {
		_ = e.Close()

		return nil, err
	}

	if len(snapshot) > 0 {
		err = e.restore(ctx, snapshot)
		if err != nil {
			_ = e.Close()

			return nil, err
		}
	}

	err = applyPragmas(ctx, conn)
	if err != nil {
		_ = e.Close()

		return nil, err
	}

	return e, nil
}

// applyPragmas configures the connection using a single batch statement.
func applyPragmas(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, `
		PRAGMA foreign_keys = ON;
		PRAGMA temp_store = MEMORY;
		PRAGMA cache_size = -20000;
	`)
	if err != nil {
		return fmt.Errorf("apply pragmas: %w", err)
	}

	return nil
}

// restore replaces the main schema with the given database image.
func (e *Engine) restore(ctx context.Context, snapshot []byte) error {
	err := e.conn.Raw(func(driverConn any) error {
		c, ok := driverConn.(*sqlite3.SQLiteConn)
		if !ok {
			return fmt.Errorf("unexpected driver connection %T", driverConn)
		}

		return c.Deserialize(snapshot, schemaMain)
	})
	if err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}

	// Deserialize accepts any bytes; the first query is what proves the
	// image is a database.
	var n int

	err = e.conn.QueryRowContext(ctx, "SELECT count(*) FROM sqlite_master").Scan(&n)
	if err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}

	return nil
}

// Export returns the full database as a raw SQLite image.
//
// The image reflects whatever pages are current on the connection, including
// those of an uncommitted transaction. Callers that need a commit boundary
// must hold the writer lock while exporting.
func (e *Engine) Export(_ context.Context) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return nil, ErrClosed
	}

	var image []byte

	err := e.conn.Raw(func(driverConn any) error {
		c, ok := driverConn.(*sqlite3.SQLiteConn)
		if !ok {
			return fmt.Errorf("unexpected driver connection %T", driverConn)
		}

		b, err := c.Serialize(schemaMain)
		if err != nil {
			return err
		}

		image = b

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("export snapshot: %w", err)
	}

	return image, nil
}

// ExecContext runs a statement that returns no rows. Arguments pass through
// [Sanitize].
func (e *Engine) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return nil, ErrClosed
	}

	e.stmtMu.Lock()
	defer e.stmtMu.Unlock()

	return e.conn.ExecContext(ctx, query, Sanitize(args)...)
}

// QueryContext runs a read. Arguments pass through [Sanitize]. The caller
// must close the returned rows.
//
// Every statement in query must be read-only; one that would write (INSERT,
// DDL, BEGIN, a pragma assignment) fails with [ErrReadOnly] before it runs.
func (e *Engine) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return nil, ErrClosed
	}

	e.stmtMu.Lock()
	defer e.stmtMu.Unlock()

	e.readOnly.Store(true)
	defer e.readOnly.Store(false)

	rows, err := e.conn.QueryContext(ctx, query, Sanitize(args)...)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrAuth {
			return nil, fmt.Errorf("%w: %w", ErrReadOnly, err)
		}

		return nil, err
	}

	return rows, nil
}

// Close releases the connection. Close is idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}

	e.closed = true

	return errors.Join(e.conn.Close(), e.db.Close())
}
