// Package docvault wires the engine, transaction coordinator, flush
// coalescer and snapshot vault into one database handle.
//
// A typical program opens the database, builds its document stores on the
// coordinator, and initializes them through a [Registry]:
//
//	db, err := docvault.Open(ctx, docvault.Options{
//	    Name:       "notes",
//	    Passphrase: pass,
//	    Store:      kv.NewMemory(),
//	})
//	notes, err := docstore.New[string, Note](db.Coordinator(), "notes", noteIndexes)
//	_, err = db.Init(ctx, notes)
//
//	err = db.Txn(ctx, "add note", func(ctx context.Context, id txn.ID) error {
//	    return notes.Set(ctx, id, Note{ID: "a"})
//	})
//
// Every committed transaction schedules an encrypted snapshot of the whole
// database. By default the transaction returns before the snapshot is
// written; [Options.AwaitFlush] makes it wait.
package docvault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/calvinalkan/docvault/internal/logging"
	"github.com/calvinalkan/docvault/internal/metrics"
	"github.com/calvinalkan/docvault/pkg/engine"
	"github.com/calvinalkan/docvault/pkg/flush"
	"github.com/calvinalkan/docvault/pkg/kv"
	"github.com/calvinalkan/docvault/pkg/txn"
	"github.com/calvinalkan/docvault/pkg/vault"
)

// ErrClosed is returned by operations on a closed [DB].
var ErrClosed = errors.New("docvault: closed")

// Options configures [Open].
type Options struct {
	// Name selects the snapshot in Store. Required.
	Name string

	// Passphrase unlocks an existing snapshot or keys a new one. Required.
	Passphrase string

	// Store holds the encrypted snapshot. Required.
	Store kv.Store

	// Iterations is the PBKDF2 round count. Zero means vault.DefaultIterations.
	Iterations int

	// Compression packs the image before encryption.
	Compression vault.Compression

	// AwaitFlush makes every committed transaction wait for its snapshot to be
	// written. A failed write then surfaces as txn.ErrFlushFailed.
	AwaitFlush bool

	// FlushMinInterval spaces snapshot writes at least this far apart.
	// Zero writes as soon as the previous write finishes.
	FlushMinInterval time.Duration

	// Logger defaults to a discard logger.
	Logger *slog.Logger

	// Registerer receives the docvault_* metrics. Nil skips registration.
	Registerer prometheus.Registerer

	// Hook observes every finished transaction attempt.
	Hook func(txn.Record)
}

// DB is an open database.
type DB struct {
	name    string
	eng     *engine.Engine
	coord   *txn.Coordinator
	flusher *flush.Coalescer
	vault   *vault.Manager
	logger  *slog.Logger

	// keyMu guards key and is held for the whole snapshot write, so a rekey
	// never interleaves with a save under the old key.
	keyMu sync.Mutex
	key   *vault.Key

	// lock is held for the handle's lifetime when the store supports it.
	lock io.Closer

	closed atomic.Bool
}

// Open loads the snapshot for opts.Name, or creates and saves an empty
// database if none exists. A wrong passphrase fails with
// vault.ErrAuthenticationFailed.
func Open(ctx context.Context, opts Options) (*DB, error) {
	switch {
	case opts.Name == "":
		return nil, errors.New("docvault: name is required")
	case opts.Passphrase == "":
		return nil, errors.New("docvault: passphrase is required")
	case opts.Store == nil:
		return nil, errors.New("docvault: store is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	logger = logger.With("db", opts.Name)

	var lock io.Closer

	if l, ok := opts.Store.(kv.Locker); ok {
		var err error

		lock, err = l.TryLock(opts.Name)
		if err != nil {
			return nil, fmt.Errorf("docvault: %w", err)
		}
	}

	db, err := open(ctx, opts, logger)
	if err != nil {
		if lock != nil {
			err = errors.Join(err, lock.Close())
		}

		return nil, err
	}

	db.lock = lock

	return db, nil
}

func open(ctx context.Context, opts Options, logger *slog.Logger) (*DB, error) {
	compression := opts.Compression
	if compression == "" {
		compression = vault.CompressionNone
	}

	mgr, err := vault.NewManager(opts.Store, vault.Options{
		Iterations:  opts.Iterations,
		Compression: compression,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	eng, key, err := vault.Load(ctx, mgr, opts.Name, opts.Passphrase, engine.Open)
	if err != nil {
		return nil, err
	}

	collector := metrics.New(opts.Registerer)

	db := &DB{
		name:   opts.Name,
		eng:    eng,
		vault:  mgr,
		logger: logger,
		key:    key,
	}

	var limiter *rate.Limiter
	if opts.FlushMinInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(opts.FlushMinInterval), 1)
	}

	db.flusher = flush.New(db.persist, flush.Options{
		Logger:   logger,
		Limiter:  limiter,
		OnResult: collector.ObserveFlush,
	})

	db.coord = txn.New(eng, txn.Options{
		Flusher:    db.flusher,
		Logger:     logger,
		AwaitFlush: opts.AwaitFlush,
		Hook: func(rec txn.Record) {
			collector.ObserveTxn(rec)

			if opts.Hook != nil {
				opts.Hook(rec)
			}
		},
	})

	return db, nil
}

// Name returns the snapshot name.
func (db *DB) Name() string {
	return db.name
}

// Coordinator returns the transaction coordinator stores are built on.
func (db *DB) Coordinator() *txn.Coordinator {
	return db.coord
}

// Init registers stores in order and initializes each one.
func (db *DB) Init(ctx context.Context, stores ...Initializable) (*Registry, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}

	reg, err := NewRegistry(stores...)
	if err != nil {
		return nil, err
	}

	err = reg.Init(ctx)
	if err != nil {
		return nil, err
	}

	return reg, nil
}

// Txn runs action as a serialized transaction. See [txn.Coordinator.Txn].
func (db *DB) Txn(ctx context.Context, description string, action txn.Action) error {
	if db.closed.Load() {
		return ErrClosed
	}

	return db.coord.Txn(ctx, description, action)
}

// TryTxn runs action only if the writer lock is free. See
// [txn.Coordinator.TryTxn].
func (db *DB) TryTxn(ctx context.Context, description string, action txn.Action) error {
	if db.closed.Load() {
		return ErrClosed
	}

	return db.coord.TryTxn(ctx, description, action)
}

// QueryMaps runs a raw read and returns one map per row. A statement that
// would write fails with txn.ErrTransactionMismatch.
func (db *DB) QueryMaps(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}

	rows, err := db.coord.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	defer func() { _ = rows.Close() }()

	return engine.ScanMaps(rows)
}

// Flush writes a snapshot covering every transaction committed so far and
// waits for it. It fails with txn.ErrNestedTransaction inside a transaction,
// whose lock the snapshot would wait for.
func (db *DB) Flush(ctx context.Context) error {
	if db.closed.Load() {
		return ErrClosed
	}

	err := notNested(ctx)
	if err != nil {
		return err
	}

	return db.flush(ctx)
}

func (db *DB) flush(ctx context.Context) error {
	ticket := db.flusher.Trigger()
	if ticket == 0 {
		return ErrClosed
	}

	err := db.flusher.Wait(ctx, ticket)
	if err != nil {
		return fmt.Errorf("%w: %w", txn.ErrFlushFailed, err)
	}

	return nil
}

// Rekey re-encrypts the database under newPassphrase with a fresh salt.
// Later snapshots use the new key.
func (db *DB) Rekey(ctx context.Context, newPassphrase string) error {
	if db.closed.Load() {
		return ErrClosed
	}

	if newPassphrase == "" {
		return errors.New("docvault: passphrase is required")
	}

	err := notNested(ctx)
	if err != nil {
		return err
	}

	db.keyMu.Lock()
	defer db.keyMu.Unlock()

	key, err := db.vault.Rekey(ctx, db.name, newPassphrase, db.export)
	if err != nil {
		return err
	}

	db.key = key

	return nil
}

// Close waits for queued transactions, writes a final snapshot, stops the
// coalescer and closes the engine. Close is idempotent.
func (db *DB) Close(ctx context.Context) error {
	err := notNested(ctx)
	if err != nil {
		return err
	}

	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error

	// Barrier: every transaction queued before Close has finished.
	err = db.coord.Exclusive(ctx, func(context.Context) error { return nil })
	if err != nil {
		errs = append(errs, err)
	}

	err = db.flush(ctx)
	if err != nil {
		errs = append(errs, err)
	}

	err = db.flusher.Close(ctx)
	if err != nil {
		errs = append(errs, err)
	}

	err = db.eng.Close()
	if err != nil {
		errs = append(errs, err)
	}

	if db.lock != nil {
		err = db.lock.Close()
		if err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close %s: %w", db.name, errors.Join(errs...))
	}

	db.logger.Info("closed")

	return nil
}

func notNested(ctx context.Context) error {
	id, ok := txn.Active(ctx)
	if !ok {
		return nil
	}

	return fmt.Errorf("docvault: %w: inside %s", txn.ErrNestedTransaction, id)
}

// export takes a turn on the writer lock so the image never contains half of
// a transaction.
func (db *DB) export(ctx context.Context) ([]byte, error) {
	var image []byte

	err := db.coord.Exclusive(ctx, func(ctx context.Context) error {
		var exportErr error

		image, exportErr = db.eng.Export(ctx)

		return exportErr
	})
	if err != nil {
		return nil, err
	}

	return image, nil
}

// persist is the coalescer callback. Encryption and the blob store write run
// after the writer lock is released.
func (db *DB) persist(ctx context.Context) error {
	image, err := db.export(ctx)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}

	db.keyMu.Lock()
	defer db.keyMu.Unlock()

	return db.vault.Save(ctx, db.name, db.key, func(context.Context) ([]byte, error) {
		return image, nil
	})
}
