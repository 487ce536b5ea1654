// Package txn serializes all writes to an engine behind a single FIFO lock.
//
// A [Coordinator] hands out one transaction at a time. [Coordinator.Txn]
// queues callers in arrival order; [Coordinator.TryTxn] never waits and fails
// with [ErrTransactionBusy] if the writer is occupied. Inside a transaction the
// action receives an opaque [ID]; every write must present it to
// [Coordinator.Run], which rejects stale or foreign ids.
//
// After COMMIT the coordinator triggers its [Flusher] without waiting for it,
// then releases the lock. Durable persistence therefore lags the in-memory
// commit; set [Options.AwaitFlush] to wait for the covering run instead.
package txn

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/calvinalkan/docvault/internal/logging"
	"github.com/calvinalkan/docvault/pkg/engine"
)

// ID identifies one transaction attempt: the description plus a random
// suffix.
type ID string

// Engine is the statement surface the coordinator drives.
// *engine.Engine satisfies it.
type Engine interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Flusher receives a trigger after every commit. *flush.Coalescer
// satisfies it.
type Flusher interface {
	Trigger() uint64
	Wait(ctx context.Context, ticket uint64) error
}

// Outcome classifies a finished transaction attempt.
type Outcome string

// Outcomes reported in [Record].
const (
	OutcomeCommitted  Outcome = "commit"
	OutcomeRolledBack Outcome = "rollback"
	OutcomeBusy       Outcome = "busy"
	OutcomeCanceled   Outcome = "canceled"
)

// Timing is the phase breakdown of one transaction.
type Timing struct {
	Wait   time.Duration // acquiring exclusivity
	Action time.Duration // running the action, including COMMIT
	Flush  time.Duration // triggering (or awaiting) the flush
}

// Record describes a transaction attempt. Queued and in-flight attempts have
// a zero Outcome.
type Record struct {
	ID          ID
	Description string
	Timing      Timing
	Outcome     Outcome
	Err         error
}

// Action is the body of a transaction.
type Action func(ctx context.Context, id ID) error

// Options configures a [Coordinator]. The zero value is usable.
type Options struct {
	// Flusher is triggered after every commit. Nil disables flushing.
	Flusher Flusher

	// Hook is called with the record of every finished attempt, after the
	// lock is released.
	Hook func(Record)

	// Logger defaults to a discard logger.
	Logger *slog.Logger

	// AwaitFlush makes Txn and TryTxn wait, after releasing the lock, for a
	// flush run covering the commit. A failed run is reported as
	// [ErrFlushFailed].
	AwaitFlush bool
}

// Coordinator is the single writer for an [Engine].
type Coordinator struct {
	eng    Engine
	sem    *semaphore.Weighted
	opts   Options
	logger *slog.Logger

	// curMu guards current. Run holds it shared for the whole statement so a
	// write can never land after the owning transaction finished.
	curMu   sync.RWMutex
	current ID

	qMu    sync.Mutex
	queued []*Record
}

// New returns a coordinator for eng.
func New(eng Engine, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	return &Coordinator{
		eng:    eng,
		sem:    semaphore.NewWeighted(1),
		opts:   opts,
		logger: logger,
	}
}

// Txn runs action inside a transaction, waiting in FIFO order behind any
// transaction already in flight. ctx is only honored while waiting; once the
// transaction has begun it runs to COMMIT or ROLLBACK.
//
// An error from action rolls back and is returned unmodified; a failed
// COMMIT also rolls back. A panic in action rolls back and re-panics.
//
// Calling Txn with a context handed to an action or an [Coordinator.Exclusive]
// callback fails with [ErrNestedTransaction] instead of waiting on itself.
func (c *Coordinator) Txn(ctx context.Context, description string, action Action) error {
	err := checkNested(ctx)
	if err != nil {
		return err
	}

	rec := c.enqueue(description)
	begin := time.Now()

	err = c.sem.Acquire(ctx, 1)
	if err != nil {
		rec.Timing.Wait = time.Since(begin)
		rec.Outcome = OutcomeCanceled
		rec.Err = err
		c.finish(rec)

		return fmt.Errorf("wait for transaction %s: %w", rec.ID, err)
	}

	rec.Timing.Wait = time.Since(begin)

	return c.execute(ctx, rec, action)
}

// TryTxn is like [Coordinator.Txn] but never waits. If a transaction is in
// flight or queued it returns [ErrTransactionBusy] without issuing any
// statement.
func (c *Coordinator) TryTxn(ctx context.Context, description string, action Action) error {
	err := checkNested(ctx)
	if err != nil {
		return err
	}

	rec := c.enqueue(description)

	if !c.sem.TryAcquire(1) {
		rec.Outcome = OutcomeBusy
		rec.Err = ErrTransactionBusy
		c.finish(rec)

		return fmt.Errorf("%s: %w", rec.ID, ErrTransactionBusy)
	}

	return c.execute(ctx, rec, action)
}

// Exclusive runs fn while holding the writer lock, without opening a
// transaction. It queues like [Coordinator.Txn]. Snapshot export uses it so
// that no transaction is half-applied while pages are copied.
func (c *Coordinator) Exclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	err := checkNested(ctx)
	if err != nil {
		return err
	}

	err = c.sem.Acquire(ctx, 1)
	if err != nil {
		return fmt.Errorf("wait for exclusive access: %w", err)
	}

	defer c.sem.Release(1)

	return fn(context.WithValue(ctx, activeKey{}, exclusiveID))
}

// activeKey marks a context as belonging to a lock holder. The value is the
// holder's [ID].
type activeKey struct{}

// exclusiveID stands in for the holder of an [Coordinator.Exclusive] turn.
const exclusiveID ID = "exclusive"

// Active returns the transaction id recorded in ctx when ctx was handed out by
// [Coordinator.Txn], [Coordinator.TryTxn] or [Coordinator.Exclusive]. Code
// that would wait on the writer lock can check it to fail fast.
func Active(ctx context.Context) (ID, bool) {
	id, ok := ctx.Value(activeKey{}).(ID)

	return id, ok
}

func checkNested(ctx context.Context) error {
	id, ok := Active(ctx)
	if !ok {
		return nil
	}

	return fmt.Errorf("%w: inside %s", ErrNestedTransaction, id)
}

// Run executes a write statement on behalf of transaction id. It fails with a
// [*MismatchError] unless id is the current transaction.
func (c *Coordinator) Run(ctx context.Context, id ID, query string, args ...any) error {
	c.curMu.RLock()
	defer c.curMu.RUnlock()

	if id == "" || id != c.current {
		return &MismatchError{Current: c.current, Attempted: id}
	}

	_, err := c.eng.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	return nil
}

// Query runs a read outside the writer lock. Readers may observe the state of
// a transaction that has not committed yet. A statement that would write
// fails with [ErrTransactionMismatch]; writes go through [Coordinator.Run].
func (c *Coordinator) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := c.eng.QueryContext(ctx, query, args...)
	if err != nil {
		if errors.Is(err, engine.ErrReadOnly) {
			return nil, fmt.Errorf("%w: write on the read path: %w", ErrTransactionMismatch, err)
		}

		return nil, err
	}

	return rows, nil
}

// Current returns the in-flight transaction id, empty when idle.
func (c *Coordinator) Current() ID {
	c.curMu.RLock()
	defer c.curMu.RUnlock()

	return c.current
}

// Queued returns the attempts that are waiting or in flight, oldest first.
// Only ID and Description are set.
func (c *Coordinator) Queued() []Record {
	c.qMu.Lock()
	defer c.qMu.Unlock()

	out := make([]Record, len(c.queued))
	for i, rec := range c.queued {
		out[i] = Record{ID: rec.ID, Description: rec.Description}
	}

	return out
}

func (c *Coordinator) execute(ctx context.Context, rec *Record, action Action) (err error) {
	// Statement control must not be abandoned half-way by a canceled caller.
	ctl := context.WithoutCancel(ctx)

	_, err = c.eng.ExecContext(ctl, "BEGIN TRANSACTION")
	if err != nil {
		c.sem.Release(1)

		rec.Outcome = OutcomeRolledBack
		rec.Err = err
		c.finish(rec)

		return fmt.Errorf("begin transaction %s: %w", rec.ID, err)
	}

	c.setCurrent(rec.ID)

	actionStart := time.Now()
	returned := false

	defer func() {
		if returned {
			return
		}

		r := recover()
		if r == nil {
			return
		}

		c.rollback(ctl, rec.ID)
		c.setCurrent("")
		c.sem.Release(1)

		rec.Timing.Action = time.Since(actionStart)
		rec.Outcome = OutcomeRolledBack
		rec.Err = fmt.Errorf("panic: %v", r)
		c.finish(rec)

		panic(r)
	}()

	err = action(context.WithValue(ctx, activeKey{}, rec.ID), rec.ID)
	if err == nil {
		_, err = c.eng.ExecContext(ctl, "COMMIT TRANSACTION")
		if err != nil {
			err = fmt.Errorf("commit transaction %s: %w", rec.ID, err)
		}
	}

	rec.Timing.Action = time.Since(actionStart)
	returned = true

	if err != nil {
		c.rollback(ctl, rec.ID)
		c.setCurrent("")
		c.sem.Release(1)

		rec.Outcome = OutcomeRolledBack
		rec.Err = err
		c.finish(rec)

		return err
	}

	flushStart := time.Now()

	var ticket uint64
	if c.opts.Flusher != nil {
		ticket = c.opts.Flusher.Trigger()
	}

	c.setCurrent("")
	c.sem.Release(1)

	if c.opts.AwaitFlush && c.opts.Flusher != nil {
		ferr := c.opts.Flusher.Wait(ctl, ticket)
		if ferr != nil {
			err = fmt.Errorf("transaction %s: %w: %w", rec.ID, ErrFlushFailed, ferr)
		}
	}

	rec.Timing.Flush = time.Since(flushStart)
	rec.Outcome = OutcomeCommitted
	rec.Err = err
	c.finish(rec)

	return err
}

func (c *Coordinator) rollback(ctx context.Context, id ID) {
	_, err := c.eng.ExecContext(ctx, "ROLLBACK TRANSACTION")
	if err != nil {
		c.logger.Error("rollback failed", "txn", string(id), "error", err)
	}
}

func (c *Coordinator) setCurrent(id ID) {
	c.curMu.Lock()
	c.current = id
	c.curMu.Unlock()
}

func (c *Coordinator) enqueue(description string) *Record {
	rec := &Record{ID: newID(description), Description: description}

	c.qMu.Lock()
	c.queued = append(c.queued, rec)
	c.qMu.Unlock()

	return rec
}

// finish removes rec from the queue by identity, then reports it.
func (c *Coordinator) finish(rec *Record) {
	c.qMu.Lock()
	c.queued = slices.DeleteFunc(c.queued, func(r *Record) bool { return r == rec })
	c.qMu.Unlock()

	c.logger.Debug("transaction finished",
		"txn", string(rec.ID),
		"outcome", string(rec.Outcome),
		"wait", rec.Timing.Wait,
		"action", rec.Timing.Action,
		"flush", rec.Timing.Flush,
		"error", rec.Err,
	)

	if c.opts.Hook != nil {
		c.opts.Hook(*rec)
	}
}

func newID(description string) ID {
	u := uuid.New()

	return ID(description + " " + hex.EncodeToString(u[:4]))
}
