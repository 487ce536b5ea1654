// Package flush coalesces persistence requests into the fewest possible runs.
//
// A [Coalescer] owns one worker goroutine and a persistence callback. Callers
// [Coalescer.Trigger] it as often as they like; the worker guarantees that at
// most one run is in flight and that every trigger arriving during a run is
// covered by exactly one follow-up run, no matter how many triggers arrive.
//
//	idle --trigger--> running --trigger--> running-with-pending
//	running --done--> idle
//	running-with-pending --done--> running (follow-up started)
package flush

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/calvinalkan/docvault/internal/logging"
)

var (
	// ErrClosed is returned by [Coalescer.Wait] when the coalescer shut down
	// before the awaited trigger was covered by a run.
	ErrClosed = errors.New("flush coalescer closed")

	// ErrResultExpired is returned by [Coalescer.Wait] when the run covering
	// the ticket is older than the retained history.
	ErrResultExpired = errors.New("flush result no longer retained")
)

// maxHistory bounds the run outcomes kept for late waiters. Consecutive
// successful runs share one entry, so only failures use it up.
const maxHistory = 256

// outcome covers the tickets above the previous entry's through, up to and
// including through.
type outcome struct {
	through uint64
	err     error
}

// State is the observable coalescer state.
type State uint8

// Coalescer states.
const (
	StateIdle State = iota
	StateRunning
	StateRunningWithPending
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateRunningWithPending:
		return "running-with-pending"
	default:
		return "idle"
	}
}

// Func is the persistence callback. It is never called concurrently with
// itself.
type Func func(ctx context.Context) error

// Options configures a [Coalescer]. The zero value is usable.
type Options struct {
	// Logger receives a warning for every failed run. Defaults to a discard logger.
	Logger *slog.Logger

	// Limiter, when set, is waited on before every run. Triggers that arrive
	// while the worker waits still coalesce into that run.
	Limiter *rate.Limiter

	// OnResult is called after every run with its duration and error.
	OnResult func(elapsed time.Duration, err error)
}

// Coalescer runs a [Func] in response to triggers. See the package docs.
type Coalescer struct {
	fn       Func
	logger   *slog.Logger
	limiter  *rate.Limiter
	onResult func(time.Duration, error)

	signal chan struct{} // buffered, size 1
	stop   chan struct{}
	done   chan struct{}

	mu        sync.Mutex
	requested uint64 // tickets handed out
	started   uint64 // requested as seen by the current or last run
	completed uint64 // tickets covered by finished runs
	running   bool
	closed    bool
	runs      uint64
	history   []outcome     // ascending by through
	forgotten uint64        // tickets at or below this have no retained outcome
	changed   chan struct{} // closed and replaced after every run
}

// New starts a coalescer around fn. Call [Coalescer.Close] to stop it.
func New(fn Func, opts Options) *Coalescer {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	c := &Coalescer{
		fn:       fn,
		logger:   logger,
		limiter:  opts.Limiter,
		onResult: opts.OnResult,
		signal:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		changed:  make(chan struct{}),
	}

	go c.loop()

	return c
}

// Trigger requests a run and returns a ticket for [Coalescer.Wait]. It never
// blocks. After [Coalescer.Close] it is a no-op and returns 0.
func (c *Coalescer) Trigger() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0
	}

	c.requested++

	select {
	case c.signal <- struct{}{}:
	default:
	}

	return c.requested
}

// Wait blocks until a run that started after ticket was issued has finished,
// and returns that run's error. Later runs do not change the answer. The zero
// ticket returns nil at once.
func (c *Coalescer) Wait(ctx context.Context, ticket uint64) error {
	for {
		c.mu.Lock()

		if c.completed >= ticket {
			err := c.resultLocked(ticket)
			c.mu.Unlock()

			return err
		}

		if c.closed && !c.running && c.requested == c.completed {
			c.mu.Unlock()

			return ErrClosed
		}

		changed := c.changed
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		case <-c.done:
			// Re-check once more; the final run may have covered ticket.
			c.mu.Lock()

			err := ErrClosed
			if c.completed >= ticket {
				err = c.resultLocked(ticket)
			}

			c.mu.Unlock()

			return err
		}
	}
}

// State reports whether a run is in flight and whether another is pending.
func (c *Coalescer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case !c.running:
		return StateIdle
	case c.requested > c.started:
		return StateRunningWithPending
	default:
		return StateRunning
	}
}

// Runs returns the number of finished runs.
func (c *Coalescer) Runs() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.runs
}

// Close stops accepting triggers, lets any requested run finish, and waits for
// the worker to exit or ctx to end. Close is idempotent.
func (c *Coalescer) Close(ctx context.Context) error {
	c.mu.Lock()

	if !c.closed {
		c.closed = true
		close(c.stop)
	}

	c.mu.Unlock()

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close flush coalescer: %w", ctx.Err())
	}
}

func (c *Coalescer) loop() {
	defer close(c.done)

	for {
		select {
		case <-c.signal:
			c.drain()
		case <-c.stop:
			c.drain()

			return
		}
	}
}

// drain runs until every handed-out ticket is covered.
func (c *Coalescer) drain() {
	for {
		c.mu.Lock()

		if c.requested == c.completed {
			c.running = false
			c.mu.Unlock()

			return
		}

		c.started = c.requested
		c.running = true
		c.mu.Unlock()

		if c.limiter != nil {
			_ = c.limiter.Wait(context.Background())
		}

		c.mu.Lock()
		start := c.requested
		c.started = start
		c.mu.Unlock()

		err := c.runOnce()

		c.mu.Lock()
		c.completed = start
		c.recordLocked(start, err)
		c.runs++
		close(c.changed)
		c.changed = make(chan struct{})

		if c.requested == c.completed {
			c.running = false
		}

		c.mu.Unlock()
	}
}

// recordLocked appends the outcome of the run that covered tickets up to
// through.
func (c *Coalescer) recordLocked(through uint64, err error) {
	if n := len(c.history); n > 0 && err == nil && c.history[n-1].err == nil {
		c.history[n-1].through = through

		return
	}

	c.history = append(c.history, outcome{through: through, err: err})

	if len(c.history) > maxHistory {
		c.forgotten = c.history[0].through
		c.history = slices.Delete(c.history, 0, 1)
	}
}

// resultLocked returns the error of the first run that covered ticket. The
// caller has checked that ticket is covered.
func (c *Coalescer) resultLocked(ticket uint64) error {
	if ticket == 0 {
		return nil
	}

	if ticket <= c.forgotten {
		return ErrResultExpired
	}

	i, _ := slices.BinarySearchFunc(c.history, ticket, func(o outcome, t uint64) int {
		return cmp.Compare(o.through, t)
	})

	return c.history[i].err
}

func (c *Coalescer) runOnce() (err error) {
	ctx := context.Background()
	begin := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("flush panicked: %v", r)
		}

		elapsed := time.Since(begin)

		if err != nil {
			c.logger.Warn("flush failed", "error", err, "elapsed", elapsed)
		}

		if c.onResult != nil {
			c.onResult(elapsed, err)
		}
	}()

	return c.fn(ctx)
}
