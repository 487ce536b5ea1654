package flush_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/calvinalkan/docvault/pkg/flush"
)

// gatedFunc blocks its first call until release is closed.
type gatedFunc struct {
	calls   atomic.Int32
	active  atomic.Int32
	overlap atomic.Bool
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedFunc() *gatedFunc {
	return &gatedFunc{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gatedFunc) run(_ context.Context) error {
	if g.active.Add(1) > 1 {
		g.overlap.Store(true)
	}

	defer g.active.Add(-1)

	if g.calls.Add(1) == 1 {
		g.once.Do(func() { close(g.entered) })
		<-g.release
	}

	return nil
}

func closeCoalescer(t *testing.T, c *flush.Coalescer) {
	t.Helper()

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	err := c.Close(ctx)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
}

func Test_Coalescer_Runs_Once_More_When_Triggered_Three_Times_During_Run(t *testing.T) {
	t.Parallel()

	g := newGatedFunc()
	c := flush.New(g.run, flush.Options{})

	c.Trigger()
	<-g.entered

	if got := c.State(); got != flush.StateRunning {
		t.Fatalf("state = %s, want running", got)
	}

	c.Trigger()
	c.Trigger()
	last := c.Trigger()

	if got := c.State(); got != flush.StateRunningWithPending {
		t.Fatalf("state = %s, want running-with-pending", got)
	}

	close(g.release)

	err := c.Wait(t.Context(), last)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}

	closeCoalescer(t, c)

	if got := g.calls.Load(); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}

	if got := c.Runs(); got != 2 {
		t.Fatalf("runs = %d, want 2", got)
	}

	if g.overlap.Load() {
		t.Fatal("persistence runs overlapped")
	}
}

func Test_Coalescer_Is_Idle_When_Work_Is_Done(t *testing.T) {
	t.Parallel()

	c := flush.New(func(context.Context) error { return nil }, flush.Options{})

	if got := c.State(); got != flush.StateIdle {
		t.Fatalf("initial state = %s, want idle", got)
	}

	err := c.Wait(t.Context(), c.Trigger())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}

	closeCoalescer(t, c)

	if got := c.State(); got != flush.StateIdle {
		t.Fatalf("final state = %s, want idle", got)
	}
}

func Test_Coalescer_Never_Overlaps_When_Triggered_Concurrently(t *testing.T) {
	t.Parallel()

	var (
		active  atomic.Int32
		overlap atomic.Bool
		calls   atomic.Int32
	)

	c := flush.New(func(context.Context) error {
		if active.Add(1) > 1 {
			overlap.Store(true)
		}

		calls.Add(1)
		time.Sleep(time.Millisecond)
		active.Add(-1)

		return nil
	}, flush.Options{})

	var wg sync.WaitGroup

	for range 50 {
		wg.Go(func() {
			c.Trigger()
		})
	}

	wg.Wait()
	closeCoalescer(t, c)

	if overlap.Load() {
		t.Fatal("persistence runs overlapped")
	}

	if got := calls.Load(); got < 1 || got > 50 {
		t.Fatalf("calls = %d, want 1..50", got)
	}
}

func Test_Wait_Returns_Run_Error_When_Persistence_Fails(t *testing.T) {
	t.Parallel()

	boom := errors.New("disk full")

	var (
		mu      sync.Mutex
		results []error
	)

	c := flush.New(func(context.Context) error { return boom }, flush.Options{
		OnResult: func(_ time.Duration, err error) {
			mu.Lock()
			results = append(results, err)
			mu.Unlock()
		},
	})

	err := c.Wait(t.Context(), c.Trigger())
	if !errors.Is(err, boom) {
		t.Fatalf("wait err = %v, want %v", err, boom)
	}

	closeCoalescer(t, c)

	mu.Lock()
	defer mu.Unlock()

	if len(results) != 1 || !errors.Is(results[0], boom) {
		t.Fatalf("results = %v, want [%v]", results, boom)
	}
}

func Test_Coalescer_Recovers_When_Func_Panics(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	c := flush.New(func(context.Context) error {
		if calls.Add(1) == 1 {
			panic("kaboom")
		}

		return nil
	}, flush.Options{})

	err := c.Wait(t.Context(), c.Trigger())
	if err == nil {
		t.Fatal("expected error from panicking run")
	}

	err = c.Wait(t.Context(), c.Trigger())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	closeCoalescer(t, c)
}

func Test_Close_Runs_Pending_Work_When_Triggered_Before_Close(t *testing.T) {
	t.Parallel()

	g := newGatedFunc()
	c := flush.New(g.run, flush.Options{})

	c.Trigger()
	<-g.entered
	c.Trigger()

	closed := make(chan error, 1)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		closed <- c.Close(ctx)
	}()

	close(g.release)

	err := <-closed
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := g.calls.Load(); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}

	if ticket := c.Trigger(); ticket != 0 {
		t.Fatalf("trigger after close = %d, want 0", ticket)
	}
}

func Test_Wait_Returns_Context_Error_When_Canceled(t *testing.T) {
	t.Parallel()

	g := newGatedFunc()
	c := flush.New(g.run, flush.Options{})

	ticket := c.Trigger()
	<-g.entered

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	err := c.Wait(ctx, ticket)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("wait err = %v, want context.Canceled", err)
	}

	close(g.release)
	closeCoalescer(t, c)
}

func Test_Wait_Returns_Covering_Run_Result_When_Later_Run_Failed(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	c := flush.New(func(context.Context) error {
		if calls.Add(1) == 2 {
			return errors.New("second run failed")
		}

		return nil
	}, flush.Options{})

	first := c.Trigger()

	err := c.Wait(t.Context(), first)
	if err != nil {
		t.Fatalf("first wait: %v", err)
	}

	second := c.Trigger()

	err = c.Wait(t.Context(), second)
	if err == nil {
		t.Fatal("second wait succeeded, want the run error")
	}

	// The first ticket was covered by the successful run; the later failure
	// must not be reported for it.
	err = c.Wait(t.Context(), first)
	if err != nil {
		t.Fatalf("late wait on first ticket = %v, want nil", err)
	}

	closeCoalescer(t, c)
}

func Test_Wait_Keeps_Failure_When_Many_Successful_Runs_Follow(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	boom := errors.New("first run failed")

	c := flush.New(func(context.Context) error {
		if calls.Add(1) == 1 {
			return boom
		}

		return nil
	}, flush.Options{})

	failed := c.Trigger()

	err := c.Wait(t.Context(), failed)
	if !errors.Is(err, boom) {
		t.Fatalf("wait = %v, want %v", err, boom)
	}

	var last uint64

	for range 1000 {
		last = c.Trigger()

		err = c.Wait(t.Context(), last)
		if err != nil {
			t.Fatalf("wait %d: %v", last, err)
		}
	}

	err = c.Wait(t.Context(), failed)
	if !errors.Is(err, boom) {
		t.Fatalf("wait on failed ticket after %d runs = %v, want %v", last, err, boom)
	}

	closeCoalescer(t, c)
}
