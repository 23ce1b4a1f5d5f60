package fx

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScope(t *testing.T, opts ...Option) *Scope {
	t.Helper()
	opts = append([]Option{WithName(t.Name()), WithLogger(slogt.New(t))}, opts...)
	sc := NewScope(context.Background(), opts...)
	t.Cleanup(func() { sc.Close(nil) })
	return sc
}

func TestScopeCloseInterruptsFibers(t *testing.T) {
	t.Parallel()
	sc := newTestScope(t)

	started := make(chan struct{})
	f := Fork(sc, func(ctx context.Context) (int, error) {
		close(started)
		<-ctx.Done()
		return 0, ctx.Err()
	})
	<-started

	sc.Close(nil)

	exit, ok := f.Poll()
	require.True(t, ok, "Close must wait for owned fibers")
	assert.True(t, exit.Cause.IsInterruptedOnly())
	assert.True(t, sc.Closed())
	assert.Zero(t, sc.ActiveFibers())
	assert.EqualValues(t, 1, sc.TotalForked())

	select {
	case <-sc.Done():
	default:
		t.Fatal("Done must be closed after Close")
	}
}

func TestScopeSequentialFinalizersRunInReverse(t *testing.T) {
	t.Parallel()
	sc := newTestScope(t, WithStrategy(SequentialStrategy))

	var order []int
	for i := range 3 {
		sc.AddFinalizer(func(*Cause) { order = append(order, i) })
	}
	remove := sc.AddFinalizer(func(*Cause) { order = append(order, 99) })
	remove()

	sc.Close(nil)
	assert.Equal(t, []int{2, 1, 0}, order)
}

func TestScopeParallelFinalizersReceiveExit(t *testing.T) {
	t.Parallel()
	sc := newTestScope(t)

	exit := NewFail(errBoom)
	var (
		mu   sync.Mutex
		seen []*Cause
	)
	for range 4 {
		sc.AddFinalizer(func(c *Cause) {
			mu.Lock()
			seen = append(seen, c)
			mu.Unlock()
		})
	}

	sc.Close(exit)
	require.Len(t, seen, 4)
	for _, c := range seen {
		assert.Same(t, exit, c)
	}
}

func TestScopeAddFinalizerAfterClose(t *testing.T) {
	t.Parallel()
	sc := newTestScope(t)
	sc.Close(nil)

	var ran atomic.Bool
	sc.AddFinalizer(func(c *Cause) {
		ran.Store(true)
		assert.True(t, IsInterrupted(c))
	})
	assert.True(t, ran.Load(), "finalizer added to a closed scope runs immediately")
}

func TestScopeCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	sc := newTestScope(t)

	var calls atomic.Int32
	sc.AddFinalizer(func(*Cause) { calls.Add(1) })

	sc.Close(nil)
	sc.Close(NewFail(errBoom))
	assert.EqualValues(t, 1, calls.Load())
}

func TestScopeChild(t *testing.T) {
	t.Parallel()

	t.Run("closed with parent", func(t *testing.T) {
		t.Parallel()
		parent := newTestScope(t)
		child := parent.Child(SequentialStrategy)

		f := Fork(child, func(ctx context.Context) (struct{}, error) {
			<-ctx.Done()
			return struct{}{}, nil
		})

		parent.Close(nil)
		assert.True(t, child.Closed())
		_, ok := f.Poll()
		assert.True(t, ok)
	})

	t.Run("detaches when closed first", func(t *testing.T) {
		t.Parallel()
		parent := newTestScope(t)
		child := parent.Child(ParallelStrategy)
		child.Close(nil)

		parent.mu.Lock()
		n := len(parent.finalizers)
		parent.mu.Unlock()
		assert.Zero(t, n)
		assert.False(t, parent.Closed())
	})
}

func TestScopeCloseInterruptCarriesFiber(t *testing.T) {
	t.Parallel()
	sc := newTestScope(t)

	by := NewInterrupt(FiberID{1})
	sc.Close(by)
	assert.Equal(t, FiberID{1}, interruptCause(sc.Context()).FiberID())
}

func TestScopeParentContextCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	sc := NewScope(ctx)
	defer sc.Close(nil)

	f := Fork(sc, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	cancel()

	wctx, wcancel := context.WithTimeout(context.Background(), time.Second)
	defer wcancel()
	_, err := f.Join(wctx)
	assert.True(t, IsInterrupted(err))
	assert.False(t, sc.Closed(), "parent cancellation does not close the scope")
}

func TestScopeEvents(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		events []FiberEvent
	)
	sc := newTestScope(t, WithName("events"), WithOnEvent(func(e FiberEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}))

	ok := Fork(sc, func(context.Context) (int, error) { return 1, nil })
	bad := Fork(sc, func(context.Context) (int, error) { return 0, errBoom })
	dead := Fork(sc, func(context.Context) (int, error) { panic("x") })
	for _, f := range []*Fiber[int]{ok, bad, dead} {
		_, _ = f.Await(context.Background())
	}
	sc.Close(nil)

	kinds := map[EventKind]int{}
	mu.Lock()
	for _, e := range events {
		assert.Equal(t, "events", e.Scope)
		kinds[e.Kind]++
	}
	mu.Unlock()
	assert.Equal(t, 3, kinds[EventStarted])
	assert.Equal(t, 1, kinds[EventDone])
	assert.Equal(t, 1, kinds[EventFailed])
	assert.Equal(t, 1, kinds[EventDied])
}

func TestOptionsPanic(t *testing.T) {
	t.Parallel()

	mustPanic(t, "invalid execution strategy", func() {
		NewScope(context.Background(), WithStrategy(ExecutionStrategy(7)))
	})
	mustPanic(t, "non-nil logger", func() {
		NewScope(context.Background(), WithLogger(nil))
	})
}

func TestOperatorScopesInheritConfig(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		events = map[string][]EventKind{}
	)
	sc := newTestScope(t, WithOnEvent(func(e FiberEvent) {
		mu.Lock()
		events[e.Scope] = append(events[e.Scope], e.Kind)
		mu.Unlock()
	}))
	countOf := func(scope string) int {
		mu.Lock()
		defer mu.Unlock()
		return len(events[scope])
	}

	got, err := Collect(sc.Context(), FlatMap(FromSlice([]int{1, 2}), Succeed[int]))
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{1, 2}, got)
	require.Eventually(t, func() bool { return countOf("flatten") == 4 }, time.Second, time.Millisecond,
		"inner fibers report started and done to the caller's hook")

	_, err = Collect(sc.Context(), RaceAll(Succeed(1), Never[int]()))
	require.NoError(t, err)
	// The loser may be interrupted before it starts, so it reports only its exit.
	require.Eventually(t, func() bool { return countOf("race") >= 3 }, time.Second, time.Millisecond)

	cfg := inheritConfig(sc.Context(), "inner")
	assert.Same(t, sc.Logger(), cfg.log)
	assert.Equal(t, "inner", cfg.name)
	assert.Equal(t, ParallelStrategy, cfg.strategy)

	outside := inheritConfig(context.Background(), "inner")
	assert.Nil(t, outside.onEvent)
	assert.NotNil(t, outside.log)
}
