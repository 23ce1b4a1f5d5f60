package fx

import (
	"context"
	"sync"
)

// innerRunner arbitrates the inner producers of a flattening combinator.
type innerRunner interface {
	// start offers an inner producer, already wrapped as a task.
	start(ctx context.Context, task Task[struct{}])
	// wait blocks until every started inner producer has finished.
	wait(ctx context.Context) error
}

// flatten is the skeleton shared by every flattening strategy. Values of
// all inner producers go to one serialized sink; the first failure from
// the outer or any inner producer is forwarded and interrupts the rest.
// The run completes once the outer producer and every started inner
// producer are done.
func flatten[A, B any](self Fx[A], f func(A) Fx[B], newRunner func(*Scope) innerRunner) Fx[B] {
	return RunFunc[B](func(ctx context.Context, sink Sink[B]) error {
		runCtx, cancel := context.WithCancelCause(ctx)
		defer cancel(nil)

		sc := newScope(runCtx, inheritConfig(ctx, "flatten"))
		defer sc.Close(nil)

		out := newSyncSink(sink, func(*Cause) { cancel(errStopped) })
		innerSink := NewSink(out.OnSuccess, out.OnFailure)
		runner := newRunner(sc)

		err := self.Run(runCtx, NewSink(
			func(a A) {
				defer func() {
					if r := recover(); r != nil {
						out.OnFailure(NewDie(newPanicError(r)))
					}
				}()
				inner := f(a)
				runner.start(runCtx, func(ctx context.Context) (struct{}, error) {
					runGuarded(ctx, inner, innerSink, out.OnFailure)
					return struct{}{}, nil
				})
			},
			out.OnFailure,
		))
		if err == nil {
			err = runner.wait(runCtx)
		}
		sc.Close(nil)

		switch {
		case out.hasFailed():
			return nil
		case ctx.Err() != nil:
			return interruptCause(ctx)
		case err != nil:
			return CauseOf(err)
		}
		return nil
	})
}

// runGuarded runs f into sink. A panic, or an error returned by Run that is
// not an interruption, is reported to fail instead of being left in the
// exit of the fiber running f.
func runGuarded[A any](ctx context.Context, f Fx[A], sink Sink[A], fail func(*Cause)) {
	defer func() {
		if r := recover(); r != nil {
			fail(NewDie(newPanicError(r)))
		}
	}()
	if err := f.Run(ctx, sink); err != nil {
		if c := causeFromError(ctx, err); !c.IsInterruptedOnly() {
			fail(c)
		}
	}
}

// FlatMap starts an inner producer for every outer value and runs them
// all concurrently.
func FlatMap[A, B any](self Fx[A], f func(A) Fx[B]) Fx[B] {
	return flatten(self, f, func(sc *Scope) innerRunner {
		return &setRunner{set: NewFiberSet[struct{}](sc)}
	})
}

// FlatMapConcurrently is FlatMap with at most n inner producers running
// at once. The outer producer blocks until a slot frees up.
// It panics if n <= 0.
func FlatMapConcurrently[A, B any](self Fx[A], f func(A) Fx[B], n int) Fx[B] {
	if n <= 0 {
		panic("fx: FlatMapConcurrently requires n > 0")
	}
	return flatten(self, f, func(sc *Scope) innerRunner {
		return &setRunner{set: NewFiberSet[struct{}](sc), sem: NewSemaphore(n)}
	})
}

// SwitchMap interrupts the running inner producer whenever the outer
// producer emits, and starts the new one.
func SwitchMap[A, B any](self Fx[A], f func(A) Fx[B]) Fx[B] {
	return flatten(self, f, func(sc *Scope) innerRunner {
		return handleRunner{h: NewFiberHandle[struct{}](sc, Drop)}
	})
}

// ExhaustMap ignores outer values while an inner producer is running.
func ExhaustMap[A, B any](self Fx[A], f func(A) Fx[B]) Fx[B] {
	return flatten(self, f, func(sc *Scope) innerRunner {
		return handleRunner{h: NewFiberHandle[struct{}](sc, Slide)}
	})
}

// ExhaustLatestMap is ExhaustMap that remembers the latest ignored value
// and starts its inner producer once the running one finishes.
func ExhaustLatestMap[A, B any](self Fx[A], f func(A) Fx[B]) Fx[B] {
	return flatten(self, f, func(sc *Scope) innerRunner {
		return newLatestRunner(sc)
	})
}

// Flatten merges a stream of streams.
func Flatten[A any](self Fx[Fx[A]]) Fx[A] {
	return FlatMap(self, func(inner Fx[A]) Fx[A] { return inner })
}

// SwitchLatest follows the most recent inner stream.
func SwitchLatest[A any](self Fx[Fx[A]]) Fx[A] {
	return SwitchMap(self, func(inner Fx[A]) Fx[A] { return inner })
}

type setRunner struct {
	set *FiberSet[struct{}]
	sem *Semaphore
}

func (r *setRunner) start(ctx context.Context, task Task[struct{}]) {
	if r.sem == nil {
		r.set.Add(task)
		return
	}
	if err := r.sem.Acquire(ctx); err != nil {
		return
	}
	r.set.Add(func(ctx context.Context) (struct{}, error) {
		defer r.sem.Release()
		return task(ctx)
	})
}

func (r *setRunner) wait(ctx context.Context) error {
	return r.set.AwaitEmpty(ctx)
}

type handleRunner struct {
	h *FiberHandle[struct{}]
}

func (r handleRunner) start(ctx context.Context, task Task[struct{}]) {
	r.h.Run(ctx, task)
}

func (r handleRunner) wait(ctx context.Context) error {
	return r.h.AwaitEmpty(ctx)
}

// latestRunner holds at most one running inner producer and one pending
// one. A value arriving while busy replaces the pending producer; when the
// running producer finishes the pending one is started.
type latestRunner struct {
	scope *Scope

	mu      sync.Mutex
	running *Fiber[struct{}]
	pending Task[struct{}]
	idle    chan struct{} // closed while nothing runs
}

func newLatestRunner(sc *Scope) *latestRunner {
	idle := make(chan struct{})
	close(idle)
	return &latestRunner{scope: sc, idle: idle}
}

func (r *latestRunner) start(_ context.Context, task Task[struct{}]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running != nil {
		r.pending = task
		return
	}
	r.idle = make(chan struct{})
	r.forkLocked(task)
}

func (r *latestRunner) forkLocked(task Task[struct{}]) {
	r.running = fork(r.scope, task, func(FiberID, Exit[struct{}]) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.running = nil
		if next := r.pending; next != nil {
			r.pending = nil
			r.forkLocked(next)
			return
		}
		close(r.idle)
	})
}

func (r *latestRunner) wait(ctx context.Context) error {
	r.mu.Lock()
	idle := r.idle
	r.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
