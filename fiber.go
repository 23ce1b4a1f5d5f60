package fx

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Task is an asynchronous computation producing a value of type A.
// It must return promptly once ctx is done.
type Task[A any] func(ctx context.Context) (A, error)

// Exit is the outcome of a fiber: either a value or a non-nil Cause.
type Exit[A any] struct {
	Value A
	Cause *Cause
}

// Succeeded reports whether the exit carries a value.
func (e Exit[A]) Succeeded() bool {
	return e.Cause == nil
}

// Err returns the cause as an error, or nil on success.
func (e Exit[A]) Err() error {
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}

type fiberKey struct{}

// FiberIDFrom returns the ID of the fiber running under ctx, or [NoFiber].
func FiberIDFrom(ctx context.Context) FiberID {
	if id, ok := ctx.Value(fiberKey{}).(FiberID); ok {
		return id
	}
	return NoFiber
}

// Fiber is a handle to a task running in its own goroutine inside a [Scope].
// It can be awaited, joined and interrupted from any goroutine.
type Fiber[A any] struct {
	id     FiberID
	cancel context.CancelCauseFunc
	done   chan struct{}
	exit   Exit[A]
}

// Fork starts task in a new fiber owned by s. The fiber's context is
// cancelled when s closes or the fiber is interrupted.
//
// A panic in task is recovered and reported as a [KindDie] cause. Forking
// into a closed scope returns a fiber that is already interrupted.
func Fork[A any](s *Scope, task Task[A]) *Fiber[A] {
	return fork(s, task, nil)
}

// fork is Fork with a completion continuation. onExit runs in the fiber's
// goroutine after task returns and before the fiber is marked done.
func fork[A any](s *Scope, task Task[A], onExit func(FiberID, Exit[A])) *Fiber[A] {
	f := &Fiber[A]{
		id:   uuid.New(),
		done: make(chan struct{}),
	}

	ctx, cancel := context.WithCancelCause(s.ctx)
	f.cancel = cancel
	ctx = context.WithValue(ctx, fiberKey{}, f.id)

	tracked := s.track()

	go func() {
		if tracked {
			defer s.wg.Done()
		}
		defer cancel(nil)

		var exit Exit[A]
		start := time.Now()
		if !tracked || ctx.Err() != nil {
			exit.Cause = interruptCause(ctx)
		} else {
			s.activeFiber.Add(1)
			s.emitEvent(FiberEvent{Kind: EventStarted, Fiber: f.id})
			exit = runTask(ctx, task)
			s.activeFiber.Add(-1)
		}

		if onExit != nil {
			onExit(f.id, exit)
		}

		f.exit = exit
		close(f.done)

		s.reportExit(f.id, exit.Cause, time.Since(start))
	}()

	return f
}

func runTask[A any](ctx context.Context, task Task[A]) (exit Exit[A]) {
	defer func() {
		if r := recover(); r != nil {
			exit = Exit[A]{Cause: NewDie(newPanicError(r))}
		}
	}()

	v, err := task(ctx)
	if err != nil {
		return Exit[A]{Cause: causeFromError(ctx, err)}
	}
	return Exit[A]{Value: v}
}

// reportExit logs and emits the completion event of a fiber.
func (s *Scope) reportExit(id FiberID, c *Cause, d time.Duration) {
	kind := EventDone
	switch {
	case c == nil:
	case c.IsInterruptedOnly():
		kind = EventInterrupted
	case len(Defects(c)) > 0:
		kind = EventDied
		s.cfg.log.Warn("fiber died", "scope", s.cfg.name, "fiber", id, "cause", c)
	default:
		kind = EventFailed
	}

	s.emitEvent(FiberEvent{
		Kind:     kind,
		Fiber:    id,
		Cause:    c,
		Duration: d,
	})
}

// ID returns the fiber's identity.
func (f *Fiber[A]) ID() FiberID {
	return f.id
}

// Done returns a channel closed when the fiber has terminated.
func (f *Fiber[A]) Done() <-chan struct{} {
	return f.done
}

// Poll returns the fiber's exit without blocking. The boolean is false
// while the fiber is still running.
func (f *Fiber[A]) Poll() (Exit[A], bool) {
	select {
	case <-f.done:
		return f.exit, true
	default:
		return Exit[A]{}, false
	}
}

// Await blocks until the fiber terminates or ctx is done.
// It returns ctx.Err() only when ctx ends first.
func (f *Fiber[A]) Await(ctx context.Context) (Exit[A], error) {
	select {
	case <-f.done:
		return f.exit, nil
	case <-ctx.Done():
		return Exit[A]{}, ctx.Err()
	}
}

// Join awaits the fiber and returns its value, or its [*Cause] as error.
func (f *Fiber[A]) Join(ctx context.Context) (A, error) {
	exit, err := f.Await(ctx)
	if err != nil {
		var zero A
		return zero, err
	}
	if exit.Cause != nil {
		return exit.Value, exit.Cause
	}
	return exit.Value, nil
}

// InterruptAs requests interruption on behalf of the fiber by without
// waiting for the fiber to terminate.
func (f *Fiber[A]) InterruptAs(by FiberID) {
	f.cancel(NewInterrupt(by))
}

// Interrupt requests interruption on behalf of the fiber running under ctx
// (if any) and waits for the fiber to terminate or ctx to end.
// A fiber interrupting itself does not wait.
func (f *Fiber[A]) Interrupt(ctx context.Context) error {
	by := FiberIDFrom(ctx)
	f.InterruptAs(by)
	if by == f.id {
		return nil
	}
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
