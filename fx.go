package fx

import (
	"context"
	"errors"
	"time"
)

// Fx is a lazy, push-based producer of values of type A.
//
// Run drives the producer against sink and blocks until the producer
// completes. Cancelling ctx interrupts the producer; Run then returns an
// interruption [*Cause]. A failure of the producer is delivered to
// sink.OnFailure, after which Run returns nil.
//
// An Fx holds no state of its own: every call to Run is an independent
// execution. Use [Fork] to run one in the background.
type Fx[A any] interface {
	Run(ctx context.Context, sink Sink[A]) error
}

// RunFunc adapts a function to the [Fx] interface.
type RunFunc[A any] func(ctx context.Context, sink Sink[A]) error

// Run implements Fx.
func (f RunFunc[A]) Run(ctx context.Context, sink Sink[A]) error {
	return f(ctx, sink)
}

// Make wraps a run function as an [Fx].
func Make[A any](run func(ctx context.Context, sink Sink[A]) error) Fx[A] {
	return RunFunc[A](run)
}

var errStopped = errors.New("fx: stopped")

// pipe runs upstream under a child context and hands build an outlet to
// downstream. When the outlet fails or ends, upstream is stopped and the
// run completes normally.
func pipe[A, B any](
	ctx context.Context,
	upstream Fx[A],
	downstream Sink[B],
	build func(out *outlet[B]) Sink[A],
) error {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	out := &outlet[B]{
		sink: downstream,
		stop: func() { cancel(errStopped) },
	}
	err := upstream.Run(runCtx, build(out))
	if err != nil && ctx.Err() == nil && out.closed.Load() {
		return nil
	}
	return err
}

// Succeed emits a once and completes.
func Succeed[A any](a A) Fx[A] {
	return RunFunc[A](func(ctx context.Context, sink Sink[A]) error {
		if ctx.Err() != nil {
			return interruptCause(ctx)
		}
		sink.OnSuccess(a)
		return nil
	})
}

// FailCause fails once with c.
func FailCause[A any](c *Cause) Fx[A] {
	return RunFunc[A](func(ctx context.Context, sink Sink[A]) error {
		if ctx.Err() != nil {
			return interruptCause(ctx)
		}
		sink.OnFailure(c)
		return nil
	})
}

// Fail fails once with the typed error err.
func Fail[A any](err error) Fx[A] {
	return FailCause[A](NewFail(err))
}

// Die fails once with a defect carrying v.
func Die[A any](v any) Fx[A] {
	return FailCause[A](NewDie(v))
}

// Never neither emits nor completes until it is interrupted.
func Never[A any]() Fx[A] {
	return RunFunc[A](func(ctx context.Context, _ Sink[A]) error {
		<-ctx.Done()
		return interruptCause(ctx)
	})
}

// Empty completes without emitting.
func Empty[A any]() Fx[A] {
	return RunFunc[A](func(context.Context, Sink[A]) error {
		return nil
	})
}

// FromTask runs task once and emits its value, or fails with its cause.
// A panic in task is reported as a defect.
func FromTask[A any](task Task[A]) Fx[A] {
	return RunFunc[A](func(ctx context.Context, sink Sink[A]) error {
		exit := runTask(ctx, task)
		switch {
		case exit.Cause == nil:
			sink.OnSuccess(exit.Value)
		case ctx.Err() != nil && exit.Cause.IsInterruptedOnly():
			return exit.Cause
		default:
			sink.OnFailure(exit.Cause)
		}
		return nil
	})
}

// FromSlice emits every item in order and completes.
func FromSlice[A any](items []A) Fx[A] {
	return RunFunc[A](func(ctx context.Context, sink Sink[A]) error {
		for _, item := range items {
			if ctx.Err() != nil {
				return interruptCause(ctx)
			}
			sink.OnSuccess(item)
		}
		return nil
	})
}

// FromChan emits every value received from ch and completes when ch is
// closed. A nil channel never emits.
func FromChan[A any](ch <-chan A) Fx[A] {
	return RunFunc[A](func(ctx context.Context, sink Sink[A]) error {
		for {
			select {
			case v, ok := <-ch:
				if !ok {
					return nil
				}
				sink.OnSuccess(v)
			case <-ctx.Done():
				return interruptCause(ctx)
			}
		}
	})
}

// Periodic emits the current time every period until interrupted.
// It panics if period <= 0.
func Periodic(period time.Duration) Fx[time.Time] {
	if period <= 0 {
		panic("fx: Periodic requires a positive period")
	}
	return RunFunc[time.Time](func(ctx context.Context, sink Sink[time.Time]) error {
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case now := <-t.C:
				sink.OnSuccess(now)
			case <-ctx.Done():
				return interruptCause(ctx)
			}
		}
	})
}
