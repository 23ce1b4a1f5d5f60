package fx

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// RaceAll runs every producer concurrently. The first producer to emit a
// value wins: the others are interrupted and only the winner's values and
// failure are forwarded. A failure from any producer before a winner is
// chosen fails the race.
//
// If fxs is empty, RaceAll completes immediately.
//
// RaceAll panics if any element of fxs is nil.
func RaceAll[A any](fxs ...Fx[A]) Fx[A] {
	for i, f := range fxs {
		if f == nil {
			panic(fmt.Sprintf("fx: RaceAll producer[%d] must not be nil", i))
		}
	}

	return RunFunc[A](func(ctx context.Context, sink Sink[A]) error {
		if len(fxs) == 0 {
			return nil
		}

		runCtx, cancel := context.WithCancelCause(ctx)
		defer cancel(nil)

		sc := newScope(runCtx, inheritConfig(ctx, "race"))
		defer sc.Close(nil)

		out := newSyncSink(sink, func(*Cause) { cancel(errStopped) })

		var (
			mu     sync.Mutex
			fibers = make([]*Fiber[struct{}], len(fxs))
			winner atomic.Int64
		)
		winner.Store(-1)

		// mu is held while forking so that a fast winner sees every sibling.
		mu.Lock()
		for i, f := range fxs {
			idx := int64(i)
			fibers[i] = Fork(sc, func(ctx context.Context) (struct{}, error) {
				onFailure := func(c *Cause) {
					if w := winner.Load(); w == -1 || w == idx {
						out.OnFailure(c)
					}
				}
				runGuarded(ctx, f, NewSink(
					func(a A) {
						if winner.CompareAndSwap(-1, idx) {
							mu.Lock()
							for j, other := range fibers {
								if int64(j) != idx {
									other.InterruptAs(FiberIDFrom(ctx))
								}
							}
							mu.Unlock()
						}
						if winner.Load() == idx {
							out.OnSuccess(a)
						}
					},
					onFailure,
				), onFailure)
				return struct{}{}, nil
			})
		}
		mu.Unlock()

		for _, f := range fibers {
			if _, err := f.Await(runCtx); err != nil {
				break
			}
		}
		sc.Close(nil)

		switch {
		case out.hasFailed():
			return nil
		case ctx.Err() != nil:
			return interruptCause(ctx)
		}
		return nil
	})
}
