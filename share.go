package fx

import (
	"context"
	"sync"
	"sync/atomic"
)

// shared is a ref-counted multicast of one upstream producer through a
// subject. A subscriber arriving while no upstream generation runs starts
// one; the last subscriber to leave interrupts it.
type shared[A any] struct {
	upstream Fx[A]
	subject  *Subject[A]
	scope    *Scope

	// mu serializes the increment-then-start and decrement-then-stop
	// sequences. gen is nil whenever no upstream runs, even while
	// subscribers of a finished generation have not left yet.
	mu    sync.Mutex
	refs  int
	fiber *Fiber[struct{}]
	gen   *generation
}

// generation marks one execution of the upstream. Once stopped, its
// emissions are no longer forwarded.
type generation struct {
	stopped atomic.Bool
}

// Share multicasts upstream through subject. At most one execution of
// upstream runs while there are subscribers; it starts with the first
// subscriber and is interrupted as soon as the last one leaves. When the
// upstream completes, every current subscriber completes too.
func Share[A any](upstream Fx[A], subject *Subject[A]) Fx[A] {
	return &shared[A]{
		upstream: upstream,
		subject:  subject,
		scope:    NewScope(context.Background(), WithName("share")),
	}
}

// Multicast shares upstream without replay.
func Multicast[A any](upstream Fx[A]) Fx[A] {
	return Share(upstream, NewSubject[A]())
}

// Hold shares upstream and replays the latest value to late subscribers.
func Hold[A any](upstream Fx[A]) Fx[A] {
	return Share(upstream, NewHoldSubject[A]())
}

// Replay shares upstream and replays up to n recent values to late
// subscribers.
func Replay[A any](upstream Fx[A], n int) Fx[A] {
	return Share(upstream, NewReplaySubject[A](n))
}

func (s *shared[A]) Run(ctx context.Context, sink Sink[A]) error {
	sub, err := s.subject.subscribe(ctx, sink)
	if err != nil || sub == nil {
		return err
	}

	s.mu.Lock()
	s.refs++
	if s.gen == nil {
		s.startLocked()
	}
	s.mu.Unlock()

	err = s.subject.wait(ctx, sub)
	s.subject.unsubscribe(sub)

	s.mu.Lock()
	s.refs--
	if s.refs == 0 {
		s.stopLocked()
	}
	s.mu.Unlock()

	return err
}

func (s *shared[A]) startLocked() {
	g := &generation{}
	guard := NewSink(
		func(a A) {
			if !g.stopped.Load() {
				s.subject.OnSuccess(a)
			}
		},
		func(c *Cause) {
			if !g.stopped.Load() {
				s.subject.OnFailure(c)
			}
		},
	)

	s.gen = g
	s.fiber = Fork(s.scope, func(ctx context.Context) (struct{}, error) {
		runGuarded(ctx, s.upstream, guard, guard.OnFailure)
		s.upstreamDone(g)
		return struct{}{}, nil
	})
	s.scope.Logger().Debug("share upstream started", "fiber", s.fiber.ID())
}

func (s *shared[A]) stopLocked() {
	if s.gen == nil {
		return
	}
	s.gen.stopped.Store(true)
	s.fiber.InterruptAs(NoFiber)
	s.scope.Logger().Debug("share upstream stopped", "fiber", s.fiber.ID())
	s.gen = nil
	s.fiber = nil
}

// upstreamDone completes the subscribers of generation g if it ended on
// its own.
func (s *shared[A]) upstreamDone(g *generation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != g {
		return
	}
	g.stopped.Store(true)
	s.gen = nil
	s.fiber = nil
	s.subject.endAll(nil)
}
