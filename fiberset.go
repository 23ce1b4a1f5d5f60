package fx

import (
	"context"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
)

// FiberSet is an unbounded collection of running fibers. Members remove
// themselves when they terminate, so membership always equals the fibers
// added through the set that have not completed yet.
//
// The set owns a parallel sub-scope of the scope it was created in;
// closing either interrupts every member.
type FiberSet[A any] struct {
	scope *Scope

	mu      sync.Mutex
	seq     uint64
	members map[FiberID]member[A]
	empty   chan struct{} // closed while members is empty
}

type member[A any] struct {
	fiber *Fiber[A]
	seq   uint64
}

// NewFiberSet creates an empty set inside parent.
func NewFiberSet[A any](parent *Scope) *FiberSet[A] {
	empty := make(chan struct{})
	close(empty)
	return &FiberSet[A]{
		scope:   parent.Child(ParallelStrategy),
		members: make(map[FiberID]member[A]),
		empty:   empty,
	}
}

// Add forks task into the set and returns its fiber.
func (s *FiberSet[A]) Add(task Task[A]) *Fiber[A] {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := fork(s.scope, task, func(id FiberID, _ Exit[A]) {
		s.mu.Lock()
		s.removeLocked(id)
		s.mu.Unlock()
	})
	if len(s.members) == 0 {
		s.empty = make(chan struct{})
	}
	s.seq++
	s.members[f.id] = member[A]{fiber: f, seq: s.seq}
	return f
}

// Remove drops f from the set without interrupting it.
// It reports whether f was a member.
func (s *FiberSet[A]) Remove(f *Fiber[A]) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(f.id)
}

func (s *FiberSet[A]) removeLocked(id FiberID) bool {
	if _, ok := s.members[id]; !ok {
		return false
	}
	delete(s.members, id)
	if len(s.members) == 0 {
		close(s.empty)
	}
	return true
}

// snapshot returns the current members in insertion order.
func (s *FiberSet[A]) snapshot() []*Fiber[A] {
	s.mu.Lock()
	ms := make([]member[A], 0, len(s.members))
	for _, m := range s.members {
		ms = append(ms, m)
	}
	s.mu.Unlock()

	slices.SortFunc(ms, func(a, b member[A]) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	out := make([]*Fiber[A], len(ms))
	for i, m := range ms {
		out[i] = m.fiber
	}
	return out
}

// Size returns the number of running members.
func (s *FiberSet[A]) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members)
}

// InterruptAll interrupts the current members and waits for them to
// terminate. Member failures are not reported; only ctx ending early
// produces an error.
func (s *FiberSet[A]) InterruptAll(ctx context.Context) error {
	fibers := s.snapshot()
	by := FiberIDFrom(ctx)
	for _, f := range fibers {
		f.InterruptAs(by)
	}
	for _, f := range fibers {
		if _, err := f.Await(ctx); err != nil {
			return err
		}
	}
	return nil
}

// JoinAll awaits every current member concurrently and returns their
// values in insertion order. The first member failure interrupts the
// remaining members and is returned.
func (s *FiberSet[A]) JoinAll(ctx context.Context) ([]A, error) {
	fibers := s.snapshot()
	results := make([]A, len(fibers))

	g, gctx := errgroup.WithContext(ctx)
	for i, f := range fibers {
		g.Go(func() error {
			select {
			case <-f.Done():
			case <-gctx.Done():
				if err := f.Interrupt(ctx); err != nil {
					return err
				}
			}
			exit, _ := f.Poll()
			if exit.Cause != nil {
				return exit.Cause
			}
			results[i] = exit.Value
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// AwaitEmpty blocks until the set has no members or ctx is done. Members
// added while waiting, including by other members, are waited for too.
func (s *FiberSet[A]) AwaitEmpty(ctx context.Context) error {
	s.mu.Lock()
	empty := s.empty
	s.mu.Unlock()

	select {
	case <-empty:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the set's scope with exit, interrupting every member.
func (s *FiberSet[A]) Close(exit *Cause) {
	s.scope.Close(exit)
}
