package fx

import (
	"context"
	"sync/atomic"
)

// Semaphore hands out a fixed number of permits. FlatMapConcurrently uses
// one to cap how many inner producers run at once, and Subject and the
// ref package use a single-permit Semaphore to order emissions and
// writers.
//
// Waiting for a permit is an interruption point: [Semaphore.Acquire] and
// [WithPermit] give up as soon as their context ends.
type Semaphore struct {
	permits chan struct{}
	held    atomic.Int64
}

// NewSemaphore returns a Semaphore holding n permits.
// It panics if n <= 0.
func NewSemaphore(n int) *Semaphore {
	if n <= 0 {
		panic("fx: NewSemaphore requires n > 0")
	}
	return &Semaphore{permits: make(chan struct{}, n)}
}

// Acquire takes a permit, waiting for one to be returned if none is free.
// It reports ctx.Err() without taking a permit when ctx is already done or
// ends while waiting.
func (s *Semaphore) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case s.permits <- struct{}{}:
		s.held.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// lock takes a permit and waits for as long as it takes. It backs the
// emission paths of Subject, which have no context to give up on.
func (s *Semaphore) lock() {
	s.permits <- struct{}{}
	s.held.Add(1)
}

// TryAcquire takes a permit only if one is free right now.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.permits <- struct{}{}:
		s.held.Add(1)
		return true
	default:
		return false
	}
}

// Release hands a permit back. Releasing a permit that was never taken is
// a programming error and panics.
func (s *Semaphore) Release() {
	if s.held.Add(-1) < 0 {
		s.held.Add(1)
		panic("fx: Semaphore.Release called without matching Acquire")
	}
	<-s.permits
}

// Available reports how many permits are free. Under contention the
// answer may already be out of date when it is returned.
func (s *Semaphore) Available() int {
	return cap(s.permits) - len(s.permits)
}

// WithPermit runs fn holding one permit of s and hands the permit back
// however fn ends, including by panic. If ctx ends before a permit frees
// up, fn does not run and WithPermit returns an interruption.
func WithPermit[A any](ctx context.Context, s *Semaphore, fn func(ctx context.Context) (A, error)) (A, error) {
	if s.Acquire(ctx) != nil {
		var zero A
		return zero, interruptCause(ctx)
	}
	defer s.Release()
	return fn(ctx)
}
