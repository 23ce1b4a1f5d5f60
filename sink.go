package fx

import (
	"sync"
	"sync/atomic"
)

// Sink is the consumer side of an [Fx]. A producer calls OnSuccess for
// every value and OnFailure at most once; OnFailure is terminal and no
// further calls follow it.
//
// Implementations must not block indefinitely: producers run the
// callbacks on their own goroutine.
type Sink[A any] interface {
	OnSuccess(A)
	OnFailure(*Cause)
}

type funcSink[A any] struct {
	success func(A)
	failure func(*Cause)
}

func (s funcSink[A]) OnSuccess(a A) {
	if s.success != nil {
		s.success(a)
	}
}

func (s funcSink[A]) OnFailure(c *Cause) {
	if s.failure != nil {
		s.failure(c)
	}
}

// NewSink builds a Sink from two callbacks. Either may be nil.
func NewSink[A any](onSuccess func(A), onFailure func(*Cause)) Sink[A] {
	return funcSink[A]{success: onSuccess, failure: onFailure}
}

// outlet guards a downstream sink for a single-producer operator. Once it
// fails or ends, the upstream is stopped and later calls are dropped.
type outlet[A any] struct {
	sink   Sink[A]
	closed atomic.Bool
	stop   func()
}

func (o *outlet[A]) emit(a A) {
	if !o.closed.Load() {
		o.sink.OnSuccess(a)
	}
}

func (o *outlet[A]) fail(c *Cause) {
	if o.closed.CompareAndSwap(false, true) {
		o.sink.OnFailure(c)
		o.stop()
	}
}

func (o *outlet[A]) end() {
	if o.closed.CompareAndSwap(false, true) {
		o.stop()
	}
}

// syncSink serializes calls from concurrent producers into one downstream
// sink. The first failure is forwarded, onFail is invoked once, and every
// later call is dropped.
type syncSink[A any] struct {
	mu     sync.Mutex
	sink   Sink[A]
	failed bool
	onFail func(*Cause)
}

func newSyncSink[A any](sink Sink[A], onFail func(*Cause)) *syncSink[A] {
	return &syncSink[A]{sink: sink, onFail: onFail}
}

func (s *syncSink[A]) OnSuccess(a A) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return
	}
	s.sink.OnSuccess(a)
}

func (s *syncSink[A]) OnFailure(c *Cause) {
	s.mu.Lock()
	if s.failed {
		s.mu.Unlock()
		return
	}
	s.failed = true
	s.sink.OnFailure(c)
	s.mu.Unlock()

	if s.onFail != nil {
		s.onFail(c)
	}
}

func (s *syncSink[A]) hasFailed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}
