package fx

import (
	"context"
	"sync"
	"sync/atomic"
)

type replayKind int

const (
	replayNone replayKind = iota
	replayHold
	replayBuffer
)

// Subject is a broadcast hub: a [Sink] that fans every value and failure
// out to its current subscribers, and an [Fx] whose Run subscribes.
//
// Emissions are serialized, so each subscriber observes values in
// emission order. A holding or replaying subject also replays recent
// emissions to a new subscriber before any live value, without gaps.
//
// Sinks subscribed to a subject must not emit into the same subject from
// inside their callbacks.
type Subject[A any] struct {
	kind replayKind

	// emit is held for the duration of an emission and of a new
	// subscriber's replay.
	emit *Semaphore

	mu      sync.Mutex
	nextID  uint64
	subs    map[uint64]*subscriber[A]
	buf     ring[A]
	failure *Cause
}

type subscriber[A any] struct {
	id     uint64
	sink   Sink[A]
	scope  *Scope
	active atomic.Bool
	once   sync.Once
	exit   *Cause
}

// end terminates the subscription with exit (nil for completion).
func (s *subscriber[A]) end(exit *Cause) {
	s.once.Do(func() {
		s.active.Store(false)
		s.exit = exit
		s.scope.Close(exit)
	})
}

func newSubject[A any](kind replayKind, capacity int) *Subject[A] {
	return &Subject[A]{
		kind: kind,
		emit: NewSemaphore(1),
		subs: make(map[uint64]*subscriber[A]),
		buf:  newRing[A](capacity),
	}
}

// NewSubject returns a subject that replays nothing to new subscribers.
func NewSubject[A any]() *Subject[A] {
	return newSubject[A](replayNone, 0)
}

// NewHoldSubject returns a subject that replays the last value, or the
// last failure if it came after it, to new subscribers.
func NewHoldSubject[A any]() *Subject[A] {
	return newSubject[A](replayHold, 1)
}

// NewReplaySubject returns a subject that replays up to capacity of the
// most recent values, followed by a failure if one was emitted last.
// It panics if capacity <= 0.
func NewReplaySubject[A any](capacity int) *Subject[A] {
	if capacity <= 0 {
		panic("fx: NewReplaySubject requires capacity > 0")
	}
	return newSubject[A](replayBuffer, capacity)
}

// OnSuccess emits a to every current subscriber.
func (s *Subject[A]) OnSuccess(a A) {
	s.emit.lock()
	defer s.emit.Release()

	s.mu.Lock()
	s.failure = nil
	s.buf.push(a)
	switch len(s.subs) {
	case 0:
		s.mu.Unlock()
		return
	case 1:
		var only *subscriber[A]
		for _, sub := range s.subs {
			only = sub
		}
		s.mu.Unlock()
		if only.active.Load() {
			only.sink.OnSuccess(a)
		}
		return
	}
	subs := s.snapshotLocked()
	s.mu.Unlock()

	for _, sub := range subs {
		if sub.active.Load() {
			sub.sink.OnSuccess(a)
		}
	}
}

// OnFailure emits c to every current subscriber and ends their
// subscriptions.
func (s *Subject[A]) OnFailure(c *Cause) {
	s.emit.lock()
	defer s.emit.Release()

	s.mu.Lock()
	if s.kind != replayNone {
		s.failure = c
		if s.kind == replayHold {
			s.buf.reset()
		}
	}
	subs := s.snapshotLocked()
	clear(s.subs)
	s.mu.Unlock()

	for _, sub := range subs {
		if sub.active.Load() {
			sub.sink.OnFailure(c)
		}
		sub.end(nil)
	}
}

// Run subscribes sink and blocks until ctx is done, the subject fails or
// the subject is interrupted.
func (s *Subject[A]) Run(ctx context.Context, sink Sink[A]) error {
	sub, err := s.subscribe(ctx, sink)
	if err != nil || sub == nil {
		return err
	}
	defer s.unsubscribe(sub)
	return s.wait(ctx, sub)
}

// subscribe registers sink and replays buffered emissions to it. A nil
// subscriber means the replay ended the subscription with a failure.
func (s *Subject[A]) subscribe(ctx context.Context, sink Sink[A]) (*subscriber[A], error) {
	if err := s.emit.Acquire(ctx); err != nil {
		return nil, interruptCause(ctx)
	}
	defer s.emit.Release()

	s.mu.Lock()
	var replay []A
	s.buf.each(func(a A) { replay = append(replay, a) })
	failure := s.failure
	if failure != nil {
		s.mu.Unlock()
		for _, a := range replay {
			sink.OnSuccess(a)
		}
		sink.OnFailure(failure)
		return nil, nil
	}
	s.nextID++
	sub := &subscriber[A]{
		id:    s.nextID,
		sink:  sink,
		scope: newScope(ctx, inheritConfig(ctx, "subscriber")),
	}
	sub.active.Store(true)
	s.subs[sub.id] = sub
	s.mu.Unlock()

	for _, a := range replay {
		sink.OnSuccess(a)
	}
	return sub, nil
}

func (s *Subject[A]) wait(ctx context.Context, sub *subscriber[A]) error {
	<-sub.scope.Context().Done()
	if ctx.Err() != nil {
		return interruptCause(ctx)
	}
	<-sub.scope.Done()
	if sub.exit != nil {
		return sub.exit
	}
	return nil
}

func (s *Subject[A]) unsubscribe(sub *subscriber[A]) {
	s.mu.Lock()
	delete(s.subs, sub.id)
	s.mu.Unlock()
	sub.end(nil)
}

func (s *Subject[A]) snapshotLocked() []*subscriber[A] {
	subs := make([]*subscriber[A], 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	return subs
}

// endAll removes every subscriber and ends it with exit.
func (s *Subject[A]) endAll(exit *Cause) {
	s.mu.Lock()
	subs := s.snapshotLocked()
	clear(s.subs)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.end(exit)
	}
}

// Interrupt ends every current subscription with an interruption. The
// subject itself stays usable.
func (s *Subject[A]) Interrupt() {
	s.endAll(NewInterrupt(NoFiber))
}

// SubscriberCount returns the number of current subscribers.
func (s *Subject[A]) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Last returns the most recent buffered value of a holding or replaying
// subject. The boolean is false if there is none.
func (s *Subject[A]) Last() (A, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.last()
}

// ring is a fixed-capacity buffer keeping the most recent values.
type ring[A any] struct {
	items []A
	start int
	size  int
}

func newRing[A any](capacity int) ring[A] {
	return ring[A]{items: make([]A, capacity)}
}

func (r *ring[A]) push(a A) {
	n := len(r.items)
	if n == 0 {
		return
	}
	if r.size < n {
		r.items[(r.start+r.size)%n] = a
		r.size++
		return
	}
	r.items[r.start] = a
	r.start = (r.start + 1) % n
}

func (r *ring[A]) each(fn func(A)) {
	for i := 0; i < r.size; i++ {
		fn(r.items[(r.start+i)%len(r.items)])
	}
}

func (r *ring[A]) last() (A, bool) {
	if r.size == 0 {
		var zero A
		return zero, false
	}
	return r.items[(r.start+r.size-1)%len(r.items)], true
}

func (r *ring[A]) reset() {
	clear(r.items)
	r.start, r.size = 0, 0
}

// Reset drops the buffered replay state. Current subscribers are not
// affected.
func (s *Subject[A]) Reset() {
	s.emit.lock()
	defer s.emit.Release()

	s.mu.Lock()
	s.buf.reset()
	s.failure = nil
	s.mu.Unlock()
}
