package fx

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
)

// Scope is a structured-concurrency lifetime boundary. It owns the fibers
// forked into it with [Fork] and a set of finalizers, and is closed exactly
// once with [Scope.Close].
//
// Closing a scope cancels the context of every fiber it owns, runs its
// finalizers according to its [ExecutionStrategy], and waits for the owned
// fibers to finish. Child scopes created with [Scope.Child] are closed
// together with their parent.
//
// Example usage:
//
//	sc := fx.NewScope(ctx)
//	defer sc.Close(nil)
//
//	f := fx.Fork(sc, func(ctx context.Context) (int, error) {
//	    return compute(ctx)
//	})
//	v, err := f.Join(ctx)
type Scope struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	cfg    config

	mu         sync.Mutex
	closed     bool
	nextKey    uint64
	finalizers map[uint64]func(*Cause)

	wg   sync.WaitGroup
	done chan struct{}

	// Observability counters.
	totalForked atomic.Int64
	activeFiber atomic.Int64
}

// NewScope creates a root scope whose context derives from parent.
// Cancelling parent interrupts the scope's fibers, but finalizers only run
// on [Scope.Close].
func NewScope(parent context.Context, opts ...Option) *Scope {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return newScope(parent, cfg)
}

func newScope(parent context.Context, cfg config) *Scope {
	ctx, cancel := context.WithCancelCause(context.WithValue(parent, configKey{}, cfg))
	return &Scope{
		ctx:        ctx,
		cancel:     cancel,
		cfg:        cfg,
		finalizers: make(map[uint64]func(*Cause)),
		done:       make(chan struct{}),
	}
}

type configKey struct{}

// inheritConfig returns the configuration of the scope that ctx runs in,
// renamed to name, so that scopes created inside an operator keep the
// caller's logger and event hook. Outside any scope it returns the
// defaults.
func inheritConfig(ctx context.Context, name string) config {
	cfg, ok := ctx.Value(configKey{}).(config)
	if !ok {
		cfg = defaultConfig()
	}
	cfg.name = name
	cfg.strategy = ParallelStrategy
	return cfg
}

// Child forks a sub-scope with the given strategy. The child inherits the
// logger and event hook, is closed when s closes, and detaches itself from
// s when closed first.
func (s *Scope) Child(strategy ExecutionStrategy) *Scope {
	cfg := s.cfg
	WithStrategy(strategy)(&cfg)

	child := newScope(s.ctx, cfg)
	remove := s.AddFinalizer(child.Close)
	child.AddFinalizer(func(*Cause) { remove() })
	return child
}

// AddFinalizer registers fn to run when the scope closes. The returned
// function unregisters it. If the scope is already closed, fn runs
// immediately with an interruption.
func (s *Scope) AddFinalizer(fn func(exit *Cause)) (remove func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn(interruptCause(s.ctx))
		return func() {}
	}
	key := s.nextKey
	s.nextKey++
	s.finalizers[key] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.finalizers, key)
		s.mu.Unlock()
	}
}

// Close closes the scope with the given exit (nil for success). It
// cancels the scope context, runs the finalizers and waits for every
// fiber forked into the scope.
//
// Only the first call has an effect; later calls return immediately
// without waiting. Close must not be called from a fiber owned by s.
func (s *Scope) Close(exit *Cause) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	keys := make([]uint64, 0, len(s.finalizers))
	for k := range s.finalizers {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	fins := make([]func(*Cause), len(keys))
	for i, k := range keys {
		fins[i] = s.finalizers[k]
	}
	s.finalizers = nil
	s.mu.Unlock()

	if exit != nil && exit.kind == KindInterrupt {
		s.cancel(exit)
	} else {
		s.cancel(NewInterrupt(NoFiber))
	}

	switch s.cfg.strategy {
	case SequentialStrategy:
		for i := len(fins) - 1; i >= 0; i-- {
			fins[i](exit)
		}
	case ParallelStrategy:
		var wg sync.WaitGroup
		for _, fn := range fins {
			wg.Add(1)
			go func() {
				defer wg.Done()
				fn(exit)
			}()
		}
		wg.Wait()
	}

	s.wg.Wait()
	close(s.done)

	s.cfg.log.Debug("scope closed",
		"scope", s.cfg.name,
		"forked", s.totalForked.Load(),
		"exit", exit,
	)
}

// Context returns the scope's context. It is cancelled when the scope
// closes or its parent context is cancelled.
func (s *Scope) Context() context.Context {
	return s.ctx
}

// Done returns a channel closed once [Scope.Close] has finished.
func (s *Scope) Done() <-chan struct{} {
	return s.done
}

// Closed reports whether [Scope.Close] has been called.
func (s *Scope) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Logger returns the logger configured for the scope.
func (s *Scope) Logger() *slog.Logger {
	return s.cfg.log
}

// ActiveFibers returns the number of fibers currently running in the scope.
func (s *Scope) ActiveFibers() int64 {
	return s.activeFiber.Load()
}

// TotalForked returns the number of fibers forked into the scope,
// including those that have already completed.
func (s *Scope) TotalForked() int64 {
	return s.totalForked.Load()
}

// track registers a new fiber with the scope. It returns false when the
// scope is already closed; the fiber must then not run its task.
func (s *Scope) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	s.totalForked.Add(1)
	return true
}

// emitEvent calls the onEvent hook if registered.
func (s *Scope) emitEvent(e FiberEvent) {
	if s.cfg.onEvent != nil {
		e.Scope = s.cfg.name
		s.cfg.onEvent(e)
	}
}
