package ref

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/baxromumarov/fx"
)

// RefSubject is an observable, lazily initialized mutable cell.
//
// Reads are served from the cell once it holds a value. Writes are
// serialized by a single permit; see [Updates]. Changes are broadcast to
// subscribers through a holding subject, so a new subscriber immediately
// receives the current value.
type RefSubject[A any] struct {
	scope   *fx.Scope
	initial fx.Task[A]
	subject *fx.Subject[A]
	lock    *fx.Semaphore
	init    *fx.FiberHandle[A]
	eq      func(a, b A) bool
	log     *slog.Logger

	mu      sync.Mutex
	value   A
	has     bool
	version uint64
}

// New creates a RefSubject owned by parent. initial computes the value
// the first time it is read, and again after [RefSubject.Delete].
func New[A any](parent *fx.Scope, initial fx.Task[A], opts ...Option) *RefSubject[A] {
	cfg := config{log: parent.Logger()}
	for _, opt := range opts {
		opt(&cfg)
	}

	eq := func(a, b A) bool { return reflect.DeepEqual(a, b) }
	if cfg.eq != nil {
		custom, ok := cfg.eq.(func(a, b A) bool)
		if !ok {
			panic(fmt.Sprintf("ref: WithEqual type %T does not match element type", cfg.eq))
		}
		eq = custom
	}

	scope := parent.Child(fx.SequentialStrategy)
	return &RefSubject[A]{
		scope:   scope,
		initial: initial,
		subject: fx.NewHoldSubject[A](),
		lock:    fx.NewSemaphore(1),
		init:    fx.NewFiberHandle[A](scope, fx.Slide),
		eq:      eq,
		log:     cfg.log,
	}
}

// Of creates a RefSubject whose initial value is value.
func Of[A any](parent *fx.Scope, value A, opts ...Option) *RefSubject[A] {
	return New(parent, func(context.Context) (A, error) { return value, nil }, opts...)
}

// current returns the stored value and its version.
func (r *RefSubject[A]) current() (A, uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value, r.version, r.has
}

// Get returns the current value, running the initializer first if the
// cell is empty. An initializer failure is returned and not cached; the
// next Get retries.
func (r *RefSubject[A]) Get(ctx context.Context) (A, error) {
	v, _, err := r.Sample(ctx)
	return v, err
}

// Sample returns the current value together with its version.
func (r *RefSubject[A]) Sample(ctx context.Context) (A, uint64, error) {
	if v, version, ok := r.current(); ok {
		return v, version, nil
	}
	if _, err := fx.WithPermit(ctx, r.lock, r.getLocked); err != nil {
		var zero A
		return zero, 0, err
	}
	if v, version, ok := r.current(); ok {
		return v, version, nil
	}
	return r.Sample(ctx)
}

// getLocked returns the value, initializing the cell if needed. The
// caller must hold the permit.
func (r *RefSubject[A]) getLocked(ctx context.Context) (A, error) {
	if v, _, ok := r.current(); ok {
		return v, nil
	}

	f, _ := r.init.Run(ctx, r.initial)
	v, err := f.Join(ctx)
	if err != nil {
		if c := fx.CauseOf(err); ctx.Err() == nil && !c.IsInterruptedOnly() {
			r.failLocked(c)
		}
		return v, err
	}
	r.commitLocked(v)
	return v, nil
}

// commitLocked stores a unless it equals the current value. The caller
// must hold the permit.
func (r *RefSubject[A]) commitLocked(a A) bool {
	r.mu.Lock()
	if r.has && r.eq(r.value, a) {
		r.mu.Unlock()
		return false
	}
	r.value = a
	r.has = true
	r.version++
	r.mu.Unlock()

	r.subject.OnSuccess(a)
	return true
}

// failLocked records an initializer failure. The caller must hold the
// permit.
func (r *RefSubject[A]) failLocked(c *fx.Cause) {
	r.mu.Lock()
	r.version++
	r.mu.Unlock()

	r.log.Debug("ref initializer failed", "cause", c)
	r.subject.OnFailure(c)
}

// deleteLocked empties the cell and returns the previous value. The
// caller must hold the permit.
func (r *RefSubject[A]) deleteLocked() (A, bool) {
	r.mu.Lock()
	prev, had := r.value, r.has
	var zero A
	r.value = zero
	r.has = false
	if had {
		r.version++
	}
	r.mu.Unlock()

	r.subject.Reset()
	if had && r.subject.SubscriberCount() > 0 {
		fx.Fork(r.scope, func(ctx context.Context) (A, error) {
			return fx.WithPermit(ctx, r.lock, r.getLocked)
		})
	}
	return prev, had
}

// Set stores a and returns it. Setting a value equal to the current one
// neither advances the version nor notifies subscribers.
func (r *RefSubject[A]) Set(ctx context.Context, a A) (A, error) {
	return Updates(ctx, r, func(_ context.Context, tx Tx[A]) (A, error) {
		return tx.Set(a), nil
	})
}

// Update replaces the value with f applied to it and returns the result.
func (r *RefSubject[A]) Update(ctx context.Context, f func(A) A) (A, error) {
	return Updates(ctx, r, func(ctx context.Context, tx Tx[A]) (A, error) {
		v, err := tx.Get(ctx)
		if err != nil {
			return v, err
		}
		return tx.Set(f(v)), nil
	})
}

// Delete empties the cell and returns the previous value, if any. When
// subscribers are present the initializer runs again in the background.
func (r *RefSubject[A]) Delete(ctx context.Context) (A, bool, error) {
	var had bool
	prev, err := Updates(ctx, r, func(_ context.Context, tx Tx[A]) (A, error) {
		var prev A
		prev, had = tx.Delete()
		return prev, nil
	})
	return prev, had, err
}

// Run subscribes sink to the value and its changes. It initializes the
// cell first; an initializer failure is delivered to sink.
func (r *RefSubject[A]) Run(ctx context.Context, sink fx.Sink[A]) error {
	if _, err := r.Get(ctx); err != nil {
		c := fx.CauseOf(err)
		if ctx.Err() != nil || c.IsInterruptedOnly() {
			return c
		}
		sink.OnFailure(c)
		return nil
	}
	return r.subject.Run(ctx, sink)
}

// Version returns the number of accepted changes so far.
func (r *RefSubject[A]) Version() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// SubscriberCount returns the number of current change subscribers.
func (r *RefSubject[A]) SubscriberCount() int {
	return r.subject.SubscriberCount()
}

// Interrupt closes the cell's scope, interrupting a running initializer,
// and ends every subscription.
func (r *RefSubject[A]) Interrupt() {
	r.scope.Close(fx.NewInterrupt(fx.NoFiber))
	r.subject.Interrupt()
}

// Tx is the view of a RefSubject handed to an [Updates] body. It is only
// valid until the body returns.
type Tx[A any] struct {
	r *RefSubject[A]
}

// Get returns the current value, initializing the cell if needed.
func (tx Tx[A]) Get(ctx context.Context) (A, error) {
	return tx.r.getLocked(ctx)
}

// Set stores a and returns it.
func (tx Tx[A]) Set(a A) A {
	tx.r.commitLocked(a)
	return a
}

// Delete empties the cell and returns the previous value.
func (tx Tx[A]) Delete() (A, bool) {
	return tx.r.deleteLocked()
}

// Updates runs f while holding the cell's single write permit. It is the
// only way to mutate a RefSubject, so concurrent calls execute one at a
// time. The permit is released when f returns, fails, panics or is
// interrupted; a failing f leaves the cell usable.
func Updates[A, B any](ctx context.Context, r *RefSubject[A], f func(context.Context, Tx[A]) (B, error)) (B, error) {
	return fx.WithPermit(ctx, r.lock, func(ctx context.Context) (B, error) {
		return f(ctx, Tx[A]{r: r})
	})
}

// Modify applies f to the current value, stores the second result and
// returns the first.
func Modify[A, B any](ctx context.Context, r *RefSubject[A], f func(A) (B, A)) (B, error) {
	return Updates(ctx, r, func(ctx context.Context, tx Tx[A]) (B, error) {
		v, err := tx.Get(ctx)
		if err != nil {
			var zero B
			return zero, err
		}
		b, next := f(v)
		tx.Set(next)
		return b, nil
	})
}

// Number is satisfied by the built-in numeric types.
type Number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// Increment adds one to the value and returns the result.
func Increment[N Number](ctx context.Context, r *RefSubject[N]) (N, error) {
	return r.Update(ctx, func(n N) N { return n + 1 })
}

// Decrement subtracts one from the value and returns the result.
func Decrement[N Number](ctx context.Context, r *RefSubject[N]) (N, error) {
	return r.Update(ctx, func(n N) N { return n - 1 })
}
