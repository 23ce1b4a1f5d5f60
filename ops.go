package fx

import (
	"context"
	"errors"
	"reflect"
)

// Map transforms every value with fn.
func Map[A, B any](self Fx[A], fn func(A) B) Fx[B] {
	return RunFunc[B](func(ctx context.Context, sink Sink[B]) error {
		return pipe(ctx, self, sink, func(out *outlet[B]) Sink[A] {
			return NewSink(
				func(a A) { out.emit(fn(a)) },
				out.fail,
			)
		})
	})
}

// MapEffect transforms every value with a fallible, context-aware fn.
// An error from fn fails the stream and stops the upstream.
func MapEffect[A, B any](self Fx[A], fn func(context.Context, A) (B, error)) Fx[B] {
	return RunFunc[B](func(ctx context.Context, sink Sink[B]) error {
		return pipe(ctx, self, sink, func(out *outlet[B]) Sink[A] {
			return NewSink(
				func(a A) {
					b, err := fn(ctx, a)
					if err != nil {
						if ctx.Err() == nil {
							out.fail(CauseOf(err))
						}
						return
					}
					out.emit(b)
				},
				out.fail,
			)
		})
	})
}

// Filter forwards only the values for which pred returns true.
func Filter[A any](self Fx[A], pred func(A) bool) Fx[A] {
	return RunFunc[A](func(ctx context.Context, sink Sink[A]) error {
		return pipe(ctx, self, sink, func(out *outlet[A]) Sink[A] {
			return NewSink(
				func(a A) {
					if pred(a) {
						out.emit(a)
					}
				},
				out.fail,
			)
		})
	})
}

// FilterMap transforms values with fn and drops those where fn reports false.
func FilterMap[A, B any](self Fx[A], fn func(A) (B, bool)) Fx[B] {
	return RunFunc[B](func(ctx context.Context, sink Sink[B]) error {
		return pipe(ctx, self, sink, func(out *outlet[B]) Sink[A] {
			return NewSink(
				func(a A) {
					if b, ok := fn(a); ok {
						out.emit(b)
					}
				},
				out.fail,
			)
		})
	})
}

// Tap calls fn for every value before forwarding it unchanged.
func Tap[A any](self Fx[A], fn func(A)) Fx[A] {
	return Map(self, func(a A) A {
		fn(a)
		return a
	})
}

// Take forwards the first n values, then stops the upstream and completes.
func Take[A any](self Fx[A], n int) Fx[A] {
	if n <= 0 {
		return Empty[A]()
	}
	return RunFunc[A](func(ctx context.Context, sink Sink[A]) error {
		var taken int
		return pipe(ctx, self, sink, func(out *outlet[A]) Sink[A] {
			return NewSink(
				func(a A) {
					if out.closed.Load() {
						return
					}
					taken++
					out.emit(a)
					if taken >= n {
						out.end()
					}
				},
				out.fail,
			)
		})
	})
}

// Skip drops the first n values.
func Skip[A any](self Fx[A], n int) Fx[A] {
	return RunFunc[A](func(ctx context.Context, sink Sink[A]) error {
		var skipped int
		return pipe(ctx, self, sink, func(out *outlet[A]) Sink[A] {
			return NewSink(
				func(a A) {
					if skipped < n {
						skipped++
						return
					}
					out.emit(a)
				},
				out.fail,
			)
		})
	})
}

// Slice skips the first skip values and then forwards at most take values.
func Slice[A any](self Fx[A], skip, take int) Fx[A] {
	return Take(Skip(self, skip), take)
}

// SkipRepeatsWith drops values equal to the previously forwarded one.
func SkipRepeatsWith[A any](self Fx[A], eq func(a, b A) bool) Fx[A] {
	return RunFunc[A](func(ctx context.Context, sink Sink[A]) error {
		var (
			prev A
			seen bool
		)
		return pipe(ctx, self, sink, func(out *outlet[A]) Sink[A] {
			return NewSink(
				func(a A) {
					if seen && eq(prev, a) {
						return
					}
					prev, seen = a, true
					out.emit(a)
				},
				out.fail,
			)
		})
	})
}

// SkipRepeats is SkipRepeatsWith using structural equality.
func SkipRepeats[A any](self Fx[A]) Fx[A] {
	return SkipRepeatsWith(self, func(a, b A) bool { return reflect.DeepEqual(a, b) })
}

// Scan emits the running accumulation fn(acc, a), starting from seed.
func Scan[A, R any](self Fx[A], seed R, fn func(R, A) R) Fx[R] {
	return RunFunc[R](func(ctx context.Context, sink Sink[R]) error {
		acc := seed
		return pipe(ctx, self, sink, func(out *outlet[R]) Sink[A] {
			return NewSink(
				func(a A) {
					acc = fn(acc, a)
					out.emit(acc)
				},
				out.fail,
			)
		})
	})
}

// ContinueWith runs next once self completes without failing.
func ContinueWith[A any](self Fx[A], next func() Fx[A]) Fx[A] {
	return RunFunc[A](func(ctx context.Context, sink Sink[A]) error {
		var failed bool
		err := self.Run(ctx, NewSink(sink.OnSuccess, func(c *Cause) {
			failed = true
			sink.OnFailure(c)
		}))
		if err != nil || failed {
			return err
		}
		return next().Run(ctx, sink)
	})
}

// ErrEmpty is returned by [First] when the stream completes without a value.
var ErrEmpty = errors.New("fx: stream completed without a value")

// Observe runs self and calls fn for every value. It returns the first
// error from fn, the stream's failure, or an interruption.
func Observe[A any](ctx context.Context, self Fx[A], fn func(A) error) error {
	var failure *Cause
	err := pipe(ctx, self, Sink[struct{}](nil), func(out *outlet[struct{}]) Sink[A] {
		return NewSink(
			func(a A) {
				if out.closed.Load() {
					return
				}
				if err := fn(a); err != nil {
					failure = CauseOf(err)
					out.end()
				}
			},
			func(c *Cause) {
				if out.closed.Load() {
					return
				}
				failure = c
				out.end()
			},
		)
	})
	if failure != nil {
		return failure
	}
	return err
}

// Drain runs self to completion, discarding its values.
func Drain[A any](ctx context.Context, self Fx[A]) error {
	return Observe(ctx, self, func(A) error { return nil })
}

// Collect runs self to completion and returns every value in order.
// On failure the values received so far are returned alongside the error.
func Collect[A any](ctx context.Context, self Fx[A]) ([]A, error) {
	var items []A
	err := Observe(ctx, self, func(a A) error {
		items = append(items, a)
		return nil
	})
	return items, err
}

// Reduce folds every value of self into a single result.
func Reduce[A, R any](ctx context.Context, self Fx[A], seed R, fn func(R, A) R) (R, error) {
	acc := seed
	err := Observe(ctx, self, func(a A) error {
		acc = fn(acc, a)
		return nil
	})
	return acc, err
}

// First returns the first value of self and stops it.
// It returns [ErrEmpty] if self completes without a value.
func First[A any](ctx context.Context, self Fx[A]) (A, error) {
	var (
		first A
		found bool
	)
	err := Observe(ctx, Take(self, 1), func(a A) error {
		first, found = a, true
		return nil
	})
	if err != nil {
		return first, err
	}
	if !found {
		return first, ErrEmpty
	}
	return first, nil
}
