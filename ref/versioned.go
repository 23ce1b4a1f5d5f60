package ref

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/baxromumarov/fx"
)

// ErrNoSuchElement is returned when sampling a filtered value whose
// mapping currently yields nothing.
var ErrNoSuchElement = errors.New("ref: no such element")

// Versioned is a value that can be sampled, subscribed to, and that
// reports a version which changes whenever the value may have changed.
// *RefSubject implements Versioned.
type Versioned[A any] interface {
	fx.Fx[A]

	// Version returns the current version.
	Version() uint64

	// Sample returns the current value and the version it belongs to.
	Sample(ctx context.Context) (A, uint64, error)
}

var _ Versioned[int] = (*RefSubject[int])(nil)

type option[B any] struct {
	value B
	ok    bool
}

type result[B any] struct {
	value   B
	found   bool
	version uint64
}

// derived is a Versioned computed from another one. The result of the
// last computation is cached together with the input version it was
// computed for; concurrent samplers at the same version share a single
// computation.
type derived[A, B any] struct {
	input   Versioned[A]
	stream  fx.Fx[B]
	compute func(context.Context, A) (B, bool, error)
	group   singleflight.Group

	mu     sync.Mutex
	cached bool
	last   result[B]
}

func newDerived[A, B any](
	input Versioned[A],
	stream fx.Fx[B],
	compute func(context.Context, A) (B, bool, error),
) *derived[A, B] {
	return &derived[A, B]{input: input, stream: stream, compute: compute}
}

func (d *derived[A, B]) Run(ctx context.Context, sink fx.Sink[B]) error {
	return d.stream.Run(ctx, sink)
}

func (d *derived[A, B]) Version() uint64 {
	return d.input.Version()
}

func (d *derived[A, B]) lookup(version uint64) (result[B], bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cached && d.last.version == version {
		return d.last, true
	}
	return result[B]{}, false
}

func (d *derived[A, B]) Sample(ctx context.Context) (B, uint64, error) {
	version := d.input.Version()
	r, ok := d.lookup(version)
	if !ok {
		v, err, _ := d.group.Do(strconv.FormatUint(version, 10), func() (any, error) {
			r, err := d.recompute(ctx)
			return r, err
		})
		if err != nil {
			var zero B
			return zero, version, err
		}
		r = v.(result[B])
	}
	if !r.found {
		return r.value, r.version, ErrNoSuchElement
	}
	return r.value, r.version, nil
}

func (d *derived[A, B]) recompute(ctx context.Context) (result[B], error) {
	a, version, err := d.input.Sample(ctx)
	if err != nil {
		return result[B]{}, err
	}
	if r, ok := d.lookup(version); ok {
		return r, nil
	}

	b, found, err := d.compute(ctx, a)
	if err != nil {
		return result[B]{}, err
	}

	r := result[B]{value: b, found: found, version: version}
	d.mu.Lock()
	d.cached = true
	d.last = r
	d.mu.Unlock()
	return r, nil
}

// MapEffect derives a Versioned by applying f to input. f runs at most
// once per input version observed by Sample.
func MapEffect[A, B any](input Versioned[A], f func(context.Context, A) (B, error)) Versioned[B] {
	return newDerived(input, fx.MapEffect[A, B](input, f), func(ctx context.Context, a A) (B, bool, error) {
		b, err := f(ctx, a)
		return b, err == nil, err
	})
}

// FilterMapEffect derives a Versioned that only has a value when f
// reports one. Sampling while f yields nothing fails with
// [ErrNoSuchElement]; the stream skips such values.
func FilterMapEffect[A, B any](input Versioned[A], f func(context.Context, A) (B, bool, error)) Versioned[B] {
	stream := fx.FilterMap(
		fx.MapEffect[A, option[B]](input, func(ctx context.Context, a A) (option[B], error) {
			b, ok, err := f(ctx, a)
			return option[B]{value: b, ok: ok}, err
		}),
		func(o option[B]) (B, bool) { return o.value, o.ok },
	)
	return newDerived(input, stream, f)
}

// Map is MapEffect with a pure function.
func Map[A, B any](input Versioned[A], f func(A) B) Versioned[B] {
	return MapEffect(input, func(_ context.Context, a A) (B, error) {
		return f(a), nil
	})
}

// FilterMap is FilterMapEffect with a pure function.
func FilterMap[A, B any](input Versioned[A], f func(A) (B, bool)) Versioned[B] {
	return FilterMapEffect(input, func(_ context.Context, a A) (B, bool, error) {
		b, ok := f(a)
		return b, ok, nil
	})
}

// Computed is MapEffect whose change stream skips consecutive equal
// values.
func Computed[A, B any](input Versioned[A], f func(context.Context, A) (B, error)) Versioned[B] {
	d := MapEffect(input, f).(*derived[A, B])
	d.stream = fx.SkipRepeats(d.stream)
	return d
}

// Filtered is FilterMapEffect whose change stream skips consecutive equal
// values.
func Filtered[A, B any](input Versioned[A], f func(context.Context, A) (B, bool, error)) Versioned[B] {
	d := FilterMapEffect(input, f).(*derived[A, B])
	d.stream = fx.SkipRepeats(d.stream)
	return d
}
