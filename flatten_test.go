package fx_test

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baxromumarov/fx"
)

// spaced emits items one every gap.
func spaced[A any](gap time.Duration, items ...A) fx.Fx[A] {
	return fx.Make(func(ctx context.Context, sink fx.Sink[A]) error {
		for i, item := range items {
			if i > 0 {
				select {
				case <-time.After(gap):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			sink.OnSuccess(item)
		}
		return nil
	})
}

func TestFlatMapRunsAllInners(t *testing.T) {
	t.Parallel()

	stream := fx.FlatMap(fx.FromSlice([]int{1, 2, 3}), func(n int) fx.Fx[int] {
		return fx.FromSlice([]int{n * 10, n*10 + 1})
	})
	got, err := fx.Collect(testContext(t), stream)
	require.NoError(t, err)
	slices.Sort(got)
	assert.Equal(t, []int{10, 11, 20, 21, 30, 31}, got)
}

func TestFlatMapWaitsForInners(t *testing.T) {
	t.Parallel()

	stream := fx.FlatMap(fx.Succeed(1), func(n int) fx.Fx[int] {
		return delayed(n, 20*time.Millisecond)
	})
	got, err := fx.Collect(testContext(t), stream)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, got)
}

func TestFlatMapConcurrentlyBoundsInners(t *testing.T) {
	t.Parallel()

	var active, peak atomic.Int32
	stream := fx.FlatMapConcurrently(fx.FromSlice([]int{1, 2, 3, 4, 5, 6}), func(n int) fx.Fx[int] {
		return fx.FromTask(func(context.Context) (int, error) {
			cur := active.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
			return n, nil
		})
	}, 2)

	got, err := fx.Collect(testContext(t), stream)
	require.NoError(t, err)
	assert.Len(t, got, 6)
	assert.LessOrEqual(t, peak.Load(), int32(2))

	mustPanic(t, "n > 0", func() {
		fx.FlatMapConcurrently(fx.Empty[int](), func(int) fx.Fx[int] { return fx.Empty[int]() }, 0)
	})
}

func TestSwitchMapFollowsLatest(t *testing.T) {
	t.Parallel()

	outer := spaced(20*time.Millisecond, "a", "b", "c")
	stream := fx.SwitchMap(outer, func(s string) fx.Fx[string] {
		return spaced(15*time.Millisecond, s+"1", s+"2", s+"3")
	})
	got, err := fx.Collect(testContext(t), stream)
	require.NoError(t, err)

	assert.Equal(t, []string{"c1", "c2", "c3"}, got[len(got)-3:], "the last inner runs to completion")
	assert.NotContains(t, got, "a3", "earlier inners are interrupted")
	assert.NotContains(t, got, "b3")
}

func TestExhaustMapIgnoresWhileBusy(t *testing.T) {
	t.Parallel()

	outer := spaced(5*time.Millisecond, 1, 2, 3)
	stream := fx.ExhaustMap(outer, func(n int) fx.Fx[int] {
		return delayed(n, 30*time.Millisecond)
	})
	got, err := fx.Collect(testContext(t), stream)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, got)
}

func TestExhaustLatestMapRunsLatestIgnored(t *testing.T) {
	t.Parallel()

	outer := spaced(5*time.Millisecond, 1, 2, 3)
	stream := fx.ExhaustLatestMap(outer, func(n int) fx.Fx[int] {
		return delayed(n, 30*time.Millisecond)
	})
	got, err := fx.Collect(testContext(t), stream)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, got)
}

func TestFlattenAndSwitchLatest(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)

	nested := fx.FromSlice([]fx.Fx[int]{fx.Succeed(1), fx.Succeed(2)})
	got, err := fx.Collect(ctx, fx.Flatten(nested))
	require.NoError(t, err)
	slices.Sort(got)
	assert.Equal(t, []int{1, 2}, got)

	got, err = fx.Collect(ctx, fx.SwitchLatest(fx.FromSlice([]fx.Fx[int]{fx.Never[int](), fx.Succeed(2)})))
	require.NoError(t, err)
	assert.Equal(t, []int{2}, got)
}

func TestFlatMapInnerFailureInterruptsSiblings(t *testing.T) {
	t.Parallel()

	var interrupted atomic.Int32
	stream := fx.FlatMap(fx.FromSlice([]int{1, 2, 3}), func(n int) fx.Fx[int] {
		if n == 2 {
			return fx.Make(func(ctx context.Context, sink fx.Sink[int]) error {
				time.Sleep(5 * time.Millisecond)
				sink.OnFailure(fx.NewFail(errBoom))
				return nil
			})
		}
		return fx.Make(func(ctx context.Context, sink fx.Sink[int]) error {
			<-ctx.Done()
			interrupted.Add(1)
			return ctx.Err()
		})
	})

	_, err := fx.Collect(testContext(t), stream)
	assert.ErrorIs(t, err, errBoom)
	assert.EqualValues(t, 2, interrupted.Load())
}

func TestFlatMapOuterFailure(t *testing.T) {
	t.Parallel()

	outer := fx.ContinueWith(fx.Succeed(1), func() fx.Fx[int] { return fx.Fail[int](errBoom) })
	stream := fx.FlatMap(outer, func(n int) fx.Fx[int] { return fx.Never[int]() })

	_, err := fx.Collect(testContext(t), stream)
	assert.ErrorIs(t, err, errBoom)
}

func TestFlatMapPanicInProjection(t *testing.T) {
	t.Parallel()

	stream := fx.FlatMap(fx.Succeed(1), func(int) fx.Fx[int] { panic("bad projection") })
	_, err := fx.Collect(testContext(t), stream)
	require.Error(t, err)
	assert.Equal(t, fx.KindDie, fx.CauseOf(err).Kind())
}

func TestFlatMapInterrupted(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	stream := fx.FlatMap(fx.Succeed(1), func(int) fx.Fx[int] { return fx.Never[int]() })
	err := fx.Drain(ctx, stream)
	assert.True(t, fx.IsInterrupted(err))
}

func TestFlattenForwardsInnerDefect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		flatten func(fx.Fx[int], func(int) fx.Fx[int]) fx.Fx[int]
	}{
		{name: "FlatMap", flatten: fx.FlatMap[int, int]},
		{name: "SwitchMap", flatten: fx.SwitchMap[int, int]},
		{name: "ExhaustMap", flatten: fx.ExhaustMap[int, int]},
		{name: "ExhaustLatestMap", flatten: fx.ExhaustLatestMap[int, int]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			stream := tt.flatten(fx.Succeed(1), func(n int) fx.Fx[int] {
				return fx.Map(fx.Succeed(n), func(int) int { panic("bad inner") })
			})
			got, err := fx.Collect(testContext(t), stream)
			require.Error(t, err)
			assert.Empty(t, got)
			c := fx.CauseOf(err)
			assert.Equal(t, fx.KindDie, c.Kind())
			require.Len(t, fx.Defects(c), 1)
		})
	}
}

func TestFlattenForwardsInnerRunError(t *testing.T) {
	t.Parallel()

	errInner := errors.New("inner run error")
	stream := fx.SwitchMap(fx.Succeed(1), func(n int) fx.Fx[int] {
		return fx.Make(func(context.Context, fx.Sink[int]) error { return errInner })
	})
	_, err := fx.Collect(testContext(t), stream)
	assert.ErrorIs(t, err, errInner)

	var interrupted atomic.Bool
	stream = fx.FlatMap(fx.FromSlice([]int{1, 2}), func(n int) fx.Fx[int] {
		if n == 1 {
			return fx.Make(func(ctx context.Context, sink fx.Sink[int]) error {
				<-ctx.Done()
				interrupted.Store(true)
				return ctx.Err()
			})
		}
		return fx.Make(func(context.Context, fx.Sink[int]) error {
			time.Sleep(5 * time.Millisecond)
			return errInner
		})
	})
	_, err = fx.Collect(testContext(t), stream)
	assert.ErrorIs(t, err, errInner)
	assert.True(t, interrupted.Load(), "a sibling must be interrupted by the inner error")
}

func TestFlattenIgnoresInterruptedInnerRun(t *testing.T) {
	t.Parallel()

	// Replaced inners end with ctx.Err(), which is not a failure.
	stream := fx.SwitchMap(spaced(5*time.Millisecond, 1, 2), func(n int) fx.Fx[int] {
		if n == 1 {
			return fx.Make(func(ctx context.Context, sink fx.Sink[int]) error {
				<-ctx.Done()
				return ctx.Err()
			})
		}
		return fx.Succeed(n)
	})
	got, err := fx.Collect(testContext(t), stream)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, got)
}
