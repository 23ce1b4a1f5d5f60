package ref_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baxromumarov/fx/fxtest"
	"github.com/baxromumarov/fx/ref"
)

func TestComputedRunsOncePerVersion(t *testing.T) {
	t.Parallel()
	sc := fxtest.NewScope(t)
	ctx := testContext(t)

	count := ref.Of(sc, 1)
	var calls atomic.Int32
	doubled := ref.Computed(count, func(_ context.Context, n int) (int, error) {
		calls.Add(1)
		return n * 2, nil
	})

	for range 3 {
		v, version, err := doubled.Sample(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, v)
		assert.EqualValues(t, 1, version)
	}
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, count.Version(), doubled.Version())

	_, err := ref.Increment(ctx, count)
	require.NoError(t, err)

	v, _, err := doubled.Sample(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, v)
	assert.EqualValues(t, 2, calls.Load())
}

func TestConcurrentSamplesShareComputation(t *testing.T) {
	t.Parallel()
	sc := fxtest.NewScope(t)
	ctx := testContext(t)

	count := ref.Of(sc, 3)
	_, err := count.Get(ctx)
	require.NoError(t, err)

	var calls atomic.Int32
	square := ref.Map(count, func(n int) int {
		calls.Add(1)
		return n * n
	})

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := square.Sample(ctx)
			assert.NoError(t, err)
			assert.Equal(t, 9, v)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, calls.Load())
}

func TestFilterMapNoSuchElement(t *testing.T) {
	t.Parallel()
	sc := fxtest.NewScope(t)
	ctx := testContext(t)

	count := ref.Of(sc, 1)
	even := ref.FilterMap(count, func(n int) (int, bool) { return n, n%2 == 0 })

	_, _, err := even.Sample(ctx)
	assert.ErrorIs(t, err, ref.ErrNoSuchElement)

	_, err = ref.Increment(ctx, count)
	require.NoError(t, err)

	v, _, err := even.Sample(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestMapEffectFailure(t *testing.T) {
	t.Parallel()
	sc := fxtest.NewScope(t)
	ctx := testContext(t)

	count := ref.Of(sc, 0)
	checked := ref.MapEffect(count, func(_ context.Context, n int) (int, error) {
		if n == 0 {
			return 0, errBoom
		}
		return n, nil
	})

	_, _, err := checked.Sample(ctx)
	assert.ErrorIs(t, err, errBoom)

	_, err = count.Set(ctx, 1)
	require.NoError(t, err)
	v, _, err := checked.Sample(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestComputedStreamSkipsRepeats(t *testing.T) {
	t.Parallel()
	sc := fxtest.NewScope(t)
	ctx := testContext(t)

	count := ref.Of(sc, 0)
	half := ref.Computed(count, func(_ context.Context, n int) (int, error) { return n / 2, nil })

	rec, _ := observe[int](t, ctx, half)
	require.NoError(t, rec.WaitFor(ctx, 1))

	for range 3 {
		_, err := ref.Increment(ctx, count)
		require.NoError(t, err)
	}
	require.NoError(t, rec.WaitFor(ctx, 2))
	assert.Equal(t, []int{0, 1}, rec.Values())
}

func TestFilteredStream(t *testing.T) {
	t.Parallel()
	sc := fxtest.NewScope(t)
	ctx := testContext(t)

	count := ref.Of(sc, 1)
	evens := ref.Filtered(count, func(_ context.Context, n int) (int, bool, error) {
		return n, n%2 == 0, nil
	})

	rec, _ := observe[int](t, ctx, evens)
	require.Eventually(t, func() bool { return count.SubscriberCount() == 1 }, time.Second, time.Millisecond)
	for range 4 {
		_, err := ref.Increment(ctx, count)
		require.NoError(t, err)
	}
	require.NoError(t, rec.WaitFor(ctx, 2))
	assert.Equal(t, []int{2, 4}, rec.Values())
}
