// Package ref provides [RefSubject], an observable mutable cell, and
// [Versioned] values derived from it.
//
// A RefSubject is at once a point-sampleable value ([RefSubject.Get]), a
// stream of changes ([RefSubject.Run] makes it an [fx.Fx]) and a
// serialized cell: every mutation goes through [Updates], which holds a
// single permit for the duration of the update, so concurrent updates
// observe a strict total order.
//
// The initial value is computed lazily by the first reader. Setting a
// value structurally equal to the current one is a no-op. Every accepted
// change advances a monotonic version, which derived values built with
// [MapEffect], [FilterMapEffect], [Computed] and [Filtered] use to skip
// recomputation:
//
//	sc := fx.NewScope(ctx)
//	defer sc.Close(nil)
//
//	count := ref.Of(sc, 0)
//	doubled := ref.Computed(count, func(_ context.Context, n int) (int, error) {
//	    return n * 2, nil
//	})
//
//	_, _ = ref.Increment(ctx, count)
//	v, _, _ := doubled.Sample(ctx) // 2
package ref
