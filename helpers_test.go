package fx_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/baxromumarov/fx"
)

var errBoom = errors.New("boom")

func mustPanic(t *testing.T, contains string, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected panic")
		require.Contains(t, fmt.Sprint(r), contains)
	}()
	fn()
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// delayed emits a after d.
func delayed[A any](a A, d time.Duration) fx.Fx[A] {
	return fx.Make(func(ctx context.Context, sink fx.Sink[A]) error {
		select {
		case <-time.After(d):
			sink.OnSuccess(a)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}
