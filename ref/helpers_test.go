package ref_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustPanic(t *testing.T, contains string, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected panic")
		require.Contains(t, fmt.Sprint(r), contains)
	}()
	fn()
}
