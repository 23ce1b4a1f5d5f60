package fxtest

import (
	"context"
	"log/slog"
	"testing"

	"github.com/neilotoole/slogt"

	"github.com/baxromumarov/fx"
)

// NewLogger returns a logger writing through t.
func NewLogger(t testing.TB) *slog.Logger {
	return slogt.New(t)
}

// NewScope returns a scope logging through t that is closed when the test
// ends. Extra options are applied after the logger.
func NewScope(t testing.TB, opts ...fx.Option) *fx.Scope {
	t.Helper()
	opts = append([]fx.Option{fx.WithName(t.Name()), fx.WithLogger(NewLogger(t))}, opts...)
	sc := fx.NewScope(context.Background(), opts...)
	t.Cleanup(func() { sc.Close(nil) })
	return sc
}
