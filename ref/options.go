package ref

import "log/slog"

type config struct {
	eq  any
	log *slog.Logger
}

// Option configures a [RefSubject].
type Option func(*config)

// WithEqual replaces the structural equality used to decide whether a
// new value is a change. The type parameter must match the RefSubject's
// element type; a mismatch panics in [New].
func WithEqual[A any](eq func(a, b A) bool) Option {
	return func(c *config) {
		if eq == nil {
			panic("ref: WithEqual requires a non-nil function")
		}
		c.eq = eq
	}
}

// WithLogger sets the logger. The default is the owning scope's logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *config) {
		if log == nil {
			panic("ref: WithLogger requires a non-nil logger")
		}
		c.log = log
	}
}
