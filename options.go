package fx

import (
	"log/slog"
	"time"
)

// ExecutionStrategy determines how a [Scope] runs its finalizers on close.
type ExecutionStrategy int

const (
	// SequentialStrategy runs finalizers one at a time, in reverse
	// registration order.
	SequentialStrategy ExecutionStrategy = iota

	// ParallelStrategy runs all finalizers concurrently.
	ParallelStrategy
)

// EventKind identifies a fiber lifecycle transition reported to [WithOnEvent].
type EventKind int

const (
	EventStarted EventKind = iota
	EventDone
	EventFailed
	EventDied
	EventInterrupted
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventDone:
		return "done"
	case EventFailed:
		return "failed"
	case EventDied:
		return "died"
	case EventInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// FiberEvent describes a fiber lifecycle transition.
type FiberEvent struct {
	Kind     EventKind
	Fiber    FiberID
	Scope    string
	Cause    *Cause
	Duration time.Duration
}

type config struct {
	name     string
	strategy ExecutionStrategy
	log      *slog.Logger
	onEvent  func(FiberEvent)
}

// Option configures a [Scope].
type Option func(*config)

func defaultConfig() config {
	return config{
		strategy: ParallelStrategy,
		log:      slog.New(slog.DiscardHandler),
	}
}

// WithName labels the scope in log records and fiber events.
func WithName(name string) Option {
	return func(c *config) {
		c.name = name
	}
}

// WithStrategy sets how finalizers run when the scope closes.
// It panics if s is not a known ExecutionStrategy value.
func WithStrategy(s ExecutionStrategy) Option {
	return func(c *config) {
		switch s {
		case SequentialStrategy, ParallelStrategy:
			c.strategy = s
		default:
			panic("fx: invalid execution strategy")
		}
	}
}

// WithLogger sets the logger used by the scope and every child scope.
// It panics if log is nil.
func WithLogger(log *slog.Logger) Option {
	return func(c *config) {
		if log == nil {
			panic("fx: WithLogger requires a non-nil logger")
		}
		c.log = log
	}
}

// WithOnEvent registers a hook invoked for every fiber lifecycle
// transition in the scope and its children. The hook runs inside the
// fiber's goroutine and must not block.
func WithOnEvent(fn func(FiberEvent)) Option {
	return func(c *config) {
		c.onEvent = fn
	}
}
