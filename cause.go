package fx

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrInterrupted is matched by [errors.Is] for any [*Cause] that contains
// an interruption.
var ErrInterrupted = errors.New("fx: interrupted")

// FiberID identifies a fiber. The zero value, [NoFiber], is used when the
// interrupter is not itself a fiber (a plain context cancellation).
type FiberID = uuid.UUID

// NoFiber is the identity reported by interruptions that did not originate
// from a fiber.
var NoFiber FiberID = uuid.Nil

// CauseKind discriminates the shapes a [Cause] can take.
type CauseKind int

const (
	// KindFail is an expected, typed failure produced on purpose.
	KindFail CauseKind = iota
	// KindDie is an unexpected defect, typically a recovered panic.
	KindDie
	// KindInterrupt is cooperative cancellation.
	KindInterrupt
	// KindSequential combines a failure with one that happened after it,
	// e.g. a finalizer failing while handling another failure.
	KindSequential
	// KindParallel combines failures of concurrently running branches.
	KindParallel
)

func (k CauseKind) String() string {
	switch k {
	case KindFail:
		return "fail"
	case KindDie:
		return "die"
	case KindInterrupt:
		return "interrupt"
	case KindSequential:
		return "sequential"
	case KindParallel:
		return "parallel"
	default:
		return fmt.Sprintf("CauseKind(%d)", int(k))
	}
}

// Cause is the failure descriptor delivered to [Sink.OnFailure] and carried
// by [Exit]. It is immutable once built.
//
// Cause implements error. Unwrap exposes the leaves, so errors.Is and
// errors.As see through Sequential and Parallel combinations.
type Cause struct {
	kind        CauseKind
	err         error
	defect      *PanicError
	fiber       FiberID
	left, right *Cause
}

// NewFail returns a typed failure cause. It panics if err is nil.
func NewFail(err error) *Cause {
	if err == nil {
		panic("fx: NewFail requires a non-nil error")
	}
	return &Cause{kind: KindFail, err: err}
}

// NewDie returns a defect cause. A *PanicError is kept as is; any other
// value is wrapped together with the current stack.
func NewDie(v any) *Cause {
	pe, ok := v.(*PanicError)
	if !ok {
		pe = newPanicError(v)
	}
	return &Cause{kind: KindDie, defect: pe}
}

// NewInterrupt returns an interruption requested by the fiber id.
func NewInterrupt(id FiberID) *Cause {
	return &Cause{kind: KindInterrupt, fiber: id}
}

// Sequential combines two causes where right happened after left.
// Nil operands are dropped.
func Sequential(left, right *Cause) *Cause {
	switch {
	case left == nil:
		return right
	case right == nil:
		return left
	}
	return &Cause{kind: KindSequential, left: left, right: right}
}

// Parallel combines two causes that happened concurrently.
// Nil operands are dropped.
func Parallel(left, right *Cause) *Cause {
	switch {
	case left == nil:
		return right
	case right == nil:
		return left
	}
	return &Cause{kind: KindParallel, left: left, right: right}
}

// Kind returns the discriminant of the cause.
func (c *Cause) Kind() CauseKind { return c.kind }

// Err returns the typed error of a KindFail cause, or nil.
func (c *Cause) Err() error { return c.err }

// Defect returns the panic payload of a KindDie cause, or nil.
func (c *Cause) Defect() *PanicError { return c.defect }

// FiberID returns the interrupter of a KindInterrupt cause.
func (c *Cause) FiberID() FiberID { return c.fiber }

// Children returns the operands of a Sequential or Parallel cause.
func (c *Cause) Children() (left, right *Cause) { return c.left, c.right }

func (c *Cause) Error() string {
	switch c.kind {
	case KindFail:
		return c.err.Error()
	case KindDie:
		return fmt.Sprintf("defect: %v", c.defect.Value)
	case KindInterrupt:
		if c.fiber == NoFiber {
			return "interrupted"
		}
		return fmt.Sprintf("interrupted by fiber %s", c.fiber)
	case KindSequential:
		return c.left.Error() + " then " + c.right.Error()
	case KindParallel:
		var sb strings.Builder
		sb.WriteString("(")
		sb.WriteString(c.left.Error())
		sb.WriteString(" | ")
		sb.WriteString(c.right.Error())
		sb.WriteString(")")
		return sb.String()
	}
	return "unknown cause"
}

// Unwrap exposes the leaves of the cause to errors.Is and errors.As.
func (c *Cause) Unwrap() []error {
	switch c.kind {
	case KindFail:
		return []error{c.err}
	case KindDie:
		return []error{c.defect}
	case KindInterrupt:
		return []error{ErrInterrupted}
	default:
		return []error{c.left, c.right}
	}
}

func (c *Cause) walk(fn func(*Cause)) {
	if c == nil {
		return
	}
	switch c.kind {
	case KindSequential, KindParallel:
		c.left.walk(fn)
		c.right.walk(fn)
	default:
		fn(c)
	}
}

// IsInterruptedOnly reports whether every leaf of c is an interruption.
func (c *Cause) IsInterruptedOnly() bool {
	if c == nil {
		return false
	}
	only := true
	c.walk(func(l *Cause) {
		if l.kind != KindInterrupt {
			only = false
		}
	})
	return only
}

// Squash reduces the cause to a single error, preferring typed failures,
// then defects, then interruption.
func (c *Cause) Squash() error {
	if c == nil {
		return nil
	}
	if fs := Failures(c); len(fs) > 0 {
		return fs[0]
	}
	if ds := Defects(c); len(ds) > 0 {
		return ds[0]
	}
	return ErrInterrupted
}

// CauseOf extracts the first [*Cause] in err's chain. Any other non-nil
// error is returned as a typed failure. Returns nil if err is nil.
func CauseOf(err error) *Cause {
	if err == nil {
		return nil
	}
	var c *Cause
	if errors.As(err, &c) {
		return c
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		return NewDie(pe)
	}
	return NewFail(err)
}

// IsInterrupted reports whether err contains an interruption.
func IsInterrupted(err error) bool {
	return err != nil && errors.Is(err, ErrInterrupted)
}

// Failures collects the typed errors of every KindFail leaf in err.
func Failures(err error) []error {
	var out []error
	collect(err, func(l *Cause) {
		if l.kind == KindFail {
			out = append(out, l.err)
		}
	})
	return out
}

// Defects collects the panic payloads of every KindDie leaf in err.
func Defects(err error) []*PanicError {
	var out []*PanicError
	collect(err, func(l *Cause) {
		if l.kind == KindDie {
			out = append(out, l.defect)
		}
	})
	return out
}

// Interruptors collects the fiber IDs of every KindInterrupt leaf in err.
func Interruptors(err error) []FiberID {
	var out []FiberID
	collect(err, func(l *Cause) {
		if l.kind == KindInterrupt {
			out = append(out, l.fiber)
		}
	})
	return out
}

func collect(err error, fn func(*Cause)) {
	var c *Cause
	if errors.As(err, &c) {
		c.walk(fn)
	}
}

// interruptCause builds the interruption observed by a context that is done.
// A context cancelled through a fiber carries the requesting fiber's cause.
func interruptCause(ctx context.Context) *Cause {
	if c, ok := context.Cause(ctx).(*Cause); ok && c.kind == KindInterrupt {
		return c
	}
	return NewInterrupt(NoFiber)
}

// causeFromError classifies an error returned by a task that ran under ctx.
func causeFromError(ctx context.Context, err error) *Cause {
	if err == nil {
		return nil
	}
	if c, ok := err.(*Cause); ok {
		return c
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		return NewDie(pe)
	}
	if ctx.Err() != nil {
		if errors.Is(err, context.Canceled) ||
			errors.Is(err, context.DeadlineExceeded) ||
			errors.Is(err, context.Cause(ctx)) {
			return interruptCause(ctx)
		}
	}
	return NewFail(err)
}
