package fx

import (
	"context"
	"sync"
)

// Strategy selects how a [FiberHandle] reacts to [FiberHandle.Run] while
// its slot is occupied.
type Strategy int

const (
	// Drop interrupts the occupant and starts the new task.
	Drop Strategy = iota

	// Slide keeps the occupant and discards the new task.
	Slide

	// SlideBuffer keeps the occupant and remembers the latest new task,
	// starting it once the occupant completes.
	SlideBuffer
)

func (s Strategy) String() string {
	switch s {
	case Drop:
		return "drop"
	case Slide:
		return "slide"
	case SlideBuffer:
		return "slide-buffer"
	default:
		return "unknown"
	}
}

// FiberHandle owns at most one running fiber. It has a private
// sequential sub-scope of the scope it was created in; closing either
// interrupts the occupant.
//
// Every fiber started by the handle evicts itself from the slot when it
// terminates. Eviction compares a generation number captured when the
// fiber was started, so a stale continuation can never clear a newer
// occupant.
type FiberHandle[A any] struct {
	scope *Scope
	run   func(ctx context.Context, task Task[A]) (*Fiber[A], bool)

	// runMu serializes Drop replacements, which wait for the previous
	// occupant outside mu.
	runMu sync.Mutex

	mu      sync.Mutex
	slot    *Fiber[A]
	gen     uint64
	pending Task[A]
}

// NewFiberHandle creates a handle inside parent using strategy.
// It panics if strategy is not a known value.
func NewFiberHandle[A any](parent *Scope, strategy Strategy) *FiberHandle[A] {
	h := &FiberHandle[A]{scope: parent.Child(SequentialStrategy)}
	switch strategy {
	case Drop:
		h.run = h.runDrop
	case Slide:
		h.run = h.runSlide
	case SlideBuffer:
		h.run = h.runSlideBuffer
	default:
		panic("fx: invalid FiberHandle strategy")
	}
	return h
}

// Run offers task to the handle. It returns the fiber now occupying the
// slot and whether that fiber runs task. Under [Slide] and [SlideBuffer]
// a busy handle returns the current occupant and false.
func (h *FiberHandle[A]) Run(ctx context.Context, task Task[A]) (*Fiber[A], bool) {
	return h.run(ctx, task)
}

func (h *FiberHandle[A]) runDrop(ctx context.Context, task Task[A]) (*Fiber[A], bool) {
	h.runMu.Lock()
	defer h.runMu.Unlock()

	h.mu.Lock()
	old := h.slot
	h.mu.Unlock()

	if old != nil {
		if err := old.Interrupt(ctx); err != nil {
			return nil, false
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.forkLocked(task), true
}

func (h *FiberHandle[A]) runSlide(_ context.Context, task Task[A]) (*Fiber[A], bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.slot != nil {
		return h.slot, false
	}
	return h.forkLocked(task), true
}

func (h *FiberHandle[A]) runSlideBuffer(_ context.Context, task Task[A]) (*Fiber[A], bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.slot != nil {
		h.pending = task
		return h.slot, false
	}
	return h.forkLocked(task), true
}

// forkLocked starts task in the slot. h.mu must be held.
func (h *FiberHandle[A]) forkLocked(task Task[A]) *Fiber[A] {
	h.gen++
	gen := h.gen
	f := fork(h.scope, task, func(FiberID, Exit[A]) {
		h.release(gen)
	})
	h.slot = f
	return f
}

// release evicts the fiber of generation gen and starts the pending task.
func (h *FiberHandle[A]) release(gen uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.gen != gen {
		return
	}
	h.slot = nil
	if next := h.pending; next != nil {
		h.pending = nil
		h.forkLocked(next)
	}
}

// Exists reports whether a fiber occupies the slot.
func (h *FiberHandle[A]) Exists() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.slot != nil
}

// Await waits for the current occupant. The boolean is false if the slot
// was empty.
func (h *FiberHandle[A]) Await(ctx context.Context) (Exit[A], bool, error) {
	h.mu.Lock()
	f := h.slot
	h.mu.Unlock()
	if f == nil {
		return Exit[A]{}, false, nil
	}
	exit, err := f.Await(ctx)
	return exit, true, err
}

// Join waits for the current occupant and returns its value or cause.
// An empty slot yields the zero value.
func (h *FiberHandle[A]) Join(ctx context.Context) (A, error) {
	exit, ok, err := h.Await(ctx)
	if err != nil || !ok {
		return exit.Value, err
	}
	return exit.Value, exit.Err()
}

// AwaitEmpty waits until the slot is empty and no task is pending.
func (h *FiberHandle[A]) AwaitEmpty(ctx context.Context) error {
	for {
		_, ok, err := h.Await(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
}

// Clear drops any pending task and interrupts the occupant, waiting for it
// to terminate. The handle stays usable.
func (h *FiberHandle[A]) Clear(ctx context.Context) error {
	h.mu.Lock()
	f := h.slot
	h.pending = nil
	h.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Interrupt(ctx)
}

// Close closes the handle's scope with exit, interrupting the occupant.
// Later calls to Run return fibers that are already interrupted.
func (h *FiberHandle[A]) Close(exit *Cause) {
	h.mu.Lock()
	h.pending = nil
	h.mu.Unlock()
	h.scope.Close(exit)
}
