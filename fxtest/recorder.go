// Package fxtest contains helpers for testing code built on package fx.
package fxtest

import (
	"context"
	"sync"

	"github.com/baxromumarov/fx"
)

// Recorder is an [fx.Sink] that records every value and the failure it
// receives.
//
// Recorder is safe under concurrent OnSuccess and OnFailure calls.
type Recorder[A any] struct {
	mu      sync.Mutex
	values  []A
	failure *fx.Cause
	changed chan struct{}
}

var _ fx.Sink[int] = (*Recorder[int])(nil)

// NewRecorder constructs an empty Recorder.
func NewRecorder[A any]() *Recorder[A] {
	return &Recorder[A]{changed: make(chan struct{})}
}

// OnSuccess appends a to the recorded values.
func (r *Recorder[A]) OnSuccess(a A) {
	r.mu.Lock()
	r.values = append(r.values, a)
	r.notifyLocked()
	r.mu.Unlock()
}

// OnFailure records c. Only the first failure is kept.
func (r *Recorder[A]) OnFailure(c *fx.Cause) {
	r.mu.Lock()
	if r.failure == nil {
		r.failure = c
	}
	r.notifyLocked()
	r.mu.Unlock()
}

func (r *Recorder[A]) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// Values returns a snapshot copy of the recorded values.
func (r *Recorder[A]) Values() []A {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]A, len(r.values))
	copy(cp, r.values)
	return cp
}

// Failure returns the recorded failure, or nil.
func (r *Recorder[A]) Failure() *fx.Cause {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failure
}

// WaitFor blocks until at least n values or a failure were recorded, or
// ctx is done.
func (r *Recorder[A]) WaitFor(ctx context.Context, n int) error {
	for {
		r.mu.Lock()
		if len(r.values) >= n || r.failure != nil {
			r.mu.Unlock()
			return nil
		}
		ch := r.changed
		r.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Reset clears the recorder.
func (r *Recorder[A]) Reset() {
	r.mu.Lock()
	r.values = nil
	r.failure = nil
	r.mu.Unlock()
}
