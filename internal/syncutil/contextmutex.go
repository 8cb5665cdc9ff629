// Package syncutil provides locking primitives that respect context
// cancellation.
package syncutil

import (
	"context"
)

// ContextMutex is a mutex implemented via a buffered channel so callers can
// give up waiting when their context is cancelled. The zero value is not
// usable; construct with NewContextMutex.
type ContextMutex struct {
	ch chan struct{}
}

// NewContextMutex creates an unlocked mutex.
func NewContextMutex() *ContextMutex {
	m := &ContextMutex{ch: make(chan struct{}, 1)}
	m.ch <- struct{}{}
	return m
}

// Lock acquires the mutex, respecting context cancellation.
// On success it returns an unlock function the caller MUST call exactly once.
// On cancellation it returns nil and the context error.
func (m *ContextMutex) Lock(ctx context.Context) (func(), error) {
	// Fail fast on an already-cancelled context even if the lock is free.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-m.ch:
		return func() { m.ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the mutex only if it is free.
func (m *ContextMutex) TryLock() (func(), bool) {
	select {
	case <-m.ch:
		return func() { m.ch <- struct{}{} }, true
	default:
		return nil, false
	}
}
