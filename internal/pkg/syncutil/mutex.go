// Package syncutil provides locking primitives that respect context
// cancellation.
package syncutil

import "context"

// Mutex is a mutex implemented via a buffered channel, allowing callers to
// give up waiting when their context is cancelled. The zero value is not
// usable; create one with NewMutex.
type Mutex struct {
	ch chan struct{}
}

// NewMutex returns an unlocked Mutex.
func NewMutex() *Mutex {
	m := &Mutex{ch: make(chan struct{}, 1)}
	m.ch <- struct{}{}
	return m
}

// LockContext acquires the mutex or returns the context error. On success
// the caller MUST call the returned unlock function.
func (m *Mutex) LockContext(ctx context.Context) (func(), error) {
	select {
	case <-m.ch:
		return func() { m.ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the mutex only if it is free.
func (m *Mutex) TryLock() (func(), bool) {
	select {
	case <-m.ch:
		return func() { m.ch <- struct{}{} }, true
	default:
		return nil, false
	}
}
