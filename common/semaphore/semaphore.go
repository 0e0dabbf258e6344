/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package semaphore provides an implementation of a counting semaphore.
package semaphore

import "context"

// Semaphore is a buffered channel based implementation of a counting semaphore
type Semaphore struct {
	buf chan struct{}
}

// New creates a Semaphore with the specified number of permits.
func New(permits int) *Semaphore {
	if permits <= 0 {
		panic("permits must be greater than 0")
	}
	return &Semaphore{buf: make(chan struct{}, permits)}
}

// Acquire acquires a permit. This call will block until a permit is available
// or the provided context is completed.
//
// If the provided context is completed, the method will return the
// cancellation error.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.buf <- struct{}{}:
		return nil
	}
}

// TryAcquire acquires a permit only if one is immediately available.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.buf <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release releases a permit.
func (s *Semaphore) Release() {
	select {
	case <-s.buf:
	default:
		panic("semaphore buffer is empty")
	}
}

// InUse returns the number of permits currently held.
func (s *Semaphore) InUse() int {
	return len(s.buf)
}
