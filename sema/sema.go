// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package sema implements the asynchronous semaphore used to bound
// evaluation parallelism: a fair FIFO queue of waiters over an
// integer permit count.
package sema

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// AsyncSemaphore is a fair counting semaphore. Waiters acquire
// permits in FIFO order; a permit is transferred to the head waiter
// on release.
type AsyncSemaphore struct {
	sem *semaphore.Weighted
}

// New returns a semaphore with n permits. n must be positive.
func New(n int) *AsyncSemaphore {
	if n <= 0 {
		panic("sema: nonpositive permit count")
	}
	return &AsyncSemaphore{sem: semaphore.NewWeighted(int64(n))}
}

// Acquire returns a permit, waiting in FIFO order if none is
// available. It returns ctx.Err() if ctx is done before a permit is
// acquired.
func (s *AsyncSemaphore) Acquire(ctx context.Context) (*Permit, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return &Permit{sem: s.sem}, nil
}

// A Permit represents one unit of semaphore capacity. It must be
// released exactly once, on success and failure paths alike.
type Permit struct {
	sem      *semaphore.Weighted
	released int32
}

// Release returns the permit to the semaphore. Releasing a permit
// twice is a logic bug and panics.
func (p *Permit) Release() {
	if !atomic.CompareAndSwapInt32(&p.released, 0, 1) {
		panic("sema: permit released twice")
	}
	p.sem.Release(1)
}
