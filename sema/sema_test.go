// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sema

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAcquireRelease(t *testing.T) {
	ctx := context.Background()
	s := New(2)
	p1, err := s.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := s.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// A third acquire must wait until a permit is released.
	acquired := make(chan *Permit)
	go func() {
		p, err := s.Acquire(ctx)
		if err != nil {
			t.Error(err)
		}
		acquired <- p
	}()
	select {
	case <-acquired:
		t.Fatal("acquired past capacity")
	case <-time.After(50 * time.Millisecond):
	}
	p1.Release()
	p3 := <-acquired
	p2.Release()
	p3.Release()
}

func TestBound(t *testing.T) {
	const (
		n = 4
		w = 32
	)
	ctx := context.Background()
	s := New(n)
	var (
		cur, max int32
		wg       sync.WaitGroup
	)
	for i := 0; i < w; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := s.Acquire(ctx)
			if err != nil {
				t.Error(err)
				return
			}
			c := atomic.AddInt32(&cur, 1)
			for {
				m := atomic.LoadInt32(&max)
				if c <= m || atomic.CompareAndSwapInt32(&max, m, c) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&cur, -1)
			p.Release()
		}()
	}
	wg.Wait()
	if got := atomic.LoadInt32(&max); got > n {
		t.Errorf("%d permits out, want at most %d", got, n)
	}
}

func TestAcquireCanceled(t *testing.T) {
	s := New(1)
	p, err := s.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Acquire(ctx); err == nil {
		t.Fatal("acquire succeeded on canceled context")
	}
	p.Release()
}

func TestDoubleRelease(t *testing.T) {
	s := New(1)
	p, err := s.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	p.Release()
	defer func() {
		if recover() == nil {
			t.Fatal("double release did not panic")
		}
	}()
	p.Release()
}

func TestNonpositive(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("New(0) did not panic")
		}
	}()
	New(0)
}
