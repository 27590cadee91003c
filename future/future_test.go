// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package future

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

const timeout = 10 * time.Second

func wait(t *testing.T, f *F) (interface{}, error) {
	t.Helper()
	select {
	case <-f.Done():
		return f.Result()
	case <-time.After(timeout):
		t.Fatal("future timed out")
		panic("unreachable")
	}
}

func TestSuccessful(t *testing.T) {
	v, err := wait(t, Successful(42))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := v, 42; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestGo(t *testing.T) {
	f := Go(func() (interface{}, error) { return "ok", nil })
	v, err := wait(t, f)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := v, "ok"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestMap(t *testing.T) {
	f := Map(Successful(1), func(v interface{}) (interface{}, error) {
		return v.(int) + 1, nil
	})
	v, err := wait(t, f)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := v, 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestMapError(t *testing.T) {
	boom := errors.New("boom")
	f := Map(Failed(boom), func(v interface{}) (interface{}, error) {
		t.Error("map ran on failed future")
		return nil, nil
	})
	if _, err := wait(t, f); err != boom {
		t.Errorf("got %v, want %v", err, boom)
	}
}

func TestZip(t *testing.T) {
	f := Zip(Successful(1), Successful(2))
	v, err := wait(t, f)
	if err != nil {
		t.Fatal(err)
	}
	pair := v.([]interface{})
	if got, want := pair[0], 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := pair[1], 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestZipFailFast(t *testing.T) {
	// The pending side never completes; the zip must not hang.
	boom := errors.New("boom")
	pending := NewPromise()
	f := Zip(pending.F(), Failed(boom))
	if _, err := wait(t, f); err != boom {
		t.Errorf("got %v, want %v", err, boom)
	}
}

func TestSequence(t *testing.T) {
	fs := []*F{Successful(1), Successful(2), Successful(3)}
	v, err := wait(t, Sequence(fs))
	if err != nil {
		t.Fatal(err)
	}
	vs := v.([]interface{})
	for i, want := range []int{1, 2, 3} {
		if got := vs[i]; got != want {
			t.Errorf("element %d: got %v, want %v", i, got, want)
		}
	}
}

func TestSequenceFailFast(t *testing.T) {
	boom := errors.New("boom")
	pending := NewPromise()
	fs := []*F{Successful(1), pending.F(), Failed(boom)}
	if _, err := wait(t, Sequence(fs)); err != boom {
		t.Errorf("got %v, want %v", err, boom)
	}
}

func TestStopIdempotent(t *testing.T) {
	var n int32
	h := NewHandler(func(context.Context) {
		atomic.AddInt32(&n, 1)
	})
	ctx := context.Background()
	h.Stop(ctx)
	h.Stop(ctx)
	if got, want := atomic.LoadInt32(&n), int32(1); got != want {
		t.Errorf("got %v stops, want %v", got, want)
	}
	// A nil handler stops nothing and does not panic.
	var nilh *Handler
	nilh.Stop(ctx)
}

func TestStopNeverPanics(t *testing.T) {
	h := NewHandler(func(context.Context) {
		panic("handler panic")
	})
	h.Stop(context.Background())
}

func TestCompose(t *testing.T) {
	var a, b int32
	h := Compose(
		NewHandler(func(context.Context) { atomic.AddInt32(&a, 1) }),
		NewHandler(func(context.Context) { atomic.AddInt32(&b, 1) }),
		nil,
	)
	h.Stop(context.Background())
	if got, want := atomic.LoadInt32(&a), int32(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := atomic.LoadInt32(&b), int32(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestFromFuture(t *testing.T) {
	var stopped int32
	inner := NewHandler(func(context.Context) { atomic.AddInt32(&stopped, 1) })
	p := NewPromise()
	h := FromFuture(p.F())
	donec := make(chan struct{})
	go func() {
		h.Stop(context.Background())
		close(donec)
	}()
	p.Complete(inner, nil)
	select {
	case <-donec:
	case <-time.After(timeout):
		t.Fatal("stop timed out")
	}
	if got, want := atomic.LoadInt32(&stopped), int32(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestFromFutureRespectsDeadline(t *testing.T) {
	p := NewPromise() // never resolves
	h := FromFuture(p.F())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	donec := make(chan struct{})
	go func() {
		h.Stop(ctx)
		close(donec)
	}()
	select {
	case <-donec:
	case <-time.After(timeout):
		t.Fatal("stop did not respect deadline")
	}
}

func TestPromiseForward(t *testing.T) {
	src := Successful("v")
	p := NewPromise()
	p.Forward(src)
	v, err := wait(t, p.F())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := v, "v"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestZipStopsBothSides(t *testing.T) {
	var a, b int32
	pa, pb := NewPromise(), NewPromise()
	pa.SetHandler(NewHandler(func(context.Context) { atomic.AddInt32(&a, 1) }))
	pb.SetHandler(NewHandler(func(context.Context) { atomic.AddInt32(&b, 1) }))
	f := Zip(pa.F(), pb.F())
	f.Stop(context.Background())
	if got, want := atomic.LoadInt32(&a), int32(1); got != want {
		t.Errorf("a: got %v, want %v", got, want)
	}
	if got, want := atomic.LoadInt32(&b), int32(1); got != want {
		t.Errorf("b: got %v, want %v", got, want)
	}
}
