// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package future implements the cancellable futures used by the
// execution engine: a pending value paired with a composable,
// best-effort cancellation handler.
//
// Completion is signalled by a closed channel, so futures may be
// awaited in select statements alongside contexts. Cancellation is
// cooperative: stopping a future signals whatever work backs it and
// returns once best-effort signaling has been attempted; it never
// produces a value.
package future

import (
	"context"
	"sync"

	"github.com/grailbio/base/traverse"
)

// F is a cancellable future: a value (or error) that will become
// available, paired with a Handler that may be used to stop the
// underlying work.
type F struct {
	mu      sync.Mutex
	donec   chan struct{}
	val     interface{}
	err     error
	handler *Handler
}

func newF() *F {
	return &F{donec: make(chan struct{})}
}

// Successful returns a completed future holding v.
func Successful(v interface{}) *F {
	f := newF()
	f.complete(v, nil)
	return f
}

// Failed returns a completed future holding err.
func Failed(err error) *F {
	f := newF()
	f.complete(nil, err)
	return f
}

// Go runs fn on a new goroutine and returns its future. The returned
// future is uncancellable: fn runs to completion regardless of stops.
func Go(fn func() (interface{}, error)) *F {
	f := newF()
	go func() {
		f.complete(fn())
	}()
	return f
}

// Uncancellable returns a future with f's outcome and an empty
// cancellation handler.
func Uncancellable(f *F) *F {
	g := newF()
	go func() {
		g.complete(f.Result())
	}()
	return g
}

// Done returns a channel that is closed once f has completed.
func (f *F) Done() <-chan struct{} {
	return f.donec
}

// Result blocks until f completes and returns its value and error.
func (f *F) Result() (interface{}, error) {
	<-f.donec
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.val, f.err
}

// Poll returns f's outcome without blocking. The boolean tells
// whether f has completed.
func (f *F) Poll() (interface{}, error, bool) {
	select {
	case <-f.donec:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.val, f.err, true
	default:
		return nil, nil, false
	}
}

// Wait blocks until f completes or ctx is done, whichever comes
// first.
func (f *F) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-f.donec:
		return f.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Handler returns f's cancellation handler, which may be nil.
func (f *F) Handler() *Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler
}

// AsHandler returns a handler that stops f. Unlike Handler, the
// returned handler re-reads f's handler at stop time, so it remains
// correct for futures whose handler is attached late (e.g., promises
// forwarded from another future).
func (f *F) AsHandler() *Handler {
	return NewHandler(f.Stop)
}

// Stop requests cancellation of the work backing f. Stopping is
// idempotent and never panics; it returns once best-effort signaling
// has been attempted or ctx expires. Stopping a completed future
// cannot change its outcome, but still propagates to composed
// sub-futures: a fail-fast composition completes while its pending
// side is in flight, and that side must still be reachable by the
// cancellation chain.
func (f *F) Stop(ctx context.Context) {
	f.Handler().Stop(ctx)
}

func (f *F) setHandler(h *Handler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *F) complete(v interface{}, err error) {
	f.mu.Lock()
	select {
	case <-f.donec:
		f.mu.Unlock()
		panic("future: completed twice")
	default:
	}
	f.val, f.err = v, err
	close(f.donec)
	f.mu.Unlock()
}

// Map returns a future that completes with fn applied to f's value.
// Failures pass through; fn's error fails the result. The returned
// future shares f's cancellation.
func Map(f *F, fn func(interface{}) (interface{}, error)) *F {
	g := newF()
	g.setHandler(f.AsHandler())
	go func() {
		v, err := f.Result()
		if err != nil {
			g.complete(nil, err)
			return
		}
		g.complete(fn(v))
	}()
	return g
}

// Zip returns a future that completes with the pair of a's and b's
// values, as a []interface{} of length 2. It fails as soon as either
// side fails, without waiting for the other side; it never hangs on a
// pending side. Stopping the zip stops both sides.
func Zip(a, b *F) *F {
	g := newF()
	g.setHandler(Compose(a.AsHandler(), b.AsHandler()))
	go func() {
		adone, bdone := a.Done(), b.Done()
		for adone != nil || bdone != nil {
			select {
			case <-adone:
				if _, err := a.Result(); err != nil {
					g.complete(nil, err)
					return
				}
				adone = nil
			case <-bdone:
				if _, err := b.Result(); err != nil {
					g.complete(nil, err)
					return
				}
				bdone = nil
			}
		}
		av, _ := a.Result()
		bv, _ := b.Result()
		g.complete([]interface{}{av, bv}, nil)
	}()
	return g
}

// Sequence returns a future for the values of fs, in order. It fails
// as soon as any element fails. Stopping the sequence stops every
// element.
func Sequence(fs []*F) *F {
	g := newF()
	handlers := make([]*Handler, len(fs))
	for i, f := range fs {
		handlers[i] = f.AsHandler()
	}
	g.setHandler(Compose(handlers...))
	go func() {
		donec := make(chan int)
		for i := range fs {
			go func(i int) {
				<-fs[i].Done()
				donec <- i
			}(i)
		}
		for range fs {
			i := <-donec
			if _, err := fs[i].Result(); err != nil {
				g.complete(nil, err)
				return
			}
		}
		vs := make([]interface{}, len(fs))
		for i, f := range fs {
			vs[i], _ = f.Result()
		}
		g.complete(vs, nil)
	}()
	return g
}

// A Promise completes a future constructed ahead of its work.
type Promise struct {
	f    *F
	once sync.Once
}

// NewPromise returns an unresolved promise.
func NewPromise() *Promise {
	return &Promise{f: newF()}
}

// F returns the future resolved by this promise.
func (p *Promise) F() *F {
	return p.f
}

// Complete resolves the promise. Completing a promise twice is a
// logic bug and panics.
func (p *Promise) Complete(v interface{}, err error) {
	var done bool
	p.once.Do(func() {
		p.f.complete(v, err)
		done = true
	})
	if !done {
		panic("future: promise completed twice")
	}
}

// SetHandler attaches a cancellation handler to the promise's future.
func (p *Promise) SetHandler(h *Handler) {
	p.f.setHandler(h)
}

// Forward resolves the promise with src's outcome and adopts src's
// cancellation.
func (p *Promise) Forward(src *F) {
	p.f.setHandler(src.AsHandler())
	go func() {
		p.Complete(src.Result())
	}()
}

// A Handler stops the work backing a future. A nil Handler is valid
// and stops nothing.
type Handler struct {
	once sync.Once
	stop func(context.Context)
}

// NewHandler returns a handler that invokes stop at most once.
func NewHandler(stop func(context.Context)) *Handler {
	return &Handler{stop: stop}
}

// Stop invokes the handler's stop function. It is idempotent, a
// no-op on a nil handler, and never panics.
func (h *Handler) Stop(ctx context.Context) {
	if h == nil || h.stop == nil {
		return
	}
	h.once.Do(func() {
		defer func() {
			_ = recover()
		}()
		h.stop(ctx)
	})
}

// Compose returns a handler that stops all of hs in parallel and
// returns once every stop has returned.
func Compose(hs ...*Handler) *Handler {
	return NewHandler(func(ctx context.Context) {
		traverse.Each(len(hs), func(i int) error {
			hs[i].Stop(ctx)
			return nil
		})
	})
}

// FromFuture derives a handler from a future that resolves to a
// handler. This is used when the handler is only known after an
// asynchronous decision: stopping waits for the decision (or ctx) and
// then stops the resolved handler.
func FromFuture(f *F) *Handler {
	return NewHandler(func(ctx context.Context) {
		select {
		case <-f.Done():
			v, err := f.Result()
			if err != nil {
				return
			}
			if h, ok := v.(*Handler); ok {
				h.Stop(ctx)
			}
		case <-ctx.Done():
		}
	})
}
