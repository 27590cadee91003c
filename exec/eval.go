// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"time"

	"github.com/google/uuid"

	scalding "github.com/LaudateCorpus1/scalding"
	"github.com/LaudateCorpus1/scalding/errors"
	"github.com/LaudateCorpus1/scalding/future"
	"github.com/LaudateCorpus1/scalding/log"
	"github.com/LaudateCorpus1/scalding/stats"
)

// stopGracePeriod bounds how long a failing run waits for the
// cancellation chain before signalling the writer.
const stopGracePeriod = 30 * time.Second

// EvalConfig provides runtime configuration for evaluation instances.
type EvalConfig struct {
	// NewWriter creates the run's writer. Each run creates exactly one
	// writer, Starts it before evaluation and Finishes it after the
	// run's future resolves. If nil, an empty LocalWriter is used.
	NewWriter func(conf scalding.Config, mode scalding.Mode) (Writer, error)

	// An (optional) logger to which the evaluation transcript is
	// printed. OnComplete side-effect failures are reported here.
	Log *log.Logger
}

// Eval is an evaluator for Executions.
type Eval struct {
	EvalConfig

	root   *Execution
	mode   scalding.Mode
	writer Writer
}

// result is the inner payload of every evaluation future: the node's
// value and the counters accumulated beneath it, keyed by submission
// id so that shared submissions merge idempotently.
type result struct {
	val      scalding.Value
	counters stats.ByID
}

// Run evaluates root under conf and mode and returns a future for its
// value. The execution id is freshly minted; the tree is optimized
// when the config enables it; a fresh writer and cache are created
// for the run. If the evaluation fails, the cancellation chain is
// invoked with a bounded grace period before the writer is signalled
// finished; the returned future then fails with the original error.
func Run(ctx context.Context, root *Execution, conf scalding.Config, mode scalding.Mode, config EvalConfig) *future.F {
	conf = conf.WithExecutionID(uuid.New())
	if conf.ExecutionOptimization() {
		root = Optimize(root)
	}
	newWriter := config.NewWriter
	if newWriter == nil {
		newWriter = func(scalding.Config, scalding.Mode) (Writer, error) {
			return &LocalWriter{Log: config.Log}, nil
		}
	}
	w, err := newWriter(conf, mode)
	if err != nil {
		return future.Failed(err)
	}
	ev := &Eval{EvalConfig: config, root: root, mode: mode, writer: w}
	ev.Log.Debugf("run %s mode %s: %s", conf.ExecutionID(), mode, root)
	w.Start()
	inner := ev.eval(ctx, root, conf, newCache(w))
	out := future.NewPromise()
	out.SetHandler(inner.AsHandler())
	go func() {
		v, err := inner.Result()
		if err != nil {
			ev.Log.Debugf("run %s: failed: %v", conf.ExecutionID(), err)
			stopCtx, cancel := context.WithTimeout(context.Background(), stopGracePeriod)
			inner.Handler().Stop(stopCtx)
			cancel()
			w.Finished()
			out.Complete(nil, err)
			return
		}
		w.Finished()
		out.Complete(v.(result).val, nil)
	}()
	return out.F()
}

// WaitFor evaluates root and blocks for its value. Prefer Run: a
// blocked goroutine holds no useful work.
func WaitFor(ctx context.Context, root *Execution, conf scalding.Config, mode scalding.Mode, config EvalConfig) (scalding.Value, error) {
	return Run(ctx, root, conf, mode, config).Result()
}

// eval interprets e under conf, memoizing by (config, node identity).
// FutureConst, OnComplete and Write are not memoized: the first two
// are effectful per occurrence, and a Write's descriptors deduplicate
// through the write table instead, leaving its result function free
// to run per occurrence.
func (ev *Eval) eval(ctx context.Context, e *Execution, conf scalding.Config, c *cache) *future.F {
	switch e.Op {
	case FutureConst, OnComplete, Write:
		return ev.evalNode(ctx, e, conf, c)
	}
	_, f := c.getOrElseInsertWithFeedback(cacheKey(conf, e), func() *future.F {
		return ev.evalNode(ctx, e, conf, c)
	})
	return f
}

func (ev *Eval) evalNode(ctx context.Context, e *Execution, conf scalding.Config, c *cache) *future.F {
	switch e.Op {
	case FutureConst:
		fn := e.Fn
		return future.Go(func() (interface{}, error) {
			v, err := protect1(func() (scalding.Value, error) {
				return fn(ctx, conf, ev.mode)
			})
			if err != nil {
				return nil, err
			}
			return result{val: v}, nil
		})

	case Mapped:
		pf := ev.eval(ctx, e.Deps[0], conf, c)
		mapFn := e.MapFn
		return future.Map(pf, func(v interface{}) (interface{}, error) {
			r := v.(result)
			nv, err := protect1(func() (scalding.Value, error) {
				return mapFn(r.val)
			})
			if err != nil {
				return nil, err
			}
			return result{val: nv, counters: r.counters}, nil
		})

	case FlatMapped:
		pf := ev.eval(ctx, e.Deps[0], conf, c)
		hp := future.NewPromise()
		out := future.NewPromise()
		out.SetHandler(future.Compose(pf.AsHandler(), future.FromFuture(hp.F())))
		go func() {
			v, err := pf.Result()
			if err != nil {
				hp.Complete(nil, err)
				out.Complete(nil, err)
				return
			}
			r := v.(result)
			next, err := protectNext(func() (*Execution, error) {
				return e.FlatFn(r.val)
			})
			if err != nil {
				hp.Complete(nil, err)
				out.Complete(nil, err)
				return
			}
			if conf.ExecutionOptimization() {
				next = Optimize(next)
			}
			nf := ev.eval(ctx, next, conf, c)
			hp.Complete(nf.AsHandler(), nil)
			nv, err := nf.Result()
			if err != nil {
				out.Complete(nil, err)
				return
			}
			nr := nv.(result)
			out.Complete(result{val: nr.val, counters: r.counters.Merge(nr.counters)}, nil)
		}()
		return out.F()

	case Zipped:
		af := ev.eval(ctx, e.Deps[0], conf, c)
		bf := ev.eval(ctx, e.Deps[1], conf, c)
		return future.Map(future.Zip(af, bf), func(v interface{}) (interface{}, error) {
			pair := v.([]interface{})
			ra, rb := pair[0].(result), pair[1].(result)
			return result{
				val:      scalding.Tuple{ra.val, rb.val},
				counters: ra.counters.Merge(rb.counters),
			}, nil
		})

	case OnComplete:
		pf := ev.eval(ctx, e.Deps[0], conf, c)
		out := future.NewPromise()
		out.SetHandler(pf.AsHandler())
		go func() {
			v, err := pf.Result()
			var val scalding.Value
			if err == nil {
				val = v.(result).val
			}
			func() {
				defer func() {
					if p := recover(); p != nil {
						ev.Log.Errorf("oncomplete side effect: %v", p)
					}
				}()
				e.SideFn(val, err)
			}()
			if err != nil {
				out.Complete(nil, err)
				return
			}
			out.Complete(v, nil)
		}()
		return out.F()

	case RecoverWith:
		pf := ev.eval(ctx, e.Deps[0], conf, c)
		hp := future.NewPromise()
		out := future.NewPromise()
		out.SetHandler(future.Compose(pf.AsHandler(), future.FromFuture(hp.F())))
		go func() {
			v, err := pf.Result()
			if err == nil {
				hp.Complete(nil, nil)
				out.Complete(v, nil)
				return
			}
			// The flow-stop signal is re-raised unchanged; recovery
			// applies to user failures only.
			if errors.Is(errors.FlowStop, err) {
				hp.Complete(nil, err)
				out.Complete(nil, err)
				return
			}
			next, ok, rerr := protectRecover(e.RecoverFn, err)
			if rerr != nil {
				hp.Complete(nil, rerr)
				out.Complete(nil, rerr)
				return
			}
			if !ok {
				hp.Complete(nil, err)
				out.Complete(nil, err)
				return
			}
			if conf.ExecutionOptimization() {
				next = Optimize(next)
			}
			nf := ev.eval(ctx, next, conf, c)
			hp.Complete(nf.AsHandler(), nil)
			out.Forward(nf)
		}()
		return out.F()

	case GetCounters:
		pf := ev.eval(ctx, e.Deps[0], conf, c)
		return future.Map(pf, func(v interface{}) (interface{}, error) {
			r := v.(result)
			return result{
				val:      scalding.Tuple{r.val, r.counters.Flatten()},
				counters: r.counters,
			}, nil
		})

	case ResetCounters:
		pf := ev.eval(ctx, e.Deps[0], conf, c)
		return future.Map(pf, func(v interface{}) (interface{}, error) {
			return result{val: v.(result).val}, nil
		})

	case TransformedConfig:
		return ev.eval(ctx, e.Deps[0], e.ConfigFn(conf), c)

	case WithNewCache:
		return ev.eval(ctx, e.Deps[0], conf, c.cleanCache())

	case UniqueID:
		id, conf2 := conf.EnsureUniqueID()
		next := e.IDFn(id)
		if conf2.ExecutionOptimization() {
			next = Optimize(next)
		}
		return ev.eval(ctx, next, conf2, c)

	case Reader:
		return future.Successful(result{val: scalding.Tuple{conf, ev.mode}})

	case FlowDef:
		fw, ok := ev.writer.(FlowDefWriter)
		if !ok {
			return future.Failed(errors.E("flowdef", errors.Invalid,
				errors.New("writer does not support raw flow definitions")))
		}
		def, err := e.FlowFn(conf, ev.mode)
		if err != nil {
			return future.Failed(err)
		}
		return future.Map(fw.ExecuteFlowDef(ctx, conf, def), func(v interface{}) (interface{}, error) {
			s := v.(Submission)
			return result{counters: stats.ByID{s.ID: s.Counters}}, nil
		})

	case Write:
		return ev.evalWrite(ctx, e, conf, c)
	}
	panic("exec: invalid op " + e.Op.String())
}

// evalWrite coalesces e's descriptors against the run's write table:
// descriptors this evaluation locked are submitted as one bundle;
// descriptors owned by a concurrent peer are awaited. The bundle's
// counters are broadcast to every node that registered a descriptor.
func (ev *Eval) evalWrite(ctx context.Context, e *Execution, conf scalding.Config, c *cache) *future.F {
	var (
		owned  []*future.Promise
		descs  []WriteDesc
		others []*future.F
	)
	for _, d := range e.Writes {
		p, f := c.getOrLock(writeKey(conf, d))
		if p != nil {
			owned = append(owned, p)
			descs = append(descs, d)
		} else {
			others = append(others, f)
		}
	}
	for _, f := range others {
		if _, err, done := f.Poll(); done && err != nil {
			// A peer's submission already failed; short-circuit, but
			// resolve any descriptors we locked so their peers do not
			// hang.
			for _, p := range owned {
				p.Complete(nil, err)
			}
			return future.Failed(err)
		}
	}
	waits := others
	if len(owned) > 0 {
		sub := ev.writer.Execute(ctx, conf, descs)
		byID := future.Map(sub, func(v interface{}) (interface{}, error) {
			s := v.(Submission)
			return stats.ByID{s.ID: s.Counters}, nil
		})
		for _, p := range owned {
			p.Forward(byID)
		}
		waits = append(waits, byID)
	}
	all := future.Sequence(waits)
	out := future.NewPromise()
	out.SetHandler(all.AsHandler())
	go func() {
		v, err := all.Result()
		if err != nil {
			out.Complete(nil, err)
			return
		}
		var merged stats.ByID
		for _, x := range v.([]interface{}) {
			merged = merged.Merge(x.(stats.ByID))
		}
		pv, err := protect1(func() (scalding.Value, error) {
			return e.PresentFn(ctx, conf, ev.mode, ev.writer)
		})
		if err != nil {
			out.Complete(nil, err)
			return
		}
		out.Complete(result{val: pv, counters: merged}, nil)
	}()
	return out.F()
}

// protect1 converts a panic in a user closure into an evaluation
// failure.
func protect1(fn func() (scalding.Value, error)) (v scalding.Value, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.E("eval", errors.Errorf("panic: %v", p))
		}
	}()
	return fn()
}

func protectNext(fn func() (*Execution, error)) (e *Execution, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.E("eval", errors.Errorf("panic: %v", p))
		}
	}()
	return fn()
}

func protectRecover(fn func(error) (*Execution, bool), cause error) (e *Execution, ok bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.E("eval", errors.Errorf("panic: %v", p))
		}
	}()
	e, ok = fn(cause)
	return e, ok, nil
}
