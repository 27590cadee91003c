// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"

	scalding "github.com/LaudateCorpus1/scalding"
	"github.com/LaudateCorpus1/scalding/errors"
	"github.com/LaudateCorpus1/scalding/future"
	"github.com/LaudateCorpus1/scalding/sema"
)

// FromFn returns an execution that runs fn on the evaluator and
// yields its value. fn runs once per occurrence per run; its result
// is not memoized across occurrences.
func FromFn(fn func(ctx context.Context, conf scalding.Config, mode scalding.Mode) (scalding.Value, error)) *Execution {
	return &Execution{Op: FutureConst, Fn: fn, FnDigest: fnToken()}
}

// From returns an execution that yields v.
func From(v scalding.Value) *Execution {
	return FromFn(func(context.Context, scalding.Config, scalding.Mode) (scalding.Value, error) {
		return v, nil
	})
}

// Unit returns an execution that yields nil.
func Unit() *Execution {
	return From(nil)
}

// Failed returns an execution that fails with err.
func Failed(err error) *Execution {
	return FromFn(func(context.Context, scalding.Config, scalding.Mode) (scalding.Value, error) {
		return nil, err
	})
}

// FromTry returns an execution yielding t's value or failing with its
// error.
func FromTry(t Try) *Execution {
	if t.Err != nil {
		return Failed(t.Err)
	}
	return From(t.Value)
}

// FromFuture returns an execution that awaits the future produced by
// fn.
func FromFuture(fn func(ctx context.Context) *future.F) *Execution {
	return FromFn(func(ctx context.Context, _ scalding.Config, _ scalding.Mode) (scalding.Value, error) {
		return fn(ctx).Wait(ctx)
	})
}

// FromFlowDef returns an execution that submits the planner
// description produced by fn through the run's writer. It fails if
// the writer does not support raw flow submission.
func FromFlowDef(fn func(conf scalding.Config, mode scalding.Mode) (scalding.FlowDef, error)) *Execution {
	return &Execution{Op: FlowDef, FlowFn: fn, FnDigest: fnToken()}
}

// GetConfigMode returns an execution yielding the effective
// (config, mode) pair as a Tuple.
func GetConfigMode() *Execution {
	return &Execution{Op: Reader}
}

// Map transforms e's value by fn. Mapping a Write inlines fn into the
// write's result function so that adjacent writes remain mergeable.
func (e *Execution) Map(fn func(scalding.Value) (scalding.Value, error)) *Execution {
	if e.Op == Write {
		return mapWriteNode(e, fn, fnToken())
	}
	return &Execution{Op: Mapped, Deps: []*Execution{e}, MapFn: fn, FnDigest: fnToken()}
}

// FlatMap sequences fn after e: fn receives e's value and returns the
// continuation execution.
func (e *Execution) FlatMap(fn func(scalding.Value) (*Execution, error)) *Execution {
	return &Execution{Op: FlatMapped, Deps: []*Execution{e}, FlatFn: fn, FnDigest: fnToken()}
}

// Zip composes e and other in parallel, yielding a Tuple of both
// values. Failures are fail-fast. Zipping two Writes merges them into
// a single bundled write so the planner sees one submission.
func (e *Execution) Zip(other *Execution) *Execution {
	if e.Op == Write && other.Op == Write {
		return mergeWriteNodes(e, other)
	}
	return &Execution{Op: Zipped, Deps: []*Execution{e, other}}
}

// Zip3 composes three executions, yielding a Tuple of three values.
func Zip3(a, b, c *Execution) *Execution {
	return a.Zip(b).Zip(c).Map(func(v scalding.Value) (scalding.Value, error) {
		outer := v.(scalding.Tuple)
		inner := outer[0].(scalding.Tuple)
		return scalding.Tuple{inner[0], inner[1], outer[1]}, nil
	})
}

// Zip4 composes four executions, yielding a Tuple of four values.
func Zip4(a, b, c, d *Execution) *Execution {
	return Zip3(a, b, c).Zip(d).Map(func(v scalding.Value) (scalding.Value, error) {
		outer := v.(scalding.Tuple)
		inner := outer[0].(scalding.Tuple)
		return scalding.Tuple{inner[0], inner[1], inner[2], outer[1]}, nil
	})
}

// OnComplete runs fn after e resolves, with e's value or error. The
// returned execution does not complete until fn returns; a panic in
// fn is reported to the run's logger and does not alter the outcome.
func (e *Execution) OnComplete(fn func(scalding.Value, error)) *Execution {
	return &Execution{Op: OnComplete, Deps: []*Execution{e}, SideFn: fn, FnDigest: fnToken()}
}

// RecoverWith recovers from failures of e. fn is a partial function:
// returning false propagates the failure unchanged. The flow-stop
// signal is never passed to fn.
func (e *Execution) RecoverWith(fn func(error) (*Execution, bool)) *Execution {
	return &Execution{Op: RecoverWith, Deps: []*Execution{e}, RecoverFn: fn, FnDigest: fnToken()}
}

// LiftToTry yields e's outcome as a Try value, converting failure to
// success. Flow-stop failures still propagate.
func (e *Execution) LiftToTry() *Execution {
	return e.Map(func(v scalding.Value) (scalding.Value, error) {
		return Try{Value: v}, nil
	}).RecoverWith(func(err error) (*Execution, bool) {
		return From(Try{Err: err}), true
	})
}

// Filter fails e with a filter error when pred rejects its value.
func (e *Execution) Filter(pred func(scalding.Value) bool) *Execution {
	return e.Map(func(v scalding.Value) (scalding.Value, error) {
		if !pred(v) {
			return nil, errors.E("filter", errors.Filter, errors.Errorf("Filter failed on: %v", v))
		}
		return v, nil
	})
}

// GetCounters yields a Tuple of e's value and the counters
// accumulated beneath it. The counters remain visible to outer
// accumulation.
func (e *Execution) GetCounters() *Execution {
	return &Execution{Op: GetCounters, Deps: []*Execution{e}}
}

// ResetCounters discards the counters accumulated beneath e.
func (e *Execution) ResetCounters() *Execution {
	return &Execution{Op: ResetCounters, Deps: []*Execution{e}}
}

// WithConfig evaluates e under fn applied to the effective config.
// Cache keys use the transformed config, so the same sub-tree under
// different configs is never conflated.
func (e *Execution) WithConfig(fn func(scalding.Config) scalding.Config) *Execution {
	return &Execution{Op: TransformedConfig, Deps: []*Execution{e}, ConfigFn: fn, FnDigest: fnToken()}
}

// WithNewCache evaluates e against a fresh memoization scope, sharing
// the run's writer. This bounds peak cached state on large fan-outs.
func (e *Execution) WithNewCache() *Execution {
	return &Execution{Op: WithNewCache, Deps: []*Execution{e}}
}

// WithID mints a fresh unique token, inserts it into the config, and
// evaluates fn's execution under the updated config.
func WithID(fn func(scalding.UniqueID) *Execution) *Execution {
	return &Execution{Op: UniqueID, IDFn: fn, FnDigest: fnToken()}
}

// WithCachedFile registers path for distribution alongside the job
// and evaluates fn's execution under a config carrying the
// registration.
func WithCachedFile(path string, fn func(scalding.CachedFile) *Execution) *Execution {
	return WithID(func(id scalding.UniqueID) *Execution {
		file := scalding.CachedFile{Path: path, Token: string(id)}
		return fn(file).WithConfig(func(c scalding.Config) scalding.Config {
			return c.WithCachedFile(file)
		})
	})
}

// ForceToDisk materializes p to durable storage and yields the forced
// pipe.
func ForceToDisk(p scalding.Pipe) *Execution {
	return &Execution{
		Op:     Write,
		Writes: []WriteDesc{Force(p)},
		PresentFn: func(ctx context.Context, conf scalding.Config, _ scalding.Mode, w Writer) (scalding.Value, error) {
			return w.GetForced(ctx, conf, p)
		},
		FnDigest: fnToken(),
	}
}

// ToIterable materializes p and yields its records as a slice.
func ToIterable(p scalding.Pipe) *Execution {
	return &Execution{
		Op:     Write,
		Writes: []WriteDesc{Iterable(p)},
		PresentFn: func(ctx context.Context, conf scalding.Config, _ scalding.Mode, w Writer) (scalding.Value, error) {
			vs, err := w.GetIterable(ctx, conf, p)
			if err != nil {
				return nil, err
			}
			return vs, nil
		},
		FnDigest: fnToken(),
	}
}

// WriteTo writes p to sink s and yields nil.
func WriteTo(p scalding.Pipe, s scalding.Sink) *Execution {
	return &Execution{
		Op:     Write,
		Writes: []WriteDesc{SimpleWrite(p, s)},
		PresentFn: func(context.Context, scalding.Config, scalding.Mode, Writer) (scalding.Value, error) {
			return nil, nil
		},
		FnDigest: fnToken(),
	}
}

// Sequence composes xs into a single execution yielding a Tuple of
// their values in order. All elements evaluate in parallel; failure
// is fail-fast. Sequence of nothing yields an empty Tuple.
func Sequence(xs []*Execution) *Execution {
	acc := From(scalding.Tuple{})
	for i := len(xs) - 1; i >= 0; i-- {
		acc = xs[i].Zip(acc).Map(func(v scalding.Value) (scalding.Value, error) {
			pair := v.(scalding.Tuple)
			rest := pair[1].(scalding.Tuple)
			out := make(scalding.Tuple, 0, len(rest)+1)
			out = append(out, pair[0])
			out = append(out, rest...)
			return out, nil
		})
	}
	return acc
}

// WithParallelism evaluates xs with at most k in flight at a time,
// yielding a Tuple of their values in order. Permits are released on
// success and failure alike; the original outcome is re-raised after
// release. k must be positive.
func WithParallelism(xs []*Execution, k int) *Execution {
	sem := sema.New(k)
	guarded := make([]*Execution, len(xs))
	for i, x := range xs {
		x := x
		acquire := FromFn(func(ctx context.Context, _ scalding.Config, _ scalding.Mode) (scalding.Value, error) {
			return sem.Acquire(ctx)
		})
		guarded[i] = acquire.FlatMap(func(v scalding.Value) (*Execution, error) {
			permit := v.(*sema.Permit)
			return x.LiftToTry().OnComplete(func(scalding.Value, error) {
				permit.Release()
			}), nil
		}).FlatMap(func(v scalding.Value) (*Execution, error) {
			t := v.(Try)
			return FromTry(t), nil
		})
	}
	return Sequence(guarded)
}
