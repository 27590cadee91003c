// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/retry"
	"golang.org/x/sync/errgroup"

	scalding "github.com/LaudateCorpus1/scalding"
	"github.com/LaudateCorpus1/scalding/errors"
	"github.com/LaudateCorpus1/scalding/future"
	"github.com/LaudateCorpus1/scalding/log"
	"github.com/LaudateCorpus1/scalding/stats"
)

// writeRetrier governs retries of transient planner failures.
var writeRetrier = retry.MaxTries(retry.Backoff(20*time.Millisecond, 2*time.Second, 1.5), 3)

// LocalWriter is an in-process Writer: it "plans" a bundle by running
// the caller-supplied functions per descriptor, concurrently, and
// allocates monotonic submission ids. It is the default writer of Run
// and the workhorse of the test suite. Descriptors in one bundle run
// concurrently; transient failures are retried.
type LocalWriter struct {
	// RunWrite executes a single descriptor, returning the counters it
	// incremented. Required for runs containing writes.
	RunWrite func(ctx context.Context, conf scalding.Config, d WriteDesc) (stats.Counters, error)

	// RunFlowDef executes a raw planner description. Required for runs
	// containing flow-def submissions.
	RunFlowDef func(ctx context.Context, conf scalding.Config, def scalding.FlowDef) (stats.Counters, error)

	// Forced, if non-nil, resolves a forced pipe after submission; by
	// default the pipe is returned unchanged.
	Forced func(ctx context.Context, conf scalding.Config, p scalding.Pipe) (scalding.Pipe, error)

	// Iterable, if non-nil, materializes a pipe's records after
	// submission.
	Iterable func(ctx context.Context, conf scalding.Config, p scalding.Pipe) ([]scalding.Value, error)

	// Log receives the submission transcript.
	Log *log.Logger

	nextID       uint64
	finishedOnce sync.Once
}

var _ FlowDefWriter = (*LocalWriter)(nil)

// Start implements Writer.
func (w *LocalWriter) Start() {
	w.Log.Debugf("writer: start")
}

// Finished implements Writer. It is safe against duplicate calls.
func (w *LocalWriter) Finished() {
	w.finishedOnce.Do(func() {
		w.Log.Debugf("writer: finished")
	})
}

// Execute implements Writer.
func (w *LocalWriter) Execute(ctx context.Context, conf scalding.Config, writes []WriteDesc) *future.F {
	id := atomic.AddUint64(&w.nextID, 1)
	return w.submit(ctx, id, len(writes), func(runCtx context.Context, i int) (stats.Counters, error) {
		if w.RunWrite == nil {
			return stats.Counters{}, errors.E("execute", errors.NotSupported,
				errors.New("local writer has no write runner"))
		}
		w.Log.Debugf("writer: submission %d: %s", id, writes[i])
		return w.RunWrite(runCtx, conf, writes[i])
	})
}

// ExecuteFlowDef implements FlowDefWriter.
func (w *LocalWriter) ExecuteFlowDef(ctx context.Context, conf scalding.Config, def scalding.FlowDef) *future.F {
	id := atomic.AddUint64(&w.nextID, 1)
	return w.submit(ctx, id, 1, func(runCtx context.Context, _ int) (stats.Counters, error) {
		if w.RunFlowDef == nil {
			return stats.Counters{}, errors.E("executeflowdef", errors.NotSupported,
				errors.New("local writer has no flow-def runner"))
		}
		return w.RunFlowDef(runCtx, conf, def)
	})
}

// submit runs n tasks concurrently under a stoppable context and
// resolves to a Submission holding the merged counters. Stop requests
// surface as flow-stop failures so that recovery combinators do not
// intercept them.
func (w *LocalWriter) submit(ctx context.Context, id uint64, n int, run func(context.Context, int) (stats.Counters, error)) *future.F {
	runCtx, cancel := context.WithCancel(ctx)
	var stopped int32
	p := future.NewPromise()
	p.SetHandler(future.NewHandler(func(context.Context) {
		atomic.StoreInt32(&stopped, 1)
		cancel()
	}))
	go func() {
		defer cancel()
		var (
			mu     sync.Mutex
			merged stats.Counters
		)
		g, gctx := errgroup.WithContext(runCtx)
		for i := 0; i < n; i++ {
			i := i
			g.Go(func() error {
				for retries := 0; ; retries++ {
					cs, err := run(gctx, i)
					if err == nil {
						mu.Lock()
						merged = merged.Merge(cs)
						mu.Unlock()
						return nil
					}
					if !errors.Transient(err) {
						return err
					}
					if rerr := retry.Wait(gctx, writeRetrier, retries); rerr != nil {
						return err
					}
				}
			})
		}
		if err := g.Wait(); err != nil {
			if atomic.LoadInt32(&stopped) != 0 {
				err = errors.E("execute", errors.FlowStop, err)
			}
			p.Complete(nil, err)
			return
		}
		p.Complete(Submission{ID: id, Counters: merged}, nil)
	}()
	return p.F()
}

// GetForced implements Writer.
func (w *LocalWriter) GetForced(ctx context.Context, conf scalding.Config, p scalding.Pipe) (scalding.Pipe, error) {
	if w.Forced == nil {
		return p, nil
	}
	return w.Forced(ctx, conf, p)
}

// GetIterable implements Writer.
func (w *LocalWriter) GetIterable(ctx context.Context, conf scalding.Config, p scalding.Pipe) ([]scalding.Value, error) {
	if w.Iterable == nil {
		return nil, errors.E("getiterable", errors.NotSupported,
			errors.New("local writer has no iterable materializer"))
	}
	return w.Iterable(ctx, conf, p)
}
