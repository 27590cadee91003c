// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"

	scalding "github.com/LaudateCorpus1/scalding"
	"github.com/LaudateCorpus1/scalding/future"
	"github.com/LaudateCorpus1/scalding/stats"
)

// A Submission records the outcome of one writer execution: a
// monotonically fresh id and the counters it incremented.
type Submission struct {
	ID       uint64
	Counters stats.Counters
}

// Writer plans and executes bundles of write descriptors on behalf of
// a run. A fresh Writer is created per run; the engine calls Start
// exactly once before the first Execute and Finished exactly once
// after the run's future resolves. Implementations may apply
// planner-level optimization across a bundle, which is the reason the
// engine coalesces adjacent writes.
type Writer interface {
	// Start readies the writer. It is called once, before any Execute.
	Start()

	// Finished releases the writer's resources. It is called once,
	// after the last Execute, and must not panic.
	Finished()

	// Execute atomically plans and runs the bundle, resolving to a
	// Submission. An empty bundle is legal and must yield a fresh id
	// with empty counters. In-flight executions should honor stops of
	// the returned future by failing with a flow-stop error.
	Execute(ctx context.Context, conf scalding.Config, writes []WriteDesc) *future.F

	// GetForced returns the materialized form of p. It is valid only
	// after the enclosing Execute has succeeded.
	GetForced(ctx context.Context, conf scalding.Config, p scalding.Pipe) (scalding.Pipe, error)

	// GetIterable returns p's records. It is valid only after the
	// enclosing Execute has succeeded.
	GetIterable(ctx context.Context, conf scalding.Config, p scalding.Pipe) ([]scalding.Value, error)
}

// FlowDefWriter is implemented by writers that additionally honor raw
// planner descriptions, consumed by FlowDef nodes.
type FlowDefWriter interface {
	Writer

	// ExecuteFlowDef plans and runs def, resolving to a Submission.
	ExecuteFlowDef(ctx context.Context, conf scalding.Config, def scalding.FlowDef) *future.F
}
