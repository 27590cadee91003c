// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package scalding defines the shared data model for the deferred-
// computation engine: the opaque planner tokens (Pipe, Sink, FlowDef),
// the evaluation Mode, the immutable job Config, and the Digester used
// for structural identity throughout.
//
// The engine itself lives in package exec; supporting packages are
// future (cancellable futures), sema (bounded parallelism), stats
// (counters), errors and log.
package scalding
