// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package scalding

import (
	"fmt"
	"path/filepath"

	"github.com/grailbio/base/digest"
)

// Value is the type of values produced by executions. It is just an
// alias to interface{}, but is used throughout code for clarity.
type Value = interface{}

// Tuple is the type of zipped values.
type Tuple []Value

// Pipe is an opaque planner token describing a distributed collection
// of records. Pipes are produced by the pipeline algebra, which is
// external to this engine; the engine only ever names them by digest.
type Pipe interface {
	// Digest returns a stable identity for this pipe. Two pipes with
	// the same digest describe the same collection.
	Digest() digest.Digest
}

// Sink is an opaque planner token describing a destination to which a
// pipe may be written.
type Sink interface {
	Digest() digest.Digest
}

// FlowDef is an opaque planner description submitted directly to a
// writer that supports raw flow submission.
type FlowDef interface{}

// Mode selects the evaluation substrate for a run. Modes are opaque
// to the engine and are threaded through to the writer.
type Mode string

const (
	// Local plans and runs flows in-process.
	Local Mode = "local"
	// Distributed submits flows to an external cluster.
	Distributed Mode = "distributed"
)

// CachedFile names a file registered for distribution alongside the
// job. The token makes the registration unique per use site so that
// two registrations of the same path do not collide.
type CachedFile struct {
	// Path is the source path of the file.
	Path string
	// Token is the unique token minted when the file was registered.
	Token string
}

// SymlinkName returns the name under which the file is made visible
// to tasks.
func (c CachedFile) SymlinkName() string {
	return fmt.Sprintf("%s-%s", c.Token, filepath.Base(c.Path))
}

func (c CachedFile) String() string {
	return fmt.Sprintf("cachedfile(%s, %s)", c.Path, c.Token)
}
