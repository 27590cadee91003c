// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package exec implements the deferred-computation engine: an
// algebraic description of asynchronous batch work that is optimized,
// de-duplicated against a per-run cache, and driven to completion
// against an external writer.
//
// An Execution is an immutable node in a DAG. Combinators (Map,
// FlatMap, Zip, RecoverWith, and so on) build the DAG; Run interprets
// it into a cancellable future. Nodes are identified by digest:
// structurally equal sub-graphs evaluate once per run.
package exec

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	scalding "github.com/LaudateCorpus1/scalding"
	"github.com/grailbio/base/digest"
)

// Op is an enum representing the node kinds of an Execution.
type Op int

const (
	// FutureConst runs a closure on the evaluator and yields its value.
	FutureConst Op = 1 + iota
	// FlowDef submits a raw planner description via the writer.
	FlowDef
	// Mapped transforms the inner result with a pure function.
	Mapped
	// FlatMapped sequences a dependent continuation.
	FlatMapped
	// Zipped composes two sub-executions in parallel.
	Zipped
	// OnComplete runs a side effect after the inner execution resolves.
	OnComplete
	// RecoverWith recovers from non-cancellation failures.
	RecoverWith
	// GetCounters materializes accumulated counters alongside the value.
	GetCounters
	// ResetCounters discards accumulated counters.
	ResetCounters
	// TransformedConfig rewrites the effective config for its child.
	TransformedConfig
	// WithNewCache evaluates its child against a fresh memoization scope.
	WithNewCache
	// UniqueID requests a fresh token inserted into config.
	UniqueID
	// Reader yields the effective (config, mode).
	Reader
	// Write submits one or more write descriptors as a bundle.
	Write

	maxOp
)

var opStrings = [maxOp]string{
	0:                 "BROKEN",
	FutureConst:       "futureconst",
	FlowDef:           "flowdef",
	Mapped:            "mapped",
	FlatMapped:        "flatmapped",
	Zipped:            "zipped",
	OnComplete:        "oncomplete",
	RecoverWith:       "recoverwith",
	GetCounters:       "getcounters",
	ResetCounters:     "resetcounters",
	TransformedConfig: "transformedconfig",
	WithNewCache:      "withnewcache",
	UniqueID:          "uniqueid",
	Reader:            "reader",
	Write:             "write",
}

func (o Op) String() string {
	return opStrings[o]
}

// DigestString returns the representation of o written into node
// digests.
func (o Op) DigestString() string {
	return fmt.Sprintf("op%d:%s", int(o), opStrings[o])
}

// Try holds the outcome of a lifted execution: either a value or an
// error, never both.
type Try struct {
	Value scalding.Value
	Err   error
}

// WriteKind is an enum of write-descriptor kinds.
type WriteKind int

const (
	// ForceWrite materializes a pipe to durable storage.
	ForceWrite WriteKind = 1 + iota
	// IterableWrite materializes a pipe for in-process iteration.
	IterableWrite
	// SimpleWriteKind writes a pipe to a sink.
	SimpleWriteKind

	maxWriteKind
)

var writeKindStrings = [maxWriteKind]string{
	0:               "BROKEN",
	ForceWrite:      "force",
	IterableWrite:   "iterable",
	SimpleWriteKind: "simple",
}

func (k WriteKind) String() string {
	return writeKindStrings[k]
}

// A WriteDesc describes a single desired materialization of a pipe.
// Descriptors carry only opaque planner tokens; their digest is their
// identity for write coalescing.
type WriteDesc struct {
	Kind WriteKind
	Pipe scalding.Pipe
	Sink scalding.Sink // SimpleWriteKind only
}

// Force returns a descriptor that materializes p to durable storage.
func Force(p scalding.Pipe) WriteDesc {
	return WriteDesc{Kind: ForceWrite, Pipe: p}
}

// Iterable returns a descriptor that materializes p for iteration.
func Iterable(p scalding.Pipe) WriteDesc {
	return WriteDesc{Kind: IterableWrite, Pipe: p}
}

// SimpleWrite returns a descriptor that writes p to sink s.
func SimpleWrite(p scalding.Pipe, s scalding.Sink) WriteDesc {
	return WriteDesc{Kind: SimpleWriteKind, Pipe: p, Sink: s}
}

// Digest returns the descriptor's identity.
func (d WriteDesc) Digest() digest.Digest {
	w := scalding.Digester.NewWriter()
	io.WriteString(w, fmt.Sprintf("write%d:%s", int(d.Kind), d.Kind))
	digest.WriteDigest(w, d.Pipe.Digest())
	if d.Sink != nil {
		digest.WriteDigest(w, d.Sink.Digest())
	}
	return w.Digest()
}

func (d WriteDesc) String() string {
	if d.Sink != nil {
		return fmt.Sprintf("%s(%s, %s)", d.Kind, d.Pipe.Digest().Short(), d.Sink.Digest().Short())
	}
	return fmt.Sprintf("%s(%s)", d.Kind, d.Pipe.Digest().Short())
}

// Execution defines an AST for deferred computations. It is a logical
// union of ops as defined by type Op. Child nodes witness
// computational dependencies and must therefore be evaluated before
// their parents. Executions are immutable once constructed and may be
// freely shared between DAGs.
type Execution struct {
	// The operation represented by this node. See Op for definitions.
	Op Op

	// Deps holds this node's sub-executions.
	Deps []*Execution

	Fn        func(ctx context.Context, conf scalding.Config, mode scalding.Mode) (scalding.Value, error) // FutureConst
	FlowFn    func(conf scalding.Config, mode scalding.Mode) (scalding.FlowDef, error)                    // FlowDef
	MapFn     func(scalding.Value) (scalding.Value, error)                                                // Mapped
	FlatFn    func(scalding.Value) (*Execution, error)                                                    // FlatMapped
	SideFn    func(scalding.Value, error)                                                                 // OnComplete
	RecoverFn func(error) (*Execution, bool)                                                              // RecoverWith
	ConfigFn  func(scalding.Config) scalding.Config                                                       // TransformedConfig
	IDFn      func(scalding.UniqueID) *Execution                                                          // UniqueID

	// Writes holds the write descriptors of a Write node; it is
	// always nonempty for Write.
	Writes []WriteDesc
	// PresentFn produces the user-visible value of a Write node. It is
	// invoked only after the bundled submission resolves and must be
	// pure with respect to writer state.
	PresentFn func(ctx context.Context, conf scalding.Config, mode scalding.Mode, w Writer) (scalding.Value, error)

	// FnDigest identifies the function position of this node. It is
	// minted fresh at construction: reusing an *Execution value shares
	// identity; re-building the same source text does not. Rewrite
	// rules derive it deterministically from the inputs they fuse.
	FnDigest digest.Digest

	// A human-readable identifier for the node, for use in debugging
	// output.
	Ident string

	digestOnce sync.Once
	digest     digest.Digest
}

// fnToken mints a fresh identity for a function position.
func fnToken() digest.Digest {
	return scalding.Digester.Rand(nil)
}

// Digest produces a digest of Execution e. The digest captures the
// entirety of the node's semantics up to function identity: two nodes
// with the same digest evaluate to the same value under the same
// config.
func (e *Execution) Digest() digest.Digest {
	e.digestOnce.Do(e.computeDigest)
	return e.digest
}

func (e *Execution) computeDigest() {
	w := scalding.Digester.NewWriter()
	e.WriteDigest(w)
	e.digest = w.Digest()
}

func must(n int, err error) {
	if err != nil {
		panic(err)
	}
}

// WriteDigest writes the digestible material of e to w. The io.Writer
// is assumed to be produced by a Digester, and hence infallible.
func (e *Execution) WriteDigest(w io.Writer) {
	io.WriteString(w, e.Op.DigestString())
	for _, dep := range e.Deps {
		must(digest.WriteDigest(w, dep.Digest()))
	}
	if !e.FnDigest.IsZero() {
		must(digest.WriteDigest(w, e.FnDigest))
	}
	for _, d := range e.Writes {
		must(digest.WriteDigest(w, d.Digest()))
	}
}

// copyWithDeps performs a shallow copy of the Execution with deps replaced.
// The copy's digest is recomputed on demand.
func (e *Execution) copyWithDeps(deps []*Execution) *Execution {
	c := new(Execution)
	c.Op = e.Op
	c.Deps = deps
	c.Fn = e.Fn
	c.FlowFn = e.FlowFn
	c.MapFn = e.MapFn
	c.FlatFn = e.FlatFn
	c.SideFn = e.SideFn
	c.RecoverFn = e.RecoverFn
	c.ConfigFn = e.ConfigFn
	c.IDFn = e.IDFn
	c.Writes = e.Writes
	c.PresentFn = e.PresentFn
	c.FnDigest = e.FnDigest
	c.Ident = e.Ident
	return c
}

// String returns a shallow, human-readable representation of the node.
func (e *Execution) String() string {
	s := fmt.Sprintf("execution %s %s", e.Digest().Short(), e.Op)
	if e.Ident != "" {
		s += fmt.Sprintf(" (%s)", e.Ident)
	}
	if len(e.Writes) > 0 {
		descs := make([]string, len(e.Writes))
		for i := range e.Writes {
			descs[i] = e.Writes[i].String()
		}
		s += " writes " + strings.Join(descs, ",")
	}
	if len(e.Deps) != 0 {
		deps := make([]string, len(e.Deps))
		for i := range e.Deps {
			deps[i] = e.Deps[i].Digest().Short()
		}
		s += " deps " + strings.Join(deps, ",")
	}
	return s
}

// Label labels this execution with ident, then recursively labels its
// dependencies. Labeling stops when a node is already labeled.
func (e *Execution) Label(ident string) {
	if e.Ident != "" {
		return
	}
	e.Ident = ident
	for _, dep := range e.Deps {
		dep.Label(ident)
	}
}
