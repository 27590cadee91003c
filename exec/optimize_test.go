// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"testing"

	"github.com/grailbio/base/digest"

	scalding "github.com/LaudateCorpus1/scalding"
)

type ipipe string

func (p ipipe) Digest() digest.Digest {
	return scalding.Digester.FromString("ipipe:" + string(p))
}

func incr(v scalding.Value) (scalding.Value, error) {
	return v.(int) + 1, nil
}

func TestDigestStable(t *testing.T) {
	e := From(1).Map(incr)
	if e.Digest() != e.Digest() {
		t.Error("digest not stable")
	}
	if e.Digest().IsZero() {
		t.Error("zero digest")
	}
}

func TestDigestDistinguishesOps(t *testing.T) {
	x := From(1)
	a := x.GetCounters()
	b := x.ResetCounters()
	if a.Digest() == b.Digest() {
		t.Error("distinct variants share a digest")
	}
}

func TestSharedSubgraphSharesDigest(t *testing.T) {
	x := From(1).Map(incr)
	a := &Execution{Op: Zipped, Deps: []*Execution{x, x}}
	b := &Execution{Op: Zipped, Deps: []*Execution{x, x}}
	// Zipped carries no function position: digest is structural.
	if a.Digest() != b.Digest() {
		t.Error("structurally equal zips differ")
	}
}

func TestFreshClosuresDiffer(t *testing.T) {
	// Function positions are identified per construction: rebuilding
	// the same source text mints a fresh identity.
	a := From(1).Map(incr)
	b := From(1).Map(incr)
	if a.Digest() == b.Digest() {
		t.Error("fresh map nodes share a digest")
	}
}

func TestFuseMapped(t *testing.T) {
	e := From(1).Map(incr).Map(incr)
	o := Optimize(e)
	if got, want := o.Op, Mapped; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := o.Deps[0].Op, FutureConst; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	v, err := o.MapFn(1)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := v, 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestFuseMappedTower(t *testing.T) {
	e := From(0)
	asMap := e.Map(incr)
	for i := 0; i < 9; i++ {
		asMap = asMap.Map(incr)
	}
	o := Optimize(asMap)
	if got, want := o.Op, Mapped; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := len(o.Deps), 1; got != want {
		t.Fatalf("got %v deps, want %v", got, want)
	}
	if got, want := o.Deps[0].Op, FutureConst; got != want {
		t.Errorf("tower not fully fused: inner op %v, want %v", got, want)
	}
	v, err := o.MapFn(0)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := v, 10; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestMergeZippedWrites(t *testing.T) {
	a := ForceToDisk(ipipe("a"))
	b := ForceToDisk(ipipe("b"))
	z := &Execution{Op: Zipped, Deps: []*Execution{a, b}}
	o := Optimize(z)
	if got, want := o.Op, Write; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := len(o.Writes), 2; got != want {
		t.Fatalf("got %v descriptors, want %v", got, want)
	}
	if got, want := o.Writes[0], Force(ipipe("a")); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := o.Writes[1], Force(ipipe("b")); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestInlineMappedWrite(t *testing.T) {
	wr := ForceToDisk(ipipe("a"))
	m := &Execution{Op: Mapped, Deps: []*Execution{wr}, MapFn: incr, FnDigest: fnToken()}
	o := Optimize(m)
	if got, want := o.Op, Write; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := len(o.Writes), 1; got != want {
		t.Errorf("got %v descriptors, want %v", got, want)
	}
}

func TestWriteCombinatorsFuseUnconditionally(t *testing.T) {
	// Write.Zip and Write.Map fuse even without the optimizer.
	z := ForceToDisk(ipipe("a")).Zip(ForceToDisk(ipipe("b")))
	if got, want := z.Op, Write; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	m := ForceToDisk(ipipe("a")).Map(incr)
	if got, want := m.Op, Write; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestOptimizeDeterministic(t *testing.T) {
	a := ForceToDisk(ipipe("a"))
	b := ForceToDisk(ipipe("b"))
	z := &Execution{Op: Zipped, Deps: []*Execution{a, b}}
	o1, o2 := Optimize(z), Optimize(z)
	if o1.Digest() != o2.Digest() {
		t.Error("optimization not deterministic")
	}
}

func TestRewriteMemoized(t *testing.T) {
	m := From(1).Map(incr).Map(incr)
	z := &Execution{Op: Zipped, Deps: []*Execution{m, m}}
	o := Optimize(z)
	if got, want := o.Op, Zipped; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if o.Deps[0] != o.Deps[1] {
		t.Error("shared subgraph rewritten to distinct nodes")
	}
}

func TestOptimizeLeavesOthersAlone(t *testing.T) {
	e := From(1).FlatMap(func(v scalding.Value) (*Execution, error) {
		return From(v), nil
	})
	if got, want := Optimize(e), e; got != want {
		t.Error("unchanged tree was copied")
	}
}

func TestMergedPresentYieldsPair(t *testing.T) {
	a := ForceToDisk(ipipe("a"))
	b := ForceToDisk(ipipe("b"))
	merged := mergeWriteNodes(a, b)
	w := &LocalWriter{}
	v, err := merged.PresentFn(context.Background(), scalding.NewConfig(), scalding.Local, w)
	if err != nil {
		t.Fatal(err)
	}
	pair := v.(scalding.Tuple)
	if got, want := pair[0], scalding.Pipe(ipipe("a")); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := pair[1], scalding.Pipe(ipipe("b")); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
