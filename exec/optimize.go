// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"io"

	scalding "github.com/LaudateCorpus1/scalding"
	"github.com/grailbio/base/digest"
)

// Optimize rewrites e by the engine's rule set: adjacent Write nodes
// joined by a Zipped are merged into a single bundled Write; Mapped
// chains are fused; a Mapped over a Write is inlined into the write's
// result function. Rewriting is memoized by node digest, so shared
// sub-graphs are rewritten once and structurally equal nodes collapse
// to one.
func Optimize(e *Execution) *Execution {
	return optimize(e, newRewriteMap())
}

type rewriteMap struct {
	nodes map[digest.Digest]*Execution
}

func newRewriteMap() *rewriteMap {
	return &rewriteMap{nodes: map[digest.Digest]*Execution{}}
}

func optimize(e *Execution, m *rewriteMap) *Execution {
	if o, ok := m.nodes[e.Digest()]; ok {
		return o
	}
	o := rewrite(e, m)
	m.nodes[e.Digest()] = o
	return o
}

func rewrite(e *Execution, m *rewriteMap) *Execution {
	deps := make([]*Execution, len(e.Deps))
	changed := false
	for i := range e.Deps {
		deps[i] = optimize(e.Deps[i], m)
		changed = changed || deps[i] != e.Deps[i]
	}
	switch e.Op {
	case Zipped:
		a, b := deps[0], deps[1]
		if a.Op == Write && b.Op == Write {
			return mergeWriteNodes(a, b)
		}
	case Mapped:
		switch p := deps[0]; p.Op {
		case Mapped:
			inner, outer := p.MapFn, e.MapFn
			return &Execution{
				Op:   Mapped,
				Deps: []*Execution{p.Deps[0]},
				MapFn: func(v scalding.Value) (scalding.Value, error) {
					v, err := inner(v)
					if err != nil {
						return nil, err
					}
					return outer(v)
				},
				FnDigest: mixTokens("fusemap", p.FnDigest, e.FnDigest),
				Ident:    e.Ident,
			}
		case Write:
			return mapWriteNode(p, e.MapFn, e.FnDigest)
		}
	}
	if !changed {
		return e
	}
	return e.copyWithDeps(deps)
}

// mergeWriteNodes bundles two Write nodes into one whose descriptors
// are concatenated and whose result function yields the Tuple of both
// results. This is the load-bearing rule for planner efficiency:
// Write.Zip applies it even when global optimization is disabled.
func mergeWriteNodes(a, b *Execution) *Execution {
	writes := make([]WriteDesc, 0, len(a.Writes)+len(b.Writes))
	writes = append(writes, a.Writes...)
	writes = append(writes, b.Writes...)
	apresent, bpresent := a.PresentFn, b.PresentFn
	return &Execution{
		Op:     Write,
		Writes: writes,
		PresentFn: func(ctx context.Context, conf scalding.Config, mode scalding.Mode, w Writer) (scalding.Value, error) {
			av, err := apresent(ctx, conf, mode, w)
			if err != nil {
				return nil, err
			}
			bv, err := bpresent(ctx, conf, mode, w)
			if err != nil {
				return nil, err
			}
			return scalding.Tuple{av, bv}, nil
		},
		FnDigest: mixTokens("zipwrite", a.FnDigest, b.FnDigest),
	}
}

// mapWriteNode inlines fn into wr's result function, keeping the
// descriptor set intact. fnTok identifies fn's position so the
// derived node digest is stable across rewrites.
func mapWriteNode(wr *Execution, fn func(scalding.Value) (scalding.Value, error), fnTok digest.Digest) *Execution {
	present := wr.PresentFn
	return &Execution{
		Op:     Write,
		Writes: wr.Writes,
		PresentFn: func(ctx context.Context, conf scalding.Config, mode scalding.Mode, w Writer) (scalding.Value, error) {
			v, err := present(ctx, conf, mode, w)
			if err != nil {
				return nil, err
			}
			return fn(v)
		},
		FnDigest: mixTokens("mapwrite", wr.FnDigest, fnTok),
		Ident:    wr.Ident,
	}
}

func mixTokens(tag string, ds ...digest.Digest) digest.Digest {
	w := scalding.Digester.NewWriter()
	io.WriteString(w, tag)
	for _, d := range ds {
		must(digest.WriteDigest(w, d))
	}
	return w.Digest()
}
