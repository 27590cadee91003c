// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"sync"

	scalding "github.com/LaudateCorpus1/scalding"
	"github.com/LaudateCorpus1/scalding/future"
	"github.com/grailbio/base/digest"
)

// cache is the per-run memoization state: two tables keyed by
// (config, node identity). The execution table maps nodes to their
// in-flight or complete futures; the write table coalesces write
// descriptors across independent Write nodes. It is the only shared
// mutable structure during a run.
type cache struct {
	writer Writer

	mu     sync.Mutex
	execs  map[digest.Digest]*future.F
	writes map[digest.Digest]*future.F
}

func newCache(w Writer) *cache {
	return &cache{
		writer: w,
		execs:  map[digest.Digest]*future.F{},
		writes: map[digest.Digest]*future.F{},
	}
}

// getOrElseInsertWithFeedback is the canonical insertion: if key is
// present, the stored future is returned with isNew=false; otherwise
// the future produced by build is installed and returned with
// isNew=true. build runs at most once per key and never under the
// cache lock: a promise is installed first, so concurrent callers for
// the same key share the eventual future.
func (c *cache) getOrElseInsertWithFeedback(key digest.Digest, build func() *future.F) (bool, *future.F) {
	c.mu.Lock()
	if f, ok := c.execs[key]; ok {
		c.mu.Unlock()
		return false, f
	}
	p := future.NewPromise()
	c.execs[key] = p.F()
	c.mu.Unlock()
	p.Forward(build())
	return true, p.F()
}

// getOrLock looks up a write descriptor. If absent, an unresolved
// promise is installed and returned so the caller owns the
// submission; otherwise the caller receives the existing future and
// a nil promise.
func (c *cache) getOrLock(key digest.Digest) (*future.Promise, *future.F) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.writes[key]; ok {
		return nil, f
	}
	p := future.NewPromise()
	c.writes[key] = p.F()
	return p, p.F()
}

// cleanCache returns a fresh cache sharing the same writer. It is
// used to isolate a sub-tree from memoization while still sharing the
// run's submission path.
func (c *cache) cleanCache() *cache {
	return newCache(c.writer)
}

// cacheKey combines a config and node identity into a table key.
func cacheKey(conf scalding.Config, e *Execution) digest.Digest {
	w := scalding.Digester.NewWriter()
	must(digest.WriteDigest(w, conf.Digest()))
	must(digest.WriteDigest(w, e.Digest()))
	return w.Digest()
}

// writeKey combines a config and descriptor identity into a write
// table key.
func writeKey(conf scalding.Config, d WriteDesc) digest.Digest {
	w := scalding.Digester.NewWriter()
	must(digest.WriteDigest(w, conf.Digest()))
	must(digest.WriteDigest(w, d.Digest()))
	return w.Digest()
}
