// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stats defines the counter model accumulated through an
// evaluation: a pointwise-additive mapping from (group, name) keys to
// signed 64-bit integers, together with the submission-id-keyed inner
// representation used by the evaluator.
package stats

import (
	"fmt"
	"sort"
	"strings"
)

// Key names a single counter within a group.
type Key struct {
	Group string
	Name  string
}

func (k Key) String() string {
	return k.Group + "." + k.Name
}

// Counters is an immutable mapping from Key to int64. The zero value
// is the empty mapping, which is the monoid identity under Merge.
type Counters struct {
	m map[Key]int64
}

// Make returns a Counters holding a copy of m.
func Make(m map[Key]int64) Counters {
	if len(m) == 0 {
		return Counters{}
	}
	c := make(map[Key]int64, len(m))
	for k, v := range m {
		c[k] = v
	}
	return Counters{m: c}
}

// Get returns the count stored under k, distinguishing a missing key
// from an explicit zero.
func (c Counters) Get(k Key) (int64, bool) {
	v, ok := c.m[k]
	return v, ok
}

// Value returns the count stored under k, or 0 if there is none.
func (c Counters) Value(k Key) int64 {
	return c.m[k]
}

// Keys returns the set of keys in c, ordered by group then name.
func (c Counters) Keys() []Key {
	keys := make([]Key, 0, len(c.m))
	for k := range c.m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Group != keys[j].Group {
			return keys[i].Group < keys[j].Group
		}
		return keys[i].Name < keys[j].Name
	})
	return keys
}

// N returns the number of keys in c.
func (c Counters) N() int {
	return len(c.m)
}

// IsZero tells whether c is the empty mapping.
func (c Counters) IsZero() bool {
	return len(c.m) == 0
}

// Merge returns the pointwise sum of c and d. Neither receiver nor
// argument is modified.
func (c Counters) Merge(d Counters) Counters {
	if c.IsZero() {
		return d
	}
	if d.IsZero() {
		return c
	}
	m := make(map[Key]int64, len(c.m)+len(d.m))
	for k, v := range c.m {
		m[k] = v
	}
	for k, v := range d.m {
		m[k] += v
	}
	return Counters{m: m}
}

func (c Counters) String() string {
	if c.IsZero() {
		return "counters{}"
	}
	parts := make([]string, 0, len(c.m))
	for _, k := range c.Keys() {
		parts = append(parts, fmt.Sprintf("%s=%d", k, c.m[k]))
	}
	return "counters{" + strings.Join(parts, ", ") + "}"
}

// ByID is the evaluator's inner counter representation, keyed by
// submission id. Keying by id makes merging idempotent: the same
// submission observed through two paths (e.g., both sides of a zip
// that share a write) is counted once.
type ByID map[uint64]Counters

// Merge returns the union of a and b. Entries with the same id are
// assumed to be the same submission and either is kept.
func (a ByID) Merge(b ByID) ByID {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	m := make(ByID, len(a)+len(b))
	for id, c := range a {
		m[id] = c
	}
	for id, c := range b {
		m[id] = c
	}
	return m
}

// Flatten sums the counters across all submissions.
func (a ByID) Flatten() Counters {
	var c Counters
	for _, id := range a.ids() {
		c = c.Merge(a[id])
	}
	return c
}

func (a ByID) ids() []uint64 {
	ids := make([]uint64, 0, len(a))
	for id := range a {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
