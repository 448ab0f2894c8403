// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pvo

import (
	"github.com/google/btree"

	"gvisor.dev/pmap/pkg/hostarch"
)

// treeDegree is the btree degree of a space's record store.
const treeDegree = 16

// Tree is an ordered set of non-overlapping records keyed by VA.
type Tree struct {
	t *btree.BTreeG[*Record]
}

func lessVA(a, b *Record) bool {
	return a.VA < b.VA
}

// NewTree returns an empty tree.
func NewTree() Tree {
	return Tree{t: btree.NewG(treeDegree, lessVA)}
}

func key(va hostarch.Addr) *Record {
	return &Record{VA: va}
}

// Len returns the number of records.
func (t Tree) Len() int {
	return t.t.Len()
}

// Get returns the record at exactly va.
func (t Tree) Get(va hostarch.Addr) (*Record, bool) {
	return t.t.Get(key(va))
}

// Covering returns the record whose mapping contains va.
func (t Tree) Covering(va hostarch.Addr) (*Record, bool) {
	var found *Record
	t.t.DescendLessOrEqual(key(va), func(r *Record) bool {
		if r.Contains(va) {
			found = r
		}
		return false
	})
	return found, found != nil
}

// insert adds r, returning false if a record at r.VA exists.
func (t Tree) insert(r *Record) bool {
	if t.t.Has(r) {
		return false
	}
	t.t.ReplaceOrInsert(r)
	return true
}

// delete removes the record at r.VA.
func (t Tree) delete(r *Record) {
	t.t.Delete(r)
}

// Overlapping calls fn for every record intersecting [start, end) in VA
// order and stops if fn returns false. fn must not modify the tree.
func (t Tree) Overlapping(start, end hostarch.Addr, fn func(*Record) bool) {
	if end <= start {
		return
	}
	cont := true
	if r, ok := t.Covering(start); ok && r.VA < start {
		cont = fn(r)
	}
	if !cont {
		return
	}
	t.t.AscendRange(key(start), key(end), fn)
}

// Collect returns the records intersecting [start, end).
func (t Tree) Collect(start, end hostarch.Addr) []*Record {
	var rs []*Record
	t.Overlapping(start, end, func(r *Record) bool {
		rs = append(rs, r)
		return true
	})
	return rs
}

// All returns every record in VA order.
func (t Tree) All() []*Record {
	rs := make([]*Record, 0, t.t.Len())
	t.t.Ascend(func(r *Record) bool {
		rs = append(rs, r)
		return true
	})
	return rs
}
