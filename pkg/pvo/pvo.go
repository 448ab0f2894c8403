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
	"fmt"

	"gvisor.dev/pmap/pkg/hostarch"
)

// Insert links r into its space and, if managed, into its frame's backlink
// list. It fails with kernerr.ErrAlreadyExists if a record of the space
// already maps any part of r.
//
// Preconditions: r.Space.Mu is locked. If r is managed, the shard lock of
// r.PA is held for writing.
func (ps *Pages) Insert(r *Record) error {
	if err := r.Space.link(r); err != nil {
		return err
	}
	if r.IsManaged() {
		p := ps.listOf(r)
		if p == nil {
			r.Space.unlink(r)
			return fmt.Errorf("managed record %v maps a frame without metadata", r)
		}
		p.push(r)
	}
	r.Space.account(r, 1)
	return nil
}

// Remove unlinks r from its space and frame and returns it. The caller
// releases any table reference the record held and frees it.
//
// Preconditions: as for Insert.
func (ps *Pages) Remove(r *Record) *Record {
	r.Space.unlink(r)
	if r.IsManaged() {
		ps.listOf(r).remove(r)
	}
	r.Space.account(r, -1)
	return r
}

// PromoteEligible returns the base page records of the superpage region of
// s containing va if all of them are present, they map physically
// contiguous frames starting at a superpage aligned address, and they have
// identical attributes. It returns nil otherwise.
//
// Preconditions: s.Mu is locked.
func PromoteEligible(s *Space, va hostarch.Addr) []*Record {
	size := uint64(1) << s.largeShift
	base := va.AlignDown(size)
	n := int(size >> hostarch.PageShift)
	if s.Populated(base) != n {
		return nil
	}
	rs := make([]*Record, 0, n)
	ok := true
	s.records.Overlapping(base, base+hostarch.Addr(size), func(r *Record) bool {
		if len(rs) == 0 {
			ok = r.VA == base && r.PA.IsAligned(size)
		} else {
			first := rs[0]
			ok = r.PA == first.PA+hostarch.PhysAddr(r.VA-base) && r.Same(first)
		}
		if ok {
			rs = append(rs, r)
		}
		return ok
	})
	if !ok || len(rs) != n {
		return nil
	}
	return rs
}

// NewLarge returns an unlinked superpage record standing for small, which
// must be the result of PromoteEligible. r receives the attributes.
func NewLarge(r *Record, small []*Record) *Record {
	first := small[0]
	r.inherit(first)
	r.VA = first.VA
	r.PA = first.PA
	r.Shift = uint8(first.Space.largeShift)
	r.Flags |= Large
	return r
}

// Collapse replaces the records small with the superpage record large
// without changing the space's counters. small are returned to the caller
// for freeing.
//
// Preconditions: as for Insert, for large.
func (ps *Pages) Collapse(large *Record, small []*Record) {
	s := large.Space
	for _, r := range small {
		s.unlink(r)
		if r.IsManaged() {
			ps.listOf(r).remove(r)
		}
	}
	if err := s.link(large); err != nil {
		panic(fmt.Sprintf("collapsing into %v: %v", large, err))
	}
	if large.IsManaged() {
		ps.listOf(large).push(large)
	}
}

// Split replaces the superpage record large with base page records filled
// into small, which must hold one record per base page. The records inherit
// the attributes of large. Counters are unchanged.
//
// Preconditions: as for Insert, for large.
func (ps *Pages) Split(large *Record, small []*Record) {
	if int64(len(small)) != large.Pages() {
		panic(fmt.Sprintf("splitting %v into %d records", large, len(small)))
	}
	s := large.Space
	s.unlink(large)
	if large.IsManaged() {
		ps.listOf(large).remove(large)
	}
	for i, r := range small {
		r.inherit(large)
		off := uint64(i) << hostarch.PageShift
		r.VA = large.VA + hostarch.Addr(off)
		r.PA = large.PA + hostarch.PhysAddr(off)
		r.Shift = hostarch.PageShift
		if err := s.link(r); err != nil {
			panic(fmt.Sprintf("splitting %v: %v", large, err))
		}
		if r.IsManaged() {
			ps.listOf(r).push(r)
		}
	}
}
