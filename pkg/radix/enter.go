// Copyright 2023 The gVisor Authors.
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

package radix

import (
	"fmt"

	"gvisor.dev/pmap/pkg/hostarch"
	"gvisor.dev/pmap/pkg/pte"
	"gvisor.dev/pmap/pkg/pvo"
	"gvisor.dev/pmap/pkg/tlb"
)

// attr encodes a cache class in the attribute field.
func attr(c pvo.CacheClass) uint64 {
	switch {
	case c&pvo.Inhibited != 0 && c&pvo.Guarded != 0:
		return pte.RPTEAttrGuardedIO
	case c&pvo.Inhibited != 0:
		return pte.RPTEAttrUnguardedIO
	default:
		return pte.RPTEAttrMem
	}
}

// leaf returns the entry mapping r.
func (e *Engine) leaf(r *pvo.Record) pte.RPTE {
	v := pte.RPTEValid | pte.RPTELeaf | uint64(r.PA)&pte.RPTERPNMask |
		pte.EAA(r.Prot) | attr(e.pages.Class(r)) | r.Preload&pte.RPTERefChg
	if r.IsWired() {
		v |= pte.RPTEWired
	}
	if r.IsManaged() {
		v |= pte.RPTEManaged
	}
	if r.Space.Kernel {
		v |= pte.RPTEEAAPriv
	}
	return pte.RPTE(v)
}

func sizeOf(r *pvo.Record) tlb.PageSize {
	if r.IsLarge() {
		return tlb.Size2M
	}
	return tlb.Size4K
}

func leafShift(r *pvo.Record) uint {
	if r.IsLarge() {
		return pte.L3Shift
	}
	return pte.L4Shift
}

// Insert installs the leaf of r, creating page table pages as needed. It
// never sleeps; if a page table page cannot be allocated it returns
// kernerr.ErrResourceShortage. No TLB invalidation is needed since no valid
// translation of r.VA existed.
//
// Preconditions: r.Space.Mu is locked and no leaf maps r.VA.
func (e *Engine) Insert(r *pvo.Record, noReclaim bool) error {
	sp := stateOf(r.Space)
	addr, err := e.create(sp, r.VA, leafShift(r))
	if err != nil {
		return err
	}
	old := e.load(addr)
	switch {
	case !old.Valid():
		e.ref(addr)
	case r.IsLarge() && !old.Leaf() && e.arena[old.PA().PFN()].count == 0:
		// An empty page table page left in the kernel tree, which is
		// never reaped. The directory entry is reused for the leaf and
		// the page freed once the page walk cache is invalidated.
		ptp := old.PA()
		e.arena[ptp.PFN()] = ptpage{}
		sp.batch.pwc = true
		sp.batch.free = append(sp.batch.free, ptp)
	default:
		panic(fmt.Sprintf("inserting %v over valid entry %v", r, old))
	}
	e.store(addr, e.leaf(r))
	r.Leaf = addr
	r.Preload = 0
	return nil
}

// Unset clears the leaf of r and returns its reference and change bits. The
// invalidation is queued on the space and performed by Flush.
func (e *Engine) Unset(r *pvo.Record) (uint64, bool) {
	if r.Leaf == 0 {
		return 0, false
	}
	sp := stateOf(r.Space)
	old := e.swap(r.Leaf, 0)
	sp.batch.add(r.VA, sizeOf(r))
	if r.IsLarge() {
		if page, ok := sp.saved[r.VA]; ok {
			delete(sp.saved, r.VA)
			e.arena[page.PFN()] = ptpage{}
			sp.batch.free = append(sp.batch.free, page)
		}
	}
	e.unref(sp, r.Leaf)
	r.Leaf = 0
	return old.RefChg(), old.Valid()
}

// Synch returns the reference and change bits of the leaf of r.
func (e *Engine) Synch(r *pvo.Record) (uint64, bool) {
	if r.Leaf == 0 {
		return 0, false
	}
	return e.load(r.Leaf).RefChg(), true
}

// Clear clears bits from the leaf of r and returns the reference and change
// bits seen before. The translation is invalidated at once since Clear runs
// from frame queries that do not hold the space lock.
func (e *Engine) Clear(r *pvo.Record, bits uint64) uint64 {
	if r.Leaf == 0 {
		return 0
	}
	bits &= pte.RPTERefChg
	for {
		old := e.load(r.Leaf)
		if uint64(old)&bits == 0 {
			return old.RefChg()
		}
		if e.cas(r.Leaf, old, old&^pte.RPTE(bits)) {
			e.inv.Page(stateOf(r.Space).pid, r.VA, sizeOf(r))
			return old.RefChg()
		}
	}
}

// Replace rewrites the leaf of r from its attributes. If only the software
// wired bit changed (soft), no invalidation is needed. Otherwise the old
// reference and change bits are returned, the reference bit is kept and the
// translation is invalidated at once.
func (e *Engine) Replace(r *pvo.Record, soft bool) uint64 {
	if r.Leaf == 0 {
		return 0
	}
	for {
		old := e.load(r.Leaf)
		var new pte.RPTE
		if soft {
			new = old &^ pte.RPTE(pte.RPTEWired)
			if r.IsWired() {
				new |= pte.RPTE(pte.RPTEWired)
			}
		} else {
			new = e.leaf(r) | old&pte.RPTE(pte.RPTERef|pte.RPTEPromoted)
		}
		if !e.cas(r.Leaf, old, new) {
			continue
		}
		if soft {
			return 0
		}
		e.inv.Page(stateOf(r.Space).pid, r.VA, sizeOf(r))
		return old.RefChg()
	}
}

// Prefaultable reports whether va of s has a page table page but no valid
// leaf, so that a mapping can be entered without allocation.
//
// Preconditions: s.Mu is locked.
func (e *Engine) Prefaultable(s *pvo.Space, va hostarch.Addr) bool {
	addr, ok := e.entry(stateOf(s), va, pte.L4Shift)
	return ok && !e.load(addr).Valid()
}

// Lookup returns the leaf mapping va in s and its size, for diagnostics.
//
// Preconditions: s.Mu is locked.
func (e *Engine) Lookup(s *pvo.Space, va hostarch.Addr) (pte.RPTE, uint64, bool) {
	addr, shift, ok := e.leafOf(stateOf(s), va)
	if !ok {
		return 0, 0, false
	}
	return e.load(addr), 1 << shift, true
}
