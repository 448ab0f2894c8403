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
	"gvisor.dev/pmap/pkg/hostarch"
	"gvisor.dev/pmap/pkg/log"
	"gvisor.dev/pmap/pkg/physmem"
	"gvisor.dev/pmap/pkg/pte"
	"gvisor.dev/pmap/pkg/pvo"
	"gvisor.dev/pmap/pkg/tlb"
)

// Promote replaces the page table page mapping the 2MB region of s
// containing va with a superpage leaf, if all 512 entries are valid, map
// contiguous frames from a 2MB aligned base and have identical attributes.
// The page table page is kept for demotion.
//
// Preconditions: s.Mu is locked, as is the shard lock of the region's frames
// if they are managed.
func (e *Engine) Promote(s *pvo.Space, va hostarch.Addr) bool {
	sp := stateOf(s)
	base := va.AlignDown(hostarch.HugePageSize)
	dir, ok := e.entry(sp, base, pte.L3Shift)
	if !ok {
		return false
	}
	pde := e.load(dir)
	if !pde.Valid() || pde.Leaf() {
		return false
	}
	ptp := pde.PA()
	if e.arena[ptp.PFN()].count != pte.RPTEEntries {
		return false
	}
	if !e.promotable(ptp) {
		e.stats.PromotionFailures.Add(1)
		return false
	}
	rs := pvo.PromoteEligible(s, base)
	if rs == nil {
		e.stats.PromotionFailures.Add(1)
		return false
	}
	large, err := e.chunks.Alloc(s, true)
	if err != nil {
		e.stats.PromotionFailures.Add(1)
		return false
	}

	e.store(dir, e.load(ptp)|pte.RPTE(pte.RPTEPromoted))
	sp.saved[base] = ptp
	e.inv.Invalidate(tlb.Request{
		Scope:  tlb.ScopePage,
		Target: tlb.TargetBoth,
		ID:     sp.pid,
		Addr:   base,
		Size:   tlb.Size2M,
	})

	pvo.NewLarge(large, rs)
	e.pages.Collapse(large, rs)
	for _, r := range rs {
		e.chunks.Free(s, r)
	}
	large.Leaf = dir
	e.stats.Promotions.Add(1)
	if log.IsLogging(log.Debug) {
		log.Debugf("radix: pid %d promoted %v", sp.pid, large)
	}
	return true
}

// promotable write protects the clean writable entries of the page table
// page at ptp and reports whether all entries can then be replaced by one
// superpage leaf. Write protecting a clean entry needs no invalidation: a
// store through a translation whose change bit is clear walks the table
// again.
func (e *Engine) promotable(ptp hostarch.PhysAddr) bool {
	first := e.protectClean(ptp)
	if uint64(first)&pte.RPTERef == 0 || !first.PA().IsAligned(hostarch.HugePageSize) {
		return false
	}
	for i := uint64(1); i < pte.RPTEEntries; i++ {
		ent := e.protectClean(ptp + hostarch.PhysAddr(i*8))
		if ent.PA() != first.PA()+hostarch.PhysAddr(i<<hostarch.PageShift) {
			return false
		}
		if uint64(ent^first)&pte.PromoteMask != 0 {
			return false
		}
	}
	return true
}

func (e *Engine) protectClean(addr hostarch.PhysAddr) pte.RPTE {
	for {
		ent := e.load(addr)
		if uint64(ent)&pte.RPTEEAAWrite == 0 || uint64(ent)&pte.RPTEChg != 0 {
			return ent
		}
		if ro := ent &^ pte.RPTE(pte.RPTEEAAWrite); e.cas(addr, ent, ro) {
			return ro
		}
	}
}

// small returns the entry of base page i of the superpage leaf large.
func small(large pte.RPTE, i uint64) pte.RPTE {
	const keep = ^(pte.RPTERPNMask | pte.RPTEPromoted)
	return large&pte.RPTE(keep) | pte.RPTE(uint64(large.PA())+i<<hostarch.PageShift)
}

// Demote replaces the superpage leaf of the large record r with a page
// table page of 512 entries, reusing the page saved at promotion if there is
// one. If the superpage was never accessed, or no page table page or records
// can be had, the mapping is removed instead and Demote returns false.
//
// Preconditions: as for Promote.
func (e *Engine) Demote(r *pvo.Record) bool {
	s := r.Space
	sp := stateOf(s)
	old := e.load(r.Leaf)
	if uint64(old)&pte.RPTERef == 0 {
		e.drop(r)
		return false
	}
	recs := make([]*pvo.Record, 0, pte.RPTEEntries)
	for len(recs) < pte.RPTEEntries {
		n, err := e.chunks.Alloc(s, true)
		if err != nil {
			break
		}
		recs = append(recs, n)
	}
	ptp, saved := sp.saved[r.VA]
	if !saved && len(recs) == pte.RPTEEntries {
		var err error
		if ptp, err = e.frames.Alloc(physmem.AllocNoWait); err != nil {
			ptp = 0
		}
	}
	if len(recs) < pte.RPTEEntries || ptp == 0 {
		for _, n := range recs {
			e.chunks.Free(s, n)
		}
		e.stats.DemotionFailures.Add(1)
		e.drop(r)
		return false
	}
	delete(sp.saved, r.VA)

	// The saved page still holds the entries seen at promotion; they are
	// stale if the superpage's attributes changed since.
	if want := small(old, 0); !saved || uint64(e.load(ptp)^want)&pte.PromoteMask != 0 {
		for i := uint64(0); i < pte.RPTEEntries; i++ {
			e.store(ptp+hostarch.PhysAddr(i*8), small(old, i))
		}
	}
	e.arena[ptp.PFN()] = ptpage{count: pte.RPTEEntries, parent: r.Leaf}

	// Hardware may set the change bit of the superpage until the leaf is
	// replaced; such late bits go to the frame metadata.
	final := e.swap(r.Leaf, pte.MakePDE(ptp, pte.RPTEShift))
	if late := final.RefChg() &^ old.RefChg(); late != 0 {
		e.pages.FoldRefChg(r.PA, r.Size(), late)
	}
	e.inv.Invalidate(tlb.Request{
		Scope:  tlb.ScopePage,
		Target: tlb.TargetBoth,
		ID:     sp.pid,
		Addr:   r.VA,
		Size:   tlb.Size2M,
	})

	e.pages.Split(r, recs)
	for i, n := range recs {
		n.Leaf = ptp + hostarch.PhysAddr(i*8)
	}
	r.Leaf = 0
	e.chunks.Free(s, r)
	e.stats.Demotions.Add(1)
	return true
}

// drop removes the mapping of r entirely.
func (e *Engine) drop(r *pvo.Record) {
	refchg, _ := e.Unset(r)
	e.pages.FoldRefChg(r.PA, r.Size(), refchg)
	e.pages.Remove(r)
	e.chunks.Free(r.Space, r)
}
