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
	"gvisor.dev/pmap/pkg/log"
	"gvisor.dev/pmap/pkg/physmem"
	"gvisor.dev/pmap/pkg/pte"
	"gvisor.dev/pmap/pkg/pvo"
	"gvisor.dev/pmap/pkg/tlb"
)

// batchPages is the number of queued page invalidations above which a flush
// invalidates the whole identifier instead.
const batchPages = 8

type pendingPage struct {
	va   hostarch.Addr
	size tlb.PageSize
}

// batch collects the invalidations and page table page frees of one
// operation on a space. It is drained by Flush before the space lock is
// dropped.
type batch struct {
	pages []pendingPage
	all   bool
	pwc   bool
	free  []hostarch.PhysAddr
}

func (b *batch) add(va hostarch.Addr, size tlb.PageSize) {
	if b.all {
		return
	}
	if len(b.pages) == batchPages {
		b.all = true
		b.pages = b.pages[:0]
		return
	}
	b.pages = append(b.pages, pendingPage{va, size})
}

func (b *batch) empty() bool {
	return len(b.pages) == 0 && !b.all && !b.pwc && len(b.free) == 0
}

// Flush performs the invalidations queued on s, then frees the page table
// pages that were unlinked. The page walk cache is invalidated before any
// such page can be reused.
//
// Preconditions: s.Mu is locked.
func (e *Engine) Flush(s *pvo.Space) {
	sp := stateOf(s)
	b := &sp.batch
	if b.empty() {
		return
	}
	switch {
	case b.all && sp.kernel:
		e.inv.All()
	case b.all:
		target := tlb.TargetTLB
		if b.pwc {
			target = tlb.TargetBoth
		}
		e.inv.ID(sp.pid, target)
	default:
		for _, p := range b.pages {
			e.inv.Page(sp.pid, p.va, p.size)
		}
		if b.pwc {
			e.inv.PWC(sp.pid)
		}
	}
	for _, page := range b.free {
		e.frames.Free(page)
	}
	b.pages = b.pages[:0]
	b.free = b.free[:0]
	b.all, b.pwc = false, false
}

// entry returns the address of the entry mapping va in the table at level
// shift, or false if a table on the way is missing or a leaf maps va at a
// higher level.
func (e *Engine) entry(sp *space, va hostarch.Addr, shift uint) (hostarch.PhysAddr, bool) {
	table := sp.root
	for lvl := uint(pte.L1Shift); lvl > shift; lvl -= pte.RPTEShift {
		ent := e.load(table + hostarch.PhysAddr(pte.Index(va, lvl)*8))
		if !ent.Valid() || ent.Leaf() {
			return 0, false
		}
		table = ent.PA()
	}
	return table + hostarch.PhysAddr(pte.Index(va, shift)*8), true
}

// leafOf returns the address and level shift of the leaf mapping va, if one
// is valid.
func (e *Engine) leafOf(sp *space, va hostarch.Addr) (hostarch.PhysAddr, uint, bool) {
	table := sp.root
	for lvl := uint(pte.L1Shift); ; lvl -= pte.RPTEShift {
		addr := table + hostarch.PhysAddr(pte.Index(va, lvl)*8)
		ent := e.load(addr)
		switch {
		case !ent.Valid():
			return 0, 0, false
		case ent.Leaf():
			return addr, lvl, true
		case lvl == pte.L4Shift:
			return 0, 0, false
		}
		table = ent.PA()
	}
}

// create returns the address of the entry mapping va at level shift,
// allocating missing tables. Page table pages are allocated without
// sleeping; on failure kernerr.ErrResourceShortage is returned and tables
// created on the way are unlinked again.
//
// Preconditions: no leaf maps va above level shift.
func (e *Engine) create(sp *space, va hostarch.Addr, shift uint) (hostarch.PhysAddr, error) {
	table := sp.root
	for lvl := uint(pte.L1Shift); lvl > shift; lvl -= pte.RPTEShift {
		addr := table + hostarch.PhysAddr(pte.Index(va, lvl)*8)
		ent := e.load(addr)
		switch {
		case !ent.Valid():
			p, err := e.frames.Alloc(physmem.AllocZero | physmem.AllocNoWait)
			if err != nil {
				e.reap(sp, table)
				return 0, fmt.Errorf("page table page for %v: %w", va, err)
			}
			e.arena[p.PFN()] = ptpage{parent: addr}
			e.store(addr, pte.MakePDE(p, pte.RPTEShift))
			e.ref(table)
			table = p
		case ent.Leaf():
			panic(fmt.Sprintf("creating a table for %v under leaf %v", va, ent))
		default:
			table = ent.PA()
		}
	}
	return table + hostarch.PhysAddr(pte.Index(va, shift)*8), nil
}

// ref counts a new valid entry at addr.
func (e *Engine) ref(addr hostarch.PhysAddr) {
	e.arena[addr.PFN()].count++
}

// unref counts the removal of the valid entry at addr and frees the page
// table pages that become empty as a result.
func (e *Engine) unref(sp *space, addr hostarch.PhysAddr) {
	page := addr.RoundDown()
	if sp.isRoot(page) {
		return
	}
	p := &e.arena[page.PFN()]
	if p.count--; p.count < 0 {
		log.Warningf("radix: page table page %v of pid %d has negative count", page, sp.pid)
		panic(fmt.Sprintf("page table page %v refcount underflow", page))
	}
	e.reap(sp, page)
}

// reap unlinks the page table page at page if it holds no valid entry. The
// page is queued to be freed after the page walk cache is invalidated.
func (e *Engine) reap(sp *space, page hostarch.PhysAddr) {
	if sp.isRoot(page) || sp.kernel {
		return
	}
	p := &e.arena[page.PFN()]
	if p.count != 0 {
		return
	}
	parent := p.parent
	*p = ptpage{}
	e.store(parent, 0)
	sp.batch.pwc = true
	sp.batch.free = append(sp.batch.free, page)
	e.unref(sp, parent)
}

// Count returns the number of valid entries of the page table page at page.
//
// Preconditions: the lock of the owning space is held.
func (e *Engine) Count(page hostarch.PhysAddr) int {
	return int(e.arena[page.PFN()].count)
}
