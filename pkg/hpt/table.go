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

// Package hpt implements the hashed page table scheme: a table of groups of
// eight entries indexed by a hash of the virtual segment identifier and the
// page index, walked by hardware on a translation miss.
package hpt

import (
	"fmt"
	"sync/atomic"
	"time"

	"gvisor.dev/pmap/pkg/hostarch"
	"gvisor.dev/pmap/pkg/log"
	"gvisor.dev/pmap/pkg/physmem"
	"gvisor.dev/pmap/pkg/pte"
	"gvisor.dev/pmap/pkg/pvo"
	"gvisor.dev/pmap/pkg/sync"
	"gvisor.dev/pmap/pkg/tlb"
)

// tagMask selects the bits of the high word that identify the page an entry
// maps.
const tagMask = pte.HPTEAVPNMask | pte.HPTEBig | pte.HPTEHID

// EvictFunc receives the reference and change bits of an entry evicted to
// make room for another. pa is the frame (or the first frame of the large
// page) the victim mapped.
type EvictFunc func(pa hostarch.PhysAddr, big bool, refchg uint64)

// Table is a hashed page table held in physical memory.
//
// Entries move between three states. An empty entry has neither VALID nor
// LOCKED set; it may be seized by compare-and-swap. A locked entry belongs to
// the goroutine that set LOCKED and is invisible to hardware. A valid entry
// is walked by hardware, which sets R and C in the low word.
type Table struct {
	mem  *physmem.Memory
	inv  *tlb.Invalidator
	base hostarch.PhysAddr

	// groups is the number of groups, a power of two.
	groups uint64
	mask   uint64

	// mu is held for reading while entries are seized, released or read,
	// and for writing while entries are evicted or cleared in bulk.
	mu sync.RWMutex

	onEvict EvictFunc
	stats   *pvo.Stats

	// seed drives the choice of the first eviction candidate in a group.
	seed atomic.Uint64

	evictLog log.Logger
}

// NewTable returns a table of groups groups at base. The memory is cleared.
func NewTable(mem *physmem.Memory, inv *tlb.Invalidator, base hostarch.PhysAddr, groups uint64, stats *pvo.Stats) *Table {
	if groups == 0 || groups&(groups-1) != 0 {
		panic(fmt.Sprintf("group count %d is not a power of two", groups))
	}
	if !base.IsAligned(groups * pte.PTEGSize) {
		panic(fmt.Sprintf("table at %v is not aligned to its size %#x", base, groups*pte.PTEGSize))
	}
	t := &Table{
		mem:      mem,
		inv:      inv,
		base:     base,
		groups:   groups,
		mask:     groups - 1,
		stats:    stats,
		evictLog: log.BasicRateLimitedLogger(time.Second),
	}
	t.seed.Store(0x9e3779b97f4a7c15)
	t.ClearAll()
	return t
}

// SetEvictFunc installs fn to be called for every eviction.
func (t *Table) SetEvictFunc(fn EvictFunc) {
	t.onEvict = fn
}

// Base returns the physical address of the table.
func (t *Table) Base() hostarch.PhysAddr {
	return t.base
}

// Groups returns the number of groups.
func (t *Table) Groups() uint64 {
	return t.groups
}

// SDR1 returns the storage description register value locating the table.
func (t *Table) SDR1() uint64 {
	return pte.SDR1(t.base, t.groups)
}

func (t *Table) hiWord(slot int) *uint64 {
	return t.mem.Word(t.base + hostarch.PhysAddr(slot)*pte.HPTESize)
}

func (t *Table) loWord(slot int) *uint64 {
	return t.mem.Word(t.base + hostarch.PhysAddr(slot)*pte.HPTESize + 8)
}

func load(w *uint64) uint64 {
	return pte.FromHW(atomic.LoadUint64(w))
}

func store(w *uint64, v uint64) {
	atomic.StoreUint64(w, pte.ToHW(v))
}

func cas(w *uint64, old, new uint64) bool {
	return atomic.CompareAndSwapUint64(w, pte.ToHW(old), pte.ToHW(new))
}

// Entry returns the entry at slot.
func (t *Table) Entry(slot int) pte.HPTE {
	return pte.HPTE{Hi: load(t.hiWord(slot)), Lo: load(t.loWord(slot))}
}

// groupsOf returns the primary and secondary group of the page of size 1<<shift
// at va in segment vsid.
func (t *Table) groupsOf(vsid uint64, va hostarch.Addr, shift uint) (uint64, uint64) {
	primary := pte.Hash(vsid, va, shift) & t.mask
	return primary, primary ^ t.mask
}

// page returns the segment, the address within the segment and the size of
// the page an entry with high word hi at slot maps.
func (t *Table) page(slot int, hi uint64) (uint64, hostarch.Addr, tlb.PageSize) {
	group := uint64(slot) / pte.PTEGEntries
	va := hostarch.Addr(pte.PageIndexFromTag(hi, group, t.mask) << pte.PageIndexShift)
	size := tlb.Size4K
	if hi&pte.HPTEBig != 0 {
		size = tlb.Size16M
	}
	return pte.VSIDFromTag(hi), va, size
}

// invalidate removes the translation of the entry with high word hi at
// slot from every core.
func (t *Table) invalidate(slot int, hi uint64) {
	vsid, va, size := t.page(slot, hi)
	t.inv.Page(vsid, va, size)
}

// Insert installs an entry mapping the page at va of segment vsid. hi holds
// the flags of the high word except HID, lo the complete low word. It
// returns the slot used and the high word written.
//
// Insert never fails: when both groups are full a valid entry that is
// neither wired nor locked is evicted. If every candidate is wired the table
// has overflowed, which is fatal.
func (t *Table) Insert(vsid uint64, va hostarch.Addr, hi, lo uint64) (int, uint64) {
	shift := uint(pte.PageIndexShift)
	if hi&pte.HPTEBig != 0 {
		shift = hostarch.LargePageShift
		va = va.AlignDown(hostarch.LargePageSize)
	}
	hi = pte.MakeHi(pte.VPN(vsid, va), hi&^(pte.HPTEAVPNMask|pte.HPTEHID|pte.HPTEValid|pte.HPTELocked))
	primary, secondary := t.groupsOf(vsid, va, shift)

	t.mu.RLock()
	if slot, tag, ok := t.seize(primary, secondary, hi, lo); ok {
		t.mu.RUnlock()
		return slot, tag
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if slot, tag, ok := t.seize(primary, secondary, hi, lo); ok {
		return slot, tag
	}
	if slot, ok := t.evictLocked(primary, hi, lo); ok {
		return slot, hi
	}
	if slot, ok := t.evictLocked(secondary, hi|pte.HPTEHID, lo); ok {
		return slot, hi | pte.HPTEHID
	}
	log.Warningf("hashed page table overflow: groups %#x and %#x are entirely wired inserting vsid=%#x va=%v", primary, secondary, vsid, va)
	panic(fmt.Sprintf("hashed page table overflow inserting vsid=%#x va=%v", vsid, va))
}

// seize tries to take an empty entry of the primary group, then of the
// secondary group.
func (t *Table) seize(primary, secondary, hi, lo uint64) (int, uint64, bool) {
	if slot, ok := t.seizeGroup(primary, hi, lo); ok {
		return slot, hi, true
	}
	hi |= pte.HPTEHID
	if slot, ok := t.seizeGroup(secondary, hi, lo); ok {
		return slot, hi, true
	}
	return 0, 0, false
}

func (t *Table) seizeGroup(group, hi, lo uint64) (int, bool) {
	for i := uint64(0); i < pte.PTEGEntries; i++ {
		slot := int(group*pte.PTEGEntries + i)
		w := t.hiWord(slot)
		old := load(w)
		if old&(pte.HPTEValid|pte.HPTELocked) != 0 {
			continue
		}
		if !cas(w, old, pte.HPTELocked) {
			continue
		}
		t.publish(slot, hi, lo)
		return slot, true
	}
	return 0, false
}

// publish fills the locked entry at slot: the low word becomes visible
// before the high word sets VALID.
func (t *Table) publish(slot int, hi, lo uint64) {
	store(t.loWord(slot), lo)
	t.inv.Publish()
	store(t.hiWord(slot), hi|pte.HPTEValid)
	t.inv.Barrier()
}

func (t *Table) nextStart() uint64 {
	// xorshift; only the distribution of the low bits matters.
	for {
		old := t.seed.Load()
		x := old
		x ^= x << 13
		x ^= x >> 7
		x ^= x << 17
		if t.seed.CompareAndSwap(old, x) {
			return x % pte.PTEGEntries
		}
	}
}

// evictLocked replaces a valid entry of group that is neither wired nor
// locked, starting at a pseudo-random offset.
//
// Preconditions: t.mu is locked for writing.
func (t *Table) evictLocked(group, hi, lo uint64) (int, bool) {
	start := t.nextStart()
	for k := uint64(0); k < pte.PTEGEntries; k++ {
		slot := int(group*pte.PTEGEntries + (start+k)%pte.PTEGEntries)
		w := t.hiWord(slot)
		old := load(w)
		if old&(pte.HPTEWired|pte.HPTELocked) != 0 {
			continue
		}
		if old&pte.HPTEValid == 0 {
			if !cas(w, old, pte.HPTELocked) {
				continue
			}
			t.publish(slot, hi, lo)
			return slot, true
		}
		if !cas(w, old, (old|pte.HPTELocked)&^pte.HPTEValid) {
			continue
		}
		t.inv.Barrier()
		t.invalidate(slot, old)
		victim := pte.HPTE{Hi: old, Lo: load(t.loWord(slot))}
		if t.onEvict != nil {
			t.onEvict(victim.PA(), victim.Big(), victim.RefChg())
		}
		if t.stats != nil {
			t.stats.Evictions.Add(1)
		}
		if log.IsLogging(log.Debug) {
			t.evictLog.Debugf("hpt: evicted slot %d (%v) for vsid=%#x", slot, victim, pte.VSIDFromTag(hi))
		}
		t.publish(slot, hi, lo)
		return slot, true
	}
	return 0, false
}

// matches reports whether the entry with high word hi is valid and maps the
// page tag was written for.
func matches(hi, tag uint64) bool {
	return hi&pte.HPTEValid != 0 && hi&tagMask == tag&tagMask
}

// Unset removes the entry installed at slot with high word tag and returns
// its reference and change bits. If the entry was evicted since, it returns
// false and does nothing.
func (t *Table) Unset(slot int, tag uint64) (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	w := t.hiWord(slot)
	var old uint64
	for {
		old = load(w)
		if !matches(old, tag) {
			return 0, false
		}
		if cas(w, old, (old|pte.HPTELocked)&^pte.HPTEValid) {
			break
		}
	}
	t.inv.Barrier()
	t.invalidate(slot, old)
	refchg := load(t.loWord(slot)) & pte.HPTERefChg
	store(w, 0)
	return refchg, true
}

// Synch returns the reference and change bits of the entry at slot, or false
// if it was evicted.
func (t *Table) Synch(slot int, tag uint64) (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !matches(load(t.hiWord(slot)), tag) {
		return 0, false
	}
	return load(t.loWord(slot)) & pte.HPTERefChg, true
}

// ClearRef clears the reference bit of the entry at slot and invalidates its
// translation so that the next access sets it again. It returns the
// reference and change bits seen before, or false if the entry was evicted.
func (t *Table) ClearRef(slot int, tag uint64) (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	hi := load(t.hiWord(slot))
	if !matches(hi, tag) {
		return 0, false
	}
	var old uint64
	for w := t.loWord(slot); ; {
		old = load(w)
		if cas(w, old, old&^pte.HPTERef) {
			break
		}
	}
	if old&pte.HPTERef != 0 {
		t.invalidate(slot, hi)
	}
	return old & pte.HPTERefChg, true
}

// SetWired rewrites the software wired bit of the entry at slot. It returns
// the new tag, or false if the entry was evicted. No invalidation is needed.
func (t *Table) SetWired(slot int, tag uint64, wired bool) (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	w := t.hiWord(slot)
	for {
		old := load(w)
		if !matches(old, tag) {
			return 0, false
		}
		new := old &^ pte.HPTEWired
		if wired {
			new |= pte.HPTEWired
		}
		if cas(w, old, new) {
			return new &^ pte.HPTEValid, true
		}
	}
}

// ClearAll empties the table and invalidates every translation.
func (t *Table) ClearAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mem.Zero(t.base, t.groups*pte.PTEGSize)
	t.inv.Barrier()
	t.inv.All()
}

// ForEach calls fn for every valid entry until fn returns false.
func (t *Table) ForEach(fn func(slot int, e pte.HPTE) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for slot := 0; slot < int(t.groups*pte.PTEGEntries); slot++ {
		e := t.Entry(slot)
		if e.Valid() && !fn(slot, e) {
			return
		}
	}
}
