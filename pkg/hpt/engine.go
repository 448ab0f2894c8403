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

package hpt

import (
	"fmt"

	"gvisor.dev/pmap/pkg/bitmap"
	"gvisor.dev/pmap/pkg/errors/kernerr"
	"gvisor.dev/pmap/pkg/hostarch"
	"gvisor.dev/pmap/pkg/log"
	"gvisor.dev/pmap/pkg/machine"
	"gvisor.dev/pmap/pkg/pte"
	"gvisor.dev/pmap/pkg/pvo"
	"gvisor.dev/pmap/pkg/sync"
)

const (
	// userVSIDs is the number of user segment identifiers.
	userVSIDs = 1 << 20

	// vsidScramble spreads consecutive identifiers over the hash. It
	// must be odd.
	vsidScramble = 0x5bd1e995
)

// segment is a user segment of a space.
type segment struct {
	vsid uint64
	idx  uint32
}

// space is the hashed scheme state of an address space.
type space struct {
	// mu protects segs. It is taken by the segment fault handler with a
	// core locked, so nothing may be invalidated with it held.
	mu   sync.Mutex
	segs map[uint64]segment
}

// Engine maps records with the hashed page table.
type Engine struct {
	table   *Table
	pages   *pvo.Pages
	records *pvo.HeapAllocator
	stats   *pvo.Stats

	vsidMu   sync.Mutex
	vsids    bitmap.Bitmap
	vsidHint uint32
}

// New returns an engine over table. recordLimit bounds the number of live
// records, zero meaning no bound.
func New(table *Table, pages *pvo.Pages, stats *pvo.Stats, recordLimit int64) *Engine {
	e := &Engine{
		table:   table,
		pages:   pages,
		records: pvo.NewHeapAllocator(recordLimit),
		stats:   stats,
		vsids:   bitmap.New(userVSIDs),
	}
	table.SetEvictFunc(e.evicted)
	return e
}

// evicted keeps the reference and change bits of a victim in its frames'
// metadata.
func (e *Engine) evicted(pa hostarch.PhysAddr, big bool, refchg uint64) {
	size := uint64(hostarch.PageSize)
	if big {
		size = hostarch.LargePageSize
	}
	e.pages.FoldRefChg(pa, size, refchg)
}

// Name returns the scheme name.
func (e *Engine) Name() string { return "hash" }

// LargeShift returns the binary log of the large page size.
func (e *Engine) LargeShift() uint { return hostarch.LargePageShift }

// Records returns the record allocator.
func (e *Engine) Records() pvo.Allocator { return e.records }

// Table returns the page table.
func (e *Engine) Table() *Table { return e.table }

func (e *Engine) allocVSID() (segment, error) {
	e.vsidMu.Lock()
	defer e.vsidMu.Unlock()
	idx, err := e.vsids.Allocate(1, e.vsidHint)
	if err != nil {
		return segment{}, fmt.Errorf("allocating vsid: %w", kernerr.ErrNoSpace)
	}
	e.vsidHint = idx + 1
	return segment{vsid: (uint64(idx) * vsidScramble) & (pte.KernelVSIDBit - 1), idx: idx}, nil
}

func (e *Engine) freeVSID(seg segment) {
	e.vsidMu.Lock()
	defer e.vsidMu.Unlock()
	e.vsids.Remove(seg.idx)
}

// Pinit initializes s. User spaces get the segment identifier of their
// first segment, which becomes s.ID.
func (e *Engine) Pinit(s *pvo.Space) error {
	sp := &space{segs: make(map[uint64]segment)}
	s.Arch = sp
	if s.Kernel {
		s.ID = pte.KernelVSID(uint64(hostarch.DMAPBase) >> hostarch.SegmentShift)
		return nil
	}
	seg, err := e.allocVSID()
	if err != nil {
		return err
	}
	sp.segs[0] = seg
	s.ID = seg.vsid
	return nil
}

// Release frees the segment identifiers of s, which maps nothing.
func (e *Engine) Release(s *pvo.Space) {
	sp := s.Arch.(*space)
	sp.mu.Lock()
	defer sp.mu.Unlock()
	for esid, seg := range sp.segs {
		e.freeVSID(seg)
		delete(sp.segs, esid)
	}
}

// vsidOf returns the segment identifier of va in s, assigning one to a new
// user segment if create is set.
func (e *Engine) vsidOf(s *pvo.Space, va hostarch.Addr, create bool) (uint64, error) {
	esid := uint64(va) >> hostarch.SegmentShift
	if va.IsKernel() {
		return pte.KernelVSID(esid), nil
	}
	sp := s.Arch.(*space)
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if seg, ok := sp.segs[esid]; ok {
		return seg.vsid, nil
	}
	if !create {
		return 0, kernerr.ErrNoEntry
	}
	seg, err := e.allocVSID()
	if err != nil {
		return 0, err
	}
	sp.segs[esid] = seg
	return seg.vsid, nil
}

// SegmentFault resolves the segment esid of s for the hardware.
func (e *Engine) SegmentFault(s *pvo.Space, esid uint64) (uint64, bool) {
	if hostarch.Addr(esid << hostarch.SegmentShift).IsKernel() {
		return pte.KernelVSID(esid), true
	}
	if s == nil {
		return 0, false
	}
	sp := s.Arch.(*space)
	sp.mu.Lock()
	defer sp.mu.Unlock()
	seg, ok := sp.segs[esid]
	return seg.vsid, ok
}

// Bootstrap points core c at the table and turns on hashed translation.
func (e *Engine) Bootstrap(c *machine.Core) {
	c.SetSDR1(e.table.SDR1())
	c.SLBInvalidateAll()
	c.SetMode(machine.ModeHashed)
}

// Activate switches core c to s. Segments of the new space are loaded on
// demand by the segment fault handler.
func (e *Engine) Activate(c *machine.Core, s *pvo.Space) {
	c.SLBInvalidateAll()
}

// wimg encodes a cache class in the low word.
func wimg(c pvo.CacheClass) uint64 {
	var v uint64
	if c&pvo.WriteThrough != 0 {
		v |= pte.HPTEW
	}
	if c&pvo.Inhibited != 0 {
		v |= pte.HPTEI
	}
	if c&pvo.Coherent != 0 {
		v |= pte.HPTEM
	}
	if c&pvo.Guarded != 0 {
		v |= pte.HPTEG
	}
	return v
}

// words returns the flags of the high word and the low word of r's entry.
func (e *Engine) words(r *pvo.Record) (uint64, uint64) {
	var hi uint64
	lo := uint64(r.PA)&pte.HPTERPNMask | wimg(e.pages.Class(r)) | r.Preload&pte.HPTERefChg
	if r.IsWired() {
		hi |= pte.HPTEWired
	}
	if r.IsLarge() {
		hi |= pte.HPTEBig
		lo |= pte.HPTELP16M
	}
	if r.Prot.Write {
		lo |= pte.HPTEBW
	} else {
		lo |= pte.HPTEBR
	}
	if !r.Prot.Execute {
		lo |= pte.HPTENoExec
	}
	return hi, lo
}

// Insert installs the entry of r. It never sleeps and never fails for lack
// of table space.
func (e *Engine) Insert(r *pvo.Record, noReclaim bool) error {
	vsid, err := e.vsidOf(r.Space, r.VA, true)
	if err != nil {
		return err
	}
	hi, lo := e.words(r)
	r.Slot, r.Tag = e.table.Insert(vsid, r.VA, hi, lo)
	r.Preload = 0
	return nil
}

// reinsert installs r again after its entry was evicted.
func (e *Engine) reinsert(r *pvo.Record) {
	if err := e.Insert(r, true); err != nil {
		panic(fmt.Sprintf("reinserting %v: %v", r, err))
	}
	e.stats.Reinsertions.Add(1)
}

// Unset removes the entry of r and returns its reference and change bits.
// It reports false if the entry had been evicted, in which case its bits
// were already folded into the frame metadata.
func (e *Engine) Unset(r *pvo.Record) (uint64, bool) {
	if r.Slot < 0 {
		return 0, false
	}
	refchg, ok := e.table.Unset(r.Slot, r.Tag)
	r.Slot = -1
	return refchg, ok
}

// Synch returns the reference and change bits of the entry of r, or false
// if it was evicted.
func (e *Engine) Synch(r *pvo.Record) (uint64, bool) {
	if r.Slot < 0 {
		return 0, false
	}
	return e.table.Synch(r.Slot, r.Tag)
}

// Clear clears bits from the entry of r and returns the reference and
// change bits seen before. The change bit can only be cleared by unsetting
// and reinserting the entry.
func (e *Engine) Clear(r *pvo.Record, bits uint64) uint64 {
	if bits&pvo.Modified != 0 {
		refchg, _ := e.Unset(r)
		r.Preload = refchg &^ bits
		e.reinsert(r)
		return refchg
	}
	if r.Slot >= 0 {
		if refchg, ok := e.table.ClearRef(r.Slot, r.Tag); ok {
			return refchg
		}
	}
	e.reinsert(r)
	return 0
}

// Replace rewrites the entry of r after its attributes changed. If only the
// software bits changed (soft), the high word is rewritten in place;
// otherwise the entry is unset and inserted again and the old reference and
// change bits are returned.
func (e *Engine) Replace(r *pvo.Record, soft bool) uint64 {
	if soft && r.Slot >= 0 {
		if tag, ok := e.table.SetWired(r.Slot, r.Tag, r.IsWired()); ok {
			r.Tag = tag
			return 0
		}
	}
	refchg, ok := e.Unset(r)
	if !ok {
		e.reinsert(r)
		return 0
	}
	if err := e.Insert(r, true); err != nil {
		panic(fmt.Sprintf("replacing %v: %v", r, err))
	}
	return refchg
}

// Promote replaces the base page entries of the large page region of s
// containing va with one large entry, if the region is eligible.
//
// Preconditions: s.Mu is locked, as is the shard lock of the region's
// frames if they are managed.
func (e *Engine) Promote(s *pvo.Space, va hostarch.Addr) bool {
	rs := pvo.PromoteEligible(s, va)
	if rs == nil {
		return false
	}
	large, err := e.records.Alloc(s, true)
	if err != nil {
		e.stats.PromotionFailures.Add(1)
		return false
	}
	for _, r := range rs {
		refchg, _ := e.Unset(r)
		e.pages.FoldRefChg(r.PA, hostarch.PageSize, refchg)
	}
	pvo.NewLarge(large, rs)
	e.pages.Collapse(large, rs)
	for _, r := range rs {
		e.records.Free(s, r)
	}
	if err := e.Insert(large, true); err != nil {
		panic(fmt.Sprintf("promoting %v: %v", large, err))
	}
	e.stats.Promotions.Add(1)
	if log.IsLogging(log.Debug) {
		log.Debugf("hpt: promoted %v", large)
	}
	return true
}

// Demote splits the large record r into base page records. If records
// cannot be allocated, the mapping is removed instead and Demote returns
// false.
//
// Preconditions: as for Promote.
func (e *Engine) Demote(r *pvo.Record) bool {
	s := r.Space
	small := make([]*pvo.Record, 0, r.Pages())
	for int64(len(small)) < r.Pages() {
		n, err := e.records.Alloc(s, true)
		if err != nil {
			for _, n := range small {
				e.records.Free(s, n)
			}
			e.stats.DemotionFailures.Add(1)
			e.drop(r)
			return false
		}
		small = append(small, n)
	}
	refchg, _ := e.Unset(r)
	e.pages.FoldRefChg(r.PA, r.Size(), refchg)
	e.pages.Split(r, small)
	e.records.Free(s, r)
	for _, n := range small {
		if err := e.Insert(n, true); err != nil {
			panic(fmt.Sprintf("demoting into %v: %v", n, err))
		}
	}
	e.stats.Demotions.Add(1)
	return true
}

// drop removes r entirely.
func (e *Engine) drop(r *pvo.Record) {
	refchg, _ := e.Unset(r)
	e.pages.FoldRefChg(r.PA, r.Size(), refchg)
	e.pages.Remove(r)
	e.records.Free(r.Space, r)
}

// Flush is a no-op: the hashed scheme invalidates as it goes.
func (e *Engine) Flush(s *pvo.Space) {}

// Prefaultable reports whether va of s is unmapped.
//
// Preconditions: s.Mu is locked.
func (e *Engine) Prefaultable(s *pvo.Space, va hostarch.Addr) bool {
	_, ok := s.Find(va)
	return !ok
}
