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

package pmap

import (
	"fmt"

	"gvisor.dev/pmap/pkg/hostarch"
	"gvisor.dev/pmap/pkg/hpt"
	"gvisor.dev/pmap/pkg/log"
	"gvisor.dev/pmap/pkg/machine"
	"gvisor.dev/pmap/pkg/physmem"
	"gvisor.dev/pmap/pkg/pvo"
	"gvisor.dev/pmap/pkg/radix"
	"gvisor.dev/pmap/pkg/sync"
	"gvisor.dev/pmap/pkg/tlb"
)

// tsReferencedMax bounds the count returned by TSReferenced.
const tsReferencedMax = 5

// phase is the boot progress of an MMU.
type phase int

const (
	phaseEarly phase = iota
	phaseMid
	phaseRunning
)

// MMU is the physical map of one machine: the selected engine, the frame
// metadata and the kernel address space.
type MMU struct {
	cfg    Config
	scheme Scheme
	phase  phase

	layout  *physmem.Layout
	mem     *physmem.Memory
	boot    *physmem.BootstrapAllocator
	frames  *physmem.Allocator
	machine *machine.Machine
	inv     *tlb.Invalidator
	pages   *pvo.Pages
	stats   pvo.Stats
	eng     Engine
	kernel  *Pmap

	// Tables placed by Early for the engine built in Mid.
	table  *hpt.Table
	tables radix.Tables

	kva   kvaArena
	quick []hostarch.Addr

	// activeMu protects active, the space running on each core.
	activeMu sync.RWMutex
	active   []*Pmap
}

// Scheme returns the translation scheme in use.
func (m *MMU) Scheme() Scheme { return m.scheme }

// Machine returns the machine the MMU programs.
func (m *MMU) Machine() *machine.Machine { return m.machine }

// Engine returns the scheme engine.
func (m *MMU) Engine() Engine { return m.eng }

// Frames returns the frame allocator.
func (m *MMU) Frames() *physmem.Allocator { return m.frames }

// Kernel returns the kernel address space.
func (m *MMU) Kernel() *Pmap { return m.kernel }

// Stats returns a snapshot of the event counters.
func (m *MMU) Stats() pvo.StatsSnapshot { return m.stats.Snapshot() }

// Invalidations returns the invalidation counters.
func (m *MMU) Invalidations() *tlb.Stats { return m.inv.Stats() }

// HashGroups returns the number of groups of the hashed table, or 0 under
// the radix scheme.
func (m *MMU) HashGroups() uint64 {
	if m.table == nil {
		return 0
	}
	return m.table.Groups()
}

// Release unmaps the simulated physical memory. The MMU must not be used
// afterwards.
func (m *MMU) Release() error {
	return m.mem.Release()
}

// NewPmap returns a new, empty user address space.
func (m *MMU) NewPmap() (*Pmap, error) {
	m.mustRun()
	s := pvo.NewSpace(false, m.eng.LargeShift())
	s.Superpages.Store(m.cfg.Superpages)
	if err := m.eng.Pinit(s); err != nil {
		return nil, fmt.Errorf("initializing %s space: %w", m.eng.Name(), err)
	}
	return &Pmap{mmu: m, space: s}, nil
}

func (m *MMU) mustRun() {
	if m.phase != phaseRunning {
		panic(fmt.Sprintf("pmap used in boot phase %d", m.phase))
	}
}

// unlock performs the invalidations deferred on s and unlocks it.
func (m *MMU) unlock(s *pvo.Space) {
	m.eng.Flush(s)
	s.Mu.Unlock()
}

// withShard runs fn with the shard lock of r's frame held if r is managed.
func (m *MMU) withShard(r *pvo.Record, fn func()) {
	if r.IsManaged() {
		shard := m.pages.Shard(r.PA)
		shard.Lock()
		defer shard.Unlock()
	}
	fn()
}

// fold caches reference and change bits read from the entry of r.
func (m *MMU) fold(r *pvo.Record, refchg uint64) {
	if r.IsManaged() {
		m.pages.FoldRefChg(r.PA, r.Size(), refchg)
	}
}

// unmapLocked removes r and frees it.
//
// Preconditions: r.Space.Mu is locked, as is the shard lock of r.PA if r is
// managed.
func (m *MMU) unmapLocked(r *pvo.Record) {
	refchg, _ := m.eng.Unset(r)
	m.fold(r, refchg)
	m.pages.Remove(r)
	m.eng.Records().Free(r.Space, r)
}

// lockSpace locks s, which has a mapping of pa, while the shard lock of pa is
// held. If s cannot be locked at once the shard lock is dropped while
// waiting; lockSpace then returns false, with s unlocked, if the mappings of
// pa changed meanwhile.
func (m *MMU) lockSpace(shard *sync.RWMutex, pa hostarch.PhysAddr, s *pvo.Space) bool {
	if s.Mu.TryLock() {
		return true
	}
	gen := m.pages.Gen(pa)
	shard.Unlock()
	s.Mu.Lock()
	shard.Lock()
	if m.pages.Gen(pa) != gen {
		m.unlock(s)
		return false
	}
	return true
}

// updateMappings calls act on each mapping of pa selected by need, with the
// mapping's space and the shard lock of pa held. act must leave need false
// for the mapping, or remove it.
func (m *MMU) updateMappings(pa hostarch.PhysAddr, need func(*pvo.Record) bool, act func(*pvo.Record)) {
	shard := m.pages.Shard(pa)
	shard.Lock()
	defer shard.Unlock()
	for {
		var r *pvo.Record
		for _, c := range m.pages.Mappings(pa) {
			if need(c) {
				r = c
				break
			}
		}
		if r == nil {
			return
		}
		s := r.Space
		if !m.lockSpace(shard, pa, s) {
			continue
		}
		act(r)
		m.unlock(s)
	}
}

// RemoveAll removes every mapping of the frame at pa. Superpage mappings
// covering the frame are demoted first.
func (m *MMU) RemoveAll(pa hostarch.PhysAddr) {
	pa = pa.RoundDown()
	m.updateMappings(pa, func(*pvo.Record) bool { return true }, func(r *pvo.Record) {
		if r.IsLarge() {
			// On failure the whole superpage is gone, which is all
			// RemoveAll wants.
			m.eng.Demote(r)
			return
		}
		m.unmapLocked(r)
	})
}

// demoteMappings demotes the superpage mappings covering the frame at pa, so
// that the frame's own mappings can be changed without touching the frames
// around it. A superpage that cannot be demoted is removed.
func (m *MMU) demoteMappings(pa hostarch.PhysAddr) {
	m.updateMappings(pa, (*pvo.Record).IsLarge, func(r *pvo.Record) {
		m.eng.Demote(r)
	})
}

// RemoveWrite revokes write access from every mapping of the frame at pa.
// Writable superpages covering the frame are demoted first.
func (m *MMU) RemoveWrite(pa hostarch.PhysAddr) {
	pa = pa.RoundDown()
	m.updateMappings(pa, func(r *pvo.Record) bool { return r.Prot.Write }, func(r *pvo.Record) {
		if r.IsLarge() {
			m.eng.Demote(r)
			return
		}
		r.Prot.Write = false
		m.fold(r, m.eng.Replace(r, false))
	})
}

// PageSetMemattr sets the memory type of the frame at pa and of all its
// mappings. Superpages covering the frame are demoted first.
func (m *MMU) PageSetMemattr(pa hostarch.PhysAddr, mt hostarch.MemoryType) {
	pa = pa.RoundDown()
	p := m.pages.Lookup(pa)
	if p == nil {
		return
	}
	shard := m.pages.Shard(pa)
	shard.Lock()
	p.SetMemType(mt)
	shard.Unlock()
	m.updateMappings(pa, func(r *pvo.Record) bool { return r.MemType != mt }, func(r *pvo.Record) {
		if r.IsLarge() {
			m.eng.Demote(r)
			return
		}
		r.MemType = mt
		m.fold(r, m.eng.Replace(r, false))
	})
}

// synch returns the reference and change bits of r's entry, putting back an
// entry that was evicted.
//
// Preconditions: the shard lock of r.PA is held for writing.
func (m *MMU) synch(r *pvo.Record) uint64 {
	refchg, ok := m.eng.Synch(r)
	if !ok {
		// The evicted entry's bits were folded when it was evicted.
		m.eng.Replace(r, false)
	}
	return refchg
}

func (m *MMU) testBits(pa hostarch.PhysAddr, bits uint64) bool {
	pa = pa.RoundDown()
	p := m.pages.Lookup(pa)
	if p == nil {
		return false
	}
	if p.Attrs()&bits != 0 {
		return true
	}
	shard := m.pages.Shard(pa)
	shard.Lock()
	defer shard.Unlock()
	for _, r := range m.pages.Mappings(pa) {
		refchg := m.synch(r)
		p.AddAttrs(refchg)
		if refchg&bits != 0 {
			return true
		}
	}
	return p.Attrs()&bits != 0
}

// IsModified reports whether the frame at pa was written through any
// mapping since its change bit was last cleared.
func (m *MMU) IsModified(pa hostarch.PhysAddr) bool {
	return m.testBits(pa, pvo.Modified)
}

// IsReferenced reports whether the frame at pa was accessed since its
// reference bit was last cleared.
func (m *MMU) IsReferenced(pa hostarch.PhysAddr) bool {
	return m.testBits(pa, pvo.Referenced)
}

// TSReferenced clears the reference bits of the frame at pa and returns how
// many were set, counting at most five. Superpages covering the frame are
// demoted first; one promoted again meanwhile keeps its reference bit.
func (m *MMU) TSReferenced(pa hostarch.PhysAddr) int {
	pa = pa.RoundDown()
	p := m.pages.Lookup(pa)
	if p == nil {
		return 0
	}
	m.demoteMappings(pa)
	shard := m.pages.Shard(pa)
	shard.Lock()
	defer shard.Unlock()
	count := 0
	for _, r := range m.pages.Mappings(pa) {
		if r.IsLarge() {
			continue
		}
		refchg := m.eng.Clear(r, pvo.Referenced)
		p.AddAttrs(refchg & pvo.Modified)
		if refchg&pvo.Referenced != 0 {
			if count++; count == tsReferencedMax {
				break
			}
		}
	}
	if p.ClearAttrs(pvo.Referenced) != 0 && count < tsReferencedMax {
		count++
	}
	return count
}

// ClearModify clears the change bits of the frame at pa. Superpages
// covering the frame are demoted first, leaving the change bits of the
// other frames in place.
func (m *MMU) ClearModify(pa hostarch.PhysAddr) {
	pa = pa.RoundDown()
	p := m.pages.Lookup(pa)
	if p == nil {
		return
	}
	m.demoteMappings(pa)
	shard := m.pages.Shard(pa)
	shard.Lock()
	defer shard.Unlock()
	rs := m.pages.Mappings(pa)
	for _, r := range rs {
		if r.IsLarge() && r.Prot.Write {
			// Promoted again since the demotion; the frame stays
			// modified.
			return
		}
	}
	for _, r := range rs {
		if !r.Prot.Write {
			continue
		}
		refchg := m.eng.Clear(r, pvo.Modified)
		p.AddAttrs(refchg & pvo.Referenced)
	}
	p.ClearAttrs(pvo.Modified)
}

// pageExistsScan is the number of mappings PageExistsQuick looks at.
const pageExistsScan = 16

// PageExistsQuick reports whether one of the first few mappings of the
// frame at pa belongs to p.
func (m *MMU) PageExistsQuick(p *Pmap, pa hostarch.PhysAddr) bool {
	pa = pa.RoundDown()
	shard := m.pages.Shard(pa)
	shard.RLock()
	defer shard.RUnlock()
	for i, r := range m.pages.Mappings(pa) {
		if i == pageExistsScan {
			break
		}
		if r.Space == p.space {
			return true
		}
	}
	return false
}

// PageWiredMappings returns the number of wired mappings of the frame at pa.
func (m *MMU) PageWiredMappings(pa hostarch.PhysAddr) int {
	pa = pa.RoundDown()
	shard := m.pages.Shard(pa)
	shard.RLock()
	defer shard.RUnlock()
	n := 0
	for _, r := range m.pages.Mappings(pa) {
		if r.IsWired() {
			n++
		}
	}
	return n
}

// PageMappings returns the number of mappings of the frame at pa.
func (m *MMU) PageMappings(pa hostarch.PhysAddr) int {
	pa = pa.RoundDown()
	shard := m.pages.Shard(pa)
	shard.RLock()
	defer shard.RUnlock()
	return len(m.pages.Mappings(pa))
}

// Activate switches core c to p.
func (m *MMU) Activate(c *machine.Core, p *Pmap) {
	m.activeMu.Lock()
	m.active[c.ID()] = p
	m.activeMu.Unlock()
	m.eng.Activate(c, p.space)
	if log.IsLogging(log.Debug) {
		log.Debugf("pmap: core %d runs space %#x", c.ID(), p.space.ID)
	}
}

// running returns the space active on core c, or nil.
func (m *MMU) running(c *machine.Core) *pvo.Space {
	m.activeMu.RLock()
	defer m.activeMu.RUnlock()
	if p := m.active[c.ID()]; p != nil {
		return p.space
	}
	return nil
}
