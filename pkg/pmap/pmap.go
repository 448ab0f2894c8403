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
	"time"

	"github.com/cenkalti/backoff"

	"gvisor.dev/pmap/pkg/errors/kernerr"
	"gvisor.dev/pmap/pkg/hostarch"
	"gvisor.dev/pmap/pkg/log"
	"gvisor.dev/pmap/pkg/pvo"
)

// EnterFlags modify Enter.
type EnterFlags uint32

const (
	// EnterWired wires the mapping.
	EnterWired EnterFlags = 1 << iota

	// EnterNoSleep fails with kernerr.ErrResourceShortage instead of
	// waiting for memory.
	EnterNoSleep

	// EnterNoReplace fails with kernerr.ErrFailure if any mapping exists
	// in the range.
	EnterNoReplace

	// EnterNoReclaim forbids taking mapping records from other spaces.
	EnterNoReclaim

	// enterUnmanaged creates a mapping the frame metadata does not track.
	enterUnmanaged
)

// MincoreFlags describe the state of one page for Mincore.
type MincoreFlags uint8

const (
	MincoreIncore MincoreFlags = 1 << iota
	MincoreReferenced
	MincoreModified
	MincoreReferencedOther
	MincoreModifiedOther
	MincoreSuper
)

// Pmap is an address space.
type Pmap struct {
	mmu   *MMU
	space *pvo.Space
}

// ID returns the scheme identifier of the space: its process identifier
// under radix, its first segment identifier under the hashed scheme.
func (p *Pmap) ID() uint64 { return p.space.ID }

// Space returns the record store of p.
func (p *Pmap) Space() *pvo.Space { return p.space }

// Resident returns the number of base pages mapped.
func (p *Pmap) Resident() int64 { return p.space.Resident() }

// Wired returns the number of base pages wired.
func (p *Pmap) Wired() int64 { return p.space.Wired() }

// SetSuperpages enables or disables promotion in p.
func (p *Pmap) SetSuperpages(on bool) { p.space.Superpages.Store(on) }

// Release frees p, which must map nothing.
func (p *Pmap) Release() {
	m := p.mmu
	if p == m.kernel {
		panic("releasing the kernel pmap")
	}
	if n := p.space.Resident(); n != 0 {
		log.Warningf("pmap: releasing space %#x with %d resident pages", p.space.ID, n)
		panic(fmt.Sprintf("releasing space %#x with %d resident pages", p.space.ID, n))
	}
	m.activeMu.Lock()
	for i, a := range m.active {
		if a == p {
			m.active[i] = nil
		}
	}
	m.activeMu.Unlock()
	p.space.Mu.Lock()
	defer p.space.Mu.Unlock()
	m.eng.Release(p.space)
}

func (p *Pmap) pageSize(psind int) uint64 {
	switch psind {
	case 0:
		return hostarch.PageSize
	case 1:
		return 1 << p.mmu.eng.LargeShift()
	default:
		panic(fmt.Sprintf("page size index %d", psind))
	}
}

// retry runs op until it stops reporting a shortage, unless noSleep is set.
// op runs without locks held between attempts.
func retry(op func() error, noSleep bool) error {
	if noSleep {
		return op()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Microsecond
	b.MaxInterval = 10 * time.Millisecond
	b.MaxElapsedTime = 0
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !kernerr.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

// preload returns the reference and change bits of a mapping created by an
// access at.
func preload(prot, at hostarch.AccessType) uint64 {
	var bits uint64
	if at.Any() {
		bits |= pvo.Referenced
	}
	if at.Write && prot.Write {
		bits |= pvo.Modified
	}
	return bits
}

// Enter maps the page at va to the frame at pa with protection prot. access
// is the access that caused the mapping; its reference and change bits are
// set up front. psind 1 maps a superpage; va and pa must be aligned to the
// page size.
//
// Enter replaces any existing mapping unless EnterNoReplace is set, and
// waits for memory unless EnterNoSleep is set.
func (p *Pmap) Enter(va hostarch.Addr, pa hostarch.PhysAddr, prot, access hostarch.AccessType, flags EnterFlags, psind int) error {
	if !prot.SupersetOf(access) {
		panic(fmt.Sprintf("access %v exceeds protection %v", access, prot))
	}
	return p.enter(va, pa, prot, access, hostarch.MemoryTypeDefault, flags, psind)
}

func (p *Pmap) enter(va hostarch.Addr, pa hostarch.PhysAddr, prot, access hostarch.AccessType, mt hostarch.MemoryType, flags EnterFlags, psind int) error {
	size := p.pageSize(psind)
	if !va.IsAligned(size) || !pa.IsAligned(size) {
		panic(fmt.Sprintf("misaligned mapping %v->%v of size %#x", va, pa, size))
	}
	if va.IsKernel() != p.space.Kernel {
		panic(fmt.Sprintf("mapping %v in space %#x (kernel %t)", va, p.space.ID, p.space.Kernel))
	}
	return retry(func() error {
		s := p.space
		s.Mu.Lock()
		defer p.mmu.unlock(s)
		return p.enterLocked(va, pa, prot, access, mt, flags, psind)
	}, flags&EnterNoSleep != 0)
}

// enterLocked implements enter.
//
// Preconditions: p.space.Mu is locked.
func (p *Pmap) enterLocked(va hostarch.Addr, pa hostarch.PhysAddr, prot, access hostarch.AccessType, mt hostarch.MemoryType, flags EnterFlags, psind int) error {
	m := p.mmu
	s := p.space
	size := p.pageSize(psind)
	managed := flags&enterUnmanaged == 0 && m.pages.IsMemory(pa)
	wired := flags&EnterWired != 0

	if rs := s.Collect(va, va+hostarch.Addr(size)); len(rs) != 0 {
		if flags&EnterNoReplace != 0 {
			return fmt.Errorf("%v already mapped by %v: %w", va, rs[0], kernerr.ErrFailure)
		}
		if r := rs[0]; psind == 0 && r.IsLarge() {
			m.withShard(r, func() { m.eng.Demote(r) })
			rs = s.Collect(va, va+hostarch.Addr(size))
		}
		if len(rs) == 1 {
			if r := rs[0]; r.VA == va && r.Size() == size && r.PA == pa && r.IsManaged() == managed {
				m.update(r, prot, access, wired)
				return nil
			}
		}
		for _, r := range rs {
			m.withShard(r, func() { m.unmapLocked(r) })
		}
	}

	noReclaim := flags&EnterNoReclaim != 0
	r, err := m.eng.Records().Alloc(s, noReclaim)
	if err != nil {
		return fmt.Errorf("allocating record for %v: %w", va, err)
	}
	r.VA, r.PA, r.Prot, r.MemType = va, pa, prot, mt
	r.Shift = uint8(hostarch.PageShift)
	r.Preload = preload(prot, access)
	if !managed && s.Kernel {
		// Kernel mappings start out accessed so that demotion keeps them.
		r.Preload = pvo.RefChg
	}
	if psind == 1 {
		r.Shift = uint8(m.eng.LargeShift())
		r.Flags |= pvo.Large
	}
	if wired {
		r.Flags |= pvo.Wired
	}
	if managed {
		r.Flags |= pvo.Managed
		shard := m.pages.Shard(pa)
		shard.Lock()
		defer shard.Unlock()
		r.MemType = m.pages.Lookup(pa).MemType()
	}
	if err := m.pages.Insert(r); err != nil {
		m.eng.Records().Free(s, r)
		return err
	}
	if err := m.eng.Insert(r, noReclaim); err != nil {
		m.pages.Remove(r)
		m.eng.Records().Free(s, r)
		return fmt.Errorf("installing %v: %w", va, err)
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("pmap: space %#x enter %v", s.ID, r)
	}
	if managed && psind == 0 && s.Superpages.Load() {
		m.eng.Promote(s, va)
	}
	return nil
}

// update changes the protection and wiring of r in place.
//
// Preconditions: r.Space.Mu is locked.
func (m *MMU) update(r *pvo.Record, prot, access hostarch.AccessType, wired bool) {
	m.withShard(r, func() {
		soft := r.Prot == prot
		r.Prot = prot
		pvo.SetWired(r, wired)
		if pre := preload(prot, access); pre != 0 {
			r.Preload = pre
			soft = false
		}
		m.fold(r, m.eng.Replace(r, soft))
		r.Preload = 0
	})
}

// EnterQuick maps va to pa for reading and execution if nothing maps va. It
// neither sleeps nor reclaims, and gives up silently.
func (p *Pmap) EnterQuick(va hostarch.Addr, pa hostarch.PhysAddr, prot hostarch.AccessType) {
	prot = prot.Intersect(hostarch.ReadExecute)
	s := p.space
	s.Mu.Lock()
	defer p.mmu.unlock(s)
	if _, ok := s.Find(va); ok {
		return
	}
	if err := p.enterLocked(va, pa, prot, hostarch.NoAccess, hostarch.MemoryTypeDefault, EnterNoSleep|EnterNoReplace|EnterNoReclaim, 0); err != nil {
		if log.IsLogging(log.Debug) {
			log.Debugf("pmap: quick enter of %v failed: %v", va, err)
		}
	}
}

// demoteEdges demotes the superpages only partly covered by [start, end).
//
// Preconditions: s.Mu is locked.
func (m *MMU) demoteEdges(s *pvo.Space, start, end hostarch.Addr) {
	for _, r := range s.Collect(start, end) {
		if r.IsLarge() && (r.VA < start || r.End() > end) {
			m.withShard(r, func() { m.eng.Demote(r) })
		}
	}
}

// Remove removes the mappings of [start, end).
func (p *Pmap) Remove(start, end hostarch.Addr) {
	m := p.mmu
	s := p.space
	s.Mu.Lock()
	defer m.unlock(s)
	m.demoteEdges(s, start, end)
	for _, r := range s.Collect(start, end) {
		m.withShard(r, func() { m.unmapLocked(r) })
	}
}

// RemovePages removes every unwired mapping of p. It is the fast path for
// tearing down an exiting process.
func (p *Pmap) RemovePages() {
	m := p.mmu
	s := p.space
	s.Mu.Lock()
	defer m.unlock(s)
	for _, r := range s.All() {
		if r.IsWired() {
			continue
		}
		m.withShard(r, func() { m.unmapLocked(r) })
	}
}

// Protect reduces the protection of the mappings in [start, end) to prot.
// Removing read access removes the mappings.
func (p *Pmap) Protect(start, end hostarch.Addr, prot hostarch.AccessType) {
	if !prot.Read {
		p.Remove(start, end)
		return
	}
	m := p.mmu
	s := p.space
	s.Mu.Lock()
	defer m.unlock(s)
	m.demoteEdges(s, start, end)
	for _, r := range s.Collect(start, end) {
		np := r.Prot.Intersect(prot)
		if np == r.Prot {
			continue
		}
		m.withShard(r, func() {
			r.Prot = np
			m.fold(r, m.eng.Replace(r, false))
		})
	}
}

// Unwire clears the wired flag of the mappings in [start, end), which must
// all be wired.
func (p *Pmap) Unwire(start, end hostarch.Addr) {
	m := p.mmu
	s := p.space
	s.Mu.Lock()
	defer m.unlock(s)
	m.demoteEdges(s, start, end)
	for _, r := range s.Collect(start, end) {
		if !r.IsWired() {
			log.Warningf("pmap: unwiring unwired mapping %v", r)
			panic(fmt.Sprintf("unwiring unwired mapping %v", r))
		}
		m.withShard(r, func() {
			pvo.SetWired(r, false)
			m.fold(r, m.eng.Replace(r, true))
		})
	}
}

// Extract returns the frame va maps to.
func (p *Pmap) Extract(va hostarch.Addr) (hostarch.PhysAddr, bool) {
	s := p.space
	s.Mu.Lock()
	defer s.Mu.Unlock()
	r, ok := s.Find(va)
	if !ok {
		return 0, false
	}
	return r.Translate(va), true
}

// ExtractProt is like Extract but only succeeds if the mapping allows prot.
func (p *Pmap) ExtractProt(va hostarch.Addr, prot hostarch.AccessType) (hostarch.PhysAddr, bool) {
	s := p.space
	s.Mu.Lock()
	defer s.Mu.Unlock()
	r, ok := s.Find(va)
	if !ok || !r.Prot.SupersetOf(prot) {
		return 0, false
	}
	return r.Translate(va), true
}

// Mincore returns the residency state of the page at va and the frame it
// maps to.
func (p *Pmap) Mincore(va hostarch.Addr) (MincoreFlags, hostarch.PhysAddr) {
	m := p.mmu
	s := p.space
	s.Mu.Lock()
	defer s.Mu.Unlock()
	r, ok := s.Find(va)
	if !ok {
		return 0, 0
	}
	flags := MincoreIncore
	if r.IsLarge() {
		flags |= MincoreSuper
	}
	refchg, _ := m.eng.Synch(r)
	if refchg&pvo.Modified != 0 {
		flags |= MincoreModified | MincoreModifiedOther
	}
	if refchg&pvo.Referenced != 0 {
		flags |= MincoreReferenced | MincoreReferencedOther
	}
	pa := r.Translate(va)
	if pg := m.pages.Lookup(pa); r.IsManaged() && pg != nil {
		if pg.Attrs()&pvo.Modified != 0 {
			flags |= MincoreModifiedOther
		}
		if pg.Attrs()&pvo.Referenced != 0 {
			flags |= MincoreReferencedOther
		}
	}
	return flags, pa
}

// IsPrefaultable reports whether va can be mapped cheaply: nothing maps it
// and, under radix, its page table page exists.
func (p *Pmap) IsPrefaultable(va hostarch.Addr) bool {
	s := p.space
	s.Mu.Lock()
	defer s.Mu.Unlock()
	return p.mmu.eng.Prefaultable(s, va)
}

// HandleFault resolves a translation fault on va for an access at that the
// mapping allows: an entry evicted from the hashed table is put back, and a
// radix entry write protected for promotion has its write access restored.
func (p *Pmap) HandleFault(va hostarch.Addr, at hostarch.AccessType) error {
	m := p.mmu
	s := p.space
	s.Mu.Lock()
	defer m.unlock(s)
	r, ok := s.Find(va)
	if !ok {
		return fmt.Errorf("fault on %v: %w", va, kernerr.ErrNoEntry)
	}
	if !r.Prot.SupersetOf(at) {
		return fmt.Errorf("%v access to %v mapped %v: %w", at, va, r.Prot, kernerr.ErrProtectionFailure)
	}
	m.withShard(r, func() {
		m.fold(r, m.eng.Replace(r, false))
	})
	return nil
}

// Mapping describes one mapping record.
type Mapping struct {
	VA      hostarch.Addr       `json:"va"`
	PA      hostarch.PhysAddr   `json:"pa"`
	Size    uint64              `json:"size"`
	Prot    string              `json:"prot"`
	MemType hostarch.MemoryType `json:"memtype"`
	Wired   bool                `json:"wired,omitempty"`
	Managed bool                `json:"managed,omitempty"`
}

// Mappings returns the mappings of p in address order.
func (p *Pmap) Mappings() []Mapping {
	s := p.space
	s.Mu.Lock()
	defer s.Mu.Unlock()
	var ms []Mapping
	for _, r := range s.All() {
		ms = append(ms, Mapping{
			VA:      r.VA,
			PA:      r.PA,
			Size:    r.Size(),
			Prot:    r.Prot.String(),
			MemType: r.MemType,
			Wired:   r.IsWired(),
			Managed: r.IsManaged(),
		})
	}
	return ms
}
