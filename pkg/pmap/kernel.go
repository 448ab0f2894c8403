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

	"gvisor.dev/pmap/pkg/errors/kernerr"
	"gvisor.dev/pmap/pkg/hostarch"
	"gvisor.dev/pmap/pkg/machine"
	"gvisor.dev/pmap/pkg/sync"
)

// kvaArena hands out kernel virtual address ranges for device and quick
// mappings. Freed ranges are reused for requests of the same size.
type kvaArena struct {
	mu   sync.Mutex
	next hostarch.Addr
	end  hostarch.Addr
	free map[uint64][]hostarch.Addr
}

func (a *kvaArena) init(start, end hostarch.Addr) {
	a.next = start
	a.end = end
	a.free = make(map[uint64][]hostarch.Addr)
}

func (a *kvaArena) alloc(size uint64) (hostarch.Addr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if fl := a.free[size]; len(fl) != 0 {
		va := fl[len(fl)-1]
		a.free[size] = fl[:len(fl)-1]
		return va, nil
	}
	if uint64(a.end-a.next) < size {
		return 0, fmt.Errorf("kernel address space exhausted allocating %#x bytes: %w", size, kernerr.ErrNoSpace)
	}
	va := a.next
	a.next += hostarch.Addr(size)
	return va, nil
}

func (a *kvaArena) release(va hostarch.Addr, size uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free[size] = append(a.free[size], va)
}

// Kenter maps the kernel page at va to pa, wired and untracked.
func (m *MMU) Kenter(va hostarch.Addr, pa hostarch.PhysAddr) {
	m.KenterAttr(va, pa, hostarch.MemoryTypeDefault)
}

// KenterAttr is like Kenter with an explicit memory type.
func (m *MMU) KenterAttr(va hostarch.Addr, pa hostarch.PhysAddr, mt hostarch.MemoryType) {
	if err := m.kernel.enter(va, pa, hostarch.ReadWrite, hostarch.NoAccess, mt, EnterWired|enterUnmanaged, 0); err != nil {
		panic(fmt.Sprintf("kenter %v->%v: %v", va, pa, err))
	}
}

// Kremove removes the kernel mapping of the page at va.
func (m *MMU) Kremove(va hostarch.Addr) {
	va = va.RoundDown()
	m.kernel.Remove(va, va+hostarch.PageSize)
}

// Kextract returns the frame the kernel address va maps to, or 0.
func (m *MMU) Kextract(va hostarch.Addr) hostarch.PhysAddr {
	if va.IsDMAP() {
		return va.DMAPToPhys()
	}
	pa, _ := m.kernel.Extract(va)
	return pa
}

// MapDev maps size bytes of device memory at pa into kernel address space
// with memory type mt and returns the address of pa.
func (m *MMU) MapDev(pa hostarch.PhysAddr, size uint64, mt hostarch.MemoryType) (hostarch.Addr, error) {
	off := pa.PageOffset()
	base := pa.RoundDown()
	n := (off + size + hostarch.PageSize - 1) &^ (hostarch.PageSize - 1)
	va, err := m.kva.alloc(n)
	if err != nil {
		return 0, err
	}
	for o := uint64(0); o < n; o += hostarch.PageSize {
		m.KenterAttr(va+hostarch.Addr(o), base+hostarch.PhysAddr(o), mt)
	}
	return va + hostarch.Addr(off), nil
}

// UnmapDev removes a mapping made by MapDev.
func (m *MMU) UnmapDev(va hostarch.Addr, size uint64) {
	off := va.PageOffset()
	base := va.RoundDown()
	n := (off + size + hostarch.PageSize - 1) &^ (hostarch.PageSize - 1)
	m.kernel.Remove(base, base+hostarch.Addr(n))
	m.kva.release(base, n)
}

// QuickEnter returns a kernel address for the frame at pa usable on core c
// until QuickRemove. RAM is reached through the direct map; other frames
// use the core's private slot.
func (m *MMU) QuickEnter(c *machine.Core, pa hostarch.PhysAddr) hostarch.Addr {
	if m.pages.IsMemory(pa) {
		return hostarch.PhysToDMAP(pa)
	}
	slot := m.quick[c.ID()]
	m.Kenter(slot, pa.RoundDown())
	return slot + hostarch.Addr(pa.PageOffset())
}

// QuickRemove ends a QuickEnter on core c.
func (m *MMU) QuickRemove(c *machine.Core, va hostarch.Addr) {
	if va.IsDMAP() {
		return
	}
	if slot := m.quick[c.ID()]; va.RoundDown() != slot {
		panic(fmt.Sprintf("quick remove of %v, core %d slot is %v", va, c.ID(), slot))
	}
	m.Kremove(va)
}

// ZeroPage clears the frame at pa through the direct map.
func (m *MMU) ZeroPage(pa hostarch.PhysAddr) {
	m.mem.Zero(m.Kextract(hostarch.PhysToDMAP(pa.RoundDown())), hostarch.PageSize)
}

// CopyPage copies the frame at src to the frame at dst through the direct
// map.
func (m *MMU) CopyPage(dst, src hostarch.PhysAddr) {
	m.mem.Copy(m.Kextract(hostarch.PhysToDMAP(dst.RoundDown())), m.Kextract(hostarch.PhysToDMAP(src.RoundDown())))
}

// ChangeAttr changes the memory type of the kernel mappings of
// [va, va+size), which must all be mapped. Superpages partly in the range
// are demoted.
func (m *MMU) ChangeAttr(va hostarch.Addr, size uint64, mt hostarch.MemoryType) error {
	start := va.RoundDown()
	end, ok := (va + hostarch.Addr(size)).RoundUp()
	if !ok || !start.IsKernel() {
		return fmt.Errorf("changing attributes of [%v, %v): %w", va, va+hostarch.Addr(size), kernerr.ErrInvalidArgument)
	}
	s := m.kernel.space
	s.Mu.Lock()
	defer m.unlock(s)
	next := start
	for _, r := range s.Collect(start, end) {
		if r.VA > next {
			break
		}
		next = r.End()
	}
	if next < end {
		return fmt.Errorf("changing attributes at %v: %w", next, kernerr.ErrInvalidAddress)
	}
	m.demoteEdges(s, start, end)
	for _, r := range s.Collect(start, end) {
		if r.MemType == mt {
			continue
		}
		m.withShard(r, func() {
			r.MemType = mt
			m.fold(r, m.eng.Replace(r, false))
		})
	}
	return nil
}
