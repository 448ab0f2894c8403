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

	"gvisor.dev/pmap/pkg/bits"
	"gvisor.dev/pmap/pkg/cleanup"
	"gvisor.dev/pmap/pkg/hostarch"
	"gvisor.dev/pmap/pkg/hpt"
	"gvisor.dev/pmap/pkg/log"
	"gvisor.dev/pmap/pkg/machine"
	"gvisor.dev/pmap/pkg/physmem"
	"gvisor.dev/pmap/pkg/pte"
	"gvisor.dev/pmap/pkg/pvo"
	"gvisor.dev/pmap/pkg/radix"
	"gvisor.dev/pmap/pkg/tlb"
)

const (
	// minPTEGs is the smallest hashed table SDR1 can describe.
	minPTEGs = 2048

	// defaultPIDBits sizes the process table at 64KB.
	defaultPIDBits = 12

	// defaultKVASize is the size of the kernel address range for device
	// and quick mappings.
	defaultKVASize = 1 << 30
)

// Config configures an MMU.
type Config struct {
	// Scheme is the translation scheme.
	Scheme Scheme

	// Machine describes the simulated processor.
	Machine machine.Config

	// PTEGs is the number of groups of the hashed table, a power of two.
	// Zero sizes the table from the amount of memory.
	PTEGs uint64

	// PIDBits is the width of radix process identifiers.
	PIDBits uint

	// Superpages enables promotion in new spaces.
	Superpages bool

	// RecordLimit bounds the number of hashed scheme records. Zero means
	// no limit.
	RecordLimit int64

	// KVASize is the size of the kernel address range for device and
	// quick mappings.
	KVASize uint64
}

// defaultPTEGs returns a table with about one entry per two frames.
func defaultPTEGs(l *physmem.Layout) uint64 {
	n := l.Total() >> hostarch.PageShift / pte.PTEGEntries / 2
	if n < minPTEGs {
		return minPTEGs
	}
	return uint64(1) << bits.Log2Ceil64(n)
}

// Early brings up physical memory and places the scheme's boot tables with
// the bootstrap allocator. Translation is still off.
func Early(cfg Config, src physmem.RegionSource) (*MMU, error) {
	layout, err := physmem.NewLayout(src)
	if err != nil {
		return nil, err
	}
	mem, err := physmem.NewMemory(uint64(layout.End()))
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() { mem.Release() })
	defer cu.Clean()

	m := &MMU{
		cfg:    cfg,
		scheme: cfg.Scheme,
		layout: layout,
		mem:    mem,
		boot:   physmem.NewBootstrapAllocator(layout, mem),
	}
	if m.scheme == SchemeAuto {
		m.scheme = DetectScheme()
	}
	m.machine = machine.New(mem, cfg.Machine)
	m.inv = tlb.New(m.machine)

	switch m.scheme {
	case SchemeHash:
		groups := cfg.PTEGs
		if groups == 0 {
			groups = defaultPTEGs(layout)
		}
		if groups < minPTEGs || !bits.IsPowerOfTwo64(groups) {
			return nil, fmt.Errorf("hashed table of %d groups: need a power of two of at least %d", groups, minPTEGs)
		}
		size := groups * pte.PTEGSize
		base, err := m.boot.Alloc(size, size)
		if err != nil {
			return nil, fmt.Errorf("allocating hashed table: %w", err)
		}
		m.pages = pvo.NewPages(layout, hostarch.LargePageShift)
		m.table = hpt.NewTable(mem, m.inv, base, groups, &m.stats)
		log.Infof("pmap: hashed table of %d groups at %v", groups, base)
	case SchemeRadix:
		pidBits := cfg.PIDBits
		if pidBits == 0 {
			pidBits = defaultPIDBits
		}
		part, err := m.boot.Alloc(pte.PartitionTableSize, pte.PartitionTableSize)
		if err != nil {
			return nil, fmt.Errorf("allocating partition table: %w", err)
		}
		psize := radix.ProcessTableSize(pidBits)
		proc, err := m.boot.Alloc(psize, psize)
		if err != nil {
			return nil, fmt.Errorf("allocating process table: %w", err)
		}
		m.pages = pvo.NewPages(layout, hostarch.HugePageShift)
		m.tables = radix.Tables{Partition: part, Process: proc, PIDBits: pidBits}
		log.Infof("pmap: radix partition table at %v, process table at %v (%d pids)", part, proc, uint64(1)<<pidBits)
	default:
		return nil, fmt.Errorf("unknown scheme %v", m.scheme)
	}
	log.Infof("pmap: %v scheme, %d MB of memory in %d regions", m.scheme, layout.Total()>>20, len(layout.Memory))
	cu.Release()
	return m, nil
}

// Mid starts the frame allocator and the engine, creates the kernel space
// and turns translation on for every core.
func (m *MMU) Mid() error {
	if m.phase != phaseEarly {
		return fmt.Errorf("pmap: Mid in phase %d", m.phase)
	}
	m.frames = physmem.NewAllocator(m.layout, m.mem)
	switch m.scheme {
	case SchemeHash:
		m.eng = hpt.New(m.table, m.pages, &m.stats, m.cfg.RecordLimit)
	case SchemeRadix:
		m.eng = radix.New(m.frames, m.inv, m.pages, &m.stats, m.tables)
	}
	ks := pvo.NewSpace(true, m.eng.LargeShift())
	if err := m.eng.Pinit(ks); err != nil {
		return fmt.Errorf("initializing kernel space: %w", err)
	}
	m.kernel = &Pmap{mmu: m, space: ks}
	m.active = make([]*Pmap, m.machine.NumCores())

	size := m.cfg.KVASize
	if size == 0 {
		size = defaultKVASize
	}
	m.kva.init(hostarch.KVABase, hostarch.KVABase+hostarch.Addr(size))

	m.machine.SetSegmentFaultHandler(m.segmentFault)
	for _, c := range m.machine.Cores() {
		m.CPUBootstrap(c)
	}
	m.phase = phaseMid
	log.Infof("pmap: %s engine running, %d of %d frames free", m.eng.Name(), m.frames.FreeCount(), m.frames.Total())
	return nil
}

// Late builds the direct map and the per-core quick mapping slots.
func (m *MMU) Late() error {
	if m.phase != phaseMid {
		return fmt.Errorf("pmap: Late in phase %d", m.phase)
	}
	large := uint64(1) << m.eng.LargeShift()
	n := 0
	for _, r := range m.layout.Memory {
		for pa := r.Start; pa < r.End(); {
			psind, size := 0, uint64(hostarch.PageSize)
			if pa.IsAligned(large) && uint64(r.End()-pa) >= large {
				psind, size = 1, large
			}
			if err := m.kernel.enter(hostarch.PhysToDMAP(pa), pa, hostarch.AnyAccess, hostarch.NoAccess,
				hostarch.MemoryTypeDefault, EnterWired|enterUnmanaged, psind); err != nil {
				return fmt.Errorf("direct map of %v: %w", pa, err)
			}
			pa += hostarch.PhysAddr(size)
			n++
		}
	}
	m.quick = make([]hostarch.Addr, m.machine.NumCores())
	for i := range m.quick {
		va, err := m.kva.alloc(hostarch.PageSize)
		if err != nil {
			return err
		}
		m.quick[i] = va
	}
	m.phase = phaseRunning
	log.Infof("pmap: direct map of %d MB in %d mappings", m.layout.Total()>>20, n)
	return nil
}

// Boot runs Early, Mid and Late.
func Boot(cfg Config, src physmem.RegionSource) (*MMU, error) {
	m, err := Early(cfg, src)
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() { m.Release() })
	defer cu.Clean()
	if err := m.Mid(); err != nil {
		return nil, err
	}
	if err := m.Late(); err != nil {
		return nil, err
	}
	cu.Release()
	return m, nil
}
