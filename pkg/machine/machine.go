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

// Package machine simulates the memory management hardware of a multi-core
// processor supporting both hashed and radix translation.
//
// Each Core has private translation caches and control registers. Table
// walks read the architected big-endian tables out of physical memory and
// update reference and change bits the way hardware does. Machine
// implements tlb.Backend, broadcasting invalidations to every core.
package machine

import (
	"fmt"
	"sync/atomic"

	"gvisor.dev/pmap/pkg/atomicbitops"
	"gvisor.dev/pmap/pkg/physmem"
	"gvisor.dev/pmap/pkg/sync"
	"gvisor.dev/pmap/pkg/tlb"
)

// Mode is the translation mode of a core.
type Mode uint8

const (
	// ModeOff means translation is disabled, as after reset.
	ModeOff Mode = iota

	// ModeHashed translates through the hashed page table at SDR1.
	ModeHashed

	// ModeRadix translates through the radix trees behind PTCR.
	ModeRadix
)

// String implements fmt.Stringer.String.
func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "off"
	case ModeHashed:
		return "hashed"
	case ModeRadix:
		return "radix"
	default:
		return fmt.Sprintf("Mode(%d)", m)
	}
}

// Config describes a machine.
type Config struct {
	// Cores is the number of cores.
	Cores int

	// TLBEntries is the capacity of each core's TLB.
	TLBEntries int

	// SLBEntries is the capacity of each core's segment lookaside buffer.
	SLBEntries int
}

const (
	defaultTLBEntries = 1024
	defaultSLBEntries = 32
)

// SegmentFaultHandler resolves a segment lookaside buffer miss on core c for
// effective segment esid. It returns the segment's VSID, or false if the
// segment is not mapped.
type SegmentFaultHandler func(c *Core, esid uint64) (vsid uint64, ok bool)

// Stats counts hardware events.
type Stats struct {
	Ptesyncs  atomicbitops.Uint64
	Eieios    atomicbitops.Uint64
	Tlbies    atomicbitops.Uint64
	Tlbsyncs  atomicbitops.Uint64
	Walks     atomicbitops.Uint64
	TLBHits   atomicbitops.Uint64
	Faults    atomicbitops.Uint64
	SLBMisses atomicbitops.Uint64
}

// Machine is a set of cores sharing physical memory.
type Machine struct {
	mem   *physmem.Memory
	cfg   Config
	cores []*Core

	// walkMu is held for reading by translations and for writing by
	// tlbie, so that an invalidation completes only after every walk that
	// could have observed the old entry has finished.
	walkMu sync.RWMutex

	segFault atomic.Pointer[SegmentFaultHandler]

	stats Stats
}

// New returns a machine over mem. All cores start with translation off.
func New(mem *physmem.Memory, cfg Config) *Machine {
	if cfg.Cores <= 0 {
		cfg.Cores = 1
	}
	if cfg.TLBEntries <= 0 {
		cfg.TLBEntries = defaultTLBEntries
	}
	if cfg.SLBEntries <= 0 {
		cfg.SLBEntries = defaultSLBEntries
	}
	m := &Machine{mem: mem, cfg: cfg}
	for i := 0; i < cfg.Cores; i++ {
		c := &Core{m: m, id: i}
		c.resetLocked()
		m.cores = append(m.cores, c)
	}
	return m
}

// Memory returns the machine's physical memory.
func (m *Machine) Memory() *physmem.Memory {
	return m.mem
}

// NumCores returns the number of cores.
func (m *Machine) NumCores() int {
	return len(m.cores)
}

// Core returns core i.
func (m *Machine) Core(i int) *Core {
	return m.cores[i]
}

// Cores returns all cores.
func (m *Machine) Cores() []*Core {
	return m.cores
}

// Stats returns the event counters.
func (m *Machine) Stats() *Stats {
	return &m.stats
}

// SetSegmentFaultHandler installs the handler run on SLB misses.
func (m *Machine) SetSegmentFaultHandler(h SegmentFaultHandler) {
	m.segFault.Store(&h)
}

// Ptesync implements tlb.Backend.Ptesync.
func (m *Machine) Ptesync() {
	m.stats.Ptesyncs.Add(1)
}

// Eieio implements tlb.Backend.Eieio.
func (m *Machine) Eieio() {
	m.stats.Eieios.Add(1)
}

// Tlbie implements tlb.Backend.Tlbie. The invalidation is performed on
// every core before Tlbie returns.
func (m *Machine) Tlbie(r tlb.Request) {
	m.stats.Tlbies.Add(1)
	m.walkMu.Lock()
	defer m.walkMu.Unlock()
	for _, c := range m.cores {
		c.mu.Lock()
		c.invalidateLocked(r)
		c.mu.Unlock()
	}
}

// Tlbsync implements tlb.Backend.Tlbsync.
func (m *Machine) Tlbsync() {
	m.stats.Tlbsyncs.Add(1)
}
