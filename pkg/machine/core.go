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

package machine

import (
	"gvisor.dev/pmap/pkg/hostarch"
	"gvisor.dev/pmap/pkg/sync"
	"gvisor.dev/pmap/pkg/tlb"
)

type slbEntry struct {
	esid uint64
	vsid uint64
}

// tlbKey identifies a cached translation. tag is the page aligned address
// as it appears in a tlbie: the offset within the segment for the hashed
// scheme, the effective address for radix.
type tlbKey struct {
	id   uint64
	tag  hostarch.Addr
	size tlb.PageSize
}

type tlbEntry struct {
	pa hostarch.PhysAddr
	at hostarch.AccessType

	// changed is true if the change bit of the entry is known to be set,
	// so stores through the translation need not update the table.
	changed bool
}

// pwcKey identifies a cached page table page: the last level table mapping
// one 2MB region of an identifier.
type pwcKey struct {
	id     uint64
	region uint64
}

var (
	hashedSizes = []tlb.PageSize{tlb.Size4K, tlb.Size16M}
	radixSizes  = []tlb.PageSize{tlb.Size4K, tlb.Size2M, tlb.Size1G}
)

// Core is one processor.
type Core struct {
	m  *Machine
	id int

	// mu protects the fields below.
	mu sync.Mutex

	mode Mode
	sdr1 uint64
	ptcr uint64
	pid  uint64

	slb     []slbEntry
	slbNext int

	tlb map[tlbKey]tlbEntry
	pwc map[pwcKey]hostarch.PhysAddr
}

// ID returns the index of the core.
func (c *Core) ID() int {
	return c.id
}

// Reset returns the core to its power on state: translation off, registers
// cleared, caches empty.
func (c *Core) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

func (c *Core) resetLocked() {
	c.mode = ModeOff
	c.sdr1 = 0
	c.ptcr = 0
	c.pid = 0
	c.slb = nil
	c.slbNext = 0
	c.tlb = make(map[tlbKey]tlbEntry)
	c.pwc = make(map[pwcKey]hostarch.PhysAddr)
}

// Mode returns the translation mode.
func (c *Core) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetMode sets the translation mode.
func (c *Core) SetMode(m Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = m
}

// SDR1 returns the hashed table register.
func (c *Core) SDR1() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sdr1
}

// SetSDR1 sets the hashed table register.
func (c *Core) SetSDR1(v uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sdr1 = v
}

// PTCR returns the partition table control register.
func (c *Core) PTCR() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ptcr
}

// SetPTCR sets the partition table control register.
func (c *Core) SetPTCR(v uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ptcr = v
}

// PID returns the process identifier register.
func (c *Core) PID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pid
}

// SetPID sets the process identifier register. Cached translations are
// tagged, so none are discarded.
func (c *Core) SetPID(pid uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pid = pid
}

// SLBInsert installs a segment translation, replacing the oldest entry if
// the buffer is full.
func (c *Core) SLBInsert(esid, vsid uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slbInsertLocked(esid, vsid)
}

func (c *Core) slbInsertLocked(esid, vsid uint64) {
	for i := range c.slb {
		if c.slb[i].esid == esid {
			c.slb[i].vsid = vsid
			return
		}
	}
	if len(c.slb) < c.m.cfg.SLBEntries {
		c.slb = append(c.slb, slbEntry{esid: esid, vsid: vsid})
		return
	}
	c.slb[c.slbNext] = slbEntry{esid: esid, vsid: vsid}
	c.slbNext = (c.slbNext + 1) % len(c.slb)
}

// SLBInvalidateAll discards every segment translation.
func (c *Core) SLBInvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slb = nil
	c.slbNext = 0
}

// SLBLen returns the number of segment translations.
func (c *Core) SLBLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slb)
}

// TLBLen returns the number of cached translations.
func (c *Core) TLBLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tlb)
}

// PWCLen returns the number of cached page table pages.
func (c *Core) PWCLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pwc)
}

func (c *Core) sizesLocked() []tlb.PageSize {
	if c.mode == ModeHashed {
		return hashedSizes
	}
	return radixSizes
}

func (c *Core) tagLocked(va hostarch.Addr, size tlb.PageSize) hostarch.Addr {
	if c.mode == ModeHashed {
		va &= hostarch.SegmentSize - 1
	}
	return va.AlignDown(size.Bytes())
}

func (c *Core) invalidateLocked(r tlb.Request) {
	flushTLB := r.Target != tlb.TargetPWC
	flushPWC := r.Target != tlb.TargetTLB
	switch r.Scope {
	case tlb.ScopeAll:
		if flushTLB {
			clear(c.tlb)
		}
		if flushPWC {
			clear(c.pwc)
		}
	case tlb.ScopeID:
		if flushTLB {
			for k := range c.tlb {
				if k.id == r.ID {
					delete(c.tlb, k)
				}
			}
		}
		if flushPWC {
			for k := range c.pwc {
				if k.id == r.ID {
					delete(c.pwc, k)
				}
			}
		}
	case tlb.ScopePage:
		if flushTLB {
			delete(c.tlb, tlbKey{id: r.ID, tag: c.tagLocked(r.Addr, r.Size), size: r.Size})
		}
		if flushPWC {
			delete(c.pwc, pwcKey{id: r.ID, region: uint64(r.Addr) >> hostarch.HugePageShift})
		}
	}
}

// Translate returns the physical address for an access to va, walking the
// tables on a TLB miss.
func (c *Core) Translate(va hostarch.Addr, at hostarch.AccessType) (hostarch.PhysAddr, error) {
	c.m.walkMu.RLock()
	defer c.m.walkMu.RUnlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	pa, err := c.translateLocked(va, at)
	if err != nil {
		c.m.stats.Faults.Add(1)
	}
	return pa, err
}

func (c *Core) fault(va hostarch.Addr, at hostarch.AccessType, code FaultCode) error {
	return &Fault{Core: c.id, Addr: va, Access: at, Code: code}
}

func (c *Core) translateLocked(va hostarch.Addr, at hostarch.AccessType) (hostarch.PhysAddr, error) {
	id, err := c.contextLocked(va, at)
	if err != nil {
		return 0, err
	}
	for _, size := range c.sizesLocked() {
		k := tlbKey{id: id, tag: c.tagLocked(va, size), size: size}
		e, ok := c.tlb[k]
		if !ok {
			continue
		}
		if !e.at.SupersetOf(at) {
			return 0, c.fault(va, at, FaultProtection)
		}
		if at.Write && !e.changed {
			// The change bit must be set in the table first.
			delete(c.tlb, k)
			break
		}
		c.m.stats.TLBHits.Add(1)
		return e.pa + hostarch.PhysAddr(uint64(va)&(size.Bytes()-1)), nil
	}

	c.m.stats.Walks.Add(1)
	var w walkResult
	if c.mode == ModeHashed {
		w, err = c.walkHashedLocked(id, va, at)
	} else {
		w, err = c.walkRadixLocked(id, va, at)
	}
	if err != nil {
		return 0, err
	}
	if len(c.tlb) >= c.m.cfg.TLBEntries {
		for k := range c.tlb {
			delete(c.tlb, k)
			break
		}
	}
	c.tlb[tlbKey{id: id, tag: c.tagLocked(va, w.size), size: w.size}] = tlbEntry{pa: w.pa, at: w.at, changed: w.changed}
	return w.pa + hostarch.PhysAddr(uint64(va)&(w.size.Bytes()-1)), nil
}

// contextLocked returns the identifier translations of va are tagged with.
func (c *Core) contextLocked(va hostarch.Addr, at hostarch.AccessType) (uint64, error) {
	switch c.mode {
	case ModeHashed:
		esid := uint64(va) >> hostarch.SegmentShift
		for _, e := range c.slb {
			if e.esid == esid {
				return e.vsid, nil
			}
		}
		c.m.stats.SLBMisses.Add(1)
		h := c.m.segFault.Load()
		if h == nil {
			return 0, c.fault(va, at, FaultSegment)
		}
		vsid, ok := (*h)(c, esid)
		if !ok {
			return 0, c.fault(va, at, FaultSegment)
		}
		c.slbInsertLocked(esid, vsid)
		return vsid, nil
	case ModeRadix:
		switch {
		case va.IsKernel():
			return 0, nil
		case va&hostarch.QuadrantMask == 0 && c.pid != 0:
			return c.pid, nil
		default:
			return 0, c.fault(va, at, FaultBadAddress)
		}
	default:
		return 0, c.fault(va, at, FaultOff)
	}
}

// Load64 reads the 8-byte word at va.
func (c *Core) Load64(va hostarch.Addr) (uint64, error) {
	pa, err := c.Translate(va, hostarch.Read)
	if err != nil {
		return 0, err
	}
	return hostarch.ByteOrder.Uint64(c.m.mem.Bytes(pa, 8)), nil
}

// Store64 writes the 8-byte word at va.
func (c *Core) Store64(va hostarch.Addr, v uint64) error {
	pa, err := c.Translate(va, hostarch.Write)
	if err != nil {
		return err
	}
	hostarch.ByteOrder.PutUint64(c.m.mem.Bytes(pa, 8), v)
	return nil
}

// Fetch performs an instruction fetch from va.
func (c *Core) Fetch(va hostarch.Addr) error {
	_, err := c.Translate(va, hostarch.Execute)
	return err
}

// Touch performs an access of type at to va without transferring data.
func (c *Core) Touch(va hostarch.Addr, at hostarch.AccessType) error {
	_, err := c.Translate(va, at)
	return err
}
