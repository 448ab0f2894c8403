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
	"sync/atomic"

	"gvisor.dev/pmap/pkg/atomicbitops"
	"gvisor.dev/pmap/pkg/hostarch"
	"gvisor.dev/pmap/pkg/pte"
	"gvisor.dev/pmap/pkg/tlb"
)

// walkResult is the translation found by a walk.
type walkResult struct {
	pa      hostarch.PhysAddr
	size    tlb.PageSize
	at      hostarch.AccessType
	changed bool
}

func (c *Core) load(pa hostarch.PhysAddr) uint64 {
	return pte.FromHW(atomic.LoadUint64(c.m.mem.Word(pa)))
}

// walkHashedLocked searches the primary then the secondary group of va for
// each supported page size.
func (c *Core) walkHashedLocked(vsid uint64, va hostarch.Addr, at hostarch.AccessType) (walkResult, error) {
	base, count := pte.SDR1Table(c.sdr1)
	mask := count - 1
	for _, size := range hashedSizes {
		pva := va.AlignDown(size.Bytes())
		want := pte.MakeHi(pte.VPN(vsid, pva), 0)
		var big uint64
		if size != tlb.Size4K {
			big = pte.HPTEBig
		}
		hash := pte.Hash(vsid, pva, size.Shift())
		for _, hid := range []uint64{0, pte.HPTEHID} {
			group := hash & mask
			if hid != 0 {
				group ^= mask
			}
			for i := uint64(0); i < pte.PTEGEntries; i++ {
				slot := base + hostarch.PhysAddr((group*pte.PTEGEntries+i)*pte.HPTESize)
				hi := c.load(slot)
				if hi&pte.HPTEValid == 0 || hi&pte.HPTEAVPNMask != want || hi&pte.HPTEHID != hid || hi&pte.HPTEBig != big {
					continue
				}
				return c.leafHashedLocked(slot, hi, va, at, size)
			}
		}
	}
	return walkResult{}, c.fault(va, at, FaultNotMapped)
}

// leafHashedLocked checks the permissions of the entry at slot and records
// the reference, plus the change for stores.
func (c *Core) leafHashedLocked(slot hostarch.PhysAddr, hi uint64, va hostarch.Addr, at hostarch.AccessType, size tlb.PageSize) (walkResult, error) {
	var res walkResult
	denied := false
	atomicbitops.UpdateUint64(c.m.mem.Word(slot+8), func(old uint64) (uint64, bool) {
		p := pte.HPTE{Hi: hi, Lo: pte.FromHW(old)}
		if !p.Access().SupersetOf(at) {
			denied = true
			return old, false
		}
		bits := pte.HPTERef
		if at.Write {
			bits |= pte.HPTEChg
		}
		res = walkResult{pa: p.PA(), size: size, at: p.Access(), changed: at.Write || p.Lo&pte.HPTEChg != 0}
		if p.Lo&bits == bits {
			return old, false
		}
		return pte.ToHW(p.Lo | bits), true
	})
	if denied {
		return walkResult{}, c.fault(va, at, FaultProtection)
	}
	return res, nil
}

// walkRadixLocked walks the tree of process identifier id, starting from the
// page walk cache when it holds the last level table of va.
func (c *Core) walkRadixLocked(id uint64, va hostarch.Addr, at hostarch.AccessType) (walkResult, error) {
	if c.ptcr == 0 {
		return walkResult{}, c.fault(va, at, FaultBadAddress)
	}
	prtb, size := pte.PRTBTable(c.load(pte.PTCRTable(c.ptcr) + 8))
	if (id+1)*pte.ProcessTableEntrySize > size {
		return walkResult{}, c.fault(va, at, FaultBadAddress)
	}
	e0 := c.load(prtb + hostarch.PhysAddr(id*pte.ProcessTableEntrySize))
	if e0 == 0 {
		return walkResult{}, c.fault(va, at, FaultBadAddress)
	}

	region := pwcKey{id: id, region: uint64(va) >> hostarch.HugePageShift}
	table, shift := pte.RootFromEntry(e0), uint(pte.L1Shift)
	if p, ok := c.pwc[region]; ok {
		table, shift = p, pte.L4Shift
	}
	for {
		addr := table + hostarch.PhysAddr(pte.Index(va, shift)*8)
		e := pte.RPTE(c.load(addr))
		if !e.Valid() {
			return walkResult{}, c.fault(va, at, FaultNotMapped)
		}
		if e.Leaf() {
			if shift == pte.L1Shift {
				return walkResult{}, c.fault(va, at, FaultNotMapped)
			}
			return c.leafRadixLocked(addr, va, at, tlb.SizeOf(1<<shift))
		}
		if shift == pte.L4Shift {
			return walkResult{}, c.fault(va, at, FaultNotMapped)
		}
		table = e.PA()
		shift -= pte.RPTEShift
		if shift == pte.L4Shift {
			c.pwc[region] = table
		}
	}
}

// leafRadixLocked checks the permissions of the leaf at addr and records the
// reference, plus the change for stores.
func (c *Core) leafRadixLocked(addr hostarch.PhysAddr, va hostarch.Addr, at hostarch.AccessType, size tlb.PageSize) (walkResult, error) {
	var res walkResult
	code := FaultNotMapped
	faulted := false
	atomicbitops.UpdateUint64(c.m.mem.Word(addr), func(old uint64) (uint64, bool) {
		e := pte.RPTE(pte.FromHW(old))
		switch {
		case !e.Valid() || !e.Leaf():
			faulted, code = true, FaultNotMapped
			return old, false
		case !e.Access().SupersetOf(at):
			faulted, code = true, FaultProtection
			return old, false
		}
		bits := pte.RPTERef
		if at.Write {
			bits |= pte.RPTEChg
		}
		res = walkResult{pa: e.PA(), size: size, at: e.Access(), changed: at.Write || uint64(e)&pte.RPTEChg != 0}
		if uint64(e)&bits == bits {
			return old, false
		}
		return pte.ToHW(uint64(e) | bits), true
	})
	if faulted {
		return walkResult{}, c.fault(va, at, code)
	}
	return res, nil
}
