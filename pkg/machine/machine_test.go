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
	"errors"
	"sync/atomic"
	"testing"

	"gvisor.dev/pmap/pkg/hostarch"
	"gvisor.dev/pmap/pkg/physmem"
	"gvisor.dev/pmap/pkg/pte"
	"gvisor.dev/pmap/pkg/tlb"
)

func newTestMachine(t *testing.T, cores int) *Machine {
	t.Helper()
	mem, err := physmem.NewMemory(16 << 20)
	if err != nil {
		t.Fatalf("NewMemory failed: %v", err)
	}
	t.Cleanup(func() { mem.Release() })
	return New(mem, Config{Cores: cores, TLBEntries: 16, SLBEntries: 4})
}

func store(m *Machine, pa hostarch.PhysAddr, v uint64) {
	atomic.StoreUint64(m.Memory().Word(pa), pte.ToHW(v))
}

func load(m *Machine, pa hostarch.PhysAddr) uint64 {
	return pte.FromHW(atomic.LoadUint64(m.Memory().Word(pa)))
}

func faultCode(t *testing.T, err error) FaultCode {
	t.Helper()
	var f *Fault
	if !errors.As(err, &f) {
		t.Fatalf("got error %v, wanted a *Fault", err)
	}
	return f.Code
}

const (
	testHTAB  = hostarch.PhysAddr(0x100000)
	testPTEGs = 2048
	testVSID  = 0x1234
)

// hashedSlot returns the address of entry i of the primary group of va.
func hashedSlot(va hostarch.Addr, shift uint, i uint64) hostarch.PhysAddr {
	group := pte.Hash(testVSID, va, shift) & (testPTEGs - 1)
	return testHTAB + hostarch.PhysAddr((group*pte.PTEGEntries+i)*pte.HPTESize)
}

func setupHashed(m *Machine) {
	m.SetSegmentFaultHandler(func(c *Core, esid uint64) (uint64, bool) {
		return testVSID, esid == 0
	})
	for _, c := range m.Cores() {
		c.SetSDR1(pte.SDR1(testHTAB, testPTEGs))
		c.SetMode(ModeHashed)
	}
}

func TestHashedWalk(t *testing.T) {
	m := newTestMachine(t, 2)
	setupHashed(m)
	slot := hashedSlot(0x5000, hostarch.PageShift, 3)
	store(m, slot+8, 0x9000|pte.HPTEM|pte.HPTEBW)
	store(m, slot, pte.MakeHi(pte.VPN(testVSID, 0x5000), pte.HPTEValid))
	hostarch.ByteOrder.PutUint64(m.Memory().Bytes(0x9008, 8), 42)

	c := m.Core(0)
	if v, err := c.Load64(0x5008); err != nil || v != 42 {
		t.Fatalf("Load64 got (%d, %v), wanted 42", v, err)
	}
	if lo := load(m, slot+8); lo&pte.HPTERefChg != pte.HPTERef {
		t.Errorf("after load lo=%#x, wanted only R set", lo)
	}
	if err := c.Store64(0x5010, 7); err != nil {
		t.Fatalf("Store64 failed: %v", err)
	}
	if lo := load(m, slot+8); lo&pte.HPTERefChg != pte.HPTERefChg {
		t.Errorf("after store lo=%#x, wanted R and C set", lo)
	}
	if c.SLBLen() != 1 {
		t.Errorf("SLBLen() = %d after a segment miss", c.SLBLen())
	}
	if err := c.Touch(0x10005000, hostarch.Read); faultCode(t, err) != FaultSegment {
		t.Errorf("access to an unknown segment got %v", err)
	}
	if err := c.Fetch(0x6000); faultCode(t, err) != FaultNotMapped {
		t.Errorf("access to an unmapped page got %v", err)
	}
}

func TestHashedSecondaryAndLarge(t *testing.T) {
	m := newTestMachine(t, 1)
	setupHashed(m)
	group := pte.Hash(testVSID, 0x7000, hostarch.PageShift) & (testPTEGs - 1)
	slot := testHTAB + hostarch.PhysAddr(((group^(testPTEGs-1))*pte.PTEGEntries)*pte.HPTESize)
	store(m, slot+8, 0xa000|pte.HPTEBR)
	store(m, slot, pte.MakeHi(pte.VPN(testVSID, 0x7000), pte.HPTEValid|pte.HPTEHID))

	large := hashedSlot(0x1000000, hostarch.LargePageShift, 0)
	store(m, large+8, 0x1000000|pte.HPTELP16M|pte.HPTEBW)
	store(m, large, pte.MakeHi(pte.VPN(testVSID, 0x1000000), pte.HPTEValid|pte.HPTEBig))

	c := m.Core(0)
	if pa, err := c.Translate(0x7123, hostarch.Read); err != nil || pa != 0xa123 {
		t.Errorf("secondary Translate got (%v, %v), wanted 0xa123", pa, err)
	}
	if err := c.Touch(0x7000, hostarch.Write); faultCode(t, err) != FaultProtection {
		t.Errorf("store to a read-only entry got %v", err)
	}
	if pa, err := c.Translate(0x1abc123, hostarch.Write); err != nil || pa != 0x1abc123 {
		t.Errorf("large Translate got (%v, %v), wanted 0x1abc123", pa, err)
	}
}

func TestTlbie(t *testing.T) {
	m := newTestMachine(t, 2)
	setupHashed(m)
	slot := hashedSlot(0x5000, hostarch.PageShift, 0)
	store(m, slot+8, 0x9000|pte.HPTEBW|pte.HPTERefChg)
	store(m, slot, pte.MakeHi(pte.VPN(testVSID, 0x5000), pte.HPTEValid))
	for _, c := range m.Cores() {
		if err := c.Touch(0x5000, hostarch.Write); err != nil {
			t.Fatalf("Touch failed: %v", err)
		}
	}

	// Without invalidation both cores keep using the cached translation.
	store(m, slot, 0)
	for _, c := range m.Cores() {
		if pa, err := c.Translate(0x5000, hostarch.Write); err != nil || pa != 0x9000 {
			t.Errorf("cached Translate got (%v, %v)", pa, err)
		}
	}
	m.Tlbie(tlb.Request{Scope: tlb.ScopePage, ID: testVSID, Addr: 0x5000, Size: tlb.Size4K})
	for _, c := range m.Cores() {
		if err := c.Touch(0x5000, hostarch.Read); faultCode(t, err) != FaultNotMapped {
			t.Errorf("core %d still translates after tlbie: %v", c.ID(), err)
		}
	}
}

const (
	testProcTab = hostarch.PhysAddr(0x200000)
	testPartTab = hostarch.PhysAddr(0x210000)
	testRoot    = hostarch.PhysAddr(0x220000)
	testL2      = hostarch.PhysAddr(0x230000)
	testL3      = hostarch.PhysAddr(0x231000)
	testL4      = hostarch.PhysAddr(0x232000)
	testPID     = 1
)

// setupRadix maps va 0x40001000 to 0x9000 and va 0x40200000 to the 2MB page
// at 0x600000 for process 1.
func setupRadix(m *Machine, leaf uint64) {
	patb0, patb1 := pte.PartitionTableEntry(0, testProcTab, 1<<16)
	store(m, testPartTab, patb0)
	store(m, testPartTab+8, patb1)
	store(m, testProcTab+testPID*pte.ProcessTableEntrySize, pte.ProcessTableEntry(testRoot))
	store(m, testRoot, uint64(pte.MakePDE(testL2, pte.RPTEShift)))
	store(m, testL2+8, uint64(pte.MakePDE(testL3, pte.RPTEShift)))
	store(m, testL3, uint64(pte.MakePDE(testL4, pte.RPTEShift)))
	store(m, testL4+8, pte.RPTEValid|pte.RPTELeaf|0x9000|leaf)
	store(m, testL3+8, pte.RPTEValid|pte.RPTELeaf|0x600000|pte.RPTEEAARead|pte.RPTEEAAWrite)
	for _, c := range m.Cores() {
		c.SetPTCR(pte.PTCR(testPartTab, pte.PartitionTableSize))
		c.SetMode(ModeRadix)
		c.SetPID(testPID)
	}
}

func TestRadixWalk(t *testing.T) {
	m := newTestMachine(t, 1)
	setupRadix(m, pte.RPTEEAARead|pte.RPTEEAAWrite)
	c := m.Core(0)
	if pa, err := c.Translate(0x40001abc, hostarch.Read); err != nil || pa != 0x9abc {
		t.Fatalf("Translate got (%v, %v), wanted 0x9abc", pa, err)
	}
	if e := load(m, testL4+8); e&pte.RPTERefChg != pte.RPTERef {
		t.Errorf("leaf %#x, wanted only R set", e)
	}
	if c.PWCLen() != 1 {
		t.Errorf("PWCLen() = %d, wanted 1", c.PWCLen())
	}
	if err := c.Store64(0x40001000, 1); err != nil {
		t.Fatalf("Store64 failed: %v", err)
	}
	if e := load(m, testL4+8); e&pte.RPTERefChg != pte.RPTERefChg {
		t.Errorf("leaf %#x, wanted R and C set", e)
	}
	if pa, err := c.Translate(0x40234567, hostarch.Write); err != nil || pa != 0x634567 {
		t.Errorf("superpage Translate got (%v, %v), wanted 0x634567", pa, err)
	}
	if err := c.Touch(0x40002000, hostarch.Read); faultCode(t, err) != FaultNotMapped {
		t.Errorf("unmapped access got %v", err)
	}
	if err := c.Touch(0x4000000000000000, hostarch.Read); faultCode(t, err) != FaultBadAddress {
		t.Errorf("quadrant 1 access got %v", err)
	}

	m.Tlbie(tlb.Request{Scope: tlb.ScopeID, Target: tlb.TargetPWC, ID: testPID})
	if c.PWCLen() != 0 || c.TLBLen() == 0 {
		t.Errorf("PWC flush left PWCLen()=%d TLBLen()=%d", c.PWCLen(), c.TLBLen())
	}
}

func TestStoreToCleanEntryRewalks(t *testing.T) {
	m := newTestMachine(t, 1)
	setupRadix(m, pte.RPTEEAARead|pte.RPTEEAAWrite)
	c := m.Core(0)
	if err := c.Touch(0x40001000, hostarch.Read); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	// Write protect the clean entry without invalidating: the cached
	// translation does not carry the change bit, so the store must walk.
	store(m, testL4+8, load(m, testL4+8)&^pte.RPTEEAAWrite)
	if err := c.Touch(0x40001000, hostarch.Write); faultCode(t, err) != FaultProtection {
		t.Errorf("store through a stale clean translation got %v", err)
	}
	if e := load(m, testL4+8); e&pte.RPTEChg != 0 {
		t.Errorf("change bit set on a read-only entry: %#x", e)
	}
}

func TestResetDisablesTranslation(t *testing.T) {
	m := newTestMachine(t, 1)
	setupRadix(m, pte.RPTEEAARead)
	c := m.Core(0)
	if err := c.Touch(0x40001000, hostarch.Read); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	c.Reset()
	if c.TLBLen() != 0 || c.PID() != 0 || c.Mode() != ModeOff {
		t.Errorf("Reset left state behind")
	}
	if err := c.Touch(0x40001000, hostarch.Read); faultCode(t, err) != FaultOff {
		t.Errorf("access after Reset got %v", err)
	}
}
