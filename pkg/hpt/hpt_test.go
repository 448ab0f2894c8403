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
	"errors"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"gvisor.dev/pmap/pkg/hostarch"
	"gvisor.dev/pmap/pkg/machine"
	"gvisor.dev/pmap/pkg/physmem"
	"gvisor.dev/pmap/pkg/pte"
	"gvisor.dev/pmap/pkg/pvo"
	"gvisor.dev/pmap/pkg/tlb"
)

const (
	testBase   = hostarch.PhysAddr(0x100000)
	testGroups = 2048
)

type testEnv struct {
	m     *machine.Machine
	rec   *tlb.Recorder
	pages *pvo.Pages
	stats *pvo.Stats
	table *Table
	eng   *Engine
	space *pvo.Space
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	l, err := physmem.NewLayout(physmem.StaticSource{
		Memory: []physmem.Region{{Start: 0, Size: 16 << 20}},
	})
	if err != nil {
		t.Fatalf("NewLayout failed: %v", err)
	}
	mem, err := physmem.NewMemory(uint64(l.End()))
	if err != nil {
		t.Fatalf("NewMemory failed: %v", err)
	}
	t.Cleanup(func() { mem.Release() })

	env := &testEnv{
		m:     machine.New(mem, machine.Config{Cores: 2}),
		pages: pvo.NewPages(l, hostarch.LargePageShift),
		stats: &pvo.Stats{},
	}
	env.rec = &tlb.Recorder{Next: env.m}
	env.table = NewTable(mem, tlb.New(env.rec), testBase, testGroups, env.stats)
	env.eng = New(env.table, env.pages, env.stats, 0)
	env.space = pvo.NewSpace(false, hostarch.LargePageShift)
	if err := env.eng.Pinit(env.space); err != nil {
		t.Fatalf("Pinit failed: %v", err)
	}
	env.m.SetSegmentFaultHandler(func(c *machine.Core, esid uint64) (uint64, bool) {
		return env.eng.SegmentFault(env.space, esid)
	})
	for _, c := range env.m.Cores() {
		env.eng.Bootstrap(c)
	}
	env.rec.Ops()
	return env
}

func (env *testEnv) enter(t *testing.T, va hostarch.Addr, pa hostarch.PhysAddr, prot hostarch.AccessType) *pvo.Record {
	t.Helper()
	r, err := env.eng.Records().Alloc(env.space, false)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	r.VA, r.PA, r.Prot, r.Shift, r.Flags = va, pa, prot, hostarch.PageShift, pvo.Managed
	if err := env.pages.Insert(r); err != nil {
		t.Fatalf("Insert(%v) failed: %v", r, err)
	}
	if err := env.eng.Insert(r, false); err != nil {
		t.Fatalf("engine Insert(%v) failed: %v", r, err)
	}
	return r
}

func faultCode(err error) (machine.FaultCode, bool) {
	var f *machine.Fault
	if !errors.As(err, &f) {
		return 0, false
	}
	return f.Code, true
}

// collide returns the segment and address of the i'th of a set of pages that
// all hash to group zero.
func collide(i uint64) (uint64, hostarch.Addr) {
	return i, hostarch.Addr(i << hostarch.PageShift)
}

func TestEvictionDetected(t *testing.T) {
	env := newTestEnv(t)
	var evicted []hostarch.PhysAddr
	var evictedBits []uint64
	env.table.SetEvictFunc(func(pa hostarch.PhysAddr, big bool, refchg uint64) {
		evicted = append(evicted, pa)
		evictedBits = append(evictedBits, refchg)
	})

	const n = 2 * pte.PTEGEntries
	type installed struct {
		slot int
		tag  uint64
	}
	var entries []installed
	for i := uint64(0); i < n; i++ {
		vsid, va := collide(i)
		lo := (i+1)<<hostarch.PageShift | pte.HPTEBW | pte.HPTERef
		slot, tag := env.table.Insert(vsid, va, 0, lo)
		if group := uint64(slot) / pte.PTEGEntries; group != 0 && group != testGroups-1 {
			t.Fatalf("entry %d landed in group %#x", i, group)
		}
		entries = append(entries, installed{slot, tag})
	}
	if len(evicted) != 0 {
		t.Fatalf("evictions before the groups were full: %v", evicted)
	}

	env.rec.Ops()
	vsid, va := collide(n)
	slot, tag := env.table.Insert(vsid, va, 0, (n+1)<<hostarch.PageShift|pte.HPTEBW)
	if len(evicted) != 1 {
		t.Fatalf("got %d evictions, wanted 1", len(evicted))
	}
	if got := env.stats.Evictions.Load(); got != 1 {
		t.Errorf("Evictions got %d, wanted 1", got)
	}
	if evictedBits[0] != pte.HPTERef {
		t.Errorf("victim R/C got %#x, wanted %#x", evictedBits[0], pte.HPTERef)
	}
	victim := int(uint64(evicted[0])>>hostarch.PageShift) - 1

	var lost []int
	for i, e := range entries {
		if _, ok := env.table.Synch(e.slot, e.tag); !ok {
			lost = append(lost, i)
		}
	}
	if diff := cmp.Diff([]int{victim}, lost); diff != "" {
		t.Errorf("evicted entries mismatch (-want +got):\n%s", diff)
	}
	if entries[victim].slot != slot {
		t.Errorf("new entry in slot %d, victim was in %d", slot, entries[victim].slot)
	}
	if _, ok := env.table.Unset(entries[victim].slot, entries[victim].tag); ok {
		t.Errorf("Unset of the victim reported its entry present")
	}
	if _, ok := env.table.Synch(slot, tag); !ok {
		t.Errorf("new entry not found")
	}

	vvsid, vva := collide(uint64(victim))
	want := tlb.Request{Scope: tlb.ScopePage, ID: vvsid, Addr: vva, Size: tlb.Size4K}.String()
	if !slices.Contains(env.rec.Tlbies(), want) {
		t.Errorf("tlbies %v do not invalidate the victim (%s)", env.rec.Tlbies(), want)
	}
}

func TestOverflowPanics(t *testing.T) {
	env := newTestEnv(t)
	for i := uint64(0); i < 2*pte.PTEGEntries; i++ {
		vsid, va := collide(i)
		env.table.Insert(vsid, va, pte.HPTEWired, pte.HPTEBW)
	}
	defer func() {
		if recover() == nil {
			t.Errorf("insert into wired groups did not panic")
		}
	}()
	vsid, va := collide(2 * pte.PTEGEntries)
	env.table.Insert(vsid, va, 0, pte.HPTEBW)
}

func TestUnsetInvalidates(t *testing.T) {
	env := newTestEnv(t)
	r := env.enter(t, 0x5000, 0x9000, hostarch.ReadWrite)
	c := env.m.Core(1)
	if err := c.Store64(0x5008, 7); err != nil {
		t.Fatalf("Store64 failed: %v", err)
	}
	if refchg, ok := env.eng.Synch(r); !ok || refchg != pvo.RefChg {
		t.Errorf("Synch got (%#x, %t), wanted (%#x, true)", refchg, ok, pvo.RefChg)
	}
	refchg, ok := env.eng.Unset(r)
	if !ok || refchg != pvo.RefChg {
		t.Errorf("Unset got (%#x, %t), wanted (%#x, true)", refchg, ok, pvo.RefChg)
	}
	if r.Slot != -1 {
		t.Errorf("Slot got %d after Unset, wanted -1", r.Slot)
	}
	if code, ok := faultCode(c.Touch(0x5008, hostarch.Read)); !ok || code != machine.FaultNotMapped {
		t.Errorf("access after Unset got %v, wanted a not mapped fault", code)
	}
	if _, ok := env.eng.Unset(r); ok {
		t.Errorf("second Unset reported an entry")
	}
}

func TestClearModify(t *testing.T) {
	env := newTestEnv(t)
	r := env.enter(t, 0x5000, 0x9000, hostarch.ReadWrite)
	c := env.m.Core(0)
	if err := c.Touch(0x5000, hostarch.Write); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	if got := env.eng.Clear(r, pvo.Modified); got != pvo.RefChg {
		t.Errorf("Clear got %#x, wanted %#x", got, pvo.RefChg)
	}
	if refchg, _ := env.eng.Synch(r); refchg != pvo.Referenced {
		t.Errorf("after clearing C got %#x, wanted %#x", refchg, pvo.Referenced)
	}
	if err := c.Touch(0x5000, hostarch.Write); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	if refchg, _ := env.eng.Synch(r); refchg != pvo.RefChg {
		t.Errorf("store after clear got %#x, wanted %#x", refchg, pvo.RefChg)
	}

	if got := env.eng.Clear(r, pvo.Referenced); got != pvo.RefChg {
		t.Errorf("Clear(R) got %#x, wanted %#x", got, pvo.RefChg)
	}
	if refchg, _ := env.eng.Synch(r); refchg != pvo.Modified {
		t.Errorf("after clearing R got %#x, wanted %#x", refchg, pvo.Modified)
	}
}

func TestReplace(t *testing.T) {
	env := newTestEnv(t)
	r := env.enter(t, 0x5000, 0x9000, hostarch.ReadWrite)
	c := env.m.Core(0)

	env.rec.Ops()
	r.Flags |= pvo.Wired
	if got := env.eng.Replace(r, true); got != 0 {
		t.Errorf("soft Replace got %#x, wanted 0", got)
	}
	if !env.table.Entry(r.Slot).Wired() {
		t.Errorf("entry not wired after soft Replace")
	}
	if tl := env.rec.Tlbies(); len(tl) != 0 {
		t.Errorf("soft Replace invalidated: %v", tl)
	}

	if err := c.Touch(0x5000, hostarch.Write); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	r.Prot = hostarch.Read
	if got := env.eng.Replace(r, false); got != pvo.RefChg {
		t.Errorf("Replace got %#x, wanted %#x", got, pvo.RefChg)
	}
	if code, ok := faultCode(c.Touch(0x5000, hostarch.Write)); !ok || code != machine.FaultProtection {
		t.Errorf("store after write protect got %v, wanted a protection fault", code)
	}
	if err := c.Touch(0x5000, hostarch.Read); err != nil {
		t.Errorf("load after write protect failed: %v", err)
	}
}

func TestPromoteDemote(t *testing.T) {
	env := newTestEnv(t)
	const base = hostarch.Addr(hostarch.LargePageSize)
	n := hostarch.LargePageSize / hostarch.PageSize
	for i := 0; i < n; i++ {
		off := uint64(i) << hostarch.PageShift
		env.enter(t, base+hostarch.Addr(off), hostarch.PhysAddr(off), hostarch.ReadWrite)
	}
	if !env.eng.Promote(env.space, base+0x5000) {
		t.Fatalf("Promote failed")
	}
	if got := env.space.Len(); got != 1 {
		t.Fatalf("records after promotion got %d, wanted 1", got)
	}
	large, ok := env.space.Find(base + 0x123456)
	if !ok || !large.IsLarge() {
		t.Fatalf("Find got %v, wanted the large record", large)
	}
	if !env.table.Entry(large.Slot).Big() {
		t.Errorf("large record's entry is not big")
	}
	pa, err := env.m.Core(0).Translate(base+0x123456, hostarch.Read)
	if err != nil || pa != 0x123456 {
		t.Errorf("Translate got (%v, %v), wanted 0x123456", pa, err)
	}
	if got := env.space.Resident(); got != int64(n) {
		t.Errorf("Resident got %d, wanted %d", got, n)
	}

	if err := env.m.Core(0).Touch(base+0x2000, hostarch.Write); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	if !env.eng.Demote(large) {
		t.Fatalf("Demote failed")
	}
	if got := env.space.Len(); got != n {
		t.Errorf("records after demotion got %d, wanted %d", got, n)
	}
	if got := env.pages.Lookup(0x7000).Attrs(); got != pvo.RefChg {
		t.Errorf("frame attributes after demotion got %#x, wanted %#x", got, pvo.RefChg)
	}
	pa, err = env.m.Core(1).Translate(base+0x7008, hostarch.Write)
	if err != nil || pa != 0x7008 {
		t.Errorf("Translate after demotion got (%v, %v), wanted 0x7008", pa, err)
	}
	s := env.stats.Snapshot()
	if s.Promotions != 1 || s.Demotions != 1 {
		t.Errorf("stats got %+v, wanted one promotion and one demotion", s)
	}
}

func TestVSIDs(t *testing.T) {
	env := newTestEnv(t)
	other := pvo.NewSpace(false, hostarch.LargePageShift)
	if err := env.eng.Pinit(other); err != nil {
		t.Fatalf("Pinit failed: %v", err)
	}
	if other.ID == env.space.ID {
		t.Errorf("two spaces share vsid %#x", other.ID)
	}
	if other.ID&pte.KernelVSIDBit != 0 {
		t.Errorf("user vsid %#x has the kernel bit", other.ID)
	}
	if _, ok := env.eng.SegmentFault(other, 3); ok {
		t.Errorf("unused segment resolved")
	}
	kesid := uint64(hostarch.DMAPBase) >> hostarch.SegmentShift
	if vsid, ok := env.eng.SegmentFault(nil, kesid); !ok || vsid != pte.KernelVSID(kesid) {
		t.Errorf("kernel segment got (%#x, %t)", vsid, ok)
	}
	env.eng.Release(other)
	if _, ok := env.eng.SegmentFault(other, 0); ok {
		t.Errorf("segment of a released space resolved")
	}
}
