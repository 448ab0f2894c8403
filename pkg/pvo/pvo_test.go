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

package pvo

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"gvisor.dev/pmap/pkg/errors/kernerr"
	"gvisor.dev/pmap/pkg/hostarch"
	"gvisor.dev/pmap/pkg/physmem"
)

// testShift gives four page superpages to keep the tests small.
const testShift = 14

func newTestPages(t *testing.T) *Pages {
	t.Helper()
	l, err := physmem.NewLayout(physmem.StaticSource{
		Memory: []physmem.Region{{Start: 0, Size: 1 << 20}},
	})
	if err != nil {
		t.Fatalf("NewLayout failed: %v", err)
	}
	return NewPages(l, testShift)
}

func rec(s *Space, va hostarch.Addr, pa hostarch.PhysAddr, flags Flags) *Record {
	r := &Record{Space: s, VA: va, PA: pa, Prot: hostarch.ReadWrite, Flags: flags, Shift: hostarch.PageShift, Slot: -1}
	if flags&Large != 0 {
		r.Shift = testShift
	}
	return r
}

func vas(rs []*Record) []hostarch.Addr {
	var out []hostarch.Addr
	for _, r := range rs {
		out = append(out, r.VA)
	}
	return out
}

func TestInsertRemove(t *testing.T) {
	ps := newTestPages(t)
	s := NewSpace(false, testShift)
	r1 := rec(s, 0x1000, 0x5000, Managed)
	r2 := rec(s, 0x2000, 0x5000, Managed|Wired)
	for _, r := range []*Record{r1, r2} {
		if err := ps.Insert(r); err != nil {
			t.Fatalf("Insert(%v) failed: %v", r, err)
		}
	}
	if err := ps.Insert(rec(s, 0x1000, 0x6000, Managed)); !errors.Is(err, kernerr.ErrAlreadyExists) {
		t.Errorf("duplicate Insert got %v, wanted %v", err, kernerr.ErrAlreadyExists)
	}
	if s.Resident() != 2 || s.Wired() != 1 {
		t.Errorf("counters resident=%d wired=%d, wanted 2 and 1", s.Resident(), s.Wired())
	}
	if diff := cmp.Diff([]hostarch.Addr{0x1000, 0x2000}, vas(ps.Mappings(0x5000))); diff != "" {
		t.Errorf("Mappings mismatch (-want +got):\n%s", diff)
	}
	gen := ps.Gen(0x5000)
	if got := ps.Remove(r1); got != r1 {
		t.Errorf("Remove returned %v", got)
	}
	if ps.Gen(0x5000) == gen {
		t.Errorf("generation unchanged by Remove")
	}
	if _, ok := s.Find(0x1000); ok {
		t.Errorf("Find found a removed record")
	}
	if got, ok := s.Find(0x2fff); !ok || got != r2 {
		t.Errorf("Find(0x2fff) = %v, %t", got, ok)
	}
	if diff := cmp.Diff([]hostarch.Addr{0x2000}, vas(ps.Mappings(0x5000))); diff != "" {
		t.Errorf("Mappings after Remove mismatch (-want +got):\n%s", diff)
	}
	if s.Resident() != 1 || s.Wired() != 1 {
		t.Errorf("counters resident=%d wired=%d, wanted 1 and 1", s.Resident(), s.Wired())
	}
}

func TestLargeExcludesSmall(t *testing.T) {
	ps := newTestPages(t)
	s := NewSpace(false, testShift)
	if err := ps.Insert(rec(s, 0x6000, 0x6000, Managed)); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := ps.Insert(rec(s, 0x4000, 0x8000, Managed|Large)); !errors.Is(err, kernerr.ErrAlreadyExists) {
		t.Errorf("overlapping large Insert got %v", err)
	}
	large := rec(s, 0x8000, 0x8000, Managed|Large)
	if err := ps.Insert(large); err != nil {
		t.Fatalf("large Insert failed: %v", err)
	}
	if err := ps.Insert(rec(s, 0xa000, 0x1000, 0)); !errors.Is(err, kernerr.ErrAlreadyExists) {
		t.Errorf("small Insert under large got %v", err)
	}
	if got, ok := s.Find(0xb123); !ok || got != large {
		t.Errorf("Find inside large got %v, %t", got, ok)
	}
	if diff := cmp.Diff([]hostarch.Addr{0x8000}, vas(ps.Mappings(0x9000))); diff != "" {
		t.Errorf("superpage Mappings mismatch (-want +got):\n%s", diff)
	}
	if s.Resident() != 5 {
		t.Errorf("Resident() = %d, wanted 5", s.Resident())
	}
}

func TestPromoteCollapseSplit(t *testing.T) {
	ps := newTestPages(t)
	s := NewSpace(false, testShift)
	for i := 0; i < 4; i++ {
		off := uint64(i) * hostarch.PageSize
		if i == 3 {
			if rs := PromoteEligible(s, 0x10000); rs != nil {
				t.Fatalf("PromoteEligible succeeded on a partial region")
			}
		}
		if err := ps.Insert(rec(s, 0x10000+hostarch.Addr(off), 0x20000+hostarch.PhysAddr(off), Managed)); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	small := PromoteEligible(s, 0x12000)
	if diff := cmp.Diff([]hostarch.Addr{0x10000, 0x11000, 0x12000, 0x13000}, vas(small)); diff != "" {
		t.Fatalf("PromoteEligible mismatch (-want +got):\n%s", diff)
	}
	large := NewLarge(&Record{}, small)
	ps.Collapse(large, small)
	if got, ok := s.Find(0x13000); !ok || got != large || !got.IsLarge() {
		t.Fatalf("Find after Collapse got %v", got)
	}
	if ps.Lookup(0x21000).Len() != 0 || ps.Super(0x21000).Len() != 1 {
		t.Errorf("backlinks not moved to the superpage list")
	}
	if s.Resident() != 4 || s.Len() != 1 {
		t.Errorf("Resident()=%d Len()=%d after Collapse", s.Resident(), s.Len())
	}

	parts := []*Record{{}, {}, {}, {}}
	ps.Split(large, parts)
	if diff := cmp.Diff([]hostarch.Addr{0x10000, 0x11000, 0x12000, 0x13000}, vas(s.All())); diff != "" {
		t.Errorf("records after Split mismatch (-want +got):\n%s", diff)
	}
	if got := parts[2].PA; got != 0x22000 {
		t.Errorf("split record PA = %v, wanted 0x22000", got)
	}
	if ps.Super(0x20000).Len() != 0 || ps.Lookup(0x23000).Len() != 1 {
		t.Errorf("backlinks not restored by Split")
	}
}

func TestPromoteEligibleRejects(t *testing.T) {
	for _, tc := range []struct {
		name   string
		modify func(i int, r *Record)
	}{
		{name: "discontiguous", modify: func(i int, r *Record) {
			if i == 2 {
				r.PA += 0x10000
			}
		}},
		{name: "unaligned", modify: func(i int, r *Record) { r.PA += 0x1000 }},
		{name: "protection", modify: func(i int, r *Record) {
			if i == 1 {
				r.Prot = hostarch.Read
			}
		}},
		{name: "wired", modify: func(i int, r *Record) {
			if i == 3 {
				r.Flags |= Wired
			}
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ps := newTestPages(t)
			s := NewSpace(false, testShift)
			for i := 0; i < 4; i++ {
				off := uint64(i) * hostarch.PageSize
				r := rec(s, 0x40000+hostarch.Addr(off), 0x80000+hostarch.PhysAddr(off), Managed)
				tc.modify(i, r)
				if err := ps.Insert(r); err != nil {
					t.Fatalf("Insert failed: %v", err)
				}
			}
			if rs := PromoteEligible(s, 0x40000); rs != nil {
				t.Errorf("PromoteEligible accepted %v", vas(rs))
			}
		})
	}
}

func TestShardShared(t *testing.T) {
	ps := newTestPages(t)
	if ps.Shard(0x4000) != ps.Shard(0x7000) {
		t.Errorf("frames of one superpage use different shards")
	}
	if ps.Shard(0x4000) == ps.Shard(0x8000) {
		t.Errorf("adjacent superpages share a shard")
	}
}

func TestCacheClassOf(t *testing.T) {
	for _, tc := range []struct {
		mt       hostarch.MemoryType
		isMemory bool
		want     CacheClass
	}{
		{hostarch.MemoryTypeDefault, true, Coherent},
		{hostarch.MemoryTypeDefault, false, Inhibited | Guarded},
		{hostarch.MemoryTypeUncacheable, true, Inhibited | Guarded},
		{hostarch.MemoryTypeCacheable, false, Coherent},
		{hostarch.MemoryTypeWriteCombining, true, Inhibited},
		{hostarch.MemoryTypeWriteBack, true, Inhibited},
		{hostarch.MemoryTypePrefetchable, true, Inhibited},
		{hostarch.MemoryTypeWriteThrough, true, WriteThrough | Coherent},
	} {
		if got := CacheClassOf(tc.mt, tc.isMemory); got != tc.want {
			t.Errorf("CacheClassOf(%v, %t) = %v, wanted %v", tc.mt, tc.isMemory, got, tc.want)
		}
	}
}

func TestPageAttrs(t *testing.T) {
	ps := newTestPages(t)
	ps.FoldRefChg(0x3000, 2*hostarch.PageSize, Modified)
	p := ps.Lookup(0x4000)
	if p.Attrs() != Modified {
		t.Fatalf("Attrs() = %#x, wanted Modified", p.Attrs())
	}
	if got := p.ClearAttrs(RefChg); got != Modified {
		t.Errorf("ClearAttrs returned %#x", got)
	}
	if p.Attrs() != 0 || ps.Lookup(0x3000).Attrs() != Modified {
		t.Errorf("ClearAttrs cleared the wrong page")
	}
}

func TestHeapAllocatorLimit(t *testing.T) {
	a := NewHeapAllocator(2)
	s := NewSpace(false, testShift)
	r1, err := a.Alloc(s, false)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if r1.Space != s || r1.Slot != -1 {
		t.Errorf("Alloc returned an uninitialized record %+v", r1)
	}
	if _, err := a.Alloc(s, false); err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if _, err := a.Alloc(s, false); !errors.Is(err, kernerr.ErrResourceShortage) {
		t.Errorf("Alloc over the limit got %v", err)
	}
	a.Free(s, r1)
	if _, err := a.Alloc(s, false); err != nil {
		t.Errorf("Alloc after Free failed: %v", err)
	}
	if a.Live() != 2 {
		t.Errorf("Live() = %d, wanted 2", a.Live())
	}
}
