// Copyright 2019 The gVisor Authors.
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

package hostarch

import (
	"testing"
)

func TestAddrRounding(t *testing.T) {
	for _, tc := range []struct {
		v        Addr
		down     Addr
		up       Addr
		hugeDown Addr
	}{
		{0x1000, 0x1000, 0x1000, 0},
		{0x1001, 0x1000, 0x2000, 0},
		{0x3fffff, 0x3ff000, 0x400000, 0x200000},
	} {
		if got := tc.v.RoundDown(); got != tc.down {
			t.Errorf("%v.RoundDown() got %v, wanted %v", tc.v, got, tc.down)
		}
		if got := tc.v.MustRoundUp(); got != tc.up {
			t.Errorf("%v.RoundUp() got %v, wanted %v", tc.v, got, tc.up)
		}
		if got := tc.v.HugeRoundDown(); got != tc.hugeDown {
			t.Errorf("%v.HugeRoundDown() got %v, wanted %v", tc.v, got, tc.hugeDown)
		}
	}
	if _, ok := Addr(^uint64(0)).RoundUp(); ok {
		t.Errorf("RoundUp of the last address did not report wrap")
	}
}

func TestQuadrants(t *testing.T) {
	if UserMax.IsKernel() || !KVABase.IsKernel() || !DMAPBase.IsDMAP() || KVABase.IsDMAP() {
		t.Errorf("quadrant classification mismatch")
	}
	if got, want := PhysToDMAP(0x5000).DMAPToPhys(), PhysAddr(0x5000); got != want {
		t.Errorf("DMAP round trip got %v, wanted %v", got, want)
	}
	if got, want := (KVABase + 0x123000).Translated(), Addr(0x0008000000123000); got != want {
		t.Errorf("Translated() got %v, wanted %v", got, want)
	}
}

func TestAddrRangeIntersect(t *testing.T) {
	r := AddrRange{0x1000, 0x5000}
	if got, want := r.Intersect(AddrRange{0x3000, 0x9000}), (AddrRange{0x3000, 0x5000}); got != want {
		t.Errorf("Intersect got %v, wanted %v", got, want)
	}
	if got := r.Intersect(AddrRange{0x6000, 0x9000}).Length(); got != 0 {
		t.Errorf("disjoint Intersect length got %d, wanted 0", got)
	}
	if got := r.Pages(); got != 4 {
		t.Errorf("Pages() got %d, wanted 4", got)
	}
}

func TestAccessType(t *testing.T) {
	if got, want := ReadWrite.String(), "rw-"; got != want {
		t.Errorf("String() got %q, wanted %q", got, want)
	}
	if !AnyAccess.SupersetOf(ReadExecute) || Read.SupersetOf(Write) {
		t.Errorf("SupersetOf mismatch")
	}
	if got := ReadWrite.Intersect(ReadExecute); got != Read {
		t.Errorf("Intersect got %v, wanted %v", got, Read)
	}
}

func TestParseMemoryType(t *testing.T) {
	for mt := MemoryTypeDefault; mt < NumMemoryTypes; mt++ {
		for _, s := range []string{mt.String(), mt.ShortString()} {
			got, err := ParseMemoryType(s)
			if err != nil || got != mt {
				t.Errorf("ParseMemoryType(%q) got (%v, %v), wanted %v", s, got, err, mt)
			}
		}
	}
	if _, err := ParseMemoryType("bogus"); err == nil {
		t.Errorf("ParseMemoryType accepted a bogus name")
	}
}
