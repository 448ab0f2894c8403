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

package tlb

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"gvisor.dev/pmap/pkg/hostarch"
)

func TestInvalidateSequence(t *testing.T) {
	var r Recorder
	inv := New(&r)
	inv.Page(7, 0x12345, Size4K)
	want := []string{
		"ptesync",
		"tlbie tlb id=0x7 va=0x12000 size=4K",
		"eieio",
		"tlbsync",
		"ptesync",
	}
	if diff := cmp.Diff(want, r.Ops()); diff != "" {
		t.Errorf("sequence mismatch (-want +got):\n%s", diff)
	}
	if got := inv.Stats().Pages.Load(); got != 1 {
		t.Errorf("page count got %d, wanted 1", got)
	}
}

func TestRangeFallsBackToID(t *testing.T) {
	var r Recorder
	inv := New(&r)
	inv.Range(3, 0x10000, 0x10000+8*hostarch.PageSize, Size4K)
	if got := len(r.Tlbies()); got != 8 {
		t.Errorf("8 page range issued %d tlbie, wanted 8", got)
	}
	r.Ops()
	inv.Range(3, 0x10000, 0x10000+9*hostarch.PageSize, Size4K)
	if diff := cmp.Diff([]string{"tlbie tlb id=0x3"}, r.Tlbies()); diff != "" {
		t.Errorf("9 page range mismatch (-want +got):\n%s", diff)
	}
}

func TestScopes(t *testing.T) {
	var r Recorder
	inv := New(&r)
	inv.PWC(9)
	inv.All()
	inv.Page(0, 0x3fffff, Size2M)
	want := []string{
		"tlbie pwc id=0x9",
		"tlbie all all",
		"tlbie tlb id=0x0 va=0x200000 size=2M",
	}
	if diff := cmp.Diff(want, r.Tlbies()); diff != "" {
		t.Errorf("tlbie mismatch (-want +got):\n%s", diff)
	}
	s := inv.Stats()
	if s.PWCs.Load() != 1 || s.Globals.Load() != 1 || s.Pages.Load() != 1 {
		t.Errorf("stats mismatch: pwc %d global %d page %d", s.PWCs.Load(), s.Globals.Load(), s.Pages.Load())
	}
}

func TestSizeOf(t *testing.T) {
	for _, s := range []PageSize{Size4K, Size2M, Size16M, Size1G} {
		if got := SizeOf(s.Bytes()); got != s {
			t.Errorf("SizeOf(%#x) got %v, wanted %v", s.Bytes(), got, s)
		}
	}
}
