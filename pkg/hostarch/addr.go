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
	"fmt"
)

// Addr represents an effective (virtual) address.
type Addr uint64

// PhysAddr represents a physical address.
type PhysAddr uint64

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow the range of Addr.
//
// Note: This function is usually used to get the end of an address range
// defined by its start address and length. Since the resulting end is
// exclusive, end == 0 is technically valid, and corresponds to a range that
// extends to the end of the address space, but ok will be false. This isn't
// expected to ever come up in practice.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	// The second half of the following check is needed in case uint64
	// is larger than Addr.
	ok = end >= v && length <= uint64(^Addr(0))
	return
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v & ^Addr(PageSize-1)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + PageSize - 1).RoundDown()
	ok = addr >= v
	return
}

// MustRoundUp is equivalent to RoundUp, but panics if rounding up wraps
// around.
func (v Addr) MustRoundUp() Addr {
	addr, ok := v.RoundUp()
	if !ok {
		panic(fmt.Sprintf("hostarch.Addr(%d).RoundUp() wraps", v))
	}
	return addr
}

// HugeRoundDown returns the address rounded down to the nearest huge page
// boundary.
func (v Addr) HugeRoundDown() Addr {
	return v & ^Addr(HugePageSize-1)
}

// HugeRoundUp returns the address rounded up to the nearest huge page boundary.
// ok is true iff rounding up did not wrap around.
func (v Addr) HugeRoundUp() (addr Addr, ok bool) {
	addr = Addr(v + HugePageSize - 1).HugeRoundDown()
	ok = addr >= v
	return
}

// AlignDown rounds v down to a multiple of size, a power of two.
func (v Addr) AlignDown(size uint64) Addr {
	return v & ^Addr(size-1)
}

// PageOffset returns the offset of v into the current page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & Addr(PageSize-1))
}

// IsPageAligned returns true if v.PageOffset() == 0.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// IsAligned reports whether v is a multiple of size, a power of two.
func (v Addr) IsAligned(size uint64) bool {
	return uint64(v)&(size-1) == 0
}

// Translated returns the part of v that takes part in translation, with the
// quadrant bits stripped.
func (v Addr) Translated() Addr {
	return v & (1<<TranslatedBits - 1)
}

// ToRange returns [v, v+length).
func (v Addr) ToRange(length uint64) (AddrRange, bool) {
	end, ok := v.AddLength(length)
	return AddrRange{v, end}, ok
}

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uint64(v))
}

// RoundDown returns the physical address rounded down to a page boundary.
func (p PhysAddr) RoundDown() PhysAddr {
	return p & ^PhysAddr(PageSize-1)
}

// AlignDown rounds p down to a multiple of size, a power of two.
func (p PhysAddr) AlignDown(size uint64) PhysAddr {
	return p & ^PhysAddr(size-1)
}

// IsAligned reports whether p is a multiple of size, a power of two.
func (p PhysAddr) IsAligned(size uint64) bool {
	return uint64(p)&(size-1) == 0
}

// PageOffset returns the offset of p into its page.
func (p PhysAddr) PageOffset() uint64 {
	return uint64(p & PhysAddr(PageSize-1))
}

// PFN returns the page frame number of p.
func (p PhysAddr) PFN() uint64 {
	return uint64(p) >> PageShift
}

// FromPFN returns the physical address of frame pfn.
func FromPFN(pfn uint64) PhysAddr {
	return PhysAddr(pfn << PageShift)
}

// String implements fmt.Stringer.String.
func (p PhysAddr) String() string {
	return fmt.Sprintf("%#x", uint64(p))
}
