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

// Package hostarch contains address, page size and memory attribute
// definitions for the 64-bit processor family served by the physical map.
package hostarch

import (
	"encoding/binary"
)

const (
	// PageShift is the binary log of the base page size.
	PageShift = 12

	// PageSize is the base page size.
	PageSize = 1 << PageShift

	// HugePageShift is the binary log of the radix superpage size: one
	// middle level entry maps 512 base pages.
	HugePageShift = 21

	// HugePageSize is the radix superpage size, 2MB.
	HugePageSize = 1 << HugePageShift

	// LargePageShift is the binary log of the hashed scheme large page
	// size.
	LargePageShift = 24

	// LargePageSize is the hashed scheme large page size, 16MB.
	LargePageSize = 1 << LargePageShift

	// GiantPageShift is the binary log of the 1GB page size, used only for
	// the radix direct map.
	GiantPageShift = 30

	// GiantPageSize is 1GB.
	GiantPageSize = 1 << GiantPageShift

	// SegmentShift is the binary log of the hashed scheme segment size.
	SegmentShift = 28

	// SegmentSize is 256MB.
	SegmentSize = 1 << SegmentShift
)

// Effective address layout. Quadrant 0 holds user addresses and quadrant 3
// holds the kernel's direct map followed by kernel virtual addresses.
const (
	// UserMin is the lowest mappable user address.
	UserMin Addr = PageSize

	// UserMax is one past the highest user address.
	UserMax Addr = 0x000fffffc0000000

	// DMAPBase is the start of the direct map of physical memory.
	DMAPBase Addr = 0xc000000000000000

	// DMAPEnd is one past the end of the direct map window.
	DMAPEnd Addr = 0xc008000000000000

	// KVABase is the start of pageable kernel virtual addresses.
	KVABase Addr = 0xc008000000000000

	// KVAEnd is one past the last kernel virtual address.
	KVAEnd Addr = 0xc00fffffffffffff + 1

	// QuadrantMask selects the quadrant bits of an effective address.
	QuadrantMask Addr = 0xc000000000000000

	// TranslatedBits is the number of effective address bits below the
	// quadrant that take part in translation.
	TranslatedBits = 52
)

// ByteOrder is the byte order of the host running the engine.
var ByteOrder binary.ByteOrder = binary.NativeEndian

// HardwareByteOrder is the byte order in which the processor reads and
// writes its translation tables.
var HardwareByteOrder = binary.BigEndian

// IsKernel reports whether v lies in the kernel quadrant.
func (v Addr) IsKernel() bool {
	return v&QuadrantMask == QuadrantMask
}

// IsDMAP reports whether v lies in the direct map window.
func (v Addr) IsDMAP() bool {
	return v >= DMAPBase && v < DMAPEnd
}

// DMAPToPhys converts a direct map address into the physical address it
// maps.
func (v Addr) DMAPToPhys() PhysAddr {
	return PhysAddr(v - DMAPBase)
}

// PhysToDMAP returns the direct map address of p.
func PhysToDMAP(p PhysAddr) Addr {
	return DMAPBase + Addr(p)
}
