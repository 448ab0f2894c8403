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

package pte

import (
	"fmt"

	"gvisor.dev/pmap/pkg/hostarch"
)

// Radix table entry bits.
const (
	RPTEValid    uint64 = 0x8000000000000000
	RPTELeaf     uint64 = 0x4000000000000000
	RPTESW0      uint64 = 0x2000000000000000
	RPTERPNMask  uint64 = 0x00fffffffffff000
	RPTERPNShift        = 12

	// Software bits.
	RPTEManaged  uint64 = 0x0000000000000800 // SW1
	RPTEWired    uint64 = 0x0000000000000400 // SW2
	RPTEPromoted uint64 = 0x0000000000000200 // SW3

	RPTERef    uint64 = 0x0000000000000100
	RPTEChg    uint64 = 0x0000000000000080
	RPTERefChg        = RPTERef | RPTEChg

	// Attribute field.
	RPTEAttrMask        uint64 = 0x0000000000000030
	RPTEAttrMem         uint64 = 0x0000000000000000
	RPTEAttrSAO         uint64 = 0x0000000000000010
	RPTEAttrGuardedIO   uint64 = 0x0000000000000020
	RPTEAttrUnguardedIO uint64 = 0x0000000000000030

	// Encoded access authority.
	RPTEEAAPriv  uint64 = 0x0000000000000008
	RPTEEAARead  uint64 = 0x0000000000000004
	RPTEEAAWrite uint64 = 0x0000000000000002
	RPTEEAAExec  uint64 = 0x0000000000000001
	RPTEEAAMask  uint64 = 0x000000000000000f

	// RPTEShift is the number of index bits of every level below the root.
	RPTEShift = 9

	// RPTEEntries is the number of entries in a non-root table page.
	RPTEEntries = 1 << RPTEShift

	// RPDEShift is the number of index bits of the root.
	RPDEShift = 13

	// RPDEEntries is the number of entries in a root page.
	RPDEEntries = 1 << RPDEShift

	// RootSize is the size in bytes of a root table, 64KB.
	RootSize = RPDEEntries * 8

	// NLBMask selects the next level base of a directory entry.
	NLBMask uint64 = ((1 << 52) - 1) << 8

	// NLSMask selects the next level size of a directory entry.
	NLSMask uint64 = 0x1f

	// PromoteMask is the set of bits that must match across the 512
	// entries of a page table page for it to be promoted.
	PromoteMask = RPTEEAAExec | RPTEManaged | RPTEEAAWrite | RPTEAttrMask |
		RPTEChg | RPTERef | RPTEEAAMask | RPTEValid
)

// Level shifts, in order from the root: the root entry maps 512GB, the
// upper level 1GB, the middle level 2MB and the page table 4KB.
const (
	L1Shift = 39
	L2Shift = hostarch.GiantPageShift
	L3Shift = hostarch.HugePageShift
	L4Shift = hostarch.PageShift
)

// RPTE is a radix table entry in logical (host) byte order.
type RPTE uint64

// Valid reports whether the entry is valid.
func (e RPTE) Valid() bool { return uint64(e)&RPTEValid != 0 }

// Leaf reports whether the entry maps memory rather than pointing at the
// next level.
func (e RPTE) Leaf() bool { return uint64(e)&RPTELeaf != 0 }

// PA returns the physical address the entry maps or points to.
func (e RPTE) PA() hostarch.PhysAddr {
	if e.Leaf() {
		return hostarch.PhysAddr(uint64(e) & RPTERPNMask)
	}
	return hostarch.PhysAddr(uint64(e) & NLBMask)
}

// NLS returns the next level size of a directory entry.
func (e RPTE) NLS() uint { return uint(uint64(e) & NLSMask) }

// RefChg returns the reference and change bits.
func (e RPTE) RefChg() uint64 { return uint64(e) & RPTERefChg }

// Wired reports whether the software wired bit is set.
func (e RPTE) Wired() bool { return uint64(e)&RPTEWired != 0 }

// Managed reports whether the software managed bit is set.
func (e RPTE) Managed() bool { return uint64(e)&RPTEManaged != 0 }

// Promoted reports whether the software promoted bit is set.
func (e RPTE) Promoted() bool { return uint64(e)&RPTEPromoted != 0 }

// Attr returns the attribute field.
func (e RPTE) Attr() uint64 { return uint64(e) & RPTEAttrMask }

// Access returns the permissions granted by a leaf.
func (e RPTE) Access() hostarch.AccessType {
	return hostarch.AccessType{
		Read:    uint64(e)&RPTEEAARead != 0,
		Write:   uint64(e)&RPTEEAAWrite != 0,
		Execute: uint64(e)&RPTEEAAExec != 0,
	}
}

// String implements fmt.Stringer.String.
func (e RPTE) String() string {
	return fmt.Sprintf("%#016x", uint64(e))
}

// MakePDE returns a directory entry pointing at a table at pa with 1<<nls
// entries.
func MakePDE(pa hostarch.PhysAddr, nls uint) RPTE {
	return RPTE(RPTEValid | (uint64(pa) & NLBMask) | uint64(nls))
}

// EAA returns the access authority bits for at.
func EAA(at hostarch.AccessType) uint64 {
	var v uint64
	if at.Read {
		v |= RPTEEAARead
	}
	if at.Write {
		v |= RPTEEAAWrite
	}
	if at.Execute {
		v |= RPTEEAAExec
	}
	return v
}

// Index returns the index of va into a table at the given level shift.
func Index(va hostarch.Addr, shift uint) uint64 {
	v := uint64(va.Translated())
	if shift == L1Shift {
		return (v >> shift) & (RPDEEntries - 1)
	}
	return (v >> shift) & (RPTEEntries - 1)
}

// Partition and process table encodings.
const (
	// RTSSize encodes a 52-bit radix tree size in the split RTS field.
	RTSSize uint64 = (0x2 << 61) | (0x5 << 5)

	// PATBHR selects radix translation in a partition table entry.
	PATBHR uint64 = 1 << 63

	// PartitionTableSize is the size of the partition table, 64KB.
	PartitionTableSize = 1 << 16

	// ProcessTableEntrySize is the size of a process table entry.
	ProcessTableEntrySize = 16
)

// ProcessTableEntry returns the first word of the process table entry of a
// tree rooted at root.
func ProcessTableEntry(root hostarch.PhysAddr) uint64 {
	return RTSSize | uint64(root) | RPDEShift
}

// PartitionTableEntry returns the two words of the partition table entry for
// a host using radix translation with the kernel tree at kroot and the
// process table at prtb of prtbSize bytes.
func PartitionTableEntry(kroot hostarch.PhysAddr, prtb hostarch.PhysAddr, prtbSize uint64) (uint64, uint64) {
	return PATBHR | RTSSize | uint64(kroot) | RPDEShift, uint64(prtb) | uint64(tableSizeField(prtbSize))
}

// PTCR returns the partition table control register value for a partition
// table at pa of size bytes.
func PTCR(pa hostarch.PhysAddr, size uint64) uint64 {
	return uint64(pa) | uint64(tableSizeField(size))
}

// PTCRTable decodes the partition table base from a PTCR value.
func PTCRTable(ptcr uint64) hostarch.PhysAddr {
	return hostarch.PhysAddr(ptcr & 0x0ffffffffffff000)
}

// PRTBTable decodes the process table base and its size in bytes from the
// second partition table word.
func PRTBTable(w uint64) (hostarch.PhysAddr, uint64) {
	return hostarch.PhysAddr(w & 0x0ffffffffffff000), uint64(1) << (12 + w&0x1f)
}

// RootFromEntry decodes the root table base from a partition or process
// table entry's first word.
func RootFromEntry(w uint64) hostarch.PhysAddr {
	return hostarch.PhysAddr(w & 0x0fffffffffffff00)
}

// tableSizeField is log2(size) - 12.
func tableSizeField(size uint64) uint {
	n := uint(0)
	for s := size >> 12; s > 1; s >>= 1 {
		n++
	}
	return n
}
