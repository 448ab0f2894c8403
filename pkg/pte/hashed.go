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

// Hashed page table entry, high word.
const (
	HPTEValid    uint64 = 0x0000000000000001
	HPTEHID      uint64 = 0x0000000000000002
	HPTEBig      uint64 = 0x0000000000000004
	HPTELocked   uint64 = 0x0000000000000008
	HPTEWired    uint64 = 0x0000000000000010
	HPTESWBits   uint64 = 0x0000000000000078
	HPTEAPIMask  uint64 = 0x0000000000000f80
	HPTEAVPNMask uint64 = 0xffffffffffffff80
)

// Hashed page table entry, low word.
const (
	HPTERPNMask uint64 = 0xfffffffffffff000
	HPTERef     uint64 = 0x0000000000000100
	HPTEChg     uint64 = 0x0000000000000080
	HPTEW       uint64 = 0x0000000000000040
	HPTEI       uint64 = 0x0000000000000020
	HPTEM       uint64 = 0x0000000000000010
	HPTEG       uint64 = 0x0000000000000008
	HPTEWIMG    uint64 = 0x0000000000000078
	HPTENoExec  uint64 = 0x0000000000000004
	HPTEPP      uint64 = 0x0000000000000003

	// HPTEBW is read/write for both problem and privileged state.
	HPTEBW uint64 = 0x0000000000000002

	// HPTEBR is read-only.
	HPTEBR uint64 = 0x0000000000000003

	// HPTELP16M is the page size encoding of a 16MB page in a 4KB base
	// page size segment, placed in the low RPN bits.
	HPTELP16M uint64 = 0x38 << 12

	// HPTERefChg is both reference and change.
	HPTERefChg = HPTERef | HPTEChg
)

// Hash function inputs.
const (
	// VSIDHashMask is the part of the VSID taking part in the hash.
	VSIDHashMask uint64 = 0x0000007fffffffff

	// PageIndexMask selects the page index of an address within its
	// segment.
	PageIndexMask uint64 = 0x0ffff000

	// PageIndexShift is the shift of the page index.
	PageIndexShift = 12

	// APIShift is the shift of the abbreviated page index in the VPN.
	APIShift = 16

	// PTEGEntries is the number of entries in a group.
	PTEGEntries = 8

	// HPTESize is the size of an entry in bytes.
	HPTESize = 16

	// PTEGSize is the size of a group in bytes.
	PTEGSize = PTEGEntries * HPTESize

	// KernelVSIDBit is set in every kernel VSID.
	KernelVSIDBit uint64 = 0x0000001000000000

	// VSIDBits is the width of a VSID.
	VSIDBits = 37
)

// HPTE is a hashed page table entry, in logical (host) byte order.
type HPTE struct {
	Hi uint64
	Lo uint64
}

// Valid reports whether the entry is valid.
func (p HPTE) Valid() bool { return p.Hi&HPTEValid != 0 }

// Locked reports whether the entry is locked for update or eviction.
func (p HPTE) Locked() bool { return p.Hi&HPTELocked != 0 }

// Wired reports whether the entry must never be evicted.
func (p HPTE) Wired() bool { return p.Hi&HPTEWired != 0 }

// Big reports whether the entry maps a large page.
func (p HPTE) Big() bool { return p.Hi&HPTEBig != 0 }

// Secondary reports whether the entry lives in its secondary group.
func (p HPTE) Secondary() bool { return p.Hi&HPTEHID != 0 }

// AVPN returns the abbreviated virtual page number tag.
func (p HPTE) AVPN() uint64 { return p.Hi & HPTEAVPNMask }

// PA returns the physical address mapped by the entry.
func (p HPTE) PA() hostarch.PhysAddr {
	if p.Big() {
		return hostarch.PhysAddr(p.Lo & HPTERPNMask &^ (hostarch.LargePageSize - 1))
	}
	return hostarch.PhysAddr(p.Lo & HPTERPNMask)
}

// RefChg returns the reference and change bits.
func (p HPTE) RefChg() uint64 { return p.Lo & HPTERefChg }

// Access returns the permissions granted by the entry.
func (p HPTE) Access() hostarch.AccessType {
	at := hostarch.Read
	if p.Lo&HPTEPP == HPTEBW {
		at.Write = true
	}
	if p.Lo&HPTENoExec == 0 {
		at.Execute = true
	}
	return at
}

// String implements fmt.Stringer.String.
func (p HPTE) String() string {
	return fmt.Sprintf("hi=%#016x lo=%#016x", p.Hi, p.Lo)
}

// VPN returns the virtual page number of va in the segment vsid.
func VPN(vsid uint64, va hostarch.Addr) uint64 {
	return (vsid << 16) | ((uint64(va) & PageIndexMask) >> PageIndexShift)
}

// Hash returns the primary hash of va in segment vsid for pages of
// 1<<shift bytes.
func Hash(vsid uint64, va hostarch.Addr, shift uint) uint64 {
	return (vsid & VSIDHashMask) ^ ((uint64(va) & PageIndexMask) >> shift)
}

// MakeHi returns the high word for vpn with the given flag bits.
func MakeHi(vpn uint64, flags uint64) uint64 {
	return ((vpn >> (APIShift - PageIndexShift)) & HPTEAVPNMask) | flags
}

// PageIndexFromTag reconstructs the page index (va bits 27:12 shifted down
// by 12) of an entry from its tag and the group it was found in. This is how
// an evicted entry's address is recovered for invalidation. The tag carries
// the top five page index bits; the rest are recovered from the hash.
func PageIndexFromTag(hi uint64, group, mask uint64) uint64 {
	const pidx = PageIndexMask >> PageIndexShift
	api := ((hi & HPTEAVPNMask) << (APIShift - PageIndexShift)) & pidx &^ 0x7ff
	if hi&HPTEBig != 0 {
		return api
	}
	if hi&HPTEHID != 0 {
		group ^= mask
	}
	return api | ((group ^ VSIDFromTag(hi)) & 0x7ff)
}

// VSIDFromTag returns the VSID encoded in a high word.
func VSIDFromTag(hi uint64) uint64 {
	return (hi >> 12) & (1<<VSIDBits - 1)
}

// KernelVSID returns the VSID of kernel segment esid.
func KernelVSID(esid uint64) uint64 {
	return ((((esid << 8) | (esid >> 28)) * 0x13bb) & (KernelVSIDBit - 1)) | KernelVSIDBit
}

// SDR1 returns the SDR1 value for a table at pa of ptegCount groups.
func SDR1(pa hostarch.PhysAddr, ptegCount uint64) uint64 {
	var size uint64
	for c := ptegCount >> 11; c > 1; c >>= 1 {
		size++
	}
	return uint64(pa) | size
}

// SDR1Table decodes SDR1 into the table base and the group count.
func SDR1Table(sdr1 uint64) (hostarch.PhysAddr, uint64) {
	return hostarch.PhysAddr(sdr1 &^ 0x3ffff), uint64(1) << (11 + sdr1&0x1f)
}
