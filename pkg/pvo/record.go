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

// Package pvo is the mapping record layer of the physical map.
//
// Every translation the engine installs is described by a Record. Records
// are owned by a Space, which keeps them in an ordered tree keyed by virtual
// address, and managed records are also linked from the metadata of the
// frame they map so that all mappings of a frame can be found.
//
// Lock order: Space.Mu, then the frame shard lock (Pages.Shard), then any
// scheme specific table lock.
package pvo

import (
	"fmt"

	"gvisor.dev/pmap/pkg/hostarch"
	"gvisor.dev/pmap/pkg/ilist"
)

// Flags describe a record.
type Flags uint16

const (
	// Wired records are never removed by reclaim and never evicted.
	Wired Flags = 1 << iota

	// Managed records map frames with metadata and are linked from it.
	Managed

	// Large records map a superpage.
	Large
)

// String implements fmt.Stringer.String.
func (f Flags) String() string {
	s := ""
	for _, b := range []struct {
		f Flags
		c byte
	}{{Wired, 'w'}, {Managed, 'm'}, {Large, 'L'}} {
		if f&b.f != 0 {
			s += string(b.c)
		} else {
			s += "-"
		}
	}
	return s
}

// Reference and change bits as returned by the engines. Both hardware
// formats place them at the same positions.
const (
	Referenced uint64 = 0x100
	Modified   uint64 = 0x80
	RefChg            = Referenced | Modified
)

// Record is one mapping.
type Record struct {
	// Entry links the record into its frame's backlink list.
	ilist.Entry[*Record]

	// VA is the mapped virtual address, aligned to the mapping size.
	VA hostarch.Addr

	// PA is the mapped physical address, aligned to the mapping size.
	PA hostarch.PhysAddr

	// Prot is the protection of the mapping.
	Prot hostarch.AccessType

	// MemType is the memory type used to compute the cache class.
	MemType hostarch.MemoryType

	// Flags describe the record.
	Flags Flags

	// Shift is the binary log of the mapping size.
	Shift uint8

	// Space is the owning address space.
	Space *Space

	// Slot is the hashed table index of the record's entry, and Tag the high
	// word installed there. Slot is -1 when the record has no entry.
	Slot int
	Tag  uint64

	// Leaf is the physical address of the radix entry mapping the record.
	Leaf hostarch.PhysAddr

	// Preload holds reference and change bits to set on the entry when it
	// is first installed.
	Preload uint64

	// Cookie is private to the Allocator that produced the record.
	Cookie any
}

// Size returns the number of bytes mapped.
func (r *Record) Size() uint64 {
	return 1 << r.Shift
}

// End returns one past the last mapped address.
func (r *Record) End() hostarch.Addr {
	return r.VA + hostarch.Addr(r.Size())
}

// Pages returns the number of base pages mapped.
func (r *Record) Pages() int64 {
	return int64(r.Size() >> hostarch.PageShift)
}

// Contains reports whether va falls inside the mapping.
func (r *Record) Contains(va hostarch.Addr) bool {
	return va >= r.VA && va < r.End()
}

// Translate returns the physical address of va, which must be in r.
func (r *Record) Translate(va hostarch.Addr) hostarch.PhysAddr {
	return r.PA + hostarch.PhysAddr(va-r.VA)
}

// IsWired reports whether the record is wired.
func (r *Record) IsWired() bool { return r.Flags&Wired != 0 }

// IsManaged reports whether the record is managed.
func (r *Record) IsManaged() bool { return r.Flags&Managed != 0 }

// IsLarge reports whether the record maps a superpage.
func (r *Record) IsLarge() bool { return r.Flags&Large != 0 }

// String implements fmt.Stringer.String.
func (r *Record) String() string {
	return fmt.Sprintf("%v->%v %v %v %s size=%#x", r.VA, r.PA, r.Prot, r.MemType.ShortString(), r.Flags, r.Size())
}

// Same reports whether r and o have identical attributes: protection, memory
// type, wired and managed flags.
func (r *Record) Same(o *Record) bool {
	const m = Wired | Managed
	return r.Prot == o.Prot && r.MemType == o.MemType && r.Flags&m == o.Flags&m
}

// inherit copies the attributes of from into r.
func (r *Record) inherit(from *Record) {
	r.Prot = from.Prot
	r.MemType = from.MemType
	r.Flags = from.Flags &^ Large
	r.Space = from.Space
	r.Slot = -1
}
