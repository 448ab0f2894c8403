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

// Package tlb implements the translation cache invalidation protocol shared
// by both translation schemes.
//
// Every invalidation is the fixed sequence
//
//	ptesync                  order prior table stores before the broadcast
//	tlbie <scope,target,size> broadcast the invalidation
//	eieio; tlbsync; ptesync  wait until every core has observed it
//
// The sequence is issued as a whole by Invalidator and never reordered.
package tlb

import (
	"fmt"

	"gvisor.dev/pmap/pkg/atomicbitops"
	"gvisor.dev/pmap/pkg/hostarch"
)

// Scope selects which translations an invalidation applies to.
type Scope uint8

const (
	// ScopePage invalidates the translation of one page for one identifier.
	ScopePage Scope = iota

	// ScopeID invalidates every translation tagged with one identifier.
	ScopeID

	// ScopeAll invalidates every translation.
	ScopeAll
)

// String implements fmt.Stringer.String.
func (s Scope) String() string {
	switch s {
	case ScopePage:
		return "page"
	case ScopeID:
		return "id"
	case ScopeAll:
		return "all"
	default:
		return fmt.Sprintf("Scope(%d)", s)
	}
}

// Target selects the caches an invalidation applies to (the RIC field).
type Target uint8

const (
	// TargetTLB invalidates cached translations.
	TargetTLB Target = iota

	// TargetPWC invalidates cached intermediate table entries.
	TargetPWC

	// TargetBoth invalidates both.
	TargetBoth
)

// String implements fmt.Stringer.String.
func (t Target) String() string {
	switch t {
	case TargetTLB:
		return "tlb"
	case TargetPWC:
		return "pwc"
	case TargetBoth:
		return "all"
	default:
		return fmt.Sprintf("Target(%d)", t)
	}
}

// PageSize is the actual page size of the translation being invalidated.
type PageSize uint8

const (
	// Size4K is the base page size.
	Size4K PageSize = iota

	// Size2M is the radix superpage size.
	Size2M

	// Size16M is the hashed scheme large page size.
	Size16M

	// Size1G is the radix giant page size.
	Size1G
)

// Shift returns the binary log of the size in bytes.
func (s PageSize) Shift() uint {
	switch s {
	case Size4K:
		return hostarch.PageShift
	case Size2M:
		return hostarch.HugePageShift
	case Size16M:
		return hostarch.LargePageShift
	case Size1G:
		return hostarch.GiantPageShift
	default:
		panic(fmt.Sprintf("unknown page size %d", s))
	}
}

// Bytes returns the size in bytes.
func (s PageSize) Bytes() uint64 {
	return 1 << s.Shift()
}

// String implements fmt.Stringer.String.
func (s PageSize) String() string {
	switch s {
	case Size4K:
		return "4K"
	case Size2M:
		return "2M"
	case Size16M:
		return "16M"
	case Size1G:
		return "1G"
	default:
		return fmt.Sprintf("PageSize(%d)", s)
	}
}

// SizeOf returns the PageSize of the given number of bytes.
func SizeOf(bytes uint64) PageSize {
	switch bytes {
	case hostarch.PageSize:
		return Size4K
	case hostarch.HugePageSize:
		return Size2M
	case hostarch.LargePageSize:
		return Size16M
	case hostarch.GiantPageSize:
		return Size1G
	default:
		panic(fmt.Sprintf("no page size of %#x bytes", bytes))
	}
}

// Request is one tlbie.
type Request struct {
	Scope  Scope
	Target Target

	// ID is the identifier the translation is tagged with: the process
	// identifier under radix, the segment's VSID under the hashed scheme.
	ID uint64

	// Addr is the effective address of the page, for ScopePage.
	Addr hostarch.Addr

	// Size is the page size, for ScopePage.
	Size PageSize
}

// String implements fmt.Stringer.String.
func (r Request) String() string {
	switch r.Scope {
	case ScopePage:
		return fmt.Sprintf("tlbie %s id=%#x va=%v size=%v", r.Target, r.ID, r.Addr, r.Size)
	case ScopeID:
		return fmt.Sprintf("tlbie %s id=%#x", r.Target, r.ID)
	default:
		return fmt.Sprintf("tlbie %s all", r.Target)
	}
}

// Backend executes the primitive operations.
type Backend interface {
	// Ptesync orders all prior table updates before subsequent accesses
	// and waits for prior tlbsync to complete.
	Ptesync()

	// Eieio orders prior stores before subsequent ones.
	Eieio()

	// Tlbie broadcasts an invalidation to all cores.
	Tlbie(r Request)

	// Tlbsync waits until all prior tlbie have been performed on every core.
	Tlbsync()
}

// rangeFlushPages is the number of pages above which a range invalidation
// is replaced by one of the whole identifier.
const rangeFlushPages = 8

// Stats counts issued invalidations.
type Stats struct {
	Pages   atomicbitops.Uint64
	IDs     atomicbitops.Uint64
	Globals atomicbitops.Uint64
	PWCs    atomicbitops.Uint64
}

// Invalidator issues invalidations through a Backend.
type Invalidator struct {
	b     Backend
	stats Stats
}

// New returns an Invalidator using b.
func New(b Backend) *Invalidator {
	return &Invalidator{b: b}
}

// Stats returns the counters.
func (inv *Invalidator) Stats() *Stats {
	return &inv.stats
}

// Barrier is the full barrier issued before a hardware entry is modified.
func (inv *Invalidator) Barrier() {
	inv.b.Ptesync()
}

// Publish orders an earlier store of the low entry word before a later store
// of the high word.
func (inv *Invalidator) Publish() {
	inv.b.Eieio()
}

// Invalidate issues r with the full barrier sequence.
func (inv *Invalidator) Invalidate(r Request) {
	switch {
	case r.Scope == ScopePage:
		inv.stats.Pages.Add(1)
	case r.Scope == ScopeID && r.Target == TargetPWC:
		inv.stats.PWCs.Add(1)
	case r.Scope == ScopeID:
		inv.stats.IDs.Add(1)
	default:
		inv.stats.Globals.Add(1)
	}
	inv.b.Ptesync()
	inv.b.Tlbie(r)
	inv.b.Eieio()
	inv.b.Tlbsync()
	inv.b.Ptesync()
}

// Page invalidates the translation of the page of the given size at va.
func (inv *Invalidator) Page(id uint64, va hostarch.Addr, size PageSize) {
	inv.Invalidate(Request{
		Scope: ScopePage,
		ID:    id,
		Addr:  va.AlignDown(size.Bytes()),
		Size:  size,
	})
}

// Range invalidates [start, end) mapped with pages of the given size. Ranges
// longer than rangeFlushPages pages are flushed by identifier.
func (inv *Invalidator) Range(id uint64, start, end hostarch.Addr, size PageSize) {
	n := (uint64(end-start) + size.Bytes() - 1) >> size.Shift()
	if n > rangeFlushPages {
		inv.ID(id, TargetTLB)
		return
	}
	for va := start.AlignDown(size.Bytes()); va < end; va += hostarch.Addr(size.Bytes()) {
		inv.Page(id, va, size)
	}
}

// ID invalidates every translation of identifier id.
func (inv *Invalidator) ID(id uint64, t Target) {
	inv.Invalidate(Request{Scope: ScopeID, Target: t, ID: id})
}

// PWC invalidates the page walk cache of identifier id. It must be issued
// after intermediate table entries are cleared and before the table pages
// they pointed to are reused.
func (inv *Invalidator) PWC(id uint64) {
	inv.ID(id, TargetPWC)
}

// All invalidates everything.
func (inv *Invalidator) All() {
	inv.Invalidate(Request{Scope: ScopeAll, Target: TargetBoth})
}
