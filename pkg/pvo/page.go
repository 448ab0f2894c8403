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
	"gvisor.dev/pmap/pkg/atomicbitops"
	"gvisor.dev/pmap/pkg/hostarch"
	"gvisor.dev/pmap/pkg/ilist"
	"gvisor.dev/pmap/pkg/physmem"
	"gvisor.dev/pmap/pkg/sync"
)

// NumShards is the number of frame shard locks.
const NumShards = 64

// Page is the metadata of one frame, or of one superpage sized run of frames
// in Pages.Super.
type Page struct {
	// attrs caches reference and change bits collected from mappings that
	// were removed, evicted or synchronized.
	attrs atomicbitops.Uint32

	// The fields below are protected by the shard lock.

	// memType is the memory type mappings of the frame are created with.
	memType hostarch.MemoryType

	// records is the unordered backlink list of mappings.
	records ilist.List[*Record]

	// gen is incremented whenever records changes.
	gen uint64
}

// Attrs returns the cached reference and change bits.
func (p *Page) Attrs() uint64 {
	return uint64(p.attrs.Load())
}

// AddAttrs folds bits into the cached reference and change bits.
func (p *Page) AddAttrs(bits uint64) {
	if bits &= RefChg; bits != 0 {
		p.attrs.Or(uint32(bits))
	}
}

// ClearAttrs clears bits from the cached attributes and returns the bits
// that were set.
func (p *Page) ClearAttrs(bits uint64) uint64 {
	return uint64(p.attrs.And(^uint32(bits&RefChg))) & bits
}

// MemType returns the memory type of the frame.
//
// Preconditions: the shard lock is held.
func (p *Page) MemType() hostarch.MemoryType {
	return p.memType
}

// SetMemType sets the memory type of the frame.
//
// Preconditions: the shard lock is held for writing.
func (p *Page) SetMemType(mt hostarch.MemoryType) {
	p.memType = mt
}

// Gen returns the generation of the backlink list.
//
// Preconditions: the shard lock is held.
func (p *Page) Gen() uint64 {
	return p.gen
}

// Len returns the number of mappings of the page.
//
// Preconditions: the shard lock is held.
func (p *Page) Len() int {
	return p.records.Len()
}

// Records returns the mappings of the page.
//
// Preconditions: the shard lock is held.
func (p *Page) Records() []*Record {
	rs := make([]*Record, 0, p.records.Len())
	for r := p.records.Front(); r != nil; r = r.Next() {
		rs = append(rs, r)
	}
	return rs
}

func (p *Page) push(r *Record) {
	p.records.PushBack(r)
	p.gen++
}

func (p *Page) remove(r *Record) {
	p.records.Remove(r)
	p.gen++
}

// Pages holds the metadata of every frame below the end of RAM.
type Pages struct {
	layout     *physmem.Layout
	largeShift uint
	pages      []Page
	super      []Page
	shards     [NumShards]sync.RWMutex
}

// NewPages returns metadata for the frames of layout, with superpages of
// 1<<largeShift bytes.
func NewPages(layout *physmem.Layout, largeShift uint) *Pages {
	end := uint64(layout.End())
	return &Pages{
		layout:     layout,
		largeShift: largeShift,
		pages:      make([]Page, end>>hostarch.PageShift),
		super:      make([]Page, (end+(1<<largeShift)-1)>>largeShift),
	}
}

// LargeShift returns the binary log of the superpage size.
func (ps *Pages) LargeShift() uint {
	return ps.largeShift
}

// IsMemory reports whether pa is RAM.
func (ps *Pages) IsMemory(pa hostarch.PhysAddr) bool {
	return ps.layout.IsMemory(pa)
}

// Lookup returns the metadata of the frame containing pa, or nil if pa is
// not below the end of RAM.
func (ps *Pages) Lookup(pa hostarch.PhysAddr) *Page {
	if i := pa.PFN(); i < uint64(len(ps.pages)) {
		return &ps.pages[i]
	}
	return nil
}

// Super returns the superpage metadata of the superpage containing pa, or
// nil.
func (ps *Pages) Super(pa hostarch.PhysAddr) *Page {
	if i := uint64(pa) >> ps.largeShift; i < uint64(len(ps.super)) {
		return &ps.super[i]
	}
	return nil
}

// Shard returns the lock protecting the metadata of pa. A superpage and its
// frames share a shard.
func (ps *Pages) Shard(pa hostarch.PhysAddr) *sync.RWMutex {
	return &ps.shards[(uint64(pa)>>ps.largeShift)%NumShards]
}

// listOf returns the backlink list r belongs on.
func (ps *Pages) listOf(r *Record) *Page {
	if r.IsLarge() {
		return ps.Super(r.PA)
	}
	return ps.Lookup(r.PA)
}

// Mappings returns the mappings of the frame at pa, base page mappings
// first, followed by superpage mappings covering it.
//
// Preconditions: the shard lock of pa is held.
func (ps *Pages) Mappings(pa hostarch.PhysAddr) []*Record {
	var rs []*Record
	if p := ps.Lookup(pa); p != nil {
		rs = p.Records()
	}
	if sp := ps.Super(pa); sp != nil {
		rs = append(rs, sp.Records()...)
	}
	return rs
}

// Gen returns a generation number that changes whenever the mappings of pa
// change.
//
// Preconditions: the shard lock of pa is held.
func (ps *Pages) Gen(pa hostarch.PhysAddr) uint64 {
	var g uint64
	if p := ps.Lookup(pa); p != nil {
		g = p.gen
	}
	if sp := ps.Super(pa); sp != nil {
		g += sp.gen << 32
	}
	return g
}

// FoldRefChg folds refchg into the cached attributes of every frame of
// [pa, pa+size).
func (ps *Pages) FoldRefChg(pa hostarch.PhysAddr, size uint64, refchg uint64) {
	if refchg&RefChg == 0 {
		return
	}
	for off := uint64(0); off < size; off += hostarch.PageSize {
		if p := ps.Lookup(pa + hostarch.PhysAddr(off)); p != nil {
			p.AddAttrs(refchg)
		}
	}
}
