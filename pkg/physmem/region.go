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

// Package physmem provides the physical memory the engine runs on: the
// region layout reported by firmware, the memory backing those regions, the
// early boot allocator and the frame allocator used once the engine is up.
package physmem

import (
	"fmt"
	"sort"

	"gvisor.dev/pmap/pkg/hostarch"
)

// Region is a range of physical memory.
type Region struct {
	Start hostarch.PhysAddr
	Size  uint64
}

// End returns one past the last byte of r.
func (r Region) End() hostarch.PhysAddr {
	return r.Start + hostarch.PhysAddr(r.Size)
}

// Contains reports whether p is in r.
func (r Region) Contains(p hostarch.PhysAddr) bool {
	return r.Start <= p && p < r.End()
}

// String implements fmt.Stringer.String.
func (r Region) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(r.Start), uint64(r.End()))
}

// RegionSource supplies the physical memory layout, as discovered by
// firmware.
type RegionSource interface {
	// Regions returns the physical memory regions and the reserved ranges
	// within them that must never be handed out.
	Regions() (mem []Region, reserved []Region, err error)
}

// StaticSource is a RegionSource with a fixed layout.
type StaticSource struct {
	Memory   []Region
	Reserved []Region
}

// Regions implements RegionSource.Regions.
func (s StaticSource) Regions() ([]Region, []Region, error) {
	return s.Memory, s.Reserved, nil
}

// Layout is the processed physical memory layout.
type Layout struct {
	// Memory holds the sorted, page aligned memory regions. Addresses in
	// Memory are RAM for the purpose of cache attribute selection.
	Memory []Region

	// Available holds Memory minus the reserved ranges; it is what the
	// bootstrap allocator carves from.
	Available []Region
}

// NewLayout builds a Layout from src.
func NewLayout(src RegionSource) (*Layout, error) {
	mem, reserved, err := src.Regions()
	if err != nil {
		return nil, fmt.Errorf("reading physical regions: %w", err)
	}
	l := &Layout{}
	for _, r := range mem {
		start := r.Start
		end := r.End()
		if start.PageOffset() != 0 {
			start = start.RoundDown() + hostarch.PageSize
		}
		end = end.RoundDown()
		if end <= start {
			continue
		}
		l.Memory = append(l.Memory, Region{Start: start, Size: uint64(end - start)})
	}
	if len(l.Memory) == 0 {
		return nil, fmt.Errorf("no usable physical memory in %v", mem)
	}
	sort.Slice(l.Memory, func(i, j int) bool {
		return l.Memory[i].Start < l.Memory[j].Start
	})
	for i := 1; i < len(l.Memory); i++ {
		if l.Memory[i].Start < l.Memory[i-1].End() {
			return nil, fmt.Errorf("overlapping physical regions %v and %v", l.Memory[i-1], l.Memory[i])
		}
	}
	l.Available = append([]Region(nil), l.Memory...)
	for _, r := range reserved {
		l.Available = exclude(l.Available, r)
	}
	return l, nil
}

// exclude removes r, widened to page boundaries, from regions.
func exclude(regions []Region, r Region) []Region {
	start := r.Start.RoundDown()
	end := r.End()
	if end.PageOffset() != 0 {
		end = end.RoundDown() + hostarch.PageSize
	}
	var out []Region
	for _, a := range regions {
		if end <= a.Start || start >= a.End() {
			out = append(out, a)
			continue
		}
		if start > a.Start {
			out = append(out, Region{Start: a.Start, Size: uint64(start - a.Start)})
		}
		if end < a.End() {
			out = append(out, Region{Start: end, Size: uint64(a.End() - end)})
		}
	}
	return out
}

// IsMemory reports whether p lies in RAM.
func (l *Layout) IsMemory(p hostarch.PhysAddr) bool {
	for _, r := range l.Memory {
		if r.Contains(p) {
			return true
		}
	}
	return false
}

// End returns one past the highest physical address of RAM.
func (l *Layout) End() hostarch.PhysAddr {
	return l.Memory[len(l.Memory)-1].End()
}

// Total returns the number of bytes of RAM.
func (l *Layout) Total() uint64 {
	var n uint64
	for _, r := range l.Memory {
		n += r.Size
	}
	return n
}

// AvailableBytes returns the number of bytes not reserved or consumed by the
// bootstrap allocator.
func (l *Layout) AvailableBytes() uint64 {
	var n uint64
	for _, r := range l.Available {
		n += r.Size
	}
	return n
}
