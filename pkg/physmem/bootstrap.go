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

package physmem

import (
	"fmt"

	"gvisor.dev/pmap/pkg/hostarch"
	"gvisor.dev/pmap/pkg/log"
)

// BootstrapAllocator hands out physical memory before the frame allocator
// exists. Memory it returns is never freed.
//
// Allocation proceeds downwards from the top of the highest available region
// so that low memory stays in one piece for the frame allocator.
type BootstrapAllocator struct {
	layout *Layout
	mem    *Memory

	// allocated is the number of bytes handed out so far.
	allocated uint64
}

// NewBootstrapAllocator returns an allocator carving from layout.Available.
func NewBootstrapAllocator(layout *Layout, mem *Memory) *BootstrapAllocator {
	return &BootstrapAllocator{layout: layout, mem: mem}
}

// Alloc returns size zeroed bytes aligned to align, which must be a power of
// two no smaller than a page.
func (b *BootstrapAllocator) Alloc(size, align uint64) (hostarch.PhysAddr, error) {
	if align < hostarch.PageSize {
		align = hostarch.PageSize
	}
	if size == 0 || size%hostarch.PageSize != 0 {
		return 0, fmt.Errorf("bootstrap allocation of %#x bytes is not page sized", size)
	}
	avail := b.layout.Available
	for i := len(avail) - 1; i >= 0; i-- {
		r := avail[i]
		if r.Size < size {
			continue
		}
		start := (r.End() - hostarch.PhysAddr(size)).AlignDown(align)
		if start < r.Start {
			continue
		}
		var split []Region
		if start > r.Start {
			split = append(split, Region{Start: r.Start, Size: uint64(start - r.Start)})
		}
		if end := start + hostarch.PhysAddr(size); end < r.End() {
			split = append(split, Region{Start: end, Size: uint64(r.End() - end)})
		}
		b.layout.Available = append(append(append([]Region(nil), avail[:i]...), split...), avail[i+1:]...)
		b.mem.Zero(start, size)
		b.allocated += size
		log.Debugf("bootstrap: allocated %#x bytes at %v (align %#x)", size, start, align)
		return start, nil
	}
	return 0, fmt.Errorf("bootstrap: could not allocate %#x bytes aligned to %#x", size, align)
}

// Allocated returns the number of bytes handed out.
func (b *BootstrapAllocator) Allocated() uint64 {
	return b.allocated
}
