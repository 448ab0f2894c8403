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
	"time"

	"github.com/cenkalti/backoff"

	"gvisor.dev/pmap/pkg/bitmap"
	"gvisor.dev/pmap/pkg/errors/kernerr"
	"gvisor.dev/pmap/pkg/hostarch"
	"gvisor.dev/pmap/pkg/sync"
)

// AllocFlags modify frame allocation.
type AllocFlags uint32

const (
	// AllocZero zeroes the returned frames.
	AllocZero AllocFlags = 1 << iota

	// AllocNoWait fails with kernerr.ErrResourceShortage instead of
	// sleeping until a frame is freed.
	AllocNoWait
)

// Allocator is the frame allocator. It owns every frame of the available
// regions left over by the bootstrap allocator.
//
// Single frames are handed out highest address first.
type Allocator struct {
	mem *Memory

	// mu protects the fields below.
	mu sync.Mutex

	// used has a bit set for every frame that is not free, including frames
	// outside the available regions.
	used bitmap.Bitmap

	// free is a stack of candidate free frames. It may hold frames that
	// were since claimed by AllocContig or Claim; those are skipped.
	free []uint64

	// nfree is the exact number of free frames.
	nfree int

	// total is the number of frames managed by the allocator.
	total int
}

// NewAllocator returns an allocator over layout.Available.
func NewAllocator(layout *Layout, mem *Memory) *Allocator {
	npfn := uint32(layout.End().PFN())
	a := &Allocator{
		mem:  mem,
		used: bitmap.New(npfn),
	}
	for i := uint32(0); i < npfn; i++ {
		a.used.Add(i)
	}
	for _, r := range layout.Available {
		for p := r.Start; p < r.End(); p += hostarch.PageSize {
			pfn := p.PFN()
			a.used.Remove(uint32(pfn))
			a.free = append(a.free, pfn)
		}
	}
	a.nfree = len(a.free)
	a.total = a.nfree
	return a
}

// Memory returns the memory backing the allocated frames.
func (a *Allocator) Memory() *Memory {
	return a.mem
}

// FreeCount returns the number of free frames.
func (a *Allocator) FreeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nfree
}

// Total returns the number of frames under the allocator.
func (a *Allocator) Total() int {
	return a.total
}

// tryAlloc pops one frame.
func (a *Allocator) tryAlloc() (hostarch.PhysAddr, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for len(a.free) > 0 {
		pfn := a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]
		if a.used.Contains(uint32(pfn)) {
			continue
		}
		a.used.Add(uint32(pfn))
		a.nfree--
		return hostarch.FromPFN(pfn), true
	}
	return 0, false
}

// Alloc returns one frame. Unless AllocNoWait is given, Alloc sleeps until a
// frame is available.
func (a *Allocator) Alloc(flags AllocFlags) (hostarch.PhysAddr, error) {
	var pa hostarch.PhysAddr
	op := func() error {
		var ok bool
		if pa, ok = a.tryAlloc(); !ok {
			return kernerr.ErrResourceShortage
		}
		return nil
	}
	if err := a.retry(op, flags); err != nil {
		return 0, err
	}
	if flags&AllocZero != 0 {
		a.mem.Zero(pa, hostarch.PageSize)
	}
	return pa, nil
}

// AllocContig returns npages physically contiguous frames whose base is
// aligned to align pages.
func (a *Allocator) AllocContig(npages, align uint64, flags AllocFlags) (hostarch.PhysAddr, error) {
	if npages == 0 {
		return 0, fmt.Errorf("zero length contiguous allocation")
	}
	if align == 0 {
		align = 1
	}
	var pa hostarch.PhysAddr
	op := func() error {
		var ok bool
		if pa, ok = a.tryAllocContig(npages, align); !ok {
			return kernerr.ErrResourceShortage
		}
		return nil
	}
	if err := a.retry(op, flags); err != nil {
		return 0, err
	}
	if flags&AllocZero != 0 {
		a.mem.Zero(pa, npages*hostarch.PageSize)
	}
	return pa, nil
}

func (a *Allocator) tryAllocContig(npages, align uint64) (hostarch.PhysAddr, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	npfn := uint64(a.used.Size())
	if npages > npfn || uint64(a.nfree) < npages {
		return 0, false
	}
	for base := (npfn - npages) &^ (align - 1); ; base -= align {
		if next, err := a.used.FirstOne(uint32(base)); err != nil || uint64(next) >= base+npages {
			for pfn := base; pfn < base+npages; pfn++ {
				a.used.Add(uint32(pfn))
			}
			a.nfree -= int(npages)
			return hostarch.FromPFN(base), true
		}
		if base < align {
			return 0, false
		}
	}
}

// retry runs op once for AllocNoWait callers, and otherwise until it stops
// reporting a shortage.
func (a *Allocator) retry(op func() error, flags AllocFlags) error {
	if flags&AllocNoWait != 0 {
		return op()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Microsecond
	b.MaxInterval = 10 * time.Millisecond
	b.MaxElapsedTime = 0
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !kernerr.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

// Free returns a frame to the allocator.
func (a *Allocator) Free(pa hostarch.PhysAddr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freeLocked(pa)
}

// FreeContig returns npages frames starting at pa.
func (a *Allocator) FreeContig(pa hostarch.PhysAddr, npages uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := uint64(0); i < npages; i++ {
		a.freeLocked(pa + hostarch.PhysAddr(i*hostarch.PageSize))
	}
}

func (a *Allocator) freeLocked(pa hostarch.PhysAddr) {
	pfn := pa.PFN()
	if !pa.IsAligned(hostarch.PageSize) || !a.used.Contains(uint32(pfn)) {
		panic(fmt.Sprintf("freeing frame %v that is not allocated", pa))
	}
	a.used.Remove(uint32(pfn))
	a.free = append(a.free, pfn)
	a.nfree++
}

// Claim marks a specific free frame as allocated.
func (a *Allocator) Claim(pa hostarch.PhysAddr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	pfn := pa.PFN()
	if pfn >= uint64(a.used.Size()) || a.used.Contains(uint32(pfn)) {
		return fmt.Errorf("frame %v is not free", pa)
	}
	a.used.Add(uint32(pfn))
	a.nfree--
	return nil
}

// Allocated reports whether pa is currently allocated.
func (a *Allocator) Allocated(pa hostarch.PhysAddr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used.Contains(uint32(pa.PFN()))
}
