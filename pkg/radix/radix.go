// Copyright 2023 The gVisor Authors.
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

// Package radix implements the radix tree scheme: a four level tree per
// address space, located by hardware through the process table indexed by
// process identifier.
package radix

import (
	"fmt"
	"sync/atomic"

	"gvisor.dev/pmap/pkg/bitmap"
	"gvisor.dev/pmap/pkg/errors/kernerr"
	"gvisor.dev/pmap/pkg/hostarch"
	"gvisor.dev/pmap/pkg/log"
	"gvisor.dev/pmap/pkg/machine"
	"gvisor.dev/pmap/pkg/physmem"
	"gvisor.dev/pmap/pkg/pte"
	"gvisor.dev/pmap/pkg/pvo"
	"gvisor.dev/pmap/pkg/sync"
	"gvisor.dev/pmap/pkg/tlb"
)

// rootPages is the number of frames of a root table.
const rootPages = pte.RootSize / hostarch.PageSize

// KernelPID is the process identifier of the kernel tree.
const KernelPID = 0

// Tables locates the partition and process tables. Both are allocated at
// boot, aligned to their size.
type Tables struct {
	Partition hostarch.PhysAddr
	Process   hostarch.PhysAddr

	// PIDBits is the width of process identifiers; the process table holds
	// 1<<PIDBits entries.
	PIDBits uint
}

// ProcessTableSize returns the size in bytes of a process table for
// identifiers of pidBits bits.
func ProcessTableSize(pidBits uint) uint64 {
	return (uint64(1) << pidBits) * pte.ProcessTableEntrySize
}

// ptpage is the metadata of one page table page.
type ptpage struct {
	// count is the number of valid entries.
	count int32

	// parent is the address of the directory entry pointing at the page.
	parent hostarch.PhysAddr
}

// Engine maps records with radix trees.
type Engine struct {
	mem    *physmem.Memory
	frames *physmem.Allocator
	inv    *tlb.Invalidator
	pages  *pvo.Pages
	stats  *pvo.Stats
	tables Tables

	pidMu   sync.Mutex
	pids    bitmap.Bitmap
	pidHint uint32

	// arena holds the metadata of page table pages, by frame number. Each
	// entry is protected by the lock of the space owning the page.
	arena []ptpage

	chunks *chunkPool
}

// New returns an engine using the tables t, which are cleared. Page table
// pages and record chunks are allocated from frames.
func New(frames *physmem.Allocator, inv *tlb.Invalidator, pages *pvo.Pages, stats *pvo.Stats, t Tables) *Engine {
	mem := frames.Memory()
	mem.Zero(t.Partition, pte.PartitionTableSize)
	mem.Zero(t.Process, ProcessTableSize(t.PIDBits))
	e := &Engine{
		mem:    mem,
		frames: frames,
		inv:    inv,
		pages:  pages,
		stats:  stats,
		tables: t,
		pids:   bitmap.New(uint32(1) << t.PIDBits),
		arena:  make([]ptpage, mem.Size()>>hostarch.PageShift),
	}
	e.chunks = newChunkPool(e)
	return e
}

// Name returns the scheme name.
func (e *Engine) Name() string { return "radix" }

// LargeShift returns the binary log of the superpage size.
func (e *Engine) LargeShift() uint { return hostarch.HugePageShift }

// Records returns the record allocator.
func (e *Engine) Records() pvo.Allocator { return e.chunks }

// PTCR returns the partition table control register value.
func (e *Engine) PTCR() uint64 {
	return pte.PTCR(e.tables.Partition, pte.PartitionTableSize)
}

func (e *Engine) load(pa hostarch.PhysAddr) pte.RPTE {
	return pte.RPTE(pte.FromHW(atomic.LoadUint64(e.mem.Word(pa))))
}

func (e *Engine) store(pa hostarch.PhysAddr, v pte.RPTE) {
	atomic.StoreUint64(e.mem.Word(pa), pte.ToHW(uint64(v)))
}

func (e *Engine) swap(pa hostarch.PhysAddr, v pte.RPTE) pte.RPTE {
	return pte.RPTE(pte.FromHW(atomic.SwapUint64(e.mem.Word(pa), pte.ToHW(uint64(v)))))
}

func (e *Engine) cas(pa hostarch.PhysAddr, old, new pte.RPTE) bool {
	return atomic.CompareAndSwapUint64(e.mem.Word(pa), pte.ToHW(uint64(old)), pte.ToHW(uint64(new)))
}

// space is the radix state of an address space.
type space struct {
	root hostarch.PhysAddr
	pid  uint64

	// kernel page table pages are never freed.
	kernel bool

	// saved holds the page table page of each promoted superpage, by the
	// superpage's address, for reuse on demotion.
	saved map[hostarch.Addr]hostarch.PhysAddr

	chunks chunkList
	batch  batch
}

func stateOf(s *pvo.Space) *space {
	return s.Arch.(*space)
}

func (sp *space) isRoot(page hostarch.PhysAddr) bool {
	return page >= sp.root && page < sp.root+pte.RootSize
}

// Pinit allocates the root of s and installs it in the process table. The
// kernel space gets process identifier 0 and is also installed in the
// partition table.
func (e *Engine) Pinit(s *pvo.Space) error {
	root, err := e.frames.AllocContig(rootPages, rootPages, physmem.AllocZero)
	if err != nil {
		return fmt.Errorf("allocating root: %w", err)
	}
	pid := uint64(KernelPID)
	if !s.Kernel {
		e.pidMu.Lock()
		idx, err := e.pids.Allocate(1, e.pidHint)
		if err == nil {
			e.pidHint = idx + 1
		}
		e.pidMu.Unlock()
		if err != nil {
			e.frames.FreeContig(root, rootPages)
			return fmt.Errorf("allocating pid: %w", kernerr.ErrNoSpace)
		}
		pid = uint64(idx)
	}
	sp := &space{
		root:   root,
		pid:    pid,
		kernel: s.Kernel,
		saved:  make(map[hostarch.Addr]hostarch.PhysAddr),
	}
	e.arena[root.PFN()] = ptpage{}
	s.Arch = sp
	s.ID = pid

	entry := e.tables.Process + hostarch.PhysAddr(pid*pte.ProcessTableEntrySize)
	atomic.StoreUint64(e.mem.Word(entry+8), 0)
	atomic.StoreUint64(e.mem.Word(entry), pte.ToHW(pte.ProcessTableEntry(root)))
	if s.Kernel {
		w0, w1 := pte.PartitionTableEntry(root, e.tables.Process, ProcessTableSize(e.tables.PIDBits))
		atomic.StoreUint64(e.mem.Word(e.tables.Partition+8), pte.ToHW(w1))
		atomic.StoreUint64(e.mem.Word(e.tables.Partition), pte.ToHW(w0))
	}
	e.inv.Barrier()
	if log.IsLogging(log.Debug) {
		log.Debugf("radix: space pid=%d root=%v", pid, root)
	}
	return nil
}

// Release removes s from the process table and frees its tree, which must be
// empty.
func (e *Engine) Release(s *pvo.Space) {
	sp := stateOf(s)
	for i := uint64(0); i < pte.RPDEEntries; i++ {
		if ent := e.load(sp.root + hostarch.PhysAddr(i*8)); ent.Valid() {
			log.Warningf("radix: releasing pid %d with root entry %d valid: %v", sp.pid, i, ent)
			panic(fmt.Sprintf("releasing non-empty tree of pid %d", sp.pid))
		}
	}
	entry := e.tables.Process + hostarch.PhysAddr(sp.pid*pte.ProcessTableEntrySize)
	atomic.StoreUint64(e.mem.Word(entry), 0)
	e.inv.ID(sp.pid, tlb.TargetBoth)
	e.Flush(s)
	e.frames.FreeContig(sp.root, rootPages)
	e.chunks.release(s)
	if !s.Kernel {
		e.pidMu.Lock()
		e.pids.Remove(uint32(sp.pid))
		e.pidMu.Unlock()
	}
}

// SegmentFault always fails: radix translation has no segments.
func (e *Engine) SegmentFault(s *pvo.Space, esid uint64) (uint64, bool) {
	return 0, false
}

// Bootstrap points core c at the partition table and turns on radix
// translation.
func (e *Engine) Bootstrap(c *machine.Core) {
	c.SetPTCR(e.PTCR())
	c.SetPID(KernelPID)
	c.SetMode(machine.ModeRadix)
}

// Activate loads the process identifier of s on core c.
func (e *Engine) Activate(c *machine.Core, s *pvo.Space) {
	c.SetPID(s.ID)
}
