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

package radix

import (
	"fmt"
	"time"

	"github.com/google/btree"

	"gvisor.dev/pmap/pkg/bitmap"
	"gvisor.dev/pmap/pkg/errors/kernerr"
	"gvisor.dev/pmap/pkg/hostarch"
	"gvisor.dev/pmap/pkg/ilist"
	"gvisor.dev/pmap/pkg/log"
	"gvisor.dev/pmap/pkg/physmem"
	"gvisor.dev/pmap/pkg/pvo"
	"gvisor.dev/pmap/pkg/sync"
)

const (
	// chunkRecords is the number of records carved out of one chunk
	// page.
	chunkRecords = 168

	// reclaimScan bounds the number of chunks examined by one reclaim.
	reclaimScan = 64
)

// chunk is a page worth of mapping records belonging to one space.
//
// All fields except stamp are protected by the owner's lock.
type chunk struct {
	ilist.Entry[*chunk]

	// pa is the frame backing the chunk.
	pa    hostarch.PhysAddr
	owner *pvo.Space
	used  bitmap.Bitmap
	freed bool

	// stamp orders the chunk in the pool's LRU. It is protected by the
	// pool lock.
	stamp uint64

	recs [chunkRecords]pvo.Record
}

type chunkList = ilist.List[*chunk]

// chunkRef is the record cookie locating a record in its chunk.
type chunkRef struct {
	c   *chunk
	idx uint32
}

// chunkPool is the radix record allocator. Each space holds a list of
// chunks; the pool keeps all chunks in least recently used order so that
// a space short of memory can take records away from others.
type chunkPool struct {
	eng        *Engine
	reclaimLog log.Logger

	// mu protects lru and clock.
	mu    sync.Mutex
	lru   *btree.BTreeG[*chunk]
	clock uint64
}

func newChunkPool(e *Engine) *chunkPool {
	return &chunkPool{
		eng:        e,
		reclaimLog: log.BasicRateLimitedLogger(time.Second),
		lru: btree.NewG(8, func(a, b *chunk) bool {
			return a.stamp < b.stamp
		}),
	}
}

// touch moves c to the most recently used end of the LRU.
func (p *chunkPool) touch(c *chunk) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lru.Delete(c)
	p.clock++
	c.stamp = p.clock
	p.lru.ReplaceOrInsert(c)
}

func (p *chunkPool) forget(c *chunk) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lru.Delete(c)
}

// Len returns the number of chunks in the pool.
func (p *chunkPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lru.Len()
}

// Alloc implements pvo.Allocator.Alloc. When no frame is free and noReclaim
// is not set, mappings of other spaces are reclaimed to make room.
func (p *chunkPool) Alloc(s *pvo.Space, noReclaim bool) (*pvo.Record, error) {
	sp := stateOf(s)
	for c := sp.chunks.Front(); c != nil; c = c.Next() {
		if c.used.GetNumOnes() < chunkRecords {
			return p.take(sp, c), nil
		}
	}
	pa, err := p.eng.frames.Alloc(physmem.AllocNoWait)
	if err != nil {
		if noReclaim || !p.reclaim(s) {
			return nil, fmt.Errorf("pv chunk: %w", kernerr.ErrResourceShortage)
		}
		if pa, err = p.eng.frames.Alloc(physmem.AllocNoWait); err != nil {
			return nil, fmt.Errorf("pv chunk after reclaim: %w", kernerr.ErrResourceShortage)
		}
	}
	c := &chunk{pa: pa, owner: s, used: bitmap.New(chunkRecords)}
	sp.chunks.PushFront(c)
	p.eng.stats.ChunkAllocs.Add(1)
	return p.take(sp, c), nil
}

func (p *chunkPool) take(sp *space, c *chunk) *pvo.Record {
	idx, err := c.used.Allocate(0, 0)
	if err != nil {
		panic(fmt.Sprintf("chunk %v has no free record: %v", c.pa, err))
	}
	r := &c.recs[idx]
	*r = pvo.Record{Space: c.owner, Slot: -1, Cookie: chunkRef{c: c, idx: idx}}
	if c.used.GetNumOnes() == chunkRecords {
		sp.chunks.Remove(c)
		sp.chunks.PushBack(c)
	}
	p.touch(c)
	return r
}

// Free implements pvo.Allocator.Free. A chunk whose records are all free is
// returned to the frame allocator.
func (p *chunkPool) Free(s *pvo.Space, r *pvo.Record) {
	ref := r.Cookie.(chunkRef)
	c := ref.c
	*r = pvo.Record{}
	c.used.Remove(ref.idx)
	sp := stateOf(c.owner)
	if c.used.GetNumOnes() == 0 {
		p.freeChunk(sp, c)
		return
	}
	sp.chunks.Remove(c)
	sp.chunks.PushFront(c)
	p.touch(c)
}

func (p *chunkPool) freeChunk(sp *space, c *chunk) {
	sp.chunks.Remove(c)
	p.forget(c)
	c.freed = true
	p.eng.frames.Free(c.pa)
	p.eng.stats.ChunkFrees.Add(1)
}

// release frees the chunks of s, which has no records left.
func (p *chunkPool) release(s *pvo.Space) {
	sp := stateOf(s)
	for c := sp.chunks.Front(); c != nil; c = sp.chunks.Front() {
		if n := c.used.GetNumOnes(); n != 0 {
			panic(fmt.Sprintf("releasing space with %d records in chunk %v", n, c.pa))
		}
		p.freeChunk(sp, c)
	}
}

// reclaim removes the unwired mappings of the least recently used chunk of
// another space until a chunk becomes free. Spaces that are busy are
// skipped rather than waited for, since locked is held.
func (p *chunkPool) reclaim(locked *pvo.Space) bool {
	var cands []*chunk
	p.mu.Lock()
	p.lru.Ascend(func(c *chunk) bool {
		if c.owner != locked && !c.owner.Kernel {
			cands = append(cands, c)
		}
		return len(cands) < reclaimScan
	})
	p.mu.Unlock()

	for _, c := range cands {
		s := c.owner
		if !s.Mu.TryLock() {
			continue
		}
		if c.freed {
			s.Mu.Unlock()
			continue
		}
		n := p.reclaimChunk(c)
		p.eng.Flush(s)
		freed := c.freed
		s.Mu.Unlock()
		p.eng.stats.ReclaimedMappings.Add(uint64(n))
		if freed {
			p.eng.stats.ChunkReclaims.Add(1)
			p.reclaimLog.Infof("radix: reclaimed %d mappings of pid %d", n, s.ID)
			return true
		}
	}
	return false
}

// reclaimChunk removes the unwired mappings of c and returns their number.
//
// Preconditions: c.owner.Mu is locked.
func (p *chunkPool) reclaimChunk(c *chunk) int {
	var idxs []uint32
	c.used.ForEach(0, chunkRecords, func(i uint32) bool {
		idxs = append(idxs, i)
		return true
	})
	pages := p.eng.pages
	n := 0
	for _, i := range idxs {
		r := &c.recs[i]
		if r.IsWired() {
			continue
		}
		var shard *sync.RWMutex
		if r.IsManaged() {
			shard = pages.Shard(r.PA)
			if !shard.TryLock() {
				continue
			}
		}
		refchg, _ := p.eng.Unset(r)
		pages.FoldRefChg(r.PA, r.Size(), refchg)
		pages.Remove(r)
		if shard != nil {
			shard.Unlock()
		}
		p.Free(c.owner, r)
		n++
	}
	return n
}
