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
	"gvisor.dev/pmap/pkg/errors/kernerr"
	"gvisor.dev/pmap/pkg/sync"
)

// Allocator produces records.
type Allocator interface {
	// Alloc returns a zeroed record for s. It never sleeps; if no record
	// can be produced it returns kernerr.ErrResourceShortage. noReclaim
	// forbids taking records away from other mappings.
	//
	// Preconditions: s.Mu is locked.
	Alloc(s *Space, noReclaim bool) (*Record, error)

	// Free returns r, which is no longer linked anywhere.
	//
	// Preconditions: s.Mu is locked.
	Free(s *Space, r *Record)
}

// HeapAllocator allocates records from the Go heap, optionally up to a
// limit. It is the record zone of the hashed scheme.
type HeapAllocator struct {
	limit int64
	count atomicbitops.Int64
	pool  sync.Pool
}

// NewHeapAllocator returns an allocator of at most limit live records, or
// unlimited if limit is zero.
func NewHeapAllocator(limit int64) *HeapAllocator {
	a := &HeapAllocator{limit: limit}
	a.pool.New = func() any { return new(Record) }
	return a
}

// Alloc implements Allocator.Alloc.
func (a *HeapAllocator) Alloc(s *Space, noReclaim bool) (*Record, error) {
	if n := a.count.Add(1); a.limit != 0 && n > a.limit {
		a.count.Add(-1)
		return nil, kernerr.ErrResourceShortage
	}
	r := a.pool.Get().(*Record)
	*r = Record{Space: s, Slot: -1}
	return r, nil
}

// Free implements Allocator.Free.
func (a *HeapAllocator) Free(s *Space, r *Record) {
	*r = Record{}
	a.pool.Put(r)
	a.count.Add(-1)
}

// Live returns the number of records allocated and not freed.
func (a *HeapAllocator) Live() int64 {
	return a.count.Load()
}
