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
	"fmt"

	"gvisor.dev/pmap/pkg/atomicbitops"
	"gvisor.dev/pmap/pkg/errors/kernerr"
	"gvisor.dev/pmap/pkg/hostarch"
	"gvisor.dev/pmap/pkg/sync"
)

// Space is the record store of one address space.
type Space struct {
	// Mu is the space lock. It protects the record tree and all records of
	// the space, as well as Arch.
	Mu sync.Mutex

	// Kernel is true for the kernel address space.
	Kernel bool

	// ID is the scheme identifier of the space: the process identifier
	// under radix, the first VSID under the hashed scheme.
	ID uint64

	// Arch holds scheme specific state.
	Arch any

	// Superpages enables promotion for the space.
	Superpages atomicbitops.Bool

	records Tree

	// largeShift is the binary log of the superpage size and population
	// counts the base page records in each superpage sized region.
	largeShift uint
	population map[hostarch.Addr]int

	resident atomicbitops.Int64
	wired    atomicbitops.Int64
}

// NewSpace returns an empty space whose superpages are 1<<largeShift bytes.
func NewSpace(kernel bool, largeShift uint) *Space {
	return &Space{
		Kernel:     kernel,
		records:    NewTree(),
		largeShift: largeShift,
		population: make(map[hostarch.Addr]int),
	}
}

// Resident returns the number of base pages mapped.
func (s *Space) Resident() int64 {
	return s.resident.Load()
}

// Wired returns the number of base pages wired.
func (s *Space) Wired() int64 {
	return s.wired.Load()
}

// LargeShift returns the binary log of the superpage size.
func (s *Space) LargeShift() uint {
	return s.largeShift
}

// Len returns the number of records.
//
// Preconditions: s.Mu is locked.
func (s *Space) Len() int {
	return s.records.Len()
}

// Find returns the record that maps va.
//
// Preconditions: s.Mu is locked.
func (s *Space) Find(va hostarch.Addr) (*Record, bool) {
	return s.records.Covering(va)
}

// Collect returns the records intersecting [start, end) in VA order.
//
// Preconditions: s.Mu is locked.
func (s *Space) Collect(start, end hostarch.Addr) []*Record {
	return s.records.Collect(start, end)
}

// All returns all records in VA order.
//
// Preconditions: s.Mu is locked.
func (s *Space) All() []*Record {
	return s.records.All()
}

// Populated returns the number of base page records in the superpage
// region containing va.
//
// Preconditions: s.Mu is locked.
func (s *Space) Populated(va hostarch.Addr) int {
	return s.population[va.AlignDown(1<<s.largeShift)]
}

func (s *Space) link(r *Record) error {
	if !r.VA.IsAligned(r.Size()) || !r.PA.IsAligned(r.Size()) {
		panic(fmt.Sprintf("misaligned record %v", r))
	}
	if prev, ok := s.records.Covering(r.VA); ok {
		return fmt.Errorf("%v overlaps %v: %w", r, prev, kernerr.ErrAlreadyExists)
	}
	if !r.IsLarge() {
		if !s.records.insert(r) {
			return fmt.Errorf("%v: %w", r, kernerr.ErrAlreadyExists)
		}
		s.population[r.VA.AlignDown(1<<s.largeShift)]++
		return nil
	}
	if next := s.records.Collect(r.VA, r.End()); len(next) != 0 {
		return fmt.Errorf("%v overlaps %v: %w", r, next[0], kernerr.ErrAlreadyExists)
	}
	s.records.insert(r)
	return nil
}

func (s *Space) unlink(r *Record) {
	if got, ok := s.records.Get(r.VA); !ok || got != r {
		panic(fmt.Sprintf("removing record %v not in its space", r))
	}
	s.records.delete(r)
	if !r.IsLarge() {
		base := r.VA.AlignDown(1 << s.largeShift)
		if s.population[base]--; s.population[base] == 0 {
			delete(s.population, base)
		}
	}
}

func (s *Space) account(r *Record, sign int64) {
	s.resident.Add(sign * r.Pages())
	if r.IsWired() {
		s.wired.Add(sign * r.Pages())
	}
}

// SetWired changes the wired flag of r and the wired count of its space.
//
// Preconditions: r.Space.Mu is locked.
func SetWired(r *Record, wired bool) {
	if r.IsWired() == wired {
		return
	}
	if wired {
		r.Flags |= Wired
		r.Space.wired.Add(r.Pages())
	} else {
		r.Flags &^= Wired
		r.Space.wired.Add(-r.Pages())
	}
}
