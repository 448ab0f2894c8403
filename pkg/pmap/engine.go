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

package pmap

import (
	"gvisor.dev/pmap/pkg/hostarch"
	"gvisor.dev/pmap/pkg/machine"
	"gvisor.dev/pmap/pkg/pvo"
)

// Engine is a translation scheme. Every public operation reaches the
// hardware tables only through it.
//
// Unless noted, methods are called with the space lock held and, for
// managed records, the shard lock of the record's frame held for writing.
type Engine interface {
	// Name returns the scheme name.
	Name() string

	// LargeShift returns the binary log of the superpage size.
	LargeShift() uint

	// Records returns the allocator of mapping records.
	Records() pvo.Allocator

	// Pinit initializes the scheme state of s and assigns s.ID.
	Pinit(s *pvo.Space) error

	// Release frees the scheme state of s, which maps nothing.
	Release(s *pvo.Space)

	// Bootstrap installs the scheme's registers on core c.
	Bootstrap(c *machine.Core)

	// Activate switches core c to s.
	Activate(c *machine.Core, s *pvo.Space)

	// SegmentFault resolves segment esid for a core running s, which may
	// be nil. It is called from the hardware walker without locks.
	SegmentFault(s *pvo.Space, esid uint64) (uint64, bool)

	// Insert installs the hardware entry of r, which is linked. It never
	// sleeps.
	Insert(r *pvo.Record, noReclaim bool) error

	// Unset removes the hardware entry of r and returns its reference and
	// change bits. It reports false if there was no entry.
	Unset(r *pvo.Record) (uint64, bool)

	// Synch returns the reference and change bits of r's entry, or false
	// if there is no entry.
	Synch(r *pvo.Record) (uint64, bool)

	// Clear clears bits in the entry of r, leaving it installed, and
	// returns the reference and change bits seen before.
	Clear(r *pvo.Record, bits uint64) uint64

	// Replace rewrites the entry of r after its attributes changed and
	// returns the reference and change bits that were dropped. soft means
	// only software bits changed.
	Replace(r *pvo.Record, soft bool) uint64

	// Promote tries to replace the base page records of the superpage
	// region containing va with one superpage record.
	Promote(s *pvo.Space, va hostarch.Addr) bool

	// Demote splits the superpage record r. If it returns false, r was
	// removed instead.
	Demote(r *pvo.Record) bool

	// Flush performs invalidations deferred by earlier calls on s. It is
	// called before the space lock is released.
	Flush(s *pvo.Space)

	// Prefaultable reports whether va of s can be mapped without
	// allocating table pages.
	Prefaultable(s *pvo.Space, va hostarch.Addr) bool
}
