// Copyright 2018 The gVisor Authors.
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

// Package atomicbitops provides the atomic counters and flag words used by
// the physical map, and helpers for updating raw entry words in place.
//
// The types are not copyable. Their operations have the memory ordering of
// sync/atomic.
package atomicbitops

import (
	"sync/atomic"

	"gvisor.dev/pmap/pkg/sync"
)

// Int32 is an atomic int32.
type Int32 struct {
	_     sync.NoCopy
	value int32
}

// Load is analogous to atomic.LoadInt32.
func (i *Int32) Load() int32 {
	return atomic.LoadInt32(&i.value)
}

// Store is analogous to atomic.StoreInt32.
func (i *Int32) Store(v int32) {
	atomic.StoreInt32(&i.value, v)
}

// Add is analogous to atomic.AddInt32.
func (i *Int32) Add(v int32) int32 {
	return atomic.AddInt32(&i.value, v)
}

// Uint32 is an atomic set of flag bits.
type Uint32 struct {
	_     sync.NoCopy
	value uint32
}

// Load is analogous to atomic.LoadUint32.
func (u *Uint32) Load() uint32 {
	return atomic.LoadUint32(&u.value)
}

// Store is analogous to atomic.StoreUint32.
func (u *Uint32) Store(v uint32) {
	atomic.StoreUint32(&u.value, v)
}

// Or sets the bits in v and returns the previous value.
func (u *Uint32) Or(v uint32) uint32 {
	return atomic.OrUint32(&u.value, v)
}

// And keeps only the bits in v and returns the previous value.
func (u *Uint32) And(v uint32) uint32 {
	return atomic.AndUint32(&u.value, v)
}

// Int64 is an atomic int64, 64-bit aligned on every platform.
type Int64 struct {
	_     sync.NoCopy
	value int64
}

// Load is analogous to atomic.LoadInt64.
func (i *Int64) Load() int64 {
	return atomic.LoadInt64(&i.value)
}

// Store is analogous to atomic.StoreInt64.
func (i *Int64) Store(v int64) {
	atomic.StoreInt64(&i.value, v)
}

// Add is analogous to atomic.AddInt64.
func (i *Int64) Add(v int64) int64 {
	return atomic.AddInt64(&i.value, v)
}

// Uint64 is an atomic uint64, 64-bit aligned on every platform. Event
// counters use it.
type Uint64 struct {
	_     sync.NoCopy
	value uint64
}

// Load is analogous to atomic.LoadUint64.
func (u *Uint64) Load() uint64 {
	return atomic.LoadUint64(&u.value)
}

// Store is analogous to atomic.StoreUint64.
func (u *Uint64) Store(v uint64) {
	atomic.StoreUint64(&u.value, v)
}

// Add is analogous to atomic.AddUint64.
func (u *Uint64) Add(v uint64) uint64 {
	return atomic.AddUint64(&u.value, v)
}

// Swap is analogous to atomic.SwapUint64.
func (u *Uint64) Swap(v uint64) uint64 {
	return atomic.SwapUint64(&u.value, v)
}

// CompareAndSwap is analogous to atomic.CompareAndSwapUint64.
func (u *Uint64) CompareAndSwap(oldVal, newVal uint64) bool {
	return atomic.CompareAndSwapUint64(&u.value, oldVal, newVal)
}

// Bool is an atomic Boolean held in a Uint32 as 0 or 1.
type Bool struct {
	Uint32
}

// Load returns the value of b.
func (b *Bool) Load() bool {
	return b.Uint32.Load() == 1
}

// Store sets the value of b.
func (b *Bool) Store(val bool) {
	var u uint32
	if val {
		u = 1
	}
	b.Uint32.Store(u)
}
