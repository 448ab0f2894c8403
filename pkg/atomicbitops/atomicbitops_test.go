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

package atomicbitops

import (
	"runtime"
	"testing"

	"gvisor.dev/pmap/pkg/sync"
)

const iterations = 100

func TestUint32OrAnd(t *testing.T) {
	runtime.GOMAXPROCS(100)
	for n := 0; n < iterations; n++ {
		var x Uint32
		var wg sync.WaitGroup
		for i := uint32(0); i < 32; i++ {
			wg.Add(1)
			go func(i uint32) {
				defer wg.Done()
				x.Or(1 << i)
			}(i)
		}
		wg.Wait()
		if x.Load() != 0xffffffff {
			t.Fatalf("Data race detected!")
		}
		for i := uint32(0); i < 32; i += 2 {
			wg.Add(1)
			go func(i uint32) {
				defer wg.Done()
				x.And(^uint32(1 << i))
			}(i)
		}
		wg.Wait()
		if x.Load() != 0xaaaaaaaa {
			t.Fatalf("Data race detected!")
		}
	}
}

func TestUpdateUint64(t *testing.T) {
	runtime.GOMAXPROCS(100)
	for n := 0; n < iterations; n++ {
		var x uint64
		var wg sync.WaitGroup
		for i := uint64(0); i < 64; i++ {
			wg.Add(1)
			go func(i uint64) {
				defer wg.Done()
				UpdateUint64(&x, func(old uint64) (uint64, bool) {
					return old | 1<<i, true
				})
			}(i)
		}
		wg.Wait()
		if x != ^uint64(0) {
			t.Fatalf("Data race detected!")
		}
	}

	x := uint64(0x10)
	old, new, ok := UpdateUint64(&x, func(old uint64) (uint64, bool) { return 0, false })
	if ok || old != 0x10 || new != 0x10 || x != 0x10 {
		t.Errorf("declined update got (%#x, %#x, %t), value %#x", old, new, ok, x)
	}
}

func TestCounters(t *testing.T) {
	var u Uint64
	u.Add(3)
	if !u.CompareAndSwap(3, 7) || u.Load() != 7 {
		t.Errorf("CompareAndSwap failed, value %d", u.Load())
	}
	if got := u.Swap(0); got != 7 || u.Load() != 0 {
		t.Errorf("Swap got %d, value %d", got, u.Load())
	}
	var i Int64
	if i.Add(-2); i.Load() != -2 {
		t.Errorf("Int64 got %d", i.Load())
	}
	var i32 Int32
	i32.Store(5)
	if i32.Add(1) != 6 {
		t.Errorf("Int32 got %d", i32.Load())
	}
}

func TestBool(t *testing.T) {
	var b Bool
	if b.Load() {
		t.Errorf("zero Bool is true")
	}
	b.Store(true)
	if !b.Load() {
		t.Errorf("Store(true) did not stick")
	}
	b.Store(false)
	if b.Load() {
		t.Errorf("Store(false) did not stick")
	}
}
