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

package atomicbitops

import (
	"sync/atomic"
)

// UpdateUint64 atomically replaces *addr with fn(*addr), retrying until no
// concurrent modification intervenes. It returns the old and new values. If
// fn reports false, *addr is left unmodified.
//
// Hardware walkers use it to set reference and change bits in entries that
// software may rewrite concurrently.
func UpdateUint64(addr *uint64, fn func(old uint64) (uint64, bool)) (old, new uint64, ok bool) {
	for {
		old = atomic.LoadUint64(addr)
		new, ok = fn(old)
		if !ok {
			return old, old, false
		}
		if atomic.CompareAndSwapUint64(addr, old, new) {
			return old, new, true
		}
	}
}
