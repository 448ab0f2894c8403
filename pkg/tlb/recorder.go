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

package tlb

import (
	"fmt"

	"gvisor.dev/pmap/pkg/sync"
)

// Recorder is a Backend that records the operations it sees and forwards
// them to Next, if set.
type Recorder struct {
	Next Backend

	mu  sync.Mutex
	ops []string
}

func (r *Recorder) record(op string) {
	r.mu.Lock()
	r.ops = append(r.ops, op)
	r.mu.Unlock()
}

// Ptesync implements Backend.Ptesync.
func (r *Recorder) Ptesync() {
	r.record("ptesync")
	if r.Next != nil {
		r.Next.Ptesync()
	}
}

// Eieio implements Backend.Eieio.
func (r *Recorder) Eieio() {
	r.record("eieio")
	if r.Next != nil {
		r.Next.Eieio()
	}
}

// Tlbie implements Backend.Tlbie.
func (r *Recorder) Tlbie(req Request) {
	r.record(req.String())
	if r.Next != nil {
		r.Next.Tlbie(req)
	}
}

// Tlbsync implements Backend.Tlbsync.
func (r *Recorder) Tlbsync() {
	r.record("tlbsync")
	if r.Next != nil {
		r.Next.Tlbsync()
	}
}

// Ops returns and clears the recorded operations.
func (r *Recorder) Ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ops := r.ops
	r.ops = nil
	return ops
}

// Tlbies returns the recorded tlbie operations without clearing them.
func (r *Recorder) Tlbies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, op := range r.ops {
		if len(op) > 5 && op[:5] == "tlbie" {
			out = append(out, op)
		}
	}
	return out
}

// String implements fmt.Stringer.String.
func (r *Recorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprintf("%v", r.ops)
}
