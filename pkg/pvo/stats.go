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
)

// Stats are the event counters of the physical map, shared by the record
// layer and the engines.
type Stats struct {
	Promotions        atomicbitops.Uint64
	PromotionFailures atomicbitops.Uint64
	Demotions         atomicbitops.Uint64
	DemotionFailures  atomicbitops.Uint64
	Evictions         atomicbitops.Uint64
	Reinsertions      atomicbitops.Uint64
	ChunkAllocs       atomicbitops.Uint64
	ChunkFrees        atomicbitops.Uint64
	ChunkReclaims     atomicbitops.Uint64
	ReclaimedMappings atomicbitops.Uint64
}

// StatsSnapshot is a copy of Stats at one point in time.
type StatsSnapshot struct {
	Promotions        uint64 `json:"promotions"`
	PromotionFailures uint64 `json:"promotion_failures"`
	Demotions         uint64 `json:"demotions"`
	DemotionFailures  uint64 `json:"demotion_failures"`
	Evictions         uint64 `json:"evictions"`
	Reinsertions      uint64 `json:"reinsertions"`
	ChunkAllocs       uint64 `json:"chunk_allocs"`
	ChunkFrees        uint64 `json:"chunk_frees"`
	ChunkReclaims     uint64 `json:"chunk_reclaims"`
	ReclaimedMappings uint64 `json:"reclaimed_mappings"`
}

// Snapshot returns the current values.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Promotions:        s.Promotions.Load(),
		PromotionFailures: s.PromotionFailures.Load(),
		Demotions:         s.Demotions.Load(),
		DemotionFailures:  s.DemotionFailures.Load(),
		Evictions:         s.Evictions.Load(),
		Reinsertions:      s.Reinsertions.Load(),
		ChunkAllocs:       s.ChunkAllocs.Load(),
		ChunkFrees:        s.ChunkFrees.Load(),
		ChunkReclaims:     s.ChunkReclaims.Load(),
		ReclaimedMappings: s.ReclaimedMappings.Load(),
	}
}
