// Copyright 2024 The gVisor Authors.
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

package hostarch

import "fmt"

// MemoryType specifies CPU memory access behavior.
type MemoryType uint8

const (
	// MemoryTypeDefault selects the attributes from the physical address:
	// coherent cacheable for RAM, cache inhibited and guarded for anything
	// else. It must be the zero value for MemoryType.
	MemoryTypeDefault MemoryType = iota

	// MemoryTypeUncacheable is cache inhibited and guarded, appropriate for
	// device registers.
	MemoryTypeUncacheable

	// MemoryTypeCacheable is coherent cacheable memory.
	MemoryTypeCacheable

	// MemoryTypeWriteCombining is cache inhibited but not guarded, so
	// stores may be gathered.
	MemoryTypeWriteCombining

	// MemoryTypeWriteBack is treated like MemoryTypeWriteCombining.
	MemoryTypeWriteBack

	// MemoryTypeWriteThrough is write through coherent memory.
	MemoryTypeWriteThrough

	// MemoryTypePrefetchable is cache inhibited, unguarded memory that may
	// be speculatively read.
	MemoryTypePrefetchable

	// NumMemoryTypes is the number of memory types.
	NumMemoryTypes
)

// String implements fmt.Stringer.String.
func (mt MemoryType) String() string {
	switch mt {
	case MemoryTypeDefault:
		return "Default"
	case MemoryTypeUncacheable:
		return "Uncacheable"
	case MemoryTypeCacheable:
		return "Cacheable"
	case MemoryTypeWriteCombining:
		return "WriteCombining"
	case MemoryTypeWriteBack:
		return "WriteBack"
	case MemoryTypeWriteThrough:
		return "WriteThrough"
	case MemoryTypePrefetchable:
		return "Prefetchable"
	default:
		return fmt.Sprintf("%d", mt)
	}
}

// ShortString returns a two-character string compactly representing the
// MemoryType.
func (mt MemoryType) ShortString() string {
	switch mt {
	case MemoryTypeDefault:
		return "DF"
	case MemoryTypeUncacheable:
		return "UC"
	case MemoryTypeCacheable:
		return "CA"
	case MemoryTypeWriteCombining:
		return "WC"
	case MemoryTypeWriteBack:
		return "WB"
	case MemoryTypeWriteThrough:
		return "WT"
	case MemoryTypePrefetchable:
		return "PF"
	default:
		return fmt.Sprintf("%02d", mt)
	}
}

// ParseMemoryType parses the String or ShortString form of a MemoryType.
func ParseMemoryType(s string) (MemoryType, error) {
	for mt := MemoryTypeDefault; mt < NumMemoryTypes; mt++ {
		if s == mt.String() || s == mt.ShortString() {
			return mt, nil
		}
	}
	return 0, fmt.Errorf("unknown memory type %q", s)
}
