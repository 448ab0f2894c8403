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
	"gvisor.dev/pmap/pkg/hostarch"
)

// CacheClass is the scheme independent cache behaviour of a mapping.
type CacheClass uint8

const (
	// WriteThrough stores update memory immediately.
	WriteThrough CacheClass = 1 << iota

	// Inhibited accesses bypass the cache.
	Inhibited

	// Coherent accesses are kept coherent across cores.
	Coherent

	// Guarded accesses are never performed speculatively.
	Guarded
)

// String implements fmt.Stringer.String.
func (c CacheClass) String() string {
	s := []byte("----")
	for i, ch := range "WIMG" {
		if c&(1<<i) != 0 {
			s[i] = byte(ch)
		}
	}
	return string(s)
}

// CacheClassOf returns the cache class of a mapping of the given memory
// type. isMemory reports whether the mapped frame is RAM, which decides the
// class of MemoryTypeDefault.
func CacheClassOf(mt hostarch.MemoryType, isMemory bool) CacheClass {
	switch mt {
	case hostarch.MemoryTypeUncacheable:
		return Inhibited | Guarded
	case hostarch.MemoryTypeCacheable:
		return Coherent
	case hostarch.MemoryTypeWriteCombining, hostarch.MemoryTypeWriteBack, hostarch.MemoryTypePrefetchable:
		return Inhibited
	case hostarch.MemoryTypeWriteThrough:
		return WriteThrough | Coherent
	default:
		if isMemory {
			return Coherent
		}
		return Inhibited | Guarded
	}
}

// Class returns the cache class of r.
func (ps *Pages) Class(r *Record) CacheClass {
	return CacheClassOf(r.MemType, ps.IsMemory(r.PA))
}
