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

// Package pte defines the architected layouts of translation table entries
// for both translation schemes, along with the control register encodings
// that point the hardware at the tables.
//
// All entries are stored in memory big-endian; see ToHW and FromHW.
package pte

import (
	"math/bits"

	"gvisor.dev/pmap/pkg/hostarch"
)

// hostLittle is true if the host stores words little-endian.
var hostLittle = hostarch.ByteOrder.Uint16([]byte{0x01, 0x00}) == 1

// ToHW converts v into the host word whose memory image is v in hardware
// (big-endian) byte order. Masks can be converted the same way, so bitwise
// operations on converted words are valid without converting back.
func ToHW(v uint64) uint64 {
	if hostLittle {
		return bits.ReverseBytes64(v)
	}
	return v
}

// FromHW is the inverse of ToHW.
func FromHW(w uint64) uint64 {
	return ToHW(w)
}
