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

package machine

import (
	"fmt"

	"gvisor.dev/pmap/pkg/hostarch"
)

// FaultCode classifies a translation fault.
type FaultCode uint8

const (
	// FaultNotMapped means no valid translation exists.
	FaultNotMapped FaultCode = iota

	// FaultProtection means a translation exists but does not permit the
	// access.
	FaultProtection

	// FaultSegment means the segment of a hashed address is unknown.
	FaultSegment

	// FaultOff means translation is disabled on the core.
	FaultOff

	// FaultBadAddress means the address is outside every translated
	// quadrant or the process identifier has no tree.
	FaultBadAddress
)

// String implements fmt.Stringer.String.
func (c FaultCode) String() string {
	switch c {
	case FaultNotMapped:
		return "not mapped"
	case FaultProtection:
		return "protection"
	case FaultSegment:
		return "segment"
	case FaultOff:
		return "translation off"
	case FaultBadAddress:
		return "bad address"
	default:
		return fmt.Sprintf("FaultCode(%d)", c)
	}
}

// Fault is the error returned for an access that cannot be translated.
type Fault struct {
	Core   int
	Addr   hostarch.Addr
	Access hostarch.AccessType
	Code   FaultCode
}

// Error implements error.Error.
func (f *Fault) Error() string {
	return fmt.Sprintf("core %d: %s fault on %v access to %v", f.Core, f.Code, f.Access, f.Addr)
}
