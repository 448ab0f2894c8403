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
	"fmt"

	"golang.org/x/sys/cpu"

	"gvisor.dev/pmap/pkg/log"
	"gvisor.dev/pmap/pkg/machine"
)

// Scheme selects the translation scheme.
type Scheme int

const (
	// SchemeAuto picks radix on processors that support it.
	SchemeAuto Scheme = iota

	// SchemeHash is the hashed page table.
	SchemeHash

	// SchemeRadix is the radix tree.
	SchemeRadix
)

// String implements fmt.Stringer.String.
func (s Scheme) String() string {
	switch s {
	case SchemeAuto:
		return "auto"
	case SchemeHash:
		return "hash"
	case SchemeRadix:
		return "radix"
	default:
		return fmt.Sprintf("Scheme(%d)", int(s))
	}
}

// Set implements flag.Value.Set.
func (s *Scheme) Set(v string) error {
	switch v {
	case "auto", "":
		*s = SchemeAuto
	case "hash", "hpt":
		*s = SchemeHash
	case "radix":
		*s = SchemeRadix
	default:
		return fmt.Errorf("invalid scheme %q", v)
	}
	return nil
}

// Get implements flag.Getter.Get.
func (s *Scheme) Get() any {
	return *s
}

// MarshalText implements encoding.TextMarshaler.
func (s Scheme) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Scheme) UnmarshalText(b []byte) error {
	return s.Set(string(b))
}

// DetectScheme returns the scheme SchemeAuto resolves to on the host
// processor.
func DetectScheme() Scheme {
	if cpu.PPC64.IsPOWER9 {
		return SchemeRadix
	}
	return SchemeHash
}

// CPUBootstrap installs the translation registers on core c, as after a
// reset, and reloads the space it was running.
func (m *MMU) CPUBootstrap(c *machine.Core) {
	m.eng.Bootstrap(c)
	m.activeMu.RLock()
	p := m.active[c.ID()]
	m.activeMu.RUnlock()
	if p == nil {
		p = m.kernel
	}
	m.Activate(c, p)
	log.Infof("pmap: core %d up in %s mode", c.ID(), c.Mode())
}

// segmentFault is the machine's segment fault handler.
func (m *MMU) segmentFault(c *machine.Core, esid uint64) (uint64, bool) {
	return m.eng.SegmentFault(m.running(c), esid)
}
