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

// Package cmd holds implementations of the pmapctl commands.
package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"gvisor.dev/pmap/pkg/hostarch"
	"gvisor.dev/pmap/pkg/log"
	"gvisor.dev/pmap/pkg/machine"
	"gvisor.dev/pmap/pkg/pmap"
	"gvisor.dev/pmap/pkg/pvo"
	"gvisor.dev/pmap/pmapctl/config"
)

// Fatalf logs to stderr and the debug log and exits with an error.
func Fatalf(format string, args ...any) {
	log.Warningf(format, args...)
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(128)
}

// bootMMU boots an MMU as described by conf.
func bootMMU(conf *config.Config) (*pmap.MMU, error) {
	m, err := pmap.Boot(conf.PmapConfig(), conf.Source())
	if err != nil {
		return nil, fmt.Errorf("booting %v MMU: %w", conf.Scheme, err)
	}
	return m, nil
}

// access runs op, an access at to va on a core running p, resolving the
// faults the engines leave to software and retrying once.
func access(p *pmap.Pmap, va hostarch.Addr, at hostarch.AccessType, op func() error) error {
	err := op()
	var f *machine.Fault
	if !errors.As(err, &f) || (f.Code != machine.FaultNotMapped && f.Code != machine.FaultProtection) {
		return err
	}
	if err := p.HandleFault(va, at); err != nil {
		return err
	}
	return op()
}

// counters are the event counters of an MMU.
type counters struct {
	Stats    pvo.StatsSnapshot `json:"stats"`
	Tlbies   invalidations     `json:"tlbies"`
	Machine  machineCounters   `json:"machine"`
	Free     int               `json:"free_frames"`
	Frames   int               `json:"total_frames"`
	Resident int64             `json:"kernel_resident"`
}

type invalidations struct {
	Pages   uint64 `json:"pages"`
	IDs     uint64 `json:"ids"`
	Globals uint64 `json:"globals"`
	PWCs    uint64 `json:"pwcs"`
}

type machineCounters struct {
	Walks     uint64 `json:"walks"`
	TLBHits   uint64 `json:"tlb_hits"`
	Faults    uint64 `json:"faults"`
	SLBMisses uint64 `json:"slb_misses"`
	Tlbies    uint64 `json:"tlbies"`
	Ptesyncs  uint64 `json:"ptesyncs"`
}

func countersOf(m *pmap.MMU) counters {
	inv := m.Invalidations()
	ms := m.Machine().Stats()
	return counters{
		Stats: m.Stats(),
		Tlbies: invalidations{
			Pages:   inv.Pages.Load(),
			IDs:     inv.IDs.Load(),
			Globals: inv.Globals.Load(),
			PWCs:    inv.PWCs.Load(),
		},
		Machine: machineCounters{
			Walks:     ms.Walks.Load(),
			TLBHits:   ms.TLBHits.Load(),
			Faults:    ms.Faults.Load(),
			SLBMisses: ms.SLBMisses.Load(),
			Tlbies:    ms.Tlbies.Load(),
			Ptesyncs:  ms.Ptesyncs.Load(),
		},
		Free:     m.Frames().FreeCount(),
		Frames:   m.Frames().Total(),
		Resident: m.Kernel().Resident(),
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
