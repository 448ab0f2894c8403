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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"gvisor.dev/pmap/pkg/hostarch"
	"gvisor.dev/pmap/pkg/physmem"
	"gvisor.dev/pmap/pkg/pmap"
	"gvisor.dev/pmap/pmapctl/config"
)

// segmentPages is the number of pages in a hashed scheme segment.
const segmentPages = 1 << (hostarch.SegmentShift - hostarch.PageShift)

// Evict implements subcommands.Command for the "evict" command.
type Evict struct {
	entries int
	json    bool
}

// Name implements subcommands.Command.Name.
func (*Evict) Name() string {
	return "evict"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Evict) Synopsis() string {
	return "overflow a hashed page table group and reinsert evicted entries"
}

// Usage implements subcommands.Command.Usage.
func (*Evict) Usage() string {
	return `evict [flags] - overflow a hashed page table group.

Evict maps pages that all hash to the same group pair, more than the sixteen
slots the pair holds, so that installing them evicts earlier entries. It then
reads every page back through a core, reinserting evicted entries on the
resulting faults, and checks that no data and no change bit was lost.
Requires --scheme=hash.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (e *Evict) SetFlags(f *flag.FlagSet) {
	f.IntVar(&e.entries, "entries", 32, "number of colliding pages to map.")
	f.BoolVar(&e.json, "json", false, "print the counters as JSON.")
}

// Execute implements subcommands.Command.Execute.
func (e *Evict) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	m, err := bootMMU(conf)
	if err != nil {
		Fatalf("%v", err)
	}
	defer m.Release()
	if m.Scheme() != pmap.SchemeHash {
		Fatalf("evict needs the hash scheme, booted %v", m.Scheme())
	}
	groups := m.HashGroups()
	if e.entries <= 0 || uint64(e.entries)*groups > segmentPages {
		Fatalf("entries must be between 1 and %d with %d groups", segmentPages/groups, groups)
	}

	p, err := m.NewPmap()
	if err != nil {
		Fatalf("%v", err)
	}
	c := m.Machine().Core(0)
	m.Activate(c, p)

	// Page indexes that are multiples of the group count share a primary
	// group within a segment.
	va := func(k int) hostarch.Addr {
		return stressBase + hostarch.Addr(uint64(k)*groups)*hostarch.PageSize
	}
	frames := make([]hostarch.PhysAddr, e.entries)
	for k := range frames {
		if frames[k], err = m.Frames().Alloc(physmem.AllocZero); err != nil {
			Fatalf("%v", err)
		}
		if err := p.Enter(va(k), frames[k], hostarch.ReadWrite, hostarch.NoAccess, 0, 0); err != nil {
			Fatalf("%v", err)
		}
		if err := access(p, va(k), hostarch.Write, func() error { return c.Store64(va(k), uint64(k)) }); err != nil {
			Fatalf("store to %v: %v", va(k), err)
		}
	}
	evicted := m.Stats().Evictions

	for k, pa := range frames {
		if !m.IsModified(pa) {
			Fatalf("frame %v lost its change bit", pa)
		}
		var got uint64
		err := access(p, va(k), hostarch.Read, func() error {
			var err error
			got, err = c.Load64(va(k))
			return err
		})
		if err != nil {
			Fatalf("load from %v: %v", va(k), err)
		}
		if got != uint64(k) {
			Fatalf("%v holds %d, wanted %d", va(k), got, k)
		}
	}
	p.RemovePages()
	p.Release()
	for _, pa := range frames {
		m.Frames().Free(pa)
	}

	cs := countersOf(m)
	if e.json {
		if err := writeJSON(os.Stdout, cs); err != nil {
			Fatalf("writing report: %v", err)
		}
		return subcommands.ExitSuccess
	}
	fmt.Printf("%d colliding pages in %d groups: %d evictions while mapping, %d in total, %d reinsertions\n",
		e.entries, groups, evicted, cs.Stats.Evictions, cs.Stats.Reinsertions)
	return subcommands.ExitSuccess
}
