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

	"github.com/google/subcommands"

	"gvisor.dev/pmap/pkg/hostarch"
	"gvisor.dev/pmap/pkg/physmem"
	"gvisor.dev/pmap/pmapctl/config"
)

// promoteBase is aligned to every superpage size.
const promoteBase = hostarch.Addr(0x40000000)

// Promote implements subcommands.Command for the "promote" command.
type Promote struct {
	split int
}

// Name implements subcommands.Command.Name.
func (*Promote) Name() string {
	return "promote"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Promote) Synopsis() string {
	return "promote a fully populated range to a superpage and demote it again"
}

// Usage implements subcommands.Command.Usage.
func (*Promote) Usage() string {
	return `promote [flags] - promote and demote a superpage.

Promote maps every page of an aligned superpage range to contiguous frames,
which promotes the range, accesses it through a core, and then write protects
one page, which demotes it.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (p *Promote) SetFlags(f *flag.FlagSet) {
	f.IntVar(&p.split, "split", 3, "page to write protect after promotion.")
}

// Execute implements subcommands.Command.Execute.
func (p *Promote) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	m, err := bootMMU(conf)
	if err != nil {
		Fatalf("%v", err)
	}
	defer m.Release()

	large := uint64(1) << m.Engine().LargeShift()
	n := large >> hostarch.PageShift
	if p.split < 0 || uint64(p.split) >= n {
		f.Usage()
		return subcommands.ExitUsageError
	}
	pm, err := m.NewPmap()
	if err != nil {
		Fatalf("%v", err)
	}
	pm.SetSuperpages(true)
	pa, err := m.Frames().AllocContig(n, n, physmem.AllocZero)
	if err != nil {
		Fatalf("allocating %d contiguous frames: %v", n, err)
	}
	for i := uint64(0); i < n; i++ {
		off := i << hostarch.PageShift
		if err := pm.Enter(promoteBase+hostarch.Addr(off), pa+hostarch.PhysAddr(off), hostarch.ReadWrite, hostarch.Read, 0, 0); err != nil {
			Fatalf("%v", err)
		}
	}
	fmt.Printf("%s: %d pages of %d KB mapped in %d records, %d promotions\n",
		m.Scheme(), n, large>>10, len(pm.Mappings()), m.Stats().Promotions)

	c := m.Machine().Core(0)
	m.Activate(c, pm)
	for off := uint64(0); off < large; off += hostarch.PageSize * 512 {
		va := promoteBase + hostarch.Addr(off)
		if err := access(pm, va, hostarch.Write, func() error { return c.Store64(va, off) }); err != nil {
			Fatalf("store to %v: %v", va, err)
		}
	}

	sv := promoteBase + hostarch.Addr(p.split)*hostarch.PageSize
	pm.Protect(sv, sv+hostarch.PageSize, hostarch.Read)
	flags, _ := pm.Mincore(sv)
	fmt.Printf("after write protecting %v: %d records, %d demotions, mincore %#x\n",
		sv, len(pm.Mappings()), m.Stats().Demotions, flags)

	pm.Remove(promoteBase, promoteBase+hostarch.Addr(large))
	pm.Release()
	m.Frames().FreeContig(pa, n)
	return subcommands.ExitSuccess
}
