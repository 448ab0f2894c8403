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
	"os"

	"github.com/google/subcommands"

	"gvisor.dev/pmap/pkg/hostarch"
	"gvisor.dev/pmap/pkg/physmem"
	"gvisor.dev/pmap/pkg/pmap"
	"gvisor.dev/pmap/pmapctl/config"
)

// Dump implements subcommands.Command for the "dump" command.
type Dump struct {
	pages  int
	kernel bool
}

// Name implements subcommands.Command.Name.
func (*Dump) Name() string {
	return "dump"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Dump) Synopsis() string {
	return "print the mappings and counters of a booted MMU as JSON"
}

// Usage implements subcommands.Command.Usage.
func (*Dump) Usage() string {
	return `dump [flags] - print mappings and counters as JSON.

Dump boots an MMU, optionally populates a user address space, touching some
of its pages through a core, and prints the mappings and event counters.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Dump) SetFlags(f *flag.FlagSet) {
	f.IntVar(&d.pages, "pages", 16, "pages to map in a user address space.")
	f.BoolVar(&d.kernel, "kernel", false, "include the kernel mappings.")
}

type dumpReport struct {
	Scheme   string         `json:"scheme"`
	Counters counters       `json:"counters"`
	Kernel   []pmap.Mapping `json:"kernel,omitempty"`
	User     []pmap.Mapping `json:"user,omitempty"`
	Mincore  []string       `json:"mincore,omitempty"`
}

// Execute implements subcommands.Command.Execute.
func (d *Dump) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	m, err := bootMMU(conf)
	if err != nil {
		Fatalf("%v", err)
	}
	defer m.Release()

	r := dumpReport{Scheme: m.Scheme().String()}
	if d.pages > 0 {
		p, err := m.NewPmap()
		if err != nil {
			Fatalf("%v", err)
		}
		c := m.Machine().Core(0)
		m.Activate(c, p)
		for i := 0; i < d.pages; i++ {
			pa, err := m.Frames().Alloc(physmem.AllocZero)
			if err != nil {
				Fatalf("%v", err)
			}
			va := stressBase + hostarch.Addr(i)*hostarch.PageSize
			if err := p.Enter(va, pa, hostarch.ReadWrite, hostarch.NoAccess, 0, 0); err != nil {
				Fatalf("%v", err)
			}
			switch i % 4 {
			case 0:
				err = access(p, va, hostarch.Write, func() error { return c.Store64(va, uint64(i)) })
			case 1:
				err = access(p, va, hostarch.Read, func() error { _, err := c.Load64(va); return err })
			}
			if err != nil {
				Fatalf("access to %v: %v", va, err)
			}
		}
		r.User = p.Mappings()
		for _, mp := range r.User {
			flags, _ := p.Mincore(mp.VA)
			r.Mincore = append(r.Mincore, mincoreString(flags))
		}
	}
	if d.kernel {
		r.Kernel = m.Kernel().Mappings()
	}
	r.Counters = countersOf(m)
	if err := writeJSON(os.Stdout, r); err != nil {
		Fatalf("writing report: %v", err)
	}
	return subcommands.ExitSuccess
}

func mincoreString(flags pmap.MincoreFlags) string {
	s := []byte("------")
	for i, b := range []struct {
		flag pmap.MincoreFlags
		c    byte
	}{
		{pmap.MincoreIncore, 'i'},
		{pmap.MincoreReferenced, 'r'},
		{pmap.MincoreModified, 'm'},
		{pmap.MincoreReferencedOther, 'R'},
		{pmap.MincoreModifiedOther, 'M'},
		{pmap.MincoreSuper, 's'},
	} {
		if flags&b.flag != 0 {
			s[i] = b.c
		}
	}
	return string(s)
}
