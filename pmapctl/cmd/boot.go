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

	"gvisor.dev/pmap/pkg/log"
	"gvisor.dev/pmap/pmapctl/config"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	json bool
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "boot an MMU and report its state"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [flags] - boot an MMU and report its state.

Boot runs the early, mid and late boot phases over the configured memory and
prints the selected scheme, the frame counts and the event counters.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&b.json, "json", false, "print the report as JSON.")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	m, err := bootMMU(conf)
	if err != nil {
		Fatalf("%v", err)
	}
	defer m.Release()
	log.Infof("Booted %s MMU on %d cores", m.Scheme(), m.Machine().NumCores())

	c := countersOf(m)
	if b.json {
		if err := writeJSON(os.Stdout, c); err != nil {
			Fatalf("writing report: %v", err)
		}
		return subcommands.ExitSuccess
	}
	fmt.Printf("scheme:        %s\n", m.Scheme())
	if g := m.HashGroups(); g != 0 {
		fmt.Printf("hash groups:   %d\n", g)
	}
	fmt.Printf("cores:         %d\n", m.Machine().NumCores())
	fmt.Printf("frames:        %d free of %d\n", c.Free, c.Frames)
	fmt.Printf("direct map:    %d mappings, %d pages\n", len(m.Kernel().Mappings()), c.Resident)
	fmt.Printf("tlbies:        %d\n", c.Machine.Tlbies)
	return subcommands.ExitSuccess
}
