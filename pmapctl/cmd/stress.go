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
	"math/rand"
	"os"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"gvisor.dev/pmap/pkg/cleanup"
	"gvisor.dev/pmap/pkg/hostarch"
	"gvisor.dev/pmap/pkg/log"
	"gvisor.dev/pmap/pkg/physmem"
	"gvisor.dev/pmap/pkg/pmap"
	"gvisor.dev/pmap/pmapctl/config"
)

// stressBase is the first user address the stress workers map.
const stressBase = hostarch.Addr(0x10000000)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	workers int
	pages   int
	rounds  int
	seed    int64
	json    bool
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run concurrent mapping workloads against an MMU"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - run concurrent mapping workloads against an MMU.

Each worker owns a core and an address space. Every round it maps its pages,
writes and reads them through its core, write protects and re-enables a
random subset, clears change bits frame-wide, and removes everything again.
Values read back are checked against the values written.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.workers, "workers", 0, "number of workers, at most one per core. 0 uses every core.")
	f.IntVar(&s.pages, "pages", 1024, "pages mapped by each worker.")
	f.IntVar(&s.rounds, "rounds", 8, "rounds run by each worker.")
	f.Int64Var(&s.seed, "seed", 0, "random seed, 0 to seed from the clock.")
	f.BoolVar(&s.json, "json", false, "print the counters as JSON.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	m, err := bootMMU(conf)
	if err != nil {
		Fatalf("%v", err)
	}
	defer m.Release()

	workers := s.workers
	if workers == 0 {
		workers = m.Machine().NumCores()
	}
	if workers > m.Machine().NumCores() || s.pages <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	seed := s.seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	log.Infof("Stress: %d workers, %d pages, %d rounds, seed %d", workers, s.pages, s.rounds, seed)

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			return s.worker(ctx, m, w, rand.New(rand.NewSource(seed+int64(w))))
		})
	}
	if err := g.Wait(); err != nil {
		Fatalf("stress failed: %v", err)
	}
	log.Infof("Stress done in %v", time.Since(start))

	c := countersOf(m)
	if s.json {
		if err := writeJSON(os.Stdout, c); err != nil {
			Fatalf("writing report: %v", err)
		}
		return subcommands.ExitSuccess
	}
	fmt.Printf("%d workers x %d rounds x %d pages in %v\n", workers, s.rounds, s.pages, time.Since(start))
	fmt.Printf("promotions %d, demotions %d, evictions %d, reinsertions %d, chunk reclaims %d\n",
		c.Stats.Promotions, c.Stats.Demotions, c.Stats.Evictions, c.Stats.Reinsertions, c.Stats.ChunkReclaims)
	fmt.Printf("walks %d, tlb hits %d, faults %d, tlbies %d\n", c.Machine.Walks, c.Machine.TLBHits, c.Machine.Faults, c.Machine.Tlbies)
	return subcommands.ExitSuccess
}

func (s *Stress) worker(ctx context.Context, m *pmap.MMU, w int, rng *rand.Rand) error {
	p, err := m.NewPmap()
	if err != nil {
		return err
	}
	frames := make([]hostarch.PhysAddr, s.pages)
	cu := cleanup.Make(func() {
		for _, pa := range frames {
			if pa != 0 {
				m.Frames().Free(pa)
			}
		}
	})
	defer cu.Clean()
	for i := range frames {
		if frames[i], err = m.Frames().Alloc(physmem.AllocZero); err != nil {
			return fmt.Errorf("worker %d: %w", w, err)
		}
	}

	c := m.Machine().Core(w)
	m.Activate(c, p)
	base := stressBase + hostarch.Addr(w)<<32
	va := func(i int) hostarch.Addr { return base + hostarch.Addr(i)*hostarch.PageSize }
	end := va(s.pages)

	for round := 0; round < s.rounds; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for i, pa := range frames {
			if err := p.Enter(va(i), pa, hostarch.ReadWrite, hostarch.NoAccess, 0, 0); err != nil {
				return fmt.Errorf("worker %d: %w", w, err)
			}
		}
		for i := range frames {
			v := uint64(round)<<32 | uint64(i)
			if err := access(p, va(i), hostarch.Write, func() error { return c.Store64(va(i), v) }); err != nil {
				return fmt.Errorf("worker %d: store to %v: %w", w, va(i), err)
			}
		}

		// Write protect a random run of pages, then give write access back.
		lo := rng.Intn(s.pages)
		hi := lo + 1 + rng.Intn(s.pages-lo)
		p.Protect(va(lo), va(hi), hostarch.Read)
		if err := c.Store64(va(lo), 0); err == nil {
			return fmt.Errorf("worker %d: store to write protected %v succeeded", w, va(lo))
		}
		for i := lo; i < hi; i++ {
			m.RemoveWrite(frames[i])
			if !m.IsModified(frames[i]) {
				return fmt.Errorf("worker %d: frame %v lost its change bit", w, frames[i])
			}
			m.ClearModify(frames[i])
			if err := p.Enter(va(i), frames[i], hostarch.ReadWrite, hostarch.NoAccess, 0, 0); err != nil {
				return fmt.Errorf("worker %d: %w", w, err)
			}
		}

		for i := range frames {
			want := uint64(round)<<32 | uint64(i)
			var got uint64
			err := access(p, va(i), hostarch.Read, func() error {
				var err error
				got, err = c.Load64(va(i))
				return err
			})
			if err != nil {
				return fmt.Errorf("worker %d: load from %v: %w", w, va(i), err)
			}
			if got != want {
				return fmt.Errorf("worker %d: %v holds %#x, wanted %#x", w, va(i), got, want)
			}
		}
		m.TSReferenced(frames[rng.Intn(s.pages)])

		if rng.Intn(2) == 0 {
			p.Remove(base, end)
		} else {
			p.RemovePages()
		}
		if n := p.Resident(); n != 0 {
			return fmt.Errorf("worker %d: %d pages resident after removal", w, n)
		}
	}
	p.Release()
	return nil
}
