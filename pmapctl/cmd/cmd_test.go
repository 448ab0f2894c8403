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
	"math/rand"
	"testing"

	"gvisor.dev/pmap/pkg/hostarch"
	"gvisor.dev/pmap/pkg/machine"
	"gvisor.dev/pmap/pkg/physmem"
	"gvisor.dev/pmap/pkg/pmap"
)

func TestStressWorker(t *testing.T) {
	for _, scheme := range []pmap.Scheme{pmap.SchemeHash, pmap.SchemeRadix} {
		t.Run(scheme.String(), func(t *testing.T) {
			m, err := pmap.Boot(pmap.Config{Scheme: scheme, Machine: machine.Config{Cores: 2}}, physmem.StaticSource{
				Memory: []physmem.Region{{Start: 0, Size: 64 << 20}},
			})
			if err != nil {
				t.Fatalf("Boot failed: %v", err)
			}
			defer m.Release()
			free := m.Frames().FreeCount()

			s := &Stress{pages: 64, rounds: 3}
			for w := 0; w < 2; w++ {
				if err := s.worker(context.Background(), m, w, rand.New(rand.NewSource(int64(w+1)))); err != nil {
					t.Fatalf("worker %d failed: %v", w, err)
				}
			}
			if got := m.Frames().FreeCount(); got != free {
				t.Errorf("free frames got %d, wanted %d", got, free)
			}
		})
	}
}

func TestAccessResolvesFault(t *testing.T) {
	m, err := pmap.Boot(pmap.Config{Scheme: pmap.SchemeRadix, Machine: machine.Config{Cores: 1}}, physmem.StaticSource{
		Memory: []physmem.Region{{Start: 0, Size: 64 << 20}},
	})
	if err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	defer m.Release()
	p, err := m.NewPmap()
	if err != nil {
		t.Fatal(err)
	}
	c := m.Machine().Core(0)
	m.Activate(c, p)
	const va = stressBase
	if err := access(p, va, hostarch.Read, func() error { _, err := c.Load64(va); return err }); err == nil {
		t.Errorf("access to an unmapped page succeeded")
	}
}

func TestMincoreString(t *testing.T) {
	for _, tc := range []struct {
		flags pmap.MincoreFlags
		want  string
	}{
		{0, "------"},
		{pmap.MincoreIncore | pmap.MincoreReferenced | pmap.MincoreReferencedOther, "ir-R--"},
		{pmap.MincoreIncore | pmap.MincoreModifiedOther | pmap.MincoreSuper, "i---Ms"},
	} {
		if got := mincoreString(tc.flags); got != tc.want {
			t.Errorf("mincoreString(%#x) got %q, wanted %q", tc.flags, got, tc.want)
		}
	}
}
