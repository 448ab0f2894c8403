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
	"testing"

	"gvisor.dev/pmap/pkg/machine"
	"gvisor.dev/pmap/pkg/physmem"
)

func testSource(size uint64) physmem.StaticSource {
	return physmem.StaticSource{
		Memory: []physmem.Region{{Start: 0, Size: size}},
	}
}

func TestSchemeSet(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    Scheme
		wantErr bool
	}{
		{in: "", want: SchemeAuto},
		{in: "auto", want: SchemeAuto},
		{in: "hpt", want: SchemeHash},
		{in: "hash", want: SchemeHash},
		{in: "radix", want: SchemeRadix},
		{in: "x86", wantErr: true},
	} {
		var s Scheme
		err := s.Set(tc.in)
		if gotErr := err != nil; gotErr != tc.wantErr {
			t.Errorf("Set(%q) got error %v, wanted error %t", tc.in, err, tc.wantErr)
			continue
		}
		if !tc.wantErr && s != tc.want {
			t.Errorf("Set(%q) got %v, wanted %v", tc.in, s, tc.want)
		}
	}
	if got := SchemeRadix.String(); got != "radix" {
		t.Errorf("String got %q", got)
	}
}

func TestDefaultPTEGs(t *testing.T) {
	for _, tc := range []struct {
		size uint64
		want uint64
	}{
		{size: 64 << 20, want: minPTEGs},
		{size: 1 << 30, want: 16384},
		{size: 3 << 30, want: 65536},
	} {
		l, err := physmem.NewLayout(testSource(tc.size))
		if err != nil {
			t.Fatalf("NewLayout failed: %v", err)
		}
		if got := defaultPTEGs(l); got != tc.want {
			t.Errorf("defaultPTEGs(%d MB) got %d, wanted %d", tc.size>>20, got, tc.want)
		}
	}
}

func TestEarlyRejectsTableSize(t *testing.T) {
	for _, groups := range []uint64{1024, 3000} {
		if m, err := Early(Config{Scheme: SchemeHash, PTEGs: groups}, testSource(64<<20)); err == nil {
			m.Release()
			t.Errorf("Early with %d groups succeeded", groups)
		}
	}
}

func TestPhaseOrder(t *testing.T) {
	m, err := Early(Config{Scheme: SchemeRadix, Machine: machine.Config{Cores: 1}}, testSource(64<<20))
	if err != nil {
		t.Fatalf("Early failed: %v", err)
	}
	t.Cleanup(func() { m.Release() })
	if err := m.Late(); err == nil {
		t.Errorf("Late before Mid succeeded")
	}
	if err := m.Mid(); err != nil {
		t.Fatalf("Mid failed: %v", err)
	}
	if err := m.Mid(); err == nil {
		t.Errorf("second Mid succeeded")
	}
	func() {
		defer func() {
			if recover() == nil {
				t.Errorf("NewPmap before Late did not panic")
			}
		}()
		m.NewPmap()
	}()
	if err := m.Late(); err != nil {
		t.Fatalf("Late failed: %v", err)
	}
	if _, err := m.NewPmap(); err != nil {
		t.Errorf("NewPmap failed: %v", err)
	}
}

func TestBootAuto(t *testing.T) {
	m, err := Boot(Config{Machine: machine.Config{Cores: 1}}, testSource(64<<20))
	if err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	defer m.Release()
	if got, want := m.Scheme(), DetectScheme(); got != want {
		t.Errorf("Scheme got %v, wanted %v", got, want)
	}
	if got := m.Engine().Name(); got != m.Scheme().String() {
		t.Errorf("engine %q runs scheme %v", got, m.Scheme())
	}
}
