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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"gvisor.dev/pmap/pkg/hostarch"
	"gvisor.dev/pmap/pkg/physmem"
	"gvisor.dev/pmap/pkg/pmap"
)

func newFlags(t *testing.T) *flag.FlagSet {
	t.Helper()
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	return testFlags
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newFlags(t))
	if err != nil {
		t.Fatal(err)
	}
	// All defaults doesn't require setting flags.
	if flags := c.ToFlags(); len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
	want := physmem.StaticSource{Memory: []physmem.Region{{Start: 0, Size: 256 << 20}}}
	if diff := cmp.Diff(want, c.Source()); diff != "" {
		t.Errorf("Source mismatch (-want +got):\n%s", diff)
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := newFlags(t)
	for name, val := range map[string]string{
		"scheme":     "radix",
		"cores":      "8",
		"reserved":   "0+1M, 0x4000000+0x1000",
		"superpages": "true",
		"ptegs":      "4096",
	} {
		if err := testFlags.Set(name, val); err != nil {
			t.Fatalf("Flag set %q: %v", name, err)
		}
	}
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	want := pmap.Config{
		Scheme:     pmap.SchemeRadix,
		PTEGs:      4096,
		Superpages: true,
	}
	want.Machine.Cores = 8
	if diff := cmp.Diff(want, c.PmapConfig()); diff != "" {
		t.Errorf("PmapConfig mismatch (-want +got):\n%s", diff)
	}
	wantReserved := []physmem.Region{
		{Start: 0, Size: 1 << 20},
		{Start: hostarch.PhysAddr(0x4000000), Size: 0x1000},
	}
	if diff := cmp.Diff(wantReserved, c.Source().Reserved); diff != "" {
		t.Errorf("Reserved mismatch (-want +got):\n%s", diff)
	}
}

func TestToFlagsFromFlags(t *testing.T) {
	testFlags := newFlags(t)
	testFlags.Set("scheme", "hpt")
	testFlags.Set("debug", "true")
	testFlags.Set("superpages", "false") // Matches default value.
	testFlags.Set("memory", "0+1G")
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}

	got := c.ToFlags()
	want := []string{"--scheme=hash", "--memory=0x0+1G", "--debug=true"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ToFlags mismatch (-want +got):\n%s", diff)
	}
}

func TestValidationFail(t *testing.T) {
	for _, tc := range []struct {
		name  string
		flags map[string]string
		error string
	}{
		{
			name:  "cores",
			flags: map[string]string{"cores": "0"},
			error: "cores must be positive",
		},
		{
			name:  "log-format",
			flags: map[string]string{"log-format": "xml"},
			error: "invalid log format",
		},
		{
			name:  "ptegs",
			flags: map[string]string{"ptegs": "3000"},
			error: "power of two",
		},
		{
			name:  "memory",
			flags: map[string]string{"memory": ""},
			error: "no memory regions",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testFlags := newFlags(t)
			for name, val := range tc.flags {
				if err := testFlags.Set(name, val); err != nil {
					t.Fatalf("Flag set %q: %v", name, err)
				}
			}
			_, err := NewFromFlags(testFlags)
			if err == nil || !strings.Contains(err.Error(), tc.error) {
				t.Errorf("NewFromFlags got error %v, wanted %q", err, tc.error)
			}
		})
	}
}

func TestRegionListSet(t *testing.T) {
	for _, bad := range []string{"0x1000", "0+12Q", "x+1M", "0+99999999999G"} {
		var l RegionList
		if err := l.Set(bad); err == nil {
			t.Errorf("Set(%q) succeeded: %v", bad, l)
		}
	}
	var l RegionList
	if err := l.Set("0x100000+4K,1G+0x1234"); err != nil {
		t.Fatal(err)
	}
	if got, want := l.String(), "0x100000+4K,0x40000000+0x1234"; got != want {
		t.Errorf("String got %q, wanted %q", got, want)
	}
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pmap.toml")
	const file = `
scheme = "hash"
cores = 2
superpages = true

[[memory]]
start = 0
size = 134217728

[[reserved]]
start = 0
size = 1048576
`
	if err := os.WriteFile(path, []byte(file), 0644); err != nil {
		t.Fatal(err)
	}
	testFlags := newFlags(t)
	testFlags.Set("config", path)
	testFlags.Set("cores", "6")
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if c.Scheme != pmap.SchemeHash || !c.Superpages {
		t.Errorf("file settings not applied: %+v", c)
	}
	if c.Cores != 6 {
		t.Errorf("Cores got %d, wanted the flag value 6", c.Cores)
	}
	want := physmem.StaticSource{
		Memory:   []physmem.Region{{Start: 0, Size: 128 << 20}},
		Reserved: []physmem.Region{{Start: 0, Size: 1 << 20}},
	}
	if diff := cmp.Diff(want, c.Source()); diff != "" {
		t.Errorf("Source mismatch (-want +got):\n%s", diff)
	}

	if err := os.WriteFile(path, []byte("colour = \"blue\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := LoadFile(path, c.Clone()); err == nil {
		t.Errorf("LoadFile accepted an unknown key")
	}
}

func TestClone(t *testing.T) {
	c, err := NewFromFlags(newFlags(t))
	if err != nil {
		t.Fatal(err)
	}
	clone := c.Clone()
	if diff := cmp.Diff(c, clone); diff != "" {
		t.Errorf("Clone mismatch (-want +got):\n%s", diff)
	}
	clone.Memory[0].Size = 1 << 30
	if c.Memory[0].Size != 256<<20 {
		t.Errorf("Clone shares memory regions with the original")
	}
}
