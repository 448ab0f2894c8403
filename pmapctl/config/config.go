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

// Package config provides basic infrastructure to set configuration settings
// for pmapctl. Each setting has a flag and a key in the optional TOML
// configuration file.
package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"

	"gvisor.dev/pmap/pkg/hostarch"
	"gvisor.dev/pmap/pkg/log"
	"gvisor.dev/pmap/pkg/machine"
	"gvisor.dev/pmap/pkg/physmem"
	"gvisor.dev/pmap/pkg/pmap"
)

// Config holds configuration that is not part of a subcommand's own flags.
//
// Follow these steps to add a new setting:
//  1. Add a field with `flag` and `toml` tags.
//  2. Register the flag in RegisterFlags.
//  3. Validate it in validate if needed.
type Config struct {
	// ConfigFile is a TOML file loaded before the flags are applied.
	ConfigFile string `flag:"config" toml:"-"`

	// Scheme is the translation scheme to boot.
	Scheme pmap.Scheme `flag:"scheme" toml:"scheme"`

	// Memory lists the physical memory regions.
	Memory RegionList `flag:"memory" toml:"memory"`

	// Reserved lists memory the frame allocator must not hand out.
	Reserved RegionList `flag:"reserved" toml:"reserved"`

	// Cores is the number of simulated cores.
	Cores int `flag:"cores" toml:"cores"`

	// TLBEntries is the TLB capacity of each core. Zero uses the machine
	// default.
	TLBEntries int `flag:"tlb-entries" toml:"tlb_entries"`

	// PTEGs is the number of hashed table groups. Zero sizes the table
	// from memory.
	PTEGs uint64 `flag:"ptegs" toml:"ptegs"`

	// PIDBits is the width of radix process identifiers.
	PIDBits uint `flag:"pid-bits" toml:"pid_bits"`

	// Superpages enables superpage promotion.
	Superpages bool `flag:"superpages" toml:"superpages"`

	// RecordLimit bounds the number of hashed scheme mapping records.
	RecordLimit int64 `flag:"record-limit" toml:"record_limit"`

	// LogFilename is the file pattern logs are written to. Empty means
	// stderr.
	LogFilename string `flag:"log" toml:"log"`

	// LogFormat is the log format: text, json or json-k8s.
	LogFormat string `flag:"log-format" toml:"log_format"`

	// Debug enables debug logging.
	Debug bool `flag:"debug" toml:"debug"`
}

func (c *Config) validate() error {
	if c.Cores <= 0 {
		return fmt.Errorf("cores must be positive, got: %d", c.Cores)
	}
	if len(c.Memory) == 0 {
		return fmt.Errorf("no memory regions")
	}
	switch c.LogFormat {
	case "text", "json", "json-k8s":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json', or 'json-k8s'", c.LogFormat)
	}
	if c.PTEGs != 0 && c.PTEGs&(c.PTEGs-1) != 0 {
		return fmt.Errorf("ptegs must be a power of two, got: %d", c.PTEGs)
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		if name, ok := f.Tag.Lookup("flag"); ok {
			log.Infof("\t%s: %s", name, getVal(obj.Field(i)))
		}
	}
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// LoadFile overlays the settings in the TOML file at path onto c. Keys that
// match no setting are an error.
func LoadFile(path string, c *Config) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("error loading config file %q: %w", path, err)
	}
	if keys := md.Undecoded(); len(keys) != 0 {
		return fmt.Errorf("unknown keys in config file %q: %v", path, keys)
	}
	return nil
}

// PmapConfig returns the MMU configuration.
func (c *Config) PmapConfig() pmap.Config {
	return pmap.Config{
		Scheme: c.Scheme,
		Machine: machine.Config{
			Cores:      c.Cores,
			TLBEntries: c.TLBEntries,
		},
		PTEGs:       c.PTEGs,
		PIDBits:     c.PIDBits,
		Superpages:  c.Superpages,
		RecordLimit: c.RecordLimit,
	}
}

// Source returns the physical memory description.
func (c *Config) Source() physmem.StaticSource {
	src := physmem.StaticSource{}
	for _, r := range c.Memory {
		src.Memory = append(src.Memory, r.Region())
	}
	for _, r := range c.Reserved {
		src.Reserved = append(src.Reserved, r.Region())
	}
	return src
}

// Region is a physical address range.
type Region struct {
	Start uint64 `toml:"start"`
	Size  uint64 `toml:"size"`
}

// Region returns r as a physmem.Region.
func (r Region) Region() physmem.Region {
	return physmem.Region{Start: hostarch.PhysAddr(r.Start), Size: r.Size}
}

// RegionList is a list of regions, written on the command line as
// comma-separated start+size pairs, e.g. "0+256M,0x20000000+64M".
type RegionList []Region

// String implements flag.Value.String.
func (l *RegionList) String() string {
	var parts []string
	for _, r := range *l {
		parts = append(parts, fmt.Sprintf("%#x+%s", r.Start, formatSize(r.Size)))
	}
	return strings.Join(parts, ",")
}

// Get implements flag.Getter.Get.
func (l *RegionList) Get() any {
	return append(RegionList(nil), (*l)...)
}

// Set implements flag.Value.Set.
func (l *RegionList) Set(v string) error {
	var rs RegionList
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		start, size, ok := strings.Cut(part, "+")
		if !ok {
			return fmt.Errorf("invalid region %q, want start+size", part)
		}
		s, err := parseSize(start)
		if err != nil {
			return err
		}
		n, err := parseSize(size)
		if err != nil {
			return err
		}
		rs = append(rs, Region{Start: s, Size: n})
	}
	*l = rs
	return nil
}

var sizeSuffixes = []struct {
	suffix string
	shift  uint
}{
	{"G", 30},
	{"M", 20},
	{"K", 10},
}

// parseSize parses a number with an optional K, M or G suffix.
func parseSize(s string) (uint64, error) {
	var shift uint
	for _, sz := range sizeSuffixes {
		if strings.HasSuffix(s, sz.suffix) {
			s, shift = strings.TrimSuffix(s, sz.suffix), sz.shift
			break
		}
	}
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n<<shift>>shift != n {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return n << shift, nil
}

func formatSize(n uint64) string {
	for _, sz := range sizeSuffixes {
		if n != 0 && n&(1<<sz.shift-1) == 0 {
			return fmt.Sprintf("%d%s", n>>sz.shift, sz.suffix)
		}
	}
	return fmt.Sprintf("%#x", n)
}
