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
	"fmt"
	"reflect"
	"strconv"

	"gvisor.dev/pmap/pkg/pmap"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "TOML file with settings; flags given on the command line take precedence.")

	// Machine flags.
	flagSet.Var(schemePtr(pmap.SchemeAuto), "scheme", "translation scheme: auto (default), hash, radix.")
	flagSet.Var(regionsPtr("0+256M"), "memory", "physical memory regions as comma-separated start+size pairs.")
	flagSet.Var(regionsPtr(""), "reserved", "memory regions the frame allocator must not use, as start+size pairs.")
	flagSet.Int("cores", 4, "number of simulated cores.")
	flagSet.Int("tlb-entries", 0, "TLB entries per core, 0 for the machine default.")

	// Engine flags.
	flagSet.Uint64("ptegs", 0, "hashed page table groups, a power of two of at least 2048. 0 sizes the table from memory.")
	flagSet.Uint("pid-bits", 0, "width of radix process identifiers, 0 for the default.")
	flagSet.Bool("superpages", false, "promote fully populated aligned ranges to superpages.")
	flagSet.Int64("record-limit", 0, "maximum hashed scheme mapping records, 0 for no limit.")

	// Debugging flags.
	flagSet.String("log", "", "file path where logs are written, default is stderr. The following variables are available: %TIMESTAMP%, %COMMAND%, %SCHEME%.")
	flagSet.String("log-format", "text", "log format: text (default), json, or json-k8s.")
	flagSet.Bool("debug", false, "enable debug logging.")
}

func schemePtr(s pmap.Scheme) *pmap.Scheme {
	return &s
}

func regionsPtr(v string) *RegionList {
	var l RegionList
	if err := l.Set(v); err != nil {
		panic(err)
	}
	return &l
}

// NewFromFlags creates a new Config with values coming from command line
// flags. If --config names a file, its settings replace the flag defaults
// and flags set explicitly are applied on top.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	if err := conf.fromFlags(flagSet, func(string) bool { return true }); err != nil {
		return nil, err
	}
	if conf.ConfigFile != "" {
		if err := LoadFile(conf.ConfigFile, conf); err != nil {
			return nil, err
		}
		set := make(map[string]bool)
		flagSet.Visit(func(f *flag.Flag) { set[f.Name] = true })
		if err := conf.fromFlags(flagSet, func(name string) bool { return set[name] }); err != nil {
			return nil, err
		}
	}
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// fromFlags copies the value of each flag selected by want into c.
func (c *Config) fromFlags(flagSet *flag.FlagSet, want func(name string) bool) error {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok || !want(name) {
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		getter, ok := fl.Value.(flag.Getter)
		if !ok {
			return fmt.Errorf("flag %q has no value getter", name)
		}
		obj.Field(i).Set(reflect.ValueOf(getter.Get()))
	}
	return nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			continue
		}
		val := getVal(obj.Field(i))

		flag := flagSet.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == flag.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", flag.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
