// Copyright 2026 The gVisor Authors.
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

// Package config holds the configuration shared by all ptctl commands.
package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/ptcore/ptcore/pkg/log"
	"github.com/ptcore/ptcore/pkg/refs"
)

// Config holds the configuration of a ptctl invocation. Fields are populated
// from flags, which may themselves be seeded from a TOML file.
type Config struct {
	// LogFilename is the file debug output is written to. Empty means
	// stderr. The pattern accepts %COMMAND%.
	LogFilename string `flag:"log"`

	// LogFormat is the log format: text, json or json-k8s.
	LogFormat string `flag:"log-format"`

	// Debug enables debug logging.
	Debug bool `flag:"debug"`

	// ReferenceLeak sets the reference leak check mode.
	ReferenceLeak refs.LeakMode `flag:"ref-leak-mode"`

	// MemorySize is the size of the physical memory arena in bytes.
	MemorySize uint64 `flag:"memory"`

	// CPUs is the number of simulated CPUs receiving TLB shootdowns.
	CPUs int `flag:"cpus"`

	// PCIDs enables process context identifiers when building CR3 values.
	PCIDs bool `flag:"pcids"`
}

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "TOML file with default flag values. Flags passed on the command line take precedence.")

	// Debugging flags.
	flagSet.String("log", "", "file path where debug information is written, default is stderr. %COMMAND% is replaced by the subcommand name.")
	flagSet.String("log-format", "text", "log format: text (default), json, or json-k8s.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.Var(leakModePtr(refs.NoLeakChecking), "ref-leak-mode", "sets reference leak check mode: disabled (default), log-names, panic.")

	// Simulated machine.
	flagSet.Uint64("memory", 64<<20, "size of the physical memory arena in bytes.")
	flagSet.Int("cpus", 4, "number of CPUs receiving TLB shootdowns.")
	flagSet.Bool("pcids", false, "tag address spaces with PCIDs.")
}

func leakModePtr(v refs.LeakMode) *refs.LeakMode {
	return &v
}

// NewFromFlags creates a new Config with values coming from the given flag
// set. If the config flag names a file, its values are applied first to
// every flag not set explicitly.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	if path := flagSet.Lookup("config").Value.String(); path != "" {
		if err := applyFile(flagSet, path); err != nil {
			return nil, err
		}
	}

	conf := &Config{}
	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x.Convert(f.Type))
	}

	if conf.MemorySize == 0 {
		return nil, fmt.Errorf("memory size must be positive")
	}
	if conf.CPUs <= 0 {
		return nil, fmt.Errorf("cpus must be positive, got %d", conf.CPUs)
	}
	switch conf.LogFormat {
	case "text", "json", "json-k8s":
	default:
		return nil, fmt.Errorf("invalid log format %q, must be 'text', 'json', or 'json-k8s'", conf.LogFormat)
	}
	return conf, nil
}

// applyFile sets every flag named in the TOML file at path that was not
// passed on the command line.
func applyFile(flagSet *flag.FlagSet, path string) error {
	var values map[string]any
	if _, err := toml.DecodeFile(path, &values); err != nil {
		return fmt.Errorf("reading config %q: %w", path, err)
	}
	explicit := make(map[string]bool)
	flagSet.Visit(func(f *flag.Flag) {
		explicit[f.Name] = true
	})
	for name, v := range values {
		if name == "config" || flagSet.Lookup(name) == nil {
			return fmt.Errorf("config %q: unknown flag %q", path, name)
		}
		if explicit[name] {
			continue
		}
		if err := flagSet.Set(name, formatValue(v)); err != nil {
			return fmt.Errorf("config %q: flag %q: %w", path, name, err)
		}
	}
	return nil
}

func formatValue(v any) string {
	switch v := v.(type) {
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.LogFilename: %s", c.LogFilename)
	log.Infof("Config.LogFormat: %s", c.LogFormat)
	log.Infof("Config.Debug: %t", c.Debug)
	log.Infof("Config.ReferenceLeak: %v", c.ReferenceLeak)
	log.Infof("Config.MemorySize: %#x", c.MemorySize)
	log.Infof("Config.CPUs: %d", c.CPUs)
	log.Infof("Config.PCIDs: %t", c.PCIDs)
}
