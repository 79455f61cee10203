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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"

	"github.com/ptcore/ptcore/pkg/hostarch"
	"github.com/ptcore/ptcore/pkg/ring0/pagetables"
	"github.com/ptcore/ptcore/pkg/sync"
	"github.com/ptcore/ptcore/pkg/vm"
	"github.com/ptcore/ptcore/ptctl/config"
)

// Dump implements subcommands.Command for the "dump" command.
type Dump struct {
	tokens bool
}

// Name implements subcommands.Command.Name.
func (*Dump) Name() string {
	return "dump"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Dump) Synopsis() string {
	return "build an address space from a scenario and print its mappings"
}

// Usage implements subcommands.Command.Usage.
func (*Dump) Usage() string {
	return `dump [flags] <scenario.toml> - print the mappings of a scenario.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Dump) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&d.tokens, "tokens", true, "also print marked ranges.")
}

// Execute implements subcommands.Command.Execute.
func (d *Dump) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	sc, err := LoadScenario(f.Arg(0))
	if err != nil {
		Fatalf("%v", err)
	}
	if err := withScenario(conf, sc, func(s *vm.Space, cr3 uint64) error {
		fmt.Printf("CR3 %#x\n", cr3)
		return d.dump(os.Stdout, s)
	}); err != nil {
		Fatalf("dump: %v", err)
	}
	return subcommands.ExitSuccess
}

// withScenario runs fn on a fresh address space holding sc.
func withScenario(conf *config.Config, sc *Scenario, fn func(s *vm.Space, cr3 uint64) error) error {
	m, err := newMachine(conf)
	if err != nil {
		return err
	}
	defer m.destroy()
	s, cr3, err := m.newSpace()
	if err != nil {
		return err
	}
	err = sc.Apply(m.mf, s)
	if err == nil {
		err = fn(s, cr3)
	}
	if rerr := m.release(s); err == nil {
		err = rerr
	}
	return err
}

// dump prints one line per mapped or marked slot of s, in address order.
func (d *Dump) dump(out io.Writer, s *vm.Space) error {
	am := sync.DisablePreempt()
	defer am.Release()
	c, err := s.PageTable().Cursor(am, vm.UserRange)
	if err != nil {
		return err
	}
	defer c.Close()

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "START\tEND\tSIZE\tTARGET\tPROPERTY")
	for {
		state, ok := c.Next()
		if !ok {
			break
		}
		switch {
		case state.Mapped:
			fmt.Fprintf(w, "%v\t%v\t%s\t%v\t%v\n", state.Range.Start, state.Range.End, sizeString(state.Range.Length()), state.Item.Frame.PA(), state.Item.Prop)
			state.Item.Frame.DecRef()
		case state.Token != 0 && d.tokens:
			fmt.Fprintf(w, "%v\t%v\t%s\t%v\t-\n", state.Range.Start, state.Range.End, sizeString(state.Range.Length()), state.Token)
		}
	}
	return w.Flush()
}

func sizeString(n uint64) string {
	switch {
	case n >= 1<<30 && n%(1<<30) == 0:
		return fmt.Sprintf("%dG", n>>30)
	case n >= hostarch.HugePageSize && n%hostarch.HugePageSize == 0:
		return fmt.Sprintf("%dM", n>>20)
	default:
		return fmt.Sprintf("%dK", n>>10)
	}
}

// Translate implements subcommands.Command for the "translate" command.
type Translate struct{}

// Name implements subcommands.Command.Name.
func (*Translate) Name() string {
	return "translate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Translate) Synopsis() string {
	return "translate addresses of a scenario with a hardware-style walk"
}

// Usage implements subcommands.Command.Usage.
func (*Translate) Usage() string {
	return `translate <scenario.toml> <address>... - print the translation of each address.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Translate) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Translate) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	sc, err := LoadScenario(f.Arg(0))
	if err != nil {
		Fatalf("%v", err)
	}
	vas := make([]hostarch.Addr, 0, f.NArg()-1)
	for _, arg := range f.Args()[1:] {
		var va uint64
		if _, err := fmt.Sscan(arg, &va); err != nil {
			Fatalf("invalid address %q: %v", arg, err)
		}
		vas = append(vas, hostarch.Addr(va))
	}
	if err := withScenario(conf, sc, func(s *vm.Space, _ uint64) error {
		translate(os.Stdout, pagetables.NewWalker(s.PageTable()), vas)
		return nil
	}); err != nil {
		Fatalf("translate: %v", err)
	}
	return subcommands.ExitSuccess
}

func translate(out io.Writer, w *pagetables.Walker, vas []hostarch.Addr) {
	for _, va := range vas {
		t, ok := w.Translate(va)
		if !ok {
			fmt.Fprintf(out, "%v: not mapped\n", va)
			continue
		}
		fmt.Fprintf(out, "%v: %v level %d %v\n", va, t.PA+hostarch.PhysAddr(va-t.VA), t.Level, t.Prop)
	}
}
