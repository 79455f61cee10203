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
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/ptcore/ptcore/pkg/hostarch"
	"github.com/ptcore/ptcore/pkg/pgalloc"
	"github.com/ptcore/ptcore/pkg/ring0/pagetables"
	"github.com/ptcore/ptcore/pkg/sync"
	"github.com/ptcore/ptcore/pkg/vm"
)

// Scenario describes the contents of an address space. Steps are applied in
// the order map, mark, protect, unmap.
//
// Example:
//
//	[[map]]
//	va = 0x200000
//	pages = 512
//	level = 2
//	flags = "rw"
//
//	[[mark]]
//	va = 0x400000
//	pages = 16
//	token = 7
type Scenario struct {
	Map     []MapStep     `toml:"map"`
	Mark    []MarkStep    `toml:"mark"`
	Protect []ProtectStep `toml:"protect"`
	Unmap   []RangeStep   `toml:"unmap"`
}

// RangeStep is a range of pages.
type RangeStep struct {
	VA    uint64 `toml:"va"`
	Pages uint64 `toml:"pages"`
}

// MapStep maps freshly allocated frames.
type MapStep struct {
	RangeStep

	// Level is the level of every frame: 1 for 4K frames, 2 for 2M frames.
	// Zero means 1.
	Level int `toml:"level"`

	// Flags is a subset of "rwxad2".
	Flags string `toml:"flags"`

	// Cache is a cache policy, e.g. "wb". Empty means write-back.
	Cache string `toml:"cache"`
}

// MarkStep stores a token in the unmapped slots of a range.
type MarkStep struct {
	RangeStep
	Token uint64 `toml:"token"`
}

// ProtectStep replaces the flags of every mapping in a range.
type ProtectStep struct {
	RangeStep
	Flags string `toml:"flags"`
}

// LoadScenario reads a scenario from a TOML file.
func LoadScenario(path string) (*Scenario, error) {
	var sc Scenario
	md, err := toml.DecodeFile(path, &sc)
	if err != nil {
		return nil, fmt.Errorf("reading scenario %q: %w", path, err)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		return nil, fmt.Errorf("scenario %q: unknown keys %v", path, undec)
	}
	return &sc, nil
}

func (r RangeStep) addrRange() (hostarch.AddrRange, error) {
	ar, ok := hostarch.Addr(r.VA).ToRange(r.Pages * hostarch.PageSize)
	if !ok || r.Pages == 0 {
		return hostarch.AddrRange{}, fmt.Errorf("invalid range of %d pages at %#x", r.Pages, r.VA)
	}
	return ar, nil
}

func (st MapStep) property() (hostarch.PageProperty, error) {
	flags, err := hostarch.ParsePageFlags(st.Flags)
	if err != nil {
		return hostarch.PageProperty{}, err
	}
	prop := hostarch.NewPageProperty(flags)
	if st.Cache != "" {
		if prop.Cache, err = hostarch.ParseCachePolicy(st.Cache); err != nil {
			return hostarch.PageProperty{}, err
		}
	}
	return prop, nil
}

// Apply applies sc to s, allocating frames from mf.
func (sc *Scenario) Apply(mf *pgalloc.MemoryFile, s *vm.Space) error {
	for _, st := range sc.Map {
		if err := st.apply(mf, s); err != nil {
			return fmt.Errorf("map %#x: %w", st.VA, err)
		}
	}
	for _, st := range sc.Mark {
		if err := st.apply(s.PageTable()); err != nil {
			return fmt.Errorf("mark %#x: %w", st.VA, err)
		}
	}
	for _, st := range sc.Protect {
		ar, err := st.addrRange()
		if err != nil {
			return err
		}
		flags, err := hostarch.ParsePageFlags(st.Flags)
		if err != nil {
			return err
		}
		if err := s.Protect(ar, func(p *hostarch.PageProperty) { p.Flags = flags }); err != nil {
			return fmt.Errorf("protect %v: %w", ar, err)
		}
	}
	for _, st := range sc.Unmap {
		ar, err := st.addrRange()
		if err != nil {
			return err
		}
		if _, err := s.Unmap(ar); err != nil {
			return fmt.Errorf("unmap %v: %w", ar, err)
		}
	}
	return nil
}

func (st MapStep) apply(mf *pgalloc.MemoryFile, s *vm.Space) error {
	level := st.Level
	if level == 0 {
		level = 1
	}
	if level > pagetables.X86PagingConsts.HighestTranslationLevel {
		return fmt.Errorf("level %d cannot map pages", level)
	}
	per := pgalloc.PagesPerLevel(level)
	if st.Pages%per != 0 || !hostarch.Addr(st.VA).IsAligned(per*hostarch.PageSize) {
		return fmt.Errorf("%d pages at %#x are not level %d frames", st.Pages, st.VA, level)
	}
	if _, err := st.addrRange(); err != nil {
		return err
	}
	prop, err := st.property()
	if err != nil {
		return err
	}
	frames := make([]pgalloc.Frame, 0, st.Pages/per)
	for i := uint64(0); i < st.Pages; i += per {
		fr, err := mf.AllocFrame(level)
		if err != nil {
			for _, fr := range frames {
				fr.DecRef()
			}
			return err
		}
		frames = append(frames, fr)
	}
	return s.Map(hostarch.Addr(st.VA), frames, prop)
}

func (st MarkStep) apply(pt *pagetables.PageTable[vm.MappedFrame]) error {
	ar, err := st.addrRange()
	if err != nil {
		return err
	}
	if st.Token == 0 {
		return fmt.Errorf("token must not be zero")
	}
	am := sync.DisablePreempt()
	defer am.Release()
	c, err := pt.CursorMut(am, ar)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Mark(ar.Length(), pagetables.MakeToken(st.Token))
}
