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

// Package vm provides the page table configurations of an address space and
// the TLB discipline their users must follow.
package vm

import (
	"fmt"

	"github.com/ptcore/ptcore/pkg/hostarch"
	"github.com/ptcore/ptcore/pkg/pgalloc"
	"github.com/ptcore/ptcore/pkg/ring0/pagetables"
)

var (
	// UserRange is the range of user page tables: the lower canonical
	// half, without its last page.
	UserRange = hostarch.AddrRange{Start: 0, End: 0x0000_7fff_ffff_f000}

	// KernelRange is the range of kernel page tables: the upper canonical
	// half, without its last page.
	KernelRange = hostarch.AddrRange{Start: 0xffff_8000_0000_0000, End: 0xffff_ffff_ffff_f000}
)

// MappedFrame is a frame mapped in a user page table. It holds one reference
// on Frame.
type MappedFrame struct {
	Frame pgalloc.Frame
	Prop  hostarch.PageProperty
}

// String implements fmt.Stringer.String.
func (m MappedFrame) String() string {
	return fmt.Sprintf("%v %v", m.Frame, m.Prop)
}

// UserConfig is the configuration of user page tables. They map frames of
// MF and hold references on them.
type UserConfig struct {
	MF *pgalloc.MemoryFile
}

var _ pagetables.Config[MappedFrame] = UserConfig{}

// Consts implements pagetables.Config.Consts.
func (UserConfig) Consts() pagetables.PagingConsts {
	return pagetables.X86PagingConsts
}

// VaddrRange implements pagetables.Config.VaddrRange.
func (UserConfig) VaddrRange() hostarch.AddrRange {
	return UserRange
}

// Tracked implements pagetables.Config.Tracked.
func (UserConfig) Tracked() bool {
	return true
}

// ItemIntoRaw implements pagetables.Config.ItemIntoRaw.
func (UserConfig) ItemIntoRaw(m MappedFrame) (hostarch.PhysAddr, int, hostarch.PageProperty) {
	return m.Frame.IntoRaw(), m.Frame.Level(), m.Prop
}

// ItemFromRaw implements pagetables.Config.ItemFromRaw.
func (c UserConfig) ItemFromRaw(pa hostarch.PhysAddr, level int, prop hostarch.PageProperty) MappedFrame {
	fr := c.MF.FrameFromRaw(pa)
	if fr.Level() != level {
		panic(fmt.Sprintf("level %d frame %v mapped at level %d", fr.Level(), fr, level))
	}
	return MappedFrame{Frame: fr, Prop: prop}
}

// UntrackedRange is physical memory mapped in a kernel page table, e.g. the
// linear mapping or device memory. No reference is held on it.
type UntrackedRange struct {
	PA    hostarch.PhysAddr
	Level int
	Prop  hostarch.PageProperty
}

// KernelConfig is the configuration of kernel page tables.
type KernelConfig struct{}

var _ pagetables.Config[UntrackedRange] = KernelConfig{}

// Consts implements pagetables.Config.Consts.
func (KernelConfig) Consts() pagetables.PagingConsts {
	return pagetables.X86PagingConsts
}

// VaddrRange implements pagetables.Config.VaddrRange.
func (KernelConfig) VaddrRange() hostarch.AddrRange {
	return KernelRange
}

// Tracked implements pagetables.Config.Tracked.
func (KernelConfig) Tracked() bool {
	return false
}

// ItemIntoRaw implements pagetables.Config.ItemIntoRaw.
func (KernelConfig) ItemIntoRaw(r UntrackedRange) (hostarch.PhysAddr, int, hostarch.PageProperty) {
	return r.PA, r.Level, r.Prop
}

// ItemFromRaw implements pagetables.Config.ItemFromRaw.
func (KernelConfig) ItemFromRaw(pa hostarch.PhysAddr, level int, prop hostarch.PageProperty) UntrackedRange {
	return UntrackedRange{PA: pa, Level: level, Prop: prop}
}
