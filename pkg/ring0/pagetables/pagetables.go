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

package pagetables

import (
	"fmt"

	"github.com/ptcore/ptcore/pkg/hostarch"
	"github.com/ptcore/ptcore/pkg/pgalloc"
	"github.com/ptcore/ptcore/pkg/sync"
)

// Config describes one use of page tables, e.g. kernel or user tables, and
// the items mapped by them.
type Config[I any] interface {
	// Consts returns the paging constants.
	Consts() PagingConsts

	// VaddrRange returns the addresses the table may map.
	VaddrRange() hostarch.AddrRange

	// Tracked returns true if mapped physical addresses are pgalloc frames
	// whose references are held by the table.
	Tracked() bool

	// ItemIntoRaw returns the raw parts of item. For tracked tables the
	// frame reference held by item moves to the raw form.
	ItemIntoRaw(item I) (hostarch.PhysAddr, int, hostarch.PageProperty)

	// ItemFromRaw rebuilds an item from raw parts returned by ItemIntoRaw,
	// taking over the reference they carry.
	ItemFromRaw(pa hostarch.PhysAddr, level int, prop hostarch.PageProperty) I
}

// PageTable is a page table mapping items of type I.
type PageTable[I any] struct {
	core *tableCore
	cfg  Config[I]
	root *Node
}

// New returns an empty page table whose nodes are allocated from mf.
//
// It panics if the configuration cannot be represented.
func New[I any](cfg Config[I], mf *pgalloc.MemoryFile, arch Arch) (*PageTable[I], error) {
	consts := cfg.Consts()
	consts.validate()
	vr := cfg.VaddrRange()
	if !vr.WellFormed() || vr.IsEmpty() || !vr.Start.IsPageAligned() || !vr.End.IsPageAligned() {
		panic(fmt.Sprintf("invalid page table address range %v", vr))
	}
	core := &tableCore{
		mf:      mf,
		arch:    arch,
		consts:  consts,
		tracked: cfg.Tracked(),
	}
	root, err := core.allocNode(consts.NrLevels, 0)
	if err != nil {
		return nil, err
	}
	root.unlock()
	return &PageTable[I]{core: core, cfg: cfg, root: root}, nil
}

// Config returns the configuration of the table.
func (pt *PageTable[I]) Config() Config[I] {
	return pt.cfg
}

// Consts returns the paging constants of the table.
func (pt *PageTable[I]) Consts() PagingConsts {
	return pt.core.consts
}

// Arch returns the entry encoding of the table.
func (pt *PageTable[I]) Arch() Arch {
	return pt.core.arch
}

// MemoryFile returns the memory holding the table.
func (pt *PageTable[I]) MemoryFile() *pgalloc.MemoryFile {
	return pt.core.mf
}

// RootPaddr returns the physical address of the root node.
func (pt *PageTable[I]) RootPaddr() hostarch.PhysAddr {
	return pt.root.PA()
}

// CR3 returns the CR3 value for these tables.
//
// If pcid is non-zero and noFlush is set, bit 63 asks the processor to keep
// the PCID's TLB entries.
func (pt *PageTable[I]) CR3(noFlush bool, pcid uint16) uint64 {
	const noFlushBit uint64 = 0x8000000000000000
	cr3 := uint64(pt.root.PA()) | uint64(pcid)
	if pcid != 0 && noFlush {
		cr3 |= noFlushBit
	}
	return cr3
}

// Release drops the table and everything it maps.
//
// Precondition: no cursor of the table exists, and the caller has flushed
// all translations of the table.
func (pt *PageTable[I]) Release() {
	pt.root.decRef()
	pt.root = nil
}

// checkRange validates a cursor range.
func (pt *PageTable[I]) checkRange(va hostarch.AddrRange) error {
	if !va.WellFormed() || va.IsEmpty() || !pt.cfg.VaddrRange().IsSupersetOf(va) {
		return &Error{Kind: InvalidVaddrRange, Range: va}
	}
	if !va.Start.IsPageAligned() || !va.End.IsPageAligned() {
		return &Error{Kind: UnalignedVaddr, Range: va}
	}
	return nil
}

// Cursor returns a cursor over va. The cursor holds the locks of va until
// Close.
//
// It panics if am is not active.
func (pt *PageTable[I]) Cursor(am *sync.AtomicMode, va hostarch.AddrRange) (*Cursor[I], error) {
	c, err := pt.newCursor(am, va)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CursorMut returns a cursor that may also modify va.
func (pt *PageTable[I]) CursorMut(am *sync.AtomicMode, va hostarch.AddrRange) (*CursorMut[I], error) {
	c, err := pt.newCursor(am, va)
	if err != nil {
		return nil, err
	}
	return &CursorMut[I]{Cursor: c}, nil
}

func (pt *PageTable[I]) newCursor(am *sync.AtomicMode, va hostarch.AddrRange) (Cursor[I], error) {
	if !am.Active() {
		panic("page table cursor created outside of atomic mode")
	}
	if err := pt.checkRange(va); err != nil {
		return Cursor[I]{}, err
	}
	return pt.lockRange(am, va)
}
