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

// Package pagetables implements a concurrent multi-level page table in
// simulated physical memory.
//
// Any number of goroutines may operate on one table at the same time through
// cursors. A cursor locks every node covering its virtual address range when
// it is created, so cursors over disjoint ranges proceed in parallel while
// cursors over overlapping ranges are serialized.
package pagetables

import (
	"fmt"

	"github.com/ptcore/ptcore/pkg/hostarch"
)

// MaxNrLevels is the largest number of levels a table may have.
const MaxNrLevels = 4

// PagingConsts describes the geometry of a page table.
type PagingConsts struct {
	// BasePageSize is the size of a level 1 page.
	BasePageSize uint64

	// NrLevels is the number of levels of the table.
	NrLevels int

	// AddressWidth is the number of significant virtual address bits.
	AddressWidth uint

	// VASignExt is true if addresses are sign-extended from the most
	// significant address bit.
	VASignExt bool

	// HighestTranslationLevel is the highest level that may hold a leaf.
	HighestTranslationLevel int

	// PTESize is the size of a page table entry in bytes.
	PTESize uint64
}

// X86PagingConsts are the paging constants of 4-level x86-64 paging.
var X86PagingConsts = PagingConsts{
	BasePageSize:            hostarch.PageSize,
	NrLevels:                4,
	AddressWidth:            48,
	VASignExt:               true,
	HighestTranslationLevel: 2,
	PTESize:                 8,
}

// NrEntries returns the number of entries of a node.
func (c PagingConsts) NrEntries() int {
	return int(c.BasePageSize / c.PTESize)
}

func (c PagingConsts) bitsPerLevel() uint {
	bits := uint(0)
	for n := c.NrEntries(); n > 1; n >>= 1 {
		bits++
	}
	return bits
}

func (c PagingConsts) baseShift() uint {
	shift := uint(0)
	for n := c.BasePageSize; n > 1; n >>= 1 {
		shift++
	}
	return shift
}

// PageSize returns the size of the range covered by one entry at level.
// PageSize(NrLevels+1) is the size of the whole address space.
func (c PagingConsts) PageSize(level int) uint64 {
	return c.BasePageSize << (c.bitsPerLevel() * uint(level-1))
}

// PTEIndex returns the index of the entry covering va in a node at level.
func (c PagingConsts) PTEIndex(va hostarch.Addr, level int) int {
	shift := c.baseShift() + c.bitsPerLevel()*uint(level-1)
	return int((uint64(va) >> shift) & uint64(c.NrEntries()-1))
}

// Canonical returns va with its high bits set as hardware expects.
func (c PagingConsts) Canonical(va hostarch.Addr) hostarch.Addr {
	if !c.VASignExt || c.AddressWidth >= 64 {
		return va
	}
	mask := hostarch.Addr(1)<<c.AddressWidth - 1
	va &= mask
	if va&(hostarch.Addr(1)<<(c.AddressWidth-1)) != 0 {
		va |= ^mask
	}
	return va
}

// validate panics if the table cannot be represented.
func (c PagingConsts) validate() {
	switch {
	case c.NrLevels < 1 || c.NrLevels > MaxNrLevels:
		panic(fmt.Sprintf("%d page table levels exceed the maximum of %d", c.NrLevels, MaxNrLevels))
	case c.BasePageSize != hostarch.PageSize || c.PTESize != 8:
		panic(fmt.Sprintf("unsupported node geometry: %d byte pages of %d byte entries", c.BasePageSize, c.PTESize))
	case c.HighestTranslationLevel < 1 || c.HighestTranslationLevel > c.NrLevels:
		panic(fmt.Sprintf("highest translation level %d out of [1, %d]", c.HighestTranslationLevel, c.NrLevels))
	}
}

// addrEnd returns the end of the slot of the given size covering addr, or end
// if that comes first.
func addrEnd(addr, end hostarch.Addr, size uint64) hostarch.Addr {
	next := (addr + hostarch.Addr(size)) &^ hostarch.Addr(size-1)
	if next < addr || next > end {
		return end
	}
	return next
}

// saturatingAdd returns va+size, or the highest address on overflow.
func saturatingAdd(va hostarch.Addr, size uint64) hostarch.Addr {
	end := va + hostarch.Addr(size)
	if end < va {
		return ^hostarch.Addr(0)
	}
	return end
}
