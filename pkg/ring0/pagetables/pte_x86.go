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
)

// x86-64 page table entry bits.
const (
	x86Present      PTE = 1 << 0
	x86Writable     PTE = 1 << 1
	x86User         PTE = 1 << 2
	x86WriteThrough PTE = 1 << 3
	x86NoCache      PTE = 1 << 4
	x86Accessed     PTE = 1 << 5
	x86Dirty        PTE = 1 << 6

	// x86Huge marks a huge leaf at levels above 1. In a level 1 leaf the
	// same bit selects the PAT.
	x86Huge PTE = 1 << 7
	x86PAT  PTE = x86Huge

	x86Global PTE = 1 << 8

	// Bits ignored by hardware.
	x86HighIgn1 PTE = 1 << 52
	x86HighIgn2 PTE = 1 << 53

	// x86ValidPage marks a level 1 leaf.
	x86ValidPage PTE = 1 << 61

	x86NoExecute PTE = 1 << 63

	x86PhysAddrMask PTE = 0xF_FFFF_FFFF_F000
	x86PropMask     PTE = ^x86PhysAddrMask &^ x86Huge &^ x86ValidPage
)

// X86 is the x86-64 entry encoding.
type X86 struct{}

var _ Arch = X86{}

// NewAbsent implements Arch.NewAbsent.
func (X86) NewAbsent() PTE {
	return 0
}

// NewPage implements Arch.NewPage.
func (a X86) NewPage(pa hostarch.PhysAddr, level int, prop hostarch.PageProperty) PTE {
	marker := x86Huge
	if level == 1 {
		marker = x86ValidPage
	}
	return a.SetProp(PTE(pa)&x86PhysAddrMask|marker, prop)
}

// NewPT implements Arch.NewPT.
//
// Pointers to child nodes grant everything; leaves restrict access.
func (X86) NewPT(pa hostarch.PhysAddr) PTE {
	return PTE(pa)&x86PhysAddrMask | x86Present | x86Writable | x86User
}

// NewToken implements Arch.NewToken.
func (X86) NewToken(tok Token) PTE {
	if tok == 0 || PTE(tok)&^x86PhysAddrMask != 0 {
		panic(fmt.Sprintf("token %#x cannot be stored in an x86 entry", uint64(tok)))
	}
	return PTE(tok)
}

// IsPresent implements Arch.IsPresent.
func (X86) IsPresent(pte PTE) bool {
	return pte&(x86Present|x86Huge|x86ValidPage) != 0
}

// Paddr implements Arch.Paddr.
func (X86) Paddr(pte PTE) hostarch.PhysAddr {
	return hostarch.PhysAddr(pte & x86PhysAddrMask)
}

// IsLast implements Arch.IsLast.
func (X86) IsLast(pte PTE, level int) bool {
	return pte&(x86Huge|x86ValidPage) != 0
}

// Prop implements Arch.Prop.
func (X86) Prop(pte PTE) hostarch.PageProperty {
	var prop hostarch.PageProperty
	if pte&x86Present != 0 {
		prop.Flags |= hostarch.Readable
	}
	if pte&x86Writable != 0 {
		prop.Flags |= hostarch.Writable
	}
	if pte&x86NoExecute == 0 {
		prop.Flags |= hostarch.Executable
	}
	if pte&x86Accessed != 0 {
		prop.Flags |= hostarch.Accessed
	}
	if pte&x86Dirty != 0 {
		prop.Flags |= hostarch.Dirty
	}
	if pte&x86HighIgn2 != 0 {
		prop.Flags |= hostarch.Avail2
	}
	if pte&x86User != 0 {
		prop.Priv |= hostarch.User
	}
	if pte&x86Global != 0 {
		prop.Priv |= hostarch.Global
	}
	if pte&x86HighIgn1 != 0 {
		prop.Priv |= hostarch.Avail1
	}

	// PAT PCD PWT:
	//  0   0   0  WB
	//  0   0   1  WT
	//  0   1   x  UC
	//  1   0   0  WC
	//  1   0   1  WP
	//  1   1   x  UC
	pat := pte&x86ValidPage != 0 && pte&x86PAT != 0
	pcd := pte&x86NoCache != 0
	pwt := pte&x86WriteThrough != 0
	switch {
	case pcd:
		prop.Cache = hostarch.Uncacheable
	case pat && pwt:
		prop.Cache = hostarch.WriteProtected
	case pat:
		prop.Cache = hostarch.WriteCombining
	case pwt:
		prop.Cache = hostarch.Writethrough
	default:
		prop.Cache = hostarch.Writeback
	}
	return prop
}

// SetProp implements Arch.SetProp.
//
// It panics if a cache policy that needs the PAT is requested for a huge
// leaf: bit 7 of a huge leaf is the size bit.
func (X86) SetProp(pte PTE, prop hostarch.PageProperty) PTE {
	if pte&(x86Present|x86Huge|x86ValidPage) == 0 {
		return pte
	}
	var flags PTE
	if prop.Flags&hostarch.Readable != 0 {
		flags |= x86Present
	}
	if prop.Flags&hostarch.Writable != 0 {
		flags |= x86Writable
	}
	if prop.Flags&hostarch.Executable == 0 {
		flags |= x86NoExecute
	}
	if prop.Flags&hostarch.Accessed != 0 {
		flags |= x86Accessed
	}
	if prop.Flags&hostarch.Dirty != 0 {
		flags |= x86Dirty
	}
	if prop.Flags&hostarch.Avail2 != 0 {
		flags |= x86HighIgn2
	}
	if prop.Priv&hostarch.User != 0 {
		flags |= x86User
	}
	if prop.Priv&hostarch.Global != 0 {
		flags |= x86Global
	}
	if prop.Priv&hostarch.Avail1 != 0 {
		flags |= x86HighIgn1
	}

	small := pte&x86ValidPage != 0
	switch prop.Cache {
	case hostarch.Writeback:
	case hostarch.Writethrough:
		flags |= x86WriteThrough
	case hostarch.Uncacheable:
		flags |= x86NoCache
	case hostarch.WriteCombining, hostarch.WriteProtected:
		if !small {
			panic(fmt.Sprintf("cache policy %v is only supported for 4K leaves, entry %#x", prop.Cache, uint64(pte)))
		}
		flags |= x86PAT
		if prop.Cache == hostarch.WriteProtected {
			flags |= x86WriteThrough
		}
	default:
		panic(fmt.Sprintf("unknown cache policy %v", prop.Cache))
	}

	keep := pte &^ x86PropMask
	if small {
		// Bit 7 is the PAT bit here, owned by the property.
		keep &^= x86PAT
	}
	return keep | flags
}
