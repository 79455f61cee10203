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
	"github.com/ptcore/ptcore/pkg/log"
)

// FragKind is the kind of a PageTableFrag.
type FragKind int

const (
	// FragMapped is a single mapped item.
	FragMapped FragKind = iota

	// FragStrayPageTable is a sub-tree cut out of the table.
	FragStrayPageTable

	// FragMarked is a slot that held a token.
	FragMarked
)

// String implements fmt.Stringer.String.
func (k FragKind) String() string {
	switch k {
	case FragMapped:
		return "Mapped"
	case FragStrayPageTable:
		return "StrayPageTable"
	case FragMarked:
		return "Marked"
	default:
		return fmt.Sprintf("FragKind(%d)", int(k))
	}
}

// PageTableFrag is content removed from a page table. Hardware may still
// translate through it until the caller has flushed the TLB for Range, so it
// must be released only afterwards.
type PageTableFrag[I any] struct {
	Kind FragKind

	// VA is the first address of the removed slot.
	VA hostarch.Addr

	// Level is the level of the removed slot.
	Level int

	// Item is the removed item, for FragMapped. It owns the reference the
	// table held. Callers keeping Item must not call Release.
	Item I

	// NumFrames is the number of pages mapped in a stray sub-tree.
	NumFrames int

	// Token is the removed token, for FragMarked.
	Token Token

	core     *tableCore
	cfg      Config[I]
	node     *Node
	released bool
}

// Range returns the addresses whose translations were removed.
func (f *PageTableFrag[I]) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: f.VA, End: saturatingAdd(f.VA, f.core.consts.PageSize(f.Level))}
}

// Len returns the length of Range.
func (f *PageTableFrag[I]) Len() uint64 {
	return f.core.consts.PageSize(f.Level)
}

// Release drops the removed content: the item's reference, or every node and
// tracked frame of a stray sub-tree.
func (f *PageTableFrag[I]) Release() {
	if f.released {
		panic(fmt.Sprintf("%v fragment at %v released twice", f.Kind, f.VA))
	}
	f.released = true
	switch f.Kind {
	case FragMapped:
		pa, level, prop := f.cfg.ItemIntoRaw(f.Item)
		leafChild(f.core.tracked, pa, level, prop).release(f.core)
	case FragStrayPageTable:
		f.node.decRef()
		f.node = nil
	}
}

// String implements fmt.Stringer.String.
func (f *PageTableFrag[I]) String() string {
	switch f.Kind {
	case FragStrayPageTable:
		return fmt.Sprintf("%v{%v, %d frames}", f.Kind, f.Range(), f.NumFrames)
	case FragMarked:
		return fmt.Sprintf("%v{%v, %v}", f.Kind, f.Range(), f.Token)
	default:
		return fmt.Sprintf("%v{%v}", f.Kind, f.Range())
	}
}

// fragFromChild wraps content removed from the slot at va and level. A cut
// sub-tree is marked stray and unlocked. It returns nil for childNone.
func fragFromChild[I any](pt *PageTable[I], ch child, va hostarch.Addr, level int) *PageTableFrag[I] {
	f := &PageTableFrag[I]{VA: va, Level: level, core: pt.core, cfg: pt.cfg}
	switch ch.kind {
	case childNone:
		return nil
	case childFrame, childUntracked:
		f.Kind = FragMapped
		f.Item = pt.cfg.ItemFromRaw(ch.pa, ch.level, ch.prop)
	case childToken:
		f.Kind = FragMarked
		f.Token = ch.token
	case childPageTable:
		f.Kind = FragStrayPageTable
		f.node = ch.node
		f.NumFrames = pt.core.dfsMarkStrayAndUnlock(ch.node)
		if log.IsLogging(log.Debug) {
			log.Debugf("Cut level %d node %v at %v holding %d frames", ch.node.level, ch.node.PA(), va, f.NumFrames)
		}
	}
	return f
}
