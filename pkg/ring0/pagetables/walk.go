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
)

// Translation is a leaf found by a hardware walk.
type Translation struct {
	// VA is the first address of the page.
	VA hostarch.Addr

	// PA is the physical address of the page.
	PA hostarch.PhysAddr

	// Level is the level of the leaf.
	Level int

	Prop hostarch.PageProperty
}

// Walker reads the raw entries of a table the way the MMU does, without
// taking locks or consulting node headers.
type Walker struct {
	Mem    *pgalloc.MemoryFile
	Arch   Arch
	Consts PagingConsts
	Root   hostarch.PhysAddr
}

// NewWalker returns a walker over the current contents of pt.
func NewWalker[I any](pt *PageTable[I]) *Walker {
	return &Walker{
		Mem:    pt.MemoryFile(),
		Arch:   pt.Arch(),
		Consts: pt.Consts(),
		Root:   pt.RootPaddr(),
	}
}

func (w *Walker) readPTE(table hostarch.PhysAddr, idx int) (PTE, bool) {
	pa := table + hostarch.PhysAddr(uint64(idx)*w.Consts.PTESize)
	if !w.Mem.Contains(pa, w.Consts.PTESize) {
		return 0, false
	}
	return PTE(w.Mem.ReadWord(pa)), true
}

// Translate returns the translation of va.
func (w *Walker) Translate(va hostarch.Addr) (Translation, bool) {
	if w.Consts.Canonical(va) != va {
		return Translation{}, false
	}
	table := w.Root
	for level := w.Consts.NrLevels; level >= 1; level-- {
		pte, ok := w.readPTE(table, w.Consts.PTEIndex(va, level))
		if !ok || !w.Arch.IsPresent(pte) {
			return Translation{}, false
		}
		if w.Arch.IsLast(pte, level) {
			return Translation{
				VA:    va.AlignDown(w.Consts.PageSize(level)),
				PA:    w.Arch.Paddr(pte),
				Level: level,
				Prop:  w.Arch.Prop(pte),
			}, true
		}
		table = w.Arch.Paddr(pte)
	}
	panic(fmt.Sprintf("level 1 entry for %v is not a leaf", va))
}

// Walk calls fn for every leaf intersecting ar, in address order, until fn
// returns false.
func (w *Walker) Walk(ar hostarch.AddrRange, fn func(Translation) bool) {
	w.walkLevel(w.Root, w.Consts.NrLevels, ar.Start, ar.End, fn)
}

func (w *Walker) walkLevel(table hostarch.PhysAddr, level int, start, end hostarch.Addr, fn func(Translation) bool) bool {
	size := w.Consts.PageSize(level)
	for start < end {
		next := addrEnd(start, end, size)
		pte, ok := w.readPTE(table, w.Consts.PTEIndex(start, level))
		if ok && w.Arch.IsPresent(pte) {
			if w.Arch.IsLast(pte, level) {
				t := Translation{
					VA:    start.AlignDown(size),
					PA:    w.Arch.Paddr(pte),
					Level: level,
					Prop:  w.Arch.Prop(pte),
				}
				if !fn(t) {
					return false
				}
			} else if !w.walkLevel(w.Arch.Paddr(pte), level-1, start, next, fn) {
				return false
			}
		}
		start = next
	}
	return true
}
