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
	"github.com/ptcore/ptcore/pkg/sync"
)

// PagesState is the content of one slot, as seen by Cursor.Query.
type PagesState[I any] struct {
	// Range is the span of the slot.
	Range hostarch.AddrRange

	// Mapped is true if the slot maps Item.
	Mapped bool

	// Item is the mapped item. It holds its own reference, which the caller
	// must release.
	Item I

	// Token is the token stored in an unmapped slot, or zero.
	Token Token
}

// Cursor is a locked, forward-moving position within a page table.
//
// A cursor holds the locks of its whole range until Close. It is not safe for
// concurrent use.
type Cursor[I any] struct {
	pt *PageTable[I]

	// path[l-1] is the node at level l holding the current slot, for every
	// level between level and guardLevel. Lower entries are nil.
	path [MaxNrLevels]*Node

	am *sync.AtomicMode

	// level is the level of the current slot.
	level int

	// guardLevel is the level of the root of the locked sub-tree.
	guardLevel int

	// va is the current address.
	va hostarch.Addr

	// barrier is the range the cursor may access.
	barrier hostarch.AddrRange

	closed bool
}

// VirtAddr returns the current address.
func (c *Cursor[I]) VirtAddr() hostarch.Addr {
	return c.va
}

// Range returns the range the cursor may access.
func (c *Cursor[I]) Range() hostarch.AddrRange {
	return c.barrier
}

// Query returns the slot at the current address. The cursor does not move.
func (c *Cursor[I]) Query() (PagesState[I], error) {
	if c.va >= c.barrier.End {
		return PagesState[I]{}, &Error{Kind: InvalidVaddr, VA: c.va}
	}
	for {
		e := c.curEntry()
		ref := e.toRef()
		state := PagesState[I]{Range: c.curSlot()}
		switch ref.kind {
		case childPageTable:
			c.pushLevel(ref.node)
			continue
		case childFrame, childUntracked:
			owned := ref.toOwned(c.pt.core)
			state.Mapped = true
			state.Item = c.pt.cfg.ItemFromRaw(owned.pa, owned.level, owned.prop)
		case childToken:
			state.Token = ref.token
		}
		return state, nil
	}
}

// FindNext moves to the next mapped address within length bytes and returns
// it. If there is none it returns false, and the cursor is left at the end
// of the window.
func (c *Cursor[I]) FindNext(length uint64) (hostarch.Addr, bool) {
	end := saturatingAdd(c.va, length)
	if end > c.barrier.End {
		end = c.barrier.End
	}
	for c.va < end {
		e := c.curEntry()
		ref := e.toRef()
		switch ref.kind {
		case childPageTable:
			// Skip empty sub-trees.
			if ref.node.nrChildren != 0 {
				c.pushLevel(ref.node)
			} else {
				c.moveForward()
			}
		case childFrame, childUntracked:
			return c.va, true
		default:
			c.moveForward()
		}
	}
	c.clampTo(end)
	return 0, false
}

// Jump moves the cursor to va, which may be before the current address.
//
// It panics if va is not page aligned.
func (c *Cursor[I]) Jump(va hostarch.Addr) error {
	if !va.IsPageAligned() {
		panic(fmt.Sprintf("Jump(%v): unaligned address", va))
	}
	if !c.barrier.Contains(va) {
		return &Error{Kind: InvalidVaddr, VA: va}
	}
	consts := &c.pt.core.consts
	for {
		size := consts.PageSize(c.level + 1)
		nodeStart := c.va.AlignDown(size)
		if nodeStart <= va && va < saturatingAdd(nodeStart, size) {
			c.va = va
			return nil
		}
		// A depleted cursor sits past the guard node, whose parent is not
		// locked.
		if c.va >= c.barrier.End && c.level == c.guardLevel {
			c.va = va
			return nil
		}
		c.popLevel()
	}
}

// Next returns the slot at the current address and moves past it. It
// returns false once the cursor is past its range.
func (c *Cursor[I]) Next() (PagesState[I], bool) {
	state, err := c.Query()
	if err != nil {
		return PagesState[I]{}, false
	}
	c.moveForward()
	return state, true
}

// Close releases every lock held by the cursor. The cursor may not be used
// afterwards.
func (c *Cursor[I]) Close() {
	if c.closed {
		return
	}
	c.unlockRange()
	c.closed = true
}

// curSlot returns the span of the current slot.
func (c *Cursor[I]) curSlot() hostarch.AddrRange {
	size := c.pt.core.consts.PageSize(c.level)
	start := c.va.AlignDown(size)
	return hostarch.AddrRange{Start: start, End: saturatingAdd(start, size)}
}

// clampTo moves the cursor back to end if the last step went past it. end
// must lie in the slot the cursor just left, so every node on the path still
// covers it.
func (c *Cursor[I]) clampTo(end hostarch.Addr) {
	if c.va > end {
		c.va = end
	}
}

// moveForward moves to the next slot at the current level, going up as
// nodes are exhausted.
func (c *Cursor[I]) moveForward() {
	consts := &c.pt.core.consts
	size := consts.PageSize(c.level)
	next := c.va.AlignDown(size) + hostarch.Addr(size)
	if next < c.va {
		// The end of the address space.
		for c.level < c.guardLevel {
			c.popLevel()
		}
		c.va = c.barrier.End
		return
	}
	for c.level < c.guardLevel && consts.PTEIndex(next, c.level) == 0 {
		c.popLevel()
	}
	c.va = next
}

func (c *Cursor[I]) popLevel() {
	if c.path[c.level-1] == nil {
		panic("popping a level without a lock")
	}
	c.path[c.level-1] = nil
	c.level++
}

func (c *Cursor[I]) pushLevel(n *Node) {
	c.level--
	if n.level != c.level {
		panic(fmt.Sprintf("pushing a level %d node at level %d", n.level, c.level))
	}
	c.path[c.level-1] = n
}

func (c *Cursor[I]) curNode() *Node {
	if c.closed {
		panic("use of a closed cursor")
	}
	return c.path[c.level-1]
}

func (c *Cursor[I]) curEntry() Entry {
	return c.curNode().entry(c.pt.core.consts.PTEIndex(c.va, c.level))
}
