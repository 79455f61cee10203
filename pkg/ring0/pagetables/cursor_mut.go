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

// CursorMut is a cursor that may also change the mappings of its range.
type CursorMut[I any] struct {
	Cursor[I]
}

// checkWindow panics unless [va, va+length) lies within the cursor range,
// and returns its end.
func (c *CursorMut[I]) checkWindow(length uint64) hostarch.Addr {
	if length%c.pt.core.consts.BasePageSize != 0 {
		panic(fmt.Sprintf("unaligned length %#x", length))
	}
	end, ok := c.va.AddLength(length)
	if !ok || end > c.barrier.End {
		panic(fmt.Sprintf("window of %#x bytes at %v exceeds cursor range %v", length, c.va, c.barrier))
	}
	return end
}

// Map maps item at the current address and moves past it. Missing nodes are
// allocated and a huge mapping covering the slot is split.
//
// If the slot was not empty its previous content is returned. The caller must
// flush the TLB for its range before releasing it.
//
// If an allocation fails the table is unchanged at the slot and item still
// belongs to the caller.
//
// It panics if the item does not fit in the cursor range at the current
// address.
func (c *CursorMut[I]) Map(item I) (*PageTableFrag[I], error) {
	core := c.pt.core
	if c.va >= c.barrier.End {
		panic(fmt.Sprintf("Map at %v: past cursor range %v", c.va, c.barrier))
	}
	pa, level, prop := c.pt.cfg.ItemIntoRaw(item)
	if level < 1 || level > core.consts.HighestTranslationLevel {
		panic(fmt.Sprintf("Map at %v: level %d cannot be mapped", c.va, level))
	}
	size := core.consts.PageSize(level)
	if !c.va.IsAligned(size) {
		panic(fmt.Sprintf("Map at %v: unaligned for level %d", c.va, level))
	}
	if end, ok := c.va.AddLength(size); !ok || end > c.barrier.End {
		panic(fmt.Sprintf("Map at %v: level %d page exceeds cursor range %v", c.va, level, c.barrier))
	}

	for c.level != level {
		if c.level < level {
			c.popLevel()
			continue
		}
		if err := c.descend(); err != nil {
			return nil, err
		}
	}

	va := c.va
	e := c.curEntry()
	old := e.replace(leafChild(core.tracked, pa, level, prop))
	c.moveForward()
	return fragFromChild(c.pt, old, va, level), nil
}

// descend moves down one level, creating the node below the current slot if
// it is empty, a huge mapping or a token.
func (c *CursorMut[I]) descend() error {
	e := c.curEntry()
	ref := e.toRef()
	var (
		n   *Node
		err error
	)
	switch ref.kind {
	case childPageTable:
		n = ref.node
	case childNone:
		n, err = e.allocIfNone()
	case childFrame, childUntracked:
		n, err = e.splitIfMappedHuge()
	case childToken:
		n, err = e.splitToken()
	}
	if err != nil {
		return err
	}
	if n == nil {
		panic(fmt.Sprintf("no node below %v slot at %v", ref.kind, c.va))
	}
	c.pushLevel(n)
	return nil
}

// TakeNext removes the next occupied slot within length bytes and moves past
// it. A node whose whole range lies in the window is cut in one step and
// returned as a stray sub-tree. A huge mapping crossing the window bounds is
// split first. It returns nil if nothing is left in the window.
//
// The caller must flush the TLB for the fragment's range before releasing it.
func (c *CursorMut[I]) TakeNext(length uint64) (*PageTableFrag[I], error) {
	end := c.checkWindow(length)
	consts := &c.pt.core.consts
	for c.va < end {
		va := c.va
		level := c.level
		size := consts.PageSize(level)
		e := c.curEntry()

		if e.isNone() {
			if c.curSlot().End > end {
				c.va = end
				break
			}
			c.moveForward()
			continue
		}

		if !va.IsAligned(size) || saturatingAdd(va, size) > end {
			ref := e.toRef()
			if ref.kind == childPageTable && ref.node.nrChildren == 0 {
				if c.curSlot().End > end {
					c.va = end
					break
				}
				c.moveForward()
				continue
			}
			if err := c.descend(); err != nil {
				return nil, err
			}
			continue
		}

		old := e.replace(noneChild())
		c.moveForward()
		return fragFromChild(c.pt, old, va, level), nil
	}
	return nil, nil
}

// ProtectNext applies op to the next mapped slot within length bytes and
// moves past it. A huge mapping crossing the window bounds is split first.
// It returns the range actually changed, or false if nothing is mapped in
// the window.
func (c *CursorMut[I]) ProtectNext(length uint64, op func(*hostarch.PageProperty)) (hostarch.AddrRange, bool, error) {
	end := c.checkWindow(length)
	va, ok := c.FindNext(length)
	if !ok || va >= end {
		c.clampTo(end)
		return hostarch.AddrRange{}, false, nil
	}
	consts := &c.pt.core.consts
	for {
		size := consts.PageSize(c.level)
		if va.IsAligned(size) && saturatingAdd(va, size) <= end {
			break
		}
		if err := c.descend(); err != nil {
			return hostarch.AddrRange{}, false, err
		}
	}
	e := c.curEntry()
	e.protect(op)
	r := c.curSlot()
	c.moveForward()
	return r, true, nil
}

// Mark stores tok in every empty or marked slot within length bytes, using
// the largest slots that fit the window. Mapped pages are left alone. The
// cursor ends at the end of the window.
func (c *CursorMut[I]) Mark(length uint64, tok Token) error {
	if tok == 0 || uint64(tok)%c.pt.core.consts.BasePageSize != 0 {
		panic(fmt.Sprintf("invalid token %#x", uint64(tok)))
	}
	end := c.checkWindow(length)
	consts := &c.pt.core.consts
	for c.va < end {
		size := consts.PageSize(c.level)
		covered := c.va.IsAligned(size) && saturatingAdd(c.va, size) <= end
		e := c.curEntry()
		switch ref := e.toRef(); ref.kind {
		case childNone, childToken:
			if covered {
				e.replace(tokenChild(tok))
				c.moveForward()
				continue
			}
			if err := c.descend(); err != nil {
				return err
			}
		case childPageTable:
			c.pushLevel(ref.node)
		default:
			// Mapped pages are skipped.
			if c.curSlot().End > end {
				c.va = end
				return nil
			}
			c.moveForward()
		}
	}
	return nil
}
