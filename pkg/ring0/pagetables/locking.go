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
	"github.com/ptcore/ptcore/pkg/hostarch"
	"github.com/ptcore/ptcore/pkg/sync"
)

// Locking protocol.
//
// A cursor over va locks the sub-tree rooted at the lowest node whose range
// contains va, then every node of that sub-tree intersecting va, in pre-order.
// Nodes above the sub-tree root are traversed without locks. Locks are
// released in the reverse order when the cursor is closed.
//
// Nodes are cut out of the tree only by a holder of the parent's lock, which
// marks the whole cut sub-tree stray before unlocking it. A lock-free
// traversal that ends on a stray node starts over.

// lockRange returns a cursor holding the locks of va.
func (pt *PageTable[I]) lockRange(am *sync.AtomicMode, va hostarch.AddrRange) (Cursor[I], error) {
	var root *Node
	for root == nil {
		var err error
		if root, err = pt.core.tryTraverseAndLockSubtreeRoot(pt.root, va); err != nil {
			return Cursor[I]{}, err
		}
	}

	guardLevel := root.level
	nodeVA := va.Start.AlignDown(pt.core.consts.PageSize(guardLevel + 1))
	pt.core.dfsAcquireLock(root, nodeVA, va)

	c := Cursor[I]{
		pt:         pt,
		am:         am,
		level:      guardLevel,
		guardLevel: guardLevel,
		va:         va.Start,
		barrier:    va,
	}
	c.path[guardLevel-1] = root
	return c, nil
}

// descends returns true if the traversal for va must go below the node at
// level: va lies in a single entry and does not cover all of it.
func (c *tableCore) descends(va hostarch.AddrRange, level int) bool {
	if level == 1 {
		return false
	}
	if c.consts.PTEIndex(va.Start, level) != c.consts.PTEIndex(va.End-1, level) {
		return false
	}
	size := c.consts.PageSize(level)
	return !va.Start.IsAligned(size) || va.Length() != size
}

// tryTraverseAndLockSubtreeRoot finds and locks the root of the sub-tree
// covering va, allocating missing nodes on the way. It returns nil if it
// raced with the removal of a node and must be retried.
func (c *tableCore) tryTraverseAndLockSubtreeRoot(root *Node, va hostarch.AddrRange) (*Node, error) {
	cur := root
	locked := false
	for c.descends(va, cur.level) {
		idx := c.consts.PTEIndex(va.Start, cur.level)
		if !locked {
			pte := cur.readPTE(idx)
			if cur.IsStray() {
				return nil, nil
			}
			if c.arch.IsPresent(pte) {
				if c.arch.IsLast(pte, cur.level) {
					break
				}
				child := c.lookupChild(cur, idx, pte)
				if child == nil {
					return nil, nil
				}
				cur = child
				continue
			}
			// The child is missing: allocate it under the lock.
			cur.lock()
			locked = true
		}

		if cur.IsStray() {
			cur.unlock()
			return nil, nil
		}
		e := cur.entry(idx)
		switch {
		case e.isNone():
			child, err := e.allocIfNone()
			cur.unlock()
			if err != nil {
				return nil, err
			}
			cur = child
		case e.isNode():
			child := e.toRef().node
			cur.unlock()
			locked = false
			cur = child
		default:
			// A leaf or a token: the sub-tree root is cur, which is
			// already locked.
			return cur, nil
		}
	}

	if !locked {
		cur.lock()
	}
	if cur.IsStray() {
		cur.unlock()
		return nil, nil
	}
	return cur, nil
}

// dfsIdxRange returns the entries of a node at level starting at nodeVA that
// intersect va.
func (c *tableCore) dfsIdxRange(level int, nodeVA hostarch.Addr, va hostarch.AddrRange) (int, int) {
	size := c.consts.PageSize(level)
	start := int(uint64(va.Start-nodeVA) / size)
	end := int((uint64(va.End-nodeVA) + size - 1) / size)
	if n := c.consts.NrEntries(); end > n {
		end = n
	}
	return start, end
}

// childRange returns the part of va covered by entry idx of a node at level
// starting at nodeVA, and the start of that entry.
func (c *tableCore) childRange(level int, nodeVA hostarch.Addr, idx int, va hostarch.AddrRange) (hostarch.Addr, hostarch.AddrRange) {
	size := c.consts.PageSize(level)
	childVA := nodeVA + hostarch.Addr(uint64(idx)*size)
	return childVA, va.Intersect(hostarch.AddrRange{Start: childVA, End: saturatingAdd(childVA, size)})
}

// dfsAcquireLock locks every descendant of the locked node n that
// intersects va, in pre-order.
func (c *tableCore) dfsAcquireLock(n *Node, nodeVA hostarch.Addr, va hostarch.AddrRange) {
	if n.level == 1 {
		return
	}
	start, end := c.dfsIdxRange(n.level, nodeVA, va)
	for i := start; i < end; i++ {
		e := n.entry(i)
		if !e.isNode() {
			continue
		}
		child := e.toRef().node
		child.lock()
		childVA, childRange := c.childRange(n.level, nodeVA, i, va)
		c.dfsAcquireLock(child, childVA, childRange)
	}
}

// dfsReleaseLock unlocks n and every locked descendant intersecting va, in
// the reverse order of dfsAcquireLock.
func (c *tableCore) dfsReleaseLock(n *Node, nodeVA hostarch.Addr, va hostarch.AddrRange) {
	if n.level > 1 {
		start, end := c.dfsIdxRange(n.level, nodeVA, va)
		for i := end - 1; i >= start; i-- {
			e := n.entry(i)
			if !e.isNode() {
				continue
			}
			childVA, childRange := c.childRange(n.level, nodeVA, i, va)
			c.dfsReleaseLock(e.toRef().node, childVA, childRange)
		}
	}
	n.unlock()
}

// dfsMarkStrayAndUnlock marks the locked sub-tree rooted at n stray and
// unlocks it. It returns the number of pages mapped in the sub-tree.
//
// Precondition: n has been removed from its parent and the caller holds
// the locks of the whole sub-tree.
func (c *tableCore) dfsMarkStrayAndUnlock(n *Node) int {
	n.stray.Store(1)
	frames := 0
	if n.nrChildren != 0 {
		for i := c.consts.NrEntries() - 1; i >= 0; i-- {
			e := n.entry(i)
			switch ref := e.toRef(); ref.kind {
			case childPageTable:
				frames += c.dfsMarkStrayAndUnlock(ref.node)
			case childFrame, childUntracked:
				frames++
			}
		}
	}
	n.unlock()
	return frames
}

// unlockRange releases every lock held by c.
func (cur *Cursor[I]) unlockRange() {
	guard := cur.path[cur.guardLevel-1]
	for i := range cur.path {
		cur.path[i] = nil
	}
	c := cur.pt.core
	nodeVA := cur.barrier.Start.AlignDown(c.consts.PageSize(cur.guardLevel + 1))
	c.dfsReleaseLock(guard, nodeVA, cur.barrier)
}
