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
	"sync/atomic"

	"github.com/ptcore/ptcore/pkg/atomicbitops"
	"github.com/ptcore/ptcore/pkg/hostarch"
	"github.com/ptcore/ptcore/pkg/log"
	"github.com/ptcore/ptcore/pkg/pgalloc"
	"github.com/ptcore/ptcore/pkg/sync"
)

// tableCore is the part of a table shared with its nodes.
type tableCore struct {
	mf      *pgalloc.MemoryFile
	arch    Arch
	consts  PagingConsts
	tracked bool
}

// Node is a single node within a page table: one physical page of entries.
//
// The reference count of a node is the count of the frame holding its
// entries. The parent entry, or the table for the root, owns one reference.
type Node struct {
	core *tableCore

	// level is the level of the entries in this node.
	level int

	// va is the first address covered by the node, truncated to the
	// address width. It identifies the node's position in the tree.
	va hostarch.Addr

	// frame holds the entries.
	frame pgalloc.Frame

	// ptes is frame viewed as entries. Entries are accessed atomically:
	// lock-free traversals read them while a lock holder writes.
	ptes *[512]uint64

	mu sync.SpinMutex

	// nrChildren is the number of entries that are not None.
	//
	// +checklocks:mu
	nrChildren int

	// stray is non-zero once the node has been cut out of the tree. It is
	// never cleared.
	stray atomicbitops.Uint32
}

// allocNode returns a new, empty and locked node.
func (c *tableCore) allocNode(level int, va hostarch.Addr) (*Node, error) {
	fr, err := c.mf.AllocFrame(1)
	if err != nil {
		return nil, err
	}
	n := &Node{
		core:  c,
		level: level,
		va:    va,
		frame: fr,
		ptes:  c.mf.Words(fr.PA()),
	}
	n.mu.Init()
	n.mu.Lock()
	c.mf.SetOwner(fr.PA(), n)
	if log.IsLogging(log.Debug) {
		log.Debugf("Allocated level %d page table node at %v for %v", level, fr.PA(), va)
	}
	return n, nil
}

// nodeAt returns the node living in the page at pa. The caller must hold a
// reference to it, directly or through a locked parent.
func (c *tableCore) nodeAt(pa hostarch.PhysAddr) *Node {
	n, ok := c.mf.Owner(pa).(*Node)
	if !ok {
		panic(fmt.Sprintf("no page table node at %v", pa))
	}
	return n
}

// lookupChild resolves the child pointed to by pte, read from entry idx of
// parent without holding any lock. It returns nil if the page at the
// address is not currently the node at that position, which happens when
// the child was freed after pte was read.
func (c *tableCore) lookupChild(parent *Node, idx int, pte PTE) *Node {
	pa := c.arch.Paddr(pte)
	if !c.mf.Contains(pa, hostarch.PageSize) {
		return nil
	}
	n, ok := c.mf.Owner(pa).(*Node)
	if !ok || n.core != c || n.level != parent.level-1 || n.va != parent.childVA(idx) {
		return nil
	}
	return n
}

// PA returns the physical address of the node.
func (n *Node) PA() hostarch.PhysAddr {
	return n.frame.PA()
}

// Level returns the level of the node.
func (n *Node) Level() int {
	return n.level
}

// childVA returns the position of the child at idx.
func (n *Node) childVA(idx int) hostarch.Addr {
	return n.va + hostarch.Addr(uint64(idx)*n.core.consts.PageSize(n.level))
}

func (n *Node) readPTE(idx int) PTE {
	return PTE(atomic.LoadUint64(&n.ptes[idx]))
}

// +checklocks:n.mu
func (n *Node) writePTE(idx int, pte PTE) {
	atomic.StoreUint64(&n.ptes[idx], uint64(pte))
}

func (n *Node) lock() {
	n.mu.Lock()
}

func (n *Node) tryLock() bool {
	return n.mu.TryLock()
}

func (n *Node) unlock() {
	n.mu.Unlock()
}

// NrChildren returns the number of occupied entries.
//
// +checklocks:n.mu
func (n *Node) NrChildren() int {
	return n.nrChildren
}

// IsStray returns true if the node was cut out of its tree.
func (n *Node) IsStray() bool {
	return n.stray.Load() != 0
}

func (n *Node) incRef() {
	n.frame.IncRef()
}

// decRef drops a reference. Dropping the last one releases every child and
// frees the node.
func (n *Node) decRef() {
	n.frame.DecRefWithDestructor(n.destroy)
}

func (n *Node) destroy() {
	n.stray.Store(1)
	for i := range n.ptes {
		childRefFromPTE(n.core, n.readPTE(i), n.level).assumeOwned().release(n.core)
		atomic.StoreUint64(&n.ptes[i], 0)
	}
}

// entry returns the view of slot idx.
func (n *Node) entry(idx int) Entry {
	return Entry{node: n, idx: idx, pte: n.readPTE(idx)}
}
