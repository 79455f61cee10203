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

// Entry is a view of one slot of a locked node.
type Entry struct {
	node *Node
	idx  int

	// pte is the entry as last read or written through this view.
	pte PTE
}

func (e *Entry) core() *tableCore {
	return e.node.core
}

// isNone returns true if the slot holds nothing.
func (e *Entry) isNone() bool {
	arch := e.core().arch
	return !arch.IsPresent(e.pte) && arch.Paddr(e.pte) == 0
}

// isNode returns true if the slot points to a child node.
func (e *Entry) isNode() bool {
	arch := e.core().arch
	return arch.IsPresent(e.pte) && !arch.IsLast(e.pte, e.node.level)
}

// toRef borrows the slot content.
func (e *Entry) toRef() childRef {
	return childRefFromPTE(e.core(), e.pte, e.node.level)
}

// replace stores newChild in the slot and returns the previous content,
// whose ownership passes to the caller.
//
// +checklocks:e.node.mu
func (e *Entry) replace(newChild child) child {
	c := e.core()
	if !newChild.isCompatible(e.node.level, c.tracked) {
		panic(fmt.Sprintf("%v child is incompatible with a level %d node", newChild.kind, e.node.level))
	}
	old := e.toRef().assumeOwned()
	switch {
	case old.isNone() && !newChild.isNone():
		e.node.nrChildren++
	case !old.isNone() && newChild.isNone():
		e.node.nrChildren--
	}
	e.pte = newChild.intoPTE(c.arch)
	e.node.writePTE(e.idx, e.pte)
	return old
}

// allocIfNone installs a new empty child node if the slot is empty. The new
// node is returned locked. It returns nil if the slot is not empty.
//
// +checklocks:e.node.mu
func (e *Entry) allocIfNone() (*Node, error) {
	if !e.isNone() || e.node.level == 1 {
		return nil, nil
	}
	n, err := e.core().allocNode(e.node.level-1, e.node.childVA(e.idx))
	if err != nil {
		return nil, err
	}
	e.replace(pageTableChild(n))
	return n, nil
}

// splitIfMappedHuge replaces a huge leaf with a locked child node mapping
// the same range with leaves one level down. It returns nil if the slot is
// not a huge leaf.
//
// A tracked huge frame must not be shared: its reference is divided among
// the new leaves.
//
// +checklocks:e.node.mu
func (e *Entry) splitIfMappedHuge() (*Node, error) {
	c := e.core()
	level := e.node.level
	if level == 1 || !c.arch.IsPresent(e.pte) || !c.arch.IsLast(e.pte, level) {
		return nil, nil
	}
	ref := e.toRef()
	n, err := c.allocNode(level-1, e.node.childVA(e.idx))
	if err != nil {
		return nil, err
	}
	if ref.kind == childFrame {
		c.mf.FrameRef(ref.pa).Split(level - 1)
	}
	subSize := hostarch.PhysAddr(c.consts.PageSize(level - 1))
	for i := 0; i < c.consts.NrEntries(); i++ {
		sub := leafChild(c.tracked, ref.pa+hostarch.PhysAddr(i)*subSize, level-1, ref.prop)
		n.writePTE(i, sub.intoPTE(c.arch))
	}
	n.nrChildren = c.consts.NrEntries()

	// The huge leaf's reference now belongs to the first new leaf.
	_ = e.replace(pageTableChild(n))
	if log.IsLogging(log.Debug) {
		log.Debugf("Split level %d mapping of %v into node %v", level, ref.pa, n.PA())
	}
	return n, nil
}

// splitToken replaces a token above level 1 with a locked child node whose
// entries all carry the token. It returns nil if the slot holds no token.
//
// +checklocks:e.node.mu
func (e *Entry) splitToken() (*Node, error) {
	c := e.core()
	ref := e.toRef()
	if ref.kind != childToken || e.node.level == 1 {
		return nil, nil
	}
	n, err := c.allocNode(e.node.level-1, e.node.childVA(e.idx))
	if err != nil {
		return nil, err
	}
	for i := 0; i < c.consts.NrEntries(); i++ {
		n.writePTE(i, c.arch.NewToken(ref.token))
	}
	n.nrChildren = c.consts.NrEntries()
	_ = e.replace(pageTableChild(n))
	return n, nil
}

// protect applies op to the property of a mapped slot. It returns true if the
// entry changed.
//
// +checklocks:e.node.mu
func (e *Entry) protect(op func(*hostarch.PageProperty)) bool {
	arch := e.core().arch
	if !arch.IsPresent(e.pte) {
		return false
	}
	prop := arch.Prop(e.pte)
	newProp := prop
	op(&newProp)
	if newProp == prop {
		return false
	}
	e.pte = arch.SetProp(e.pte, newProp)
	e.node.writePTE(e.idx, e.pte)
	return true
}
