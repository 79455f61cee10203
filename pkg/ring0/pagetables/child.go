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

// childKind is the kind of content of a slot.
type childKind uint8

const (
	childNone childKind = iota
	childPageTable
	childFrame
	childUntracked
	childToken
)

// String implements fmt.Stringer.String.
func (k childKind) String() string {
	switch k {
	case childNone:
		return "None"
	case childPageTable:
		return "PageTable"
	case childFrame:
		return "Frame"
	case childUntracked:
		return "Untracked"
	case childToken:
		return "Token"
	default:
		return fmt.Sprintf("childKind(%d)", uint8(k))
	}
}

// childFields are the variant fields shared by child and childRef.
type childFields struct {
	kind childKind

	// node is set for childPageTable.
	node *Node

	// pa, level and prop are set for childFrame and childUntracked. A
	// tracked frame at pa is a pgalloc frame.
	pa    hostarch.PhysAddr
	level int
	prop  hostarch.PageProperty

	// token is set for childToken.
	token Token
}

// child is owned slot content. A childPageTable holds one reference on its
// node and a childFrame holds one reference on its frame. Exactly one of
// intoPTE or release consumes it.
type child struct {
	childFields
}

// childRef is borrowed slot content. It holds no reference and is only
// valid while the slot is locked.
type childRef struct {
	childFields
}

func noneChild() child {
	return child{childFields{kind: childNone}}
}

func pageTableChild(n *Node) child {
	return child{childFields{kind: childPageTable, node: n}}
}

// leafChild returns the child for a mapping in a table with the given
// tracking mode.
func leafChild(tracked bool, pa hostarch.PhysAddr, level int, prop hostarch.PageProperty) child {
	kind := childUntracked
	if tracked {
		kind = childFrame
	}
	return child{childFields{kind: kind, pa: pa, level: level, prop: prop}}
}

func tokenChild(tok Token) child {
	return child{childFields{kind: childToken, token: tok}}
}

// childRefFromPTE decodes the entry of a node at level.
//
// pte must have been produced by child.intoPTE in the same table.
func childRefFromPTE(c *tableCore, pte PTE, level int) childRef {
	if !c.arch.IsPresent(pte) {
		pa := c.arch.Paddr(pte)
		if pa == 0 {
			return childRef{childFields{kind: childNone}}
		}
		return childRef{childFields{kind: childToken, token: Token(pa)}}
	}
	pa := c.arch.Paddr(pte)
	if !c.arch.IsLast(pte, level) {
		return childRef{childFields{kind: childPageTable, node: c.nodeAt(pa)}}
	}
	kind := childUntracked
	if c.tracked {
		kind = childFrame
	}
	return childRef{childFields{kind: kind, pa: pa, level: level, prop: c.arch.Prop(pte)}}
}

// toOwned takes a new reference on the content.
func (r childRef) toOwned(c *tableCore) child {
	switch r.kind {
	case childPageTable:
		r.node.incRef()
	case childFrame:
		c.mf.FrameRef(r.pa).IncRef()
	}
	return child{r.childFields}
}

// assumeOwned converts r into the owned child without touching reference
// counts.
//
// Precondition: the caller owns the reference encoded in the entry r was
// read from and no longer reads that entry as owning it.
func (r childRef) assumeOwned() child {
	return child{r.childFields}
}

func (ch *child) isNone() bool {
	return ch.kind == childNone
}

// isCompatible returns true if ch can be stored in a node at level of a table
// with the given tracking mode.
func (ch *child) isCompatible(level int, tracked bool) bool {
	switch ch.kind {
	case childPageTable:
		return ch.node.level+1 == level
	case childFrame, childUntracked:
		if ch.level != level {
			log.Warningf("Incompatible mapped page: node level %d, page level %d", level, ch.level)
			return false
		}
		if (ch.kind == childFrame) != tracked {
			log.Warningf("Incompatible mapped page: %v in a table with tracked=%t", ch.kind, tracked)
			return false
		}
		return true
	default:
		return true
	}
}

// intoPTE encodes ch, moving its reference into the returned entry.
func (ch child) intoPTE(arch Arch) PTE {
	switch ch.kind {
	case childPageTable:
		return arch.NewPT(ch.node.PA())
	case childFrame, childUntracked:
		return arch.NewPage(ch.pa, ch.level, ch.prop)
	case childToken:
		return arch.NewToken(ch.token)
	default:
		return arch.NewAbsent()
	}
}

// release drops the reference held by ch.
func (ch child) release(c *tableCore) {
	switch ch.kind {
	case childPageTable:
		ch.node.decRef()
	case childFrame:
		c.mf.FrameFromRaw(ch.pa).DecRef()
	}
}
