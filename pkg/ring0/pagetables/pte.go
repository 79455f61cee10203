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

// PTE is a raw page table entry as stored in a node.
type PTE uint64

// Token is an opaque value stored in an absent entry. Tokens are page
// aligned and never zero; use MakeToken to build one.
type Token uint64

// MakeToken returns the token carrying v.
func MakeToken(v uint64) Token {
	return Token(v << hostarch.PageShift)
}

// Value returns the value passed to MakeToken.
func (t Token) Value() uint64 {
	return uint64(t) >> hostarch.PageShift
}

// String implements fmt.Stringer.String.
func (t Token) String() string {
	return fmt.Sprintf("Token(%#x)", t.Value())
}

// Arch encodes and decodes the page table entries of one architecture.
//
// Entries are values: the Set methods return the updated entry.
type Arch interface {
	// NewAbsent returns an entry that maps nothing.
	NewAbsent() PTE

	// NewPage returns a leaf entry mapping pa at level.
	NewPage(pa hostarch.PhysAddr, level int, prop hostarch.PageProperty) PTE

	// NewPT returns an entry pointing to the node at pa.
	NewPT(pa hostarch.PhysAddr) PTE

	// NewToken returns an absent entry carrying tok.
	NewToken(tok Token) PTE

	// IsPresent returns true if the entry points to a node or maps a page.
	IsPresent(pte PTE) bool

	// Paddr returns the physical address in the entry. For absent entries
	// this is the token, or zero.
	Paddr(pte PTE) hostarch.PhysAddr

	// Prop returns the page property of a leaf entry.
	Prop(pte PTE) hostarch.PageProperty

	// SetProp returns pte with its property replaced. Absent entries are
	// returned unchanged.
	SetProp(pte PTE, prop hostarch.PageProperty) PTE

	// IsLast returns true if the entry at level is a leaf.
	IsLast(pte PTE, level int) bool
}
