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

// ErrorKind classifies an Error.
type ErrorKind int

const (
	// InvalidVaddrRange is an empty range or one outside the table.
	InvalidVaddrRange ErrorKind = iota + 1

	// UnalignedVaddr is a range bound not aligned to the base page size.
	UnalignedVaddr

	// InvalidVaddr is an address outside a cursor's range.
	InvalidVaddr
)

// String implements fmt.Stringer.String.
func (k ErrorKind) String() string {
	switch k {
	case InvalidVaddrRange:
		return "InvalidVaddrRange"
	case UnalignedVaddr:
		return "UnalignedVaddr"
	case InvalidVaddr:
		return "InvalidVaddr"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error is a recoverable page table error.
type Error struct {
	Kind ErrorKind

	// Range is set for InvalidVaddrRange and UnalignedVaddr.
	Range hostarch.AddrRange

	// VA is set for InvalidVaddr.
	VA hostarch.Addr
}

// Sentinels for errors.Is.
var (
	ErrInvalidVaddrRange = &Error{Kind: InvalidVaddrRange}
	ErrUnalignedVaddr    = &Error{Kind: UnalignedVaddr}
	ErrInvalidVaddr      = &Error{Kind: InvalidVaddr}
)

// Error implements error.Error.
func (e *Error) Error() string {
	switch e.Kind {
	case InvalidVaddrRange:
		return fmt.Sprintf("invalid virtual address range %v", e.Range)
	case UnalignedVaddr:
		return fmt.Sprintf("unaligned virtual address range %v", e.Range)
	case InvalidVaddr:
		return fmt.Sprintf("virtual address %v outside of cursor range", e.VA)
	default:
		return e.Kind.String()
	}
}

// Is returns true if target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}
