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

package hostarch

import (
	"fmt"
	"strings"
)

// PageFlags are the architecture-neutral access flags of a mapping.
type PageFlags uint8

const (
	// Readable allows reads.
	Readable PageFlags = 1 << iota

	// Writable allows writes.
	Writable

	// Executable allows instruction fetch.
	Executable

	// Accessed is set by hardware when the page is accessed.
	Accessed

	// Dirty is set by hardware when the page is written.
	Dirty

	// Avail2 is available to software.
	Avail2

	// R, RW, RX and RWX are common combinations.
	R   = Readable
	RW  = Readable | Writable
	RX  = Readable | Executable
	RWX = Readable | Writable | Executable
)

// String implements fmt.Stringer.String.
func (f PageFlags) String() string {
	var b strings.Builder
	for _, c := range []struct {
		flag PageFlags
		ch   byte
	}{
		{Readable, 'r'},
		{Writable, 'w'},
		{Executable, 'x'},
		{Accessed, 'a'},
		{Dirty, 'd'},
		{Avail2, '2'},
	} {
		if f&c.flag != 0 {
			b.WriteByte(c.ch)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// PrivFlags are the privilege flags of a mapping.
type PrivFlags uint8

const (
	// User allows access from user mode.
	User PrivFlags = 1 << iota

	// Global marks the translation global across address space switches.
	Global

	// Avail1 is available to software.
	Avail1
)

// String implements fmt.Stringer.String.
func (p PrivFlags) String() string {
	var parts []string
	if p&User != 0 {
		parts = append(parts, "user")
	}
	if p&Global != 0 {
		parts = append(parts, "global")
	}
	if p&Avail1 != 0 {
		parts = append(parts, "avail1")
	}
	if len(parts) == 0 {
		return "kernel"
	}
	return strings.Join(parts, "|")
}

// CachePolicy is the memory type of a mapping.
type CachePolicy uint8

const (
	// Writeback is the default cache policy for ordinary memory. It must be
	// the zero value for CachePolicy.
	Writeback CachePolicy = iota

	// Writethrough writes through to memory on every store.
	Writethrough

	// Uncacheable bypasses the cache entirely.
	Uncacheable

	// WriteCombining buffers writes without caching reads.
	WriteCombining

	// WriteProtected caches reads and propagates writes.
	WriteProtected

	// NumCachePolicies is the number of cache policies.
	NumCachePolicies
)

// String implements fmt.Stringer.String.
func (c CachePolicy) String() string {
	switch c {
	case Writeback:
		return "Writeback"
	case Writethrough:
		return "Writethrough"
	case Uncacheable:
		return "Uncacheable"
	case WriteCombining:
		return "WriteCombining"
	case WriteProtected:
		return "WriteProtected"
	default:
		return fmt.Sprintf("%d", c)
	}
}

// ShortString returns a two-character string describing the cache policy.
func (c CachePolicy) ShortString() string {
	switch c {
	case Writeback:
		return "WB"
	case Writethrough:
		return "WT"
	case Uncacheable:
		return "UC"
	case WriteCombining:
		return "WC"
	case WriteProtected:
		return "WP"
	default:
		return fmt.Sprintf("%02d", c)
	}
}

// ParseCachePolicy parses either the long or the short form of a cache
// policy name.
func ParseCachePolicy(s string) (CachePolicy, error) {
	for c := Writeback; c < NumCachePolicies; c++ {
		if strings.EqualFold(s, c.String()) || strings.EqualFold(s, c.ShortString()) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown cache policy %q", s)
}

// PageProperty is everything a leaf mapping says about its page besides the
// physical address.
type PageProperty struct {
	Flags PageFlags
	Cache CachePolicy
	Priv  PrivFlags
}

// NewPageProperty returns a write-back user property with the given flags.
func NewPageProperty(flags PageFlags) PageProperty {
	return PageProperty{Flags: flags, Cache: Writeback, Priv: User}
}

// String implements fmt.Stringer.String.
func (p PageProperty) String() string {
	return fmt.Sprintf("%s %s %s", p.Flags, p.Cache.ShortString(), p.Priv)
}

// ParsePageFlags parses flags written as a subset of "rwxad2", e.g. "rw".
func ParsePageFlags(s string) (PageFlags, error) {
	var f PageFlags
	for _, c := range s {
		switch c {
		case 'r':
			f |= Readable
		case 'w':
			f |= Writable
		case 'x':
			f |= Executable
		case 'a':
			f |= Accessed
		case 'd':
			f |= Dirty
		case '2':
			f |= Avail2
		case '-':
		default:
			return 0, fmt.Errorf("unknown page flag %q in %q", c, s)
		}
	}
	return f, nil
}
