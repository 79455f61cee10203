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

// Package pgalloc simulates physical memory for page tables: a contiguous
// arena of page frames, a first-fit free list and per-page metadata.
package pgalloc

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/google/btree"
	"golang.org/x/sys/unix"

	"github.com/ptcore/ptcore/pkg/atomicbitops"
	"github.com/ptcore/ptcore/pkg/hostarch"
	"github.com/ptcore/ptcore/pkg/log"
	"github.com/ptcore/ptcore/pkg/refs"
	"github.com/ptcore/ptcore/pkg/sync"
)

// ErrNoMemory is returned when no free range can satisfy an allocation.
var ErrNoMemory = errors.New("out of physical memory")

// Allocator is the frame allocator consumed by the page table core.
type Allocator interface {
	// AllocateOnePage returns the physical address of a zeroed page.
	AllocateOnePage() (hostarch.PhysAddr, error)

	// FreePages returns count pages starting at pa to the allocator.
	FreePages(pa hostarch.PhysAddr, count uint64)
}

// DefaultBase is the physical address of the first byte of the arena. It is
// huge page aligned and leaves physical address zero unused.
const DefaultBase = hostarch.PhysAddr(hostarch.HugePageSize)

// MemoryFileOpts holds options to NewMemoryFile.
type MemoryFileOpts struct {
	// Size is the size of the arena in bytes, rounded up to whole pages.
	Size uint64

	// Base is the physical address of the arena. If zero, DefaultBase is
	// used. It must be page aligned.
	Base hostarch.PhysAddr
}

// freeRange is a free range of physical addresses [start, end).
type freeRange struct {
	start hostarch.PhysAddr
	end   hostarch.PhysAddr
}

func freeRangeLess(a, b freeRange) bool {
	return a.start < b.start
}

// pageMeta is the metadata of one physical page. Only the head page of an
// allocation carries a live reference count.
type pageMeta struct {
	refs refs.Refs

	// pages is the number of pages of the allocation headed by this page.
	pages uint64

	// owner is published by the user of the frame, e.g. the page table
	// node living in it.
	owner atomic.Pointer[any]
}

// MemoryFile is a simulated physical memory arena.
type MemoryFile struct {
	base hostarch.PhysAddr
	mem  []byte
	meta []pageMeta

	mu sync.Mutex

	// free is ordered by start address; adjacent ranges are always
	// coalesced.
	//
	// +checklocks:mu
	free *btree.BTreeG[freeRange]

	// allocated is the number of pages currently allocated.
	allocated atomicbitops.Int64
}

// NewMemoryFile maps a new anonymous arena.
func NewMemoryFile(opts MemoryFileOpts) (*MemoryFile, error) {
	size, ok := hostarch.Addr(opts.Size).RoundUp()
	if !ok || size == 0 {
		return nil, fmt.Errorf("invalid memory size %#x", opts.Size)
	}
	base := opts.Base
	if base == 0 {
		base = DefaultBase
	}
	if !base.IsAligned(hostarch.PageSize) {
		return nil, fmt.Errorf("unaligned memory base %v", base)
	}
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap %d bytes: %w", size, err)
	}
	f := &MemoryFile{
		base: base,
		mem:  mem,
		meta: make([]pageMeta, uint64(size)/hostarch.PageSize),
		free: btree.NewG(8, freeRangeLess),
	}
	f.free.ReplaceOrInsert(freeRange{start: base, end: base + hostarch.PhysAddr(size)})
	log.Debugf("Memory file mapped: %v bytes at physical %v", size, base)
	return f, nil
}

// Destroy unmaps the arena. No frames may be used afterwards.
func (f *MemoryFile) Destroy() error {
	mem := f.mem
	f.mem = nil
	return unix.Munmap(mem)
}

// Base returns the physical address of the first page.
func (f *MemoryFile) Base() hostarch.PhysAddr {
	return f.base
}

// Size returns the size of the arena in bytes.
func (f *MemoryFile) Size() uint64 {
	return uint64(len(f.mem))
}

// Allocated returns the number of allocated pages.
func (f *MemoryFile) Allocated() int64 {
	return f.allocated.Load()
}

// Contains returns true if [pa, pa+length) lies within the arena.
func (f *MemoryFile) Contains(pa hostarch.PhysAddr, length uint64) bool {
	return pa >= f.base && uint64(pa-f.base)+length <= uint64(len(f.mem)) && uint64(pa-f.base)+length >= uint64(pa-f.base)
}

func (f *MemoryFile) offset(pa hostarch.PhysAddr, length uint64) uint64 {
	if !f.Contains(pa, length) {
		panic(fmt.Sprintf("physical range [%v, %v+%#x) outside of memory file", pa, pa, length))
	}
	return uint64(pa - f.base)
}

func (f *MemoryFile) pageMeta(pa hostarch.PhysAddr) *pageMeta {
	return &f.meta[f.offset(pa, hostarch.PageSize)/hostarch.PageSize]
}

// Bytes returns the contents of [pa, pa+length).
func (f *MemoryFile) Bytes(pa hostarch.PhysAddr, length uint64) []byte {
	off := f.offset(pa, length)
	return f.mem[off : off+length : off+length]
}

// Words returns the page at pa viewed as 512 64-bit words. pa must be page
// aligned. Callers must access the words atomically if they are shared.
func (f *MemoryFile) Words(pa hostarch.PhysAddr) *[hostarch.PageSize / 8]uint64 {
	if !pa.IsAligned(hostarch.PageSize) {
		panic(fmt.Sprintf("unaligned page address %v", pa))
	}
	off := f.offset(pa, hostarch.PageSize)
	return (*[hostarch.PageSize / 8]uint64)(unsafe.Pointer(&f.mem[off]))
}

// ReadWord atomically loads the 64-bit word at pa, which must be 8-byte
// aligned.
func (f *MemoryFile) ReadWord(pa hostarch.PhysAddr) uint64 {
	w := f.Words(pa &^ (hostarch.PageSize - 1))
	return atomic.LoadUint64(&w[(pa&(hostarch.PageSize-1))/8])
}

// findAvailableRange returns the lowest free range of length bytes whose
// start is aligned to alignment.
//
// +checklocks:f.mu
func (f *MemoryFile) findAvailableRange(length, alignment uint64) (freeRange, freeRange, bool) {
	var (
		found     bool
		container freeRange
		want      freeRange
	)
	f.free.Ascend(func(fr freeRange) bool {
		start := hostarch.PhysAddr(hostarch.Addr(fr.start).AlignDown(alignment))
		if start < fr.start {
			start += hostarch.PhysAddr(alignment)
		}
		end := start + hostarch.PhysAddr(length)
		if start < fr.start || end > fr.end || end < start {
			return true
		}
		found, container, want = true, fr, freeRange{start, end}
		return false
	})
	return container, want, found
}

// allocate allocates count zeroed pages aligned to alignment bytes.
func (f *MemoryFile) allocate(count, alignment uint64) (hostarch.PhysAddr, error) {
	length := count * hostarch.PageSize
	f.mu.Lock()
	container, want, ok := f.findAvailableRange(length, alignment)
	if !ok {
		f.mu.Unlock()
		return 0, ErrNoMemory
	}
	f.free.Delete(container)
	if container.start < want.start {
		f.free.ReplaceOrInsert(freeRange{container.start, want.start})
	}
	if want.end < container.end {
		f.free.ReplaceOrInsert(freeRange{want.end, container.end})
	}
	f.mu.Unlock()

	clear(f.Bytes(want.start, length))
	f.allocated.Add(int64(count))
	return want.start, nil
}

// AllocateOnePage implements Allocator.AllocateOnePage.
func (f *MemoryFile) AllocateOnePage() (hostarch.PhysAddr, error) {
	return f.allocate(1, hostarch.PageSize)
}

// FreePages implements Allocator.FreePages.
func (f *MemoryFile) FreePages(pa hostarch.PhysAddr, count uint64) {
	length := count * hostarch.PageSize
	f.offset(pa, length)
	fr := freeRange{pa, pa + hostarch.PhysAddr(length)}

	f.mu.Lock()
	defer f.mu.Unlock()
	// The tree may not change during iteration, so neighbours are merged
	// once both lookups are done.
	var prev, next freeRange
	var hasPrev, hasNext bool
	f.free.DescendLessOrEqual(freeRange{start: fr.start}, func(r freeRange) bool {
		if r.end > fr.start {
			panic(fmt.Sprintf("double free of [%v, %v): overlaps free [%v, %v)", fr.start, fr.end, r.start, r.end))
		}
		prev, hasPrev = r, r.end == fr.start
		return false
	})
	f.free.AscendGreaterOrEqual(freeRange{start: fr.start}, func(r freeRange) bool {
		if r.start < fr.end {
			panic(fmt.Sprintf("double free of [%v, %v): overlaps free [%v, %v)", fr.start, fr.end, r.start, r.end))
		}
		next, hasNext = r, r.start == fr.end
		return false
	})
	if hasPrev {
		f.free.Delete(prev)
		fr.start = prev.start
	}
	if hasNext {
		f.free.Delete(next)
		fr.end = next.end
	}
	f.free.ReplaceOrInsert(fr)
	f.allocated.Add(-int64(count))
}

// FreeBytes returns the number of free bytes.
func (f *MemoryFile) FreeBytes() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n uint64
	f.free.Ascend(func(fr freeRange) bool {
		n += uint64(fr.end - fr.start)
		return true
	})
	return n
}

// SetOwner publishes v as the owner of the page at pa.
func (f *MemoryFile) SetOwner(pa hostarch.PhysAddr, v any) {
	m := f.pageMeta(pa)
	if v == nil {
		m.owner.Store(nil)
		return
	}
	m.owner.Store(&v)
}

// Owner returns the owner published for the page at pa, or nil.
func (f *MemoryFile) Owner(pa hostarch.PhysAddr) any {
	p := f.pageMeta(pa).owner.Load()
	if p == nil {
		return nil
	}
	return *p
}
