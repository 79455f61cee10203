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

package pgalloc

import (
	"fmt"

	"github.com/ptcore/ptcore/pkg/hostarch"
)

// PagesPerLevel returns the number of base pages covered by a frame mapped at
// level, where level 1 is a base page.
func PagesPerLevel(level int) uint64 {
	if level < 1 {
		panic(fmt.Sprintf("invalid frame level %d", level))
	}
	return uint64(1) << (9 * uint(level-1))
}

// Frame is a counted reference to an allocation of 1, 512, ... pages. A Frame
// value is one unit of ownership: copy it only through IncRef.
type Frame struct {
	mf *MemoryFile
	pa hostarch.PhysAddr
}

// AllocFrame allocates a zeroed frame suitable for a mapping at level. The
// frame starts with one reference.
func (f *MemoryFile) AllocFrame(level int) (Frame, error) {
	pages := PagesPerLevel(level)
	pa, err := f.allocate(pages, pages*hostarch.PageSize)
	if err != nil {
		return Frame{}, err
	}
	m := f.pageMeta(pa)
	m.pages = pages
	m.refs.InitRefs("pgalloc.Frame")
	return Frame{mf: f, pa: pa}, nil
}

// FrameFromRaw reconstructs the Frame forgotten by IntoRaw. Every IntoRaw
// must be paired with exactly one FrameFromRaw.
func (f *MemoryFile) FrameFromRaw(pa hostarch.PhysAddr) Frame {
	if f.pageMeta(pa).refs.ReadRefs() <= 0 {
		panic(fmt.Sprintf("FrameFromRaw(%v): frame is not allocated", pa))
	}
	return Frame{mf: f, pa: pa}
}

// FrameRef returns a Frame for pa without taking a reference. The caller must
// not drop it and must ensure the frame outlives the returned value.
func (f *MemoryFile) FrameRef(pa hostarch.PhysAddr) Frame {
	return Frame{mf: f, pa: pa}
}

// IsNil returns true for the zero Frame.
func (fr Frame) IsNil() bool {
	return fr.mf == nil
}

// PA returns the physical address of the frame.
func (fr Frame) PA() hostarch.PhysAddr {
	return fr.pa
}

// Pages returns the number of base pages in the frame.
func (fr Frame) Pages() uint64 {
	return fr.mf.pageMeta(fr.pa).pages
}

// Size returns the size of the frame in bytes.
func (fr Frame) Size() uint64 {
	return fr.Pages() * hostarch.PageSize
}

// Level returns the mapping level of the frame.
func (fr Frame) Level() int {
	level := 1
	for p := fr.Pages(); p > 1; p >>= 9 {
		level++
	}
	return level
}

// Bytes returns the frame contents.
func (fr Frame) Bytes() []byte {
	return fr.mf.Bytes(fr.pa, fr.Size())
}

// ReadRefs returns the reference count of the frame.
func (fr Frame) ReadRefs() int64 {
	return fr.mf.pageMeta(fr.pa).refs.ReadRefs()
}

// IncRef takes another reference on the frame and returns it.
func (fr Frame) IncRef() Frame {
	fr.mf.pageMeta(fr.pa).refs.IncRef()
	return fr
}

// DecRef drops this reference, freeing the frame when it was the last one.
// It returns true iff the frame was freed.
func (fr Frame) DecRef() bool {
	return fr.DecRefWithDestructor(nil)
}

// DecRefWithDestructor is like DecRef, but runs destroy before the pages are
// returned to the allocator when the last reference is dropped.
func (fr Frame) DecRefWithDestructor(destroy func()) bool {
	m := fr.mf.pageMeta(fr.pa)
	return m.refs.DecRef(func() {
		if destroy != nil {
			destroy()
		}
		m.owner.Store(nil)
		fr.mf.FreePages(fr.pa, m.pages)
	})
}

// Split turns an exclusively owned frame into frames of subLevel, each
// holding one reference. The receiver becomes the first of them.
func (fr Frame) Split(subLevel int) {
	head := fr.mf.pageMeta(fr.pa)
	if refs := head.refs.ReadRefs(); refs != 1 {
		panic(fmt.Sprintf("splitting %v with %d references", fr, refs))
	}
	sub := PagesPerLevel(subLevel)
	total := head.pages
	if sub >= total {
		panic(fmt.Sprintf("splitting %v into level %d frames", fr, subLevel))
	}
	for off := uint64(0); off < total; off += sub {
		m := fr.mf.pageMeta(fr.pa + hostarch.PhysAddr(off*hostarch.PageSize))
		m.pages = sub
		if off != 0 {
			m.refs.InitRefs("pgalloc.Frame")
		}
	}
}

// IntoRaw forgets the Frame and returns its physical address. The reference
// it carried stays counted until FrameFromRaw reclaims it.
func (fr Frame) IntoRaw() hostarch.PhysAddr {
	return fr.pa
}

// String implements fmt.Stringer.String.
func (fr Frame) String() string {
	if fr.IsNil() {
		return "Frame(nil)"
	}
	return fmt.Sprintf("Frame(%v, %d pages)", fr.pa, fr.Pages())
}
