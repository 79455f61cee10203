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

package vm

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ptcore/ptcore/pkg/hostarch"
	"github.com/ptcore/ptcore/pkg/pgalloc"
	"github.com/ptcore/ptcore/pkg/ring0/pagetables"
	"github.com/ptcore/ptcore/pkg/sync"
)

// recorder is a FlushFunc recording what each CPU flushed.
type recorder struct {
	mu      sync.Mutex
	flushed map[int][]hostarch.AddrRange
	fail    error
}

func newRecorder() *recorder {
	return &recorder{flushed: make(map[int][]hostarch.AddrRange)}
}

func (r *recorder) flush(cpu int, ranges []hostarch.AddrRange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.flushed[cpu] = append(r.flushed[cpu], ranges...)
	return nil
}

func newTestSpace(t *testing.T, cpus int) (*Space, *recorder) {
	t.Helper()
	mf, err := pgalloc.NewMemoryFile(pgalloc.MemoryFileOpts{Size: 32 << 20})
	if err != nil {
		t.Fatalf("NewMemoryFile failed: %v", err)
	}
	t.Cleanup(func() { mf.Destroy() })
	rec := newRecorder()
	s, err := NewSpace(mf, NewTLBFlusher[MappedFrame](cpus, rec.flush))
	if err != nil {
		t.Fatalf("NewSpace failed: %v", err)
	}
	return s, rec
}

func allocFrames(t *testing.T, s *Space, level, n int) []pgalloc.Frame {
	t.Helper()
	frames := make([]pgalloc.Frame, n)
	for i := range frames {
		fr, err := s.pt.MemoryFile().AllocFrame(level)
		if err != nil {
			t.Fatalf("AllocFrame failed: %v", err)
		}
		frames[i] = fr
	}
	return frames
}

func TestSpaceLifecycle(t *testing.T) {
	s, rec := newTestSpace(t, 4)
	mf := s.pt.MemoryFile()
	frames := allocFrames(t, s, 1, 4)
	rw := hostarch.NewPageProperty(hostarch.RW)
	if err := s.Map(0x10000, frames, rw); err != nil {
		t.Fatalf("Map failed: %v", err)
	}

	pa, prop, ok, err := s.Query(0x11234)
	if err != nil || !ok {
		t.Fatalf("Query = %v, %v, %t, %v", pa, prop, ok, err)
	}
	if want := frames[1].PA() + 0x234; pa != want || prop != rw {
		t.Errorf("Query = %v %v, want %v %v", pa, prop, want, rw)
	}

	if err := s.Protect(hostarch.AddrRange{Start: 0x11000, End: 0x13000}, func(p *hostarch.PageProperty) {
		p.Flags &^= hostarch.Writable
	}); err != nil {
		t.Fatalf("Protect failed: %v", err)
	}
	if _, prop, _, _ := s.Query(0x12000); prop.Flags != hostarch.R {
		t.Errorf("flags after Protect = %v, want %v", prop.Flags, hostarch.R)
	}
	if _, prop, _, _ := s.Query(0x13000); prop.Flags != hostarch.RW {
		t.Errorf("flags outside Protect = %v, want %v", prop.Flags, hostarch.RW)
	}

	n, err := s.Unmap(hostarch.AddrRange{Start: 0x10000, End: 0x14000})
	if err != nil || n != 4 {
		t.Fatalf("Unmap = %d, %v, want 4 pages", n, err)
	}
	if _, _, ok, _ := s.Query(0x10000); ok {
		t.Errorf("page still mapped after Unmap")
	}

	// Every CPU saw the same flushes.
	want := []hostarch.AddrRange{{Start: 0x11000, End: 0x12000}, {Start: 0x12000, End: 0x13000}}
	for i := 0; i < 4; i++ {
		want = append(want, hostarch.AddrRange{
			Start: 0x10000 + hostarch.Addr(i)*hostarch.PageSize,
			End:   0x11000 + hostarch.Addr(i)*hostarch.PageSize,
		})
	}
	for cpu := 0; cpu < 4; cpu++ {
		if diff := cmp.Diff(want, rec.flushed[cpu]); diff != "" {
			t.Errorf("CPU %d flushes mismatch (-want +got):\n%s", cpu, diff)
		}
	}

	if err := s.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if n := mf.Allocated(); n != 0 {
		t.Errorf("%d pages leaked", n)
	}
}

func TestSpaceUnmapWholeNode(t *testing.T) {
	s, rec := newTestSpace(t, 1)
	mf := s.pt.MemoryFile()
	if err := s.Map(hostarch.HugePageSize, allocFrames(t, s, 1, 512), hostarch.NewPageProperty(hostarch.R)); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	n, err := s.Unmap(hostarch.AddrRange{Start: hostarch.HugePageSize, End: 2 * hostarch.HugePageSize})
	if err != nil || n != 512 {
		t.Fatalf("Unmap = %d, %v, want 512 pages", n, err)
	}
	// One flush for the whole node.
	if got := len(rec.flushed[0]); got != 1 {
		t.Errorf("%d ranges flushed, want 1", got)
	}
	if err := s.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if n := mf.Allocated(); n != 0 {
		t.Errorf("%d pages leaked", n)
	}
}

func TestSpaceUnmapInsideHugeSlot(t *testing.T) {
	s, _ := newTestSpace(t, 1)
	mf := s.pt.MemoryFile()
	rw := hostarch.NewPageProperty(hostarch.RW)
	for _, ar := range []hostarch.AddrRange{
		{Start: 0x100000, End: hostarch.HugePageSize + 2*hostarch.PageSize},
		{Start: 0x100000, End: 2 * hostarch.HugePageSize},
	} {
		if err := s.Map(hostarch.HugePageSize, allocFrames(t, s, 1, 1), rw); err != nil {
			t.Fatalf("Map failed: %v", err)
		}
		n, err := s.Unmap(ar)
		if err != nil || n != 1 {
			t.Errorf("Unmap(%v) = %d, %v, want 1 page", ar, n, err)
		}
		if _, _, ok, _ := s.Query(hostarch.HugePageSize); ok {
			t.Errorf("page at %#x still mapped after Unmap(%v)", hostarch.HugePageSize, ar)
		}
	}
	if err := s.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if n := mf.Allocated(); n != 0 {
		t.Errorf("%d pages leaked", n)
	}
}

func TestSpaceRemapDefersRelease(t *testing.T) {
	s, rec := newTestSpace(t, 2)
	first := allocFrames(t, s, 1, 1)
	if err := s.Map(0x1000, first, hostarch.NewPageProperty(hostarch.RW)); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	old := first[0].IncRef()

	rec.fail = errors.New("CPU offline")
	if err := s.Map(0x1000, allocFrames(t, s, 1, 1), hostarch.NewPageProperty(hostarch.R)); err == nil {
		t.Fatalf("Map succeeded with a failing flush")
	}
	// The replaced frame is not released before a successful flush.
	if refs := old.ReadRefs(); refs != 2 {
		t.Errorf("replaced frame has %d references, want 2", refs)
	}
	if got := s.flusher.Pending(); got != 1 {
		t.Errorf("%d ranges pending, want 1", got)
	}

	rec.fail = nil
	if err := s.flusher.Dispatch(); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if refs := old.ReadRefs(); refs != 1 {
		t.Errorf("replaced frame has %d references, want 1", refs)
	}
	old.DecRef()
	if err := s.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
}

func TestSpaceErrors(t *testing.T) {
	s, _ := newTestSpace(t, 1)
	defer s.Release()
	mf := s.pt.MemoryFile()

	err := s.Map(UserRange.End, allocFrames(t, s, 1, 1), hostarch.NewPageProperty(hostarch.RW))
	if !errors.Is(err, pagetables.ErrInvalidVaddrRange) {
		t.Errorf("Map outside the user range = %v, want %v", err, pagetables.ErrInvalidVaddrRange)
	}
	if _, err := s.Unmap(hostarch.AddrRange{Start: 0x1800, End: 0x2000}); !errors.Is(err, pagetables.ErrUnalignedVaddr) {
		t.Errorf("Unmap of an unaligned range = %v, want %v", err, pagetables.ErrUnalignedVaddr)
	}
	// Only the root node is left: the rejected frame was released.
	if n := mf.Allocated(); n != 1 {
		t.Errorf("Allocated() = %d, want 1", n)
	}
}

func TestHugeFrameSpace(t *testing.T) {
	s, _ := newTestSpace(t, 1)
	mf := s.pt.MemoryFile()
	huge := allocFrames(t, s, 2, 1)
	if err := s.Map(2*hostarch.HugePageSize, huge, hostarch.NewPageProperty(hostarch.RW)); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	pa, _, ok, err := s.Query(2*hostarch.HugePageSize + 0x12345)
	if err != nil || !ok || pa != huge[0].PA()+0x12345 {
		t.Errorf("Query = %v, %t, %v, want %v", pa, ok, err, huge[0].PA()+0x12345)
	}

	// Unmapping part of the huge frame splits it.
	n, err := s.Unmap(hostarch.AddrRange{Start: 2 * hostarch.HugePageSize, End: 2*hostarch.HugePageSize + 0x3000})
	if err != nil || n != 3 {
		t.Fatalf("Unmap = %d, %v, want 3 pages", n, err)
	}
	if _, _, ok, _ := s.Query(2*hostarch.HugePageSize + 0x3000); !ok {
		t.Errorf("rest of the split frame is not mapped")
	}
	if err := s.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if n := mf.Allocated(); n != 0 {
		t.Errorf("%d pages leaked", n)
	}
}

func TestKernelConfig(t *testing.T) {
	mf, err := pgalloc.NewMemoryFile(pgalloc.MemoryFileOpts{Size: 4 << 20})
	if err != nil {
		t.Fatalf("NewMemoryFile failed: %v", err)
	}
	defer mf.Destroy()
	pt, err := pagetables.New[UntrackedRange](KernelConfig{}, mf, pagetables.X86{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer pt.Release()

	// A linear mapping of the first 8M of physical memory.
	prop := hostarch.PageProperty{Flags: hostarch.RW, Priv: hostarch.Global}
	linear := hostarch.AddrRange{Start: KernelRange.Start, End: KernelRange.Start + 4*hostarch.HugePageSize}
	am := sync.DisablePreempt()
	defer am.Release()
	c, err := pt.CursorMut(am, linear)
	if err != nil {
		t.Fatalf("CursorMut failed: %v", err)
	}
	for pa := hostarch.PhysAddr(0); c.VirtAddr() < linear.End; pa += hostarch.HugePageSize {
		if _, err := c.Map(UntrackedRange{PA: pa, Level: 2, Prop: prop}); err != nil {
			t.Fatalf("Map failed: %v", err)
		}
	}
	c.Close()

	w := pagetables.NewWalker(pt)
	for _, va := range []hostarch.Addr{linear.Start, linear.Start + 0x345678, linear.End - 1} {
		tr, ok := w.Translate(va)
		if want := hostarch.PhysAddr((va - linear.Start).AlignDown(hostarch.HugePageSize)); !ok || tr.PA != want {
			t.Errorf("Translate(%v) = %+v, %t, want PA %v", va, tr, ok, want)
		}
	}
	if _, err := pt.Cursor(am, hostarch.AddrRange{Start: 0x1000, End: 0x2000}); !errors.Is(err, pagetables.ErrInvalidVaddrRange) {
		t.Errorf("user address in kernel table = %v, want %v", err, pagetables.ErrInvalidVaddrRange)
	}
}

func TestPCIDs(t *testing.T) {
	if p := NewPCIDs(1, limitPCID+1); p != nil {
		t.Errorf("NewPCIDs accepted more PCIDs than exist")
	}
	p := NewPCIDs(1, 2)
	spaces := make([]*Space, 3)
	for i := range spaces {
		spaces[i] = &Space{}
	}

	var got []string
	assign := func(s *Space) {
		pcid, flush := p.Assign(s)
		got = append(got, fmt.Sprintf("%d/%t", pcid, flush))
	}
	assign(spaces[0])
	assign(spaces[1])
	assign(spaces[0])
	p.Drop(spaces[1])
	assign(spaces[2])
	want := []string{"2/true", "1/true", "2/false", "1/true"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("assignments mismatch (-want +got):\n%s", diff)
	}
}
