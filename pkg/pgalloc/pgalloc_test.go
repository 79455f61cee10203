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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ptcore/ptcore/pkg/hostarch"
)

const (
	page     = hostarch.PageSize
	hugepage = hostarch.HugePageSize
)

func newTestFile(t *testing.T, size uint64) *MemoryFile {
	t.Helper()
	f, err := NewMemoryFile(MemoryFileOpts{Size: size})
	if err != nil {
		t.Fatalf("NewMemoryFile failed: %v", err)
	}
	t.Cleanup(func() { f.Destroy() })
	return f
}

func (f *MemoryFile) freeRanges() []freeRange {
	f.mu.Lock()
	defer f.mu.Unlock()
	var frs []freeRange
	f.free.Ascend(func(fr freeRange) bool {
		frs = append(frs, fr)
		return true
	})
	return frs
}

func TestAllocateAndCoalesce(t *testing.T) {
	f := newTestFile(t, 4*page)
	base := f.Base()

	var pas []hostarch.PhysAddr
	for i := 0; i < 4; i++ {
		pa, err := f.AllocateOnePage()
		if err != nil {
			t.Fatalf("AllocateOnePage #%d failed: %v", i, err)
		}
		pas = append(pas, pa)
	}
	want := []hostarch.PhysAddr{base, base + page, base + 2*page, base + 3*page}
	if diff := cmp.Diff(want, pas); diff != "" {
		t.Errorf("allocation order mismatch (-want +got):\n%s", diff)
	}
	if _, err := f.AllocateOnePage(); !errors.Is(err, ErrNoMemory) {
		t.Errorf("AllocateOnePage on full arena = %v, want ErrNoMemory", err)
	}

	f.FreePages(pas[0], 1)
	f.FreePages(pas[2], 1)
	f.FreePages(pas[1], 1)
	f.FreePages(pas[3], 1)
	if diff := cmp.Diff([]freeRange{{base, base + 4*page}}, f.freeRanges(), cmp.AllowUnexported(freeRange{})); diff != "" {
		t.Errorf("free list mismatch (-want +got):\n%s", diff)
	}
	if got := f.Allocated(); got != 0 {
		t.Errorf("Allocated() = %d, want 0", got)
	}
}

func TestFreeMergesNeighbours(t *testing.T) {
	for _, tc := range []struct {
		name  string
		order []int
		want  [][]freeRange
	}{
		{
			name:  "after previous",
			order: []int{0, 1},
			want:  [][]freeRange{{{0, 1}}, {{0, 2}}},
		},
		{
			name:  "before next",
			order: []int{2, 1},
			want:  [][]freeRange{{{2, 3}}, {{1, 3}}},
		},
		{
			name:  "between both",
			order: []int{0, 2, 1},
			want:  [][]freeRange{{{0, 1}}, {{0, 1}, {2, 3}}, {{0, 3}}},
		},
		{
			name:  "apart",
			order: []int{0, 2},
			want:  [][]freeRange{{{0, 1}}, {{0, 1}, {2, 3}}},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newTestFile(t, 4*page)
			base := f.Base()
			// Keep the last page allocated so the tail never merges.
			for i := 0; i < 4; i++ {
				if _, err := f.AllocateOnePage(); err != nil {
					t.Fatalf("AllocateOnePage #%d failed: %v", i, err)
				}
			}
			for i, idx := range tc.order {
				f.FreePages(base+hostarch.PhysAddr(idx)*page, 1)
				var want []freeRange
				for _, fr := range tc.want[i] {
					want = append(want, freeRange{base + fr.start*page, base + fr.end*page})
				}
				if diff := cmp.Diff(want, f.freeRanges(), cmp.AllowUnexported(freeRange{})); diff != "" {
					t.Errorf("free list after freeing page %d mismatch (-want +got):\n%s", idx, diff)
				}
			}
		})
	}
}

func TestAllocatedPagesAreZeroed(t *testing.T) {
	f := newTestFile(t, 2*page)
	pa, err := f.AllocateOnePage()
	if err != nil {
		t.Fatalf("AllocateOnePage failed: %v", err)
	}
	f.Words(pa)[7] = 0xdead
	f.FreePages(pa, 1)

	pa, err = f.AllocateOnePage()
	if err != nil {
		t.Fatalf("AllocateOnePage failed: %v", err)
	}
	if got := f.ReadWord(pa + 7*8); got != 0 {
		t.Errorf("reused page word = %#x, want 0", got)
	}
}

func TestDoubleFreePanics(t *testing.T) {
	f := newTestFile(t, 2*page)
	pa, _ := f.AllocateOnePage()
	f.FreePages(pa, 1)
	defer func() {
		if recover() == nil {
			t.Errorf("double free did not panic")
		}
	}()
	f.FreePages(pa, 1)
}

func TestHugeFrame(t *testing.T) {
	f := newTestFile(t, 2*hugepage)

	// Misalign the arena's first free page.
	small, err := f.AllocFrame(1)
	if err != nil {
		t.Fatalf("AllocFrame(1) failed: %v", err)
	}
	huge, err := f.AllocFrame(2)
	if err != nil {
		t.Fatalf("AllocFrame(2) failed: %v", err)
	}
	if !huge.PA().IsAligned(hugepage) {
		t.Errorf("huge frame %v is not huge page aligned", huge)
	}
	if got := huge.Level(); got != 2 {
		t.Errorf("Level() = %d, want 2", got)
	}
	if got := f.Allocated(); got != 513 {
		t.Errorf("Allocated() = %d, want 513", got)
	}

	raw := huge.IncRef().IntoRaw()
	if huge.DecRef() {
		t.Fatalf("DecRef freed a frame with an outstanding raw reference")
	}
	if !f.FrameFromRaw(raw).DecRef() {
		t.Errorf("last DecRef did not free the frame")
	}
	small.DecRef()
	if got := f.Allocated(); got != 0 {
		t.Errorf("Allocated() = %d after freeing everything, want 0", got)
	}
}

func TestOwner(t *testing.T) {
	f := newTestFile(t, page)
	fr, err := f.AllocFrame(1)
	if err != nil {
		t.Fatalf("AllocFrame failed: %v", err)
	}
	f.SetOwner(fr.PA(), "node")
	if got := f.Owner(fr.PA()); got != "node" {
		t.Errorf("Owner() = %v, want node", got)
	}
	fr.DecRef()
	if got := f.Owner(fr.PA()); got != nil {
		t.Errorf("Owner() = %v after free, want nil", got)
	}
}

func TestSplitFrame(t *testing.T) {
	f := newTestFile(t, hugepage)
	huge, err := f.AllocFrame(2)
	if err != nil {
		t.Fatalf("AllocFrame(2) failed: %v", err)
	}
	huge.Split(1)
	if got := huge.Level(); got != 1 {
		t.Errorf("head Level() = %d after split, want 1", got)
	}
	last := f.FrameFromRaw(huge.PA() + hugepage - page)
	if got := last.ReadRefs(); got != 1 {
		t.Errorf("tail ReadRefs() = %d, want 1", got)
	}
	for pa := huge.PA(); pa < huge.PA()+hugepage; pa += page {
		f.FrameFromRaw(pa).DecRef()
	}
	if got := f.Allocated(); got != 0 {
		t.Errorf("Allocated() = %d after dropping all split frames, want 0", got)
	}
}

func TestSplitSharedFramePanics(t *testing.T) {
	f := newTestFile(t, hugepage)
	huge, err := f.AllocFrame(2)
	if err != nil {
		t.Fatalf("AllocFrame(2) failed: %v", err)
	}
	huge.IncRef()
	defer func() {
		if recover() == nil {
			t.Errorf("splitting a shared frame did not panic")
		}
	}()
	huge.Split(1)
}
