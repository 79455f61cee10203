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
	"math/rand"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/ptcore/ptcore/pkg/hostarch"
	"github.com/ptcore/ptcore/pkg/sync"
)

func TestSubtreeRoot(t *testing.T) {
	pt := newUntracked(t)
	defer pt.Release()
	mapAt(t, pt, hugepage, rawItem{PA: 0x40000000, Level: 2, Prop: rw()})

	am := sync.DisablePreempt()
	defer am.Release()
	for _, tc := range []struct {
		name  string
		r     hostarch.AddrRange
		level int
	}{
		{"whole space", lowerHalf, 4},
		{"two 1G entries", span(0, 2<<30), 3},
		{"two 2M entries", span(0, 2*hugepage), 2},
		{"exact 2M entry", span(hugepage, hugepage), 2},
		{"inside a huge page", span(hugepage+page, page), 2},
		{"one page", span(0x1000, page), 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c, err := pt.Cursor(am, tc.r)
			if err != nil {
				t.Fatalf("Cursor failed: %v", err)
			}
			defer c.Close()
			if c.guardLevel != tc.level {
				t.Errorf("sub-tree root at level %d, want %d", c.guardLevel, tc.level)
			}
			if guard := c.path[c.guardLevel-1]; guard.tryLock() {
				guard.unlock()
				t.Errorf("sub-tree root is not locked")
			}
		})
	}
}

func TestCursorLocksWholeRange(t *testing.T) {
	pt := newUntracked(t)
	defer pt.Release()
	mapAt(t, pt, 0x1000, rawItem{PA: 0x10000, Level: 1, Prop: rw()})
	mapAt(t, pt, hugepage+0x1000, rawItem{PA: 0x20000, Level: 1, Prop: rw()})
	mapAt(t, pt, 2*hugepage+0x1000, rawItem{PA: 0x30000, Level: 1, Prop: rw()})

	am := sync.DisablePreempt()
	defer am.Release()
	c, err := pt.Cursor(am, span(page, 2*hugepage-page))
	if err != nil {
		t.Fatalf("Cursor failed: %v", err)
	}
	guard := c.path[c.guardLevel-1]

	// The first two level 1 nodes intersect the range, the third does not.
	for i, want := range []bool{true, true, false} {
		e := guard.entry(i)
		n := e.toRef().node
		locked := !n.tryLock()
		if !locked {
			n.unlock()
		}
		if locked != want {
			t.Errorf("node %d locked = %t, want %t", i, locked, want)
		}
	}

	c.Close()
	for i := 0; i < 3; i++ {
		e := guard.entry(i)
		n := e.toRef().node
		if !n.tryLock() {
			t.Errorf("node %d still locked after Close", i)
			continue
		}
		n.unlock()
	}
	if !guard.tryLock() {
		t.Fatalf("sub-tree root still locked after Close")
	}
	guard.unlock()
}

func TestDisjointCursorsInParallel(t *testing.T) {
	const (
		workers = 8
		pages   = 64
	)
	pt := newUntracked(t)
	defer pt.Release()

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			am := sync.DisablePreempt()
			defer am.Release()
			start := hostarch.Addr(w+1) * hugepage
			c, err := pt.CursorMut(am, span(start, pages*page))
			if err != nil {
				return err
			}
			defer c.Close()
			for i := 0; i < pages; i++ {
				pa := hostarch.PhysAddr(w<<20 | i<<12)
				if _, err := c.Map(rawItem{PA: pa, Level: 1, Prop: rw()}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("worker failed: %v", err)
	}

	w := NewWalker(pt)
	var n int
	w.Walk(lowerHalf, func(tr Translation) bool {
		worker := int(tr.VA/hugepage) - 1
		i := int(tr.VA%hugepage) / page
		if want := hostarch.PhysAddr(worker<<20 | i<<12); tr.PA != want {
			t.Errorf("%v maps %v, want %v", tr.VA, tr.PA, want)
		}
		n++
		return true
	})
	if n != workers*pages {
		t.Errorf("%d pages mapped, want %d", n, workers*pages)
	}
}

// Each update reads a mapping and replaces it with the next one. Updates are
// lost unless overlapping cursors exclude each other.
func TestOverlappingCursorsSerialize(t *testing.T) {
	const (
		workers = 8
		updates = 200
	)
	pt := newUntracked(t)
	defer pt.Release()

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			am := sync.DisablePreempt()
			defer am.Release()
			for i := 0; i < updates; i++ {
				// Alternate between ranges with different sub-tree roots.
				r := span(0x1000, page)
				if i%2 == 1 {
					r = span(0, 2*hugepage)
				}
				c, err := pt.CursorMut(am, r)
				if err != nil {
					return err
				}
				if err := c.Jump(0x1000); err != nil {
					c.Close()
					return err
				}
				state, err := c.Query()
				if err != nil {
					c.Close()
					return err
				}
				next := rawItem{PA: state.Item.PA + page, Level: 1, Prop: rw()}
				_, err = c.Map(next)
				c.Close()
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("worker failed: %v", err)
	}
	checkMappings(t, pt, lowerHalf, []Translation{
		{VA: 0x1000, PA: workers * updates * page, Level: 1, Prop: rw()},
	})
}

// Workers map and unmap tracked frames over random overlapping windows,
// including whole nodes, while others descend without locks.
func TestConcurrentMapUnmap(t *testing.T) {
	const (
		workers = 6
		rounds  = 150
		area    = 4 * hugepage
	)
	pt := newTracked(t)
	mf := pt.MemoryFile()

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		rng := rand.New(rand.NewSource(int64(w)))
		g.Go(func() error {
			am := sync.DisablePreempt()
			defer am.Release()
			for i := 0; i < rounds; i++ {
				var r hostarch.AddrRange
				if rng.Intn(4) == 0 {
					r = span(hostarch.Addr(rng.Intn(area/hugepage))*hugepage, hugepage)
				} else {
					r = span(hostarch.Addr(rng.Intn(area/page-16))*page, uint64(1+rng.Intn(16))*page)
				}
				if err := mapOrUnmap(pt, am, r, rng.Intn(2) == 0); err != nil {
					return fmt.Errorf("round %d on %v: %w", i, r, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("worker failed: %v", err)
	}

	NewWalker(pt).Walk(lowerHalf, func(tr Translation) bool {
		if tr.Level != 1 || tr.VA >= area {
			t.Errorf("unexpected mapping %+v", tr)
		}
		return true
	})
	pt.Release()
	if n := mf.Allocated(); n != 0 {
		t.Errorf("%d pages leaked", n)
	}
}

func mapOrUnmap(pt *PageTable[frameItem], am *sync.AtomicMode, r hostarch.AddrRange, doMap bool) error {
	c, err := pt.CursorMut(am, r)
	if err != nil {
		return err
	}
	defer c.Close()
	if doMap {
		for c.VirtAddr() < r.End {
			fr, err := pt.MemoryFile().AllocFrame(1)
			if err != nil {
				return err
			}
			frag, err := c.Map(frameItem{frame: fr, prop: rw()})
			if err != nil {
				fr.DecRef()
				return err
			}
			if frag != nil {
				frag.Release()
			}
		}
		return nil
	}
	for {
		frag, err := c.TakeNext(uint64(r.End - c.VirtAddr()))
		if err != nil {
			return err
		}
		if frag == nil {
			return nil
		}
		frag.Release()
	}
}
