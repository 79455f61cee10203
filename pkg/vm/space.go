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
	"fmt"
	"time"

	"github.com/ptcore/ptcore/pkg/hostarch"
	"github.com/ptcore/ptcore/pkg/log"
	"github.com/ptcore/ptcore/pkg/pgalloc"
	"github.com/ptcore/ptcore/pkg/ring0/pagetables"
	"github.com/ptcore/ptcore/pkg/sync"
)

// remapLog reports mappings replaced by Map.
var remapLog = log.BasicRateLimitedLogger(time.Second)

// Space is a user address space: a user page table and the TLB flusher of
// the CPUs running it.
type Space struct {
	pt      *pagetables.PageTable[MappedFrame]
	flusher *TLBFlusher[MappedFrame]
}

// NewSpace returns an empty address space whose tables and frames live in
// mf.
func NewSpace(mf *pgalloc.MemoryFile, flusher *TLBFlusher[MappedFrame]) (*Space, error) {
	pt, err := pagetables.New[MappedFrame](UserConfig{MF: mf}, mf, pagetables.X86{})
	if err != nil {
		return nil, err
	}
	return &Space{pt: pt, flusher: flusher}, nil
}

// PageTable returns the page table of s.
func (s *Space) PageTable() *pagetables.PageTable[MappedFrame] {
	return s.pt
}

// CR3 returns the value switching to s on a CPU using pcids.
func (s *Space) CR3(pcids *PCIDs) uint64 {
	if pcids == nil {
		return s.pt.CR3(false, 0)
	}
	pcid, flush := pcids.Assign(s)
	return s.pt.CR3(!flush, pcid)
}

// Map maps frames back to back from va with prop. It takes the references
// of all frames, including those it fails to map.
func (s *Space) Map(va hostarch.Addr, frames []pgalloc.Frame, prop hostarch.PageProperty) error {
	var length uint64
	for _, fr := range frames {
		length += fr.Size()
	}
	ar, ok := va.ToRange(length)
	if !ok {
		releaseFrames(frames)
		return fmt.Errorf("mapping %#x bytes at %v overflows", length, va)
	}

	am := sync.DisablePreempt()
	defer am.Release()
	c, err := s.pt.CursorMut(am, ar)
	if err != nil {
		releaseFrames(frames)
		return err
	}
	for i, fr := range frames {
		old, err := c.Map(MappedFrame{Frame: fr, Prop: prop})
		if err != nil {
			c.Close()
			releaseFrames(frames[i:])
			return fmt.Errorf("mapping %v at %v: %w", fr, c.VirtAddr(), err)
		}
		if old != nil {
			remapLog.Warningf("Mapping at %v replaced %v", old.VA, old)
			s.flusher.Defer(old)
		}
	}
	c.Close()
	return s.flusher.Dispatch()
}

func releaseFrames(frames []pgalloc.Frame) {
	for _, fr := range frames {
		fr.DecRef()
	}
}

// Unmap removes every mapping in ar and returns the number of pages that
// were mapped.
func (s *Space) Unmap(ar hostarch.AddrRange) (int, error) {
	am := sync.DisablePreempt()
	defer am.Release()
	c, err := s.pt.CursorMut(am, ar)
	if err != nil {
		return 0, err
	}
	pages := 0
	for {
		frag, err := c.TakeNext(uint64(ar.End - c.VirtAddr()))
		if err != nil {
			c.Close()
			return pages, err
		}
		if frag == nil {
			break
		}
		switch frag.Kind {
		case pagetables.FragMapped:
			pages += int(frag.Len() / hostarch.PageSize)
		case pagetables.FragStrayPageTable:
			pages += frag.NumFrames
		}
		s.flusher.Defer(frag)
	}
	c.Close()
	return pages, s.flusher.Dispatch()
}

// Protect applies op to the property of every mapping in ar.
func (s *Space) Protect(ar hostarch.AddrRange, op func(*hostarch.PageProperty)) error {
	am := sync.DisablePreempt()
	defer am.Release()
	c, err := s.pt.CursorMut(am, ar)
	if err != nil {
		return err
	}
	for {
		r, ok, err := c.ProtectNext(uint64(ar.End-c.VirtAddr()), op)
		if err != nil {
			c.Close()
			return err
		}
		if !ok {
			break
		}
		s.flusher.IssueTLBFlush(r)
	}
	c.Close()
	return s.flusher.Dispatch()
}

// Query returns the physical address va translates to and the property of
// its page.
func (s *Space) Query(va hostarch.Addr) (hostarch.PhysAddr, hostarch.PageProperty, bool, error) {
	am := sync.DisablePreempt()
	defer am.Release()
	ar := hostarch.AddrRange{Start: va.RoundDown(), End: va.RoundDown() + hostarch.PageSize}
	c, err := s.pt.Cursor(am, ar)
	if err != nil {
		return 0, hostarch.PageProperty{}, false, err
	}
	defer c.Close()
	state, err := c.Query()
	if err != nil || !state.Mapped {
		return 0, hostarch.PageProperty{}, false, err
	}
	defer state.Item.Frame.DecRef()
	pa := state.Item.Frame.PA() + hostarch.PhysAddr(va-state.Range.Start)
	return pa, state.Item.Prop, true, nil
}

// Release drops the page table and every frame mapped in it. No operation
// may be in progress.
func (s *Space) Release() error {
	if err := s.flusher.Dispatch(); err != nil {
		return err
	}
	s.pt.Release()
	return nil
}
