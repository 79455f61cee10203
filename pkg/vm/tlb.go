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
	"golang.org/x/sync/errgroup"

	"github.com/ptcore/ptcore/pkg/hostarch"
	"github.com/ptcore/ptcore/pkg/log"
	"github.com/ptcore/ptcore/pkg/ring0/pagetables"
	"github.com/ptcore/ptcore/pkg/sync"
)

// FlushFunc invalidates the translations of ranges on one CPU.
type FlushFunc func(cpu int, ranges []hostarch.AddrRange) error

// TLBFlusher batches TLB invalidations and the page table fragments waiting
// on them. Fragments are released only once every CPU has flushed.
type TLBFlusher[I any] struct {
	cpus  int
	flush FlushFunc

	mu sync.Mutex

	// +checklocks:mu
	ranges []hostarch.AddrRange

	// +checklocks:mu
	frags []*pagetables.PageTableFrag[I]
}

// NewTLBFlusher returns a flusher for cpus CPUs.
func NewTLBFlusher[I any](cpus int, flush FlushFunc) *TLBFlusher[I] {
	if cpus < 1 {
		cpus = 1
	}
	return &TLBFlusher[I]{cpus: cpus, flush: flush}
}

// IssueTLBFlush queues the invalidation of r.
func (f *TLBFlusher[I]) IssueTLBFlush(r hostarch.AddrRange) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ranges = append(f.ranges, r)
}

// Defer queues the invalidation of frag's range and its release after it.
func (f *TLBFlusher[I]) Defer(frag *pagetables.PageTableFrag[I]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ranges = append(f.ranges, frag.Range())
	f.frags = append(f.frags, frag)
}

// Pending returns the number of queued ranges.
func (f *TLBFlusher[I]) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ranges)
}

// Dispatch flushes every queued range on every CPU, then releases the
// deferred fragments. If a CPU fails to flush, the fragments stay queued.
func (f *TLBFlusher[I]) Dispatch() error {
	f.mu.Lock()
	ranges, frags := f.ranges, f.frags
	f.ranges, f.frags = nil, nil
	f.mu.Unlock()
	if len(ranges) == 0 {
		return nil
	}

	var g errgroup.Group
	for cpu := 0; cpu < f.cpus; cpu++ {
		cpu := cpu
		g.Go(func() error {
			return f.flush(cpu, ranges)
		})
	}
	if err := g.Wait(); err != nil {
		f.mu.Lock()
		f.ranges = append(ranges, f.ranges...)
		f.frags = append(frags, f.frags...)
		f.mu.Unlock()
		return err
	}

	for _, frag := range frags {
		frag.Release()
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("Flushed %d ranges on %d CPUs, released %d fragments", len(ranges), f.cpus, len(frags))
	}
	return nil
}
