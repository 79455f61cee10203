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
	"github.com/ptcore/ptcore/pkg/sync"
)

// limitPCID is the maximum value of valid PCIDs.
const limitPCID = 4095

// PCIDs assigns process-context identifiers to address spaces, so that
// switching to a space whose PCID is still valid need not flush the TLB.
type PCIDs struct {
	mu sync.Mutex

	// cache maps spaces to their PCID.
	//
	// +checklocks:mu
	cache map[*Space]uint16

	// avail are PCIDs not assigned to any space.
	//
	// +checklocks:mu
	avail []uint16
}

// NewPCIDs returns a new PCID database.
//
// start is the first PCID to assign, usually one: PCID zero is always flushed
// by PageTable.CR3. It returns nil if the range exceeds limitPCID.
func NewPCIDs(start, size uint16) *PCIDs {
	if uint32(start)+uint32(size) > limitPCID+1 {
		return nil
	}
	p := &PCIDs{
		cache: make(map[*Space]uint16),
	}
	for pcid := start; pcid < start+size; pcid++ {
		p.avail = append(p.avail, pcid)
	}
	return p
}

// Assign returns the PCID of s, assigning one if needed, and whether the TLB
// entries of that PCID are stale and must be flushed.
func (p *PCIDs) Assign(s *Space) (uint16, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pcid, ok := p.cache[s]; ok {
		return pcid, false // No flush.
	}

	// Is there something available?
	if len(p.avail) > 0 {
		pcid := p.avail[len(p.avail)-1]
		p.avail = p.avail[:len(p.avail)-1]
		p.cache[s] = pcid

		// A previous owner may have left entries behind.
		return pcid, true
	}

	// Steal the PCID of another space. It gets a new one on its next
	// Assign.
	for old, pcid := range p.cache {
		delete(p.cache, old)
		p.cache[s] = pcid
		return pcid, true
	}
	return 0, false
}

// Drop returns the PCID of s, if any, to the pool.
func (p *PCIDs) Drop(s *Space) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pcid, ok := p.cache[s]; ok {
		delete(p.cache, s)
		p.avail = append(p.avail, pcid)
	}
}
