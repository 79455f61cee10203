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

// Package cmd holds implementations of the ptctl commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/ptcore/ptcore/pkg/atomicbitops"
	"github.com/ptcore/ptcore/pkg/hostarch"
	"github.com/ptcore/ptcore/pkg/log"
	"github.com/ptcore/ptcore/pkg/pgalloc"
	"github.com/ptcore/ptcore/pkg/vm"
	"github.com/ptcore/ptcore/ptctl/config"
)

// Fatalf logs to stderr and exits with a failure status code.
func Fatalf(format string, args ...any) {
	log.Warningf("FATAL ERROR: "+format, args...)
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(128)
}

// machine is the simulated hardware a command runs on: physical memory and
// the CPUs receiving TLB shootdowns.
type machine struct {
	mf      *pgalloc.MemoryFile
	flusher *vm.TLBFlusher[vm.MappedFrame]

	// pcids is nil unless PCIDs are enabled.
	pcids *vm.PCIDs

	// flushes counts per-CPU shootdowns.
	flushes atomicbitops.Int64
}

func newMachine(conf *config.Config) (*machine, error) {
	mf, err := pgalloc.NewMemoryFile(pgalloc.MemoryFileOpts{Size: conf.MemorySize})
	if err != nil {
		return nil, err
	}
	m := &machine{mf: mf}
	m.flusher = vm.NewTLBFlusher[vm.MappedFrame](conf.CPUs, m.flush)
	if conf.PCIDs {
		m.pcids = vm.NewPCIDs(1, 4095)
	}
	return m, nil
}

func (m *machine) flush(cpu int, ranges []hostarch.AddrRange) error {
	m.flushes.Add(1)
	log.Debugf("CPU %d: invalidating %d ranges", cpu, len(ranges))
	return nil
}

// newSpace returns an empty address space and its CR3 value.
func (m *machine) newSpace() (*vm.Space, uint64, error) {
	s, err := vm.NewSpace(m.mf, m.flusher)
	if err != nil {
		return nil, 0, err
	}
	return s, s.CR3(m.pcids), nil
}

// release frees the address space s and checks that every page was
// returned to the memory file.
func (m *machine) release(s *vm.Space) error {
	if m.pcids != nil {
		m.pcids.Drop(s)
	}
	if err := s.Release(); err != nil {
		return err
	}
	if n := m.mf.Allocated(); n != 0 {
		return fmt.Errorf("%d pages still allocated after release", n)
	}
	return nil
}

func (m *machine) destroy() {
	if err := m.mf.Destroy(); err != nil {
		log.Warningf("Destroying memory file: %v", err)
	}
}
