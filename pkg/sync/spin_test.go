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

package sync

import (
	"testing"
)

func TestSpinMutex(t *testing.T) {
	var (
		m          = NewSpinMutex()
		wg         WaitGroup
		numWorkers = 10
		counter    int
	)

	m.Lock()
	if m.TryLock() {
		t.Fatal("TryLock succeeded on a held lock")
	}

	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Lock()
				counter++
				m.Unlock()
			}
		}()
	}

	// Workers cannot make progress until the lock is released.
	m.Unlock()
	wg.Wait()

	if got, want := counter, numWorkers*100; got != want {
		t.Errorf("counter = %d, want %d", got, want)
	}
	if !m.TryLock() {
		t.Fatal("TryLock failed on a free lock")
	}
	m.Unlock()
}

func TestAtomicModeNesting(t *testing.T) {
	a := DisablePreempt()
	a.Enter()
	a.Release()
	if !a.Active() {
		t.Fatal("token inactive after releasing a nested section")
	}
	a.Release()
	if a.Active() {
		t.Fatal("token still active after final release")
	}

	defer func() {
		if recover() == nil {
			t.Error("over-release did not panic")
		}
	}()
	a.Release()
}
