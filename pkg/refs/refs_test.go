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

package refs

import (
	"strings"
	"testing"
)

func TestRefsLifecycle(t *testing.T) {
	SetLeakMode(LeaksLogWarning)
	defer SetLeakMode(NoLeakChecking)

	var r Refs
	r.InitRefs("frame")
	r.IncRef()
	if got := r.ReadRefs(); got != 2 {
		t.Fatalf("ReadRefs() = %d, want 2", got)
	}
	if leaks := Leaks(); len(leaks) != 1 || !strings.Contains(leaks[0], "[frame ") {
		t.Fatalf("Leaks() = %v, want one frame leak", leaks)
	}

	destroyed := false
	if r.DecRef(func() { destroyed = true }) || destroyed {
		t.Fatalf("first DecRef destroyed the object")
	}
	if !r.DecRef(func() { destroyed = true }) || !destroyed {
		t.Fatalf("last DecRef did not destroy the object")
	}
	if n := DoLeakCheck(); n != 0 {
		t.Errorf("DoLeakCheck() = %d, want 0", n)
	}
}

func TestDecRefBelowZeroPanics(t *testing.T) {
	var r Refs
	r.InitRefs("node")
	r.DecRef(nil)
	defer func() {
		if recover() == nil {
			t.Errorf("DecRef on a dead object did not panic")
		}
	}()
	r.DecRef(nil)
}

func TestLeakModeFlag(t *testing.T) {
	var m LeakMode
	if err := m.Set("panic"); err != nil || m != LeaksPanic {
		t.Errorf("Set(panic) = %v, mode %v", err, m)
	}
	if err := m.Set("bogus"); err == nil {
		t.Errorf("Set(bogus) should fail")
	}
}
