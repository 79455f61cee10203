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
	"runtime"
)

// AtomicMode is a token proving that the holder runs in a context that must
// not block: the goroutine is wired to its OS thread for the lifetime of the
// token, which is the closest user-space analogue of disabling preemption.
//
// Page table cursors require an AtomicMode. Nested critical sections share
// the same token.
type AtomicMode struct {
	_     NoCopy
	depth int
}

// DisablePreempt enters atomic mode. The returned token must be released
// with Release on the same goroutine.
func DisablePreempt() *AtomicMode {
	runtime.LockOSThread()
	return &AtomicMode{depth: 1}
}

// Enter nests another critical section on the same token.
func (a *AtomicMode) Enter() {
	runtime.LockOSThread()
	a.depth++
}

// Release leaves one level of atomic mode.
func (a *AtomicMode) Release() {
	if a.depth <= 0 {
		panic("AtomicMode released more times than entered")
	}
	a.depth--
	runtime.UnlockOSThread()
}

// Active reports whether the token is still held.
func (a *AtomicMode) Active() bool {
	return a != nil && a.depth > 0
}
