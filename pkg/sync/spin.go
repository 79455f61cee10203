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
	lock "github.com/viney-shih/go-lock"
)

// SpinMutex is a mutual exclusion lock that never parks the calling
// goroutine on a runtime semaphore. Acquisition is a compare-and-swap loop.
//
// The zero value is not usable; use NewSpinMutex or Init.
type SpinMutex struct {
	_  NoCopy
	mu *lock.CASMutex
}

// NewSpinMutex returns an unlocked SpinMutex.
func NewSpinMutex() *SpinMutex {
	m := &SpinMutex{}
	m.Init()
	return m
}

// Init initializes m in the unlocked state.
func (m *SpinMutex) Init() {
	m.mu = lock.NewCASMutex()
}

// Lock spins until m is acquired.
func (m *SpinMutex) Lock() {
	m.mu.Lock()
}

// TryLock acquires m if it is free and reports whether it did so.
func (m *SpinMutex) TryLock() bool {
	return m.mu.TryLock()
}

// Unlock releases m.
//
// Preconditions: m is locked.
func (m *SpinMutex) Unlock() {
	m.mu.Unlock()
}
