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
	"fmt"

	"github.com/ptcore/ptcore/pkg/atomicbitops"
)

// Refs is an atomic reference count. The zero value has no references; call
// InitRefs before use.
type Refs struct {
	refCount atomicbitops.Int64

	// kind names the owning object in leak reports.
	kind string
}

// InitRefs initializes r with one reference and, if enabled, activates leak
// checking.
func (r *Refs) InitRefs(kind string) {
	r.kind = kind
	r.refCount.Store(1)
	Register(r)
}

// RefType implements CheckedObject.RefType.
func (r *Refs) RefType() string {
	return r.kind
}

// LeakMessage implements CheckedObject.LeakMessage.
func (r *Refs) LeakMessage() string {
	return fmt.Sprintf("[%s %p] reference count of %d instead of 0", r.RefType(), r, r.ReadRefs())
}

// LogRefs implements CheckedObject.LogRefs.
func (r *Refs) LogRefs() bool {
	return false
}

// ReadRefs returns the current number of references. The returned count is
// inherently racy and is unsafe to use without external synchronization.
func (r *Refs) ReadRefs() int64 {
	return r.refCount.Load()
}

// IncRef increments the reference count. It panics if the object has no
// references left.
//
//go:nosplit
func (r *Refs) IncRef() {
	v := r.refCount.Add(1)
	LogIncRef(r, v)
	if v <= 1 {
		panic(fmt.Sprintf("Incrementing non-positive count %p on %s", r, r.RefType()))
	}
}

// DecRef decrements the reference count and calls destroy when it reaches
// zero. It returns true iff this call dropped the last reference.
//
//go:nosplit
func (r *Refs) DecRef(destroy func()) bool {
	v := r.refCount.Add(-1)
	LogDecRef(r, v)
	switch {
	case v < 0:
		panic(fmt.Sprintf("Decrementing non-positive ref count %p, owned by %s", r, r.RefType()))
	case v == 0:
		Unregister(r)
		if destroy != nil {
			destroy()
		}
		return true
	}
	return false
}
