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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/ptcore/ptcore/pkg/hostarch"
)

func TestX86PropRoundTrip(t *testing.T) {
	var arch X86
	for _, tc := range []struct {
		name  string
		level int
		prop  hostarch.PageProperty
	}{
		{"rw user", 1, hostarch.NewPageProperty(hostarch.RW)},
		{"rx global", 1, hostarch.PageProperty{Flags: hostarch.RX, Priv: hostarch.Global}},
		{"all flags", 1, hostarch.PageProperty{
			Flags: hostarch.RWX | hostarch.Accessed | hostarch.Dirty | hostarch.Avail2,
			Priv:  hostarch.User | hostarch.Global | hostarch.Avail1,
		}},
		{"no access", 1, hostarch.PageProperty{}},
		{"write through", 1, hostarch.PageProperty{Flags: hostarch.R, Cache: hostarch.Writethrough}},
		{"uncacheable", 1, hostarch.PageProperty{Flags: hostarch.RW, Cache: hostarch.Uncacheable}},
		{"write combining", 1, hostarch.PageProperty{Flags: hostarch.RW, Cache: hostarch.WriteCombining}},
		{"write protected", 1, hostarch.PageProperty{Flags: hostarch.R, Cache: hostarch.WriteProtected}},
		{"huge rw", 2, hostarch.NewPageProperty(hostarch.RW)},
		{"huge uncacheable", 2, hostarch.PageProperty{Flags: hostarch.RX, Cache: hostarch.Uncacheable}},
		{"1G write through", 3, hostarch.PageProperty{Flags: hostarch.R, Cache: hostarch.Writethrough}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			pa := hostarch.PhysAddr(0x40000000)
			pte := arch.NewPage(pa, tc.level, tc.prop)
			if !arch.IsPresent(pte) {
				t.Errorf("IsPresent(%#x) = false", uint64(pte))
			}
			if !arch.IsLast(pte, tc.level) {
				t.Errorf("IsLast(%#x, %d) = false", uint64(pte), tc.level)
			}
			if got := arch.Paddr(pte); got != pa {
				t.Errorf("Paddr(%#x) = %v, want %v", uint64(pte), got, pa)
			}
			if diff := cmp.Diff(tc.prop, arch.Prop(pte)); diff != "" {
				t.Errorf("Prop mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestX86Bits(t *testing.T) {
	var arch X86
	for _, tc := range []struct {
		name string
		pte  PTE
		want PTE
	}{
		{
			name: "4K rw user",
			pte:  arch.NewPage(0x1000, 1, hostarch.NewPageProperty(hostarch.RW)),
			want: 0x1000 | x86Present | x86Writable | x86User | x86NoExecute | x86ValidPage,
		},
		{
			name: "2M rx kernel global",
			pte:  arch.NewPage(0x200000, 2, hostarch.PageProperty{Flags: hostarch.RX, Priv: hostarch.Global}),
			want: 0x200000 | x86Present | x86Huge | x86Global,
		},
		{
			name: "4K write combining",
			pte:  arch.NewPage(0x3000, 1, hostarch.PageProperty{Flags: hostarch.R, Cache: hostarch.WriteCombining}),
			want: 0x3000 | x86Present | x86PAT | x86NoExecute | x86ValidPage,
		},
		{
			name: "4K write protected",
			pte:  arch.NewPage(0x3000, 1, hostarch.PageProperty{Flags: hostarch.R, Cache: hostarch.WriteProtected}),
			want: 0x3000 | x86Present | x86PAT | x86WriteThrough | x86NoExecute | x86ValidPage,
		},
		{
			name: "avail bits",
			pte: arch.NewPage(0x4000, 1, hostarch.PageProperty{
				Flags: hostarch.R | hostarch.Avail2,
				Priv:  hostarch.Avail1,
			}),
			want: 0x4000 | x86Present | x86NoExecute | x86HighIgn1 | x86HighIgn2 | x86ValidPage,
		},
		{
			name: "page table",
			pte:  arch.NewPT(0x5000),
			want: 0x5000 | x86Present | x86Writable | x86User,
		},
		{
			name: "token",
			pte:  arch.NewToken(MakeToken(7)),
			want: 7 << 12,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if tc.pte != tc.want {
				t.Errorf("got %#x, want %#x", uint64(tc.pte), uint64(tc.want))
			}
		})
	}
}

func TestX86CacheTable(t *testing.T) {
	var arch X86
	base := arch.NewPage(0x1000, 1, hostarch.NewPageProperty(hostarch.R))
	for _, tc := range []struct {
		bits PTE
		want hostarch.CachePolicy
	}{
		{0, hostarch.Writeback},
		{x86WriteThrough, hostarch.Writethrough},
		{x86NoCache, hostarch.Uncacheable},
		{x86NoCache | x86WriteThrough, hostarch.Uncacheable},
		{x86PAT, hostarch.WriteCombining},
		{x86PAT | x86WriteThrough, hostarch.WriteProtected},
		{x86PAT | x86NoCache, hostarch.Uncacheable},
		{x86PAT | x86NoCache | x86WriteThrough, hostarch.Uncacheable},
	} {
		if got := arch.Prop(base | tc.bits).Cache; got != tc.want {
			t.Errorf("Prop(%#x).Cache = %v, want %v", uint64(base|tc.bits), got, tc.want)
		}
	}
}

func TestX86AbsentEntries(t *testing.T) {
	var arch X86
	if arch.IsPresent(arch.NewAbsent()) {
		t.Errorf("absent entry is present")
	}
	tok := arch.NewToken(MakeToken(42))
	if arch.IsPresent(tok) {
		t.Errorf("token entry is present")
	}
	if got := Token(arch.Paddr(tok)).Value(); got != 42 {
		t.Errorf("token value = %d, want 42", got)
	}
	if got := arch.SetProp(tok, hostarch.NewPageProperty(hostarch.RWX)); got != tok {
		t.Errorf("SetProp changed an absent entry: %#x", uint64(got))
	}
}

func TestX86SetPropKeepsAddressAndSize(t *testing.T) {
	var arch X86
	pte := arch.NewPage(0x400000, 2, hostarch.NewPageProperty(hostarch.RW))
	pte = arch.SetProp(pte, hostarch.PageProperty{Flags: hostarch.R, Cache: hostarch.Uncacheable})
	if !arch.IsLast(pte, 2) || arch.Paddr(pte) != 0x400000 {
		t.Errorf("SetProp lost the mapping: %#x", uint64(pte))
	}

	// The PAT bit of a 4K leaf is part of the property.
	small := arch.NewPage(0x1000, 1, hostarch.PageProperty{Flags: hostarch.R, Cache: hostarch.WriteCombining})
	small = arch.SetProp(small, hostarch.NewPageProperty(hostarch.R))
	if got := arch.Prop(small).Cache; got != hostarch.Writeback {
		t.Errorf("cache after reset = %v, want %v", got, hostarch.Writeback)
	}
}

func TestX86HugeWriteCombiningPanics(t *testing.T) {
	for _, cache := range []hostarch.CachePolicy{hostarch.WriteCombining, hostarch.WriteProtected} {
		t.Run(cache.String(), func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Errorf("NewPage did not panic")
				}
			}()
			X86{}.NewPage(0x200000, 2, hostarch.PageProperty{Flags: hostarch.RW, Cache: cache})
		})
	}
}
