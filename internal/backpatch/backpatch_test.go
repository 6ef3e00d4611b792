// Copyright (c) 2026 frida-gum authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package backpatch

import (
	"testing"

	"github.com/0xDC00/frida-gum/internal/asm"
	"github.com/0xDC00/frida-gum/internal/slab"
	"github.com/0xDC00/frida-gum/internal/virt"
)

func TestDescriptorRoundtrip(t *testing.T) {
	d := Descriptor{Version: descriptorVersion, Kind: KindStatic, SiteOffset: 42, GuestTarget: 0x1111, TranslatedTarget: 0x2222}
	got, err := Decode(d.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != d {
		t.Fatalf("roundtrip mismatch: got %+v, want %+v", got, d)
	}
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error decoding a short buffer")
	}
}

func TestStaticPreconditionsAllowed(t *testing.T) {
	p := StaticPreconditions{ContextActive: true, TargetIsActivation: false, RecycleCount: 3, TrustThreshold: 1}
	if !p.Allowed() {
		t.Fatal("expected preconditions to be satisfied")
	}
	p.TargetIsActivation = true
	if p.Allowed() {
		t.Fatal("activation target must never be statically backpatched")
	}
}

func TestStaticPatchPanicsWithoutPreconditions(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic when preconditions are not satisfied")
		}
	}()
	s, err := slab.Allocate(slab.NearSpec{}, 4096, slab.PermsCodeWX)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	defer s.Close()
	w := asm.NewAMD64Writer()
	StaticPatch(s, w, 0, s.Base(), s.Base()+100, StaticPreconditions{})
}

func TestICPatchFillsFirstEmptySlot(t *testing.T) {
	s, err := slab.Allocate(slab.NearSpec{}, 4096, slab.PermsCodeWX)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	defer s.Close()

	mem, off, ok := s.Reserve(virt.ICEntrySize * 4)
	if !ok {
		t.Fatal("reserve failed")
	}
	_ = mem

	if err := s.Thaw(off, virt.ICEntrySize*4); err != nil {
		t.Fatalf("thaw: %v", err)
	}
	if err := s.Freeze(off, virt.ICEntrySize*4); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	d, ok := ICPatch(s, int32(off), 4, 0xaaaa, 0xbbbb)
	if !ok {
		t.Fatal("expected ICPatch to find an empty slot")
	}
	if d.GuestTarget != 0xaaaa || d.TranslatedTarget != 0xbbbb {
		t.Fatalf("unexpected descriptor: %+v", d)
	}

	// A second patch for the same guest target must be a no-op (IC
	// monotonicity): it still reports ok=true but must not move to a
	// different slot.
	d2, ok2 := ICPatch(s, int32(off), 4, 0xaaaa, 0xcccc)
	if !ok2 {
		t.Fatal("expected ok=true for an already-present guest target")
	}
	if d2.TranslatedTarget == 0xcccc {
		t.Fatal("ICPatch must not rewrite an already-populated entry")
	}
}

func TestICPatchReportsFullArray(t *testing.T) {
	s, err := slab.Allocate(slab.NearSpec{}, 4096, slab.PermsCodeWX)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	defer s.Close()

	_, off, ok := s.Reserve(virt.ICEntrySize * 2)
	if !ok {
		t.Fatal("reserve failed")
	}

	if _, ok := ICPatch(s, int32(off), 2, 0x1, 0x2); !ok {
		t.Fatal("expected first patch to succeed")
	}
	if _, ok := ICPatch(s, int32(off), 2, 0x3, 0x4); !ok {
		t.Fatal("expected second patch to succeed")
	}
	if _, ok := ICPatch(s, int32(off), 2, 0x5, 0x6); ok {
		t.Fatal("expected patch to fail once the array is full")
	}
}
