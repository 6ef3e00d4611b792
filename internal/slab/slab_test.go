// Copyright (c) 2026 frida-gum authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package slab

import "testing"

func TestReserveBumpsCursor(t *testing.T) {
	s, err := Allocate(NearSpec{}, 4096, PermsData)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	defer s.Close()

	mem, off, ok := s.Reserve(16)
	if !ok || off != 0 || len(mem) != 16 {
		t.Fatalf("unexpected reserve result: mem=%d off=%d ok=%v", len(mem), off, ok)
	}

	mem2, off2, ok := s.Reserve(16)
	if !ok || off2 != 16 || len(mem2) != 16 {
		t.Fatalf("unexpected second reserve result: mem=%d off=%d ok=%v", len(mem2), off2, ok)
	}

	if s.Cursor() != 32 {
		t.Fatalf("cursor = %d, want 32", s.Cursor())
	}
}

func TestReserveFailsWhenFull(t *testing.T) {
	s, err := Allocate(NearSpec{}, 64, PermsData)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	defer s.Close()

	if _, _, ok := s.Reserve(64); !ok {
		t.Fatal("expected reserve to succeed exactly at capacity")
	}
	if _, _, ok := s.Reserve(1); ok {
		t.Fatal("expected reserve to fail once slab is full")
	}
}

func TestContains(t *testing.T) {
	s, err := Allocate(NearSpec{}, 4096, PermsData)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	defer s.Close()

	base := s.Base()
	if !s.Contains(base) {
		t.Fatal("slab should contain its own base address")
	}
	if s.Contains(base + 4096) {
		t.Fatal("slab should not contain an address past its end")
	}
	if s.Contains(0) {
		t.Fatal("slab should not contain the null address")
	}
}

func TestThawFreezeRWXNoop(t *testing.T) {
	s, err := Allocate(NearSpec{}, 4096, PermsCodeRWX)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	defer s.Close()

	if err := s.Thaw(0, 16); err != nil {
		t.Fatalf("thaw: %v", err)
	}
	if err := s.Freeze(0, 16); err != nil {
		t.Fatalf("freeze: %v", err)
	}
}

func TestThawFreezeWX(t *testing.T) {
	s, err := Allocate(NearSpec{}, 4096, PermsCodeWX)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	defer s.Close()

	mem, _, ok := s.Reserve(16)
	if !ok {
		t.Fatal("reserve failed")
	}

	if err := s.Thaw(0, 16); err != nil {
		t.Fatalf("thaw: %v", err)
	}
	mem[0] = 0xC3 // ret
	if err := s.Freeze(0, 16); err != nil {
		t.Fatalf("freeze: %v", err)
	}
}

func TestNearSpecContains(t *testing.T) {
	spec := NearSpec{Near: 0x1000, MaxDistance: 0x100}
	if !spec.Contains(0x1000) {
		t.Fatal("should contain the near address itself")
	}
	if !spec.Contains(0x1050) {
		t.Fatal("should contain an address within range above near")
	}
	if !spec.Contains(0x0f80) {
		t.Fatal("should contain an address within range below near")
	}
	if spec.Contains(0x2000) {
		t.Fatal("should not contain an address far above near")
	}
}
