// Copyright (c) 2026 frida-gum authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package asm

import "testing"

func TestMovRegImm64(t *testing.T) {
	w := NewAMD64Writer()
	w.MovRegImm64(RAX, 0x1122334455667788)
	b := w.Bytes()
	if len(b) != 10 {
		t.Fatalf("expected 10 bytes, got %d: % x", len(b), b)
	}
	if b[0] != 0x48 || b[1] != 0xb8 {
		t.Fatalf("unexpected prefix/opcode: % x", b[:2])
	}
}

func TestPushPopReg(t *testing.T) {
	w := NewAMD64Writer()
	w.PushReg(R12)
	w.PopReg(R12)
	b := w.Bytes()
	// push r12 = 41 54, pop r12 = 41 5c
	want := []byte{0x41, 0x54, 0x41, 0x5c}
	if len(b) != len(want) {
		t.Fatalf("got % x, want % x", b, want)
	}
	for i := range want {
		if b[i] != want[i] {
			t.Fatalf("got % x, want % x", b, want)
		}
	}
}

func TestCallRel32StubThenPatch(t *testing.T) {
	w := NewAMD64Writer()
	site := w.CallRel32Stub()
	if site != 0 {
		t.Fatalf("expected site 0, got %d", site)
	}

	buf := w.Bytes()
	if buf[0] != 0xe8 {
		t.Fatalf("expected call opcode 0xe8, got %#x", buf[0])
	}

	origin := uintptr(0x1000)
	target := uintptr(0x2000)
	w.PatchRel32(buf, site, origin, target)

	disp := int32(buf[1]) | int32(buf[2])<<8 | int32(buf[3])<<16 | int32(buf[4])<<24
	wantDisp := int32(int64(target) - int64(origin+5))
	if disp != wantDisp {
		t.Fatalf("disp = %d, want %d", disp, wantDisp)
	}
}

func TestModRMDispZeroOffRBP(t *testing.T) {
	w := NewAMD64Writer()
	w.MovRegMem(RAX, RBP, 0)
	b := w.Bytes()
	// rex.w 48, opcode 8b, modrm with mod=01 disp8, rm=101 (rbp), disp8=00
	if len(b) != 4 {
		t.Fatalf("expected 4 bytes (rex+op+modrm+disp8), got % x", b)
	}
	if b[2]&0xc0 != modMemDisp8 {
		t.Fatalf("expected disp8 mod for RBP base with zero disp, got modrm %#x", b[2])
	}
}

func TestJccRel32Stub(t *testing.T) {
	w := NewAMD64Writer()
	site := w.JccRel32Stub(CondEqual)
	b := w.Bytes()
	if len(b) != 6 {
		t.Fatalf("expected 6 bytes, got %d", len(b))
	}
	if b[0] != 0x0f || b[1] != 0x84 {
		t.Fatalf("unexpected jcc opcode: % x", b[:2])
	}
	if site != 0 {
		t.Fatalf("expected site 0, got %d", site)
	}
}
