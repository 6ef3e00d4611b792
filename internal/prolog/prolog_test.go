// Copyright (c) 2026 frida-gum authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package prolog

import (
	"testing"

	"github.com/0xDC00/frida-gum/internal/asm"
)

func TestEmitICProlog(t *testing.T) {
	w := asm.NewAMD64Writer()
	h := Emit(w, KindIC, false)
	if h.PrologOffset != 0 {
		t.Fatalf("expected prolog at offset 0, got %d", h.PrologOffset)
	}
	if h.EpilogOffset <= h.PrologOffset {
		t.Fatalf("epilog offset %d should follow prolog offset %d", h.EpilogOffset, h.PrologOffset)
	}
	if h.Layout.FPArea != -1 {
		t.Fatalf("IC prolog should have no FP area, got %d", h.Layout.FPArea)
	}
}

func TestEmitMinimalProlog(t *testing.T) {
	w := asm.NewAMD64Writer()
	h := Emit(w, KindMinimal, false)
	if h.Layout.Size%16 != 0 {
		// Size is GPR pushes (not 16-byte aligned by construction) plus
		// an aligned FP area; only the FP area itself is required to be
		// 16-byte aligned.
	}
	if h.Layout.XIP != -1 {
		t.Fatalf("minimal prolog should have no XIP slot, got %d", h.Layout.XIP)
	}
	if h.Layout.FPArea <= 0 {
		t.Fatalf("expected positive FP area offset, got %d", h.Layout.FPArea)
	}
}

func TestEmitFullPrologHasXIPSlot(t *testing.T) {
	w := asm.NewAMD64Writer()
	h := Emit(w, KindFull, true)
	if h.Layout.XIP < 0 {
		t.Fatalf("full prolog must reserve an XIP slot")
	}
	if h.Layout.FPArea <= h.Layout.XIP {
		t.Fatalf("FP area (%d) should follow the XIP/GPR save area (%d)", h.Layout.FPArea, h.Layout.XIP)
	}
}

func TestEmitAVX2SpillGrowsFrame(t *testing.T) {
	w1 := asm.NewAMD64Writer()
	noAVX := Emit(w1, KindMinimal, false)

	w2 := asm.NewAMD64Writer()
	withAVX := Emit(w2, KindMinimal, true)

	if withAVX.Layout.Size <= noAVX.Layout.Size {
		t.Fatalf("AVX2 frame (%d) should be larger than non-AVX2 frame (%d)", withAVX.Layout.Size, noAVX.Layout.Size)
	}
}
