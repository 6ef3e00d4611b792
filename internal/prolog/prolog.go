// Copyright (c) 2026 frida-gum authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package prolog emits the three prolog/epilog helper shapes a code slab
// needs before any trampoline can call out of translated code: the IC
// prolog used by the inline-cache miss path, the minimal prolog used by
// entry-gate trampolines, and the full prolog used by call probes and
// event-sink callouts that need a complete architectural snapshot.
//
// Each shape is emitted once per code slab and invoked with `call rel32`;
// the helper falls through to the caller's next instruction, so the call
// site itself is the continuation rather than an explicit return target.
package prolog

import "github.com/0xDC00/frida-gum/internal/asm"

// Kind selects which of the three prolog/epilog shapes to emit.
type Kind int

const (
	// KindIC saves only flags and two scratch GPRs; used by the inline
	// cache's linear scan, which never touches the rest of the machine
	// state.
	KindIC Kind = iota
	// KindMinimal saves flags, the caller-saved GPRs, and FP/vector state;
	// used by entry-gate trampolines that call into the dispatcher.
	KindMinimal
	// KindFull saves every GPR plus FP/vector state, leaving a slot for
	// XIP to be filled in by the caller; used by call probes and
	// full-context event-sink callouts.
	KindFull
)

// FrameLayout describes the byte offsets, relative to XBX after a prolog
// of the given Kind runs, of the fields a trampoline needs to read or
// write.
type FrameLayout struct {
	Kind Kind

	// Size is the total saved-frame size in bytes; only its FP/vector
	// part is padded to a multiple of 16.
	Size int32

	// AppStackPointer is the offset at which the prolog recorded the
	// guest's stack pointer value, captured before any pushes.
	AppStackPointer int32

	// XIP is the offset of the instruction-pointer slot a full prolog
	// reserves for the caller to fill in; -1 for IC/minimal prologs,
	// which carry no XIP slot.
	XIP int32

	// FPArea is the offset of the fxsave area; -1 for the IC prolog,
	// which saves no FP/vector state.
	FPArea int32
}

// Helper is one emitted prolog/epilog pair living inside a code slab.
type Helper struct {
	Kind Kind

	// PrologOffset/EpilogOffset are offsets within the slab's code region
	// at which `call rel32` should target to invoke the prolog, and at
	// which the trampoline should jump to invoke the matching epilog.
	PrologOffset int32
	EpilogOffset int32

	Layout FrameLayout
}

// calleeSaved is the GPR set the minimal and full prologs push, in the
// order they are pushed (and therefore the reverse of pop order in the
// epilog). RSP is never pushed; it is reconstructed from XBX.
var calleeSaved = []asm.Reg{
	asm.RAX, asm.RCX, asm.RDX, asm.RBX,
	asm.RSI, asm.RDI, asm.R8, asm.R9,
	asm.R10, asm.R11, asm.R12, asm.R13, asm.R14, asm.R15,
}

// Emit writes one prolog+epilog pair of the given kind to w and returns
// the resulting Helper. avx2 controls whether the minimal/full prologs
// spill YMM upper halves with vextracti128 (true) or rely on fxsave's
// legacy 128-bit XMM save alone (false); callers should pass
// asm.HasAVX2().
func Emit(w asm.Writer, kind Kind, avx2 bool) Helper {
	switch kind {
	case KindIC:
		return emitIC(w)
	case KindMinimal:
		return emitMinimal(w, avx2)
	case KindFull:
		return emitFull(w, avx2)
	default:
		panic("prolog: unknown Kind")
	}
}

// emitIC: pushfq; push rax; push rbx; mov rbx, rsp.
func emitIC(w asm.Writer) Helper {
	prologOff := w.Pos()
	w.PushFlags()
	w.PushReg(asm.RAX)
	w.PushReg(asm.RBX)
	w.MovRegReg(asm.RBX, asm.RSP)
	w.Ret()

	epilogOff := w.Pos()
	w.PopReg(asm.RBX)
	w.PopReg(asm.RAX)
	w.PopFlags()
	w.Ret()

	const frameSize = 24 // flags + rax + rbx
	return Helper{
		Kind:         KindIC,
		PrologOffset: prologOff,
		EpilogOffset: epilogOff,
		Layout: FrameLayout{
			Kind:            KindIC,
			Size:            frameSize,
			AppStackPointer: frameSize,
			XIP:             -1,
			FPArea:          -1,
		},
	}
}

// emitMinimal: pushfq; push every GPR in calleeSaved; mov rbx, rsp; lea
// rsp down by the 16-byte-multiple FP save area; fxsave; conditionally
// vextracti128 the YMM upper halves into the tail of that area.
func emitMinimal(w asm.Writer, avx2 bool) Helper {
	prologOff := w.Pos()
	w.PushFlags()
	for _, r := range calleeSaved {
		w.PushReg(r)
	}

	const fxsaveArea = 512
	ymmArea := 0
	if avx2 {
		ymmArea = 16 * len(calleeSaved[:8]) // upper halves for xmm0-xmm7
	}
	totalFP := align16(int32(fxsaveArea + ymmArea))

	w.MovRegReg(asm.RBX, asm.RSP)
	w.LeaRegMem(asm.RSP, asm.RSP, -totalFP)
	w.FxSave(asm.RSP, 0)
	if avx2 {
		emitYMMSpill(w, fxsaveArea)
	}
	w.Ret()

	epilogOff := w.Pos()
	if avx2 {
		emitYMMRestore(w, fxsaveArea)
	}
	w.FxRstor(asm.RSP, 0)
	w.MovRegReg(asm.RSP, asm.RBX)
	for i := len(calleeSaved) - 1; i >= 0; i-- {
		w.PopReg(calleeSaved[i])
	}
	w.PopFlags()
	w.Ret()

	pushedGPRs := int32(8 * (len(calleeSaved) + 1)) // +1 for flags
	return Helper{
		Kind:         KindMinimal,
		PrologOffset: prologOff,
		EpilogOffset: epilogOff,
		Layout: FrameLayout{
			Kind:            KindMinimal,
			Size:            pushedGPRs + totalFP,
			AppStackPointer: pushedGPRs + totalFP,
			XIP:             -1,
			FPArea:          pushedGPRs,
		},
	}
}

// emitFull is identical to emitMinimal except it reserves one extra word
// below the GPR save area for the XIP slot, which invoke_call_probes and
// the event-sink callout path fill in with the guest PC before transferring
// control to the user callback.
func emitFull(w asm.Writer, avx2 bool) Helper {
	prologOff := w.Pos()
	w.PushFlags()
	w.PushReg(asm.RAX) // placeholder XIP slot, overwritten by the caller
	for _, r := range calleeSaved {
		w.PushReg(r)
	}

	const fxsaveArea = 512
	ymmArea := 0
	if avx2 {
		ymmArea = 16 * len(calleeSaved[:8])
	}
	totalFP := align16(int32(fxsaveArea + ymmArea))

	w.MovRegReg(asm.RBX, asm.RSP)
	w.LeaRegMem(asm.RSP, asm.RSP, -totalFP)
	w.FxSave(asm.RSP, 0)
	if avx2 {
		emitYMMSpill(w, fxsaveArea)
	}
	w.Ret()

	epilogOff := w.Pos()
	if avx2 {
		emitYMMRestore(w, fxsaveArea)
	}
	w.FxRstor(asm.RSP, 0)
	w.MovRegReg(asm.RSP, asm.RBX)
	for i := len(calleeSaved) - 1; i >= 0; i-- {
		w.PopReg(calleeSaved[i])
	}
	w.PopReg(asm.RAX) // discard XIP slot
	w.PopFlags()
	w.Ret()

	xipSlot := int32(8 * len(calleeSaved)) // just above the last GPR pushed
	pushedGPRs := xipSlot + 16             // + XIP slot + flags
	return Helper{
		Kind:         KindFull,
		PrologOffset: prologOff,
		EpilogOffset: epilogOff,
		Layout: FrameLayout{
			Kind:            KindFull,
			Size:            pushedGPRs + totalFP,
			AppStackPointer: pushedGPRs + totalFP,
			XIP:             xipSlot,
			FPArea:          pushedGPRs,
		},
	}
}

// emitYMMSpill copies the upper 128 bits of ymm0-ymm7 into the 16 bytes
// per register that follow the 512-byte legacy fxsave area. XMM8 is used
// as scratch for the vextracti128 destination so no guest-visible
// register (0-7) is clobbered before fxsave has already saved it.
func emitYMMSpill(w asm.Writer, fxsaveArea int) {
	const scratch = asm.R8 // xmm8, numbered the same as the GPR
	for i := 0; i < 8; i++ {
		w.VExtracti128(scratch, asm.Reg(i), 1)
		w.MovMemXMM(asm.RSP, int32(fxsaveArea+i*16), scratch)
	}
}

func emitYMMRestore(w asm.Writer, fxsaveArea int) {
	const scratch = asm.R8
	for i := 7; i >= 0; i-- {
		w.MovXMMMem(scratch, asm.RSP, int32(fxsaveArea+i*16))
		w.VInserti128(asm.Reg(i), asm.Reg(i), scratch, 1)
	}
}

func align16(n int32) int32 {
	return (n + 15) &^ 15
}
