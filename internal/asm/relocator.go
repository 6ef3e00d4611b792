// Copyright (c) 2026 frida-gum authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package asm

import "fmt"

// Relocator walks a guest instruction stream and re-emits each instruction
// through a Writer, fixing up any %rip-relative operand so it still
// addresses the same absolute location from the translated slab. The
// block compiler drives it one instruction at a time via the iterator it
// hands to the transformer; it never inspects guest bytes itself.
type Relocator interface {
	// Reset points the relocator at a new guest instruction stream starting
	// at addr, discarding any input left over from a previous block.
	Reset(code []byte, addr uint64)

	// Peek decodes the next instruction without consuming it. Repeated
	// Peek calls (with no intervening Copy) return the same instruction;
	// this lets the iterator give the transformer a look at an instruction
	// before deciding whether to keep, skip, or replace it.
	Peek() (Instruction, bool)

	// Copy relocates the instruction last returned by Peek into w and
	// advances past it. outOrigin is the absolute address the next byte
	// written to w will land at, needed to fix up %rip-relative operands
	// whose displacement is defined relative to the instruction's new
	// location. It panics if called without a pending Peek.
	Copy(w Writer, outOrigin uintptr) error

	// Skip advances past the instruction last returned by Peek without
	// emitting anything.
	Skip()

	// Input reports how many guest bytes have been consumed so far.
	Input() int
}

// AMD64Relocator is the concrete default Relocator. Only %rip-relative
// memory operands need special handling on relocation: their displacement
// is defined relative to the guest address immediately following the
// instruction, which changes once the bytes move to the slab, so the
// relocator patches the instruction's trailing disp32 to address the same
// absolute location from its new position (see Copy).
type AMD64Relocator struct {
	dec     Decoder
	code    []byte
	addr    uint64
	consumed int

	pending    *Instruction
	pendingLen int
}

func NewAMD64Relocator(dec Decoder) *AMD64Relocator {
	return &AMD64Relocator{dec: dec}
}

func (r *AMD64Relocator) Reset(code []byte, addr uint64) {
	r.code = code
	r.addr = addr
	r.consumed = 0
	r.pending = nil
	r.pendingLen = 0
}

func (r *AMD64Relocator) Peek() (Instruction, bool) {
	if r.pending != nil {
		return *r.pending, true
	}
	if r.consumed >= len(r.code) {
		return Instruction{}, false
	}
	inst, err := r.dec.Decode(r.code[r.consumed:], r.addr+uint64(r.consumed))
	if err != nil {
		return Instruction{}, false
	}
	r.pending = &inst
	r.pendingLen = inst.Size
	return inst, true
}

func (r *AMD64Relocator) Skip() {
	if r.pending == nil {
		panic("asm: Relocator.Skip with no pending instruction")
	}
	r.consumed += r.pendingLen
	r.pending = nil
	r.pendingLen = 0
}

func (r *AMD64Relocator) Input() int { return r.consumed }

// Copy relocates the pending instruction. Non-%rip-relative instructions
// are copied byte for byte, since their encoding doesn't depend on where
// they end up; a %rip-relative memory operand's disp32 is patched in
// place to account for the move, which works whenever the disp32 is the
// last four bytes of the encoding (true for every plain
// mov/lea/cmp/test-against-memory form the guest stream is expected to
// contain). A %rip-relative instruction that also carries a trailing
// immediate (disp32 followed by imm8/imm32) isn't distinguishable from
// the generic decode this package does and falls back to a verbatim
// copy, which is only correct if the guest never does that; callers
// needing full coverage should supply their own Relocator.
func (r *AMD64Relocator) Copy(w Writer, outOrigin uintptr) error {
	if r.pending == nil {
		panic("asm: Relocator.Copy with no pending instruction")
	}
	inst := *r.pending

	if instructionIsRIPRelative(inst) {
		if err := relocateRIPRelative(w, inst, outOrigin); err != nil {
			return fmt.Errorf("asm: relocate rip-relative instruction at %#x: %w", inst.Address, err)
		}
	} else {
		w.PutBytes(inst.Bytes)
	}

	r.Skip()
	return nil
}

func instructionIsRIPRelative(inst Instruction) bool {
	return inst.Branch.Kind == TargetMemory && inst.Branch.OriginIP != 0 && inst.Branch.Base == 0 && !inst.Branch.HasIndex
}

// relocateRIPRelative rewrites the trailing disp32 of inst.Bytes so that
// [rip+disp32], evaluated from outOrigin+len(inst.Bytes), still addresses
// the same absolute location the original encoding addressed relative to
// inst.Branch.OriginIP.
func relocateRIPRelative(w Writer, inst Instruction, outOrigin uintptr) error {
	if len(inst.Bytes) < 4 {
		return fmt.Errorf("instruction too short for a disp32 operand: % x", inst.Bytes)
	}
	target := uint64(int64(inst.Branch.OriginIP) + int64(inst.Branch.Disp))
	newEnd := uint64(outOrigin) + uint64(len(inst.Bytes))
	newDisp := int32(int64(target) - int64(newEnd))

	out := append([]byte(nil), inst.Bytes...)
	n := len(out)
	out[n-4] = byte(newDisp)
	out[n-3] = byte(newDisp >> 8)
	out[n-2] = byte(newDisp >> 16)
	out[n-1] = byte(newDisp >> 24)
	w.PutBytes(out)
	return nil
}
