// Copyright (c) 2026 frida-gum authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package asm

import "encoding/binary"

// rex prefix bits.
const (
	rexBase = byte(0x40)
	rexW    = byte(0x08)
	rexR    = byte(0x04)
	rexX    = byte(0x02)
	rexB    = byte(0x01)
)

const (
	modMem       = byte(0x00)
	modMemDisp8  = byte(0x40)
	modMemDisp32 = byte(0x80)
	modReg       = byte(0xc0)
)

// Cond is an x86 condition code (the low nibble of a Jcc/SETcc/CMOVcc
// opcode), e.g. CondEqual = 0x4 for JE/JZ.
type Cond byte

const (
	CondOverflow    Cond = 0x0
	CondNotOverflow Cond = 0x1
	CondBelow       Cond = 0x2
	CondAboveEqual  Cond = 0x3
	CondEqual       Cond = 0x4
	CondNotEqual    Cond = 0x5
	CondBelowEqual  Cond = 0x6
	CondAbove       Cond = 0x7
	CondSign        Cond = 0x8
	CondNotSign     Cond = 0x9
	CondParity      Cond = 0xa
	CondNotParity   Cond = 0xb
	CondLess        Cond = 0xc
	CondGreaterEq   Cond = 0xd
	CondLessEq      Cond = 0xe
	CondGreater     Cond = 0xf
)

// Writer is the code-emission collaborator used by the block compiler and
// control-flow virtualizer to produce translated code without either one
// knowing the concrete instruction encoding. It accumulates into an
// in-memory staging buffer; the compiler copies the result into a slab.
type Writer interface {
	Pos() int32
	Bytes() []byte
	Reset()

	PutBytes(b []byte)
	Nop(n int)
	Int3()
	Ret()

	PushReg(r Reg)
	PopReg(r Reg)
	PushFlags()
	PopFlags()

	MovRegReg(dst, src Reg)
	MovRegImm64(dst Reg, val int64)
	MovRegImm32(dst Reg, val int32)
	LeaRegMem(dst, base Reg, disp int32)
	MovRegMem(dst, base Reg, disp int32)
	MovMemReg(base Reg, disp int32, src Reg)
	MovMemImm32(base Reg, disp int32, val int32)
	CmpRegMem(r, base Reg, disp int32)
	CmpMemImm32(base Reg, disp int32, val int32)
	TestRegReg(a, b Reg)

	// CallRel32Stub/JmpRel32Stub/JccRel32Stub emit a 5/6-byte control
	// transfer with a placeholder displacement and return the instruction's
	// start offset, to be recorded as a links.Link site until the target is
	// known.
	CallRel32Stub() int32
	JmpRel32Stub() int32
	JccRel32Stub(cond Cond) int32

	// PatchRel32 overwrites the displacement of a previously emitted stub
	// (or any direct call/jmp site) so that it targets absolute address
	// target. siteOrigin is the absolute address corresponding to offset 0
	// of the buffer the site offset was recorded in.
	PatchRel32(buf []byte, siteOffset int32, siteOrigin, target uintptr)

	CallIndirectReg(r Reg)
	JmpIndirectReg(r Reg)

	FxSave(base Reg, disp int32)
	FxRstor(base Reg, disp int32)
	VExtracti128(dstXMM, srcYMM Reg, imm8 byte)
	VInserti128(dstYMM, srcYMM, srcXMM Reg, imm8 byte)

	// MovMemXMM/MovXMMMem store and load a 128-bit XMM register with
	// movups; xmm is addressed via the same 0-15 numbering as Reg.
	MovMemXMM(base Reg, disp int32, xmm Reg)
	MovXMMMem(xmm Reg, base Reg, disp int32)
}

// AMD64Writer is the concrete default Writer: a small scratch buffer
// accumulates REX+opcode+ModRM+SIB+disp/imm bytes, which are then appended
// to the staging buffer in one copy.
type AMD64Writer struct {
	buf dynamicBuf
}

func NewAMD64Writer() *AMD64Writer { return &AMD64Writer{} }

func (w *AMD64Writer) Pos() int32    { return int32(w.buf.Len()) }
func (w *AMD64Writer) Bytes() []byte { return w.buf.Bytes() }
func (w *AMD64Writer) Reset()        { w.buf.Reset() }

func (w *AMD64Writer) PutBytes(b []byte) { copy(w.buf.Extend(len(b)), b) }

func (w *AMD64Writer) Nop(n int) {
	// 0x90 repeated is correct though not size-optimal; the translator
	// doesn't need single-instruction multi-byte NOPs.
	for i := 0; i < n; i++ {
		w.buf.PutByte(0x90)
	}
}

func (w *AMD64Writer) Int3() { w.buf.PutByte(0xcc) }
func (w *AMD64Writer) Ret()  { w.buf.PutByte(0xc3) }

func (w *AMD64Writer) PushReg(r Reg) {
	w.rexIf(0, 0, r)
	w.buf.PutByte(0x50 + r.low3())
}

func (w *AMD64Writer) PopReg(r Reg) {
	w.rexIf(0, 0, r)
	w.buf.PutByte(0x58 + r.low3())
}

func (w *AMD64Writer) PushFlags() { w.buf.PutByte(0x9c) }
func (w *AMD64Writer) PopFlags()  { w.buf.PutByte(0x9d) }

func (w *AMD64Writer) MovRegReg(dst, src Reg) {
	w.rex(rexW, src, dst)
	w.buf.PutByte(0x89) // MOV r/m64, r64
	w.modrm(modReg, src, dst)
}

func (w *AMD64Writer) MovRegImm64(dst Reg, val int64) {
	w.rex(rexW, 0, dst)
	w.buf.PutByte(0xb8 + dst.low3())
	binary.LittleEndian.PutUint64(w.buf.Extend(8), uint64(val))
}

func (w *AMD64Writer) MovRegImm32(dst Reg, val int32) {
	w.rex(rexW, 0, dst)
	w.buf.PutByte(0xc7)
	w.modrm(modReg, 0, dst)
	binary.LittleEndian.PutUint32(w.buf.Extend(4), uint32(val))
}

func (w *AMD64Writer) LeaRegMem(dst, base Reg, disp int32) {
	w.rex(rexW, dst, base)
	w.buf.PutByte(0x8d)
	w.modrmDisp(dst, base, disp)
}

func (w *AMD64Writer) MovRegMem(dst, base Reg, disp int32) {
	w.rex(rexW, dst, base)
	w.buf.PutByte(0x8b) // MOV r64, r/m64
	w.modrmDisp(dst, base, disp)
}

func (w *AMD64Writer) MovMemReg(base Reg, disp int32, src Reg) {
	w.rex(rexW, src, base)
	w.buf.PutByte(0x89) // MOV r/m64, r64
	w.modrmDisp(src, base, disp)
}

func (w *AMD64Writer) MovMemImm32(base Reg, disp int32, val int32) {
	w.rex(rexW, 0, base)
	w.buf.PutByte(0xc7)
	w.modrmDisp(0, base, disp)
	binary.LittleEndian.PutUint32(w.buf.Extend(4), uint32(val))
}

func (w *AMD64Writer) CmpRegMem(r, base Reg, disp int32) {
	w.rex(rexW, r, base)
	w.buf.PutByte(0x3b) // CMP r64, r/m64
	w.modrmDisp(r, base, disp)
}

func (w *AMD64Writer) CmpMemImm32(base Reg, disp int32, val int32) {
	w.rex(rexW, 0, base)
	w.buf.PutByte(0x81)
	w.modrmDisp(7, base, disp) // /7 == CMP
	binary.LittleEndian.PutUint32(w.buf.Extend(4), uint32(val))
}

func (w *AMD64Writer) TestRegReg(a, b Reg) {
	w.rex(rexW, a, b)
	w.buf.PutByte(0x85)
	w.modrm(modReg, a, b)
}

func (w *AMD64Writer) CallRel32Stub() int32 {
	site := w.Pos()
	w.buf.PutByte(0xe8)
	binary.LittleEndian.PutUint32(w.buf.Extend(4), uint32(int32(-5))) // infinite-loop placeholder
	return site
}

func (w *AMD64Writer) JmpRel32Stub() int32 {
	site := w.Pos()
	w.buf.PutByte(0xe9)
	binary.LittleEndian.PutUint32(w.buf.Extend(4), uint32(int32(-5)))
	return site
}

func (w *AMD64Writer) JccRel32Stub(cond Cond) int32 {
	site := w.Pos()
	w.buf.PutByte(0x0f)
	w.buf.PutByte(0x80 + byte(cond))
	binary.LittleEndian.PutUint32(w.buf.Extend(4), uint32(int32(-6)))
	return site
}

// PatchRel32 rewrites the 4-byte displacement of the call/jmp/jcc at
// siteOffset. The opcode byte(s) preceding the displacement determine its
// width (1 byte for call/jmp near, 2 for 0f-prefixed jcc); this is inferred
// from the stored opcode rather than passed in.
func (w *AMD64Writer) PatchRel32(buf []byte, siteOffset int32, siteOrigin, target uintptr) {
	var insnLen int32
	switch buf[siteOffset] {
	case 0xe8, 0xe9:
		insnLen = 5
	case 0x0f:
		insnLen = 6
	default:
		panic("PatchRel32: site is not a call/jmp/jcc rel32")
	}

	dispOff := siteOffset + insnLen - 4
	siteAddr := siteOrigin + uintptr(siteOffset) + uintptr(insnLen)
	disp := int32(int64(target) - int64(siteAddr))
	binary.LittleEndian.PutUint32(buf[dispOff:dispOff+4], uint32(disp))
}

func (w *AMD64Writer) CallIndirectReg(r Reg) {
	w.rexIf(0, 0, r)
	w.buf.PutByte(0xff)
	w.modrm(modReg, 2, r) // /2 == CALL r/m64
}

func (w *AMD64Writer) JmpIndirectReg(r Reg) {
	w.rexIf(0, 0, r)
	w.buf.PutByte(0xff)
	w.modrm(modReg, 4, r) // /4 == JMP r/m64
}

func (w *AMD64Writer) FxSave(base Reg, disp int32) {
	w.rexIf(0, 0, base)
	w.buf.PutByte(0x0f)
	w.buf.PutByte(0xae)
	w.modrmDisp(0, base, disp) // /0 == FXSAVE
}

func (w *AMD64Writer) FxRstor(base Reg, disp int32) {
	w.rexIf(0, 0, base)
	w.buf.PutByte(0x0f)
	w.buf.PutByte(0xae)
	w.modrmDisp(1, base, disp) // /1 == FXRSTOR
}

// MovMemXMM and MovXMMMem use the plain (SSE) two-byte opcode form of
// movups; no REX.W is needed since the operand size is fixed at 128 bits
// by the opcode itself, only REX.R/B for an extended xmm8-15 or base
// r8-15.
func (w *AMD64Writer) MovMemXMM(base Reg, disp int32, xmm Reg) {
	w.rexIf(0, xmm, base)
	w.buf.PutByte(0x0f)
	w.buf.PutByte(0x11)
	w.modrmDisp(xmm, base, disp)
}

func (w *AMD64Writer) MovXMMMem(xmm Reg, base Reg, disp int32) {
	w.rexIf(0, xmm, base)
	w.buf.PutByte(0x0f)
	w.buf.PutByte(0x10)
	w.modrmDisp(xmm, base, disp)
}

// VExtracti128 and VInserti128 use the 3-byte VEX prefix (AVX2,
// 256->128-bit lanes). They are only emitted by the minimal prolog when the
// host reports AVX2 support (see internal/asm.HasAVX2).
func (w *AMD64Writer) VExtracti128(dstXMM, srcYMM Reg, imm8 byte) {
	w.vex3(0x02, 0x7d, dstXMM, srcYMM, 0)
	w.buf.PutByte(0x39)
	w.modrm(modReg, srcYMM, dstXMM)
	w.buf.PutByte(imm8)
}

func (w *AMD64Writer) VInserti128(dstYMM, srcYMM, srcXMM Reg, imm8 byte) {
	w.vex3(0x02, 0x7d^(byte(srcYMM)<<3), dstYMM, srcXMM, 0)
	w.buf.PutByte(0x38)
	w.modrm(modReg, dstYMM, srcXMM)
	w.buf.PutByte(imm8)
}

func (w *AMD64Writer) vex3(mmmmm byte, pp_l_vvvv byte, r, b Reg, wBit byte) {
	w.buf.PutByte(0xc4)
	byte1 := mmmmm&0x1f | (^r.extBit()&1)<<7 | 1<<6 | (^b.extBit()&1)<<5
	w.buf.PutByte(byte1)
	w.buf.PutByte(pp_l_vvvv | wBit<<7)
}

func (w *AMD64Writer) rex(base byte, reg, rm Reg) {
	w.buf.PutByte(rexBase | base | reg.extBit()<<2 | rm.extBit())
}

// rexIf omits the REX byte entirely when no bit would be set, keeping
// encodings minimal when the high register bit and 64-bit operand size
// aren't needed. In practice rex/rexIf only differ when neither operand is
// an extended register (r8-r15); rex() callers that need RexW emit
// unconditionally regardless.
func (w *AMD64Writer) rexIf(base byte, reg, rm Reg) {
	if b := base | reg.extBit()<<2 | rm.extBit(); b != 0 {
		w.buf.PutByte(rexBase | b)
	}
}

func (w *AMD64Writer) modrm(mod byte, regField, rm Reg) {
	w.buf.PutByte(mod | regField.low3()<<3 | rm.low3())
}

func (w *AMD64Writer) modrmDisp(regField, base Reg, disp int32) {
	if base.low3() == 4 { // RSP/R12 require a SIB byte
		mod, sz := dispModSize(disp)
		w.buf.PutByte(mod | regField.low3()<<3 | 4)
		w.buf.PutByte(0x24) // SIB: scale=0, index=none, base=RSP/R12
		w.putDisp(disp, sz)
		return
	}

	mod, sz := dispModSize(disp)
	if base.low3() == 5 && mod == modMem {
		// mod=00,rm=101 means RIP-relative addressing on amd64, not
		// "no displacement" off RBP/R13; force a one-byte zero
		// displacement instead.
		mod, sz = modMemDisp8, 1
	}
	w.buf.PutByte(mod | regField.low3()<<3 | base.low3())
	w.putDisp(disp, sz)
}

func (w *AMD64Writer) putDisp(disp int32, size uint8) {
	switch size {
	case 0:
	case 1:
		w.buf.PutByte(byte(int8(disp)))
	case 4:
		binary.LittleEndian.PutUint32(w.buf.Extend(4), uint32(disp))
	}
}

// dispModSize picks the Mod field and displacement size for disp.
func dispModSize(disp int32) (mod byte, size uint8) {
	switch {
	case disp == 0:
		return modMem, 0
	case disp >= -128 && disp <= 127:
		return modMemDisp8, 1
	default:
		return modMemDisp32, 4
	}
}
