// Copyright (c) 2026 frida-gum authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package asm

import (
	"fmt"

	"github.com/bnagy/gapstone"
)

// Instruction is the decoded guest instruction the relocator's iterator
// hands the transformer. It carries just enough structure for the
// control-flow virtualizer to recognize call/jmp/jcc/ret/sysenter and
// decode their BranchTarget without the engine needing to understand the
// rest of the x86 ISA.
type Instruction struct {
	Address uint64
	Size    int
	Bytes   []byte

	Mnemonic string
	OpStr    string

	Kind Kind

	// Branch is populated when Kind is one of the control-transfer kinds.
	Branch BranchTarget
	// Cond is populated when Kind == KindJcc.
	Cond Cond
}

// Kind classifies an instruction for the virtualizer's per-opcode dispatch:
// every opcode not in this set is emitted verbatim via keep().
type Kind int

const (
	KindOther Kind = iota
	KindCallDirect
	KindCallIndirect
	KindJmpDirect
	KindJmpIndirect
	KindJcc
	KindJecxz
	KindRet
	KindSysenter
)

// Decoder is consumed as an opaque instruction decoder by the relocator;
// nothing outside this package needs to know it is backed by capstone.
// GapstoneDecoder is the concrete default, driving a single gapstone.Engine
// over the live guest instruction stream one instruction at a time.
type Decoder interface {
	// Decode returns the instruction starting at code[0], which the caller
	// guarantees corresponds to guest address addr.
	Decode(code []byte, addr uint64) (Instruction, error)
	Close()
}

type GapstoneDecoder struct {
	engine gapstone.Engine
}

func NewGapstoneDecoder() (*GapstoneDecoder, error) {
	engine, err := gapstone.New(gapstone.CS_ARCH_X86, gapstone.CS_MODE_64)
	if err != nil {
		return nil, fmt.Errorf("asm: open capstone engine: %w", err)
	}
	if err := engine.SetOption(gapstone.CS_OPT_DETAIL, gapstone.CS_OPT_ON); err != nil {
		engine.Close()
		return nil, fmt.Errorf("asm: enable capstone detail mode: %w", err)
	}
	return &GapstoneDecoder{engine: engine}, nil
}

func (d *GapstoneDecoder) Close() { d.engine.Close() }

func (d *GapstoneDecoder) Decode(code []byte, addr uint64) (Instruction, error) {
	insns, err := d.engine.Disasm(code, addr, 1)
	if err != nil {
		return Instruction{}, fmt.Errorf("asm: decode at %#x: %w", addr, err)
	}
	if len(insns) == 0 {
		return Instruction{}, fmt.Errorf("asm: no instruction decoded at %#x", addr)
	}

	gi := insns[0]
	inst := Instruction{
		Address:  gi.Address,
		Size:     len(gi.Bytes),
		Bytes:    gi.Bytes,
		Mnemonic: gi.Mnemonic,
		OpStr:    gi.OpStr,
	}

	classify(&inst, gi)
	return inst, nil
}

func classify(inst *Instruction, gi gapstone.Instruction) {
	switch gi.Id {
	case gapstone.X86_INS_CALL:
		if target, ok := immTarget(gi); ok {
			inst.Kind = KindCallDirect
			inst.Branch = BranchTarget{Kind: TargetImmediate, Immediate: target}
		} else {
			inst.Kind = KindCallIndirect
			inst.Branch = decodeOperandTarget(gi, inst.Address, uint64(inst.Size))
		}

	case gapstone.X86_INS_JMP:
		if target, ok := immTarget(gi); ok {
			inst.Kind = KindJmpDirect
			inst.Branch = BranchTarget{Kind: TargetImmediate, Immediate: target}
		} else {
			inst.Kind = KindJmpIndirect
			inst.Branch = decodeOperandTarget(gi, inst.Address, uint64(inst.Size))
		}

	case gapstone.X86_INS_JCXZ, gapstone.X86_INS_JECXZ, gapstone.X86_INS_JRCXZ:
		inst.Kind = KindJecxz
		if target, ok := immTarget(gi); ok {
			inst.Branch = BranchTarget{Kind: TargetImmediate, Immediate: target}
		}

	case gapstone.X86_INS_RET, gapstone.X86_INS_RETF:
		inst.Kind = KindRet

	case gapstone.X86_INS_SYSENTER:
		inst.Kind = KindSysenter

	default:
		if cond, ok := jccCondition(gi.Mnemonic); ok {
			inst.Kind = KindJcc
			inst.Cond = cond
			if target, ok := immTarget(gi); ok {
				inst.Branch = BranchTarget{Kind: TargetImmediate, Immediate: target}
			}
		}
	}
}

func immTarget(gi gapstone.Instruction) (uint64, bool) {
	x86 := gi.X86
	if x86 == nil || len(x86.Operands) == 0 {
		return 0, false
	}
	op := x86.Operands[0]
	if op.Type == gapstone.X86_OP_IMM {
		return uint64(op.Imm), true
	}
	return 0, false
}

func decodeOperandTarget(gi gapstone.Instruction, originIP, insnSize uint64) BranchTarget {
	x86 := gi.X86
	if x86 == nil || len(x86.Operands) == 0 {
		return BranchTarget{}
	}
	op := x86.Operands[0]

	switch op.Type {
	case gapstone.X86_OP_REG:
		return BranchTarget{Kind: TargetRegister, Reg: gapstoneRegToReg(op.Reg)}

	case gapstone.X86_OP_MEM:
		return BranchTarget{
			Kind:     TargetMemory,
			Base:     gapstoneRegToReg(op.Mem.Base),
			Index:    gapstoneRegToReg(op.Mem.Index),
			HasIndex: op.Mem.Index != 0,
			Scale:    uint8(op.Mem.Scale),
			Disp:     int32(op.Mem.Disp),
			OriginIP: originIP + insnSize,
		}

	default:
		return BranchTarget{}
	}
}

// jccCondition recognizes conditional jump mnemonics ("je", "jne", "jg", ...)
// and maps them to the Cond the writer understands.
func jccCondition(mnemonic string) (Cond, bool) {
	m := map[string]Cond{
		"jo": CondOverflow, "jno": CondNotOverflow,
		"jb": CondBelow, "jnae": CondBelow, "jc": CondBelow,
		"jae": CondAboveEqual, "jnb": CondAboveEqual, "jnc": CondAboveEqual,
		"je": CondEqual, "jz": CondEqual,
		"jne": CondNotEqual, "jnz": CondNotEqual,
		"jbe": CondBelowEqual, "jna": CondBelowEqual,
		"ja": CondAbove, "jnbe": CondAbove,
		"js": CondSign, "jns": CondNotSign,
		"jp": CondParity, "jpe": CondParity,
		"jnp": CondNotParity, "jpo": CondNotParity,
		"jl": CondLess, "jnge": CondLess,
		"jge": CondGreaterEq, "jnl": CondGreaterEq,
		"jle": CondLessEq, "jng": CondLessEq,
		"jg": CondGreater, "jnle": CondGreater,
	}
	c, ok := m[mnemonic]
	return c, ok
}
