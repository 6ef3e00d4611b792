// Copyright (c) 2026 frida-gum authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package asm

import "github.com/bnagy/gapstone"

// TargetKind classifies a decoded BranchTarget: an immediate absolute
// address, a register, or an indirect memory reference.
type TargetKind int

const (
	TargetImmediate TargetKind = iota
	TargetRegister
	TargetMemory
)

// BranchTarget is the decoded operand of a control-transfer instruction.
type BranchTarget struct {
	Kind TargetKind

	Immediate uint64

	Reg Reg // valid when Kind == TargetRegister, or as the memory base/index

	Base     Reg
	Index    Reg
	HasIndex bool
	Scale    uint8
	Disp     int32
	// OriginIP is the address immediately after the instruction; needed to
	// resolve %rip-relative memory operands, whose effective address is
	// OriginIP+Disp rather than Base+Disp.
	OriginIP uint64
}

// EffectiveDisp returns OriginIP+Disp, the effective address of a
// %rip-relative memory operand.
func (t BranchTarget) EffectiveDisp() int64 {
	return int64(t.OriginIP) + int64(t.Disp)
}

// gapstoneRegToReg maps a gapstone/capstone X86_REG_* constant to our Reg
// enum. Segment and non-GPR registers (EIP, RIP-as-base sentinel) map to
// the zero Reg (RAX); callers treat %rip-relative operands specially
// via BranchTarget.OriginIP instead.
func gapstoneRegToReg(r uint) Reg {
	switch r {
	case gapstone.X86_REG_RAX:
		return RAX
	case gapstone.X86_REG_RCX:
		return RCX
	case gapstone.X86_REG_RDX:
		return RDX
	case gapstone.X86_REG_RBX:
		return RBX
	case gapstone.X86_REG_RSP:
		return RSP
	case gapstone.X86_REG_RBP:
		return RBP
	case gapstone.X86_REG_RSI:
		return RSI
	case gapstone.X86_REG_RDI:
		return RDI
	case gapstone.X86_REG_R8:
		return R8
	case gapstone.X86_REG_R9:
		return R9
	case gapstone.X86_REG_R10:
		return R10
	case gapstone.X86_REG_R11:
		return R11
	case gapstone.X86_REG_R12:
		return R12
	case gapstone.X86_REG_R13:
		return R13
	case gapstone.X86_REG_R14:
		return R14
	case gapstone.X86_REG_R15:
		return R15
	default:
		return RAX // RIP, segment registers, or X86_REG_INVALID (0); caller ignores via HasIndex/OriginIP
	}
}
