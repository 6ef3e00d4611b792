// Copyright (c) 2026 frida-gum authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package asm defines the x86-64 writer, relocator, and decoder used by the
// compiler to emit translated code and read guest instructions. The core
// engine only depends on the Writer/Relocator/Decoder interfaces; this
// package supplies a concrete, minimal amd64 implementation of each plus a
// gapstone-backed Decoder.
package asm

import "fmt"

// Reg is a physical x86-64 general-purpose or vector register. The integer
// values match the register field encoded by ModRM/SIB/REX.
type Reg byte

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

func (r Reg) String() string {
	names := [...]string{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
		"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"}
	if int(r) < len(names) {
		return names[r]
	}
	return fmt.Sprintf("r?%d", r)
}

// extBit returns the register number's bit 3, the REX extension bit;
// low3 returns its low three bits, the part encoded in ModRM/SIB/opcode.
func (r Reg) extBit() byte { return byte(r>>3) & 1 }
func (r Reg) low3() byte   { return byte(r) & 7 }

// XReg is an AVX/SSE vector register (XMM/YMM), used by the full prolog to
// save FP/vector state and by the minimal prolog's AVX2 upper-half spill.
type XReg byte

const (
	XMM0 XReg = iota
	XMM1
	XMM2
	XMM3
	XMM4
	XMM5
	XMM6
	XMM7
)
