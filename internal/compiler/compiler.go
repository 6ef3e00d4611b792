// Copyright (c) 2026 frida-gum authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package compiler implements the block compiler: the
// iterator-driven translation loop that turns one guest basic block into
// a translated block, invoking the user transformer, virtualizing
// control transfers via internal/virt, and stopping early with a
// continuation address when the destination slab runs low on space.
package compiler

import (
	"fmt"

	"github.com/0xDC00/frida-gum/internal/asm"
	"github.com/0xDC00/frida-gum/internal/contract"
	"github.com/0xDC00/frida-gum/internal/links"
	"github.com/0xDC00/frida-gum/internal/virt"
)

// ShadowPush is one pending shadow-stack frame a committed block's call
// site needs pushed; see Result.ShadowPushes.
type ShadowPush struct {
	GuestReturn      uint64
	TranslatedReturn uint64
}

// Callout records one put_callout() the transformer requested; the
// caller (gum's ExecBlock bookkeeping) turns this into a CalloutEntry
// threaded into the block's inline callout chain.
type Callout struct {
	Offset  int32
	Fn      contract.CalloutFunc
	Data    interface{}
	Destroy func()
}

// Options configures one Compile call.
type Options struct {
	// Excluded reports whether a guest address falls in a range the
	// engine was told to treat as native (Stalker.Exclude).
	Excluded virt.ExcludedRangeChecker
	// ActivationPending reports whether the context has an activation
	// target set but not yet reached.
	ActivationPending bool
	// Gates holds the committed absolute addresses of this code slab's
	// entry-gate trampolines.
	Gates virt.GateAddrs
	// ICEntries is the configured Stalker.IcEntries (2-32).
	ICEntries int
	// OutOrigin is the absolute address the writer's offset 0 will land
	// at once this block is committed into the slab; needed both by the
	// relocator for %rip-relative fixups and to patch any site in this
	// block that targets a gate, helper, or excluded-range callee living
	// outside this writer's own buffer.
	OutOrigin uintptr
	// Remaining reports how many bytes are left in the destination slab
	// before it is full; Compile stops the block early once it drops
	// below MinCapacity.
	Remaining func() int
	// MinCapacity is the minimum remaining capacity (codeslab
	// MinBlockCapacity plus IC array sizing, computed by the caller)
	// below which Compile stops early.
	MinCapacity int
	// ProbeAttached/FullPrologAddr/InvokeProbesAddr let the compiler emit
	// the call-probe trampoline before the block's first instruction
	// when a probe is registered for guestStart. The two addresses are
	// absolute, committed once per slab alongside the other helpers.
	ProbeAttached     bool
	FullPrologAddr    uint64
	InvokeProbesAddr  uint64
	// RetHelper is the committed address of the shared 3-tier ret helper
	// (internal/virt.EmitRetHelper), emitted once per slab.
	RetHelper virt.RetStrategy
}

// Result is everything the caller needs to install the translated block:
// byte counts, backpatch links to resolve once the target is known, and
// any callouts the transformer requested.
type Result struct {
	GuestStart uint64
	InputSize  int
	OutputSize int32
	Callouts   []Callout
	CallLinks  []*links.Link
	JmpLinks   []*links.Link
	// ShadowPushes records, for every direct call this block emitted
	// through the shadow-stack path (non-excluded), the (guestReturn,
	// translatedReturn) pair the caller must push onto the context's
	// shadow return stack once this block is actually committed into a
	// slab. translatedReturn is the committed address of the shared
	// call_return gate (opts.Gates[virt.GateCallReturn]), not a position
	// in this block's own buffer: the block's guest-instruction decode
	// ends at the call site, so guestReturn is only ever resolved to
	// real translated code later, as its own separately compiled block.
	ShadowPushes []ShadowPush
	// IndirectCall is set when the block ends on an indirect call/jmp,
	// recording where its inline cache array landed so the caller can
	// populate entries once a dynamic target resolves.
	IndirectCall *virt.IndirectCallResult
	// Continuation is set when the block stopped early for lack of
	// space; the compiler emits an unconditional jump to a fresh block
	// starting there so translation resumes seamlessly.
	Continuation    uint64
	HasContinuation bool
}

// Compile runs the translation loop for one guest basic block starting at
// guestStart, reading from guestCode, writing through w, and reading
// guest instructions through rel (which Compile Resets onto guestCode). xf
// defaults to contract.DefaultTransformer when nil.
func Compile(w asm.Writer, rel asm.Relocator, guestStart uint64, guestCode []byte, xf contract.Transformer, opts Options) (Result, error) {
	if xf == nil {
		xf = contract.DefaultTransformer
	}
	rel.Reset(guestCode, guestStart)

	res := Result{GuestStart: guestStart}

	if opts.ProbeAttached {
		virt.EmitCallProbeTrampoline(w, opts.FullPrologAddr, opts.InvokeProbesAddr, opts.OutOrigin)
	}

	it := &blockIterator{w: w, rel: rel, opts: opts, res: &res, guestStart: guestStart}
	xf.TransformBlock(it)

	if it.err != nil {
		return Result{}, fmt.Errorf("compiler: translating block at %#x: %w", guestStart, it.err)
	}

	res.InputSize = rel.Input()
	if it.continuation != 0 {
		res.Continuation = it.continuation
		res.HasContinuation = true
		link := virt.EmitJmp(w, it.continuation, opts.Gates, opts.OutOrigin)
		res.JmpLinks = append(res.JmpLinks, link)
		res.OutputSize = w.Pos()
	} else {
		// Trailing trap: should be unreachable.
		w.Int3()
		res.OutputSize = w.Pos()
	}

	return res, nil
}

// blockIterator is the concrete contract.Iterator the transformer drives.
type blockIterator struct {
	w          asm.Writer
	rel        asm.Relocator
	opts       Options
	res        *Result
	guestStart uint64

	current      asm.Instruction
	haveCurrent  bool
	continuation uint64
	ended        bool
	err          error
}

func (it *blockIterator) Writer() asm.Writer { return it.w }

func (it *blockIterator) Next() (asm.Instruction, bool) {
	if it.err != nil || it.continuation != 0 || it.ended {
		return asm.Instruction{}, false
	}

	if it.haveCurrent {
		// The transformer did not Keep the previous instruction: skip it.
		it.rel.Skip()
		it.haveCurrent = false
	}

	if it.opts.Remaining != nil && it.opts.Remaining() < it.opts.MinCapacity {
		it.continuation = it.guestStart + uint64(it.rel.Input())
		return asm.Instruction{}, false
	}

	inst, ok := it.rel.Peek()
	if !ok {
		return asm.Instruction{}, false
	}
	it.current = inst
	it.haveCurrent = true
	return inst, true
}

func (it *blockIterator) Keep() error {
	if !it.haveCurrent {
		panic("compiler: Iterator.Keep called without a pending instruction")
	}
	inst := it.current
	it.haveCurrent = false

	if isBlockTerminator(inst.Kind) {
		it.ended = true
	}

	switch inst.Kind {
	case asm.KindCallDirect:
		guestReturn := inst.Address + uint64(inst.Size)
		res := virt.EmitDirectCall(it.w, it.opts.Excluded, inst.Branch.Immediate, guestReturn, it.opts.ActivationPending, it.opts.Gates, it.opts.OutOrigin)
		if res.Link != nil {
			it.res.CallLinks = append(it.res.CallLinks, res.Link)
			it.res.ShadowPushes = append(it.res.ShadowPushes, ShadowPush{GuestReturn: guestReturn, TranslatedReturn: it.opts.Gates[virt.GateCallReturn]})
		}
		if res.Excluded {
			// The native call returns to the next emitted byte; continue at
			// guestReturn through translated code.
			it.res.JmpLinks = append(it.res.JmpLinks, virt.EmitJmp(it.w, guestReturn, it.opts.Gates, it.opts.OutOrigin))
		}
		it.rel.Skip()
		return nil

	case asm.KindCallIndirect:
		ic := virt.EmitIndirectCall(it.w, inst.Branch, asm.RAX, it.opts.ICEntries, gateForIndirectCall(inst.Branch), it.opts.Gates, it.opts.OutOrigin)
		it.res.IndirectCall = &ic
		it.rel.Skip()
		return nil

	case asm.KindJmpDirect:
		link := virt.EmitJmp(it.w, inst.Branch.Immediate, it.opts.Gates, it.opts.OutOrigin)
		it.res.JmpLinks = append(it.res.JmpLinks, link)
		it.rel.Skip()
		return nil

	case asm.KindJmpIndirect:
		ic := virt.EmitIndirectCall(it.w, inst.Branch, asm.RAX, it.opts.ICEntries, gateForIndirectJmp(inst.Branch), it.opts.Gates, it.opts.OutOrigin)
		it.res.IndirectCall = &ic
		it.rel.Skip()
		return nil

	case asm.KindJcc:
		notTaken := inst.Address + uint64(inst.Size)
		taken, notTakenLink := virt.EmitJcc(it.w, inst.Cond, inst.Branch.Immediate, notTaken, it.opts.Gates, it.opts.OutOrigin)
		it.res.JmpLinks = append(it.res.JmpLinks, taken, notTakenLink)
		it.rel.Skip()
		return nil

	case asm.KindJecxz:
		notTaken := inst.Address + uint64(inst.Size)
		taken, notTakenLink := virt.EmitJecxz(it.w, asm.RCX, inst.Branch.Immediate, notTaken, it.opts.Gates, it.opts.OutOrigin)
		it.res.JmpLinks = append(it.res.JmpLinks, taken, notTakenLink)
		it.rel.Skip()
		return nil

	case asm.KindRet:
		virt.EmitRetDispatch(it.w, it.opts.RetHelper, it.opts.OutOrigin)
		it.rel.Skip()
		return nil

	case asm.KindSysenter:
		virt.EmitSysenterTrampoline(it.w, asm.RBX, 0, it.opts.Gates, it.opts.OutOrigin)
		it.rel.Skip()
		return nil

	default:
		return it.rel.Copy(it.w, it.opts.OutOrigin+uintptr(it.w.Pos()))
	}
}

func (it *blockIterator) PutCallout(cb contract.CalloutFunc, data interface{}, destroy func()) {
	offset := it.w.Pos()
	it.res.Callouts = append(it.res.Callouts, Callout{Offset: offset, Fn: cb, Data: data, Destroy: destroy})
}

// isBlockTerminator reports whether kind ends the guest basic block: every
// control transfer does, since each one hands control to a separately
// resolved successor rather than falling through to the next guest byte.
func isBlockTerminator(kind asm.Kind) bool {
	switch kind {
	case asm.KindCallDirect, asm.KindCallIndirect,
		asm.KindJmpDirect, asm.KindJmpIndirect,
		asm.KindJcc, asm.KindJecxz,
		asm.KindRet, asm.KindSysenter:
		return true
	default:
		return false
	}
}

func gateForIndirectCall(bt asm.BranchTarget) virt.GateID {
	if bt.Kind == asm.TargetRegister {
		return virt.GateCallReg
	}
	return virt.GateCallMem
}

// gateForIndirectJmp is gateForIndirectCall's jmp counterpart: an
// indirect jmp's IC-miss dispatches through its own gate family so
// its counts aren't folded into the call gates'.
func gateForIndirectJmp(bt asm.BranchTarget) virt.GateID {
	if bt.Kind == asm.TargetRegister {
		return virt.GateJmpReg
	}
	return virt.GateJmpMem
}
