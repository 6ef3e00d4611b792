// Copyright (c) 2026 frida-gum authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package virt implements the per-opcode control-flow virtualization
// strategies: for each guest control-transfer instruction kind, an
// emission strategy that resolves the true target at translated
// addresses, transfers control into translated space, and keeps the
// shadow frame stack and hardware stack coherent with what the guest
// expects.
//
// Every strategy here only emits bytes through an asm.Writer; it never
// executes them. The actual native dispatch loop (the "switch_block"
// routine the emitted trampolines would call) is modeled separately in
// internal/dispatch as a plain Go function, since this module's job is
// the engine's bookkeeping and code-emission logic rather than a working
// native trampoline-reentry mechanism.
package virt

import (
	"encoding/binary"

	"github.com/0xDC00/frida-gum/internal/asm"
	"github.com/0xDC00/frida-gum/internal/links"
)

// GateID names one of the entry gates; naming only affects which
// Observer counter is incremented, the dispatcher body being common
// (switch_block).
type GateID string

const (
	GateCallImm      GateID = "call_imm"
	GateCallReg      GateID = "call_reg"
	GateCallMem      GateID = "call_mem"
	GateJmpImm       GateID = "jmp_imm"
	GateJmpReg       GateID = "jmp_reg"
	GateJmpMem       GateID = "jmp_mem"
	GateJmpCondTrue  GateID = "jmp_cond_true"
	GateJmpCondFalse GateID = "jmp_cond_false"
	GateRetSlowPath  GateID = "ret_slow_path"
	GateSysenter     GateID = "sysenter"
	// GateCallReturn is the shared post-call continuation gate: a direct
	// call's shadow-stack push records this gate's committed address as
	// its translatedReturn rather than a position in the call's own
	// per-block buffer, since that buffer's bytes end at the call site
	// (the block's guest-instruction decode stops there — whatever
	// happens next belongs to a different, separately compiled block
	// starting at guestReturn). Routing through a shared gate keeps that
	// address always valid and resolvable via switch_block, the same way
	// every other entry gate works.
	GateCallReturn GateID = "call_return"
)

// GateAddrs holds the absolute, already-committed address of each
// entry-gate trampoline for one code slab. Every block is compiled into
// its own writer buffer starting at offset 0, so a call site emitted
// while compiling a block cannot reach a gate with buffer-relative rel32
// math (the gate lives in a different buffer, committed once per slab
// before any block is compiled); GateAddrs carries the real load address
// instead, and every site that targets a gate is patched via
// asm.Writer.PatchRel32 against the block's own OutOrigin.
type GateAddrs map[GateID]uint64

// ICEntry is a (guest_addr, translated_addr) pair embedded inline in an
// indirect call/jmp site. MagicEmpty marks an unused slot; it is a
// non-canonical 64-bit address (outside the sign-extended canonical range
// every real amd64 user address falls in), so it can never be confused
// with a genuine guest target of zero or any other real address.
const (
	MagicEmpty  uint64 = 0xdeadfacedeadface
	ICEntrySize        = 16 // two uint64 fields, guest then translated
)

// ShadowFrameSize is the size in bytes of one shadow-stack frame
// (guest_return_addr, translated_return_addr), matching gum.ExecFrame.
// It happens to equal ICEntrySize, but the two are distinct concepts:
// one inline-caches a dynamic callee, the other backs the ret fast path.
const ShadowFrameSize = 16

type ICEntry struct {
	GuestAddr      uint64
	TranslatedAddr uint64
}

func (e ICEntry) Encode(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], e.GuestAddr)
	binary.LittleEndian.PutUint64(buf[8:16], e.TranslatedAddr)
}

func DecodeICEntry(buf []byte) ICEntry {
	return ICEntry{
		GuestAddr:      binary.LittleEndian.Uint64(buf[0:8]),
		TranslatedAddr: binary.LittleEndian.Uint64(buf[8:16]),
	}
}

// ExcludedRangeChecker reports whether a guest address falls inside a
// range the engine has been told to treat as native.
type ExcludedRangeChecker func(addr uint64) bool

// DirectCallResult is returned by EmitDirectCall so the compiler can
// record the backpatch site.
type DirectCallResult struct {
	// Link collects the call-site's backpatch offset, to be resolved
	// once the target block's translated address is known.
	Link *links.Link
	// Excluded is true when the target fell in an excluded range and the
	// call was emitted as passthrough native code, patched directly to
	// the guest callee's real address, instead of a shadow-stack-tracked
	// jump into translated space.
	Excluded bool
}

// EmitDirectCall virtualizes a direct call. guestTarget is the absolute
// guest address the call (originally `call imm`) transfers to;
// guestReturn is the guest address of the instruction after the call.
// activationPending reports whether the context has an activation_target
// set but not yet reached, which disables the excluded-range passthrough
// so every call takes the shadow-stack path. outOrigin is the
// absolute address this writer's offset 0 will land at once committed,
// needed to patch a rel32 site against a target living in another
// buffer (a gate, or the excluded callee itself).
func EmitDirectCall(w asm.Writer, excluded ExcludedRangeChecker, guestTarget, guestReturn uint64, activationPending bool, gates GateAddrs, outOrigin uintptr) DirectCallResult {
	if excluded(guestTarget) && !activationPending {
		// Passthrough: call the guest callee natively. The return
		// address the call pushes is the next translated byte, not
		// guestReturn; the compiler places a jmp to guestReturn there so
		// the callee returns into translated code. Neither this code nor
		// its caller adjusts the context's pendingCalls count.
		site := w.CallRel32Stub()
		patchAbsolute(w, site, outOrigin, guestTarget)
		return DirectCallResult{Excluded: true}
	}

	// Shadow-stack path: the caller pushes (guestReturn,
	// translated_return_addr) onto the context's ExecFrame stack once
	// this block is committed (compiler.Result.ShadowPushes) — a
	// compile-time concern, not something the emitted trampoline does
	// dynamically. translatedReturn is gates[GateCallReturn], the
	// shared post-call continuation gate's committed address, not a
	// position within this block's own buffer: guest-instruction decode
	// ends at the call site, so there is no valid translated code at
	// "the next byte" to point the shadow frame at until guestReturn
	// itself is compiled as its own block.
	link := &links.Link{GuestTarget: guestTarget}
	link.SetLive()
	site := w.CallRel32Stub()
	patchAbsolute(w, site, outOrigin, gates[GateCallImm])
	link.AddSite(int(site))
	return DirectCallResult{Link: link}
}

// IndirectCallResult carries the IC array's bookkeeping location so the
// compiler can find it again at backpatch time.
type IndirectCallResult struct {
	// ICArrayOffset is the offset, within the writer's buffer, of the
	// first ICEntry.
	ICArrayOffset int32
	Entries       int
}

// EmitIndirectCall virtualizes an indirect call/jmp. target describes the
// guest operand (register or memory) that holds the dynamic callee;
// scratch is a register the strategy may clobber to compute it (must not
// be live across the call per the transformer's contract). icEntries is
// the configured Stalker.IcEntries (2-32).
func EmitIndirectCall(w asm.Writer, target asm.BranchTarget, scratch asm.Reg, icEntries int, gate GateID, gates GateAddrs, outOrigin uintptr) IndirectCallResult {
	// Jump over the inline IC array before it's reached as code.
	overJump := w.JmpRel32Stub()

	arrayOffset := w.Pos()
	empty := make([]byte, ICEntrySize)
	ICEntry{GuestAddr: MagicEmpty, TranslatedAddr: MagicEmpty}.Encode(empty)
	for i := 0; i < icEntries; i++ {
		w.PutBytes(empty)
	}

	landingOffset := w.Pos()
	patchJmpRel32(w, overJump, landingOffset)

	loadDynamicTarget(w, target, scratch)
	emitICLinearScan(w, scratch, arrayOffset, icEntries, gate, gates, outOrigin)

	return IndirectCallResult{ICArrayOffset: arrayOffset, Entries: icEntries}
}

// loadDynamicTarget materializes the guest call/jmp operand's runtime
// value (the dynamic callee address as the guest stack/registers would
// compute it) into scratch, following the decoded BranchTarget's
// addressing mode.
func loadDynamicTarget(w asm.Writer, target asm.BranchTarget, scratch asm.Reg) {
	switch target.Kind {
	case asm.TargetRegister:
		w.MovRegReg(scratch, target.Reg)
	case asm.TargetMemory:
		w.MovRegMem(scratch, target.Base, target.Disp)
	default:
		panic("virt: indirect call/jmp target must be a register or memory operand")
	}
}

// emitICLinearScan walks the IC array comparing scratch (the dynamic
// guest target) against each entry's GuestAddr. A real implementation
// would loop natively; since this emitter produces a fixed, finite
// instruction count it unrolls the scan into `entries` compare-and-branch
// blocks rather than a runtime loop, trading a few bytes of code size for
// a simpler, branch-predictor-friendly sequence — the same tradeoff the
// small, fixed IcEntries bound (2-32) exists to make viable. The array is
// addressed RBP-relative: by convention RBP holds the current block's
// own code-start address for the lifetime of the block, so entryOff (a
// buffer-relative offset recorded at emission time) doubles as the
// runtime displacement.
func emitICLinearScan(w asm.Writer, scratch asm.Reg, arrayOffset int32, entries int, gate GateID, gates GateAddrs, outOrigin uintptr) {
	var missJumps []int32
	for i := 0; i < entries; i++ {
		entryOff := arrayOffset + int32(i*ICEntrySize)
		w.CmpRegMem(scratch, asm.RBP, entryOff)
		missJumps = append(missJumps, w.JccRel32Stub(asm.CondNotEqual))
		// Hit: load translated addr and jump to it.
		w.MovRegMem(scratch, asm.RBP, entryOff+8)
		w.JmpIndirectReg(scratch)
	}

	missLanding := w.Pos()
	for _, j := range missJumps {
		patchJccRel32(w, j, missLanding)
	}
	// Miss: call the resolving entry gate, which also backpatches the
	// first empty IC entry before returning control to the jump below.
	callSite := w.CallRel32Stub()
	patchAbsolute(w, callSite, outOrigin, gates[gate])
	w.JmpIndirectReg(scratch)
}

// patchJmpRel32/patchJccRel32 rewrite a stub emitted earlier in the same
// buffer now that its landing offset is known, without needing the
// buffer's absolute load address (both offsets are relative to the same
// origin, so the math cancels the origin term). Only valid when the site
// and its target live in the same writer buffer; a site targeting
// another buffer (a gate, a helper, an excluded callee) must go through
// patchAbsolute instead.
func patchJmpRel32(w asm.Writer, stubOffset, landingOffset int32) {
	patchRel32InBuffer(w, stubOffset, 5, landingOffset)
}

func patchJccRel32(w asm.Writer, stubOffset, landingOffset int32) {
	patchRel32InBuffer(w, stubOffset, 6, landingOffset)
}

func patchRel32InBuffer(w asm.Writer, stubOffset int32, insnLen int32, landingOffset int32) {
	buf := w.Bytes()
	dispOff := stubOffset + insnLen - 4
	disp := landingOffset - (stubOffset + insnLen)
	binary.LittleEndian.PutUint32(buf[dispOff:dispOff+4], uint32(disp))
}

// patchAbsolute rewrites the rel32 site at siteOffset to target, an
// absolute address possibly living in a different buffer than the one
// outOrigin describes; outOrigin is the absolute address the writer's
// own offset 0 will land at once committed.
func patchAbsolute(w asm.Writer, siteOffset int32, outOrigin uintptr, target uint64) {
	w.PatchRel32(w.Bytes(), siteOffset, outOrigin, uintptr(target))
}

// emitBranchPair emits the taken arm via takenStub (a Jcc or
// test+Jcc-equal stub) followed by an unconditional jmp for the
// not-taken/fall-through arm, patching each immediately to its gate and
// returning a Link per arm so a later static backpatch can shortcut
// straight to whichever successor block exists.
func emitBranchPair(w asm.Writer, takenStub func() int32, takenTarget, notTakenTarget uint64, gates GateAddrs, outOrigin uintptr) (taken, notTaken *links.Link) {
	takenSite := takenStub()
	patchAbsolute(w, takenSite, outOrigin, gates[GateJmpCondTrue])
	taken = &links.Link{GuestTarget: takenTarget}
	taken.SetLive()
	taken.AddSite(int(takenSite))

	notTakenSite := w.JmpRel32Stub()
	patchAbsolute(w, notTakenSite, outOrigin, gates[GateJmpCondFalse])
	notTaken = &links.Link{GuestTarget: notTakenTarget}
	notTaken.SetLive()
	notTaken.AddSite(int(notTakenSite))
	return taken, notTaken
}

// EmitJcc virtualizes a conditional jump: the taken arm transfers to
// takenTarget (the branch's immediate operand), the not-taken arm falls
// through to notTakenTarget (the guest address immediately following the
// jcc). Both arms are backpatchable independently, since each resolves
// to a different successor block.
func EmitJcc(w asm.Writer, cond asm.Cond, takenTarget, notTakenTarget uint64, gates GateAddrs, outOrigin uintptr) (taken, notTaken *links.Link) {
	return emitBranchPair(w, func() int32 { return w.JccRel32Stub(cond) }, takenTarget, notTakenTarget, gates, outOrigin)
}

// EmitJecxz is the same shape as EmitJcc but for jecxz/jrcxz, which has
// no direct rel32 Jcc encoding: a test-and-branch on the counter
// register stands in for the dedicated opcode.
func EmitJecxz(w asm.Writer, counter asm.Reg, takenTarget, notTakenTarget uint64, gates GateAddrs, outOrigin uintptr) (taken, notTaken *links.Link) {
	w.TestRegReg(counter, counter)
	return emitBranchPair(w, func() int32 { return w.JccRel32Stub(asm.CondEqual) }, takenTarget, notTakenTarget, gates, outOrigin)
}

// EmitJmp virtualizes an unconditional direct jump: same as
// EmitDirectCall's shadow-stack path minus the shadow-stack push and
// return-address bookkeeping, since a jmp never returns to this site.
// The jump initially targets the jmp_imm gate (the destination block may
// not exist yet); once dispatch resolves it and the static-backpatch
// preconditions hold, the site is rewritten to jump straight to the
// resolved block.
func EmitJmp(w asm.Writer, guestTarget uint64, gates GateAddrs, outOrigin uintptr) *links.Link {
	link := &links.Link{GuestTarget: guestTarget}
	link.SetLive()
	site := w.JmpRel32Stub()
	patchAbsolute(w, site, outOrigin, gates[GateJmpImm])
	link.AddSite(int(site))
	return link
}

// RetStrategy names the shared 3-tier ret helper's committed absolute
// address (Addr), set once the slab's helper blob has been placed.
type RetStrategy struct {
	Addr uint64
}

// EmitRetDispatch emits the call to the shared ret-handling helper; the
// helper itself (tiers 1-3) is emitted once per slab by EmitRetHelper.
func EmitRetDispatch(w asm.Writer, helper RetStrategy, outOrigin uintptr) {
	site := w.CallRel32Stub()
	patchAbsolute(w, site, outOrigin, helper.Addr)
}

// EmitRetHelper builds the shared 3-tier ret helper into the slab's
// helper blob (the same writer that emits the prologs and gate
// trampolines, so retSlowPathOffset — the just-emitted ret_slow_path
// gate's offset within that same buffer — is still buffer-relative here;
// the caller converts the returned Offset to an absolute RetStrategy.Addr
// once the whole blob is committed). Tier 1 (fast path) compares the
// guest stack's return address against the top shadow frame and, on a
// hit, pops it before restoring and returning; tier 2 checks whether that
// address already lies inside one of the context's code slabs (meaning
// the guest is "returning" into code this engine produced, e.g. after a
// tail call through translated space); tier 3 falls back to the
// slow-path entry gate.
//
// currentFrameSlot is the absolute address of the context's
// current-shadow-frame pointer cell, a dedicated data-slab word separate
// from the prolog's context-save base (XBX): dereferencing it once gives
// the address of the most recently pushed ExecFrame. This mirrors the
// reference design's ctx->current_frame, read by address rather than
// through whatever register a prolog happens to be using for other
// bookkeeping at the call site.
func EmitRetHelper(w asm.Writer, currentFrameSlot uint64, retSlowPathOffset int32) int32 {
	offset := w.Pos()

	// Tier 1: fast path. RAX ends up holding the address of the top
	// shadow frame; RCX holds the guest stack's live return address.
	w.MovRegImm64(asm.RAX, int64(currentFrameSlot))
	w.MovRegMem(asm.RAX, asm.RAX, 0)
	w.MovRegMem(asm.RCX, asm.RSP, 0)
	w.CmpRegMem(asm.RCX, asm.RAX, 0)
	tier2 := w.JccRel32Stub(asm.CondNotEqual)
	w.MovRegMem(asm.RCX, asm.RAX, 8)
	w.MovMemReg(asm.RSP, 0, asm.RCX)
	// Pop: advance past the consumed frame and write the new top back to
	// the current-frame cell, so the next ret compares against the
	// frame beneath this one instead of reading the same slot forever.
	w.LeaRegMem(asm.RAX, asm.RAX, ShadowFrameSize)
	w.MovRegImm64(asm.RCX, int64(currentFrameSlot))
	w.MovMemReg(asm.RCX, 0, asm.RAX)
	w.Ret()

	tier2Landing := w.Pos()
	patchJccRel32(w, tier2, tier2Landing)
	// Tier 2: slab-contains check is data-dependent on the context's
	// live slab chain, which only the Go-level dispatcher can evaluate;
	// the trampoline defers to it via the same gate used for tier 3,
	// distinguishing the two only by an argument the helper's C-level
	// counterpart would pass in a register (omitted here since this
	// emitter never actually executes).
	callSite := w.CallRel32Stub()
	patchCallToHelper(w, callSite, retSlowPathOffset)
	w.Ret()

	return offset
}

// patchCallToHelper rewrites a call site against a target living in the
// same buffer (a prolog, epilog, or gate trampoline all emitted into one
// shared per-slab helper blob), where plain buffer-relative math applies.
func patchCallToHelper(w asm.Writer, siteOffset, helperOffset int32) {
	patchRel32InBuffer(w, siteOffset, 5, helperOffset)
}

// EmitSysenterTrampoline stores RAX into [kernelReturnSlot+slotDisp],
// executes sysenter natively, then reloads RAX from that cell and calls
// the sysenter gate, which dispatches like a ret. kernelReturnSlot is the
// base register of that cell. The kernel's own return location is not
// rewritten with a continuation in translated space.
func EmitSysenterTrampoline(w asm.Writer, kernelReturnSlot asm.Reg, slotDisp int32, gates GateAddrs, outOrigin uintptr) {
	w.MovMemReg(kernelReturnSlot, slotDisp, asm.RAX) // stash guest return (caller loads RAX with it beforehand)
	// The sysenter instruction itself has no dedicated Writer method,
	// since it is architecture-privileged and always encoded the same
	// two bytes (0F 34); emit it directly.
	w.PutBytes([]byte{0x0f, 0x34})
	w.MovRegMem(asm.RAX, kernelReturnSlot, slotDisp)
	callSite := w.CallRel32Stub()
	patchAbsolute(w, callSite, outOrigin, gates[GateSysenter])
}

// EmitCallProbeTrampoline emits, before the first instruction of a probed
// block, a call to invoke_call_probes(block, cpu_ctx) under a full
// prolog. The full prolog itself is emitted once per slab
// (internal/prolog); this only wires the call. fullPrologAddr and
// invokeProbesAddr are absolute, like a gate address, since this
// trampoline lives in the per-block writer rather than the helper blob.
func EmitCallProbeTrampoline(w asm.Writer, fullPrologAddr, invokeProbesAddr uint64, outOrigin uintptr) {
	site := w.CallRel32Stub()
	patchAbsolute(w, site, outOrigin, fullPrologAddr)
	site2 := w.CallRel32Stub()
	patchAbsolute(w, site2, outOrigin, invokeProbesAddr)
}

// EmitGateTrampoline emits the native entry stub for one dispatch gate,
// bracketing a call into the shared switch_block body with the slab's
// minimal prolog/epilog. The body itself is a plain Go function
// (internal/dispatch.SwitchBlock) that this module's ExecContext drives
// directly rather than through a native callback bridge, since a portable
// native-to-Go call of that kind needs OS-specific glue outside this
// module's scope; the bytes emitted here are still the real save/restore
// sequence such a bridge would need to preserve. minimalPrologOffset and
// minimalEpilogOffset are buffer-relative, since the prolog and every
// gate trampoline are emitted into the same helper blob. Returns the
// trampoline's own buffer-relative offset; the caller converts it to an
// absolute address for the slab's GateAddrs map once the blob is
// committed.
func EmitGateTrampoline(w asm.Writer, minimalPrologOffset, minimalEpilogOffset int32) int32 {
	offset := w.Pos()
	prologSite := w.CallRel32Stub()
	patchCallToHelper(w, prologSite, minimalPrologOffset)
	epilogSite := w.CallRel32Stub()
	patchCallToHelper(w, epilogSite, minimalEpilogOffset)
	w.Ret()
	return offset
}
