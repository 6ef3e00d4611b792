// Copyright (c) 2026 frida-gum authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gum

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/0xDC00/frida-gum/internal/asm"
	"github.com/0xDC00/frida-gum/internal/backpatch"
	"github.com/0xDC00/frida-gum/internal/compiler"
	"github.com/0xDC00/frida-gum/internal/debug"
	"github.com/0xDC00/frida-gum/internal/dispatch"
	"github.com/0xDC00/frida-gum/internal/links"
	"github.com/0xDC00/frida-gum/internal/prolog"
	"github.com/0xDC00/frida-gum/internal/slab"
	"github.com/0xDC00/frida-gum/internal/virt"
)

// runState tracks an ExecContext through the unfollow lifecycle:
// active while the thread runs translated code, unfollowPending once
// Unfollow has been requested but calls are still outstanding, and
// destroyPending once FinalizeUnfollow/MarkTeardown has run and the
// context is only waiting on GarbageCollect to reclaim it.
type runState int32

const (
	stateActive runState = iota
	stateUnfollowPending
	stateDestroyPending
)

// destroyGracePeriod is how long a destroy-pending context is kept
// around before GarbageCollect is willing to reclaim it off the owning
// thread, giving any in-flight translated frame a chance to unwind.
const destroyGracePeriod = 20 * time.Millisecond

// slabHelpers is the set of trampolines emitted once per code slab
// before any block is compiled into it: the three prolog/epilog shapes
// and the eleven entry-gate addresses every block's virtualized control
// transfers dispatch through.
type slabHelpers struct {
	ic, minimal, full prolog.Helper

	gates            virt.GateAddrs
	ret              virt.RetStrategy
	fullPrologAddr   uint64
	invokeProbesAddr uint64
}

// ExecContext is the engine state for one followed thread: its private
// code/data/scratch slabs, the translated block cache, the shadow
// return-address stack, and the bookkeeping dispatch.SwitchBlock needs.
type ExecContext struct {
	engine *Stalker
	tid    int
	host   OSHost

	state        atomic.Int32
	pendingCalls atomic.Int32

	codeMu      sync.Mutex
	codeSlabs   *slab.Slab
	dataSlabs   *slab.Slab
	scratchSlab *slab.Slab
	helpers     *slabHelpers

	blocks *blockStore
	frames *frameStack

	transformer Transformer
	sink        EventSink
	eventMask   uint32
	observer    Observer

	activationTarget    uint64
	hasActivationTarget bool

	resumeAt         uint64
	destroyPendingAt time.Time
}

// newExecContext allocates the initial code/data/scratch slabs for tid
// and emits the first slab's helper blob, ready to compile the thread's
// first block.
func newExecContext(engine *Stalker, tid int, host OSHost, xf Transformer, sink EventSink, observer Observer) (*ExecContext, error) {
	if xf == nil {
		xf = DefaultTransformer
	}

	data, err := slab.Allocate(slab.NearSpec{}, slab.DataSlabSizeInitial, slab.PermsData)
	if err != nil {
		return nil, fmt.Errorf("gum: allocate data slab for thread %d: %w", tid, err)
	}
	scratch, err := slab.Allocate(slab.NearSpec{}, slab.ScratchSlabSize, slab.PermsData)
	if err != nil {
		data.Close()
		return nil, fmt.Errorf("gum: allocate scratch slab for thread %d: %w", tid, err)
	}

	c := &ExecContext{
		engine:      engine,
		tid:         tid,
		host:        host,
		dataSlabs:   data,
		scratchSlab: scratch,
		blocks:      newBlockStore(),
		frames:      newFrameStack(),
		transformer: xf,
		sink:        sink,
		observer:    observer,
	}
	c.state.Store(int32(stateActive))
	if sink != nil {
		c.eventMask = sink.QueryMask()
	}

	if err := c.growCodeSlab(slab.CodeSlabSizeInitial); err != nil {
		data.Close()
		scratch.Close()
		return nil, err
	}
	return c, nil
}

// close unmaps every slab owned by the context. Called once by
// GarbageCollect after a destroy-pending context clears its grace
// period.
func (c *ExecContext) close() {
	for s := c.codeSlabs; s != nil; {
		next := s.Next
		s.Close()
		s = next
	}
	c.dataSlabs.Close()
	c.scratchSlab.Close()
}

// gateIDs lists every entry gate in the fixed order growCodeSlab emits
// their trampolines.
var gateIDs = []virt.GateID{
	virt.GateCallImm, virt.GateCallReg, virt.GateCallMem,
	virt.GateJmpImm, virt.GateJmpReg, virt.GateJmpMem,
	virt.GateJmpCondTrue, virt.GateJmpCondFalse,
	virt.GateRetSlowPath, virt.GateSysenter,
	virt.GateCallReturn,
}

// growCodeSlab allocates a new code slab (near the current head, so
// rel32 helper calls from it can still reach the old slab's guest code
// if a block straddles the boundary) and emits its helper blob: the
// three prolog/epilog pairs, the eleven gate trampolines, and the shared
// ret helper, all into one writer committed as a single reservation.
// The new slab becomes the head of c.codeSlabs and c.helpers is
// replaced to match; older slabs and the blocks compiled into them stay
// valid, since every absolute address they reference was baked in at
// emission time and slabs never move.
func (c *ExecContext) growCodeSlab(minSize int) error {
	size := slab.CodeSlabSizeDynamic
	if c.codeSlabs == nil {
		size = slab.CodeSlabSizeInitial
	}
	if minSize > size {
		size = minSize
	}

	var near slab.NearSpec
	if c.codeSlabs != nil {
		near = slab.NearSpec{Near: c.codeSlabs.Base(), MaxDistance: 1 << 30}
	}

	s, err := slab.Allocate(near, size, slab.PermsCodeWX)
	if err != nil {
		return fmt.Errorf("gum: allocate code slab: %w", err)
	}

	w := asm.NewAMD64Writer()
	avx2 := asm.HasAVX2()
	ic := prolog.Emit(w, prolog.KindIC, avx2)
	minimal := prolog.Emit(w, prolog.KindMinimal, avx2)
	full := prolog.Emit(w, prolog.KindFull, avx2)

	gateOffsets := make(map[virt.GateID]int32, len(gateIDs))
	for _, id := range gateIDs {
		gateOffsets[id] = virt.EmitGateTrampoline(w, minimal.PrologOffset, minimal.EpilogOffset)
	}
	currentFrameSlot := uint64(c.scratchSlab.Base()) + currentFrameSlotOffset
	retOffset := virt.EmitRetHelper(w, currentFrameSlot, gateOffsets[virt.GateRetSlowPath])

	mem, offset, ok := s.Reserve(int(w.Pos()))
	if !ok {
		s.Close()
		return fmt.Errorf("gum: code slab too small for helper blob (%d bytes)", w.Pos())
	}
	if err := s.Thaw(offset, len(mem)); err != nil {
		s.Close()
		return fmt.Errorf("gum: thaw helper blob: %w", err)
	}
	copy(mem, w.Bytes())
	if err := s.Freeze(offset, len(mem)); err != nil {
		s.Close()
		return fmt.Errorf("gum: freeze helper blob: %w", err)
	}

	base := uint64(s.Base()) + uint64(offset)
	gates := make(virt.GateAddrs, len(gateOffsets))
	for id, off := range gateOffsets {
		gates[id] = base + uint64(off)
	}

	s.Next = c.codeSlabs
	c.codeSlabs = s
	c.helpers = &slabHelpers{
		ic:             ic,
		minimal:        minimal,
		full:           full,
		gates:          gates,
		ret:            virt.RetStrategy{Addr: base + uint64(retOffset)},
		fullPrologAddr: base + uint64(full.PrologOffset),
		// invokeProbesAddr stands in for invoke_call_probes: since this
		// module drives probe invocation directly at the Go level rather
		// than through a native bridge (see EmitGateTrampoline's doc),
		// the second call in a call-probe trampoline only needs to land
		// on a valid subroutine that restores full-prolog state; the
		// full epilog itself serves that role without a dedicated
		// wrapper.
		invokeProbesAddr: base + uint64(full.EpilogOffset),
	}
	return nil
}

// currentFrameSlotOffset is where the ret fast path's current-shadow-
// frame pointer cell lives within a context's scratch slab (see
// virt.EmitRetHelper's currentFrameSlot parameter).
const currentFrameSlotOffset = 0

// maxBlockGuestBytes bounds how many guest bytes compileBlock reads
// before translation; a basic block longer than this is vanishingly
// rare and would only be produced by a pathological instruction stream.
const maxBlockGuestBytes = 256

// compileBlock translates the guest basic block starting at guestAddr
// into the current head code slab, installing it into the block store.
// Must be called with codeMu held.
func (c *ExecContext) compileBlock(guestAddr uint64) (*ExecBlock, error) {
	if debug.Enabled {
		debug.Printf("compileBlock %#x", guestAddr)
		debug.Enter()
		defer debug.Leave()
	}

	live, err := c.host.ReadCode(guestAddr, maxBlockGuestBytes)
	if err != nil {
		return nil, fmt.Errorf("gum: read guest code at %#x: %w", guestAddr, err)
	}

	icEntries := c.engine.icEntries
	icArrayBytes := icEntries * virt.ICEntrySize
	minCapacity := slab.MinBlockCapacity + icArrayBytes

	if c.codeSlabs == nil || c.codeSlabs.Remaining() < minCapacity {
		if err := c.growCodeSlab(minCapacity * 8); err != nil {
			return nil, err
		}
	}
	s := c.codeSlabs

	w := asm.NewAMD64Writer()
	rel := asm.NewAMD64Relocator(c.engine.decoder)

	_, activationPending := c.ActivationTargetLocked()
	probeAttached := c.engine.probes.attached(guestAddr)

	opts := compiler.Options{
		Excluded:          c.engine.excluded,
		ActivationPending: activationPending,
		Gates:             c.helpers.gates,
		ICEntries:         icEntries,
		OutOrigin:         s.Base() + uintptr(s.Cursor()),
		Remaining:         s.Remaining,
		MinCapacity:       minCapacity,
		ProbeAttached:     probeAttached,
		FullPrologAddr:    c.helpers.fullPrologAddr,
		InvokeProbesAddr:  c.helpers.invokeProbesAddr,
		RetHelper:         c.helpers.ret,
	}

	res, err := compiler.Compile(w, rel, guestAddr, live, c.transformer, opts)
	if err != nil {
		return nil, err
	}

	mem, offset, ok := s.Reserve(int(res.OutputSize))
	if !ok {
		return nil, fmt.Errorf("gum: reserve %d bytes for block at %#x: slab unexpectedly full", res.OutputSize, guestAddr)
	}
	if err := s.Thaw(offset, len(mem)); err != nil {
		return nil, fmt.Errorf("gum: thaw block at %#x: %w", guestAddr, err)
	}
	copy(mem, w.Bytes())
	if err := s.Freeze(offset, len(mem)); err != nil {
		return nil, fmt.Errorf("gum: freeze block at %#x: %w", guestAddr, err)
	}

	block := &ExecBlock{
		GuestStart:     guestAddr,
		GuestSize:      res.InputSize,
		CodeStart:      s.Base() + uintptr(offset),
		TranslatedSize: res.OutputSize,
		Capacity:       res.OutputSize,
		owningSlab:     s,
		SlabOffset:     int32(offset),
		CallLinks:      res.CallLinks,
		JmpLinks:       res.JmpLinks,
	}
	if res.IndirectCall != nil {
		block.ICArrayOffset = res.IndirectCall.ICArrayOffset
		block.ICEntries = res.IndirectCall.Entries
	}
	if c.engine.trustThreshold > 0 {
		block.snapshot = append([]byte(nil), live[:res.InputSize]...)
	}
	for _, co := range res.Callouts {
		block.callouts = append(block.callouts, CalloutEntry{
			Callback:   co.Fn,
			Data:       co.Data,
			Destroy:    co.Destroy,
			GuestPC:    guestAddr,
			NextOffset: co.Offset,
		})
	}
	if c.sink != nil && c.eventMask&(1<<uint(EventCompile)) != 0 {
		c.sink.Process(Event{Kind: EventCompile, Location: guestAddr, End: guestAddr + uint64(res.InputSize)}, nil)
	}

	c.blocks.insert(block)

	for _, push := range res.ShadowPushes {
		c.frames.Push(ExecFrame{GuestReturnAddr: push.GuestReturn, TranslatedReturnAddr: push.TranslatedReturn})
	}

	if res.HasContinuation {
		if _, err := c.compileBlock(res.Continuation); err != nil {
			return nil, err
		}
	}

	return block, nil
}

// recompileBlock retranslates old's guest address into fresh storage
// and redirects old's original code-start with a direct jump, so any
// backpatch site or inline-cache entry still pointing at the stale
// address keeps working.
func (c *ExecContext) recompileBlock(old *ExecBlock) (*ExecBlock, error) {
	c.blocks.delete(old.GuestStart)
	fresh, err := c.compileBlock(old.GuestStart)
	if err != nil {
		c.blocks.insert(old)
		return nil, err
	}
	fresh.RecycleCount = old.RecycleCount
	if fresh.CodeStart == old.CodeStart {
		return fresh, nil
	}

	const jmpLen = 5
	if err := old.owningSlab.Thaw(int(old.SlabOffset), jmpLen); err != nil {
		return nil, fmt.Errorf("gum: thaw recompile redirect at %#x: %w", old.GuestStart, err)
	}
	buf := old.owningSlab.Bytes()
	site := old.SlabOffset
	buf[site] = 0xe9 // jmp rel32
	disp := int32(int64(fresh.CodeStart) - int64(old.CodeStart) - jmpLen)
	binary.LittleEndian.PutUint32(buf[site+1:site+5], uint32(disp))
	if err := old.owningSlab.Freeze(int(old.SlabOffset), jmpLen); err != nil {
		return nil, fmt.Errorf("gum: freeze recompile redirect at %#x: %w", old.GuestStart, err)
	}

	old.StorageBlock = fresh
	return fresh, nil
}

// backpatchEdgesTo rewrites every already-translated site across every
// block that targets guestTarget, now that it has resolved to
// translatedAddr: static call/jmp/jcc sites get rewritten in place when
// the static-backpatch preconditions allow it, and every block's inline
// cache gets a chance to absorb guestTarget as a new entry.
func (c *ExecContext) backpatchEdgesTo(guestTarget, translatedAddr uint64, targetBlock *ExecBlock) {
	pre := backpatch.StaticPreconditions{
		ContextActive:      runState(c.state.Load()) == stateActive,
		TargetIsActivation: targetBlock.IsActivationTarget(),
		RecycleCount:       targetBlock.RecycleCount,
		TrustThreshold:     c.engine.trustThreshold,
	}

	w := asm.NewAMD64Writer()
	for _, owner := range c.blocks.all() {
		if pre.Allowed() {
			for _, link := range owner.CallLinks {
				c.patchStaticLink(w, owner, link, guestTarget, translatedAddr, pre)
			}
			for _, link := range owner.JmpLinks {
				c.patchStaticLink(w, owner, link, guestTarget, translatedAddr, pre)
			}
		}
		if owner.ICEntries > 0 {
			arrayOffset := owner.SlabOffset + owner.ICArrayOffset
			desc, _ := backpatch.ICPatch(owner.owningSlab, arrayOffset, owner.ICEntries, guestTarget, translatedAddr)
			if desc.Kind == backpatch.KindInlineCache && c.observer != nil {
				enc := desc.Encode()
				c.observer.NotifyBackpatch(enc, len(enc))
			}
		}
	}
}

func (c *ExecContext) patchStaticLink(w asm.Writer, owner *ExecBlock, link *links.Link, guestTarget, translatedAddr uint64, pre backpatch.StaticPreconditions) {
	if link.GuestTarget != guestTarget || !link.Live() {
		return
	}
	for _, site := range link.Sites {
		slabSite := int32(site) + owner.SlabOffset
		desc := backpatch.StaticPatch(owner.owningSlab, w, slabSite, owner.owningSlab.Base(), uintptr(translatedAddr), pre)
		if c.observer != nil {
			desc.GuestTarget = guestTarget
			enc := desc.Encode()
			c.observer.NotifyBackpatch(enc, len(enc))
		}
	}
}

// Dispatch runs the shared switch_block body for one gate hit,
// incrementing the configured Observer's per-gate counter first. This
// is the Go-level stand-in this module's architecture drives directly
// instead of a native trampoline calling back into Go code (see
// internal/virt.EmitGateTrampoline). A ret_slow_path hit also clears the
// shadow return stack: the slow path is reached only once the emitted
// ret helper's fast path (internal/virt.EmitRetHelper) has missed, and
// clearing resynchronizes the stack with the dispatcher.
func (c *ExecContext) Dispatch(gate dispatch.Gate, guestTarget uint64) (uint64, error) {
	if debug.Enabled {
		debug.Printf("dispatch %s %#x", gate, guestTarget)
	}
	if c.observer != nil {
		c.observer.Increment(string(gate))
	}
	if gate == dispatch.GateRetSlowPath {
		c.frames.Clear()
	}
	return dispatch.SwitchBlock(c, guestTarget)
}

// IncPendingCalls/DecPendingCalls bracket an excluded-range passthrough
// call's lifetime; a native bridge driving EmitDirectCall's passthrough
// path would call these exactly once per call, around the native call
// instruction itself.
func (c *ExecContext) IncPendingCalls() { c.pendingCalls.Add(1) }
func (c *ExecContext) DecPendingCalls() { c.pendingCalls.Add(-1) }

// --- dispatch.ContextView ---

func (c *ExecContext) IsUnfollowMeTarget(guestTarget uint64) bool {
	return c.engine.unfollowMeAddr != 0 && guestTarget == c.engine.unfollowMeAddr
}

func (c *ExecContext) IsThreadExitTarget(guestTarget uint64) bool {
	return c.engine.threadExitAddr != 0 && guestTarget == c.engine.threadExitAddr
}

func (c *ExecContext) UnfollowPending() bool {
	return runState(c.state.Load()) == stateUnfollowPending
}

func (c *ExecContext) PendingCalls() int32 {
	return c.pendingCalls.Load()
}

func (c *ExecContext) FinalizeUnfollow() {
	c.state.Store(int32(stateDestroyPending))
	c.destroyPendingAt = time.Now()
}

func (c *ExecContext) Unfollow() {
	c.state.CompareAndSwap(int32(stateActive), int32(stateUnfollowPending))
}

func (c *ExecContext) MarkTeardown(resumeAt uint64) {
	c.resumeAt = resumeAt
	c.state.Store(int32(stateDestroyPending))
	c.destroyPendingAt = time.Now()
}

func (c *ExecContext) WithinCodeSlabs(guestTarget uint64) bool {
	c.codeMu.Lock()
	defer c.codeMu.Unlock()
	addr := uintptr(guestTarget)
	for s := c.codeSlabs; s != nil; s = s.Next {
		if s.Contains(addr) {
			return true
		}
	}
	return false
}

func (c *ExecContext) ActivationTarget() (uint64, bool) {
	c.codeMu.Lock()
	defer c.codeMu.Unlock()
	return c.ActivationTargetLocked()
}

// ActivationTargetLocked is ActivationTarget's body, exposed separately
// so compileBlock (already holding codeMu) can call it without
// deadlocking.
func (c *ExecContext) ActivationTargetLocked() (uint64, bool) {
	if !c.hasActivationTarget {
		return 0, false
	}
	return c.activationTarget, true
}

func (c *ExecContext) ClearActivationTarget() {
	c.codeMu.Lock()
	defer c.codeMu.Unlock()
	c.hasActivationTarget = false
	c.activationTarget = 0
}

func (c *ExecContext) TagActivationBlock(guestAddr uint64) {
	if b, ok := c.blocks.lookup(guestAddr); ok {
		b.setActivationTarget()
	}
}

// setActivationTarget records a pending Stalker.Activate target, taken
// by the next block switch_block resolves that matches it.
func (c *ExecContext) setActivationTarget(guestAddr uint64) {
	c.codeMu.Lock()
	defer c.codeMu.Unlock()
	c.activationTarget = guestAddr
	c.hasActivationTarget = true
}

// LookupOrCompile returns the translated code-start address for
// guestAddr, compiling (or recompiling, if the block's snapshot no
// longer matches the live guest bytes) as needed, then backpatches
// every outstanding edge that targeted guestAddr.
func (c *ExecContext) LookupOrCompile(guestAddr uint64) (uint64, error) {
	c.codeMu.Lock()
	defer c.codeMu.Unlock()

	block, existing := c.blocks.lookup(guestAddr)
	if existing {
		for block.StorageBlock != nil {
			block = block.StorageBlock
		}
		live, err := c.host.ReadCode(guestAddr, block.GuestSize)
		if err != nil {
			return 0, fmt.Errorf("gum: read guest code at %#x: %w", guestAddr, err)
		}
		if decideRecompile(block, live, c.engine.trustThreshold) == decisionRecompile {
			nb, err := c.recompileBlock(block)
			if err != nil {
				return 0, err
			}
			block = nb
		} else {
			block.RecycleCount++
		}
	} else {
		nb, err := c.compileBlock(guestAddr)
		if err != nil {
			return 0, err
		}
		block = nb
	}

	target := uint64(block.CodeStart)
	c.backpatchEdgesTo(guestAddr, target, block)
	return target, nil
}
