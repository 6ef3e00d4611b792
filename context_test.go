// Copyright (c) 2026 frida-gum authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gum

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/0xDC00/frida-gum/internal/asm"
	"github.com/0xDC00/frida-gum/internal/dispatch"
	"github.com/0xDC00/frida-gum/internal/virt"
)

// fakeDecoder recognizes just enough one-byte opcodes to drive the
// compiler's control-flow virtualization without a real capstone engine:
// 0x90 is a one-byte nop, 0xc3 is ret, 0xfa is a synthetic 9-byte direct
// jump whose 8-byte little-endian target follows the opcode, and 0xfb is
// the same shape for a synthetic direct call.
type fakeDecoder struct{}

func (fakeDecoder) Close() {}

func (fakeDecoder) Decode(code []byte, addr uint64) (asm.Instruction, error) {
	switch code[0] {
	case 0xc3:
		return asm.Instruction{Address: addr, Size: 1, Bytes: code[:1], Kind: asm.KindRet}, nil
	case 0xfa:
		if len(code) < 9 {
			return asm.Instruction{}, fmt.Errorf("fakeDecoder: truncated jmp marker")
		}
		target := binary.LittleEndian.Uint64(code[1:9])
		return asm.Instruction{
			Address: addr, Size: 9, Bytes: code[:9], Kind: asm.KindJmpDirect,
			Branch: asm.BranchTarget{Kind: asm.TargetImmediate, Immediate: target},
		}, nil
	case 0xfb:
		if len(code) < 9 {
			return asm.Instruction{}, fmt.Errorf("fakeDecoder: truncated call marker")
		}
		target := binary.LittleEndian.Uint64(code[1:9])
		return asm.Instruction{
			Address: addr, Size: 9, Bytes: code[:9], Kind: asm.KindCallDirect,
			Branch: asm.BranchTarget{Kind: asm.TargetImmediate, Immediate: target},
		}, nil
	default:
		return asm.Instruction{Address: addr, Size: 1, Bytes: code[:1]}, nil
	}
}

// fakeHost serves canned guest bytes from a fixed table instead of
// reading real process memory, and reports thread liveness from a fixed
// set, so context/stalker tests never depend on what's actually mapped
// at a given address.
type fakeHost struct {
	code  map[uint64][]byte
	alive map[int]bool
}

func (h fakeHost) ReadCode(addr uint64, maxLen int) ([]byte, error) {
	b, ok := h.code[addr]
	if !ok {
		return nil, fmt.Errorf("fakeHost: no guest code registered at %#x", addr)
	}
	if len(b) > maxLen {
		b = b[:maxLen]
	}
	return b, nil
}

func (h fakeHost) ThreadAlive(tid int) bool {
	return h.alive[tid]
}

func newTestStalker() *Stalker {
	return &Stalker{
		contexts:  make(map[int]*ExecContext),
		icEntries: 2,
		probes:    newProbeRegistry(),
		decoder:   fakeDecoder{},
		host:      fakeHost{code: map[uint64][]byte{}, alive: map[int]bool{}},
	}
}

func newTestContext(t *testing.T, engine *Stalker, host fakeHost) *ExecContext {
	t.Helper()
	ctx, err := newExecContext(engine, 1, host, nil, nil, nil)
	if err != nil {
		t.Fatalf("newExecContext: %v", err)
	}
	return ctx
}

func TestCompileBlockRetOnly(t *testing.T) {
	engine := newTestStalker()
	host := fakeHost{code: map[uint64][]byte{0x1000: {0xc3}}, alive: map[int]bool{}}
	ctx := newTestContext(t, engine, host)

	ctx.codeMu.Lock()
	block, err := ctx.compileBlock(0x1000)
	ctx.codeMu.Unlock()
	if err != nil {
		t.Fatalf("compileBlock: %v", err)
	}

	if block.GuestStart != 0x1000 || block.GuestSize != 1 {
		t.Fatalf("unexpected block metadata: %+v", block)
	}
	if !ctx.codeSlabs.Contains(block.CodeStart) {
		t.Fatal("expected the compiled block's CodeStart to land inside the context's code slab")
	}
}

func TestLookupOrCompileReusesTrustedBlock(t *testing.T) {
	engine := newTestStalker()
	engine.trustThreshold = 0
	host := fakeHost{code: map[uint64][]byte{0x1000: {0xc3}}, alive: map[int]bool{}}
	ctx := newTestContext(t, engine, host)

	first, err := ctx.LookupOrCompile(0x1000)
	if err != nil {
		t.Fatalf("first LookupOrCompile: %v", err)
	}
	second, err := ctx.LookupOrCompile(0x1000)
	if err != nil {
		t.Fatalf("second LookupOrCompile: %v", err)
	}
	if first != second {
		t.Fatalf("expected a trusted block to be reused: %#x != %#x", first, second)
	}

	block, _ := ctx.blocks.lookup(0x1000)
	if block.RecycleCount != 1 {
		t.Fatalf("expected recycle count 1 after one reuse, got %d", block.RecycleCount)
	}
}

func TestLookupOrCompileRecompilesWithNegativeTrust(t *testing.T) {
	engine := newTestStalker()
	engine.trustThreshold = -1
	host := fakeHost{code: map[uint64][]byte{0x1000: {0xc3}}, alive: map[int]bool{}}
	ctx := newTestContext(t, engine, host)

	first, err := ctx.LookupOrCompile(0x1000)
	if err != nil {
		t.Fatalf("first LookupOrCompile: %v", err)
	}
	oldBlock, _ := ctx.blocks.lookup(0x1000)
	oldSlab, oldOffset := oldBlock.owningSlab, oldBlock.SlabOffset

	second, err := ctx.LookupOrCompile(0x1000)
	if err != nil {
		t.Fatalf("second LookupOrCompile: %v", err)
	}
	if first == second {
		t.Fatal("expected a negative trust threshold to force a fresh translation")
	}

	if oldSlab.Bytes()[oldOffset] != 0xe9 {
		t.Fatalf("expected the superseded block's original site to be redirected with jmp rel32, got opcode %#x", oldSlab.Bytes()[oldOffset])
	}
	disp := int32(binary.LittleEndian.Uint32(oldSlab.Bytes()[oldOffset+1 : oldOffset+5]))
	redirectTarget := uint64(int64(oldSlab.Base()) + int64(oldOffset) + 5 + int64(disp))
	if redirectTarget != second {
		t.Fatalf("expected redirect to land on the fresh block at %#x, got %#x", second, redirectTarget)
	}
}

func TestWithinCodeSlabs(t *testing.T) {
	engine := newTestStalker()
	host := fakeHost{code: map[uint64][]byte{0x1000: {0xc3}}, alive: map[int]bool{}}
	ctx := newTestContext(t, engine, host)

	translated, err := ctx.LookupOrCompile(0x1000)
	if err != nil {
		t.Fatalf("LookupOrCompile: %v", err)
	}
	if !ctx.WithinCodeSlabs(translated) {
		t.Fatal("expected a translated address to be reported as within the code slabs")
	}
	if ctx.WithinCodeSlabs(0x1000) {
		t.Fatal("expected the untranslated guest address to not be within the code slabs")
	}
}

func TestBackpatchEdgesToResolvesForwardJmp(t *testing.T) {
	engine := newTestStalker()
	engine.trustThreshold = 0
	host := fakeHost{code: map[uint64][]byte{
		0x1000: append([]byte{0xfa}, encodeTarget(0x2000)...),
		0x2000: {0xc3},
	}, alive: map[int]bool{}}
	ctx := newTestContext(t, engine, host)

	if _, err := ctx.LookupOrCompile(0x1000); err != nil {
		t.Fatalf("compiling block A: %v", err)
	}
	blockA, _ := ctx.blocks.lookup(0x1000)
	if len(blockA.JmpLinks) != 1 || len(blockA.JmpLinks[0].Sites) != 1 {
		t.Fatalf("expected block A to record exactly one jmp link site, got %+v", blockA.JmpLinks)
	}

	targetB, err := ctx.LookupOrCompile(0x2000)
	if err != nil {
		t.Fatalf("compiling block B: %v", err)
	}

	site := int(blockA.JmpLinks[0].Sites[0]) + int(blockA.SlabOffset)
	buf := blockA.owningSlab.Bytes()
	if buf[site] != 0xe9 {
		t.Fatalf("expected the jmp site's opcode to remain jmp rel32, got %#x", buf[site])
	}
	disp := int32(binary.LittleEndian.Uint32(buf[site+1 : site+5]))
	resolved := uint64(int64(blockA.owningSlab.Base()) + int64(site) + 5 + int64(disp))
	if resolved != targetB {
		t.Fatalf("expected block A's jmp to resolve to block B at %#x, got %#x", targetB, resolved)
	}
}

func encodeTarget(addr uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, addr)
	return buf
}

func TestCompileBlockPushesShadowFrameForDirectCall(t *testing.T) {
	engine := newTestStalker()
	host := fakeHost{code: map[uint64][]byte{
		0x1000: append([]byte{0xfb}, encodeTarget(0x5000)...),
		0x1009: {0xc3},
		0x5000: {0xc3},
	}, alive: map[int]bool{}}
	ctx := newTestContext(t, engine, host)

	ctx.codeMu.Lock()
	_, err := ctx.compileBlock(0x1000)
	ctx.codeMu.Unlock()
	if err != nil {
		t.Fatalf("compileBlock: %v", err)
	}

	guestReturn := uint64(0x1000 + 9)
	frame, ok := ctx.frames.Peek()
	if !ok {
		t.Fatal("expected a shadow frame to be pushed for the direct call")
	}
	if frame.GuestReturnAddr != guestReturn {
		t.Fatalf("expected guest return %#x, got %#x", guestReturn, frame.GuestReturnAddr)
	}
	wantReturn := ctx.helpers.gates[virt.GateCallReturn]
	if wantReturn == 0 {
		t.Fatal("expected the call_return gate to have a committed address")
	}
	if frame.TranslatedReturnAddr != wantReturn {
		t.Fatalf("expected translated return to be the call_return gate %#x, got %#x", wantReturn, frame.TranslatedReturnAddr)
	}

	resolved, err := ctx.Dispatch(dispatch.GateRetSlowPath, guestReturn)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	returnBlock, ok := ctx.blocks.lookup(guestReturn)
	if !ok || resolved != uint64(returnBlock.CodeStart) {
		t.Fatalf("expected dispatch to resolve the return address to its translated block, got %#x", resolved)
	}
	if ctx.frames.Depth() != 0 {
		t.Fatalf("expected the ret slow path to clear the shadow stack, depth=%d", ctx.frames.Depth())
	}
}

func TestDispatchMarksTeardownOnUnfollowMeTarget(t *testing.T) {
	engine := newTestStalker()
	engine.SetUnfollowMeTarget(0xdead)
	host := fakeHost{code: map[uint64][]byte{}, alive: map[int]bool{}}
	ctx := newTestContext(t, engine, host)

	resolved, err := ctx.Dispatch("call_imm", 0xdead)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if resolved != 0xdead {
		t.Fatalf("expected unfollow-me target returned verbatim, got %#x", resolved)
	}
	if runState(ctx.state.Load()) != stateDestroyPending {
		t.Fatalf("expected context to be marked destroy-pending, got state %d", ctx.state.Load())
	}
}
