// Copyright (c) 2026 frida-gum authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dispatch implements the entry-gate dispatch routine: the common switch_block body every entry-gate trampoline calls
// when it needs to resolve an untranslated guest target to translated
// code. Every named gate (call_imm, call_reg, call_mem, jmp_imm, jmp_reg,
// jmp_mem, jmp_cond_*, ret_slow_path, sysenter, call_return) shares this
// one body; gates differ only in which Observer counter they increment.
package dispatch

import "fmt"

// ContextView is the subset of ExecContext behavior switch_block needs.
// Defined here (rather than depending on the gum package directly) so
// this package has no import cycle back to its own caller; gum's
// ExecContext implements it.
type ContextView interface {
	// IsUnfollowMeTarget reports whether guestTarget is the special
	// "unfollow me" or "deactivate" function address the engine
	// recognizes to begin teardown.
	IsUnfollowMeTarget(guestTarget uint64) bool
	// IsThreadExitTarget reports whether guestTarget is the thread-exit
	// implementation's address.
	IsThreadExitTarget(guestTarget uint64) bool

	UnfollowPending() bool
	PendingCalls() int32
	FinalizeUnfollow()
	Unfollow()
	MarkTeardown(resumeAt uint64)

	// WithinCodeSlabs reports whether guestTarget is already a
	// translated address living inside one of this context's code
	// slabs (meaning it does not need compiling — it already is
	// translated code).
	WithinCodeSlabs(guestTarget uint64) bool

	// ActivationTarget returns the pending activation target, if any.
	ActivationTarget() (uint64, bool)
	ClearActivationTarget()
	TagActivationBlock(guestAddr uint64)

	// LookupOrCompile returns the translated code-start address for
	// guestAddr, compiling a new block if none exists yet.
	LookupOrCompile(guestAddr uint64) (uint64, error)
}

// Gate names a single entry gate; its only behavioral effect beyond the
// shared switch_block body is which Observer counter (if any) the
// caller's trampoline increments before calling in.
type Gate string

const (
	GateCallImm      Gate = "call_imm"
	GateCallReg      Gate = "call_reg"
	GateCallMem      Gate = "call_mem"
	GateJmpImm       Gate = "jmp_imm"
	GateJmpReg       Gate = "jmp_reg"
	GateJmpMem       Gate = "jmp_mem"
	GateJmpCondTrue  Gate = "jmp_cond_true"
	GateJmpCondFalse Gate = "jmp_cond_false"
	GateRetSlowPath  Gate = "ret_slow_path"
	GateSysenter     Gate = "sysenter"
	GateCallReturn   Gate = "call_return"
)

// SwitchBlock is the common switch_block(ctx, guest_target) body.
// It is invoked by name from each gate's trampoline (the name only
// matters for observer bookkeeping, done by the caller around this call).
func SwitchBlock(ctx ContextView, guestTarget uint64) (uint64, error) {
	if ctx.IsUnfollowMeTarget(guestTarget) {
		ctx.MarkTeardown(guestTarget)
		return guestTarget, nil
	}

	if ctx.IsThreadExitTarget(guestTarget) {
		ctx.Unfollow()
		return guestTarget, nil
	}

	if ctx.UnfollowPending() && ctx.PendingCalls() == 0 {
		ctx.FinalizeUnfollow()
	}

	if ctx.WithinCodeSlabs(guestTarget) {
		return guestTarget, nil
	}

	translated, err := ctx.LookupOrCompile(guestTarget)
	if err != nil {
		return 0, fmt.Errorf("dispatch: switch_block resolving %#x: %w", guestTarget, err)
	}

	if target, pending := ctx.ActivationTarget(); pending && target == guestTarget {
		ctx.ClearActivationTarget()
		ctx.TagActivationBlock(guestTarget)
	}

	return translated, nil
}

// GateCounters is a concrete Observer-shaped reference implementation
// exposing the per-gate increments and total; NotifyBackpatch is counted
// under "backpatch" and does not add to Total.
type GateCounters struct {
	counts map[string]int
	Total  int
}

func NewGateCounters() *GateCounters {
	return &GateCounters{counts: make(map[string]int)}
}

func (g *GateCounters) Increment(gate string) {
	g.counts[gate]++
	g.Total++
}

func (g *GateCounters) Count(gate string) int { return g.counts[gate] }

func (g *GateCounters) NotifyBackpatch(descriptor []byte, size int) {
	g.counts["backpatch"]++
}
