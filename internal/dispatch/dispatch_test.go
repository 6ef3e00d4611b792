// Copyright (c) 2026 frida-gum authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dispatch

import "testing"

type fakeContext struct {
	unfollowMeTarget uint64
	threadExitTarget uint64
	unfollowPending  bool
	pendingCalls     int32
	finalized        bool
	unfollowed       bool
	torndown         uint64
	slabAddrs        map[uint64]bool
	compiled         map[uint64]uint64
	activation       uint64
	activationSet    bool
	activationTagged uint64
}

func (c *fakeContext) IsUnfollowMeTarget(t uint64) bool { return t == c.unfollowMeTarget }
func (c *fakeContext) IsThreadExitTarget(t uint64) bool { return t == c.threadExitTarget }
func (c *fakeContext) UnfollowPending() bool            { return c.unfollowPending }
func (c *fakeContext) PendingCalls() int32              { return c.pendingCalls }
func (c *fakeContext) FinalizeUnfollow()                { c.finalized = true }
func (c *fakeContext) Unfollow()                        { c.unfollowed = true }
func (c *fakeContext) MarkTeardown(resumeAt uint64)     { c.torndown = resumeAt }
func (c *fakeContext) WithinCodeSlabs(t uint64) bool    { return c.slabAddrs[t] }
func (c *fakeContext) ActivationTarget() (uint64, bool) { return c.activation, c.activationSet }
func (c *fakeContext) ClearActivationTarget()           { c.activationSet = false }
func (c *fakeContext) TagActivationBlock(addr uint64)   { c.activationTagged = addr }
func (c *fakeContext) LookupOrCompile(addr uint64) (uint64, error) {
	if v, ok := c.compiled[addr]; ok {
		return v, nil
	}
	return addr + 0x1000, nil
}

func TestSwitchBlockUnfollowMe(t *testing.T) {
	c := &fakeContext{unfollowMeTarget: 0x42}
	got, err := SwitchBlock(c, 0x42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 0x42 || c.torndown != 0x42 {
		t.Fatalf("expected teardown marked at 0x42, got resume=%#x torndown=%#x", got, c.torndown)
	}
}

func TestSwitchBlockThreadExit(t *testing.T) {
	c := &fakeContext{threadExitTarget: 0x99}
	if _, err := SwitchBlock(c, 0x99); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !c.unfollowed {
		t.Fatal("expected Unfollow to be called")
	}
}

func TestSwitchBlockFinalizesUnfollowWhenNoPendingCalls(t *testing.T) {
	c := &fakeContext{unfollowPending: true, pendingCalls: 0, compiled: map[uint64]uint64{}}
	if _, err := SwitchBlock(c, 0x1000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !c.finalized {
		t.Fatal("expected FinalizeUnfollow to be called")
	}
}

func TestSwitchBlockDoesNotFinalizeWithPendingCalls(t *testing.T) {
	c := &fakeContext{unfollowPending: true, pendingCalls: 2, compiled: map[uint64]uint64{}}
	if _, err := SwitchBlock(c, 0x1000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.finalized {
		t.Fatal("must not finalize unfollow while calls are pending")
	}
}

func TestSwitchBlockAlreadyTranslated(t *testing.T) {
	c := &fakeContext{slabAddrs: map[uint64]bool{0x5000: true}}
	got, err := SwitchBlock(c, 0x5000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 0x5000 {
		t.Fatalf("expected passthrough of an already-translated address, got %#x", got)
	}
}

func TestSwitchBlockTagsActivationTarget(t *testing.T) {
	c := &fakeContext{activation: 0x7000, activationSet: true, compiled: map[uint64]uint64{}}
	if _, err := SwitchBlock(c, 0x7000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.activationSet {
		t.Fatal("expected activation target to be cleared")
	}
	if c.activationTagged != 0x7000 {
		t.Fatalf("expected block at 0x7000 to be tagged, got %#x", c.activationTagged)
	}
}

func TestGateCounters(t *testing.T) {
	g := NewGateCounters()
	g.Increment(string(GateCallImm))
	g.Increment(string(GateCallImm))
	g.Increment(string(GateCallReg))
	if g.Count(string(GateCallImm)) != 2 {
		t.Fatalf("expected 2 call_imm increments, got %d", g.Count(string(GateCallImm)))
	}
	if g.Total != 3 {
		t.Fatalf("expected total 3, got %d", g.Total)
	}
}
