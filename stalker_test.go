// Copyright (c) 2026 frida-gum authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gum

import "testing"

func TestFollowUnfollowLifecycle(t *testing.T) {
	s := newTestStalker()
	s.host = fakeHost{code: map[uint64][]byte{0x1000: {0xc3}}, alive: map[int]bool{1: true}}

	if err := s.Follow(1, 0x1000, nil, nil, nil); err != nil {
		t.Fatalf("Follow: %v", err)
	}
	if !s.isFollowing(1) {
		t.Fatal("expected tid 1 to be followed")
	}
	if err := s.Follow(1, 0x1000, nil, nil, nil); err == nil {
		t.Fatal("expected following an already-followed tid to error")
	}

	if err := s.Unfollow(1); err != nil {
		t.Fatalf("Unfollow: %v", err)
	}
	ctx, err := s.context(1)
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	if runState(ctx.state.Load()) == stateActive {
		t.Fatal("expected Unfollow to move the context out of the active state")
	}
}

func TestUnfollowUnknownThread(t *testing.T) {
	s := newTestStalker()
	if err := s.Unfollow(99); err == nil {
		t.Fatal("expected unfollowing an unknown tid to error")
	}
}

func TestExcludeRanges(t *testing.T) {
	s := newTestStalker()
	s.Exclude(0x2000, 0x3000)
	s.Exclude(0x1000, 0x1500)

	if !s.isExcluded(0x1200) {
		t.Fatal("expected 0x1200 to be excluded")
	}
	if !s.isExcluded(0x2500) {
		t.Fatal("expected 0x2500 to be excluded")
	}
	if s.isExcluded(0x1800) {
		t.Fatal("expected 0x1800 to not be excluded")
	}
	if len(s.exclude) != 2 || s.exclude[0].start != 0x1000 {
		t.Fatalf("expected excluded ranges to be sorted by start, got %+v", s.exclude)
	}
}

func TestCallProbeAddRemove(t *testing.T) {
	s := newTestStalker()
	var fired bool
	id := s.AddCallProbe(0x4000, func(d *CallDetails, data interface{}) { fired = true }, nil, nil)

	if !s.probes.attached(0x4000) {
		t.Fatal("expected probe to be attached through the stalker")
	}
	s.probes.invoke(0x4000, &CallDetails{})
	if !fired {
		t.Fatal("expected the probe callback to fire")
	}

	if err := s.RemoveCallProbe(id); err != nil {
		t.Fatalf("RemoveCallProbe: %v", err)
	}
	if s.probes.attached(0x4000) {
		t.Fatal("expected probe to be detached")
	}
}

func TestTrustThresholdAndIcEntriesTunables(t *testing.T) {
	s := newTestStalker()
	s.SetTrustThreshold(7)
	if s.GetTrustThreshold() != 7 {
		t.Fatalf("expected trust threshold 7, got %d", s.GetTrustThreshold())
	}
	if s.IcEntries() != 2 {
		t.Fatalf("expected ic entries 2, got %d", s.IcEntries())
	}
}

func TestNewStalkerRejectsOutOfRangeIcEntries(t *testing.T) {
	if _, err := NewStalker(MinIcEntries - 1); err == nil {
		t.Fatal("expected an ic entry count below the minimum to be rejected")
	}
	if _, err := NewStalker(MaxIcEntries + 1); err == nil {
		t.Fatal("expected an ic entry count above the maximum to be rejected")
	}
}

func TestGarbageCollectReclaimsEligibleContext(t *testing.T) {
	s := newTestStalker()
	s.host = fakeHost{code: map[uint64][]byte{0x1000: {0xc3}}, alive: map[int]bool{1: false}}

	if err := s.Follow(1, 0x1000, nil, nil, nil); err != nil {
		t.Fatalf("Follow: %v", err)
	}
	ctx, err := s.context(1)
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	ctx.state.Store(int32(stateDestroyPending))

	n := s.GarbageCollect(0)
	if n != 1 {
		t.Fatalf("expected GarbageCollect to reclaim the dead-thread context, got %d", n)
	}
	if s.isFollowing(1) {
		t.Fatal("expected the reclaimed context to be removed from the stalker")
	}
}

func TestGarbageCollectSkipsActiveContext(t *testing.T) {
	s := newTestStalker()
	s.host = fakeHost{code: map[uint64][]byte{0x1000: {0xc3}}, alive: map[int]bool{1: true}}

	if err := s.Follow(1, 0x1000, nil, nil, nil); err != nil {
		t.Fatalf("Follow: %v", err)
	}
	if n := s.GarbageCollect(0); n != 0 {
		t.Fatalf("expected an active context to not be reclaimed, got %d", n)
	}
}

func TestInvalidateRecompilesBlock(t *testing.T) {
	s := newTestStalker()
	s.host = fakeHost{code: map[uint64][]byte{0x1000: {0xc3}}, alive: map[int]bool{1: true}}
	s.trustThreshold = 0

	if err := s.Follow(1, 0x1000, nil, nil, nil); err != nil {
		t.Fatalf("Follow: %v", err)
	}
	ctx, _ := s.context(1)
	oldBlock, _ := ctx.blocks.lookup(0x1000)

	if err := s.Invalidate(1, 0x1000); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	newBlock, _ := ctx.blocks.lookup(0x1000)
	if newBlock == oldBlock {
		t.Fatal("expected Invalidate to force a fresh recompile")
	}
	if newBlock.RecycleCount != oldBlock.RecycleCount {
		t.Fatalf("expected the recompiled block to keep recycle count %d, got %d", oldBlock.RecycleCount, newBlock.RecycleCount)
	}
}
