// Copyright (c) 2026 frida-gum authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gum

import "testing"

func TestDecideRecompilePolicy(t *testing.T) {
	b := &ExecBlock{snapshot: []byte{0x90, 0x90}}

	if got := decideRecompile(b, []byte{0x90, 0x90}, -1); got != decisionRecompile {
		t.Fatalf("negative trust threshold must always recompile, got %v", got)
	}

	b.RecycleCount = 5
	if got := decideRecompile(b, []byte{0xcc, 0xcc}, 5); got != decisionReuse {
		t.Fatalf("recycle count at threshold must reuse without a byte compare, got %v", got)
	}

	b.RecycleCount = 0
	if got := decideRecompile(b, []byte{0x90, 0x90}, 5); got != decisionReuse {
		t.Fatalf("matching snapshot below threshold must reuse, got %v", got)
	}
	if got := decideRecompile(b, []byte{0xcc, 0xcc}, 5); got != decisionRecompile {
		t.Fatalf("mismatched snapshot below threshold must recompile, got %v", got)
	}
}

func TestExecBlockActivationTarget(t *testing.T) {
	b := &ExecBlock{}
	if b.IsActivationTarget() {
		t.Fatal("expected a fresh block to not be an activation target")
	}
	b.setActivationTarget()
	if !b.IsActivationTarget() {
		t.Fatal("expected setActivationTarget to stick")
	}
}

func TestBlockStoreInsertLookupDelete(t *testing.T) {
	s := newBlockStore()
	b := &ExecBlock{GuestStart: 0x1000}
	s.insert(b)

	got, ok := s.lookup(0x1000)
	if !ok || got != b {
		t.Fatalf("expected lookup to return the inserted block, got %+v (ok=%v)", got, ok)
	}

	if len(s.all()) != 1 {
		t.Fatalf("expected one block in the store, got %d", len(s.all()))
	}

	s.delete(0x1000)
	if _, ok := s.lookup(0x1000); ok {
		t.Fatal("expected lookup to miss after delete")
	}
}

func TestSnapshotMatchesRequiresSnapshot(t *testing.T) {
	b := &ExecBlock{}
	if b.snapshotMatches([]byte{0x90}) {
		t.Fatal("a block with no snapshot must never match")
	}
	b.snapshot = []byte{0x90, 0xc3}
	if !b.snapshotMatches([]byte{0x90, 0xc3}) {
		t.Fatal("expected identical bytes to match")
	}
	if b.snapshotMatches([]byte{0x90, 0x90}) {
		t.Fatal("expected differing bytes to mismatch")
	}
}
