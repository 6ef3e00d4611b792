// Copyright (c) 2026 frida-gum authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gum

import (
	"bytes"
	"sync"

	"github.com/0xDC00/frida-gum/internal/links"
	"github.com/0xDC00/frida-gum/internal/slab"
)

// blockFlags records ExecBlock attributes that are booleans in the
// original layout.
type blockFlags uint8

const (
	blockFlagActivationTarget blockFlags = 1 << iota
)

// CalloutEntry is one user callback injected by the transformer via
// Iterator.PutCallout, threaded into the block's inline callout chain by
// offset (so the chain is position-independent and survives a recompile
// that moves the block to a new storage block).
type CalloutEntry struct {
	Callback   CalloutFunc
	Data       interface{}
	Destroy    func()
	GuestPC    uint64
	NextOffset int32
}

// ExecBlock records one translated guest basic block.
type ExecBlock struct {
	GuestStart     uint64
	GuestSize      int
	CodeStart      uintptr
	TranslatedSize int32
	Capacity       int32
	Flags          blockFlags
	RecycleCount   int32

	// SlabOffset is CodeStart expressed relative to owningSlab.Base(),
	// the coordinate backpatch.StaticPatch/ICPatch operate in since they
	// index directly into the slab's backing buffer.
	SlabOffset int32

	// ICArrayOffset/ICEntries locate this block's inline cache array
	// (writer-buffer-relative, so SlabOffset+ICArrayOffset gives the
	// slab-relative offset ICPatch needs); ICArrayOffset is 0 when the
	// block has no indirect call/jmp.
	ICArrayOffset int32
	ICEntries     int

	// StorageBlock is set when a recompile needed more room than the
	// original site had; the original CodeStart keeps existing backpatch
	// targets valid, now holding a direct jump into StorageBlock.
	StorageBlock *ExecBlock

	owningSlab *slab.Slab
	callouts   []CalloutEntry

	// snapshot is a byte-for-byte copy of the guest bytes at last
	// compilation, present only when the engine's trust threshold is
	// positive; it backs the self-modifying-code check.
	snapshot []byte

	CallLinks []*links.Link
	JmpLinks  []*links.Link
}

func (b *ExecBlock) IsActivationTarget() bool {
	return b.Flags&blockFlagActivationTarget != 0
}

func (b *ExecBlock) setActivationTarget() {
	b.Flags |= blockFlagActivationTarget
}

// snapshotMatches reports whether live, the current guest bytes at
// GuestStart, is identical to the snapshot captured at last compilation.
// A block with no snapshot (trust threshold 0 never kept one) always
// reports a mismatch, forcing recompilation.
func (b *ExecBlock) snapshotMatches(live []byte) bool {
	if b.snapshot == nil {
		return false
	}
	return bytes.Equal(b.snapshot, live)
}

// blockStore is the per-context hash table keyed by guest start address.
// It never evicts entries; a recompile replaces a guest address's entry
// with the fresh block and redirects the old translated code to it.
type blockStore struct {
	mu     sync.Mutex
	blocks map[uint64]*ExecBlock
}

func newBlockStore() *blockStore {
	return &blockStore{blocks: make(map[uint64]*ExecBlock)}
}

func (s *blockStore) lookup(guestAddr uint64) (*ExecBlock, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[guestAddr]
	return b, ok
}

func (s *blockStore) insert(b *ExecBlock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[b.GuestStart] = b
}

func (s *blockStore) delete(guestAddr uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocks, guestAddr)
}

func (s *blockStore) all() []*ExecBlock {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ExecBlock, 0, len(s.blocks))
	for _, b := range s.blocks {
		out = append(out, b)
	}
	return out
}

// recompileDecision is the outcome of the retranslate-or-reuse check a
// context runs before retranslating a guest address it already has a
// block for.
type recompileDecision int

const (
	decisionReuse recompileDecision = iota
	decisionRecompile
)

// decideRecompile implements the block store's recycle-counter/trust-
// threshold policy: negative trust means always recompile; once
// recycleCount has reached trustThreshold the block is trusted without a
// byte compare; below that, a snapshot compare decides.
func decideRecompile(b *ExecBlock, liveGuestBytes []byte, trustThreshold int32) recompileDecision {
	if trustThreshold < 0 {
		return decisionRecompile
	}
	if b.RecycleCount >= trustThreshold {
		return decisionReuse
	}
	if b.snapshotMatches(liveGuestBytes) {
		return decisionReuse
	}
	return decisionRecompile
}
