// Copyright (c) 2026 frida-gum authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package backpatch implements the two backpatch flavors: static
// backpatch (rewriting a direct call/jmp/ret site to jump straight to a
// resolved block) and inline-cache backpatch
// (populating the first empty IcEntry in an indirect site's embedded
// array). Both operate under the context's code lock, thawing the
// owning slab before the write and freezing it afterward.
package backpatch

import (
	"encoding/binary"
	"fmt"

	"github.com/0xDC00/frida-gum/internal/asm"
	"github.com/0xDC00/frida-gum/internal/slab"
	"github.com/0xDC00/frida-gum/internal/virt"
)

const descriptorVersion = 1

// Kind distinguishes the two backpatch flavors inside an encoded
// Descriptor.
type Kind uint8

const (
	KindStatic Kind = iota
	KindInlineCache
)

// Descriptor is the opaque, versioned blob an Observer
// may capture from NotifyBackpatch and later replay into another engine
// via Stalker.PrefetchBackpatch.
type Descriptor struct {
	Version          uint8
	Kind             Kind
	SiteOffset       int32
	GuestTarget      uint64
	TranslatedTarget uint64
}

// Encode serializes d into a stable, versioned wire form.
func (d Descriptor) Encode() []byte {
	buf := make([]byte, 1+1+4+8+8)
	buf[0] = d.Version
	buf[1] = byte(d.Kind)
	binary.LittleEndian.PutUint32(buf[2:6], uint32(d.SiteOffset))
	binary.LittleEndian.PutUint64(buf[6:14], d.GuestTarget)
	binary.LittleEndian.PutUint64(buf[14:22], d.TranslatedTarget)
	return buf
}

// Decode parses a Descriptor previously produced by Encode.
func Decode(b []byte) (Descriptor, error) {
	if len(b) < 22 {
		return Descriptor{}, fmt.Errorf("backpatch: descriptor too short: %d bytes", len(b))
	}
	d := Descriptor{
		Version:          b[0],
		Kind:             Kind(b[1]),
		SiteOffset:       int32(binary.LittleEndian.Uint32(b[2:6])),
		GuestTarget:      binary.LittleEndian.Uint64(b[6:14]),
		TranslatedTarget: binary.LittleEndian.Uint64(b[14:22]),
	}
	if d.Version != descriptorVersion {
		return Descriptor{}, fmt.Errorf("backpatch: unsupported descriptor version %d", d.Version)
	}
	return d, nil
}

// StaticPreconditions bundles the three conditions a caller must have
// already checked before calling StaticPatch:
// a static backpatch may only run when the context is active, the target
// block is not the activation target, and the target's recycle count has
// reached the trust threshold.
type StaticPreconditions struct {
	ContextActive      bool
	TargetIsActivation bool
	RecycleCount       int32
	TrustThreshold     int32
}

func (p StaticPreconditions) Allowed() bool {
	return p.ContextActive && !p.TargetIsActivation && p.RecycleCount >= p.TrustThreshold
}

// StaticPatch rewrites the direct call/jmp/jcc site at siteOffset (inside
// the slab s, whose base corresponds to siteOrigin) to target, under the
// slab's thaw/freeze bracket. It panics if pre is not Allowed(), since a
// caller reaching this point without checking preconditions is a
// programming error rather than a recoverable one.
func StaticPatch(s *slab.Slab, w asm.Writer, siteOffset int32, siteOrigin, target uintptr, pre StaticPreconditions) Descriptor {
	if !pre.Allowed() {
		panic("backpatch: StaticPatch called without satisfying its preconditions")
	}
	const siteLen = 6 // covers the longer 0f-prefixed jcc encoding; a plain call/jmp patch only touches its first 5
	if err := s.Thaw(int(siteOffset), siteLen); err != nil {
		panic(fmt.Errorf("backpatch: thaw static site: %w", err))
	}
	w.PatchRel32(s.Bytes(), siteOffset, siteOrigin, target)
	if err := s.Freeze(int(siteOffset), siteLen); err != nil {
		panic(fmt.Errorf("backpatch: freeze static site: %w", err))
	}

	return Descriptor{
		Version:          descriptorVersion,
		Kind:             KindStatic,
		SiteOffset:       siteOffset,
		TranslatedTarget: uint64(target),
	}
}

// ICPatch locates the first empty entry in the IC array embedded at
// arrayOffset (entries of it) and, if guestTarget is not already present,
// writes (guestTarget, translatedTarget) into it under thaw/freeze. If
// guestTarget is already present anywhere in the array, ICPatch is a
// no-op: an entry, once populated, is never rewritten except by full
// block invalidation. Returns ok=false if every entry is already populated
// (the array is full; the caller's miss path must keep dispatching
// through the slow gate for this site).
func ICPatch(s *slab.Slab, arrayOffset int32, entries int, guestTarget, translatedTarget uint64) (Descriptor, bool) {
	buf := s.Bytes()

	for i := 0; i < entries; i++ {
		off := arrayOffset + int32(i*virt.ICEntrySize)
		e := virt.DecodeICEntry(buf[off : off+virt.ICEntrySize])
		if e.GuestAddr == guestTarget {
			return Descriptor{}, true // already present, nothing to do
		}
	}

	for i := 0; i < entries; i++ {
		off := arrayOffset + int32(i*virt.ICEntrySize)
		e := virt.DecodeICEntry(buf[off : off+virt.ICEntrySize])
		if e.GuestAddr == virt.MagicEmpty {
			if err := s.Thaw(int(off), virt.ICEntrySize); err != nil {
				panic(fmt.Errorf("backpatch: thaw ic entry: %w", err))
			}
			entry := virt.ICEntry{GuestAddr: guestTarget, TranslatedAddr: translatedTarget}
			entry.Encode(buf[off : off+virt.ICEntrySize])
			if err := s.Freeze(int(off), virt.ICEntrySize); err != nil {
				panic(fmt.Errorf("backpatch: freeze ic entry: %w", err))
			}

			return Descriptor{
				Version:          descriptorVersion,
				Kind:             KindInlineCache,
				SiteOffset:       off,
				GuestTarget:      guestTarget,
				TranslatedTarget: translatedTarget,
			}, true
		}
	}

	return Descriptor{}, false
}
