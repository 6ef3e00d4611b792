// Copyright (c) 2026 frida-gum authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package slab implements the near-allocated, bump-pointer executable and
// data regions backing one ExecContext.
//
// A Slab never reallocs, because its bytes must stay within 32-bit
// displacement range of previously emitted `call rel32`/`jmp rel32`
// instructions: when one is full the caller pushes a new one onto the
// chain instead of growing it in place. The mmap/mprotect mechanics are
// built on golang.org/x/sys/unix, with an address hint so slabs land
// within reach of each other.
package slab

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Default slab sizes; the initial code/data slabs are kept small since
// most contexts never follow deeply, and subsequent slabs grow to amortize
// the mmap cost once a context proves itself long-lived.
const (
	CodeSlabSizeInitial = 128 * 1024
	CodeSlabSizeDynamic = 4 * 1024 * 1024
	DataSlabSizeInitial = CodeSlabSizeInitial / 5
	DataSlabSizeDynamic = CodeSlabSizeDynamic / 5
	ScratchSlabSize     = 16384
	MinBlockCapacity    = 1024
)

// Perms selects the protection a Slab is mapped with.
type Perms int

const (
	// PermsData is RW, never executable.
	PermsData Perms = iota
	// PermsCodeRWX maps the slab RWX for the lifetime of the context. Used
	// when the host doesn't enforce W^X.
	PermsCodeRWX
	// PermsCodeWX maps the slab RW by default; Thaw/Freeze toggle it to RW
	// and RX respectively around each emission burst.
	PermsCodeWX
)

// NearSpec bounds where a new Slab may be placed: it must be reachable from
// Near within MaxDistance bytes in either direction, so that a `call rel32`
// emitted from code in one slab can reach a helper or another slab without
// an indirect jump.
type NearSpec struct {
	Near        uintptr
	MaxDistance uint32
}

// Contains reports whether addr is within range of Near.
func (s NearSpec) Contains(addr uintptr) bool {
	var dist uint64
	if addr >= s.Near {
		dist = uint64(addr - s.Near)
	} else {
		dist = uint64(s.Near - addr)
	}
	return dist <= uint64(s.MaxDistance)
}

// Slab is a contiguous bump-allocated region. Slabs are singly linked with
// the most recently allocated slab as the chain head: once a slab is full,
// a new one is pushed and the head updated.
type Slab struct {
	mem    []byte
	cursor int
	perms  Perms
	frozen bool // only meaningful for PermsCodeWX

	Next *Slab
}

// Allocate maps a new slab of size bytes satisfying near, with the given
// permissions. On hosts that forbid RWX mappings, PermsCodeWX slabs start
// out mapped RW ("thawed"); the caller must Freeze before the first guest
// execution reaches into it.
func Allocate(near NearSpec, size int, perms Perms) (*Slab, error) {
	mem, err := mmapNear(near, size, mapProt(perms, true))
	if err != nil {
		return nil, fmt.Errorf("slab: allocate %d bytes near %#x: %w", size, near.Near, err)
	}

	return &Slab{mem: mem, perms: perms, frozen: perms == PermsCodeWX}, nil
}

// Size returns the slab's total capacity.
func (s *Slab) Size() int { return len(s.mem) }

// Cursor returns the current bump offset.
func (s *Slab) Cursor() int { return s.cursor }

// Remaining reports how many bytes are left before the slab is full.
func (s *Slab) Remaining() int { return len(s.mem) - s.cursor }

// Base returns the slab's start address, used to compute rel32 displacements
// and to test "is this address inside one of my code slabs" during ret's
// slab-contains tier.
func (s *Slab) Base() uintptr {
	if len(s.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&s.mem[0]))
}

// Contains reports whether addr falls within this slab's mapped range.
func (s *Slab) Contains(addr uintptr) bool {
	base := s.Base()
	return base != 0 && addr >= base && addr < base+uintptr(len(s.mem))
}

// Reserve returns the current cursor's backing bytes and advances the
// cursor by size, failing when capacity would be exceeded.
func (s *Slab) Reserve(size int) (mem []byte, offset int, ok bool) {
	if s.cursor+size > len(s.mem) {
		return nil, 0, false
	}
	offset = s.cursor
	s.cursor += size
	return s.mem[offset : offset+size], offset, true
}

// Bytes exposes the whole backing region, e.g. for snapshot byte-compares
// and for the decoder reading already-emitted bytes back.
func (s *Slab) Bytes() []byte { return s.mem }

// Thaw remaps [offset, offset+size) RW so the code writer may modify it. A
// no-op on RWX hosts and on data slabs.
func (s *Slab) Thaw(offset, size int) error {
	if s.perms != PermsCodeWX || !s.frozen {
		return nil
	}
	if err := unix.Mprotect(s.region(offset, size), unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("slab: thaw: %w", err)
	}
	s.frozen = false
	return nil
}

// Freeze remaps the region RX and flushes the instruction cache, the
// counterpart to Thaw. On RWX hosts this performs only the i-cache flush.
func (s *Slab) Freeze(offset, size int) error {
	region := s.region(offset, size)
	if s.perms == PermsCodeWX {
		if err := unix.Mprotect(region, unix.PROT_READ|unix.PROT_EXEC); err != nil {
			return fmt.Errorf("slab: freeze: %w", err)
		}
		s.frozen = true
	}
	flushICache(region)
	return nil
}

// region returns the page-aligned slice covering [offset, offset+size),
// since mprotect requires a page-aligned address and length.
func (s *Slab) region(offset, size int) []byte {
	ps := pageSize()
	lo := offset &^ (ps - 1)
	hi := (offset + size + ps - 1) &^ (ps - 1)
	if hi > len(s.mem) {
		hi = len(s.mem)
	}
	return s.mem[lo:hi]
}

// Close unmaps the slab. Safe to call once per slab when the owning
// ExecContext is destroyed.
func (s *Slab) Close() error {
	if len(s.mem) == 0 {
		return nil
	}
	mem := s.mem
	s.mem = nil
	return unix.Munmap(mem)
}

func mapProt(p Perms, initial bool) int {
	switch p {
	case PermsData:
		return unix.PROT_READ | unix.PROT_WRITE
	case PermsCodeRWX:
		return unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
	case PermsCodeWX:
		if initial {
			return unix.PROT_READ | unix.PROT_WRITE
		}
		return unix.PROT_READ | unix.PROT_EXEC
	default:
		return unix.PROT_READ
	}
}

func pageSize() int {
	return unix.Getpagesize()
}
