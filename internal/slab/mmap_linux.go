// Copyright (c) 2026 frida-gum authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package slab

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// mmapNear tries to place a size-byte mapping within near's reach, probing
// candidate addresses outward from near.Near a page at a time. If no
// candidate in range is free, or near is the zero value, it falls back to
// letting the kernel choose (the helper/slab-chain logic then has to use an
// indirect trampoline instead of a direct rel32, which is always correct,
// just slower).
func mmapNear(near NearSpec, size int, prot int) ([]byte, error) {
	if near.Near == 0 {
		return mmapAt(0, size, prot, false)
	}

	ps := uintptr(pageSize())
	base := near.Near &^ (ps - 1)
	limit := uintptr(near.MaxDistance)

	for step := uintptr(0); step < limit; step += ps {
		for _, candidate := range [2]uintptr{base + step, base - step} {
			if candidate == 0 || candidate < step && candidate == base-step {
				continue
			}
			mem, err := mmapAt(candidate, size, prot, true)
			if err == nil {
				return mem, nil
			}
		}
	}

	return mmapAt(0, size, prot, false)
}

// mmapAt wraps the mmap(2) syscall directly (rather than unix.Mmap, which
// never accepts a hint address) so a fixed candidate address can be probed.
// MAP_FIXED_NOREPLACE makes the kernel fail instead of silently clobbering
// an existing mapping when fixed is true.
func mmapAt(addr uintptr, size int, prot int, fixed bool) ([]byte, error) {
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	if fixed {
		flags |= unix.MAP_FIXED_NOREPLACE
	}

	ptr, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, uintptr(size), uintptr(prot), uintptr(flags), ^uintptr(0), 0)
	if errno != 0 {
		return nil, errno
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(ptr)), size), nil
}

// flushICache flushes the instruction cache for region so that newly
// written code is visible to the CPU's fetch path. On amd64 the hardware
// keeps icache coherent with dcache, so this is a no-op kept only so
// callers don't need a build tag of their own.
func flushICache(region []byte) {}
