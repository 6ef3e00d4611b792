// Copyright (c) 2026 frida-gum authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gum

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/0xDC00/frida-gum/internal/contract"
)

// OSHost is the OS-specific collaborator for reading guest code and
// checking thread liveness; see internal/contract.OSHost.
type OSHost = contract.OSHost

// LocalHost is the default OSHost for instrumenting the calling process
// itself (the FollowMe case): ReadCode dereferences addr directly since
// guest and translator share an address space, and ThreadAlive consults
// procfs for the given thread id.
type LocalHost struct{}

func (LocalHost) ReadCode(addr uint64, maxLen int) ([]byte, error) {
	if addr == 0 {
		return nil, fmt.Errorf("gum: read guest code at nil address")
	}
	ptr := unsafe.Pointer(uintptr(addr))
	return unsafe.Slice((*byte)(ptr), maxLen), nil
}

func (LocalHost) ThreadAlive(tid int) bool {
	_, err := os.Stat(fmt.Sprintf("/proc/self/task/%d", tid))
	return err == nil
}
