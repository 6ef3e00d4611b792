// Copyright (c) 2026 frida-gum authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build amd64

package asm

import "golang.org/x/sys/cpu"

// haveAVX2 gates the prologs' YMM upper-half spill path
// (vextracti128/vinserti128): when false, the prologs rely on
// FXSAVE/FXRSTOR of the 512-byte legacy area alone.
var haveAVX2 = cpu.X86.HasAVX2

// HasAVX2 reports whether the running CPU supports AVX2 integer
// instructions, as detected at process start.
func HasAVX2() bool { return haveAVX2 }
