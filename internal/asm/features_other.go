// Copyright (c) 2026 frida-gum authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !amd64

package asm

// HasAVX2 always reports false outside amd64; the Stalker never runs on
// any other architecture, but this keeps the package buildable for tools
// that only typecheck it.
func HasAVX2() bool { return false }
