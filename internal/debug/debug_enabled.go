// Copyright (c) 2026 frida-gum authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build debug

package debug

import "fmt"

const Enabled = true

var Depth int

// Printf prints an indented trace line; indentation tracks Depth so nested
// compiler/dispatcher calls read like a call tree when -tags debug is set.
func Printf(format string, args ...interface{}) {
	if Depth < 0 {
		panic("debug: negative Depth")
	}
	for i := 0; i < Depth; i++ {
		print("  ")
	}
	print(fmt.Sprintf(format+"\n", args...))
}

func Enter() { Depth++ }
func Leave() {
	Depth--
	if Depth < 0 {
		panic("debug: Leave without matching Enter")
	}
}
