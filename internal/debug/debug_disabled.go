// Copyright (c) 2026 frida-gum authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !debug

package debug

const Enabled = false

func Printf(format string, args ...interface{}) {}

func Enter() {}
func Leave() {}
