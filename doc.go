// Copyright (c) 2026 frida-gum authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gum implements an x86-64 dynamic binary instrumentation
// engine. Given a thread and a caller-supplied transformer/event sink,
// it redirects that thread to run out of a private translated code
// cache instead of its original instructions, basic block by basic
// block, while preserving its observable behavior.
//
// The engine compiles guest machine code on demand (internal/compiler),
// virtualizes control-transfer instructions so that calls, jumps, and
// returns land in translated code instead of the original bytes
// (internal/virt), caches translated blocks per guest address with an
// inline-cache and backpatching scheme for repeat edges
// (internal/backpatch, internal/dispatch), and manages the underlying
// executable memory (internal/slab). A Stalker owns one or more
// ExecContexts, one per followed thread.
package gum
