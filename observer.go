// Copyright (c) 2026 frida-gum authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gum

import (
	"github.com/0xDC00/frida-gum/internal/contract"
	"github.com/0xDC00/frida-gum/internal/dispatch"
)

// Observer is the caller-supplied counter/telemetry collaborator.
// Increment is called once per entry-gate dispatch, named by gate
// ("call_imm", "call_reg", "call_mem", "jmp_imm", "jmp_reg", "jmp_mem",
// "jmp_cond_true", "jmp_cond_false", "ret_slow_path", "sysenter",
// "call_return").
// NotifyBackpatch is handed an opaque, versioned blob the observer may
// capture and later replay into another engine via
// Stalker.PrefetchBackpatch.
type Observer = contract.Observer

// GateCounters is a reference Observer implementation that tallies every
// gate's dispatch count plus a running total; NewGateCounters wires a
// fresh one ready to pass to SetObserver.
type GateCounters = dispatch.GateCounters

// NewGateCounters returns an Observer reference implementation with
// every counter at zero.
func NewGateCounters() *GateCounters {
	return dispatch.NewGateCounters()
}
