// Copyright (c) 2026 frida-gum authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gum

import "github.com/0xDC00/frida-gum/internal/contract"

// EventKind classifies an Event record emitted to an EventSink.
type EventKind = contract.EventKind

const (
	EventCall    = contract.EventCall
	EventRet     = contract.EventRet
	EventExec    = contract.EventExec
	EventBlock   = contract.EventBlock
	EventCompile = contract.EventCompile
)

// Event is one trace record. Location/Target are guest addresses; End is
// only meaningful for BLOCK/COMPILE; Depth is only meaningful for
// CALL/RET.
type Event = contract.Event

// CPUContext is the architectural snapshot a full-prolog callout
// captures: the sixteen general-purpose registers (indexed by their
// asm.Reg value) plus flags.
type CPUContext = contract.CPUContext

// EventSink is the caller-supplied consumer of trace events. Start/Stop
// bracket a follow session; QueryMask reports which EventKinds the sink
// wants (as a bitset of 1<<EventKind); Process is called for each
// matching event; Flush asks the sink to drain any buffered events.
type EventSink = contract.EventSink
