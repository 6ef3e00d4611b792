// Copyright (c) 2026 frida-gum authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package contract defines the external collaborator interfaces a caller
// wires into the engine: the transformer, the iterator it drives, the
// event sink, and the observer. These are implemented by callers (or by
// the reference implementations in this module) and consumed by
// internal/compiler and internal/virt without either of those packages
// depending on the public
// gum package — gum re-exports each type as an alias so callers see them
// at their natural location.
package contract

import "github.com/0xDC00/frida-gum/internal/asm"

// EventKind classifies an Event record.
type EventKind int

const (
	EventCall EventKind = iota
	EventRet
	EventExec
	EventBlock
	EventCompile
)

func (k EventKind) String() string {
	switch k {
	case EventCall:
		return "CALL"
	case EventRet:
		return "RET"
	case EventExec:
		return "EXEC"
	case EventBlock:
		return "BLOCK"
	case EventCompile:
		return "COMPILE"
	default:
		return "UNKNOWN"
	}
}

// Event is one trace record handed to an EventSink. Location/Target are
// guest addresses; End is only meaningful for BLOCK/COMPILE; Depth is only
// meaningful for CALL/RET.
type Event struct {
	Kind     EventKind
	Location uint64
	Target   uint64
	End      uint64
	Depth    int32
}

// CPUContext is the architectural snapshot a full-prolog callout captures:
// the sixteen general-purpose registers plus flags, read out of the saved
// frame a full prolog built. Index i holds the register whose asm.Reg
// value is i (so CPUContext[asm.RAX] is RAX's saved value).
type CPUContext struct {
	GPR   [16]uint64
	Flags uint64
}

// EventSink is the caller-supplied consumer of trace events.
type EventSink interface {
	QueryMask() uint32
	Start()
	Process(ev Event, cpu *CPUContext)
	Stop()
	Flush()
}

// OSHost is the OS-specific collaborator for the two primitives the engine
// treats as opaque: reading a not-yet-translated guest block's bytes
// before compilation, and reporting whether a thread id is still alive
// (consulted by garbage collection).
type OSHost interface {
	ReadCode(addr uint64, maxLen int) ([]byte, error)
	ThreadAlive(tid int) bool
}

// Observer is the caller-supplied counter/telemetry collaborator.
// NotifyBackpatch is handed an opaque, versioned blob the observer may
// capture and later replay via Stalker.PrefetchBackpatch.
type Observer interface {
	Increment(gate string)
	NotifyBackpatch(descriptor []byte, size int)
}

// CalloutFunc is a user callback the transformer registers via
// Iterator.PutCallout; see PutCallout for what is recorded. The
// translated block does not call it.
type CalloutFunc func(cpu *CPUContext, data interface{})

// Iterator abstracts the relocator and code writer over one guest basic
// block being compiled. The transformer drives translation by calling
// Next() until it returns false, choosing for each instruction between
// Keep (virtualize and emit), PutCallout (inject a user callback), or
// doing nothing (skip the instruction entirely).
type Iterator interface {
	// Next decodes and returns the next guest instruction, or ok=false
	// once the block's end has been reached.
	Next() (inst asm.Instruction, ok bool)

	// Keep emits the instruction most recently returned by Next,
	// virtualizing it if it is a control transfer.
	Keep() error

	// PutCallout records cb, data and destroy against the current writer
	// offset in the compiled block's callout list. It emits no code, so
	// the translated block does not call cb; destroy is stored with the
	// entry and is not called.
	PutCallout(cb CalloutFunc, data interface{}, destroy func())

	// Writer exposes the raw code writer for a transformer that wants to
	// emit additional instructions between guest instructions.
	Writer() asm.Writer
}

// Transformer is the caller-supplied rewrite callback.
type Transformer interface {
	TransformBlock(it Iterator)
}

// TransformerFunc adapts a plain function to Transformer.
type TransformerFunc func(it Iterator)

func (f TransformerFunc) TransformBlock(it Iterator) { f(it) }

// DefaultTransformer keeps every instruction unmodified; this is what
// Stalker.Follow uses when the caller passes a nil Transformer.
var DefaultTransformer = TransformerFunc(func(it Iterator) {
	for {
		if _, ok := it.Next(); !ok {
			return
		}
		if err := it.Keep(); err != nil {
			panic(err)
		}
	}
})
