// Copyright (c) 2026 frida-gum authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gum

import "fmt"

// Error kinds surfaced by the public API. An unreadable guest page is
// returned as a wrapped error from the call that needed the block
// (Follow, Prefetch, ExecContext.Dispatch/LookupOrCompile); an
// instruction the decoder cannot decode ends the block at that point.
// Neither case falls back to single-stepping. The typed errors defined
// here are the remaining ones: an unknown thread id, an invalid tunable,
// or a probe id that was already removed.

type unknownThreadError struct {
	tid int
}

func (e *unknownThreadError) Error() string {
	return fmt.Sprintf("gum: no exec context is following thread %d", e.tid)
}

type unknownProbeError struct {
	id uint32
}

func (e *unknownProbeError) Error() string {
	return fmt.Sprintf("gum: no call probe registered with id %d", e.id)
}

type invalidTunableError struct {
	name string
	got  int
}

func (e *invalidTunableError) Error() string {
	return fmt.Sprintf("gum: invalid value %d for %s", e.got, e.name)
}
