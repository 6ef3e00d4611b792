// Copyright (c) 2026 frida-gum authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gum

import "sync"

// CallDetails is what probeRegistry.invoke hands to each CallProbeFunc
// registered at an address. StackData is a shallow snapshot of the
// guest stack at the call-probe trampoline site (top few words), not the
// whole stack.
type CallDetails struct {
	Target     uint64
	ReturnAddr uint64
	StackData  []uint64
	CPUContext *CPUContext
}

// CallProbeFunc is a user callback registered for a guest address with
// AddCallProbe and called by probeRegistry.invoke with that address's
// CallDetails.
type CallProbeFunc func(details *CallDetails, userData interface{})

// CallProbe is one registered probe: a callback plus user data attached
// to a guest address, refcounted so the same address may be probed by
// more than one caller.
type CallProbe struct {
	id       uint32
	addr     uint64
	callback CallProbeFunc
	userData interface{}
	destroy  func()
	refs     int32
}

// probeRegistry is the engine-wide table of registered call probes,
// keyed by guest address; AddCallProbe/RemoveCallProbe serialize through
// its mutex since probe registration races with block compilation
// checking whether a guest start has a probe attached.
type probeRegistry struct {
	mu     sync.Mutex
	nextID uint32
	byID   map[uint32]*CallProbe
	byAddr map[uint64][]*CallProbe
}

func newProbeRegistry() *probeRegistry {
	return &probeRegistry{
		byID:   make(map[uint32]*CallProbe),
		byAddr: make(map[uint64][]*CallProbe),
	}
}

func (r *probeRegistry) add(addr uint64, cb CallProbeFunc, data interface{}, destroy func()) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	p := &CallProbe{id: id, addr: addr, callback: cb, userData: data, destroy: destroy, refs: 1}
	r.byID[id] = p
	r.byAddr[addr] = append(r.byAddr[addr], p)
	return id
}

func (r *probeRegistry) remove(id uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byID[id]
	if !ok {
		return &unknownProbeError{id: id}
	}
	delete(r.byID, id)

	list := r.byAddr[p.addr]
	for i, q := range list {
		if q.id == id {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.byAddr, p.addr)
	} else {
		r.byAddr[p.addr] = list
	}

	if p.destroy != nil {
		p.destroy()
	}
	return nil
}

// attached reports whether any probe is registered at addr, the check
// the compiler makes before emitting a call-probe trampoline.
func (r *probeRegistry) attached(addr uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byAddr[addr]) > 0
}

// invoke calls every probe registered at addr, in registration order.
func (r *probeRegistry) invoke(addr uint64, details *CallDetails) {
	r.mu.Lock()
	probes := append([]*CallProbe(nil), r.byAddr[addr]...)
	r.mu.Unlock()

	for _, p := range probes {
		p.callback(details, p.userData)
	}
}
