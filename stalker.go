// Copyright (c) 2026 frida-gum authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gum

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/0xDC00/frida-gum/internal/asm"
	"github.com/0xDC00/frida-gum/internal/backpatch"
	"github.com/0xDC00/frida-gum/internal/virt"
)

const (
	// DefaultIcEntries is Stalker.IcEntries' value when NewStalker is
	// given 0; MinIcEntries/MaxIcEntries bound the value NewStalker accepts.
	DefaultIcEntries = 2
	MinIcEntries     = 2
	MaxIcEntries     = 32
)

// excludedRange is one [Start, End) guest address range Exclude has
// registered as native, untranslated code.
type excludedRange struct {
	start, end uint64
}

// Stalker owns every ExecContext following a thread in the current
// process, the shared tunables (inline-cache width, trust threshold,
// exclusion table), and the call-probe registry all of them consult.
type Stalker struct {
	mu       sync.Mutex
	contexts map[int]*ExecContext

	icEntries      int
	trustThreshold int32

	exclMu   sync.Mutex
	exclude  []excludedRange
	excluded virt.ExcludedRangeChecker

	probes  *probeRegistry
	decoder asm.Decoder

	unfollowMeAddr uint64
	threadExitAddr uint64

	host OSHost
}

// NewStalker creates an engine with no threads followed yet. icEntries
// outside [MinIcEntries, MaxIcEntries] is rejected with an error; 0
// selects DefaultIcEntries.
func NewStalker(icEntries int) (*Stalker, error) {
	if icEntries == 0 {
		icEntries = DefaultIcEntries
	}
	if icEntries < MinIcEntries || icEntries > MaxIcEntries {
		return nil, &invalidTunableError{name: "IcEntries", got: icEntries}
	}

	dec, err := asm.NewGapstoneDecoder()
	if err != nil {
		return nil, fmt.Errorf("gum: open instruction decoder: %w", err)
	}

	s := &Stalker{
		contexts:  make(map[int]*ExecContext),
		icEntries: icEntries,
		probes:    newProbeRegistry(),
		decoder:   dec,
		host:      LocalHost{},
	}
	s.excluded = s.isExcluded
	return s, nil
}

// SetUnfollowMeTarget/SetThreadExitTarget register the synthesized
// guest addresses switch_block recognizes to begin unfollow teardown;
// a real embedding wires these to its own unfollow_me()/thread exit
// trampoline addresses before the first Follow call.
func (s *Stalker) SetUnfollowMeTarget(addr uint64) { s.unfollowMeAddr = addr }
func (s *Stalker) SetThreadExitTarget(addr uint64) { s.threadExitAddr = addr }

// Follow starts instrumenting tid, compiling the block at startAddr up
// front when startAddr is nonzero. xf and sink may be nil.
func (s *Stalker) Follow(tid int, startAddr uint64, xf Transformer, sink EventSink, observer Observer) error {
	s.mu.Lock()
	if _, already := s.contexts[tid]; already {
		s.mu.Unlock()
		return fmt.Errorf("gum: thread %d is already followed", tid)
	}
	s.mu.Unlock()

	ctx, err := newExecContext(s, tid, s.host, xf, sink, observer)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.contexts[tid] = ctx
	s.mu.Unlock()

	if sink != nil {
		sink.Start()
	}

	if startAddr != 0 {
		if _, err := ctx.LookupOrCompile(startAddr); err != nil {
			s.mu.Lock()
			delete(s.contexts, tid)
			s.mu.Unlock()
			ctx.close()
			return fmt.Errorf("gum: compiling initial block for thread %d: %w", tid, err)
		}
	}
	return nil
}

// FollowMe is Follow for the calling thread, using its real tid.
func (s *Stalker) FollowMe(startAddr uint64, xf Transformer, sink EventSink, observer Observer) error {
	return s.Follow(unix.Gettid(), startAddr, xf, sink, observer)
}

// IsFollowingMe reports whether the calling thread is currently followed.
func (s *Stalker) IsFollowingMe() bool {
	return s.isFollowing(unix.Gettid())
}

func (s *Stalker) isFollowing(tid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.contexts[tid]
	return ok
}

func (s *Stalker) context(tid int) (*ExecContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, ok := s.contexts[tid]
	if !ok {
		return nil, &unknownThreadError{tid: tid}
	}
	return ctx, nil
}

// Unfollow requests teardown of tid's context. Teardown completes
// asynchronously: the context keeps running translated code until
// switch_block next observes UnfollowPending with no pending calls, at
// which point it marks itself destroy-pending for GarbageCollect to
// reclaim.
func (s *Stalker) Unfollow(tid int) error {
	ctx, err := s.context(tid)
	if err != nil {
		return err
	}
	ctx.Unfollow()
	return nil
}

// UnfollowMe is Unfollow for the calling thread.
func (s *Stalker) UnfollowMe() error {
	return s.Unfollow(unix.Gettid())
}

// Activate arms a one-shot activation target: blocks compiled before
// guestAddr is first reached take the shadow-stack path even for calls
// into excluded ranges (ActivationPending disables the excluded-range
// passthrough) until switch_block resolves guestAddr and tags its block
// as the activation target.
func (s *Stalker) Activate(tid int, guestAddr uint64) error {
	ctx, err := s.context(tid)
	if err != nil {
		return err
	}
	ctx.setActivationTarget(guestAddr)
	return nil
}

// Deactivate clears any pending or already-reached activation target.
func (s *Stalker) Deactivate(tid int) error {
	ctx, err := s.context(tid)
	if err != nil {
		return err
	}
	ctx.ClearActivationTarget()
	return nil
}

// Exclude registers [start, end) as native code: direct calls/jmps
// landing in this range are emitted as passthrough rather than being
// translated.
func (s *Stalker) Exclude(start, end uint64) {
	s.exclMu.Lock()
	defer s.exclMu.Unlock()
	s.exclude = append(s.exclude, excludedRange{start: start, end: end})
	sort.Slice(s.exclude, func(i, j int) bool { return s.exclude[i].start < s.exclude[j].start })
}

func (s *Stalker) isExcluded(addr uint64) bool {
	s.exclMu.Lock()
	defer s.exclMu.Unlock()
	// s.exclude is sorted by start; a linear scan is fine at the small
	// range counts this tunable is meant for.
	for _, r := range s.exclude {
		if addr >= r.start && addr < r.end {
			return true
		}
	}
	return false
}

// SetTrustThreshold sets the recycle count a block must reach before a
// static backpatch/recompile decision stops comparing guest bytes and
// trusts the cached translation outright. Negative disables trust
// entirely (every lookup recompiles).
func (s *Stalker) SetTrustThreshold(n int32) {
	s.trustThreshold = n
}

func (s *Stalker) GetTrustThreshold() int32 {
	return s.trustThreshold
}

// IcEntries reports the configured inline-cache width.
func (s *Stalker) IcEntries() int {
	return s.icEntries
}

// Invalidate retranslates guestAddr's block on tid immediately,
// regardless of trust threshold.
func (s *Stalker) Invalidate(tid int, guestAddr uint64) error {
	ctx, err := s.context(tid)
	if err != nil {
		return err
	}
	ctx.codeMu.Lock()
	defer ctx.codeMu.Unlock()
	block, ok := ctx.blocks.lookup(guestAddr)
	if !ok {
		return nil
	}
	_, err = ctx.recompileBlock(block)
	return err
}

// InvalidateForThread forces every block compiled for tid to retranslate.
func (s *Stalker) InvalidateForThread(tid int) error {
	ctx, err := s.context(tid)
	if err != nil {
		return err
	}
	ctx.codeMu.Lock()
	defer ctx.codeMu.Unlock()
	for _, b := range ctx.blocks.all() {
		if b.StorageBlock != nil {
			continue // superseded already; its replacement is in the list too
		}
		if _, err := ctx.recompileBlock(b); err != nil {
			return err
		}
	}
	return nil
}

// AddCallProbe registers cb for addr, returning an id RemoveCallProbe
// can use later; blocks compiled at addr afterwards begin with a
// call-probe trampoline. No dispatch path runs the registered callbacks:
// the trampoline's second call lands on the full epilog. destroy, if
// non-nil, runs once the probe is removed.
func (s *Stalker) AddCallProbe(addr uint64, cb CallProbeFunc, data interface{}, destroy func()) uint32 {
	return s.probes.add(addr, cb, data, destroy)
}

// RemoveCallProbe unregisters a probe previously returned by AddCallProbe.
func (s *Stalker) RemoveCallProbe(id uint32) error {
	return s.probes.remove(id)
}

// SetObserver swaps tid's Observer after Follow.
func (s *Stalker) SetObserver(tid int, observer Observer) error {
	ctx, err := s.context(tid)
	if err != nil {
		return err
	}
	ctx.codeMu.Lock()
	defer ctx.codeMu.Unlock()
	ctx.observer = observer
	return nil
}

// Prefetch compiles guestAddr for tid ahead of the thread actually
// reaching it, useful for warming the cache from a known call graph.
func (s *Stalker) Prefetch(tid int, guestAddr uint64) error {
	ctx, err := s.context(tid)
	if err != nil {
		return err
	}
	_, err = ctx.LookupOrCompile(guestAddr)
	return err
}

// PrefetchBackpatch replays a backpatch.Descriptor captured by one
// context's Observer.NotifyBackpatch into tid's context, short-
// circuiting the warm-up dispatches that would otherwise be needed to
// reach the same steady state.
func (s *Stalker) PrefetchBackpatch(tid int, encoded []byte) error {
	desc, err := backpatch.Decode(encoded)
	if err != nil {
		return err
	}
	ctx, err := s.context(tid)
	if err != nil {
		return err
	}

	ctx.codeMu.Lock()
	defer ctx.codeMu.Unlock()

	switch desc.Kind {
	case backpatch.KindInlineCache:
		for _, owner := range ctx.blocks.all() {
			if owner.ICEntries == 0 {
				continue
			}
			arrayOffset := owner.SlabOffset + owner.ICArrayOffset
			if desc.SiteOffset < arrayOffset || desc.SiteOffset >= arrayOffset+int32(owner.ICEntries*virt.ICEntrySize) {
				continue
			}
			backpatch.ICPatch(owner.owningSlab, arrayOffset, owner.ICEntries, desc.GuestTarget, desc.TranslatedTarget)
			return nil
		}
		return nil
	default:
		targetBlock, ok := ctx.blocks.lookup(desc.GuestTarget)
		if !ok {
			return nil
		}
		pre := backpatch.StaticPreconditions{
			ContextActive:      runState(ctx.state.Load()) == stateActive,
			TargetIsActivation: targetBlock.IsActivationTarget(),
			RecycleCount:       targetBlock.RecycleCount,
			TrustThreshold:     ctx.engine.trustThreshold,
		}
		if !pre.Allowed() {
			return nil
		}
		w := asm.NewAMD64Writer()
		for _, owner := range ctx.blocks.all() {
			for _, link := range owner.CallLinks {
				ctx.patchStaticLink(w, owner, link, desc.GuestTarget, desc.TranslatedTarget, pre)
			}
			for _, link := range owner.JmpLinks {
				ctx.patchStaticLink(w, owner, link, desc.GuestTarget, desc.TranslatedTarget, pre)
			}
		}
		return nil
	}
}

// Flush drains tid's EventSink of any buffered events.
func (s *Stalker) Flush(tid int) error {
	ctx, err := s.context(tid)
	if err != nil {
		return err
	}
	if ctx.sink != nil {
		ctx.sink.Flush()
	}
	return nil
}

// FlushAll drains every followed thread's EventSink, in undefined order.
func (s *Stalker) FlushAll() {
	s.mu.Lock()
	contexts := make([]*ExecContext, 0, len(s.contexts))
	for _, ctx := range s.contexts {
		contexts = append(contexts, ctx)
	}
	s.mu.Unlock()

	for _, ctx := range contexts {
		if ctx.sink != nil {
			ctx.sink.Flush()
		}
	}
}

// Stop tears down every followed context immediately, without waiting
// for the unfollow/destroy-pending handshake; intended for process
// shutdown rather than routine use.
func (s *Stalker) Stop() error {
	s.mu.Lock()
	contexts := s.contexts
	s.contexts = make(map[int]*ExecContext)
	s.mu.Unlock()

	for _, ctx := range contexts {
		if ctx.sink != nil {
			ctx.sink.Stop()
		}
		ctx.close()
	}
	s.decoder.Close()
	return nil
}
