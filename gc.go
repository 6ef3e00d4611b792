// Copyright (c) 2026 frida-gum authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gum

import "time"

// GarbageCollect reclaims every context that is destroy-pending and
// eligible: called from the thread it is following (currentTid matches
// its tid, so nothing else can still be running its translated code),
// or destroyGracePeriod has elapsed since FinalizeUnfollow/MarkTeardown
// ran, or the OS reports the owning thread is no longer alive. It
// returns the number of contexts reclaimed.
//
// currentTid is the tid of the thread calling GarbageCollect; pass 0
// from a dedicated maintenance thread that never itself is a followed
// context, so the self-reclaim branch never fires spuriously.
func (s *Stalker) GarbageCollect(currentTid int) int {
	s.mu.Lock()
	var reclaim []*ExecContext
	for tid, ctx := range s.contexts {
		if runState(ctx.state.Load()) != stateDestroyPending {
			continue
		}
		eligible := tid == currentTid ||
			time.Since(ctx.destroyPendingAt) > destroyGracePeriod ||
			!s.host.ThreadAlive(tid)
		if eligible {
			reclaim = append(reclaim, ctx)
			delete(s.contexts, tid)
		}
	}
	s.mu.Unlock()

	for _, ctx := range reclaim {
		if ctx.sink != nil {
			ctx.sink.Stop()
		}
		ctx.close()
	}
	return len(reclaim)
}
