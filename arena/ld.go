package arena

import (
	"sync"

	"github.com/ravenbrook/mps-go/mps"
)

// LD is a location dependency: a client-held token that starts out
// fresh at LDReset and becomes stale once a trace moves something in
// a zone the client has added to it (spec.md §6 "Location
// dependency").
//
// LD carries its own mutex rather than sharing the arena's big lock,
// so that LDAdd/LDMerge/LDIsStale never block on a collection in
// progress (spec.md §5 "Lock-free paths": Go's sync/atomic has no
// convenient way to grow a history log without a CAS-retry loop more
// complex than this module's scope warrants, so a per-LD mutex is the
// practical equivalent, narrow enough that it is never held across a
// trace step).
type LD struct {
	mu     sync.Mutex
	epoch  uint64
	refset mps.RefSet
}

// ldMove records that a trace's flip moved objects possibly within
// moved, stamped with the arena epoch the move happened at.
type ldMove struct {
	epoch uint64
	moved mps.RefSet
}

// epochLog keeps the history AgeLD appends to and LDIsStale consults.
// Arena embeds one; its own mutex (not the big lock) protects it for
// the same reason LD has its own.
type epochLog struct {
	mu     sync.Mutex
	epoch  uint64
	moves  []ldMove
}

func (a *Arena) ensureEpochLog() *epochLog {
	if a.epochLogRef == nil {
		a.epochLogRef = &epochLog{}
	}
	return a.epochLogRef
}

// LDReset marks ld fresh as of the arena's current epoch, clearing its
// accumulated zone set.
func (a *Arena) LDReset(ld *LD) {
	el := a.ensureEpochLog()
	el.mu.Lock()
	epoch := el.epoch
	el.mu.Unlock()

	ld.mu.Lock()
	ld.epoch = epoch
	ld.refset = mps.RefSetEmpty
	ld.mu.Unlock()
}

// LDAdd records that the client depends on addr's zone not moving
// since the last LDReset.
func (a *Arena) LDAdd(ld *LD, addr mps.Ref) {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	ld.refset = ld.refset.Union(mps.RefSetOfAddr(addr, a.config.ZoneShift))
}

// LDMerge folds src's accumulated zone set into dst, used when a
// client merges two dependent computations.
func (a *Arena) LDMerge(dst, src *LD) {
	src.mu.Lock()
	srcSet := src.refset
	src.mu.Unlock()

	dst.mu.Lock()
	defer dst.mu.Unlock()
	dst.refset = dst.refset.Union(srcSet)
}

// LDIsStale reports whether ld may have gone stale: some trace moved
// an object in one of ld's zones since its last reset. A true result
// is definitive; a false result means no zone ld depends on moved,
// assuming addr's zone is itself among those ld was tracking (callers
// normally LDAdd(ld, addr) before depending on it).
func (a *Arena) LDIsStale(ld *LD, addr mps.Ref) bool {
	el := a.ensureEpochLog()

	ld.mu.Lock()
	ldEpoch := ld.epoch
	ldSet := ld.refset
	ld.mu.Unlock()

	el.mu.Lock()
	defer el.mu.Unlock()

	if ldEpoch >= el.epoch {
		return false
	}

	for _, m := range el.moves {
		if m.epoch > ldEpoch && m.moved.Intersects(ldSet) {
			return true
		}
	}
	return false
}

// LDIsStaleAny reports whether any trace has moved anything at all
// since ld's last reset, ignoring ld's own accumulated zone set: the
// coarsest, cheapest possible check.
func (a *Arena) LDIsStaleAny(ld *LD) bool {
	el := a.ensureEpochLog()

	ld.mu.Lock()
	ldEpoch := ld.epoch
	ld.mu.Unlock()

	el.mu.Lock()
	defer el.mu.Unlock()
	return ldEpoch < el.epoch
}

// AgeLD records that a flip may move objects in mayMove, bumping the
// arena epoch. Implements trace.Host; called from within Flip's
// suspend/resume bracket while the arena lock is held, but uses its
// own mutex rather than relying on that, matching LD's read side.
func (a *Arena) AgeLD(mayMove mps.RefSet) {
	el := a.ensureEpochLog()
	el.mu.Lock()
	defer el.mu.Unlock()

	el.epoch++
	el.moves = append(el.moves, ldMove{epoch: el.epoch, moved: mayMove})
}
