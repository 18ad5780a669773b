package arena

import (
	"github.com/ravenbrook/mps-go/internal/mpsassert"
	"github.com/ravenbrook/mps-go/segment"
)

// Expose and Cover bracket raw access to a segment's memory from
// outside the collector (spec.md §4.5 "shield primitives"). Expose
// nests: a segment exposed twice needs covering twice before its
// protection (if any) is restored.
func (a *Arena) Expose(seg *segment.Segment) {
	a.Enter()
	defer a.Leave()
	a.exposed[seg]++
}

// Cover reverses one Expose on seg.
func (a *Arena) Cover(seg *segment.Segment) {
	a.Enter()
	defer a.Leave()

	mpsassert.Require(a.exposed[seg] > 0, "arena: Cover without matching Expose on segment %v", seg.Base)
	a.exposed[seg]--
	if a.exposed[seg] == 0 {
		delete(a.exposed, seg)
	}
}

// Raise sets the read barrier on seg (spec.md §4.5 "Raise/Lower set
// per-access-kind protection"), taking the lock itself; RaiseBarrier
// below is the trace.Host variant for callers already holding it.
func (a *Arena) Raise(seg *segment.Segment) {
	a.Enter()
	defer a.Leave()
	a.raiseLocked(seg)
}

func (a *Arena) raiseLocked(seg *segment.Segment) {
	a.protected[seg] = true
	seg.Protected = true
}

// RaiseBarrier implements trace.Host; assumes the lock is already
// held, since trace.Machine.Flip calls it from inside its own
// suspend/resume bracket while the arena's Enter is held by the
// caller driving the trace.
func (a *Arena) RaiseBarrier(seg *segment.Segment) {
	a.assertLocked()
	a.raiseLocked(seg)
}

// Lower clears the read barrier on seg.
func (a *Arena) Lower(seg *segment.Segment) {
	a.Enter()
	defer a.Leave()
	a.lowerLocked(seg)
}

func (a *Arena) lowerLocked(seg *segment.Segment) {
	delete(a.protected, seg)
	seg.Protected = false
}

// LowerBarrier implements trace.Host.
func (a *Arena) LowerBarrier(seg *segment.Segment) {
	a.assertLocked()
	a.lowerLocked(seg)
}

// Suspend gates a flip: no mutator thread may observe partly-flipped
// state while suspended (spec.md §5 "Suspension points"). This
// package has no real OS threads to suspend; Suspend instead records
// that the arena is in a suspended window so assertions and tests can
// verify brackets are balanced. Implements trace.Host.
func (a *Arena) Suspend() {
	a.assertLocked()
	mpsassert.Require(!a.suspended, "arena: Suspend called while already suspended")
	a.suspended = true
}

// Resume ends the suspended window started by Suspend. Implements
// trace.Host.
func (a *Arena) Resume() {
	a.assertLocked()
	mpsassert.Require(a.suspended, "arena: Resume called without a matching Suspend")
	a.suspended = false
}

// Suspended reports whether the arena is currently inside a
// Suspend/Resume bracket.
func (a *Arena) Suspended() bool {
	a.Enter()
	defer a.Leave()
	return a.suspended
}
