package amc

import (
	"context"

	"github.com/ravenbrook/mps-go/gen"
	"github.com/ravenbrook/mps-go/mps"
	"github.com/ravenbrook/mps-go/nailboard"
	"github.com/ravenbrook/mps-go/segment"
)

// Whiten implements pool.CollectPool (spec.md §4.3 "Whiten"). The
// caller (trace.Machine.Condemn) has already checked that seg's
// summary is a subset of the condemned refset; Whiten decides whether
// seg actually becomes white and does the pool-local bookkeeping that
// goes with condemning it.
func (p *Pool) Whiten(ctx context.Context, id mps.TraceId, seg *segment.Segment) error {
	if buf := seg.Buffer; buf != nil {
		allocAddr := buf.AllocAddr()
		if allocAddr == seg.Base {
			// The buffer owns the whole segment; nothing settled here yet
			// to condemn.
			return nil
		}
		ensureBoard(seg, p.format.Align)
		seg.AMC.Board.SetRange(uintptr(allocAddr), uintptr(seg.Limit))
	}

	gn := p.generationOf(seg)
	gn.PromoteToOld(seg)

	seg.AMC.Forwarded[id] = 0
	seg.SetWhite(id)

	p.updateRamp(gn)

	return nil
}

// ensureBoard creates seg's nailboard if it doesn't already have one,
// sized to cover the whole segment at the format's alignment.
func ensureBoard(seg *segment.Segment, align uintptr) {
	if seg.AMC.Board != nil {
		return
	}
	seg.AMC.Board = nailboard.New(uintptr(seg.Base), seg.Size(), align)
}

// updateRamp advances gn.Forward's ramp phase when it is waiting at a
// nesting-count boundary (spec.md §4.3 "Whiten": "BEGIN -> RAMPING
// retargets the forwarding buffer to self; FINISH -> COLLECTING
// retargets to the after-ramp generation"). The terminal generation in
// a chain already forwards to itself by construction
// (gen.NewChain), so for the common case of ramping the dynamic
// generation the "retarget to self" step is already satisfied
// structurally; this function only needs to move the phase marker
// along.
func (p *Pool) updateRamp(gn *gen.Generation) {
	target := gn.Forward
	switch target.Ramp().Phase {
	case gen.RampBegin:
		target.SetRampPhase(gen.RampRamping)
	case gen.RampFinish:
		target.SetRampPhase(gen.RampCollecting)
	}
}
