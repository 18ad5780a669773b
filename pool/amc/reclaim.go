package amc

import (
	"context"

	"github.com/ravenbrook/mps-go/mps"
	"github.com/ravenbrook/mps-go/segment"
)

// Reclaim implements pool.CollectPool (spec.md §4.3 "Reclaim"). Every
// white segment is fully processed in a single call: a nailed segment
// is walked object by object, padding over everything that wasn't
// pinned and keeping the segment if anything survived; an unnailed
// segment has nothing left worth keeping (everything it held either
// forwarded elsewhere already or was garbage) and is freed back to its
// generation and the arena whenever segFreeable allows it: no buffer
// is attached, or the attached buffer has been tripped.
//
// A reclaimed segment always leaves white cleared, even when content
// survives via nailing: this pool never does a second, incremental
// Reclaim pass over the same segment, so trace.Machine's invariant
// that a still-white segment after Reclaim must carry a nailboard
// never needs to be exercised. One consequence is that trace.Machine's
// own Live/Reclaimed byte counters always attribute a survived-via-
// nailing segment's whole size to "reclaimed", since from the trace's
// point of view it is no longer white; the precise live/dead split for
// such a segment is tracked in the owning generation's own accounting
// fields instead.
func (p *Pool) Reclaim(ctx context.Context, id mps.TraceId, seg *segment.Segment) error {
	gn := p.generationOf(seg)

	if !seg.Nailed(mps.TraceSetSingle(id)) {
		seg.ClearWhite(id)
		if segFreeable(seg) {
			gn.RemoveSegment(seg)
			p.src.FreeSegment(seg)
		}
		return nil
	}

	if seg.AMC.Board == nil {
		// Nailed with no per-object board: this pool's Fix always creates
		// a board before nailing (see fix.go), so this path is never hit
		// in practice; kept as the conservative fallback spec.md §4.3
		// describes for a whole-segment nail: preserve everything.
		seg.ClearWhite(id)
		seg.ClearNailed(id)
		return nil
	}

	board := seg.AMC.Board
	used := seg.UsedLimit()
	anyPinned := false

	for obj := seg.Base; obj < used; {
		limit := p.format.Skip(obj)
		if board.Get(uintptr(obj)) {
			anyPinned = true
		} else {
			p.format.Pad(obj, limit.Sub(obj))
		}
		obj = limit
	}

	seg.AMC.Board = nil
	seg.ClearNailed(id)
	seg.ClearWhite(id)

	if !anyPinned && seg.Buffer == nil {
		gn.RemoveSegment(seg)
		p.src.FreeSegment(seg)
	}

	return nil
}

// segFreeable reports whether seg has no buffer that could still
// allocate into it: either nothing is attached, or what's attached
// was tripped by a flip and will Fill into a fresh segment on its
// next Reserve rather than resume here.
func segFreeable(seg *segment.Segment) bool {
	return seg.Buffer == nil || seg.Buffer.Tripped()
}
