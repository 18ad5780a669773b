package amc

import (
	"context"

	"github.com/ravenbrook/mps-go/scanstate"
	"github.com/ravenbrook/mps-go/segment"
)

// Scan implements pool.CollectPool (spec.md §4.3 "Scan"). A segment
// with a nailboard only has its nailed objects scanned, and the walk
// repeats until no new nails were set during the pass (emergency fix
// can nail an object mid-scan); a segment with no board has its whole
// used portion scanned in one call. Either way the buffer's
// uncommitted tail, [buffer init, buffer limit), is never
// reachable here because UsedLimit stops at the buffer's init pointer.
func (p *Pool) Scan(ctx context.Context, ss *scanstate.ScanState, seg *segment.Segment) error {
	used := seg.UsedLimit()

	if seg.AMC.Board == nil {
		return p.format.Scan(ss, seg.Base, used)
	}

	board := seg.AMC.Board
	for {
		board.ClearNewNails()

		for obj := seg.Base; obj < used; {
			limit := p.format.Skip(obj)
			if board.Get(uintptr(obj)) {
				if err := p.format.Scan(ss, obj, limit); err != nil {
					return err
				}
			}
			obj = limit
		}

		if !board.NewNails() {
			return nil
		}
	}
}
