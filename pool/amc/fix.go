package amc

import (
	"context"

	"github.com/ravenbrook/mps-go/mps"
	"github.com/ravenbrook/mps-go/scanstate"
	"github.com/ravenbrook/mps-go/segment"
)

// Fix implements scanstate.PoolFixer (spec.md §4.3 "Fix"). It runs the
// five-step algorithm: nail ambiguous references in place; snap out
// references already forwarded by some earlier fix this trace; leave
// already-pinned objects alone; splat weak references that never got
// preserved another way; and otherwise evacuate the referent into the
// segment's generation's forwarding target.
//
// scanstate.PoolFixer carries no context.Context: Fix sits on the
// fast per-reference path and never does anything that blocks on
// external I/O in this in-memory model, so context.Background() is
// the right ctx to hand to Reserve/Fill underneath.
func (p *Pool) Fix(ss *scanstate.ScanState, seg *segment.Segment, slot *mps.Ref) error {
	addr := *slot

	if ss.Rank == mps.RankAMBIG {
		base := p.objectBase(seg, addr)
		ensureBoard(seg, p.format.Align)
		seg.AMC.Board.Set(uintptr(base))
		ss.Traces.Each(seg.SetNailed)
		return nil
	}

	if newAddr, ok := p.format.IsFwd(addr); ok {
		*slot = newAddr
		return nil
	}

	if seg.AMC.Board != nil && seg.AMC.Board.Get(uintptr(addr)) {
		ss.Traces.Each(seg.SetNailed)
		return nil
	}

	if ss.Rank == mps.RankWEAK {
		*slot = 0
		return nil
	}

	if ss.Emergency {
		// Never allocate under emergency fix: pin the referent instead of
		// evacuating it (spec.md §4.1 "Emergency fix", §7.2).
		ensureBoard(seg, p.format.Align)
		seg.AMC.Board.Set(uintptr(addr))
		ss.Traces.Each(seg.SetNailed)
		return nil
	}

	return p.evacuate(ss, seg, slot, addr)
}

// objectBase resolves an ambiguous reference to the base of the
// object it falls within. Pools created without Args.Interior treat
// every ambiguous reference as already pointing at an object base
// (the common case for conservative root scanning of aligned
// pointer-sized slots); Interior pools pay for a linear walk from the
// segment's start to find the enclosing object.
func (p *Pool) objectBase(seg *segment.Segment, addr mps.Ref) mps.Ref {
	if !p.interior {
		return addr
	}
	for obj := seg.Base; obj < seg.UsedLimit(); {
		limit := p.format.Skip(obj)
		if addr >= obj && addr < limit {
			return obj
		}
		obj = limit
	}
	return addr
}

// evacuate copies the object at addr into its generation's forward
// target, installs a broken heart at the old location, and updates
// slot to the new address (spec.md §4.3 "Fix" step 5).
func (p *Pool) evacuate(ss *scanstate.ScanState, seg *segment.Segment, slot *mps.Ref, addr mps.Ref) error {
	ctx := context.Background()

	gn := p.generationOf(seg)
	target := gn.Forward
	length := p.format.Skip(addr).Sub(addr)

	fb := p.forwardingBuffer(target)
	newAddr, err := fb.Reserve(ctx, length)
	if err != nil {
		return err
	}

	dest := fb.Segment()
	dest.Summary = dest.Summary.Union(seg.Summary)

	if !fb.Commit(newAddr, length) {
		// The forwarding buffer tripped between Reserve and Commit (a
		// flip raced us). newAddr is abandoned uninitialised and will be
		// padded over by the next Fill; addr is left unforwarded so a
		// later fix of the same slot evacuates it again from the top.
		return nil
	}

	p.format.Fwd(addr, newAddr)
	*slot = newAddr

	ss.Traces.Each(func(id mps.TraceId) {
		seg.AMC.Forwarded[id] += length
		if !dest.WhiteSet().Has(id) {
			dest.SetGrey(id)
		}
	})

	return nil
}
