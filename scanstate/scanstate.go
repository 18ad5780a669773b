// Package scanstate implements the per-scan accumulator and the fix
// protocol, the kernel operation of the whole collector (spec.md §2
// "Scan state", §4.1 "Scan state and the fix protocol").
package scanstate

import (
	"github.com/ravenbrook/mps-go/internal/logging"
	"github.com/ravenbrook/mps-go/internal/mpsassert"
	"github.com/ravenbrook/mps-go/mps"
	"github.com/ravenbrook/mps-go/segment"
)

var log = logging.Module("mps/scanstate")

// SegmentIndex locates the segment, if any, that owns a given address,
// and reports the zone shift used to build RefSets. Implemented by the
// arena, which owns the authoritative segment registry; scanstate
// depends only on this interface to avoid importing arena (arena
// imports scanstate's sibling packages, not the reverse).
type SegmentIndex interface {
	SegmentFor(addr mps.Ref) (*segment.Segment, bool)
	ZoneShift() uint

	// ReservedButUnmanaged reports whether addr lies in address space
	// the arena has reserved but which is not (or no longer) owned by
	// any segment. Used only for the conservative-scan safety assertion
	// in Fix step 2 (spec.md §4.1).
	ReservedButUnmanaged(addr mps.Ref) bool
}

// PoolFixer is the pool-dispatch half of Fix: once Fix has determined
// a slot refers into a segment that is white for some trace in the
// scan, it calls Fix on that segment's pool (spec.md §4.1 step 4,
// §4.3 "Fix"). pool.CollectPool implementations satisfy this
// structurally.
type PoolFixer interface {
	Fix(ss *ScanState, seg *segment.Segment, slot *mps.Ref) error
}

// ScanState is the per-scan accumulator threaded through one call to
// scan a root or a segment: which traces are being served, the rank of
// the references being scanned, a fast white-zone approximation, and
// the unfixed/fixed summaries and counters spec.md §3 invariants refer
// to.
type ScanState struct {
	Traces mps.TraceSet
	Rank   mps.Rank

	// White is the union of every being-served trace's white RefSet,
	// the fast filter inlined ahead of the full Fix dispatch (spec.md
	// §4.1 "A fast filter precedes the full fix").
	White mps.RefSet

	FixedSummary   mps.RefSet
	UnfixedSummary mps.RefSet

	FixCount uint64

	// Emergency is true once any trace being served has exhausted
	// commit and switched to the never-allocating emergency fix path
	// (spec.md §4.1 "Emergency fix", §7.2).
	Emergency bool

	index SegmentIndex
	fixer PoolFixer
}

// New creates a ScanState for the given traces, to be used for exactly
// one scan (of one root or one segment); callers construct a fresh
// ScanState per scan. Its FixedSummary/UnfixedSummary are not folded
// into any per-segment or per-root summary afterwards.
func New(traces mps.TraceSet, white mps.RefSet, rank mps.Rank, index SegmentIndex, fixer PoolFixer) *ScanState {
	return &ScanState{
		Traces: traces,
		Rank:   rank,
		White:  white,
		index:  index,
		fixer:  fixer,
	}
}

// Summary returns the scan state's combined reference summary, which
// must equal fixedSummary ∪ (unfixedSummary \ white) per spec.md §3/§8.
func (ss *ScanState) Summary() mps.RefSet {
	return ss.FixedSummary.Union(ss.UnfixedSummary.Diff(ss.White))
}

// NoteUnfixed records that a reference with the given zone summary was
// observed in the scanned range but not (yet) individually fixed
// (e.g. it fell outside the white set already accumulated by the fast
// filter, or scanning ended before reaching it because the zone filter
// rejected it up front). No root or segment scan loop in this module
// calls it, so UnfixedSummary only changes when a client does.
func (ss *ScanState) NoteUnfixed(addr mps.Ref) {
	ss.UnfixedSummary = ss.UnfixedSummary.AddZone(mpsZone(ss, addr))
}

func mpsZone(ss *ScanState, addr mps.Ref) uint {
	return mps.ZoneOf(addr, ss.index.ZoneShift())
}

// FastFilter reports whether addr's zone is present in ss.White. A scan
// loop may call this ahead of Fix as a pure speed optimisation (spec.md
// §4.1; no scan loop in this module does): when it returns false, the
// caller may skip calling Fix
// entirely, since Fix would do no more than add the zone to
// FixedSummary (a no-op we can fold into NoteUnfixed directly).
func (ss *ScanState) FastFilter(addr mps.Ref) bool {
	return ss.White.Contains(addr, ss.index.ZoneShift())
}

// Fix is the kernel operation (spec.md §4.1). Given a mutable
// reference slot, it either does nothing (slot's segment is not white
// for this scan), snaps the slot out to a forwarding address, nails
// the referent in place, or evacuates it, depending on what the
// owning pool's Fix decides.
//
// Fix satisfies format.ScanContext, so a client Scan callback can call
// ss.Fix(slot) directly for every candidate reference it finds.
func (ss *ScanState) Fix(slot *mps.Ref) error {
	ss.FixCount++

	addr := *slot
	if addr.IsZero() {
		return nil
	}

	seg, ok := ss.index.SegmentFor(addr)
	if !ok {
		mpsassert.Require(ss.Rank != mps.RankEXACT || !ss.index.ReservedButUnmanaged(addr),
			"scanstate: EXACT reference %v into reserved-but-unmanaged address space", addr)
		return nil
	}

	if !seg.White(ss.Traces) {
		ss.FixedSummary = ss.FixedSummary.AddZone(mpsZone(ss, addr))
		return nil
	}

	if ss.fixer == nil {
		mpsassert.Unreachable("scanstate: white segment %v has no pool fixer wired", seg.Base)
	}

	return ss.fixer.Fix(ss, seg, slot)
}

// EmergencyFix is the variant selected when any active trace being
// served has exhausted commit (spec.md §4.1 "Emergency fix", §7.2).
// It behaves exactly like Fix except that ss.Emergency is forced true
// for the duration of the call, which the pool's Fix implementation
// must consult to avoid ever allocating (it may only nail and
// snap-out already-forwarded pointers).
func (ss *ScanState) EmergencyFix(slot *mps.Ref) error {
	prev := ss.Emergency
	ss.Emergency = true
	defer func() { ss.Emergency = prev }()
	return ss.Fix(slot)
}
