package mps

import "fmt"

// MaxTraces bounds the number of traces that may be live in an arena
// at once. The Ravenbrook source hard-asserts this at 1; the data
// structures here admit several, so the assertion is lifted (see
// DESIGN.md, Open Question 2) and TraceSet is a genuine bitset rather
// than a single bit.
const MaxTraces = 4

// TraceId identifies one in-progress collection. Valid ids are in
// [0, MaxTraces).
type TraceId int

// TraceIdNone is not a valid trace id; it is returned by lookups that
// find nothing.
const TraceIdNone TraceId = -1

func (id TraceId) String() string {
	if id < 0 {
		return "TraceId(none)"
	}
	return fmt.Sprintf("TraceId(%d)", int(id))
}

// TraceSet is a small bitset of TraceIds.
type TraceSet uint

// TraceSetEmpty contains no traces.
const TraceSetEmpty TraceSet = 0

// TraceSetSingle returns a TraceSet containing only id.
func TraceSetSingle(id TraceId) TraceSet {
	return TraceSet(1) << uint(id)
}

// Add returns ts with id added.
func (ts TraceSet) Add(id TraceId) TraceSet {
	return ts | TraceSetSingle(id)
}

// Remove returns ts with id removed.
func (ts TraceSet) Remove(id TraceId) TraceSet {
	return ts &^ TraceSetSingle(id)
}

// Has reports whether id is a member of ts.
func (ts TraceSet) Has(id TraceId) bool {
	return ts&TraceSetSingle(id) != 0
}

// IsEmpty reports whether ts has no members.
func (ts TraceSet) IsEmpty() bool {
	return ts == TraceSetEmpty
}

// Union returns the union of ts and other.
func (ts TraceSet) Union(other TraceSet) TraceSet {
	return ts | other
}

// Intersect returns the intersection of ts and other.
func (ts TraceSet) Intersect(other TraceSet) TraceSet {
	return ts & other
}

// Diff returns ts with every member of other removed.
func (ts TraceSet) Diff(other TraceSet) TraceSet {
	return ts &^ other
}

// Each calls fn for every TraceId present in ts, in increasing order.
func (ts TraceSet) Each(fn func(TraceId)) {
	for i := TraceId(0); i < MaxTraces; i++ {
		if ts.Has(i) {
			fn(i)
		}
	}
}

// Rank classifies a reference by how strongly it preserves its
// referent. Ordered AMBIG < EXACT < WEAK < FINAL; lower ranks are
// scanned first within a trace (spec.md §4.4 tie-breaking).
type Rank int

const (
	// RankAMBIG references are conservative: the collector cannot tell
	// whether the bit pattern is really a reference, so the referent is
	// pinned (nailed) rather than moved.
	RankAMBIG Rank = iota
	// RankEXACT references are known-good pointers; their referents may
	// be evacuated and the slot updated.
	RankEXACT
	// RankWEAK references do not by themselves preserve their referent;
	// if nothing else preserves it, the slot is splatted (zeroed).
	RankWEAK
	// RankFINAL is used internally for finalization references.
	RankFINAL
)

func (r Rank) String() string {
	switch r {
	case RankAMBIG:
		return "AMBIG"
	case RankEXACT:
		return "EXACT"
	case RankWEAK:
		return "WEAK"
	case RankFINAL:
		return "FINAL"
	default:
		return fmt.Sprintf("Rank(%d)", int(r))
	}
}

// RankSet is a bitset of Ranks, used to describe which ranks of
// reference a pool or root may hold.
type RankSet uint

// Has reports whether r is a member of rs.
func (rs RankSet) Has(r Rank) bool {
	return rs&(RankSet(1)<<uint(r)) != 0
}

// RankSetOf builds a RankSet from the given ranks.
func RankSetOf(ranks ...Rank) RankSet {
	var rs RankSet
	for _, r := range ranks {
		rs |= RankSet(1) << uint(r)
	}
	return rs
}
