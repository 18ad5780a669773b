// Package segment implements the generic segment and the attached
// allocation point (buffer), plus the small set of fields the
// mostly-copying pool (package pool/amc) needs to extend a segment
// with generational and nailing state (spec.md §2, "Segment (generic
// + AMC)", §3, §4.2, §4.3).
//
// Segment and Buffer are defined in one package because a buffer is
// always attached to at most one segment and the two types reference
// each other; splitting them would only add an import-cycle workaround
// for no benefit.
package segment

import (
	"sync"

	"github.com/google/uuid"

	"github.com/ravenbrook/mps-go/internal/mpsassert"
	"github.com/ravenbrook/mps-go/mps"
	"github.com/ravenbrook/mps-go/nailboard"
)

// Owner is the minimal view of a pool a segment needs to report who it
// belongs to; pool.Pool implementations satisfy this structurally,
// which keeps this package from importing pool (pool imports segment,
// not the other way around).
type Owner interface {
	PoolName() string
}

// AMCData holds the fields only the mostly-copying pool populates.
// They live on every Segment (rather than behind a pointer to a
// pool/amc-specific type) so the generic segment and its AMC
// specialization stay in one component as spec.md §2 groups them,
// without pool/amc needing to maintain a side table keyed by segment.
type AMCData struct {
	// GenIndex is the index of this segment's generation within its
	// pool's chain, or -1 if the segment does not belong to an AMC pool.
	GenIndex int

	// Board refines this segment's nailing to per-object granularity.
	// Nil means the segment is either not nailed at all, or nailed as a
	// whole (no board was needed/affordable).
	Board *nailboard.Board

	// Forwarded counts, per trace, how many bytes this segment's
	// contents have forwarded into generation k+1 so far this trace
	// (spec.md §4.3 "Fix" step 5).
	Forwarded map[mps.TraceId]uintptr

	// AccountedAsBuffered is true while this segment's bytes are still
	// counted in the generation's bufferedSize rather than newSize or
	// oldSize.
	AccountedAsBuffered bool

	// Old is true once this segment has survived at least one
	// collection; its bytes are accounted as oldSize rather than
	// newSize until reclaim (spec.md §4.3 "Invariants").
	Old bool

	// Deferred is true for segments created during ramp mode or for
	// hash-table arrays: their size does not inflate newSize until they
	// cease to be deferred.
	Deferred bool

	// Large is true for segments created to satisfy a single large
	// object allocation (spec.md §4.3 "Large objects"); reclaim never
	// attempts a partial-nailed walk over a large segment.
	Large bool
}

// Segment is a contiguous, aligned range of managed address space
// owned by exactly one pool.
type Segment struct {
	Base, Limit mps.Ref

	// RankSet is the set of ranks this segment may hold (spec.md §3).
	RankSet mps.RankSet

	// Summary is the RefSet of references this segment's contents may
	// hold (spec.md §3 invariant: RefSetOfSeg(seg) covers every zone any
	// address in the segment maps to).
	Summary mps.RefSet

	// Pool identifies the owning pool for diagnostics and dispatch.
	Pool Owner

	// DiagID is a stable, human-legible identifier for log lines and
	// diagnostics, since segments have no content-derived name of their
	// own.
	DiagID string

	// Buffer is the allocation point currently attached to this
	// segment, or nil.
	Buffer *Buffer

	// Protected is true while the read barrier is raised on this
	// segment (spec.md §3 invariant on flippedTraces).
	Protected bool

	AMC AMCData

	mu     sync.Mutex
	white  mps.TraceSet
	grey   mps.TraceSet
	nailed mps.TraceSet
}

// New creates a Segment covering [base, limit) with no colour set for
// any trace.
func New(base, limit mps.Ref, rankSet mps.RankSet, owner Owner) *Segment {
	mpsassert.Require(limit > base, "segment: limit %v must exceed base %v", limit, base)

	return &Segment{
		Base:    base,
		Limit:   limit,
		RankSet: rankSet,
		Pool:    owner,
		DiagID:  uuid.NewString(),
		AMC:     AMCData{GenIndex: -1, Forwarded: map[mps.TraceId]uintptr{}},
	}
}

// Size returns the segment's length in bytes.
func (s *Segment) Size() uintptr {
	return s.Limit.Sub(s.Base)
}

// Contains reports whether addr falls within the segment.
func (s *Segment) Contains(addr mps.Ref) bool {
	return addr >= s.Base && addr < s.Limit
}

// White reports whether the segment is white for any trace in ts.
func (s *Segment) White(ts mps.TraceSet) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.white.Intersect(ts) != mps.TraceSetEmpty
}

// WhiteSet returns the full set of traces for which this segment is
// white.
func (s *Segment) WhiteSet() mps.TraceSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.white
}

// SetWhite adds id to the segment's white set.
func (s *Segment) SetWhite(id mps.TraceId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.white = s.white.Add(id)
}

// ClearWhite removes id from the segment's white set. Called by
// reclaim once a white segment has been fully processed (spec.md §3
// invariant: after Reclaim(trace), no segment carries trace in white).
func (s *Segment) ClearWhite(id mps.TraceId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.white = s.white.Remove(id)
}

// Grey reports whether the segment is grey for any trace in ts.
func (s *Segment) Grey(ts mps.TraceSet) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grey.Intersect(ts) != mps.TraceSetEmpty
}

// GreySet returns the full set of traces for which this segment is
// grey.
func (s *Segment) GreySet() mps.TraceSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grey
}

// SetGrey adds id to the segment's grey set. A segment must not be
// both white and grey for the same trace (spec.md §8 universal
// invariant); SetGrey panics if that invariant would be violated.
func (s *Segment) SetGrey(id mps.TraceId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mpsassert.Require(!s.white.Has(id), "segment: cannot grey segment %v already white for %v", s.Base, id)
	s.grey = s.grey.Add(id)
}

// ClearGrey removes id from the segment's grey set, e.g. once the
// segment has been fully scanned.
func (s *Segment) ClearGrey(id mps.TraceId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grey = s.grey.Remove(id)
}

// Blacken moves id from grey to neither (black is the absence of grey
// or white for a trace still in progress).
func (s *Segment) Blacken(id mps.TraceId) {
	s.ClearGrey(id)
}

// Nailed reports whether the segment is nailed (conservatively pinned)
// for any trace in ts.
func (s *Segment) Nailed(ts mps.TraceSet) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nailed.Intersect(ts) != mps.TraceSetEmpty
}

// SetNailed adds id to the segment's nailed set.
func (s *Segment) SetNailed(id mps.TraceId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nailed = s.nailed.Add(id)
}

// ClearNailed removes id from the segment's nailed set, e.g. once the
// nailboard for that trace has been destroyed.
func (s *Segment) ClearNailed(id mps.TraceId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nailed = s.nailed.Remove(id)
}

// RefSetOfSegment returns the RefSet that covers every zone any
// address in the segment maps to, under the given zone shift. This is
// RefSetOfSeg from spec.md §3/§8.
func RefSetOfSegment(s *Segment, shift uint) mps.RefSet {
	return mps.RefSetOfRange(s.Base, s.Limit, shift)
}

// UsedLimit returns the address immediately after the segment's
// used (initialised) portion: the attached buffer's init pointer if a
// buffer is attached, else the segment's limit.
func (s *Segment) UsedLimit() mps.Ref {
	if s.Buffer != nil {
		return s.Buffer.InitAddr()
	}
	return s.Limit
}
