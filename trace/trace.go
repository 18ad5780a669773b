// Package trace implements the collector's state machine: condemn a
// subset of managed regions, flip the mutator from grey to black, scan
// roots and grey regions through the fix protocol, reclaim white
// regions, and bound work per poll (spec.md §2 "Trace engine", §4.4
// "Trace state machine").
//
// Grounded on Manager.finishPackAndMaybeFlushIndexesLocked's
// "accumulate under the lock, then maybe do the expensive commit step"
// shape (block/block_manager.go:169-182), generalized into a proper
// multi-state machine with rate-limited stepping.
package trace

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ravenbrook/mps-go/internal/logging"
	"github.com/ravenbrook/mps-go/internal/mpsassert"
	"github.com/ravenbrook/mps-go/message"
	"github.com/ravenbrook/mps-go/mps"
	"github.com/ravenbrook/mps-go/pool"
	"github.com/ravenbrook/mps-go/scanstate"
	"github.com/ravenbrook/mps-go/segment"
)

var log = logging.Module("mps/trace")

// State is one of the five states spec.md §4.4 names.
type State int

const (
	StateInit State = iota
	StateUnflipped
	StateFlipped
	StateReclaim
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateUnflipped:
		return "UNFLIPPED"
	case StateFlipped:
		return "FLIPPED"
	case StateReclaim:
		return "RECLAIM"
	case StateFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// Root is a scannable root registered with the arena (spec.md §6
// "Roots"): an area, table, formatted range, or thread, each with a
// rank and a summary used to decide whether this trace needs to scan
// it at all.
type Root struct {
	Rank    mps.Rank
	Summary mps.RefSet
	Scan    func(ctx context.Context, ss *scanstate.ScanState) error
}

// Host is everything a Machine needs from its arena: the segment and
// root registries, the shield's suspend/resume bracket, read-barrier
// control, and the message queue. Arena implements this; trace does
// not import arena to avoid a cycle (spec.md §9 "Cyclic ownership").
type Host interface {
	scanstate.SegmentIndex

	Segments() []*segment.Segment
	PoolOf(seg *segment.Segment) pool.CollectPool
	Roots() []*Root

	// FlipBuffers tells every live buffer that trace id has flipped:
	// mutator buffers black-allocate from now on (spec.md §4.2, §4.4
	// "Flip").
	FlipBuffers(id mps.TraceId)

	// AgeLD ages every location dependency whose tracked zones
	// intersect mayMove (spec.md §4.4 "Flip").
	AgeLD(mayMove mps.RefSet)

	Suspend()
	Resume()

	// RaiseBarrier raises the read barrier on seg, called for every
	// segment grey for this trace but not yet protected for any
	// previously flipped trace (spec.md §3 invariant, §4.4 "Flip").
	RaiseBarrier(seg *segment.Segment)
	// LowerBarrier clears the read barrier on seg. Machine itself never
	// calls it; a segment's barrier stays raised after reclaim until
	// the host lowers it.
	LowerBarrier(seg *segment.Segment)

	Messages() *message.Queue

	// Now returns the host's clock, overridable in tests.
	Now() time.Time
}

// rankOf returns the lowest rank a segment's RankSet admits, used to
// order grey segments for scanning (spec.md §4.4 "Tie-breaking": lower
// rank wins).
func rankOf(rs mps.RankSet) mps.Rank {
	for r := mps.RankAMBIG; r <= mps.RankFINAL; r++ {
		if rs.Has(r) {
			return r
		}
	}
	return mps.RankEXACT
}

// Machine is one trace: the state machine plus the accumulators the
// fix protocol and the rate-limited Poll loop need.
type Machine struct {
	id     mps.TraceId
	diagID string
	host   Host
	state  State

	white   mps.RefSet
	mayMove mps.RefSet

	condemned uintptr
	reclaimed uintptr
	live      uintptr

	foundation uintptr
	rate       uintptr
	workClock  uintptr

	emergency bool
	reason    string

	greyRoots []*Root
}

// Create allocates a trace inside a host Suspend/Resume bracket that
// covers only the construction of the Machine; the later whitening in
// Condemn runs outside any suspension (spec.md §4.4
// "Create"). Callers (normally the arena) are responsible for picking
// a free TraceId; Create itself does no slot bookkeeping beyond
// recording the id it was given.
func Create(host Host, id mps.TraceId, reason string) *Machine {
	host.Suspend()
	defer host.Resume()

	m := &Machine{id: id, diagID: uuid.NewString(), host: host, state: StateInit, reason: reason}
	return m
}

// ID returns the trace's id.
func (m *Machine) ID() mps.TraceId { return m.id }

// DiagID returns the trace's stable diagnostic identifier, used in log
// lines alongside its small reusable TraceId: a uuid, since TraceIds
// are reused across traces and make poor log correlation keys on their
// own.
func (m *Machine) DiagID() string { return m.diagID }

// State returns the trace's current state.
func (m *Machine) State() State { return m.state }

// White returns the trace's condemned zone summary.
func (m *Machine) White() mps.RefSet { return m.white }

// Emergency reports whether this trace has switched to the
// never-allocating emergency fix path.
func (m *Machine) Emergency() bool { return m.emergency }

// Condemned returns the cumulative size of segments this trace has
// condemned, for diagnostics (e.g. metrics.Collector).
func (m *Machine) Condemned() uintptr { return m.condemned }

// Live returns the cumulative size this trace has attributed to
// surviving (non-reclaimed) segments so far, for diagnostics.
func (m *Machine) Live() uintptr { return m.live }

// Condemn walks every segment and, for those whose RefSetOfSeg is a
// subset of refset and whose pool is collectable, calls the pool's
// whiten method, accumulating condemned size (spec.md §4.4 "Condemn").
func (m *Machine) Condemn(ctx context.Context, refset mps.RefSet) error {
	mpsassert.Require(m.state == StateInit, "trace: Condemn called in state %v", m.state)

	shift := m.host.ZoneShift()

	for _, seg := range m.host.Segments() {
		p := m.host.PoolOf(seg)
		if p == nil || !p.Attrs().Has(pool.AttrGC) {
			continue
		}

		segSummary := segment.RefSetOfSegment(seg, shift)
		if !segSummary.IsSubset(refset) {
			continue
		}

		if err := p.Whiten(ctx, m.id, seg); err != nil {
			return errors.Wrapf(err, "trace: whiten segment %v", seg.Base)
		}

		if seg.WhiteSet().Has(m.id) {
			m.white = m.white.Union(segSummary)
			if p.Attrs().Has(pool.AttrMovingGC) {
				m.mayMove = m.mayMove.Union(segSummary)
			}
			m.condemned += seg.Size()
		}
	}

	m.state = StateUnflipped
	return nil
}

// Start computes the initial grey set from the already-computed white
// set and a scan rate derived from a real-time finishing budget
// (spec.md §4.4 "Start").
func (m *Machine) Start(ctx context.Context, pollsRemaining int, expectedSurvival float64) error {
	mpsassert.Require(m.state == StateUnflipped, "trace: Start called in state %v", m.state)

	shift := m.host.ZoneShift()

	for _, seg := range m.host.Segments() {
		// A segment already white for this trace cannot also be greyed
		// (spec.md §8 universal invariant: white and grey are disjoint per
		// trace). Its contents are only discovered live by Fix evacuating
		// references into it from some other grey segment or root; a
		// condemned segment with nothing pointing at it is simply
		// reclaimed unscanned.
		if seg.WhiteSet().Has(m.id) {
			continue
		}
		segSummary := segment.RefSetOfSegment(seg, shift)
		if segSummary.Intersects(m.white) {
			seg.SetGrey(m.id)
		}
	}

	for _, r := range m.host.Roots() {
		if r.Summary.Intersects(m.white) {
			m.greyRoots = append(m.greyRoots, r)
		}
	}

	m.foundation = m.condemned
	survivors := uintptr(float64(m.condemned) * expectedSurvival)
	if pollsRemaining < 1 {
		pollsRemaining = 1
	}
	m.rate = (m.foundation + survivors) / uintptr(pollsRemaining)
	if m.rate == 0 {
		m.rate = 1
	}

	m.host.Messages().Post(message.Message{
		Kind:        message.KindGCStart,
		StartReason: m.reason,
	})

	return nil
}

// Flip performs the UNFLIPPED->FLIPPED transition under the shield's
// suspend/resume bracket: flips every buffer, ages location
// dependencies, scans every grey root, and raises the read barrier on
// every newly-grey segment (spec.md §4.4 "Flip").
func (m *Machine) Flip(ctx context.Context) error {
	mpsassert.Require(m.state == StateUnflipped, "trace: Flip called in state %v", m.state)

	m.host.Suspend()
	defer m.host.Resume()

	m.host.FlipBuffers(m.id)

	if !m.mayMove.IsEmpty() {
		m.host.AgeLD(m.mayMove)
	}

	roots := m.greyRoots
	m.greyRoots = nil
	for _, r := range roots {
		ss := scanstate.New(mps.TraceSetSingle(m.id), m.white, r.Rank, m.host, poolFixerAdapter{m})
		if err := r.Scan(ctx, ss); err != nil {
			return errors.Wrap(err, "trace: root scan")
		}
		m.foldScanResult(ss)
	}

	for _, seg := range m.host.Segments() {
		if seg.Grey(mps.TraceSetSingle(m.id)) {
			m.host.RaiseBarrier(seg)
		}
	}

	m.state = StateFlipped
	return nil
}

// poolFixerAdapter implements scanstate.PoolFixer by delegating to the
// segment's own pool, looked up via the trace's host.
type poolFixerAdapter struct{ m *Machine }

func (a poolFixerAdapter) Fix(ss *scanstate.ScanState, seg *segment.Segment, slot *mps.Ref) error {
	p := a.m.host.PoolOf(seg)
	mpsassert.Require(p != nil, "trace: segment %v has no owning pool", seg.Base)
	return p.Fix(ss, seg, slot)
}

func (m *Machine) foldScanResult(ss *scanstate.ScanState) {
	// Nothing beyond what ScanState itself tracks is needed at the
	// trace level today; this hook exists so a future per-trace summary
	// rollup has one call site to extend.
}

// greySegments returns every segment grey for this trace, ordered by
// ascending rank (spec.md §4.4 "Tie-breaking").
func (m *Machine) greySegments() []*segment.Segment {
	ts := mps.TraceSetSingle(m.id)
	var out []*segment.Segment
	for _, seg := range m.host.Segments() {
		if seg.Grey(ts) {
			out = append(out, seg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return rankOf(out[i].RankSet) < rankOf(out[j].RankSet)
	})
	return out
}

// Run finds one grey segment of minimum rank and scans it. If no grey
// segment remains, it advances the trace to RECLAIM (spec.md §4.4
// "Run").
func (m *Machine) Run(ctx context.Context) error {
	mpsassert.Require(m.state == StateFlipped, "trace: Run called in state %v", m.state)

	segs := m.greySegments()
	if len(segs) == 0 {
		m.state = StateReclaim
		return nil
	}

	seg := segs[0]
	p := m.host.PoolOf(seg)
	mpsassert.Require(p != nil, "trace: grey segment %v has no owning pool", seg.Base)

	ss := scanstate.New(mps.TraceSetSingle(m.id), m.white, rankOf(seg.RankSet), m.host, poolFixerAdapter{m})
	ss.Emergency = m.emergency

	size := seg.Size()
	if err := p.Scan(ctx, ss, seg); err != nil {
		return errors.Wrapf(err, "trace: scan segment %v", seg.Base)
	}
	m.foldScanResult(ss)

	seg.ClearGrey(m.id)
	m.workClock += size

	return nil
}

// whiteSegments returns every segment still white for this trace.
func (m *Machine) whiteSegments() []*segment.Segment {
	ts := mps.TraceSetSingle(m.id)
	var out []*segment.Segment
	for _, seg := range m.host.Segments() {
		if seg.White(ts) {
			out = append(out, seg)
		}
	}
	return out
}

// Reclaim processes one white segment, freeing or compacting it via
// its pool (spec.md §4.4 "Reclaim"). Once no white segment remains the
// trace moves to FINISHED and posts a gc-end message.
func (m *Machine) Reclaim(ctx context.Context) error {
	mpsassert.Require(m.state == StateReclaim, "trace: Reclaim called in state %v", m.state)

	segs := m.whiteSegments()
	if len(segs) == 0 {
		m.state = StateFinished
		m.host.Messages().Post(message.Message{
			Kind:      message.KindGCEnd,
			Condemned: m.condemned,
			Live:      m.live,
		})
		return nil
	}

	seg := segs[0]
	p := m.host.PoolOf(seg)
	mpsassert.Require(p != nil, "trace: white segment %v has no owning pool", seg.Base)

	sizeBefore := seg.Size()
	if err := p.Reclaim(ctx, m.id, seg); err != nil {
		return errors.Wrapf(err, "trace: reclaim segment %v", seg.Base)
	}

	mpsassert.Require(!seg.WhiteSet().Has(m.id) || seg.AMC.Board != nil,
		"trace: reclaim left segment %v white for %v with no nailboard", seg.Base, m.id)

	if !seg.WhiteSet().Has(m.id) {
		m.reclaimed += sizeBefore
	} else {
		// Segment survived (nailed contents kept in place); its live
		// bytes are whatever remains minus reclaimed padding, approximated
		// here as the whole segment since partial accounting happens in
		// the pool.
		m.live += sizeBefore
	}

	return nil
}

// Step performs one bounded unit of work appropriate to the trace's
// current state (one segment scan in FLIPPED, one segment reclaim in
// RECLAIM) and returns true once the trace reaches FINISHED.
func (m *Machine) Step(ctx context.Context) (finished bool, err error) {
	switch m.state {
	case StateFlipped:
		if err := m.Run(ctx); err != nil {
			return false, err
		}
	case StateReclaim:
		if err := m.Reclaim(ctx); err != nil {
			return false, err
		}
	case StateFinished:
		return true, nil
	default:
		mpsassert.Unreachable("trace: Step called in state %v", m.state)
	}
	return m.state == StateFinished, nil
}

// Poll runs Step until either the trace reaches FINISHED or its
// workClock has advanced by at least rate since entry (spec.md §4.4
// "Poll"). On a Step failure it calls Expedite, which must not itself
// fail because emergency fix never allocates.
func (m *Machine) Poll(ctx context.Context) (finished bool, err error) {
	if m.state == StateFinished {
		return true, nil
	}

	entry := m.workClock
	for {
		done, stepErr := m.Step(ctx)
		if stepErr != nil {
			log(ctx).Warnf("trace %v (%s): step failed (%v), expediting under emergency", m.id, m.diagID, stepErr)
			return m.Expedite(ctx)
		}
		if done {
			return true, nil
		}
		if m.workClock >= entry+m.rate {
			return false, nil
		}
	}
}

// Expedite sets trace.emergency and steps repeatedly until FINISHED;
// this must not fail because emergency fix never allocates (spec.md
// §4.4 "Poll", §7.2).
func (m *Machine) Expedite(ctx context.Context) (finished bool, err error) {
	m.emergency = true
	for m.state != StateFinished {
		done, stepErr := m.Step(ctx)
		if stepErr != nil {
			return false, errors.Wrap(stepErr, "trace: expedite step failed despite emergency fix")
		}
		if done {
			break
		}
	}
	return true, nil
}
