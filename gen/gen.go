// Package gen implements the generation chain a mostly-copying pool
// evacuates objects through: an ordered sequence of generations, each
// with a forwarding buffer and capacity/mortality parameters, the
// terminal generation forwarding into itself (spec.md §3 "Generation",
// "Chain").
//
// Grounded on CompactOptions' small/medium/large block tiering
// (block/block_manager_compaction.go:17-23), generalized from a
// one-shot compaction policy into a standing generational promotion
// chain with live accounting.
package gen

import (
	"sync"

	"github.com/ravenbrook/mps-go/internal/logging"
	"github.com/ravenbrook/mps-go/mps"
	"github.com/ravenbrook/mps-go/segment"
)

var log = logging.Module("mps/gen")

// RampPhase is the ramp-mode state machine for a generation
// designated as the ramp target (spec.md §4.3 "Whiten").
type RampPhase int

const (
	RampOutside RampPhase = iota
	RampBegin
	RampRamping
	RampFinish
	RampCollecting
)

// RampState tracks ramp mode for one generation. Count is a nesting
// depth rather than a boolean: a ramp request issued while a previous
// ramp is still draining increments the count rather than re-entering
// (see DESIGN.md Open Question 4).
type RampState struct {
	Phase RampPhase
	Count int
}

// Params is the capacity/mortality configuration for one generation in
// a chain (spec.md §3 "Chain").
type Params struct {
	// Capacity is the generation's target size in bytes before objects
	// surviving a collection are promoted to the next generation.
	Capacity uintptr
	// Mortality is the expected fraction of a generation's bytes that
	// die each collection, used by the trace's rate computation
	// (spec.md §4.4 "Start").
	Mortality float64
}

// PoolGen is the per-generation accounting record (spec.md §3
// "Generation").
type PoolGen struct {
	TotalSize    uintptr
	FreeSize     uintptr
	NewSize      uintptr
	OldSize      uintptr
	BufferedSize uintptr
}

// Generation owns a forwarding buffer and the segments currently
// assigned to it.
type Generation struct {
	Index  int
	Params Params

	mu       sync.Mutex
	segments []*segment.Segment
	acct     PoolGen
	ramp     RampState

	// Forward is the generation this one forwards surviving objects
	// into. The terminal ("dynamic") generation in a chain forwards
	// into itself.
	Forward *Generation

	// ForwardBuffer is the forwarding buffer allocations from this
	// generation's evacuation target flow through; its Filler is the
	// owning pool.
	ForwardBuffer *segment.Buffer
}

// New creates a Generation. Forward and ForwardBuffer are normally set
// up by Chain.New once every generation in the chain exists.
func New(index int, params Params) *Generation {
	return &Generation{Index: index, Params: params}
}

// Acct returns a snapshot of the generation's accounting counters.
func (g *Generation) Acct() PoolGen {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.acct
}

// AddSegment records seg as belonging to this generation and adds its
// size to the appropriate accounting bucket depending on whether it is
// deferred (ramp mode / arrays, spec.md §4.3 "Invariants").
func (g *Generation) AddSegment(seg *segment.Segment) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.segments = append(g.segments, seg)
	size := seg.Size()
	g.acct.TotalSize += size

	switch {
	case seg.AMC.Deferred:
		// Deferred segments do not inflate NewSize until they stop being
		// deferred.
	case seg.AMC.Old:
		g.acct.OldSize += size
	default:
		g.acct.NewSize += size
	}
}

// RemoveSegment drops seg's accounting from this generation, e.g. once
// it has been freed back to the arena by reclaim.
func (g *Generation) RemoveSegment(seg *segment.Segment) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i, s := range g.segments {
		if s == seg {
			g.segments = append(g.segments[:i], g.segments[i+1:]...)
			break
		}
	}

	size := seg.Size()
	switch {
	case seg.AMC.Deferred:
		// Never inflated NewSize to begin with; nothing to unwind.
	case seg.AMC.AccountedAsBuffered:
		g.acct.BufferedSize -= size
	case seg.AMC.Old:
		g.acct.OldSize -= size
	default:
		g.acct.NewSize -= size
	}
}

// PromoteToOld moves seg's accounting from new/buffered to old, the
// first time it is condemned (spec.md §4.3 "Whiten":
// "Mark old (once); reassign size accounting from
// bufferedSize/newSize to oldSize").
func (g *Generation) PromoteToOld(seg *segment.Segment) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if seg.AMC.Old {
		return
	}

	size := seg.Size()
	switch {
	case seg.AMC.Deferred:
		// Never inflated NewSize or BufferedSize; the whiteness
		// transition is the other way a deferred segment stops being
		// deferred (spec.md §3 "Invariants").
		seg.AMC.Deferred = false
	case seg.AMC.AccountedAsBuffered:
		g.acct.BufferedSize -= size
	default:
		g.acct.NewSize -= size
	}
	g.acct.OldSize += size
	seg.AMC.Old = true
	seg.AMC.AccountedAsBuffered = false
}

// UndeferSegment clears seg's deferred bit and folds its size into
// NewSize, called when ramp mode ends or the segment stops being used
// for a deferred array (spec.md §4.3 "Invariants").
func (g *Generation) UndeferSegment(seg *segment.Segment) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !seg.AMC.Deferred {
		return
	}
	seg.AMC.Deferred = false
	g.acct.NewSize += seg.Size()
}

// Segments returns a snapshot slice of the generation's segments.
func (g *Generation) Segments() []*segment.Segment {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*segment.Segment, len(g.segments))
	copy(out, g.segments)
	return out
}

// Ramp returns the generation's current ramp state.
func (g *Generation) Ramp() RampState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ramp
}

// BeginRamp increments the ramp nesting count and, on the 0->1
// transition, moves the phase to RampBegin.
func (g *Generation) BeginRamp() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.ramp.Count++
	if g.ramp.Count == 1 {
		g.ramp.Phase = RampBegin
	}
}

// FinishRamp decrements the ramp nesting count and, on the 1->0
// transition, moves the phase to RampFinish (the trace's next whiten
// pass will observe RampFinish and move to RampCollecting, spec.md
// §4.3).
func (g *Generation) FinishRamp() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.ramp.Count == 0 {
		return
	}
	g.ramp.Count--
	if g.ramp.Count == 0 {
		g.ramp.Phase = RampFinish
	}
}

// SetRampPhase transitions the ramp phase directly; used by the pool's
// whiten pass to advance RampBegin->RampRamping and
// RampFinish->RampCollecting (spec.md §4.3).
func (g *Generation) SetRampPhase(p RampPhase) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ramp.Phase = p
}

// Chain is an ordered list of generations with per-generation capacity
// and mortality; the terminal generation is "dynamic" and forwards to
// itself.
type Chain struct {
	Generations []*Generation
}

// NewChain builds a Chain from params, wiring each generation's
// forward target to the next and the terminal generation to itself.
func NewChain(params []Params) *Chain {
	c := &Chain{}
	for i, p := range params {
		c.Generations = append(c.Generations, New(i, p))
	}
	for i, g := range c.Generations {
		if i+1 < len(c.Generations) {
			g.Forward = c.Generations[i+1]
		} else {
			g.Forward = g
		}
	}
	return c
}

// Dynamic returns the terminal (self-forwarding) generation.
func (c *Chain) Dynamic() *Generation {
	return c.Generations[len(c.Generations)-1]
}

// RefSetOfSeg re-exports segment.RefSetOfSegment under the name used
// throughout spec.md, for callers that only import gen.
func RefSetOfSeg(s *segment.Segment, shift uint) mps.RefSet {
	return segment.RefSetOfSegment(s, shift)
}
