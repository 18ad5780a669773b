package amc

import "github.com/ravenbrook/mps-go/gen"

// RampBegin notes an entry into a ramp allocation pattern: a client
// hint that the mutator is about to do a lot of short-lived
// allocation (a hash-table rehash, a bulk load) and would rather defer
// newSize accounting than trigger a promotion early. Nested calls are
// counted; only the outermost RampBegin/RampFinish pair flips the
// pool's ramp generation between phases.
//
// While a ramp is open, Fill marks every nursery segment it creates as
// deferred, so its bytes do not inflate newSize until the ramp ends.
func (p *Pool) RampBegin() {
	p.mu.Lock()
	p.rampDepth++
	p.mu.Unlock()

	p.rampGeneration().BeginRamp()
}

// RampFinish notes an exit from a ramp allocation pattern. When the
// outermost ramp closes, it undefers every nursery segment still
// marked deferred so the bytes allocated during the ramp rejoin
// newSize immediately; the other way a deferred segment stops being
// deferred is a whiteness transition, handled by Whiten (via
// gen.Generation.PromoteToOld).
func (p *Pool) RampFinish() {
	p.mu.Lock()
	if p.rampDepth > 0 {
		p.rampDepth--
	}
	depth := p.rampDepth
	p.mu.Unlock()

	p.rampGeneration().FinishRamp()
	if depth > 0 {
		return
	}

	nursery := p.chain.Generations[0]
	for _, seg := range nursery.Segments() {
		nursery.UndeferSegment(seg)
	}
}

// ramping reports whether a ramp is currently open, consulted by Fill
// when deciding whether a freshly created nursery segment should start
// out deferred.
func (p *Pool) ramping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rampDepth > 0
}

// rampGeneration returns the generation whose RampState drives
// updateRamp: the nursery's forward target, i.e. the last ephemeral
// generation for the single-nursery chain this pool builds by
// default. See DESIGN.md for the multi-generation limitation this
// simplifies away.
func (p *Pool) rampGeneration() *gen.Generation {
	return p.chain.Generations[0].Forward
}
