package arena

import (
	"context"

	"github.com/pkg/errors"

	"github.com/ravenbrook/mps-go/internal/mpsassert"
	"github.com/ravenbrook/mps-go/mps"
	"github.com/ravenbrook/mps-go/trace"
)

// allocTraceSlotLocked finds an unused TraceId, the arena's small
// slot table (spec.md §9 Open Question 2: TRACE_MAX lifted from 1 to
// mps.MaxTraces). Returns mps.TraceIdNone if every slot is taken.
func (a *Arena) allocTraceSlotLocked() mps.TraceId {
	for id := mps.TraceId(0); id < mps.MaxTraces; id++ {
		if _, busy := a.traces[id]; !busy {
			return id
		}
	}
	return mps.TraceIdNone
}

// TraceCreate allocates a trace slot and starts its state machine at
// INIT (spec.md §4.4 "Create"). Returns ErrResource if every slot is
// in use.
func (a *Arena) TraceCreate(reason string) (*trace.Machine, error) {
	a.Enter()
	defer a.Leave()

	id := a.allocTraceSlotLocked()
	if id == mps.TraceIdNone {
		return nil, mps.NewError(mps.ErrResource, "no free trace slot (max %d concurrent traces)", mps.MaxTraces)
	}

	m := trace.Create(a, id, reason)
	a.traces[id] = m
	return m, nil
}

// Condemn, Start and Flip are thin wrappers so a caller driving a
// trace it created via TraceCreate never has to also call a.Enter
// itself: every trace.Host callback (Suspend/Resume/RaiseBarrier/...)
// asserts the arena lock is held, and these wrappers are where that
// lock is actually acquired for the whole step.

// Condemn wraps trace.Machine.Condemn with the arena lock held.
func (a *Arena) Condemn(ctx context.Context, m *trace.Machine, refset mps.RefSet) error {
	a.Enter()
	defer a.Leave()
	return m.Condemn(ctx, refset)
}

// Start wraps trace.Machine.Start with the arena lock held.
func (a *Arena) Start(ctx context.Context, m *trace.Machine) error {
	a.Enter()
	defer a.Leave()

	pollsRemaining := int(a.config.PauseTime.Milliseconds())
	if pollsRemaining < 1 {
		pollsRemaining = 1
	}
	if err := m.Start(ctx, pollsRemaining, expectedMortality(m)); err != nil {
		return err
	}
	a.stats.GCStarts++
	return nil
}

func expectedMortality(m *trace.Machine) float64 {
	// No per-generation mortality is threaded through trace.Machine
	// today (it only sees the condemned byte total); 0.5 is a neutral
	// prior that neither starves nor over-provisions the rate
	// computation. A pool wanting a sharper estimate can call
	// trace.Machine.Start directly with its own figure instead of going
	// through this wrapper.
	return 0.5
}

// Flip wraps trace.Machine.Flip with the arena lock held.
func (a *Arena) Flip(ctx context.Context, m *trace.Machine) error {
	a.Enter()
	defer a.Leave()
	return m.Flip(ctx)
}

// PollTrace wraps trace.Machine.Poll with the arena lock held, and
// retires the trace's slot and applies any pending transforms once it
// reaches FINISHED.
func (a *Arena) PollTrace(ctx context.Context, m *trace.Machine) (finished bool, err error) {
	a.Enter()
	defer a.Leave()

	finished, err = m.Poll(ctx)
	if finished {
		a.retireTraceLocked(m)
	}
	return finished, err
}

func (a *Arena) retireTraceLocked(m *trace.Machine) {
	delete(a.traces, m.ID())
	a.stats.GCEnds++
	a.stats.Condemned += uint64(m.Condemned())
	a.stats.Live += uint64(m.Live())
	a.rewriteRootsLocked()
}

// Stats is a cumulative snapshot of collector activity (spec.md §6
// "Messages", surfaced here the way Manager.Stats surfaces pack/block
// counters). metrics.Collector reads this on every scrape; it never
// consumes the arena's message queue, which stays available for
// clients polling for finalization results.
type Stats struct {
	GCStarts  uint64
	GCEnds    uint64
	Condemned uint64
	Live      uint64
}

// Stats returns a snapshot of the arena's cumulative collector
// counters.
func (a *Arena) Stats() Stats {
	a.Enter()
	defer a.Leave()
	return a.stats
}

// ResetStats zeroes the arena's cumulative collector counters.
func (a *Arena) ResetStats() {
	a.Enter()
	defer a.Leave()
	a.stats = Stats{}
}

// Collect runs one full, synchronous collection condemning every
// collectable segment whose summary is a subset of refset, blocking
// until the trace reaches FINISHED (spec.md §6 end-to-end scenarios
// typically call this with refset = mps.RefSetUniv). It is the
// simplest way to drive a trace; cmd/gcdemo's run and stress
// subcommands reach it through CollectAll, while an
// incrementally-polled trace instead calls
// TraceCreate/Condemn/Start/Flip/PollTrace directly from an
// allocation slow path.
func (a *Arena) Collect(ctx context.Context, refset mps.RefSet, reason string) error {
	m, err := a.TraceCreate(reason)
	if err != nil {
		return err
	}

	if err := a.Condemn(ctx, m, refset); err != nil {
		return errors.Wrap(err, "arena: collect condemn")
	}
	if err := a.Start(ctx, m); err != nil {
		return errors.Wrap(err, "arena: collect start")
	}
	if err := a.Flip(ctx, m); err != nil {
		return errors.Wrap(err, "arena: collect flip")
	}

	for {
		finished, err := a.PollTrace(ctx, m)
		if err != nil {
			return errors.Wrap(err, "arena: collect poll")
		}
		if finished {
			return nil
		}
	}
}

// CollectAll condemns the whole managed address space by calling
// Collect with mps.RefSetUniv (spec.md §8 "Condemn with RefSet
// = UNIV").
func (a *Arena) CollectAll(ctx context.Context, reason string) error {
	return a.Collect(ctx, mps.RefSetUniv, reason)
}

// Park runs full collections (CollectAll) one after another until one
// of them leaves the arena with no fewer registered segments than it
// had before. Mirrors the classic MPS `mps_arena_park`
// contract: block the calling thread until the arena is quiescent.
func (a *Arena) Park(ctx context.Context, reason string) error {
	for {
		a.Enter()
		before := len(a.segments)
		a.Leave()

		if err := a.CollectAll(ctx, reason); err != nil {
			return err
		}

		a.Enter()
		after := len(a.segments)
		a.Leave()

		if after >= before {
			return nil
		}
	}
}

// ActiveTraceCount reports how many traces are currently live, mostly
// for diagnostics and tests.
func (a *Arena) ActiveTraceCount() int {
	a.Enter()
	defer a.Leave()
	return len(a.traces)
}

func init() {
	// Guard against MaxTraces ever shrinking to 0 without anyone
	// noticing: allocTraceSlotLocked's loop would then never run and
	// TraceCreate would always report ErrResource.
	mpsassert.Require(mps.MaxTraces > 0, "arena: mps.MaxTraces must be positive")
}
