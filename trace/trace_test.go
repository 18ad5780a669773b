package trace_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ravenbrook/mps-go/message"
	"github.com/ravenbrook/mps-go/mps"
	"github.com/ravenbrook/mps-go/pool"
	"github.com/ravenbrook/mps-go/scanstate"
	"github.com/ravenbrook/mps-go/segment"
	"github.com/ravenbrook/mps-go/trace"
)

// fakePool is a minimal pool.CollectPool that whitens every segment
// handed to it, scans by calling ss.Fix on a fixed set of slots, and
// reclaims by clearing white.
type fakePool struct {
	attrs pool.Attrs
	slots map[*segment.Segment][]*mps.Ref
}

func (p *fakePool) PoolName() string  { return "fake" }
func (p *fakePool) Attrs() pool.Attrs { return p.attrs }
func (p *fakePool) Destroy()          {}

func (p *fakePool) Whiten(ctx context.Context, id mps.TraceId, seg *segment.Segment) error {
	seg.SetWhite(id)
	return nil
}

func (p *fakePool) Scan(ctx context.Context, ss *scanstate.ScanState, seg *segment.Segment) error {
	for _, slot := range p.slots[seg] {
		if err := ss.Fix(slot); err != nil {
			return err
		}
	}
	return nil
}

func (p *fakePool) Fix(ss *scanstate.ScanState, seg *segment.Segment, slot *mps.Ref) error {
	// Referent is already black (not itself white): just record fixed.
	return nil
}

func (p *fakePool) Reclaim(ctx context.Context, id mps.TraceId, seg *segment.Segment) error {
	seg.ClearWhite(id)
	return nil
}

// fakeHost is a minimal trace.Host over a fixed segment list with no
// roots, used to drive a Machine end to end.
type fakeHost struct {
	segs   []*segment.Segment
	pool   pool.CollectPool
	shift  uint
	queue  *message.Queue
	raised map[*segment.Segment]bool
}

func newFakeHost(shift uint) *fakeHost {
	return &fakeHost{shift: shift, queue: message.NewQueue(), raised: map[*segment.Segment]bool{}}
}

func (h *fakeHost) SegmentFor(addr mps.Ref) (*segment.Segment, bool) {
	for _, s := range h.segs {
		if s.Contains(addr) {
			return s, true
		}
	}
	return nil, false
}
func (h *fakeHost) ZoneShift() uint                           { return h.shift }
func (h *fakeHost) ReservedButUnmanaged(addr mps.Ref) bool     { return false }
func (h *fakeHost) Segments() []*segment.Segment               { return h.segs }
func (h *fakeHost) PoolOf(seg *segment.Segment) pool.CollectPool { return h.pool }
func (h *fakeHost) Roots() []*trace.Root                      { return nil }
func (h *fakeHost) FlipBuffers(id mps.TraceId)                {}
func (h *fakeHost) AgeLD(mayMove mps.RefSet)                  {}
func (h *fakeHost) Suspend()                                  {}
func (h *fakeHost) Resume()                                   {}
func (h *fakeHost) RaiseBarrier(seg *segment.Segment)         { h.raised[seg] = true }
func (h *fakeHost) LowerBarrier(seg *segment.Segment)         { delete(h.raised, seg) }
func (h *fakeHost) Messages() *message.Queue                  { return h.queue }
func (h *fakeHost) Now() time.Time                            { return time.Unix(0, 0) }

func TestMachineFullCycle(t *testing.T) {
	const shift = 10
	seg := segment.New(mps.Ref(0), mps.Ref(1<<shift), mps.RankSetOf(mps.RankEXACT), nil)

	p := &fakePool{attrs: pool.AttrGC, slots: map[*segment.Segment][]*mps.Ref{}}
	host := newFakeHost(shift)
	host.segs = []*segment.Segment{seg}
	host.pool = p

	m := trace.Create(host, 0, "test")
	require.Equal(t, trace.StateInit, m.State())

	segSummary := segment.RefSetOfSegment(seg, shift)
	require.NoError(t, m.Condemn(context.Background(), segSummary))
	require.Equal(t, trace.StateUnflipped, m.State())
	require.True(t, seg.WhiteSet().Has(0))

	require.NoError(t, m.Start(context.Background(), 4, 0.5))
	// The only segment is white for this trace, and white and grey are
	// disjoint per trace, so Start leaves it ungreyed.
	require.False(t, seg.Grey(mps.TraceSetSingle(0)))

	require.NoError(t, m.Flip(context.Background()))
	require.Equal(t, trace.StateFlipped, m.State())
	require.False(t, host.raised[seg])

	for m.State() == trace.StateFlipped {
		require.NoError(t, m.Run(context.Background()))
	}
	require.Equal(t, trace.StateReclaim, m.State())
	require.False(t, seg.Grey(mps.TraceSetSingle(0)))

	for m.State() == trace.StateReclaim {
		require.NoError(t, m.Reclaim(context.Background()))
	}
	require.Equal(t, trace.StateFinished, m.State())
	require.False(t, seg.WhiteSet().Has(0))

	require.True(t, host.queue.Poll())
	msg, ok := host.queue.Get()
	require.True(t, ok)
	require.Equal(t, message.KindGCStart, msg.Kind)
	msg, ok = host.queue.Get()
	require.True(t, ok)
	require.Equal(t, message.KindGCEnd, msg.Kind)
}

func TestMachinePollBoundsWork(t *testing.T) {
	const shift = 10
	segs := make([]*segment.Segment, 4)
	for i := range segs {
		base := mps.Ref(uintptr(i) << shift)
		segs[i] = segment.New(base, base.Add(1<<shift), mps.RankSetOf(mps.RankEXACT), nil)
	}

	p := &fakePool{attrs: pool.AttrGC, slots: map[*segment.Segment][]*mps.Ref{}}
	host := newFakeHost(shift)
	host.segs = segs
	host.pool = p

	m := trace.Create(host, 0, "test")

	var all mps.RefSet
	for _, s := range segs {
		all = all.Union(segment.RefSetOfSegment(s, shift))
	}
	require.NoError(t, m.Condemn(context.Background(), all))
	require.NoError(t, m.Start(context.Background(), 100, 0.5))
	require.NoError(t, m.Flip(context.Background()))

	steps := 0
	for {
		finished, err := m.Poll(context.Background())
		require.NoError(t, err)
		steps++
		if finished {
			break
		}
		require.Less(t, steps, 1000, "Poll should finish within a bounded number of calls")
	}
	require.Equal(t, trace.StateFinished, m.State())
}

func TestMachineExpedite(t *testing.T) {
	const shift = 10
	seg := segment.New(mps.Ref(0), mps.Ref(1<<shift), mps.RankSetOf(mps.RankEXACT), nil)

	p := &fakePool{attrs: pool.AttrGC, slots: map[*segment.Segment][]*mps.Ref{}}
	host := newFakeHost(shift)
	host.segs = []*segment.Segment{seg}
	host.pool = p

	m := trace.Create(host, 0, "test")
	require.NoError(t, m.Condemn(context.Background(), segment.RefSetOfSegment(seg, shift)))
	require.NoError(t, m.Start(context.Background(), 4, 0.5))
	require.NoError(t, m.Flip(context.Background()))

	finished, err := m.Expedite(context.Background())
	require.NoError(t, err)
	require.True(t, finished)
	require.Equal(t, trace.StateFinished, m.State())
	require.True(t, m.Emergency())
}
