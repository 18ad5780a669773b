package trace_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ravenbrook/mps-go/mps"
	"github.com/ravenbrook/mps-go/pool"
	"github.com/ravenbrook/mps-go/segment"
	"github.com/ravenbrook/mps-go/trace"
)

// TestTwoConcurrentTraces exercises mps.MaxTraces > 1 (spec.md §9 Open
// Question 2, TRACE_MAX lifted to a small bitset): two traces condemn
// disjoint segments and run independently, each reaching FINISHED
// without disturbing the other's colours.
func TestTwoConcurrentTraces(t *testing.T) {
	const shift = 10

	segA := segment.New(mps.Ref(0), mps.Ref(1<<shift), mps.RankSetOf(mps.RankEXACT), nil)
	segB := segment.New(mps.Ref(2<<shift), mps.Ref(3<<shift), mps.RankSetOf(mps.RankEXACT), nil)

	p := &fakePool{attrs: pool.AttrGC, slots: map[*segment.Segment][]*mps.Ref{}}
	host := newFakeHost(shift)
	host.segs = []*segment.Segment{segA, segB}
	host.pool = p

	mA := trace.Create(host, 0, "A")
	mB := trace.Create(host, 1, "B")

	require.NoError(t, mA.Condemn(context.Background(), segment.RefSetOfSegment(segA, shift)))
	require.NoError(t, mB.Condemn(context.Background(), segment.RefSetOfSegment(segB, shift)))

	require.True(t, segA.WhiteSet().Has(0))
	require.False(t, segA.WhiteSet().Has(1))
	require.True(t, segB.WhiteSet().Has(1))
	require.False(t, segB.WhiteSet().Has(0))

	require.NoError(t, mA.Start(context.Background(), 4, 0.5))
	require.NoError(t, mB.Start(context.Background(), 4, 0.5))
	require.NoError(t, mA.Flip(context.Background()))
	require.NoError(t, mB.Flip(context.Background()))

	for mA.State() != trace.StateFinished {
		_, err := mA.Poll(context.Background())
		require.NoError(t, err)
	}
	for mB.State() != trace.StateFinished {
		_, err := mB.Poll(context.Background())
		require.NoError(t, err)
	}

	require.False(t, segA.WhiteSet().Has(0))
	require.False(t, segB.WhiteSet().Has(1))
}
