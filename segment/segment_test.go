package segment_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ravenbrook/mps-go/mps"
	"github.com/ravenbrook/mps-go/segment"
)

type fakeOwner struct{ name string }

func (f fakeOwner) PoolName() string { return f.name }

func TestColourInvariants(t *testing.T) {
	s := segment.New(0x1000, 0x2000, mps.RankSetOf(mps.RankEXACT), fakeOwner{"amc"})

	require.False(t, s.White(mps.TraceSetSingle(0)))
	s.SetWhite(0)
	require.True(t, s.White(mps.TraceSetSingle(0)))

	require.Panics(t, func() { s.SetGrey(0) }, "must not grey a white segment")

	s.ClearWhite(0)
	s.SetGrey(0)
	require.True(t, s.Grey(mps.TraceSetSingle(0)))
	s.ClearGrey(0)
	require.False(t, s.Grey(mps.TraceSetSingle(0)))
}

type nopFiller struct{}

func (nopFiller) Fill(ctx context.Context, buf *segment.Buffer, size uintptr) error {
	return mps.NewError(mps.ErrResource, "no more space")
}

func TestBufferReserveCommit(t *testing.T) {
	s := segment.New(0x1000, 0x2000, mps.RankSetOf(mps.RankEXACT), fakeOwner{"amc"})
	buf := segment.NewBuffer(segment.KindMutator, nopFiller{})
	buf.Attach(s, 0x1000, 0x2000)

	addr, err := buf.Reserve(context.Background(), 0x10)
	require.NoError(t, err)
	require.Equal(t, mps.Ref(0x1000), addr)
	require.True(t, buf.Commit(addr, 0x10))
	require.Equal(t, mps.Ref(0x1010), buf.InitAddr())

	buf.Trip()
	require.True(t, buf.Tripped())
	_, err = buf.Reserve(context.Background(), 0x10)
	require.Error(t, err)
}

func TestFramePushPop(t *testing.T) {
	s := segment.New(0x1000, 0x2000, mps.RankSetOf(mps.RankEXACT), fakeOwner{"amc"})
	buf := segment.NewBuffer(segment.KindMutator, nopFiller{})
	buf.Attach(s, 0x1000, 0x2000)

	buf.FramePush()
	addr, err := buf.Reserve(context.Background(), 0x20)
	require.NoError(t, err)
	require.True(t, buf.Commit(addr, 0x20))
	require.Equal(t, mps.Ref(0x1020), buf.AllocAddr())

	buf.FramePop()
	require.Equal(t, mps.Ref(0x1000), buf.AllocAddr())
}
