package nailboard_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ravenbrook/mps-go/nailboard"
)

func TestSetGetNewNails(t *testing.T) {
	b := nailboard.New(0x1000, 0x100, 0x10)

	require.False(t, b.Get(0x1000))
	require.False(t, b.NewNails())

	wasMarked := b.Set(0x1000)
	require.False(t, wasMarked)
	require.True(t, b.Get(0x1000))
	require.True(t, b.NewNails())

	wasMarked = b.Set(0x1000)
	require.True(t, wasMarked)

	b.ClearNewNails()
	require.False(t, b.NewNails())

	b.Set(0x1010)
	require.True(t, b.NewNails())
	require.Equal(t, 2, b.Count())
}

func TestIsResRange(t *testing.T) {
	b := nailboard.New(0x1000, 0x100, 0x10)
	require.False(t, b.IsResRange(0x1000, 0x1020))

	b.Set(0x1010)
	require.True(t, b.IsResRange(0x1000, 0x1020))
	require.False(t, b.IsResRange(0x1020, 0x1030))
}

func TestSetRangeAndEach(t *testing.T) {
	b := nailboard.New(0x1000, 0x100, 0x10)
	b.SetRange(0x1000, 0x1030)

	var got []uintptr
	b.Each(func(addr uintptr) { got = append(got, addr) })
	require.Equal(t, []uintptr{0x1000, 0x1010, 0x1020}, got)
}
