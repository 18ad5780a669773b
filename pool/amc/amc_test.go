package amc_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ravenbrook/mps-go/arena"
	"github.com/ravenbrook/mps-go/format"
	"github.com/ravenbrook/mps-go/mps"
	"github.com/ravenbrook/mps-go/pool/amc"
	"github.com/ravenbrook/mps-go/scanstate"
)

// testHeap is a minimal object store standing in for real client
// memory: every Segment in this module covers an abstract address
// range with no backing bytes, so tests model "object contents" as a
// side table keyed by an object's base address.
type testHeap struct {
	objs map[mps.Ref]*testObj
}

type testObj struct {
	size   uintptr
	fields []mps.Ref
	fwd    mps.Ref
}

func newTestHeap() *testHeap {
	return &testHeap{objs: map[mps.Ref]*testObj{}}
}

func (h *testHeap) newFormat() *format.Format {
	return &format.Format{
		Align: 8,
		Scan: func(ss format.ScanContext, base, limit mps.Ref) error {
			o := h.objs[base]
			for i := range o.fields {
				if err := ss.Fix(&o.fields[i]); err != nil {
					return err
				}
			}
			return nil
		},
		Skip: func(ref mps.Ref) mps.Ref {
			return ref.Add(h.objs[ref].size)
		},
		Fwd: func(old, newRef mps.Ref) {
			o := h.objs[old]
			o.fwd = newRef
			h.objs[newRef] = o
		},
		IsFwd: func(ref mps.Ref) (mps.Ref, bool) {
			o, ok := h.objs[ref]
			if !ok || o.fwd.IsZero() {
				return 0, false
			}
			return o.fwd, true
		},
		Pad: func(addr mps.Ref, size uintptr) {
			delete(h.objs, addr)
		},
	}
}

func (h *testHeap) alloc(t *testing.T, ctx context.Context, ap interface {
	Reserve(ctx context.Context, size uintptr) (mps.Ref, error)
	Commit(p mps.Ref, size uintptr) bool
}, fields []mps.Ref) mps.Ref {
	t.Helper()
	size := uintptr(8 * (1 + len(fields)))
	addr, err := ap.Reserve(ctx, size)
	require.NoError(t, err)
	h.objs[addr] = &testObj{size: size, fields: append([]mps.Ref(nil), fields...)}
	require.True(t, ap.Commit(addr, size))
	return addr
}

func TestAMCEvacuatesReachableAndDropsGarbage(t *testing.T) {
	ctx := context.Background()
	heap := newTestHeap()

	a := arena.New(arena.WithGrain(8), arena.WithZoneShift(4))
	p, err := a.PoolCreate(amc.New, &amc.Args{Format: heap.newFormat(), ExtendBy: 256, LargeSize: 1 << 30})
	require.NoError(t, err)
	pool := p.(*amc.Pool)

	ap := pool.NewAllocationPoint()

	reachable := heap.alloc(t, ctx, ap, nil)
	_ = heap.alloc(t, ctx, ap, nil) // garbage: never rooted

	rootSlot := reachable
	a.RootCreateTable(mps.RankEXACT, []*mps.Ref{&rootSlot})

	require.NoError(t, a.CollectAll(ctx, "test"))

	require.NotEqual(t, reachable, rootSlot, "reachable object should have been evacuated to a new address")

	newAddr, ok := heap.objs[reachable].fwd, !heap.objs[reachable].fwd.IsZero()
	require.True(t, ok)
	require.Equal(t, newAddr, rootSlot)

	survivor, ok := heap.objs[rootSlot]
	require.True(t, ok)
	require.NotNil(t, survivor)
}

func TestAMCPinsAmbiguouslyReferencedObject(t *testing.T) {
	ctx := context.Background()
	heap := newTestHeap()

	a := arena.New(arena.WithGrain(8), arena.WithZoneShift(4), arena.WithInterior(false))
	p, err := a.PoolCreate(amc.New, &amc.Args{Format: heap.newFormat(), ExtendBy: 256, LargeSize: 1 << 30})
	require.NoError(t, err)
	pool := p.(*amc.Pool)

	ap := pool.NewAllocationPoint()
	pinned := heap.alloc(t, ctx, ap, nil)

	var ambigSlot mps.Ref = pinned
	a.RootCreateArea(mps.RankAMBIG, 0, 1,
		func(ctx context.Context, ss *scanstate.ScanState, base, limit mps.Ref) error {
			return ss.Fix(&ambigSlot)
		})

	require.NoError(t, a.CollectAll(ctx, "test"))

	require.Equal(t, pinned, ambigSlot, "an ambiguously referenced object must not move")
	_, stillThere := heap.objs[pinned]
	require.True(t, stillThere)
}

// TestRampDefersNewSizeUntilFinish exercises spec.md §8 scenario 3:
// begin a ramp, allocate into it, and check that the segment created
// during the ramp does not inflate newSize until RampFinish undefers
// it.
func TestRampDefersNewSizeUntilFinish(t *testing.T) {
	ctx := context.Background()
	heap := newTestHeap()

	a := arena.New(arena.WithGrain(8), arena.WithZoneShift(4))
	p, err := a.PoolCreate(amc.New, &amc.Args{Format: heap.newFormat(), ExtendBy: 256, LargeSize: 1 << 30})
	require.NoError(t, err)
	pool := p.(*amc.Pool)

	ap := pool.NewAllocationPoint()

	pool.RampBegin()
	heap.alloc(t, ctx, ap, nil)
	heap.alloc(t, ctx, ap, nil)

	acct := pool.GenAcct(0)
	require.NotZero(t, acct.TotalSize, "the ramp segment is still accounted as part of the generation's total")
	require.Zero(t, acct.NewSize, "a segment created during a ramp must not inflate newSize until the ramp ends")

	pool.RampFinish()

	acct = pool.GenAcct(0)
	require.Equal(t, acct.TotalSize, acct.NewSize, "ending the ramp folds the deferred segment's bytes into newSize")
}
