// Package pool defines the traits every pool class implements and the
// services a pool needs from its arena, per spec.md §9 ("Dispatch by
// pool class"): "a polymorphic trait/interface with three concrete
// implementations (arena, pool, segment) suffices; the multi-level
// inheritance collapses into two base traits (Pool, CollectPool)".
//
// A pool class implements Pool, and the subset that participates in
// tracing also implements CollectPool; the arena dispatches to these
// methods by the pool's registered class rather than holding a
// concrete type switch, so new pool classes can be added without
// touching arena code.
//
// Accumulate state under the lock, then commit or reclaim it in bulk:
// that discipline carries over to every pool class built on top of
// this package.
package pool

import (
	"context"

	"github.com/ravenbrook/mps-go/mps"
	"github.com/ravenbrook/mps-go/scanstate"
	"github.com/ravenbrook/mps-go/segment"
)

// Attrs is the bitset of pool class attributes spec.md §6 lists:
// GC, SCAN, MOVING_GC, ALLOC_SIZE_HAS_SIZE, ....
type Attrs uint

const (
	AttrGC Attrs = 1 << iota
	AttrScan
	AttrMovingGC
	AttrAllocSizeHasSize
)

func (a Attrs) Has(f Attrs) bool { return a&f != 0 }

// Pool is the base trait every pool class implements.
type Pool interface {
	// PoolName identifies the pool for diagnostics; segments report it
	// via segment.Owner.
	PoolName() string
	Attrs() Attrs
	Destroy()
}

// CollectPool is implemented by pool classes that participate in
// tracing (spec.md §4.3). A trace dispatches to these methods for
// every segment it condemns, scans, fixes a reference into, or
// reclaims.
type CollectPool interface {
	Pool

	// Whiten condemns seg for trace id: spec.md §4.3 "Whiten".
	Whiten(ctx context.Context, id mps.TraceId, seg *segment.Segment) error

	// Scan scans seg's used portion (or, if seg carries a nailboard,
	// only its nailed objects) on behalf of ss: spec.md §4.3 "Scan".
	Scan(ctx context.Context, ss *scanstate.ScanState, seg *segment.Segment) error

	// Fix implements scanstate.PoolFixer: spec.md §4.3 "Fix".
	Fix(ss *scanstate.ScanState, seg *segment.Segment, slot *mps.Ref) error

	// Reclaim frees or compacts seg once it is no longer needed by
	// trace id: spec.md §4.3 "Reclaim".
	Reclaim(ctx context.Context, id mps.TraceId, seg *segment.Segment) error
}

// SegmentSource is implemented by the arena; pools use it to obtain
// fresh segments (on buffer Fill) and release them back to the arena
// when wholly unpinned and unbuffered (spec.md §4.3 "Reclaim").
type SegmentSource interface {
	NewSegment(ctx context.Context, size uintptr, align uintptr, rankSet mps.RankSet, owner segment.Owner) (*segment.Segment, error)
	FreeSegment(seg *segment.Segment)
	ZoneShift() uint
	Grain() uintptr
}

// Class is a pool class's factory, passed directly to the arena's
// PoolCreate (spec.md §6 "PoolCreate(arena, class, args)"). args is a
// class-specific configuration value (e.g. *amc.Args).
type Class func(src SegmentSource, args interface{}) (Pool, error)
