// Package arena implements the collector's central coordinator: the
// segment and root registries, the reentrant lock, the shield, the
// pool ring, and the config an arena is created with (spec.md §4.5
// "Arena core", §6 "Arena lifecycle").
//
// Grounded on Manager (block/block_manager.go), whose mu
// sync.Mutex plus lock()/unlock()/assertLocked() triad is the direct
// model for Arena's Enter/Leave pair, generalized from "guards the
// pack index and block cache" to "guards every collector-owned
// registry spec.md §5 names".
package arena

import (
	"context"
	"sync"
	"time"

	"github.com/ravenbrook/mps-go/gen"
	"github.com/ravenbrook/mps-go/internal/logging"
	"github.com/ravenbrook/mps-go/internal/mpsassert"
	"github.com/ravenbrook/mps-go/message"
	"github.com/ravenbrook/mps-go/mps"
	"github.com/ravenbrook/mps-go/pool"
	"github.com/ravenbrook/mps-go/scanstate"
	"github.com/ravenbrook/mps-go/segment"
	"github.com/ravenbrook/mps-go/trace"
)

var log = logging.Module("mps/arena")

// Option configures an Arena at creation time (spec.md §6 "Config
// recognised (by key)").
type Option func(*Config)

// Config holds the values spec.md §6 lists as arena configuration.
type Config struct {
	ZoneShift   uint
	Grain       uintptr
	Spare       float64
	CommitLimit uintptr
	PauseTime   time.Duration
	Chain       []gen.Params
	Interior    bool
	ExtendBy    uintptr
	LargeSize   uintptr

	now func() time.Time
}

// DefaultConfig matches the common configuration the rest of this
// module assumes when a client supplies no options.
func DefaultConfig() Config {
	return Config{
		ZoneShift:   mps.DefaultZoneShift,
		Grain:       4096,
		Spare:       0.25,
		CommitLimit: 0,
		PauseTime:   10 * time.Millisecond,
		Chain:       []gen.Params{{Capacity: 1 << 20, Mortality: 0.9}, {Capacity: 8 << 20, Mortality: 0.5}},
		Interior:    true,
		ExtendBy:    1 << 20,
		LargeSize:   1 << 16,
		now:         time.Now,
	}
}

// WithZoneShift sets the zone shift used to build every RefSet.
func WithZoneShift(shift uint) Option { return func(c *Config) { c.ZoneShift = shift } }

// WithGrain sets the arena's allocation granularity.
func WithGrain(grain uintptr) Option { return func(c *Config) { c.Grain = grain } }

// WithSpare sets the fraction of committed memory held idle.
func WithSpare(frac float64) Option { return func(c *Config) { c.Spare = frac } }

// WithCommitLimit sets a hard cap on committed bytes; 0 means
// unlimited.
func WithCommitLimit(limit uintptr) Option { return func(c *Config) { c.CommitLimit = limit } }

// WithPauseTime sets the soft real-time budget a trace's rate
// computation (trace.Machine.Start) targets.
func WithPauseTime(d time.Duration) Option { return func(c *Config) { c.PauseTime = d } }

// WithChain records a generation chain in the arena's Config. AMC
// pools do not read it: they take their chain from amc.Args.Chain.
func WithChain(params []gen.Params) Option { return func(c *Config) { c.Chain = params } }

// WithInterior records in the arena's Config whether interior pointers
// pin (default true). AMC pools do not read it: they take this setting
// from amc.Args.Interior.
func WithInterior(interior bool) Option { return func(c *Config) { c.Interior = interior } }

// WithExtendBy records a segment refill size in the arena's Config.
// AMC pools do not read it: they take this size from amc.Args.ExtendBy.
func WithExtendBy(size uintptr) Option { return func(c *Config) { c.ExtendBy = size } }

// WithLargeSize records a large-object threshold in the arena's
// Config. AMC pools do not read it: they take this threshold from
// amc.Args.LargeSize.
func WithLargeSize(size uintptr) Option { return func(c *Config) { c.LargeSize = size } }

// withClock overrides the arena's notion of "now"; used by tests, not
// exported since clients have no legitimate reason to fake the clock.
func withClock(now func() time.Time) Option { return func(c *Config) { c.now = now } }

// poolEntry is one member of the arena's pool ring.
type poolEntry struct {
	pool pool.Pool
}

// Arena is the collector's coordinator. All public methods acquire
// the lock on entry and release it on exit (spec.md §5 "Scheduling
// model"); the *Locked methods assume the caller already holds it and
// are used internally and by trace.Host callbacks invoked while the
// lock is held.
type Arena struct {
	config Config

	mu        sync.Mutex
	lockDepth int

	committed uintptr
	reserved  uintptr

	segments []*segment.Segment
	pools    []*poolEntry

	roots          []*trace.Root
	tableRootSlots [][]*mps.Ref

	traces    map[mps.TraceId]*trace.Machine
	nextAlloc mps.Ref
	stats     Stats

	messages *message.Queue

	epochLogRef *epochLog

	transforms []*Transform

	suspended   bool
	exposed     map[*segment.Segment]int
	protected   map[*segment.Segment]bool

	pollCallback func(ctx context.Context)
}

// New creates an Arena with the given options applied over
// DefaultConfig.
func New(opts ...Option) *Arena {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	a := &Arena{
		config:    cfg,
		traces:    map[mps.TraceId]*trace.Machine{},
		messages:  message.NewQueue(),
		exposed:   map[*segment.Segment]int{},
		protected: map[*segment.Segment]bool{},
		nextAlloc: mps.Ref(cfg.Grain),
	}
	a.messages.SetClock(cfg.now)
	return a
}

// Enter acquires the arena lock. Every public entry point calls it;
// client code driving the arena directly (e.g. a custom root scan
// callback invoked outside a trace) should bracket its own critical
// sections with Enter/Leave too.
func (a *Arena) Enter() {
	a.mu.Lock()
	a.lockDepth = 1
}

// Leave releases the arena lock acquired by Enter.
func (a *Arena) Leave() {
	mpsassert.Require(a.lockDepth == 1, "arena: Leave called without matching Enter")
	a.lockDepth = 0
	a.mu.Unlock()
}

var (
	_ pool.SegmentSource     = (*Arena)(nil)
	_ scanstate.SegmentIndex = (*Arena)(nil)
	_ trace.Host             = (*Arena)(nil)
)

// EnterRecursive acquires the lock for one of the whitelisted
// read-only queries callable from within collector callbacks
// (address-to-pool, address-to-format, address-managed); unlike Enter
// it is safe to call while already holding the lock via Enter, because
// in that case it is a no-op bump of lockDepth rather than a second
// Lock() call; callers must still pair with LeaveRecursive.
//
// This is not a fully general recursive mutex: it only supports the
// single level of re-entrancy spec.md §5 names, detected by depth
// already being 1 when called from the same goroutine. Go's
// sync.Mutex has no owner-thread concept, so this relies on callers
// only ever recursing from within a callback they know runs on the
// locking goroutine (trace scan/fix callbacks), matching the contract
// spec.md §4.5 describes.
func (a *Arena) EnterRecursive() {
	if a.lockDepth > 0 {
		a.lockDepth++
		return
	}
	a.mu.Lock()
	a.lockDepth = 1
}

// LeaveRecursive releases one level acquired by EnterRecursive.
func (a *Arena) LeaveRecursive() {
	mpsassert.Require(a.lockDepth > 0, "arena: LeaveRecursive called without matching EnterRecursive")
	a.lockDepth--
	if a.lockDepth == 0 {
		a.mu.Unlock()
	}
}

func (a *Arena) assertLocked() {
	// sync.Mutex exposes no "am I held" query; lockDepth is maintained
	// only by Enter/Leave/EnterRecursive/LeaveRecursive, so this checks
	// that invariant rather than true OS-level lock ownership.
	mpsassert.Require(a.lockDepth > 0, "arena: operation requires the lock to be held")
}

// Committed returns the arena's committed byte count.
func (a *Arena) Committed() uintptr {
	a.Enter()
	defer a.Leave()
	return a.committed
}

// Reserved returns the arena's reserved address-space byte count.
func (a *Arena) Reserved() uintptr {
	a.Enter()
	defer a.Leave()
	return a.reserved
}

// ZoneShift returns the arena's zone shift (pool.SegmentSource,
// scanstate.SegmentIndex).
func (a *Arena) ZoneShift() uint { return a.config.ZoneShift }

// Grain returns the arena's allocation granularity
// (pool.SegmentSource).
func (a *Arena) Grain() uintptr { return a.config.Grain }

// Now returns the arena's clock (trace.Host).
func (a *Arena) Now() time.Time { return a.config.now() }

// Messages returns the arena's message queue (trace.Host, and the
// client-facing message API of spec.md §6).
func (a *Arena) Messages() *message.Queue { return a.messages }

// SpareCommitLimitSet sets the spare-memory ratio, clamped to 1.0. If
// the arena has nothing committed yet, the ratio is treated as
// unconstrained (forced to 1.0) rather than computed by a
// divide-by-zero against ArenaCommitted(), resolving the "source
// behaviour is unspecified" note (spec.md §9 Open Questions, DESIGN.md
// Open Question 3).
func (a *Arena) SpareCommitLimitSet(limitBytes uintptr) {
	a.Enter()
	defer a.Leave()

	if a.committed == 0 {
		a.config.Spare = 1.0
		return
	}

	ratio := float64(limitBytes) / float64(a.committed)
	if ratio > 1.0 {
		ratio = 1.0
	}
	a.config.Spare = ratio
}

// NewSegment allocates and registers a fresh segment at least size
// bytes long, aligned to align, with the given rank set and owner.
// Implements pool.SegmentSource.
func (a *Arena) NewSegment(ctx context.Context, size uintptr, align uintptr, rankSet mps.RankSet, owner segment.Owner) (*segment.Segment, error) {
	a.Enter()
	defer a.Leave()
	return a.newSegmentLocked(size, align, rankSet, owner)
}

func (a *Arena) newSegmentLocked(size uintptr, align uintptr, rankSet mps.RankSet, owner segment.Owner) (*segment.Segment, error) {
	a.assertLocked()

	if align < a.config.Grain {
		align = a.config.Grain
	}
	size = alignUp(size, align)

	if a.config.CommitLimit != 0 && a.committed+size > a.config.CommitLimit {
		return nil, mps.NewError(mps.ErrCommitLimit, "segment of %d bytes would exceed commit limit %d", size, a.config.CommitLimit)
	}

	base := mps.Ref(alignUp(uintptr(a.nextAlloc), align))
	limit := base.Add(size)

	seg := segment.New(base, limit, rankSet, owner)
	a.segments = append(a.segments, seg)
	a.nextAlloc = limit

	a.reserved += size
	a.committed += size

	log(context.Background()).Debugf("arena: new segment %s %v..%v (%d bytes) for %v", seg.DiagID, base, limit, size, owner.PoolName())

	return seg, nil
}

func alignUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

// FreeSegment unregisters seg and releases its address range.
// Implements pool.SegmentSource.
func (a *Arena) FreeSegment(seg *segment.Segment) {
	a.Enter()
	defer a.Leave()
	a.freeSegmentLocked(seg)
}

func (a *Arena) freeSegmentLocked(seg *segment.Segment) {
	a.assertLocked()

	for i, s := range a.segments {
		if s == seg {
			a.segments = append(a.segments[:i], a.segments[i+1:]...)
			break
		}
	}

	size := seg.Size()
	if size <= a.committed {
		a.committed -= size
	} else {
		a.committed = 0
	}
	if size <= a.reserved {
		a.reserved -= size
	} else {
		a.reserved = 0
	}

	delete(a.exposed, seg)
	delete(a.protected, seg)
}

// SegmentFor returns the segment containing addr, if any. Implements
// scanstate.SegmentIndex and trace.Host. Safe to call recursively
// (EnterRecursive) since it only reads.
func (a *Arena) SegmentFor(addr mps.Ref) (*segment.Segment, bool) {
	a.EnterRecursive()
	defer a.LeaveRecursive()

	for _, s := range a.segments {
		if s.Contains(addr) {
			return s, true
		}
	}
	return nil, false
}

// ReservedButUnmanaged reports whether addr lies in reserved address
// space outside every current segment. Implements
// scanstate.SegmentIndex.
func (a *Arena) ReservedButUnmanaged(addr mps.Ref) bool {
	a.EnterRecursive()
	defer a.LeaveRecursive()

	if addr >= mps.Ref(a.config.Grain) && addr < a.nextAlloc {
		for _, s := range a.segments {
			if s.Contains(addr) {
				return false
			}
		}
		return true
	}
	return false
}

// Segments returns a snapshot of every registered segment. Implements
// trace.Host.
func (a *Arena) Segments() []*segment.Segment {
	a.EnterRecursive()
	defer a.LeaveRecursive()

	out := make([]*segment.Segment, len(a.segments))
	copy(out, a.segments)
	return out
}

// PoolOf dispatches a segment to its owning pool's collect interface.
// Implements trace.Host.
func (a *Arena) PoolOf(seg *segment.Segment) pool.CollectPool {
	cp, _ := seg.Pool.(pool.CollectPool)
	return cp
}

// PoolCreate builds a pool via class, bound to this arena as its
// segment source, and registers the result (spec.md §6 "PoolCreate
// (arena, class, args) -> pool"). class is normally a pool package's
// New function (e.g. amc.New), and args its matching *Args type.
func (a *Arena) PoolCreate(class pool.Class, args interface{}) (pool.Pool, error) {
	p, err := class(a, args)
	if err != nil {
		return nil, err
	}
	a.RegisterPool(p)
	return p, nil
}

// RegisterPool adds p to the arena's pool ring. Pool classes call this
// from their constructor (the Class factory spec.md §9 describes).
func (a *Arena) RegisterPool(p pool.Pool) {
	a.Enter()
	defer a.Leave()
	a.pools = append(a.pools, &poolEntry{pool: p})
}

// UnregisterPool removes p from the arena's pool ring, called by
// PoolDestroy.
func (a *Arena) UnregisterPool(p pool.Pool) {
	a.Enter()
	defer a.Leave()
	for i, e := range a.pools {
		if e.pool == p {
			a.pools = append(a.pools[:i], a.pools[i+1:]...)
			break
		}
	}
}

// Pools returns a snapshot of the registered pools.
func (a *Arena) Pools() []pool.Pool {
	a.Enter()
	defer a.Leave()
	out := make([]pool.Pool, len(a.pools))
	for i, e := range a.pools {
		out[i] = e.pool
	}
	return out
}

// SetPollCallback installs a callback invoked from allocation slow
// paths (spec.md §4.5). A typical callback drives one trace.Poll step
// per call.
func (a *Arena) SetPollCallback(fn func(ctx context.Context)) {
	a.Enter()
	defer a.Leave()
	a.pollCallback = fn
}

// PollAllocation invokes the installed poll callback, if any. Pool
// classes call this from their Fill/Reserve slow path.
func (a *Arena) PollAllocation(ctx context.Context) {
	a.Enter()
	cb := a.pollCallback
	a.Leave()
	if cb != nil {
		cb(ctx)
	}
}

// FlipBuffers trips every buffer attached to any registered segment so
// it black-allocates under trace id from now on. Implements
// trace.Host.
func (a *Arena) FlipBuffers(id mps.TraceId) {
	a.assertLocked()
	for _, s := range a.segments {
		if s.Buffer != nil {
			s.Buffer.Trip()
		}
	}
}
