// Package amc implements the mostly-copying pool class (spec.md §4.3
// "Mostly-copying pool (AMC)"): the concrete pool.CollectPool that
// whitens, scans, fixes and reclaims segments holding client-formatted
// objects, forwarding survivors into per-generation buffers and
// falling back to nailing (pinning) for ambiguously referenced
// objects it cannot safely move.
package amc

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/ravenbrook/mps-go/format"
	"github.com/ravenbrook/mps-go/gen"
	"github.com/ravenbrook/mps-go/internal/logging"
	"github.com/ravenbrook/mps-go/internal/mpsassert"
	"github.com/ravenbrook/mps-go/mps"
	"github.com/ravenbrook/mps-go/pool"
	"github.com/ravenbrook/mps-go/segment"
)

var log = logging.Module("mps/pool/amc")

// Args configures a Pool at creation time.
type Args struct {
	Format *format.Format

	// Chain overrides the arena's default generation chain for this
	// pool. Nil means build a single-generation chain sized ExtendBy
	// with 0.5 mortality, a reasonable default for a pool the client
	// hasn't tuned.
	Chain []gen.Params

	// LargeSize is the allocation size, in bytes, at or above which an
	// object gets its own segment (spec.md §4.3 "Large objects").
	LargeSize uintptr

	// ExtendBy is the segment size requested when a buffer needs
	// refilling for ordinary (non-large) allocations.
	ExtendBy uintptr

	// Interior, if true, means an ambiguous reference into the middle
	// of an object pins the whole object (rather than only an exact
	// match of its base address).
	Interior bool

	// Zed selects the AMCZ variant: an empty rank set for pools holding
	// leaf data with no outgoing references to scan (spec.md §6 "Class
	// of interest here: AMC (EXACT rank set) and AMCZ (empty rank set,
	// leaf data)").
	Zed bool
}

// Pool is the mostly-copying pool class.
type Pool struct {
	src      pool.SegmentSource
	format   *format.Format
	chain    *gen.Chain
	large    uintptr
	extend   uintptr
	interior bool
	zed      bool
	rankSet  mps.RankSet
	name     string

	mu        sync.Mutex
	aps       []*segment.Buffer
	rampDepth int
}

// New constructs a Pool bound to src (normally an *arena.Arena) with
// the given configuration. Implements the pool.Class factory shape
// (spec.md §9 "Dispatch by pool class").
func New(src pool.SegmentSource, args interface{}) (pool.Pool, error) {
	a, ok := args.(*Args)
	if !ok || a == nil {
		return nil, mps.NewError(mps.ErrParam, "pool/amc: New requires a non-nil *amc.Args")
	}
	if a.Format == nil {
		return nil, mps.NewError(mps.ErrParam, "pool/amc: Args.Format is required")
	}
	if err := a.Format.Validate(); err != nil {
		return nil, errors.Wrap(err, "pool/amc: invalid format")
	}

	chainParams := a.Chain
	if len(chainParams) == 0 {
		extend := a.ExtendBy
		if extend == 0 {
			extend = src.Grain() * 16
		}
		chainParams = []gen.Params{{Capacity: extend, Mortality: 0.5}}
	}

	rankSet := mps.RankSetOf(mps.RankEXACT)
	name := "AMC"
	if a.Zed {
		rankSet = 0
		name = "AMCZ"
	}

	extend := a.ExtendBy
	if extend == 0 {
		extend = src.Grain() * 16
	}
	large := a.LargeSize
	if large == 0 {
		large = extend / 2
	}

	p := &Pool{
		src:      src,
		format:   a.Format,
		chain:    gen.NewChain(chainParams),
		large:    large,
		extend:   extend,
		interior: a.Interior,
		zed:      a.Zed,
		rankSet:  rankSet,
		name:     name,
	}
	return p, nil
}

// PoolName implements pool.Pool.
func (p *Pool) PoolName() string { return p.name }

// Attrs implements pool.Pool: AMC/AMCZ are both garbage-collected,
// scannable (unless Zed, which reports no outgoing references but is
// still dispatched through the same Scan no-op path) and moving.
func (p *Pool) Attrs() pool.Attrs {
	attrs := pool.AttrGC | pool.AttrMovingGC
	if !p.zed {
		attrs |= pool.AttrScan
	}
	return attrs
}

// Destroy implements pool.Pool. It detaches every allocation point the
// pool still tracks (padding each one's unused tail) and forgets them;
// it does not free the pool's segments.
func (p *Pool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ap := range p.aps {
		ap.Detach(p.format.Pad)
	}
	p.aps = nil
}

// NewAllocationPoint creates a fresh mutator-facing allocation point
// (spec.md §6 "APCreate(pool, args) → ap"). The returned buffer is
// unattached; its first Reserve call triggers Fill.
func (p *Pool) NewAllocationPoint() *segment.Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()

	ap := segment.NewBuffer(segment.KindMutator, p)
	p.aps = append(p.aps, ap)
	return ap
}

// APDestroy removes ap from the pool's tracked allocation points and
// flushes it back to its segment.
func (p *Pool) APDestroy(ap *segment.Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ap.Detach(p.format.Pad)
	for i, existing := range p.aps {
		if existing == ap {
			p.aps = append(p.aps[:i], p.aps[i+1:]...)
			break
		}
	}
}

// Fill implements segment.Filler: it is called by a buffer's Reserve
// when it cannot satisfy size in its current segment. Large requests
// get a dedicated segment; ordinary requests get a fresh
// pool.extend-sized segment (spec.md §4.2, §4.3 "Large objects").
func (p *Pool) Fill(ctx context.Context, buf *segment.Buffer, size uintptr) error {
	if old := buf.Segment(); old != nil {
		buf.Detach(p.format.Pad)
	}

	segSize := p.extend
	if size >= p.large {
		segSize = size
	}
	if segSize < size {
		segSize = size
	}

	seg, err := p.src.NewSegment(ctx, segSize, p.format.Align, p.rankSet, p)
	if err != nil {
		return errors.Wrap(err, "pool/amc: fill")
	}

	gn := p.chain.Generations[0]
	seg.AMC.GenIndex = 0
	if size >= p.large {
		seg.AMC.Large = true
		log(ctx).Debugf("pool/amc %s: new large segment %v (%d bytes)", p.name, seg.Base, segSize)
	}
	if p.ramping() {
		seg.AMC.Deferred = true
	}
	gn.AddSegment(seg)

	buf.Attach(seg, seg.Base, seg.Limit)
	return nil
}

// forwardingBuffer returns (creating if needed) the buffer objects
// evacuated out of gn's segments are copied into: gn's own
// ForwardBuffer, filled by this pool against gn's forward target.
func (p *Pool) forwardingBuffer(gn *gen.Generation) *segment.Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if gn.ForwardBuffer == nil {
		gn.ForwardBuffer = segment.NewBuffer(segment.KindForwarding, forwardFiller{pool: p, target: gn.Forward})
	}
	return gn.ForwardBuffer
}

// forwardFiller adapts Pool.Fill to allocate specifically for a
// generation's forward target, since the forwarding buffer's segments
// must be accounted against the destination generation rather than
// generation 0.
type forwardFiller struct {
	pool   *Pool
	target *gen.Generation
}

func (f forwardFiller) Fill(ctx context.Context, buf *segment.Buffer, size uintptr) error {
	if old := buf.Segment(); old != nil {
		buf.Detach(f.pool.format.Pad)
	}

	segSize := f.pool.extend
	if segSize < size {
		segSize = size
	}

	seg, err := f.pool.src.NewSegment(ctx, segSize, f.pool.format.Align, f.pool.rankSet, f.pool)
	if err != nil {
		return errors.Wrap(err, "pool/amc: fill forwarding buffer")
	}

	seg.AMC.GenIndex = f.target.Index
	seg.AMC.Old = true
	f.target.AddSegment(seg)

	buf.Attach(seg, seg.Base, seg.Limit)
	return nil
}

// GenAcct returns a snapshot of the accounting counters for the
// generation at index, for diagnostics and tests that need to observe
// newSize/oldSize/bufferedSize directly (e.g. around a ramp).
func (p *Pool) GenAcct(index int) gen.PoolGen {
	return p.chain.Generations[index].Acct()
}

func (p *Pool) generationOf(seg *segment.Segment) *gen.Generation {
	mpsassert.Require(seg.AMC.GenIndex >= 0 && seg.AMC.GenIndex < len(p.chain.Generations),
		"pool/amc: segment %v has invalid generation index %d", seg.Base, seg.AMC.GenIndex)
	return p.chain.Generations[seg.AMC.GenIndex]
}
