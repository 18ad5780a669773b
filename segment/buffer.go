package segment

import (
	"context"
	"sync"

	"github.com/ravenbrook/mps-go/internal/logging"
	"github.com/ravenbrook/mps-go/mps"
)

var log = logging.Module("mps/segment")

// Kind distinguishes a mutator-visible allocation point from a
// pool-internal forwarding buffer used only during evacuation.
type Kind int

const (
	KindMutator Kind = iota
	KindForwarding
)

// Filler is called by Reserve when the buffer's remaining space is
// insufficient; it is implemented by the owning pool, which obtains a
// fresh segment or extension and reattaches the buffer (spec.md §4.2).
type Filler interface {
	Fill(ctx context.Context, buf *Buffer, size uintptr) error
}

// frame marks a position in the buffer's allocation for FramePush/Pop
// lightweight scoping (spec.md §6 "FramePush/Pop for lightweight
// scoping").
type frame struct {
	alloc mps.Ref
}

// Buffer is a thread-local bump allocator attached to at most one
// segment at a time. Between Reserve and Commit, init == alloc does
// not hold; the range [init, alloc) is uninitialised and must not be
// observed by a collection (spec.md §3 Buffer invariant).
//
// The real MPS buffer triple is a lock-free protocol between the
// mutator and the collector; this port keeps the three pointers under
// a mutex because spec.md's Non-goals exclude concurrent mutator
// execution; a single stop-the-world arena lock already serialises
// everything that would otherwise need the lock-free dance, so a
// mutex here adds no real contention and a great deal of clarity.
type Buffer struct {
	mu sync.Mutex

	base, init, alloc, limit mps.Ref
	kind                     Kind
	seg                      *Segment
	filler                   Filler
	tripped                  bool
	frames                   []frame
}

// NewBuffer creates an empty, unattached Buffer of the given kind,
// filled by filler when Reserve needs more space than is currently
// available.
func NewBuffer(kind Kind, filler Filler) *Buffer {
	return &Buffer{kind: kind, filler: filler}
}

// Kind returns the buffer's kind.
func (b *Buffer) Kind() Kind {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.kind
}

// Segment returns the segment the buffer is currently attached to, or
// nil.
func (b *Buffer) Segment() *Segment {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seg
}

// InitAddr returns the buffer's init pointer: the boundary between
// initialised and uninitialised memory in its segment.
func (b *Buffer) InitAddr() mps.Ref {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.init
}

// AllocAddr returns the buffer's alloc pointer.
func (b *Buffer) AllocAddr() mps.Ref {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.alloc
}

// Attach binds the buffer to seg, starting allocation at base and
// committing up to limit. Any previous attachment is discarded without
// flushing; callers must Detach first if that matters.
func (b *Buffer) Attach(seg *Segment, base, limit mps.Ref) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seg = seg
	b.base = base
	b.init = base
	b.alloc = base
	b.limit = limit
	b.tripped = false
	seg.Buffer = b
}

// Reserve returns size bytes of fresh space, refilling the buffer via
// its Filler if the current segment cannot satisfy the request
// in-place (spec.md §4.2). The returned address is uninitialised;
// Commit must be called with the same size before the memory may be
// observed by a collection.
func (b *Buffer) Reserve(ctx context.Context, size uintptr) (mps.Ref, error) {
	b.mu.Lock()
	if b.alloc+mps.Ref(size) <= b.limit && !b.tripped {
		addr := b.alloc
		b.alloc += mps.Ref(size)
		b.mu.Unlock()
		return addr, nil
	}
	b.mu.Unlock()

	if err := b.filler.Fill(ctx, b, size); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.alloc+mps.Ref(size) > b.limit || b.tripped {
		return 0, mps.NewError(mps.ErrResource, "buffer: fill did not provide enough space for %d bytes", size)
	}
	addr := b.alloc
	b.alloc += mps.Ref(size)
	return addr, nil
}

// Commit confirms that the caller finished initialising the size
// bytes previously returned by Reserve at p, advancing init to match
// alloc. It returns false if the buffer was tripped by a flip between
// reserve and commit, in which case the caller must discard whatever
// it wrote at p and retry the whole reserve/commit pair from the top
// (spec.md §4.2).
func (b *Buffer) Commit(p mps.Ref, size uintptr) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tripped {
		return false
	}

	b.init += mps.Ref(size)
	return true
}

// Trip marks the buffer as tripped: a flip has occurred while the
// buffer was between reserve and commit (or simply attached), so the
// next Commit must fail and the next Reserve must refill. The
// segment's scannable limit stays at whatever init is at the moment
// of tripping; limit is left as it was, so the bytes between init and
// limit are abandoned and padded by Detach or by the next Fill.
func (b *Buffer) Trip() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tripped = true
}

// Tripped reports whether the buffer is currently tripped.
func (b *Buffer) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped
}

// Detach flushes the buffer back to its segment: it pads
// [init, limit) with a padding object (supplied by pad, normally
// format.Pad) so a later scan of the segment does not need to know
// where the buffer's live data ended, and marks the buffer empty.
func (b *Buffer) Detach(pad func(addr mps.Ref, size uintptr)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.seg == nil {
		return
	}

	if b.limit > b.init && pad != nil {
		pad(b.init, b.limit.Sub(b.init))
	}

	b.seg.Buffer = nil
	b.seg = nil
	b.base, b.init, b.alloc, b.limit = 0, 0, 0, 0
	b.tripped = false
	b.frames = nil
}

// FramePush records the buffer's current allocation position as a
// frame, for lightweight scoped allocation (spec.md §6).
func (b *Buffer) FramePush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, frame{alloc: b.alloc})
}

// FramePop discards every allocation made since the matching
// FramePush by rewinding alloc (and init, if it had advanced past the
// frame) back to the recorded position. It is the caller's
// responsibility to ensure nothing outside the popped scope still
// references the discarded objects.
func (b *Buffer) FramePop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.frames) == 0 {
		return
	}

	f := b.frames[len(b.frames)-1]
	b.frames = b.frames[:len(b.frames)-1]

	b.alloc = f.alloc
	if b.init > b.alloc {
		b.init = b.alloc
	}
}
