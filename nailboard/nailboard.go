// Package nailboard implements the per-segment bitmap that refines
// whole-segment nailing (conservative pinning) to per-object
// granularity, as specified in spec.md §3 and §4.3.
//
// Grounded on committedBlockIndex's mutex-guarded, swapped-in-place
// bitmap-like inUse map (block/committed_block_index.go), generalized
// here from a map keyed by opaque block id to a real bitmap keyed by
// aligned object base address.
package nailboard

import (
	"math/bits"

	"github.com/ravenbrook/mps-go/internal/mpsassert"
)

// Board is a bitmap marking object bases pinned by ambiguous
// references, scoped to one segment and covering addresses in
// [base, base+span) at the given alignment.
type Board struct {
	base      uintptr
	align     uintptr
	words     []uint64
	newNails  bool
	nailCount int
}

// New creates a Board covering span bytes starting at base, with
// objects aligned to align (which must be a power of two and at least
// 1).
func New(base uintptr, span uintptr, align uintptr) *Board {
	mpsassert.Require(align > 0 && align&(align-1) == 0, "nailboard: align %d is not a power of two", align)

	nbits := (span + align - 1) / align
	nwords := (nbits + 63) / 64

	return &Board{
		base:  base,
		align: align,
		words: make([]uint64, nwords),
	}
}

func (b *Board) indexOf(addr uintptr) int {
	mpsassert.Require(addr >= b.base, "nailboard: address %#x below board base %#x", addr, b.base)
	mpsassert.Require((addr-b.base)%b.align == 0, "nailboard: address %#x is not object-aligned", addr)
	return int((addr - b.base) / b.align)
}

// Set marks addr as nailed and reports whether it was already marked
// (was-marked), matching the MPS NailboardSet contract. Setting a
// previously-clear bit also raises the board's "new nails since last
// clear" flag, which the scan loop in pool/amc uses to decide whether
// another pass is required (spec.md §4.3 "Scan").
func (b *Board) Set(addr uintptr) (wasMarked bool) {
	idx := b.indexOf(addr)
	word, bit := idx/64, uint(idx%64)

	mask := uint64(1) << bit
	wasMarked = b.words[word]&mask != 0
	if !wasMarked {
		b.words[word] |= mask
		b.newNails = true
		b.nailCount++
	}
	return wasMarked
}

// Get reports whether addr is currently nailed.
func (b *Board) Get(addr uintptr) bool {
	idx := b.indexOf(addr)
	word, bit := idx/64, uint(idx%64)
	return b.words[word]&(uint64(1)<<bit) != 0
}

// SetRange marks every aligned address in [lo, hi) as nailed.
func (b *Board) SetRange(lo, hi uintptr) {
	for addr := lo; addr < hi; addr += b.align {
		b.Set(addr)
	}
}

// IsResRange reports whether any address in [lo, hi) is nailed
// ("reserved"): the whole range cannot be reclaimed or copied over.
func (b *Board) IsResRange(lo, hi uintptr) bool {
	for addr := lo; addr < hi; addr += b.align {
		if b.Get(addr) {
			return true
		}
	}
	return false
}

// NewNails reports whether any bit has been set since the last call
// to ClearNewNails. The nailed-scan loop in pool/amc must call
// ClearNewNails before each pass and re-scan until this returns false,
// per spec.md §9 ("Fix-in-place races").
func (b *Board) NewNails() bool {
	return b.newNails
}

// ClearNewNails lowers the "new nails since last clear" flag. Must be
// called before starting a nailed-scan pass so that any nail set
// during the pass (by emergency fix) is detected by the next NewNails
// check.
func (b *Board) ClearNewNails() {
	b.newNails = false
}

// Count returns the number of addresses currently nailed.
func (b *Board) Count() int {
	return b.nailCount
}

// Base returns the address the board's first bit corresponds to.
func (b *Board) Base() uintptr { return b.base }

// Align returns the board's object alignment.
func (b *Board) Align() uintptr { return b.align }

// Each calls fn for every nailed address, in increasing order.
func (b *Board) Each(fn func(addr uintptr)) {
	for wi, w := range b.words {
		for w != 0 {
			bit := bits.TrailingZeros64(w)
			idx := wi*64 + bit
			fn(b.base + uintptr(idx)*b.align)
			w &^= uint64(1) << uint(bit)
		}
	}
}
