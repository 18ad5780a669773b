// Package mps implements the core of an incremental, generational,
// mostly-copying garbage collector embeddable into a host program.
//
// The package defines the primitive data model shared by every other
// package in the module: addresses (Ref), the coarse zone bitset used
// to summarise address ranges (RefSet), trace identifiers, and
// reference ranks. Everything above this package builds on these
// types; this package itself has no dependencies within the module.
package mps

import (
	"fmt"
	"math/bits"
)

// Ref is an address-sized word that may, but need not, point at a
// managed object. The client and the collector agree on a zone shift
// at arena creation time; ZoneOf extracts the zone bits used to build
// a RefSet summary for a range of addresses.
type Ref uintptr

// String renders a Ref the way addresses are usually printed in MPS
// diagnostics.
func (r Ref) String() string {
	return fmt.Sprintf("0x%x", uintptr(r))
}

// IsZero reports whether r is the null reference.
func (r Ref) IsZero() bool {
	return r == 0
}

// Add returns r offset by n bytes.
func (r Ref) Add(n uintptr) Ref {
	return r + Ref(n)
}

// Sub returns the byte distance from other to r.
func (r Ref) Sub(other Ref) uintptr {
	return uintptr(r - other)
}

// AlignUp rounds addr up to the next multiple of align, which must be
// a power of two.
func AlignUp(addr uintptr, align uintptr) uintptr {
	return (addr + align - 1) &^ (align - 1)
}

// AlignDown rounds addr down to the previous multiple of align, which
// must be a power of two.
func AlignDown(addr uintptr, align uintptr) uintptr {
	return addr &^ (align - 1)
}

// IsAligned reports whether addr is a multiple of align.
func IsAligned(addr uintptr, align uintptr) bool {
	return addr&(align-1) == 0
}

// DefaultZoneShift is the default number of low bits of an address
// ignored when computing its zone. The shift is fixed per arena at
// creation time (see arena.WithZoneShift); this default matches the common MPS
// configuration of treating bits above the word size evenly.
const DefaultZoneShift = 20

// zoneBits is the width in bits of a RefSet; one bit per zone.
const zoneBits = bits.UintSize

// ZoneOf returns the zone index of addr under the given shift. The
// zone is the low zoneBits bits of the address above the shift,
// wrapped so that every address maps to some zone in [0, zoneBits).
func ZoneOf(addr Ref, shift uint) uint {
	return uint(uintptr(addr)>>shift) % zoneBits
}

// RefSet is a word-sized bitset where bit i marks zone i as possibly
// populated. RefSets support union, intersection, difference,
// superset and single-reference containment in O(1).
//
// Invariant: RefSetOfRange(base, limit) covers every zone any address
// in [base, limit) maps to (spec.md §3).
type RefSet uint

// RefSetEmpty is the empty RefSet, the identity for Union.
const RefSetEmpty RefSet = 0

// RefSetUniv is the universal RefSet, the identity for Intersect.
const RefSetUniv RefSet = ^RefSet(0)

// RefSetOfRange returns the RefSet covering every zone touched by
// [base, limit) under the given shift.
func RefSetOfRange(base, limit Ref, shift uint) RefSet {
	if limit <= base {
		return RefSetEmpty
	}

	// Step zone by zone from the zone containing base, stopping early
	// once every zone is covered.
	var rs RefSet
	zoneSize := Ref(1) << shift
	for addr := AlignDownRef(base, zoneSize); addr < limit; addr += zoneSize {
		rs = rs.AddZone(ZoneOf(addr, shift))
		if rs == RefSetUniv {
			break
		}
	}
	return rs
}

// AlignDownRef rounds a Ref down to a multiple of align.
func AlignDownRef(addr Ref, align Ref) Ref {
	return Ref(AlignDown(uintptr(addr), uintptr(align)))
}

// RefSetOfAddr returns the singleton RefSet containing the zone of addr.
func RefSetOfAddr(addr Ref, shift uint) RefSet {
	return RefSet(1) << ZoneOf(addr, shift)
}

// AddZone returns rs with zone z added.
func (rs RefSet) AddZone(z uint) RefSet {
	return rs | (RefSet(1) << (z % zoneBits))
}

// Union returns the union of rs and other.
func (rs RefSet) Union(other RefSet) RefSet {
	return rs | other
}

// Intersect returns the intersection of rs and other.
func (rs RefSet) Intersect(other RefSet) RefSet {
	return rs & other
}

// Diff returns rs with every zone in other removed.
func (rs RefSet) Diff(other RefSet) RefSet {
	return rs &^ other
}

// IsSubset reports whether every zone in rs is also in other.
func (rs RefSet) IsSubset(other RefSet) bool {
	return rs&^other == 0
}

// Intersects reports whether rs and other share any zone.
func (rs RefSet) Intersects(other RefSet) bool {
	return rs&other != 0
}

// IsEmpty reports whether rs has no zones set.
func (rs RefSet) IsEmpty() bool {
	return rs == RefSetEmpty
}

// Contains reports whether addr's zone is a member of rs.
func (rs RefSet) Contains(addr Ref, shift uint) bool {
	return rs.Intersects(RefSetOfAddr(addr, shift))
}

// Count returns the number of zones set in rs.
func (rs RefSet) Count() int {
	return bits.OnesCount(uint(rs))
}

func (rs RefSet) String() string {
	return fmt.Sprintf("RefSet(%#x)", uint(rs))
}
