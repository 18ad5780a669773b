// Package format describes the object-layout contract the host
// ("client") supplies to a pool at creation time, per spec.md §6
// ("Object format callbacks"). A Format is immutable after creation.
//
// A Format is a plain struct of callbacks rather than an interface, so
// a client can build one from closures without declaring a named type.
package format

import "github.com/ravenbrook/mps-go/mps"

// ScanFunc is implemented by the client to walk every outgoing
// reference in [base, limit) and fix each one through ss. ss is the
// narrow ScanContext interface rather than *scanstate.ScanState, to
// avoid a dependency cycle between format and scanstate;
// *scanstate.ScanState satisfies it, and pool/amc passes one directly.
//
// The client calls ss.Fix(slot) for every candidate reference it finds
// between base and limit (the TRACE_SCAN_BEGIN/FIX/END macro fast path
// described in spec.md §9 collapses here).
type ScanFunc func(ss ScanContext, base, limit mps.Ref) error

// ScanContext is the narrow view of a scan in progress that a client
// Scan callback needs: a way to fix individual reference slots.
type ScanContext interface {
	// Fix fixes the reference stored at *slot, possibly updating it in
	// place (an evacuated object moved) or leaving it if already
	// handled. The client must call this for every candidate reference
	// in the range it was asked to scan.
	Fix(slot *mps.Ref) error
}

// Format bundles the callbacks a pool needs to interpret the objects
// it stores. Every field must be non-nil; Validate checks this.
type Format struct {
	// Align is the alignment all object headers and bodies respect.
	Align uintptr

	// HeaderSize is the number of bytes of client header preceding the
	// client-visible base of each object (may be 0).
	HeaderSize uintptr

	// Scan walks every client reference in [base, limit) and fixes it
	// through the scan context.
	Scan ScanFunc

	// Skip returns the address immediately following the object whose
	// client-visible base is ref, i.e. ref plus the object's length.
	Skip func(ref mps.Ref) mps.Ref

	// Fwd installs a broken heart at old, recording that the object has
	// moved to newRef. After Fwd returns, IsFwd(old) must return newRef.
	Fwd func(old, newRef mps.Ref)

	// IsFwd reports whether ref has been forwarded, returning the
	// forwarding address and true if so.
	IsFwd func(ref mps.Ref) (mps.Ref, bool)

	// Pad overwrites [addr, addr+size) with a padding object the
	// client's scanner will skip over safely. size is always a multiple
	// of Align.
	Pad func(addr mps.Ref, size uintptr)
}

// Validate reports an error if any required callback is missing.
func (f *Format) Validate() error {
	switch {
	case f.Align == 0:
		return mps.NewError(mps.ErrParam, "format: Align must be non-zero")
	case f.Scan == nil:
		return mps.NewError(mps.ErrParam, "format: Scan callback is required")
	case f.Skip == nil:
		return mps.NewError(mps.ErrParam, "format: Skip callback is required")
	case f.Fwd == nil:
		return mps.NewError(mps.ErrParam, "format: Fwd callback is required")
	case f.IsFwd == nil:
		return mps.NewError(mps.ErrParam, "format: IsFwd callback is required")
	case f.Pad == nil:
		return mps.NewError(mps.ErrParam, "format: Pad callback is required")
	}
	return nil
}
