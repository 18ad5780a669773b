package arena

import (
	"context"

	"github.com/ravenbrook/mps-go/mps"
	"github.com/ravenbrook/mps-go/scanstate"
	"github.com/ravenbrook/mps-go/trace"
)

// RootKind distinguishes the root shapes spec.md §6 lists: area,
// tagged area, table, formatted, thread, thread-tagged.
type RootKind int

const (
	RootArea RootKind = iota
	RootTaggedArea
	RootTable
	RootFormatted
	RootThread
	RootThreadTagged
)

// AreaScanner scans a contiguous range conservatively: every aligned
// word in [base, limit) is a candidate reference, fixed via ss.Fix.
type AreaScanner func(ctx context.Context, ss *scanstate.ScanState, base, limit mps.Ref) error

// TaggedAreaScanner is like AreaScanner but only words matching mask
// and pattern are candidates (spec.md §6 "ScanArea(ss, base, limit[,
// mask, pattern])").
type TaggedAreaScanner func(ctx context.Context, ss *scanstate.ScanState, base, limit mps.Ref, mask, pattern uintptr) error

// FormattedScanner scans a range of formatted objects using a
// format's own Scan callback, for roots that hold client objects
// directly (e.g. a formatted stack of handles) rather than raw words.
type FormattedScanner func(ctx context.Context, ss *scanstate.ScanState) error

// RootCreateArea registers a conservative area root: every word in
// [base, limit) is scanned as a candidate reference.
func (a *Arena) RootCreateArea(rank mps.Rank, base, limit mps.Ref, scan AreaScanner) *trace.Root {
	r := &trace.Root{
		Rank: rank,
		Scan: func(ctx context.Context, ss *scanstate.ScanState) error {
			return scan(ctx, ss, base, limit)
		},
	}
	a.addRootLocked(r)
	return r
}

// RootCreateTaggedArea registers a tagged-area root: only words
// matching mask/pattern are candidate references.
func (a *Arena) RootCreateTaggedArea(rank mps.Rank, base, limit mps.Ref, mask, pattern uintptr, scan TaggedAreaScanner) *trace.Root {
	r := &trace.Root{
		Rank: rank,
		Scan: func(ctx context.Context, ss *scanstate.ScanState) error {
			return scan(ctx, ss, base, limit, mask, pattern)
		},
	}
	a.addRootLocked(r)
	return r
}

// RootCreateTable registers a table root: scan fixes every *mps.Ref in
// slots.
func (a *Arena) RootCreateTable(rank mps.Rank, slots []*mps.Ref) *trace.Root {
	r := &trace.Root{
		Rank: rank,
		Scan: func(ctx context.Context, ss *scanstate.ScanState) error {
			for _, slot := range slots {
				if err := ss.Fix(slot); err != nil {
					return err
				}
			}
			return nil
		},
	}
	a.addRootLocked(r)

	a.Enter()
	a.tableRootSlots = append(a.tableRootSlots, slots)
	a.Leave()

	return r
}

// RootCreateFormatted registers a root scanned by a client-supplied
// formatted scan callback (a format.ScanFunc-shaped closure bound to
// whatever the client's own data structure is).
func (a *Arena) RootCreateFormatted(rank mps.Rank, scan FormattedScanner) *trace.Root {
	r := &trace.Root{Rank: rank, Scan: scan}
	a.addRootLocked(r)
	return r
}

// RootCreateThread registers a thread root: scans a thread's
// registers and stack conservatively via scan. Distinguished from
// RootArea only for diagnostics, since this module has no real
// per-OS-thread register file to special-case.
func (a *Arena) RootCreateThread(rank mps.Rank, base, limit mps.Ref, scan AreaScanner) *trace.Root {
	return a.RootCreateArea(rank, base, limit, scan)
}

// RootCreateThreadTagged is the tagged variant of RootCreateThread.
func (a *Arena) RootCreateThreadTagged(rank mps.Rank, base, limit mps.Ref, mask, pattern uintptr, scan TaggedAreaScanner) *trace.Root {
	return a.RootCreateTaggedArea(rank, base, limit, mask, pattern, scan)
}

func (a *Arena) addRootLocked(r *trace.Root) {
	a.Enter()
	defer a.Leave()
	a.roots = append(a.roots, r)
}

// RootDestroy unregisters a root.
func (a *Arena) RootDestroy(r *trace.Root) {
	a.Enter()
	defer a.Leave()
	for i, existing := range a.roots {
		if existing == r {
			a.roots = append(a.roots[:i], a.roots[i+1:]...)
			return
		}
	}
}

// Roots returns a snapshot of registered roots, with each root's
// Summary set to mps.RefSetUniv (this module tracks no per-root
// summary, so every root is treated as possibly referring into any
// zone). Implements trace.Host.
func (a *Arena) Roots() []*trace.Root {
	a.assertLocked()

	out := make([]*trace.Root, len(a.roots))
	for i, r := range a.roots {
		refreshed := *r
		refreshed.Summary = mps.RefSetUniv
		out[i] = &refreshed
	}
	return out
}
