package arena

import (
	"github.com/ravenbrook/mps-go/mps"
)

// Transform is a deferred old->new pointer rewrite applied through the
// next completed trace (spec.md §6 "Transforms"). A transform
// accumulates old/new pairs, then Apply arranges for every EXACT
// reference equal to an old value to be rewritten to its new value
// once the next trace reaches FINISHED.
type Transform struct {
	pairs   map[mps.Ref]mps.Ref
	applied bool
}

// TransformCreate allocates an empty transform.
func (a *Arena) TransformCreate() *Transform {
	a.Enter()
	defer a.Leave()

	t := &Transform{pairs: map[mps.Ref]mps.Ref{}}
	a.transforms = append(a.transforms, t)
	return t
}

// TransformAddOldNew records that old should be rewritten to new once
// t is applied.
func (a *Arena) TransformAddOldNew(t *Transform, old, new mps.Ref) {
	a.Enter()
	defer a.Leave()
	t.pairs[old] = new
}

// TransformApply marks t for application on the next trace this arena
// runs to completion. The rewrite itself happens after that trace
// reaches FINISHED, not during its root scan (see rewriteRootsLocked,
// called from PollTrace when it retires a finished trace).
func (a *Arena) TransformApply(t *Transform) {
	a.Enter()
	defer a.Leave()
	t.applied = true
}

// TransformDestroy discards t; pending rewrites it described are
// abandoned.
func (a *Arena) TransformDestroy(t *Transform) {
	a.Enter()
	defer a.Leave()
	for i, existing := range a.transforms {
		if existing == t {
			a.transforms = append(a.transforms[:i], a.transforms[i+1:]...)
			return
		}
	}
}

// rewriteRootsLocked applies every transform marked TransformApply by
// walking the table roots registered via RootCreateTable and
// rewriting any slot matching an old value. Table roots are the only
// root kind this module can safely rewrite in place (area/formatted
// roots hand the arena a scan closure, not a slot list it can mutate
// directly). Called by PollTrace (via retireTraceLocked) once a trace
// reaches FINISHED, per spec.md §6 "after the next completed trace".
func (a *Arena) rewriteRootsLocked() {
	a.assertLocked()

	var active []*Transform
	for _, t := range a.transforms {
		if t.applied {
			active = append(active, t)
		}
	}
	if len(active) == 0 {
		return
	}

	for _, slots := range a.tableRootSlots {
		for _, slot := range slots {
			for _, t := range active {
				if repl, ok := t.pairs[*slot]; ok {
					*slot = repl
				}
			}
		}
	}

	remaining := a.transforms[:0]
	for _, t := range a.transforms {
		if !t.applied {
			remaining = append(remaining, t)
		}
	}
	a.transforms = remaining
}
