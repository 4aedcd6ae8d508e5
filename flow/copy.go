package flow

import (
	"github.com/gomlx/lanes/ad"
	"github.com/gomlx/lanes/backends"
	"github.com/gomlx/lanes/types/handles"
)

// copyState deep-copies a state value: containers are rebuilt so one
// branch's mutations cannot be observed by the other, while leaves share
// their handles copy-on-write style (one extra reference each).
func copyState(tape *ad.Tape, state any) any {
	return rebuildState(state, func(_ string, leaf Leaf) Leaf {
		h := leaf.LeafHandle()
		if !h.IsNull() {
			leaf.LeafBackend().IncRef(backends.VarId(h.Data()))
			if h.Tracked() && tape != nil {
				tape.IncRefNode(h.Grad())
			}
		}
		return leaf.WithLeafHandle(h)
	})
}

// releaseState drops one reference per leaf handle of a state value.
func releaseState(tape *ad.Tape, state any) {
	visitState(state, func(_ string, leaf Leaf) {
		h := leaf.LeafHandle()
		if h.IsNull() {
			return
		}
		leaf.LeafBackend().DecRef(backends.VarId(h.Data()))
		if h.Tracked() && tape != nil {
			tape.DecRefNode(h.Grad())
		}
	})
}

// leafHandles flattens the handles of a state (borrowed, no references
// taken).
func leafHandles(state any) []handles.Handle {
	var hs []handles.Handle
	visitState(state, func(_ string, leaf Leaf) {
		hs = append(hs, leaf.LeafHandle())
	})
	return hs
}

// uncopy restores input identity where the merge left a state untouched: if
// every leaf of merged still holds the same handle as orig, the original
// value is returned (no new allocation for unmodified state) and merged's
// extra references are dropped. Reports whether orig was reused.
func uncopy(tape *ad.Tape, orig, merged any) (any, bool) {
	a, b := leafHandles(orig), leafHandles(merged)
	if len(a) != len(b) {
		return merged, false
	}
	for i := range a {
		if a[i] != b[i] {
			return merged, false
		}
	}
	releaseState(tape, merged)
	return orig, true
}
