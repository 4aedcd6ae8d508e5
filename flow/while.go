package flow

import (
	"github.com/gomlx/lanes/ad"
	"github.com/gomlx/lanes/backends"
	"github.com/gomlx/lanes/coreerrors"
	"github.com/gomlx/lanes/types/handles"
	"k8s.io/klog/v2"
)

// While repeatedly applies body to a state value while cond holds.
//
// cond(state) may return a Go bool, a *Var or a handles.Handle. A bool
// condition (or ModeScalar) takes the direct, untraced iteration loop.
// Otherwise the condition must be a single boolean batch; its lane count
// becomes the loop's working size and the construct hands the cond/body pair
// to the backend, which either records one symbolic loop or physically
// re-executes body while any lane remains active. cond must be pure: it is
// re-evaluated per iteration.
//
// body(state) must return a state of the same shape as its input (same leaf
// count, names and declared types); a drift is a named error raised after
// the iteration that introduced it.
//
// Ownership follows If: While consumes the input state, body takes ownership
// of the state it receives, and the final state is returned to the caller.
func While(backend backends.Backend, tape *ad.Tape, name string, state any,
	cond func(state any) any, body func(state any) any, mode Mode) any {
	mode.check("while", name)

	first := cond(state)
	if b, ok := first.(bool); ok && mode != ModeSymbolic && mode != ModeEvaluated {
		for b {
			state = body(state)
			next := cond(state)
			nb, ok := next.(bool)
			if !ok {
				coreerrors.Panicf(coreerrors.KindConfiguration, "while", name,
					"the condition changed from bool to %T between iterations", next)
			}
			b = nb
		}
		return state
	}
	if mode == ModeScalar {
		c := first
		for {
			h := condHandle("while", name, backend, c)
			run := readScalarCond("while", name, backend, h)
			releaseCond(backend, tape, c)
			if !run {
				return state
			}
			state = body(state)
			c = cond(state)
		}
	}

	// The probe result came from the pre-copy state; the traced loop
	// re-evaluates the condition itself.
	releaseCond(backend, tape, first)

	klog.V(2).Infof("flow: while %q tracing", name)
	tk := newTracker("while", name, backend, tape)
	cur := copyState(tape, state)
	releaseState(tape, state)

	condVar := func() backends.VarId {
		c := cond(cur)
		h := condHandle("while", name, backend, c)
		tk.noteSize("the loop condition", backend.Size(backends.VarId(h.Data())))
		data := backends.VarId(h.Data())
		backend.IncRef(data)
		releaseCond(backend, tape, c)
		return data
	}
	bodyFn := func() {
		cur = body(cur)
	}
	read := func() []handles.Handle { return tk.Read(cur) }
	write := func(hs []handles.Handle) {
		old := cur
		cur = tk.Write(old, hs)
		releaseState(tape, old)
	}
	backend.Loop(name, condVar, bodyFn, read, write)
	klog.V(2).Infof("flow: while %q finished with working size %d", name, tk.loopSize)
	return cur
}

// releaseCond drops the references of a condition value returned by a cond
// callback.
func releaseCond(backend backends.Backend, tape *ad.Tape, cond any) {
	switch c := cond.(type) {
	case *Var:
		c.Release()
	case handles.Handle:
		backend.DecRef(backends.VarId(c.Data()))
		if c.Tracked() && tape != nil {
			tape.DecRefNode(c.Grad())
		}
	}
}
